package stream

import (
	"maps"
	"slices"
	"time"

	"github.com/ricochet1k/ragstream/internal/domain"
	"github.com/ricochet1k/ragstream/internal/sources"
)

// State is a point-in-time copy of a session. Values returned by Snapshot
// and delivered to subscribers share nothing with the live session.
type State struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`

	Phase           domain.Phase                       `json:"phase"`
	AccumulatedText string                             `json:"accumulated_text"`
	ActiveRef       string                             `json:"active_ref,omitempty"`
	VisibleRefs     []string                           `json:"visible_refs,omitempty"`
	Sources         map[string]domain.SourceDescriptor `json:"sources"`
	Error           string                             `json:"error,omitempty"`

	ReconnectAttempts int  `json:"reconnect_attempts"`
	Reconnecting      bool `json:"reconnecting"`
	ProtocolErrors    int  `json:"protocol_errors"`

	// Revision increases by one on every change.
	Revision    uint64              `json:"revision"`
	StartedAt   time.Time           `json:"started_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	Transitions []domain.Transition `json:"transitions,omitempty"`
}

func (s State) clone() State {
	out := s
	out.VisibleRefs = slices.Clone(s.VisibleRefs)
	out.Sources = maps.Clone(s.Sources)
	out.Transitions = slices.Clone(s.Transitions)
	return out
}

// OrderedSources lists the sources by refId, numeric ids first.
func (s State) OrderedSources() []domain.SourceDescriptor {
	return sources.Ordered(s.Sources)
}
