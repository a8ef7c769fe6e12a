package domain

import (
	"errors"
	"fmt"
	"time"
)

// Phase is the lifecycle position of a streaming query session.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseAuthenticating
	PhaseStreaming
	PhaseCompleted
	PhaseErrored
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseStreaming:
		return "streaming"
	case PhaseCompleted:
		return "completed"
	case PhaseErrored:
		return "errored"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition can leave p.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseErrored || p == PhaseCancelled
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	for candidate := PhaseConnecting; candidate <= PhaseCancelled; candidate++ {
		if candidate.String() == string(text) {
			*p = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

var ErrInvalidTransition = errors.New("invalid phase transition")

func NewInvalidTransitionError(from, to Phase) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Terminal phases have no entry: nothing leaves them.
var validTransitions = map[Phase][]Phase{
	PhaseConnecting:     {PhaseAuthenticating, PhaseStreaming, PhaseCompleted, PhaseErrored, PhaseCancelled},
	PhaseAuthenticating: {PhaseStreaming, PhaseCompleted, PhaseErrored, PhaseCancelled},
	PhaseStreaming:      {PhaseCompleted, PhaseErrored, PhaseCancelled},
}

func CanTransition(from, to Phase) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, p := range allowed {
		if p == to {
			return true
		}
	}
	return false
}

type Transition struct {
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}
