package stream

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ricochet1k/ragstream/internal/domain"
	"github.com/ricochet1k/ragstream/internal/frame"
)

// sessionVisitor applies decoded frames to a session. Every method runs
// with the session mutex held.
type sessionVisitor struct {
	s *Session
}

var _ frame.Visitor = sessionVisitor{}

func (v sessionVisitor) VisitChunk(c frame.Chunk) {
	s := v.s
	s.state.AccumulatedText += c.Text

	dangling := map[string]bool{}
	if c.ActiveRef != "" {
		if s.tracker.Has(c.ActiveRef) {
			s.state.ActiveRef = c.ActiveRef
		} else {
			s.state.ActiveRef = ""
			dangling[c.ActiveRef] = true
		}
	}
	if c.VisibleRefs != nil {
		known, unknown := s.tracker.Resolve(c.VisibleRefs)
		s.state.VisibleRefs = known
		for _, ref := range unknown {
			dangling[ref] = true
		}
	}
	for ref := range dangling {
		s.danglingLocked(ref)
	}
	s.touchLocked()

	if c.Done {
		s.transitionLocked(domain.PhaseCompleted, "final chunk")
	}
}

func (v sessionVisitor) VisitInfo(i frame.Info) {
	s := v.s
	added := s.tracker.Merge(i.Sources)
	s.state.Sources = s.tracker.Snapshot()
	s.touchLocked()
	s.logger.Debug("sources merged", zap.Int("received", len(i.Sources)), zap.Int("new", added))
}

func (v sessionVisitor) VisitError(e frame.Error) {
	s := v.s
	s.err = fmt.Errorf("%w: %s", ErrServer, e.Message)
	s.state.Error = e.Message
	s.transitionLocked(domain.PhaseErrored, "server error")
}

func (v sessionVisitor) VisitTaskUpdate(t frame.TaskUpdate) {
	v.s.logger.Debug("ignoring task update on query stream", zap.String("task_id", t.Task.ID))
}

func (v sessionVisitor) VisitPing(frame.Ping) {}

func (v sessionVisitor) VisitPong(frame.Pong) {}

func (v sessionVisitor) VisitUnknown(u frame.Unknown) {
	v.s.metrics.IncUnknownFrame(u.Tag)
	v.s.logger.Warn("ignoring unknown frame type", zap.String("type", u.Tag))
}
