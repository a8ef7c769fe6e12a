package tasks

import (
	"go.uber.org/zap"

	"github.com/ricochet1k/ragstream/internal/frame"
)

type registryVisitor struct {
	r *Registry
}

var _ frame.Visitor = registryVisitor{}

func (v registryVisitor) VisitTaskUpdate(u frame.TaskUpdate) {
	v.r.upsert(u.Task)
}

func (v registryVisitor) VisitError(e frame.Error) {
	v.r.logger.Warn("task stream reported an error", zap.String("message", e.Message))
}

func (v registryVisitor) VisitUnknown(u frame.Unknown) {
	v.r.metrics.IncUnknownFrame(u.Tag)
	v.r.logger.Warn("ignoring unknown frame type", zap.String("type", u.Tag))
}

func (v registryVisitor) VisitChunk(frame.Chunk) {
	v.r.logger.Debug("ignoring chunk on task stream")
}

func (v registryVisitor) VisitInfo(frame.Info) {
	v.r.logger.Debug("ignoring info on task stream")
}

func (v registryVisitor) VisitPing(frame.Ping) {}

func (v registryVisitor) VisitPong(frame.Pong) {}
