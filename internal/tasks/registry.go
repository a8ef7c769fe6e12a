// Package tasks tracks background jobs pushed by the backend over a
// supervised connection and sends cancel requests upstream.
package tasks

import (
	"context"
	"errors"
	"maps"
	"sync"

	"go.uber.org/zap"

	"github.com/ricochet1k/ragstream/internal/domain"
	"github.com/ricochet1k/ragstream/internal/frame"
	"github.com/ricochet1k/ragstream/internal/logging"
	"github.com/ricochet1k/ragstream/internal/metrics"
	"github.com/ricochet1k/ragstream/internal/supervisor"
	"github.com/ricochet1k/ragstream/pkg/protocol"
)

var (
	ErrUnauthenticated = errors.New("task stream lost authentication")
	ErrClosed          = errors.New("task registry closed")
)

type Config struct {
	Endpoint   string
	Credential string
	Supervisor supervisor.Config
}

type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithDialer(d supervisor.Dialer) Option {
	return func(r *Registry) { r.dialer = d }
}

// Update is passed to subscribers after every change. Changed is nil when
// the map was cleared.
type Update struct {
	Tasks   map[string]domain.TaskRecord
	Changed *domain.TaskRecord
	Cleared bool
}

// Registry holds the task map for one authenticated context. The map is
// written only by the registry's event loop and by auth loss.
type Registry struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector
	dialer  supervisor.Dialer
	sup     *supervisor.Supervisor

	mu     sync.Mutex
	tasks  map[string]domain.TaskRecord
	subs   map[uint64]func(Update)
	nextID uint64
	err    error
	closed bool

	// notifyMu keeps subscriber callbacks serialised.
	notifyMu sync.Mutex
	done     chan struct{}
}

func New(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:    cfg,
		logger: zap.NewNop(),
		tasks:  make(map[string]domain.TaskRecord),
		subs:   make(map[uint64]func(Update)),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "tasks"))

	supOpts := []supervisor.Option{
		supervisor.WithLogger(r.logger),
		supervisor.WithMetrics(r.metrics),
	}
	if r.dialer != nil {
		supOpts = append(supOpts, supervisor.WithDialer(r.dialer))
	}
	r.sup = supervisor.New(cfg.Supervisor, supOpts...)
	return r
}

// Open connects the registry. Cancelling ctx closes it.
func (r *Registry) Open(ctx context.Context) error {
	u, err := supervisor.WebSocketURL(r.cfg.Endpoint)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.mu.Unlock()

	if err := r.sup.Open(ctx, u.String(), r.cfg.Credential); err != nil {
		r.shutdown(err)
		return err
	}
	go r.loop()
	return nil
}

// Subscribe registers onUpdate and returns a function that removes it.
// Callbacks are serialised, must not block, and must not call Close or
// Deauthenticate.
func (r *Registry) Subscribe(onUpdate func(Update)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = onUpdate
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// Snapshot returns a copy of the task map.
func (r *Registry) Snapshot() map[string]domain.TaskRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.tasks)
}

func (r *Registry) Get(id string) (domain.TaskRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[id]
	return rec, ok
}

// Cancel asks the backend to cancel taskID. It returns false without
// sending anything when the task is unknown or already terminal, and false
// when the request could not be written.
func (r *Registry) Cancel(taskID string) bool {
	r.mu.Lock()
	rec, ok := r.tasks[taskID]
	closed := r.closed
	r.mu.Unlock()
	if closed || !ok || rec.Status.IsTerminal() {
		return false
	}

	if err := r.sup.Send(protocol.NewCancelTask(taskID)); err != nil {
		r.logger.Warn("cancel request not sent", zap.String("task_id", taskID), zap.Error(err))
		return false
	}
	r.metrics.IncCancelRequestSent()
	r.logger.Info("cancel requested", zap.String("task_id", taskID))
	return true
}

// Deauthenticate drops the connection and forgets every task.
func (r *Registry) Deauthenticate() {
	r.authLost(nil, "deauthenticated")
}

// Close stops the registry, keeping the last known tasks readable.
func (r *Registry) Close() {
	r.shutdown(nil)
}

// Done is closed once the registry has stopped.
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

// Err reports why the registry stopped, or nil.
func (r *Registry) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Registry) loop() {
	for ev := range r.sup.Events() {
		switch e := ev.(type) {
		case supervisor.Connected:
			r.logger.Info("task stream connected", zap.Bool("reconnect", e.Reconnect))
		case supervisor.Message:
			r.handleMessage(e.Raw)
		case supervisor.Disconnected:
			if e.Code == protocol.ClosePolicyViolation || e.Code == protocol.CloseUnauthorized {
				r.authLost(ErrUnauthenticated, e.Reason)
				continue
			}
			if e.Code == protocol.CloseNormal {
				r.logger.Info("task stream closed by peer", zap.String("reason", e.Reason))
				continue
			}
			r.logger.Warn("task stream lost", zap.Int("code", e.Code), zap.String("reason", e.Reason))
		case supervisor.Reconnecting:
			r.logger.Info("task stream reconnecting",
				zap.Int("attempt", e.Attempt.Number),
				zap.Duration("delay", e.Attempt.Delay))
		case supervisor.Failed:
			r.mu.Lock()
			if r.err == nil {
				r.err = e.Err
			}
			r.mu.Unlock()
			r.logger.Error("task stream failed", zap.Error(e.Err))
		}
	}
	r.shutdown(nil)
}

func (r *Registry) handleMessage(raw []byte) {
	f, err := frame.Decode(raw)
	if err != nil {
		r.metrics.IncDecodeError()
		r.logger.Warn("discarding malformed frame", zap.Error(err))
		return
	}
	r.metrics.IncFrameDecoded()
	f.Accept(registryVisitor{r})
}

func (r *Registry) upsert(rec domain.TaskRecord) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.tasks[rec.ID] = rec
	snap := maps.Clone(r.tasks)
	r.mu.Unlock()

	r.metrics.IncTaskUpdate()
	r.logger.Debug("task updated", zap.String("task_id", rec.ID), zap.String("status", string(rec.Status)))
	r.notify(Update{Tasks: snap, Changed: &rec})
}

// authLost clears the map before closing so stale records are never read
// as current.
func (r *Registry) authLost(cause error, reason string) {
	r.mu.Lock()
	if r.closed && len(r.tasks) == 0 {
		r.mu.Unlock()
		return
	}
	r.tasks = make(map[string]domain.TaskRecord)
	if r.err == nil {
		r.err = cause
	}
	r.closed = true
	r.mu.Unlock()

	r.logger.Warn("task stream deauthenticated", zap.String("reason", reason))
	r.sup.Close("deauthenticated")
	r.notify(Update{Tasks: map[string]domain.TaskRecord{}, Cleared: true})
	r.finish()
}

func (r *Registry) shutdown(cause error) {
	r.mu.Lock()
	r.closed = true
	if r.err == nil {
		r.err = cause
	}
	r.mu.Unlock()

	r.sup.Close("closed")
	r.finish()
}

func (r *Registry) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

func (r *Registry) notify(u Update) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	// An upsert that lost the race with auth loss must not follow Cleared.
	if r.closed && !u.Cleared && len(r.tasks) == 0 {
		r.mu.Unlock()
		return
	}
	subs := make([]func(Update), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	for _, fn := range subs {
		fn(u)
	}
}
