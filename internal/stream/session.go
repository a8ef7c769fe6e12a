// Package stream runs one streaming query: it owns a supervised connection,
// applies inbound frames to the session state machine in arrival order and
// fans state snapshots out to subscribers.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ricochet1k/ragstream/internal/domain"
	"github.com/ricochet1k/ragstream/internal/fanout"
	"github.com/ricochet1k/ragstream/internal/frame"
	"github.com/ricochet1k/ragstream/internal/logging"
	"github.com/ricochet1k/ragstream/internal/metrics"
	"github.com/ricochet1k/ragstream/internal/sources"
	"github.com/ricochet1k/ragstream/internal/supervisor"
	"github.com/ricochet1k/ragstream/pkg/protocol"
)

var (
	ErrCancelled      = errors.New("session cancelled")
	ErrServer         = errors.New("server error")
	ErrConnectionLost = errors.New("connection ended before the answer completed")
	ErrAlreadyStarted = errors.New("session already started")
)

type Config struct {
	// Endpoint is the base query URL; the query is added as parameters.
	Endpoint   string
	Credential string
	// StrictDecoding turns a malformed frame into a terminal error instead
	// of a counted protocol error.
	StrictDecoding bool
	Supervisor     supervisor.Config
}

type Option func(*Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Session) { s.metrics = m }
}

// WithDialer replaces the websocket dialer, mostly for tests.
func WithDialer(d supervisor.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

type Session struct {
	id       string
	cfg      Config
	query    Query
	endpoint string

	logger  *zap.Logger
	metrics *metrics.Collector
	dialer  supervisor.Dialer
	sup     *supervisor.Supervisor

	// tracker is touched only with mu held.
	tracker *sources.Tracker
	updates *fanout.Stream[State]

	mu      sync.Mutex
	state   State
	err     error
	started bool

	pubMu         sync.Mutex
	lastPublished uint64
	doneOnce      sync.Once
	done          chan struct{}
}

// New validates q and prepares a session without connecting.
func New(cfg Config, q Query, opts ...Option) (*Session, error) {
	endpoint, err := q.Endpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	s := &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		query:    q,
		endpoint: endpoint,
		logger:   zap.NewNop(),
		tracker:  sources.NewTracker(),
		updates:  fanout.New[State](),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("session_id", s.id))

	supOpts := []supervisor.Option{
		supervisor.WithLogger(s.logger),
		supervisor.WithMetrics(s.metrics),
	}
	if s.dialer != nil {
		supOpts = append(supOpts, supervisor.WithDialer(s.dialer))
	}
	s.sup = supervisor.New(cfg.Supervisor, supOpts...)

	s.state = State{
		SessionID: s.id,
		Query:     q.Text,
		Phase:     domain.PhaseConnecting,
		Sources:   map[string]domain.SourceDescriptor{},
		StartedAt: now,
		UpdatedAt: now,
	}
	return s, nil
}

// Start creates a session and connects it.
func Start(ctx context.Context, cfg Config, q Query, opts ...Option) (*Session, error) {
	s, err := New(cfg, q, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

// Start connects the session. Cancelling ctx cancels the session.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	cancelled := s.state.Phase.IsTerminal()
	s.mu.Unlock()
	if cancelled {
		return ErrCancelled
	}

	s.logger.Info("session starting", zap.String("endpoint", logging.RedactEndpoint(s.endpoint)))
	s.metrics.IncSessionStarted()
	if err := s.sup.Open(ctx, s.endpoint, s.cfg.Credential); err != nil {
		s.mu.Lock()
		s.failLocked(fmt.Errorf("open connection: %w", err), "open failed")
		snap := s.state.clone()
		s.mu.Unlock()
		s.finish(snap)
		return err
	}
	go s.loop(ctx)
	return nil
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe delivers a snapshot after every change, in order, ending with
// the terminal one; C is then closed. Call Snapshot first for the current
// state. Subscribers must drain C or Close the receiver.
func (s *Session) Subscribe(bufSize int) *fanout.Receiver[State] {
	return s.updates.Subscribe(bufSize)
}

// Done is closed once the session reached a terminal phase and released
// its connection.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends or ctx is done.
func (s *Session) Wait(ctx context.Context) (State, error) {
	select {
	case <-s.done:
		return s.Snapshot(), s.Err()
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

// Err is nil while running and after completion, ErrCancelled after a
// cancel, and the cause after an error.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel moves a live session to Cancelled and closes its connection. It
// is a no-op on a finished session. No state change happens after Cancel
// returns.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state.Phase.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.transitionLocked(domain.PhaseCancelled, "cancelled by caller")
	snap := s.state.clone()
	started := s.started
	s.mu.Unlock()

	s.sup.Close("cancelled")
	if !started {
		s.finish(snap)
	}
}

func (s *Session) loop(ctx context.Context) {
	for ev := range s.sup.Events() {
		snap, changed, terminal := s.apply(ev)
		if changed {
			s.publish(snap)
		}
		if terminal {
			// Closing drains the supervisor; Events is closed afterwards.
			s.sup.Close(snap.Phase.String())
		}
	}

	s.mu.Lock()
	if !s.state.Phase.IsTerminal() {
		if ctx.Err() != nil {
			s.err = ctx.Err()
			s.transitionLocked(domain.PhaseCancelled, "context done")
		} else {
			s.failLocked(ErrConnectionLost, "connection ended")
		}
	}
	snap := s.state.clone()
	s.mu.Unlock()
	s.finish(snap)
}

func (s *Session) publish(snap State) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if snap.Revision <= s.lastPublished {
		return
	}
	s.lastPublished = snap.Revision
	s.updates.Publish(snap)
}

func (s *Session) finish(snap State) {
	s.doneOnce.Do(func() {
		s.publish(snap)
		s.updates.Close()
		s.logger.Info("session finished",
			zap.Stringer("phase", snap.Phase),
			zap.Int("text_len", len(snap.AccumulatedText)),
			zap.Int("sources", len(snap.Sources)),
			zap.Int("reconnects", snap.ReconnectAttempts),
			zap.Int("protocol_errors", snap.ProtocolErrors))
		close(s.done)
	})
}

// apply processes one supervisor event. Terminal sessions ignore events.
func (s *Session) apply(ev supervisor.Event) (State, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Phase.IsTerminal() {
		return State{}, false, false
	}
	before := s.state.Revision

	switch e := ev.(type) {
	case supervisor.Connected:
		s.handleConnected(e)
	case supervisor.Message:
		s.handleMessage(e.Raw)
	case supervisor.Disconnected:
		if e.Code == protocol.CloseNormal {
			s.transitionLocked(domain.PhaseCompleted, "peer closed the stream")
		} else {
			s.logger.Warn("connection lost", zap.Int("code", e.Code), zap.String("reason", e.Reason))
		}
	case supervisor.Reconnecting:
		s.state.ReconnectAttempts++
		s.state.Reconnecting = true
		s.touchLocked()
		s.logger.Info("reconnecting",
			zap.Int("attempt", e.Attempt.Number),
			zap.Duration("delay", e.Attempt.Delay))
	case supervisor.Failed:
		s.failLocked(e.Err, "connection failed")
	}

	return s.state.clone(), s.state.Revision != before, s.state.Phase.IsTerminal()
}

func (s *Session) handleConnected(e supervisor.Connected) {
	if e.Reconnect {
		s.state.Reconnecting = false
		s.touchLocked()
		return
	}
	if s.cfg.Credential != "" {
		s.transitionLocked(domain.PhaseAuthenticating, "transport ready")
	} else {
		s.transitionLocked(domain.PhaseStreaming, "transport ready")
	}
}

func (s *Session) handleMessage(raw []byte) {
	f, err := frame.Decode(raw)
	if err != nil {
		s.state.ProtocolErrors++
		s.touchLocked()
		s.metrics.IncDecodeError()
		s.logger.Warn("discarding malformed frame", zap.Error(err))
		if s.cfg.StrictDecoding {
			s.failLocked(err, "malformed frame")
		}
		return
	}
	s.metrics.IncFrameDecoded()

	if s.state.Phase == domain.PhaseAuthenticating {
		// There is no explicit auth ack; the first frame stands in for it.
		s.transitionLocked(domain.PhaseStreaming, "first frame after auth")
	}
	f.Accept(sessionVisitor{s})
}

func (s *Session) touchLocked() {
	s.state.Revision++
	s.state.UpdatedAt = time.Now()
}

func (s *Session) transitionLocked(to domain.Phase, reason string) bool {
	from := s.state.Phase
	if !domain.CanTransition(from, to) {
		s.logger.Warn("ignoring transition", zap.Error(domain.NewInvalidTransitionError(from, to)))
		return false
	}
	now := time.Now()
	s.state.Phase = to
	s.state.Transitions = append(s.state.Transitions, domain.Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: now,
	})
	if to.IsTerminal() {
		s.state.Reconnecting = false
		if to == domain.PhaseCancelled && s.err == nil {
			s.err = ErrCancelled
		}
		s.metrics.RecordSessionEnd(to)
	}
	s.touchLocked()
	s.logger.Info("phase changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("reason", reason))
	return true
}

func (s *Session) failLocked(err error, reason string) {
	if s.state.Phase.IsTerminal() {
		return
	}
	s.err = err
	s.state.Error = err.Error()
	s.transitionLocked(domain.PhaseErrored, reason)
}

func (s *Session) danglingLocked(ref string) {
	s.state.ProtocolErrors++
	s.metrics.IncDanglingRef()
	s.logger.Warn("chunk references unknown source", zap.String("ref", ref))
}
