// Package supervisor owns one logical streaming connection: dialing, the
// auth handshake, heartbeats and reconnects with bounded backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ricochet1k/ragstream/internal/logging"
	"github.com/ricochet1k/ragstream/internal/metrics"
	"github.com/ricochet1k/ragstream/pkg/protocol"
)

const DefaultHeartbeatInterval = 30 * time.Second

var (
	ErrClosed            = errors.New("supervisor closed")
	ErrAlreadyOpen       = errors.New("supervisor already open")
	ErrNotConnected      = errors.New("not connected")
	ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")
)

type Config struct {
	HeartbeatInterval time.Duration
	Reconnect         Policy
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: DefaultHeartbeatInterval,
		Reconnect:         DefaultPolicy(),
	}
}

type Option func(*Supervisor)

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) { s.logger = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Supervisor) { s.metrics = m }
}

func WithDialer(d Dialer) Option {
	return func(s *Supervisor) {
		if d != nil {
			s.dialer = d
		}
	}
}

// Supervisor is single-use: Open once, Close once. Everything it observes is
// reported on Events, which is closed when the supervisor stops.
type Supervisor struct {
	cfg     Config
	dialer  Dialer
	logger  *zap.Logger
	metrics *metrics.Collector

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu     sync.Mutex
	opened bool
	cancel context.CancelFunc
	conn   *wsConn
}

func New(cfg Config, opts ...Option) *Supervisor {
	if cfg.HeartbeatInterval < 0 {
		cfg.HeartbeatInterval = 0
	}
	if cfg.Reconnect == (Policy{}) {
		cfg.Reconnect = DefaultPolicy()
	}
	s := &Supervisor{
		cfg:    cfg,
		dialer: WebSocketDialer{},
		logger: zap.NewNop(),
		events: make(chan Event),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Open starts the connection loop in the background and returns at once.
// The outcome of the dial is reported on Events. Cancelling ctx has the same
// effect as Close, minus the close frame.
func (s *Supervisor) Open(ctx context.Context, endpoint, credential string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if s.opened {
		return ErrAlreadyOpen
	}
	s.opened = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.logger = s.logger.With(zap.String("endpoint", logging.RedactEndpoint(endpoint)))

	s.wg.Add(1)
	go s.run(runCtx, endpoint, credential)
	return nil
}

// Send writes v as JSON on the live connection.
func (s *Supervisor) Send(v any) error {
	s.mu.Lock()
	wc := s.conn
	s.mu.Unlock()
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if wc == nil {
		return ErrNotConnected
	}
	return wc.Send(v)
}

// Close stops the supervisor. When it returns, the backoff and heartbeat
// timers are stopped, the connection is closed and Events is closed.
func (s *Supervisor) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		wc, cancel, opened := s.conn, s.cancel, s.opened
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if wc != nil {
			wc.CloseWithReason(protocol.CloseNormal, reason)
		}
		if !opened {
			close(s.events)
		}
		s.logger.Debug("supervisor closed", zap.String("reason", reason))
	})
	s.wg.Wait()
}

func (s *Supervisor) stopped(ctx context.Context) bool {
	select {
	case <-s.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// emit delivers ev unless the supervisor is closing. It returns false when
// the caller should stop.
func (s *Supervisor) emit(ctx context.Context, ev Event) bool {
	select {
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) run(ctx context.Context, endpoint, credential string) {
	defer s.wg.Done()
	defer close(s.events)

	var attempt Attempt
	reconnect := false
	for {
		var cause error
		c, err := s.dialer.Dial(ctx, endpoint)
		if err != nil {
			if s.stopped(ctx) {
				return
			}
			s.metrics.IncConnectFailure()
			s.logger.Warn("dial failed", zap.Int("attempt", attempt.Number), zap.Error(err))
			cause = err
		} else {
			attempt = Attempt{}
			s.metrics.IncConnect()
			s.logger.Info("connected", zap.Bool("reconnect", reconnect))

			code, reason, err := s.serve(ctx, newWSConn(c), credential, reconnect)
			if s.stopped(ctx) {
				return
			}
			s.logger.Info("disconnected", zap.Int("code", code), zap.String("reason", reason))
			if !s.emit(ctx, Disconnected{Code: code, Reason: reason}) {
				return
			}
			if code == protocol.CloseNormal {
				return
			}
			cause = err
		}

		next, ok := s.cfg.Reconnect.Next(attempt, time.Now())
		if !ok {
			err := fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, attempt.Number, cause)
			s.logger.Error("giving up", zap.Int("attempt", attempt.Number), zap.Error(cause))
			s.emit(ctx, Failed{Err: err, Attempts: attempt.Number})
			return
		}
		attempt = next
		s.metrics.IncReconnectPlanned()
		s.logger.Info("reconnect scheduled",
			zap.Int("attempt", attempt.Number),
			zap.Duration("delay", attempt.Delay))
		if !s.emit(ctx, Reconnecting{Attempt: attempt, Cause: cause}) {
			return
		}

		timer := time.NewTimer(attempt.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.done:
			timer.Stop()
			return
		}
		reconnect = true
	}
}

// serve runs one connection until it ends. It returns the close code and
// reason seen on the transport.
func (s *Supervisor) serve(ctx context.Context, wc *wsConn, credential string, reconnect bool) (int, string, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		s.mu.Lock()
		if s.conn == wc {
			s.conn = nil
		}
		s.mu.Unlock()
		wc.Close()
	}()

	// The auth message goes out before the connection is visible to Send.
	if credential != "" {
		if err := wc.Send(protocol.AuthMessage{Token: credential}); err != nil {
			return protocol.CloseAbnormal, "auth write failed", fmt.Errorf("send auth: %w", err)
		}
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return protocol.CloseNormal, "closed", ErrClosed
	default:
	}
	s.conn = wc
	s.mu.Unlock()

	if !s.emit(ctx, Connected{Reconnect: reconnect}) {
		return protocol.CloseNormal, "closed", ErrClosed
	}

	msgs := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := wc.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- data:
			case <-connCtx.Done():
				return
			}
		}
	}()

	var heartbeat <-chan time.Time
	if s.cfg.HeartbeatInterval > 0 {
		t := time.NewTicker(s.cfg.HeartbeatInterval)
		defer t.Stop()
		heartbeat = t.C
	}

	for {
		select {
		case <-connCtx.Done():
			return protocol.CloseNormal, "closed", connCtx.Err()
		case <-s.done:
			return protocol.CloseNormal, "closed", ErrClosed
		case data := <-msgs:
			if !s.emit(ctx, Message{Raw: data}) {
				return protocol.CloseNormal, "closed", ErrClosed
			}
		case err := <-readErr:
			code, reason := closeStatus(err)
			return code, reason, err
		case <-heartbeat:
			ping := protocol.PingMessage{Type: protocol.ClientMessageTypePing, Time: time.Now().UnixMilli()}
			if err := wc.Send(ping); err != nil {
				// The reader sees the broken transport and ends the connection.
				s.logger.Debug("heartbeat write failed", zap.Error(err))
				continue
			}
			s.metrics.IncHeartbeatSent()
		}
	}
}
