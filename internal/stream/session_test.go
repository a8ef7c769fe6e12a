package stream

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/gorilla/websocket"

	"github.com/ricochet1k/ragstream/internal/domain"
	"github.com/ricochet1k/ragstream/internal/frame"
	"github.com/ricochet1k/ragstream/internal/metrics"
	"github.com/ricochet1k/ragstream/internal/supervisor"
	"github.com/ricochet1k/ragstream/pkg/protocol"
)

var stateOpts = cmp.Options{
	cmpopts.IgnoreFields(State{}, "SessionID", "Revision", "StartedAt", "UpdatedAt", "Transitions"),
	cmpopts.EquateEmpty(),
}

func phases(st State) []domain.Phase {
	out := []domain.Phase{domain.PhaseConnecting}
	for _, tr := range st.Transitions {
		out = append(out, tr.To)
	}
	return out
}

func TestSession_NormalCompletion(t *testing.T) {
	tokens := make(chan string, 1)
	srv := newScriptedServer(t, func(t *testing.T, c *websocket.Conn) {
		tokens <- readAuth(t, c)
		send(t, c, protocol.NewInfo([]protocol.Source{{Title: "A"}}))
		send(t, c, protocol.NewChunk("Hel", "", nil, false))
		send(t, c, protocol.NewChunk("lo", "", nil, true))
		drainUntilClosed(c)
	})

	cfg := testConfig(srv.url)
	cfg.Credential = "tok"
	m := metrics.NewCollector()
	s := startSession(t, cfg, Query{Text: "greeting"}, WithMetrics(m))
	got := waitDone(t, s)

	want := State{
		Query:           "greeting",
		Phase:           domain.PhaseCompleted,
		AccumulatedText: "Hello",
		Sources: map[string]domain.SourceDescriptor{
			"1": {RefID: "1", Title: "A"},
		},
	}
	if diff := cmp.Diff(want, got, stateOpts); diff != "" {
		t.Fatalf("final state mismatch (-want +got):\n%s", diff)
	}
	wantPhases := []domain.Phase{domain.PhaseConnecting, domain.PhaseAuthenticating, domain.PhaseStreaming, domain.PhaseCompleted}
	if diff := cmp.Diff(wantPhases, phases(got)); diff != "" {
		t.Fatalf("phase path mismatch (-want +got):\n%s", diff)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}
	if tok := <-tokens; tok != "tok" {
		t.Fatalf("server saw token %q", tok)
	}

	snap := m.Snapshot()
	if snap.FramesDecoded != 3 || snap.SessionsCompleted != 1 {
		t.Fatalf("metrics = %+v", snap)
	}
}

func TestSession_DanglingReference(t *testing.T) {
	srv := newScriptedServer(t, func(t *testing.T, c *websocket.Conn) {
		send(t, c, protocol.NewChunk("X", "9", []string{"9"}, true))
		drainUntilClosed(c)
	})

	m := metrics.NewCollector()
	s := startSession(t, testConfig(srv.url), Query{Text: "q"}, WithMetrics(m))
	got := waitDone(t, s)

	want := State{
		Query:           "q",
		Phase:           domain.PhaseCompleted,
		AccumulatedText: "X",
		ProtocolErrors:  1,
	}
	if diff := cmp.Diff(want, got, stateOpts); diff != "" {
		t.Fatalf("final state mismatch (-want +got):\n%s", diff)
	}
	if m.Snapshot().DanglingRefs != 1 {
		t.Fatalf("dangling refs counted = %d, want 1", m.Snapshot().DanglingRefs)
	}
}

func TestSession_KnownRefsAreVisible(t *testing.T) {
	srv := newScriptedServer(t, func(t *testing.T, c *websocket.Conn) {
		send(t, c, protocol.NewInfo([]protocol.Source{{Title: "A"}, {Title: "B"}}))
		send(t, c, protocol.NewChunk("see [2]", "2", []string{"2", "7", "1"}, false))
		send(t, c, protocol.NewChunk(".", "", nil, true))
		drainUntilClosed(c)
	})

	s := startSession(t, testConfig(srv.url), Query{Text: "q"})
	got := waitDone(t, s)

	if got.ActiveRef != "2" {
		t.Fatalf("ActiveRef = %q, want 2", got.ActiveRef)
	}
	if diff := cmp.Diff([]string{"2", "1"}, got.VisibleRefs); diff != "" {
		t.Fatalf("VisibleRefs mismatch (-want +got):\n%s", diff)
	}
	if got.ProtocolErrors != 1 {
		t.Fatalf("ProtocolErrors = %d, want 1 for ref 7", got.ProtocolErrors)
	}
	if got.AccumulatedText != "see [2]." {
		t.Fatalf("text = %q", got.AccumulatedText)
	}
}

func TestSession_ReconnectMidStream(t *testing.T) {
	srv := newScriptedServer(t,
		func(t *testing.T, c *websocket.Conn) {
			send(t, c, protocol.NewChunk("Hel", "", nil, false))
			// Abnormal closure: the transport drops without a close frame.
			_ = c.UnderlyingConn().Close()
		},
		func(t *testing.T, c *websocket.Conn) {
			send(t, c, protocol.NewChunk("lo", "", nil, true))
			drainUntilClosed(c)
		},
	)

	s := startSession(t, testConfig(srv.url), Query{Text: "q"})
	got := waitDone(t, s)

	if got.Phase != domain.PhaseCompleted || got.AccumulatedText != "Hello" {
		t.Fatalf("final state = %s %q, want completed Hello", got.Phase, got.AccumulatedText)
	}
	if got.ReconnectAttempts != 1 {
		t.Fatalf("ReconnectAttempts = %d, want 1", got.ReconnectAttempts)
	}
	if got.Reconnecting {
		t.Fatal("Reconnecting still set after completion")
	}
	if n := srv.conns.Load(); n != 2 {
		t.Fatalf("server saw %d connections, want 2", n)
	}
}

func TestSession_ErrorFrameIsTerminalWithoutReconnect(t *testing.T) {
	srv := newScriptedServer(t, func(t *testing.T, c *websocket.Conn) {
		send(t, c, protocol.NewChunk("partial", "", nil, false))
		send(t, c, protocol.NewError("index unavailable"))
		drainUntilClosed(c)
	})

	s := startSession(t, testConfig(srv.url), Query{Text: "q"})
	got := waitDone(t, s)

	if got.Phase != domain.PhaseErrored || got.Error != "index unavailable" {
		t.Fatalf("final state = %s %q", got.Phase, got.Error)
	}
	if got.AccumulatedText != "partial" {
		t.Fatalf("text = %q", got.AccumulatedText)
	}
	if err := s.Err(); !errors.Is(err, ErrServer) || !strings.Contains(err.Error(), "index unavailable") {
		t.Fatalf("Err() = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := srv.conns.Load(); n != 1 {
		t.Fatalf("server saw %d connections, want 1", n)
	}
}

func TestSession_TerminalStateIsAbsorbing(t *testing.T) {
	srv := newScriptedServer(t, func(t *testing.T, c *websocket.Conn) {
		send(t, c, protocol.NewChunk("Hello", "", nil, true))
		send(t, c, protocol.NewChunk(" ignored", "", nil, false))
		send(t, c, protocol.NewError("late"))
		drainUntilClosed(c)
	})

	s := startSession(t, testConfig(srv.url), Query{Text: "q"})
	got := waitDone(t, s)
	time.Sleep(20 * time.Millisecond)

	s.Cancel()
	after := s.Snapshot()
	if diff := cmp.Diff(got, after); diff != "" {
		t.Fatalf("state changed after completion (-before +after):\n%s", diff)
	}
	if after.Phase != domain.PhaseCompleted || after.AccumulatedText != "Hello" || after.Error != "" {
		t.Fatalf("state = %+v", after)
	}
	if s.Err() != nil {
		t.Fatalf("Err() = %v after completion", s.Err())
	}
}

func TestSession_CancelIsFinal(t *testing.T) {
	srv := newScriptedServer(t, func(t *testing.T, c *websocket.Conn) {
		for {
			if err := c.WriteJSON(protocol.NewChunk("tick ", "", nil, false)); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	})

	s, err := New(testConfig(srv.url), Query{Text: "q"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	recv := s.Subscribe(16)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for st := range recv.C {
		if st.AccumulatedText != "" {
			break
		}
	}
	go func() {
		for range recv.C {
		}
	}()

	s.Cancel()
	cancelled := s.Snapshot()
	if cancelled.Phase != domain.PhaseCancelled {
		t.Fatalf("phase after Cancel = %s", cancelled.Phase)
	}

	waitDone(t, s)
	time.Sleep(20 * time.Millisecond)
	if diff := cmp.Diff(cancelled, s.Snapshot()); diff != "" {
		t.Fatalf("state changed after Cancel (-want +got):\n%s", diff)
	}
	if !errors.Is(s.Err(), ErrCancelled) {
		t.Fatalf("Err() = %v, want ErrCancelled", s.Err())
	}
}

func TestSession_SubscribersSeeOrderedSnapshots(t *testing.T) {
	srv := newScriptedServer(t, func(t *testing.T, c *websocket.Conn) {
		readAuth(t, c)
		for _, part := range []string{"a", "b", "c", "d"} {
			send(t, c, protocol.NewChunk(part, "", nil, false))
		}
		send(t, c, protocol.NewChunk("e", "", nil, true))
		drainUntilClosed(c)
	})

	cfg := testConfig(srv.url)
	cfg.Credential = "tok"
	s, err := New(cfg, Query{Text: "q"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	recv := s.Subscribe(0)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var seen []State
	for st := range recv.C {
		seen = append(seen, st)
	}
	if len(seen) == 0 {
		t.Fatal("no snapshots delivered")
	}
	for i := 1; i < len(seen); i++ {
		if seen[i].Revision <= seen[i-1].Revision {
			t.Fatalf("revision went %d -> %d", seen[i-1].Revision, seen[i].Revision)
		}
		if !strings.HasPrefix(seen[i].AccumulatedText, seen[i-1].AccumulatedText) {
			t.Fatalf("text %q is not an extension of %q", seen[i].AccumulatedText, seen[i-1].AccumulatedText)
		}
	}
	final := seen[len(seen)-1]
	if final.Phase != domain.PhaseCompleted || final.AccumulatedText != "abcde" {
		t.Fatalf("final snapshot = %s %q", final.Phase, final.AccumulatedText)
	}
	if seen[0].Phase != domain.PhaseAuthenticating {
		t.Fatalf("first snapshot phase = %s, want authenticating", seen[0].Phase)
	}
}

func TestSession_PeerNormalCloseCompletes(t *testing.T) {
	srv := newScriptedServer(t, func(t *testing.T, c *websocket.Conn) {
		send(t, c, protocol.NewChunk("partial", "", nil, false))
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "end of answer"),
			time.Now().Add(time.Second))
		drainUntilClosed(c)
	})

	s := startSession(t, testConfig(srv.url), Query{Text: "q"})
	got := waitDone(t, s)
	if got.Phase != domain.PhaseCompleted || got.AccumulatedText != "partial" {
		t.Fatalf("final state = %s %q", got.Phase, got.AccumulatedText)
	}
	if got.ReconnectAttempts != 0 {
		t.Fatalf("ReconnectAttempts = %d after normal close", got.ReconnectAttempts)
	}
}

func TestSession_MalformedFrames(t *testing.T) {
	script := func(t *testing.T, c *websocket.Conn) {
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"chunk"`))
		send(t, c, protocol.NewChunk("ok", "", nil, true))
		drainUntilClosed(c)
	}

	t.Run("lenient", func(t *testing.T) {
		srv := newScriptedServer(t, script)
		s := startSession(t, testConfig(srv.url), Query{Text: "q"})
		got := waitDone(t, s)
		if got.Phase != domain.PhaseCompleted || got.AccumulatedText != "ok" || got.ProtocolErrors != 1 {
			t.Fatalf("state = %s %q errors=%d", got.Phase, got.AccumulatedText, got.ProtocolErrors)
		}
	})

	t.Run("strict", func(t *testing.T) {
		srv := newScriptedServer(t, script)
		cfg := testConfig(srv.url)
		cfg.StrictDecoding = true
		s := startSession(t, cfg, Query{Text: "q"})
		got := waitDone(t, s)
		if got.Phase != domain.PhaseErrored || got.AccumulatedText != "" {
			t.Fatalf("state = %s %q", got.Phase, got.AccumulatedText)
		}
		var decodeErr *frame.DecodeError
		if !errors.As(s.Err(), &decodeErr) || decodeErr.Kind != frame.DecodeErrorSyntax {
			t.Fatalf("Err() = %v, want syntax DecodeError", s.Err())
		}
	})
}

func TestSession_UnknownFrameIsIgnored(t *testing.T) {
	srv := newScriptedServer(t, func(t *testing.T, c *websocket.Conn) {
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"telemetry","load":0.3}`))
		send(t, c, protocol.NewChunk("ok", "", nil, true))
		drainUntilClosed(c)
	})

	m := metrics.NewCollector()
	s := startSession(t, testConfig(srv.url), Query{Text: "q"}, WithMetrics(m))
	got := waitDone(t, s)
	if got.Phase != domain.PhaseCompleted || got.ProtocolErrors != 0 {
		t.Fatalf("state = %s errors=%d", got.Phase, got.ProtocolErrors)
	}
	if m.Snapshot().UnknownByType["telemetry"] != 1 {
		t.Fatalf("unknown frames = %v", m.Snapshot().UnknownByType)
	}
}

func TestSession_ConnectionFailureAfterAttemptCap(t *testing.T) {
	dialer := supervisor.DialerFunc(func(context.Context, string) (supervisor.Conn, error) {
		return nil, errors.New("connection refused")
	})

	s := startSession(t, testConfig("ws://backend.invalid/ws/query"), Query{Text: "q"}, WithDialer(dialer))
	got := waitDone(t, s)

	if got.Phase != domain.PhaseErrored {
		t.Fatalf("phase = %s, want errored", got.Phase)
	}
	if got.ReconnectAttempts != 5 {
		t.Fatalf("ReconnectAttempts = %d, want 5", got.ReconnectAttempts)
	}
	if !errors.Is(s.Err(), supervisor.ErrAttemptsExhausted) {
		t.Fatalf("Err() = %v", s.Err())
	}
}

func TestSession_CancelBeforeStart(t *testing.T) {
	s, err := New(testConfig("ws://backend.invalid/ws/query"), Query{Text: "q"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Cancel()

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after cancelling an unstarted session")
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Start after Cancel = %v, want ErrCancelled", err)
	}
	if s.Snapshot().Phase != domain.PhaseCancelled {
		t.Fatalf("phase = %s", s.Snapshot().Phase)
	}
}

func TestSession_ContextCancellation(t *testing.T) {
	srv := newScriptedServer(t, func(t *testing.T, c *websocket.Conn) {
		drainUntilClosed(c)
	})

	ctx, cancel := context.WithCancel(context.Background())
	s, err := Start(ctx, testConfig(srv.url), Query{Text: "q"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	got := waitDone(t, s)
	if got.Phase != domain.PhaseCancelled {
		t.Fatalf("phase = %s, want cancelled", got.Phase)
	}
	if !errors.Is(s.Err(), context.Canceled) {
		t.Fatalf("Err() = %v", s.Err())
	}
}

func TestSession_StartTwice(t *testing.T) {
	srv := newScriptedServer(t, func(t *testing.T, c *websocket.Conn) {
		send(t, c, protocol.NewChunk("x", "", nil, true))
		drainUntilClosed(c)
	})
	s := startSession(t, testConfig(srv.url), Query{Text: "q"})
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v", err)
	}
	waitDone(t, s)
}
