package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/ricochet1k/ragstream/internal/supervisor"
	"github.com/ricochet1k/ragstream/pkg/protocol"
)

type script func(t *testing.T, c *websocket.Conn)

// scriptedServer runs scripts[n] for the n-th accepted connection and
// repeats the last script for any further connection.
type scriptedServer struct {
	url   string
	conns atomic.Int32
}

func newScriptedServer(t *testing.T, scripts ...script) *scriptedServer {
	t.Helper()
	s := &scriptedServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()
		n := int(s.conns.Add(1) - 1)
		if n >= len(scripts) {
			n = len(scripts) - 1
		}
		scripts[n](t, c)
	}))
	t.Cleanup(srv.Close)
	s.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/query"
	return s
}

func testConfig(endpoint string) Config {
	return Config{
		Endpoint: endpoint,
		Supervisor: supervisor.Config{
			Reconnect: supervisor.Policy{BaseDelay: time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxAttempts: 5},
		},
	}
}

func startSession(t *testing.T, cfg Config, q Query, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	s, err := Start(context.Background(), cfg, q, opts...)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Cancel)
	return s
}

func waitDone(t *testing.T, s *Session) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := s.Wait(ctx)
	if err == context.DeadlineExceeded {
		t.Fatalf("session did not finish; state %+v", st)
	}
	return st
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	if err := c.WriteJSON(v); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func readAuth(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var auth protocol.AuthMessage
	if err := c.ReadJSON(&auth); err != nil {
		t.Errorf("read auth: %v", err)
	}
	_ = c.SetReadDeadline(time.Time{})
	return auth.Token
}

// drainUntilClosed reads until the client goes away, answering its close
// frame.
func drainUntilClosed(c *websocket.Conn) {
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}
