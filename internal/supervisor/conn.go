package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ricochet1k/ragstream/pkg/protocol"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 4 * 1024 * 1024
)

// Conn is the subset of *websocket.Conn the supervisor relies on.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens one transport connection to endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, endpoint string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Conn, error) {
	return f(ctx, endpoint)
}

// WebSocketDialer dials with gorilla/websocket. A nil Dialer uses
// websocket.DefaultDialer.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebSocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	c.SetReadLimit(maxFrameSize)
	return c, nil
}

// wsConn serialises writes on a Conn. Reads happen on a single goroutine
// and need no locking.
type wsConn struct {
	c      Conn
	mu     sync.Mutex
	closed bool
}

func newWSConn(c Conn) *wsConn {
	return &wsConn{c: c}
}

func (wc *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := wc.c.ReadMessage()
	return data, err
}

// Send marshals v as JSON and writes it as a text message.
func (wc *wsConn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ws marshal: %w", err)
	}
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return ErrNotConnected
	}
	_ = wc.c.SetWriteDeadline(time.Now().Add(writeWait))
	return wc.c.WriteMessage(websocket.TextMessage, data)
}

// CloseWithReason sends a close frame before dropping the connection. The
// peer may already be gone, so write errors are ignored.
func (wc *wsConn) CloseWithReason(code int, reason string) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return
	}
	wc.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	_ = wc.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = wc.c.Close()
}

func (wc *wsConn) Close() {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if !wc.closed {
		wc.closed = true
		_ = wc.c.Close()
	}
}

// closeStatus extracts the close code from a read error. Anything that is
// not a close frame from the peer counts as an abnormal closure.
func closeStatus(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	if err == nil {
		return protocol.CloseAbnormal, ""
	}
	return protocol.CloseAbnormal, err.Error()
}

// WebSocketURL parses endpoint and rewrites http and https to ws and wss.
func WebSocketURL(endpoint string) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	return u, nil
}
