package devserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	outboundBufferSize = 64
	writeWait          = 5 * time.Second
)

var ErrClientClosed = errors.New("client closed")

// closeFrame and dropConn are control requests carried through the send
// queue so they take effect after everything queued before them.
type closeFrame struct {
	code   int
	reason string
}

type dropConn struct{}

// Client is one accepted websocket connection. All writes go through
// WriteLoop.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan any
	done chan struct{}
	once sync.Once
}

func NewClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		id:   id,
		conn: conn,
		send: make(chan any, outboundBufferSize),
		done: make(chan struct{}),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Queue enqueues msg without blocking. It returns false when the buffer is
// full or the client is gone.
func (c *Client) Queue(msg any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Enqueue blocks until msg is queued.
func (c *Client) Enqueue(ctx context.Context, msg any) error {
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) WriteLoop() {
	defer c.Close()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			switch m := msg.(type) {
			case closeFrame:
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(m.code, m.reason),
					time.Now().Add(writeWait))
				// Keep the connection for the peer's close reply; the reader ends it.
				<-c.done
				return
			case dropConn:
				_ = c.conn.UnderlyingConn().Close()
				return
			default:
				if err := c.conn.WriteJSON(msg); err != nil {
					return
				}
			}
		}
	}
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
