package devserver

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ricochet1k/ragstream/pkg/protocol"
)

// QueryRequest is what a client asked for on /ws/query.
type QueryRequest struct {
	ConnID     string
	Query      string
	Filters    map[string]any
	SearchType string
}

// Key identifies the logical query across reconnects.
func (r QueryRequest) Key() string {
	return r.SearchType + "\x00" + r.Query
}

// QueryHandler answers one query connection. It returns when it has nothing
// more to send; the connection stays open until the client closes it.
type QueryHandler interface {
	ServeQuery(ctx context.Context, req QueryRequest, w *Responder) error
}

type QueryHandlerFunc func(ctx context.Context, req QueryRequest, w *Responder) error

func (f QueryHandlerFunc) ServeQuery(ctx context.Context, req QueryRequest, w *Responder) error {
	return f(ctx, req, w)
}

// Responder writes protocol frames to one query connection in order.
type Responder struct {
	ctx    context.Context
	client *Client
}

func (w *Responder) Chunk(text, sourceID string, refs []string, done bool) error {
	return w.client.Enqueue(w.ctx, protocol.NewChunk(text, sourceID, refs, done))
}

func (w *Responder) Info(sources []protocol.Source) error {
	return w.client.Enqueue(w.ctx, protocol.NewInfo(sources))
}

func (w *Responder) Error(message string) error {
	return w.client.Enqueue(w.ctx, protocol.NewError(message))
}

// Raw sends v as-is, for malformed or unknown frames.
func (w *Responder) Raw(v any) error {
	return w.client.Enqueue(w.ctx, v)
}

// Close sends a close frame after everything queued so far.
func (w *Responder) Close(code int, reason string) error {
	return w.client.Enqueue(w.ctx, closeFrame{code: code, reason: reason})
}

// Drop cuts the TCP connection without a close frame, which the client
// observes as an abnormal closure.
func (w *Responder) Drop() error {
	return w.client.Enqueue(w.ctx, dropConn{})
}

var refMarker = regexp.MustCompile(`\[(\d+)\]`)

// CannedAnswer streams Text word by word, citing Sources wherever the text
// carries a [n] marker. With DropAfter > 0 the first connection for each
// query is dropped after that many chunks and the next connection resumes
// where it stopped.
type CannedAnswer struct {
	Text            string
	Sources         []protocol.Source
	ChunksPerSecond float64
	DropAfter       int

	mu      sync.Mutex
	offsets map[string]int
	dropped map[string]bool
}

func DefaultAnswer() *CannedAnswer {
	return &CannedAnswer{
		Text: "Retrieval-augmented generation grounds an answer in retrieved documents [1] " +
			"and streams it back token by token [2], citing each source as it is used [1].",
		Sources: []protocol.Source{
			{DocumentID: "doc-rag", Title: "Retrieval-Augmented Generation", Content: "RAG combines retrieval with generation.", Metadata: protocol.SourceMetadata{PageNumber: protocol.Page(3)}},
			{DocumentID: "doc-stream", Title: "Streaming Responses", Content: "Answers are delivered incrementally over a websocket."},
		},
		ChunksPerSecond: 20,
	}
}

func (a *CannedAnswer) chunks() []string {
	return strings.SplitAfter(a.Text, " ")
}

func (a *CannedAnswer) ServeQuery(ctx context.Context, req QueryRequest, w *Responder) error {
	a.mu.Lock()
	if a.offsets == nil {
		a.offsets = make(map[string]int)
		a.dropped = make(map[string]bool)
	}
	start := a.offsets[req.Key()]
	dropAt := -1
	if a.DropAfter > 0 && !a.dropped[req.Key()] {
		dropAt = start + a.DropAfter
	}
	a.mu.Unlock()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if a.ChunksPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(a.ChunksPerSecond), 1)
	}

	if start == 0 && len(a.Sources) > 0 {
		if err := w.Info(a.Sources); err != nil {
			return err
		}
	}

	parts := a.chunks()
	var visible []string
	seen := map[string]bool{}
	for _, part := range parts[:start] {
		for _, m := range refMarker.FindAllStringSubmatch(part, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				visible = append(visible, m[1])
			}
		}
	}

	for i := start; i < len(parts); i++ {
		if i == dropAt {
			a.mu.Lock()
			a.offsets[req.Key()] = i
			a.dropped[req.Key()] = true
			a.mu.Unlock()
			return w.Drop()
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		part := parts[i]
		active := ""
		for _, m := range refMarker.FindAllStringSubmatch(part, -1) {
			active = m[1]
			if !seen[active] {
				seen[active] = true
				visible = append(visible, active)
			}
		}
		var refs []string
		if len(visible) > 0 {
			refs = append(refs, visible...)
		}
		if err := w.Chunk(part, active, refs, i == len(parts)-1); err != nil {
			return err
		}
	}

	a.mu.Lock()
	delete(a.offsets, req.Key())
	delete(a.dropped, req.Key())
	a.mu.Unlock()
	return nil
}

// ErrorAnswer streams Partial and then reports Message as an error frame.
type ErrorAnswer struct {
	Partial string
	Message string
}

func (a ErrorAnswer) ServeQuery(_ context.Context, _ QueryRequest, w *Responder) error {
	if a.Partial != "" {
		if err := w.Chunk(a.Partial, "", nil, false); err != nil {
			return err
		}
	}
	return w.Error(a.Message)
}

// DanglingAnswer cites a source that was never announced.
type DanglingAnswer struct{}

func (DanglingAnswer) ServeQuery(_ context.Context, _ QueryRequest, w *Responder) error {
	return w.Chunk("X", "9", []string{"9"}, true)
}
