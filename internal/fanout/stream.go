// Package fanout delivers every published value, in order, to each live
// subscriber.
package fanout

import "sync"

// Stream is a publish side shared by any number of receivers. The zero value
// is ready to use. Publish blocks until every live subscriber has taken the
// value or closed, so subscribers must keep draining C.
type Stream[T any] struct {
	mu          sync.Mutex
	subscribers []*subscriber[T]
	closed      bool
}

func New[T any]() *Stream[T] {
	return &Stream[T]{}
}

// Subscribe creates a new subscription and returns the receiving end.
// bufSize controls the channel buffer; 0 means unbuffered.
func (st *Stream[T]) Subscribe(bufSize int) *Receiver[T] {
	sub, recv := newSubscription[T](bufSize)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		sub.close()
		return recv
	}
	st.subscribers = append(st.subscribers, sub)
	return recv
}

// Publish sends v to all subscribers and prunes the ones that have closed.
func (st *Stream[T]) Publish(v T) {
	st.mu.Lock()
	defer st.mu.Unlock()

	alive := st.subscribers[:0]
	for _, sub := range st.subscribers {
		if sub.send(v) {
			alive = append(alive, sub)
		} else {
			sub.close()
		}
	}
	st.subscribers = alive
}

// Len reports the number of live subscribers.
func (st *Stream[T]) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subscribers)
}

// Close ends every subscription. Later subscribers receive a closed channel.
func (st *Stream[T]) Close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	for _, sub := range st.subscribers {
		sub.close()
	}
	st.subscribers = nil
}
