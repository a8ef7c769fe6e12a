package fanout

import "sync"

// subscriber is the sending side of a subscription held by the Stream. The
// data channel is only closed by the Stream, under its lock, so a send never
// races with close.
type subscriber[T any] struct {
	c       chan T
	closedC chan struct{}

	stopOnce  sync.Once
	closeOnce sync.Once
}

// Receiver is the receiving end of a subscription held by the consumer.
type Receiver[T any] struct {
	C   <-chan T
	sub *subscriber[T]
}

func newSubscription[T any](bufSize int) (*subscriber[T], *Receiver[T]) {
	if bufSize < 0 {
		bufSize = 0
	}
	sub := &subscriber[T]{
		c:       make(chan T, bufSize),
		closedC: make(chan struct{}),
	}
	return sub, &Receiver[T]{C: sub.c, sub: sub}
}

// send blocks until the value is buffered or the receiver gives up.
func (ss *subscriber[T]) send(v T) bool {
	select {
	case <-ss.closedC:
		return false
	default:
	}
	select {
	case ss.c <- v:
		return true
	case <-ss.closedC:
		return false
	}
}

func (ss *subscriber[T]) stop() {
	ss.stopOnce.Do(func() { close(ss.closedC) })
}

func (ss *subscriber[T]) close() {
	ss.stop()
	ss.closeOnce.Do(func() { close(ss.c) })
}

// Close detaches the receiver. Any Publish blocked on it returns, and C is
// closed by the stream on its next Publish or Close.
func (r *Receiver[T]) Close() {
	r.sub.stop()
}

// Done is closed once the receiver has been closed from either side.
func (r *Receiver[T]) Done() <-chan struct{} {
	return r.sub.closedC
}
