package supervisor

// Event is emitted on the supervisor's events channel. The set is closed:
// Connected, Message, Disconnected, Reconnecting and Failed.
type Event interface {
	supervisorEvent()
}

// Connected reports a ready transport. Reconnect is false for the first
// connection of the supervisor's lifetime.
type Connected struct {
	Reconnect bool
}

// Message carries one inbound text frame, undecoded.
type Message struct {
	Raw []byte
}

// Disconnected reports the end of a connection. Code is the peer's close
// code, or 1006 when the transport failed without one.
type Disconnected struct {
	Code   int
	Reason string
}

// Reconnecting is emitted before waiting Attempt.Delay for the next dial.
type Reconnecting struct {
	Attempt Attempt
	Cause   error
}

// Failed is terminal. No event follows it.
type Failed struct {
	Err      error
	Attempts int
}

func (Connected) supervisorEvent()    {}
func (Message) supervisorEvent()      {}
func (Disconnected) supervisorEvent() {}
func (Reconnecting) supervisorEvent() {}
func (Failed) supervisorEvent()       {}
