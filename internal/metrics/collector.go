// Package metrics counts protocol-level activity of streaming clients.
//
// A single Collector may be shared by the supervisors, sessions and task
// registry of one process. All methods are safe for concurrent use and
// no-ops on a nil *Collector, so components can take one optionally.
package metrics

import (
	"sync"

	"github.com/ricochet1k/ragstream/internal/domain"
)

// Snapshot is an immutable point-in-time copy of all counters.
type Snapshot struct {
	// Transport
	Connects          int64
	ReconnectsPlanned int64
	ConnectFailures   int64
	HeartbeatsSent    int64

	// Frames
	FramesDecoded int64
	DecodeErrors  int64
	UnknownFrames int64
	UnknownByType map[string]int64
	DanglingRefs  int64

	// Sessions by terminal phase
	SessionsStarted   int64
	SessionsCompleted int64
	SessionsErrored   int64
	SessionsCancelled int64

	// Tasks
	TaskUpdates        int64
	CancelRequestsSent int64
}

type Collector struct {
	mu sync.Mutex
	s  Snapshot
}

func NewCollector() *Collector {
	return &Collector{s: Snapshot{UnknownByType: make(map[string]int64)}}
}

func (c *Collector) add(fn func(s *Snapshot)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	fn(&c.s)
	c.mu.Unlock()
}

// --- Transport ---

func (c *Collector) IncConnect()          { c.add(func(s *Snapshot) { s.Connects++ }) }
func (c *Collector) IncReconnectPlanned() { c.add(func(s *Snapshot) { s.ReconnectsPlanned++ }) }
func (c *Collector) IncConnectFailure()   { c.add(func(s *Snapshot) { s.ConnectFailures++ }) }
func (c *Collector) IncHeartbeatSent()    { c.add(func(s *Snapshot) { s.HeartbeatsSent++ }) }

// --- Frames ---

func (c *Collector) IncFrameDecoded() { c.add(func(s *Snapshot) { s.FramesDecoded++ }) }
func (c *Collector) IncDecodeError()  { c.add(func(s *Snapshot) { s.DecodeErrors++ }) }
func (c *Collector) IncDanglingRef()  { c.add(func(s *Snapshot) { s.DanglingRefs++ }) }

// IncUnknownFrame records a frame whose type tag was not recognised.
func (c *Collector) IncUnknownFrame(tag string) {
	c.add(func(s *Snapshot) {
		s.UnknownFrames++
		s.UnknownByType[tag]++
	})
}

// --- Sessions ---

func (c *Collector) IncSessionStarted() { c.add(func(s *Snapshot) { s.SessionsStarted++ }) }

// RecordSessionEnd counts a session by the terminal phase it reached.
// Non-terminal phases are ignored.
func (c *Collector) RecordSessionEnd(p domain.Phase) {
	c.add(func(s *Snapshot) {
		switch p {
		case domain.PhaseCompleted:
			s.SessionsCompleted++
		case domain.PhaseErrored:
			s.SessionsErrored++
		case domain.PhaseCancelled:
			s.SessionsCancelled++
		}
	})
}

// --- Tasks ---

func (c *Collector) IncTaskUpdate()        { c.add(func(s *Snapshot) { s.TaskUpdates++ }) }
func (c *Collector) IncCancelRequestSent() { c.add(func(s *Snapshot) { s.CancelRequestsSent++ }) }

// Snapshot returns a copy of the current counters. A nil Collector yields
// a zero Snapshot.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{UnknownByType: map[string]int64{}}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.s
	out.UnknownByType = make(map[string]int64, len(c.s.UnknownByType))
	for k, v := range c.s.UnknownByType {
		out.UnknownByType[k] = v
	}
	return out
}
