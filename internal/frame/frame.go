// Package frame decodes inbound protocol messages into a closed set of
// frame values.
//
// Consumers handle frames through Visitor. Adding a frame kind adds a
// Visitor method, so every consumer stops compiling until it handles the
// new kind.
package frame

import (
	"github.com/ricochet1k/ragstream/internal/domain"
	"github.com/ricochet1k/ragstream/pkg/protocol"
)

type Frame interface {
	// Type is the wire tag; for Unknown it is whatever the peer sent.
	Type() protocol.ServerMessageType
	Accept(v Visitor)
	sealed()
}

type Visitor interface {
	VisitChunk(Chunk)
	VisitInfo(Info)
	VisitError(Error)
	VisitTaskUpdate(TaskUpdate)
	VisitPing(Ping)
	VisitPong(Pong)
	VisitUnknown(Unknown)
}

// Chunk is one increment of answer text. ActiveRef is empty when the peer
// sent no source_id; VisibleRefs is nil when current_references was absent
// or null.
type Chunk struct {
	Text        string
	ActiveRef   string
	VisibleRefs []string
	Done        bool
}

// Info carries (part of) the source catalog for the session.
type Info struct {
	Sources []domain.SourceDescriptor
}

// Error is an application error reported by the backend.
type Error struct {
	Message string
}

type TaskUpdate struct {
	Task domain.TaskRecord
}

type Ping struct {
	Time int64
}

type Pong struct {
	Time int64
}

// Unknown is a well-formed message whose type tag this client does not
// understand.
type Unknown struct {
	Tag string
	Raw []byte
}

func (Chunk) Type() protocol.ServerMessageType      { return protocol.ServerMessageTypeChunk }
func (Info) Type() protocol.ServerMessageType       { return protocol.ServerMessageTypeInfo }
func (Error) Type() protocol.ServerMessageType      { return protocol.ServerMessageTypeError }
func (TaskUpdate) Type() protocol.ServerMessageType { return protocol.ServerMessageTypeTaskUpdate }
func (Ping) Type() protocol.ServerMessageType       { return protocol.ServerMessageTypePing }
func (Pong) Type() protocol.ServerMessageType       { return protocol.ServerMessageTypePong }
func (u Unknown) Type() protocol.ServerMessageType  { return protocol.ServerMessageType(u.Tag) }

func (f Chunk) Accept(v Visitor)      { v.VisitChunk(f) }
func (f Info) Accept(v Visitor)       { v.VisitInfo(f) }
func (f Error) Accept(v Visitor)      { v.VisitError(f) }
func (f TaskUpdate) Accept(v Visitor) { v.VisitTaskUpdate(f) }
func (f Ping) Accept(v Visitor)       { v.VisitPing(f) }
func (f Pong) Accept(v Visitor)       { v.VisitPong(f) }
func (f Unknown) Accept(v Visitor)    { v.VisitUnknown(f) }

func (Chunk) sealed()      {}
func (Info) sealed()       {}
func (Error) sealed()      {}
func (TaskUpdate) sealed() {}
func (Ping) sealed()       {}
func (Pong) sealed()       {}
func (Unknown) sealed()    {}
