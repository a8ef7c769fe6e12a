// Package protocol holds the JSON wire shapes exchanged with the answer
// service over a streaming connection.
package protocol

import (
	"encoding/json"
	"strconv"
)

type ServerMessageType string

const (
	ServerMessageTypeChunk      ServerMessageType = "chunk"
	ServerMessageTypeInfo       ServerMessageType = "info"
	ServerMessageTypeError      ServerMessageType = "error"
	ServerMessageTypeTaskUpdate ServerMessageType = "task_update"
	ServerMessageTypePing       ServerMessageType = "ping"
	ServerMessageTypePong       ServerMessageType = "pong"
)

type ClientMessageType string

const (
	ClientMessageTypeCancelTask ClientMessageType = "cancel_task"
	ClientMessageTypePing       ClientMessageType = "ping"
)

// Close codes. 1000, 1001 and 1008 mirror RFC 6455; 4401 is the service's
// application-defined "credential rejected" code.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
	CloseUnauthorized    = 4401
)

// Query string parameters carried by the query endpoint.
const (
	QueryParamQuery      = "query"
	QueryParamFilters    = "filters"
	QueryParamSearchType = "search_type"
)

// AuthMessage is the single handshake message sent right after the
// transport is ready.
type AuthMessage struct {
	Token string `json:"token"`
}

type PingMessage struct {
	Type ClientMessageType `json:"type"`
	Time int64             `json:"time"`
}

type CancelTaskMessage struct {
	Type   ClientMessageType `json:"type"`
	TaskID string            `json:"task_id"`
}

func NewCancelTask(taskID string) CancelTaskMessage {
	return CancelTaskMessage{Type: ClientMessageTypeCancelTask, TaskID: taskID}
}

// Envelope is the common prefix of every server message. Raw keeps the
// original bytes so the body can be decoded once the type is known.
type Envelope struct {
	Type ServerMessageType `json:"type"`
	Raw  json.RawMessage   `json:"-"`
}

// Pointer fields distinguish "absent" from "zero" so that required-field
// validation can happen after unmarshalling.

type ChunkMessage struct {
	Type              ServerMessageType `json:"type"`
	Content           *string           `json:"content"`
	SourceID          *string           `json:"source_id"`
	CurrentReferences []string          `json:"current_references"`
	Done              *bool             `json:"done"`
}

type InfoMessage struct {
	Type     ServerMessageType `json:"type"`
	Content  string            `json:"content"`
	Metadata *InfoMetadata     `json:"metadata"`
}

type InfoMetadata struct {
	Sources []Source `json:"sources"`
}

type Source struct {
	ID         string         `json:"id,omitempty"`
	DocumentID string         `json:"document_id"`
	Title      string         `json:"title"`
	Content    string         `json:"content"`
	Metadata   SourceMetadata `json:"metadata"`
}

// PageNumber is kept raw: backends send any JSON number here (3, 3.0) and
// an unusable value must not reject the whole catalog.
type SourceMetadata struct {
	PageNumber json.RawMessage `json:"page_number,omitempty"`
}

// Page encodes n for SourceMetadata.PageNumber.
func Page(n int) json.RawMessage {
	return json.RawMessage(strconv.Itoa(n))
}

type ErrorMessage struct {
	Type    ServerMessageType `json:"type"`
	Content *string           `json:"content"`
}

type TaskUpdateMessage struct {
	Type ServerMessageType `json:"type"`
	Task *Task             `json:"task"`
}

type Task struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	UpdatedAt   string `json:"updated_at"`
}

type HeartbeatMessage struct {
	Type ServerMessageType `json:"type"`
	Time int64             `json:"time"`
}

// Constructors used by peers that produce server messages.

func NewChunk(content, sourceID string, refs []string, done bool) ChunkMessage {
	msg := ChunkMessage{
		Type:              ServerMessageTypeChunk,
		Content:           &content,
		CurrentReferences: refs,
		Done:              &done,
	}
	if sourceID != "" {
		msg.SourceID = &sourceID
	}
	return msg
}

func NewInfo(sources []Source) InfoMessage {
	if sources == nil {
		sources = []Source{}
	}
	return InfoMessage{
		Type:     ServerMessageTypeInfo,
		Content:  "sources",
		Metadata: &InfoMetadata{Sources: sources},
	}
}

func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: ServerMessageTypeError, Content: &message}
}

func NewTaskUpdate(task Task) TaskUpdateMessage {
	return TaskUpdateMessage{Type: ServerMessageTypeTaskUpdate, Task: &task}
}
