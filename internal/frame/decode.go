package frame

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/ricochet1k/ragstream/internal/domain"
	"github.com/ricochet1k/ragstream/pkg/protocol"
)

// Decode parses one raw server message. Malformed input yields a
// *DecodeError; an unrecognised type tag yields an Unknown frame.
func Decode(raw []byte) (Frame, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Kind: DecodeErrorSyntax, Msg: "malformed message", Err: err}
	}
	if env.Type == "" {
		return nil, missingField("", "type")
	}

	switch env.Type {
	case protocol.ServerMessageTypeChunk:
		return decodeChunk(raw)
	case protocol.ServerMessageTypeInfo:
		return decodeInfo(raw)
	case protocol.ServerMessageTypeError:
		return decodeError(raw)
	case protocol.ServerMessageTypeTaskUpdate:
		return decodeTaskUpdate(raw)
	case protocol.ServerMessageTypePing:
		var msg protocol.HeartbeatMessage
		if err := unmarshalBody(raw, env.Type, &msg); err != nil {
			return nil, err
		}
		return Ping{Time: msg.Time}, nil
	case protocol.ServerMessageTypePong:
		var msg protocol.HeartbeatMessage
		if err := unmarshalBody(raw, env.Type, &msg); err != nil {
			return nil, err
		}
		return Pong{Time: msg.Time}, nil
	default:
		return Unknown{Tag: string(env.Type), Raw: raw}, nil
	}
}

func unmarshalBody(raw []byte, tag protocol.ServerMessageType, v any) error {
	err := json.Unmarshal(raw, v)
	if err == nil {
		return nil
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return invalidField(string(tag), typeErr.Field, err)
	}
	return &DecodeError{Kind: DecodeErrorSyntax, Type: string(tag), Msg: "malformed message", Err: err}
}

func decodeChunk(raw []byte) (Frame, error) {
	var msg protocol.ChunkMessage
	if err := unmarshalBody(raw, protocol.ServerMessageTypeChunk, &msg); err != nil {
		return nil, err
	}
	if msg.Content == nil {
		return nil, missingField(string(protocol.ServerMessageTypeChunk), "content")
	}
	if msg.Done == nil {
		return nil, missingField(string(protocol.ServerMessageTypeChunk), "done")
	}

	chunk := Chunk{
		Text:        *msg.Content,
		VisibleRefs: msg.CurrentReferences,
		Done:        *msg.Done,
	}
	if msg.SourceID != nil {
		chunk.ActiveRef = *msg.SourceID
	}
	return chunk, nil
}

func decodeInfo(raw []byte) (Frame, error) {
	var msg protocol.InfoMessage
	if err := unmarshalBody(raw, protocol.ServerMessageTypeInfo, &msg); err != nil {
		return nil, err
	}
	if msg.Metadata == nil || msg.Metadata.Sources == nil {
		return nil, missingField(string(protocol.ServerMessageTypeInfo), "metadata.sources")
	}

	sources := make([]domain.SourceDescriptor, 0, len(msg.Metadata.Sources))
	for i, src := range msg.Metadata.Sources {
		// Without an explicit id the ref is the 1-based catalog position.
		refID := src.ID
		if refID == "" {
			refID = strconv.Itoa(i + 1)
		}
		sources = append(sources, domain.SourceDescriptor{
			RefID:      refID,
			DocumentID: src.DocumentID,
			Title:      src.Title,
			Page:       pageNumber(src.Metadata.PageNumber),
			Content:    src.Content,
		})
	}
	return Info{Sources: sources}, nil
}

// pageNumber accepts any JSON number with a non-negative integral value.
// Anything else leaves the page unset.
func pageNumber(raw json.RawMessage) *int {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	if f < 0 || f > math.MaxInt32 || f != math.Trunc(f) {
		return nil
	}
	n := int(f)
	return &n
}

func decodeError(raw []byte) (Frame, error) {
	var msg protocol.ErrorMessage
	if err := unmarshalBody(raw, protocol.ServerMessageTypeError, &msg); err != nil {
		return nil, err
	}
	if msg.Content == nil {
		return nil, missingField(string(protocol.ServerMessageTypeError), "content")
	}
	return Error{Message: *msg.Content}, nil
}

func decodeTaskUpdate(raw []byte) (Frame, error) {
	const tag = string(protocol.ServerMessageTypeTaskUpdate)

	var msg protocol.TaskUpdateMessage
	if err := unmarshalBody(raw, protocol.ServerMessageTypeTaskUpdate, &msg); err != nil {
		return nil, err
	}
	if msg.Task == nil {
		return nil, missingField(tag, "task")
	}
	if msg.Task.ID == "" {
		return nil, missingField(tag, "task.id")
	}
	if msg.Task.Status == "" {
		return nil, missingField(tag, "task.status")
	}
	status, err := domain.ParseTaskStatus(msg.Task.Status)
	if err != nil {
		return nil, invalidField(tag, "task.status", err)
	}

	var updatedAt time.Time
	if msg.Task.UpdatedAt != "" {
		updatedAt, err = time.Parse(time.RFC3339, msg.Task.UpdatedAt)
		if err != nil {
			return nil, invalidField(tag, "task.updated_at", err)
		}
	}

	return TaskUpdate{Task: domain.TaskRecord{
		ID:          msg.Task.ID,
		Description: msg.Task.Description,
		Status:      status,
		Error:       msg.Task.Error,
		UpdatedAt:   updatedAt,
	}}, nil
}
