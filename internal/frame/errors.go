package frame

import (
	"errors"
	"fmt"
)

// DecodeErrorKind classifies frame decoding failures.
type DecodeErrorKind int

const (
	// DecodeErrorSyntax: the payload is not a JSON object.
	DecodeErrorSyntax DecodeErrorKind = iota
	// DecodeErrorMissingField: a required field is absent or null.
	DecodeErrorMissingField
	// DecodeErrorInvalidField: a field is present with an unusable value.
	DecodeErrorInvalidField
)

func (k DecodeErrorKind) String() string {
	switch k {
	case DecodeErrorSyntax:
		return "syntax"
	case DecodeErrorMissingField:
		return "missing_field"
	case DecodeErrorInvalidField:
		return "invalid_field"
	default:
		return "unknown"
	}
}

// DecodeError reports a single malformed frame. It never affects the
// connection; callers decide whether the session survives it.
type DecodeError struct {
	Kind DecodeErrorKind
	// Type is the frame tag when it could be read.
	Type  string
	Field string
	Msg   string
	Err   error
}

func (e *DecodeError) Error() string {
	prefix := "decode frame"
	if e.Type != "" {
		prefix = fmt.Sprintf("decode %s frame", e.Type)
	}
	msg := e.Msg
	if e.Field != "" {
		msg = fmt.Sprintf("%s %q", msg, e.Field)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is, or wraps, a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func missingField(tag, field string) *DecodeError {
	return &DecodeError{Kind: DecodeErrorMissingField, Type: tag, Field: field, Msg: "missing required field"}
}

func invalidField(tag, field string, err error) *DecodeError {
	return &DecodeError{Kind: DecodeErrorInvalidField, Type: tag, Field: field, Msg: "invalid field", Err: err}
}
