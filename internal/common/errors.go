package common

import (
	"errors"
	"fmt"
)

var (

	// token errors
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// upload contract errors
	ErrSizeMismatch   = errors.New("size mismatch")
	ErrTypeMismatch   = errors.New("type mismatch")
	ErrHashMismatch   = errors.New("hash mismatch")
	ErrEntityTooLarge = errors.New("entity too large")
	ErrInvalidRequest = errors.New("invalid request")

	// storage errors
	ErrIO                 = errors.New("i/o error")
	ErrNotFound           = errors.New("not found")
	ErrInvalidPath        = errors.New("invalid path")
	ErrMetadataExtraction = errors.New("metadata extraction failed")
)

var codes = map[error]string{
	ErrInvalidToken:       "InvalidToken",
	ErrTokenExpired:       "TokenExpired",
	ErrSizeMismatch:       "SizeMismatch",
	ErrTypeMismatch:       "TypeMismatch",
	ErrHashMismatch:       "HashMismatch",
	ErrEntityTooLarge:     "EntityTooLarge",
	ErrInvalidRequest:     "InvalidRequest",
	ErrIO:                 "IOError",
	ErrNotFound:           "NotFound",
	ErrInvalidPath:        "InvalidPath",
	ErrMetadataExtraction: "MetadataExtractionFailed",
}

// Error is a classified failure. Kind is one of the sentinel errors above and
// Err, when set, is the underlying cause. Both are visible to errors.Is.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Errorf builds an *Error of the given kind with a formatted message.
func Errorf(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind error, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// Code returns the taxonomy name of err, or "InternalError" when err does not
// carry one of the known kinds.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if code, ok := codes[e.Kind]; ok {
			return code
		}
	}
	for kind, code := range codes {
		if errors.Is(err, kind) {
			return code
		}
	}
	return "InternalError"
}

// Message returns the human readable part of err suitable for clients.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
