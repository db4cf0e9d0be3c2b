// Package apperr provides the application error taxonomy shared by the game
// services and the transport layer.
//
// Every error that reaches a client carries a Kind, which decides how the
// client reacts, and a stable Code. Optional Metadata holds structured detail
// such as the throttle reason.
package apperr

import (
	"errors"
	"maps"
)

// Kind classifies how an error affects the caller.
type Kind int

const (
	// KindWarning is user-correctable and leaves the session intact.
	KindWarning Kind = iota
	// KindError is a non-fatal failure of a single request.
	KindError
	// KindFatal means the caller's session or a process-wide resource is
	// no longer usable.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindWarning:
		return "warning"
	case KindError:
		return "error"
	case KindFatal:
		return "fatal"
	}

	return "unknown"
}

type Error struct {
	Kind     Kind
	Code     Code
	Message  string
	Metadata map[string]string
}

func (e *Error) Error() string {
	if reason, ok := e.Metadata[MetaReason]; ok {
		return e.Message + " " + reason
	}

	return e.Message
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}

	return false
}

func New(kind Kind, code Code, message string) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// WithMetadata returns a copy of err carrying metadata.
func WithMetadata(err *Error, metadata map[string]string) *Error {
	result := *err
	result.Metadata = maps.Clone(metadata)

	return &result
}

// GetCode extracts the error code, CodeUnknown for foreign errors.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return CodeUnknown
}

func GetMetadata(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Metadata
	}

	return nil
}

// GetKind extracts the kind. Errors outside the taxonomy are fatal.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindFatal
}

func IsFatal(err error) bool {
	return err != nil && GetKind(err) == KindFatal
}
