package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"marking-backend/internal/analysis"
	"marking-backend/internal/anonymize"
	"marking-backend/internal/eventlog"
	"marking-backend/internal/projection"
	"marking-backend/internal/rubric"
)

// Kind is the stable error class returned to callers.
type Kind string

const (
	KindValidation         Kind = "VALIDATION_ERROR"
	KindNotFound           Kind = "NOT_FOUND"
	KindConflict           Kind = "CONFLICT"
	KindTimeout            Kind = "AI_TIMEOUT"
	KindProtocolViolation  Kind = "AI_PROTOCOL_VIOLATION"
	KindLogWriteFailure    Kind = "LOG_WRITE_FAILURE"
	KindMappingUnavailable Kind = "MAPPING_UNAVAILABLE"
	KindInternal           Kind = "INTERNAL_ERROR"
)

// Kind sentinels for errors.Is.
var (
	ErrKindValidation         = &Error{Kind: KindValidation}
	ErrKindNotFound           = &Error{Kind: KindNotFound}
	ErrKindConflict           = &Error{Kind: KindConflict}
	ErrKindTimeout            = &Error{Kind: KindTimeout}
	ErrKindProtocolViolation  = &Error{Kind: KindProtocolViolation}
	ErrKindLogWriteFailure    = &Error{Kind: KindLogWriteFailure}
	ErrKindMappingUnavailable = &Error{Kind: KindMappingUnavailable}
	ErrKindInternal           = &Error{Kind: KindInternal}
)

// Error is a typed command failure. Message is safe to show to callers and
// never contains an identity.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// HTTPStatus maps a kind to a response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindProtocolViolation:
		return http.StatusBadGateway
	case KindLogWriteFailure, KindMappingUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func validationf(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

// classify turns a collaborator error into an *Error. msg describes the
// failed step and is used when the cause has no caller-safe text.
func classify(err error, msg string) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	kind := KindInternal
	switch {
	case errors.Is(err, eventlog.ErrReadOnly),
		errors.Is(err, eventlog.ErrWriteFailed),
		errors.Is(err, eventlog.ErrClosed):
		kind = KindLogWriteFailure
	case errors.Is(err, projection.ErrNotFound),
		errors.Is(err, rubric.ErrNotFound),
		errors.Is(err, anonymize.ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, anonymize.ErrMappingUnavailable):
		kind = KindMappingUnavailable
	case errors.Is(err, anonymize.ErrEmptyIdentity):
		kind = KindValidation
	case errors.Is(err, analysis.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, analysis.ErrProtocolViolation), errors.Is(err, analysis.ErrWorkerFailed):
		kind = KindProtocolViolation
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}
