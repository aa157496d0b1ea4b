package router

import "fmt"

// Code classifies a routing failure. Codes are stable: they surface to
// clients alongside a human message and the structured context fields.
type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeBackendUnavailable Code = "backend_unavailable"
	CodeBackendError       Code = "backend_error"
	CodeTimeoutExceeded    Code = "timeout_exceeded"
	CodePayloadTooLarge    Code = "payload_too_large"
	CodeProtocolError      Code = "protocol_error"
)

// Error is a failed dispatch. The router recovers from nothing: every failure
// becomes one of these and goes back to the caller.
type Error struct {
	Code    Code
	Backend string
	Kind    string
	ID      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Backend != "" && e.ID != "":
		return fmt.Sprintf("%s: %s (backend=%s, %s=%s)", e.Code, e.Message, e.Backend, e.Kind, e.ID)
	case e.Backend != "":
		return fmt.Sprintf("%s: %s (backend=%s)", e.Code, e.Message, e.Backend)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func notFound(kind, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Kind:    kind,
		ID:      id,
		Message: fmt.Sprintf("unknown %s %q", kind, id),
	}
}

func backendUnavailable(backend string, err error) *Error {
	return &Error{
		Code:    CodeBackendUnavailable,
		Backend: backend,
		Message: fmt.Sprintf("backend is unavailable: %s", err),
		Err:     err,
	}
}

// backendError preserves the backend's own error text so the original wire
// code and message survive the hop through the gateway.
func backendError(backend, kind, id string, err error) *Error {
	return &Error{
		Code:    CodeBackendError,
		Backend: backend,
		Kind:    kind,
		ID:      id,
		Message: err.Error(),
		Err:     err,
	}
}

func timeoutExceeded(backend, op string) *Error {
	return &Error{
		Code:    CodeTimeoutExceeded,
		Backend: backend,
		Message: fmt.Sprintf("%s timed out", op),
	}
}

func payloadTooLarge(backend string, size, limit int) *Error {
	return &Error{
		Code:    CodePayloadTooLarge,
		Backend: backend,
		Message: fmt.Sprintf("response payload of %d bytes exceeds the %d byte limit", size, limit),
	}
}
