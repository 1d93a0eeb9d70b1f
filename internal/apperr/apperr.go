// Package apperr defines the relay's error taxonomy: structured,
// HTTP-mappable errors with a stable Code, grounded on Danor93-Articles-Chat's
// AppError idiom and on github.com/containerd/errdefs for kind
// classification (the same dependency the teacher uses to classify
// container errors, generalized here to domain errors).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/containerd/errdefs"
)

// Code is a stable, machine-readable error identifier shared by the
// WebSocket System frame protocol and the REST error envelope.
type Code string

const (
	// Auth
	CodeBadCredentials ErrCode = "BAD_CREDENTIALS"
	CodeDisabled       ErrCode = "DISABLED"
	CodeTokenInvalid   ErrCode = "TOKEN_INVALID"
	CodeTokenExpired   ErrCode = "TOKEN_EXPIRED"

	// Admission
	CodeSuperseded         ErrCode = "SUPERSEDED"
	CodeMalformedHandshake ErrCode = "MALFORMED_HANDSHAKE"
	CodeRateLimited        ErrCode = "RATE_LIMITED"
	CodeHandshakeTimeout   ErrCode = "HANDSHAKE_TIMEOUT"

	// Routing
	CodeNoRecipient      ErrCode = "NO_RECIPIENT"
	CodeRecipientOffline ErrCode = "RECIPIENT_OFFLINE"
	CodeFrameTooLarge    ErrCode = "FRAME_TOO_LARGE"
	CodeUnknownFrame     ErrCode = "UNKNOWN_FRAME"

	// Assignment
	CodeNoCapacity       ErrCode = "NO_CAPACITY"
	CodeNoAgentAvailable ErrCode = "NO_AGENT_AVAILABLE"
	CodeAlreadyAssigned  ErrCode = "ALREADY_ASSIGNED"

	// Store
	CodeCacheUnavailable   ErrCode = "CACHE_UNAVAILABLE"
	CodeDurableUnavailable ErrCode = "DURABLE_UNAVAILABLE"

	// Lifecycle
	CodeShuttingDown     ErrCode = "SHUTTING_DOWN"
	CodeConnectionClosed ErrCode = "CONNECTION_CLOSED"
)

// ErrCode is kept as an alias of Code for readability at call sites; both
// names refer to the same underlying type.
type ErrCode = Code

// statusCodes maps each taxonomy code to its REST HTTP status.
var statusCodes = map[Code]int{
	CodeBadCredentials:     http.StatusUnauthorized,
	CodeDisabled:           http.StatusForbidden,
	CodeTokenInvalid:       http.StatusUnauthorized,
	CodeTokenExpired:       http.StatusUnauthorized,
	CodeSuperseded:         http.StatusConflict,
	CodeMalformedHandshake: http.StatusBadRequest,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodeHandshakeTimeout:   http.StatusRequestTimeout,
	CodeNoRecipient:        http.StatusNotFound,
	CodeRecipientOffline:   http.StatusOK,
	CodeFrameTooLarge:      http.StatusRequestEntityTooLarge,
	CodeUnknownFrame:       http.StatusBadRequest,
	CodeNoCapacity:         http.StatusServiceUnavailable,
	CodeNoAgentAvailable:   http.StatusServiceUnavailable,
	CodeAlreadyAssigned:    http.StatusOK,
	CodeCacheUnavailable:   http.StatusServiceUnavailable,
	CodeDurableUnavailable: http.StatusServiceUnavailable,
	CodeShuttingDown:       http.StatusServiceUnavailable,
	CodeConnectionClosed:   http.StatusGone,
}

// kinds maps each taxonomy code onto a containerd/errdefs sentinel so
// callers can classify with errdefs.Is* without string matching.
var kinds = map[Code]error{
	CodeBadCredentials:     errdefs.ErrUnauthorized,
	CodeDisabled:           errdefs.ErrPermissionDenied,
	CodeTokenInvalid:       errdefs.ErrUnauthorized,
	CodeTokenExpired:       errdefs.ErrUnauthorized,
	CodeSuperseded:         errdefs.ErrConflict,
	CodeMalformedHandshake: errdefs.ErrInvalidArgument,
	CodeRateLimited:        errdefs.ErrResourceExhausted,
	CodeHandshakeTimeout:   errdefs.ErrUnavailable,
	CodeNoRecipient:        errdefs.ErrNotFound,
	CodeRecipientOffline:   errdefs.ErrUnavailable,
	CodeFrameTooLarge:      errdefs.ErrInvalidArgument,
	CodeUnknownFrame:       errdefs.ErrInvalidArgument,
	CodeNoCapacity:         errdefs.ErrResourceExhausted,
	CodeNoAgentAvailable:   errdefs.ErrUnavailable,
	CodeAlreadyAssigned:    errdefs.ErrAlreadyExists,
	CodeCacheUnavailable:   errdefs.ErrUnavailable,
	CodeDurableUnavailable: errdefs.ErrUnavailable,
	CodeShuttingDown:       errdefs.ErrUnavailable,
	CodeConnectionClosed:   errdefs.ErrNotFound,
}

// Error is the relay's structured error type, analogous to the teacher
// pack's AppError: a stable code, a human message, and enough context to
// render either a REST error envelope or a System frame.
type Error struct {
	Code      Code        `json:"error"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause, and also the errdefs kind sentinel for
// this code so errors.Is/errdefs.Is* work transparently.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if k, ok := kinds[e.Code]; ok {
		errs = append(errs, k)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// StatusCode returns the HTTP status this error should render as.
func (e *Error) StatusCode() int {
	if code, ok := statusCodes[e.Code]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Timestamp: time.Now()}
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap converts any error into a relay Error with the given code, passing
// through an existing *Error unchanged.
func Wrap(err error, code Code) *Error {
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	e := New(code, err.Error())
	e.cause = err
	return e
}

// WithRequestID attaches a request id for cross-log correlation.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// As reports whether err is (or wraps) an *Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsSoft reports whether err represents a soft failure the caller should
// recover from locally rather than tear down the connection, per spec §7:
// cache unavailability and recipient-offline are both non-fatal.
func IsSoft(err error) bool {
	return errdefs.IsUnavailable(err) || errors.Is(err, kinds[CodeRecipientOffline])
}
