package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// Request validation.
	ErrBadRequest = "E_BAD_REQUEST"

	// Caller identity.
	ErrUnauthorized = "E_UNAUTHORIZED"
	ErrNoPermission = "E_NO_PERMISSION"

	// Rule layer.
	ErrNotFound    = "E_NOT_FOUND"
	ErrConflict    = "E_CONFLICT"
	ErrNoResource  = "E_NO_RESOURCE"
	ErrRateLimit   = "E_RATE_LIMIT"
	ErrBadMethod   = "E_BAD_METHOD"
	ErrUnavailable = "E_UNAVAILABLE"
	ErrInternal    = "E_INTERNAL"
)

var knownCodes = map[string]int{
	ErrBadRequest:   http.StatusBadRequest,
	ErrUnauthorized: http.StatusUnauthorized,
	ErrNoPermission: http.StatusForbidden,
	ErrNotFound:     http.StatusNotFound,
	ErrConflict:     http.StatusConflict,
	ErrNoResource:   http.StatusBadRequest,
	ErrRateLimit:    http.StatusTooManyRequests,
	ErrBadMethod:    http.StatusMethodNotAllowed,
	ErrUnavailable:  http.StatusServiceUnavailable,
	ErrInternal:     http.StatusInternalServerError,
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// HTTPStatus maps an error code to its response status. Unknown codes are
// treated as internal failures.
func HTTPStatus(code string) int {
	if s, ok := knownCodes[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is the error value handlers return; it carries the code that picks
// the HTTP status and an optional diagnostic detail echoed to the caller.
type Error struct {
	Code    string
	Message string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Status() int { return HTTPStatus(e.Code) }

func NewError(code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Internal wraps an unexpected failure. The underlying error text is echoed
// as detail so operators can diagnose from the response alone.
func Internal(msg string, err error) *Error {
	e := &Error{Code: ErrInternal, Message: msg, Err: err}
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

// AsError extracts a *Error from err, falling back to an internal error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return Internal("internal error", err)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

func (e *Error) Body() ErrorBody {
	return ErrorBody{Error: e.Message, Code: e.Code, Details: e.Detail}
}
