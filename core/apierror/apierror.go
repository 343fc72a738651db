/*Package apierror defines the error taxonomy of the record engine and the
uniform JSON envelope all error responses use.

Every error a caller can see is one of five codes: validation (400),
not_found (404), conflict (409), cancelled (a before-hook rejected the
operation) and internal (500). Internal errors never expose their cause in
the response body; the cause is kept for server-side diagnostics only.
*/
package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
)

// the error codes of the envelope
const (
	CodeValidation = "validation"
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
	CodeCancelled  = "cancelled"
	CodeInternal   = "internal"
)

// Error is a typed API error with the response envelope fields.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`

	status int
	cause  error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Status returns the HTTP status code for this error.
func (e *Error) Status() int {
	return e.status
}

// WithField attaches the offending field name to the error data.
func (e *Error) WithField(field string) *Error {
	if e.Data == nil {
		e.Data = map[string]interface{}{}
	}
	e.Data["field"] = field
	return e
}

// Validation creates a validation error (400)
func Validation(format string, args ...interface{}) *Error {
	return &Error{
		Code:    CodeValidation,
		Message: fmt.Sprintf(format, args...),
		status:  http.StatusBadRequest,
	}
}

// NotFound creates a not_found error (404)
func NotFound(format string, args ...interface{}) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf(format, args...),
		status:  http.StatusNotFound,
	}
}

// Conflict creates a conflict error (409)
func Conflict(format string, args ...interface{}) *Error {
	return &Error{
		Code:    CodeConflict,
		Message: fmt.Sprintf(format, args...),
		status:  http.StatusConflict,
	}
}

// Cancelled wraps the error a before-hook returned to reject an operation.
// The hook's own message is what the caller sees. If the hook itself
// returned a typed error, that error wins and keeps its own code and status.
func Cancelled(err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return &Error{
		Code:    CodeCancelled,
		Message: err.Error(),
		status:  http.StatusBadRequest,
		cause:   err,
	}
}

// Internal wraps an unexpected storage or system failure (500). The cause
// is retained for logging but withheld from the response.
func Internal(err error) *Error {
	return &Error{
		Code:    CodeInternal,
		Message: "internal server error",
		status:  http.StatusInternalServerError,
		cause:   err,
	}
}

// From converts any error into a typed *Error. Errors that are not already
// typed become internal errors.
func From(err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return Internal(err)
}

// IsCode reports whether err is a typed error with the given code.
func IsCode(err error, code string) bool {
	var typed *Error
	return errors.As(err, &typed) && typed.Code == code
}

// Write renders err as the uniform JSON envelope {code, message, data}.
func Write(w http.ResponseWriter, err error) {
	typed := From(err)
	jsonData, _ := json.MarshalWithOption(typed, json.DisableHTMLEscape())
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(typed.status)
	w.Write(jsonData)
}
