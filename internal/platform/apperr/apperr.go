// Package apperr defines the error taxonomy shared by the domain services and
// the HTTP layer. Services return these typed errors; the central echo error
// handler maps them to status codes so handlers never pick statuses ad hoc.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Severity of a single validation finding.
const (
	SeverityError   = "ERROR"
	SeverityWarning = "WARNING"
)

// FieldError is one field-level validation finding.
type FieldError struct {
	Field    string `json:"field"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// ValidationError carries field-level findings back to the client (HTTP 400).
type ValidationError struct {
	Msg    string       `json:"message"`
	Fields []FieldError `json:"fields,omitempty"`
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Msg
	}
	return fmt.Sprintf("%s (%d finding(s))", e.Msg, len(e.Fields))
}

// Blocking reports whether any finding has ERROR severity.
func (e *ValidationError) Blocking() bool {
	for _, f := range e.Fields {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

// NewValidation builds a ValidationError from findings.
func NewValidation(msg string, fields ...FieldError) *ValidationError {
	return &ValidationError{Msg: msg, Fields: fields}
}

// ConflictError reports a resource-state conflict such as double attachment (HTTP 409).
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

func Conflictf(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidStateError reports an illegal lifecycle transition (HTTP 409).
type InvalidStateError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: illegal transition %s -> %s", e.Entity, e.From, e.To)
}

// NotFoundError reports a missing (or cross-clinic, deliberately hidden) resource (HTTP 404).
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string { return e.Resource + " not found" }

func NotFound(resource string) *NotFoundError { return &NotFoundError{Resource: resource} }

// PreconditionFailedError reports a missing prerequisite artifact (HTTP 400).
type PreconditionFailedError struct {
	Msg string
}

func (e *PreconditionFailedError) Error() string { return e.Msg }

func Preconditionf(format string, args ...interface{}) *PreconditionFailedError {
	return &PreconditionFailedError{Msg: fmt.Sprintf(format, args...)}
}

// HTTPStatus maps a service error to its HTTP status code. Unrecognized errors
// are treated as internal.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		ce *ConflictError
		se *InvalidStateError
		ne *NotFoundError
		pe *PreconditionFailedError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &pe):
		return http.StatusBadRequest
	case errors.As(err, &ce), errors.As(err, &se):
		return http.StatusConflict
	case errors.As(err, &ne):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler returns an echo HTTPErrorHandler that maps the taxonomy onto
// JSON responses and logs internals without leaking them to clients.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		// echo's own errors (404 route, bind failures) pass through untouched.
		var he *echo.HTTPError
		if errors.As(err, &he) {
			_ = c.JSON(he.Code, map[string]interface{}{"message": he.Message})
			return
		}

		status := HTTPStatus(err)
		body := map[string]interface{}{"message": err.Error()}

		var ve *ValidationError
		if errors.As(err, &ve) {
			body["fields"] = ve.Fields
		}
		if status == http.StatusInternalServerError {
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("internal error")
			body["message"] = "internal server error"
		}

		_ = c.JSON(status, body)
	}
}
