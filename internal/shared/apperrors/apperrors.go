// Package apperrors defines the sentinel domain errors shared across the
// bridge and the HTTP-facing mapping from those errors to wire codes.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors. Components wrap these with fmt.Errorf("...: %w", Err...)
// so callers can still errors.Is against the root cause while the message
// carries request-specific detail.
var (
	ErrValidation      = errors.New("validation error")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrPaymentRequired = errors.New("payment required")
	ErrRateLimited     = errors.New("rate limited")
	ErrConflict        = errors.New("conflict")
	ErrUnavailable     = errors.New("unavailable")
)

// Code is the wire-visible error code string returned in a response body.
type Code string

const (
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeInvalidInput    Code = "INVALID_INPUT"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeNotFound        Code = "NOT_FOUND"
	CodePaymentRequired Code = "PAYMENT_REQUIRED"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeInternal        Code = "INTERNAL_ERROR"
	CodeUnavailable     Code = "SERVICE_UNAVAILABLE"
)

// FieldError is one entry in a validation error's field list.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries up to a handful of field-level messages. Handlers
// that hit several validation problems at once still return a compact body
// per the error handling design (limited to at most 5 field messages).
type ValidationError struct {
	Fields []FieldError
}

func (v *ValidationError) Error() string {
	if len(v.Fields) == 0 {
		return ErrValidation.Error()
	}
	return fmt.Sprintf("%s: %s", ErrValidation.Error(), v.Fields[0].Message)
}

func (v *ValidationError) Unwrap() error { return ErrValidation }

// NewValidation builds a ValidationError, truncating to at most 5 fields.
func NewValidation(fields ...FieldError) *ValidationError {
	if len(fields) > 5 {
		fields = fields[:5]
	}
	return &ValidationError{Fields: fields}
}

// Wrap annotates err with msg while preserving errors.Is against err.
func Wrap(err error, msg string) error {
	return fmt.Errorf("%s: %w", msg, err)
}

// Mapped is the HTTP-facing projection of a domain error: status code, wire
// code, and a safe-to-display message.
type Mapped struct {
	Status  int
	Code    Code
	Message string
	Fields  []FieldError
}

// Map translates a domain error into its HTTP surface. Unrecognized errors
// become a generic 500 with no internal detail, matching the policy that
// raw errors never reach a client.
func Map(err error) Mapped {
	var verr *ValidationError
	switch {
	case err == nil:
		return Mapped{Status: 200}
	case errors.As(err, &verr):
		return Mapped{Status: 400, Code: CodeValidation, Message: verr.Error(), Fields: verr.Fields}
	case errors.Is(err, ErrValidation):
		return Mapped{Status: 400, Code: CodeInvalidInput, Message: err.Error()}
	case errors.Is(err, ErrUnauthorized):
		return Mapped{Status: 401, Code: CodeUnauthorized, Message: err.Error()}
	case errors.Is(err, ErrForbidden):
		return Mapped{Status: 403, Code: CodeForbidden, Message: err.Error()}
	case errors.Is(err, ErrNotFound):
		return Mapped{Status: 404, Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, ErrPaymentRequired):
		return Mapped{Status: 402, Code: CodePaymentRequired, Message: err.Error()}
	case errors.Is(err, ErrRateLimited):
		return Mapped{Status: 429, Code: CodeRateLimited, Message: err.Error()}
	case errors.Is(err, ErrUnavailable):
		return Mapped{Status: 503, Code: CodeUnavailable, Message: err.Error()}
	default:
		return Mapped{Status: 500, Code: CodeInternal, Message: "internal error"}
	}
}
