// Package errors provides standardized error handling for the missions service.
// Every failure the core reports carries a code, a human message and, where it helps the
// caller render a specific message, the offending field or the amounts involved.
package errors

import (
	stderrors "errors"
	"fmt"
	"math/big"
	"net/http"
	"time"
)

// ErrorCode represents a standardized error code for the missions service.
type ErrorCode string

const (
	// Input errors
	MSN_VALIDATION       ErrorCode = "MSN_VALIDATION"       // Malformed or missing input
	MSN_BAD_REQUEST      ErrorCode = "MSN_BAD_REQUEST"      // Undecodable request
	MSN_ADDRESS_MISMATCH ErrorCode = "MSN_ADDRESS_MISMATCH" // Payload address differs from caller

	// Authentication/Authorization errors
	MSN_AUTHN ErrorCode = "MSN_AUTHN" // Missing or invalid credentials
	MSN_AUTHZ ErrorCode = "MSN_AUTHZ" // Caller may not perform the action

	// Balance errors
	MSN_ELIGIBILITY      ErrorCode = "MSN_ELIGIBILITY"      // Tier or balance below requirement
	MSN_PAYMENT_REQUIRED ErrorCode = "MSN_PAYMENT_REQUIRED" // Balance below burn cost

	// Resource errors
	MSN_NOT_FOUND ErrorCode = "MSN_NOT_FOUND" // Unknown or invisible resource
	MSN_CONFLICT  ErrorCode = "MSN_CONFLICT"  // Duplicate or invalid state transition

	// Throttling
	MSN_RATE_LIMIT ErrorCode = "MSN_RATE_LIMIT" // Rate limit exceeded

	// Server errors
	MSN_INTERNAL    ErrorCode = "MSN_INTERNAL"    // Internal server error
	MSN_UNAVAILABLE ErrorCode = "MSN_UNAVAILABLE" // Store, oracle or provider unreachable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	Field         string      `json:"field,omitempty"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
	Retryable     bool        `json:"retryable,omitempty"`
	ResetAt       time.Time   `json:"-"`

	cause error
}

// AmountDetails carries the required and actual amounts of a balance check.
// Amounts are decimal strings in the token's smallest unit.
type AmountDetails struct {
	Required string `json:"required"`
	Current  string `json:"current"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, details interface{}) *Error {
	e := New(code, message)
	e.Details = details
	return e
}

// Validation reports a malformed or missing field.
func Validation(field, message string) *Error {
	e := New(MSN_VALIDATION, fmt.Sprintf("%s: %s", field, message))
	e.Field = field
	return e
}

// Eligibility reports a balance below the creator requirement.
func Eligibility(requirement string, required, current *big.Int) *Error {
	return NewWithDetails(MSN_ELIGIBILITY,
		fmt.Sprintf("insufficient %s balance: requires %s, has %s", requirement, required, current),
		AmountDetails{Required: required.String(), Current: current.String()})
}

// PaymentRequired reports a balance below the cost of a paid action.
func PaymentRequired(required, available *big.Int) *Error {
	return NewWithDetails(MSN_PAYMENT_REQUIRED,
		fmt.Sprintf("insufficient balance: requires %s, available %s", required, available),
		AmountDetails{Required: required.String(), Current: available.String()})
}

// NotFound reports an unknown resource. The message never says whether the
// resource exists but is hidden from the caller.
func NotFound(resource string) *Error {
	return New(MSN_NOT_FOUND, resource+" not found")
}

// Conflict reports a duplicate or an invalid state transition.
func Conflict(message string) *Error {
	return New(MSN_CONFLICT, message)
}

// RateLimited reports an exhausted window that resets at resetAt.
func RateLimited(resetAt time.Time) *Error {
	e := New(MSN_RATE_LIMIT, "rate limit exceeded")
	e.ResetAt = resetAt
	e.Retryable = true
	e.Details = map[string]string{"resetAt": resetAt.UTC().Format(time.RFC3339)}
	return e
}

// Unavailable reports an unreachable collaborator. It is always retryable.
func Unavailable(collaborator string, cause error) *Error {
	e := New(MSN_UNAVAILABLE, collaborator+" unavailable")
	e.Retryable = true
	e.cause = cause
	return e
}

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *Error {
	e := New(MSN_INTERNAL, message)
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or MSN_INTERNAL for foreign errors.
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.Code
	}
	return MSN_INTERNAL
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case MSN_VALIDATION, MSN_BAD_REQUEST:
		return http.StatusBadRequest
	case MSN_AUTHN:
		return http.StatusUnauthorized
	case MSN_AUTHZ, MSN_ADDRESS_MISMATCH, MSN_ELIGIBILITY:
		return http.StatusForbidden
	case MSN_PAYMENT_REQUIRED:
		return http.StatusPaymentRequired
	case MSN_NOT_FOUND:
		return http.StatusNotFound
	case MSN_CONFLICT:
		return http.StatusConflict
	case MSN_RATE_LIMIT:
		return http.StatusTooManyRequests
	case MSN_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
