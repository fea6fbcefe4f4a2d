/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors provides the structured application error used across
// package boundaries in the CORE. It maps the language-independent error
// taxonomy from the specification onto a single concrete type with an
// HTTP-ish status code, so callers at any layer can make one decision
// ("is this safe to retry", "is this safe to show the user") without a
// type switch on every possible Go error.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies an AppError for status mapping and safe-message
// lookup. New kinds needed by the CORE (beyond generic HTTP-API errors)
// are added alongside the ones inherited from request-handling code.
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeAuth           ErrorType = "auth"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeConflict       ErrorType = "conflict"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeDatabase       ErrorType = "database"
	ErrorTypeNetwork        ErrorType = "network"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeCycle          ErrorType = "cycle_detected"
	ErrorTypeUnknownRequest ErrorType = "unknown_request"
	ErrorTypeNotPending     ErrorType = "not_pending"
	ErrorTypeTokenInvalid   ErrorType = "token_invalid"
	ErrorTypeCapacity       ErrorType = "capacity_reached"
	ErrorTypePlugin         ErrorType = "plugin_error"
)

var statusByType = map[ErrorType]int{
	ErrorTypeValidation:     http.StatusBadRequest,
	ErrorTypeAuth:           http.StatusUnauthorized,
	ErrorTypeNotFound:       http.StatusNotFound,
	ErrorTypeConflict:       http.StatusConflict,
	ErrorTypeTimeout:        http.StatusRequestTimeout,
	ErrorTypeRateLimit:      http.StatusTooManyRequests,
	ErrorTypeDatabase:       http.StatusInternalServerError,
	ErrorTypeNetwork:        http.StatusInternalServerError,
	ErrorTypeInternal:       http.StatusInternalServerError,
	ErrorTypeCycle:          http.StatusInternalServerError,
	ErrorTypeUnknownRequest: http.StatusNotFound,
	ErrorTypeNotPending:     http.StatusConflict,
	ErrorTypeTokenInvalid:   http.StatusUnauthorized,
	ErrorTypeCapacity:       http.StatusInsufficientStorage,
	ErrorTypePlugin:         http.StatusInternalServerError,
}

// ErrorMessages holds the safe, user-facing strings for error types whose
// underlying Message may contain details unsafe to surface externally.
var ErrorMessages = struct {
	ResourceNotFound       string
	AuthenticationFailed   string
	OperationTimeout       string
	RateLimitExceeded      string
	ConcurrentModification string
}{
	ResourceNotFound:       "the requested resource was not found",
	AuthenticationFailed:   "authentication failed",
	OperationTimeout:       "the operation timed out",
	RateLimitExceeded:      "rate limit exceeded",
	ConcurrentModification: "the resource was modified concurrently",
}

// AppError is the CORE's structured error type.
type AppError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Details    string
	Cause      error
}

func (e *AppError) Error() string {
	s := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Details != "" {
		s += fmt.Sprintf(" (%s)", e.Details)
	}
	return s
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates an AppError with no cause.
func New(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusFor(t),
	}
}

// Wrap creates an AppError carrying an underlying cause.
func Wrap(cause error, t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusFor(t),
		Cause:      cause,
	}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(cause error, t ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// WithDetails attaches details in place and returns the same error.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf is WithDetails with a formatted string.
func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

func statusFor(t ErrorType) int {
	if s, ok := statusByType[t]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// NewValidationError builds a validation AppError.
func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

// NewDatabaseError wraps a database failure with the failed operation name.
func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", operation)
}

// NewNotFoundError builds a not-found AppError for the named resource.
func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource))
}

// NewAuthError builds an authentication/authorization AppError.
func NewAuthError(message string) *AppError {
	return New(ErrorTypeAuth, message)
}

// NewTimeoutError builds a timeout AppError for the named operation.
func NewTimeoutError(operation string) *AppError {
	return New(ErrorTypeTimeout, fmt.Sprintf("operation timed out: %s", operation))
}

// NewCycleError builds the CycleDetected error for lifecycle startup.
func NewCycleError(message string) *AppError {
	return New(ErrorTypeCycle, message)
}

// NewUnknownRequestError builds the Approval Gate's UnknownRequest error.
func NewUnknownRequestError(requestID string) *AppError {
	return New(ErrorTypeUnknownRequest, fmt.Sprintf("unknown approval request: %s", requestID))
}

// NewNotPendingError builds the Approval Gate's NotPending error.
func NewNotPendingError(requestID string, status string) *AppError {
	return New(ErrorTypeNotPending, fmt.Sprintf("request %s is not pending (status: %s)", requestID, status))
}

// NewTokenInvalidError builds the TokenInvalid error.
func NewTokenInvalidError(reason string) *AppError {
	return New(ErrorTypeTokenInvalid, "approval token is invalid").WithDetails(reason)
}

// NewCapacityError builds the soft CapacityReached error.
func NewCapacityError(resource string) *AppError {
	return New(ErrorTypeCapacity, fmt.Sprintf("capacity reached: %s", resource))
}

// NewPluginError builds a PluginError with the given sub-reason kind.
func NewPluginError(kind string, message string) *AppError {
	return New(ErrorTypePlugin, message).WithDetails(kind)
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, t ErrorType) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Type == t
	}
	return false
}

// GetType returns the AppError's type, or ErrorTypeInternal for any other error.
func GetType(err error) ErrorType {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the AppError's status code, or 500 for any other error.
func GetStatusCode(err error) int {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return http.StatusInternalServerError
}

// SafeErrorMessage returns a message safe to show outside trust boundaries.
// Validation messages pass through verbatim since they describe caller input;
// everything else is replaced with a generic, non-leaky message.
func SafeErrorMessage(err error) string {
	var ae *AppError
	if !errors.As(err, &ae) {
		return "An unexpected error occurred"
	}
	switch ae.Type {
	case ErrorTypeValidation:
		return ae.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeAuth:
		return ErrorMessages.AuthenticationFailed
	case ErrorTypeTimeout:
		return ErrorMessages.OperationTimeout
	case ErrorTypeRateLimit:
		return ErrorMessages.RateLimitExceeded
	case ErrorTypeConflict:
		return ErrorMessages.ConcurrentModification
	default:
		return "An internal error occurred"
	}
}
