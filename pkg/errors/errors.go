// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the typed error used across central-sso and its
// mapping to HTTP status codes and wire error codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrInvalidArgument is returned when a caller supplies missing or invalid input
	ErrInvalidArgument = "invalid_argument"

	// ErrAuthentication is returned when credentials or verification codes are rejected
	ErrAuthentication = "authentication"

	// ErrExpired is returned when a session, code, token or continuation is absent or past its TTL
	ErrExpired = "expired"

	// ErrConflict is returned when the identity provider reports an existing account
	ErrConflict = "conflict"

	// ErrRateLimited is returned when a client exceeds its request budget
	ErrRateLimited = "rate_limited"

	// ErrUpstream is returned when the identity provider answers with an unmapped error payload
	ErrUpstream = "upstream"

	// ErrTransient is returned for timeouts, connection failures and unavailable dependencies
	ErrTransient = "transient"

	// ErrConfiguration is returned when the identity provider rejects our client configuration
	ErrConfiguration = "configuration"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Wire error codes returned in the "error" field of JSON error responses.
const (
	CodeInvalidRequest         = "invalid_request"
	CodeInvalidGrant           = "invalid_grant"
	CodeInvalidToken           = "invalid_token"
	CodeExpiredToken           = "expired_token"
	CodeAccessDenied           = "access_denied"
	CodePasswordTooWeak        = "password_too_weak"
	CodePasswordRecentlyUsed   = "password_recently_used"
	CodeUserAlreadyExists      = "user_already_exists"
	CodeUserNotFound           = "user_not_found"
	CodeInvalidAttributes      = "invalid_attributes"
	CodeRedirectRequired       = "redirect_required"
	CodeRateLimited            = "rate_limited"
	CodeUpstreamError          = "upstream_error"
	CodeTemporarilyUnavailable = "temporarily_unavailable"
	CodeServerError            = "server_error"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Code is the wire error code exposed to callers
	Code string

	// Message is the caller-safe error description
	Message string

	// Cause is the underlying error. It is logged, never exposed.
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, code, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidRequestError creates an invalid_request error for bad caller input
func NewInvalidRequestError(message string, cause error) *Error {
	return NewError(ErrInvalidArgument, CodeInvalidRequest, message, cause)
}

// NewInvalidGrantError creates an invalid_grant error for unknown or consumed grants
func NewInvalidGrantError(message string, cause error) *Error {
	return NewError(ErrExpired, CodeInvalidGrant, message, cause)
}

// NewExpiredTokenError creates an expired_token error for missing continuation state
func NewExpiredTokenError(message string, cause error) *Error {
	return NewError(ErrExpired, CodeExpiredToken, message, cause)
}

// NewAuthenticationError creates an authentication error with the given wire code
func NewAuthenticationError(code, message string, cause error) *Error {
	return NewError(ErrAuthentication, code, message, cause)
}

// NewTransientError creates a temporarily_unavailable error
func NewTransientError(message string, cause error) *Error {
	return NewError(ErrTransient, CodeTemporarilyUnavailable, message, cause)
}

// NewConfigurationError creates a server_error caused by misconfiguration
func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrConfiguration, CodeServerError, message, cause)
}

// NewUpstreamError creates an upstream_error for unmapped identity provider failures
func NewUpstreamError(message string, cause error) *Error {
	return NewError(ErrUpstream, CodeUpstreamError, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, CodeServerError, message, cause)
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func isType(err error, errorType string) bool {
	e, ok := As(err)
	return ok && e.Type == errorType
}

// IsInvalidArgument checks if the error is an invalid argument error
func IsInvalidArgument(err error) bool {
	return isType(err, ErrInvalidArgument)
}

// IsAuthentication checks if the error is an authentication error
func IsAuthentication(err error) bool {
	return isType(err, ErrAuthentication)
}

// IsExpired checks if the error is an expired state error
func IsExpired(err error) bool {
	return isType(err, ErrExpired)
}

// IsTransient checks if the error is a transient error
func IsTransient(err error) bool {
	return isType(err, ErrTransient)
}

// IsConfiguration checks if the error is a configuration error
func IsConfiguration(err error) bool {
	return isType(err, ErrConfiguration)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrInternal)
}

// HTTPStatus returns the HTTP status code for err.
// Errors that are not *Error map to 500.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Type {
	case ErrInvalidArgument, ErrExpired:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrConflict:
		return http.StatusConflict
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrUpstream:
		return http.StatusBadGateway
	case ErrTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the wire error code and caller-safe description for err.
// Errors that are not *Error are reported as server_error without detail.
func Code(err error) (code, description string) {
	e, ok := As(err)
	if !ok || e.Code == "" {
		return CodeServerError, "internal server error"
	}
	return e.Code, e.Message
}
