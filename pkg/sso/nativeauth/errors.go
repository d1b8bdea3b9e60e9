// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package nativeauth

import (
	"errors"

	ssoerrors "github.com/stacklok/central-sso/pkg/errors"
	"github.com/stacklok/central-sso/pkg/logger"
	"github.com/stacklok/central-sso/pkg/networking"
)

// ErrNotPropagated is returned when sign-in right after a password reset
// rejects the new password because the provider has not applied it yet.
var ErrNotPropagated = errors.New("new password not yet propagated")

// classify maps a provider failure to a typed error. The provider's
// description is logged and never returned.
func classify(flow, stage string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := ssoerrors.As(err); ok {
		return err
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		logger.Warnw("native auth call failed",
			"flow", flow,
			"stage", stage,
			"status", apiErr.StatusCode,
			"error", apiErr.Code,
			"suberror", apiErr.SubError,
			"error_codes", apiErr.ErrorCodes,
			"description", apiErr.Description,
		)
		return classifyAPIError(apiErr)
	}

	logger.Warnw("native auth call failed", "flow", flow, "stage", stage, "error", err)
	switch {
	case errors.Is(err, ErrRedirectRequired):
		return ssoerrors.NewError(ssoerrors.ErrInvalidArgument, ssoerrors.CodeRedirectRequired,
			"this account must sign in through the browser", err)
	case networking.IsTransient(err):
		return ssoerrors.NewTransientError("identity provider is temporarily unavailable", err)
	default:
		return ssoerrors.NewUpstreamError("identity provider request failed", err)
	}
}

func classifyAPIError(e *APIError) error {
	switch {
	case e.StatusCode == 429:
		return ssoerrors.NewError(ssoerrors.ErrRateLimited, ssoerrors.CodeRateLimited,
			"too many requests, try again later", e)
	case e.StatusCode >= 500:
		return ssoerrors.NewTransientError("identity provider is temporarily unavailable", e)
	}

	switch e.SubError {
	case "password_too_weak", "password_too_short", "password_too_long", "password_banned", "password_is_invalid":
		return ssoerrors.NewError(ssoerrors.ErrInvalidArgument, ssoerrors.CodePasswordTooWeak,
			"password does not meet the complexity requirements", e)
	case "password_recently_used":
		return ssoerrors.NewError(ssoerrors.ErrInvalidArgument, ssoerrors.CodePasswordRecentlyUsed,
			"password was used recently, choose a different one", e)
	case "invalid_oob_value":
		return ssoerrors.NewAuthenticationError(ssoerrors.CodeInvalidGrant, "verification code is incorrect", e)
	case "attribute_validation_failed":
		return ssoerrors.NewError(ssoerrors.ErrInvalidArgument, ssoerrors.CodeInvalidAttributes,
			"one or more profile attributes are invalid", e)
	}

	switch e.Code {
	case "user_already_exists":
		return ssoerrors.NewError(ssoerrors.ErrConflict, ssoerrors.CodeUserAlreadyExists,
			"an account with this email already exists", e)
	case "user_not_found":
		return ssoerrors.NewError(ssoerrors.ErrInvalidArgument, ssoerrors.CodeUserNotFound,
			"no account exists for this email", e)
	case "expired_token":
		return ssoerrors.NewExpiredTokenError("verification expired, start again", e)
	case "invalid_grant":
		return ssoerrors.NewAuthenticationError(ssoerrors.CodeInvalidGrant, "credentials were rejected", e)
	case "attributes_required", "attribute_validation_failed":
		return ssoerrors.NewError(ssoerrors.ErrInvalidArgument, ssoerrors.CodeInvalidAttributes,
			"required profile attributes are missing or invalid", e)
	case "invalid_client", "unauthorized_client", "unsupported_challenge_type", "invalid_scope":
		return ssoerrors.NewConfigurationError("native authentication is misconfigured", e)
	case "invalid_request":
		return ssoerrors.NewInvalidRequestError("request was rejected by the identity provider", e)
	default:
		return ssoerrors.NewUpstreamError("identity provider rejected the request", e)
	}
}

// loginError hides which stage of password login failed. Only
// infrastructure failures keep their own classification.
func loginError(err error) error {
	classified := classify("login", "password", err)
	if e, ok := ssoerrors.As(classified); ok {
		switch e.Type {
		case ssoerrors.ErrTransient, ssoerrors.ErrConfiguration, ssoerrors.ErrRateLimited, ssoerrors.ErrInternal:
			return classified
		}
	}
	return ssoerrors.NewAuthenticationError(ssoerrors.CodeInvalidGrant, "invalid username or password", err)
}
