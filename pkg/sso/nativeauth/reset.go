// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package nativeauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	ssoerrors "github.com/stacklok/central-sso/pkg/errors"
	"github.com/stacklok/central-sso/pkg/logger"
	"github.com/stacklok/central-sso/pkg/sso/claims"
	"github.com/stacklok/central-sso/pkg/sso/tokens"
)

// ResetResult is the outcome of a password reset. When sign-in with the new
// password could not be completed, Response is nil and SigninRequired is set.
type ResetResult struct {
	*tokens.Response
	Status         string `json:"status"`
	SigninRequired bool   `json:"signin_required,omitempty"`
}

// ResetOrchestrator resets passwords and signs the user in afterwards.
type ResetOrchestrator struct {
	*base
	login *LoginOrchestrator
}

// Start begins a reset and sends a verification code.
func (o *ResetOrchestrator) Start(ctx context.Context, email string) (*StartResult, error) {
	if email == "" {
		return nil, ssoerrors.NewInvalidRequestError("email is required", nil)
	}
	if err := o.conts.drop(ctx, StageResetOTPVerified, email); err != nil {
		return nil, err
	}

	r, err := o.api.Post(ctx, EndpointResetStart, url.Values{
		"username":       {email},
		"challenge_type": {challengeTypes},
	})
	if err == nil && r.ContinuationToken == "" {
		err = errMissingContinuation
	}
	if err != nil {
		return nil, o.fail("password_reset", "start", err)
	}

	r, err = o.api.Post(ctx, EndpointResetChallenge, url.Values{
		"continuation_token": {r.ContinuationToken},
		"challenge_type":     {challengeTypes},
	})
	if err == nil && r.ContinuationToken == "" {
		err = errMissingContinuation
	}
	if err != nil {
		return nil, o.fail("password_reset", "challenge", err)
	}

	if err := o.conts.put(ctx, StageResetStarted, email, Record{
		ContinuationToken: r.ContinuationToken,
		CodeLength:        r.CodeLength,
	}); err != nil {
		return nil, err
	}

	return &StartResult{
		Status:               StatusVerificationSent,
		ChallengeChannel:     r.ChallengeChannel,
		ChallengeTargetLabel: r.ChallengeTargetLabel,
		CodeLength:           r.CodeLength,
		ExpiresIn:            o.expiresIn(),
	}, nil
}

// VerifyOTP checks the verification code and stores the token for the
// new password.
func (o *ResetOrchestrator) VerifyOTP(ctx context.Context, email, code string) (*VerifyResult, error) {
	if email == "" || code == "" {
		return nil, ssoerrors.NewInvalidRequestError("email and code are required", nil)
	}
	rec, err := o.conts.take(ctx, StageResetStarted, email)
	if err != nil {
		return nil, err
	}

	st, err := advance(o.api.Post(ctx, EndpointResetContinue, url.Values{
		"continuation_token": {rec.ContinuationToken},
		"grant_type":         {"oob"},
		"oob":                {code},
	}))
	if err != nil {
		return nil, o.fail("password_reset", "verify_otp", err)
	}

	if err := o.conts.put(ctx, StageResetOTPVerified, email, Record{ContinuationToken: st.token, Next: st.next}); err != nil {
		return nil, err
	}
	return &VerifyResult{Status: StatusOTPVerified, ExpiresIn: o.expiresIn()}, nil
}

// SubmitPassword sets the new password, waits for the provider to finish
// and signs the user in with it.
func (o *ResetOrchestrator) SubmitPassword(ctx context.Context, email, password string) (*ResetResult, error) {
	if email == "" || password == "" {
		return nil, ssoerrors.NewInvalidRequestError("email and password are required", nil)
	}
	rec, err := o.conts.take(ctx, StageResetOTPVerified, email)
	if err != nil {
		return nil, err
	}

	idpCtx, cancel := context.WithTimeout(ctx, ResetSubmitTimeout)
	defer cancel()

	r, err := o.api.Post(idpCtx, EndpointResetSubmit, url.Values{
		"continuation_token": {rec.ContinuationToken},
		"new_password":       {password},
	})
	if err == nil && r.ContinuationToken == "" {
		err = errMissingContinuation
	}
	if err != nil {
		return nil, o.fail("password_reset", "submit", err)
	}

	if err := o.pollCompletion(idpCtx, r.ContinuationToken, r.PollInterval); err != nil {
		return nil, err
	}
	logger.Infow("password reset completed")

	result := &ResetResult{Status: StatusPasswordResetSucceeded}
	user, err := o.signInAfterReset(idpCtx, email, password)
	if err != nil {
		logger.Warnw("sign-in after password reset failed, caller must sign in", "error", err)
		result.SigninRequired = true
		return result, nil
	}

	set := o.issuer.ResolveClaims(ctx, user, "")
	resp, err := o.issuer.Issue(ctx, "password_reset", user, set, "")
	if err != nil {
		logger.Warnw("token issuance after password reset failed, caller must sign in", "error", err)
		result.SigninRequired = true
		return result, nil
	}
	result.Response = resp
	return result, nil
}

// pollCompletion polls until the provider reports the reset as applied or
// the attempts run out. Running out is not an error: sign-in is attempted
// anyway.
func (o *ResetOrchestrator) pollCompletion(ctx context.Context, token string, intervalSeconds int) error {
	interval := min(time.Duration(intervalSeconds)*time.Second, maxPollInterval)
	attempts := pollBudget(o.cfg.pollAttempts(), interval)

	for i := 0; i < attempts; i++ {
		if err := sleep(ctx, interval); err != nil {
			return ssoerrors.NewTransientError("password reset polling was interrupted", err)
		}
		r, err := o.api.Post(ctx, EndpointResetPoll, url.Values{"continuation_token": {token}})
		if err != nil {
			return o.fail("password_reset", "poll_completion", err)
		}
		if r.ContinuationToken != "" {
			token = r.ContinuationToken
		}
		switch r.Status {
		case "succeeded":
			return nil
		case "failed":
			return o.fail("password_reset", "poll_completion",
				fmt.Errorf("identity provider reported the reset as failed"))
		}
	}

	logger.Warnw("password reset still in progress after polling", "attempts", attempts)
	return nil
}

// pollBudget limits attempts so that the waits add up to at most
// maxPollBudget. At least one poll is always made.
func pollBudget(attempts int, interval time.Duration) int {
	if interval <= 0 {
		return attempts
	}
	return max(1, min(attempts, int(maxPollBudget/interval)))
}

// signInAfterReset signs in with the new password, retrying exactly once
// when the provider has not propagated it yet.
func (o *ResetOrchestrator) signInAfterReset(ctx context.Context, email, password string) (claims.UpstreamUser, error) {
	operation := func() (claims.UpstreamUser, error) {
		user, err := o.login.signIn(ctx, email, password)
		if err == nil {
			return user, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == "invalid_grant" {
			return claims.UpstreamUser{}, fmt.Errorf("%w: %w", ErrNotPropagated, err)
		}
		return claims.UpstreamUser{}, backoff.Permanent(err)
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(o.cfg.retryDelay())),
		backoff.WithMaxTries(2),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debugf("new password not accepted yet, retrying sign-in after %v: %v", d, err)
		}),
	)
}
