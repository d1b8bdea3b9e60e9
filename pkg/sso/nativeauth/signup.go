// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package nativeauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	ssoerrors "github.com/stacklok/central-sso/pkg/errors"
	"github.com/stacklok/central-sso/pkg/logger"
	"github.com/stacklok/central-sso/pkg/sso/datastore"
	"github.com/stacklok/central-sso/pkg/sso/tokens"
)

// leadSource tags leads captured by sign-up.
const leadSource = "signup"

// SignupRequest carries the fields of the final sign-up stages.
// Code is only used by the one-shot Complete.
type SignupRequest struct {
	Email       string
	Code        string
	Password    string
	DisplayName string
	Role        string
}

// SignupResult is a token response with the sign-up journey status.
type SignupResult struct {
	tokens.Response
	WorkflowStatus string `json:"workflow_status"`
}

// SignupOrchestrator creates accounts.
type SignupOrchestrator struct {
	*base
}

// Start begins sign-up and sends a verification code.
func (o *SignupOrchestrator) Start(ctx context.Context, email string) (*StartResult, error) {
	if email == "" {
		return nil, ssoerrors.NewInvalidRequestError("email is required", nil)
	}
	if err := o.conts.drop(ctx, StageSignupOTPVerified, email); err != nil {
		return nil, err
	}

	r, err := o.api.Post(ctx, EndpointSignupStart, url.Values{
		"username":       {email},
		"challenge_type": {challengeTypes},
	})
	if err == nil && r.ContinuationToken == "" {
		err = errMissingContinuation
	}
	if err != nil {
		return nil, o.fail("signup", "start", err)
	}

	r, err = o.api.Post(ctx, EndpointSignupChallenge, url.Values{
		"continuation_token": {r.ContinuationToken},
		"challenge_type":     {challengeTypes},
	})
	if err == nil && r.ContinuationToken == "" {
		err = errMissingContinuation
	}
	if err != nil {
		return nil, o.fail("signup", "challenge", err)
	}

	if err := o.conts.put(ctx, StageSignupStarted, email, Record{
		ContinuationToken: r.ContinuationToken,
		CodeLength:        r.CodeLength,
	}); err != nil {
		return nil, err
	}

	o.recordLead(ctx, email, leadSource)
	o.recordStep(ctx, email, datastore.StepVerificationSent)
	logger.Debugw("sign-up verification sent", "email", email)

	return &StartResult{
		Status:               StatusVerificationSent,
		ChallengeChannel:     r.ChallengeChannel,
		ChallengeTargetLabel: r.ChallengeTargetLabel,
		CodeLength:           r.CodeLength,
		ExpiresIn:            o.expiresIn(),
	}, nil
}

// VerifyOTP checks the verification code and stores the token for the
// password stage. The started-stage token is consumed even when the code
// is wrong.
func (o *SignupOrchestrator) VerifyOTP(ctx context.Context, email, code string) (*VerifyResult, error) {
	if email == "" || code == "" {
		return nil, ssoerrors.NewInvalidRequestError("email and code are required", nil)
	}
	rec, err := o.conts.take(ctx, StageSignupStarted, email)
	if err != nil {
		return nil, err
	}

	st, err := o.submitCode(ctx, rec.ContinuationToken, code)
	if err != nil {
		return nil, err
	}

	if err := o.conts.put(ctx, StageSignupOTPVerified, email, Record{
		ContinuationToken: st.token,
		Next:              st.next,
		Attributes:        attributeNames(st.required),
	}); err != nil {
		return nil, err
	}
	o.recordStep(ctx, email, datastore.StepEmailVerified)

	return &VerifyResult{Status: StatusOTPVerified, ExpiresIn: o.expiresIn()}, nil
}

// SubmitPassword finishes a split sign-up.
func (o *SignupOrchestrator) SubmitPassword(ctx context.Context, req SignupRequest) (*SignupResult, error) {
	if req.Email == "" || req.Password == "" {
		return nil, ssoerrors.NewInvalidRequestError("email and password are required", nil)
	}
	rec, err := o.conts.take(ctx, StageSignupOTPVerified, req.Email)
	if err != nil {
		return nil, err
	}
	return o.finish(ctx, step{next: rec.Next, token: rec.ContinuationToken, required: attributesFromNames(rec.Attributes)}, req)
}

// Complete verifies the code and finishes sign-up in one call.
func (o *SignupOrchestrator) Complete(ctx context.Context, req SignupRequest) (*SignupResult, error) {
	if req.Email == "" || req.Code == "" || req.Password == "" {
		return nil, ssoerrors.NewInvalidRequestError("email, code and password are required", nil)
	}
	rec, err := o.conts.take(ctx, StageSignupStarted, req.Email)
	if err != nil {
		return nil, err
	}
	if err := o.conts.drop(ctx, StageSignupOTPVerified, req.Email); err != nil {
		return nil, err
	}

	st, err := o.submitCode(ctx, rec.ContinuationToken, req.Code)
	if err != nil {
		return nil, err
	}
	o.recordStep(ctx, req.Email, datastore.StepEmailVerified)
	return o.finish(ctx, st, req)
}

func (o *SignupOrchestrator) submitCode(ctx context.Context, token, code string) (step, error) {
	st, err := advance(o.api.Post(ctx, EndpointSignupContinue, url.Values{
		"continuation_token": {token},
		"grant_type":         {"oob"},
		"oob":                {code},
	}))
	if err != nil {
		return step{}, o.fail("signup", "verify_otp", err)
	}
	return st, nil
}

// finish feeds the provider the password and attributes it asks for, then
// redeems the final continuation token and issues the broker token.
func (o *SignupOrchestrator) finish(ctx context.Context, st step, req SignupRequest) (*SignupResult, error) {
	var sentPassword, sentAttributes bool
	for st.next != NextCompleted {
		var err error
		switch st.next {
		case NextCredential:
			if sentPassword {
				return nil, o.fail("signup", "password", fmt.Errorf("provider asked for the password twice"))
			}
			sentPassword = true
			st, err = advance(o.api.Post(ctx, EndpointSignupContinue, url.Values{
				"continuation_token": {st.token},
				"grant_type":         {"password"},
				"password":           {req.Password},
			}))
			if err != nil {
				return nil, o.fail("signup", "password", err)
			}
		case NextAttributes:
			if sentAttributes {
				return nil, o.fail("signup", "attributes", fmt.Errorf("provider asked for attributes twice"))
			}
			sentAttributes = true
			attrs, err := signupAttributes(st.required, req)
			if err != nil {
				return nil, err
			}
			st, err = advance(o.api.Post(ctx, EndpointSignupContinue, url.Values{
				"continuation_token": {st.token},
				"grant_type":         {"attributes"},
				"attributes":         {attrs},
			}))
			if err != nil {
				return nil, o.fail("signup", "attributes", err)
			}
		default:
			return nil, o.fail("signup", "continue", fmt.Errorf("unexpected step %s", st.next))
		}
	}

	r, err := o.api.Post(ctx, EndpointToken, url.Values{
		"continuation_token": {st.token},
		"grant_type":         {"continuation_token"},
		"username":           {req.Email},
		"scope":              {o.cfg.scope()},
	})
	if err != nil {
		return nil, o.fail("signup", "token", err)
	}
	o.recordStep(ctx, req.Email, datastore.StepAccountCreated)

	user, err := o.idTokenUser(ctx, r.IDToken)
	if err != nil {
		return nil, o.fail("signup", "token", err)
	}
	if user.Email == "" {
		user.Email = req.Email
	}
	if user.Name == "" {
		user.Name = req.DisplayName
	}

	reached := datastore.StepAccountCreated
	set := o.issuer.ResolveClaims(ctx, user, req.Role)
	if set.Identity.PersonID != "" {
		reached = datastore.StepProfileProvisioned
		o.recordStep(ctx, req.Email, reached)
	}

	resp, err := o.issuer.Issue(ctx, "signup", user, set, "")
	if err != nil {
		return nil, err
	}
	logger.Infow("sign-up completed", "workflow_status", reached)
	return &SignupResult{
		Response:       *resp,
		WorkflowStatus: o.workflowStatus(ctx, req.Email, reached),
	}, nil
}

// signupAttributes encodes the attributes the provider asked for.
func signupAttributes(required []Attribute, req SignupRequest) (string, error) {
	values := map[string]string{}
	if len(required) == 0 && req.DisplayName != "" {
		values["displayName"] = req.DisplayName
	}
	for _, a := range required {
		switch a.Name {
		case "displayName":
			if req.DisplayName == "" {
				return "", ssoerrors.NewError(ssoerrors.ErrInvalidArgument, ssoerrors.CodeInvalidAttributes,
					"display_name is required", nil)
			}
			values[a.Name] = req.DisplayName
		case "email":
			values[a.Name] = req.Email
		default:
			return "", ssoerrors.NewError(ssoerrors.ErrInvalidArgument, ssoerrors.CodeInvalidAttributes,
				fmt.Sprintf("attribute %s is required", a.Name), nil)
		}
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "", ssoerrors.NewInternalError("failed to encode attributes", err)
	}
	return string(encoded), nil
}

func attributeNames(attrs []Attribute) []string {
	if len(attrs) == 0 {
		return nil
	}
	names := make([]string, 0, len(attrs))
	for _, a := range attrs {
		names = append(names, a.Name)
	}
	return names
}

func attributesFromNames(names []string) []Attribute {
	if len(names) == 0 {
		return nil
	}
	attrs := make([]Attribute, 0, len(names))
	for _, n := range names {
		attrs = append(attrs, Attribute{Name: n, Required: true})
	}
	return attrs
}
