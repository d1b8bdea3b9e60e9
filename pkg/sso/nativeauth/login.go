// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package nativeauth

import (
	"context"
	"fmt"
	"net/url"

	ssoerrors "github.com/stacklok/central-sso/pkg/errors"
	"github.com/stacklok/central-sso/pkg/logger"
	"github.com/stacklok/central-sso/pkg/sso/claims"
	"github.com/stacklok/central-sso/pkg/sso/tokens"
)

// LoginOrchestrator signs users in with a username and password.
type LoginOrchestrator struct {
	*base
}

// Login runs initiate, challenge and token, then issues a broker token.
// Every credential failure yields the same error.
func (o *LoginOrchestrator) Login(ctx context.Context, username, password string) (*tokens.Response, error) {
	if username == "" || password == "" {
		return nil, ssoerrors.NewInvalidRequestError("username and password are required", nil)
	}

	user, err := o.signIn(ctx, username, password)
	if err != nil {
		classified := loginError(err)
		code, _ := ssoerrors.Code(classified)
		o.metrics.GrantFailed("password", code)
		return nil, classified
	}

	set := o.issuer.ResolveClaims(ctx, user, "")
	resp, err := o.issuer.Issue(ctx, "password", user, set, "")
	if err != nil {
		return nil, err
	}
	logger.Debugw("password login completed", "email", user.Email)
	return resp, nil
}

// signIn returns raw provider errors so callers can classify them.
func (o *LoginOrchestrator) signIn(ctx context.Context, username, password string) (claims.UpstreamUser, error) {
	r, err := o.api.Post(ctx, EndpointInitiate, url.Values{
		"username":       {username},
		"challenge_type": {challengeTypes},
	})
	if err != nil {
		return claims.UpstreamUser{}, err
	}
	if r.ContinuationToken == "" {
		return claims.UpstreamUser{}, errMissingContinuation
	}

	r, err = o.api.Post(ctx, EndpointChallenge, url.Values{
		"continuation_token": {r.ContinuationToken},
		"challenge_type":     {challengeTypes},
	})
	if err != nil {
		return claims.UpstreamUser{}, err
	}
	if r.ChallengeType != "" && r.ChallengeType != "password" {
		return claims.UpstreamUser{}, fmt.Errorf("unexpected challenge type %q", r.ChallengeType)
	}
	if r.ContinuationToken == "" {
		return claims.UpstreamUser{}, errMissingContinuation
	}

	r, err = o.api.Post(ctx, EndpointToken, url.Values{
		"continuation_token": {r.ContinuationToken},
		"grant_type":         {"password"},
		"password":           {password},
		"username":           {username},
		"scope":              {o.cfg.scope()},
	})
	if err != nil {
		return claims.UpstreamUser{}, err
	}

	user, err := o.idTokenUser(ctx, r.IDToken)
	if err != nil {
		return claims.UpstreamUser{}, err
	}
	if user.Email == "" {
		user.Email = username
	}
	return user, nil
}
