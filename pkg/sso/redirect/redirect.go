// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package redirect drives the browser login flow against the upstream
// identity provider.
//
// Login stores an authorization session keyed by the CSRF state and sends
// the browser to the provider. Callback consumes that session exactly once,
// redeems the provider code with the stored PKCE verifier, issues a signed
// token and hands the browser a one-time exchange code instead of the token.
package redirect

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	ssoerrors "github.com/stacklok/central-sso/pkg/errors"
	"github.com/stacklok/central-sso/pkg/logger"
	"github.com/stacklok/central-sso/pkg/networking"
	"github.com/stacklok/central-sso/pkg/sso/metrics"
	"github.com/stacklok/central-sso/pkg/sso/storage"
	"github.com/stacklok/central-sso/pkg/sso/tokens"
	"github.com/stacklok/central-sso/pkg/sso/upstream"
)

// stateBytes is the entropy of the CSRF state and the nonce.
const stateBytes = 32

// Session is one in-flight browser login, keyed by its CSRF state.
type Session struct {
	State       string            `json:"state"`
	Verifier    string            `json:"verifier"`
	Nonce       string            `json:"nonce"`
	RedirectURI string            `json:"redirect_uri"`
	Provider    upstream.Provider `json:"provider"`
	ClientID    string            `json:"client_id"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Config configures the orchestrator.
type Config struct {
	AllowedRedirectURIs []string
	AllowedLogoutURIs   []string
	SessionTTL          time.Duration
}

// Orchestrator implements login, callback and logout.
type Orchestrator struct {
	registry *upstream.Registry
	sessions storage.Store[Session]
	tokens   *tokens.Service
	redirect *AllowList
	logout   *AllowList
	ttl      time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records upstream latency and failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// New creates an Orchestrator.
func New(
	registry *upstream.Registry,
	sessions storage.Store[Session],
	tokenService *tokens.Service,
	cfg Config,
	opts ...Option,
) (*Orchestrator, error) {
	redirectList, err := NewAllowList(cfg.AllowedRedirectURIs)
	if err != nil {
		return nil, err
	}
	logoutList, err := NewAllowList(cfg.AllowedLogoutURIs)
	if err != nil {
		return nil, err
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = storage.DefaultSessionTTL
	}

	o := &Orchestrator{
		registry: registry,
		sessions: sessions,
		tokens:   tokenService,
		redirect: redirectList,
		logout:   logoutList,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// SessionTTL is the lifetime of an authorization session and its cookie.
func (o *Orchestrator) SessionTTL() time.Duration {
	return o.ttl
}

// LoginRequest is the input of Login.
type LoginRequest struct {
	ClientID    string
	RedirectURI string
	Provider    string
}

// LoginResult is where to send the browser and the state to bind in a cookie.
type LoginResult struct {
	AuthorizationURL string
	State            string
	Provider         upstream.Provider
}

// Login starts a browser login.
func (o *Orchestrator) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if req.ClientID == "" {
		return nil, ssoerrors.NewInvalidRequestError("client_id is required", nil)
	}
	if req.RedirectURI == "" {
		return nil, ssoerrors.NewInvalidRequestError("redirect_uri is required", nil)
	}
	if !o.redirect.Allows(req.RedirectURI) {
		logger.Warnw("login rejected: redirect_uri not allowed", "client_id", req.ClientID)
		return nil, ssoerrors.NewInvalidRequestError("redirect_uri is not allowed", nil)
	}

	provider := o.registry.Resolve(req.Provider)
	client, err := o.registry.Client(provider)
	if err != nil {
		return nil, ssoerrors.NewConfigurationError("identity provider is not configured", err)
	}

	state, err := tokens.Random(stateBytes)
	if err != nil {
		return nil, ssoerrors.NewInternalError("failed to start login", err)
	}
	nonce, err := tokens.Random(stateBytes)
	if err != nil {
		return nil, ssoerrors.NewInternalError("failed to start login", err)
	}
	verifier := oauth2.GenerateVerifier()

	session := Session{
		State:       state,
		Verifier:    verifier,
		Nonce:       nonce,
		RedirectURI: req.RedirectURI,
		Provider:    provider,
		ClientID:    req.ClientID,
		CreatedAt:   o.now(),
	}
	if err := o.sessions.Put(ctx, state, session, o.ttl); err != nil {
		return nil, ssoerrors.NewTransientError("session store unavailable", err)
	}

	logger.Debugw("login started", "client_id", req.ClientID, "provider", provider)
	return &LoginResult{
		AuthorizationURL: client.AuthorizationURL(state, nonce, verifier),
		State:            state,
		Provider:         provider,
	}, nil
}

// CallbackRequest is the input of Callback. Any provider hint carried by
// the request is deliberately absent: the session decides the provider.
type CallbackRequest struct {
	Code             string
	State            string
	CookieState      string
	Error            string
	ErrorDescription string
}

// Callback completes a browser login and returns the URL to send the browser to.
func (o *Orchestrator) Callback(ctx context.Context, req CallbackRequest) (string, error) {
	if req.State == "" || (req.Code == "" && req.Error == "") {
		return "", ssoerrors.NewInvalidRequestError("code and state are required", nil)
	}
	if req.CookieState == "" || subtle.ConstantTimeCompare([]byte(req.CookieState), []byte(req.State)) != 1 {
		logger.Warn("callback rejected: state does not match cookie")
		return "", ssoerrors.NewInvalidRequestError("state mismatch", nil)
	}

	session, err := o.sessions.Consume(ctx, req.State)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ssoerrors.NewError(ssoerrors.ErrExpired, ssoerrors.CodeInvalidRequest, "session expired or invalid", err)
		}
		return "", ssoerrors.NewTransientError("session store unavailable", err)
	}

	if req.Error != "" {
		logger.Warnw("identity provider returned an error on callback",
			"provider", session.Provider,
			"error", req.Error,
			"error_description", req.ErrorDescription,
		)
		o.metrics.GrantFailed("redirect", req.Error)
		return "", providerCallbackError(req.Error)
	}

	client, err := o.registry.Client(session.Provider)
	if err != nil {
		return "", ssoerrors.NewConfigurationError("identity provider is not configured", err)
	}

	start := time.Now()
	user, err := client.Exchange(ctx, req.Code, session.Verifier, session.Nonce)
	o.metrics.ObserveUpstream("authorization_code", start, err)
	if err != nil {
		logger.Warnw("authorization code exchange failed", "provider", session.Provider, "error", err)
		classified := classifyExchangeError(err)
		code, _ := ssoerrors.Code(classified)
		o.metrics.GrantFailed("redirect", code)
		return "", classified
	}

	set := o.tokens.ResolveClaims(ctx, *user, "")
	resp, err := o.tokens.Issue(ctx, "redirect", *user, set, session.ClientID)
	if err != nil {
		return "", err
	}
	exchangeCode, err := o.tokens.IssueExchangeCode(ctx, resp, session.ClientID)
	if err != nil {
		return "", err
	}

	target, err := appendQuery(session.RedirectURI, url.Values{
		"code":  {exchangeCode},
		"state": {req.State},
	})
	if err != nil {
		return "", ssoerrors.NewInternalError("invalid stored redirect URI", err)
	}

	logger.Infow("login completed", "client_id", session.ClientID, "provider", session.Provider)
	return target, nil
}

// LogoutURL returns where to send the browser on logout, or "" when there
// is nowhere to redirect to.
func (o *Orchestrator) LogoutURL(rawProvider, postLogoutRedirectURI string) (string, error) {
	if postLogoutRedirectURI != "" && !o.logout.Allows(postLogoutRedirectURI) {
		return "", ssoerrors.NewInvalidRequestError("post_logout_redirect_uri is not allowed", nil)
	}

	provider := o.registry.Resolve(rawProvider)
	client, err := o.registry.Client(provider)
	if err != nil {
		return "", ssoerrors.NewConfigurationError("identity provider is not configured", err)
	}
	if endSession := client.EndSessionURL(postLogoutRedirectURI); endSession != "" {
		return endSession, nil
	}
	return postLogoutRedirectURI, nil
}

func providerCallbackError(code string) error {
	switch code {
	case "access_denied", "consent_required", "interaction_required", "login_required":
		return ssoerrors.NewError(ssoerrors.ErrInvalidArgument, ssoerrors.CodeAccessDenied,
			"sign-in was cancelled or denied", nil)
	default:
		return ssoerrors.NewInvalidRequestError("identity provider returned an error", nil)
	}
}

// classifyExchangeError maps an upstream code exchange failure to a typed error.
func classifyExchangeError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		switch {
		case retrieveErr.Response != nil && (retrieveErr.Response.StatusCode >= 500 || retrieveErr.Response.StatusCode == 429):
			return ssoerrors.NewTransientError("identity provider is temporarily unavailable", err)
		case retrieveErr.ErrorCode == "invalid_grant":
			return ssoerrors.NewInvalidGrantError("authorization code is invalid or expired", err)
		case retrieveErr.ErrorCode == "invalid_client" || retrieveErr.ErrorCode == "unauthorized_client":
			return ssoerrors.NewConfigurationError("identity provider rejected the client configuration", err)
		}
	}
	if errors.Is(err, upstream.ErrNonceMismatch) {
		return ssoerrors.NewInvalidGrantError("ID token nonce mismatch", err)
	}
	if networking.IsTransient(err) {
		return ssoerrors.NewTransientError("identity provider is temporarily unavailable", err)
	}
	return ssoerrors.NewUpstreamError("identity provider exchange failed", err)
}

func appendQuery(raw string, params url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse redirect URI: %w", err)
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}
