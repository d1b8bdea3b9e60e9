// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/stacklok/central-sso/pkg/logger"
	"github.com/stacklok/central-sso/pkg/networking"
	"github.com/stacklok/central-sso/pkg/sso/claims"
)

const (
	// DefaultGoogleIssuer is the Google accounts issuer.
	DefaultGoogleIssuer = "https://accounts.google.com"

	// DefaultGraphProfileURL is the Microsoft Graph endpoint for the signed-in user.
	DefaultGraphProfileURL = "https://graph.microsoft.com/v1.0/me"

	entraIssuerFormat = "https://login.microsoftonline.com/%s/v2.0"
)

var (
	// ErrMissingIDToken is returned when the token response carries no id_token.
	ErrMissingIDToken = errors.New("token response has no id_token")

	// ErrNonceMismatch is returned when the ID token nonce differs from the
	// nonce stored with the authorization session.
	ErrNonceMismatch = errors.New("ID token nonce does not match expected value")

	// ErrUserInfoSubjectMismatch is returned when the userinfo subject differs
	// from the ID token subject.
	ErrUserInfoSubjectMismatch = errors.New("userinfo subject does not match ID token subject")
)

// Config configures one OIDC provider client.
type Config struct {
	// Issuer is the OIDC issuer. For Entra it is derived from Tenant when empty.
	Issuer string `mapstructure:"issuer" yaml:"issuer"`

	// Tenant is the Entra tenant ID or domain.
	Tenant string `mapstructure:"tenant" yaml:"tenant"`

	ClientID     string   `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string   `mapstructure:"client_secret" yaml:"client_secret"`
	RedirectURI  string   `mapstructure:"redirect_uri" yaml:"redirect_uri"`
	Scopes       []string `mapstructure:"scopes" yaml:"scopes"`

	// GraphProfile enables the Microsoft Graph profile fetch after code exchange.
	GraphProfile bool `mapstructure:"graph_profile" yaml:"graph_profile"`

	// GraphURL overrides DefaultGraphProfileURL.
	GraphURL string `mapstructure:"graph_url" yaml:"graph_url"`
}

// Enabled reports whether the provider has been configured at all.
func (c *Config) Enabled() bool {
	return c.ClientID != ""
}

// issuerFor returns the issuer for provider p.
func (c *Config) issuerFor(p Provider) string {
	if c.Issuer != "" {
		return c.Issuer
	}
	switch p {
	case MicrosoftEntra:
		if c.Tenant != "" {
			return fmt.Sprintf(entraIssuerFormat, c.Tenant)
		}
	case Google:
		return DefaultGoogleIssuer
	}
	return ""
}

func (c *Config) scopesFor(p Provider) []string {
	if len(c.Scopes) > 0 {
		return c.Scopes
	}
	if p == MicrosoftEntra {
		return []string{oidc.ScopeOpenID, "profile", "email", oidc.ScopeOfflineAccess, "User.Read"}
	}
	return []string{oidc.ScopeOpenID, "profile", "email"}
}

// Validate checks the configuration for provider p.
func (c *Config) Validate(p Provider) error {
	if !p.Valid() {
		return fmt.Errorf("unknown provider %q", p)
	}
	if c.issuerFor(p) == "" {
		return fmt.Errorf("%s: issuer or tenant is required", p)
	}
	if c.ClientID == "" {
		return fmt.Errorf("%s: client_id is required", p)
	}
	if c.RedirectURI == "" {
		return fmt.Errorf("%s: redirect_uri is required", p)
	}
	if !slices.Contains(c.scopesFor(p), oidc.ScopeOpenID) {
		return fmt.Errorf("%s: openid scope is required", p)
	}
	return nil
}

// OIDCClient implements Client for OIDC providers that support discovery.
type OIDCClient struct {
	provider     Provider
	oidcProvider *oidc.Provider
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	endSession   string
	graphURL     string
	httpClient   *http.Client
}

// Option configures an OIDCClient.
type Option func(*OIDCClient)

// WithHTTPClient sets the HTTP client used for discovery, token and profile calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *OIDCClient) {
		c.httpClient = client
	}
}

// NewClient performs discovery against the provider issuer and returns a client.
func NewClient(ctx context.Context, provider Provider, cfg Config, opts ...Option) (*OIDCClient, error) {
	if err := cfg.Validate(provider); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &OIDCClient{provider: provider}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		client, err := networking.NewHttpClientBuilder().Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
		c.httpClient = client
	}

	issuer := cfg.issuerFor(provider)
	logger.Debugw("creating OIDC client", "provider", provider, "issuer", issuer, "client_id", cfg.ClientID)

	oidcProvider, err := oidc.NewProvider(oidc.ClientContext(ctx, c.httpClient), issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC endpoints for %s: %w", provider, err)
	}

	var extra struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := oidcProvider.Claims(&extra); err != nil {
		return nil, fmt.Errorf("failed to read discovery document: %w", err)
	}

	endpoint := oidcProvider.Endpoint()
	c.oidcProvider = oidcProvider
	c.endSession = extra.EndSessionEndpoint
	c.oauth2Config = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       cfg.scopesFor(provider),
		Endpoint: oauth2.Endpoint{
			AuthURL:   endpoint.AuthURL,
			TokenURL:  endpoint.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	c.verifier = oidcProvider.Verifier(&oidc.Config{ClientID: cfg.ClientID})

	if provider == MicrosoftEntra && cfg.GraphProfile {
		c.graphURL = cfg.GraphURL
		if c.graphURL == "" {
			c.graphURL = DefaultGraphProfileURL
		}
	}

	logger.Infow("OIDC client created",
		"provider", provider,
		"issuer", issuer,
		"has_end_session", c.endSession != "",
		"graph_profile", c.graphURL != "",
	)
	return c, nil
}

// Provider implements Client.
func (c *OIDCClient) Provider() Provider {
	return c.provider
}

// AuthorizationURL implements Client.
func (c *OIDCClient) AuthorizationURL(state, nonce, verifier string) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(verifier),
		oidc.Nonce(nonce),
	}
	if c.provider == MicrosoftEntra {
		opts = append(opts, oauth2.SetAuthURLParam("response_mode", "query"))
	}
	return c.oauth2Config.AuthCodeURL(state, opts...)
}

// idTokenClaims are the profile claims read from the ID token.
type idTokenClaims struct {
	Email             string   `json:"email"`
	PreferredUsername string   `json:"preferred_username"`
	UPN               string   `json:"upn"`
	Name              string   `json:"name"`
	Roles             []string `json:"roles"`
	Groups            []string `json:"groups"`
}

func (c idTokenClaims) email() string {
	for _, v := range []string{c.Email, c.PreferredUsername, c.UPN} {
		if v != "" {
			return v
		}
	}
	return ""
}

// Exchange implements Client.
func (c *OIDCClient) Exchange(ctx context.Context, code, verifier, nonce string) (*claims.UpstreamUser, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}
	ctx = oidc.ClientContext(ctx, c.httpClient)

	token, err := c.oauth2Config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, ErrMissingIDToken
	}
	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}
	if nonce != "" && idToken.Nonce != nonce {
		return nil, ErrNonceMismatch
	}

	var idc idTokenClaims
	if err := idToken.Claims(&idc); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}

	user := &claims.UpstreamUser{
		Subject:  idToken.Subject,
		Email:    idc.email(),
		Name:     idc.Name,
		Roles:    idc.Roles,
		Groups:   idc.Groups,
		Provider: string(c.provider),
	}

	profile, err := c.fetchProfile(ctx, token, idToken.Subject)
	switch {
	case err != nil:
		logger.Warnw("profile fetch failed, using ID token claims",
			"provider", c.provider,
			"error", err,
		)
	case profile != nil:
		if profile.Email != "" {
			user.Email = profile.Email
		}
		if profile.Name != "" {
			user.Name = profile.Name
		}
	}

	if user.Email == "" {
		return nil, errors.New("identity provider returned no email address")
	}
	return user, nil
}

// EndSessionURL implements Client.
func (c *OIDCClient) EndSessionURL(postLogoutRedirectURI string) string {
	if c.endSession == "" {
		return ""
	}
	u, err := url.Parse(c.endSession)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("client_id", c.oauth2Config.ClientID)
	if postLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

var _ Client = (*OIDCClient)(nil)
