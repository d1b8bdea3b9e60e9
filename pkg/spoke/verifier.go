// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package spoke verifies broker-issued access tokens inside spoke
// applications.
//
// A Verifier fetches the broker's published key set once, keeps it fresh in
// the background and checks signature, issuer, audience and expiry locally.
// Middleware wraps any http.Handler (including chi routers) and makes the
// verified claim set available through ClaimsFromContext.
package spoke

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/central-sso/pkg/networking"
	"github.com/stacklok/central-sso/pkg/sso/claims"
)

const (
	jwksPath            = "/.well-known/jwks.json"
	registrationTimeout = 5 * time.Second
)

var (
	// ErrNoToken is returned when the request carries no bearer token.
	ErrNoToken = errors.New("no token provided")
	// ErrTokenExpired is returned for tokens past their exp.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid is returned for every other verification failure.
	ErrTokenInvalid = errors.New("token invalid")
)

var validMethods = []string{"ES256", "ES384", "ES512", "RS256", "RS384", "RS512", "EdDSA"}

// Config configures a Verifier.
type Config struct {
	// Issuer is the broker issuer URL. Required.
	Issuer string

	// JWKSURL defaults to Issuer + /.well-known/jwks.json.
	JWKSURL string

	// Audience, when set, must appear in the token's aud claim. Spoke apps
	// normally use their own application name.
	Audience string

	// HTTPClient fetches the key set. Defaults to a client that refuses
	// private addresses.
	HTTPClient *http.Client
}

// Verifier verifies broker access tokens against the published key set.
type Verifier struct {
	issuer   string
	audience string
	jwksURL  string
	cache    *jwk.Cache

	registerMu  sync.Mutex
	registered  bool
	registerErr error
}

// tokenClaims mirrors the payload the broker signs.
type tokenClaims struct {
	jwt.RegisteredClaims
	Identity claims.Identity             `json:"identity"`
	Apps     map[string]claims.AppClaims `json:"apps"`
}

// NewVerifier creates a Verifier. The key set is fetched lazily on first use.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = strings.TrimRight(cfg.Issuer, "/") + jwksPath
	}

	client := cfg.HTTPClient
	if client == nil {
		var err error
		client, err = networking.NewHttpClientBuilder().Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
	}

	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(client)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &Verifier{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		jwksURL:  jwksURL,
		cache:    cache,
	}, nil
}

// JWKSURL returns the key set location.
func (v *Verifier) JWKSURL() string {
	return v.jwksURL
}

func (v *Verifier) ensureRegistered(ctx context.Context) error {
	v.registerMu.Lock()
	defer v.registerMu.Unlock()

	if v.registered {
		return nil
	}

	regCtx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()
	if err := v.cache.Register(regCtx, v.jwksURL); err != nil {
		// retried on the next verification
		v.registerErr = fmt.Errorf("failed to register JWKS URL: %w", err)
		return v.registerErr
	}
	v.registered = true
	v.registerErr = nil
	return nil
}

func (v *Verifier) key(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, errors.New("token header missing kid")
	}

	set, err := v.cache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}
	key, found := set.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return raw, nil
}

// Verify checks tokenString and returns its claim set. Failures wrap
// ErrTokenExpired or ErrTokenInvalid.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*claims.ClaimSet, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(validMethods),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var tc tokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &tc, func(t *jwt.Token) (any, error) {
		return v.key(ctx, t)
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	apps := tc.Apps
	if apps == nil {
		apps = map[string]claims.AppClaims{}
	}
	return &claims.ClaimSet{
		Subject:  tc.Subject,
		Identity: tc.Identity,
		Apps:     apps,
		Audience: []string(tc.Audience),
	}, nil
}
