// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package signer signs claim sets into compact JWTs with an asymmetric key,
// verifies them, and publishes the verification keys as a JWKS.
//
// The key ID in every token header is the RFC 7638 thumbprint of the public
// key, so verifiers can select the right entry from the published key set.
package signer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stacklok/central-sso/pkg/sso/claims"
)

// DefaultTokenTTL is the default lifetime of an issued access token.
const DefaultTokenTTL = 15 * time.Minute

var (
	// ErrTokenExpired is returned by Verify when the token's exp has passed.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenInvalid is returned by Verify for malformed tokens, bad signatures,
	// unknown key IDs and issuer or audience mismatches.
	ErrTokenInvalid = errors.New("token invalid")
)

// Config configures token issuance.
type Config struct {
	// Issuer is placed in the iss claim and required on verification.
	Issuer string

	// Audience is used when a claim set carries no audience of its own.
	Audience []string

	// AcceptedAudiences, when set, restricts Verify to tokens whose aud
	// contains at least one of these values.
	AcceptedAudiences []string

	// TokenTTL is the access token lifetime. Defaults to DefaultTokenTTL.
	TokenTTL time.Duration
}

// tokenClaims is the JWT payload: registered claims plus the claim set body.
type tokenClaims struct {
	jwt.RegisteredClaims
	Identity claims.Identity             `json:"identity"`
	Apps     map[string]claims.AppClaims `json:"apps"`
}

// Signer signs and verifies tokens. It holds no mutable state of its own.
type Signer struct {
	keys     KeyProvider
	issuer   string
	audience []string
	accepted []string
	ttl      time.Duration
	now      func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock overrides the time source used for iat, exp and verification.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// New creates a Signer backed by keys.
func New(keys KeyProvider, cfg Config, opts ...Option) (*Signer, error) {
	if keys == nil {
		return nil, errors.New("key provider is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.Audience) == 0 {
		return nil, errors.New("at least one default audience is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	s := &Signer{
		keys:     keys,
		issuer:   cfg.Issuer,
		audience: slices.Clone(cfg.Audience),
		accepted: slices.Clone(cfg.AcceptedAudiences),
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the access token lifetime.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// Issuer returns the configured issuer.
func (s *Signer) Issuer() string {
	return s.issuer
}

// Sign produces a compact JWT for set with iss, aud, iat and exp computed from configuration.
func (s *Signer) Sign(ctx context.Context, set claims.ClaimSet) (string, error) {
	if set.Subject == "" {
		return "", errors.New("claim set subject is required")
	}

	key, err := s.keys.SigningKey(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get signing key: %w", err)
	}
	method := jwt.GetSigningMethod(key.Algorithm)
	if method == nil {
		return "", fmt.Errorf("unsupported signing algorithm %s", key.Algorithm)
	}

	audience := set.Audience
	if len(audience) == 0 {
		audience = s.audience
	}

	now := s.now()
	token := jwt.NewWithClaims(method, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   set.Subject,
			Audience:  jwt.ClaimStrings(slices.Clone(audience)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
		Identity: set.Identity,
		Apps:     set.Apps,
	})
	token.Header["kid"] = key.KeyID

	signed, err := token.SignedString(key.Key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer, audience and expiry and returns the claim set.
// Failures wrap ErrTokenExpired or ErrTokenInvalid.
func (s *Signer) Verify(ctx context.Context, tokenString string) (*claims.ClaimSet, error) {
	pubKeys, err := s.keys.PublicKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get public keys: %w", err)
	}

	algorithms := make([]string, 0, len(pubKeys))
	for _, k := range pubKeys {
		if !slices.Contains(algorithms, k.Algorithm) {
			algorithms = append(algorithms, k.Algorithm)
		}
	}

	keyFunc := func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("token header missing kid")
		}
		for _, k := range pubKeys {
			if k.KeyID != kid {
				continue
			}
			if token.Method.Alg() != k.Algorithm {
				return nil, fmt.Errorf("algorithm %s does not match key %s", token.Method.Alg(), kid)
			}
			return k.PublicKey, nil
		}
		return nil, fmt.Errorf("unknown key id %s", kid)
	}

	var tc tokenClaims
	_, err = jwt.ParseWithClaims(tokenString, &tc, keyFunc,
		jwt.WithValidMethods(algorithms),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	if err := s.checkAudience(tc.Audience); err != nil {
		return nil, err
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

func (s *Signer) checkAudience(aud jwt.ClaimStrings) error {
	if len(aud) == 0 {
		return fmt.Errorf("%w: token has no audience", ErrTokenInvalid)
	}
	if len(s.accepted) == 0 {
		return nil
	}
	for _, a := range aud {
		if slices.Contains(s.accepted, a) {
			return nil
		}
	}
	return fmt.Errorf("%w: audience not accepted", ErrTokenInvalid)
}

// PublicKeySet returns every verification key as a JWKS document.
// Private key material is never included.
func (s *Signer) PublicKeySet(ctx context.Context) (*jose.JSONWebKeySet, error) {
	pubKeys, err := s.keys.PublicKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get public keys: %w", err)
	}

	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(pubKeys))}
	for _, k := range pubKeys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       k.PublicKey,
			KeyID:     k.KeyID,
			Algorithm: k.Algorithm,
			Use:       "sig",
		})
	}
	return set, nil
}

// Algorithms lists the signing algorithms of the published keys.
func (s *Signer) Algorithms(ctx context.Context) ([]string, error) {
	pubKeys, err := s.keys.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}
	var algs []string
	for _, k := range pubKeys {
		if !slices.Contains(algs, k.Algorithm) {
			algs = append(algs, k.Algorithm)
		}
	}
	return algs, nil
}
