// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package nativeauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/central-sso/pkg/sso/claims"
	"github.com/stacklok/central-sso/pkg/sso/upstream"
)

var errMissingIDToken = errors.New("token response carried no id_token")

type idTokenClaims struct {
	jwt.RegisteredClaims
	OID               string   `json:"oid,omitempty"`
	Email             string   `json:"email,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Name              string   `json:"name,omitempty"`
	Roles             []string `json:"roles,omitempty"`
	Groups            []string `json:"groups,omitempty"`
}

func (c idTokenClaims) user() claims.UpstreamUser {
	subject := c.OID
	if subject == "" {
		subject = c.Subject
	}
	email := c.Email
	if email == "" {
		email = c.PreferredUsername
	}
	return claims.UpstreamUser{
		Subject:  subject,
		Email:    email,
		Name:     c.Name,
		Roles:    c.Roles,
		Groups:   c.Groups,
		Provider: upstream.MicrosoftEntra.String(),
	}
}

// NewIDTokenVerifier discovers the tenant's signing keys and returns a
// verifier for id tokens issued to cfg.ClientID.
func NewIDTokenVerifier(ctx context.Context, cfg Config, client *http.Client) (*oidc.IDTokenVerifier, error) {
	issuer := cfg.issuer()
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, client), issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover native auth issuer %s: %w", issuer, err)
	}
	return provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}), nil
}

// idTokenUser verifies and decodes the id token returned by the token
// endpoint. Without a verifier the token is only decoded.
func (b *base) idTokenUser(ctx context.Context, raw string) (claims.UpstreamUser, error) {
	if b.verifier == nil {
		return decodeIDToken(raw)
	}
	if raw == "" {
		return claims.UpstreamUser{}, errMissingIDToken
	}
	tok, err := b.verifier.Verify(ctx, raw)
	if err != nil {
		return claims.UpstreamUser{}, fmt.Errorf("failed to verify id token: %w", err)
	}
	var c idTokenClaims
	if err := tok.Claims(&c); err != nil {
		return claims.UpstreamUser{}, fmt.Errorf("failed to decode id token claims: %w", err)
	}
	return c.user(), nil
}

// decodeIDToken reads the id token claims without checking the signature.
func decodeIDToken(raw string) (claims.UpstreamUser, error) {
	if raw == "" {
		return claims.UpstreamUser{}, errMissingIDToken
	}
	var c idTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &c); err != nil {
		return claims.UpstreamUser{}, fmt.Errorf("failed to decode id token: %w", err)
	}
	return c.user(), nil
}

func (c Config) issuer() string {
	if c.Issuer != "" {
		return c.Issuer
	}
	return strings.TrimRight(c.Authority, "/") + "/v2.0"
}
