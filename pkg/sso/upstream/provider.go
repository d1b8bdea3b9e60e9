// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream talks to the external identity providers used by the
// browser redirect flow.
//
// The set of providers is closed. A raw provider string from a request is
// parsed once with ParseProvider, which falls back to the configured default
// on unknown input; everything downstream passes the typed Provider.
package upstream

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=provider.go Client

import (
	"context"
	"fmt"
	"strings"

	"github.com/stacklok/central-sso/pkg/sso/claims"
)

// Provider identifies an upstream identity provider.
type Provider string

const (
	// MicrosoftEntra is Microsoft Entra ID (Azure AD) over OIDC.
	MicrosoftEntra Provider = "microsoft_entra"
	// Google is Google accounts over OIDC.
	Google Provider = "google"
)

// String implements fmt.Stringer.
func (p Provider) String() string {
	return string(p)
}

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case MicrosoftEntra, Google:
		return true
	default:
		return false
	}
}

// ParseProvider parses raw into a Provider.
// Empty or unknown values resolve to def. This fallback is intentional:
// login links that name an unsupported provider still start a login with
// the default provider instead of failing.
func ParseProvider(raw string, def Provider) Provider {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(MicrosoftEntra), "entra", "microsoft", "azure":
		return MicrosoftEntra
	case string(Google):
		return Google
	default:
		return def
	}
}

// Client is a redirect-flow client for one identity provider.
type Client interface {
	// Provider returns the provider this client talks to.
	Provider() Provider

	// AuthorizationURL builds the provider authorization URL carrying the
	// state, the nonce and the S256 challenge derived from verifier.
	AuthorizationURL(state, nonce, verifier string) string

	// Exchange redeems an authorization code with the PKCE verifier,
	// validates the ID token against nonce and returns the user profile.
	Exchange(ctx context.Context, code, verifier, nonce string) (*claims.UpstreamUser, error)

	// EndSessionURL returns the provider logout URL that returns the browser
	// to postLogoutRedirectURI, or "" when the provider has no such endpoint.
	EndSessionURL(postLogoutRedirectURI string) string
}

// Registry holds one client per configured provider.
type Registry struct {
	clients map[Provider]Client
	def     Provider
}

// NewRegistry creates a registry. def must name one of clients.
func NewRegistry(def Provider, clients ...Client) (*Registry, error) {
	r := &Registry{clients: make(map[Provider]Client, len(clients)), def: def}
	for _, c := range clients {
		r.clients[c.Provider()] = c
	}
	if _, ok := r.clients[def]; !ok {
		return nil, fmt.Errorf("default provider %q is not configured", def)
	}
	return r, nil
}

// Default returns the default provider.
func (r *Registry) Default() Provider {
	return r.def
}

// Resolve parses raw and falls back to the default provider when the parsed
// provider has no configured client.
func (r *Registry) Resolve(raw string) Provider {
	p := ParseProvider(raw, r.def)
	if _, ok := r.clients[p]; !ok {
		return r.def
	}
	return p
}

// Client returns the client for p.
func (r *Registry) Client(p Provider) (Client, error) {
	c, ok := r.clients[p]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", p)
	}
	return c, nil
}
