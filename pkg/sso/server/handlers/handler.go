// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/central-sso/pkg/sso/metrics"
	"github.com/stacklok/central-sso/pkg/sso/nativeauth"
	"github.com/stacklok/central-sso/pkg/sso/redirect"
	"github.com/stacklok/central-sso/pkg/sso/server/middleware"
	"github.com/stacklok/central-sso/pkg/sso/signer"
	"github.com/stacklok/central-sso/pkg/sso/tokens"
	"github.com/stacklok/central-sso/pkg/sso/tracing"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps are the components behind the handlers. Native may be nil when
// native authentication is not configured; Metrics and Limiter may be nil.
type Deps struct {
	Redirect *redirect.Orchestrator
	Tokens   *tokens.Service
	Native   *nativeauth.Orchestrators
	Signer   *signer.Signer
	Metrics  *metrics.Metrics
	Limiter  *middleware.RateLimiter
	// TrustedProxies may set the client address through forwarding headers.
	TrustedProxies []netip.Prefix
	// Tracing may be nil, which records nothing.
	Tracing      *tracing.Provider
	HealthChecks map[string]HealthCheck
}

// Handler provides the HTTP handlers of the broker.
type Handler struct {
	Deps
	issuer string
	now    func() time.Time
}

// New creates a Handler.
func New(deps Deps) *Handler {
	return &Handler{
		Deps:   deps,
		issuer: strings.TrimRight(deps.Signer.Issuer(), "/"),
		now:    time.Now,
	}
}

// Routes returns a router with every endpoint registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		chimw.RequestID,
		middleware.Tracing(h.Tracing.TracerProvider(), h.Tracing.Propagator()),
		middleware.TrustedRealIP(h.TrustedProxies),
		middleware.RequestLogger(h.Metrics),
		chimw.Recoverer,
	)

	r.Get("/health", h.HealthHandler)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())
	}
	h.WellKnownRoutes(r)
	r.Route("/auth", h.AuthRoutes)
	return r
}

// WellKnownRoutes registers the JWKS and discovery documents.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/jwks.json", h.JWKSHandler)
	r.Get("/.well-known/openid-configuration", h.DiscoveryHandler)
}

// AuthRoutes registers the /auth endpoints.
func (h *Handler) AuthRoutes(r chi.Router) {
	r.Get("/login", h.LoginHandler)
	r.Get("/callback", h.CallbackHandler)
	r.Get("/logout", h.LogoutHandler)
	r.Get("/userinfo", h.UserInfoHandler)

	r.Group(func(r chi.Router) {
		r.Use(h.Limiter.Handler)

		r.Post("/token/exchange", h.ExchangeHandler)
		r.Post("/token/refresh", h.RefreshHandler)

		if h.Native == nil {
			return
		}
		r.Post("/token/password", h.PasswordHandler)

		r.Route("/signup", func(r chi.Router) {
			r.Post("/start", h.SignupStartHandler)
			r.Post("/verify-otp", h.SignupVerifyOTPHandler)
			r.Post("/submit-password", h.SignupSubmitPasswordHandler)
			r.Post("/complete", h.SignupCompleteHandler)
		})
		r.Route("/password-reset", func(r chi.Router) {
			r.Post("/start", h.ResetStartHandler)
			r.Post("/verify-otp", h.ResetVerifyOTPHandler)
			r.Post("/submit-password", h.ResetSubmitPasswordHandler)
		})
	})
}
