// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sso is the composition root of the broker. It turns a Config into
// an HTTP handler backed by the stores, the signer, the identity provider
// clients and the optional datastore, and owns their lifecycle.
package sso

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stacklok/central-sso/pkg/logger"
	"github.com/stacklok/central-sso/pkg/networking"
	"github.com/stacklok/central-sso/pkg/sso/datastore"
	"github.com/stacklok/central-sso/pkg/sso/metrics"
	"github.com/stacklok/central-sso/pkg/sso/nativeauth"
	"github.com/stacklok/central-sso/pkg/sso/redirect"
	"github.com/stacklok/central-sso/pkg/sso/server/handlers"
	"github.com/stacklok/central-sso/pkg/sso/server/middleware"
	"github.com/stacklok/central-sso/pkg/sso/signer"
	"github.com/stacklok/central-sso/pkg/sso/storage"
	"github.com/stacklok/central-sso/pkg/sso/tokens"
	"github.com/stacklok/central-sso/pkg/sso/tracing"
	"github.com/stacklok/central-sso/pkg/sso/upstream"
)

// shutdownTimeout bounds the final span flush on Close.
const shutdownTimeout = 5 * time.Second

// Server is a fully wired broker.
type Server struct {
	handler   http.Handler
	backend   *storage.Backend
	sweeper   *storage.Sweeper
	datastore *datastore.SQLStore
	metrics   *metrics.Metrics
	tracing   *tracing.Provider
	ownTraces bool
}

// upstreamFactory creates a redirect-flow client for one provider.
// This type enables dependency injection for testing.
type upstreamFactory func(ctx context.Context, p upstream.Provider, cfg upstream.Config, client *http.Client) (upstream.Client, error)

func defaultUpstreamFactory(ctx context.Context, p upstream.Provider, cfg upstream.Config, client *http.Client) (upstream.Client, error) {
	return upstream.NewClient(ctx, p, cfg, upstream.WithHTTPClient(client))
}

// Option configures server construction.
type Option func(*options)

type options struct {
	upstreamFactory upstreamFactory
	keyProvider     signer.KeyProvider
	backend         *storage.Backend
	tracing         *tracing.Provider
}

// withUpstreamFactory replaces provider discovery. Test only.
func withUpstreamFactory(f upstreamFactory) Option {
	return func(o *options) {
		o.upstreamFactory = f
	}
}

// WithKeyProvider overrides the key source selected by Config.Signing.
func WithKeyProvider(p signer.KeyProvider) Option {
	return func(o *options) {
		o.keyProvider = p
	}
}

// WithBackend overrides the store backend selected by Config.Storage.
func WithBackend(b *storage.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithTracing overrides the tracer provider selected by Config.Tracing.
// The caller keeps ownership of p.
func WithTracing(p *tracing.Provider) Option {
	return func(o *options) {
		o.tracing = p
	}
}

// New validates cfg and wires every component.
func New(ctx context.Context, cfg Config, opts ...Option) (_ *Server, err error) {
	o := &options{upstreamFactory: defaultUpstreamFactory}
	for _, opt := range opts {
		opt(o)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if cfg.Metrics.Enabled {
		s.metrics = metrics.New()
	}

	s.tracing = o.tracing
	if s.tracing == nil {
		s.tracing, err = tracing.NewProvider(ctx, cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("failed to set up tracing: %w", err)
		}
		s.ownTraces = true
	}

	httpClient, err := networking.NewHttpClientBuilder().
		WithTimeout(cfg.HTTP.Timeout).
		WithCABundle(cfg.HTTP.CABundle).
		WithPrivateIPs(cfg.HTTP.AllowPrivateIPs).
		WithInsecureHTTP(cfg.HTTP.InsecureHTTP).
		WithTracing(s.tracing.TracerProvider(), s.tracing.Propagator()).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	s.backend = o.backend
	if s.backend == nil {
		s.backend, err = storage.NewBackend(ctx, &cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to open store backend: %w", err)
		}
	}
	sessions := storage.Open[redirect.Session](s.backend, "sessions")
	exchange := storage.Open[tokens.ExchangeRecord](s.backend, "exchange_codes")
	refresh := storage.Open[tokens.RefreshRecord](s.backend, "refresh_tokens")
	conts := nativeauth.OpenContinuations(s.backend, cfg.Continuation.TTL)

	s.sweeper = storage.NewSweeper(cfg.Storage.SweepInterval,
		append([]storage.Sweepable{sessions, exchange, refresh}, conts.Sweepables()...)...)
	s.sweeper.OnSweep(s.metrics.Swept)

	keys := o.keyProvider
	if keys == nil {
		keys, err = signer.NewProviderFromConfig(ctx, cfg.Signing)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing keys: %w", err)
		}
	}
	sgn, err := signer.New(keys, signer.Config{
		Issuer:            cfg.Issuer,
		Audience:          cfg.Audience,
		AcceptedAudiences: cfg.acceptedAudiences(),
		TokenTTL:          cfg.Token.AccessTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	if _, err := keys.SigningKey(ctx); err != nil {
		return nil, fmt.Errorf("signing key unavailable: %w", err)
	}

	var ds datastore.Store
	if cfg.Datastore.DSN != "" {
		s.datastore, err = datastore.Open(ctx, cfg.Datastore, datastore.Defaults{
			Application: cfg.Defaults.Application,
			Roles:       cfg.Defaults.Roles,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open datastore: %w", err)
		}
		ds = s.datastore
	} else {
		logger.Warn("no datastore configured, every token carries the default claims")
	}

	tokenService := tokens.NewService(sgn, ds, exchange, refresh, tokens.Config{
		ExchangeCodeTTL: cfg.Exchange.TTL,
		RefreshTokenTTL: cfg.Token.RefreshTTL(),
		RotateRefresh:   cfg.Token.RotateRefresh,
		Fallback:        cfg.Defaults,
	}, tokens.WithMetrics(s.metrics))

	registry, err := s.upstreams(ctx, cfg, o.upstreamFactory, httpClient)
	if err != nil {
		return nil, err
	}

	orch, err := redirect.New(registry, sessions, tokenService, redirect.Config{
		AllowedRedirectURIs: cfg.Redirect.AllowedURIs,
		AllowedLogoutURIs:   cfg.Redirect.AllowedLogoutURIs,
		SessionTTL:          cfg.Session.TTL,
	}, redirect.WithMetrics(s.metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create redirect flow: %w", err)
	}

	var native *nativeauth.Orchestrators
	if cfg.Native.Enabled() {
		api, err := nativeauth.NewHTTPAPI(cfg.Native, httpClient)
		if err != nil {
			return nil, fmt.Errorf("failed to create native auth client: %w", err)
		}
		nativeOpts := []nativeauth.Option{nativeauth.WithMetrics(s.metrics)}
		verifier, err := nativeauth.NewIDTokenVerifier(ctx, cfg.Native, httpClient)
		if err != nil {
			logger.Warnw("native auth id token discovery unavailable, id tokens are decoded without verification",
				"error", err)
		} else {
			nativeOpts = append(nativeOpts, nativeauth.WithIDTokenVerifier(verifier))
		}
		if ds != nil {
			nativeOpts = append(nativeOpts, nativeauth.WithDatastore(ds))
		}
		native = nativeauth.New(api, cfg.Native, tokenService, conts, nativeOpts...)
	}

	checks := map[string]handlers.HealthCheck{"store": s.backend.Health}
	if s.datastore != nil {
		checks["datastore"] = s.datastore.Ping
	}

	trusted, err := middleware.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}

	h := handlers.New(handlers.Deps{
		Redirect:       orch,
		Tokens:         tokenService,
		Native:         native,
		Signer:         sgn,
		Metrics:        s.metrics,
		Limiter:        middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, s.metrics),
		HealthChecks:   checks,
		TrustedProxies: trusted,
		Tracing:        s.tracing,
	})
	s.handler = h.Routes()

	logger.Infow("central-sso initialized",
		"issuer", cfg.Issuer,
		"default_provider", registry.Default(),
		"storage", s.backend.Type(),
		"native_auth", native != nil,
		"datastore", s.datastore != nil,
		"rate_limit_rpm", cfg.RateLimit.RequestsPerMinute,
		"tracing", cfg.Tracing.Enabled(),
	)
	return s, nil
}

func (*Server) upstreams(ctx context.Context, cfg Config, factory upstreamFactory, client *http.Client) (*upstream.Registry, error) {
	var clients []upstream.Client
	for p, pc := range cfg.Upstream.providers() {
		c, err := factory(ctx, p, pc, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s client: %w", p, err)
		}
		clients = append(clients, c)
	}
	def := upstream.ParseProvider(cfg.Upstream.DefaultProvider, upstream.MicrosoftEntra)
	return upstream.NewRegistry(def, clients...)
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Sweeper returns the background sweeper of the ephemeral stores. The
// caller runs it.
func (s *Server) Sweeper() *storage.Sweeper {
	return s.sweeper
}

// Close releases the store backend and the datastore, and flushes spans.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.ownTraces {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		errs = append(errs, s.tracing.Shutdown(ctx))
	}
	if s.backend != nil {
		errs = append(errs, s.backend.Close())
	}
	if s.datastore != nil {
		errs = append(errs, s.datastore.Close())
	}
	return errors.Join(errs...)
}
