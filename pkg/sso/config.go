// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sso

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/stacklok/central-sso/pkg/logger"
	"github.com/stacklok/central-sso/pkg/sso/claims"
	"github.com/stacklok/central-sso/pkg/sso/datastore"
	"github.com/stacklok/central-sso/pkg/sso/nativeauth"
	"github.com/stacklok/central-sso/pkg/sso/server/middleware"
	"github.com/stacklok/central-sso/pkg/sso/signer"
	"github.com/stacklok/central-sso/pkg/sso/storage"
	"github.com/stacklok/central-sso/pkg/sso/tracing"
	"github.com/stacklok/central-sso/pkg/sso/upstream"
)

const (
	// DefaultAddress is the listen address of the HTTP server.
	DefaultAddress = ":8080"

	// DefaultRefreshTTLDays is the refresh token lifetime in days.
	DefaultRefreshTTLDays = 30

	// DefaultRequestsPerMinute is the per-client budget on credential endpoints.
	DefaultRequestsPerMinute = 60

	// DefaultHTTPTimeout bounds every outbound identity provider call.
	DefaultHTTPTimeout = 30 * time.Second
)

// Config is the complete service configuration.
type Config struct {
	// Issuer is placed in the iss claim and prefixes published URLs.
	Issuer string `mapstructure:"issuer" yaml:"issuer"`

	// Audience is used for tokens whose claim set names no application.
	Audience []string `mapstructure:"audience" yaml:"audience"`

	Server       ServerConfig      `mapstructure:"server" yaml:"server"`
	Token        TokenConfig       `mapstructure:"token" yaml:"token"`
	Session      TTLConfig         `mapstructure:"session" yaml:"session"`
	Exchange     TTLConfig         `mapstructure:"exchange" yaml:"exchange"`
	Continuation TTLConfig         `mapstructure:"continuation" yaml:"continuation"`
	Storage      storage.Config    `mapstructure:"storage" yaml:"storage"`
	Signing      signer.KeyConfig  `mapstructure:"signing" yaml:"signing"`
	Redirect     RedirectConfig    `mapstructure:"redirect" yaml:"redirect"`
	Upstream     UpstreamConfig    `mapstructure:"upstream" yaml:"upstream"`
	Native       nativeauth.Config `mapstructure:"native" yaml:"native"`
	Datastore    datastore.Config  `mapstructure:"datastore" yaml:"datastore"`
	Defaults     claims.Fallback   `mapstructure:"defaults" yaml:"defaults"`
	RateLimit    RateLimitConfig   `mapstructure:"rate_limit" yaml:"rate_limit"`
	HTTP         HTTPClientConfig  `mapstructure:"http" yaml:"http"`
	Metrics      MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Tracing      tracing.Config    `mapstructure:"tracing" yaml:"tracing"`
}

// ServerConfig configures the listener.
type ServerConfig struct {
	Address string `mapstructure:"address" yaml:"address"`

	// TrustedProxies lists the CIDRs or addresses of reverse proxies whose
	// X-Forwarded-For, X-Real-IP and True-Client-IP headers are honoured.
	TrustedProxies []string `mapstructure:"trusted_proxies" yaml:"trusted_proxies"`
}

// TokenConfig configures issued tokens.
type TokenConfig struct {
	AccessTTL      time.Duration `mapstructure:"access_ttl" yaml:"access_ttl"`
	RefreshTTLDays int           `mapstructure:"refresh_ttl_days" yaml:"refresh_ttl_days"`
	RotateRefresh  bool          `mapstructure:"rotate_refresh" yaml:"rotate_refresh"`

	// Applications lists the datastore applications whose tokens the broker
	// itself accepts, e.g. at /auth/userinfo. The configured audience and
	// the fallback audience are always accepted.
	Applications []string `mapstructure:"applications" yaml:"applications"`
}

// acceptedAudiences returns every audience the broker verifies its own
// tokens against.
func (c *Config) acceptedAudiences() []string {
	var out []string
	add := func(values ...string) {
		for _, v := range values {
			if v != "" && !slices.Contains(out, v) {
				out = append(out, v)
			}
		}
	}
	add(c.Audience...)
	add(c.Defaults.Audience...)
	add(c.Defaults.Application)
	add(c.Token.Applications...)
	return out
}

// RefreshTTL returns the refresh token lifetime.
func (c TokenConfig) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTTLDays) * 24 * time.Hour
}

// TTLConfig is the lifetime of one kind of ephemeral entry.
type TTLConfig struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// RedirectConfig lists where browsers may be sent back to.
type RedirectConfig struct {
	AllowedURIs       []string `mapstructure:"allowed_uris" yaml:"allowed_uris"`
	AllowedLogoutURIs []string `mapstructure:"allowed_logout_uris" yaml:"allowed_logout_uris"`
}

// UpstreamConfig configures the redirect-flow identity providers.
type UpstreamConfig struct {
	DefaultProvider string          `mapstructure:"default_provider" yaml:"default_provider"`
	Entra           upstream.Config `mapstructure:"entra" yaml:"entra"`
	Google          upstream.Config `mapstructure:"google" yaml:"google"`
}

// providers returns the configured providers and their settings.
func (c *UpstreamConfig) providers() map[upstream.Provider]upstream.Config {
	out := map[upstream.Provider]upstream.Config{}
	if c.Entra.Enabled() {
		out[upstream.MicrosoftEntra] = c.Entra
	}
	if c.Google.Enabled() {
		out[upstream.Google] = c.Google
	}
	return out
}

// RateLimitConfig configures the credential endpoint limiter. Zero disables it.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// HTTPClientConfig configures outbound calls to identity providers.
type HTTPClientConfig struct {
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CABundle string        `mapstructure:"ca_bundle" yaml:"ca_bundle"`

	// AllowPrivateIPs and InsecureHTTP are for local development against a
	// provider on a private network.
	AllowPrivateIPs bool `mapstructure:"allow_private_ips" yaml:"allow_private_ips"`
	InsecureHTTP    bool `mapstructure:"insecure_http" yaml:"insecure_http"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DefaultConfig returns a configuration with every default applied and no
// issuer, redirect URIs or providers.
func DefaultConfig() Config {
	return Config{
		Audience: []string{"portal"},
		Server:   ServerConfig{Address: DefaultAddress},
		Token: TokenConfig{
			AccessTTL:      signer.DefaultTokenTTL,
			RefreshTTLDays: DefaultRefreshTTLDays,
			RotateRefresh:  true,
		},
		Session:      TTLConfig{TTL: storage.DefaultSessionTTL},
		Exchange:     TTLConfig{TTL: storage.DefaultExchangeCodeTTL},
		Continuation: TTLConfig{TTL: storage.DefaultContinuationTTL},
		Storage:      *storage.DefaultConfig(),
		Upstream:     UpstreamConfig{DefaultProvider: upstream.MicrosoftEntra.String()},
		Native: nativeauth.Config{
			ResetRetryDelay:   nativeauth.DefaultResetRetryDelay,
			ResetPollAttempts: nativeauth.DefaultResetPollAttempts,
		},
		Datastore: datastore.Config{Driver: datastore.DriverSQLite, Migrate: true},
		Defaults:  claims.DefaultFallback(),
		RateLimit: RateLimitConfig{RequestsPerMinute: DefaultRequestsPerMinute},
		HTTP:      HTTPClientConfig{Timeout: DefaultHTTPTimeout},
		Metrics:   MetricsConfig{Enabled: true},
		Tracing:   tracing.DefaultConfig(),
	}
}

// applyDefaults fills zero values that have a default.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if len(c.Audience) == 0 {
		c.Audience = def.Audience
	}
	if c.Server.Address == "" {
		c.Server.Address = def.Server.Address
	}
	if c.Token.AccessTTL == 0 {
		c.Token.AccessTTL = def.Token.AccessTTL
	}
	if c.Token.RefreshTTLDays == 0 {
		c.Token.RefreshTTLDays = def.Token.RefreshTTLDays
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = def.Session.TTL
	}
	if c.Exchange.TTL == 0 {
		c.Exchange.TTL = def.Exchange.TTL
	}
	if c.Continuation.TTL == 0 {
		c.Continuation.TTL = def.Continuation.TTL
	}
	if c.Storage.Type == "" {
		c.Storage.Type = storage.TypeMemory
	}
	if c.Storage.SweepInterval == 0 {
		c.Storage.SweepInterval = def.Storage.SweepInterval
	}
	if c.Upstream.DefaultProvider == "" {
		c.Upstream.DefaultProvider = def.Upstream.DefaultProvider
	}
	if c.Defaults.Application == "" {
		c.Defaults.Application = def.Defaults.Application
	}
	if len(c.Defaults.Roles) == 0 {
		c.Defaults.Roles = def.Defaults.Roles
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = def.HTTP.Timeout
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = def.Tracing.ServiceName
	}
}

// Validate checks that the configuration can start a server.
func (c *Config) Validate() error {
	logger.Debugw("validating config", "issuer", c.Issuer)

	if err := validateIssuer(c.Issuer); err != nil {
		return err
	}
	if len(c.Audience) == 0 {
		return errors.New("at least one audience is required")
	}
	for name, d := range map[string]time.Duration{
		"token.access_ttl": c.Token.AccessTTL,
		"session.ttl":      c.Session.TTL,
		"exchange.ttl":     c.Exchange.TTL,
		"continuation.ttl": c.Continuation.TTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Token.RefreshTTLDays <= 0 {
		return errors.New("token.refresh_ttl_days must be positive")
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if len(c.Redirect.AllowedURIs) == 0 {
		return errors.New("redirect.allowed_uris must list at least one URI")
	}

	def := upstream.ParseProvider(c.Upstream.DefaultProvider, "")
	if !def.Valid() {
		return fmt.Errorf("upstream.default_provider %q is not a known provider", c.Upstream.DefaultProvider)
	}
	providers := c.Upstream.providers()
	if _, ok := providers[def]; !ok {
		return fmt.Errorf("upstream.default_provider %s is not configured", def)
	}
	for p, pc := range providers {
		if err := pc.Validate(p); err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
	}

	if err := c.Native.Validate(); err != nil {
		return err
	}
	if c.Datastore.DSN != "" {
		if err := c.Datastore.Validate(); err != nil {
			return err
		}
	}
	if _, err := middleware.ParseTrustedProxies(c.Server.TrustedProxies); err != nil {
		return fmt.Errorf("server.trusted_proxies: %w", err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return err
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		return errors.New("rate_limit.requests_per_minute must not be negative")
	}

	logger.Debugw("config validation passed",
		"issuer", c.Issuer,
		"providers", len(providers),
		"native", c.Native.Enabled(),
		"datastore", c.Datastore.DSN != "",
		"storage", c.Storage.Type,
	)
	return nil
}

func validateIssuer(issuer string) error {
	if issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("issuer is not a valid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("issuer must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("issuer must include a host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return errors.New("issuer must not contain a query or fragment")
	}
	return nil
}
