// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tracing sets up OpenTelemetry tracing for the broker. Spans are
// exported over OTLP/HTTP when an endpoint is configured; otherwise every
// tracer is a no-op.
package tracing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/central-sso/pkg/logger"
	"github.com/stacklok/central-sso/pkg/versions"
)

const (
	// DefaultServiceName is reported as service.name.
	DefaultServiceName = "central-sso"

	// DefaultSamplingRate samples every trace.
	DefaultSamplingRate = 1.0
)

// Config configures trace export.
type Config struct {
	// Endpoint is the OTLP/HTTP collector host and port, e.g. "otel-collector:4318".
	// Empty disables export.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ServiceName is reported as service.name.
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`

	// SamplingRate is the ratio of new traces that are sampled (0.0-1.0).
	// Traces started upstream follow the caller's decision.
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate"`

	// Headers are sent with every export request, e.g. for collector authentication.
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`

	// Insecure exports over plain HTTP.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`
}

// DefaultConfig returns a configuration with export disabled.
func DefaultConfig() Config {
	return Config{
		ServiceName:  DefaultServiceName,
		SamplingRate: DefaultSamplingRate,
	}
}

// Enabled reports whether spans are exported.
func (c Config) Enabled() bool {
	return c.Endpoint != ""
}

// Validate checks the sampling rate.
func (c Config) Validate() error {
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be between 0 and 1, got %v", c.SamplingRate)
	}
	return nil
}

// Provider owns the tracer provider and its exporter. A nil Provider hands
// out no-op tracers.
type Provider struct {
	tracerProvider trace.TracerProvider
	propagator     propagation.TextMapPropagator
	shutdown       func(context.Context) error
}

// NewProvider creates the tracer provider for cfg.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Provider{propagator: defaultPropagator()}
	if !cfg.Enabled() {
		p.tracerProvider = tracenoop.NewTracerProvider()
		return p, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", name),
		attribute.String("service.version", versions.GetVersionInfo().Version),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	)
	p.tracerProvider = tp
	p.shutdown = tp.Shutdown

	logger.Infow("trace export enabled", "endpoint", cfg.Endpoint, "sampling_rate", cfg.SamplingRate)
	return p, nil
}

// NewProviderFrom wraps an existing tracer provider, e.g. one recording
// spans in tests. The caller keeps ownership of tp.
func NewProviderFrom(tp trace.TracerProvider) *Provider {
	return &Provider{tracerProvider: tp, propagator: defaultPropagator()}
}

func defaultPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

// TracerProvider returns the tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	if p == nil || p.tracerProvider == nil {
		return tracenoop.NewTracerProvider()
	}
	return p.tracerProvider
}

// Propagator returns the W3C trace context and baggage propagator.
func (p *Provider) Propagator() propagation.TextMapPropagator {
	if p == nil || p.propagator == nil {
		return defaultPropagator()
	}
	return p.propagator
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	if err := p.shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to shut down tracer provider: %w", err)
	}
	return nil
}
