// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the prometheus collectors of the broker.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "central_sso"

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	tokensIssued  *prometheus.CounterVec
	grantFailures *prometheus.CounterVec
	upstreamCalls *prometheus.HistogramVec
	storeSwept    *prometheus.CounterVec
	httpRequests  *prometheus.HistogramVec
	rateLimited   prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry
// together with the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Signed access tokens issued, by flow.",
		}, []string{"flow"}),
		grantFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grant_failures_total",
			Help:      "Failed grants, by flow and wire error code.",
		}, []string{"flow", "code"}),
		upstreamCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Identity provider call latency, by operation and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		storeSwept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_swept_entries_total",
			Help:      "Expired entries removed by the sweeper, by store.",
		}, []string{"store"}),
		httpRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
	}

	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.tokensIssued,
		m.grantFailures,
		m.upstreamCalls,
		m.storeSwept,
		m.httpRequests,
		m.rateLimited,
	)
	return m
}

// Handler serves the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// TokenIssued counts an issued access token.
func (m *Metrics) TokenIssued(flow string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(flow).Inc()
}

// GrantFailed counts a failed grant.
func (m *Metrics) GrantFailed(flow, code string) {
	if m == nil {
		return
	}
	m.grantFailures.WithLabelValues(flow, code).Inc()
}

// ObserveUpstream records the latency of an identity provider call.
func (m *Metrics) ObserveUpstream(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.upstreamCalls.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
}

// Swept counts entries removed from store.
func (m *Metrics) Swept(store string, removed int) {
	if m == nil || removed <= 0 {
		return
	}
	m.storeSwept.WithLabelValues(store).Add(float64(removed))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Observe(d.Seconds())
}

// RateLimited counts a rejected request.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
