// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestNewHttpClientBuilder(t *testing.T) {
	t.Parallel()

	builder := NewHttpClientBuilder()

	assert.Equal(t, HttpTimeout, builder.clientTimeout)
	assert.Equal(t, 10*time.Second, builder.tlsHandshakeTimeout)
	assert.Equal(t, 10*time.Second, builder.responseHeaderTimeout)
	assert.Empty(t, builder.caCertPath)
	assert.False(t, builder.allowPrivate)
	assert.False(t, builder.allowInsecure)
}

func TestHttpClientBuilder_WithTimeout(t *testing.T) {
	t.Parallel()

	builder := NewHttpClientBuilder().WithTimeout(2 * time.Second)
	assert.Equal(t, 2*time.Second, builder.clientTimeout)
	assert.Equal(t, 2*time.Second, builder.responseHeaderTimeout)

	builder = NewHttpClientBuilder().WithTimeout(0)
	assert.Equal(t, HttpTimeout, builder.clientTimeout)
}

func TestHttpClientBuilder_Build(t *testing.T) {
	t.Parallel()

	t.Run("rejects plain http by default", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(server.Close)

		client, err := NewHttpClientBuilder().WithPrivateIPs(true).Build()
		require.NoError(t, err)

		resp, err := client.Get(server.URL)
		if resp != nil {
			_ = resp.Body.Close()
		}
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not HTTPS scheme")
	})

	t.Run("allows plain http when enabled", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok"))
		}))
		t.Cleanup(server.Close)

		client, err := NewHttpClientBuilder().WithPrivateIPs(true).WithInsecureHTTP(true).Build()
		require.NoError(t, err)

		resp, err := client.Get(server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "ok", string(body))
	})

	t.Run("blocks loopback without private IPs", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(server.Close)

		client, err := NewHttpClientBuilder().WithInsecureHTTP(true).Build()
		require.NoError(t, err)

		resp, err := client.Get(server.URL)
		if resp != nil {
			_ = resp.Body.Close()
		}
		require.Error(t, err)
		assert.Contains(t, err.Error(), "private IP range")
	})

	t.Run("timeout is reported as transient", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			<-release
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(func() {
			close(release)
			server.Close()
		})

		client, err := NewHttpClientBuilder().
			WithPrivateIPs(true).
			WithInsecureHTTP(true).
			WithTimeout(50 * time.Millisecond).
			Build()
		require.NoError(t, err)

		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		if resp != nil {
			_ = resp.Body.Close()
		}
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("invalid CA bundle", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))

		_, err := NewHttpClientBuilder().WithCABundle(path).Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse CA certificate bundle")
	})

	t.Run("missing CA bundle", func(t *testing.T) {
		t.Parallel()

		_, err := NewHttpClientBuilder().WithCABundle(filepath.Join(t.TempDir(), "missing.pem")).Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read CA certificate bundle")
	})
}

func TestHttpClientBuilder_WithTracing(t *testing.T) {
	t.Parallel()

	traceparent := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent <- r.Header.Get("traceparent")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	client, err := NewHttpClientBuilder().
		WithPrivateIPs(true).
		WithInsecureHTTP(true).
		WithTracing(tp, propagation.TraceContext{}).
		Build()
	require.NoError(t, err)

	resp, err := client.Get(server.URL + "/oauth2/v2.0/token")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, trace.SpanKindClient, spans[0].SpanKind())
	assert.Equal(t, "GET "+server.Listener.Addr().String(), spans[0].Name())
	assert.Contains(t, <-traceparent, spans[0].SpanContext().TraceID().String())
}

func TestAddressReferencesPrivateIp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		address string
		private bool
	}{
		{"127.0.0.1:443", true},
		{"10.1.2.3:80", true},
		{"192.168.1.1:8080", true},
		{"[::1]:443", true},
		{"8.8.8.8:443", false},
		{"20.190.128.1:443", false},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			t.Parallel()
			err := AddressReferencesPrivateIp(tt.address)
			if tt.private {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
