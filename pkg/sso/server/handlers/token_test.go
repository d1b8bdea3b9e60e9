// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/central-sso/pkg/sso/nativeauth"
	"github.com/stacklok/central-sso/pkg/sso/tokens"
)

// Scenario E: a refresh token is redeemed for a new access token.
func TestRefresh(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	code := loginAndCallback(t, h)
	issued := decode[tokens.Response](t, h.post(t, "/auth/token/exchange",
		map[string]string{"exchange_code": code, "client_id": "app1"}))

	rec := h.post(t, "/auth/token/refresh", map[string]string{"refresh_token": issued.RefreshToken})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[tokens.Response](t, rec)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "Bearer", resp.TokenType)
}

func TestRefreshUnknownToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.post(t, "/auth/token/refresh", map[string]string{"refresh_token": "nope"})

	requireError(t, rec, http.StatusBadRequest, "invalid_grant")
}

func TestTokenRequestValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		body     any
		contains string
	}{
		{"exchange without code", "/auth/token/exchange", map[string]string{"client_id": "app1"}, "exchange_code"},
		{"exchange without client", "/auth/token/exchange", map[string]string{"exchange_code": "x"}, "client_id"},
		{"refresh without token", "/auth/token/refresh", map[string]string{}, "refresh_token"},
		{"password without password", "/auth/token/password", map[string]string{"username": "a@b.com"}, "password"},
		{"malformed json", "/auth/token/exchange", "{not json", "JSON"},
		{"oversized body", "/auth/token/refresh", `{"refresh_token":"` + strings.Repeat("a", maxBodyBytes) + `"}`, "JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)

			rec := h.post(t, tt.path, tt.body)

			requireError(t, rec, http.StatusBadRequest, "invalid_request")
			assert.Contains(t, decode[errorResponse](t, rec).Description, tt.contains)
		})
	}
}

func TestPasswordLogin(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.idp.
		on(nativeauth.EndpointInitiate, http.StatusOK, map[string]any{"continuation_token": "c1"}).
		on(nativeauth.EndpointChallenge, http.StatusOK, map[string]any{"continuation_token": "c2", "challenge_type": "password"}).
		on(nativeauth.EndpointToken, http.StatusOK, map[string]any{"id_token": idToken(t, "a@b.com", "Ada"), "access_token": "upstream"})

	rec := h.post(t, "/auth/token/password", map[string]string{"username": "a@b.com", "password": "hunter22"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[tokens.Response](t, rec)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEqual(t, "upstream", resp.AccessToken)

	form := h.idp.form(nativeauth.EndpointToken, 0)
	require.NotNil(t, form)
	assert.Equal(t, "native-client", form.Get("client_id"))
	assert.Equal(t, "password", form.Get("grant_type"))
	assert.Equal(t, "hunter22", form.Get("password"))

	set, err := h.handler.Signer.Verify(t.Context(), resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", set.Identity.Email)
}

func TestPasswordLoginFailureIsGeneric(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(*fakeIdP)
	}{
		{
			name: "unknown user",
			setup: func(f *fakeIdP) {
				f.on(nativeauth.EndpointInitiate, http.StatusBadRequest, map[string]any{"error": "user_not_found"})
			},
		},
		{
			name: "wrong password",
			setup: func(f *fakeIdP) {
				f.on(nativeauth.EndpointInitiate, http.StatusOK, map[string]any{"continuation_token": "c1"}).
					on(nativeauth.EndpointChallenge, http.StatusOK, map[string]any{"continuation_token": "c2", "challenge_type": "password"}).
					on(nativeauth.EndpointToken, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_codes": []int{50126}})
			},
		},
	}

	var bodies []string
	for _, tt := range tests {
		h := newHarness(t)
		tt.setup(h.idp)

		rec := h.post(t, "/auth/token/password", map[string]string{"username": "a@b.com", "password": "wrong"})

		requireError(t, rec, http.StatusUnauthorized, "invalid_grant")
		bodies = append(bodies, rec.Body.String())
	}
	assert.Equal(t, bodies[0], bodies[1], "responses must not reveal which check failed")
}

func TestPasswordLoginUpstreamUnavailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.idp.on(nativeauth.EndpointInitiate, http.StatusServiceUnavailable, map[string]any{"error": "temporarily_unavailable"})

	rec := h.post(t, "/auth/token/password", map[string]string{"username": "a@b.com", "password": "x"})

	requireError(t, rec, http.StatusServiceUnavailable, "temporarily_unavailable")
}

func TestNativeRoutesAbsentWhenDisabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withoutNative())

	for _, path := range []string{"/auth/token/password", "/auth/signup/start", "/auth/password-reset/start"} {
		rec := h.post(t, path, map[string]string{"email": "a@b.com"})
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestCredentialEndpointsAreRateLimited(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withLimiter(60))

	var last int
	for range 7 {
		last = h.post(t, "/auth/token/refresh", map[string]string{"refresh_token": "nope"}).Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)

	rec := h.post(t, "/auth/token/refresh", map[string]string{"refresh_token": "nope"})
	requireError(t, rec, http.StatusTooManyRequests, "rate_limited")

	assert.NotEqual(t, http.StatusTooManyRequests, h.get(t, "/health").Code)
}

// refreshFrom posts a refresh request from remote, forwarded for clientIP.
func refreshFrom(h *harness, remote, clientIP string) int {
	req := httptest.NewRequest(http.MethodPost, "/auth/token/refresh", strings.NewReader(`{"refresh_token":"nope"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", clientIP)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimitIgnoresForwardingHeadersFromUntrustedPeers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withLimiter(60))

	limited := 0
	for i := range 50 {
		if refreshFrom(h, "192.0.2.10:40000", fmt.Sprintf("203.0.113.%d", i+1)) == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.GreaterOrEqual(t, limited, 40, "rotating X-Forwarded-For must not grant fresh buckets")
}

func TestRateLimitHonoursTrustedProxy(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withLimiter(60), withTrustedProxies(t, "192.0.2.0/24"))

	// Each forwarded client has its own bucket.
	for i := range 20 {
		code := refreshFrom(h, "192.0.2.10:40000", fmt.Sprintf("203.0.113.%d", i+1))
		require.NotEqual(t, http.StatusTooManyRequests, code, "client %d", i)
	}

	var last int
	for range 7 {
		last = refreshFrom(h, "192.0.2.10:40000", "198.51.100.7")
	}
	assert.Equal(t, http.StatusTooManyRequests, last)

	// A peer outside the trusted range is keyed by its own address.
	for range 7 {
		last = refreshFrom(h, "10.9.9.9:5555", "198.51.100.8")
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
	assert.NotEqual(t, http.StatusTooManyRequests, refreshFrom(h, "192.0.2.10:40000", "198.51.100.8"))
}
