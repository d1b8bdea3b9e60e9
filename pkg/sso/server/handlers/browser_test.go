// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/central-sso/pkg/sso/tokens"
)

// loginAndCallback runs the browser flow up to the redirect back to the app
// and returns the exchange code.
func loginAndCallback(t *testing.T, h *harness) string {
	t.Helper()
	state := expectEntraLogin(h.entra)

	rec := h.get(t, "/auth/login?client_id=app1&redirect_uri="+url.QueryEscape(appCallback))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	cookie := stateCookie(t, rec)

	expectExchange(h.entra, "idp-code", testUser, nil)
	rec = h.get(t, "/auth/callback?code=idp-code&state="+url.QueryEscape(*state), cookie)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "app1.example.com", loc.Host)
	require.Equal(t, *state, loc.Query().Get("state"))
	return loc.Query().Get("code")
}

func TestLoginRedirectsToProvider(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	state := expectEntraLogin(h.entra)

	rec := h.get(t, "/auth/login?client_id=app1&redirect_uri="+url.QueryEscape(appCallback))

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "https://login.example.com/authorize")

	cookie := stateCookie(t, rec)
	assert.Equal(t, *state, cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure, "issuer is https")
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, "/auth", cookie.Path)
	assert.Equal(t, 600, cookie.MaxAge)
}

func TestLoginRejectsBadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
	}{
		{"missing client_id", "redirect_uri=" + url.QueryEscape(appCallback)},
		{"missing redirect_uri", "client_id=app1"},
		{"redirect_uri not allowed", "client_id=app1&redirect_uri=" + url.QueryEscape("https://evil.example.com/cb")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)

			rec := h.get(t, "/auth/login?"+tt.query)

			requireError(t, rec, http.StatusBadRequest, "invalid_request")
			assert.Empty(t, rec.Result().Cookies())
		})
	}
}

// Scenario A and B: login, callback, exchange, replayed exchange.
func TestBrowserLoginEndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	code := loginAndCallback(t, h)
	require.NotEmpty(t, code)

	rec := h.post(t, "/auth/token/exchange", map[string]string{"exchange_code": code, "client_id": "app1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	resp := decode[tokens.Response](t, rec)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(900), resp.ExpiresIn)
	assert.NotEmpty(t, resp.RefreshToken)

	rec = h.post(t, "/auth/token/exchange", map[string]string{"exchange_code": code, "client_id": "app1"})
	requireError(t, rec, http.StatusBadRequest, "invalid_grant")
}

func TestCallbackClearsStateCookie(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	state := expectEntraLogin(h.entra)
	rec := h.get(t, "/auth/login?client_id=app1&redirect_uri="+url.QueryEscape(appCallback))
	cookie := stateCookie(t, rec)

	expectExchange(h.entra, "idp-code", testUser, nil)
	rec = h.get(t, "/auth/callback?code=idp-code&state="+url.QueryEscape(*state), cookie)

	cleared := stateCookie(t, rec)
	assert.Empty(t, cleared.Value)
	assert.Negative(t, cleared.MaxAge)
}

func TestCallbackRejectsStateMismatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	state := expectEntraLogin(h.entra)
	h.get(t, "/auth/login?client_id=app1&redirect_uri="+url.QueryEscape(appCallback))

	forged := &http.Cookie{Name: StateCookieName, Value: "attacker-state"}
	rec := h.get(t, "/auth/callback?code=idp-code&state="+url.QueryEscape(*state), forged)
	requireError(t, rec, http.StatusBadRequest, "invalid_request")

	rec = h.get(t, "/auth/callback?code=idp-code&state="+url.QueryEscape(*state))
	requireError(t, rec, http.StatusBadRequest, "invalid_request")
}

// Scenario C: the session expires between login and callback.
func TestCallbackAfterSessionExpiry(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	state := expectEntraLogin(h.entra)
	rec := h.get(t, "/auth/login?client_id=app1&redirect_uri="+url.QueryEscape(appCallback))
	cookie := stateCookie(t, rec)

	h.clock.Advance(11 * time.Minute)

	rec = h.get(t, "/auth/callback?code=idp-code&state="+url.QueryEscape(*state), cookie)
	requireError(t, rec, http.StatusBadRequest, "invalid_request")
	assert.Contains(t, decode[errorResponse](t, rec).Description, "expired")
}

func TestCallbackProviderError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	state := expectEntraLogin(h.entra)
	rec := h.get(t, "/auth/login?client_id=app1&redirect_uri="+url.QueryEscape(appCallback))
	cookie := stateCookie(t, rec)

	rec = h.get(t, "/auth/callback?error=access_denied&error_description=user+cancelled&state="+url.QueryEscape(*state), cookie)

	requireError(t, rec, http.StatusBadRequest, "access_denied")
	assert.NotContains(t, rec.Body.String(), "user cancelled")
}

func TestSecureCookieDetection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.handler.issuer = "http://localhost:8080"

	plain := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	assert.False(t, h.handler.secureCookie(plain))

	proxied := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	proxied.Header.Set("X-Forwarded-Proto", "https")
	assert.True(t, h.handler.secureCookie(proxied))

	h.handler.issuer = testIssuer
	assert.True(t, h.handler.secureCookie(plain))
}

func TestLogout(t *testing.T) {
	t.Parallel()

	t.Run("redirects to provider end session", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.entra.EXPECT().EndSessionURL(appSignout).
			Return("https://login.example.com/logout?post_logout_redirect_uri=" + url.QueryEscape(appSignout))

		rec := h.get(t, "/auth/logout?post_logout_redirect_uri="+url.QueryEscape(appSignout))

		require.Equal(t, http.StatusFound, rec.Code)
		assert.Contains(t, rec.Header().Get("Location"), "https://login.example.com/logout")
	})

	t.Run("provider without end session redirects back", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.google.EXPECT().EndSessionURL(appSignout).Return("")

		rec := h.get(t, "/auth/logout?provider=google&post_logout_redirect_uri="+url.QueryEscape(appSignout))

		require.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, appSignout, rec.Header().Get("Location"))
	})

	t.Run("rejects unknown post logout uri", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		rec := h.get(t, "/auth/logout?post_logout_redirect_uri="+url.QueryEscape("https://evil.example.com/"))

		requireError(t, rec, http.StatusBadRequest, "invalid_request")
	})
}
