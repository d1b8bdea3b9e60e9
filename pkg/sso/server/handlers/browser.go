// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"strings"

	"github.com/stacklok/central-sso/pkg/logger"
	"github.com/stacklok/central-sso/pkg/sso/redirect"
)

const (
	// StateCookieName binds the browser to the authorization session it started.
	StateCookieName = "auth_state"

	stateCookiePath = "/auth"
)

type loggedOutResponse struct {
	Status string `json:"status"`
}

// LoginHandler handles GET /auth/login.
func (h *Handler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := h.Redirect.Login(r.Context(), redirect.LoginRequest{
		ClientID:    q.Get("client_id"),
		RedirectURI: q.Get("redirect_uri"),
		Provider:    q.Get("provider"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    result.State,
		Path:     stateCookiePath,
		MaxAge:   int(h.Redirect.SessionTTL().Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie(r),
		SameSite: http.SameSiteLaxMode,
	})
	logger.Debugw("redirecting to identity provider", "provider", result.Provider, "client_id", q.Get("client_id"))
	http.Redirect(w, r, result.AuthorizationURL, http.StatusFound)
}

// CallbackHandler handles GET /auth/callback. The state cookie is cleared
// whatever the outcome.
func (h *Handler) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := redirect.CallbackRequest{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
	if c, err := r.Cookie(StateCookieName); err == nil {
		req.CookieState = c.Value
	}

	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    "",
		Path:     stateCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie(r),
		SameSite: http.SameSiteLaxMode,
	})

	target, err := h.Redirect.Callback(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// LogoutHandler handles GET /auth/logout. Without a provider end-session
// endpoint or a post-logout URI there is nowhere to go, so it answers 200.
func (h *Handler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, err := h.Redirect.LogoutURL(q.Get("provider"), q.Get("post_logout_redirect_uri"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if target == "" {
		writeJSON(w, http.StatusOK, loggedOutResponse{Status: "logged_out"})
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) secureCookie(r *http.Request) bool {
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.HasPrefix(h.issuer, "https://")
}
