// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package spoke

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/stacklok/central-sso/pkg/logger"
	"github.com/stacklok/central-sso/pkg/sso/claims"
)

// ClaimsContextKey is the key used to store the claim set in the request context.
type ClaimsContextKey struct{}

// WithClaims stores set in ctx.
func WithClaims(ctx context.Context, set *claims.ClaimSet) context.Context {
	if set == nil {
		return ctx
	}
	return context.WithValue(ctx, ClaimsContextKey{}, set)
}

// ClaimsFromContext returns the claim set stored by Middleware.
func ClaimsFromContext(ctx context.Context) (*claims.ClaimSet, bool) {
	if ctx == nil {
		return nil, false
	}
	set, ok := ctx.Value(ClaimsContextKey{}).(*claims.ClaimSet)
	return set, ok
}

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// Middleware rejects requests without a valid bearer token and stores the
// verified claim set in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearer(r)
		if err == nil {
			var set *claims.ClaimSet
			set, err = v.Verify(r.Context(), token)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), set)))
				return
			}
		}

		code := "invalid_token"
		if errors.Is(err, ErrTokenExpired) {
			code = "expired_token"
		}
		logger.Debugw("bearer token rejected", "path", r.URL.Path, "error", err)
		w.Header().Set("WWW-Authenticate", `Bearer error="`+code+`"`)
		writeError(w, http.StatusUnauthorized, code, "a valid bearer token is required")
	})
}

// RequireRole allows the request only when the claim set grants role in app.
// It must run after Middleware.
func RequireRole(app, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			set, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "invalid_token", "a valid bearer token is required")
				return
			}
			if !slices.Contains(set.Apps[app].Roles, role) {
				writeError(w, http.StatusForbidden, "insufficient_role", "role "+role+" is required for "+app)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(r *http.Request) (string, error) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrNoToken
	}
	return strings.TrimSpace(token), nil
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code, Description: description})
}
