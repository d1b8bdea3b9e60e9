// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	ssoerrors "github.com/stacklok/central-sso/pkg/errors"
	"github.com/stacklok/central-sso/pkg/logger"
	"github.com/stacklok/central-sso/pkg/sso/signer"
)

// DefaultJWKSCacheMaxAge is how long clients may cache the key set, in seconds.
const DefaultJWKSCacheMaxAge = 3600

// Discovery is the subset of OpenID Provider Metadata the broker publishes.
type Discovery struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	RefreshEndpoint                  string   `json:"refresh_endpoint"`
	PasswordEndpoint                 string   `json:"password_endpoint,omitempty"`
	UserInfoEndpoint                 string   `json:"userinfo_endpoint"`
	EndSessionEndpoint               string   `json:"end_session_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
}

// JWKSHandler handles GET /.well-known/jwks.json.
func (h *Handler) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	set, err := h.Signer.PublicKeySet(r.Context())
	if err != nil {
		logger.Errorw("failed to get public keys", "error", err)
		writeError(w, r, ssoerrors.NewInternalError("failed to load signing keys", err))
		return
	}

	body, err := json.Marshal(set)
	if err != nil {
		logger.Errorw("failed to encode JWKS", "error", err)
		writeError(w, r, ssoerrors.NewInternalError("failed to encode key set", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultJWKSCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := w.Write(body); err != nil {
		logger.Debugw("failed to write JWKS response", "error", err)
	}
}

// DiscoveryHandler handles GET /.well-known/openid-configuration.
func (h *Handler) DiscoveryHandler(w http.ResponseWriter, r *http.Request) {
	algs, err := h.Signer.Algorithms(r.Context())
	if err != nil {
		writeError(w, r, ssoerrors.NewInternalError("failed to load signing keys", err))
		return
	}

	doc := Discovery{
		Issuer:                           h.issuer,
		AuthorizationEndpoint:            h.issuer + "/auth/login",
		TokenEndpoint:                    h.issuer + "/auth/token/exchange",
		RefreshEndpoint:                  h.issuer + "/auth/token/refresh",
		UserInfoEndpoint:                 h.issuer + "/auth/userinfo",
		EndSessionEndpoint:               h.issuer + "/auth/logout",
		JWKSURI:                          h.issuer + "/.well-known/jwks.json",
		ResponseTypesSupported:           []string{"code"},
		GrantTypesSupported:              []string{"authorization_code", "refresh_token"},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: algs,
	}
	if h.Native != nil {
		doc.PasswordEndpoint = h.issuer + "/auth/token/password"
		doc.GrantTypesSupported = append(doc.GrantTypesSupported, "password")
	}

	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultJWKSCacheMaxAge))
	writeJSON(w, http.StatusOK, doc)
}

// UserInfoHandler handles GET /auth/userinfo and returns the verified claim set.
func (h *Handler) UserInfoHandler(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, r, ssoerrors.NewAuthenticationError(ssoerrors.CodeInvalidToken, "bearer token required", nil))
		return
	}

	set, err := h.Signer.Verify(r.Context(), token)
	switch {
	case errors.Is(err, signer.ErrTokenExpired):
		writeError(w, r, ssoerrors.NewAuthenticationError(ssoerrors.CodeExpiredToken, "token expired", err))
		return
	case errors.Is(err, signer.ErrTokenInvalid):
		writeError(w, r, ssoerrors.NewAuthenticationError(ssoerrors.CodeInvalidToken, "token invalid", err))
		return
	case err != nil:
		writeError(w, r, ssoerrors.NewInternalError("failed to verify token", err))
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, set)
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
