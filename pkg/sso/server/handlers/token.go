// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import "net/http"

// ExchangeHandler handles POST /auth/token/exchange.
func (h *Handler) ExchangeHandler(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := h.Tokens.Exchange(r.Context(), req.ExchangeCode, req.ClientID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeTokens(w, resp)
}

// RefreshHandler handles POST /auth/token/refresh.
func (h *Handler) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := h.Tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeTokens(w, resp)
}

// PasswordHandler handles POST /auth/token/password.
func (h *Handler) PasswordHandler(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := h.Native.Login.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeTokens(w, resp)
}
