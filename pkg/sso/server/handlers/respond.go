// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation"

	ssoerrors "github.com/stacklok/central-sso/pkg/errors"
	"github.com/stacklok/central-sso/pkg/logger"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("failed to write response", "error", err)
	}
}

// writeTokens writes a credential-bearing response that must not be cached.
func writeTokens(w http.ResponseWriter, v any) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, v)
}

// writeError renders err as {error, error_description}. Causes are logged,
// never written.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := ssoerrors.HTTPStatus(err)
	code, desc := ssoerrors.Code(err)
	if status >= http.StatusInternalServerError {
		logger.Errorw("request failed", "path", r.URL.Path, "status", status, "code", code, "error", err)
	} else {
		logger.Debugw("request rejected", "path", r.URL.Path, "status", status, "code", code, "error", err)
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="`+code+`"`)
	}
	writeJSON(w, status, errorResponse{Error: code, Description: desc})
}

// decodeJSON reads a JSON body into v and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, v validation.Validatable) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return ssoerrors.NewInvalidRequestError("request body must be a JSON object", err)
	}
	if err := v.Validate(); err != nil {
		return ssoerrors.NewInvalidRequestError(err.Error(), err)
	}
	return nil
}
