// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/stacklok/central-sso/pkg/logger"
)

const healthCheckTimeout = 2 * time.Second

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
)

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthHandler handles GET /health.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: statusOK}
	if len(h.HealthChecks) > 0 {
		resp.Checks = make(map[string]string, len(h.HealthChecks))
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()
	for name, check := range h.HealthChecks {
		if err := check(ctx); err != nil {
			logger.Warnw("health check failed", "check", name, "error", err)
			resp.Checks[name] = err.Error()
			resp.Status = statusDegraded
			continue
		}
		resp.Checks[name] = statusOK
	}
	resp.Timestamp = h.now().UTC().Format(time.RFC3339)

	status := http.StatusOK
	if resp.Status != statusOK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, resp)
}
