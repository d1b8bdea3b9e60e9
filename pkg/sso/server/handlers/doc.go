// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides the HTTP surface of the broker.
//
// Browser flow:
//   - GET /auth/login starts a login and redirects to the identity provider.
//   - GET /auth/callback completes it and redirects to the spoke app with a
//     one-time exchange code.
//   - GET /auth/logout redirects to the provider's end-session endpoint.
//
// Token endpoints (rate limited):
//   - POST /auth/token/exchange, /auth/token/refresh, /auth/token/password
//   - POST /auth/signup/{start,verify-otp,submit-password,complete}
//   - POST /auth/password-reset/{start,verify-otp,submit-password}
//
// Discovery and operations:
//   - GET /.well-known/jwks.json, /.well-known/openid-configuration
//   - GET /auth/userinfo, /health, /metrics
//
// Every failure is rendered as {"error", "error_description"} with the
// status mapped from the error type.
package handlers
