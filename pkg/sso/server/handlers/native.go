// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/stacklok/central-sso/pkg/sso/nativeauth"
)

// SignupStartHandler handles POST /auth/signup/start.
func (h *Handler) SignupStartHandler(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.Native.Signup.Start(r.Context(), req.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SignupVerifyOTPHandler handles POST /auth/signup/verify-otp.
func (h *Handler) SignupVerifyOTPHandler(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.Native.Signup.VerifyOTP(r.Context(), req.Email, req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SignupSubmitPasswordHandler handles POST /auth/signup/submit-password.
func (h *Handler) SignupSubmitPasswordHandler(w http.ResponseWriter, r *http.Request) {
	var req signupPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.Native.Signup.SubmitPassword(r.Context(), nativeauth.SignupRequest{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		Role:        req.Role,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeTokens(w, result)
}

// SignupCompleteHandler handles POST /auth/signup/complete.
func (h *Handler) SignupCompleteHandler(w http.ResponseWriter, r *http.Request) {
	var req signupCompleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.Native.Signup.Complete(r.Context(), nativeauth.SignupRequest{
		Email:       req.Email,
		Code:        req.Code,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		Role:        req.Role,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeTokens(w, result)
}

// ResetStartHandler handles POST /auth/password-reset/start.
func (h *Handler) ResetStartHandler(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.Native.Reset.Start(r.Context(), req.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ResetVerifyOTPHandler handles POST /auth/password-reset/verify-otp.
func (h *Handler) ResetVerifyOTPHandler(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.Native.Reset.VerifyOTP(r.Context(), req.Email, req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ResetSubmitPasswordHandler handles POST /auth/password-reset/submit-password.
func (h *Handler) ResetSubmitPasswordHandler(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.Native.Reset.SubmitPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeTokens(w, result)
}
