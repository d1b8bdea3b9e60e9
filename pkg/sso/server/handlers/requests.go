// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

const (
	maxSecretLength = 256
	maxNameLength   = 256
)

type exchangeRequest struct {
	ExchangeCode string `json:"exchange_code"`
	ClientID     string `json:"client_id"`
}

// Validate implements validation.Validatable.
func (r exchangeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ExchangeCode, validation.Required),
		validation.Field(&r.ClientID, validation.Required),
	)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Validate implements validation.Validatable.
func (r refreshRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RefreshToken, validation.Required),
	)
}

type passwordRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Validate implements validation.Validatable.
func (r passwordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Username, validation.Required, validation.Length(1, maxNameLength)),
		validation.Field(&r.Password, validation.Required, validation.Length(1, maxSecretLength)),
	)
}

type emailRequest struct {
	Email string `json:"email"`
}

// Validate implements validation.Validatable.
func (r emailRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
	)
}

type otpRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// Validate implements validation.Validatable.
func (r otpRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Code, validation.Required, is.Digit, validation.Length(4, 16)),
	)
}

type signupPasswordRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// Validate implements validation.Validatable.
func (r signupPasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(1, maxSecretLength)),
		validation.Field(&r.DisplayName, validation.Length(0, maxNameLength)),
		validation.Field(&r.Role, validation.Length(0, maxNameLength)),
	)
}

type signupCompleteRequest struct {
	signupPasswordRequest
	Code string `json:"code"`
}

// Validate implements validation.Validatable.
func (r signupCompleteRequest) Validate() error {
	if err := r.signupPasswordRequest.Validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(&r,
		validation.Field(&r.Code, validation.Required, is.Digit, validation.Length(4, 16)),
	)
}

type resetPasswordRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate implements validation.Validatable.
func (r resetPasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(1, maxSecretLength)),
	)
}
