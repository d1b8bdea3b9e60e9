// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package datastore is the relational store of people, their application
// role assignments, and the sign-up leads and workflow steps recorded along
// the way.
package datastore

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=datastore.go Store

import (
	"context"
	"errors"
	"strings"

	"github.com/stacklok/central-sso/pkg/sso/claims"
)

// ErrNotFound is returned when no person exists for an email.
var ErrNotFound = errors.New("person not found")

// WorkflowStep is a milestone of the sign-up journey.
type WorkflowStep string

const (
	// StepVerificationSent is recorded when the sign-up OTP has been sent.
	StepVerificationSent WorkflowStep = "verification_sent"
	// StepEmailVerified is recorded when the OTP was accepted.
	StepEmailVerified WorkflowStep = "email_verified"
	// StepAccountCreated is recorded when the provider account exists.
	StepAccountCreated WorkflowStep = "account_created"
	// StepProfileProvisioned is recorded when the person row and default
	// assignment exist.
	StepProfileProvisioned WorkflowStep = "profile_provisioned"
)

// rank orders steps along the journey.
func (s WorkflowStep) rank() int {
	switch s {
	case StepVerificationSent:
		return 1
	case StepEmailVerified:
		return 2
	case StepAccountCreated:
		return 3
	case StepProfileProvisioned:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known step.
func (s WorkflowStep) Valid() bool {
	return s.rank() > 0
}

// NewPerson describes a person to provision.
type NewPerson struct {
	IDPSubject  string
	Email       string
	DisplayName string
	// RoleHint is the role the user asked for. It is recorded on the person
	// but never granted; assignments always use the configured defaults.
	RoleHint string
}

// Store is the datastore contract used by the broker.
type Store interface {
	// GetClaimsByEmail returns the person and assignments for email,
	// or ErrNotFound.
	GetClaimsByEmail(ctx context.Context, email string) (*claims.Record, error)

	// ProvisionPerson creates the person if absent and ensures the default
	// application assignment exists. It is idempotent.
	ProvisionPerson(ctx context.Context, person NewPerson) error

	// RecordLead stores a prospect captured at the start of sign-up.
	RecordLead(ctx context.Context, email, source string) error

	// RecordWorkflowStep appends a sign-up milestone for email.
	RecordWorkflowStep(ctx context.Context, email string, step WorkflowStep) error

	// LatestWorkflowStep returns the furthest milestone reached by email,
	// or ErrNotFound when none was recorded.
	LatestWorkflowStep(ctx context.Context, email string) (WorkflowStep, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// NormalizeEmail lower-cases and trims an email for use as a key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
