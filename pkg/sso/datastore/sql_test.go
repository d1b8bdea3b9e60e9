// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/central-sso/pkg/sso/claims"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Driver:  DriverSQLite,
		DSN:     filepath.Join(t.TempDir(), "sso.db"),
		Migrate: true,
	}, Defaults{Application: "portal", Roles: []string{"user"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"sqlite", Config{Driver: DriverSQLite, DSN: "file.db"}, false},
		{"postgres", Config{Driver: DriverPostgres, DSN: "postgres://localhost/sso"}, false},
		{"unknown driver", Config{Driver: "mysql", DSN: "x"}, true},
		{"missing dsn", Config{Driver: DriverSQLite}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMigrations(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	states, err := s.MigrationStatus(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, states)
	for _, st := range states {
		assert.True(t, st.Applied, "migration %d not applied", st.Version)
	}

	n, err := s.Migrate(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetClaimsByEmail_NotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	_, err := s.GetClaimsByEmail(context.Background(), "nobody@example.com")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProvisionPerson(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ProvisionPerson(ctx, NewPerson{
		Email:       "Ada@Example.com ",
		DisplayName: "Ada",
		RoleHint:    "admin",
	}))

	record, err := s.GetClaimsByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", record.Email)
	assert.Equal(t, "active", record.Status)
	assert.Empty(t, record.IDPSubject)
	assert.NotEmpty(t, record.PersonID)
	require.Len(t, record.Assignments, 1)
	assert.Equal(t, claims.Assignment{Application: "portal", AppUserID: record.PersonID, Role: "user"}, record.Assignments[0])

	// second provisioning fills the subject and leaves assignments alone
	require.NoError(t, s.ProvisionPerson(ctx, NewPerson{Email: "ada@example.com", IDPSubject: "idp-1"}))
	again, err := s.GetClaimsByEmail(ctx, "ADA@example.com")
	require.NoError(t, err)
	assert.Equal(t, record.PersonID, again.PersonID)
	assert.Equal(t, "idp-1", again.IDPSubject)
	assert.Len(t, again.Assignments, 1)

	// an existing subject is never overwritten
	require.NoError(t, s.ProvisionPerson(ctx, NewPerson{Email: "ada@example.com", IDPSubject: "idp-2"}))
	third, err := s.GetClaimsByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, "idp-1", third.IDPSubject)

	require.Error(t, s.ProvisionPerson(ctx, NewPerson{}))
}

func TestProvisionPerson_Concurrent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.ProvisionPerson(ctx, NewPerson{Email: "race@example.com"})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	record, err := s.GetClaimsByEmail(ctx, "race@example.com")
	require.NoError(t, err)
	assert.Len(t, record.Assignments, 1)
}

func TestClaimsAssembleFromStore(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.ProvisionPerson(ctx, NewPerson{Email: "grace@example.com", IDPSubject: "g-1"}))

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assignments (person_id, application, app_user_id, role, created_at)
		SELECT id, 'billing', 'b-42', 'admin', CURRENT_TIMESTAMP FROM persons WHERE email = 'grace@example.com'`)
	require.NoError(t, err)

	record, err := s.GetClaimsByEmail(ctx, "grace@example.com")
	require.NoError(t, err)

	set := claims.Assemble(claims.UpstreamUser{Subject: "g-1", Email: "grace@example.com"}, record, claims.DefaultFallback())
	assert.Equal(t, record.PersonID, set.Subject)
	assert.ElementsMatch(t, []string{"portal", "billing"}, set.Audience)
	assert.Equal(t, "b-42", set.Apps["billing"].UID)
	assert.Equal(t, []string{"admin"}, set.Apps["billing"].Roles)
}

func TestWorkflowSteps(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LatestWorkflowStep(ctx, "new@example.com")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RecordLead(ctx, "New@example.com", "signup"))
	require.NoError(t, s.RecordWorkflowStep(ctx, "new@example.com", StepVerificationSent))
	require.NoError(t, s.RecordWorkflowStep(ctx, "new@example.com", StepAccountCreated))
	require.NoError(t, s.RecordWorkflowStep(ctx, "new@example.com", StepEmailVerified))
	// restarting sign-up does not move the journey backwards
	require.NoError(t, s.RecordWorkflowStep(ctx, "new@example.com", StepVerificationSent))

	step, err := s.LatestWorkflowStep(ctx, "NEW@example.com")
	require.NoError(t, err)
	assert.Equal(t, StepAccountCreated, step)

	require.Error(t, s.RecordWorkflowStep(ctx, "new@example.com", WorkflowStep("bogus")))

	var leads int
	require.NoError(t, s.db.GetContext(ctx, &leads, `SELECT COUNT(*) FROM leads WHERE email = 'new@example.com'`))
	assert.Equal(t, 1, leads)
}

func TestPing(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}
