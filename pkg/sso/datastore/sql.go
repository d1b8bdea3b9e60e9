// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/segmentio/ksuid"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/stacklok/central-sso/pkg/logger"
	"github.com/stacklok/central-sso/pkg/sso/claims"
)

// Driver selects the SQL backend.
type Driver string

const (
	// DriverSQLite uses the pure-Go modernc.org/sqlite driver.
	DriverSQLite Driver = "sqlite"
	// DriverPostgres uses github.com/lib/pq.
	DriverPostgres Driver = "postgres"
)

const pingTimeout = 5 * time.Second

func init() {
	// modernc registers as "sqlite", which sqlx does not know by default.
	sqlx.BindDriver(string(DriverSQLite), sqlx.QUESTION)
}

// Config configures the SQL datastore.
type Config struct {
	Driver  Driver `mapstructure:"driver" yaml:"driver"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
	Migrate bool   `mapstructure:"migrate" yaml:"migrate"`

	// MaxOpenConns caps the pool for postgres. SQLite always uses one connection.
	MaxOpenConns int `mapstructure:"max_open_conns" yaml:"max_open_conns"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("datastore driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Driver)
	}
	if c.DSN == "" {
		return errors.New("datastore dsn is required")
	}
	return nil
}

// Defaults is the application assignment granted on provisioning.
type Defaults struct {
	Application string
	Roles       []string
}

// SQLStore implements Store on a SQL database through sqlx.
type SQLStore struct {
	db       *sqlx.DB
	driver   Driver
	defaults Defaults
	now      func() time.Time
}

var _ Store = (*SQLStore)(nil)

// Open connects to the database, optionally runs migrations and returns a store.
func Open(ctx context.Context, cfg Config, defaults Defaults) (*SQLStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sqlx.Open(string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	if cfg.Driver == DriverSQLite {
		// in-memory databases are per connection
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", cfg.Driver, err)
	}

	if cfg.Driver == DriverSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	s := NewSQLStore(db, cfg.Driver, defaults)
	if cfg.Migrate {
		n, err := s.Migrate(ctx)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		logger.Infow("datastore migrations applied", "driver", cfg.Driver, "count", n)
	}
	return s, nil
}

// NewSQLStore wraps an existing connection.
func NewSQLStore(db *sqlx.DB, driver Driver, defaults Defaults) *SQLStore {
	if defaults.Application == "" {
		defaults.Application = "portal"
	}
	if len(defaults.Roles) == 0 {
		defaults.Roles = []string{"user"}
	}
	return &SQLStore{db: db, driver: driver, defaults: defaults, now: time.Now}
}

// Migrate applies pending migrations.
func (s *SQLStore) Migrate(ctx context.Context) (int, error) {
	return runMigrations(ctx, s.driver, s.db.DB)
}

// MigrationStatus reports the state of every migration.
func (s *SQLStore) MigrationStatus(ctx context.Context) ([]MigrationState, error) {
	return migrationStatus(ctx, s.driver, s.db.DB)
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping implements Store.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type personRow struct {
	ID         string `db:"id"`
	Email      string `db:"email"`
	Status     string `db:"status"`
	IDPSubject string `db:"idp_subject"`
}

// GetClaimsByEmail implements Store.
func (s *SQLStore) GetClaimsByEmail(ctx context.Context, email string) (*claims.Record, error) {
	var p personRow
	err := s.db.GetContext(ctx, &p,
		s.db.Rebind(`SELECT id, email, status, idp_subject FROM persons WHERE email = ?`),
		NormalizeEmail(email),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying person: %w", err)
	}

	var assignments []claims.Assignment
	err = s.db.SelectContext(ctx, &assignments,
		s.db.Rebind(`SELECT application, app_user_id, role FROM assignments
			WHERE person_id = ?
			ORDER BY created_at, application, role`),
		p.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying assignments: %w", err)
	}

	return &claims.Record{
		PersonID:    p.ID,
		Email:       p.Email,
		Status:      p.Status,
		IDPSubject:  p.IDPSubject,
		Assignments: assignments,
	}, nil
}

// ProvisionPerson implements Store.
func (s *SQLStore) ProvisionPerson(ctx context.Context, person NewPerson) error {
	email := NormalizeEmail(person.Email)
	if email == "" {
		return errors.New("email is required")
	}
	now := s.now().UTC()

	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO persons (id, email, display_name, idp_subject, role_hint, status, created_at, updated_at)
		VALUES (:id, :email, :display_name, :idp_subject, :role_hint, 'active', :now, :now)`,
		map[string]any{
			"id":           uuid.NewString(),
			"email":        email,
			"display_name": person.DisplayName,
			"idp_subject":  person.IDPSubject,
			"role_hint":    person.RoleHint,
			"now":          now,
		},
	)
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("inserting person: %w", err)
	}

	var personID string
	if err := s.db.GetContext(ctx, &personID,
		s.db.Rebind(`SELECT id FROM persons WHERE email = ?`), email); err != nil {
		return fmt.Errorf("looking up person: %w", err)
	}

	if person.IDPSubject != "" {
		if _, err := s.db.ExecContext(ctx,
			s.db.Rebind(`UPDATE persons SET idp_subject = ?, updated_at = ? WHERE id = ? AND idp_subject = ''`),
			person.IDPSubject, now, personID,
		); err != nil {
			return fmt.Errorf("updating person subject: %w", err)
		}
	}

	for _, role := range s.defaults.Roles {
		if _, err := s.db.ExecContext(ctx,
			s.db.Rebind(`INSERT INTO assignments (person_id, application, app_user_id, role, created_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (person_id, application, role) DO NOTHING`),
			personID, s.defaults.Application, personID, role, now,
		); err != nil {
			return fmt.Errorf("inserting assignment: %w", err)
		}
	}

	logger.Debugw("person provisioned", "person_id", personID, "application", s.defaults.Application)
	return nil
}

// RecordLead implements Store.
func (s *SQLStore) RecordLead(ctx context.Context, email, source string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO leads (id, email, source, created_at) VALUES (?, ?, ?, ?)`),
		ksuid.New().String(), NormalizeEmail(email), source, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting lead: %w", err)
	}
	return nil
}

// RecordWorkflowStep implements Store.
func (s *SQLStore) RecordWorkflowStep(ctx context.Context, email string, step WorkflowStep) error {
	if !step.Valid() {
		return fmt.Errorf("unknown workflow step %q", step)
	}
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO workflow_steps (id, email, step, created_at) VALUES (?, ?, ?, ?)`),
		ksuid.New().String(), NormalizeEmail(email), string(step), s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting workflow step: %w", err)
	}
	return nil
}

// LatestWorkflowStep implements Store.
func (s *SQLStore) LatestWorkflowStep(ctx context.Context, email string) (WorkflowStep, error) {
	var steps []WorkflowStep
	if err := s.db.SelectContext(ctx, &steps,
		s.db.Rebind(`SELECT DISTINCT step FROM workflow_steps WHERE email = ?`),
		NormalizeEmail(email),
	); err != nil {
		return "", fmt.Errorf("querying workflow steps: %w", err)
	}
	if len(steps) == 0 {
		return "", ErrNotFound
	}
	return slices.MaxFunc(steps, func(a, b WorkflowStep) int {
		return a.rank() - b.rank()
	}), nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
