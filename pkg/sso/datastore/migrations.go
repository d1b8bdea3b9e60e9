// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var embedMigrations embed.FS

// MigrationState is the applied state of one migration.
type MigrationState struct {
	Version   int64
	Path      string
	Applied   bool
	AppliedAt time.Time
}

func newMigrationProvider(driver Driver, db *sql.DB) (*goose.Provider, error) {
	var dialect database.Dialect
	switch driver {
	case DriverSQLite:
		dialect = database.DialectSQLite3
	case DriverPostgres:
		dialect = database.DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	migrationFS, err := fs.Sub(embedMigrations, "migrations/"+string(driver))
	if err != nil {
		return nil, fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(dialect, db, migrationFS)
	if err != nil {
		return nil, fmt.Errorf("failed to create goose provider: %w", err)
	}
	return provider, nil
}

// runMigrations applies all pending migrations and returns how many ran.
func runMigrations(ctx context.Context, driver Driver, db *sql.DB) (int, error) {
	provider, err := newMigrationProvider(driver, db)
	if err != nil {
		return 0, err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return len(results), nil
}

// migrationStatus reports every known migration and whether it is applied.
func migrationStatus(ctx context.Context, driver Driver, db *sql.DB) ([]MigrationState, error) {
	provider, err := newMigrationProvider(driver, db)
	if err != nil {
		return nil, err
	}
	statuses, err := provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration status: %w", err)
	}

	states := make([]MigrationState, 0, len(statuses))
	for _, s := range statuses {
		states = append(states, MigrationState{
			Version:   s.Source.Version,
			Path:      s.Source.Path,
			Applied:   s.State == goose.StateApplied,
			AppliedAt: s.AppliedAt,
		})
	}
	return states, nil
}
