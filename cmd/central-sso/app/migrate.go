// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/central-sso/pkg/logger"
	"github.com/stacklok/central-sso/pkg/sso/datastore"
)

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the datastore schema",
		Long:  "Apply or inspect the schema migrations of the database configured under datastore.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return migrateUp(cmd.Context(), cmd.OutOrStdout(), v)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show which migrations are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return migrateStatus(cmd.Context(), cmd.OutOrStdout(), v)
		},
	})
	return cmd
}

func openDatastore(ctx context.Context, v *viper.Viper) (*datastore.SQLStore, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, err
	}
	if cfg.Datastore.DSN == "" {
		return nil, errors.New("datastore.dsn is required")
	}

	dc := cfg.Datastore
	dc.Migrate = false
	return datastore.Open(ctx, dc, datastore.Defaults{
		Application: cfg.Defaults.Application,
		Roles:       cfg.Defaults.Roles,
	})
}

func closeDatastore(store *datastore.SQLStore) {
	if err := store.Close(); err != nil {
		logger.Warnw("failed to close datastore", "error", err)
	}
}

func migrateUp(ctx context.Context, w io.Writer, v *viper.Viper) error {
	store, err := openDatastore(ctx, v)
	if err != nil {
		return err
	}
	defer closeDatastore(store)

	n, err := store.Migrate(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "Applied %d migration(s)\n", n)
	return nil
}

func migrateStatus(ctx context.Context, w io.Writer, v *viper.Viper) error {
	store, err := openDatastore(ctx, v)
	if err != nil {
		return err
	}
	defer closeDatastore(store)

	states, err := store.MigrationStatus(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Options(tablewriter.WithHeader([]string{"Version", "Migration", "Applied", "Applied At"}))
	for _, s := range states {
		appliedAt := "-"
		if s.Applied {
			appliedAt = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
		}
		if err := table.Append([]string{
			strconv.FormatInt(s.Version, 10),
			s.Path,
			strconv.FormatBool(s.Applied),
			appliedAt,
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
