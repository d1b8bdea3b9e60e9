// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the central-sso command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/central-sso/pkg/logger"
)

// NewRootCmd creates a new root command for the central-sso CLI.
func NewRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:               "central-sso",
		DisableAutoGenTag: true,
		Short:             "Central identity broker for the portal and its spoke applications",
		Long: `central-sso brokers sign-in with Microsoft Entra ID and Google, runs the
native password, sign-up and password reset flows, and issues its own signed
access tokens that spoke applications verify against the published JWKS.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	// the logger reads debug from the global viper instance
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML configuration file")
	if err := v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd(v))
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newMigrateCmd(v))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
