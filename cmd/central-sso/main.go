// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the central-sso identity broker.
package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/stacklok/central-sso/cmd/central-sso/app"
	"github.com/stacklok/central-sso/pkg/logger"
)

func main() {
	// a missing .env is not an error
	_ = godotenv.Load()

	logger.Initialize()
	defer logger.Sync()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
