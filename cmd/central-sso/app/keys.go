// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/stacklok/central-sso/pkg/sso/signer"
)

var keyAlgorithms = []string{"ES256", "RS256"}

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage token signing keys",
	}
	cmd.AddCommand(newKeysGenerateCmd())
	return cmd
}

func newKeysGenerateCmd() *cobra.Command {
	var (
		algorithm string
		out       string
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new signing key",
		Long: `Generate a new PEM encoded signing key.

To rotate keys, point signing.key_file at the new key and move the old key
to signing.fallback_key_files until every token it signed has expired.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return generateKey(cmd.OutOrStdout(), algorithm, out, force)
		},
	}

	cmd.Flags().StringVar(&algorithm, "algorithm", signer.DefaultAlgorithm, "Signing algorithm (ES256 or RS256)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Path to write the private key to")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func generateKey(w io.Writer, algorithm, path string, force bool) (err error) {
	if path == "" {
		return errors.New("output path is required")
	}
	if !slices.Contains(keyAlgorithms, algorithm) {
		return fmt.Errorf("unsupported algorithm %q, use one of %v", algorithm, keyAlgorithms)
	}

	key, err := signer.GeneratePrivateKey(algorithm)
	if err != nil {
		return err
	}
	keyPEM, err := signer.EncodePrivateKeyPEM(key)
	if err != nil {
		return err
	}
	keyID, err := signer.DeriveKeyID(key)
	if err != nil {
		return err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600) // #nosec G304 - path is provided by the operator
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close key file: %w", cerr)
		}
	}()
	if _, err := f.Write(keyPEM); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	_, _ = fmt.Fprintf(w, "Wrote %s signing key %s to %s\n", algorithm, keyID, path)
	return nil
}
