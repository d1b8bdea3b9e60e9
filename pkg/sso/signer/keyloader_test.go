// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSigningKey(t *testing.T) {
	t.Parallel()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	ecDER, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)

	pkcs8 := func(t *testing.T, key any) []byte {
		t.Helper()
		der, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)
		return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	}

	tests := []struct {
		name    string
		pem     []byte
		wantAlg string
	}{
		{"rsa pkcs1", pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)}), "RS256"},
		{"rsa pkcs8", pkcs8(t, rsaKey), "RS256"},
		{"ec sec1", pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: ecDER}), "ES256"},
		{"ec pkcs8", pkcs8(t, ecKey), "ES256"},
		{"ed25519 pkcs8", pkcs8(t, edKey), "EdDSA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			key, err := ParseSigningKey(tt.pem)
			require.NoError(t, err)

			alg, err := DeriveAlgorithm(key)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAlg, alg)
		})
	}

	t.Run("not pem", func(t *testing.T) {
		t.Parallel()
		_, err := ParseSigningKey([]byte("garbage"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decode PEM block")
	})

	t.Run("pem of wrong content", func(t *testing.T) {
		t.Parallel()
		_, err := ParseSigningKey(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte("nope")}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse signing key")
	})
}

func TestLoadSigningKey(t *testing.T) {
	t.Parallel()

	key, err := GeneratePrivateKey("ES384")
	require.NoError(t, err)
	data, err := EncodePrivateKeyPEM(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "signing.pem")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := LoadSigningKey(path)
	require.NoError(t, err)
	alg, err := DeriveAlgorithm(loaded)
	require.NoError(t, err)
	assert.Equal(t, "ES384", alg)

	_, err = LoadSigningKey(filepath.Join(t.TempDir(), "missing.pem"))
	require.Error(t, err)
}

func TestGeneratePrivateKey(t *testing.T) {
	t.Parallel()

	for _, alg := range []string{"ES256", "ES384", "ES512", "RS256", "EdDSA"} {
		t.Run(alg, func(t *testing.T) {
			t.Parallel()

			key, err := GeneratePrivateKey(alg)
			require.NoError(t, err)
			assert.NoError(t, ValidateAlgorithmForKey(alg, key))
		})
	}

	_, err := GeneratePrivateKey("HS256")
	require.Error(t, err)
}

func TestDeriveKeyID(t *testing.T) {
	t.Parallel()

	key, err := GeneratePrivateKey("ES256")
	require.NoError(t, err)
	other, err := GeneratePrivateKey("ES256")
	require.NoError(t, err)

	first, err := DeriveKeyID(key)
	require.NoError(t, err)
	second, err := DeriveKeyID(key)
	require.NoError(t, err)
	third, err := DeriveKeyID(other)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, third)
	assert.NotContains(t, first, "=")
}

func TestDeriveSigningKeyParams(t *testing.T) {
	t.Parallel()

	ecKey, err := GeneratePrivateKey("ES256")
	require.NoError(t, err)

	params, err := DeriveSigningKeyParams(ecKey, "", "")
	require.NoError(t, err)
	assert.Equal(t, "ES256", params.Algorithm)
	assert.NotEmpty(t, params.KeyID)

	params, err = DeriveSigningKeyParams(ecKey, "custom", "ES256")
	require.NoError(t, err)
	assert.Equal(t, "custom", params.KeyID)

	_, err = DeriveSigningKeyParams(ecKey, "", "RS256")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not compatible with EC key")
}
