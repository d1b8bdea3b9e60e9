// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/stacklok/central-sso/pkg/logger"
)

// DefaultAlgorithm is the signing algorithm used for generated keys.
const DefaultAlgorithm = "ES256"

// maxKeyObjectSize bounds how much is read from an object store key object.
const maxKeyObjectSize = 64 << 10

// KeyProvider provides signing keys for token operations.
// Implementations handle key sourcing (file, object store, generation).
type KeyProvider interface {
	// SigningKey returns the current signing key.
	SigningKey(ctx context.Context) (*SigningKeyData, error)

	// PublicKeys returns all public keys for the JWKS endpoint.
	// May return multiple keys during rotation periods.
	PublicKeys(ctx context.Context) ([]*PublicKeyData, error)
}

// SigningKeyData is a private key with its derived metadata.
type SigningKeyData struct {
	// KeyID is the unique identifier for this key (RFC 7638 thumbprint).
	KeyID string

	// Algorithm is the signing algorithm (e.g., "ES256", "RS256").
	Algorithm string

	// Key is the private key used for signing.
	Key crypto.Signer

	// CreatedAt is when this key was generated or loaded.
	CreatedAt time.Time
}

// PublicKeyData is the public half of a signing key.
type PublicKeyData struct {
	KeyID     string
	Algorithm string
	PublicKey crypto.PublicKey
	CreatedAt time.Time
}

func (k *SigningKeyData) clone() *SigningKeyData {
	c := *k
	return &c
}

func (k *SigningKeyData) public() *PublicKeyData {
	return &PublicKeyData{
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		PublicKey: k.Key.Public(),
		CreatedAt: k.CreatedAt,
	}
}

// KeyConfig selects and configures the key source.
type KeyConfig struct {
	// KeyDir is the directory containing PEM-encoded private key files.
	// All key filenames are relative to this directory.
	KeyDir string `mapstructure:"key_dir" yaml:"key_dir"`

	// SigningKeyFile is the filename of the primary signing key (relative to KeyDir).
	SigningKeyFile string `mapstructure:"key_file" yaml:"key_file"`

	// FallbackKeyFiles are published in the JWKS for verification but never used for signing.
	// Rotation: move the old key here when promoting a new SigningKeyFile, and remove it
	// after every token it signed has expired.
	FallbackKeyFiles []string `mapstructure:"fallback_key_files" yaml:"fallback_key_files"`

	// Algorithm overrides the algorithm derived from the key, or selects the
	// algorithm of a generated key.
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm"`

	// ObjectStore loads keys from an S3-compatible bucket instead of KeyDir.
	ObjectStore ObjectStoreConfig `mapstructure:"object_store" yaml:"object_store"`
}

// ObjectStoreConfig locates signing keys in an S3-compatible object store.
type ObjectStoreConfig struct {
	Endpoint         string   `mapstructure:"endpoint" yaml:"endpoint"`
	Bucket           string   `mapstructure:"bucket" yaml:"bucket"`
	SigningKeyObject string   `mapstructure:"key_object" yaml:"key_object"`
	FallbackObjects  []string `mapstructure:"fallback_objects" yaml:"fallback_objects"`
	AccessKey        string   `mapstructure:"access_key" yaml:"access_key"`
	SecretKey        string   `mapstructure:"secret_key" yaml:"secret_key"`
	Region           string   `mapstructure:"region" yaml:"region"`
	UseSSL           bool     `mapstructure:"use_ssl" yaml:"use_ssl"`
}

func (c ObjectStoreConfig) enabled() bool {
	return c.Endpoint != ""
}

// NewProviderFromConfig builds the configured provider.
// With neither KeyDir nor an object store an ephemeral key is generated.
func NewProviderFromConfig(ctx context.Context, cfg KeyConfig) (KeyProvider, error) {
	switch {
	case cfg.ObjectStore.enabled():
		return NewObjectStoreProvider(ctx, cfg.ObjectStore, cfg.Algorithm)
	case cfg.KeyDir != "" || cfg.SigningKeyFile != "":
		return NewFileProvider(cfg)
	default:
		return NewGeneratingProvider(cfg.Algorithm), nil
	}
}

// staticProvider serves keys loaded once at construction time.
type staticProvider struct {
	signingKey *SigningKeyData
	allKeys    []*SigningKeyData
}

// SigningKey returns a copy of the primary signing key.
func (p *staticProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	return p.signingKey.clone(), nil
}

// PublicKeys returns public keys for the signing key and every fallback key.
func (p *staticProvider) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	pubKeys := make([]*PublicKeyData, 0, len(p.allKeys))
	for _, key := range p.allKeys {
		pubKeys = append(pubKeys, key.public())
	}
	return pubKeys, nil
}

func newStaticProvider(primary []byte, fallbacks [][]byte, algorithm string) (*staticProvider, error) {
	signingKey, err := keyFromPEM(primary, algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	allKeys := []*SigningKeyData{signingKey}
	for i, data := range fallbacks {
		key, err := keyFromPEM(data, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %d: %w", i, err)
		}
		allKeys = append(allKeys, key)
	}
	return &staticProvider{signingKey: signingKey, allKeys: allKeys}, nil
}

func keyFromPEM(data []byte, algorithm string) (*SigningKeyData, error) {
	key, err := ParseSigningKey(data)
	if err != nil {
		return nil, err
	}
	params, err := DeriveSigningKeyParams(key, "", algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key parameters: %w", err)
	}
	return &SigningKeyData{
		KeyID:     params.KeyID,
		Algorithm: params.Algorithm,
		Key:       params.Key,
		CreatedAt: time.Now(),
	}, nil
}

// FileProvider loads signing keys from PEM files.
// Keys are loaded once at construction time; changes require restart.
type FileProvider struct {
	*staticProvider
}

// NewFileProvider creates a provider that loads keys from cfg.KeyDir.
func NewFileProvider(cfg KeyConfig) (*FileProvider, error) {
	if cfg.SigningKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}

	primary, err := readKeyFile(filepath.Join(cfg.KeyDir, cfg.SigningKeyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	fallbacks := make([][]byte, 0, len(cfg.FallbackKeyFiles))
	for _, filename := range cfg.FallbackKeyFiles {
		data, err := readKeyFile(filepath.Join(cfg.KeyDir, filename))
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", filename, err)
		}
		fallbacks = append(fallbacks, data)
	}

	p, err := newStaticProvider(primary, fallbacks, cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	return &FileProvider{staticProvider: p}, nil
}

// ObjectStoreProvider loads signing keys from an S3-compatible bucket.
// Keys are fetched once at construction time.
type ObjectStoreProvider struct {
	*staticProvider
}

// NewObjectStoreProvider fetches the configured key objects with minio.
func NewObjectStoreProvider(ctx context.Context, cfg ObjectStoreConfig, algorithm string) (*ObjectStoreProvider, error) {
	if cfg.Bucket == "" || cfg.SigningKeyObject == "" {
		return nil, errors.New("object store bucket and key object are required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	primary, err := fetchObject(ctx, client, cfg.Bucket, cfg.SigningKeyObject)
	if err != nil {
		return nil, err
	}

	fallbacks := make([][]byte, 0, len(cfg.FallbackObjects))
	for _, name := range cfg.FallbackObjects {
		data, err := fetchObject(ctx, client, cfg.Bucket, name)
		if err != nil {
			return nil, err
		}
		fallbacks = append(fallbacks, data)
	}

	p, err := newStaticProvider(primary, fallbacks, algorithm)
	if err != nil {
		return nil, err
	}
	logger.Infow("loaded signing keys from object store",
		"bucket", cfg.Bucket, "key_id", p.signingKey.KeyID, "fallback_keys", len(fallbacks))
	return &ObjectStoreProvider{staticProvider: p}, nil
}

func fetchObject(ctx context.Context, client *minio.Client, bucket, name string) ([]byte, error) {
	object, err := client.GetObject(ctx, bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get key object %s: %w", name, err)
	}
	defer object.Close()

	data, err := io.ReadAll(io.LimitReader(object, maxKeyObjectSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read key object %s: %w", name, err)
	}
	return data, nil
}

// GeneratingProvider generates an ephemeral key on first access.
// Generated keys are lost on restart, invalidating all issued tokens.
type GeneratingProvider struct {
	algorithm string
	mu        sync.Mutex
	key       *SigningKeyData
}

// NewGeneratingProvider creates a provider that generates an ephemeral key.
// If algorithm is empty, DefaultAlgorithm (ES256) is used.
func NewGeneratingProvider(algorithm string) *GeneratingProvider {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	return &GeneratingProvider{algorithm: algorithm}
}

// SigningKey returns the signing key, generating one if needed.
func (p *GeneratingProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key == nil {
		privateKey, err := GeneratePrivateKey(p.algorithm)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		keyID, err := DeriveKeyID(privateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key ID: %w", err)
		}
		p.key = &SigningKeyData{
			KeyID:     keyID,
			Algorithm: p.algorithm,
			Key:       privateKey,
			CreatedAt: time.Now(),
		}
		logger.Warnw("generated ephemeral signing key - tokens will be invalid after restart",
			"algorithm", p.key.Algorithm,
			"key_id", p.key.KeyID,
		)
	}
	return p.key.clone(), nil
}

// PublicKeys returns the public key for JWKS, generating the key if needed.
func (p *GeneratingProvider) PublicKeys(ctx context.Context) ([]*PublicKeyData, error) {
	key, err := p.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	return []*PublicKeyData{key.public()}, nil
}

func readKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is provided by operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return data, nil
}

// Compile-time interface checks.
var (
	_ KeyProvider = (*FileProvider)(nil)
	_ KeyProvider = (*ObjectStoreProvider)(nil)
	_ KeyProvider = (*GeneratingProvider)(nil)
)
