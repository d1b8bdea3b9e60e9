// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"fmt"
	"time"
)

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory keeps entries in process memory (default, single instance only).
	TypeMemory Type = "memory"

	// TypeRedis keeps entries in Redis so several instances can share them.
	TypeRedis Type = "redis"
)

const (
	// DefaultSweepInterval is how often the background sweep runs.
	DefaultSweepInterval = 5 * time.Minute

	// DefaultSessionTTL is the lifetime of an authorization session.
	DefaultSessionTTL = 10 * time.Minute

	// DefaultExchangeCodeTTL is the lifetime of a one-time exchange code.
	DefaultExchangeCodeTTL = 5 * time.Minute

	// DefaultContinuationTTL is the lifetime of a native-auth continuation token.
	DefaultContinuationTTL = 10 * time.Minute

	// DefaultRefreshTokenTTL is the default lifetime of a refresh token.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type `mapstructure:"type" yaml:"type"`

	// SweepInterval is how often expired entries are purged.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// Redis holds connection settings used when Type is redis.
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig holds Redis connection configuration.
// Either Addr (standalone) or MasterName with SentinelAddrs (Sentinel) must be set.
type RedisConfig struct {
	Addr          string   `mapstructure:"addr" yaml:"addr"`
	MasterName    string   `mapstructure:"master_name" yaml:"master_name"`
	SentinelAddrs []string `mapstructure:"sentinel_addrs" yaml:"sentinel_addrs"`
	Username      string   `mapstructure:"username" yaml:"username"`
	Password      string   `mapstructure:"password" yaml:"password"`
	DB            int      `mapstructure:"db" yaml:"db"`

	// KeyPrefix namespaces every key, e.g. "sso:prod:".
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type:          TypeMemory,
		SweepInterval: DefaultSweepInterval,
		Redis: RedisConfig{
			KeyPrefix:    "sso:",
			DialTimeout:  DefaultDialTimeout,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
		},
	}
}

// Validate checks the configuration for the selected backend.
func (c *Config) Validate() error {
	if c.SweepInterval < 0 {
		return errors.New("sweep interval must not be negative")
	}
	switch c.Type {
	case "", TypeMemory:
		return nil
	case TypeRedis:
		return c.Redis.validate()
	default:
		return fmt.Errorf("unsupported storage type %q", c.Type)
	}
}

func (c *RedisConfig) validate() error {
	if c.Addr == "" && c.MasterName == "" {
		return errors.New("redis addr or sentinel master name is required")
	}
	if c.MasterName != "" && len(c.SentinelAddrs) == 0 {
		return errors.New("at least one sentinel address is required")
	}
	if c.KeyPrefix == "" {
		return errors.New("redis key prefix is required")
	}
	return nil
}
