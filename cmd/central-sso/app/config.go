// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/central-sso/pkg/sso"
)

const envPrefix = "SSO"

// loadConfig merges defaults, the --config file, SSO_* environment variables
// and bound flags, in increasing precedence.
func loadConfig(v *viper.Viper) (sso.Config, error) {
	if err := registerDefaults(v, sso.DefaultConfig()); err != nil {
		return sso.Config{}, err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return sso.Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg sso.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return sso.Config{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return cfg, nil
}

// registerDefaults makes every key of cfg known to v. AutomaticEnv only
// resolves keys viper already knows about.
func registerDefaults(v *viper.Viper, cfg sso.Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode default configuration: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("failed to decode default configuration: %w", err)
	}
	setDefaults(v, "", tree)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok && len(sub) > 0 {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}
