// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order
// of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"clawgate.yaml",
	"clawgate.yml",
	"/etc/clawgate/config.yaml",
	"/etc/clawgate/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CLAWGATE_CONFIG"

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if one exists)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file (optional)
	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths defines which config paths are parsed as comma-separated
// slices when they arrive through the environment.
var sliceConfigPaths = []string{
	"security.cors_origins",
	"backends.gateway.args",
	"backends.dashboard.args",
	"backends.dev_server.args",
	"backends.prod_server.args",
}

// processSliceFields converts comma-separated string values to slices for
// known slice fields. Env vars come in as strings, the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// Already a slice (from the YAML file): nothing to do.
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables return "" and are skipped, preventing random environment
// variables from polluting the configuration.
//
// Examples:
//   - PORT -> server.port
//   - CLIENT_DOMAIN -> client.domain
//   - GATEWAY_TOKEN -> backends.gateway_token
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Public listener
		"port":             "server.port",
		"host":             "server.host",
		"proxy_timeout":    "server.proxy_timeout",
		"shutdown_timeout": "server.shutdown_timeout",

		// Client domain routing
		"client_domain":       "client.domain",
		"dev_subdomain":       "client.dev_subdomain",
		"dashboard_subdomain": "client.dashboard_subdomain",
		"gateway_path_prefix": "client.gateway_path_prefix",

		// Persisted state locations
		"data_dir":    "paths.data_dir",
		"config_file": "paths.config_file",
		"token_file":  "paths.token_file",
		"site_dir":    "paths.site_dir",
		"prod_dir":    "paths.prod_dir",

		// Gateway backend
		"gateway_port":    "backends.gateway.port",
		"gateway_command": "backends.gateway.command",
		"gateway_args":    "backends.gateway.args",
		"gateway_cli":     "backends.gateway_cli",
		"gateway_token":   "backends.gateway_token",

		// Dashboard backend
		"dashboard_port":        "backends.dashboard.port",
		"dashboard_command":     "backends.dashboard.command",
		"dashboard_args":        "backends.dashboard.args",
		"dashboard_dir":         "backends.dashboard.dir",
		"dashboard_health_path": "backends.dashboard.health_path",

		// Dev / prod site servers
		"dev_server_port":     "backends.dev_server.port",
		"dev_server_command":  "backends.dev_server.command",
		"dev_server_args":     "backends.dev_server.args",
		"prod_server_port":    "backends.prod_server.port",
		"prod_server_command": "backends.prod_server.command",

		// Supervisor tuning
		"ready_timeout": "supervisor.ready_timeout",
		"stop_grace":    "supervisor.stop_grace",
		"settle_delay":  "supervisor.settle_delay",
		"crash_ceiling": "supervisor.crash_ceiling",
		"crash_window":  "supervisor.crash_window",
		"backoff_base":  "supervisor.backoff_base",
		"backoff_cap":   "supervisor.backoff_cap",

		// Control surface
		"webhook_secret":      "hooks.webhook_secret",
		"rate_limit_requests": "security.rate_limit_reqs",
		"rate_limit_window":   "security.rate_limit_window",
		"disable_rate_limit":  "security.rate_limit_disabled",
		"cors_origins":        "security.cors_origins",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
