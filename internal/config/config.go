// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

// Package config defines Clawgate's layered configuration: struct defaults,
// an optional YAML file, and environment variable overrides (highest
// priority), loaded through Koanf v2.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the whole deployment wrapper.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Client     ClientConfig     `koanf:"client"`
	Paths      PathsConfig      `koanf:"paths"`
	Backends   BackendsConfig   `koanf:"backends"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
	Hooks      HooksConfig      `koanf:"hooks"`
	Security   SecurityConfig   `koanf:"security"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig configures the single public HTTP listener.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port" validate:"min=1,max=65535"`

	// ProxyTimeout bounds a single forwarded request/response exchange.
	// Agent responses stream tokens for minutes; keep this at 5 minutes or
	// more or long exchanges get cut mid-stream.
	ProxyTimeout time.Duration `koanf:"proxy_timeout"`

	// ShutdownTimeout is the grace period for draining in-flight requests.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ClientConfig describes the client's apex domain and the reserved
// subdomains/path prefixes routed on top of it.
type ClientConfig struct {
	// Domain is the apex domain (e.g. "example.com"). Empty until the setup
	// wizard writes it; routing falls back to the gateway surface.
	Domain string `koanf:"domain" validate:"omitempty,fqdn"`

	// DevSubdomain and DashboardSubdomain are prepended to Domain.
	DevSubdomain       string `koanf:"dev_subdomain"`
	DashboardSubdomain string `koanf:"dashboard_subdomain"`

	// GatewayPathPrefix routes dashboard-host paths to the gateway instead.
	GatewayPathPrefix string `koanf:"gateway_path_prefix" validate:"startswith=/"`
}

// PathsConfig locates the persisted artifacts the core reads.
type PathsConfig struct {
	// DataDir is the root for all persisted state.
	DataDir string `koanf:"data_dir" validate:"required"`

	// ConfigFile is the setup wizard's artifact; its existence means the
	// deployment is configured.
	ConfigFile string `koanf:"config_file"`

	// TokenFile persists the generated gateway auth token across restarts.
	TokenFile string `koanf:"token_file"`

	// SiteDir is the dev site working tree; ProdDir holds the production
	// build output (or SSR bundle).
	SiteDir string `koanf:"site_dir"`
	ProdDir string `koanf:"prod_dir"`
}

// BackendConfig describes one managed backend process.
type BackendConfig struct {
	Port    int      `koanf:"port" validate:"min=1,max=65535"`
	Command string   `koanf:"command" validate:"required"`
	Args    []string `koanf:"args"`
	Dir     string   `koanf:"dir"`

	// HealthPath is probed for readiness; empty means "/" fallback or
	// process-presence readiness depending on the backend.
	HealthPath string `koanf:"health_path"`

	// StartupTimeout overrides the supervisor default for this backend.
	StartupTimeout time.Duration `koanf:"startup_timeout"`
}

// BackendsConfig holds the four managed backends.
type BackendsConfig struct {
	Gateway    BackendConfig `koanf:"gateway"`
	Dashboard  BackendConfig `koanf:"dashboard"`
	DevServer  BackendConfig `koanf:"dev_server"`
	ProdServer BackendConfig `koanf:"prod_server"`

	// GatewayCLI is the configuration CLI used to push settings into the
	// gateway's persisted config before it starts.
	GatewayCLI string `koanf:"gateway_cli" validate:"required"`

	// GatewayToken overrides token resolution (env > token file > generate).
	GatewayToken string `koanf:"gateway_token"`
}

// SupervisorConfig tunes spawn, readiness and crash-restart behavior.
type SupervisorConfig struct {
	// ReadyTimeout bounds the readiness poll during EnsureRunning.
	ReadyTimeout time.Duration `koanf:"ready_timeout"`

	// StopGrace is how long Stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration `koanf:"stop_grace"`

	// SettleDelay sits between stop and start during Restart so the OS can
	// release the bound port.
	SettleDelay time.Duration `koanf:"settle_delay"`

	// CrashCeiling is the maximum automatic restarts within CrashWindow.
	CrashCeiling int           `koanf:"crash_ceiling" validate:"min=1"`
	CrashWindow  time.Duration `koanf:"crash_window"`

	// BackoffBase and BackoffCap shape the exponential restart delay.
	BackoffBase time.Duration `koanf:"backoff_base"`
	BackoffCap  time.Duration `koanf:"backoff_cap"`
}

// HooksConfig configures the allow-listed control endpoints.
type HooksConfig struct {
	// WebhookSecret, when set, requires an HMAC-SHA256 signature on
	// POST /hooks/github payloads.
	WebhookSecret string `koanf:"webhook_secret"`
}

// SecurityConfig configures rate limiting and CORS on the control surface.
type SecurityConfig struct {
	RateLimitReqs     int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	CORSOrigins       []string      `koanf:"cors_origins"`
}

// LoggingConfig configures the zerolog global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all sensible default values.
// Defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ProxyTimeout:    10 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Client: ClientConfig{
			Domain:             "",
			DevSubdomain:       "dev",
			DashboardSubdomain: "gerald",
			GatewayPathPrefix:  "/openclaw",
		},
		Paths: PathsConfig{
			DataDir:    "/data",
			ConfigFile: "/data/clawgate.json",
			TokenFile:  "/data/gateway-token",
			SiteDir:    "/data/site",
			ProdDir:    "/data/site/dist",
		},
		Backends: BackendsConfig{
			Gateway: BackendConfig{
				Port:           18789,
				Command:        "openclaw",
				Args:           []string{"gateway", "run"},
				StartupTimeout: 300 * time.Second,
			},
			Dashboard: BackendConfig{
				Port:           3100,
				Command:        "npm",
				Args:           []string{"run", "start"},
				Dir:            "/data/dashboard",
				HealthPath:     "/api/health",
				StartupTimeout: 300 * time.Second,
			},
			DevServer: BackendConfig{
				Port:           4321,
				Command:        "npm",
				Args:           []string{"run", "dev"},
				Dir:            "/data/site",
				StartupTimeout: 300 * time.Second,
			},
			ProdServer: BackendConfig{
				Port:           4322,
				Command:        "node",
				Args:           nil, // entry point detected at start time
				Dir:            "/data/site",
				StartupTimeout: 30 * time.Second,
			},
			GatewayCLI:   "openclaw",
			GatewayToken: "",
		},
		Supervisor: SupervisorConfig{
			ReadyTimeout: 300 * time.Second,
			StopGrace:    3 * time.Second,
			SettleDelay:  time.Second,
			CrashCeiling: 5,
			CrashWindow:  5 * time.Minute,
			BackoffBase:  2 * time.Second,
			BackoffCap:   30 * time.Second,
		},
		Hooks: HooksConfig{
			WebhookSecret: "",
		},
		Security: SecurityConfig{
			RateLimitReqs:     100,
			RateLimitWindow:   time.Minute,
			RateLimitDisabled: false,
			CORSOrigins:       []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks the configuration for internal consistency.
// Struct-tag rules run first (go-playground/validator), then the
// cross-field rules tags cannot express.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	// All five listeners share one machine; ports must not collide.
	ports := map[int]string{c.Server.Port: "server"}
	backends := map[string]int{
		"gateway":     c.Backends.Gateway.Port,
		"dashboard":   c.Backends.Dashboard.Port,
		"dev-server":  c.Backends.DevServer.Port,
		"prod-server": c.Backends.ProdServer.Port,
	}
	for name, port := range backends {
		if other, taken := ports[port]; taken {
			return fmt.Errorf("config validation: %s and %s share port %d", name, other, port)
		}
		ports[port] = name
	}

	if c.Supervisor.BackoffBase > c.Supervisor.BackoffCap {
		return fmt.Errorf("config validation: backoff_base %s exceeds backoff_cap %s",
			c.Supervisor.BackoffBase, c.Supervisor.BackoffCap)
	}
	if c.Supervisor.CrashWindow <= 0 {
		return fmt.Errorf("config validation: crash_window must be positive")
	}

	return nil
}
