// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

// Package main is the entry point for the Clawgate server.
//
// Clawgate wraps an OpenClaw agent deployment behind a single public HTTP
// port. It routes by hostname to three supervised child processes (the
// OpenClaw gateway, the dashboard UI, the client's site servers), injects
// gateway authentication into proxied requests, and keeps an allow-listed
// control surface (/status, /hooks/*, /metrics) reachable on every host.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: Koanf v2 layered load (defaults, YAML file, env vars)
//  2. Runtime state: gateway token resolution and domain snapshot
//  3. Site manager: git/npm sequencing for the client site and dashboard
//  4. Process supervisor: spawn, readiness, crash-restart for the backends
//  5. Proxy engine: host-routed reverse proxy with WebSocket tunneling
//  6. Router: control surface over the proxy
//  7. Supervisor tree: suture-managed HTTP listener and backend autostart
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (PORT, CLIENT_DOMAIN, GATEWAY_TOKEN, ...)
//   - Config file (CLAWGATE_CONFIG or ./clawgate.yaml)
//   - Built-in defaults
//
// # Signal Handling
//
// The server handles graceful shutdown on SIGINT and SIGTERM:
//   - Stops accepting new connections and drains in-flight requests
//   - Commits and pushes uncommitted client site edits (best effort)
//   - Stops the managed backends (SIGTERM, then SIGKILL after the grace)
//
// A second signal exits immediately without re-running the save.
//
// # Example Usage
//
// Development, everything under a temp directory:
//
//	export DATA_DIR=/tmp/clawgate
//	export PORT=8080
//	./clawgate
//
// Production behind a TLS terminator:
//
//	export CLIENT_DOMAIN=example.com
//	export GATEWAY_TOKEN=$(openssl rand -hex 32)
//	export WEBHOOK_SECRET=...
//	./clawgate
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tomtom215/clawgate/internal/api"
	"github.com/tomtom215/clawgate/internal/backends"
	"github.com/tomtom215/clawgate/internal/config"
	"github.com/tomtom215/clawgate/internal/logging"
	"github.com/tomtom215/clawgate/internal/middleware"
	"github.com/tomtom215/clawgate/internal/process"
	"github.com/tomtom215/clawgate/internal/proxy"
	"github.com/tomtom215/clawgate/internal/shutdown"
	"github.com/tomtom215/clawgate/internal/site"
	"github.com/tomtom215/clawgate/internal/state"
	"github.com/tomtom215/clawgate/internal/supervisor"
	"github.com/tomtom215/clawgate/internal/supervisor/services"
)

// latencyWindow is the per-target rolling sample count for /status latency
// reporting.
const latencyWindow = 1000

// autostartTimeout bounds the boot-time backend warm-up pass.
const autostartTimeout = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("configuration load failed")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logging.Info().
		Int("port", cfg.Server.Port).
		Str("domain", cfg.Client.Domain).
		Msg("clawgate starting")

	rt, err := state.NewRuntime(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("runtime state initialization failed")
	}
	if !rt.Configured() {
		logging.Info().Msg("no deployment config found, routing to setup")
	}

	sites := site.NewManager(cfg.Paths.SiteDir, cfg.Paths.ProdDir, cfg.Backends.Dashboard.Dir)
	sup := process.NewSupervisor(cfg.Supervisor)

	mgr, err := backends.NewManager(cfg, rt, sites, sup)
	if err != nil {
		logging.Fatal().Err(err).Msg("backend registration failed")
	}

	latency := middleware.NewLatencyMonitor(latencyWindow)
	engine := proxy.NewEngine(cfg, rt, mgr, sites, latency)
	router := api.NewRouter(cfg, rt, mgr, sites, latency, engine)

	// Read and write timeouts must outlast the longest proxied exchange;
	// agent responses stream for minutes.
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ProxyTimeout + time.Minute,
		WriteTimeout:      cfg.Server.ProxyTimeout + time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("supervisor tree construction failed")
	}
	tree.AddEdgeService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	tree.AddBackendService(services.NewAutostartService(mgr, autostartTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := shutdown.NewCoordinator(sites, sup, drainBudget(cfg))
	coordinator.NotifyOnSignals(cancel)

	logging.Info().Str("addr", server.Addr).Msg("starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor tree error")
		}
		cancel()
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor shutdown error")
		}
	}

	coordinator.Run(context.Background())

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("service failed to stop within timeout")
	}

	logging.Info().Msg("clawgate stopped")
}

// drainBudget is the total teardown allowance: the site persist plus a
// SIGTERM grace per backend, floored so slow pushes still finish.
func drainBudget(cfg *config.Config) time.Duration {
	budget := cfg.Server.ShutdownTimeout + 4*cfg.Supervisor.StopGrace
	if budget < 30*time.Second {
		budget = 30 * time.Second
	}
	return budget
}
