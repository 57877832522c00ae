// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

// Package backends wires the four managed services onto the generic process
// supervisor, each with its own startup sequencing: the gateway gets a
// verified config push, the dashboard a fetch-and-build plus secret-carrying
// environment, the dev server plain process supervision and the prod server
// SSR detection with dependency management and bounded restart retries.
package backends

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tomtom215/clawgate/internal/config"
	"github.com/tomtom215/clawgate/internal/logging"
	"github.com/tomtom215/clawgate/internal/process"
	"github.com/tomtom215/clawgate/internal/site"
	"github.com/tomtom215/clawgate/internal/state"
)

// Backend IDs as registered with the supervisor and reported by the status
// API. The routing package maps route targets onto these.
const (
	IDGateway    = "gateway"
	IDDashboard  = "dashboard"
	IDDevServer  = "dev-server"
	IDProdServer = "prod-server"
)

// ErrStaticSite means the production build has no SSR entry point; the site
// is served statically and no prod server runs.
var ErrStaticSite = errors.New("production build is static, no server to run")

// prodRestartRetries is how many full restart attempts EnsureProdServer makes
// after the first failure.
const prodRestartRetries = 2

// Manager owns backend-specific lifecycle sequencing on top of the
// supervisor.
type Manager struct {
	cfg   *config.Config
	rt    *state.Runtime
	sites *site.Manager
	sup   *process.Supervisor
	cli   CLIRunner
}

// NewManager builds the backend manager and registers the static backend
// specs with the supervisor.
func NewManager(cfg *config.Config, rt *state.Runtime, sites *site.Manager, sup *process.Supervisor) (*Manager, error) {
	m := &Manager{
		cfg:   cfg,
		rt:    rt,
		sites: sites,
		sup:   sup,
		cli:   execCLI(cfg.Backends.GatewayCLI),
	}

	gw := cfg.Backends.Gateway
	if err := sup.Register(process.Spec{
		ID:             IDGateway,
		Command:        gw.Command,
		Args:           gw.Args,
		Dir:            gw.Dir,
		Port:           gw.Port,
		Prepare:        m.pushGatewayConfig,
		StartupTimeout: gw.StartupTimeout,
	}); err != nil {
		return nil, err
	}

	db := cfg.Backends.Dashboard
	if err := sup.Register(process.Spec{
		ID:      IDDashboard,
		Command: db.Command,
		Args:    db.Args,
		Dir:     db.Dir,
		Port:    db.Port,
		Env: []string{
			"PORT=" + strconv.Itoa(db.Port),
			"OPENCLAW_GATEWAY_URL=http://127.0.0.1:" + strconv.Itoa(gw.Port),
			"OPENCLAW_GATEWAY_TOKEN=" + rt.GatewayToken(),
		},
		Prepare:        m.prepareDashboard,
		Ready:          httpReady(db.Port, db.HealthPath),
		StartupTimeout: db.StartupTimeout,
	}); err != nil {
		return nil, err
	}

	dev := cfg.Backends.DevServer
	if err := sup.Register(process.Spec{
		ID:      IDDevServer,
		Command: dev.Command,
		Args:    dev.Args,
		Dir:     dev.Dir,
		Port:    dev.Port,
		Env: []string{
			"HOST=127.0.0.1",
			"PORT=" + strconv.Itoa(dev.Port),
		},
		StartupTimeout: dev.StartupTimeout,
	}); err != nil {
		return nil, err
	}

	return m, nil
}

// WithCLI replaces the gateway configuration CLI. Test hook.
func (m *Manager) WithCLI(cli CLIRunner) *Manager {
	m.cli = cli
	return m
}

// Supervisor exposes the underlying supervisor for status and restarts.
func (m *Manager) Supervisor() *process.Supervisor { return m.sup }

// EnsureGateway brings the gateway up, config push included.
func (m *Manager) EnsureGateway(ctx context.Context) error {
	return m.sup.EnsureRunning(ctx, IDGateway)
}

// EnsureDashboard brings the dashboard up, fetch-and-build included.
func (m *Manager) EnsureDashboard(ctx context.Context) error {
	return m.sup.EnsureRunning(ctx, IDDashboard)
}

// EnsureDevServer brings the dev server up.
func (m *Manager) EnsureDevServer(ctx context.Context) error {
	return m.sup.EnsureRunning(ctx, IDDevServer)
}

// prepareDashboard refreshes the dashboard source before spawn.
func (m *Manager) prepareDashboard(ctx context.Context) error {
	return m.sites.FetchDashboard(ctx)
}

// EnsureProdServer runs the prod server when, and only when, the built site
// is a server-rendered bundle. A static build returns ErrStaticSite and the
// caller serves files instead. Total startup failures are retried with full
// restarts, bounded.
func (m *Manager) EnsureProdServer(ctx context.Context) error {
	entry, ok := m.sites.DetectSSREntry()
	if !ok {
		return ErrStaticSite
	}

	if err := m.sites.EnsureProdDeps(ctx); err != nil {
		return err
	}

	pc := m.cfg.Backends.ProdServer
	spec := process.Spec{
		ID:      IDProdServer,
		Command: pc.Command,
		Args:    append(append([]string{}, pc.Args...), entry),
		Dir:     m.cfg.Paths.ProdDir,
		Port:    pc.Port,
		Env: []string{
			"HOST=127.0.0.1",
			"PORT=" + strconv.Itoa(pc.Port),
		},
		Ready:          httpReady(pc.Port, "/"),
		StartupTimeout: pc.StartupTimeout,
	}
	// Re-register each time: the entry path can move across rebuilds.
	if err := m.sup.Register(spec); err != nil {
		return err
	}

	var err error
	for attempt := 0; attempt <= prodRestartRetries; attempt++ {
		if attempt > 0 {
			logging.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Msg("prod server failed to start, retrying with a full restart")
			if stopErr := m.sup.Stop(ctx, IDProdServer); stopErr != nil {
				return stopErr
			}
		}
		if err = m.sup.EnsureRunning(ctx, IDProdServer); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return fmt.Errorf("prod server failed after %d attempts: %w", prodRestartRetries+1, err)
}

// httpReady probes one HTTP path for a 2xx. With no health path configured
// the root is probed; a health path answering 404 also falls back to the
// root, for dashboard builds that predate the health endpoint.
func httpReady(port int, healthPath string) process.ReadyFunc {
	if healthPath == "" {
		healthPath = "/"
	}
	base := "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	client := &http.Client{Timeout: 2 * time.Second}

	probe := func(ctx context.Context, path string) (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			return 0, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		return resp.StatusCode, nil
	}

	return func(ctx context.Context) error {
		status, err := probe(ctx, healthPath)
		if err != nil {
			return err
		}
		if status == http.StatusNotFound && healthPath != "/" {
			status, err = probe(ctx, "/")
			if err != nil {
				return err
			}
		}
		if status >= 200 && status < 300 {
			return nil
		}
		return fmt.Errorf("health probe port %d: status %d", port, status)
	}
}
