// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

package services

import (
	"context"
	"errors"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/clawgate/internal/backends"
	"github.com/tomtom215/clawgate/internal/logging"
)

// BackendStarter is the slice of backends.Manager the autostart needs.
type BackendStarter interface {
	EnsureGateway(ctx context.Context) error
	EnsureDashboard(ctx context.Context) error
	EnsureDevServer(ctx context.Context) error
	EnsureProdServer(ctx context.Context) error
}

// AutostartService brings the backends up once at boot so the first visitor
// does not pay the cold-start cost. Each backend is started independently
// and failures are logged rather than propagated: a backend that refuses to
// boot here will get another chance on its first request.
//
// The service runs to completion and then asks suture not to restart it.
type AutostartService struct {
	mgr     BackendStarter
	timeout time.Duration
}

// NewAutostartService wraps the backend manager. timeout bounds the whole
// autostart pass, not each backend.
func NewAutostartService(mgr BackendStarter, timeout time.Duration) *AutostartService {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &AutostartService{mgr: mgr, timeout: timeout}
}

// Serve implements suture.Service. It is a one-shot: after the pass it
// returns suture.ErrDoNotRestart so the supervisor retires it.
func (a *AutostartService) Serve(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	starters := []struct {
		id     string
		ensure func(context.Context) error
	}{
		{backends.IDGateway, a.mgr.EnsureGateway},
		{backends.IDDashboard, a.mgr.EnsureDashboard},
		{backends.IDDevServer, a.mgr.EnsureDevServer},
		{backends.IDProdServer, a.mgr.EnsureProdServer},
	}

	for _, s := range starters {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.ensure(ctx)
		switch {
		case err == nil:
			logging.Info().Str("backend", s.id).Msg("autostart: backend up")
		case errors.Is(err, backends.ErrStaticSite):
			logging.Info().Str("backend", s.id).Msg("autostart: static build, serving from disk")
		default:
			logging.Warn().Err(err).Str("backend", s.id).Msg("autostart: backend failed to start")
		}
	}

	return suture.ErrDoNotRestart
}

// String implements fmt.Stringer for suture's log messages.
func (a *AutostartService) String() string {
	return "backend-autostart"
}
