// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

// Package shutdown coordinates the teardown sequence: persist any pending
// site edits, then stop the managed backend processes. The sequence runs at
// most once no matter how many signals arrive.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tomtom215/clawgate/internal/logging"
	"github.com/tomtom215/clawgate/internal/process"
	"github.com/tomtom215/clawgate/internal/site"
)

// Coordinator runs the final persistence pass and backend teardown.
type Coordinator struct {
	sites *site.Manager
	sup   *process.Supervisor
	grace time.Duration

	once sync.Once
	exit func(int)
}

// NewCoordinator wires the pieces the drain touches. grace bounds the whole
// teardown, backends included.
func NewCoordinator(sites *site.Manager, sup *process.Supervisor, grace time.Duration) *Coordinator {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Coordinator{
		sites: sites,
		sup:   sup,
		grace: grace,
		exit:  os.Exit,
	}
}

// NotifyOnSignals installs the SIGINT/SIGTERM handler. The first signal
// cancels the supervisor tree context, which drains the listener and leads
// main into Run. A second signal hard-exits: the operator asked twice.
func (c *Coordinator) NotifyOnSignals(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()

		sig = <-sigCh
		logging.Warn().Str("signal", sig.String()).Msg("second signal, exiting immediately")
		c.exit(1)
	}()
}

// Run executes the drain: commit and push pending site edits, then stop
// every managed backend. Safe to call from multiple paths; only the first
// call does the work.
func (c *Coordinator) Run(ctx context.Context) {
	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, c.grace)
		defer cancel()

		if c.sites != nil {
			// Best effort. The site manager skips the push when the
			// working tree is clean or another push is in flight.
			c.sites.CommitAndPush(ctx)
		}

		if c.sup != nil {
			c.sup.StopAll(ctx)
		}
		logging.Info().Msg("backends stopped")
	})
}
