// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

// Package state holds the shared runtime state every component receives by
// injection: the resolved gateway auth token, the configured-deployment flag
// and the client domain snapshot used by host routing. Nothing here is a
// package-level singleton; construct one Runtime in main and pass it down.
package state

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tomtom215/clawgate/internal/config"
	"github.com/tomtom215/clawgate/internal/logging"
)

// tokenBytes is the entropy of a generated gateway token (hex doubles it).
const tokenBytes = 32

// Runtime is the process-wide mutable state shared across components.
type Runtime struct {
	cfg *config.Config

	mu           sync.RWMutex
	gatewayToken string
}

// NewRuntime builds the runtime state and resolves the gateway auth token.
//
// Token resolution order:
//  1. explicit configuration (backends.gateway_token / GATEWAY_TOKEN env)
//  2. the persisted token file from a previous run
//  3. a freshly generated token, persisted for future runs
func NewRuntime(cfg *config.Config) (*Runtime, error) {
	r := &Runtime{cfg: cfg}

	token, err := r.resolveToken()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve gateway token: %w", err)
	}
	r.gatewayToken = token

	return r, nil
}

func (r *Runtime) resolveToken() (string, error) {
	if t := strings.TrimSpace(r.cfg.Backends.GatewayToken); t != "" {
		logging.Debug().Msg("gateway token taken from configuration")
		return t, nil
	}

	path := r.cfg.Paths.TokenFile
	if data, err := os.ReadFile(path); err == nil {
		if t := strings.TrimSpace(string(data)); t != "" {
			logging.Debug().Str("path", path).Msg("gateway token loaded from token file")
			return t, nil
		}
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}

	// Persist so restarts keep the same credential. Failure to persist is
	// not fatal; the deployment still works until the next restart.
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("cannot create token directory, token will not survive restarts")
		return token, nil
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("cannot persist gateway token, token will not survive restarts")
		return token, nil
	}
	logging.Info().Str("path", path).Msg("generated new gateway token")
	return token, nil
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// GatewayToken returns the resolved gateway auth token.
func (r *Runtime) GatewayToken() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gatewayToken
}

// Configured reports whether the setup wizard has completed. The wizard's
// artifact is the persisted config file; its existence is the flag.
func (r *Runtime) Configured() bool {
	if r.cfg.Paths.ConfigFile == "" {
		return false
	}
	_, err := os.Stat(r.cfg.Paths.ConfigFile)
	return err == nil
}

// DomainSnapshot is the immutable view of the client domain layout that host
// routing evaluates per request.
type DomainSnapshot struct {
	// Apex is the client's apex domain, empty when unconfigured.
	Apex string

	// DevHost and DashboardHost are the fully expanded reserved hosts.
	DevHost       string
	DashboardHost string

	// GatewayPathPrefix diverts dashboard-host paths to the gateway.
	GatewayPathPrefix string
}

// Domains returns the current domain snapshot. With no apex configured the
// reserved hosts are empty and routing falls through to the gateway.
func (r *Runtime) Domains() DomainSnapshot {
	apex := strings.ToLower(strings.TrimSpace(r.cfg.Client.Domain))
	snap := DomainSnapshot{
		Apex:              apex,
		GatewayPathPrefix: r.cfg.Client.GatewayPathPrefix,
	}
	if apex == "" {
		return snap
	}
	snap.DevHost = r.cfg.Client.DevSubdomain + "." + apex
	snap.DashboardHost = r.cfg.Client.DashboardSubdomain + "." + apex
	return snap
}
