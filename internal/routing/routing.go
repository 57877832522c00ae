// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

// Package routing resolves which backend a request belongs to. Resolve is a
// pure function of the request's host and path plus the injected snapshot,
// so identical inputs always produce the identical target.
package routing

import (
	"net"
	"strings"

	"github.com/tomtom215/clawgate/internal/state"
)

// Target identifies where a request is forwarded or served.
type Target int

const (
	// TargetGateway is the agent runtime's own HTTP surface, also the
	// setup/admin surface on a bare deployment.
	TargetGateway Target = iota

	// TargetDashboard is the management UI with its own session auth.
	TargetDashboard

	// TargetDevSite is the live dev server, with static fallback when it
	// is down.
	TargetDevSite

	// TargetProdSite is the production site: the SSR server when one
	// exists, static files otherwise.
	TargetProdSite

	// TargetSetupRedirect sends the client to the setup wizard; the
	// deployment is not configured yet.
	TargetSetupRedirect
)

// String returns the route tag used in logs and metrics.
func (t Target) String() string {
	switch t {
	case TargetGateway:
		return "gateway"
	case TargetDashboard:
		return "dashboard"
	case TargetDevSite:
		return "dev-server"
	case TargetProdSite:
		return "prod-server"
	case TargetSetupRedirect:
		return "setup-redirect"
	default:
		return "unknown"
	}
}

// SetupPrefix is the path namespace of the setup wizard; requests under it
// are never redirected back to it.
const SetupPrefix = "/setup"

// controlPaths bypass hostname routing entirely, configured or not. Webhooks
// and health checks must work even mid-misconfiguration.
var controlPaths = map[string]bool{
	"/status":        true,
	"/metrics":       true,
	"/hooks/github":  true,
	"/hooks/rebuild": true,
}

// IsControlPath reports whether the path belongs to the allow-listed control
// surface. Control paths take priority over every hostname rule.
func IsControlPath(path string) bool {
	if controlPaths[path] {
		return true
	}
	return strings.HasPrefix(path, "/status/")
}

// Resolve maps a request onto its backend target.
//
// Order: control allow-list, unconfigured redirect, apex/www to production,
// dev host, dashboard host (with the gateway path prefix carve-out), then
// the gateway as the catch-all.
func Resolve(host, path string, configured bool, snap state.DomainSnapshot) Target {
	host = normalizeHost(host)

	// Control paths are handled by the router before the proxy; resolving
	// them here keeps the function total and the tie-break explicit.
	if IsControlPath(path) {
		return TargetGateway
	}

	if !configured && !strings.HasPrefix(path, SetupPrefix) {
		return TargetSetupRedirect
	}

	if snap.Apex != "" {
		switch host {
		case snap.Apex, "www." + snap.Apex:
			return TargetProdSite
		case snap.DevHost:
			return TargetDevSite
		case snap.DashboardHost:
			if strings.HasPrefix(path, snap.GatewayPathPrefix) {
				return TargetGateway
			}
			return TargetDashboard
		}
	}

	return TargetGateway
}

// normalizeHost lowercases and strips any port from a Host header value.
func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
