// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

/*
Package middleware provides HTTP middleware for the control surface.

These wrap the allow-listed control endpoints (/status, /hooks/*, /metrics),
not the proxied traffic; the proxy path stays as thin as possible so streamed
backend responses pass through untouched.

Components:

  - RequestID: UUID request tracking, wired into the logging context
  - PrometheusMetrics: request/latency instrumentation
  - Compression: gzip for control responses, skipped on upgrades
  - LatencyMonitor: rolling latency window surfaced by GET /status

CORS and rate limiting come from the Chi ecosystem (go-chi/cors,
go-chi/httprate) and are assembled in internal/api.
*/
package middleware
