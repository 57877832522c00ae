// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

// Package supervisor builds the suture supervision tree that keeps the
// public listener and the backend autostart alive for the life of the
// process. It supervises Clawgate's own services; the child backend
// processes (gateway, dashboard, site servers) are managed separately by
// internal/process.
package supervisor
