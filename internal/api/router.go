// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/clawgate/internal/backends"
	"github.com/tomtom215/clawgate/internal/config"
	"github.com/tomtom215/clawgate/internal/middleware"
	"github.com/tomtom215/clawgate/internal/routing"
	"github.com/tomtom215/clawgate/internal/site"
	"github.com/tomtom215/clawgate/internal/state"
)

// chiMiddleware adapts http.HandlerFunc middleware to Chi's
// func(http.Handler) http.Handler so it can be used with r.Use().
func chiMiddleware(mw func(http.HandlerFunc) http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return mw(next.ServeHTTP)
	}
}

// Router is the public-port handler: the allow-listed control surface takes
// priority, everything else falls through to the proxy engine.
type Router struct {
	cfg     *config.Config
	rt      *state.Runtime
	mgr     *backends.Manager
	sites   *site.Manager
	latency *middleware.LatencyMonitor
	proxy   http.Handler
	control http.Handler
	started time.Time
}

// NewRouter assembles the control mux over the proxy engine.
func NewRouter(cfg *config.Config, rt *state.Runtime, mgr *backends.Manager, sites *site.Manager, latency *middleware.LatencyMonitor, proxy http.Handler) *Router {
	router := &Router{
		cfg:     cfg,
		rt:      rt,
		mgr:     mgr,
		sites:   sites,
		latency: latency,
		proxy:   proxy,
		started: time.Now(),
	}
	router.control = router.setupControl()
	return router
}

// ServeHTTP dispatches: control paths bypass hostname routing entirely, so
// webhooks and status work even mid-misconfiguration.
func (router *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if routing.IsControlPath(r.URL.Path) {
		router.control.ServeHTTP(w, r)
		return
	}
	router.proxy.ServeHTTP(w, r)
}

// setupControl builds the Chi router for the control endpoints.
func (router *Router) setupControl() http.Handler {
	cm := NewChiMiddleware(NewChiMiddlewareConfig(router.cfg.Security))

	r := chi.NewRouter()
	r.Use(chiMiddleware(middleware.RequestID))
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cm.CORS())
	r.Use(cm.RateLimit())
	r.Use(chiMiddleware(middleware.PrometheusMetrics))
	r.Use(chiMiddleware(middleware.Compression))

	r.Get("/status", router.handleStatus)
	r.Post("/status/{id}/restart", router.handleRestart)
	r.Post("/hooks/rebuild", router.handleRebuild)
	r.Post("/hooks/github", router.handleGitHubWebhook)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}
