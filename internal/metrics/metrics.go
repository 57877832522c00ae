// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the deployment gateway:
// - backend process lifecycle (state, crashes, restarts, startup latency)
// - proxy throughput and errors per route target
// - WebSocket upgrade counts
// - control surface request latency

var (
	// Backend Process Metrics
	BackendState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clawgate_backend_state",
			Help: "Current backend state (0=stopped 1=starting 2=running 3=stopping 4=crashed)",
		},
		[]string{"backend"},
	)

	BackendCrashes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawgate_backend_crashes_total",
			Help: "Total number of unexpected backend exits",
		},
		[]string{"backend"},
	)

	BackendRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawgate_backend_restarts_total",
			Help: "Total number of backend restarts, automatic and manual",
		},
		[]string{"backend", "reason"}, // "crash", "manual", "rebuild"
	)

	BackendStartupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clawgate_backend_startup_seconds",
			Help:    "Time from spawn to readiness per backend",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"backend"},
	)

	BackendCrashLoops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawgate_backend_crash_loops_total",
			Help: "Times a backend hit the crash ceiling and was left stopped",
		},
		[]string{"backend"},
	)

	// Proxy Metrics
	ProxyRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawgate_proxy_requests_total",
			Help: "Total proxied HTTP requests by route target and status class",
		},
		[]string{"target", "status"},
	)

	ProxyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawgate_proxy_errors_total",
			Help: "Proxy failures that produced the backend-unavailable page",
		},
		[]string{"target"},
	)

	ProxyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clawgate_proxy_duration_seconds",
			Help:    "Duration of proxied exchanges in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)

	WebSocketUpgrades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawgate_websocket_upgrades_total",
			Help: "WebSocket upgrade attempts by target and outcome",
		},
		[]string{"target", "outcome"}, // "ok", "rejected", "backend_error"
	)

	WebSocketActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clawgate_websocket_active",
			Help: "Currently open proxied WebSocket sessions",
		},
	)

	// Control Surface Metrics
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clawgate_api_request_duration_seconds",
			Help:    "Duration of control endpoint requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	RebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clawgate_rebuild_duration_seconds",
			Help:    "Duration of site rebuild operations in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	RebuildErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clawgate_rebuild_errors_total",
			Help: "Total failed site rebuild operations",
		},
	)
)

// SetBackendState records a backend's lifecycle state as a gauge value.
func SetBackendState(backend string, stateCode int) {
	BackendState.WithLabelValues(backend).Set(float64(stateCode))
}

// RecordBackendCrash increments the crash counter for a backend.
func RecordBackendCrash(backend string) {
	BackendCrashes.WithLabelValues(backend).Inc()
}

// RecordBackendRestart increments the restart counter with a reason label.
func RecordBackendRestart(backend, reason string) {
	BackendRestarts.WithLabelValues(backend, reason).Inc()
}

// RecordBackendStartup observes the spawn-to-ready latency of a backend.
func RecordBackendStartup(backend string, duration time.Duration) {
	BackendStartupDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordCrashLoop increments the crash-ceiling counter for a backend.
func RecordCrashLoop(backend string) {
	BackendCrashLoops.WithLabelValues(backend).Inc()
}

// RecordProxyRequest records one proxied exchange.
func RecordProxyRequest(target string, statusCode int, duration time.Duration) {
	class := strconv.Itoa(statusCode/100) + "xx"
	ProxyRequests.WithLabelValues(target, class).Inc()
	ProxyDuration.WithLabelValues(target).Observe(duration.Seconds())
}

// RecordProxyError records one failed exchange (unreachable backend).
func RecordProxyError(target string) {
	ProxyErrors.WithLabelValues(target).Inc()
}

// RecordWebSocketUpgrade records the outcome of one upgrade attempt.
func RecordWebSocketUpgrade(target, outcome string) {
	WebSocketUpgrades.WithLabelValues(target, outcome).Inc()
}

// TrackWebSocketSession adjusts the active session gauge.
func TrackWebSocketSession(open bool) {
	if open {
		WebSocketActive.Inc()
	} else {
		WebSocketActive.Dec()
	}
}

// RecordAPIRequest records one control surface request.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestDuration.WithLabelValues(method, endpoint, statusCode).Observe(duration.Seconds())
}

// RecordRebuild records the outcome of one site rebuild.
func RecordRebuild(duration time.Duration, err error) {
	RebuildDuration.Observe(duration.Seconds())
	if err != nil {
		RebuildErrors.Inc()
	}
}
