// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

// Package proxy forwards public traffic to the managed backends. It owns the
// per-request routing decision, on-demand backend startup, auth injection,
// dev-site response rewriting, streaming passthrough and the WebSocket
// tunnel. Backends that stay unreachable answer with a friendly 503 page,
// never a raw connection error.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/clawgate/internal/backends"
	"github.com/tomtom215/clawgate/internal/config"
	"github.com/tomtom215/clawgate/internal/logging"
	"github.com/tomtom215/clawgate/internal/metrics"
	"github.com/tomtom215/clawgate/internal/middleware"
	"github.com/tomtom215/clawgate/internal/process"
	"github.com/tomtom215/clawgate/internal/routing"
	"github.com/tomtom215/clawgate/internal/site"
	"github.com/tomtom215/clawgate/internal/state"
)

// unavailablePage is served whenever a backend is unreachable. Fixed content,
// no template: it must render even when everything else is broken.
const unavailablePage = `<!DOCTYPE html>
<html>
<head><title>Starting up</title><meta http-equiv="refresh" content="5"></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4rem;">
<h1>Service is starting</h1>
<p>The backend is coming up. This page retries automatically.</p>
</body>
</html>`

// parsedBodyKey carries a body the inbound layer already decoded, so the
// outbound request can be rebuilt instead of forwarding a drained reader.
type parsedBodyKey struct{}

// WithParsedBody marks a request whose JSON body has been consumed upstream.
// The proxy re-serializes v onto the outbound request with a correct
// Content-Length; without this the backend would wait on a body that never
// arrives.
func WithParsedBody(r *http.Request, v any) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), parsedBodyKey{}, v))
}

// Engine is the public-port HTTP handler.
type Engine struct {
	cfg     *config.Config
	rt      *state.Runtime
	mgr     *backends.Manager
	sites   *site.Manager
	latency *middleware.LatencyMonitor
	ws      *wsProxy

	proxies  map[routing.Target]*httputil.ReverseProxy
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

// NewEngine builds the proxy over the managed backends.
func NewEngine(cfg *config.Config, rt *state.Runtime, mgr *backends.Manager, sites *site.Manager, latency *middleware.LatencyMonitor) *Engine {
	e := &Engine{
		cfg:      cfg,
		rt:       rt,
		mgr:      mgr,
		sites:    sites,
		latency:  latency,
		proxies:  make(map[routing.Target]*httputil.ReverseProxy),
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
	e.ws = newWSProxy(e)

	e.proxies[routing.TargetGateway] = e.newReverseProxy(routing.TargetGateway, cfg.Backends.Gateway.Port, true)
	e.proxies[routing.TargetDashboard] = e.newReverseProxy(routing.TargetDashboard, cfg.Backends.Dashboard.Port, false)
	e.proxies[routing.TargetDevSite] = e.newReverseProxy(routing.TargetDevSite, cfg.Backends.DevServer.Port, false)
	e.proxies[routing.TargetProdSite] = e.newReverseProxy(routing.TargetProdSite, cfg.Backends.ProdServer.Port, false)
	return e
}

// ServeHTTP resolves the route target and dispatches.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := routing.Resolve(r.Host, r.URL.Path, e.rt.Configured(), e.rt.Domains())
	r = r.WithContext(logging.ContextWithRouteTag(r.Context(), target.String()))

	if isUpgradeRequest(r) {
		e.ws.handle(w, r, target)
		return
	}

	switch target {
	case routing.TargetSetupRedirect:
		http.Redirect(w, r, routing.SetupPrefix, http.StatusFound)

	case routing.TargetGateway:
		e.forward(w, r, target, e.mgr.EnsureGateway)

	case routing.TargetDashboard:
		e.forward(w, r, target, e.mgr.EnsureDashboard)

	case routing.TargetDevSite:
		e.serveDev(w, r)

	case routing.TargetProdSite:
		e.serveProd(w, r)

	default:
		e.unavailable(w, target.String())
	}
}

// forward makes sure the backend runs, then proxies the request.
func (e *Engine) forward(w http.ResponseWriter, r *http.Request, target routing.Target, ensure func(context.Context) error) {
	if err := ensure(r.Context()); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("backend unavailable")
		e.unavailable(w, target.String())
		return
	}

	began := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	e.proxies[target].ServeHTTP(sw, r)

	took := time.Since(began)
	metrics.RecordProxyRequest(target.String(), sw.status, took)
	if e.latency != nil {
		e.latency.Record(target.String(), took)
	}
}

// serveDev forwards to the dev server while it runs and falls back to the
// built output (or the source tree) when it does not. Either way the
// response carries the noindex marker.
func (e *Engine) serveDev(w http.ResponseWriter, r *http.Request) {
	if st, err := e.mgr.Supervisor().State(backends.IDDevServer); err == nil && st == process.StateRunning {
		e.forward(w, r, routing.TargetDevSite, func(context.Context) error { return nil })
		return
	}

	static := &staticSite{dir: e.sites.DevBuildOutput(), noindex: true}
	static.ServeHTTP(w, r)
}

// serveProd forwards to the SSR server when the build has one, otherwise
// serves the static build.
func (e *Engine) serveProd(w http.ResponseWriter, r *http.Request) {
	err := e.mgr.EnsureProdServer(r.Context())
	switch {
	case err == nil:
		e.forward(w, r, routing.TargetProdSite, func(context.Context) error { return nil })
	case errors.Is(err, backends.ErrStaticSite):
		(&staticSite{dir: e.cfg.Paths.ProdDir}).ServeHTTP(w, r)
	default:
		logging.Ctx(r.Context()).Error().Err(err).Msg("prod server unavailable")
		e.unavailable(w, routing.TargetProdSite.String())
	}
}

// unavailable writes the fixed retry page.
func (e *Engine) unavailable(w http.ResponseWriter, target string) {
	metrics.RecordProxyError(target)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Retry-After", "5")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(w, unavailablePage)
}

// newReverseProxy builds the shared reverse proxy for one backend.
func (e *Engine) newReverseProxy(target routing.Target, port int, injectAuth bool) *httputil.ReverseProxy {
	backendURL := &url.URL{Scheme: "http", Host: net.JoinHostPort("127.0.0.1", strconv.Itoa(port))}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = e.cfg.Server.ProxyTimeout
	transport.IdleConnTimeout = 90 * time.Second
	// The dev rewrite patches HTML bodies; a compressed stream would make
	// that impossible. Backends are loopback, compression buys nothing.
	transport.DisableCompression = true

	cb := e.breaker(target.String())

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(backendURL)
			pr.Out.Host = pr.In.Host
			pr.SetXForwarded()
			if injectAuth {
				pr.Out.Header.Set("Authorization", "Bearer "+e.rt.GatewayToken())
			}
			reinjectBody(pr)
		},
		Transport: &breakerTransport{cb: cb, base: transport},
		// Periodic flushing keeps slow streams moving; event-stream
		// responses flush immediately regardless.
		FlushInterval:  100 * time.Millisecond,
		ModifyResponse: e.modifyResponse,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logging.Ctx(r.Context()).Warn().Err(err).Str("backend", backendURL.Host).Msg("proxy error")
			e.unavailable(w, target.String())
		},
	}
}

// reinjectBody rebuilds the outbound body when the inbound one was already
// parsed and drained by upstream middleware.
func reinjectBody(pr *httputil.ProxyRequest) {
	v := pr.In.Context().Value(parsedBodyKey{})
	if v == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		logging.Ctx(pr.In.Context()).Error().Err(err).Msg("body re-injection failed")
		return
	}
	pr.Out.Body = io.NopCloser(bytes.NewReader(data))
	pr.Out.ContentLength = int64(len(data))
	pr.Out.Header.Set("Content-Length", strconv.Itoa(len(data)))
	if pr.Out.Header.Get("Content-Type") == "" {
		pr.Out.Header.Set("Content-Type", "application/json")
	}
}

// modifyResponse applies the dev-server noindex rewrite. The decision keys on
// the route tag carried by the request, never on sniffing the response.
func (e *Engine) modifyResponse(resp *http.Response) error {
	if logging.RouteTagFromContext(resp.Request.Context()) != routing.TargetDevSite.String() {
		return nil
	}

	resp.Header.Set("X-Robots-Tag", NoindexValue)

	if !isHTML(resp.Header.Get("Content-Type")) {
		return nil
	}
	if isStreaming(resp) {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	body = injectNoindexMeta(body)
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

// isStreaming reports whether a response must not be buffered.
func isStreaming(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/event-stream") {
		return true
	}
	return resp.ContentLength < 0 && len(resp.TransferEncoding) > 0
}

// isUpgradeRequest detects a WebSocket upgrade.
func isUpgradeRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// breaker returns (building on demand) the circuit breaker for one backend.
// Only transport-level failures count; an HTTP error status is a healthy
// backend saying no.
func (e *Engine) breaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	if cb, ok := e.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("backend", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("proxy circuit breaker state change")
		},
	})
	e.breakers[name] = cb
	return cb
}

// breakerTransport runs each round trip through the backend's breaker so a
// dead backend short-circuits to the 503 page instead of stacking dials.
type breakerTransport struct {
	cb   *gobreaker.CircuitBreaker[*http.Response]
	base http.RoundTripper
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.cb.Execute(func() (*http.Response, error) {
		return t.base.RoundTrip(req)
	})
}

// statusWriter captures the proxied status code for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards flushes so streaming passthrough keeps working through the
// metrics wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
