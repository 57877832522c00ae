// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

package proxy

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/clawgate/internal/backends"
	"github.com/tomtom215/clawgate/internal/logging"
	"github.com/tomtom215/clawgate/internal/metrics"
	"github.com/tomtom215/clawgate/internal/process"
	"github.com/tomtom215/clawgate/internal/routing"
)

// wsProxy tunnels WebSocket upgrades to the backends. Disallowed or failed
// upgrades destroy the socket outright; a half-open upgrade is worse for the
// client than a reset.
type wsProxy struct {
	e        *Engine
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

func newWSProxy(e *Engine) *wsProxy {
	return &wsProxy{
		e: e,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Host routing is the access control; origins vary across
			// the dashboard and gateway surfaces.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// handle routes one upgrade request.
func (p *wsProxy) handle(w http.ResponseWriter, r *http.Request, target routing.Target) {
	backendPort, injectAuth, ok := p.admit(r, target)
	if !ok {
		metrics.RecordWebSocketUpgrade(target.String(), "rejected")
		destroySocket(w, r)
		return
	}

	// Scenario: upgrade arrives while the backend is down. Start it first,
	// then tunnel; if the start fails the socket dies, never half-open.
	if err := p.ensureBackend(r, target); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("backend start for upgrade failed")
		metrics.RecordWebSocketUpgrade(target.String(), "backend_error")
		destroySocket(w, r)
		return
	}

	backendURL := url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort("127.0.0.1", strconv.Itoa(backendPort)),
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}

	header := http.Header{}
	for _, h := range []string{"Origin", "Cookie", "User-Agent"} {
		if v := r.Header.Get(h); v != "" {
			header.Set(h, v)
		}
	}
	if injectAuth {
		// The gateway accepts either credential form; send both so the
		// tunnel works across its versions.
		token := p.e.rt.GatewayToken()
		header.Set("Authorization", "Bearer "+token)
		q := backendURL.Query()
		q.Set("token", token)
		backendURL.RawQuery = q.Encode()
	}

	backendConn, resp, err := p.dialer.Dial(backendURL.String(), header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		logging.Ctx(r.Context()).Warn().Err(err).Str("backend", backendURL.Host).Msg("backend upgrade dial failed")
		metrics.RecordWebSocketUpgrade(target.String(), "backend_error")
		destroySocket(w, r)
		return
	}

	clientConn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = backendConn.Close()
		metrics.RecordWebSocketUpgrade(target.String(), "rejected")
		return
	}

	metrics.RecordWebSocketUpgrade(target.String(), "ok")
	metrics.TrackWebSocketSession(true)
	defer metrics.TrackWebSocketSession(false)

	logging.Ctx(r.Context()).Debug().Str("backend", backendURL.Host).Msg("websocket tunnel open")
	pump(clientConn, backendConn)
}

// admit applies the upgrade restrictions: dashboard always, gateway always
// (its own surface or the path-prefix carve-out), the dev server only while
// it is running. Everything else is destroyed.
func (p *wsProxy) admit(r *http.Request, target routing.Target) (port int, injectAuth, ok bool) {
	switch target {
	case routing.TargetGateway:
		return p.e.cfg.Backends.Gateway.Port, true, true
	case routing.TargetDashboard:
		return p.e.cfg.Backends.Dashboard.Port, false, true
	case routing.TargetDevSite:
		st, err := p.e.mgr.Supervisor().State(backends.IDDevServer)
		if err == nil && st == process.StateRunning {
			return p.e.cfg.Backends.DevServer.Port, false, true
		}
		return 0, false, false
	default:
		return 0, false, false
	}
}

func (p *wsProxy) ensureBackend(r *http.Request, target routing.Target) error {
	switch target {
	case routing.TargetGateway:
		return p.e.mgr.EnsureGateway(r.Context())
	case routing.TargetDashboard:
		return p.e.mgr.EnsureDashboard(r.Context())
	default:
		return nil
	}
}

// pump copies frames in both directions until either side fails, then tears
// down both.
func pump(client, backend *websocket.Conn) {
	done := make(chan struct{}, 2)
	copyFrames := func(dst, src *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			msgType, payload, err := src.ReadMessage()
			if err != nil {
				if closeErr, ok := err.(*websocket.CloseError); ok {
					_ = dst.WriteControl(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(closeErr.Code, closeErr.Text),
						time.Now().Add(time.Second),
					)
				}
				return
			}
			if err := dst.WriteMessage(msgType, payload); err != nil {
				return
			}
		}
	}

	go copyFrames(backend, client)
	go copyFrames(client, backend)
	<-done

	_ = client.Close()
	_ = backend.Close()
	<-done
}

// destroySocket hard-resets the client connection: no HTTP status, no close
// frame. Rejections must be indistinguishable from a dead port.
func destroySocket(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		// Cannot hijack (HTTP/2 or a test recorder): closest available.
		w.WriteHeader(http.StatusUpgradeRequired)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		// SO_LINGER 0 turns Close into a RST.
		_ = tcp.SetLinger(0)
	}
	_ = conn.Close()
	logging.Ctx(r.Context()).Debug().Str("host", r.Host).Str("path", r.URL.Path).Msg("upgrade rejected, socket destroyed")
}
