// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

package proxy

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/clawgate/internal/backends"
	"github.com/tomtom215/clawgate/internal/config"
	"github.com/tomtom215/clawgate/internal/middleware"
	"github.com/tomtom215/clawgate/internal/process"
	"github.com/tomtom215/clawgate/internal/site"
	"github.com/tomtom215/clawgate/internal/state"
)

type fixture struct {
	cfg    *config.Config
	rt     *state.Runtime
	mgr    *backends.Manager
	engine *Engine
}

// newFixture builds a full engine over temp state. Backend ports default to
// closed high ports; tests point them at httptest servers as needed.
func newFixture(t *testing.T, configured bool, mutate func(cfg *config.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.Server.ProxyTimeout = time.Minute
	cfg.Client.Domain = "example.com"
	cfg.Client.DevSubdomain = "dev"
	cfg.Client.DashboardSubdomain = "gerald"
	cfg.Client.GatewayPathPrefix = "/openclaw"
	cfg.Paths.DataDir = dir
	cfg.Paths.ConfigFile = filepath.Join(dir, "clawgate.json")
	cfg.Paths.TokenFile = filepath.Join(dir, "gateway-token")
	cfg.Paths.SiteDir = filepath.Join(dir, "site")
	cfg.Paths.ProdDir = filepath.Join(dir, "site", "dist")
	cfg.Backends.Gateway = config.BackendConfig{Port: 39181, Command: "sleep", Args: []string{"60"}, StartupTimeout: 2 * time.Second}
	cfg.Backends.Dashboard = config.BackendConfig{Port: 39182, Command: "sleep", Args: []string{"60"}, HealthPath: "/api/health", StartupTimeout: 2 * time.Second}
	cfg.Backends.DevServer = config.BackendConfig{Port: 39183, Command: "sleep", Args: []string{"60"}, StartupTimeout: 2 * time.Second}
	cfg.Backends.ProdServer = config.BackendConfig{Port: 39184, Command: "sleep", StartupTimeout: 500 * time.Millisecond}
	cfg.Backends.GatewayCLI = "openclaw"
	cfg.Supervisor = config.SupervisorConfig{
		ReadyTimeout: 2 * time.Second,
		StopGrace:    200 * time.Millisecond,
		SettleDelay:  10 * time.Millisecond,
		CrashCeiling: 3,
		CrashWindow:  time.Minute,
		BackoffBase:  20 * time.Millisecond,
		BackoffCap:   100 * time.Millisecond,
	}
	if mutate != nil {
		mutate(cfg)
	}

	if configured {
		if err := os.WriteFile(cfg.Paths.ConfigFile, []byte("{}"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "dashboard"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg.Backends.Dashboard.Dir = filepath.Join(dir, "dashboard")

	rt, err := state.NewRuntime(cfg)
	if err != nil {
		t.Fatal(err)
	}

	sites := site.NewManager(cfg.Paths.SiteDir, cfg.Paths.ProdDir, cfg.Backends.Dashboard.Dir).
		WithRunner(func(context.Context, string, string, ...string) ([]byte, error) { return nil, nil })

	sup := process.NewSupervisor(cfg.Supervisor)
	t.Cleanup(func() { sup.StopAll(context.Background()) })

	mgr, err := backends.NewManager(cfg, rt, sites, sup)
	if err != nil {
		t.Fatal(err)
	}
	mgr.WithCLI(func(_ context.Context, args ...string) (string, error) {
		if len(args) == 3 && args[1] == "get" {
			return rt.GatewayToken(), nil
		}
		return "", nil
	})

	engine := NewEngine(cfg, rt, mgr, sites, middleware.NewLatencyMonitor(100))
	return &fixture{cfg: cfg, rt: rt, mgr: mgr, engine: engine}
}

func backendPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	p, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestUnconfiguredRedirectsToSetup(t *testing.T) {
	f := newFixture(t, false, nil)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/setup" {
		t.Errorf("expected redirect to /setup, got %q", loc)
	}
}

func TestGatewayForwardInjectsBearer(t *testing.T) {
	var gotAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, "gateway ok")
	}))
	defer backend.Close()

	f := newFixture(t, true, func(cfg *config.Config) {
		cfg.Backends.Gateway.Port = backendPort(t, backend)
	})

	req := httptest.NewRequest(http.MethodGet, "http://my-box.ts.net/v1/models", nil)
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if want := "Bearer " + f.rt.GatewayToken(); gotAuth != want {
		t.Errorf("expected %q, got %q", want, gotAuth)
	}
}

func TestDashboardForwardNoBearer(t *testing.T) {
	authSeen := make(chan string, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		authSeen <- r.Header.Get("Authorization")
		_, _ = io.WriteString(w, "dashboard")
	}))
	defer backend.Close()

	f := newFixture(t, true, func(cfg *config.Config) {
		cfg.Backends.Dashboard.Port = backendPort(t, backend)
	})

	req := httptest.NewRequest(http.MethodGet, "http://gerald.example.com/sessions", nil)
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if auth := <-authSeen; auth != "" {
		t.Errorf("dashboard must not receive the gateway token, got %q", auth)
	}
}

func TestParsedBodyReinjection(t *testing.T) {
	type payload struct {
		Message string `json:"message"`
		Tokens  int    `json:"tokens"`
	}

	var gotBody []byte
	var gotLength int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotLength = r.ContentLength
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f := newFixture(t, true, func(cfg *config.Config) {
		cfg.Backends.Gateway.Port = backendPort(t, backend)
	})

	// The body was consumed upstream; only the parsed value travels.
	req := httptest.NewRequest(http.MethodPost, "http://my-box.ts.net/v1/chat", http.NoBody)
	req.Header.Set("Content-Type", "application/json")
	req = WithParsedBody(req, payload{Message: "hello", Tokens: 3})

	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	want := `{"message":"hello","tokens":3}`
	if string(gotBody) != want {
		t.Errorf("backend body = %q, want %q", gotBody, want)
	}
	if gotLength != int64(len(want)) {
		t.Errorf("backend Content-Length = %d, want %d", gotLength, len(want))
	}
}

func TestStreamingPassthrough(t *testing.T) {
	firstChunkRead := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fl := w.(http.Flusher)

		_, _ = io.WriteString(w, "data: one\n\n")
		fl.Flush()
		<-firstChunkRead
		_, _ = io.WriteString(w, "data: two\n\n")
		fl.Flush()
	}))
	defer backend.Close()

	f := newFixture(t, true, func(cfg *config.Config) {
		cfg.Backends.Gateway.Port = backendPort(t, backend)
	})
	front := httptest.NewServer(f.engine)
	defer front.Close()

	req, err := http.NewRequest(http.MethodGet, front.URL+"/v1/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Host = "my-box.ts.net"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// The first chunk must arrive while the backend response is still
	// open; a buffering proxy would deadlock here.
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line, "data: one") {
		t.Fatalf("unexpected first chunk %q", line)
	}
	close(firstChunkRead)

	rest, err := io.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(rest), "data: two") {
		t.Errorf("missing second chunk in %q", rest)
	}
}

func TestDevServerResponseRewrite(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html><head><title>dev</title></head><body>hi</body></html>")
	}))
	defer backend.Close()

	f := newFixture(t, true, func(cfg *config.Config) {
		cfg.Backends.DevServer.Port = backendPort(t, backend)
	})
	// Bring the dev server "up": the sleeper process plus the already
	// listening backend satisfies readiness.
	if err := f.mgr.EnsureDevServer(context.Background()); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://dev.example.com/", nil)
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Robots-Tag"); got != NoindexValue {
		t.Errorf("expected noindex header, got %q", got)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `<meta name="robots"`) {
		t.Errorf("expected injected robots meta, got %q", body)
	}
	if cl := rec.Header().Get("Content-Length"); cl != strconv.Itoa(len(body)) {
		t.Errorf("Content-Length %s does not match body length %d", cl, len(body))
	}
}

func TestDevStaticFallback(t *testing.T) {
	f := newFixture(t, true, nil)

	dist := filepath.Join(f.cfg.Paths.SiteDir, "dist")
	if err := os.MkdirAll(dist, 0o755); err != nil {
		t.Fatal(err)
	}
	index := "<html><head></head><body>built site</body></html>"
	if err := os.WriteFile(filepath.Join(dist, "index.html"), []byte(index), 0o644); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://dev.example.com/", nil)
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Robots-Tag"); got != NoindexValue {
		t.Errorf("expected noindex header on static fallback, got %q", got)
	}
	if !strings.Contains(rec.Body.String(), "built site") {
		t.Errorf("expected index.html content, got %q", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `<meta name="robots"`) {
		t.Errorf("expected robots meta injected into static HTML")
	}
}

func TestProdStaticServing(t *testing.T) {
	f := newFixture(t, true, nil)

	if err := os.MkdirAll(f.cfg.Paths.ProdDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(f.cfg.Paths.ProdDir, "index.html"), []byte("<html>prod</html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Robots-Tag") != "" {
		t.Error("production responses must not carry noindex")
	}
	if !strings.Contains(rec.Body.String(), "prod") {
		t.Errorf("expected prod index, got %q", rec.Body.String())
	}
}

func TestBackendUnreachableServes503Page(t *testing.T) {
	f := newFixture(t, true, func(cfg *config.Config) {
		// Spawns fine, exits immediately, never listens.
		cfg.Backends.Gateway.Command = "false"
		cfg.Backends.Gateway.Args = nil
		cfg.Backends.Gateway.StartupTimeout = 400 * time.Millisecond
	})

	req := httptest.NewRequest(http.MethodGet, "http://my-box.ts.net/", nil)
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "starting") {
		t.Errorf("expected the friendly retry page, got %q", rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}
