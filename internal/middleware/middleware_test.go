// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/clawgate/internal/logging"
)

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	handler := RequestID(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if seen == "" {
		t.Fatal("expected a request ID in context")
	}
	if rec.Header().Get("X-Request-ID") != seen {
		t.Errorf("response header %q != context ID %q", rec.Header().Get("X-Request-ID"), seen)
	}
	if logID := logging.RequestIDFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()); logID != "" {
		t.Errorf("unrelated context should have no request ID, got %q", logID)
	}
}

func TestRequestIDHonorsUpstream(t *testing.T) {
	handler := RequestID(func(w http.ResponseWriter, r *http.Request) {
		if got := GetRequestID(r.Context()); got != "upstream-id" {
			t.Errorf("expected upstream ID preserved, got %q", got)
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	handler(httptest.NewRecorder(), req)
}

func TestCompressionGzipsWhenAccepted(t *testing.T) {
	body := strings.Repeat("status payload ", 200)
	handler := Compression(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip encoding, got %q", rec.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != body {
		t.Error("decompressed body does not match")
	}
}

func TestCompressionSkipsUpgrades(t *testing.T) {
	handler := Compression(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("raw"))
	})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Header().Get("Content-Encoding") == "gzip" {
		t.Error("upgrade requests must not be compressed")
	}
	if rec.Body.String() != "raw" {
		t.Errorf("expected passthrough body, got %q", rec.Body.String())
	}
}

func TestLatencyMonitorStats(t *testing.T) {
	m := NewLatencyMonitor(100)
	for i := 1; i <= 10; i++ {
		m.Record("gateway", time.Duration(i*10)*time.Millisecond)
	}
	m.Record("dev-server", 5*time.Millisecond)

	stats := m.Stats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(stats))
	}
	// Sorted by name: dev-server then gateway.
	if stats[0].Target != "dev-server" || stats[1].Target != "gateway" {
		t.Fatalf("unexpected order: %+v", stats)
	}
	gw := stats[1]
	if gw.RequestCount != 10 {
		t.Errorf("expected 10 samples, got %d", gw.RequestCount)
	}
	if gw.MaxMS != 100 {
		t.Errorf("expected max 100ms, got %d", gw.MaxMS)
	}
	if gw.P50MS < 40 || gw.P50MS > 60 {
		t.Errorf("p50 out of range: %d", gw.P50MS)
	}
}

func TestLatencyMonitorWindowBound(t *testing.T) {
	m := NewLatencyMonitor(5)
	for i := 0; i < 50; i++ {
		m.Record("prod-server", time.Millisecond)
	}
	stats := m.Stats()
	if stats[0].RequestCount != 5 {
		t.Errorf("window should cap at 5 samples, got %d", stats[0].RequestCount)
	}
}
