// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/clawgate/internal/backends"
)

// fakeStarter records which backends were ensured and can fail selected ones.
type fakeStarter struct {
	mu      sync.Mutex
	ensured []string
	fail    map[string]error
}

func (f *fakeStarter) ensure(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, id)
	return f.fail[id]
}

func (f *fakeStarter) EnsureGateway(context.Context) error    { return f.ensure(backends.IDGateway) }
func (f *fakeStarter) EnsureDashboard(context.Context) error  { return f.ensure(backends.IDDashboard) }
func (f *fakeStarter) EnsureDevServer(context.Context) error  { return f.ensure(backends.IDDevServer) }
func (f *fakeStarter) EnsureProdServer(context.Context) error { return f.ensure(backends.IDProdServer) }

func TestAutostartEnsuresAllBackends(t *testing.T) {
	starter := &fakeStarter{}
	svc := NewAutostartService(starter, time.Second)

	err := svc.Serve(context.Background())
	if !errors.Is(err, suture.ErrDoNotRestart) {
		t.Fatalf("expected ErrDoNotRestart, got %v", err)
	}

	want := []string{backends.IDGateway, backends.IDDashboard, backends.IDDevServer, backends.IDProdServer}
	if len(starter.ensured) != len(want) {
		t.Fatalf("expected %d backends ensured, got %v", len(want), starter.ensured)
	}
	for i, id := range want {
		if starter.ensured[i] != id {
			t.Errorf("position %d: expected %s, got %s", i, id, starter.ensured[i])
		}
	}
}

func TestAutostartToleratesFailures(t *testing.T) {
	starter := &fakeStarter{fail: map[string]error{
		backends.IDGateway:    errors.New("cli missing"),
		backends.IDProdServer: backends.ErrStaticSite,
	}}
	svc := NewAutostartService(starter, time.Second)

	// Failures must not stop the pass or change the exit.
	if err := svc.Serve(context.Background()); !errors.Is(err, suture.ErrDoNotRestart) {
		t.Fatalf("expected ErrDoNotRestart, got %v", err)
	}
	if len(starter.ensured) != 4 {
		t.Errorf("expected all 4 backends attempted, got %v", starter.ensured)
	}
}

func TestAutostartHonorsCanceledContext(t *testing.T) {
	starter := &fakeStarter{}
	svc := NewAutostartService(starter, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.Serve(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(starter.ensured) != 0 {
		t.Errorf("canceled autostart should not touch backends, got %v", starter.ensured)
	}
}
