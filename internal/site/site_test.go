// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

package site

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// fakeRunner records commands and replies from a script keyed by the command
// line prefix.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	out   map[string][]byte
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{fail: map[string]error{}, out: map[string][]byte{}}
}

func (f *fakeRunner) run(_ context.Context, _, name string, args ...string) ([]byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	f.calls = append(f.calls, line)
	f.mu.Unlock()
	for prefix, err := range f.fail {
		if strings.HasPrefix(line, prefix) {
			return f.out[prefix], err
		}
	}
	for prefix, out := range f.out {
		if strings.HasPrefix(line, prefix) {
			return out, nil
		}
	}
	return nil, nil
}

func (f *fakeRunner) called(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func TestRebuildToleratesPullFailure(t *testing.T) {
	fr := newFakeRunner()
	fr.fail["git pull"] = errors.New("no remote")
	m := NewManager("/site", "/site/dist", "/dash").WithRunner(fr.run)

	if err := m.Rebuild(context.Background()); err != nil {
		t.Fatalf("pull failure should not fail the rebuild: %v", err)
	}
	if !fr.called("npm run build") {
		t.Error("expected the build to run")
	}
}

func TestRebuildFailsOnBuildError(t *testing.T) {
	fr := newFakeRunner()
	fr.fail["npm run build"] = errors.New("exit 1")
	fr.out["npm run build"] = []byte("TS2304: cannot find name")
	m := NewManager("/site", "/site/dist", "/dash").WithRunner(fr.run)

	err := m.Rebuild(context.Background())
	if err == nil {
		t.Fatal("expected build error")
	}
	if !strings.Contains(err.Error(), "TS2304") {
		t.Errorf("expected build output in error, got %v", err)
	}
}

func TestCommitAndPushSkipsCleanTree(t *testing.T) {
	fr := newFakeRunner()
	fr.out["git status"] = []byte("  \n")
	m := NewManager("/site", "/site/dist", "/dash").WithRunner(fr.run)

	m.CommitAndPush(context.Background())

	if fr.called("git commit") || fr.called("git push") {
		t.Error("clean tree must not be committed or pushed")
	}
}

func TestCommitAndPushDirtyTree(t *testing.T) {
	fr := newFakeRunner()
	fr.out["git status"] = []byte(" M src/pages/index.astro\n")
	m := NewManager("/site", "/site/dist", "/dash").WithRunner(fr.run)

	m.CommitAndPush(context.Background())

	for _, want := range []string{"git add -A", "git commit", "git push"} {
		if !fr.called(want) {
			t.Errorf("expected %q to run", want)
		}
	}
}

func TestCommitAndPushShortCircuitsOverlap(t *testing.T) {
	fr := newFakeRunner()
	fr.out["git status"] = []byte(" M file\n")

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	blocking := func(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
		if name == "git" && len(args) > 0 && args[0] == "push" {
			once.Do(func() { close(entered) })
			<-release
		}
		return fr.run(ctx, dir, name, args...)
	}
	m := NewManager("/site", "/site/dist", "/dash").WithRunner(blocking)

	done := make(chan struct{})
	go func() {
		m.CommitAndPush(context.Background())
		close(done)
	}()
	<-entered

	// Second call while the first is mid-push must return immediately.
	m.CommitAndPush(context.Background())

	pushes := 0
	fr.mu.Lock()
	for _, c := range fr.calls {
		if strings.HasPrefix(c, "git push") {
			pushes++
		}
	}
	fr.mu.Unlock()
	if pushes != 0 {
		t.Errorf("overlapping persist re-entered the push: %d recorded", pushes)
	}

	close(release)
	<-done
}

func TestDetectSSREntry(t *testing.T) {
	prod := t.TempDir()
	m := NewManager("/site", prod, "/dash")

	if _, ok := m.DetectSSREntry(); ok {
		t.Fatal("empty build dir should not detect SSR")
	}

	if err := os.MkdirAll(filepath.Join(prod, "server"), 0o755); err != nil {
		t.Fatal(err)
	}
	entry := filepath.Join(prod, "server", "entry.mjs")
	if err := os.WriteFile(entry, []byte("export {}"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, ok := m.DetectSSREntry()
	if !ok || got != entry {
		t.Errorf("expected %q detected, got %q ok=%v", entry, got, ok)
	}
}

func TestDetectSSREntrySecondCandidate(t *testing.T) {
	prod := t.TempDir()
	m := NewManager("/site", prod, "/dash")

	entry := filepath.Join(prod, "entry.mjs")
	if err := os.WriteFile(entry, []byte("export {}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, ok := m.DetectSSREntry(); !ok || got != entry {
		t.Errorf("expected fallback candidate %q, got %q ok=%v", entry, got, ok)
	}
}

func TestEnsureProdDepsSymlinks(t *testing.T) {
	siteDir := t.TempDir()
	prodDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(siteDir, "node_modules", "astro"), 0o755); err != nil {
		t.Fatal(err)
	}

	fr := newFakeRunner()
	m := NewManager(siteDir, prodDir, "/dash").WithRunner(fr.run)

	if err := m.EnsureProdDeps(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fr.called("npm ci") {
		t.Error("symlink path should avoid the install")
	}
	link := filepath.Join(prodDir, "node_modules")
	if target, err := os.Readlink(link); err != nil || target != filepath.Join(siteDir, "node_modules") {
		t.Errorf("expected symlink to working tree, got %q err=%v", target, err)
	}

	// Idempotent once deps exist.
	if err := m.EnsureProdDeps(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestEnsureProdDepsInstallsFresh(t *testing.T) {
	prodDir := t.TempDir()
	fr := newFakeRunner()
	m := NewManager(t.TempDir(), prodDir, "/dash").WithRunner(fr.run)

	if err := m.EnsureProdDeps(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !fr.called("npm ci --omit=dev") {
		t.Error("expected a fresh install when no working tree deps exist")
	}
}

func TestDevBuildOutputFallbacks(t *testing.T) {
	siteDir := t.TempDir()
	m := NewManager(siteDir, filepath.Join(siteDir, "dist"), "/dash")

	if got := m.DevBuildOutput(); got != siteDir {
		t.Errorf("no build output should fall back to the source tree, got %q", got)
	}

	buildDir := filepath.Join(siteDir, "build")
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if got := m.DevBuildOutput(); got != buildDir {
		t.Errorf("expected build/, got %q", got)
	}

	distDir := filepath.Join(siteDir, "dist")
	if err := os.MkdirAll(distDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if got := m.DevBuildOutput(); got != distDir {
		t.Errorf("dist/ should win over build/, got %q", got)
	}
}

func TestFetchDashboardMissingSource(t *testing.T) {
	m := NewManager("/site", "/site/dist", filepath.Join(t.TempDir(), "absent"))
	if err := m.FetchDashboard(context.Background()); err == nil {
		t.Error("expected error when dashboard source is missing")
	}
}
