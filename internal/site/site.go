// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

// Package site wraps the external operations on the client site working tree
// and the dashboard source: rebuilds, working-tree persistence and dependency
// management. The commands themselves are opaque collaborators (git, npm);
// this package owns sequencing, logging and error policy around them.
package site

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/clawgate/internal/logging"
	"github.com/tomtom215/clawgate/internal/metrics"
)

// Runner executes one external command in a directory and returns its
// combined output. Injectable for tests.
type Runner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// execRunner is the production Runner.
func execRunner(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Manager sequences the external site and dashboard operations.
type Manager struct {
	siteDir      string
	prodDir      string
	dashboardDir string
	run          Runner

	// persistMu serializes CommitAndPush; overlapping saves would race on
	// the git index.
	persistMu sync.Mutex
}

// NewManager creates a Manager over the given working trees.
func NewManager(siteDir, prodDir, dashboardDir string) *Manager {
	return &Manager{
		siteDir:      siteDir,
		prodDir:      prodDir,
		dashboardDir: dashboardDir,
		run:          execRunner,
	}
}

// WithRunner replaces the command runner. Test hook.
func (m *Manager) WithRunner(r Runner) *Manager {
	m.run = r
	return m
}

// Rebuild refreshes the site working tree and produces a fresh production
// build. Pull failures are tolerated (the tree may have local edits); build
// failures are not.
func (m *Manager) Rebuild(ctx context.Context) error {
	began := time.Now()
	logging.Info().Str("dir", m.siteDir).Msg("rebuilding site")

	if out, err := m.run(ctx, m.siteDir, "git", "pull", "--ff-only"); err != nil {
		logging.Warn().Err(err).Str("output", strings.TrimSpace(string(out))).Msg("git pull failed, building local tree")
	}

	out, err := m.run(ctx, m.siteDir, "npm", "run", "build")
	metrics.RecordRebuild(time.Since(began), err)
	if err != nil {
		return fmt.Errorf("site build failed: %w: %s", err, tail(out, 2048))
	}

	logging.Info().Dur("took", time.Since(began)).Msg("site rebuild complete")
	return nil
}

// CommitAndPush persists uncommitted working-tree changes. It is best-effort:
// every failure is logged and swallowed so shutdown never blocks on the
// remote. Overlapping calls short-circuit instead of queueing; the save is
// not idempotent against itself.
func (m *Manager) CommitAndPush(ctx context.Context) {
	if !m.persistMu.TryLock() {
		logging.Warn().Msg("site persist already in flight, skipping")
		return
	}
	defer m.persistMu.Unlock()

	out, err := m.run(ctx, m.siteDir, "git", "status", "--porcelain")
	if err != nil {
		logging.Warn().Err(err).Msg("cannot inspect site working tree, skipping persist")
		return
	}
	if len(bytes.TrimSpace(out)) == 0 {
		logging.Debug().Msg("site working tree clean, nothing to persist")
		return
	}

	logging.Info().Msg("persisting uncommitted site changes")
	steps := [][]string{
		{"git", "add", "-A"},
		{"git", "commit", "-m", "Persist site changes before shutdown"},
		{"git", "push"},
	}
	for _, step := range steps {
		if out, err := m.run(ctx, m.siteDir, step[0], step[1:]...); err != nil {
			logging.Warn().
				Err(err).
				Str("command", strings.Join(step, " ")).
				Str("output", tail(out, 1024)).
				Msg("site persist step failed")
			return
		}
	}
	logging.Info().Msg("site changes pushed")
}

// FetchDashboard updates the dashboard source and builds it. Called before
// each dashboard spawn so the UI picks up released fixes.
func (m *Manager) FetchDashboard(ctx context.Context) error {
	if _, err := os.Stat(m.dashboardDir); err != nil {
		return fmt.Errorf("dashboard source missing at %s: %w", m.dashboardDir, err)
	}

	if out, err := m.run(ctx, m.dashboardDir, "git", "pull", "--ff-only"); err != nil {
		logging.Warn().Err(err).Str("output", tail(out, 512)).Msg("dashboard pull failed, using present source")
	}
	if out, err := m.run(ctx, m.dashboardDir, "npm", "install"); err != nil {
		return fmt.Errorf("dashboard install failed: %w: %s", err, tail(out, 2048))
	}
	if out, err := m.run(ctx, m.dashboardDir, "npm", "run", "build"); err != nil {
		return fmt.Errorf("dashboard build failed: %w: %s", err, tail(out, 2048))
	}
	return nil
}

// ssrEntryCandidates are the known SSR bundle entry points, relative to the
// production build directory.
var ssrEntryCandidates = []string{
	filepath.Join("server", "entry.mjs"),
	"entry.mjs",
}

// DetectSSREntry reports the SSR entry-point path if the built site is a
// server-rendered bundle. A miss means the build is static.
func (m *Manager) DetectSSREntry() (string, bool) {
	for _, rel := range ssrEntryCandidates {
		path := filepath.Join(m.prodDir, rel)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// EnsureProdDeps makes sure the production build can resolve its runtime
// dependencies: symlink the sibling working tree's node_modules when present,
// otherwise install fresh.
func (m *Manager) EnsureProdDeps(ctx context.Context) error {
	target := filepath.Join(m.prodDir, "node_modules")
	if _, err := os.Stat(target); err == nil {
		return nil
	}

	source := filepath.Join(m.siteDir, "node_modules")
	if info, err := os.Stat(source); err == nil && info.IsDir() {
		if err := os.Symlink(source, target); err == nil {
			logging.Debug().Str("link", target).Msg("linked node_modules from working tree")
			return nil
		}
	}

	logging.Info().Str("dir", m.prodDir).Msg("installing production dependencies")
	if out, err := m.run(ctx, m.prodDir, "npm", "ci", "--omit=dev"); err != nil {
		return fmt.Errorf("production install failed: %w: %s", err, tail(out, 2048))
	}
	return nil
}

// DevBuildOutput returns the directory to serve when the dev server is down:
// the build output when one exists, the source tree otherwise.
func (m *Manager) DevBuildOutput() string {
	for _, dir := range []string{
		filepath.Join(m.siteDir, "dist"),
		filepath.Join(m.siteDir, "build"),
	} {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return m.siteDir
}

// SiteDir returns the dev site working tree path.
func (m *Manager) SiteDir() string { return m.siteDir }

// tail returns at most n trailing bytes of command output as a string.
func tail(out []byte, n int) string {
	s := strings.TrimSpace(string(out))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}
