// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

package process

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tomtom215/clawgate/internal/config"
	"github.com/tomtom215/clawgate/internal/logging"
	"github.com/tomtom215/clawgate/internal/metrics"
)

var (
	// ErrUnknownProcess means the ID was never registered.
	ErrUnknownProcess = errors.New("unknown process")

	// ErrStartupTimeout means the process spawned but never became ready
	// within the startup timeout. The process is killed before this is
	// returned.
	ErrStartupTimeout = errors.New("startup timeout")

	// ErrCrashLoopExceeded means the process crashed more times within the
	// rolling window than the ceiling allows. It stays down until an
	// explicit restart.
	ErrCrashLoopExceeded = errors.New("crash loop ceiling exceeded")
)

// readyPollInterval is how often the readiness probe runs during startup.
const readyPollInterval = 250 * time.Millisecond

// flight is one in-progress start attempt. Concurrent EnsureRunning callers
// for the same ID wait on done and share err.
type flight struct {
	done chan struct{}
	err  error
}

// managed is the supervisor's record for one process. All fields are guarded
// by Supervisor.mu except cmd internals owned by the waiter goroutine.
type managed struct {
	spec Spec

	state        State
	cmd          *exec.Cmd
	exited       chan struct{} // closed by the waiter after the process exits
	startedAt    time.Time
	restarts     int
	crashes      []time.Time // rolling crash ledger, pruned to the window
	totalCrashes int
	crashLooped  bool // latched once the ceiling is exceeded; only Restart clears it
	stopWanted   bool
	lastErr      error
	backoff      *backoff.ExponentialBackOff
}

// Supervisor owns every managed backend process. One instance is built in
// main and shared by the proxy, the control surface and the shutdown path.
type Supervisor struct {
	cfg config.SupervisorConfig

	mu      sync.Mutex
	procs   map[string]*managed
	pending map[string]*flight

	// ctx gates the delayed crash-restart goroutines so shutdown cancels
	// any restart still waiting out its backoff.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSupervisor creates an empty supervisor with the given tuning.
func NewSupervisor(cfg config.SupervisorConfig) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:     cfg,
		procs:   make(map[string]*managed),
		pending: make(map[string]*flight),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds a process spec. Registering twice replaces the spec only if
// the process is not running.
func (s *Supervisor) Register(spec Spec) error {
	if spec.ID == "" || spec.Command == "" {
		return errors.New("spec needs an ID and a command")
	}
	if spec.Ready == nil {
		spec.Ready = TCPReady(spec.Port)
	}
	if spec.StartupTimeout <= 0 {
		spec.StartupTimeout = s.cfg.ReadyTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.procs[spec.ID]; ok {
		if existing.state != StateStopped && existing.state != StateCrashed {
			return fmt.Errorf("process %s is %s, cannot re-register", spec.ID, existing.state)
		}
		existing.spec = spec
		return nil
	}

	s.procs[spec.ID] = &managed{
		spec:    spec,
		state:   StateStopped,
		backoff: s.newBackoff(),
	}
	metrics.SetBackendState(spec.ID, int(StateStopped))
	return nil
}

func (s *Supervisor) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffBase
	b.MaxInterval = s.cfg.BackoffCap
	b.MaxElapsedTime = 0 // the crash ledger, not elapsed time, ends restarts
	return b
}

// EnsureRunning makes sure the process is up and ready. It is safe to call
// from any number of goroutines: concurrent calls for the same ID collapse
// onto a single start attempt and all receive its result.
func (s *Supervisor) EnsureRunning(ctx context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}
	if p.state == StateRunning {
		s.mu.Unlock()
		return nil
	}
	if p.crashLooped {
		// The ceiling latched this backend down. Ordinary traffic must not
		// revive it; only an explicit Restart clears the latch.
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCrashLoopExceeded, id)
	}
	if fl, inFlight := s.pending[id]; inFlight {
		s.mu.Unlock()
		select {
		case <-fl.done:
			return fl.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fl := &flight{done: make(chan struct{})}
	s.pending[id] = fl
	s.mu.Unlock()

	// The attempt runs under the supervisor's context, not the caller's:
	// a disconnecting client must not abort a start other callers share.
	go func() {
		err := s.start(s.ctx, p)
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		fl.err = err
		close(fl.done)
	}()

	select {
	case <-fl.done:
		return fl.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start runs one full start attempt: prepare, spawn, poll readiness.
func (s *Supervisor) start(ctx context.Context, p *managed) error {
	s.mu.Lock()
	p.state = StateStarting
	p.stopWanted = false
	spec := p.spec
	s.mu.Unlock()
	metrics.SetBackendState(spec.ID, int(StateStarting))

	logging.Info().Str("backend", spec.ID).Int("port", spec.Port).Msg("starting backend")
	began := time.Now()

	if spec.Prepare != nil {
		if err := spec.Prepare(ctx); err != nil {
			s.setFailed(p, fmt.Errorf("prepare failed: %w", err))
			return fmt.Errorf("prepare %s: %w", spec.ID, err)
		}
	}

	cmd, err := spawn(spec, append(os.Environ(), spec.Env...))
	if err != nil {
		s.setFailed(p, err)
		return err
	}

	exited := make(chan struct{})
	s.mu.Lock()
	p.cmd = cmd
	p.exited = exited
	p.startedAt = time.Now()
	s.mu.Unlock()

	go s.waitFor(p, cmd, exited)

	if err := s.waitReady(ctx, p, spec, exited); err != nil {
		return err
	}

	s.mu.Lock()
	p.state = StateRunning
	p.lastErr = nil
	p.backoff.Reset()
	s.mu.Unlock()
	metrics.SetBackendState(spec.ID, int(StateRunning))
	metrics.RecordBackendStartup(spec.ID, time.Since(began))

	logging.Info().
		Str("backend", spec.ID).
		Int("pid", cmd.Process.Pid).
		Dur("took", time.Since(began)).
		Msg("backend ready")
	return nil
}

// waitReady polls the readiness probe until success, process exit, context
// cancellation or timeout.
func (s *Supervisor) waitReady(ctx context.Context, p *managed, spec Spec, exited chan struct{}) error {
	deadline := time.NewTimer(spec.StartupTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(readyPollInterval)
	defer tick.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, readyPollInterval*4)
		err := spec.Ready(probeCtx)
		cancel()
		if err == nil {
			return nil
		}

		select {
		case <-exited:
			s.mu.Lock()
			lastErr := p.lastErr
			s.mu.Unlock()
			return fmt.Errorf("%s exited during startup: %w", spec.ID, lastErr)
		case <-ctx.Done():
			s.killAndFail(p, spec, ctx.Err())
			return ctx.Err()
		case <-deadline.C:
			s.killAndFail(p, spec, ErrStartupTimeout)
			return fmt.Errorf("%s: %w after %s", spec.ID, ErrStartupTimeout, spec.StartupTimeout)
		case <-tick.C:
		}
	}
}

// killAndFail force-kills a process that failed to become ready.
func (s *Supervisor) killAndFail(p *managed, spec Spec, cause error) {
	s.mu.Lock()
	cmd := p.cmd
	p.stopWanted = true // the waiter must not schedule a restart
	s.mu.Unlock()

	if cmd != nil {
		_ = signalGroup(cmd, syscall.SIGKILL)
	}
	s.setFailed(p, cause)
	logging.Error().Err(cause).Str("backend", spec.ID).Msg("backend failed to become ready")
}

func (s *Supervisor) setFailed(p *managed, cause error) {
	s.mu.Lock()
	p.state = StateCrashed
	p.lastErr = cause
	s.mu.Unlock()
	metrics.SetBackendState(p.spec.ID, int(StateCrashed))
}

// waitFor reaps the process and drives the crash-restart policy.
func (s *Supervisor) waitFor(p *managed, cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()

	s.mu.Lock()
	if p.cmd != cmd {
		// A newer incarnation replaced this one; nothing to do.
		s.mu.Unlock()
		close(exited)
		return
	}
	p.cmd = nil

	if p.stopWanted || p.state == StateStopping {
		// Keep the crashed state when a failed startup was hard-killed;
		// otherwise this was a requested stop.
		if p.state != StateCrashed {
			p.state = StateStopped
		}
		final := p.state
		s.mu.Unlock()
		metrics.SetBackendState(p.spec.ID, int(final))
		close(exited)
		return
	}
	p.lastErr = err

	wasStarting := p.state == StateStarting
	p.state = StateCrashed
	p.totalCrashes++
	now := time.Now()
	p.crashes = append(p.crashes, now)
	p.crashes = pruneWindow(p.crashes, now.Add(-s.cfg.CrashWindow))
	crashCount := len(p.crashes)
	id := p.spec.ID
	s.mu.Unlock()

	metrics.SetBackendState(id, int(StateCrashed))
	metrics.RecordBackendCrash(id)
	close(exited)

	logging.Warn().
		Err(err).
		Str("backend", id).
		Int("recent_crashes", crashCount).
		Msg("backend exited unexpectedly")

	if wasStarting {
		// EnsureRunning observes the exit and reports the failure; the
		// crash is on the ledger but no automatic restart is scheduled.
		return
	}

	if crashCount > s.cfg.CrashCeiling {
		metrics.RecordCrashLoop(id)
		logging.Error().
			Str("backend", id).
			Int("crashes", crashCount).
			Dur("window", s.cfg.CrashWindow).
			Msg("crash ceiling exceeded, leaving backend down")
		s.mu.Lock()
		p.crashLooped = true
		p.lastErr = fmt.Errorf("%w: %d crashes within %s", ErrCrashLoopExceeded, crashCount, s.cfg.CrashWindow)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	delay := p.backoff.NextBackOff()
	s.mu.Unlock()
	logging.Info().Str("backend", id).Dur("delay", delay).Msg("scheduling crash restart")
	go s.restartAfter(id, delay)
}

func (s *Supervisor) restartAfter(id string, delay time.Duration) {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return
	case <-t.C:
	}

	metrics.RecordBackendRestart(id, "crash")
	s.mu.Lock()
	if p, ok := s.procs[id]; ok {
		p.restarts++
	}
	s.mu.Unlock()

	if err := s.EnsureRunning(s.ctx, id); err != nil {
		logging.Error().Err(err).Str("backend", id).Msg("crash restart failed")
	}
}

// pruneWindow drops crash timestamps older than cutoff.
func pruneWindow(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// Stop terminates a process: SIGTERM to the group, a grace period, then
// SIGKILL. Stopping a process that is not running is a no-op.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}
	if p.state != StateRunning && p.state != StateStarting {
		s.mu.Unlock()
		return nil
	}
	p.state = StateStopping
	p.stopWanted = true
	cmd := p.cmd
	exited := p.exited
	s.mu.Unlock()
	metrics.SetBackendState(id, int(StateStopping))

	if cmd == nil {
		s.mu.Lock()
		p.state = StateStopped
		s.mu.Unlock()
		metrics.SetBackendState(id, int(StateStopped))
		return nil
	}

	logging.Info().Str("backend", id).Msg("stopping backend")
	_ = signalGroup(cmd, syscall.SIGTERM)

	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-exited:
	case <-grace.C:
		logging.Warn().Str("backend", id).Msg("grace period elapsed, sending SIGKILL")
		_ = signalGroup(cmd, syscall.SIGKILL)
		select {
		case <-exited:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		_ = signalGroup(cmd, syscall.SIGKILL)
		return ctx.Err()
	}
	return nil
}

// Restart stops the process, waits for its port to be released and starts it
// again. reason labels the restart metric ("manual", "rebuild").
func (s *Supervisor) Restart(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}
	port := p.spec.Port
	wasUp := p.state == StateRunning || p.state == StateStarting
	// Manual intervention: clear the crash-loop latch and its ledger so the
	// fresh incarnation starts with a clean record.
	p.crashLooped = false
	p.crashes = nil
	p.backoff.Reset()
	s.mu.Unlock()

	if err := s.Stop(ctx, id); err != nil {
		return fmt.Errorf("restart %s: %w", id, err)
	}

	// Let the OS release the listening socket before the new incarnation
	// tries to bind it. Only relevant if something was actually up.
	if wasUp {
		select {
		case <-time.After(s.cfg.SettleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := waitPortFree(ctx, port, 10*time.Second); err != nil {
			logging.Warn().Err(err).Str("backend", id).Int("port", port).Msg("port still bound, starting anyway")
		}
	}

	metrics.RecordBackendRestart(id, reason)
	s.mu.Lock()
	p.restarts++
	s.mu.Unlock()

	return s.EnsureRunning(ctx, id)
}

// waitPortFree returns once the port can be bound, or after the timeout.
func waitPortFree(ctx context.Context, port int, timeout time.Duration) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.Now().Add(timeout)
	for {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln.Close()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("port %d not released within %s", port, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// StopAll stops every managed process. Used by the shutdown path after the
// public listener has drained.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.cancel() // no crash restarts during shutdown

	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil {
			logging.Error().Err(err).Str("backend", id).Msg("stop during shutdown failed")
		}
	}
}

// State returns the current lifecycle state for one process.
func (s *Supervisor) State(id string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return StateStopped, fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}
	return p.state, nil
}

// Statuses returns a snapshot of every managed process, sorted by ID.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.procs))
	for _, p := range s.procs {
		st := Status{
			ID:        p.spec.ID,
			State:     p.state.String(),
			Port:      p.spec.Port,
			StartedAt: p.startedAt,
			Restarts:  p.restarts,
			Crashes:   p.totalCrashes,
		}
		if p.cmd != nil && p.cmd.Process != nil {
			st.PID = p.cmd.Process.Pid
		}
		if p.lastErr != nil {
			st.LastError = p.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
