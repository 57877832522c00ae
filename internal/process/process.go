// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

// Package process supervises the long-running backend processes behind the
// gateway: spawn, readiness polling, graceful stop and crash-restart with a
// rolling-window ceiling. Callers interact through a Supervisor; per-backend
// preparation (config pushes, dependency installs, entry detection) is
// injected via Spec hooks so this package stays generic.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/tomtom215/clawgate/internal/logging"
)

// State is the lifecycle state of a managed process.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

// String returns the lowercase state name used in logs and the status API.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// ReadyFunc performs one readiness probe attempt. It is polled until it
// returns nil or the startup timeout elapses.
type ReadyFunc func(ctx context.Context) error

// PrepareFunc runs before each spawn. Pushing gateway configuration or
// installing dashboard dependencies happens here.
type PrepareFunc func(ctx context.Context) error

// Spec describes one managed backend process.
type Spec struct {
	// ID names the process in logs, metrics and the status API.
	ID string

	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment

	// Port is the TCP port the process binds. Used for the default
	// readiness probe and the port-release wait during restart.
	Port int

	// Ready overrides the default TCP-connect probe. Nil means dial Port.
	Ready ReadyFunc

	// Prepare, when set, runs before every spawn. A Prepare error aborts
	// the start.
	Prepare PrepareFunc

	// StartupTimeout bounds the readiness poll. Zero means the supervisor
	// default.
	StartupTimeout time.Duration
}

// Status is a point-in-time snapshot of a managed process, serialized by the
// status API.
type Status struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
	Restarts  int       `json:"restarts"`
	Crashes   int       `json:"crashes"`
	LastError string    `json:"last_error,omitempty"`
}

// TCPReady returns a ReadyFunc that succeeds once the port accepts
// connections. This is the default probe.
func TCPReady(port int) ReadyFunc {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	return func(ctx context.Context) error {
		d := net.Dialer{Timeout: time.Second}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// spawn builds and starts the exec.Cmd for a spec. The process gets its own
// process group so stop signals reach npm/node child trees, not just the
// immediate child.
func spawn(spec Spec, env []string) (*exec.Cmd, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out := &childLogWriter{id: spec.ID}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.ID, err)
	}
	return cmd, nil
}

// signalGroup sends sig to the process group of cmd, falling back to the
// single process if the group is gone.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		return syscall.Kill(pid, sig)
	}
	return nil
}

// childLogWriter forwards child stdout/stderr lines into the structured log
// at debug level, tagged with the backend ID.
type childLogWriter struct {
	id string
}

func (w *childLogWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		logging.Debug().Str("backend", w.id).Msg(string(line))
	}
	return len(p), nil
}
