// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

package backends

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/tomtom215/clawgate/internal/logging"
)

// ErrConfigSync means the gateway's persisted config did not read back the
// token that was just written. Running the gateway with mismatched auth would
// break every proxied request, so the start attempt is aborted.
var ErrConfigSync = errors.New("gateway config sync verification failed")

// CLIRunner invokes the gateway configuration CLI with the given arguments
// and returns its trimmed stdout. Injectable for tests.
type CLIRunner func(ctx context.Context, args ...string) (string, error)

// execCLI is the production CLIRunner wrapping the configured binary.
func execCLI(binary string) CLIRunner {
	return func(ctx context.Context, args ...string) (string, error) {
		cmd := exec.CommandContext(ctx, binary, args...)
		var out, errBuf bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &errBuf
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("%s %s: %w: %s", binary, strings.Join(args, " "), err, strings.TrimSpace(errBuf.String()))
		}
		return strings.TrimSpace(out.String()), nil
	}
}

// pushGatewayConfig writes the settings the gateway must run with into its
// persisted config via the control CLI, then verifies the write by reading
// the token back. Runs before every gateway spawn.
func (m *Manager) pushGatewayConfig(ctx context.Context) error {
	gw := m.cfg.Backends.Gateway
	token := m.rt.GatewayToken()

	settings := [][2]string{
		{"gateway.host", "127.0.0.1"},
		{"gateway.port", strconv.Itoa(gw.Port)},
		{"gateway.auth.token", token},
		{"gateway.enabled", "true"},
	}
	for _, kv := range settings {
		if _, err := m.cli(ctx, "config", "set", kv[0], kv[1]); err != nil {
			return fmt.Errorf("failed to set %s: %w", kv[0], err)
		}
	}

	// Read back and compare: a silent write failure here would leave the
	// gateway running with a token the proxy does not hold.
	got, err := m.cli(ctx, "config", "get", "gateway.auth.token")
	if err != nil {
		return fmt.Errorf("failed to read back gateway token: %w", err)
	}
	if strings.TrimSpace(got) != token {
		return fmt.Errorf("%w: persisted token does not match", ErrConfigSync)
	}

	logging.Debug().Int("port", gw.Port).Msg("gateway config pushed and verified")
	return nil
}
