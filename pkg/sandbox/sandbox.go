// Package sandbox is the piece invocation boundary. An Invoker executes
// one piece request under a configured isolation mode: UNSANDBOXED
// dispatches in-process through the registry, SANDBOX_PROCESS delegates
// to a supervised child process with a hard wall-clock deadline and JSON
// over stdin/stdout as the only IPC channel.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pieceflow/pieceflow/pkg/piece"
	"github.com/pieceflow/pieceflow/pkg/registry"
)

// Isolation modes.
const (
	ModeUnsandboxed    = "UNSANDBOXED"
	ModeSandboxProcess = "SANDBOX_PROCESS"
)

// HostSubcommand is the hidden worker subcommand that serves a single
// invocation as a sandbox child.
const HostSubcommand = "piece-host"

// Invoker executes piece requests. Failures surface as
// *piece.InvocationError so the engine can classify and retry them.
type Invoker interface {
	Invoke(ctx context.Context, req piece.Request) (any, error)
}

// Options configures the invoker built by New.
type Options struct {
	Logger *slog.Logger

	// Timeout is the per-invocation wall-clock deadline. Zero disables it
	// for UNSANDBOXED mode; SANDBOX_PROCESS always enforces one.
	Timeout time.Duration

	// HostCommand is the argv of the sandbox child. Empty means re-exec
	// the current binary with the piece-host subcommand.
	HostCommand []string

	// HostEnv is appended to the parent environment of sandbox children.
	HostEnv []string
}

// DefaultSandboxTimeout bounds sandbox children when no timeout is
// configured. A child without a deadline could wedge a worker slot
// forever.
const DefaultSandboxTimeout = 10 * time.Minute

// New builds the invoker for the configured isolation mode.
func New(mode string, reg *registry.Registry, opts Options) (Invoker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch mode {
	case "", ModeUnsandboxed:
		return NewUnsandboxed(reg, logger, opts.Timeout), nil
	case ModeSandboxProcess:
		command := opts.HostCommand
		if len(command) == 0 {
			executable, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("failed to locate executable for sandbox host: %w", err)
			}

			command = []string{executable, HostSubcommand}
		}

		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultSandboxTimeout
		}

		return NewProcessInvoker(command, timeout, opts.HostEnv, logger), nil
	default:
		return nil, fmt.Errorf("unknown isolation mode %q", mode)
	}
}
