package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pieceflow/pieceflow/pkg/piece"
)

// ProcessInvoker runs every invocation in a fresh child process. The
// request travels in on stdin, the response comes back on stdout, and the
// child is killed once the deadline passes. A crashed or wedged child
// surfaces as a classified error, never as worker corruption.
type ProcessInvoker struct {
	command []string
	env     []string
	timeout time.Duration
	logger  *slog.Logger
}

func NewProcessInvoker(command []string, timeout time.Duration, env []string, logger *slog.Logger) *ProcessInvoker {
	return &ProcessInvoker{
		command: command,
		env:     env,
		timeout: timeout,
		logger:  logger,
	}
}

func (p *ProcessInvoker) Invoke(ctx context.Context, req piece.Request) (any, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &piece.InvocationError{
			Kind:    piece.FailureRuntime,
			Message: fmt.Sprintf("failed to encode request: %v", err),
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.command[0], p.command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)

	if len(p.env) > 0 {
		cmd.Env = append(os.Environ(), p.env...)
	}

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		p.logger.ErrorContext(ctx, "Piece host killed on deadline",
			"piece", req.Piece.String(),
			"operation", req.Operation,
			"timeout", p.timeout)

		return nil, &piece.InvocationError{
			Kind:    piece.FailureTimeout,
			Message: fmt.Sprintf("piece host for %s.%s exceeded %s deadline", req.Piece, req.Operation, p.timeout),
		}
	}

	if runErr != nil {
		return nil, &piece.InvocationError{
			Kind:    piece.FailureRuntime,
			Message: fmt.Sprintf("piece host failed: %v: %s", runErr, firstLine(stderr.String())),
		}
	}

	var resp piece.Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, &piece.InvocationError{
			Kind:    piece.FailureRuntime,
			Message: fmt.Sprintf("piece host returned malformed response: %v", err),
		}
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	p.logger.DebugContext(ctx, "Piece host finished",
		"piece", req.Piece.String(),
		"operation", req.Operation,
		"duration", time.Since(started))

	return resp.Output, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}

	return s
}
