package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pieceflow/pieceflow/pkg/piece"
	"github.com/pieceflow/pieceflow/pkg/registry"
)

// Unsandboxed dispatches requests to pieces in-process. It is the fast
// path for trusted deployments and also the dispatch layer inside the
// sandbox child.
type Unsandboxed struct {
	registry *registry.Registry
	logger   *slog.Logger
	timeout  time.Duration
}

func NewUnsandboxed(reg *registry.Registry, logger *slog.Logger, timeout time.Duration) *Unsandboxed {
	return &Unsandboxed{
		registry: reg,
		logger:   logger,
		timeout:  timeout,
	}
}

func (u *Unsandboxed) Invoke(ctx context.Context, req piece.Request) (output any, err error) {
	bound, lookupErr := u.registry.Lookup(req.Piece)
	if lookupErr != nil {
		return nil, &piece.InvocationError{Kind: piece.FailureRuntime, Message: lookupErr.Error()}
	}

	if u.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	// Third-party piece code runs here; a panic must not take the worker
	// down with it.
	defer func() {
		if r := recover(); r != nil {
			u.logger.ErrorContext(ctx, "Piece panicked",
				"piece", req.Piece.String(),
				"operation", req.Operation,
				"panic", fmt.Sprint(r))

			output = nil
			err = &piece.InvocationError{
				Kind:    piece.FailureRuntime,
				Message: fmt.Sprintf("piece panicked: %v", r),
			}
		}
	}()

	output, err = bound.Run(ctx, req, u.logger)
	if err != nil {
		var invErr *piece.InvocationError
		if errors.As(err, &invErr) {
			return nil, invErr
		}

		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &piece.InvocationError{
				Kind:    piece.FailureTimeout,
				Message: fmt.Sprintf("piece %s.%s exceeded its deadline", req.Piece, req.Operation),
			}
		}

		return nil, &piece.InvocationError{Kind: piece.FailureRuntime, Message: err.Error()}
	}

	return output, nil
}
