package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/pieceflow/pieceflow/pkg/piece"
	"github.com/pieceflow/pieceflow/pkg/registry"
)

// RunHost serves exactly one invocation on the given streams: decode the
// request, dispatch it against the registry, encode the response. Piece
// failures travel inside the response with a zero exit; a non-nil return
// means the host itself broke and the parent should treat the run as a
// runtime failure.
func RunHost(ctx context.Context, reg *registry.Registry, stdin io.Reader, stdout io.Writer, logger *slog.Logger) error {
	var req piece.Request
	if err := json.NewDecoder(stdin).Decode(&req); err != nil {
		return fmt.Errorf("failed to decode invocation request: %w", err)
	}

	// The parent enforces the deadline by killing us, no local timeout.
	output, err := NewUnsandboxed(reg, logger, 0).Invoke(ctx, req)

	resp := piece.Response{Output: output}

	if err != nil {
		var invErr *piece.InvocationError
		if !errors.As(err, &invErr) {
			invErr = &piece.InvocationError{Kind: piece.FailureRuntime, Message: err.Error()}
		}

		resp = piece.Response{Error: invErr}
	}

	if err := json.NewEncoder(stdout).Encode(resp); err != nil {
		return fmt.Errorf("failed to encode invocation response: %w", err)
	}

	return nil
}
