// Package delay pauses a flow between steps. The sleep is bounded by
// the invocation context, so run deadlines and stop requests cut it
// short instead of waiting it out.
package delay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pieceflow/pieceflow/pkg/piece"
)

const (
	Name    = "delay"
	Version = "0.1.0"
)

type Piece struct{}

func New() *Piece {
	return &Piece{}
}

func (p *Piece) Definition() piece.Definition {
	return piece.Definition{
		Metadata: piece.Metadata{
			Name:        Name,
			Version:     Version,
			DisplayName: "Delay",
			Description: "Pause the flow for a fixed duration.",
		},
		Actions: []piece.Operation{
			{
				Name:        "sleep",
				DisplayName: "Sleep",
				Description: "Waits the given number of seconds before the next step runs.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"seconds": map[string]any{
							"type":    "number",
							"minimum": 0,
						},
					},
					"required": []string{"seconds"},
				},
			},
		},
	}
}

func (p *Piece) Run(ctx context.Context, req piece.Request, logger *slog.Logger) (any, error) {
	if req.Operation != "sleep" {
		return nil, &piece.InvocationError{
			Kind:    piece.FailureRuntime,
			Message: fmt.Sprintf("delay piece has no operation %q", req.Operation),
		}
	}

	seconds, ok := toSeconds(req.Input["seconds"])
	if !ok || seconds < 0 {
		return nil, &piece.InvocationError{Kind: piece.FailureRuntime, Message: "seconds must be a non-negative number"}
	}

	duration := time.Duration(seconds * float64(time.Second))

	logger.DebugContext(ctx, "Delaying flow", "duration", duration)

	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return map[string]any{"slept_ms": duration.Milliseconds()}, nil
}

func toSeconds(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
