// Package schedule is the cron trigger piece. The schedule source owns
// the cron machinery; this piece carries the payload contract for the
// runs it admits.
package schedule

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pieceflow/pieceflow/pkg/piece"
)

const (
	Name    = "schedule"
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
			DisplayName: "Schedule",
			Description: "Start a flow on a cron schedule.",
		},
		Triggers: []piece.TriggerSpec{
			{
				Name:        "cron",
				Kind:        piece.TriggerKindSchedule,
				Description: "Fires when the configured cron expression matches.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"expression": map[string]any{
							"type":        "string",
							"description": "Five-field cron expression, minute precision.",
						},
					},
					"required": []string{"expression"},
				},
				PayloadSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"fired_at": map[string]any{
							"type":   "string",
							"format": "date-time",
						},
						"expression": map[string]any{
							"type": "string",
						},
					},
					"required": []string{"fired_at"},
				},
			},
		},
	}
}

// Run echoes the firing payload; scheduling happens in the source, not
// here.
func (p *Piece) Run(_ context.Context, req piece.Request, _ *slog.Logger) (any, error) {
	if req.Operation != "cron" {
		return nil, &piece.InvocationError{
			Kind:    piece.FailureRuntime,
			Message: fmt.Sprintf("schedule piece has no operation %q", req.Operation),
		}
	}

	return req.Input, nil
}
