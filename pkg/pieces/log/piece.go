// Package logpiece emits flow-authored log lines through the worker's
// structured logger and echoes its input so downstream steps can chain
// off it.
package logpiece

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/pieceflow/pieceflow/pkg/piece"
)

const (
	Name    = "log"
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
			DisplayName: "Log",
			Description: "Write a structured log line from a flow.",
		},
		Actions: []piece.Operation{
			{
				Name:        "emit",
				DisplayName: "Emit Log Line",
				Description: "Logs the message at the chosen level and passes the input through as output.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"message": map[string]any{
							"type": "string",
						},
						"level": map[string]any{
							"type": "string",
							"enum": []string{"debug", "info", "warn", "error"},
						},
						"fields": map[string]any{
							"type":        "object",
							"description": "Extra attributes attached to the log line.",
						},
					},
					"required": []string{"message"},
				},
			},
		},
	}
}

func (p *Piece) Run(ctx context.Context, req piece.Request, logger *slog.Logger) (any, error) {
	if req.Operation != "emit" {
		return nil, &piece.InvocationError{
			Kind:    piece.FailureRuntime,
			Message: fmt.Sprintf("log piece has no operation %q", req.Operation),
		}
	}

	message, _ := req.Input["message"].(string)
	if message == "" {
		return nil, &piece.InvocationError{Kind: piece.FailureRuntime, Message: "missing log message"}
	}

	levelName, _ := req.Input["level"].(string)

	logger.Log(ctx, parseLevel(levelName), message, fieldArgs(req.Input)...)

	return req.Input, nil
}

func parseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// fieldArgs flattens the fields object into slog args with a stable
// order, so repeated runs produce identical lines.
func fieldArgs(input map[string]any) []any {
	fields, ok := input["fields"].(map[string]any)
	if !ok || len(fields) == 0 {
		return nil
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}

	return args
}
