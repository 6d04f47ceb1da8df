// Package webhook is the ingress trigger piece for HTTP deliveries. It
// carries the payload contract the webhook source emits and the
// interpreter validates; the piece itself executes nothing.
package webhook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pieceflow/pieceflow/pkg/piece"
)

const (
	Name    = "webhook"
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
			DisplayName: "Webhook",
			Description: "Start a flow from an incoming HTTP delivery.",
		},
		Triggers: []piece.TriggerSpec{
			{
				Name:        "receive",
				Kind:        piece.TriggerKindWebhook,
				Description: "Fires once per delivery with the request body, headers and query parameters.",
				PayloadSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"body": map[string]any{
							"description": "Parsed JSON body, or the raw text when the delivery is not JSON.",
						},
						"headers": map[string]any{
							"type": "object",
						},
						"query": map[string]any{
							"type": "object",
						},
					},
					"required": []string{"body"},
				},
			},
		},
	}
}

// Run echoes the delivery payload. Webhook runs are admitted by the
// ingress source; by the time the interpreter reaches the trigger step
// the payload already exists, so there is nothing to execute.
func (p *Piece) Run(_ context.Context, req piece.Request, _ *slog.Logger) (any, error) {
	if req.Operation != "receive" {
		return nil, &piece.InvocationError{
			Kind:    piece.FailureRuntime,
			Message: fmt.Sprintf("webhook piece has no operation %q", req.Operation),
		}
	}

	return req.Input, nil
}
