package webhook_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pieceflow/pieceflow/pkg/piece"
	"github.com/pieceflow/pieceflow/pkg/pieces/webhook"
)

func TestDefinitionExposesWebhookTrigger(t *testing.T) {
	t.Parallel()

	spec, ok := webhook.New().Definition().Trigger("receive")
	require.True(t, ok)
	assert.Equal(t, piece.TriggerKindWebhook, spec.Kind)
	assert.NotNil(t, spec.PayloadSchema)
}

func TestRunEchoesDelivery(t *testing.T) {
	t.Parallel()

	payload := map[string]any{
		"body":    map[string]any{"event": "order.created"},
		"headers": map[string]any{"X-Event-Id": "evt-1"},
	}

	output, err := webhook.New().Run(context.Background(), piece.Request{
		Operation: "receive",
		Input:     payload,
	}, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, payload, output)
}

func TestRunRejectsUnknownOperation(t *testing.T) {
	t.Parallel()

	_, err := webhook.New().Run(context.Background(), piece.Request{Operation: "send"}, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no operation "send"`)
}
