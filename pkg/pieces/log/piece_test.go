package logpiece_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pieceflow/pieceflow/pkg/piece"
	logpiece "github.com/pieceflow/pieceflow/pkg/pieces/log"
)

func TestEmitWritesLineAndEchoesInput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := slog.New(slog.NewTextHandler(&buf, nil))

	input := map[string]any{
		"message": "order shipped",
		"level":   "warn",
		"fields":  map[string]any{"order_id": "A-1", "attempt": 2},
	}

	output, err := logpiece.New().Run(context.Background(), piece.Request{
		Operation: "emit",
		Input:     input,
	}, logger)
	require.NoError(t, err)
	assert.Equal(t, input, output)

	line := buf.String()
	assert.Contains(t, line, "level=WARN")
	assert.Contains(t, line, `msg="order shipped"`)
	assert.Contains(t, line, "attempt=2")
	assert.Contains(t, line, "order_id=A-1")
}

func TestEmitDefaultsToInfo(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := slog.New(slog.NewTextHandler(&buf, nil))

	_, err := logpiece.New().Run(context.Background(), piece.Request{
		Operation: "emit",
		Input:     map[string]any{"message": "hello"},
	}, logger)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "level=INFO")
}

func TestEmitRequiresMessage(t *testing.T) {
	t.Parallel()

	_, err := logpiece.New().Run(context.Background(), piece.Request{
		Operation: "emit",
		Input:     map[string]any{},
	}, slog.Default())
	require.Error(t, err)

	var invErr *piece.InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, piece.FailureRuntime, invErr.Kind)
	assert.Contains(t, invErr.Message, "missing log message")
}
