package code_test

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pieceflow/pieceflow/pkg/piece"
	"github.com/pieceflow/pieceflow/pkg/pieces/code"
)

func newRunner() *code.Runner {
	return code.NewRunner(code.Options{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
	})
}

func TestRunCodeReturnsFunctionResult(t *testing.T) {
	t.Parallel()

	out, err := newRunner().RunCode(context.Background(),
		"return input.n + inputs.n",
		map[string]any{"n": 21}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 42, out)
}

func TestRunCodeSeesDataView(t *testing.T) {
	t.Parallel()

	data := map[string]any{
		"trigger": map[string]any{"kind": "webhook"},
		"steps":   map[string]any{"fetch": map[string]any{"status": 200}},
		"run":     map[string]any{"id": "run-1"},
	}

	out, err := newRunner().RunCode(context.Background(),
		`return trigger.kind + ":" + steps.fetch.status + ":" + run.id`,
		nil, data)
	require.NoError(t, err)
	assert.Equal(t, "webhook:200:run-1", out)
}

func TestRunCodeUndefinedBecomesNil(t *testing.T) {
	t.Parallel()

	out, err := newRunner().RunCode(context.Background(), "var unused = 1", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestRunCodeThrownErrorIsRuntimeFailure(t *testing.T) {
	t.Parallel()

	_, err := newRunner().RunCode(context.Background(),
		`throw new Error("order missing")`, nil, nil)
	require.Error(t, err)

	var invErr *piece.InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, piece.FailureRuntime, invErr.Kind)
	assert.Contains(t, invErr.Message, "order missing")
}

func TestRunCodeSyntaxErrorIsRuntimeFailure(t *testing.T) {
	t.Parallel()

	_, err := newRunner().RunCode(context.Background(), "return ((", nil, nil)
	require.Error(t, err)

	var invErr *piece.InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, piece.FailureRuntime, invErr.Kind)
}

func TestRunCodeInterruptsOnScriptTimeout(t *testing.T) {
	t.Parallel()

	runner := code.NewRunner(code.Options{
		Logger:  slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
		Timeout: 50 * time.Millisecond,
	})

	_, err := runner.RunCode(context.Background(), "for (;;) {}", nil, nil)
	require.Error(t, err)

	var invErr *piece.InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, piece.FailureTimeout, invErr.Kind)
	assert.Contains(t, invErr.Message, "exceeded")
}

func TestRunCodePassesThroughContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := newRunner().RunCode(ctx, "for (;;) {}", nil, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunCodeConsoleWritesToLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	runner := code.NewRunner(code.Options{Logger: slog.New(slog.NewTextHandler(&buf, nil))})

	out, err := runner.RunCode(context.Background(),
		`console.log("processed", inputs.id); return true`,
		map[string]any{"id": "A-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
	assert.Contains(t, buf.String(), "processed A-1")
	assert.Contains(t, buf.String(), "origin=script")
}
