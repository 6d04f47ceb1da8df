package sources_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence/memory"
	schedulepiece "github.com/pieceflow/pieceflow/pkg/pieces/schedule"
	webhookpiece "github.com/pieceflow/pieceflow/pkg/pieces/webhook"
	"github.com/pieceflow/pieceflow/pkg/piece"
	"github.com/pieceflow/pieceflow/pkg/registry"
	"github.com/pieceflow/pieceflow/pkg/sources"
	"github.com/pieceflow/pieceflow/pkg/testutil"
)

func newScanner(t *testing.T) (*sources.Scanner, *memory.Persistence) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store := memory.NewPersistence()

	reg := registry.NewRegistry(logger)
	reg.MustRegister(webhookpiece.New())
	reg.MustRegister(schedulepiece.New())

	return sources.NewScanner(store.Flows(), reg, logger), store
}

func saveTriggerVersion(t *testing.T, store *memory.Persistence, configure func(*models.Step)) *models.FlowVersion {
	t.Helper()

	trigger := testutil.CreateTestTrigger("")
	configure(trigger)

	version := testutil.CreateTestFlowVersion(trigger)
	require.NoError(t, store.Flows().SaveVersion(context.Background(), version))

	return version
}

func TestScanReturnsBindingsOfRequestedKind(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	scanner, store := newScanner(t)

	hook := saveTriggerVersion(t, store, func(s *models.Step) {
		s.Piece = models.PieceRef{Name: webhookpiece.Name, Version: webhookpiece.Version}
		s.Operation = "receive"
	})

	cron := saveTriggerVersion(t, store, func(s *models.Step) {
		s.Piece = models.PieceRef{Name: schedulepiece.Name, Version: schedulepiece.Version}
		s.Operation = "cron"
		s.Input = map[string]any{"expression": "*/5 * * * *"}
	})

	webhooks, err := scanner.Scan(ctx, piece.TriggerKindWebhook)
	require.NoError(t, err)
	require.Len(t, webhooks, 1)
	assert.Equal(t, hook.ID, webhooks[0].Version.ID)
	assert.Equal(t, "trigger", webhooks[0].Step.ID)
	assert.Equal(t, piece.TriggerKindWebhook, webhooks[0].Spec.Kind)

	schedules, err := scanner.Scan(ctx, piece.TriggerKindSchedule)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, cron.ID, schedules[0].Version.ID)
}

func TestScanSkipsManualFlows(t *testing.T) {
	t.Parallel()

	scanner, store := newScanner(t)

	// A trigger without a piece is only runnable by hand.
	saveTriggerVersion(t, store, func(s *models.Step) {})

	bindings, err := scanner.Scan(context.Background(), piece.TriggerKindWebhook)
	require.NoError(t, err)
	assert.Empty(t, bindings)
}

func TestScanSkipsBrokenBindings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	scanner, store := newScanner(t)

	// Unregistered piece.
	saveTriggerVersion(t, store, func(s *models.Step) {
		s.Piece = models.PieceRef{Name: "salesforce", Version: "1.0.0"}
		s.Operation = "record_created"
	})

	// Operation the piece does not expose.
	saveTriggerVersion(t, store, func(s *models.Step) {
		s.Piece = models.PieceRef{Name: webhookpiece.Name, Version: webhookpiece.Version}
		s.Operation = "send"
	})

	// Configuration rejected by the trigger schema.
	saveTriggerVersion(t, store, func(s *models.Step) {
		s.Piece = models.PieceRef{Name: schedulepiece.Name, Version: schedulepiece.Version}
		s.Operation = "cron"
		s.Input = map[string]any{}
	})

	for _, kind := range []string{piece.TriggerKindWebhook, piece.TriggerKindSchedule} {
		bindings, err := scanner.Scan(ctx, kind)
		require.NoError(t, err)
		assert.Empty(t, bindings, "kind %s", kind)
	}
}

func TestScanIgnoresDrafts(t *testing.T) {
	t.Parallel()

	scanner, store := newScanner(t)

	trigger := testutil.CreateTestTrigger("")
	trigger.Piece = models.PieceRef{Name: webhookpiece.Name, Version: webhookpiece.Version}
	trigger.Operation = "receive"

	version := testutil.CreateTestFlowVersion(trigger)
	version.State = models.FlowVersionStateDraft
	require.NoError(t, store.Flows().SaveVersion(context.Background(), version))

	bindings, err := scanner.Scan(context.Background(), piece.TriggerKindWebhook)
	require.NoError(t, err)
	assert.Empty(t, bindings)
}
