package schedule

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence"
	"github.com/pieceflow/pieceflow/pkg/persistence/memory"
	schedulepiece "github.com/pieceflow/pieceflow/pkg/pieces/schedule"
	webhookpiece "github.com/pieceflow/pieceflow/pkg/pieces/webhook"
	"github.com/pieceflow/pieceflow/pkg/piece"
	"github.com/pieceflow/pieceflow/pkg/queue/memqueue"
	"github.com/pieceflow/pieceflow/pkg/registry"
	"github.com/pieceflow/pieceflow/pkg/testutil"
	"github.com/pieceflow/pieceflow/pkg/worker"
)

func newSource(t *testing.T) (*Source, *memory.Persistence) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store := memory.NewPersistence()

	q := memqueue.New(memqueue.Options{})
	t.Cleanup(func() { _ = q.Close() })

	reg := registry.NewRegistry(logger)
	reg.MustRegister(schedulepiece.New())
	reg.MustRegister(webhookpiece.New())

	dispatcher := worker.NewDispatcher(store.Runs(), q, nil, logger)
	source := NewSource(store.Flows(), reg, dispatcher, Options{Logger: logger})

	return source, store
}

func saveScheduleVersion(t *testing.T, store *memory.Persistence, expression string) *models.FlowVersion {
	t.Helper()

	trigger := testutil.CreateTestTrigger("")
	trigger.Piece = models.PieceRef{Name: schedulepiece.Name, Version: schedulepiece.Version}
	trigger.Operation = "cron"
	trigger.Input = map[string]any{"expression": expression}

	version := testutil.CreateTestFlowVersion(trigger)
	require.NoError(t, store.Flows().SaveVersion(context.Background(), version))

	return version
}

func startSource(t *testing.T, source *Source) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, source.Start(ctx))
	t.Cleanup(func() { _ = source.Stop(context.Background()) })
}

func TestRescanBindsActiveSchedules(t *testing.T) {
	t.Parallel()

	source, store := newSource(t)

	v1 := saveScheduleVersion(t, store, "*/5 * * * *")
	v2 := saveScheduleVersion(t, store, "0 12 * * *")

	webhookTrigger := testutil.CreateTestTrigger("")
	webhookTrigger.Piece = models.PieceRef{Name: webhookpiece.Name, Version: webhookpiece.Version}
	webhookTrigger.Operation = "receive"
	require.NoError(t, store.Flows().SaveVersion(context.Background(), testutil.CreateTestFlowVersion(webhookTrigger)))

	startSource(t, source)

	expected := []string{v1.ID, v2.ID}
	sort.Strings(expected)
	assert.Equal(t, expected, source.Schedules())
}

func TestRescanUnbindsSupersededVersions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	source, store := newSource(t)

	v1 := saveScheduleVersion(t, store, "*/5 * * * *")

	startSource(t, source)
	require.Equal(t, []string{v1.ID}, source.Schedules())

	// A newer locked version of the same flow switches to a webhook
	// trigger, so the schedule goes away.
	replacementTrigger := testutil.CreateTestTrigger("")
	replacementTrigger.Piece = models.PieceRef{Name: webhookpiece.Name, Version: webhookpiece.Version}
	replacementTrigger.Operation = "receive"

	replacement := testutil.CreateTestFlowVersion(replacementTrigger)
	replacement.FlowID = v1.FlowID
	replacement.Version = 2
	require.NoError(t, store.Flows().SaveVersion(ctx, replacement))

	source.Rescan(ctx)
	assert.Empty(t, source.Schedules())
}

func TestRescanSkipsInvalidExpression(t *testing.T) {
	t.Parallel()

	source, store := newSource(t)
	saveScheduleVersion(t, store, "every other tuesday")

	startSource(t, source)
	assert.Empty(t, source.Schedules())
}

func TestFireAdmitsRunOncePerTick(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	source, store := newSource(t)
	version := saveScheduleVersion(t, store, "* * * * *")

	bindings, err := source.scanner.Scan(ctx, piece.TriggerKindSchedule)
	require.NoError(t, err)
	require.Len(t, bindings, 1)

	firedAt := time.Date(2024, 5, 14, 12, 30, 0, 0, time.UTC)

	source.fire(ctx, bindings[0], "* * * * *", firedAt)
	source.fire(ctx, bindings[0], "* * * * *", firedAt.Add(10*time.Second))

	runs, err := store.Runs().ListRuns(ctx, persistence.ListRunsOptions{ProjectID: version.ProjectID})
	require.NoError(t, err)
	require.Len(t, runs, 2)

	statuses := map[models.RunStatus]int{}

	var admitted *models.ExecutionRun

	for _, run := range runs {
		statuses[run.Status]++

		if run.Status == models.RunStatusQueued {
			admitted = run
		}
	}

	// The second fire of the same minute collapses.
	assert.Equal(t, 1, statuses[models.RunStatusQueued])
	assert.Equal(t, 1, statuses[models.RunStatusStopped])

	require.NotNil(t, admitted)

	full, err := store.Runs().RunByID(ctx, admitted.ID)
	require.NoError(t, err)

	payload, ok := full.TriggerPayload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2024-05-14T12:30:00Z", payload["fired_at"])
	assert.Equal(t, "* * * * *", payload["expression"])

	// The next minute admits again.
	source.fire(ctx, bindings[0], "* * * * *", firedAt.Add(time.Minute))

	runs, err = store.Runs().ListRuns(ctx, persistence.ListRunsOptions{ProjectID: version.ProjectID})
	require.NoError(t, err)

	queued := 0

	for _, run := range runs {
		if run.Status == models.RunStatusQueued {
			queued++
		}
	}

	assert.Equal(t, 2, queued)
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	source, _ := newSource(t)

	require.NoError(t, source.Start(ctx))
	require.NoError(t, source.Start(ctx))
	require.NoError(t, source.Stop(ctx))
	require.NoError(t, source.Stop(ctx))
}
