package worker

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence"
	"github.com/pieceflow/pieceflow/pkg/persistence/memory"
	"github.com/pieceflow/pieceflow/pkg/queue"
	"github.com/pieceflow/pieceflow/pkg/queue/memqueue"
	"github.com/pieceflow/pieceflow/pkg/testutil"
)

func newDispatcher(t *testing.T) (*Dispatcher, *memory.Persistence, *memqueue.Memory) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store := memory.NewPersistence()
	q := memqueue.New(memqueue.Options{})
	t.Cleanup(func() { _ = q.Close() })

	return NewDispatcher(store.Runs(), q, nil, logger), store, q
}

func TestDispatcherEnqueuesRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dispatcher, store, q := newDispatcher(t)

	version := testutil.CreateTestFlowVersion(testutil.CreateTestTrigger(""))
	require.NoError(t, store.Flows().SaveVersion(ctx, version))

	run, err := dispatcher.Enqueue(ctx, EnqueueRequest{
		Version: version,
		Payload: map[string]any{"order_id": "A-1"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, models.RunStatusQueued, run.Status)

	stored, err := store.Runs().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, version.ID, stored.FlowVersionID)
	assert.Equal(t, version.ProjectID, stored.ProjectID)

	lease, err := q.Claim(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, lease.Job.RunID)
	assert.Equal(t, 1, lease.Job.Attempt)
}

func TestDispatcherRejectsDraftVersion(t *testing.T) {
	t.Parallel()

	dispatcher, _, _ := newDispatcher(t)

	version := testutil.CreateTestFlowVersion(testutil.CreateTestTrigger(""))
	version.State = models.FlowVersionStateDraft

	_, err := dispatcher.Enqueue(context.Background(), EnqueueRequest{Version: version})
	require.ErrorContains(t, err, "only locked versions run")
}

func TestDispatcherCollapsesDuplicateAdmissions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dispatcher, store, _ := newDispatcher(t)

	version := testutil.CreateTestFlowVersion(testutil.CreateTestTrigger(""))
	require.NoError(t, store.Flows().SaveVersion(ctx, version))

	request := EnqueueRequest{
		Version:      version,
		Payload:      map[string]any{"delivery": "evt-1"},
		DedupeKey:    "webhook:evt-1",
		DedupeWindow: time.Minute,
	}

	first, err := dispatcher.Enqueue(ctx, request)
	require.NoError(t, err)

	_, err = dispatcher.Enqueue(ctx, request)
	require.ErrorIs(t, err, queue.ErrDuplicate)

	runs, err := store.Runs().ListRuns(ctx, persistence.ListRunsOptions{ProjectID: version.ProjectID})
	require.NoError(t, err)
	require.Len(t, runs, 2)

	statuses := map[models.RunStatus]int{}
	for _, run := range runs {
		statuses[run.Status]++
	}

	// The admitted run stays queued; the collapsed one is finished so it
	// does not linger as a QUEUED record nothing will dispatch.
	assert.Equal(t, 1, statuses[models.RunStatusQueued])
	assert.Equal(t, 1, statuses[models.RunStatusStopped])

	stored, err := store.Runs().RunByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, stored.Status)
}

func TestDispatcherHonorsDelayedDispatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dispatcher, store, q := newDispatcher(t)

	version := testutil.CreateTestFlowVersion(testutil.CreateTestTrigger(""))
	require.NoError(t, store.Flows().SaveVersion(ctx, version))

	_, err := dispatcher.Enqueue(ctx, EnqueueRequest{
		Version:   version,
		NotBefore: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Ready)
	assert.Equal(t, 1, stats.Delayed)
}
