package poll

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence"
	"github.com/pieceflow/pieceflow/pkg/persistence/memory"
	"github.com/pieceflow/pieceflow/pkg/pieces/httprequest"
	webhookpiece "github.com/pieceflow/pieceflow/pkg/pieces/webhook"
	"github.com/pieceflow/pieceflow/pkg/queue/memqueue"
	"github.com/pieceflow/pieceflow/pkg/registry"
	"github.com/pieceflow/pieceflow/pkg/sandbox"
	"github.com/pieceflow/pieceflow/pkg/sources"
	"github.com/pieceflow/pieceflow/pkg/testutil"
	"github.com/pieceflow/pieceflow/pkg/worker"
)

func newTestSource(t *testing.T, opts Options) (*Source, *memory.Persistence) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store := memory.NewPersistence()

	q := memqueue.New(memqueue.Options{})
	t.Cleanup(func() { _ = q.Close() })

	reg := registry.NewRegistry(logger)
	reg.MustRegister(httprequest.New(nil))
	reg.MustRegister(webhookpiece.New())

	invoker := sandbox.NewUnsandboxed(reg, logger, 0)
	dispatcher := worker.NewDispatcher(store.Runs(), q, nil, logger)

	opts.Logger = logger

	return NewSource(store.Flows(), reg, invoker, dispatcher, opts), store
}

func savePollVersion(t *testing.T, store *memory.Persistence, url string) *models.FlowVersion {
	t.Helper()

	trigger := testutil.CreateTestTrigger("")
	trigger.Piece = models.PieceRef{Name: httprequest.Name, Version: httprequest.Version}
	trigger.Operation = "poll"
	trigger.Input = map[string]any{"url": url, "items_path": "$.data.orders"}

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

func TestPollingAdmitsEachItemOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	var polls atomic.Int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": {"orders": [{"id": "A-1"}, {"id": "A-2"}]}}`))
	}))
	t.Cleanup(ts.Close)

	source, store := newTestSource(t, Options{Interval: 30 * time.Millisecond})
	version := savePollVersion(t, store, ts.URL)

	startSource(t, source)

	require.Eventually(t, func() bool {
		runs, err := store.Runs().ListRuns(ctx, persistence.ListRunsOptions{})

		return err == nil && len(runs) == 2
	}, 3*time.Second, 20*time.Millisecond)

	// Let a few more cycles pass; known items stay suppressed instead of
	// piling up collapsed run records.
	require.Eventually(t, func() bool {
		return polls.Load() >= 3
	}, 3*time.Second, 20*time.Millisecond)

	runs, err := store.Runs().ListRuns(ctx, persistence.ListRunsOptions{})
	require.NoError(t, err)
	require.Len(t, runs, 2)

	ids := map[string]bool{}

	for _, run := range runs {
		assert.Equal(t, models.RunStatusQueued, run.Status)
		assert.Equal(t, version.ID, run.FlowVersionID)

		full, err := store.Runs().RunByID(ctx, run.ID)
		require.NoError(t, err)

		item, ok := full.TriggerPayload.(map[string]any)
		require.True(t, ok)

		id, ok := item["id"].(string)
		require.True(t, ok)

		ids[id] = true
	}

	assert.True(t, ids["A-1"])
	assert.True(t, ids["A-2"])
}

func TestRescanUnbindsSupersededVersions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": {"orders": []}}`))
	}))
	t.Cleanup(ts.Close)

	source, store := newTestSource(t, Options{Interval: time.Hour})
	version := savePollVersion(t, store, ts.URL)

	startSource(t, source)
	require.Equal(t, []string{version.ID}, source.Pollers())

	replacementTrigger := testutil.CreateTestTrigger("")
	replacementTrigger.Piece = models.PieceRef{Name: webhookpiece.Name, Version: webhookpiece.Version}
	replacementTrigger.Operation = "receive"

	replacement := testutil.CreateTestFlowVersion(replacementTrigger)
	replacement.FlowID = version.FlowID
	replacement.Version = 2
	require.NoError(t, store.Flows().SaveVersion(ctx, replacement))

	source.Rescan(ctx)
	assert.Empty(t, source.Pollers())
}

func TestPollIntervalFromTriggerConfig(t *testing.T) {
	t.Parallel()

	source, _ := newTestSource(t, Options{Interval: time.Minute})

	binding := sources.Binding{Step: &models.Step{Input: map[string]any{"interval_seconds": float64(5)}}}
	assert.Equal(t, 5*time.Second, source.pollInterval(binding))

	binding.Step.Input = map[string]any{}
	assert.Equal(t, time.Minute, source.pollInterval(binding))
}
