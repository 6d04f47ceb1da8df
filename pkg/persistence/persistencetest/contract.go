// Package persistencetest holds the repository contract shared by every
// persistence backend. Implementation packages run it against their own
// stores so memory, file and postgresql stay behaviorally identical.
package persistencetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence"
	"github.com/pieceflow/pieceflow/pkg/testutil"
)

// Factory builds a fresh, empty backend for one contract section.
type Factory func(t *testing.T) persistence.Persistence

// Run exercises the full repository contract against the backend.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("FlowVersionLifecycle", func(t *testing.T) { testFlowVersionLifecycle(t, factory(t)) })
	t.Run("ActiveVersions", func(t *testing.T) { testActiveVersions(t, factory(t)) })
	t.Run("RunLifecycle", func(t *testing.T) { testRunLifecycle(t, factory(t)) })
	t.Run("StopFlag", func(t *testing.T) { testStopFlag(t, factory(t)) })
	t.Run("ListRuns", func(t *testing.T) { testListRuns(t, factory(t)) })
	t.Run("HealthCheck", func(t *testing.T) {
		require.NoError(t, factory(t).HealthCheck(context.Background()))
	})
}

func draftVersion(id, flowID, projectID string, version int) *models.FlowVersion {
	now := time.Now().UTC()

	return &models.FlowVersion{
		ID:        id,
		FlowID:    flowID,
		ProjectID: projectID,
		Name:      "Order Sync",
		Version:   version,
		State:     models.FlowVersionStateDraft,
		Steps: []*models.Step{
			testutil.CreateTestTrigger("notify"),
			testutil.CreateTestStep(testutil.WithID("notify")),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func lockedVersion(t *testing.T, fl persistence.FlowRepository, id, flowID, projectID string) *models.FlowVersion {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, fl.SaveVersion(ctx, draftVersion(id, flowID, projectID, 1)))

	locked, err := fl.LockVersion(ctx, id)
	require.NoError(t, err)

	return locked
}

func queuedRun(id string, version *models.FlowVersion, createdAt time.Time) *models.ExecutionRun {
	return &models.ExecutionRun{
		ID:             id,
		FlowVersionID:  version.ID,
		ProjectID:      version.ProjectID,
		TriggerPayload: map[string]any{"order_id": "A-" + id},
		CreatedAt:      createdAt,
	}
}

func testFlowVersionLifecycle(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	fl := p.Flows()

	_, err := fl.VersionByID(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrFlowVersionNotFound)

	_, err = fl.LockVersion(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrFlowVersionNotFound)

	draft := draftVersion("fv-1", "flow-1", "project-1", 1)
	require.NoError(t, fl.SaveVersion(ctx, draft))

	got, err := fl.VersionByID(ctx, "fv-1")
	require.NoError(t, err)
	require.Equal(t, "flow-1", got.FlowID)
	require.Equal(t, "project-1", got.ProjectID)
	require.Equal(t, models.FlowVersionStateDraft, got.State)
	require.Len(t, got.Steps, 2)
	require.Equal(t, "trigger", got.Steps[0].ID)
	require.NotNil(t, got.Steps[0].NextStep)
	require.Equal(t, "notify", *got.Steps[0].NextStep)

	// Drafts stay editable.
	draft.Name = "Order Sync v2"
	require.NoError(t, fl.SaveVersion(ctx, draft))

	got, err = fl.VersionByID(ctx, "fv-1")
	require.NoError(t, err)
	require.Equal(t, "Order Sync v2", got.Name)

	locked, err := fl.LockVersion(ctx, "fv-1")
	require.NoError(t, err)
	require.True(t, locked.Locked())
	require.NotNil(t, locked.LockedAt)

	// Locked versions are immutable.
	draft.Name = "rewrite attempt"
	require.ErrorIs(t, fl.SaveVersion(ctx, draft), persistence.ErrFlowVersionLocked)

	// Locking again is a no-op.
	again, err := fl.LockVersion(ctx, "fv-1")
	require.NoError(t, err)
	require.True(t, again.Locked())

	require.NoError(t, fl.SaveVersion(ctx, draftVersion("fv-2", "flow-1", "project-1", 2)))
	require.NoError(t, fl.SaveVersion(ctx, draftVersion("fv-other", "flow-other", "project-1", 1)))

	versions, err := fl.VersionsByFlow(ctx, "flow-1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, 1, versions[0].Version)
	require.Equal(t, 2, versions[1].Version)
}

func testActiveVersions(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	fl := p.Flows()

	active, err := fl.ActiveVersions(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	// flow-a has two locked versions and a newer draft; only the
	// highest locked one is active.
	require.NoError(t, fl.SaveVersion(ctx, draftVersion("fv-a1", "flow-a", "project-1", 1)))
	require.NoError(t, fl.SaveVersion(ctx, draftVersion("fv-a2", "flow-a", "project-1", 2)))
	require.NoError(t, fl.SaveVersion(ctx, draftVersion("fv-a3", "flow-a", "project-1", 3)))

	_, err = fl.LockVersion(ctx, "fv-a1")
	require.NoError(t, err)
	_, err = fl.LockVersion(ctx, "fv-a2")
	require.NoError(t, err)

	require.NoError(t, fl.SaveVersion(ctx, draftVersion("fv-b1", "flow-b", "project-2", 1)))

	_, err = fl.LockVersion(ctx, "fv-b1")
	require.NoError(t, err)

	// flow-c only has a draft, so it never goes live.
	require.NoError(t, fl.SaveVersion(ctx, draftVersion("fv-c1", "flow-c", "project-1", 1)))

	active, err = fl.ActiveVersions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)

	require.Equal(t, "flow-a", active[0].FlowID)
	require.Equal(t, "fv-a2", active[0].ID)
	require.Equal(t, 2, active[0].Version)
	require.True(t, active[0].Locked())

	require.Equal(t, "flow-b", active[1].FlowID)
	require.Equal(t, "fv-b1", active[1].ID)
}

func testRunLifecycle(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	runs := p.Runs()

	_, err := runs.RunByID(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrRunNotFound)

	version := lockedVersion(t, p.Flows(), "fv-1", "flow-1", "project-1")

	run := queuedRun("run-1", version, time.Now().UTC())
	require.NoError(t, runs.CreateRun(ctx, run))
	require.ErrorIs(t, runs.CreateRun(ctx, queuedRun("run-1", version, time.Now().UTC())), persistence.ErrRunExists)

	got, err := runs.RunByID(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, models.RunStatusQueued, got.Status)
	require.Equal(t, version.ID, got.FlowVersionID)
	require.False(t, got.CreatedAt.IsZero())

	// The worker picks the run up.
	started := time.Now().UTC()
	run.Status = models.RunStatusRunning
	run.StartedAt = &started
	require.NoError(t, runs.SaveRun(ctx, run))

	// Step transitions upsert by path.
	step := &models.StepExecution{
		StepID:    "notify",
		Path:      "notify",
		Status:    models.StepStatusRunning,
		Attempt:   1,
		Input:     map[string]any{"message": "test"},
		StartedAt: started,
	}
	require.NoError(t, runs.RecordStep(ctx, "run-1", step))

	step.Status = models.StepStatusSucceeded
	step.Attempt = 2
	step.Output = map[string]any{"delivered": true}
	step.Duration = 42 * time.Millisecond
	require.NoError(t, runs.RecordStep(ctx, "run-1", step))

	got, err = runs.RunByID(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got.Steps, 1)
	require.Equal(t, models.StepStatusSucceeded, got.Steps[0].Status)
	require.Equal(t, 2, got.Steps[0].Attempt)
	require.Equal(t, 42*time.Millisecond, got.Steps[0].Duration)

	second := &models.StepExecution{
		StepID:    "notify",
		Path:      "loop.0.notify",
		Status:    models.StepStatusSucceeded,
		Attempt:   1,
		StartedAt: started,
	}
	require.NoError(t, runs.RecordStep(ctx, "run-1", second))

	got, err = runs.RunByID(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	require.Equal(t, "notify", got.Steps[0].Path)
	require.Equal(t, "loop.0.notify", got.Steps[1].Path)

	// Terminal persist carries the full step history.
	finished := time.Now().UTC()
	run.Status = models.RunStatusSucceeded
	run.FinishedAt = &finished
	run.Steps = got.Steps
	require.NoError(t, runs.SaveRun(ctx, run))

	got, err = runs.RunByID(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, models.RunStatusSucceeded, got.Status)
	require.NotNil(t, got.FinishedAt)
	require.Len(t, got.Steps, 2)

	// Terminal runs are append-only history.
	run.Status = models.RunStatusFailed
	require.ErrorIs(t, runs.SaveRun(ctx, run), persistence.ErrRunTerminal)
	require.ErrorIs(t, runs.RecordStep(ctx, "run-1", second), persistence.ErrRunTerminal)
	require.ErrorIs(t, runs.RequestStop(ctx, "run-1"), persistence.ErrRunTerminal)

	got, err = runs.RunByID(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, models.RunStatusSucceeded, got.Status)
}

func testStopFlag(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	runs := p.Runs()

	require.ErrorIs(t, runs.RequestStop(ctx, "missing"), persistence.ErrRunNotFound)

	_, err := runs.StopRequested(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrRunNotFound)

	version := lockedVersion(t, p.Flows(), "fv-1", "flow-1", "project-1")
	require.NoError(t, runs.CreateRun(ctx, queuedRun("run-1", version, time.Now().UTC())))

	stopped, err := runs.StopRequested(ctx, "run-1")
	require.NoError(t, err)
	require.False(t, stopped)

	require.NoError(t, runs.RequestStop(ctx, "run-1"))
	require.NoError(t, runs.RequestStop(ctx, "run-1"))

	stopped, err = runs.StopRequested(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, stopped)
}

func testListRuns(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	runs := p.Runs()

	v1 := lockedVersion(t, p.Flows(), "fv-1", "flow-1", "project-1")
	v2 := lockedVersion(t, p.Flows(), "fv-2", "flow-2", "project-2")

	base := time.Now().UTC().Add(-time.Hour)

	for i, spec := range []struct {
		id      string
		version *models.FlowVersion
		status  models.RunStatus
	}{
		{"run-a", v1, models.RunStatusSucceeded},
		{"run-b", v1, models.RunStatusFailed},
		{"run-c", v1, models.RunStatusQueued},
		{"run-d", v2, models.RunStatusQueued},
	} {
		run := queuedRun(spec.id, spec.version, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, runs.CreateRun(ctx, run))

		require.NoError(t, runs.RecordStep(ctx, spec.id, &models.StepExecution{
			StepID:    "notify",
			Path:      "notify",
			Status:    models.StepStatusSucceeded,
			Attempt:   1,
			StartedAt: run.CreatedAt,
		}))

		if spec.status != models.RunStatusQueued {
			run.Status = spec.status
			require.NoError(t, runs.SaveRun(ctx, run))
		}
	}

	all, err := runs.ListRuns(ctx, persistence.ListRunsOptions{})
	require.NoError(t, err)
	require.Len(t, all, 4)

	// Newest first, step history elided.
	require.Equal(t, "run-d", all[0].ID)
	require.Equal(t, "run-a", all[3].ID)
	for _, run := range all {
		require.Empty(t, run.Steps)
	}

	byProject, err := runs.ListRuns(ctx, persistence.ListRunsOptions{ProjectID: "project-1"})
	require.NoError(t, err)
	require.Len(t, byProject, 3)

	queued := models.RunStatusQueued
	byStatus, err := runs.ListRuns(ctx, persistence.ListRunsOptions{Status: &queued})
	require.NoError(t, err)
	require.Len(t, byStatus, 2)

	page, err := runs.ListRuns(ctx, persistence.ListRunsOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "run-c", page[0].ID)
	require.Equal(t, "run-b", page[1].ID)
}
