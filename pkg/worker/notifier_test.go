package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pieceflow/pieceflow/pkg/eventbus"
	"github.com/pieceflow/pieceflow/pkg/events"
	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence/memory"
	"github.com/pieceflow/pieceflow/pkg/testutil"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (c *capturePublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, event)

	return nil
}

func (c *capturePublisher) types() []events.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()

	types := make([]events.EventType, 0, len(c.events))
	for _, event := range c.events {
		types = append(types, event.GetType())
	}

	return types
}

func TestEventNotifierPersistsAndPublishes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	bus := &capturePublisher{}

	version := testutil.CreateTestFlowVersion(testutil.CreateTestTrigger(""))
	run := testutil.CreateTestRun(version, nil)
	require.NoError(t, store.Runs().CreateRun(ctx, run))

	notifier := NewEventNotifier(store.Runs(), bus, NotifierInfo{
		WorkerID: "w-1",
		FlowID:   version.FlowID,
		Attempt:  1,
	}, nil)

	started := time.Now().UTC()
	run.Status = models.RunStatusRunning
	run.StartedAt = &started
	notifier.RunTransition(ctx, run)

	step := &models.StepExecution{
		StepID:    "say",
		Path:      "say",
		Status:    models.StepStatusRunning,
		Attempt:   1,
		StartedAt: started,
	}
	run.Steps = append(run.Steps, step)
	notifier.StepTransition(ctx, run, step)

	step.Status = models.StepStatusSucceeded
	step.Output = map[string]any{"ok": true}
	step.Duration = 25 * time.Millisecond
	notifier.StepTransition(ctx, run, step)

	finished := started.Add(100 * time.Millisecond)
	run.Status = models.RunStatusSucceeded
	run.FinishedAt = &finished
	notifier.RunTransition(ctx, run)

	stored, err := store.Runs().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, stored.Status)
	require.Len(t, stored.Steps, 1)
	assert.Equal(t, models.StepStatusSucceeded, stored.Steps[0].Status)

	require.Equal(t, []events.EventType{
		events.RunStartedEvent,
		events.StepStartedEvent,
		events.StepFinishedEvent,
		events.RunFinishedEvent,
	}, bus.types())

	runFinished, ok := bus.events[3].(events.RunFinished)
	require.True(t, ok)
	assert.Equal(t, "w-1", runFinished.WorkerID)
	assert.Equal(t, version.FlowID, runFinished.FlowID)
	assert.Equal(t, models.RunStatusSucceeded, runFinished.Status)
	assert.Equal(t, 1, runFinished.StepsExecuted)
	assert.Equal(t, 100*time.Millisecond, runFinished.Duration)

	assert.False(t, notifier.Lost())
}

func TestEventNotifierFlagsLostRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()

	version := testutil.CreateTestFlowVersion(testutil.CreateTestTrigger(""))
	run := testutil.CreateTestRun(version, nil)
	require.NoError(t, store.Runs().CreateRun(ctx, run))

	// Another delivery finishes the run first.
	now := time.Now().UTC()
	run.Status = models.RunStatusSucceeded
	run.FinishedAt = &now
	require.NoError(t, store.Runs().SaveRun(ctx, run))

	notifier := NewEventNotifier(store.Runs(), nil, NotifierInfo{WorkerID: "w-2", Attempt: 2}, nil)

	late := *run
	late.Status = models.RunStatusRunning
	late.FinishedAt = nil
	notifier.RunTransition(ctx, &late)

	assert.True(t, notifier.Lost())

	stored, err := store.Runs().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, stored.Status)
}
