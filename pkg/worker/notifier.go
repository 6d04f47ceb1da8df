package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pieceflow/pieceflow/pkg/eventbus"
	"github.com/pieceflow/pieceflow/pkg/events"
	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence"
)

// NotifierInfo carries the identifiers stamped onto published events.
type NotifierInfo struct {
	WorkerID string
	FlowID   string
	Attempt  int
}

// EventNotifier bridges interpreter transitions to the run store and the
// event bus. Persistence failures never interrupt the run; a terminal
// guard rejection flips Lost so the pool abandons a duplicate delivery.
type EventNotifier struct {
	runs   persistence.RunRepository
	bus    eventbus.EventPublisher
	info   NotifierInfo
	logger *slog.Logger
	lost   atomic.Bool
}

func NewEventNotifier(runs persistence.RunRepository, bus eventbus.EventPublisher, info NotifierInfo, logger *slog.Logger) *EventNotifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventNotifier{
		runs:   runs,
		bus:    bus,
		info:   info,
		logger: logger,
	}
}

// Lost reports whether the store rejected a transition because the run
// already reached a terminal status under another delivery.
func (n *EventNotifier) Lost() bool {
	return n.lost.Load()
}

func (n *EventNotifier) RunTransition(ctx context.Context, run *models.ExecutionRun) {
	// Terminal transitions arrive with the run context already expired
	// on timeouts; the write must still land.
	ctx = context.WithoutCancel(ctx)

	if err := n.runs.SaveRun(ctx, run); err != nil {
		if errors.Is(err, persistence.ErrRunTerminal) {
			n.lost.Store(true)
		}

		n.logger.ErrorContext(ctx, "Failed to persist run transition",
			"run_id", run.ID, "status", run.Status, "error", err)
	}

	switch {
	case run.Status == models.RunStatusRunning:
		event := events.RunStarted{
			BaseEvent:     n.base(events.RunStartedEvent, run.ID),
			FlowVersionID: run.FlowVersionID,
			ProjectID:     run.ProjectID,
			Attempt:       n.info.Attempt,
		}
		n.publish(ctx, run.ID, event)
	case run.Status.Terminal():
		event := events.RunFinished{
			BaseEvent:     n.base(events.RunFinishedEvent, run.ID),
			FlowVersionID: run.FlowVersionID,
			ProjectID:     run.ProjectID,
			Status:        run.Status,
			Error:         run.Error,
			StepsExecuted: len(run.Steps),
			Duration:      runDuration(run),
		}
		n.publish(ctx, run.ID, event)
	}
}

func (n *EventNotifier) StepTransition(ctx context.Context, run *models.ExecutionRun, step *models.StepExecution) {
	ctx = context.WithoutCancel(ctx)

	if err := n.runs.RecordStep(ctx, run.ID, step); err != nil {
		if errors.Is(err, persistence.ErrRunTerminal) {
			n.lost.Store(true)
		}

		n.logger.ErrorContext(ctx, "Failed to persist step transition",
			"run_id", run.ID, "path", step.Path, "status", step.Status, "error", err)
	}

	if step.Status == models.StepStatusRunning {
		event := events.StepStarted{
			BaseEvent: n.base(events.StepStartedEvent, run.ID),
			StepID:    step.StepID,
			Path:      step.Path,
			Attempt:   step.Attempt,
		}
		n.publish(ctx, run.ID, event)

		return
	}

	event := events.StepFinished{
		BaseEvent: n.base(events.StepFinishedEvent, run.ID),
		StepID:    step.StepID,
		Path:      step.Path,
		Status:    step.Status,
		Attempt:   step.Attempt,
		Error:     step.Error,
		Duration:  step.Duration,
	}
	n.publish(ctx, run.ID, event)
}

func (n *EventNotifier) base(eventType events.EventType, runID string) events.BaseEvent {
	base := events.NewBaseEvent(eventType, runID)
	base.FlowID = n.info.FlowID
	base.WorkerID = n.info.WorkerID

	return base
}

func (n *EventNotifier) publish(ctx context.Context, key string, event eventbus.Event) {
	if n.bus == nil {
		return
	}

	if err := n.bus.Publish(ctx, key, event); err != nil {
		n.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "key", key, "error", err)
	}
}

func runDuration(run *models.ExecutionRun) time.Duration {
	if run.StartedAt == nil || run.FinishedAt == nil {
		return 0
	}

	return run.FinishedAt.Sub(*run.StartedAt)
}
