package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pieceflow/pieceflow/pkg/eventbus"
	"github.com/pieceflow/pieceflow/pkg/events"
	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence"
	"github.com/pieceflow/pieceflow/pkg/queue"
)

// Dispatcher admits runs: it writes the QUEUED record, hands the job to
// the queue and announces it on the bus. The record is written before
// the queue admission, so a crash in between leaves a visible QUEUED
// run an operator can re-enqueue rather than a silently lost trigger.
type Dispatcher struct {
	runs   persistence.RunRepository
	queue  queue.Queue
	bus    eventbus.EventPublisher
	logger *slog.Logger
}

func NewDispatcher(runs persistence.RunRepository, q queue.Queue, bus eventbus.EventPublisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		runs:   runs,
		queue:  q,
		bus:    bus,
		logger: logger,
	}
}

// EnqueueRequest describes one run admission.
type EnqueueRequest struct {
	// RunID is optional; a uuid is assigned when empty.
	RunID string

	Version *models.FlowVersion
	Payload any

	// Priority orders ready jobs; higher dispatches first.
	Priority int

	// NotBefore delays dispatch until the given time.
	NotBefore time.Time

	// DedupeKey collapses identical admissions inside DedupeWindow.
	DedupeKey    string
	DedupeWindow time.Duration
}

// Enqueue persists a QUEUED run and queues it for dispatch. An admission
// collapsed by its dedupe key finishes the fresh record as STOPPED and
// returns queue.ErrDuplicate; callers treat that as a no-op.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (*models.ExecutionRun, error) {
	version := req.Version
	if version == nil {
		return nil, errors.New("worker: flow version is required")
	}

	if !version.Locked() {
		return nil, fmt.Errorf("worker: flow version %s is %s, only locked versions run",
			version.ID, version.State)
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	run := &models.ExecutionRun{
		ID:             runID,
		FlowVersionID:  version.ID,
		ProjectID:      version.ProjectID,
		Status:         models.RunStatusQueued,
		TriggerPayload: req.Payload,
		CreatedAt:      time.Now().UTC(),
	}

	if err := d.runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	job := queue.Job{
		RunID:         runID,
		FlowVersionID: version.ID,
		ProjectID:     version.ProjectID,
		Payload:       req.Payload,
		Priority:      req.Priority,
		NotBefore:     req.NotBefore,
		DedupeKey:     req.DedupeKey,
		DedupeWindow:  req.DedupeWindow,
	}

	if err := d.queue.Enqueue(ctx, job); err != nil {
		if errors.Is(err, queue.ErrDuplicate) {
			d.collapse(ctx, run, req.DedupeKey)
		}

		return nil, err
	}

	event := events.RunQueued{
		BaseEvent:     events.NewBaseEvent(events.RunQueuedEvent, runID),
		FlowVersionID: version.ID,
		ProjectID:     version.ProjectID,
	}
	event.FlowID = version.FlowID

	if d.bus != nil {
		if err := d.bus.Publish(ctx, runID, event); err != nil {
			d.logger.ErrorContext(ctx, "Failed to publish run queued event",
				"run_id", runID, "error", err)
		}
	}

	d.logger.InfoContext(ctx, "Run enqueued",
		"run_id", runID,
		"flow_version_id", version.ID,
		"project_id", version.ProjectID)

	return run, nil
}

// collapse finishes a run whose admission was suppressed by its dedupe
// key, so the record does not linger as a QUEUED run nothing dispatches.
func (d *Dispatcher) collapse(ctx context.Context, run *models.ExecutionRun, key string) {
	now := time.Now().UTC()
	run.Status = models.RunStatusStopped
	run.FinishedAt = &now

	if err := d.runs.SaveRun(ctx, run); err != nil {
		d.logger.ErrorContext(ctx, "Failed to finish collapsed run",
			"run_id", run.ID, "error", err)

		return
	}

	d.logger.InfoContext(ctx, "Enqueue collapsed by dedupe key",
		"run_id", run.ID, "dedupe_key", key)
}
