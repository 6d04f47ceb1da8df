// Package worker is the runtime around the dispatch queue: a Dispatcher
// admits runs on the way in, a Pool of claim goroutines executes them on
// the way out. Each claimed run gets a heartbeat that renews the lease,
// a fresh interpreter, and a cancellation poll watching the stop flag.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pieceflow/pieceflow/pkg/engine"
	"github.com/pieceflow/pieceflow/pkg/eventbus"
	"github.com/pieceflow/pieceflow/pkg/log"
	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/otelhelper"
	"github.com/pieceflow/pieceflow/pkg/persistence"
	"github.com/pieceflow/pieceflow/pkg/queue"
	"github.com/pieceflow/pieceflow/pkg/registry"
	"github.com/pieceflow/pieceflow/pkg/sandbox"
)

const (
	// DefaultConcurrency is the number of claim goroutines when the
	// config does not set one.
	DefaultConcurrency = 4

	// DefaultRunTimeout caps one run's wall clock. Runs hitting it
	// finish as TIMED_OUT.
	DefaultRunTimeout = 10 * time.Minute

	// DefaultStopPollInterval rate-limits the stop flag poll between
	// steps.
	DefaultStopPollInterval = 2 * time.Second
)

// Config carries the collaborators and limits of one worker pool.
type Config struct {
	// WorkerID identifies this pool in leases, events and logs. Empty
	// generates one.
	WorkerID string

	// Concurrency is the number of runs executed in parallel. Each run
	// stays single-threaded internally.
	Concurrency int

	Persistence persistence.Persistence
	Queue       queue.Queue
	Registry    *registry.Registry
	Invoker     sandbox.Invoker

	// Code executes CODE steps. Nil fails CODE steps at invocation.
	Code engine.CodeRunner

	// Bus receives run and step lifecycle events. Nil disables
	// publishing.
	Bus eventbus.EventPublisher

	Logger *slog.Logger

	// RunTimeout is the per-run wall clock ceiling. Zero selects
	// DefaultRunTimeout.
	RunTimeout time.Duration

	// LoopCeiling caps iterations per loop step. Zero selects the
	// engine default.
	LoopCeiling int

	// StopPollInterval is the minimum gap between stop flag reads.
	// Zero selects DefaultStopPollInterval.
	StopPollInterval time.Duration
}

// Pool claims queued runs and executes them to a terminal status.
type Pool struct {
	id          string
	concurrency int
	persistence persistence.Persistence
	queue       queue.Queue
	registry    *registry.Registry
	invoker     sandbox.Invoker
	code        engine.CodeRunner
	bus         eventbus.EventPublisher
	logger      *slog.Logger
	runTimeout  time.Duration
	loopCeiling int
	stopPoll    time.Duration
}

func NewPool(cfg Config) (*Pool, error) {
	if cfg.Persistence == nil {
		return nil, errors.New("worker: persistence is required")
	}

	if cfg.Queue == nil {
		return nil, errors.New("worker: queue is required")
	}

	if cfg.Registry == nil {
		return nil, errors.New("worker: piece registry is required")
	}

	if cfg.Invoker == nil {
		return nil, errors.New("worker: piece invoker is required")
	}

	id := cfg.WorkerID
	if id == "" {
		id = "worker-" + uuid.New().String()[:8]
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	runTimeout := cfg.RunTimeout
	if runTimeout <= 0 {
		runTimeout = DefaultRunTimeout
	}

	stopPoll := cfg.StopPollInterval
	if stopPoll <= 0 {
		stopPoll = DefaultStopPollInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.WithModule("worker")
	}

	return &Pool{
		id:          id,
		concurrency: concurrency,
		persistence: cfg.Persistence,
		queue:       cfg.Queue,
		registry:    cfg.Registry,
		invoker:     cfg.Invoker,
		code:        cfg.Code,
		bus:         cfg.Bus,
		logger:      logger.With("worker_id", id),
		runTimeout:  runTimeout,
		loopCeiling: cfg.LoopCeiling,
		stopPoll:    stopPoll,
	}, nil
}

// ID returns the pool's worker id.
func (p *Pool) ID() string {
	return p.id
}

// Start claims and executes runs until ctx is canceled or the queue
// closes. In-flight runs drain before Start returns; canceling ctx stops
// claiming, not execution.
func (p *Pool) Start(ctx context.Context) error {
	p.logger.InfoContext(ctx, "Worker pool started", "concurrency", p.concurrency)

	var wg sync.WaitGroup

	for slot := 0; slot < p.concurrency; slot++ {
		wg.Add(1)

		go func(claimID string) {
			defer wg.Done()
			p.claimLoop(ctx, claimID)
		}(fmt.Sprintf("%s-%d", p.id, slot))
	}

	wg.Wait()
	p.logger.Info("Worker pool stopped")

	return nil
}

func (p *Pool) claimLoop(ctx context.Context, claimID string) {
	logger := p.logger.With("claim_id", claimID)

	for {
		lease, err := p.queue.Claim(ctx, claimID)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}

			logger.ErrorContext(ctx, "Claim failed", "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}

			continue
		}

		p.process(ctx, logger, lease)
	}
}

// process drives one claimed job to completion. Store and queue calls
// run on a context detached from the claim context, so shutdown drains
// the run instead of corrupting it mid-write.
func (p *Pool) process(ctx context.Context, logger *slog.Logger, lease *queue.Lease) {
	job := lease.Job
	logger = logger.With("run_id", job.RunID, "project_id", job.ProjectID, "attempt", job.Attempt)

	opCtx := context.WithoutCancel(ctx)

	hbCtx, stopHeartbeat := context.WithCancel(opCtx)
	defer stopHeartbeat()

	go p.heartbeat(hbCtx, logger, lease)

	run, err := p.persistence.Runs().RunByID(opCtx, job.RunID)
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			logger.ErrorContext(opCtx, "Claimed job has no run record, dropping", "error", err)
			p.complete(opCtx, logger, lease)

			return
		}

		logger.ErrorContext(opCtx, "Failed to load run, requeueing", "error", err)
		p.requeue(opCtx, logger, lease, 5*time.Second)

		return
	}

	if run.Status.Terminal() {
		logger.InfoContext(opCtx, "Run already finished, dropping redelivery", "status", run.Status)
		p.complete(opCtx, logger, lease)

		return
	}

	notifier := NewEventNotifier(p.persistence.Runs(), p.bus, NotifierInfo{
		WorkerID: lease.WorkerID,
		Attempt:  job.Attempt,
	}, logger)

	version, err := p.persistence.Flows().VersionByID(opCtx, run.FlowVersionID)
	if err != nil {
		if errors.Is(err, persistence.ErrFlowVersionNotFound) {
			p.failRun(opCtx, logger, notifier, run, &models.StepError{
				Code:    models.ErrCodeGraph,
				Message: fmt.Sprintf("flow version %s not found", run.FlowVersionID),
			})
			p.complete(opCtx, logger, lease)

			return
		}

		logger.ErrorContext(opCtx, "Failed to load flow version, requeueing", "error", err)
		p.requeue(opCtx, logger, lease, 5*time.Second)

		return
	}

	notifier.info.FlowID = version.FlowID

	// A redelivered RUNNING run restarts from the beginning; its step
	// history is rewritten as the rerun progresses.
	run.Steps = nil
	run.Error = nil
	run.StartedAt = nil
	run.FinishedAt = nil

	runCtx, cancelRun := context.WithTimeout(opCtx, p.runTimeout)
	defer cancelRun()

	runCtx, span := otelhelper.StartSpan(runCtx, otel.Tracer("pieceflow/worker"), "worker.run",
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.FlowIDKey, version.FlowID),
		attribute.Int(otelhelper.FlowVersionKey, version.Version),
		attribute.String(otelhelper.ProjectIDKey, job.ProjectID),
		attribute.String(otelhelper.WorkerIDKey, lease.WorkerID),
		attribute.Int(otelhelper.AttemptKey, job.Attempt),
	)
	defer span.End()

	interpreter, err := engine.NewInterpreter(engine.Config{
		Version:     version,
		Run:         run,
		Registry:    p.registry,
		Invoker:     p.invoker,
		Code:        p.code,
		Notifier:    notifier,
		Logger:      logger,
		Canceled:    p.canceled(opCtx, run.ID, notifier),
		LoopCeiling: p.loopCeiling,
	})
	if err != nil {
		// Bad wiring or an unlocked version; retrying cannot fix it.
		otelhelper.SetError(span, err)
		p.failRun(opCtx, logger, notifier, run, &models.StepError{
			Code:    models.ErrCodeGraph,
			Message: err.Error(),
		})
		p.complete(opCtx, logger, lease)

		return
	}

	if _, err := interpreter.Run(runCtx); err != nil {
		logger.ErrorContext(opCtx, "Interpreter broke", "error", err)
		otelhelper.SetError(span, err)
	}

	span.SetAttributes(attribute.String("pieceflow.run.status", string(run.Status)))

	stopHeartbeat()
	p.complete(opCtx, logger, lease)

	logger.InfoContext(opCtx, "Run processed", "status", run.Status, "steps", len(run.Steps))
}

// heartbeat renews the lease at a third of its remaining lifetime until
// stopped. A failed renew means the job may already be redelivered; the
// run keeps going and the terminal guard arbitrates the duplicate.
func (p *Pool) heartbeat(ctx context.Context, logger *slog.Logger, lease *queue.Lease) {
	for {
		interval := time.Until(lease.Deadline) / 3
		if interval < 50*time.Millisecond {
			interval = 50 * time.Millisecond
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()

			return
		case <-timer.C:
		}

		if err := p.queue.Renew(ctx, lease); err != nil {
			if ctx.Err() != nil {
				return
			}

			logger.WarnContext(ctx, "Lease renew failed, job may be redelivered", "error", err)

			return
		}
	}
}

// canceled builds the cooperative cancellation poll for one run. It
// reports true once a stop request lands, or once persistence told the
// notifier that this run already finished elsewhere.
func (p *Pool) canceled(ctx context.Context, runID string, notifier *EventNotifier) func() bool {
	var (
		lastPoll time.Time
		stopped  bool
	)

	return func() bool {
		if stopped || notifier.Lost() {
			return true
		}

		if time.Since(lastPoll) < p.stopPoll {
			return false
		}

		lastPoll = time.Now()

		requested, err := p.persistence.Runs().StopRequested(ctx, runID)
		if err != nil {
			p.logger.WarnContext(ctx, "Stop flag poll failed", "run_id", runID, "error", err)

			return false
		}

		stopped = requested

		return stopped
	}
}

// failRun finishes a run that never reached the interpreter.
func (p *Pool) failRun(ctx context.Context, logger *slog.Logger, notifier *EventNotifier, run *models.ExecutionRun, stepErr *models.StepError) {
	logger.ErrorContext(ctx, "Run failed before execution", "error", stepErr.Error())

	now := time.Now().UTC()
	run.Status = models.RunStatusFailed
	run.Error = stepErr

	if run.StartedAt == nil {
		run.StartedAt = &now
	}

	run.FinishedAt = &now

	notifier.RunTransition(ctx, run)
}

func (p *Pool) complete(ctx context.Context, logger *slog.Logger, lease *queue.Lease) {
	if err := p.queue.Complete(ctx, lease); err != nil {
		logger.WarnContext(ctx, "Failed to complete lease", "error", err)
	}
}

func (p *Pool) requeue(ctx context.Context, logger *slog.Logger, lease *queue.Lease, delay time.Duration) {
	if err := p.queue.Requeue(ctx, lease, delay); err != nil {
		logger.WarnContext(ctx, "Failed to requeue lease", "error", err)
	}
}
