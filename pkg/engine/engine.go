// Package engine interprets locked flow versions.
//
// An Interpreter is built per run and walks the step graph
// single-threaded, so every step observes the finished outputs of all
// steps before it. Concurrency lives outside the interpreter, in the
// worker pool that drives many runs at once.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pieceflow/pieceflow/pkg/flow"
	"github.com/pieceflow/pieceflow/pkg/log"
	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/registry"
	"github.com/pieceflow/pieceflow/pkg/sandbox"
)

// DefaultLoopCeiling bounds the iterations of a single loop step when
// the deployment does not configure its own ceiling.
const DefaultLoopCeiling = 10000

// BreakKey names the output field a loop body step sets truthy to break
// out of the innermost enclosing loop.
const BreakKey = "__break"

// Control-flow sentinels surfaced while walking the graph. They are
// folded into the final run status and never escape Run.
var (
	errRunStopped = errors.New("run stopped")
	errLoopBreak  = errors.New("loop break")
)

// CodeRunner executes the inline script of a CODE step. data is the
// same view expressions resolve against: trigger, steps, run and the
// loop scope.
type CodeRunner interface {
	RunCode(ctx context.Context, source string, input map[string]any, data map[string]any) (any, error)
}

// Notifier observes run and step transitions as they happen. The worker
// bridges transitions onto the event bus; tests observe them directly.
type Notifier interface {
	RunTransition(ctx context.Context, run *models.ExecutionRun)
	StepTransition(ctx context.Context, run *models.ExecutionRun, step *models.StepExecution)
}

// NopNotifier discards all transitions.
type NopNotifier struct{}

func (NopNotifier) RunTransition(context.Context, *models.ExecutionRun) {}

func (NopNotifier) StepTransition(context.Context, *models.ExecutionRun, *models.StepExecution) {}

// Config carries the collaborators of one interpreted run.
type Config struct {
	Version  *models.FlowVersion
	Run      *models.ExecutionRun
	Registry *registry.Registry
	Invoker  sandbox.Invoker
	Code     CodeRunner
	Notifier Notifier
	Logger   *slog.Logger

	// Canceled is polled between steps and between retry attempts. A
	// true return finishes the run as STOPPED; the step in flight at
	// poll time always completes first. Nil means the run cannot be
	// stopped externally.
	Canceled func() bool

	// LoopCeiling caps iterations per loop step. Zero selects
	// DefaultLoopCeiling.
	LoopCeiling int
}

// Interpreter executes one run of one locked flow version. It is not
// safe for concurrent use; build a fresh one per run.
type Interpreter struct {
	version  *models.FlowVersion
	run      *models.ExecutionRun
	registry *registry.Registry
	invoker  sandbox.Invoker
	code     CodeRunner
	notifier Notifier
	logger   *slog.Logger
	canceled func() bool
	ceiling  int

	execCtx *models.ExecutionContext
}

func NewInterpreter(cfg Config) (*Interpreter, error) {
	if cfg.Version == nil || cfg.Run == nil {
		return nil, errors.New("engine: flow version and run are required")
	}

	if !cfg.Version.Locked() {
		return nil, fmt.Errorf("engine: flow version %s is %s, only locked versions execute",
			cfg.Version.ID, cfg.Version.State)
	}

	if cfg.Registry == nil {
		return nil, errors.New("engine: piece registry is required")
	}

	if cfg.Invoker == nil {
		return nil, errors.New("engine: piece invoker is required")
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.WithModule("engine")
	}

	ceiling := cfg.LoopCeiling
	if ceiling <= 0 {
		ceiling = DefaultLoopCeiling
	}

	return &Interpreter{
		version:  cfg.Version,
		run:      cfg.Run,
		registry: cfg.Registry,
		invoker:  cfg.Invoker,
		code:     cfg.Code,
		notifier: notifier,
		logger:   logger,
		canceled: cfg.Canceled,
		ceiling:  ceiling,
		execCtx: models.NewExecutionContext(cfg.Run.ID, cfg.Version.ID,
			cfg.Run.ProjectID, cfg.Run.TriggerPayload),
	}, nil
}

// Run walks the graph from the trigger until the run reaches a terminal
// status. The returned run is the record from Config updated in place.
// The error reports interpreter breakage only; flow-level failures are
// expressed through the run's status and error fields.
func (i *Interpreter) Run(ctx context.Context) (*models.ExecutionRun, error) {
	started := time.Now().UTC()
	i.run.Status = models.RunStatusRunning
	i.run.StartedAt = &started
	i.notifier.RunTransition(ctx, i.run)

	i.logger.InfoContext(ctx, "Run started",
		"run_id", i.run.ID,
		"flow_version_id", i.version.ID,
		"project_id", i.run.ProjectID)

	var startID string
	if first := flow.FirstStep(i.version); first != nil {
		startID = first.ID
	}

	err := i.executeChain(ctx, startID, "")

	switch {
	case err == nil, errors.Is(err, errLoopBreak):
		// A break with no enclosing loop simply ends the walk.
		i.finish(ctx, models.RunStatusSucceeded, nil)
	case errors.Is(err, errRunStopped), errors.Is(err, context.Canceled):
		i.finish(ctx, models.RunStatusStopped, nil)
	case errors.Is(err, context.DeadlineExceeded):
		i.finish(ctx, models.RunStatusTimedOut, &models.StepError{
			Code:    models.ErrCodeTimeout,
			Message: "run deadline exceeded",
		})
	default:
		var stepErr *models.StepError
		if !errors.As(err, &stepErr) {
			stepErr = &models.StepError{Code: models.ErrCodePieceRuntime, Message: err.Error()}
		}

		i.finish(ctx, models.RunStatusFailed, stepErr)
	}

	return i.run, nil
}

func (i *Interpreter) finish(ctx context.Context, status models.RunStatus, runErr *models.StepError) {
	finished := time.Now().UTC()
	i.run.Status = status
	i.run.Error = runErr
	i.run.FinishedAt = &finished
	i.notifier.RunTransition(ctx, i.run)

	if runErr != nil {
		i.logger.InfoContext(ctx, "Run finished",
			"run_id", i.run.ID, "status", status, "error", runErr.Error())

		return
	}

	i.logger.InfoContext(ctx, "Run finished", "run_id", i.run.ID, "status", status)
}

// executeChain walks sequential edges from a step id until the chain
// ends or a halt surfaces. prefix scopes step execution paths when the
// chain is a loop body iteration.
func (i *Interpreter) executeChain(ctx context.Context, startID, prefix string) error {
	if startID == "" {
		return &models.StepError{Code: models.ErrCodeGraph, Message: "flow version has no trigger step"}
	}

	next := &startID
	for next != nil {
		if err := i.checkInterrupt(ctx); err != nil {
			return err
		}

		step := i.version.Step(*next)
		if step == nil {
			return &models.StepError{
				Code:    models.ErrCodeGraph,
				StepID:  *next,
				Message: "edge points at a step that does not exist",
			}
		}

		follow, err := i.executeStep(ctx, step, prefix)
		if err != nil {
			return err
		}

		next = follow
	}

	return nil
}

// checkInterrupt classifies stop requests and expired deadlines between
// steps. In-flight invocations are never interrupted here; the invoker's
// own deadline handling covers those.
func (i *Interpreter) checkInterrupt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if i.canceled != nil && i.canceled() {
		return errRunStopped
	}

	return nil
}

func (i *Interpreter) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
