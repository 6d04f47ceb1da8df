// Package persistence defines the storage contracts for flow versions
// and execution runs.
package persistence

import (
	"context"

	"github.com/pieceflow/pieceflow/pkg/models"
)

// FlowRepository stores versioned flow definitions. Locked versions are
// immutable: saves against them are rejected.
type FlowRepository interface {
	// SaveVersion inserts or updates a version. Returns
	// ErrFlowVersionLocked when the stored version is already locked.
	SaveVersion(ctx context.Context, version *models.FlowVersion) error

	// LockVersion transitions a draft to LOCKED and returns the locked
	// version. Locking an already locked version is a no-op returning
	// the stored version.
	LockVersion(ctx context.Context, versionID string) (*models.FlowVersion, error)

	// VersionByID returns the version or ErrFlowVersionNotFound.
	VersionByID(ctx context.Context, versionID string) (*models.FlowVersion, error)

	// VersionsByFlow returns every version of a flow, oldest first.
	VersionsByFlow(ctx context.Context, flowID string) ([]*models.FlowVersion, error)

	// ActiveVersions returns the highest locked version of every flow,
	// ordered by flow id. These are the versions trigger sources serve.
	ActiveVersions(ctx context.Context) ([]*models.FlowVersion, error)
}

// ListRunsOptions filter and paginate ListRuns.
type ListRunsOptions struct {
	ProjectID string
	Status    *models.RunStatus
	Limit     int
	Offset    int
}

// RunRepository stores execution runs and their step history. A run
// that reached a terminal status is history: every further mutation is
// rejected with ErrRunTerminal.
type RunRepository interface {
	// CreateRun inserts a new run, defaulting the status to QUEUED.
	// Returns ErrRunExists for a duplicate id.
	CreateRun(ctx context.Context, run *models.ExecutionRun) error

	// RunByID returns the full run including step history, or
	// ErrRunNotFound.
	RunByID(ctx context.Context, runID string) (*models.ExecutionRun, error)

	// SaveRun replaces the stored run, steps included.
	SaveRun(ctx context.Context, run *models.ExecutionRun) error

	// RecordStep upserts one step execution, keyed by its path. Step
	// transitions overwrite the earlier record of the same path.
	RecordStep(ctx context.Context, runID string, step *models.StepExecution) error

	// RequestStop flags the run for cooperative cancellation. Workers
	// poll the flag between steps.
	RequestStop(ctx context.Context, runID string) error

	// StopRequested reports whether a stop was requested for the run.
	StopRequested(ctx context.Context, runID string) (bool, error)

	// ListRuns returns matching runs, newest first, without step
	// history. RunByID loads the full record.
	ListRuns(ctx context.Context, opts ListRunsOptions) ([]*models.ExecutionRun, error)
}

// Persistence aggregates the repositories behind one backend.
type Persistence interface {
	Flows() FlowRepository
	Runs() RunRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
