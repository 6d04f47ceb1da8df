package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence"
)

// RunRepository keeps runs, their step history and the stop flags in
// maps guarded by one RW mutex. Step history is stored apart from the
// run record so listings stay cheap.
type RunRepository struct {
	mu    sync.RWMutex
	runs  map[string]*models.ExecutionRun
	steps map[string][]*models.StepExecution
	stops map[string]bool
}

// NewRunRepository creates an empty run repository.
func NewRunRepository() *RunRepository {
	return &RunRepository{
		runs:  make(map[string]*models.ExecutionRun),
		steps: make(map[string][]*models.StepExecution),
		stops: make(map[string]bool),
	}
}

// CreateRun inserts a new run, defaulting status and creation time.
func (r *RunRepository) CreateRun(ctx context.Context, run *models.ExecutionRun) error {
	stored, err := clone(run)
	if err != nil {
		return persistence.NewRunError("create", run.ID, err)
	}

	if stored.Status == "" {
		stored.Status = models.RunStatusQueued
	}

	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	steps := stored.Steps
	stored.Steps = nil

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[run.ID]; ok {
		return persistence.NewRunError("create", run.ID, persistence.ErrRunExists)
	}

	r.runs[run.ID] = stored

	for _, step := range steps {
		r.upsertStepLocked(run.ID, step)
	}

	return nil
}

// RunByID returns the run with its full step history.
func (r *RunRepository) RunByID(ctx context.Context, runID string) (*models.ExecutionRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.runs[runID]
	if !ok {
		return nil, persistence.NewRunError("get", runID, persistence.ErrRunNotFound)
	}

	run, err := clone(stored)
	if err != nil {
		return nil, persistence.NewRunError("get", runID, err)
	}

	for _, step := range r.steps[runID] {
		cloned, err := clone(step)
		if err != nil {
			return nil, persistence.NewRunError("get", runID, err)
		}

		run.Steps = append(run.Steps, cloned)
	}

	return run, nil
}

// SaveRun replaces the stored run. Provided steps are upserted into the
// history; an empty step list leaves the recorded history untouched.
func (r *RunRepository) SaveRun(ctx context.Context, run *models.ExecutionRun) error {
	updated, err := clone(run)
	if err != nil {
		return persistence.NewRunError("save", run.ID, err)
	}

	steps := updated.Steps
	updated.Steps = nil

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.runs[run.ID]
	if !ok {
		return persistence.NewRunError("save", run.ID, persistence.ErrRunNotFound)
	}

	if stored.Status.Terminal() {
		return persistence.NewRunError("save", run.ID, persistence.ErrRunTerminal)
	}

	r.runs[run.ID] = updated

	for _, step := range steps {
		r.upsertStepLocked(run.ID, step)
	}

	return nil
}

// RecordStep upserts one step execution, keyed by its path.
func (r *RunRepository) RecordStep(ctx context.Context, runID string, step *models.StepExecution) error {
	stored, err := clone(step)
	if err != nil {
		return persistence.NewRunError("record step", runID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return persistence.NewRunError("record step", runID, persistence.ErrRunNotFound)
	}

	if run.Status.Terminal() {
		return persistence.NewRunError("record step", runID, persistence.ErrRunTerminal)
	}

	r.upsertStepLocked(runID, stored)

	return nil
}

// RequestStop flags the run for cooperative cancellation.
func (r *RunRepository) RequestStop(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return persistence.NewRunError("request stop", runID, persistence.ErrRunNotFound)
	}

	if run.Status.Terminal() {
		return persistence.NewRunError("request stop", runID, persistence.ErrRunTerminal)
	}

	r.stops[runID] = true

	return nil
}

// StopRequested reports whether a stop was requested for the run.
func (r *RunRepository) StopRequested(ctx context.Context, runID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.runs[runID]; !ok {
		return false, persistence.NewRunError("stop requested", runID, persistence.ErrRunNotFound)
	}

	return r.stops[runID], nil
}

// ListRuns returns matching runs, newest first, without step history.
func (r *RunRepository) ListRuns(ctx context.Context, opts persistence.ListRunsOptions) ([]*models.ExecutionRun, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*models.ExecutionRun, 0, len(r.runs))

	for _, run := range r.runs {
		if opts.ProjectID != "" && run.ProjectID != opts.ProjectID {
			continue
		}

		if opts.Status != nil && run.Status != *opts.Status {
			continue
		}

		matched = append(matched, run)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}

		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if opts.Offset >= len(matched) {
		return []*models.ExecutionRun{}, nil
	}

	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	runs := make([]*models.ExecutionRun, 0, len(matched))

	for _, run := range matched {
		cloned, err := clone(run)
		if err != nil {
			return nil, persistence.NewRunError("list", run.ID, err)
		}

		runs = append(runs, cloned)
	}

	return runs, nil
}

// upsertStepLocked replaces the entry sharing the step's path or
// appends a new one. Callers hold the write lock.
func (r *RunRepository) upsertStepLocked(runID string, step *models.StepExecution) {
	list := r.steps[runID]

	for i, existing := range list {
		if existing.Path == step.Path {
			list[i] = step

			return
		}
	}

	r.steps[runID] = append(list, step)
}
