package file

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence"
)

// RunRepository stores each run as one document under runs/<id>.json,
// step history included. A runs/<id>.stop marker carries the stop flag
// so flagging a run never rewrites the run document.
type RunRepository struct {
	mu   sync.Mutex
	root string // File system root for storing runs
}

// NewRunRepository creates a new run repository.
func NewRunRepository(root string) *RunRepository {
	return &RunRepository{root: root}
}

func (r *RunRepository) dir() string {
	return filepath.Join(r.root, "runs")
}

func (r *RunRepository) path(runID string) string {
	return filepath.Join(r.dir(), runID+".json")
}

func (r *RunRepository) stopPath(runID string) string {
	return filepath.Join(r.dir(), runID+".stop")
}

// CreateRun inserts a new run, defaulting status and creation time.
func (r *RunRepository) CreateRun(ctx context.Context, run *models.ExecutionRun) error {
	if err := validateID(run.ID); err != nil {
		return persistence.NewRunError("create", run.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.path(run.ID)); err == nil {
		return persistence.NewRunError("create", run.ID, persistence.ErrRunExists)
	}

	stored := *run
	if stored.Status == "" {
		stored.Status = models.RunStatusQueued
	}

	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	err := writeJSON(r.dir(), run.ID, &stored)
	if err != nil {
		return persistence.NewRunError("create", run.ID, err)
	}

	return nil
}

// RunByID returns the run with its full step history.
func (r *RunRepository) RunByID(ctx context.Context, runID string) (*models.ExecutionRun, error) {
	if err := validateID(runID); err != nil {
		return nil, persistence.NewRunError("get", runID, err)
	}

	var run models.ExecutionRun

	err := readJSON(r.path(runID), &run)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewRunError("get", runID, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("get", runID, err)
	}

	return &run, nil
}

// SaveRun replaces the stored run. Provided steps are upserted into the
// history; an empty step list leaves the recorded history untouched.
func (r *RunRepository) SaveRun(ctx context.Context, run *models.ExecutionRun) error {
	if err := validateID(run.ID); err != nil {
		return persistence.NewRunError("save", run.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var stored models.ExecutionRun

	err := readJSON(r.path(run.ID), &stored)
	if err != nil {
		if os.IsNotExist(err) {
			return persistence.NewRunError("save", run.ID, persistence.ErrRunNotFound)
		}

		return persistence.NewRunError("save", run.ID, err)
	}

	if stored.Status.Terminal() {
		return persistence.NewRunError("save", run.ID, persistence.ErrRunTerminal)
	}

	updated := *run

	steps := stored.Steps
	for _, step := range run.Steps {
		steps = upsertStep(steps, step)
	}

	updated.Steps = steps

	err = writeJSON(r.dir(), run.ID, &updated)
	if err != nil {
		return persistence.NewRunError("save", run.ID, err)
	}

	return nil
}

// RecordStep upserts one step execution, keyed by its path.
func (r *RunRepository) RecordStep(ctx context.Context, runID string, step *models.StepExecution) error {
	if err := validateID(runID); err != nil {
		return persistence.NewRunError("record step", runID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var run models.ExecutionRun

	err := readJSON(r.path(runID), &run)
	if err != nil {
		if os.IsNotExist(err) {
			return persistence.NewRunError("record step", runID, persistence.ErrRunNotFound)
		}

		return persistence.NewRunError("record step", runID, err)
	}

	if run.Status.Terminal() {
		return persistence.NewRunError("record step", runID, persistence.ErrRunTerminal)
	}

	run.Steps = upsertStep(run.Steps, step)

	err = writeJSON(r.dir(), runID, &run)
	if err != nil {
		return persistence.NewRunError("record step", runID, err)
	}

	return nil
}

// RequestStop flags the run for cooperative cancellation.
func (r *RunRepository) RequestStop(ctx context.Context, runID string) error {
	if err := validateID(runID); err != nil {
		return persistence.NewRunError("request stop", runID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var run models.ExecutionRun

	err := readJSON(r.path(runID), &run)
	if err != nil {
		if os.IsNotExist(err) {
			return persistence.NewRunError("request stop", runID, persistence.ErrRunNotFound)
		}

		return persistence.NewRunError("request stop", runID, err)
	}

	if run.Status.Terminal() {
		return persistence.NewRunError("request stop", runID, persistence.ErrRunTerminal)
	}

	err = os.WriteFile(r.stopPath(runID), nil, 0600)
	if err != nil {
		return persistence.NewRunError("request stop", runID, err)
	}

	return nil
}

// StopRequested reports whether a stop was requested for the run.
func (r *RunRepository) StopRequested(ctx context.Context, runID string) (bool, error) {
	if err := validateID(runID); err != nil {
		return false, persistence.NewRunError("stop requested", runID, err)
	}

	if _, err := os.Stat(r.path(runID)); err != nil {
		if os.IsNotExist(err) {
			return false, persistence.NewRunError("stop requested", runID, persistence.ErrRunNotFound)
		}

		return false, persistence.NewRunError("stop requested", runID, err)
	}

	_, err := os.Stat(r.stopPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, persistence.NewRunError("stop requested", runID, err)
	}

	return true, nil
}

// ListRuns returns matching runs, newest first, without step history.
func (r *RunRepository) ListRuns(ctx context.Context, opts persistence.ListRunsOptions) ([]*models.ExecutionRun, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}

	files, err := fs.Glob(os.DirFS(r.dir()), "*.json")
	if err != nil {
		return nil, persistence.NewRunError("list", "", err)
	}

	matched := make([]*models.ExecutionRun, 0, len(files))

	for _, file := range files {
		var run models.ExecutionRun

		err = readJSON(filepath.Join(r.dir(), file), &run)
		if err != nil {
			return nil, persistence.NewRunError("list", file, err)
		}

		if opts.ProjectID != "" && run.ProjectID != opts.ProjectID {
			continue
		}

		if opts.Status != nil && run.Status != *opts.Status {
			continue
		}

		run.Steps = nil
		matched = append(matched, &run)
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

	return matched, nil
}

// upsertStep replaces the entry sharing the step's path or appends.
func upsertStep(steps []*models.StepExecution, step *models.StepExecution) []*models.StepExecution {
	for i, existing := range steps {
		if existing.Path == step.Path {
			steps[i] = step

			return steps
		}
	}

	return append(steps, step)
}
