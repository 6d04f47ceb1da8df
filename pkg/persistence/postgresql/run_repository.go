package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence"
)

// terminalStatuses mirrors models.RunStatus.Terminal for SQL guards.
const terminalStatuses = `('SUCCEEDED', 'FAILED', 'STOPPED', 'TIMED_OUT')`

// RunRepository handles execution run database operations.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateRun inserts a new run, defaulting status and creation time.
func (r *RunRepository) CreateRun(ctx context.Context, run *models.ExecutionRun) error {
	status := run.Status
	if status == "" {
		status = models.RunStatusQueued
	}

	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(run.TriggerPayload)
	if err != nil {
		return persistence.NewRunError("create", run.ID, fmt.Errorf("failed to marshal trigger payload: %w", err))
	}

	errorJSON, err := json.Marshal(run.Error)
	if err != nil {
		return persistence.NewRunError("create", run.ID, fmt.Errorf("failed to marshal error: %w", err))
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewRunError("create", run.ID, fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		INSERT INTO execution_runs (id, flow_version_id, project_id, status, trigger_payload, error, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := tx.ExecContext(ctx, query,
		run.ID,
		run.FlowVersionID,
		run.ProjectID,
		status,
		payloadJSON,
		errorJSON,
		createdAt,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return persistence.NewRunError("create", run.ID, fmt.Errorf("failed to insert run: %w", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewRunError("create", run.ID, fmt.Errorf("failed to get rows affected: %w", err))
	}

	if rowsAffected == 0 {
		err = persistence.ErrRunExists

		return persistence.NewRunError("create", run.ID, err)
	}

	for _, step := range run.Steps {
		err = r.upsertStep(ctx, tx, run.ID, step)
		if err != nil {
			return persistence.NewRunError("create", run.ID, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return persistence.NewRunError("create", run.ID, fmt.Errorf("failed to commit transaction: %w", err))
	}

	return nil
}

// RunByID returns the run with its full step history.
func (r *RunRepository) RunByID(ctx context.Context, runID string) (*models.ExecutionRun, error) {
	query := `
		SELECT
			id
		  , flow_version_id
		  , project_id
		  , status
		  , trigger_payload
		  , error
		  , created_at
		  , started_at
		  , finished_at
		FROM execution_runs
		WHERE id = $1
	`

	run, err := r.scanRun(r.db.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError("get", runID, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("get", runID, err)
	}

	steps, err := r.loadSteps(ctx, runID)
	if err != nil {
		return nil, persistence.NewRunError("get", runID, err)
	}

	run.Steps = steps

	return run, nil
}

// SaveRun replaces the stored run. Provided steps are upserted into the
// history; an empty step list leaves the recorded history untouched.
func (r *RunRepository) SaveRun(ctx context.Context, run *models.ExecutionRun) error {
	payloadJSON, err := json.Marshal(run.TriggerPayload)
	if err != nil {
		return persistence.NewRunError("save", run.ID, fmt.Errorf("failed to marshal trigger payload: %w", err))
	}

	errorJSON, err := json.Marshal(run.Error)
	if err != nil {
		return persistence.NewRunError("save", run.ID, fmt.Errorf("failed to marshal error: %w", err))
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewRunError("save", run.ID, fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		UPDATE execution_runs
		SET status = $2, trigger_payload = $3, error = $4, started_at = $5, finished_at = $6
		WHERE id = $1 AND status NOT IN ` + terminalStatuses

	result, err := tx.ExecContext(ctx, query,
		run.ID,
		run.Status,
		payloadJSON,
		errorJSON,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return persistence.NewRunError("save", run.ID, fmt.Errorf("failed to update run: %w", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewRunError("save", run.ID, fmt.Errorf("failed to get rows affected: %w", err))
	}

	if rowsAffected == 0 {
		err = r.guardError(ctx, run.ID)

		return persistence.NewRunError("save", run.ID, err)
	}

	for _, step := range run.Steps {
		err = r.upsertStep(ctx, tx, run.ID, step)
		if err != nil {
			return persistence.NewRunError("save", run.ID, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return persistence.NewRunError("save", run.ID, fmt.Errorf("failed to commit transaction: %w", err))
	}

	return nil
}

// RecordStep upserts one step execution, keyed by its path.
func (r *RunRepository) RecordStep(ctx context.Context, runID string, step *models.StepExecution) error {
	var status models.RunStatus

	err := r.db.QueryRowContext(ctx, "SELECT status FROM execution_runs WHERE id = $1", runID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.NewRunError("record step", runID, persistence.ErrRunNotFound)
		}

		return persistence.NewRunError("record step", runID, fmt.Errorf("failed to query run status: %w", err))
	}

	if status.Terminal() {
		return persistence.NewRunError("record step", runID, persistence.ErrRunTerminal)
	}

	err = r.upsertStep(ctx, r.db, runID, step)
	if err != nil {
		return persistence.NewRunError("record step", runID, err)
	}

	return nil
}

// RequestStop flags the run for cooperative cancellation.
func (r *RunRepository) RequestStop(ctx context.Context, runID string) error {
	query := `
		UPDATE execution_runs
		SET stop_requested = TRUE
		WHERE id = $1 AND status NOT IN ` + terminalStatuses

	result, err := r.db.ExecContext(ctx, query, runID)
	if err != nil {
		return persistence.NewRunError("request stop", runID, fmt.Errorf("failed to flag run: %w", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewRunError("request stop", runID, fmt.Errorf("failed to get rows affected: %w", err))
	}

	if rowsAffected == 0 {
		return persistence.NewRunError("request stop", runID, r.guardError(ctx, runID))
	}

	return nil
}

// StopRequested reports whether a stop was requested for the run.
func (r *RunRepository) StopRequested(ctx context.Context, runID string) (bool, error) {
	var stopped bool

	err := r.db.QueryRowContext(ctx, "SELECT stop_requested FROM execution_runs WHERE id = $1", runID).Scan(&stopped)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, persistence.NewRunError("stop requested", runID, persistence.ErrRunNotFound)
		}

		return false, persistence.NewRunError("stop requested", runID, fmt.Errorf("failed to query stop flag: %w", err))
	}

	return stopped, nil
}

// ListRuns returns matching runs, newest first, without step history.
func (r *RunRepository) ListRuns(ctx context.Context, opts persistence.ListRunsOptions) ([]*models.ExecutionRun, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}

	query := `
		SELECT
			id
		  , flow_version_id
		  , project_id
		  , status
		  , trigger_payload
		  , error
		  , created_at
		  , started_at
		  , finished_at
		FROM execution_runs
	`

	conditions := make([]string, 0, 2)
	args := make([]any, 0, 4)

	if opts.ProjectID != "" {
		args = append(args, opts.ProjectID)
		conditions = append(conditions, fmt.Sprintf("project_id = $%d", len(args)))
	}

	if opts.Status != nil {
		args = append(args, *opts.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	args = append(args, opts.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	args = append(args, opts.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewRunError("list", "", fmt.Errorf("failed to query runs: %w", err))
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	runs := make([]*models.ExecutionRun, 0)

	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, persistence.NewRunError("list", "", err)
		}

		runs = append(runs, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, persistence.NewRunError("list", "", fmt.Errorf("error iterating runs: %w", err))
	}

	return runs, nil
}

// guardError reports why a terminal-guarded update matched no rows.
func (r *RunRepository) guardError(ctx context.Context, runID string) error {
	var status models.RunStatus

	err := r.db.QueryRowContext(ctx, "SELECT status FROM execution_runs WHERE id = $1", runID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.ErrRunNotFound
		}

		return fmt.Errorf("failed to query run status: %w", err)
	}

	return persistence.ErrRunTerminal
}

// upsertStep writes one step row. The seq subselect assigns the next
// position for new paths; conflicts keep the original seq so transitions
// stay in execution order.
func (r *RunRepository) upsertStep(ctx context.Context, ex execer, runID string, step *models.StepExecution) error {
	inputJSON, err := json.Marshal(step.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal step input: %w", err)
	}

	outputJSON, err := json.Marshal(step.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal step output: %w", err)
	}

	errorJSON, err := json.Marshal(step.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal step error: %w", err)
	}

	query := `
		INSERT INTO step_executions (run_id, path, seq, step_id, status, attempt, input, output, error, started_at, duration_ns)
		VALUES ($1, $2, (SELECT COALESCE(MAX(seq), 0) + 1 FROM step_executions WHERE run_id = $1), $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id, path) DO UPDATE SET
			step_id = EXCLUDED.step_id,
			status = EXCLUDED.status,
			attempt = EXCLUDED.attempt,
			input = EXCLUDED.input,
			output = EXCLUDED.output,
			error = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			duration_ns = EXCLUDED.duration_ns
	`

	_, err = ex.ExecContext(ctx, query,
		runID,
		step.Path,
		step.StepID,
		step.Status,
		step.Attempt,
		inputJSON,
		outputJSON,
		errorJSON,
		step.StartedAt,
		step.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert step %s: %w", step.Path, err)
	}

	return nil
}

func (r *RunRepository) loadSteps(ctx context.Context, runID string) ([]*models.StepExecution, error) {
	query := `
		SELECT
			step_id
		  , path
		  , status
		  , attempt
		  , input
		  , output
		  , error
		  , started_at
		  , duration_ns
		FROM step_executions
		WHERE run_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	steps := make([]*models.StepExecution, 0)

	for rows.Next() {
		var (
			step       models.StepExecution
			inputJSON  []byte
			outputJSON []byte
			errorJSON  []byte
			durationNS int64
		)

		err = rows.Scan(
			&step.StepID,
			&step.Path,
			&step.Status,
			&step.Attempt,
			&inputJSON,
			&outputJSON,
			&errorJSON,
			&step.StartedAt,
			&durationNS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		err = unmarshalJSONB(inputJSON, &step.Input)
		if err != nil {
			return nil, err
		}

		err = unmarshalJSONB(outputJSON, &step.Output)
		if err != nil {
			return nil, err
		}

		err = unmarshalJSONB(errorJSON, &step.Error)
		if err != nil {
			return nil, err
		}

		step.Duration = time.Duration(durationNS)
		steps = append(steps, &step)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

func (r *RunRepository) scanRun(row rowScanner) (*models.ExecutionRun, error) {
	var (
		run         models.ExecutionRun
		payloadJSON []byte
		errorJSON   []byte
	)

	err := row.Scan(
		&run.ID,
		&run.FlowVersionID,
		&run.ProjectID,
		&run.Status,
		&payloadJSON,
		&errorJSON,
		&run.CreatedAt,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	err = unmarshalJSONB(payloadJSON, &run.TriggerPayload)
	if err != nil {
		return nil, err
	}

	err = unmarshalJSONB(errorJSON, &run.Error)
	if err != nil {
		return nil, err
	}

	return &run, nil
}

// unmarshalJSONB decodes a nullable JSONB column into the target,
// leaving it zero for NULL or JSON null.
func unmarshalJSONB(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}

	err := json.Unmarshal(data, v)
	if err != nil {
		return fmt.Errorf("failed to unmarshal column: %w", err)
	}

	return nil
}
