package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence"
)

// FlowRepository handles flow version database operations.
type FlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewFlowRepository creates a new flow version repository.
func NewFlowRepository(db *sql.DB, logger *slog.Logger) *FlowRepository {
	return &FlowRepository{db: db, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// SaveVersion inserts or updates a version. The conflict clause only
// updates drafts, so a stored locked version rejects the write without
// a separate read.
func (r *FlowRepository) SaveVersion(ctx context.Context, version *models.FlowVersion) error {
	stepsJSON, err := json.Marshal(version.Steps)
	if err != nil {
		return persistence.NewVersionError("save", version.ID, fmt.Errorf("failed to marshal steps: %w", err))
	}

	now := time.Now().UTC()
	if version.CreatedAt.IsZero() {
		version.CreatedAt = now
	}

	if version.UpdatedAt.IsZero() {
		version.UpdatedAt = now
	}

	query := `
		INSERT INTO flow_versions (id, flow_id, project_id, name, version, state, steps, created_at, updated_at, locked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			flow_id = EXCLUDED.flow_id,
			project_id = EXCLUDED.project_id,
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			state = EXCLUDED.state,
			steps = EXCLUDED.steps,
			updated_at = EXCLUDED.updated_at,
			locked_at = EXCLUDED.locked_at
		WHERE flow_versions.state = 'DRAFT'
	`

	result, err := r.db.ExecContext(ctx, query,
		version.ID,
		version.FlowID,
		version.ProjectID,
		version.Name,
		version.Version,
		version.State,
		stepsJSON,
		version.CreatedAt,
		version.UpdatedAt,
		version.LockedAt,
	)
	if err != nil {
		return persistence.NewVersionError("save", version.ID, fmt.Errorf("failed to save flow version: %w", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewVersionError("save", version.ID, fmt.Errorf("failed to get rows affected: %w", err))
	}

	if rowsAffected == 0 {
		return persistence.NewVersionError("save", version.ID, persistence.ErrFlowVersionLocked)
	}

	return nil
}

// LockVersion transitions a draft to LOCKED. Locking a locked version
// is a no-op.
func (r *FlowRepository) LockVersion(ctx context.Context, versionID string) (*models.FlowVersion, error) {
	query := `
		UPDATE flow_versions
		SET state = 'LOCKED', locked_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state = 'DRAFT'
	`

	_, err := r.db.ExecContext(ctx, query, versionID)
	if err != nil {
		return nil, persistence.NewVersionError("lock", versionID, fmt.Errorf("failed to lock flow version: %w", err))
	}

	return r.VersionByID(ctx, versionID)
}

// VersionByID returns the version or ErrFlowVersionNotFound.
func (r *FlowRepository) VersionByID(ctx context.Context, versionID string) (*models.FlowVersion, error) {
	query := `
		SELECT
			id
		  , flow_id
		  , project_id
		  , name
		  , version
		  , state
		  , steps
		  , created_at
		  , updated_at
		  , locked_at
		FROM flow_versions
		WHERE id = $1
	`

	version, err := r.scanVersion(r.db.QueryRowContext(ctx, query, versionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewVersionError("get", versionID, persistence.ErrFlowVersionNotFound)
		}

		return nil, persistence.NewVersionError("get", versionID, err)
	}

	return version, nil
}

// VersionsByFlow returns every version of the flow, oldest first.
func (r *FlowRepository) VersionsByFlow(ctx context.Context, flowID string) ([]*models.FlowVersion, error) {
	query := `
		SELECT
			id
		  , flow_id
		  , project_id
		  , name
		  , version
		  , state
		  , steps
		  , created_at
		  , updated_at
		  , locked_at
		FROM flow_versions
		WHERE flow_id = $1
		ORDER BY version ASC
	`

	rows, err := r.db.QueryContext(ctx, query, flowID)
	if err != nil {
		return nil, persistence.NewVersionError("list", flowID, fmt.Errorf("failed to query flow versions: %w", err))
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	versions := make([]*models.FlowVersion, 0)

	for rows.Next() {
		version, err := r.scanVersion(rows)
		if err != nil {
			return nil, persistence.NewVersionError("list", flowID, err)
		}

		versions = append(versions, version)
	}

	err = rows.Err()
	if err != nil {
		return nil, persistence.NewVersionError("list", flowID, fmt.Errorf("error iterating flow versions: %w", err))
	}

	return versions, nil
}

// ActiveVersions returns the highest locked version per flow, ordered
// by flow id.
func (r *FlowRepository) ActiveVersions(ctx context.Context) ([]*models.FlowVersion, error) {
	query := `
		SELECT DISTINCT ON (flow_id)
			id
		  , flow_id
		  , project_id
		  , name
		  , version
		  , state
		  , steps
		  , created_at
		  , updated_at
		  , locked_at
		FROM flow_versions
		WHERE state = 'LOCKED'
		ORDER BY flow_id ASC, version DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, persistence.NewVersionError("active", "", fmt.Errorf("failed to query active versions: %w", err))
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	versions := make([]*models.FlowVersion, 0)

	for rows.Next() {
		version, err := r.scanVersion(rows)
		if err != nil {
			return nil, persistence.NewVersionError("active", "", err)
		}

		versions = append(versions, version)
	}

	err = rows.Err()
	if err != nil {
		return nil, persistence.NewVersionError("active", "", fmt.Errorf("error iterating active versions: %w", err))
	}

	return versions, nil
}

func (r *FlowRepository) scanVersion(row rowScanner) (*models.FlowVersion, error) {
	var (
		version   models.FlowVersion
		stepsJSON []byte
	)

	err := row.Scan(
		&version.ID,
		&version.FlowID,
		&version.ProjectID,
		&version.Name,
		&version.Version,
		&version.State,
		&stepsJSON,
		&version.CreatedAt,
		&version.UpdatedAt,
		&version.LockedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(stepsJSON, &version.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	return &version, nil
}
