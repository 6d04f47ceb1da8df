package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence"
)

// FlowRepository keeps flow versions in a map guarded by a RW mutex.
type FlowRepository struct {
	mu       sync.RWMutex
	versions map[string]*models.FlowVersion
}

// NewFlowRepository creates an empty flow version repository.
func NewFlowRepository() *FlowRepository {
	return &FlowRepository{
		versions: make(map[string]*models.FlowVersion),
	}
}

// SaveVersion inserts or updates a version. A stored locked version
// rejects the write.
func (r *FlowRepository) SaveVersion(ctx context.Context, version *models.FlowVersion) error {
	stored, err := clone(version)
	if err != nil {
		return persistence.NewVersionError("save", version.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.versions[version.ID]
	if ok && existing.Locked() {
		return persistence.NewVersionError("save", version.ID, persistence.ErrFlowVersionLocked)
	}

	r.versions[version.ID] = stored

	return nil
}

// LockVersion transitions a draft to LOCKED. Locking a locked version
// is a no-op.
func (r *FlowRepository) LockVersion(ctx context.Context, versionID string) (*models.FlowVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.versions[versionID]
	if !ok {
		return nil, persistence.NewVersionError("lock", versionID, persistence.ErrFlowVersionNotFound)
	}

	if !stored.Locked() {
		now := time.Now().UTC()
		stored.State = models.FlowVersionStateLocked
		stored.LockedAt = &now
		stored.UpdatedAt = now
	}

	locked, err := clone(stored)
	if err != nil {
		return nil, persistence.NewVersionError("lock", versionID, err)
	}

	return locked, nil
}

// VersionByID returns the version or ErrFlowVersionNotFound.
func (r *FlowRepository) VersionByID(ctx context.Context, versionID string) (*models.FlowVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.versions[versionID]
	if !ok {
		return nil, persistence.NewVersionError("get", versionID, persistence.ErrFlowVersionNotFound)
	}

	version, err := clone(stored)
	if err != nil {
		return nil, persistence.NewVersionError("get", versionID, err)
	}

	return version, nil
}

// VersionsByFlow returns every version of the flow, oldest first.
func (r *FlowRepository) VersionsByFlow(ctx context.Context, flowID string) ([]*models.FlowVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := make([]*models.FlowVersion, 0)

	for _, stored := range r.versions {
		if stored.FlowID != flowID {
			continue
		}

		version, err := clone(stored)
		if err != nil {
			return nil, persistence.NewVersionError("list", stored.ID, err)
		}

		versions = append(versions, version)
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Version < versions[j].Version
	})

	return versions, nil
}

// ActiveVersions returns the highest locked version per flow, ordered
// by flow id.
func (r *FlowRepository) ActiveVersions(ctx context.Context) ([]*models.FlowVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	latest := make(map[string]*models.FlowVersion)

	for _, stored := range r.versions {
		if !stored.Locked() {
			continue
		}

		current, ok := latest[stored.FlowID]
		if !ok || stored.Version > current.Version {
			latest[stored.FlowID] = stored
		}
	}

	versions := make([]*models.FlowVersion, 0, len(latest))

	for _, stored := range latest {
		version, err := clone(stored)
		if err != nil {
			return nil, persistence.NewVersionError("active", stored.ID, err)
		}

		versions = append(versions, version)
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].FlowID < versions[j].FlowID
	})

	return versions, nil
}
