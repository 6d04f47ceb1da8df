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

// FlowRepository stores flow versions as flow_versions/<id>.json.
type FlowRepository struct {
	mu   sync.Mutex
	root string // File system root for storing flow versions
}

// NewFlowRepository creates a new flow version repository.
func NewFlowRepository(root string) *FlowRepository {
	return &FlowRepository{root: root}
}

func (r *FlowRepository) dir() string {
	return filepath.Join(r.root, "flow_versions")
}

func (r *FlowRepository) path(versionID string) string {
	return filepath.Join(r.dir(), versionID+".json")
}

// SaveVersion inserts or updates a version. A stored locked version
// rejects the write.
func (r *FlowRepository) SaveVersion(ctx context.Context, version *models.FlowVersion) error {
	if err := validateID(version.ID); err != nil {
		return persistence.NewVersionError("save", version.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var stored models.FlowVersion

	err := readJSON(r.path(version.ID), &stored)

	switch {
	case err == nil:
		if stored.Locked() {
			return persistence.NewVersionError("save", version.ID, persistence.ErrFlowVersionLocked)
		}
	case !os.IsNotExist(err):
		return persistence.NewVersionError("save", version.ID, err)
	}

	err = writeJSON(r.dir(), version.ID, version)
	if err != nil {
		return persistence.NewVersionError("save", version.ID, err)
	}

	return nil
}

// LockVersion transitions a draft to LOCKED. Locking a locked version
// is a no-op.
func (r *FlowRepository) LockVersion(ctx context.Context, versionID string) (*models.FlowVersion, error) {
	if err := validateID(versionID); err != nil {
		return nil, persistence.NewVersionError("lock", versionID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var version models.FlowVersion

	err := readJSON(r.path(versionID), &version)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewVersionError("lock", versionID, persistence.ErrFlowVersionNotFound)
		}

		return nil, persistence.NewVersionError("lock", versionID, err)
	}

	if !version.Locked() {
		now := time.Now().UTC()
		version.State = models.FlowVersionStateLocked
		version.LockedAt = &now
		version.UpdatedAt = now

		err = writeJSON(r.dir(), versionID, &version)
		if err != nil {
			return nil, persistence.NewVersionError("lock", versionID, err)
		}
	}

	return &version, nil
}

// VersionByID returns the version or ErrFlowVersionNotFound.
func (r *FlowRepository) VersionByID(ctx context.Context, versionID string) (*models.FlowVersion, error) {
	if err := validateID(versionID); err != nil {
		return nil, persistence.NewVersionError("get", versionID, err)
	}

	var version models.FlowVersion

	err := readJSON(r.path(versionID), &version)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewVersionError("get", versionID, persistence.ErrFlowVersionNotFound)
		}

		return nil, persistence.NewVersionError("get", versionID, err)
	}

	return &version, nil
}

// VersionsByFlow returns every version of the flow, oldest first.
func (r *FlowRepository) VersionsByFlow(ctx context.Context, flowID string) ([]*models.FlowVersion, error) {
	files, err := fs.Glob(os.DirFS(r.dir()), "*.json")
	if err != nil {
		return nil, persistence.NewVersionError("list", flowID, err)
	}

	versions := make([]*models.FlowVersion, 0)

	for _, file := range files {
		var version models.FlowVersion

		err = readJSON(filepath.Join(r.dir(), file), &version)
		if err != nil {
			return nil, persistence.NewVersionError("list", flowID, err)
		}

		if version.FlowID == flowID {
			versions = append(versions, &version)
		}
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Version < versions[j].Version
	})

	return versions, nil
}

// ActiveVersions returns the highest locked version per flow, ordered
// by flow id.
func (r *FlowRepository) ActiveVersions(ctx context.Context) ([]*models.FlowVersion, error) {
	files, err := fs.Glob(os.DirFS(r.dir()), "*.json")
	if err != nil {
		return nil, persistence.NewVersionError("active", "", err)
	}

	latest := make(map[string]*models.FlowVersion)

	for _, file := range files {
		var version models.FlowVersion

		err = readJSON(filepath.Join(r.dir(), file), &version)
		if err != nil {
			return nil, persistence.NewVersionError("active", "", err)
		}

		if !version.Locked() {
			continue
		}

		current, ok := latest[version.FlowID]
		if !ok || version.Version > current.Version {
			latest[version.FlowID] = &version
		}
	}

	versions := make([]*models.FlowVersion, 0, len(latest))
	for _, version := range latest {
		versions = append(versions, version)
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].FlowID < versions[j].FlowID
	})

	return versions, nil
}
