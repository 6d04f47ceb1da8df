// Package flowfile reads flow definitions from YAML or JSON documents
// and seeds them into a flow repository. A flow file is the authoring
// shape of a flow: the step graph and its metadata, without the
// identifiers and timestamps the engine assigns on save.
package flowfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pieceflow/pieceflow/pkg/flow"
	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence"
)

// Definition is the declarative content of a flow file. Step ids are
// authored, since edges reference them; the flow id is optional and a
// fresh one is assigned when absent.
type Definition struct {
	Name      string         `json:"name"`
	FlowID    string         `json:"flow_id,omitempty"`
	ProjectID string         `json:"project_id"`
	Steps     []*models.Step `json:"steps"`
}

// Parse decodes a flow definition. YAML is a superset of JSON, so both
// formats feed the same decoder; keys follow the models' JSON naming.
// Unknown keys are rejected to catch authoring typos before they turn
// into silently ignored configuration.
func Parse(data []byte) (*Definition, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse flow definition: %w", err)
	}

	doc, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New("flow definition must be a mapping")
	}

	if err := normalizeDurations(doc); err != nil {
		return nil, err
	}

	bridged, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize flow definition: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(bridged))
	decoder.DisallowUnknownFields()

	definition := &Definition{}
	if err := decoder.Decode(definition); err != nil {
		return nil, fmt.Errorf("failed to decode flow definition: %w", err)
	}

	if definition.Name == "" {
		return nil, errors.New("flow definition has no name")
	}

	if definition.ProjectID == "" {
		return nil, errors.New("flow definition has no project_id")
	}

	return definition, nil
}

// Load reads and parses one flow file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file: %w", err)
	}

	definition, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return definition, nil
}

// LoadDir loads every .yaml, .yml and .json file directly under dir,
// in name order.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow directory: %w", err)
	}

	definitions := make([]*Definition, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}

		definition, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		definitions = append(definitions, definition)
	}

	return definitions, nil
}

// Version materializes the definition as a fresh draft version numbered
// 1. Seed renumbers it against what the repository already holds.
func (d *Definition) Version() *models.FlowVersion {
	flowID := d.FlowID
	if flowID == "" {
		flowID = uuid.New().String()
	}

	now := time.Now().UTC()

	return &models.FlowVersion{
		ID:        uuid.New().String(),
		FlowID:    flowID,
		ProjectID: d.ProjectID,
		Name:      d.Name,
		Version:   1,
		State:     models.FlowVersionStateDraft,
		Steps:     d.Steps,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the definition's graph structure, and its piece
// references when pieces is non-nil.
func (d *Definition) Validate(pieces flow.PieceResolver) error {
	return flow.Validate(d.Version(), pieces)
}

// Seed stores the definition as the next version of its flow, locking
// it when lock is set. A definition without a flow_id starts a new
// flow on every call.
func Seed(ctx context.Context, flows persistence.FlowRepository, definition *Definition, pieces flow.PieceResolver, lock bool) (*models.FlowVersion, error) {
	version := definition.Version()

	if err := flow.Validate(version, pieces); err != nil {
		return nil, err
	}

	existing, err := flows.VersionsByFlow(ctx, version.FlowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flow versions: %w", err)
	}

	if len(existing) > 0 {
		version.Version = existing[len(existing)-1].Version + 1
	}

	if err := flows.SaveVersion(ctx, version); err != nil {
		return nil, fmt.Errorf("failed to save flow version: %w", err)
	}

	if !lock {
		return version, nil
	}

	locked, err := flows.LockVersion(ctx, version.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock flow version: %w", err)
	}

	return locked, nil
}

// Retry intervals read as Go duration strings ("30s", "1m"); the model
// stores nanoseconds. Numbers pass through untouched.
func normalizeDurations(doc map[string]any) error {
	steps, _ := doc["steps"].([]any)

	for _, rawStep := range steps {
		step, ok := rawStep.(map[string]any)
		if !ok {
			continue
		}

		retry, ok := step["retry"].(map[string]any)
		if !ok {
			continue
		}

		for _, key := range []string{"initial_interval", "max_interval"} {
			value, ok := retry[key].(string)
			if !ok {
				continue
			}

			interval, err := time.ParseDuration(value)
			if err != nil {
				id, _ := step["id"].(string)

				return fmt.Errorf("step %q: invalid %s %q: %w", id, key, value, err)
			}

			retry[key] = int64(interval)
		}
	}

	return nil
}
