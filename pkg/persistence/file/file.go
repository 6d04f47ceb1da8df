// Package file provides a file-system persistence backend. Each record
// is one JSON document, written atomically via a temp file rename.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pieceflow/pieceflow/pkg/persistence"
)

// Persistence stores flow versions and runs under a root directory.
type Persistence struct {
	root  string
	flows *FlowRepository
	runs  *RunRepository
}

// NewPersistence creates a file persistence layer rooted at the given
// directory. A file:// prefix is accepted and stripped.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:  cleanRoot,
		flows: NewFlowRepository(cleanRoot),
		runs:  NewRunRepository(cleanRoot),
	}
}

// Flows returns the flow version repository.
func (p *Persistence) Flows() persistence.FlowRepository {
	return p.flows
}

// Runs returns the execution run repository.
func (p *Persistence) Runs() persistence.RunRepository {
	return p.runs
}

// HealthCheck verifies the root directory exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close performs no cleanup; files need none.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// validateID rejects ids that could escape the storage directory.
func validateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}

	if strings.Contains(id, "..") || strings.Contains(id, "/") || strings.Contains(id, "\\") {
		return errors.New("id contains invalid characters")
	}

	return nil
}

// writeJSON marshals v into dir/name.json through a temp file so
// readers never observe a partial document.
func writeJSON(dir, name string, v any) error {
	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}

	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	err = os.Rename(tmp.Name(), filepath.Join(dir, name+".json"))
	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to replace %s: %w", name, err)
	}

	return nil
}

// readJSON unmarshals dir-local documents. Missing files surface as
// fs.ErrNotExist for the caller to map onto its sentinel.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- ids are validated before paths are built
	if err != nil {
		return err
	}

	err = json.Unmarshal(data, v)
	if err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(path), err)
	}

	return nil
}
