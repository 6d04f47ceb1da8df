// Package memory provides an in-process persistence backend for tests
// and single-node development setups.
package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pieceflow/pieceflow/pkg/persistence"
)

// Persistence keeps flow versions and runs in process memory.
type Persistence struct {
	flows *FlowRepository
	runs  *RunRepository
}

// NewPersistence creates an empty in-memory persistence layer.
func NewPersistence() *Persistence {
	return &Persistence{
		flows: NewFlowRepository(),
		runs:  NewRunRepository(),
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

// HealthCheck always succeeds for the in-memory backend.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	return nil
}

// Close releases nothing; the backend lives and dies with the process.
func (p *Persistence) Close(ctx context.Context) error {
	return nil
}

// clone round-trips a record through JSON so stored and returned values
// carry the same shapes the serializing backends produce.
func clone[T any](in *T) (*T, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}

	out := new(T)

	err = json.Unmarshal(raw, out)
	if err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}

	return out, nil
}
