// Package piece defines the contract between the engine and the pieces it
// invokes. A piece is a versioned integration exposing metadata, a set of
// actions, and a set of triggers; the engine validates resolved input
// against an operation's schema and calls Run. Invocation is stateless:
// identical requests may be retried, the engine never deduplicates calls.
package piece

import (
	"context"
	"log/slog"

	"github.com/pieceflow/pieceflow/pkg/models"
)

// Trigger ingress kinds. They tell the trigger runtime how a trigger
// piece is driven: webhooks receive deliveries, schedules fire on a cron
// expression, polling triggers are invoked periodically.
const (
	TriggerKindWebhook  = "WEBHOOK"
	TriggerKindSchedule = "SCHEDULE"
	TriggerKindPolling  = "POLLING"
)

// Metadata identifies a piece in the catalog.
type Metadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`
}

// Ref returns the reference steps use to address this piece.
func (m Metadata) Ref() models.PieceRef {
	return models.PieceRef{Name: m.Name, Version: m.Version}
}

// Operation describes one action of a piece. InputSchema is a JSON schema
// the resolved step input must satisfy before invocation.
type Operation struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"display_name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// TriggerSpec describes one trigger exposed by a piece. InputSchema
// constrains the trigger's configuration in the flow definition;
// PayloadSchema constrains the payload admitted runs carry, so the
// interpreter can reject malformed admissions at the trigger step.
type TriggerSpec struct {
	Name          string         `json:"name"`
	Kind          string         `json:"kind"`
	Description   string         `json:"description,omitempty"`
	InputSchema   map[string]any `json:"input_schema,omitempty"`
	PayloadSchema map[string]any `json:"payload_schema,omitempty"`
}

// Definition is the full capability set of a piece.
type Definition struct {
	Metadata Metadata      `json:"metadata"`
	Actions  []Operation   `json:"actions"`
	Triggers []TriggerSpec `json:"triggers,omitempty"`
}

// Action returns the named action, if the piece exposes it.
func (d Definition) Action(name string) (Operation, bool) {
	for _, op := range d.Actions {
		if op.Name == name {
			return op, true
		}
	}

	return Operation{}, false
}

// Trigger returns the named trigger, if the piece exposes it.
func (d Definition) Trigger(name string) (TriggerSpec, bool) {
	for _, spec := range d.Triggers {
		if spec.Name == name {
			return spec, true
		}
	}

	return TriggerSpec{}, false
}

// Request is one invocation of a piece operation. It is the unit carried
// across the sandbox boundary, so every field must survive JSON framing.
type Request struct {
	Piece     models.PieceRef `json:"piece"`
	Operation string          `json:"operation"`
	Input     map[string]any  `json:"input"`
	Auth      map[string]any  `json:"auth,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	StepID    string          `json:"step_id,omitempty"`
}

// Response is the reply from an isolated piece host. Exactly one of
// Output and Error is meaningful.
type Response struct {
	Output any              `json:"output,omitempty"`
	Error  *InvocationError `json:"error,omitempty"`
}

// Failure kinds carried by InvocationError.
const (
	FailureAuth    = "AUTH"
	FailureTimeout = "TIMEOUT"
	FailureRuntime = "RUNTIME"
)

// InvocationError classifies a failed invocation. Pieces return it for
// controlled failures; the invoker synthesizes one for crashes and
// deadline overruns.
type InvocationError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *InvocationError) Error() string {
	return e.Kind + ": " + e.Message
}

// ErrCode maps the failure kind onto the run error taxonomy.
func (e *InvocationError) ErrCode() string {
	switch e.Kind {
	case FailureAuth:
		return models.ErrCodeAuth
	case FailureTimeout:
		return models.ErrCodeTimeout
	default:
		return models.ErrCodePieceRuntime
	}
}

// Piece is implemented by every bound piece. Run executes the named
// operation with fully resolved input; controlled failures come back as
// *InvocationError, anything else counts as a runtime failure.
type Piece interface {
	Definition() Definition
	Run(ctx context.Context, req Request, logger *slog.Logger) (any, error)
}
