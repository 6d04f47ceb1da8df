// Package testutil provides test data builders and fakes shared by the
// package tests.
package testutil

import (
	"github.com/google/uuid"

	"github.com/pieceflow/pieceflow/pkg/models"
)

// CreateTestStep creates an action step with default values that can be
// overridden.
func CreateTestStep(overrides ...func(*models.Step)) *models.Step {
	step := &models.Step{
		ID:        uuid.New().String(),
		Name:      "Test Step",
		Kind:      models.StepKindAction,
		Piece:     models.PieceRef{Name: "echo", Version: "0.1.0"},
		Operation: "say",
		Input:     map[string]any{"message": "test"},
	}

	for _, override := range overrides {
		override(step)
	}

	return step
}

// WithID sets the step id.
func WithID(id string) func(*models.Step) {
	return func(s *models.Step) {
		s.ID = id
		s.Name = id
	}
}

// WithKind sets the step kind.
func WithKind(kind models.StepKind) func(*models.Step) {
	return func(s *models.Step) {
		s.Kind = kind
	}
}

// WithNext chains the step to a successor.
func WithNext(id string) func(*models.Step) {
	return func(s *models.Step) {
		s.NextStep = &id
	}
}

// WithPiece sets the piece reference.
func WithPiece(name, version string) func(*models.Step) {
	return func(s *models.Step) {
		s.Piece = models.PieceRef{Name: name, Version: version}
	}
}

// WithOperation sets the invoked operation.
func WithOperation(operation string) func(*models.Step) {
	return func(s *models.Step) {
		s.Operation = operation
	}
}

// WithInput sets the step input.
func WithInput(input map[string]any) func(*models.Step) {
	return func(s *models.Step) {
		s.Input = input
	}
}

// WithSource turns the step into a CODE step running the given script.
func WithSource(source string) func(*models.Step) {
	return func(s *models.Step) {
		s.Kind = models.StepKindCode
		s.Source = source
		s.Piece = models.PieceRef{}
		s.Operation = ""
	}
}

// WithRetry sets the retry policy.
func WithRetry(policy models.RetryPolicy) func(*models.Step) {
	return func(s *models.Step) {
		s.Retry = &policy
	}
}

// WithContinueOnFailure marks the step as non-halting.
func WithContinueOnFailure() func(*models.Step) {
	return func(s *models.Step) {
		s.ContinueOnFailure = true
	}
}

// CreateTestTrigger creates a trigger step chained to the given first
// step, or a terminal trigger when first is empty.
func CreateTestTrigger(first string) *models.Step {
	step := &models.Step{
		ID:   "trigger",
		Name: "Trigger",
		Kind: models.StepKindTrigger,
	}
	if first != "" {
		step.NextStep = &first
	}

	return step
}

// CreateTestFlowVersion wraps the steps in a locked flow version.
func CreateTestFlowVersion(steps ...*models.Step) *models.FlowVersion {
	return &models.FlowVersion{
		ID:        uuid.New().String(),
		FlowID:    uuid.New().String(),
		ProjectID: "test-project",
		Name:      "Test Flow",
		Version:   1,
		State:     models.FlowVersionStateLocked,
		Steps:     steps,
	}
}

// CreateTestRun creates a queued run for the flow version.
func CreateTestRun(version *models.FlowVersion, payload any) *models.ExecutionRun {
	return &models.ExecutionRun{
		ID:             uuid.New().String(),
		FlowVersionID:  version.ID,
		ProjectID:      version.ProjectID,
		Status:         models.RunStatusQueued,
		TriggerPayload: payload,
	}
}
