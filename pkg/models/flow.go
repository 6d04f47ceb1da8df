// Package models defines the core domain models for flow execution.
package models

import "time"

// FlowVersionState represents the lifecycle state of a flow version.
type FlowVersionState string

const (
	FlowVersionStateDraft  FlowVersionState = "DRAFT"  // Editable, not executable
	FlowVersionStateLocked FlowVersionState = "LOCKED" // Immutable, the only state runs may execute
)

// StepKind identifies the control-flow behavior of a step.
type StepKind string

const (
	StepKindTrigger StepKind = "TRIGGER"
	StepKindAction  StepKind = "ACTION"
	StepKindBranch  StepKind = "BRANCH"
	StepKindLoop    StepKind = "LOOP"
	StepKindRouter  StepKind = "ROUTER"
	StepKindCode    StepKind = "CODE"
)

// RouterDefault selects what happens when no router route matches.
type RouterDefault string

const (
	RouterDefaultSkip RouterDefault = "SKIP_ALL"
	RouterDefaultFail RouterDefault = "FAIL"
)

// FlowVersion is an immutable, versioned snapshot of a flow's step graph.
// A run always executes a specific locked version, never a draft.
type FlowVersion struct {
	ID        string           `json:"id"         validate:"required"`
	FlowID    string           `json:"flow_id"    validate:"required"`
	ProjectID string           `json:"project_id" validate:"required"`
	Name      string           `json:"name"       validate:"required,min=3"`
	Version   int              `json:"version"    validate:"min=1"`
	State     FlowVersionState `json:"state"      validate:"required,oneof=DRAFT LOCKED"`
	Steps     []*Step          `json:"steps"      validate:"required,min=1,dive"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	LockedAt  *time.Time       `json:"locked_at,omitempty"`
}

// Step returns the step with the given id, or nil.
func (v *FlowVersion) Step(id string) *Step {
	for _, s := range v.Steps {
		if s.ID == id {
			return s
		}
	}

	return nil
}

// Locked reports whether the version is immutable.
func (v *FlowVersion) Locked() bool {
	return v.State == FlowVersionStateLocked
}

// PieceRef identifies a piece by name and version, e.g. ("http", "0.3.1").
// Control-flow steps leave it zero, so the fields are required as a pair.
type PieceRef struct {
	Name    string `json:"name"    validate:"required_with=Version"`
	Version string `json:"version" validate:"required_with=Name"`
}

func (r PieceRef) String() string {
	return r.Name + "@" + r.Version
}

// Zero reports whether the ref is unset. Control-flow steps carry no piece.
func (r PieceRef) Zero() bool {
	return r.Name == "" && r.Version == ""
}

// Route is one labeled branch of a router step. Guards are evaluated in
// declared order; the first route whose guard is truthy wins.
type Route struct {
	Label    string  `json:"label"    validate:"required"`
	Guard    string  `json:"guard"    validate:"required"`
	NextStep *string `json:"next_step,omitempty"`
}

// Step is a single node of the flow graph. Edges are id references, never
// pointers, so the graph is acyclic by validation rather than by ownership.
type Step struct {
	ID        string   `json:"id"       validate:"required"`
	Name      string   `json:"name"     validate:"required"`
	Kind      StepKind `json:"kind"     validate:"required,oneof=TRIGGER ACTION BRANCH LOOP ROUTER CODE"`
	Piece     PieceRef `json:"piece,omitempty"`
	Operation string   `json:"operation,omitempty"`

	// Input holds the static configuration: literal values plus expression
	// strings resolved against the execution context at run time.
	Input map[string]any `json:"input,omitempty"`

	// Sequential edge, valid for every kind except BRANCH and ROUTER.
	NextStep *string `json:"next_step,omitempty"`

	// BRANCH edges. Condition is the boolean expression.
	Condition   string  `json:"condition,omitempty"`
	TrueBranch  *string `json:"true_branch,omitempty"`
	FalseBranch *string `json:"false_branch,omitempty"`

	// LOOP edges. Items is the iterable expression, Body the first step of
	// the loop body.
	Items string  `json:"items,omitempty"`
	Body  *string `json:"body,omitempty"`

	// Source is the script executed by CODE steps.
	Source string `json:"source,omitempty"`

	// ROUTER edges.
	Routes        []Route       `json:"routes,omitempty" validate:"omitempty,dive"`
	RouterDefault RouterDefault `json:"router_default,omitempty" validate:"omitempty,oneof=SKIP_ALL FAIL"`

	Retry             *RetryPolicy `json:"retry,omitempty"`
	ContinueOnFailure bool         `json:"continue_on_failure,omitempty"`
}

// RetryPolicy bounds step-level retries for transient failures. Intervals
// grow by BackoffFactor per attempt, capped at MaxInterval.
type RetryPolicy struct {
	MaxAttempts     int           `json:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval"`
	BackoffFactor   float64       `json:"backoff_factor"`
	MaxInterval     time.Duration `json:"max_interval"`
}

// DefaultRetryPolicy is applied to ACTION and CODE steps that declare none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     1,
		InitialInterval: time.Second,
		BackoffFactor:   2,
		MaxInterval:     30 * time.Second,
	}
}

// Interval returns the backoff delay before the given attempt (1-based).
// Attempt 1 runs immediately.
func (p RetryPolicy) Interval(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	d := p.InitialInterval
	for i := 2; i < attempt; i++ {
		d = time.Duration(float64(d) * p.BackoffFactor)
		if p.MaxInterval > 0 && d > p.MaxInterval {
			return p.MaxInterval
		}
	}

	if p.MaxInterval > 0 && d > p.MaxInterval {
		return p.MaxInterval
	}

	return d
}
