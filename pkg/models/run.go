package models

import "time"

// RunStatus is the lifecycle state of one execution run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusStopped   RunStatus = "STOPPED"
	RunStatusTimedOut  RunStatus = "TIMED_OUT"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusStopped, RunStatusTimedOut:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of one step execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusSucceeded StepStatus = "SUCCEEDED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusSkipped   StepStatus = "SKIPPED"
)

// ExecutionRun is one invocation of a locked FlowVersion against a trigger
// payload. Once a terminal status is reached the record is append-only
// history and is never mutated again.
type ExecutionRun struct {
	ID             string           `json:"id"`
	FlowVersionID  string           `json:"flow_version_id"`
	ProjectID      string           `json:"project_id"`
	Status         RunStatus        `json:"status"`
	TriggerPayload any              `json:"trigger_payload,omitempty"`
	Steps          []*StepExecution `json:"steps,omitempty"`
	Error          *StepError       `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
}

// StepExecution records the outcome of one step within a run. Entries are
// ordered by execution order, which differs from graph order when branches
// skip steps or loops repeat them.
type StepExecution struct {
	StepID string `json:"step_id"`

	// Path scopes loop-body executions by iteration index, e.g.
	// "loop1.2.send" for the third iteration of loop1's send step. For
	// top-level steps it equals StepID.
	Path string `json:"path"`

	Status    StepStatus    `json:"status"`
	Attempt   int           `json:"attempt"`
	Input     any           `json:"input,omitempty"`
	Output    any           `json:"output,omitempty"`
	Error     *StepError    `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Error codes carried by StepError. They classify how a step or run
// failed and drive the retry decision.
const (
	ErrCodeGraph        = "GraphError"
	ErrCodeResolution   = "ResolutionError"
	ErrCodeMissingInput = "MissingRequiredInput"
	ErrCodeAuth         = "AuthError"
	ErrCodeTimeout      = "TimeoutError"
	ErrCodePieceRuntime = "PieceRuntimeError"
	ErrCodeLoopLimit    = "LoopLimitExceeded"
)

// RetryableErrCode reports whether step retries apply to the code. Only
// transient piece failures are retried; authoring and auth mistakes fail
// the same way on every attempt.
func RetryableErrCode(code string) bool {
	return code == ErrCodeTimeout || code == ErrCodePieceRuntime
}

// StepError carries the classified failure that halted a step or run.
type StepError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	StepID  string `json:"step_id,omitempty"`
}

func (e *StepError) Error() string {
	if e.StepID != "" {
		return e.Code + " at step " + e.StepID + ": " + e.Message
	}

	return e.Code + ": " + e.Message
}
