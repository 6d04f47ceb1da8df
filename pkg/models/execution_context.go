package models

// ExecutionContext is the transient, in-memory state of one run: the trigger
// payload plus every finished step's output, keyed by step id. It is owned
// exclusively by the interpreter instance for that run and discarded when
// the run terminates; nothing here is shared across runs.
type ExecutionContext struct {
	RunID          string
	FlowVersionID  string
	ProjectID      string
	TriggerPayload any

	stepOutputs map[string]any
	scope       map[string]any
}

func NewExecutionContext(runID, flowVersionID, projectID string, triggerPayload any) *ExecutionContext {
	return &ExecutionContext{
		RunID:          runID,
		FlowVersionID:  flowVersionID,
		ProjectID:      projectID,
		TriggerPayload: triggerPayload,
		stepOutputs:    make(map[string]any),
		scope:          make(map[string]any),
	}
}

// SetOutput records a step's output. The interpreter calls this exactly once
// per successful step; loop iterations overwrite body-step outputs so that
// expressions always see the current iteration.
func (c *ExecutionContext) SetOutput(stepID string, output any) {
	c.stepOutputs[stepID] = output
}

// Output returns the recorded output for a step id.
func (c *ExecutionContext) Output(stepID string) (any, bool) {
	v, ok := c.stepOutputs[stepID]

	return v, ok
}

// SetScope binds a loop-local name, such as the current loop item.
func (c *ExecutionContext) SetScope(name string, value any) {
	c.scope[name] = value
}

// ClearScope removes a loop-local binding when its loop finishes.
func (c *ExecutionContext) ClearScope(name string) {
	delete(c.scope, name)
}

// ScopeValue returns the current loop-local binding for a name. Nested
// loops use it to save the outer binding before shadowing it.
func (c *ExecutionContext) ScopeValue(name string) (any, bool) {
	v, ok := c.scope[name]

	return v, ok
}

// Data materializes the view expressions resolve against:
//
//	trigger            the run's trigger payload
//	steps.<id>         output of a finished step
//	run.id, run.flow_version_id, run.project_id
//	<scope name>       loop-local bindings (item, index)
func (c *ExecutionContext) Data() map[string]any {
	steps := make(map[string]any, len(c.stepOutputs))
	for id, out := range c.stepOutputs {
		steps[id] = out
	}

	data := map[string]any{
		"trigger": c.TriggerPayload,
		"steps":   steps,
		"run": map[string]any{
			"id":              c.RunID,
			"flow_version_id": c.FlowVersionID,
			"project_id":      c.ProjectID,
		},
	}

	for name, value := range c.scope {
		data[name] = value
	}

	return data
}
