package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pieceflow/pieceflow/pkg/flow"
	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/otelhelper"
	"github.com/pieceflow/pieceflow/pkg/piece"
	"github.com/pieceflow/pieceflow/pkg/registry"
	"github.com/pieceflow/pieceflow/pkg/resolver"
)

// executeStep runs one step and returns the id of the next step to walk,
// or nil when the chain ends at this step.
func (i *Interpreter) executeStep(ctx context.Context, step *models.Step, prefix string) (*string, error) {
	se := i.beginStep(ctx, step, prefix)

	switch step.Kind {
	case models.StepKindTrigger:
		return i.runTrigger(ctx, step, se)
	case models.StepKindAction, models.StepKindCode:
		return i.runInvocable(ctx, step, se)
	case models.StepKindBranch:
		return i.runBranch(ctx, step, se, prefix)
	case models.StepKindLoop:
		return i.runLoop(ctx, step, se)
	case models.StepKindRouter:
		return i.runRouter(ctx, step, se, prefix)
	default:
		return nil, i.failStep(ctx, se, &models.StepError{
			Code:    models.ErrCodeGraph,
			Message: fmt.Sprintf("unknown step kind %q", step.Kind),
		})
	}
}

func (i *Interpreter) beginStep(ctx context.Context, step *models.Step, prefix string) *models.StepExecution {
	path := step.ID
	if prefix != "" {
		path = prefix + "." + step.ID
	}

	se := &models.StepExecution{
		StepID:    step.ID,
		Path:      path,
		Status:    models.StepStatusRunning,
		Attempt:   1,
		StartedAt: time.Now().UTC(),
	}
	i.run.Steps = append(i.run.Steps, se)
	i.notifier.StepTransition(ctx, i.run, se)

	i.logger.DebugContext(ctx, "Step started",
		"run_id", i.run.ID, "path", path, "kind", step.Kind)

	return se
}

func (i *Interpreter) completeStep(ctx context.Context, se *models.StepExecution, output any) {
	se.Status = models.StepStatusSucceeded
	se.Output = output
	se.Duration = time.Since(se.StartedAt)
	i.notifier.StepTransition(ctx, i.run, se)
}

// failStep records the classified failure on the step execution and
// returns it as the halting error for the caller to propagate.
func (i *Interpreter) failStep(ctx context.Context, se *models.StepExecution, stepErr *models.StepError) *models.StepError {
	if stepErr.StepID == "" {
		stepErr.StepID = se.StepID
	}

	se.Status = models.StepStatusFailed
	se.Error = stepErr
	se.Duration = time.Since(se.StartedAt)
	i.notifier.StepTransition(ctx, i.run, se)

	i.logger.ErrorContext(ctx, "Step failed",
		"run_id", i.run.ID,
		"path", se.Path,
		"attempt", se.Attempt,
		"code", stepErr.Code,
		"error", stepErr.Message)

	return stepErr
}

// afterFailure applies the step's continue-on-failure setting: either
// the walk proceeds past the failed step or the run halts with its
// error. A continued step records no output, so downstream references
// to it resolve to null.
func (i *Interpreter) afterFailure(ctx context.Context, step *models.Step, se *models.StepExecution, stepErr *models.StepError) (*string, error) {
	halt := i.failStep(ctx, se, stepErr)
	if !step.ContinueOnFailure {
		return nil, halt
	}

	i.logger.InfoContext(ctx, "Continuing past failed step",
		"run_id", i.run.ID, "path", se.Path, "code", stepErr.Code)

	return step.NextStep, nil
}

// runTrigger seeds the execution context from the payload the source
// captured at enqueue time. The trigger never re-fires inside a run.
func (i *Interpreter) runTrigger(ctx context.Context, step *models.Step, se *models.StepExecution) (*string, error) {
	if err := i.validateTriggerPayload(step); err != nil {
		return nil, i.failStep(ctx, se, toStepError(err))
	}

	i.execCtx.SetOutput(step.ID, i.run.TriggerPayload)
	i.completeStep(ctx, se, i.run.TriggerPayload)

	return step.NextStep, nil
}

// validateTriggerPayload checks an object payload against the trigger's
// payload contract. Triggers without one, and payloads that are not
// objects, pass unchecked.
func (i *Interpreter) validateTriggerPayload(step *models.Step) error {
	if step.Piece.Zero() || step.Operation == "" {
		return nil
	}

	schema, err := i.registry.PayloadSchema(step.Piece, step.Operation)
	if err != nil || schema == nil {
		return nil
	}

	payload, ok := i.run.TriggerPayload.(map[string]any)
	if !ok {
		return nil
	}

	return i.registry.ValidatePayload(step.Piece, step.Operation, payload)
}

func (i *Interpreter) runInvocable(ctx context.Context, step *models.Step, se *models.StepExecution) (*string, error) {
	input, err := resolver.ResolveInput(step.Input, i.execCtx)
	if err != nil {
		return i.afterFailure(ctx, step, se, toStepError(err))
	}

	// Credentials ride in the request's auth field, not in the recorded
	// step input.
	auth := liftAuth(input)
	se.Input = input

	if step.Kind == models.StepKindAction {
		if err := i.registry.ValidateInput(step.Piece, step.Operation, input); err != nil {
			return i.afterFailure(ctx, step, se, toStepError(err))
		}
	}

	output, err := i.invokeWithRetry(ctx, step, se, input, auth)
	if err != nil {
		var stepErr *models.StepError
		if errors.As(err, &stepErr) {
			return i.afterFailure(ctx, step, se, stepErr)
		}

		i.recordInterrupt(ctx, se, err)

		return nil, err
	}

	i.execCtx.SetOutput(step.ID, output)
	i.completeStep(ctx, se, output)

	if breakSignaled(output) {
		return nil, errLoopBreak
	}

	return step.NextStep, nil
}

// invokeWithRetry drives the attempt loop. Only transient failure
// classes retry; the attempt that settles the step is recorded on the
// execution. The returned error is a *models.StepError for piece
// failures or a control sentinel when the run is interrupted.
func (i *Interpreter) invokeWithRetry(ctx context.Context, step *models.Step, se *models.StepExecution, input map[string]any, auth map[string]any) (any, error) {
	policy := models.DefaultRetryPolicy()
	if step.Retry != nil {
		policy = *step.Retry
	}

	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr *models.StepError

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		se.Attempt = attempt

		if attempt > 1 {
			if err := i.sleep(ctx, policy.Interval(attempt)); err != nil {
				return nil, err
			}

			if i.canceled != nil && i.canceled() {
				return nil, errRunStopped
			}
		}

		output, err := i.invokeOnce(ctx, step, attempt, input, auth)
		if err == nil {
			return output, nil
		}

		// A deadline or cancellation that fired mid-invocation belongs
		// to the run, not to the step's retry budget.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		lastErr = toStepError(err)
		if !models.RetryableErrCode(lastErr.Code) {
			return nil, lastErr
		}

		if attempt < policy.MaxAttempts {
			i.logger.WarnContext(ctx, "Step attempt failed, retrying",
				"run_id", i.run.ID,
				"path", se.Path,
				"attempt", attempt,
				"code", lastErr.Code,
				"error", lastErr.Message)
		}
	}

	return nil, lastErr
}

func (i *Interpreter) invokeOnce(ctx context.Context, step *models.Step, attempt int, input map[string]any, auth map[string]any) (output any, err error) {
	attrs := []attribute.KeyValue{
		attribute.String(otelhelper.RunIDKey, i.run.ID),
		attribute.String(otelhelper.StepIDKey, step.ID),
		attribute.Int(otelhelper.AttemptKey, attempt),
	}
	if !step.Piece.Zero() {
		attrs = append(attrs, attribute.String(otelhelper.PieceNameKey, step.Piece.Name))
	}

	ctx, span := otelhelper.StartSpan(ctx, otel.Tracer("pieceflow/engine"), "engine.invoke", attrs...)
	defer func() {
		if err != nil {
			otelhelper.SetError(span, err)
		}

		span.End()
	}()

	if step.Kind == models.StepKindCode {
		if i.code == nil {
			return nil, &piece.InvocationError{
				Kind:    piece.FailureRuntime,
				Message: "no code runtime configured",
			}
		}

		return i.code.RunCode(ctx, step.Source, input, i.execCtx.Data())
	}

	return i.invoker.Invoke(ctx, piece.Request{
		Piece:     step.Piece,
		Operation: step.Operation,
		Input:     input,
		Auth:      auth,
		RunID:     i.run.ID,
		StepID:    step.ID,
	})
}

func (i *Interpreter) runBranch(ctx context.Context, step *models.Step, se *models.StepExecution, prefix string) (*string, error) {
	value, err := resolver.Resolve(step.Condition, i.execCtx)
	if err != nil {
		return nil, i.failStep(ctx, se, toStepError(err))
	}

	taken := resolver.Truthy(value)
	follow, other := step.TrueBranch, step.FalseBranch
	if !taken {
		follow, other = step.FalseBranch, step.TrueBranch
	}

	i.markSkipped(ctx, prefix, deref(follow), armHeads(other))

	out := map[string]any{"condition": taken}
	i.execCtx.SetOutput(step.ID, out)
	i.completeStep(ctx, se, out)

	return follow, nil
}

func (i *Interpreter) runRouter(ctx context.Context, step *models.Step, se *models.StepExecution, prefix string) (*string, error) {
	matched := -1

	for idx, route := range step.Routes {
		value, err := resolver.Resolve(route.Guard, i.execCtx)
		if err != nil {
			return nil, i.failStep(ctx, se, toStepError(err))
		}

		if resolver.Truthy(value) {
			matched = idx

			break
		}
	}

	if matched < 0 {
		if step.RouterDefault == models.RouterDefaultFail {
			return nil, i.failStep(ctx, se, &models.StepError{
				Code:    models.ErrCodeResolution,
				Message: "no route guard matched and router default is FAIL",
			})
		}

		i.markSkipped(ctx, prefix, "", routeHeads(step.Routes, -1))

		out := map[string]any{"route": nil}
		i.execCtx.SetOutput(step.ID, out)
		i.completeStep(ctx, se, out)

		return nil, nil
	}

	route := step.Routes[matched]
	i.markSkipped(ctx, prefix, deref(route.NextStep), routeHeads(step.Routes, matched))

	out := map[string]any{"route": route.Label}
	i.execCtx.SetOutput(step.ID, out)
	i.completeStep(ctx, se, out)

	return route.NextStep, nil
}

func (i *Interpreter) runLoop(ctx context.Context, step *models.Step, se *models.StepExecution) (*string, error) {
	value, err := resolver.Resolve(step.Items, i.execCtx)
	if err != nil {
		return i.afterFailure(ctx, step, se, toStepError(err))
	}

	items, ok := value.([]any)
	if !ok {
		return i.afterFailure(ctx, step, se, &models.StepError{
			Code:    models.ErrCodeResolution,
			Message: fmt.Sprintf("items expression %q did not yield a list", step.Items),
		})
	}

	// The ceiling halts the run outright, continue-on-failure does not
	// apply: a runaway loop is an authoring defect, not a transient.
	if len(items) > i.ceiling {
		return nil, i.failStep(ctx, se, &models.StepError{
			Code:    models.ErrCodeLoopLimit,
			Message: fmt.Sprintf("loop yields %d iterations, ceiling is %d", len(items), i.ceiling),
		})
	}

	prevItem, hadItem := i.execCtx.ScopeValue("item")
	prevIndex, hadIndex := i.execCtx.ScopeValue("index")
	defer i.restoreScope(prevItem, hadItem, prevIndex, hadIndex)

	iterations := 0

	for idx, item := range items {
		if step.Body == nil {
			iterations = len(items)

			break
		}

		if err := i.checkInterrupt(ctx); err != nil {
			i.recordInterrupt(ctx, se, err)

			return nil, err
		}

		i.execCtx.SetScope("item", item)
		i.execCtx.SetScope("index", idx)

		iterations++

		err := i.executeChain(ctx, *step.Body, se.Path+"."+strconv.Itoa(idx))
		if err != nil {
			if errors.Is(err, errLoopBreak) {
				break
			}

			i.recordLoopHalt(ctx, se, err)

			return nil, err
		}
	}

	out := map[string]any{"iterations": iterations}
	i.execCtx.SetOutput(step.ID, out)
	i.completeStep(ctx, se, out)

	return step.NextStep, nil
}

// recordLoopHalt closes the loop's own execution record when a body
// step halts the run. The body step keeps the detailed failure record;
// the loop mirrors its error so the history reads top-down.
func (i *Interpreter) recordLoopHalt(ctx context.Context, se *models.StepExecution, err error) {
	var stepErr *models.StepError
	if !errors.As(err, &stepErr) {
		i.recordInterrupt(ctx, se, err)

		return
	}

	se.Status = models.StepStatusFailed
	se.Error = stepErr
	se.Duration = time.Since(se.StartedAt)
	i.notifier.StepTransition(ctx, i.run, se)
}

// recordInterrupt finalizes an open step record when the run is cut off
// mid-step. Deadline expiry marks the step failed; a stop request
// leaves the record as it was, the run status carries the outcome.
func (i *Interpreter) recordInterrupt(ctx context.Context, se *models.StepExecution, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		i.failStep(ctx, se, &models.StepError{
			Code:    models.ErrCodeTimeout,
			Message: "run deadline exceeded",
		})
	}
}

func (i *Interpreter) restoreScope(item any, hadItem bool, index any, hadIndex bool) {
	if hadItem {
		i.execCtx.SetScope("item", item)
	} else {
		i.execCtx.ClearScope("item")
	}

	if hadIndex {
		i.execCtx.SetScope("index", index)
	} else {
		i.execCtx.ClearScope("index")
	}
}

// markSkipped records SKIPPED executions for every step reachable only
// through untaken arms. Steps shared with the taken arm stay live.
func (i *Interpreter) markSkipped(ctx context.Context, prefix, taken string, untaken []string) {
	for _, id := range flow.SkippedSteps(i.version, taken, untaken) {
		path := id
		if prefix != "" {
			path = prefix + "." + id
		}

		se := &models.StepExecution{
			StepID:    id,
			Path:      path,
			Status:    models.StepStatusSkipped,
			StartedAt: time.Now().UTC(),
		}
		i.run.Steps = append(i.run.Steps, se)
		i.notifier.StepTransition(ctx, i.run, se)
	}
}

// toStepError folds resolver, registry and invocation failures into the
// classified error the run records.
func toStepError(err error) *models.StepError {
	var (
		stepErr   *models.StepError
		resErr    *resolver.Error
		inputErr  *registry.InputError
		invokeErr *piece.InvocationError
	)

	switch {
	case errors.As(err, &stepErr):
		return stepErr
	case errors.As(err, &resErr):
		return &models.StepError{Code: resErr.Code, Message: resErr.Message}
	case errors.As(err, &inputErr):
		return &models.StepError{Code: inputErr.Code, Message: inputErr.Message}
	case errors.As(err, &invokeErr):
		return &models.StepError{Code: invokeErr.ErrCode(), Message: invokeErr.Message}
	default:
		return &models.StepError{Code: models.ErrCodePieceRuntime, Message: err.Error()}
	}
}

// breakSignaled reports whether a completed step's output asks to break
// the innermost enclosing loop.
func breakSignaled(output any) bool {
	m, ok := output.(map[string]any)
	if !ok {
		return false
	}

	return resolver.Truthy(m[BreakKey])
}

// liftAuth moves the reserved auth input key into the invocation
// request so credentials never land in recorded step history.
func liftAuth(input map[string]any) map[string]any {
	raw, ok := input["auth"]
	if !ok {
		return nil
	}

	auth, ok := raw.(map[string]any)
	if !ok {
		return nil
	}

	delete(input, "auth")

	return auth
}

func deref(id *string) string {
	if id == nil {
		return ""
	}

	return *id
}

func armHeads(id *string) []string {
	if id == nil {
		return nil
	}

	return []string{*id}
}

func routeHeads(routes []models.Route, skip int) []string {
	heads := make([]string, 0, len(routes))

	for idx, route := range routes {
		if idx == skip || route.NextStep == nil {
			continue
		}

		heads = append(heads, *route.NextStep)
	}

	return heads
}
