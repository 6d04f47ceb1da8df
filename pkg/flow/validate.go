package flow

import (
	"fmt"

	"github.com/pieceflow/pieceflow/pkg/models"
)

// GraphError codes. Validation rejects a flow at lock time, never at run
// time, so every code maps to an authoring mistake.
const (
	GraphCodeNoTrigger        = "NO_TRIGGER"
	GraphCodeMultipleTriggers = "MULTIPLE_TRIGGERS"
	GraphCodeDuplicateStep    = "DUPLICATE_STEP"
	GraphCodeInvalidStep      = "INVALID_STEP"
	GraphCodeDanglingEdge     = "DANGLING_EDGE"
	GraphCodeCycle            = "CYCLE"
	GraphCodeUnreachable      = "UNREACHABLE_STEP"
	GraphCodeUnknownPiece     = "UNKNOWN_PIECE"
)

// GraphError describes a structural defect of a flow version.
type GraphError struct {
	Code    string
	StepID  string
	Message string
}

func (e *GraphError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("invalid flow graph (%s): step %q: %s", e.Code, e.StepID, e.Message)
	}

	return fmt.Sprintf("invalid flow graph (%s): %s", e.Code, e.Message)
}

// PieceResolver reports whether a piece reference can be satisfied. The
// piece registry implements it; pass nil to skip piece checks.
type PieceResolver interface {
	HasPiece(ref models.PieceRef) bool
}

// Validate checks the structural invariants of a flow version: exactly one
// trigger root, per-kind step shape, no dangling edges, no cycles, every
// step reachable from the trigger, and, when pieces is non-nil, every piece
// reference resolvable. Returns a *GraphError describing the first defect
// found, in declared step order.
func Validate(version *models.FlowVersion, pieces PieceResolver) error {
	if len(version.Steps) == 0 {
		return &GraphError{Code: GraphCodeNoTrigger, Message: "flow has no steps"}
	}

	byID := make(map[string]*models.Step, len(version.Steps))

	var trigger *models.Step

	for _, step := range version.Steps {
		if _, exists := byID[step.ID]; exists {
			return &GraphError{
				Code:    GraphCodeDuplicateStep,
				StepID:  step.ID,
				Message: "step id declared more than once",
			}
		}

		byID[step.ID] = step

		if step.Kind == models.StepKindTrigger {
			if trigger != nil {
				return &GraphError{
					Code:    GraphCodeMultipleTriggers,
					StepID:  step.ID,
					Message: "flow already has trigger step " + trigger.ID,
				}
			}

			trigger = step
		}
	}

	if trigger == nil {
		return &GraphError{Code: GraphCodeNoTrigger, Message: "flow has no trigger step"}
	}

	for _, step := range version.Steps {
		if err := validateShape(step); err != nil {
			return err
		}

		for _, target := range Edges(step) {
			if _, ok := byID[target]; !ok {
				return &GraphError{
					Code:    GraphCodeDanglingEdge,
					StepID:  step.ID,
					Message: fmt.Sprintf("edge targets unknown step %q", target),
				}
			}

			if target == trigger.ID {
				return &GraphError{
					Code:    GraphCodeInvalidStep,
					StepID:  step.ID,
					Message: "edge targets the trigger step",
				}
			}
		}
	}

	if err := findCycle(version, byID); err != nil {
		return err
	}

	reachable := Reachable(version, trigger.ID)

	for _, step := range version.Steps {
		if _, ok := reachable[step.ID]; !ok {
			return &GraphError{
				Code:    GraphCodeUnreachable,
				StepID:  step.ID,
				Message: "step is not reachable from the trigger",
			}
		}
	}

	if pieces != nil {
		for _, step := range version.Steps {
			if step.Piece.Zero() {
				continue
			}

			if !pieces.HasPiece(step.Piece) {
				return &GraphError{
					Code:    GraphCodeUnknownPiece,
					StepID:  step.ID,
					Message: fmt.Sprintf("piece %s is not registered", step.Piece),
				}
			}
		}
	}

	return nil
}

func validateShape(step *models.Step) *GraphError {
	invalid := func(message string) *GraphError {
		return &GraphError{Code: GraphCodeInvalidStep, StepID: step.ID, Message: message}
	}

	switch step.Kind {
	case models.StepKindTrigger:
		// Piece is optional: manual and test runs carry no trigger piece.
	case models.StepKindAction:
		if step.Piece.Zero() {
			return invalid("action step requires a piece reference")
		}

		if step.Operation == "" {
			return invalid("action step requires an operation")
		}
	case models.StepKindBranch:
		if step.Condition == "" {
			return invalid("branch step requires a condition")
		}

		if step.NextStep != nil {
			return invalid("branch step must route through its arms, not next_step")
		}
	case models.StepKindLoop:
		if step.Items == "" {
			return invalid("loop step requires an items expression")
		}
	case models.StepKindRouter:
		if len(step.Routes) == 0 {
			return invalid("router step requires at least one route")
		}

		for _, route := range step.Routes {
			if route.Guard == "" {
				return invalid(fmt.Sprintf("route %q requires a guard expression", route.Label))
			}
		}

		if step.NextStep != nil {
			return invalid("router step must route through its routes, not next_step")
		}
	case models.StepKindCode:
		if step.Source == "" {
			return invalid("code step requires source")
		}
	default:
		return invalid(fmt.Sprintf("unknown step kind %q", step.Kind))
	}

	return nil
}

// findCycle runs an iterative three-color depth-first search over the
// arena. The graph can be large and author-controlled, so no recursion.
func findCycle(version *models.FlowVersion, byID map[string]*models.Step) *GraphError {
	const (
		white = iota
		grey
		black
	)

	state := make(map[string]int, len(version.Steps))

	type frame struct {
		step *models.Step
		next int
	}

	for _, root := range version.Steps {
		if state[root.ID] != white {
			continue
		}

		state[root.ID] = grey
		stack := []frame{{step: root}}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := Edges(top.step)

			if top.next >= len(edges) {
				state[top.step.ID] = black
				stack = stack[:len(stack)-1]

				continue
			}

			target := edges[top.next]
			top.next++

			switch state[target] {
			case white:
				state[target] = grey
				stack = append(stack, frame{step: byID[target]})
			case grey:
				return &GraphError{
					Code:    GraphCodeCycle,
					StepID:  target,
					Message: "step is part of a cycle",
				}
			}
		}
	}

	return nil
}
