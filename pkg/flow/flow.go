// Package flow provides structural validation and traversal helpers for
// flow version graphs. A flow version is an arena of steps indexed by id
// with edges expressed as id references; this package never mutates the
// graph it is given.
package flow

import (
	"github.com/pieceflow/pieceflow/pkg/models"
)

// FirstStep returns the trigger root of the flow, or nil when the flow
// has no trigger step.
func FirstStep(version *models.FlowVersion) *models.Step {
	for _, step := range version.Steps {
		if step.Kind == models.StepKindTrigger {
			return step
		}
	}

	return nil
}

// Edges returns the ordered out-edges of a step as target step ids. The
// edge set depends on the step kind: sequential steps advance through
// NextStep, branches through their arms, loops through body and
// continuation, routers through their routes.
func Edges(step *models.Step) []string {
	targets := make([]string, 0, 2)

	appendTarget := func(id *string) {
		if id != nil && *id != "" {
			targets = append(targets, *id)
		}
	}

	switch step.Kind {
	case models.StepKindBranch:
		appendTarget(step.TrueBranch)
		appendTarget(step.FalseBranch)
	case models.StepKindLoop:
		appendTarget(step.Body)
		appendTarget(step.NextStep)
	case models.StepKindRouter:
		for _, route := range step.Routes {
			appendTarget(route.NextStep)
		}
	default:
		appendTarget(step.NextStep)
	}

	return targets
}

// Reachable returns the set of step ids reachable from the given step id,
// including the step itself. Unknown ids yield an empty set.
func Reachable(version *models.FlowVersion, from string) map[string]struct{} {
	byID := stepIndex(version)
	seen := make(map[string]struct{})

	start, ok := byID[from]
	if !ok {
		return seen
	}

	queue := []*models.Step{start}
	seen[start.ID] = struct{}{}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, target := range Edges(current) {
			next, ok := byID[target]
			if !ok {
				continue
			}

			if _, visited := seen[next.ID]; visited {
				continue
			}

			seen[next.ID] = struct{}{}
			queue = append(queue, next)
		}
	}

	return seen
}

// SkippedSteps returns the ids of steps reachable through the untaken
// heads but not through the taken head, in deterministic discovery
// order. A join step shared by taken and untaken arms is never reported.
// Pass taken as the empty string when no arm was taken, for example a
// router whose guards all failed.
func SkippedSteps(version *models.FlowVersion, taken string, untaken []string) []string {
	executed := make(map[string]struct{})
	if taken != "" {
		executed = Reachable(version, taken)
	}

	byID := stepIndex(version)
	seen := make(map[string]struct{})
	skipped := make([]string, 0)

	var queue []*models.Step

	for _, head := range untaken {
		step, ok := byID[head]
		if !ok {
			continue
		}

		if _, visited := seen[step.ID]; visited {
			continue
		}

		seen[step.ID] = struct{}{}
		queue = append(queue, step)
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if _, ok := executed[current.ID]; !ok {
			skipped = append(skipped, current.ID)
		}

		for _, target := range Edges(current) {
			next, ok := byID[target]
			if !ok {
				continue
			}

			if _, visited := seen[next.ID]; visited {
				continue
			}

			// Steps on the executed path stay live together with
			// everything below them.
			if _, ok := executed[next.ID]; ok {
				continue
			}

			seen[next.ID] = struct{}{}
			queue = append(queue, next)
		}
	}

	return skipped
}

// TopologicalOrder returns every step of the flow in a deterministic
// topological order: among ready steps the one declared first wins. The
// order is meant for static analysis and display, the interpreter walks
// edges directly. Returns a cycle GraphError when no such order exists.
func TopologicalOrder(version *models.FlowVersion) ([]*models.Step, error) {
	byID := stepIndex(version)

	position := make(map[string]int, len(version.Steps))
	inDegree := make(map[string]int, len(version.Steps))

	for i, step := range version.Steps {
		position[step.ID] = i
	}

	for _, step := range version.Steps {
		for _, target := range Edges(step) {
			if _, ok := byID[target]; ok {
				inDegree[target]++
			}
		}
	}

	ready := make([]*models.Step, 0, len(version.Steps))

	for _, step := range version.Steps {
		if inDegree[step.ID] == 0 {
			ready = append(ready, step)
		}
	}

	order := make([]*models.Step, 0, len(version.Steps))

	for len(ready) > 0 {
		best := 0
		for i := 1; i < len(ready); i++ {
			if position[ready[i].ID] < position[ready[best].ID] {
				best = i
			}
		}

		current := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, current)

		for _, target := range Edges(current) {
			next, ok := byID[target]
			if !ok {
				continue
			}

			inDegree[target]--
			if inDegree[target] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(version.Steps) {
		return nil, &GraphError{
			Code:    GraphCodeCycle,
			Message: "flow contains a cycle",
		}
	}

	return order, nil
}

func stepIndex(version *models.FlowVersion) map[string]*models.Step {
	byID := make(map[string]*models.Step, len(version.Steps))
	for _, step := range version.Steps {
		byID[step.ID] = step
	}

	return byID
}
