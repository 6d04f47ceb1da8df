package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/pieceflow/pieceflow/pkg/flow"
	"github.com/pieceflow/pieceflow/pkg/persistence"
	"github.com/pieceflow/pieceflow/pkg/queue"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusNotFound).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, problemType, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusConflict).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// invalidGraph reports a structural defect found at lock time. The
// problem carries the graph code and offending step so authoring tools
// can point at the step.
func invalidGraph(c fiber.Ctx, graphErr *flow.GraphError) error {
	problem := problems.NewStatusProblem(fiber.StatusUnprocessableEntity).
		WithInstance(c.Path()).
		WithType("invalid_flow_graph").
		WithDetail(graphErr.Error())

	return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)
}

// handleStoreError maps persistence and queue errors onto problem
// responses. Anything unclassified surfaces as a 500 without detail.
func handleStoreError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, persistence.ErrFlowVersionNotFound):
		return notFound(c, "flow version not found")

	case errors.Is(err, persistence.ErrRunNotFound):
		return notFound(c, "run not found")

	case errors.Is(err, persistence.ErrFlowVersionLocked):
		return conflict(c, "flow_version_locked", "flow version is locked and immutable")

	case errors.Is(err, persistence.ErrRunTerminal):
		return conflict(c, "run_terminal", "run already reached a terminal status")

	case errors.Is(err, persistence.ErrRunExists):
		return conflict(c, "run_exists", "run id already in use")

	case errors.Is(err, queue.ErrDuplicate):
		return conflict(c, "duplicate_run", "an identical admission is already queued")

	default:
		return internalError(c, err)
	}
}
