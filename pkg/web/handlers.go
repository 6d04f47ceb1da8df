package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/pieceflow/pieceflow/pkg/flow"
	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence"
	"github.com/pieceflow/pieceflow/pkg/queue"
	"github.com/pieceflow/pieceflow/pkg/registry"
	"github.com/pieceflow/pieceflow/pkg/worker"
)

// RunAdmitter admits runs into the queue. *worker.Dispatcher implements
// it.
type RunAdmitter interface {
	Enqueue(ctx context.Context, req worker.EnqueueRequest) (*models.ExecutionRun, error)
}

type APIHandlers struct {
	store     persistence.Persistence
	admitter  RunAdmitter
	queue     queue.Queue
	registry  *registry.Registry
	validator *validator.Validate
	logger    *slog.Logger
}

func NewAPIHandlers(
	store persistence.Persistence,
	admitter RunAdmitter,
	q queue.Queue,
	reg *registry.Registry,
	validate *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	if logger == nil {
		logger = slog.Default()
	}

	return &APIHandlers{
		store:     store,
		admitter:  admitter,
		queue:     q,
		registry:  reg,
		validator: validate,
		logger:    logger,
	}
}

// CreateFlow stores the request as a new draft version. With a flow_id
// the draft is numbered after the flow's last version; without one it
// starts a new flow.
func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	var req CreateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	now := time.Now().UTC()
	version := &models.FlowVersion{
		ID:        uuid.New().String(),
		FlowID:    req.FlowID,
		ProjectID: req.ProjectID,
		Name:      req.Name,
		Version:   1,
		State:     models.FlowVersionStateDraft,
		Steps:     req.Steps,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if version.FlowID == "" {
		version.FlowID = uuid.New().String()
	} else {
		existing, err := h.store.Flows().VersionsByFlow(c.Context(), version.FlowID)
		if err != nil {
			return handleStoreError(c, err)
		}

		if len(existing) > 0 {
			version.Version = existing[len(existing)-1].Version + 1
		}
	}

	if err := h.store.Flows().SaveVersion(c.Context(), version); err != nil {
		return handleStoreError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(version)
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow version ID is required")
	}

	version, err := h.store.Flows().VersionByID(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(version)
}

// LockFlow validates the draft's graph and freezes it. Only locked
// versions are runnable; locking an already locked version is a no-op.
func (h *APIHandlers) LockFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow version ID is required")
	}

	version, err := h.store.Flows().VersionByID(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	if err := flow.Validate(version, h.registry); err != nil {
		var graphErr *flow.GraphError
		if errors.As(err, &graphErr) {
			return invalidGraph(c, graphErr)
		}

		return internalError(c, err)
	}

	locked, err := h.store.Flows().LockVersion(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	h.logger.InfoContext(c.Context(), "Flow version locked",
		"flow_version_id", locked.ID,
		"flow_id", locked.FlowID,
		"version", locked.Version)

	return c.JSON(locked)
}

// StartRun admits a manual run of a locked version.
func (h *APIHandlers) StartRun(c fiber.Ctx) error {
	var req StartRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	version, err := h.store.Flows().VersionByID(c.Context(), req.FlowVersionID)
	if err != nil {
		return handleStoreError(c, err)
	}

	if !version.Locked() {
		return conflict(c, "flow_version_not_locked", "only locked flow versions run")
	}

	enqueue := worker.EnqueueRequest{
		Version:      version,
		Payload:      req.Payload,
		Priority:     req.Priority,
		DedupeKey:    req.DedupeKey,
		DedupeWindow: time.Duration(req.DedupeWindowSeconds) * time.Second,
	}

	if req.DelaySeconds > 0 {
		enqueue.NotBefore = time.Now().UTC().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	run, err := h.admitter.Enqueue(c.Context(), enqueue)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(run)
}

// StopRun flags the run for cooperative cancellation. The worker honors
// the flag between steps, so the response acknowledges the request
// rather than the stop itself.
func (h *APIHandlers) StopRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	if err := h.store.Runs().RequestStop(c.Context(), id); err != nil {
		return handleStoreError(c, err)
	}

	h.logger.InfoContext(c.Context(), "Run stop requested", "run_id", id)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"run_id": id,
		"status": "stop_requested",
	})
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	run, err := h.store.Runs().RunByID(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) ListRuns(c fiber.Ctx) error {
	opts, err := h.parseListRunsOptions(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	runs, err := h.store.Runs().ListRuns(c.Context(), *opts)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(fiber.Map{
		"runs": runs,
		"pagination": fiber.Map{
			"limit":  opts.Limit,
			"offset": opts.Offset,
		},
	})
}

func (h *APIHandlers) parseListRunsOptions(c fiber.Ctx) (*persistence.ListRunsOptions, error) {
	opts := &persistence.ListRunsOptions{ProjectID: c.Query("project_id")}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		opts.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		opts.Offset = offset
	}

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.RunStatus(statusStr)
		opts.Status = &status
	}

	return opts, nil
}

// ListPieces serves the piece catalog: metadata and operation schemas
// of every registered piece.
func (h *APIHandlers) ListPieces(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"pieces": h.registry.Definitions()})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	persistenceErr := h.store.HealthCheck(c.Context())
	stats, queueErr := h.queue.Stats(c.Context())

	status := "healthy"
	httpStatus := http.StatusOK

	if persistenceErr != nil || queueErr != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"persistence": checkResult(persistenceErr),
			"queue":       queueResult(stats, queueErr),
		},
		"timestamp": time.Now().UTC(),
	})
}

func checkResult(err error) fiber.Map {
	if err != nil {
		return fiber.Map{"healthy": false, "error": err.Error()}
	}

	return fiber.Map{"healthy": true}
}

func queueResult(stats queue.Stats, err error) fiber.Map {
	if err != nil {
		return fiber.Map{"healthy": false, "error": err.Error()}
	}

	return fiber.Map{"healthy": true, "depths": stats}
}
