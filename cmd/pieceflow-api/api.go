// Package main provides the pieceflow API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/pieceflow/pieceflow/pkg/persistence"
	"github.com/pieceflow/pieceflow/pkg/queue"
	"github.com/pieceflow/pieceflow/pkg/registry"
	"github.com/pieceflow/pieceflow/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	queue       queue.Queue
	registry    *registry.Registry
	admitter    web.RunAdmitter
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	queue queue.Queue,
	registry *registry.Registry,
	admitter web.RunAdmitter,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		queue:       queue,
		registry:    registry,
		admitter:    admitter,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.persistence, a.admitter, a.queue, a.registry, a.validate, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Pieceflow API")
	})

	flows := app.Group("/flows")
	flows.Post("/", handlers.CreateFlow)
	flows.Get("/:id", handlers.GetFlow)
	flows.Post("/:id/lock", handlers.LockFlow)

	runs := app.Group("/runs")
	runs.Post("/", handlers.StartRun)
	runs.Get("/", handlers.ListRuns)
	runs.Get("/:id", handlers.GetRun)
	runs.Post("/:id/stop", handlers.StopRun)

	app.Get("/pieces", handlers.ListPieces)
	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
