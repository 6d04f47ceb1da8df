package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/pieceflow/pieceflow/pkg/cmd"
	"github.com/pieceflow/pieceflow/pkg/log"
	"github.com/pieceflow/pieceflow/pkg/otelhelper"
	"github.com/pieceflow/pieceflow/pkg/worker"
)

const defaultPort = 9090

func main() {
	logger := log.WithModule("api")

	cmd := &cli.Command{
		Name:                  "pieceflow-api",
		Usage:                 "Create, lock and run flows",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			newValidateCommand(),
			newSeedCommand(),
		},
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "queue-url",
				Usage:    "Queue connection URL (redis:// or memory://)",
				Required: true,
				Sources:  cli.EnvVars("QUEUE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma-separated Kafka broker addresses",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.IntFlag{
				Name:    "project-concurrency",
				Usage:   "Maximum concurrently executing runs per project (0 = unlimited)",
				Value:   0,
				Sources: cli.EnvVars("PROJECT_CONCURRENCY"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Pieceflow API")

			tracerProvider, err := otelhelper.InitTracer(ctx, "pieceflow-api")
			if err != nil {
				return fmt.Errorf("failed to initialize tracer: %w", err)
			}

			defer func() {
				err := tracerProvider.Shutdown(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
				}
			}()

			registry := cmd.NewRegistry(logger)

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return fmt.Errorf("failed to open persistence: %w", err)
			}

			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			queue, err := cmd.NewQueue(command.String("queue-url"), command.Int("project-concurrency"), logger)
			if err != nil {
				return fmt.Errorf("failed to open queue: %w", err)
			}

			defer func() {
				err := queue.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close queue", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), "api", command.String("kafka-brokers"), logger)
			if err != nil {
				return fmt.Errorf("failed to create event bus: %w", err)
			}

			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			admitter := worker.NewDispatcher(persistence.Runs(), queue, eventBus, logger)

			api := NewAPI(
				logger,
				persistence,
				queue,
				registry,
				admitter,
			)

			err = api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
