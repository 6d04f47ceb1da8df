package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/pieceflow/pieceflow/pkg/cmd"
	"github.com/pieceflow/pieceflow/pkg/log"
	"github.com/pieceflow/pieceflow/pkg/otelhelper"
	"github.com/pieceflow/pieceflow/pkg/sandbox"
	"github.com/pieceflow/pieceflow/pkg/worker"
)

const defaultWebhookPort = 9092

func main() {
	cmd := &cli.Command{
		Name:                  "pieceflow-sources",
		Usage:                 "Start the trigger ingress sources (webhook, schedule, poll)",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			newPieceHostCommand(),
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "source-id",
				Aliases: []string{"id"},
				Usage:   "Custom source manager ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("SOURCE_ID"),
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
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port the webhook ingress listens on",
				Value:   defaultWebhookPort,
				Sources: cli.EnvVars("WEBHOOK_PORT"),
			},
			&cli.StringFlag{
				Name:    "sources",
				Usage:   "Comma-separated list of sources to run (webhook, schedule, poll). Empty runs all.",
				Value:   "",
				Sources: cli.EnvVars("SOURCES"),
			},
			&cli.StringFlag{
				Name:    "isolation",
				Usage:   "Piece isolation mode for poll triggers (UNSANDBOXED, SANDBOX_PROCESS)",
				Value:   sandbox.ModeUnsandboxed,
				Sources: cli.EnvVars("ISOLATION_MODE"),
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

			sourceID := command.String("source-id")
			if sourceID == "" {
				sourceID = "sources-" + uuid.New().String()[:8]
			}

			var filter []string
			if sourcesStr := command.String("sources"); sourcesStr != "" {
				filter = strings.Split(sourcesStr, ",")
				for i, name := range filter {
					filter[i] = strings.TrimSpace(name)
				}
			}

			logger := log.WithModule("pieceflow-sources").With("source_id", sourceID)

			logger.InfoContext(ctx, "Initializing ingress sources", "sources", filter)

			tracerProvider, err := otelhelper.InitTracer(ctx, "pieceflow-sources")
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

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), "sources", command.String("kafka-brokers"), logger)
			if err != nil {
				return fmt.Errorf("failed to create event bus: %w", err)
			}

			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			invoker, err := sandbox.New(command.String("isolation"), registry, sandbox.Options{
				Logger: logger,
			})
			if err != nil {
				return fmt.Errorf("failed to build piece invoker: %w", err)
			}

			admitter := worker.NewDispatcher(persistence.Runs(), queue, eventBus, logger)

			manager, err := NewSourceManager(
				sourceID,
				persistence,
				registry,
				invoker,
				admitter,
				command.Int("port"),
				filter,
				logger,
			)
			if err != nil {
				return err
			}

			return manager.Start(ctx)
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

// newPieceHostCommand mirrors the worker's sandbox child entry so poll
// triggers under SANDBOX_PROCESS can re-exec this binary.
func newPieceHostCommand() *cli.Command {
	return &cli.Command{
		Name:   sandbox.HostSubcommand,
		Usage:  "Serve a single piece invocation as a sandbox child",
		Hidden: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "error",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("piece-host")

			return sandbox.RunHost(ctx, cmd.NewRegistry(logger), os.Stdin, os.Stdout, logger)
		},
	}
}
