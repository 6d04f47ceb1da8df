package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/pieceflow/pieceflow/pkg/cmd"
	"github.com/pieceflow/pieceflow/pkg/log"
	"github.com/pieceflow/pieceflow/pkg/otelhelper"
	"github.com/pieceflow/pieceflow/pkg/pieces/code"
	"github.com/pieceflow/pieceflow/pkg/sandbox"
	"github.com/pieceflow/pieceflow/pkg/worker"
)

func main() {
	cmd := &cli.Command{
		Name:                  "pieceflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Start a worker pool that claims and executes flow runs",
		Commands: []*cli.Command{
			newPieceHostCommand(),
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
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
			&cli.StringFlag{
				Name:    "isolation",
				Usage:   "Piece isolation mode (UNSANDBOXED, SANDBOX_PROCESS)",
				Value:   sandbox.ModeUnsandboxed,
				Sources: cli.EnvVars("ISOLATION_MODE"),
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Number of runs executed in parallel by this worker",
				Value:   worker.DefaultConcurrency,
				Sources: cli.EnvVars("WORKER_CONCURRENCY"),
			},
			&cli.IntFlag{
				Name:    "project-concurrency",
				Usage:   "Maximum concurrently executing runs per project (0 = unlimited)",
				Value:   0,
				Sources: cli.EnvVars("PROJECT_CONCURRENCY"),
			},
			&cli.DurationFlag{
				Name:    "run-timeout",
				Usage:   "Wall-clock ceiling for a single run",
				Value:   worker.DefaultRunTimeout,
				Sources: cli.EnvVars("RUN_TIMEOUT"),
			},
			&cli.IntFlag{
				Name:    "loop-ceiling",
				Usage:   "Maximum iterations per loop step (0 = engine default)",
				Value:   0,
				Sources: cli.EnvVars("LOOP_CEILING"),
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

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("pieceflow-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing worker")

			tracerProvider, err := otelhelper.InitTracer(ctx, "pieceflow-worker")
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

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), "worker", command.String("kafka-brokers"), logger)
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

			pool, err := worker.NewPool(worker.Config{
				WorkerID:    workerID,
				Concurrency: command.Int("concurrency"),
				Persistence: persistence,
				Queue:       queue,
				Registry:    registry,
				Invoker:     invoker,
				Code:        code.NewRunner(code.Options{Logger: logger}),
				Bus:         eventBus,
				Logger:      logger,
				RunTimeout:  command.Duration("run-timeout"),
				LoopCeiling: command.Int("loop-ceiling"),
			})
			if err != nil {
				return fmt.Errorf("failed to build worker pool: %w", err)
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			go func() {
				<-sigChan
				logger.Info("Shutting down worker...")
				cancel()
			}()

			return pool.Start(runCtx)
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

// newPieceHostCommand is the sandbox child entry: one invocation request
// on stdin, one response on stdout, logs on stderr. The parent process
// owns the deadline and kills the child when it expires.
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
