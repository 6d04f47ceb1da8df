package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pieceflow/pieceflow/pkg/persistence"
	"github.com/pieceflow/pieceflow/pkg/registry"
	"github.com/pieceflow/pieceflow/pkg/sandbox"
	"github.com/pieceflow/pieceflow/pkg/sources"
	"github.com/pieceflow/pieceflow/pkg/sources/poll"
	"github.com/pieceflow/pieceflow/pkg/sources/schedule"
	"github.com/pieceflow/pieceflow/pkg/sources/webhook"
)

const stopTimeout = 30 * time.Second

// ingressSource is the lifecycle every ingress source exposes. Start
// returns once the source is running; Stop drains in-flight admissions
// bounded by ctx.
type ingressSource interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type SourceManager struct {
	id      string
	logger  *slog.Logger
	order   []string
	sources map[string]ingressSource
}

// NewSourceManager wires the requested ingress sources against the flow
// repository and the run admitter. An empty filter enables all of them.
func NewSourceManager(
	id string,
	persistence persistence.Persistence,
	registry *registry.Registry,
	invoker sandbox.Invoker,
	admitter sources.Admitter,
	webhookPort int,
	filter []string,
	logger *slog.Logger,
) (*SourceManager, error) {
	logger = logger.With("manager_id", id)

	available := map[string]func() ingressSource{
		"webhook": func() ingressSource {
			return webhook.NewServer(webhookPort, persistence.Flows(), registry, admitter, logger)
		},
		"schedule": func() ingressSource {
			return schedule.NewSource(persistence.Flows(), registry, admitter, schedule.Options{Logger: logger})
		},
		"poll": func() ingressSource {
			return poll.NewSource(persistence.Flows(), registry, invoker, admitter, poll.Options{Logger: logger})
		},
	}

	order := filter
	if len(order) == 0 {
		order = []string{"webhook", "schedule", "poll"}
	}

	enabled := make(map[string]ingressSource, len(order))

	for _, name := range order {
		build, ok := available[name]
		if !ok {
			return nil, fmt.Errorf("unknown source %q, expected webhook, schedule or poll", name)
		}

		enabled[name] = build()
	}

	return &SourceManager{
		id:      id,
		logger:  logger,
		order:   order,
		sources: enabled,
	}, nil
}

// Start runs the sources until a termination signal or ctx
// cancellation, then stops them with a drain timeout.
func (m *SourceManager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.logger.InfoContext(ctx, "Starting source manager")

	started := make([]string, 0, len(m.order))

	for _, name := range m.order {
		err := m.sources[name].Start(runCtx)
		if err != nil {
			m.stopAll(started)

			return fmt.Errorf("failed to start %s source: %w", name, err)
		}

		started = append(started, name)
	}

	m.logger.InfoContext(ctx, "Source manager started", "sources", started)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		m.logger.Info("Received signal", "signal", sig.String())
	case <-ctx.Done():
	}

	m.logger.Info("Shutting down source manager...")
	cancel()
	m.stopAll(started)

	return nil
}

func (m *SourceManager) stopAll(names []string) {
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	for _, name := range names {
		err := m.sources[name].Stop(stopCtx)
		if err != nil {
			m.logger.Error("Failed to stop source", "source", name, "error", err)
		}
	}

	m.logger.Info("Source manager stopped")
}
