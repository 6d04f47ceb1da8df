// Package sources holds the trigger ingress runtimes. A source watches
// the active flow versions for trigger steps of its kind and turns each
// firing into one run admission: webhook deliveries, schedule ticks and
// poll items all end as a (flow version, payload) pair handed to the
// dispatcher.
package sources

import (
	"context"
	"log/slog"

	"github.com/pieceflow/pieceflow/pkg/flow"
	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence"
	"github.com/pieceflow/pieceflow/pkg/piece"
	"github.com/pieceflow/pieceflow/pkg/registry"
	"github.com/pieceflow/pieceflow/pkg/worker"
)

// Admitter admits one trigger firing as a queued run. *worker.Dispatcher
// is the production implementation.
type Admitter interface {
	Enqueue(ctx context.Context, req worker.EnqueueRequest) (*models.ExecutionRun, error)
}

// Binding ties an active flow version to its trigger step and the spec
// the trigger piece exposes for it.
type Binding struct {
	Version *models.FlowVersion
	Step    *models.Step
	Spec    piece.TriggerSpec
}

// Scanner resolves active flow versions to trigger bindings of one
// ingress kind. Sources rescan periodically, so newly locked versions
// go live without a restart.
type Scanner struct {
	flows    persistence.FlowRepository
	registry *registry.Registry
	logger   *slog.Logger
}

func NewScanner(flows persistence.FlowRepository, reg *registry.Registry, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scanner{flows: flows, registry: reg, logger: logger}
}

// Scan returns one binding per active flow version whose trigger is of
// the given kind. Versions with an unregistered trigger piece, an
// operation the piece does not expose, or configuration rejected by the
// trigger's schema are logged and skipped rather than failing the scan:
// one broken flow must not take the whole ingress down.
func (s *Scanner) Scan(ctx context.Context, kind string) ([]Binding, error) {
	versions, err := s.flows.ActiveVersions(ctx)
	if err != nil {
		return nil, err
	}

	bindings := make([]Binding, 0, len(versions))

	for _, version := range versions {
		step := flow.FirstStep(version)
		if step == nil || step.Piece.Zero() {
			// Manual-only flows carry no trigger piece.
			continue
		}

		p, err := s.registry.Lookup(step.Piece)
		if err != nil {
			s.logger.WarnContext(ctx, "Trigger piece not registered, skipping flow version",
				"flow_version_id", version.ID, "piece", step.Piece.String())

			continue
		}

		spec, ok := p.Definition().Trigger(step.Operation)
		if !ok {
			s.logger.WarnContext(ctx, "Piece exposes no such trigger, skipping flow version",
				"flow_version_id", version.ID,
				"piece", step.Piece.String(),
				"operation", step.Operation)

			continue
		}

		if spec.Kind != kind {
			continue
		}

		if err := s.registry.ValidateInput(step.Piece, step.Operation, step.Input); err != nil {
			s.logger.WarnContext(ctx, "Trigger configuration rejected, skipping flow version",
				"flow_version_id", version.ID,
				"piece", step.Piece.String(),
				"operation", step.Operation,
				"error", err)

			continue
		}

		bindings = append(bindings, Binding{Version: version, Step: step, Spec: spec})
	}

	return bindings, nil
}
