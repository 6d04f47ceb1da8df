// Package schedule is the cron ingress source. It binds one cron entry
// per active flow version with a schedule trigger and admits a run on
// every firing.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pieceflow/pieceflow/pkg/persistence"
	"github.com/pieceflow/pieceflow/pkg/piece"
	"github.com/pieceflow/pieceflow/pkg/queue"
	"github.com/pieceflow/pieceflow/pkg/registry"
	"github.com/pieceflow/pieceflow/pkg/sources"
	"github.com/pieceflow/pieceflow/pkg/worker"
)

// DefaultRescanInterval bounds how long a newly locked version waits
// before its schedule goes live.
const DefaultRescanInterval = 30 * time.Second

// Options configures the source built by NewSource.
type Options struct {
	Logger         *slog.Logger
	RescanInterval time.Duration
}

// Source runs the cron entries of active schedule-triggered flow
// versions. Expressions are five-field, minute precision, evaluated in
// UTC. A minute-grained dedupe key collapses the same tick admitted by
// more than one source process.
type Source struct {
	scanner  *sources.Scanner
	admitter sources.Admitter
	logger   *slog.Logger

	rescanInterval time.Duration

	mu       sync.Mutex
	cron     *cron.Cron
	entries  map[string]entry
	started  bool
	done     chan struct{}
	doneOnce sync.Once
}

type entry struct {
	id         cron.EntryID
	expression string
}

// NewSource builds the schedule ingress source.
func NewSource(flows persistence.FlowRepository, reg *registry.Registry, admitter sources.Admitter, opts Options) *Source {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With("module", "schedule_source")

	rescanInterval := opts.RescanInterval
	if rescanInterval <= 0 {
		rescanInterval = DefaultRescanInterval
	}

	return &Source{
		scanner:        sources.NewScanner(flows, reg, logger),
		admitter:       admitter,
		logger:         logger,
		rescanInterval: rescanInterval,
		entries:        make(map[string]entry),
		done:           make(chan struct{}),
	}
}

// Start binds the current schedules and begins firing them until ctx
// ends.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()

	if s.started {
		s.mu.Unlock()

		return nil
	}

	crnLogger := cronLogger{logger: s.logger}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(crnLogger), cron.Recover(crnLogger)),
	)
	s.cron.Start()
	s.started = true
	s.mu.Unlock()

	s.Rescan(ctx)

	s.logger.Info("Schedule source started", "rescan_interval", s.rescanInterval)

	go s.rescanLoop(ctx)

	return nil
}

// Stop unbinds the schedules and waits for in-flight firings, bounded
// by ctx.
func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.logger.Info("Stopping schedule source")

	s.doneOnce.Do(func() {
		close(s.done)
	})

	jobs := s.cron.Stop()

	select {
	case <-jobs.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	s.started = false
	s.logger.Info("Schedule source stopped")

	return nil
}

// Rescan refreshes the bound schedules against the active flow versions
// immediately instead of waiting for the next interval.
func (s *Source) Rescan(ctx context.Context) {
	bindings, err := s.scanner.Scan(ctx, piece.TriggerKindSchedule)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to scan schedule bindings", "error", err)

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(bindings))

	for _, binding := range bindings {
		seen[binding.Version.ID] = struct{}{}

		// Locked versions are immutable, so a bound id never changes
		// its expression.
		if _, ok := s.entries[binding.Version.ID]; ok {
			continue
		}

		expression, _ := binding.Step.Input["expression"].(string)

		id, err := s.cron.AddFunc(expression, s.fireFunc(binding, expression))
		if err != nil {
			s.logger.WarnContext(ctx, "Invalid cron expression, skipping flow version",
				"flow_version_id", binding.Version.ID,
				"expression", expression,
				"error", err)

			continue
		}

		s.entries[binding.Version.ID] = entry{id: id, expression: expression}
		s.logger.InfoContext(ctx, "Schedule bound",
			"flow_version_id", binding.Version.ID, "expression", expression)
	}

	for versionID, bound := range s.entries {
		if _, ok := seen[versionID]; ok {
			continue
		}

		s.cron.Remove(bound.id)
		delete(s.entries, versionID)
		s.logger.InfoContext(ctx, "Schedule unbound", "flow_version_id", versionID)
	}
}

// Schedules returns the bound flow version ids, sorted.
func (s *Source) Schedules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.entries))
	for versionID := range s.entries {
		ids = append(ids, versionID)
	}

	sort.Strings(ids)

	return ids
}

func (s *Source) rescanLoop(ctx context.Context) {
	ticker := time.NewTicker(s.rescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

			if err := s.Stop(stopCtx); err != nil {
				s.logger.Error("Error during schedule source shutdown", "error", err)
			}

			cancel()

			return
		case <-ticker.C:
			s.Rescan(ctx)
		}
	}
}

func (s *Source) fireFunc(binding sources.Binding, expression string) func() {
	return func() {
		s.fire(context.Background(), binding, expression, time.Now().UTC())
	}
}

// fire admits one schedule tick as a run.
func (s *Source) fire(ctx context.Context, binding sources.Binding, expression string, firedAt time.Time) {
	payload := map[string]any{
		"fired_at":   firedAt.Format(time.RFC3339),
		"expression": expression,
	}

	run, err := s.admitter.Enqueue(ctx, worker.EnqueueRequest{
		Version:   binding.Version,
		Payload:   payload,
		DedupeKey: fmt.Sprintf("schedule:%s:%d", binding.Version.ID, firedAt.Truncate(time.Minute).Unix()),
	})
	if err != nil {
		if errors.Is(err, queue.ErrDuplicate) {
			s.logger.DebugContext(ctx, "Schedule tick already admitted",
				"flow_version_id", binding.Version.ID)

			return
		}

		s.logger.ErrorContext(ctx, "Failed to admit schedule run",
			"flow_version_id", binding.Version.ID, "error", err)

		return
	}

	s.logger.InfoContext(ctx, "Schedule tick admitted",
		"flow_version_id", binding.Version.ID,
		"run_id", run.ID,
		"fired_at", payload["fired_at"])
}

// cronLogger adapts slog to the cron logger contract. Routine messages
// go to debug, the scheduler is chatty about entry bookkeeping.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
