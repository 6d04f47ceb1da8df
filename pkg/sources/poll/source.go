// Package poll is the polling ingress source. It periodically invokes
// the poll trigger of each active flow version and admits one run per
// newly seen item.
package poll

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pieceflow/pieceflow/pkg/persistence"
	"github.com/pieceflow/pieceflow/pkg/piece"
	"github.com/pieceflow/pieceflow/pkg/queue"
	"github.com/pieceflow/pieceflow/pkg/registry"
	"github.com/pieceflow/pieceflow/pkg/sandbox"
	"github.com/pieceflow/pieceflow/pkg/sources"
	"github.com/pieceflow/pieceflow/pkg/worker"
)

const (
	// DefaultPollInterval applies to bindings without an
	// interval_seconds of their own.
	DefaultPollInterval = time.Minute

	// DefaultItemWindow is how long an item digest suppresses
	// readmission. Poll feeds usually keep returning recent items, so
	// the window must comfortably outlive a few poll cycles.
	DefaultItemWindow = time.Hour

	// DefaultRescanInterval bounds how long a newly locked version
	// waits before polling starts.
	DefaultRescanInterval = 30 * time.Second
)

// Options configures the source built by NewSource.
type Options struct {
	Logger         *slog.Logger
	Interval       time.Duration
	ItemWindow     time.Duration
	RescanInterval time.Duration
}

// Source drives the poll triggers of active flow versions. Each binding
// gets its own ticker goroutine; items are invoked through the sandbox
// boundary exactly like action steps, so a wedged poll cannot take the
// source process down.
type Source struct {
	scanner  *sources.Scanner
	invoker  sandbox.Invoker
	admitter sources.Admitter
	logger   *slog.Logger

	defaultInterval time.Duration
	itemWindow      time.Duration
	rescanInterval  time.Duration

	mu       sync.Mutex
	pollers  map[string]*poller
	started  bool
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// poller is the per-binding state: its cancel handle and the digests of
// items already admitted.
type poller struct {
	binding sources.Binding
	cancel  context.CancelFunc

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewSource builds the polling ingress source.
func NewSource(flows persistence.FlowRepository, reg *registry.Registry, invoker sandbox.Invoker, admitter sources.Admitter, opts Options) *Source {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With("module", "poll_source")

	defaultInterval := opts.Interval
	if defaultInterval <= 0 {
		defaultInterval = DefaultPollInterval
	}

	itemWindow := opts.ItemWindow
	if itemWindow <= 0 {
		itemWindow = DefaultItemWindow
	}

	rescanInterval := opts.RescanInterval
	if rescanInterval <= 0 {
		rescanInterval = DefaultRescanInterval
	}

	return &Source{
		scanner:         sources.NewScanner(flows, reg, logger),
		invoker:         invoker,
		admitter:        admitter,
		logger:          logger,
		defaultInterval: defaultInterval,
		itemWindow:      itemWindow,
		rescanInterval:  rescanInterval,
		pollers:         make(map[string]*poller),
		done:            make(chan struct{}),
	}
}

// Start begins polling the active bindings until ctx ends.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()

	if s.started {
		s.mu.Unlock()

		return nil
	}

	s.started = true
	s.mu.Unlock()

	s.Rescan(ctx)

	s.logger.Info("Poll source started",
		"default_interval", s.defaultInterval,
		"rescan_interval", s.rescanInterval)

	go s.rescanLoop(ctx)

	return nil
}

// Stop cancels every poller and waits for them, bounded by ctx.
func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()

	if !s.started {
		s.mu.Unlock()

		return nil
	}

	s.logger.Info("Stopping poll source")

	s.doneOnce.Do(func() {
		close(s.done)
	})

	for versionID, p := range s.pollers {
		p.cancel()
		delete(s.pollers, versionID)
	}

	s.started = false
	s.mu.Unlock()

	finished := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("Poll source stopped")

	return nil
}

// Rescan refreshes the pollers against the active flow versions
// immediately instead of waiting for the next interval.
func (s *Source) Rescan(ctx context.Context) {
	bindings, err := s.scanner.Scan(ctx, piece.TriggerKindPolling)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to scan poll bindings", "error", err)

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	seen := make(map[string]struct{}, len(bindings))

	for _, binding := range bindings {
		seen[binding.Version.ID] = struct{}{}

		if _, ok := s.pollers[binding.Version.ID]; ok {
			continue
		}

		pollCtx, cancel := context.WithCancel(ctx)
		p := &poller{
			binding: binding,
			cancel:  cancel,
			seen:    make(map[string]time.Time),
		}

		s.pollers[binding.Version.ID] = p
		interval := s.pollInterval(binding)

		s.wg.Add(1)

		go s.run(pollCtx, p, interval)

		s.logger.InfoContext(ctx, "Poller bound",
			"flow_version_id", binding.Version.ID,
			"piece", binding.Step.Piece.String(),
			"interval", interval)
	}

	for versionID, p := range s.pollers {
		if _, ok := seen[versionID]; ok {
			continue
		}

		p.cancel()
		delete(s.pollers, versionID)
		s.logger.InfoContext(ctx, "Poller unbound", "flow_version_id", versionID)
	}
}

// Pollers returns the bound flow version ids, sorted.
func (s *Source) Pollers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.pollers))
	for versionID := range s.pollers {
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
				s.logger.Error("Error during poll source shutdown", "error", err)
			}

			cancel()

			return
		case <-ticker.C:
			s.Rescan(ctx)
		}
	}
}

func (s *Source) run(ctx context.Context, p *poller, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// The first poll happens on bind, not one interval later.
	s.pollOnce(ctx, p)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx, p)
		}
	}
}

// pollOnce invokes the trigger once and admits every item not seen
// inside the item window. The in-memory digest cache keeps steady-state
// polling from writing a collapsed run record per known item; the queue
// dedupe key stays on as the cross-process backstop.
func (s *Source) pollOnce(ctx context.Context, p *poller) {
	binding := p.binding

	output, err := s.invoker.Invoke(ctx, piece.Request{
		Piece:     binding.Step.Piece,
		Operation: binding.Step.Operation,
		Input:     binding.Step.Input,
		StepID:    binding.Step.ID,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		s.logger.WarnContext(ctx, "Poll invocation failed",
			"flow_version_id", binding.Version.ID, "error", err)

		return
	}

	items, ok := output.([]any)
	if !ok {
		s.logger.WarnContext(ctx, "Poll output is not an item array",
			"flow_version_id", binding.Version.ID)

		return
	}

	now := time.Now()
	p.prune(now)

	admitted := 0

	for _, item := range items {
		digest, err := itemDigest(item)
		if err != nil {
			s.logger.WarnContext(ctx, "Failed to digest poll item",
				"flow_version_id", binding.Version.ID, "error", err)

			continue
		}

		key := "poll:" + binding.Version.ID + ":" + digest
		if p.recentlySeen(key, now) {
			continue
		}

		_, err = s.admitter.Enqueue(ctx, worker.EnqueueRequest{
			Version:      binding.Version,
			Payload:      item,
			DedupeKey:    key,
			DedupeWindow: s.itemWindow,
		})
		if err != nil {
			if errors.Is(err, queue.ErrDuplicate) {
				// Another source process admitted it first.
				p.markSeen(key, now.Add(s.itemWindow))

				continue
			}

			s.logger.ErrorContext(ctx, "Failed to admit poll run",
				"flow_version_id", binding.Version.ID, "error", err)

			continue
		}

		p.markSeen(key, now.Add(s.itemWindow))

		admitted++
	}

	if admitted > 0 {
		s.logger.InfoContext(ctx, "Poll items admitted",
			"flow_version_id", binding.Version.ID,
			"count", admitted,
			"of", len(items))
	}
}

func (s *Source) pollInterval(binding sources.Binding) time.Duration {
	switch v := binding.Step.Input["interval_seconds"].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case int64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}

	return s.defaultInterval
}

func (p *poller) recentlySeen(key string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	until, ok := p.seen[key]

	return ok && now.Before(until)
}

func (p *poller) markSeen(key string, until time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seen[key] = until
}

func (p *poller) prune(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, until := range p.seen {
		if now.After(until) {
			delete(p.seen, key)
		}
	}
}

// itemDigest fingerprints one polled item. json.Marshal writes map keys
// sorted, so equal items digest equally regardless of field order.
func itemDigest(item any) (string, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])[:16], nil
}
