// Package webhook is the webhook ingress source. It serves
// POST /webhook/{flowVersionID}, wraps each delivery as a trigger
// payload and admits it as a run of that version.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pieceflow/pieceflow/pkg/flow"
	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence"
	"github.com/pieceflow/pieceflow/pkg/piece"
	"github.com/pieceflow/pieceflow/pkg/queue"
	"github.com/pieceflow/pieceflow/pkg/registry"
	"github.com/pieceflow/pieceflow/pkg/sources"
	"github.com/pieceflow/pieceflow/pkg/worker"
)

const (
	readTimeout        = 30 * time.Second
	writeTimeout       = 30 * time.Second
	idleTimeout        = 60 * time.Second
	shutdownTimeout    = 5 * time.Second
	maxRequestBodySize = 1024 * 1024

	// DedupeHeader lets the caller collapse redelivered webhooks. The
	// value is scoped to the flow version, so callers of different flows
	// never collide.
	DedupeHeader = "X-Dedupe-Key"
)

// Server handles webhook deliveries for flow versions with a webhook
// trigger. Deliveries address a version id directly, so a superseded
// locked version keeps its URL working until the caller migrates.
type Server struct {
	server   *http.Server
	port     int
	flows    persistence.FlowRepository
	registry *registry.Registry
	scanner  *sources.Scanner
	admitter sources.Admitter
	logger   *slog.Logger
	mu       sync.Mutex
	started  bool
	done     chan struct{}
	doneOnce sync.Once
}

// NewServer builds the webhook ingress server.
func NewServer(port int, flows persistence.FlowRepository, reg *registry.Registry, admitter sources.Admitter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		port:     port,
		flows:    flows,
		registry: reg,
		scanner:  sources.NewScanner(flows, reg, logger),
		admitter: admitter,
		logger:   logger.With("module", "webhook_source", "port", port),
		done:     make(chan struct{}),
	}
}

// Handler returns the ingress routes. Start serves them; tests mount
// them on a test server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/", s.handleWebhook)
	mux.HandleFunc("/health", s.handleHealth)

	return mux
}

// Start begins serving webhook deliveries until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	s.started = true
	s.logger.Info("Starting webhook source", "addr", s.server.Addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Webhook source server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.Stop(shutdownCtx); err != nil {
			s.logger.Error("Error during webhook source shutdown", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.logger.Info("Stopping webhook source")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Error during server shutdown", "error", err)

		return err
	}

	s.started = false
	s.doneOnce.Do(func() {
		close(s.done)
	})

	s.logger.Info("Webhook source stopped")

	return nil
}

// Done is closed once the server has shut down.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	versionID := strings.TrimPrefix(r.URL.Path, "/webhook/")
	if versionID == "" {
		s.writeError(w, http.StatusBadRequest, "Missing flow version id in path")

		return
	}

	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Only POST method allowed")

		return
	}

	ctx := r.Context()

	version, step, err := s.webhookVersion(ctx, versionID)
	if err != nil {
		if errors.Is(err, persistence.ErrFlowVersionNotFound) || errors.Is(err, errNotWebhook) {
			s.logger.Warn("Webhook delivery for unknown version",
				"flow_version_id", versionID, "remote_addr", r.RemoteAddr)
			s.writeError(w, http.StatusNotFound, "Webhook not found")

			return
		}

		s.logger.Error("Error resolving webhook version", "flow_version_id", versionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Error processing webhook")

		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Warn("Error reading webhook body", "flow_version_id", versionID, "error", err)
		s.writeError(w, http.StatusBadRequest, "Error reading request body")

		return
	}

	payload := deliveryPayload(raw, r)

	if err := s.registry.ValidatePayload(step.Piece, step.Operation, payload); err != nil {
		var inputErr *registry.InputError
		if errors.As(err, &inputErr) {
			s.logger.Warn("Webhook payload rejected by trigger schema",
				"flow_version_id", versionID, "error", err)
			s.writeError(w, http.StatusBadRequest, inputErr.Message)

			return
		}

		s.logger.Error("Error validating webhook payload", "flow_version_id", versionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Error processing webhook")

		return
	}

	req := worker.EnqueueRequest{
		Version: version,
		Payload: payload,
	}

	if key := r.Header.Get(DedupeHeader); key != "" {
		req.DedupeKey = "webhook:" + version.ID + ":" + key
	}

	run, err := s.admitter.Enqueue(ctx, req)
	if err != nil {
		if errors.Is(err, queue.ErrDuplicate) {
			s.writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})

			return
		}

		s.logger.Error("Error admitting webhook run", "flow_version_id", versionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Error processing webhook")

		return
	}

	s.logger.Info("Webhook delivery admitted",
		"flow_version_id", versionID,
		"run_id", run.ID,
		"remote_addr", r.RemoteAddr,
		"content_length", r.ContentLength)

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
		"run_id": run.ID,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	bindings, err := s.scanner.Scan(r.Context(), piece.TriggerKindWebhook)
	if err != nil {
		s.logger.Error("Error scanning webhook bindings for health", "error", err)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"webhook_flows": len(bindings),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

var errNotWebhook = errors.New("flow version has no webhook trigger")

// webhookVersion resolves a deliverable version: locked, trigger step
// carrying a registered piece that exposes a webhook trigger. Anything
// else reports errNotWebhook so the handler answers 404 without leaking
// flow internals.
func (s *Server) webhookVersion(ctx context.Context, versionID string) (*models.FlowVersion, *models.Step, error) {
	version, err := s.flows.VersionByID(ctx, versionID)
	if err != nil {
		return nil, nil, err
	}

	if !version.Locked() {
		return nil, nil, errNotWebhook
	}

	step := flow.FirstStep(version)
	if step == nil || step.Piece.Zero() {
		return nil, nil, errNotWebhook
	}

	p, err := s.registry.Lookup(step.Piece)
	if err != nil {
		return nil, nil, errNotWebhook
	}

	spec, ok := p.Definition().Trigger(step.Operation)
	if !ok || spec.Kind != piece.TriggerKindWebhook {
		return nil, nil, errNotWebhook
	}

	return version, step, nil
}

// deliveryPayload shapes one HTTP delivery as the trigger payload: the
// parsed JSON body (or the raw text when the delivery is not JSON),
// joined headers and first-value query parameters.
func deliveryPayload(raw []byte, r *http.Request) map[string]any {
	var body any = map[string]any{}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			body = string(raw)
		}
	}

	headers := make(map[string]any)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = strings.Join(values, ", ")
		}
	}

	query := make(map[string]any)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}

	return map[string]any{
		"body":    body,
		"headers": headers,
		"query":   query,
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, map[string]any{
		"status":  "error",
		"message": message,
		"code":    statusCode,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Error encoding response", "error", err)
	}
}
