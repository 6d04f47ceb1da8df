package web_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence"
	"github.com/pieceflow/pieceflow/pkg/persistence/memory"
	"github.com/pieceflow/pieceflow/pkg/pieces/httprequest"
	webhookpiece "github.com/pieceflow/pieceflow/pkg/pieces/webhook"
	"github.com/pieceflow/pieceflow/pkg/queue/memqueue"
	"github.com/pieceflow/pieceflow/pkg/registry"
	"github.com/pieceflow/pieceflow/pkg/web"
	"github.com/pieceflow/pieceflow/pkg/worker"
)

func setupTestApp(t *testing.T) (*fiber.App, persistence.Persistence) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewPersistence()

	q := memqueue.New(memqueue.Options{})
	t.Cleanup(func() { _ = q.Close() })

	reg := registry.NewRegistry(logger)
	reg.MustRegister(webhookpiece.New())
	reg.MustRegister(httprequest.New(nil))

	dispatcher := worker.NewDispatcher(store.Runs(), q, nil, logger)
	validate := validator.New(validator.WithRequiredStructEnabled())
	handlers := web.NewAPIHandlers(store, dispatcher, q, reg, validate, logger)

	app := fiber.New()

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

	return app, store
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader

	switch payload := body.(type) {
	case nil:
	case string:
		// Raw strings go through unencoded so tests can send broken JSON.
		reader = bytes.NewReader([]byte(payload))
	default:
		encoded, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	defer func() { _ = resp.Body.Close() }()

	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return out
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return string(body)
}

func flowSteps() []*models.Step {
	next := "fetch"

	return []*models.Step{
		{
			ID:   "trigger",
			Name: "Receive order",
			Kind: models.StepKindTrigger,
			Piece: models.PieceRef{
				Name:    webhookpiece.Name,
				Version: webhookpiece.Version,
			},
			Operation: "receive",
			NextStep:  &next,
		},
		{
			ID:   "fetch",
			Name: "Fetch order",
			Kind: models.StepKindAction,
			Piece: models.PieceRef{
				Name:    httprequest.Name,
				Version: httprequest.Version,
			},
			Operation: "request",
			Input:     map[string]any{"url": "https://api.example.com/orders"},
		},
	}
}

func createDraft(t *testing.T, app *fiber.App, flowID string) *models.FlowVersion {
	t.Helper()

	resp := doJSON(t, app, http.MethodPost, "/flows", web.CreateFlowRequest{
		Name:      "Order sync",
		ProjectID: "acme",
		FlowID:    flowID,
		Steps:     flowSteps(),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	version := decodeBody[*models.FlowVersion](t, resp)

	return version
}

func createLockedVersion(t *testing.T, app *fiber.App) *models.FlowVersion {
	t.Helper()

	draft := createDraft(t, app, "")

	resp := doJSON(t, app, http.MethodPost, "/flows/"+draft.ID+"/lock", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	return decodeBody[*models.FlowVersion](t, resp)
}

func TestCreateFlow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{
			name: "creates a draft",
			body: web.CreateFlowRequest{
				Name:      "Order sync",
				ProjectID: "acme",
				Steps:     flowSteps(),
			},
			wantStatus: http.StatusCreated,
		},
		{
			name: "rejects a short name",
			body: web.CreateFlowRequest{
				Name:      "Or",
				ProjectID: "acme",
				Steps:     flowSteps(),
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "rejects a missing project",
			body: web.CreateFlowRequest{
				Name:  "Order sync",
				Steps: flowSteps(),
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "rejects an empty graph",
			body: web.CreateFlowRequest{
				Name:      "Order sync",
				ProjectID: "acme",
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "rejects invalid json",
			body:       "not-json",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, _ := setupTestApp(t)

			resp := doJSON(t, app, http.MethodPost, "/flows", tt.body)
			require.Equal(t, tt.wantStatus, resp.StatusCode)

			if tt.wantStatus != http.StatusCreated {
				return
			}

			version := decodeBody[*models.FlowVersion](t, resp)
			assert.NotEmpty(t, version.ID)
			assert.NotEmpty(t, version.FlowID)
			assert.Equal(t, 1, version.Version)
			assert.Equal(t, models.FlowVersionStateDraft, version.State)
			assert.Len(t, version.Steps, 2)
		})
	}
}

func TestCreateFlow_NumbersSuccessiveVersions(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	first := createDraft(t, app, "order-sync")
	second := createDraft(t, app, "order-sync")

	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 2, second.Version)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestLockFlow(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	draft := createDraft(t, app, "")

	resp := doJSON(t, app, http.MethodPost, "/flows/"+draft.ID+"/lock", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	locked := decodeBody[*models.FlowVersion](t, resp)
	assert.Equal(t, models.FlowVersionStateLocked, locked.State)
	assert.NotNil(t, locked.LockedAt)

	// Locking again is a no-op.
	resp = doJSON(t, app, http.MethodPost, "/flows/"+draft.ID+"/lock", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	again := decodeBody[*models.FlowVersion](t, resp)
	assert.Equal(t, models.FlowVersionStateLocked, again.State)
}

func TestLockFlow_RejectsBrokenGraphs(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	missing := "missing"
	steps := flowSteps()
	steps[1].NextStep = &missing

	resp := doJSON(t, app, http.MethodPost, "/flows", web.CreateFlowRequest{
		Name:      "Broken flow",
		ProjectID: "acme",
		Steps:     steps,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	draft := decodeBody[*models.FlowVersion](t, resp)

	resp = doJSON(t, app, http.MethodPost, "/flows/"+draft.ID+"/lock", nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "DANGLING_EDGE")

	// The draft stays unlocked.
	resp = doJSON(t, app, http.MethodGet, "/flows/"+draft.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stored := decodeBody[*models.FlowVersion](t, resp)
	assert.Equal(t, models.FlowVersionStateDraft, stored.State)
}

func TestLockFlow_UnknownVersionIs404(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/flows/no-such-version/lock", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartRun(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	locked := createLockedVersion(t, app)

	resp := doJSON(t, app, http.MethodPost, "/runs", web.StartRunRequest{
		FlowVersionID: locked.ID,
		Payload:       map[string]any{"order_id": "A-1"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	run := decodeBody[*models.ExecutionRun](t, resp)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, locked.ID, run.FlowVersionID)
	assert.Equal(t, "acme", run.ProjectID)
	assert.Equal(t, models.RunStatusQueued, run.Status)

	payload, ok := run.TriggerPayload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "A-1", payload["order_id"])
}

func TestStartRun_DraftVersionIs409(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	draft := createDraft(t, app, "")

	resp := doJSON(t, app, http.MethodPost, "/runs", web.StartRunRequest{
		FlowVersionID: draft.ID,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "locked")
}

func TestStartRun_UnknownVersionIs404(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/runs", web.StartRunRequest{
		FlowVersionID: "no-such-version",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartRun_DuplicateAdmissionIs409(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	locked := createLockedVersion(t, app)
	request := web.StartRunRequest{
		FlowVersionID: locked.ID,
		DedupeKey:     "manual:once",
	}

	resp := doJSON(t, app, http.MethodPost, "/runs", request)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = doJSON(t, app, http.MethodPost, "/runs", request)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "duplicate_run")
}

func TestStartRun_MissingVersionFieldIs400(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/runs", web.StartRunRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStopRun(t *testing.T) {
	t.Parallel()

	app, store := setupTestApp(t)

	locked := createLockedVersion(t, app)

	resp := doJSON(t, app, http.MethodPost, "/runs", web.StartRunRequest{FlowVersionID: locked.ID})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	run := decodeBody[*models.ExecutionRun](t, resp)

	resp = doJSON(t, app, http.MethodPost, "/runs/"+run.ID+"/stop", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	stopped, err := store.Runs().StopRequested(t.Context(), run.ID)
	require.NoError(t, err)
	assert.True(t, stopped)
}

func TestStopRun_TerminalRunIs409(t *testing.T) {
	t.Parallel()

	app, store := setupTestApp(t)

	locked := createLockedVersion(t, app)

	resp := doJSON(t, app, http.MethodPost, "/runs", web.StartRunRequest{FlowVersionID: locked.ID})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	run := decodeBody[*models.ExecutionRun](t, resp)

	stored, err := store.Runs().RunByID(t.Context(), run.ID)
	require.NoError(t, err)

	stored.Status = models.RunStatusSucceeded
	require.NoError(t, store.Runs().SaveRun(t.Context(), stored))

	resp = doJSON(t, app, http.MethodPost, "/runs/"+run.ID+"/stop", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "run_terminal")
}

func TestStopRun_UnknownRunIs404(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/runs/no-such-run/stop", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	locked := createLockedVersion(t, app)

	resp := doJSON(t, app, http.MethodPost, "/runs", web.StartRunRequest{FlowVersionID: locked.ID})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	run := decodeBody[*models.ExecutionRun](t, resp)

	resp = doJSON(t, app, http.MethodGet, "/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	fetched := decodeBody[*models.ExecutionRun](t, resp)
	assert.Equal(t, run.ID, fetched.ID)

	resp = doJSON(t, app, http.MethodGet, "/runs/no-such-run", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRuns_FiltersByStatus(t *testing.T) {
	t.Parallel()

	app, store := setupTestApp(t)

	locked := createLockedVersion(t, app)

	for range 3 {
		resp := doJSON(t, app, http.MethodPost, "/runs", web.StartRunRequest{FlowVersionID: locked.ID})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp := doJSON(t, app, http.MethodGet, "/runs?project_id=acme&status=QUEUED&limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	page := decodeBody[struct {
		Runs []*models.ExecutionRun `json:"runs"`
	}](t, resp)
	assert.Len(t, page.Runs, 2)

	runs, err := store.Runs().ListRuns(t.Context(), persistence.ListRunsOptions{ProjectID: "acme"})
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	resp = doJSON(t, app, http.MethodGet, "/runs?limit=oops", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListPieces(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp := doJSON(t, app, http.MethodGet, "/pieces", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), `"http"`)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp := doJSON(t, app, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := readBody(t, resp)
	assert.Contains(t, body, `"status":"healthy"`)
	assert.Contains(t, body, `"depths"`)
}
