package flowfile_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pieceflow/pieceflow/pkg/cmd"
	"github.com/pieceflow/pieceflow/pkg/flow"
	"github.com/pieceflow/pieceflow/pkg/flowfile"
	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence/memory"
)

const orderSyncYAML = `
name: Order sync
flow_id: order-sync
project_id: acme
steps:
  - id: trigger
    name: Every five minutes
    kind: TRIGGER
    piece: {name: schedule, version: "0.1.0"}
    operation: cron
    input:
      expression: "*/5 * * * *"
    next_step: fetch
  - id: fetch
    name: Fetch orders
    kind: ACTION
    piece: {name: http, version: "0.3.0"}
    operation: request
    input:
      url: https://api.example.com/orders
    retry:
      max_attempts: 3
      initial_interval: 5s
      backoff_factor: 2
      max_interval: 1m
    next_step: check
  - id: check
    name: Any orders
    kind: BRANCH
    condition: "{{steps.fetch.body.count}}"
    true_branch: report
  - id: report
    name: Report
    kind: CODE
    source: "return { ok: true };"
`

func TestParseYAML(t *testing.T) {
	t.Parallel()

	definition, err := flowfile.Parse([]byte(orderSyncYAML))
	require.NoError(t, err)

	assert.Equal(t, "Order sync", definition.Name)
	assert.Equal(t, "order-sync", definition.FlowID)
	assert.Equal(t, "acme", definition.ProjectID)
	require.Len(t, definition.Steps, 4)

	trigger := definition.Steps[0]
	assert.Equal(t, models.StepKindTrigger, trigger.Kind)
	assert.Equal(t, models.PieceRef{Name: "schedule", Version: "0.1.0"}, trigger.Piece)
	assert.Equal(t, "cron", trigger.Operation)
	assert.Equal(t, "*/5 * * * *", trigger.Input["expression"])
	require.NotNil(t, trigger.NextStep)
	assert.Equal(t, "fetch", *trigger.NextStep)

	fetch := definition.Steps[1]
	require.NotNil(t, fetch.Retry)
	assert.Equal(t, 3, fetch.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Second, fetch.Retry.InitialInterval)
	assert.InDelta(t, 2.0, fetch.Retry.BackoffFactor, 0)
	assert.Equal(t, time.Minute, fetch.Retry.MaxInterval)

	check := definition.Steps[2]
	assert.Equal(t, models.StepKindBranch, check.Kind)
	assert.Equal(t, "{{steps.fetch.body.count}}", check.Condition)
	require.NotNil(t, check.TrueBranch)
	assert.Equal(t, "report", *check.TrueBranch)
	assert.Nil(t, check.FalseBranch)

	assert.Equal(t, "return { ok: true };", definition.Steps[3].Source)
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	doc := `{
		"name": "Ping",
		"project_id": "acme",
		"steps": [
			{"id": "trigger", "name": "Hook", "kind": "TRIGGER",
			 "piece": {"name": "webhook", "version": "0.1.0"}, "operation": "receive"}
		]
	}`

	definition, err := flowfile.Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "Ping", definition.Name)
	assert.Empty(t, definition.FlowID)
	require.Len(t, definition.Steps, 1)
	assert.Equal(t, "receive", definition.Steps[0].Operation)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	doc := `
name: Typo flow
project_id: acme
steps:
  - id: trigger
    name: Hook
    kind: TRIGGER
    nextstep: fetch
`

	_, err := flowfile.Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
}

func TestParseRejectsIncompleteDocuments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "missing name",
			doc:  "project_id: acme\nsteps: []\n",
			want: "no name",
		},
		{
			name: "missing project",
			doc:  "name: Order sync\nsteps: []\n",
			want: "no project_id",
		},
		{
			name: "not a mapping",
			doc:  "- just\n- a\n- list\n",
			want: "must be a mapping",
		},
		{
			name: "bad retry duration",
			doc: "name: Order sync\nproject_id: acme\nsteps:\n" +
				"  - id: fetch\n    name: Fetch\n    kind: ACTION\n" +
				"    retry: {initial_interval: fast}\n",
			want: `invalid initial_interval "fast"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := flowfile.Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateReportsGraphDefects(t *testing.T) {
	t.Parallel()

	doc := `
name: Broken
project_id: acme
steps:
  - id: trigger
    name: Hook
    kind: TRIGGER
    piece: {name: webhook, version: "0.1.0"}
    operation: receive
    next_step: missing
`

	definition, err := flowfile.Parse([]byte(doc))
	require.NoError(t, err)

	err = definition.Validate(nil)
	require.Error(t, err)

	var graphErr *flow.GraphError

	require.ErrorAs(t, err, &graphErr)
	assert.Equal(t, flow.GraphCodeDanglingEdge, graphErr.Code)
	assert.Equal(t, "trigger", graphErr.StepID)
}

func TestSeedNumbersVersions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	flows := memory.NewPersistence().Flows()

	definition, err := flowfile.Parse([]byte(orderSyncYAML))
	require.NoError(t, err)

	first, err := flowfile.Seed(ctx, flows, definition, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.True(t, first.Locked())

	second, err := flowfile.Seed(ctx, flows, definition, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	assert.False(t, second.Locked())
	assert.NotEqual(t, first.ID, second.ID)

	versions, err := flows.VersionsByFlow(ctx, "order-sync")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestSeedRejectsInvalidGraphs(t *testing.T) {
	t.Parallel()

	definition := &flowfile.Definition{
		Name:      "No trigger",
		ProjectID: "acme",
		Steps: []*models.Step{
			{ID: "fetch", Name: "Fetch", Kind: models.StepKindAction,
				Piece: models.PieceRef{Name: "http", Version: "0.3.0"}, Operation: "request"},
		},
	}

	flows := memory.NewPersistence().Flows()

	_, err := flowfile.Seed(context.Background(), flows, definition, nil, true)
	require.Error(t, err)

	var graphErr *flow.GraphError

	require.ErrorAs(t, err, &graphErr)
	assert.Equal(t, flow.GraphCodeNoTrigger, graphErr.Code)
}

func TestExampleFlowsAreValid(t *testing.T) {
	t.Parallel()

	definitions, err := flowfile.LoadDir(filepath.Join("..", "..", "examples", "flows"))
	require.NoError(t, err)
	require.NotEmpty(t, definitions)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := cmd.NewRegistry(logger)

	for _, definition := range definitions {
		require.NoError(t, definition.Validate(registry), "example flow %q", definition.Name)
	}
}

func TestLoadDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writeFile := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}

	writeFile("b-ping.yaml", "name: Ping\nproject_id: acme\nsteps: []\n")
	writeFile("a-orders.yaml", orderSyncYAML)
	writeFile("README.txt", "not a flow\n")

	definitions, err := flowfile.LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, definitions, 2)
	assert.Equal(t, "Order sync", definitions[0].Name)
	assert.Equal(t, "Ping", definitions[1].Name)
}
