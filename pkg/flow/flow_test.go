package flow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pieceflow/pieceflow/pkg/models"
)

func ref(id string) *string { return &id }

func trigger(next string) *models.Step {
	step := &models.Step{ID: "trigger", Name: "Trigger", Kind: models.StepKindTrigger}
	if next != "" {
		step.NextStep = ref(next)
	}

	return step
}

func action(id, next string) *models.Step {
	step := &models.Step{
		ID:        id,
		Name:      id,
		Kind:      models.StepKindAction,
		Piece:     models.PieceRef{Name: "http", Version: "0.3.0"},
		Operation: "request",
	}
	if next != "" {
		step.NextStep = ref(next)
	}

	return step
}

func version(steps ...*models.Step) *models.FlowVersion {
	return &models.FlowVersion{
		ID:        "fv-1",
		FlowID:    "flow-1",
		ProjectID: "proj-1",
		Name:      "test flow",
		Version:   1,
		State:     models.FlowVersionStateDraft,
		Steps:     steps,
	}
}

type stubPieces map[string]bool

func (s stubPieces) HasPiece(ref models.PieceRef) bool {
	return s[ref.String()]
}

func TestValidate_LinearFlow(t *testing.T) {
	t.Parallel()

	flow := version(
		trigger("fetch"),
		action("fetch", "store"),
		action("store", ""),
	)

	require.NoError(t, Validate(flow, nil))
}

func TestValidate_BranchWithJoin(t *testing.T) {
	t.Parallel()

	branch := &models.Step{
		ID:          "fork",
		Name:        "fork",
		Kind:        models.StepKindBranch,
		Condition:   "{{trigger.paid}}",
		TrueBranch:  ref("notify"),
		FalseBranch: ref("remind"),
	}

	flow := version(
		trigger("fork"),
		branch,
		action("notify", "store"),
		action("remind", "store"),
		action("store", ""),
	)

	require.NoError(t, Validate(flow, nil))
}

func TestValidate_Defects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		flow     *models.FlowVersion
		wantCode string
	}{
		{
			name:     "no steps",
			flow:     version(),
			wantCode: GraphCodeNoTrigger,
		},
		{
			name:     "no trigger",
			flow:     version(action("a", "")),
			wantCode: GraphCodeNoTrigger,
		},
		{
			name: "two triggers",
			flow: version(
				trigger("second"),
				&models.Step{ID: "second", Name: "second", Kind: models.StepKindTrigger},
			),
			wantCode: GraphCodeMultipleTriggers,
		},
		{
			name: "duplicate step id",
			flow: version(
				trigger("a"),
				action("a", ""),
				action("a", ""),
			),
			wantCode: GraphCodeDuplicateStep,
		},
		{
			name: "dangling edge",
			flow: version(
				trigger("a"),
				action("a", "missing"),
			),
			wantCode: GraphCodeDanglingEdge,
		},
		{
			name: "cycle",
			flow: version(
				trigger("a"),
				action("a", "b"),
				action("b", "a"),
			),
			wantCode: GraphCodeCycle,
		},
		{
			name: "self loop",
			flow: version(
				trigger("a"),
				action("a", "a"),
			),
			wantCode: GraphCodeCycle,
		},
		{
			name: "unreachable step",
			flow: version(
				trigger("a"),
				action("a", ""),
				action("island", ""),
			),
			wantCode: GraphCodeUnreachable,
		},
		{
			name: "edge back to trigger",
			flow: version(
				trigger("a"),
				action("a", "trigger"),
			),
			wantCode: GraphCodeInvalidStep,
		},
		{
			name: "action without piece",
			flow: version(
				trigger("a"),
				&models.Step{ID: "a", Name: "a", Kind: models.StepKindAction, Operation: "request"},
			),
			wantCode: GraphCodeInvalidStep,
		},
		{
			name: "action without operation",
			flow: version(
				trigger("a"),
				&models.Step{
					ID: "a", Name: "a", Kind: models.StepKindAction,
					Piece: models.PieceRef{Name: "http", Version: "0.3.0"},
				},
			),
			wantCode: GraphCodeInvalidStep,
		},
		{
			name: "branch without condition",
			flow: version(
				trigger("a"),
				&models.Step{ID: "a", Name: "a", Kind: models.StepKindBranch, TrueBranch: ref("b")},
				action("b", ""),
			),
			wantCode: GraphCodeInvalidStep,
		},
		{
			name: "branch with next_step",
			flow: version(
				trigger("a"),
				&models.Step{
					ID: "a", Name: "a", Kind: models.StepKindBranch,
					Condition: "{{trigger.x}}", TrueBranch: ref("b"), NextStep: ref("b"),
				},
				action("b", ""),
			),
			wantCode: GraphCodeInvalidStep,
		},
		{
			name: "loop without items",
			flow: version(
				trigger("a"),
				&models.Step{ID: "a", Name: "a", Kind: models.StepKindLoop, Body: ref("b")},
				action("b", ""),
			),
			wantCode: GraphCodeInvalidStep,
		},
		{
			name: "router without routes",
			flow: version(
				trigger("a"),
				&models.Step{ID: "a", Name: "a", Kind: models.StepKindRouter},
			),
			wantCode: GraphCodeInvalidStep,
		},
		{
			name: "route without guard",
			flow: version(
				trigger("a"),
				&models.Step{
					ID: "a", Name: "a", Kind: models.StepKindRouter,
					Routes: []models.Route{{Label: "first", NextStep: ref("b")}},
				},
				action("b", ""),
			),
			wantCode: GraphCodeInvalidStep,
		},
		{
			name: "code without source",
			flow: version(
				trigger("a"),
				&models.Step{ID: "a", Name: "a", Kind: models.StepKindCode},
			),
			wantCode: GraphCodeInvalidStep,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := Validate(tt.flow, nil)
			require.Error(t, err)

			var graphErr *GraphError

			require.ErrorAs(t, err, &graphErr)
			assert.Equal(t, tt.wantCode, graphErr.Code)
		})
	}
}

func TestValidate_PieceResolution(t *testing.T) {
	t.Parallel()

	flow := version(
		trigger("fetch"),
		action("fetch", ""),
	)

	require.NoError(t, Validate(flow, stubPieces{"http@0.3.0": true}))

	err := Validate(flow, stubPieces{})
	require.Error(t, err)

	var graphErr *GraphError

	require.True(t, errors.As(err, &graphErr))
	assert.Equal(t, GraphCodeUnknownPiece, graphErr.Code)
	assert.Equal(t, "fetch", graphErr.StepID)
}

func TestFirstStep(t *testing.T) {
	t.Parallel()

	flow := version(
		action("a", ""),
		trigger("a"),
	)

	first := FirstStep(flow)
	require.NotNil(t, first)
	assert.Equal(t, "trigger", first.ID)

	assert.Nil(t, FirstStep(version(action("a", ""))))
}

func TestEdges(t *testing.T) {
	t.Parallel()

	loop := &models.Step{
		ID:       "loop",
		Kind:     models.StepKindLoop,
		Items:    "{{trigger.items}}",
		Body:     ref("body"),
		NextStep: ref("after"),
	}
	assert.Equal(t, []string{"body", "after"}, Edges(loop))

	router := &models.Step{
		ID:   "router",
		Kind: models.StepKindRouter,
		Routes: []models.Route{
			{Label: "a", Guard: "{{x}}", NextStep: ref("ra")},
			{Label: "b", Guard: "{{y}}"},
			{Label: "c", Guard: "{{z}}", NextStep: ref("rc")},
		},
	}
	assert.Equal(t, []string{"ra", "rc"}, Edges(router))

	assert.Empty(t, Edges(action("a", "")))
}

func TestTopologicalOrder_Deterministic(t *testing.T) {
	t.Parallel()

	branch := &models.Step{
		ID:          "fork",
		Name:        "fork",
		Kind:        models.StepKindBranch,
		Condition:   "{{trigger.paid}}",
		TrueBranch:  ref("left"),
		FalseBranch: ref("right"),
	}

	flow := version(
		trigger("fork"),
		branch,
		action("right", "join"),
		action("left", "join"),
		action("join", ""),
	)

	order, err := TopologicalOrder(flow)
	require.NoError(t, err)

	ids := make([]string, 0, len(order))
	for _, step := range order {
		ids = append(ids, step.ID)
	}

	// Among ready steps the one declared first wins, so "right" precedes
	// "left" here.
	assert.Equal(t, []string{"trigger", "fork", "right", "left", "join"}, ids)
}

func TestTopologicalOrder_Cycle(t *testing.T) {
	t.Parallel()

	flow := version(
		trigger("a"),
		action("a", "b"),
		action("b", "a"),
	)

	_, err := TopologicalOrder(flow)
	require.Error(t, err)

	var graphErr *GraphError

	require.ErrorAs(t, err, &graphErr)
	assert.Equal(t, GraphCodeCycle, graphErr.Code)
}

func TestReachable(t *testing.T) {
	t.Parallel()

	flow := version(
		trigger("a"),
		action("a", "b"),
		action("b", ""),
		action("island", ""),
	)

	reachable := Reachable(flow, "trigger")
	assert.Len(t, reachable, 3)
	assert.Contains(t, reachable, "b")
	assert.NotContains(t, reachable, "island")

	assert.Empty(t, Reachable(flow, "missing"))
}

func TestSkippedSteps_UntakenBranchArm(t *testing.T) {
	t.Parallel()

	branch := &models.Step{
		ID:          "fork",
		Name:        "fork",
		Kind:        models.StepKindBranch,
		Condition:   "{{trigger.paid}}",
		TrueBranch:  ref("t1"),
		FalseBranch: ref("f1"),
	}

	flow := version(
		trigger("fork"),
		branch,
		action("t1", "join"),
		action("f1", "f2"),
		action("f2", "join"),
		action("join", ""),
	)

	skipped := SkippedSteps(flow, "t1", []string{"f1"})
	assert.Equal(t, []string{"f1", "f2"}, skipped)

	skipped = SkippedSteps(flow, "f1", []string{"t1"})
	assert.Equal(t, []string{"t1"}, skipped)
}

func TestSkippedSteps_NothingTaken(t *testing.T) {
	t.Parallel()

	router := &models.Step{
		ID:   "route",
		Name: "route",
		Kind: models.StepKindRouter,
		Routes: []models.Route{
			{Label: "a", Guard: "{{trigger.a}}", NextStep: ref("ra")},
			{Label: "b", Guard: "{{trigger.b}}", NextStep: ref("rb")},
		},
	}

	flow := version(
		trigger("route"),
		router,
		action("ra", "shared"),
		action("rb", "shared"),
		action("shared", ""),
	)

	skipped := SkippedSteps(flow, "", []string{"ra", "rb"})
	assert.Equal(t, []string{"ra", "rb", "shared"}, skipped)
}
