package resolver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pieceflow/pieceflow/pkg/models"
)

func testContext() *models.ExecutionContext {
	execCtx := models.NewExecutionContext("run-1", "fv-1", "proj-1", map[string]any{
		"order_id": "ord-77",
		"paid":     true,
		"order": map[string]any{
			"items": []any{
				map[string]any{"name": "widget", "qty": 2},
				map[string]any{"name": "gadget", "qty": 1},
			},
		},
	})

	execCtx.SetOutput("fetch", map[string]any{
		"status_code": 200,
		"body": map[string]any{
			"total": 12.5,
			"empty": nil,
		},
	})

	return execCtx
}

func TestResolve_PlainStringPassesThrough(t *testing.T) {
	t.Parallel()

	value, err := Resolve("no expressions here", testContext())
	require.NoError(t, err)
	assert.Equal(t, "no expressions here", value)
}

func TestResolve_SoleExpressionKeepsType(t *testing.T) {
	t.Parallel()

	execCtx := testContext()

	tests := []struct {
		name       string
		expression string
		want       any
	}{
		{"int output", "{{steps.fetch.status_code}}", 200},
		{"float output", "{{steps.fetch.body.total}}", 12.5},
		{"bool from trigger", "{{trigger.paid}}", true},
		{"indexed path", "{{trigger.order.items[1].name}}", "gadget"},
		{"run metadata", "{{run.id}}", "run-1"},
		{"whitespace around expression", "  {{trigger.order_id}} ", "ord-77"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			value, err := Resolve(tt.expression, execCtx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, value)
		})
	}
}

func TestResolve_MissingPathYieldsNil(t *testing.T) {
	t.Parallel()

	value, err := Resolve("{{steps.nope.field}}", testContext())
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestResolve_Interpolation(t *testing.T) {
	t.Parallel()

	execCtx := testContext()

	tests := []struct {
		name       string
		expression string
		want       string
	}{
		{
			name:       "mixed text and values",
			expression: "order {{trigger.order_id}} returned {{steps.fetch.status_code}}",
			want:       "order ord-77 returned 200",
		},
		{
			name:       "bool and float coercion",
			expression: "paid={{trigger.paid}} total={{steps.fetch.body.total}}",
			want:       "paid=true total=12.5",
		},
		{
			name:       "missing value renders empty",
			expression: "tag:{{steps.fetch.body.empty}}.",
			want:       "tag:.",
		},
		{
			name:       "structured value renders as json",
			expression: "first={{trigger.order.items[0]}}",
			want:       `first={"name":"widget","qty":2}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			value, err := Resolve(tt.expression, execCtx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, value)
		})
	}
}

func TestResolve_WildcardCollectsMatches(t *testing.T) {
	t.Parallel()

	value, err := Resolve("{{trigger.order.items[*].name}}", testContext())
	require.NoError(t, err)
	assert.Equal(t, []any{"widget", "gadget"}, value)
}

func TestResolve_BracketKey(t *testing.T) {
	t.Parallel()

	execCtx := testContext()
	execCtx.SetOutput("my-step", map[string]any{"ok": true})

	value, err := Resolve("{{steps['my-step'].ok}}", execCtx)
	require.NoError(t, err)
	assert.Equal(t, true, value)
}

func TestResolve_LoopScope(t *testing.T) {
	t.Parallel()

	execCtx := testContext()
	execCtx.SetScope("item", map[string]any{"sku": "A-1"})
	execCtx.SetScope("index", 3)

	value, err := Resolve("{{item.sku}}/{{index}}", execCtx)
	require.NoError(t, err)
	assert.Equal(t, "A-1/3", value)
}

func TestResolve_Errors(t *testing.T) {
	t.Parallel()

	execCtx := testContext()

	tests := []struct {
		name       string
		expression string
	}{
		{"unclosed expression", "order {{trigger.order_id"},
		{"empty expression", "{{}}"},
		{"invalid path", "{{trigger.order.items[}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Resolve(tt.expression, execCtx)
			require.Error(t, err)

			var resErr *Error

			require.ErrorAs(t, err, &resErr)
			assert.Equal(t, models.ErrCodeResolution, resErr.Code)
		})
	}
}

func TestRequire(t *testing.T) {
	t.Parallel()

	execCtx := testContext()

	value, err := Require("{{trigger.order_id}}", execCtx)
	require.NoError(t, err)
	assert.Equal(t, "ord-77", value)

	_, err = Require("{{steps.nope.field}}", execCtx)
	require.Error(t, err)

	var resErr *Error

	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, models.ErrCodeMissingInput, resErr.Code)
}

func TestResolveInput_Deep(t *testing.T) {
	t.Parallel()

	execCtx := testContext()

	input := map[string]any{
		"url":    "https://api.example.com/orders/{{trigger.order_id}}",
		"status": "{{steps.fetch.status_code}}",
		"retry":  3,
		"headers": map[string]any{
			"x-paid": "{{trigger.paid}}",
		},
		"tags": []any{"static", "{{trigger.order_id}}"},
	}

	resolved, err := ResolveInput(input, execCtx)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/orders/ord-77", resolved["url"])
	assert.Equal(t, 200, resolved["status"])
	assert.Equal(t, 3, resolved["retry"])
	assert.Equal(t, map[string]any{"x-paid": "true"}, resolved["headers"])
	assert.Equal(t, []any{"static", "ord-77"}, resolved["tags"])
}

func TestResolveInput_Nil(t *testing.T) {
	t.Parallel()

	resolved, err := ResolveInput(nil, testContext())
	require.NoError(t, err)
	assert.Empty(t, resolved)
}

func TestTruthy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value any
		want  bool
	}{
		{"nil", nil, false},
		{"true", true, true},
		{"false", false, false},
		{"zero int", 0, false},
		{"int", 7, true},
		{"zero float", 0.0, false},
		{"float", 0.1, true},
		{"empty string", "", false},
		{"false string", "false", false},
		{"FALSE string", "FALSE", false},
		{"zero string", "0", false},
		{"string", "yes", true},
		{"empty list", []any{}, false},
		{"list", []any{1}, true},
		{"empty map", map[string]any{}, false},
		{"map", map[string]any{"a": 1}, true},
		{"struct value", struct{}{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, Truthy(tt.value))
		})
	}
}
