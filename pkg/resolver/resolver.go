// Package resolver evaluates the expressions embedded in step inputs
// against the accumulated execution context. Expressions are path lookups
// wrapped in double braces, resolved against the context view whose roots
// are "trigger", "steps.<id>", "run", and the loop scope ("item",
// "index"):
//
//	{{steps.fetch.body.items[0].name}}
//	{{trigger.order_id}}
//	Order {{trigger.order_id}} shipped
//
// A string that is exactly one expression resolves to the typed value at
// that path. A string mixing literal text and expressions interpolates:
// each value is rendered by the coercion table below and spliced in.
// Resolution is pure: it never invokes a piece and a missing path yields
// nil, not an error.
//
// Coercion table for interpolation (and for nothing else):
//
//	nil            -> ""
//	string         -> unchanged
//	bool           -> "true" / "false"
//	integer kinds  -> base-10 digits
//	float kinds    -> shortest decimal, no exponent (strconv 'f', -1)
//	everything else-> compact JSON, map keys sorted
package resolver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/pieceflow/pieceflow/pkg/models"
)

// Error is a failed resolution. Code is one of models.ErrCodeResolution
// and models.ErrCodeMissingInput.
type Error struct {
	Code       string
	Expression string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %q: %s", e.Code, e.Expression, e.Message)
}

const (
	openMarker  = "{{"
	closeMarker = "}}"
)

// jsonOptions keeps interpolated JSON deterministic across runs.
var jsonOptions = oj.Options{Sort: true}

// Resolve evaluates the expression string against the execution context.
// Plain strings pass through unchanged.
func Resolve(input string, execCtx *models.ExecutionContext) (any, error) {
	if !strings.Contains(input, openMarker) {
		return input, nil
	}

	data := execCtx.Data()

	if expr, sole := soleExpression(input); sole {
		return lookup(expr, data)
	}

	var out strings.Builder

	rest := input

	for {
		open := strings.Index(rest, openMarker)
		if open < 0 {
			out.WriteString(rest)

			break
		}

		out.WriteString(rest[:open])
		rest = rest[open+len(openMarker):]

		closing := strings.Index(rest, closeMarker)
		if closing < 0 {
			return nil, &Error{
				Code:       models.ErrCodeResolution,
				Expression: input,
				Message:    "unclosed expression",
			}
		}

		value, err := lookup(rest[:closing], data)
		if err != nil {
			return nil, err
		}

		out.WriteString(coerceString(value))
		rest = rest[closing+len(closeMarker):]
	}

	return out.String(), nil
}

// Require resolves an expression that must produce a value. A nil result
// is reported as MissingRequiredInput instead of passing through.
func Require(input string, execCtx *models.ExecutionContext) (any, error) {
	value, err := Resolve(input, execCtx)
	if err != nil {
		return nil, err
	}

	if value == nil {
		return nil, &Error{
			Code:       models.ErrCodeMissingInput,
			Expression: input,
			Message:    "required expression resolved to nothing",
		}
	}

	return value, nil
}

// ResolveInput resolves every string found in the input map, descending
// into nested maps and lists. Non-string values pass through untouched.
func ResolveInput(input map[string]any, execCtx *models.ExecutionContext) (map[string]any, error) {
	if input == nil {
		return map[string]any{}, nil
	}

	resolved := make(map[string]any, len(input))

	for key, value := range input {
		out, err := resolveValue(value, execCtx)
		if err != nil {
			return nil, err
		}

		resolved[key] = out
	}

	return resolved, nil
}

func resolveValue(value any, execCtx *models.ExecutionContext) (any, error) {
	switch typed := value.(type) {
	case string:
		return Resolve(typed, execCtx)
	case map[string]any:
		return ResolveInput(typed, execCtx)
	case []any:
		resolved := make([]any, len(typed))

		for i, element := range typed {
			out, err := resolveValue(element, execCtx)
			if err != nil {
				return nil, err
			}

			resolved[i] = out
		}

		return resolved, nil
	default:
		return value, nil
	}
}

// Truthy maps a resolved value onto the boolean used by branch conditions
// and router guards:
//
//	nil        -> false
//	bool       -> the value
//	numbers    -> value != 0
//	string     -> non-empty, and not "false" or "0"
//	list / map -> non-empty
//	otherwise  -> true
func Truthy(value any) bool {
	switch typed := value.(type) {
	case nil:
		return false
	case bool:
		return typed
	case string:
		return typed != "" && !strings.EqualFold(typed, "false") && typed != "0"
	case int:
		return typed != 0
	case int32:
		return typed != 0
	case int64:
		return typed != 0
	case uint64:
		return typed != 0
	case float32:
		return typed != 0
	case float64:
		return typed != 0
	case []any:
		return len(typed) > 0
	case map[string]any:
		return len(typed) > 0
	default:
		return true
	}
}

// soleExpression reports whether the input is exactly one expression,
// ignoring surrounding whitespace, and returns its inner path.
func soleExpression(input string) (string, bool) {
	trimmed := strings.TrimSpace(input)
	if !strings.HasPrefix(trimmed, openMarker) || !strings.HasSuffix(trimmed, closeMarker) {
		return "", false
	}

	inner := trimmed[len(openMarker) : len(trimmed)-len(closeMarker)]
	if strings.Contains(inner, openMarker) || strings.Contains(inner, closeMarker) {
		return "", false
	}

	return inner, true
}

// lookup evaluates one path expression against the context data. Missing
// paths yield nil; a path that matches several values (wildcards) yields
// the list of matches.
func lookup(expr string, data map[string]any) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, &Error{
			Code:       models.ErrCodeResolution,
			Expression: expr,
			Message:    "empty expression",
		}
	}

	path, err := jp.ParseString(expr)
	if err != nil {
		return nil, &Error{
			Code:       models.ErrCodeResolution,
			Expression: expr,
			Message:    "invalid path: " + err.Error(),
		}
	}

	results := path.Get(data)

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func coerceString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case int:
		return strconv.Itoa(typed)
	case int32:
		return strconv.FormatInt(int64(typed), 10)
	case int64:
		return strconv.FormatInt(typed, 10)
	case uint64:
		return strconv.FormatUint(typed, 10)
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	default:
		return oj.JSON(typed, &jsonOptions)
	}
}
