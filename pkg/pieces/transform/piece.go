// Package transform is the template piece: it renders a text/template
// against resolved input and coerces the rendered text back into
// structured data. Templates use [[ ]] delimiters so they pass through
// flow expression resolution untouched.
package transform

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/pieceflow/pieceflow/pkg/piece"
)

const (
	Name    = "transform"
	Version = "0.2.0"
)

type Piece struct{}

func New() *Piece {
	return &Piece{}
}

func (p *Piece) Definition() piece.Definition {
	return piece.Definition{
		Metadata: piece.Metadata{
			Name:        Name,
			Version:     Version,
			DisplayName: "Transform",
			Description: "Render a template over structured data.",
		},
		Actions: []piece.Operation{
			{
				Name:        "render",
				DisplayName: "Render Template",
				Description: "Renders a Go text/template with the given data and parses the result as JSON, number, boolean or string.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"template": map[string]any{
							"type":        "string",
							"format":      "code",
							"description": "Go text/template using [[ ]] delimiters, e.g. [[ .name ]].",
						},
						"data": map[string]any{
							"description": "Value bound to the template's dot. Usually an expression over trigger or step outputs.",
						},
					},
					"required": []string{"template"},
				},
			},
		},
	}
}

func (p *Piece) Run(ctx context.Context, req piece.Request, logger *slog.Logger) (any, error) {
	if req.Operation != "render" {
		return nil, &piece.InvocationError{
			Kind:    piece.FailureRuntime,
			Message: fmt.Sprintf("transform piece has no operation %q", req.Operation),
		}
	}

	source, _ := req.Input["template"].(string)
	if source == "" {
		return nil, &piece.InvocationError{Kind: piece.FailureRuntime, Message: "missing template"}
	}

	tmpl, err := template.New("render").Delims("[[", "]]").Funcs(templateFuncs()).Parse(source)
	if err != nil {
		return nil, &piece.InvocationError{
			Kind:    piece.FailureRuntime,
			Message: fmt.Sprintf("invalid template: %v", err),
		}
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, req.Input["data"]); err != nil {
		return nil, &piece.InvocationError{
			Kind:    piece.FailureRuntime,
			Message: fmt.Sprintf("template execution failed: %v", err),
		}
	}

	logger.DebugContext(ctx, "Template rendered", "bytes", buf.Len())

	return coerce(strings.TrimSpace(buf.String()))
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"now": func() string {
			return time.Now().UTC().Format(time.RFC3339)
		},
		"rand": func(max int) int {
			if max <= 0 {
				return 0
			}

			num := make([]byte, 1)
			if _, err := rand.Read(num); err != nil {
				return 0
			}

			return int(num[0]) % max
		},
		"json": func(value any) (string, error) {
			encoded, err := json.Marshal(value)
			if err != nil {
				return "", err
			}

			return string(encoded), nil
		},
	}
}

// coerce turns rendered text back into a value: JSON objects and arrays
// parse structurally, then numbers, then booleans, everything else
// stays a string. Output that looks like JSON but does not parse is an
// error rather than a silently mangled string.
func coerce(rendered string) (any, error) {
	if (strings.HasPrefix(rendered, "{") && strings.HasSuffix(rendered, "}")) ||
		(strings.HasPrefix(rendered, "[") && strings.HasSuffix(rendered, "]")) {
		var parsed any
		if err := json.Unmarshal([]byte(rendered), &parsed); err != nil {
			return nil, &piece.InvocationError{
				Kind:    piece.FailureRuntime,
				Message: fmt.Sprintf("rendered output is not valid JSON: %v", err),
			}
		}

		return parsed, nil
	}

	if num, err := strconv.ParseFloat(rendered, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(rendered); err == nil {
		return b, nil
	}

	return rendered, nil
}
