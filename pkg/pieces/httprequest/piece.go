// Package httprequest is the HTTP piece: a request action for flow
// steps and a polling trigger that turns a JSON endpoint into run
// admissions.
package httprequest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ohler55/ojg/jp"

	"github.com/pieceflow/pieceflow/pkg/piece"
)

const (
	// Name and Version identify the piece in the catalog.
	Name    = "http"
	Version = "0.3.0"

	defaultTimeout = 30 * time.Second
	maxResponseMB  = 8
)

// Piece performs HTTP requests with resolved input. Expression
// resolution happens before invocation, so the input arrives literal.
type Piece struct {
	client *http.Client
}

// New builds the piece around an optional client. Nil selects a default
// client without a timeout; per-request deadlines come from the input
// and the invocation context.
func New(client *http.Client) *Piece {
	if client == nil {
		client = &http.Client{}
	}

	return &Piece{client: client}
}

func (p *Piece) Definition() piece.Definition {
	return piece.Definition{
		Metadata: piece.Metadata{
			Name:        Name,
			Version:     Version,
			DisplayName: "HTTP",
			Description: "Send HTTP requests and poll JSON endpoints.",
		},
		Actions: []piece.Operation{
			{
				Name:        "request",
				DisplayName: "Send Request",
				Description: "Sends an HTTP request and returns status, headers and the parsed body.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"method": map[string]any{
							"type": "string",
							"enum": []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"},
						},
						"url": map[string]any{
							"type":   "string",
							"format": "uri",
						},
						"headers": map[string]any{
							"type": "object",
						},
						"body": map[string]any{
							"description": "String bodies are sent as-is, everything else as JSON.",
						},
						"timeout_seconds": map[string]any{
							"type":    "number",
							"minimum": 0,
						},
					},
					"required": []string{"url"},
				},
			},
		},
		Triggers: []piece.TriggerSpec{
			{
				Name:        "poll",
				Kind:        piece.TriggerKindPolling,
				Description: "Fetches a JSON endpoint and emits one item per array element.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"url": map[string]any{
							"type":   "string",
							"format": "uri",
						},
						"items_path": map[string]any{
							"type":        "string",
							"description": "JSONPath to the item array inside the response body. Empty expects the body itself to be an array.",
						},
						"headers": map[string]any{
							"type": "object",
						},
						"interval_seconds": map[string]any{
							"type":        "number",
							"minimum":     1,
							"description": "Seconds between polls. The ingress default applies when omitted.",
						},
					},
					"required": []string{"url"},
				},
			},
		},
	}
}

func (p *Piece) Run(ctx context.Context, req piece.Request, logger *slog.Logger) (any, error) {
	switch req.Operation {
	case "request":
		return p.request(ctx, req, logger)
	case "poll":
		return p.poll(ctx, req, logger)
	default:
		return nil, &piece.InvocationError{
			Kind:    piece.FailureRuntime,
			Message: fmt.Sprintf("http piece has no operation %q", req.Operation),
		}
	}
}

func (p *Piece) request(ctx context.Context, req piece.Request, logger *slog.Logger) (any, error) {
	url, _ := req.Input["url"].(string)
	if url == "" {
		return nil, &piece.InvocationError{Kind: piece.FailureRuntime, Message: "missing request url"}
	}

	method, _ := req.Input["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	method = strings.ToUpper(method)

	body, err := requestBody(req.Input["body"])
	if err != nil {
		return nil, &piece.InvocationError{Kind: piece.FailureRuntime, Message: err.Error()}
	}

	if seconds, ok := req.Input["timeout_seconds"].(float64); ok && seconds > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, time.Duration(seconds*float64(time.Second)))
		defer cancel()
	} else if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &piece.InvocationError{
			Kind:    piece.FailureRuntime,
			Message: fmt.Sprintf("failed to build request: %v", err),
		}
	}

	setHeaders(httpReq, req.Input)

	if _, isString := req.Input["body"].(string); !isString && req.Input["body"] != nil {
		if httpReq.Header.Get("Content-Type") == "" {
			httpReq.Header.Set("Content-Type", "application/json")
		}
	}

	logger.DebugContext(ctx, "Sending HTTP request", "method", method, "url", url)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &piece.InvocationError{
				Kind:    piece.FailureTimeout,
				Message: fmt.Sprintf("request to %s timed out", url),
			}
		}

		return nil, &piece.InvocationError{
			Kind:    piece.FailureRuntime,
			Message: fmt.Sprintf("request failed: %v", err),
		}
	}

	result, err := readResponse(resp)
	if err != nil {
		return nil, err
	}

	// Server errors surface as runtime failures so the step's retry
	// policy applies; client errors are the flow's business.
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &piece.InvocationError{
			Kind:    piece.FailureRuntime,
			Message: fmt.Sprintf("server error: %s returned status %d", url, resp.StatusCode),
		}
	}

	logger.DebugContext(ctx, "HTTP request completed", "status", resp.StatusCode, "url", url)

	return result, nil
}

func (p *Piece) poll(ctx context.Context, req piece.Request, logger *slog.Logger) (any, error) {
	pollReq := req
	pollReq.Operation = "request"

	output, err := p.request(ctx, pollReq, logger)
	if err != nil {
		return nil, err
	}

	result, ok := output.(map[string]any)
	if !ok {
		return []any{}, nil
	}

	body := result["body"]

	if pathExpr, _ := req.Input["items_path"].(string); pathExpr != "" {
		path, parseErr := jp.ParseString(pathExpr)
		if parseErr != nil {
			return nil, &piece.InvocationError{
				Kind:    piece.FailureRuntime,
				Message: fmt.Sprintf("invalid items_path %q: %v", pathExpr, parseErr),
			}
		}

		found := path.Get(body)
		switch len(found) {
		case 0:
			return []any{}, nil
		case 1:
			body = found[0]
		default:
			items := make([]any, len(found))
			copy(items, found)

			return items, nil
		}
	}

	items, ok := body.([]any)
	if !ok {
		return nil, &piece.InvocationError{
			Kind:    piece.FailureRuntime,
			Message: "poll response is not an item array",
		}
	}

	return items, nil
}

func requestBody(input any) (io.Reader, error) {
	switch body := input.(type) {
	case nil:
		return nil, nil
	case string:
		if body == "" {
			return nil, nil
		}

		return strings.NewReader(body), nil
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}

		return strings.NewReader(string(encoded)), nil
	}
}

func setHeaders(httpReq *http.Request, input map[string]any) {
	headers, ok := input["headers"].(map[string]any)
	if !ok {
		return
	}

	for key, value := range headers {
		httpReq.Header.Set(key, fmt.Sprintf("%v", value))
	}
}

func readResponse(resp *http.Response) (map[string]any, error) {
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseMB<<20))
	if err != nil {
		return nil, &piece.InvocationError{
			Kind:    piece.FailureRuntime,
			Message: fmt.Sprintf("failed to read response body: %v", err),
		}
	}

	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		body = string(raw)
	}

	headers := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        body,
		"headers":     headers,
	}, nil
}
