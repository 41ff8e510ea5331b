package spur

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// httpClient is shared by all http_request executions; per-call deadlines
// come from the run context.
var httpClient = &http.Client{Timeout: 60 * time.Second}

func httpRequestNodeType() NodeType {
	return NodeType{
		Name:     "http_request",
		Category: CategoryIntegration,
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string"},
				"method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
				"headers": {"type": "object", "additionalProperties": {"type": "string"}},
				"body_template": {"type": "string"}
			},
			"required": ["url"]
		}`),
		InputSchema:    FixedSchema(json.RawMessage(`{"type":"object"}`)),
		OutputSchema:   FixedSchema(json.RawMessage(`{"type":"object","properties":{"status_code":{"type":"integer"},"body":{"type":"string"}},"required":["status_code","body"]}`)),
		Visual:         VisualTag{Acronym: "HTTP", Color: "#0d9488"},
		HasFixedOutput: true,
		New:            func() NodeExecutor { return httpRequestNode{} },
	}
}

// httpRequestNode performs one HTTP round trip. URL, headers, and body are
// template-resolved against the node's inputs. Non-2xx responses are still
// outputs, not errors; downstream routers decide what a 500 means.
type httpRequestNode struct{}

func (httpRequestNode) Execute(ctx context.Context, ec *ExecContext, config map[string]any, inputs map[string]any) (map[string]any, error) {
	rawURL, _ := config["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("http_request: config.url is required")
	}
	url := ResolveTemplate(rawURL, inputs)

	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if tmpl, ok := config["body_template"].(string); ok && tmpl != "" {
		body = strings.NewReader(ResolveTemplate(tmpl, inputs))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("http_request: %w", err)
	}
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, ResolveTemplate(s, inputs))
			}
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http_request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("http_request: read body: %w", err)
	}

	ec.Logger.Debug("http request done", "node", ec.NodeTitle, "method", method, "status", resp.StatusCode)
	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(data),
	}, nil
}
