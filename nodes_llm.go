package spur

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const defaultAgentMaxIter = 10

func llmCallNodeType() NodeType {
	return NodeType{
		Name:     "llm_call",
		Category: CategoryLLM,
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"model": {"type": "string"},
				"system_prompt": {"type": "string"},
				"user_template": {"type": "string"}
			},
			"required": ["user_template"]
		}`),
		InputSchema:    FixedSchema(json.RawMessage(`{"type":"object"}`)),
		OutputSchema:   FixedSchema(json.RawMessage(`{"type":"object","properties":{"response":{"type":"string"}},"required":["response"]}`)),
		Visual:         VisualTag{Acronym: "LLM", Color: "#dc2626"},
		HasFixedOutput: true,
		New:            func() NodeExecutor { return llmCallNode{} },
	}
}

// llmCallNode renders its user template against the assembled inputs and
// performs a single provider round trip.
type llmCallNode struct{}

func (llmCallNode) Execute(ctx context.Context, ec *ExecContext, config map[string]any, inputs map[string]any) (map[string]any, error) {
	if ec.Provider == nil {
		return nil, fmt.Errorf("llm_call: no provider configured")
	}

	tmpl, _ := config["user_template"].(string)
	model, _ := config["model"].(string)

	var messages []ChatMessage
	if sys, ok := config["system_prompt"].(string); ok && sys != "" {
		messages = append(messages, SystemMessage(sys))
	}
	messages = append(messages, UserMessage(ResolveTemplate(tmpl, inputs)))

	resp, err := ec.Provider.Chat(ctx, ChatRequest{Model: model, Messages: messages})
	if err != nil {
		return nil, coerceProviderError(ec.Provider.Name(), err)
	}

	return map[string]any{
		"response": resp.Content,
		"usage": map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		},
	}, nil
}

func agentNodeType() NodeType {
	return NodeType{
		Name:     "agent",
		Category: CategoryAgent,
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"model": {"type": "string"},
				"system_prompt": {"type": "string"},
				"user_template": {"type": "string"},
				"max_iterations": {"type": "integer", "minimum": 1}
			},
			"required": ["user_template"]
		}`),
		InputSchema:    FixedSchema(json.RawMessage(`{"type":"object"}`)),
		OutputSchema:   FixedSchema(json.RawMessage(`{"type":"object","properties":{"response":{"type":"string"},"iterations":{"type":"integer"}},"required":["response"]}`)),
		Visual:         VisualTag{Acronym: "AGT", Color: "#be185d"},
		HasFixedOutput: true,
		New:            func() NodeExecutor { return agentNode{} },
	}
}

// agentNode runs the tool-calling loop: it sends the conversation with the
// registry's tool descriptors and dispatches every requested call until the
// model answers without tool calls. Hitting the iteration cap is an error,
// not a silent truncation.
type agentNode struct{}

func (agentNode) Execute(ctx context.Context, ec *ExecContext, config map[string]any, inputs map[string]any) (map[string]any, error) {
	if ec.Provider == nil {
		return nil, fmt.Errorf("agent: no provider configured")
	}

	tmpl, _ := config["user_template"].(string)
	model, _ := config["model"].(string)
	maxIter := defaultAgentMaxIter
	if m, ok := config["max_iterations"].(float64); ok && m >= 1 {
		maxIter = int(m)
	}

	var tools []ToolDefinition
	if ec.Tools != nil {
		tools = ec.Tools.Definitions()
	}

	var messages []ChatMessage
	if sys, ok := config["system_prompt"].(string); ok && sys != "" {
		messages = append(messages, SystemMessage(sys))
	}
	messages = append(messages, UserMessage(ResolveTemplate(tmpl, inputs)))

	var totalUsage Usage
	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := ec.Provider.ChatWithTools(ctx, ChatRequest{Model: model, Messages: messages}, tools)
		if err != nil {
			return nil, coerceProviderError(ec.Provider.Name(), err)
		}
		totalUsage.InputTokens += resp.Usage.InputTokens
		totalUsage.OutputTokens += resp.Usage.OutputTokens

		if len(resp.ToolCalls) == 0 {
			// Terminal response: the model declared itself done.
			return map[string]any{
				"response":   resp.Content,
				"iterations": iter + 1,
				"usage": map[string]any{
					"input_tokens":  totalUsage.InputTokens,
					"output_tokens": totalUsage.OutputTokens,
				},
			}, nil
		}

		messages = append(messages, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			content := dispatchToolCall(ctx, ec, tc)
			messages = append(messages, ToolResultMessage(tc.ID, content))
		}
	}

	return nil, fmt.Errorf("agent: %w after %d iterations", ErrMaxIterExceeded, maxIter)
}

// dispatchToolCall executes one tool call, converting failures into tool
// result content so the model can recover.
func dispatchToolCall(ctx context.Context, ec *ExecContext, tc ToolCall) string {
	if ec.Tools == nil {
		return "error: no tools available"
	}
	content, err := ec.Tools.Execute(ctx, tc.Name, tc.Args)
	if err != nil {
		ec.Logger.Warn("tool call failed", "node", ec.NodeTitle, "tool", tc.Name, "error", err)
		return "error: " + err.Error()
	}
	return content
}

// coerceProviderError keeps structured provider errors intact and wraps
// everything else as an unknown model provider failure so clients always see
// the structured form.
func coerceProviderError(provider string, err error) error {
	var mpe *ErrModelProvider
	if errors.As(err, &mpe) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ErrModelProvider{Provider: provider, ErrorType: ModelErrUnknown, Message: err.Error()}
}
