package spur

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
)

// --- Node execution contract ---

// NodeExecutor is the uniform contract every node type implements. Execute
// receives the validated config and assembled inputs and returns the node's
// outputs. It must be pure with respect to (config, inputs, session state);
// I/O (network, file) is allowed and treated as an opaque effect.
//
// Returning an error produced by Pause suspends the run instead of failing
// the node.
type NodeExecutor interface {
	Execute(ctx context.Context, ec *ExecContext, config map[string]any, inputs map[string]any) (map[string]any, error)
}

// SubrunFunc recursively invokes the scheduler on a nested definition.
// Child tasks are recorded under a fresh parent task scope. Returns the
// subworkflow's outputs keyed by node title.
type SubrunFunc func(ctx context.Context, def *WorkflowDefinition, inputs map[string]any) (map[string]map[string]any, error)

// ExecContext grants a node access to engine facilities for the duration of
// one Execute call. Cancellation arrives through the ctx argument of Execute,
// not through this struct.
type ExecContext struct {
	// RunID identifies the owning run.
	RunID string
	// NodeID and NodeTitle identify the node being executed.
	NodeID    string
	NodeTitle string
	// SessionID is set for chat runs, empty otherwise.
	SessionID string
	// Subworkflow is the node's nested definition, set for group nodes.
	Subworkflow *WorkflowDefinition
	// Subrun invokes the scheduler on a nested definition. Nil for nodes
	// outside a runner (direct executor tests).
	Subrun SubrunFunc
	// Provider is the process-scoped LLM backend, nil when not configured.
	Provider Provider
	// Tools resolves tool calls for agent nodes.
	Tools ToolRegistry
	// Retriever backs retrieval nodes, nil when not configured.
	Retriever Retriever
	// ResumeData carries the resolved outputs for a paused node being
	// resumed; nil on first execution.
	ResumeData map[string]any
	// Logger is never nil.
	Logger *slog.Logger
}

// Provider abstracts the LLM backend used by LLM and agent nodes.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatWithTools sends a request with tool definitions; the response may
	// contain tool calls.
	ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai", "anthropic").
	Name() string
}

// ToolRegistry resolves and executes tools on behalf of agent nodes.
type ToolRegistry interface {
	// Definitions lists the tools available to the model.
	Definitions() []ToolDefinition
	// Execute runs the named tool and returns its result content.
	Execute(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// --- Pause signal ---

// errPause is the sentinel returned by node executors to signal that the run
// should suspend for external input. The runner catches it, records a
// PauseEvent, and parks the task in PAUSED.
type errPause struct {
	message        string
	requiredFields []string
}

func (e *errPause) Error() string { return "pause" }

// Pause returns an error that suspends the run at the current node. The
// message explains to the human what decision is needed; requiredFields name
// the outputs a ResumeOverride must supply.
func Pause(message string, requiredFields ...string) error {
	return &errPause{message: message, requiredFields: requiredFields}
}

// asPause extracts the pause signal from an executor error chain.
func asPause(err error) (*errPause, bool) {
	var p *errPause
	if errors.As(err, &p) {
		return p, true
	}
	return nil, false
}
