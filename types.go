package spur

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// --- Workflow definition (canonical JSON) ---

// SpurType distinguishes the workflow variants.
type SpurType string

const (
	SpurWorkflow SpurType = "workflow"
	SpurChatbot  SpurType = "chatbot"
	SpurAgent    SpurType = "agent"
)

// WorkflowDefinition is the immutable graph description. Once a version is
// created from it, the definition never changes; versions are deduplicated
// by canonical JSON hash.
type WorkflowDefinition struct {
	Nodes      []Node           `json:"nodes"`
	Links      []Link           `json:"links"`
	TestInputs []map[string]any `json:"test_inputs,omitempty"`
	SpurType   SpurType         `json:"spur_type"`
}

// Hash returns the canonical content hash of the definition. The definition
// is round-tripped through an untyped value so map keys are emitted in
// sorted order regardless of insertion order.
func (d WorkflowDefinition) Hash() string {
	b, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return ""
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Node is a unit of computation in the DAG. Title must be a valid identifier
// and unique within its scope (workflow root or a subworkflow). Type resolves
// in the node registry. Subworkflow is set for group nodes (loops, agents).
//
// Nesting is carried by Subworkflow: a nested node lives inside its group
// node's subworkflow definition, not in the parent scope's node list.
// ParentID is an optional annotation that, when set, must name the enclosing
// group node; a flat parent_id-only representation is rejected at validation.
type Node struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Type        string              `json:"node_type"`
	Config      map[string]any      `json:"config,omitempty"`
	Coordinates *Coordinates        `json:"coordinates,omitempty"`
	ParentID    string              `json:"parent_id,omitempty"`
	Subworkflow *WorkflowDefinition `json:"subworkflow,omitempty"`
}

// Coordinates is editor-facing visual metadata. The engine stores it opaquely.
type Coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Link is a directed edge. For non-router sources the handles default to the
// source node's title and the named target field. For router sources,
// SourceHandle selects a route from the router's route map.
type Link struct {
	SourceID     string `json:"source_id"`
	TargetID     string `json:"target_id"`
	SourceHandle string `json:"source_handle,omitempty"`
	TargetHandle string `json:"target_handle,omitempty"`
}

// --- Durable records ---

// Workflow is the durable logical identity a definition version belongs to.
type Workflow struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	CurrentVersionID string `json:"current_version_id"`
	CreatedAt        int64  `json:"created_at"`
	UpdatedAt        int64  `json:"updated_at"`
}

// WorkflowVersion is an append-only, content-addressed snapshot of a
// definition. Creating a version whose hash matches the latest version
// returns the existing row instead of appending.
type WorkflowVersion struct {
	ID         string             `json:"id"`
	WorkflowID string             `json:"workflow_id"`
	Version    int                `json:"version"`
	Hash       string             `json:"hash"`
	Definition WorkflowDefinition `json:"definition"`
	CreatedAt  int64              `json:"created_at"`
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunPaused    RunStatus = "PAUSED"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCanceled  RunStatus = "CANCELED"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCanceled
}

// RunType records how the run was initiated.
type RunType string

const (
	RunTypeInteractive RunType = "interactive"
	RunTypeBatch       RunType = "batch"
	RunTypePartial     RunType = "partial"
	RunTypeChat        RunType = "chat"
)

// Run is one execution of a workflow version. InitialInputs and Outputs are
// keyed by node title.
type Run struct {
	ID            string                    `json:"id"`
	WorkflowID    string                    `json:"workflow_id"`
	VersionID     string                    `json:"version_id"`
	Status        RunStatus                 `json:"status"`
	RunType       RunType                   `json:"run_type"`
	InitialInputs map[string]map[string]any `json:"initial_inputs,omitempty"`
	Outputs       map[string]map[string]any `json:"outputs,omitempty"`
	Error         string                    `json:"error,omitempty"`
	ParentRunID   string                    `json:"parent_run_id,omitempty"`
	StartTime     int64                     `json:"start_time"`
	EndTime       int64                     `json:"end_time,omitempty"`
}

// TaskStatus is the lifecycle state of one node execution within a run.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCanceled  TaskStatus = "CANCELED"
	TaskPaused    TaskStatus = "PAUSED"
)

// Task is the execution record of one node within one run. Loop iterations
// create fresh ParentTaskID scopes, so a node may own multiple tasks; in
// non-loop context a task is at most one per (run_id, node_id, parent_task_id).
type Task struct {
	ID                string                    `json:"id"`
	RunID             string                    `json:"run_id"`
	NodeID            string                    `json:"node_id"`
	ParentTaskID      string                    `json:"parent_task_id,omitempty"`
	Status            TaskStatus                `json:"status"`
	Inputs            map[string]any            `json:"inputs,omitempty"`
	Outputs           map[string]any            `json:"outputs,omitempty"`
	Error             string                    `json:"error,omitempty"`
	StartTime         int64                     `json:"start_time,omitempty"`
	EndTime           int64                     `json:"end_time,omitempty"`
	SubworkflowOutput map[string]map[string]any `json:"subworkflow_output,omitempty"`
}

// ResumeAction is the human's decision when closing a pause event.
type ResumeAction string

const (
	ResumeApprove  ResumeAction = "APPROVE"
	ResumeDecline  ResumeAction = "DECLINE"
	ResumeOverride ResumeAction = "OVERRIDE"
)

// PauseEvent is the durable record of a run's human-intervention suspension.
// Appended when a node pauses; closed on resume.
type PauseEvent struct {
	ID           string         `json:"id"`
	RunID        string         `json:"run_id"`
	NodeID       string         `json:"node_id"`
	PauseTime    int64          `json:"pause_time"`
	PauseMessage string         `json:"pause_message,omitempty"`
	InputData    map[string]any `json:"input_data,omitempty"`
	ResumeTime   int64          `json:"resume_time,omitempty"`
	ResumeAction ResumeAction   `json:"resume_action,omitempty"`
	ResumeUserID string         `json:"resume_user_id,omitempty"`
	Comments     string         `json:"comments,omitempty"`
}

// Session groups chat messages exchanged with a chatbot workflow.
type Session struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	UserID     string `json:"user_id"`
	CreatedAt  int64  `json:"created_at"`
}

// SessionMessage is one chat turn. RunID links assistant messages to the run
// that produced them. Messages are ordered by CreatedAt.
type SessionMessage struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	RunID     string      `json:"run_id,omitempty"`
	Content   ChatMessage `json:"content"`
	CreatedAt int64       `json:"created_at"`
}

// --- LLM protocol types ---

// ChatMessage is one turn in an LLM conversation.
type ChatMessage struct {
	Role       string          `json:"role"` // "system", "user", "assistant", "tool"
	Content    string          `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ChatRequest is the provider-agnostic LLM request.
type ChatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []ChatMessage `json:"messages"`
}

// ChatResponse is the provider-agnostic LLM response.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage is token accounting for one or more LLM calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
