package spur

import (
	"errors"
	"fmt"
)

// ErrValidation reports an invalid workflow definition or node config.
// Returned by StartRun and PartialRun before any Run row is created.
type ErrValidation struct {
	// Issues lists every fatal problem found, one line each.
	Issues []string
}

func (e *ErrValidation) Error() string {
	if len(e.Issues) == 1 {
		return "validation: " + e.Issues[0]
	}
	return fmt.Sprintf("validation: %d issues, first: %s", len(e.Issues), e.Issues[0])
}

// ErrNodeExecution wraps an error raised inside a node's Execute.
// It is recorded on the task, never on the run directly.
type ErrNodeExecution struct {
	NodeID string
	Err    error
}

func (e *ErrNodeExecution) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *ErrNodeExecution) Unwrap() error { return e.Err }

// ModelErrorType classifies a model provider failure for UI handling.
type ModelErrorType string

const (
	ModelErrOverloaded         ModelErrorType = "overloaded"
	ModelErrRateLimit          ModelErrorType = "rate_limit"
	ModelErrContextLength      ModelErrorType = "context_length"
	ModelErrAuth               ModelErrorType = "auth"
	ModelErrServiceUnavailable ModelErrorType = "service_unavailable"
	ModelErrUnknown            ModelErrorType = "unknown"
)

// ErrModelProvider is a structured LLM backend failure. Its string form is
// stored verbatim on the task so clients can classify it.
type ErrModelProvider struct {
	Provider  string         `json:"provider"`
	ErrorType ModelErrorType `json:"error_type"`
	Message   string         `json:"message"`
}

func (e *ErrModelProvider) Error() string {
	return fmt.Sprintf("model_provider_error: %s (%s): %s", e.Provider, e.ErrorType, e.Message)
}

// ErrNotFound reports a missing workflow, run, node, or session.
type ErrNotFound struct {
	Kind string // "workflow", "run", "node", "session", "version"
	ID   string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// ErrNotPaused is returned by ResumePaused when the run has no open pause.
type ErrNotPaused struct {
	RunID string
}

func (e *ErrNotPaused) Error() string {
	return fmt.Sprintf("run %q is not paused", e.RunID)
}

// ErrNotRunning is returned by StopRun for runs already in a terminal state.
type ErrNotRunning struct {
	RunID  string
	Status RunStatus
}

func (e *ErrNotRunning) Error() string {
	return fmt.Sprintf("run %q is not running (status %s)", e.RunID, e.Status)
}

// ErrInvalidAction is returned by ResumePaused for an unknown resume action.
type ErrInvalidAction struct {
	Action string
}

func (e *ErrInvalidAction) Error() string {
	return fmt.Sprintf("invalid resume action %q", e.Action)
}

// ErrMaxIterExceeded signals that a loop or agent node hit its iteration cap.
var ErrMaxIterExceeded = errors.New("max iterations exceeded")

// Task error reasons recorded when the engine cancels a task without
// executing it.
const (
	// reasonSkipped marks tasks on a branch a router did not select.
	reasonSkipped = "skipped"
	// reasonUpstreamFailed marks tasks downstream of a failed task.
	reasonUpstreamFailed = "upstream_failed"
	// reasonSkippedForPartial marks synthetic rows for injected outputs
	// in a partial run with rerun_predecessors=false.
	reasonSkippedForPartial = "skipped_for_partial"
	// reasonDeadlineExceeded marks runs cancelled by the run deadline.
	reasonDeadlineExceeded = "deadline_exceeded"
	// reasonDeclined marks a paused task resumed with ResumeDecline.
	reasonDeclined = "declined"
)
