package spur

import "context"

// Store abstracts durable persistence for workflows, runs, tasks, pauses,
// and chat sessions. The sqlite and postgres subpackages implement it.
//
// Task writes go through UpsertTask keyed on (run_id, node_id,
// parent_task_id), so retried or re-dispatched writes converge on one row
// per node execution scope.
type Store interface {
	// --- Workflows + versions ---
	CreateWorkflow(ctx context.Context, w Workflow) error
	GetWorkflow(ctx context.Context, id string) (Workflow, error)
	UpdateWorkflow(ctx context.Context, w Workflow) error
	// CreateVersion appends a version unless its hash matches the workflow's
	// latest version, in which case the existing version is returned.
	CreateVersion(ctx context.Context, v WorkflowVersion) (WorkflowVersion, error)
	GetVersion(ctx context.Context, id string) (WorkflowVersion, error)
	LatestVersion(ctx context.Context, workflowID string) (WorkflowVersion, error)

	// --- Runs ---
	CreateRun(ctx context.Context, r Run) error
	UpdateRun(ctx context.Context, r Run) error
	GetRun(ctx context.Context, id string) (Run, error)
	ListRuns(ctx context.Context, workflowID string, limit, offset int) ([]Run, error)

	// --- Tasks ---
	UpsertTask(ctx context.Context, t Task) error
	ListTasks(ctx context.Context, runID string) ([]Task, error)

	// --- Pause history ---
	CreatePauseEvent(ctx context.Context, p PauseEvent) error
	// ClosePauseEvent records the resume decision on the open pause event.
	ClosePauseEvent(ctx context.Context, p PauseEvent) error
	GetOpenPauseEvent(ctx context.Context, runID string) (PauseEvent, error)

	// --- Chat sessions ---
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	AppendMessage(ctx context.Context, m SessionMessage) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]SessionMessage, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
