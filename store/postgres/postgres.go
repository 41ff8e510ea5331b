// Package postgres implements spur.Store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor injection.
// The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spurlab/spur"
)

// Store implements spur.Store backed by PostgreSQL. JSON-shaped columns
// (definitions, inputs, outputs) use JSONB.
type Store struct {
	pool *pgxpool.Pool
}

var _ spur.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			current_version_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_versions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			hash TEXT NOT NULL,
			definition JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE(workflow_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS versions_workflow_idx ON workflow_versions(workflow_id, version)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			version_id TEXT NOT NULL,
			status TEXT NOT NULL,
			run_type TEXT NOT NULL,
			initial_inputs JSONB,
			outputs JSONB,
			error TEXT NOT NULL DEFAULT '',
			parent_run_id TEXT NOT NULL DEFAULT '',
			start_time BIGINT NOT NULL DEFAULT 0,
			end_time BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS runs_workflow_idx ON runs(workflow_id, start_time)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			parent_task_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			inputs JSONB,
			outputs JSONB,
			error TEXT NOT NULL DEFAULT '',
			start_time BIGINT NOT NULL DEFAULT 0,
			end_time BIGINT NOT NULL DEFAULT 0,
			subworkflow_output JSONB,
			UNIQUE(run_id, node_id, parent_task_id)
		)`,
		`CREATE INDEX IF NOT EXISTS tasks_run_idx ON tasks(run_id)`,

		`CREATE TABLE IF NOT EXISTS pause_history (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			pause_time BIGINT NOT NULL,
			pause_message TEXT NOT NULL DEFAULT '',
			input_data JSONB,
			resume_time BIGINT NOT NULL DEFAULT 0,
			resume_action TEXT NOT NULL DEFAULT '',
			resume_user_id TEXT NOT NULL DEFAULT '',
			comments TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS pause_run_idx ON pause_history(run_id, resume_time)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			content JSONB NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages(session_id, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

// --- Workflows + versions ---

func (s *Store) CreateWorkflow(ctx context.Context, w spur.Workflow) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workflows (id, name, description, current_version_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.Name, w.Description, w.CurrentVersionID, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (spur.Workflow, error) {
	var w spur.Workflow
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, current_version_id, created_at, updated_at
		 FROM workflows WHERE id = $1`, id,
	).Scan(&w.ID, &w.Name, &w.Description, &w.CurrentVersionID, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return spur.Workflow{}, &spur.ErrNotFound{Kind: "workflow", ID: id}
	}
	if err != nil {
		return spur.Workflow{}, fmt.Errorf("get workflow: %w", err)
	}
	return w, nil
}

func (s *Store) UpdateWorkflow(ctx context.Context, w spur.Workflow) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflows SET name = $1, description = $2, current_version_id = $3, updated_at = $4
		 WHERE id = $5`,
		w.Name, w.Description, w.CurrentVersionID, w.UpdatedAt, w.ID)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &spur.ErrNotFound{Kind: "workflow", ID: w.ID}
	}
	return nil
}

func (s *Store) CreateVersion(ctx context.Context, v spur.WorkflowVersion) (spur.WorkflowVersion, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return spur.WorkflowVersion{}, fmt.Errorf("create version: %w", err)
	}
	defer tx.Rollback(ctx)

	latest, err := scanVersion(tx.QueryRow(ctx,
		`SELECT id, workflow_id, version, hash, definition, created_at
		 FROM workflow_versions WHERE workflow_id = $1 ORDER BY version DESC LIMIT 1`,
		v.WorkflowID))
	switch {
	case err == nil:
		if latest.Hash == v.Hash {
			return latest, nil
		}
		v.Version = latest.Version + 1
	case errors.As(err, new(*spur.ErrNotFound)):
		v.Version = 1
	default:
		return spur.WorkflowVersion{}, err
	}

	defJSON, err := json.Marshal(v.Definition)
	if err != nil {
		return spur.WorkflowVersion{}, fmt.Errorf("create version: marshal definition: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO workflow_versions (id, workflow_id, version, hash, definition, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ID, v.WorkflowID, v.Version, v.Hash, defJSON, v.CreatedAt,
	); err != nil {
		return spur.WorkflowVersion{}, fmt.Errorf("create version: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return spur.WorkflowVersion{}, fmt.Errorf("create version: %w", err)
	}
	return v, nil
}

func (s *Store) GetVersion(ctx context.Context, id string) (spur.WorkflowVersion, error) {
	return scanVersion(s.pool.QueryRow(ctx,
		`SELECT id, workflow_id, version, hash, definition, created_at
		 FROM workflow_versions WHERE id = $1`, id))
}

func (s *Store) LatestVersion(ctx context.Context, workflowID string) (spur.WorkflowVersion, error) {
	return scanVersion(s.pool.QueryRow(ctx,
		`SELECT id, workflow_id, version, hash, definition, created_at
		 FROM workflow_versions WHERE workflow_id = $1 ORDER BY version DESC LIMIT 1`,
		workflowID))
}

func scanVersion(row pgx.Row) (spur.WorkflowVersion, error) {
	var v spur.WorkflowVersion
	var defJSON []byte
	err := row.Scan(&v.ID, &v.WorkflowID, &v.Version, &v.Hash, &defJSON, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return spur.WorkflowVersion{}, &spur.ErrNotFound{Kind: "workflow_version", ID: ""}
	}
	if err != nil {
		return spur.WorkflowVersion{}, fmt.Errorf("get version: %w", err)
	}
	if err := json.Unmarshal(defJSON, &v.Definition); err != nil {
		return spur.WorkflowVersion{}, fmt.Errorf("get version: decode definition: %w", err)
	}
	return v, nil
}

// --- Runs ---

func (s *Store) CreateRun(ctx context.Context, r spur.Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, workflow_id, version_id, status, run_type, initial_inputs, outputs, error, parent_run_id, start_time, end_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.WorkflowID, r.VersionID, string(r.Status), string(r.RunType),
		jsonArg(r.InitialInputs), jsonArg(r.Outputs), r.Error, r.ParentRunID, r.StartTime, r.EndTime)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, r spur.Run) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, initial_inputs = $2, outputs = $3, error = $4, start_time = $5, end_time = $6
		 WHERE id = $7`,
		string(r.Status), jsonArg(r.InitialInputs), jsonArg(r.Outputs), r.Error, r.StartTime, r.EndTime, r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &spur.ErrNotFound{Kind: "run", ID: r.ID}
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (spur.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT id, workflow_id, version_id, status, run_type, initial_inputs, outputs, error, parent_run_id, start_time, end_time
		 FROM runs WHERE id = $1`, id))
	if errors.As(err, new(*spur.ErrNotFound)) {
		return spur.Run{}, &spur.ErrNotFound{Kind: "run", ID: id}
	}
	return r, err
}

func (s *Store) ListRuns(ctx context.Context, workflowID string, limit, offset int) ([]spur.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, workflow_id, version_id, status, run_type, initial_inputs, outputs, error, parent_run_id, start_time, end_time
		 FROM runs WHERE workflow_id = $1 ORDER BY start_time DESC, id DESC LIMIT $2 OFFSET $3`,
		workflowID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []spur.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (spur.Run, error) {
	var r spur.Run
	var status, runType string
	var initialInputs, outputs []byte
	err := row.Scan(&r.ID, &r.WorkflowID, &r.VersionID, &status, &runType,
		&initialInputs, &outputs, &r.Error, &r.ParentRunID, &r.StartTime, &r.EndTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return spur.Run{}, &spur.ErrNotFound{Kind: "run", ID: ""}
	}
	if err != nil {
		return spur.Run{}, fmt.Errorf("scan run: %w", err)
	}
	r.Status = spur.RunStatus(status)
	r.RunType = spur.RunType(runType)
	if err := jsonField(initialInputs, &r.InitialInputs); err != nil {
		return spur.Run{}, fmt.Errorf("scan run: %w", err)
	}
	if err := jsonField(outputs, &r.Outputs); err != nil {
		return spur.Run{}, fmt.Errorf("scan run: %w", err)
	}
	return r, nil
}

// --- Tasks ---

func (s *Store) UpsertTask(ctx context.Context, t spur.Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, run_id, node_id, parent_task_id, status, inputs, outputs, error, start_time, end_time, subworkflow_output)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (run_id, node_id, parent_task_id) DO UPDATE SET
			status = EXCLUDED.status,
			inputs = EXCLUDED.inputs,
			outputs = EXCLUDED.outputs,
			error = EXCLUDED.error,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			subworkflow_output = EXCLUDED.subworkflow_output`,
		t.ID, t.RunID, t.NodeID, t.ParentTaskID, string(t.Status),
		jsonArg(t.Inputs), jsonArg(t.Outputs), t.Error, t.StartTime, t.EndTime,
		jsonArg(t.SubworkflowOutput))
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *Store) ListTasks(ctx context.Context, runID string) ([]spur.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, node_id, parent_task_id, status, inputs, outputs, error, start_time, end_time, subworkflow_output
		 FROM tasks WHERE run_id = $1 ORDER BY start_time, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []spur.Task
	for rows.Next() {
		var t spur.Task
		var status string
		var inputs, outputs, subOutput []byte
		if err := rows.Scan(&t.ID, &t.RunID, &t.NodeID, &t.ParentTaskID, &status,
			&inputs, &outputs, &t.Error, &t.StartTime, &t.EndTime, &subOutput); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = spur.TaskStatus(status)
		if err := jsonField(inputs, &t.Inputs); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := jsonField(outputs, &t.Outputs); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := jsonField(subOutput, &t.SubworkflowOutput); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Pause history ---

func (s *Store) CreatePauseEvent(ctx context.Context, p spur.PauseEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pause_history (id, run_id, node_id, pause_time, pause_message, input_data, resume_time, resume_action, resume_user_id, comments)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.RunID, p.NodeID, p.PauseTime, p.PauseMessage, jsonArg(p.InputData),
		p.ResumeTime, string(p.ResumeAction), p.ResumeUserID, p.Comments)
	if err != nil {
		return fmt.Errorf("create pause event: %w", err)
	}
	return nil
}

func (s *Store) ClosePauseEvent(ctx context.Context, p spur.PauseEvent) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pause_history SET resume_time = $1, resume_action = $2, resume_user_id = $3, comments = $4
		 WHERE id = $5 AND resume_time = 0`,
		p.ResumeTime, string(p.ResumeAction), p.ResumeUserID, p.Comments, p.ID)
	if err != nil {
		return fmt.Errorf("close pause event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &spur.ErrNotFound{Kind: "pause_event", ID: p.ID}
	}
	return nil
}

func (s *Store) GetOpenPauseEvent(ctx context.Context, runID string) (spur.PauseEvent, error) {
	var p spur.PauseEvent
	var action string
	var inputData []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, run_id, node_id, pause_time, pause_message, input_data, resume_time, resume_action, resume_user_id, comments
		 FROM pause_history WHERE run_id = $1 AND resume_time = 0 ORDER BY pause_time DESC LIMIT 1`,
		runID,
	).Scan(&p.ID, &p.RunID, &p.NodeID, &p.PauseTime, &p.PauseMessage, &inputData,
		&p.ResumeTime, &action, &p.ResumeUserID, &p.Comments)
	if errors.Is(err, pgx.ErrNoRows) {
		return spur.PauseEvent{}, &spur.ErrNotFound{Kind: "pause_event", ID: runID}
	}
	if err != nil {
		return spur.PauseEvent{}, fmt.Errorf("get open pause event: %w", err)
	}
	p.ResumeAction = spur.ResumeAction(action)
	if err := jsonField(inputData, &p.InputData); err != nil {
		return spur.PauseEvent{}, fmt.Errorf("get open pause event: %w", err)
	}
	return p, nil
}

// --- Chat sessions ---

func (s *Store) CreateSession(ctx context.Context, sess spur.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, workflow_id, user_id, created_at) VALUES ($1, $2, $3, $4)`,
		sess.ID, sess.WorkflowID, sess.UserID, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (spur.Session, error) {
	var sess spur.Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, workflow_id, user_id, created_at FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.WorkflowID, &sess.UserID, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return spur.Session{}, &spur.ErrNotFound{Kind: "session", ID: id}
	}
	if err != nil {
		return spur.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) AppendMessage(ctx context.Context, m spur.SessionMessage) error {
	content, err := json.Marshal(m.Content)
	if err != nil {
		return fmt.Errorf("append message: marshal content: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, session_id, run_id, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.SessionID, m.RunID, content, m.CreatedAt,
	); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]spur.SessionMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, run_id, content, created_at
		 FROM messages WHERE session_id = $1 ORDER BY created_at, id LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []spur.SessionMessage
	for rows.Next() {
		var m spur.SessionMessage
		var content []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.RunID, &content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal(content, &m.Content); err != nil {
			return nil, fmt.Errorf("scan message: decode content: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- JSONB helpers ---

// jsonArg serializes a map-shaped value for a JSONB parameter, passing NULL
// for nil maps.
func jsonArg(v any) any {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return nil
	}
	return b
}

// jsonField decodes a JSONB column into dst, leaving dst nil for NULL.
func jsonField(b []byte, dst any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}
