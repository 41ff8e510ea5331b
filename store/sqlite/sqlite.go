// Package sqlite implements spur.Store using pure-Go SQLite. Zero CGO
// required. JSON-shaped columns (definitions, inputs, outputs) are stored
// as serialized text.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spurlab/spur"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for operations including timing and
// key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements spur.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ spur.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			current_version_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_versions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			hash TEXT NOT NULL,
			definition TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(workflow_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			version_id TEXT NOT NULL,
			status TEXT NOT NULL,
			run_type TEXT NOT NULL,
			initial_inputs TEXT,
			outputs TEXT,
			error TEXT NOT NULL DEFAULT '',
			parent_run_id TEXT NOT NULL DEFAULT '',
			start_time INTEGER NOT NULL DEFAULT 0,
			end_time INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			parent_task_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			inputs TEXT,
			outputs TEXT,
			error TEXT NOT NULL DEFAULT '',
			start_time INTEGER NOT NULL DEFAULT 0,
			end_time INTEGER NOT NULL DEFAULT 0,
			subworkflow_output TEXT,
			UNIQUE(run_id, node_id, parent_task_id)
		)`,
		`CREATE TABLE IF NOT EXISTS pause_history (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			pause_time INTEGER NOT NULL,
			pause_message TEXT NOT NULL DEFAULT '',
			input_data TEXT,
			resume_time INTEGER NOT NULL DEFAULT 0,
			resume_action TEXT NOT NULL DEFAULT '',
			resume_user_id TEXT NOT NULL DEFAULT '',
			comments TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_versions_workflow ON workflow_versions(workflow_id, version)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id, start_time)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_run ON tasks(run_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_pause_run ON pause_history(run_id, resume_time)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Workflows + versions ---

func (s *Store) CreateWorkflow(ctx context.Context, w spur.Workflow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, current_version_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Description, w.CurrentVersionID, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	s.logger.Debug("sqlite: workflow created", "id", w.ID, "name", w.Name)
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (spur.Workflow, error) {
	var w spur.Workflow
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, current_version_id, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&w.ID, &w.Name, &w.Description, &w.CurrentVersionID, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return spur.Workflow{}, &spur.ErrNotFound{Kind: "workflow", ID: id}
	}
	if err != nil {
		return spur.Workflow{}, fmt.Errorf("get workflow: %w", err)
	}
	return w, nil
}

func (s *Store) UpdateWorkflow(ctx context.Context, w spur.Workflow) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET name = ?, description = ?, current_version_id = ?, updated_at = ?
		 WHERE id = ?`,
		w.Name, w.Description, w.CurrentVersionID, w.UpdatedAt, w.ID,
	)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &spur.ErrNotFound{Kind: "workflow", ID: w.ID}
	}
	return nil
}

// CreateVersion appends a version inside a transaction. If the workflow's
// latest version carries the same definition hash, that version is returned
// and nothing is written.
func (s *Store) CreateVersion(ctx context.Context, v spur.WorkflowVersion) (spur.WorkflowVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return spur.WorkflowVersion{}, fmt.Errorf("create version: %w", err)
	}
	defer tx.Rollback()

	latest, err := scanVersion(tx.QueryRowContext(ctx,
		`SELECT id, workflow_id, version, hash, definition, created_at
		 FROM workflow_versions WHERE workflow_id = ? ORDER BY version DESC LIMIT 1`,
		v.WorkflowID))
	switch {
	case err == nil:
		if latest.Hash == v.Hash {
			s.logger.Debug("sqlite: version deduplicated", "workflow_id", v.WorkflowID, "hash", v.Hash)
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
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_versions (id, workflow_id, version, hash, definition, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.WorkflowID, v.Version, v.Hash, string(defJSON), v.CreatedAt,
	); err != nil {
		return spur.WorkflowVersion{}, fmt.Errorf("create version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return spur.WorkflowVersion{}, fmt.Errorf("create version: %w", err)
	}
	s.logger.Debug("sqlite: version created", "workflow_id", v.WorkflowID, "version", v.Version)
	return v, nil
}

func (s *Store) GetVersion(ctx context.Context, id string) (spur.WorkflowVersion, error) {
	return scanVersion(s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, version, hash, definition, created_at
		 FROM workflow_versions WHERE id = ?`, id))
}

func (s *Store) LatestVersion(ctx context.Context, workflowID string) (spur.WorkflowVersion, error) {
	return scanVersion(s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, version, hash, definition, created_at
		 FROM workflow_versions WHERE workflow_id = ? ORDER BY version DESC LIMIT 1`,
		workflowID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (spur.WorkflowVersion, error) {
	var v spur.WorkflowVersion
	var defJSON string
	err := row.Scan(&v.ID, &v.WorkflowID, &v.Version, &v.Hash, &defJSON, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return spur.WorkflowVersion{}, &spur.ErrNotFound{Kind: "workflow_version", ID: ""}
	}
	if err != nil {
		return spur.WorkflowVersion{}, fmt.Errorf("get version: %w", err)
	}
	if err := json.Unmarshal([]byte(defJSON), &v.Definition); err != nil {
		return spur.WorkflowVersion{}, fmt.Errorf("get version: decode definition: %w", err)
	}
	return v, nil
}

// --- Runs ---

func (s *Store) CreateRun(ctx context.Context, r spur.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, version_id, status, run_type, initial_inputs, outputs, error, parent_run_id, start_time, end_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkflowID, r.VersionID, string(r.Status), string(r.RunType),
		jsonText(r.InitialInputs), jsonText(r.Outputs), r.Error, r.ParentRunID, r.StartTime, r.EndTime,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	s.logger.Debug("sqlite: run created", "id", r.ID, "workflow_id", r.WorkflowID, "type", r.RunType)
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, r spur.Run) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, initial_inputs = ?, outputs = ?, error = ?, start_time = ?, end_time = ?
		 WHERE id = ?`,
		string(r.Status), jsonText(r.InitialInputs), jsonText(r.Outputs), r.Error, r.StartTime, r.EndTime, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &spur.ErrNotFound{Kind: "run", ID: r.ID}
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (spur.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, version_id, status, run_type, initial_inputs, outputs, error, parent_run_id, start_time, end_time
		 FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.As(err, new(*spur.ErrNotFound)) {
		return spur.Run{}, &spur.ErrNotFound{Kind: "run", ID: id}
	}
	return r, err
}

func (s *Store) ListRuns(ctx context.Context, workflowID string, limit, offset int) ([]spur.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, version_id, status, run_type, initial_inputs, outputs, error, parent_run_id, start_time, end_time
		 FROM runs WHERE workflow_id = ? ORDER BY start_time DESC, id DESC LIMIT ? OFFSET ?`,
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

func scanRun(row rowScanner) (spur.Run, error) {
	var r spur.Run
	var status, runType string
	var initialInputs, outputs sql.NullString
	err := row.Scan(&r.ID, &r.WorkflowID, &r.VersionID, &status, &runType,
		&initialInputs, &outputs, &r.Error, &r.ParentRunID, &r.StartTime, &r.EndTime)
	if errors.Is(err, sql.ErrNoRows) {
		return spur.Run{}, &spur.ErrNotFound{Kind: "run", ID: ""}
	}
	if err != nil {
		return spur.Run{}, fmt.Errorf("scan run: %w", err)
	}
	r.Status = spur.RunStatus(status)
	r.RunType = spur.RunType(runType)
	if err := jsonScan(initialInputs, &r.InitialInputs); err != nil {
		return spur.Run{}, fmt.Errorf("scan run: %w", err)
	}
	if err := jsonScan(outputs, &r.Outputs); err != nil {
		return spur.Run{}, fmt.Errorf("scan run: %w", err)
	}
	return r, nil
}

// --- Tasks ---

// UpsertTask converges on one row per (run_id, node_id, parent_task_id).
// The original row's id survives an update; the caller's Task.ID is only a
// candidate for the insert case.
func (s *Store) UpsertTask(ctx context.Context, t spur.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, run_id, node_id, parent_task_id, status, inputs, outputs, error, start_time, end_time, subworkflow_output)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, node_id, parent_task_id) DO UPDATE SET
			status = excluded.status,
			inputs = excluded.inputs,
			outputs = excluded.outputs,
			error = excluded.error,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			subworkflow_output = excluded.subworkflow_output`,
		t.ID, t.RunID, t.NodeID, t.ParentTaskID, string(t.Status),
		jsonText(t.Inputs), jsonText(t.Outputs), t.Error, t.StartTime, t.EndTime,
		jsonText(t.SubworkflowOutput),
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *Store) ListTasks(ctx context.Context, runID string) ([]spur.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, parent_task_id, status, inputs, outputs, error, start_time, end_time, subworkflow_output
		 FROM tasks WHERE run_id = ? ORDER BY start_time, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []spur.Task
	for rows.Next() {
		var t spur.Task
		var status string
		var inputs, outputs, subOutput sql.NullString
		if err := rows.Scan(&t.ID, &t.RunID, &t.NodeID, &t.ParentTaskID, &status,
			&inputs, &outputs, &t.Error, &t.StartTime, &t.EndTime, &subOutput); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = spur.TaskStatus(status)
		if err := jsonScan(inputs, &t.Inputs); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := jsonScan(outputs, &t.Outputs); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := jsonScan(subOutput, &t.SubworkflowOutput); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Pause history ---

func (s *Store) CreatePauseEvent(ctx context.Context, p spur.PauseEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pause_history (id, run_id, node_id, pause_time, pause_message, input_data, resume_time, resume_action, resume_user_id, comments)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RunID, p.NodeID, p.PauseTime, p.PauseMessage, jsonText(p.InputData),
		p.ResumeTime, string(p.ResumeAction), p.ResumeUserID, p.Comments,
	)
	if err != nil {
		return fmt.Errorf("create pause event: %w", err)
	}
	s.logger.Debug("sqlite: pause recorded", "run_id", p.RunID, "node_id", p.NodeID)
	return nil
}

func (s *Store) ClosePauseEvent(ctx context.Context, p spur.PauseEvent) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pause_history SET resume_time = ?, resume_action = ?, resume_user_id = ?, comments = ?
		 WHERE id = ? AND resume_time = 0`,
		p.ResumeTime, string(p.ResumeAction), p.ResumeUserID, p.Comments, p.ID,
	)
	if err != nil {
		return fmt.Errorf("close pause event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &spur.ErrNotFound{Kind: "pause_event", ID: p.ID}
	}
	return nil
}

func (s *Store) GetOpenPauseEvent(ctx context.Context, runID string) (spur.PauseEvent, error) {
	var p spur.PauseEvent
	var action string
	var inputData sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, node_id, pause_time, pause_message, input_data, resume_time, resume_action, resume_user_id, comments
		 FROM pause_history WHERE run_id = ? AND resume_time = 0 ORDER BY pause_time DESC LIMIT 1`,
		runID,
	).Scan(&p.ID, &p.RunID, &p.NodeID, &p.PauseTime, &p.PauseMessage, &inputData,
		&p.ResumeTime, &action, &p.ResumeUserID, &p.Comments)
	if errors.Is(err, sql.ErrNoRows) {
		return spur.PauseEvent{}, &spur.ErrNotFound{Kind: "pause_event", ID: runID}
	}
	if err != nil {
		return spur.PauseEvent{}, fmt.Errorf("get open pause event: %w", err)
	}
	p.ResumeAction = spur.ResumeAction(action)
	if err := jsonScan(inputData, &p.InputData); err != nil {
		return spur.PauseEvent{}, fmt.Errorf("get open pause event: %w", err)
	}
	return p, nil
}

// --- Chat sessions ---

func (s *Store) CreateSession(ctx context.Context, sess spur.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, workflow_id, user_id, created_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.WorkflowID, sess.UserID, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (spur.Session, error) {
	var sess spur.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, user_id, created_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.WorkflowID, &sess.UserID, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
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
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, run_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.RunID, string(content), m.CreatedAt,
	); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]spur.SessionMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, run_id, content, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at, id LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []spur.SessionMessage
	for rows.Next() {
		var m spur.SessionMessage
		var content string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.RunID, &content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			return nil, fmt.Errorf("scan message: decode content: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- JSON column helpers ---

// jsonText serializes a map-shaped value for a nullable text column.
func jsonText(v any) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}
	}
	if string(b) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// jsonScan decodes a nullable text column into dst (a pointer to a map).
func jsonScan(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}
