package spur

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// memStore is an in-memory Store for scheduler and controller tests.
type memStore struct {
	mu        sync.Mutex
	workflows map[string]Workflow
	versions  map[string]WorkflowVersion
	runs      map[string]Run
	tasks     map[string]Task // keyed run|node|parent
	pauses    []PauseEvent
	sessions  map[string]Session
	messages  []SessionMessage
}

func newMemStore() *memStore {
	return &memStore{
		workflows: make(map[string]Workflow),
		versions:  make(map[string]WorkflowVersion),
		runs:      make(map[string]Run),
		tasks:     make(map[string]Task),
		sessions:  make(map[string]Session),
	}
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func (s *memStore) CreateWorkflow(_ context.Context, w Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = w
	return nil
}

func (s *memStore) GetWorkflow(_ context.Context, id string) (Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return Workflow{}, &ErrNotFound{Kind: "workflow", ID: id}
	}
	return w, nil
}

func (s *memStore) UpdateWorkflow(_ context.Context, w Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[w.ID]; !ok {
		return &ErrNotFound{Kind: "workflow", ID: w.ID}
	}
	s.workflows[w.ID] = w
	return nil
}

func (s *memStore) CreateVersion(_ context.Context, v WorkflowVersion) (WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *WorkflowVersion
	for id := range s.versions {
		ver := s.versions[id]
		if ver.WorkflowID != v.WorkflowID {
			continue
		}
		if latest == nil || ver.Version > latest.Version {
			latest = &ver
		}
	}
	if latest != nil {
		if latest.Hash == v.Hash {
			return *latest, nil
		}
		v.Version = latest.Version + 1
	} else {
		v.Version = 1
	}
	s.versions[v.ID] = v
	return v, nil
}

func (s *memStore) GetVersion(_ context.Context, id string) (WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return WorkflowVersion{}, &ErrNotFound{Kind: "workflow_version", ID: id}
	}
	return v, nil
}

func (s *memStore) LatestVersion(_ context.Context, workflowID string) (WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *WorkflowVersion
	for id := range s.versions {
		v := s.versions[id]
		if v.WorkflowID != workflowID {
			continue
		}
		if latest == nil || v.Version > latest.Version {
			latest = &v
		}
	}
	if latest == nil {
		return WorkflowVersion{}, &ErrNotFound{Kind: "workflow_version", ID: workflowID}
	}
	return *latest, nil
}

func (s *memStore) CreateRun(_ context.Context, r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
	return nil
}

func (s *memStore) UpdateRun(_ context.Context, r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return &ErrNotFound{Kind: "run", ID: r.ID}
	}
	s.runs[r.ID] = r
	return nil
}

func (s *memStore) GetRun(_ context.Context, id string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return Run{}, &ErrNotFound{Kind: "run", ID: id}
	}
	return r, nil
}

func (s *memStore) ListRuns(_ context.Context, workflowID string, limit, offset int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var runs []Run
	for _, r := range s.runs {
		if r.WorkflowID == workflowID {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartTime != runs[j].StartTime {
			return runs[i].StartTime > runs[j].StartTime
		}
		return runs[i].ID > runs[j].ID
	})
	if offset >= len(runs) {
		return nil, nil
	}
	runs = runs[offset:]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

func taskKey(runID, nodeID, parentTaskID string) string {
	return runID + "|" + nodeID + "|" + parentTaskID
}

func (s *memStore) UpsertTask(_ context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := taskKey(t.RunID, t.NodeID, t.ParentTaskID)
	if existing, ok := s.tasks[key]; ok {
		t.ID = existing.ID
	}
	s.tasks[key] = t
	return nil
}

func (s *memStore) ListTasks(_ context.Context, runID string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []Task
	for _, t := range s.tasks {
		if t.RunID == runID {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].StartTime != tasks[j].StartTime {
			return tasks[i].StartTime < tasks[j].StartTime
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

func (s *memStore) CreatePauseEvent(_ context.Context, p PauseEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauses = append(s.pauses, p)
	return nil
}

func (s *memStore) ClosePauseEvent(_ context.Context, p PauseEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pauses {
		if s.pauses[i].ID == p.ID && s.pauses[i].ResumeTime == 0 {
			s.pauses[i] = p
			return nil
		}
	}
	return &ErrNotFound{Kind: "pause_event", ID: p.ID}
}

func (s *memStore) GetOpenPauseEvent(_ context.Context, runID string) (PauseEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.pauses) - 1; i >= 0; i-- {
		if s.pauses[i].RunID == runID && s.pauses[i].ResumeTime == 0 {
			return s.pauses[i], nil
		}
	}
	return PauseEvent{}, &ErrNotFound{Kind: "pause_event", ID: runID}
}

func (s *memStore) CreateSession(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *memStore) GetSession(_ context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, &ErrNotFound{Kind: "session", ID: id}
	}
	return sess, nil
}

func (s *memStore) AppendMessage(_ context.Context, m SessionMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

func (s *memStore) ListMessages(_ context.Context, sessionID string, limit int) ([]SessionMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []SessionMessage
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			msgs = append(msgs, m)
		}
	}
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// openPauses counts the run's pause events still awaiting a decision.
func (s *memStore) openPauses(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.pauses {
		if p.RunID == runID && p.ResumeTime == 0 {
			n++
		}
	}
	return n
}

// taskFor returns the root-scope task row for a node, if any.
func (s *memStore) taskFor(runID, nodeID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskKey(runID, nodeID, "")]
	return t, ok
}

var _ Store = (*memStore)(nil)

// fakeProvider returns scripted responses in order.
type fakeProvider struct {
	mu        sync.Mutex
	responses []ChatResponse
	requests  []ChatRequest
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) next(req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return ChatResponse{}, fmt.Errorf("fake provider: no scripted response")
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *fakeProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	return p.next(req)
}

func (p *fakeProvider) ChatWithTools(_ context.Context, req ChatRequest, _ []ToolDefinition) (ChatResponse, error) {
	return p.next(req)
}

var _ Provider = (*fakeProvider)(nil)

// fakeTools answers every call with a fixed result.
type fakeTools struct {
	defs   []ToolDefinition
	result string
	calls  []string
}

func (t *fakeTools) Definitions() []ToolDefinition { return t.defs }

func (t *fakeTools) Execute(_ context.Context, name string, _ json.RawMessage) (string, error) {
	t.calls = append(t.calls, name)
	return t.result, nil
}

var _ ToolRegistry = (*fakeTools)(nil)

// --- definition builders ---

// linearDef is input(start) -> transform(double: y = x*2) -> output(result).
func linearDef() WorkflowDefinition {
	return WorkflowDefinition{
		SpurType: SpurWorkflow,
		Nodes: []Node{
			{ID: "n_in", Title: "start", Type: "input"},
			{ID: "n_t", Title: "double", Type: "transform", Config: map[string]any{
				"fields": map[string]any{"y": "{{start.x}} * 2"},
			}},
			{ID: "n_out", Title: "result", Type: "output"},
		},
		Links: []Link{
			{SourceID: "n_in", TargetID: "n_t"},
			{SourceID: "n_t", TargetID: "n_out"},
		},
	}
}

// routerDef branches start.x into hot (>10) or cold routes, each feeding its
// own output node.
func routerDef() WorkflowDefinition {
	return WorkflowDefinition{
		SpurType: SpurWorkflow,
		Nodes: []Node{
			{ID: "n_in", Title: "start", Type: "input"},
			{ID: "n_r", Title: "route", Type: "router", Config: map[string]any{
				"route_map": map[string]any{
					"hot": map[string]any{"conditions": []any{
						map[string]any{"variable": "start.x", "operator": "greater_than", "value": 10},
					}},
					"cold": map[string]any{"conditions": []any{
						map[string]any{"variable": "start.x", "operator": "less_than", "value": 11},
					}},
				},
				"route_order": []any{"hot", "cold"},
			}},
			{ID: "n_h", Title: "hot_path", Type: "transform", Config: map[string]any{
				"fields": map[string]any{"label": "hot"},
			}},
			{ID: "n_c", Title: "cold_path", Type: "transform", Config: map[string]any{
				"fields": map[string]any{"label": "cold"},
			}},
			{ID: "n_oh", Title: "hot_out", Type: "output"},
			{ID: "n_oc", Title: "cold_out", Type: "output"},
		},
		Links: []Link{
			{SourceID: "n_in", TargetID: "n_r"},
			{SourceID: "n_r", TargetID: "n_h", SourceHandle: "hot"},
			{SourceID: "n_r", TargetID: "n_c", SourceHandle: "cold"},
			{SourceID: "n_h", TargetID: "n_oh"},
			{SourceID: "n_c", TargetID: "n_oc"},
		},
	}
}

// pauseDef is input -> human_intervention -> output.
func pauseDef() WorkflowDefinition {
	return WorkflowDefinition{
		SpurType: SpurWorkflow,
		Nodes: []Node{
			{ID: "n_in", Title: "start", Type: "input"},
			{ID: "n_hi", Title: "approve", Type: "human_intervention", Config: map[string]any{
				"message": "check the numbers",
			}},
			{ID: "n_out", Title: "result", Type: "output"},
		},
		Links: []Link{
			{SourceID: "n_in", TargetID: "n_hi"},
			{SourceID: "n_hi", TargetID: "n_out"},
		},
	}
}

// dualPauseDef gates two parallel approvals between input and output.
func dualPauseDef() WorkflowDefinition {
	return WorkflowDefinition{
		SpurType: SpurWorkflow,
		Nodes: []Node{
			{ID: "n_in", Title: "start", Type: "input"},
			{ID: "n_a", Title: "approve_a", Type: "human_intervention", Config: map[string]any{
				"message": "first check",
			}},
			{ID: "n_b", Title: "approve_b", Type: "human_intervention", Config: map[string]any{
				"message": "second check",
			}},
			{ID: "n_out", Title: "result", Type: "output"},
		},
		Links: []Link{
			{SourceID: "n_in", TargetID: "n_a"},
			{SourceID: "n_in", TargetID: "n_b"},
			{SourceID: "n_a", TargetID: "n_out"},
			{SourceID: "n_b", TargetID: "n_out"},
		},
	}
}

// loopDef runs a doubling subworkflow once per element of start.items.
func loopDef() WorkflowDefinition {
	sub := WorkflowDefinition{
		SpurType: SpurWorkflow,
		Nodes: []Node{
			{ID: "s_in", Title: "sub_in", Type: "input"},
			{ID: "s_t", Title: "sub_double", Type: "transform", Config: map[string]any{
				"fields": map[string]any{"doubled": "{{sub_in.item}} * 2"},
			}},
			{ID: "s_out", Title: "sub_out", Type: "output"},
		},
		Links: []Link{
			{SourceID: "s_in", TargetID: "s_t"},
			{SourceID: "s_t", TargetID: "s_out", SourceHandle: "doubled", TargetHandle: "doubled"},
		},
	}
	return WorkflowDefinition{
		SpurType: SpurWorkflow,
		Nodes: []Node{
			{ID: "n_in", Title: "start", Type: "input"},
			{ID: "n_loop", Title: "each", Type: "for_loop", Subworkflow: &sub},
			{ID: "n_out", Title: "result", Type: "output"},
		},
		Links: []Link{
			{SourceID: "n_in", TargetID: "n_loop", SourceHandle: "items", TargetHandle: "iterable"},
			{SourceID: "n_loop", TargetID: "n_out", SourceHandle: "result", TargetHandle: "result"},
		},
	}
}

// chatDef echoes the user message back as the assistant message.
func chatDef() WorkflowDefinition {
	return WorkflowDefinition{
		SpurType: SpurChatbot,
		Nodes: []Node{
			{ID: "n_in", Title: "chat_in", Type: "input", Config: map[string]any{
				"output_schema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"user_message":    map[string]any{"type": "string"},
						"session_id":      map[string]any{"type": "string"},
						"message_history": map[string]any{"type": "array"},
					},
					"required": []any{"user_message", "session_id"},
				},
			}},
			{ID: "n_t", Title: "respond", Type: "transform", Config: map[string]any{
				"fields": map[string]any{"assistant_message": "Echo: {{chat_in.user_message}}"},
			}},
			{ID: "n_out", Title: "reply", Type: "output"},
		},
		Links: []Link{
			{SourceID: "n_in", TargetID: "n_t"},
			{SourceID: "n_t", TargetID: "n_out", SourceHandle: "assistant_message", TargetHandle: "assistant_message"},
		},
	}
}

// failingNode errors on every execution.
type failingNode struct{}

func (failingNode) Execute(context.Context, *ExecContext, map[string]any, map[string]any) (map[string]any, error) {
	return nil, fmt.Errorf("boom")
}

// sleepingNode blocks until the context is done.
type sleepingNode struct{}

func (sleepingNode) Execute(ctx context.Context, _ *ExecContext, _ map[string]any, _ map[string]any) (map[string]any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// testRegistry is the builtin registry plus the fault-injection node types.
func testRegistry() *Registry {
	r := BuiltinRegistry()
	for _, nt := range []NodeType{
		{Name: "explode", Category: CategoryPrimitive, New: func() NodeExecutor { return failingNode{} }},
		{Name: "sleep", Category: CategoryPrimitive, New: func() NodeExecutor { return sleepingNode{} }},
	} {
		if err := r.Register(nt); err != nil {
			panic(err)
		}
	}
	return r
}
