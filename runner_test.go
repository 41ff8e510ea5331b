package spur

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRunLinearWorkflow(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := NewController(store)

	w, _, err := c.CreateWorkflow(ctx, "doubler", "", linearDef())
	if err != nil {
		t.Fatal(err)
	}

	run, err := c.StartRun(ctx, w.ID, map[string]any{"x": 2.0}, RunTypeInteractive)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunCompleted {
		t.Fatalf("status = %s, error = %q", run.Status, run.Error)
	}

	result, ok := run.Outputs["result"]
	if !ok {
		t.Fatalf("outputs = %#v, want key result", run.Outputs)
	}
	doubled := result["double"].(map[string]any)
	if doubled["y"] != 4.0 {
		t.Errorf("y = %v, want 4", doubled["y"])
	}

	// Every node left a completed task row.
	for _, nodeID := range []string{"n_in", "n_t", "n_out"} {
		task, ok := store.taskFor(run.ID, nodeID)
		if !ok {
			t.Errorf("no task for %s", nodeID)
			continue
		}
		if task.Status != TaskCompleted {
			t.Errorf("task %s = %s", nodeID, task.Status)
		}
	}

	stored, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != RunCompleted || stored.EndTime == 0 {
		t.Errorf("persisted run = %+v", stored)
	}
}

func TestRunRouterSkipsUnselectedBranch(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := NewController(store)

	w, _, err := c.CreateWorkflow(ctx, "branching", "", routerDef())
	if err != nil {
		t.Fatal(err)
	}

	run, err := c.StartRun(ctx, w.ID, map[string]any{"x": 50.0}, RunTypeInteractive)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunCompleted {
		t.Fatalf("status = %s, error = %q", run.Status, run.Error)
	}

	if _, ok := run.Outputs["hot_out"]; !ok {
		t.Errorf("selected branch missing from outputs: %#v", run.Outputs)
	}
	if _, ok := run.Outputs["cold_out"]; ok {
		t.Error("unselected branch produced outputs")
	}

	for _, nodeID := range []string{"n_c", "n_oc"} {
		task, ok := store.taskFor(run.ID, nodeID)
		if !ok {
			t.Fatalf("no task for unselected node %s", nodeID)
		}
		if task.Status != TaskCanceled || task.Error != reasonSkipped {
			t.Errorf("unselected %s = %s/%q, want CANCELED/%q", nodeID, task.Status, task.Error, reasonSkipped)
		}
	}
}

func TestRunFailureCancelsDownstreamOnly(t *testing.T) {
	def := WorkflowDefinition{
		SpurType: SpurWorkflow,
		Nodes: []Node{
			{ID: "n_in", Title: "start", Type: "input"},
			{ID: "n_f", Title: "fragile", Type: "explode"},
			{ID: "n_of", Title: "fragile_out", Type: "output"},
			{ID: "n_t", Title: "steady", Type: "transform", Config: map[string]any{
				"fields": map[string]any{"ok": "yes"},
			}},
			{ID: "n_ot", Title: "steady_out", Type: "output"},
		},
		Links: []Link{
			{SourceID: "n_in", TargetID: "n_f"},
			{SourceID: "n_f", TargetID: "n_of"},
			{SourceID: "n_in", TargetID: "n_t"},
			{SourceID: "n_t", TargetID: "n_ot"},
		},
	}

	ctx := context.Background()
	store := newMemStore()
	c := NewController(store, WithRegistry(testRegistry()))

	w, _, err := c.CreateWorkflow(ctx, "half-broken", "", def)
	if err != nil {
		t.Fatal(err)
	}
	run, err := c.StartRun(ctx, w.ID, map[string]any{"x": 1.0}, RunTypeInteractive)
	if err != nil {
		t.Fatal(err)
	}

	if run.Status != RunFailed {
		t.Fatalf("status = %s, want FAILED", run.Status)
	}
	if !strings.Contains(run.Error, "fragile") {
		t.Errorf("run error = %q, want the failing node named", run.Error)
	}

	// The independent branch still completed and its output was collected.
	if _, ok := run.Outputs["steady_out"]; !ok {
		t.Errorf("independent branch outputs missing: %#v", run.Outputs)
	}

	failed, _ := store.taskFor(run.ID, "n_f")
	if failed.Status != TaskFailed {
		t.Errorf("failing task = %s", failed.Status)
	}
	blocked, ok := store.taskFor(run.ID, "n_of")
	if !ok {
		t.Fatal("no task for downstream of the failure")
	}
	if blocked.Status != TaskCanceled || blocked.Error != reasonUpstreamFailed {
		t.Errorf("downstream = %s/%q, want CANCELED/%q", blocked.Status, blocked.Error, reasonUpstreamFailed)
	}
	steady, _ := store.taskFor(run.ID, "n_ot")
	if steady.Status != TaskCompleted {
		t.Errorf("independent branch output = %s", steady.Status)
	}
}

func TestRunLoopWorkflow(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := NewController(store)

	w, _, err := c.CreateWorkflow(ctx, "looped", "", loopDef())
	if err != nil {
		t.Fatal(err)
	}
	run, err := c.StartRun(ctx, w.ID, map[string]any{"items": []any{1.0, 2.0, 3.0}}, RunTypeInteractive)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunCompleted {
		t.Fatalf("status = %s, error = %q", run.Status, run.Error)
	}

	results := run.Outputs["result"]["result"].([]any)
	if len(results) != 3 {
		t.Fatalf("got %d iteration results", len(results))
	}
	for i, want := range []float64{2, 4, 6} {
		got := results[i].(map[string]any)["doubled"]
		if got != want {
			t.Errorf("result[%d] = %v, want %v", i, got, want)
		}
	}

	// Iteration tasks are recorded under the loop task's scope.
	loopTask, _ := store.taskFor(run.ID, "n_loop")
	if loopTask.Status != TaskCompleted {
		t.Fatalf("loop task = %s", loopTask.Status)
	}
	if loopTask.SubworkflowOutput == nil {
		t.Error("loop task carries no subworkflow output")
	}
	tasks, _ := store.ListTasks(ctx, run.ID)
	iterScopes := map[string]bool{}
	for _, task := range tasks {
		if strings.HasPrefix(task.ParentTaskID, loopTask.ID+"/") {
			iterScopes[task.ParentTaskID] = true
			if task.Status != TaskCompleted {
				t.Errorf("child task %s = %s", task.NodeID, task.Status)
			}
		}
	}
	// Each iteration records its tasks under its own scope, so per-iteration
	// rows never collide on the task upsert key.
	if len(iterScopes) != 3 {
		t.Errorf("iteration scopes = %d, want 3", len(iterScopes))
	}
}

func TestRunDeadline(t *testing.T) {
	def := WorkflowDefinition{
		SpurType: SpurWorkflow,
		Nodes: []Node{
			{ID: "n_in", Title: "start", Type: "input"},
			{ID: "n_s", Title: "stall", Type: "sleep"},
			{ID: "n_out", Title: "result", Type: "output"},
		},
		Links: []Link{
			{SourceID: "n_in", TargetID: "n_s"},
			{SourceID: "n_s", TargetID: "n_out"},
		},
	}

	ctx := context.Background()
	store := newMemStore()
	c := NewController(store,
		WithRegistry(testRegistry()),
		WithRunDeadline(30*time.Millisecond),
	)

	w, _, err := c.CreateWorkflow(ctx, "stalled", "", def)
	if err != nil {
		t.Fatal(err)
	}
	run, err := c.StartRun(ctx, w.ID, map[string]any{}, RunTypeInteractive)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunCanceled {
		t.Fatalf("status = %s, want CANCELED", run.Status)
	}
	if run.Error != reasonDeadlineExceeded {
		t.Errorf("error = %q, want %q", run.Error, reasonDeadlineExceeded)
	}

	// The terminal state was persisted despite the dead context.
	stored, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != RunCanceled {
		t.Errorf("persisted status = %s", stored.Status)
	}
}

func TestRunFanOutJoin(t *testing.T) {
	// Two parallel transforms joined by a final one.
	def := WorkflowDefinition{
		SpurType: SpurWorkflow,
		Nodes: []Node{
			{ID: "n_in", Title: "start", Type: "input"},
			{ID: "n_a", Title: "left", Type: "transform", Config: map[string]any{
				"fields": map[string]any{"v": "{{start.x}} + 1"},
			}},
			{ID: "n_b", Title: "right", Type: "transform", Config: map[string]any{
				"fields": map[string]any{"v": "{{start.x}} * 10"},
			}},
			{ID: "n_j", Title: "join", Type: "transform", Config: map[string]any{
				"fields": map[string]any{"sum": "{{left.v}} + {{right.v}}"},
			}},
			{ID: "n_out", Title: "result", Type: "output"},
		},
		Links: []Link{
			{SourceID: "n_in", TargetID: "n_a"},
			{SourceID: "n_in", TargetID: "n_b"},
			{SourceID: "n_a", TargetID: "n_j"},
			{SourceID: "n_b", TargetID: "n_j"},
			{SourceID: "n_j", TargetID: "n_out"},
		},
	}

	ctx := context.Background()
	c := NewController(newMemStore())

	w, _, err := c.CreateWorkflow(ctx, "diamond", "", def)
	if err != nil {
		t.Fatal(err)
	}
	run, err := c.StartRun(ctx, w.ID, map[string]any{"x": 3.0}, RunTypeInteractive)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunCompleted {
		t.Fatalf("status = %s, error = %q", run.Status, run.Error)
	}

	join := run.Outputs["result"]["join"].(map[string]any)
	if join["sum"] != 34.0 {
		t.Errorf("sum = %v, want 34", join["sum"])
	}
}

// recordingTracer captures span names and attributes for assertions.
type recordingTracer struct {
	mu    sync.Mutex
	spans []*recordedSpan
}

type recordedSpan struct {
	tracer *recordingTracer
	name   string
	attrs  []SpanAttr
	ended  bool
}

func (tr *recordingTracer) Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	sp := &recordedSpan{tracer: tr, name: name, attrs: attrs}
	tr.mu.Lock()
	tr.spans = append(tr.spans, sp)
	tr.mu.Unlock()
	return ctx, sp
}

func (s *recordedSpan) SetAttr(attrs ...SpanAttr) {
	s.tracer.mu.Lock()
	s.attrs = append(s.attrs, attrs...)
	s.tracer.mu.Unlock()
}
func (s *recordedSpan) Event(string, ...SpanAttr) {}
func (s *recordedSpan) Error(error)               {}
func (s *recordedSpan) End() {
	s.tracer.mu.Lock()
	s.ended = true
	s.tracer.mu.Unlock()
}

func TestRunEmitsSpans(t *testing.T) {
	ctx := context.Background()
	tracer := &recordingTracer{}
	c := NewController(newMemStore(), WithTracer(tracer))

	w, _, err := c.CreateWorkflow(ctx, "traced", "", linearDef())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.StartRun(ctx, w.ID, map[string]any{"x": 1.0}, RunTypeInteractive); err != nil {
		t.Fatal(err)
	}

	tracer.mu.Lock()
	defer tracer.mu.Unlock()

	var runSpan *recordedSpan
	nodeSpans := 0
	for _, sp := range tracer.spans {
		if !sp.ended {
			t.Errorf("span %q never ended", sp.name)
		}
		switch sp.name {
		case "run.execute":
			runSpan = sp
		case "node.execute":
			nodeSpans++
		}
	}
	if runSpan == nil {
		t.Fatal("no run.execute span")
	}
	if nodeSpans != 3 {
		t.Errorf("node spans = %d, want 3", nodeSpans)
	}

	statusSeen := false
	for _, a := range runSpan.attrs {
		if a.Key == "run.status" && a.Value == string(RunCompleted) {
			statusSeen = true
		}
	}
	if !statusSeen {
		t.Error("run span missing terminal status attribute")
	}
}
