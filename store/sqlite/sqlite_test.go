package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/spurlab/spur"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "spur_test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testDefinition() spur.WorkflowDefinition {
	return spur.WorkflowDefinition{
		SpurType: spur.SpurWorkflow,
		Nodes: []spur.Node{
			{ID: "n1", Title: "start", Type: "input"},
			{ID: "n2", Title: "result", Type: "output"},
		},
		Links: []spur.Link{{SourceID: "n1", TargetID: "n2"}},
	}
}

func TestWorkflowCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := spur.Workflow{ID: spur.NewID(), Name: "wf", Description: "d", CreatedAt: 1, UpdatedAt: 1}
	if err := s.CreateWorkflow(ctx, w); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != w {
		t.Errorf("got %+v, want %+v", got, w)
	}

	w.Name = "renamed"
	w.CurrentVersionID = "v1"
	w.UpdatedAt = 2
	if err := s.UpdateWorkflow(ctx, w); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "renamed" || got.CurrentVersionID != "v1" {
		t.Errorf("update not persisted: %+v", got)
	}

	var nf *spur.ErrNotFound
	if _, err := s.GetWorkflow(ctx, "missing"); !errors.As(err, &nf) {
		t.Errorf("missing workflow = %v, want *ErrNotFound", err)
	}
	if err := s.UpdateWorkflow(ctx, spur.Workflow{ID: "missing"}); !errors.As(err, &nf) {
		t.Errorf("update of missing workflow = %v, want *ErrNotFound", err)
	}
}

func TestVersionDedupeAndNumbering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	def := testDefinition()
	wfID := spur.NewID()

	v1, err := s.CreateVersion(ctx, spur.WorkflowVersion{
		ID: spur.NewID(), WorkflowID: wfID, Hash: def.Hash(), Definition: def, CreatedAt: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if v1.Version != 1 {
		t.Errorf("first version = %d", v1.Version)
	}

	// Same hash: the existing row comes back, nothing is appended.
	dup, err := s.CreateVersion(ctx, spur.WorkflowVersion{
		ID: spur.NewID(), WorkflowID: wfID, Hash: def.Hash(), Definition: def, CreatedAt: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if dup.ID != v1.ID || dup.Version != 1 {
		t.Errorf("dedupe failed: %+v", dup)
	}

	changed := testDefinition()
	changed.Nodes[0].Title = "start2"
	v2, err := s.CreateVersion(ctx, spur.WorkflowVersion{
		ID: spur.NewID(), WorkflowID: wfID, Hash: changed.Hash(), Definition: changed, CreatedAt: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if v2.Version != 2 {
		t.Errorf("second version = %d", v2.Version)
	}

	latest, err := s.LatestVersion(ctx, wfID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != v2.ID {
		t.Errorf("latest = %s, want %s", latest.ID, v2.ID)
	}
	if latest.Definition.Nodes[0].Title != "start2" {
		t.Errorf("definition round trip: %+v", latest.Definition.Nodes[0])
	}

	got, err := s.GetVersion(ctx, v1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Hash != def.Hash() {
		t.Errorf("hash = %q", got.Hash)
	}
}

func TestRunRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := spur.Run{
		ID:         spur.NewID(),
		WorkflowID: "wf1",
		VersionID:  "v1",
		Status:     spur.RunPending,
		RunType:    spur.RunTypeInteractive,
		InitialInputs: map[string]map[string]any{
			"start": {"x": 2.0},
		},
		StartTime: 10,
	}
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatal(err)
	}

	r.Status = spur.RunCompleted
	r.Outputs = map[string]map[string]any{"result": {"y": 4.0}}
	r.EndTime = 20
	if err := s.UpdateRun(ctx, r); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != spur.RunCompleted || got.EndTime != 20 {
		t.Errorf("run = %+v", got)
	}
	if got.InitialInputs["start"]["x"] != 2.0 {
		t.Errorf("initial inputs = %#v", got.InitialInputs)
	}
	if got.Outputs["result"]["y"] != 4.0 {
		t.Errorf("outputs = %#v", got.Outputs)
	}
}

func TestListRunsOrderAndPaging(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := s.CreateRun(ctx, spur.Run{
			ID:         spur.NewID(),
			WorkflowID: "wf1",
			VersionID:  "v1",
			Status:     spur.RunCompleted,
			RunType:    spur.RunTypeInteractive,
			StartTime:  int64(100 + i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.ListRuns(ctx, "wf1", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs", len(runs))
	}
	if runs[0].StartTime != 102 || runs[1].StartTime != 101 {
		t.Errorf("not newest first: %d, %d", runs[0].StartTime, runs[1].StartTime)
	}

	rest, err := s.ListRuns(ctx, "wf1", 10, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || rest[0].StartTime != 100 {
		t.Errorf("offset page = %+v", rest)
	}
}

func TestUpsertTaskConverges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := spur.Task{
		ID:        spur.NewID(),
		RunID:     "r1",
		NodeID:    "n1",
		Status:    spur.TaskRunning,
		Inputs:    map[string]any{"x": 1.0},
		StartTime: 5,
	}
	if err := s.UpsertTask(ctx, first); err != nil {
		t.Fatal(err)
	}

	// Same (run, node, parent) with a different candidate id: the row is
	// updated in place and the original id survives.
	second := first
	second.ID = spur.NewID()
	second.Status = spur.TaskCompleted
	second.Outputs = map[string]any{"y": 2.0}
	second.EndTime = 6
	if err := s.UpsertTask(ctx, second); err != nil {
		t.Fatal(err)
	}

	tasks, err := s.ListTasks(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d rows, want 1", len(tasks))
	}
	got := tasks[0]
	if got.ID != first.ID {
		t.Errorf("row id = %s, want the original %s", got.ID, first.ID)
	}
	if got.Status != spur.TaskCompleted || got.Outputs["y"] != 2.0 {
		t.Errorf("row = %+v", got)
	}

	// A different parent scope is a separate row.
	child := first
	child.ID = spur.NewID()
	child.ParentTaskID = "parent1"
	if err := s.UpsertTask(ctx, child); err != nil {
		t.Fatal(err)
	}
	tasks, err = s.ListTasks(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Errorf("got %d rows, want 2", len(tasks))
	}
}

func TestPauseEventLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := spur.PauseEvent{
		ID:           spur.NewID(),
		RunID:        "r1",
		NodeID:       "n1",
		PauseTime:    10,
		PauseMessage: "check",
		InputData:    map[string]any{"x": 1.0},
	}
	if err := s.CreatePauseEvent(ctx, p); err != nil {
		t.Fatal(err)
	}

	open, err := s.GetOpenPauseEvent(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if open.ID != p.ID || open.PauseMessage != "check" || open.InputData["x"] != 1.0 {
		t.Errorf("open event = %+v", open)
	}

	open.ResumeTime = 20
	open.ResumeAction = spur.ResumeApprove
	open.ResumeUserID = "u1"
	if err := s.ClosePauseEvent(ctx, open); err != nil {
		t.Fatal(err)
	}

	var nf *spur.ErrNotFound
	if _, err := s.GetOpenPauseEvent(ctx, "r1"); !errors.As(err, &nf) {
		t.Errorf("closed event still open: %v", err)
	}
	// Closing twice is rejected.
	if err := s.ClosePauseEvent(ctx, open); !errors.As(err, &nf) {
		t.Errorf("double close = %v, want *ErrNotFound", err)
	}
}

func TestSessionsAndMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := spur.Session{ID: spur.NewID(), WorkflowID: "wf1", UserID: "u1", CreatedAt: 1}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != sess {
		t.Errorf("session = %+v", got)
	}

	for i, content := range []spur.ChatMessage{
		spur.UserMessage("hi"),
		spur.AssistantMessage("hello"),
	} {
		err := s.AppendMessage(ctx, spur.SessionMessage{
			ID:        spur.NewID(),
			SessionID: sess.ID,
			Content:   content,
			CreatedAt: int64(i + 1),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.ListMessages(ctx, sess.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Content.Role != "user" || msgs[1].Content.Content != "hello" {
		t.Errorf("messages = %+v", msgs)
	}

	one, err := s.ListMessages(ctx, sess.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(one) != 1 || one[0].Content.Role != "user" {
		t.Errorf("limited list = %+v", one)
	}
}
