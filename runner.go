package spur

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

// Default dispatch caps per node category. LLM calls are throttled hardest,
// integration I/O is generous, local compute tracks the machine.
const (
	defaultLLMSlots = 8
	defaultIOSlots  = 32
)

// runner executes workflow definitions against a Store. One runner is shared
// by every run the controller starts; the semaphores are therefore
// process-wide caps, not per-run caps.
type runner struct {
	store     Store
	reg       *Registry
	provider  Provider
	tools     ToolRegistry
	retriever Retriever
	logger    *slog.Logger
	tracer    Tracer

	llmSem     chan struct{}
	ioSem      chan struct{}
	computeSem chan struct{}
}

func newRunner(store Store, reg *Registry, logger *slog.Logger, llmSlots, ioSlots, computeSlots int) *runner {
	if llmSlots <= 0 {
		llmSlots = defaultLLMSlots
	}
	if ioSlots <= 0 {
		ioSlots = defaultIOSlots
	}
	if computeSlots <= 0 {
		computeSlots = runtime.GOMAXPROCS(0)
	}
	return &runner{
		store:      store,
		reg:        reg,
		logger:     logger,
		llmSem:     make(chan struct{}, llmSlots),
		ioSem:      make(chan struct{}, ioSlots),
		computeSem: make(chan struct{}, computeSlots),
	}
}

// semFor returns the dispatch semaphore for a node category. Loop nodes are
// unthrottled: they hold no slot while their iterations run, so nested loops
// cannot deadlock the compute pool.
func (r *runner) semFor(cat Category) chan struct{} {
	switch cat {
	case CategoryLLM, CategoryAgent:
		return r.llmSem
	case CategoryIntegration, CategoryRAG:
		return r.ioSem
	case CategoryLoop:
		return nil
	default:
		return r.computeSem
	}
}

// runPlan parameterizes one scheduler pass over a definition.
type runPlan struct {
	// inputs feed the scope's input node.
	inputs map[string]any
	// allowed restricts execution to a node-ID subset; nil allows all.
	allowed map[string]bool
	// preloaded outputs are treated as already completed (resume, partial).
	preloaded map[string]map[string]any
	// skippedForPartial nodes get synthetic canceled task rows at seed time.
	skippedForPartial map[string]bool
	// resumeNodeID re-executes with resumeData injected.
	resumeNodeID string
	resumeData   map[string]any
	sessionID    string
}

// pausedState reports a suspension out of a scheduler pass.
type pausedState struct {
	nodeID  string
	message string
	fields  []string
	inputs  map[string]any
}

// execute drives one run to a terminal or paused state and persists every
// transition. The run row must already exist.
func (r *runner) execute(ctx context.Context, run *Run, def *WorkflowDefinition, plan runPlan) error {
	var span Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "run.execute",
			StringAttr("run.id", run.ID),
			StringAttr("run.type", string(run.RunType)),
			IntAttr("node_count", len(def.Nodes)))
		defer span.End()
	}

	run.Status = RunRunning
	if run.StartTime == 0 {
		run.StartTime = NowUnix()
	}
	if err := retryStoreWrite(ctx, "run.update", r.logger, func() error {
		return r.store.UpdateRun(ctx, *run)
	}); err != nil {
		return err
	}

	sc := r.newScope(def, run.ID, plan.sessionID, "")
	outputs, paused, execErr := sc.run(ctx, plan)

	// Terminal persistence must survive a blown run deadline.
	persistCtx := context.WithoutCancel(ctx)

	if paused != nil {
		run.Status = RunPaused
		if span != nil {
			span.SetAttr(StringAttr("run.status", "paused"), StringAttr("pause.node_id", paused.nodeID))
		}
		return retryStoreWrite(persistCtx, "run.update", r.logger, func() error {
			return r.store.UpdateRun(persistCtx, *run)
		})
	}

	run.EndTime = NowUnix()
	run.Outputs = outputs

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		run.Status = RunCanceled
		run.Error = reasonDeadlineExceeded
	case errors.Is(ctx.Err(), context.Canceled):
		run.Status = RunCanceled
		run.Error = "canceled"
	case execErr != nil:
		run.Status = RunFailed
		run.Error = execErr.Error()
	case !sc.satisfied(plan):
		run.Status = RunFailed
		run.Error = sc.firstFailure()
	default:
		run.Status = RunCompleted
	}

	if span != nil {
		span.SetAttr(StringAttr("run.status", string(run.Status)))
		if run.Status == RunFailed {
			span.Error(errors.New(run.Error))
		}
	}
	r.logger.Info("run finished", "run_id", run.ID, "status", run.Status, "duration_s", run.EndTime-run.StartTime)

	return retryStoreWrite(persistCtx, "run.update", r.logger, func() error {
		return r.store.UpdateRun(persistCtx, *run)
	})
}

// --- scope scheduler ---

// nodeOutcome records how one node finished within a scope.
type nodeOutcome struct {
	status  TaskStatus
	reason  string
	outputs map[string]any
}

// scope is one scheduler pass over a definition: the root graph, or one loop
// iteration's subgraph under a parent task.
type scope struct {
	r            *runner
	def          *WorkflowDefinition
	runID        string
	sessionID    string
	parentTaskID string

	nodes      map[string]*Node
	dependents map[string][]string
	incoming   map[string][]Link

	// Coordinator-owned; workers never touch these.
	outcomes map[string]nodeOutcome
	paused   *pausedState

	// pauseSeen elects the single pause event writer when sibling nodes
	// pause in the same pass. Workers race on it, hence atomic.
	pauseSeen atomic.Bool
}

func (r *runner) newScope(def *WorkflowDefinition, runID, sessionID, parentTaskID string) *scope {
	sc := &scope{
		r:            r,
		def:          def,
		runID:        runID,
		sessionID:    sessionID,
		parentTaskID: parentTaskID,
		nodes:        make(map[string]*Node, len(def.Nodes)),
		dependents:   make(map[string][]string),
		incoming:     make(map[string][]Link),
		outcomes:     make(map[string]nodeOutcome, len(def.Nodes)),
	}
	for i := range def.Nodes {
		n := &def.Nodes[i]
		sc.nodes[n.ID] = n
	}
	for _, l := range def.Links {
		sc.dependents[l.SourceID] = append(sc.dependents[l.SourceID], l.TargetID)
		sc.incoming[l.TargetID] = append(sc.incoming[l.TargetID], l)
	}
	return sc
}

// nodeDone is a worker's completion report to the coordinator.
type nodeDone struct {
	id      string
	outputs map[string]any
	inputs  map[string]any
	err     error
	pause   *errPause
	// pauseRecorded marks the one pause that holds the run's open pause
	// event; sibling pauses in the same pass re-pause on the resume pass.
	pauseRecorded bool
}

// run executes the scope graph reactively. Each node completion immediately
// unblocks its dependents. Scheduling state (completed, remaining, outcomes)
// is owned by this goroutine; workers execute nodes and report on the done
// channel, so no mutex is needed.
//
// A node failure cancels only its downstream subgraph; independent branches
// keep running. A pause stops new dispatch and lets in-flight nodes finish.
func (sc *scope) run(ctx context.Context, plan runPlan) (map[string]map[string]any, *pausedState, error) {
	completed := make(map[string]bool, len(sc.nodes))
	remaining := make(map[string]int, len(sc.nodes))
	for id := range sc.nodes {
		remaining[id] = len(sc.incoming[id])
	}

	persistCtx := context.WithoutCancel(ctx)

	// Seed preloaded results (resume, partial) as completed.
	for id, out := range plan.preloaded {
		if _, known := sc.nodes[id]; !known {
			continue
		}
		completed[id] = true
		sc.outcomes[id] = nodeOutcome{status: TaskCompleted, outputs: out}
	}
	// Record synthetic rows for nodes a partial run excludes.
	for id := range plan.skippedForPartial {
		if completed[id] {
			continue
		}
		completed[id] = true
		sc.outcomes[id] = nodeOutcome{status: TaskCanceled, reason: reasonSkippedForPartial}
		sc.persistSkip(persistCtx, id, reasonSkippedForPartial)
	}
	for id := range completed {
		for _, dep := range sc.dependents[id] {
			if !completed[dep] {
				remaining[dep]--
			}
		}
	}

	done := make(chan nodeDone, len(sc.nodes))
	inflight := 0
	var execErr error

	// skipNode cancels a node without executing it and cascades to any
	// dependents that become ready. Unselected-branch skips stay "skipped"
	// all the way down; failure cascades carry "upstream_failed". Recursion
	// depth is bounded by the validated-acyclic graph depth.
	var skipNode func(id, reason string)
	skipNode = func(id, reason string) {
		completed[id] = true
		sc.outcomes[id] = nodeOutcome{status: TaskCanceled, reason: reason}
		sc.persistSkip(persistCtx, id, reason)
		cascade := reasonUpstreamFailed
		if reason == reasonSkipped || reason == reasonSkippedForPartial {
			cascade = reason
		}
		for _, dep := range sc.dependents[id] {
			if !completed[dep] {
				remaining[dep]--
				if remaining[dep] == 0 {
					skipNode(dep, cascade)
				}
			}
		}
	}

	launch := func(id string) {
		if completed[id] {
			return
		}
		if sc.paused != nil {
			// Suspended: leave unlaunched nodes pending for the resume pass.
			return
		}
		if plan.allowed != nil && !plan.allowed[id] {
			skipNode(id, reasonSkippedForPartial)
			return
		}
		if reason, bad := sc.upstreamBlocked(id); bad {
			skipNode(id, reason)
			return
		}

		inputs, ready := sc.assembleInputs(id, plan)
		if !ready {
			skipNode(id, reasonSkipped)
			return
		}

		completed[id] = true
		inflight++
		go sc.executeNode(ctx, id, inputs, plan, done)
	}

	for id := range sc.nodes {
		if remaining[id] == 0 && !completed[id] {
			launch(id)
		}
	}

	for inflight > 0 {
		nd := <-done
		inflight--

		switch {
		case nd.pause != nil:
			// The reported suspension is the one whose pause event was
			// persisted, so resume always addresses the open event's node.
			if nd.pauseRecorded {
				sc.paused = &pausedState{
					nodeID:  nd.id,
					message: nd.pause.message,
					fields:  nd.pause.requiredFields,
					inputs:  nd.inputs,
				}
			}
			sc.outcomes[nd.id] = nodeOutcome{status: TaskPaused}
		case nd.err != nil:
			sc.outcomes[nd.id] = nodeOutcome{status: TaskFailed, reason: nd.err.Error()}
			if execErr == nil && ctx.Err() != nil {
				execErr = nd.err
			}
			for _, dep := range sc.dependents[nd.id] {
				if !completed[dep] {
					remaining[dep]--
					if remaining[dep] == 0 {
						skipNode(dep, reasonUpstreamFailed)
					}
				}
			}
			continue
		default:
			sc.outcomes[nd.id] = nodeOutcome{status: TaskCompleted, outputs: nd.outputs}
		}

		if nd.pause == nil {
			for _, dep := range sc.dependents[nd.id] {
				if !completed[dep] {
					remaining[dep]--
					if remaining[dep] == 0 {
						launch(dep)
					}
				}
			}
		}
	}

	return sc.collectOutputs(), sc.paused, execErr
}

// upstreamBlocked reports whether any upstream of a ready node failed or was
// canceled, and with which cascade reason.
func (sc *scope) upstreamBlocked(id string) (string, bool) {
	for _, l := range sc.incoming[id] {
		out, ok := sc.outcomes[l.SourceID]
		if !ok {
			continue
		}
		switch out.status {
		case TaskFailed:
			return reasonUpstreamFailed, true
		case TaskCanceled:
			if out.reason == reasonSkipped || out.reason == reasonSkippedForPartial {
				return out.reason, true
			}
			return reasonUpstreamFailed, true
		case TaskPaused:
			return reasonSkipped, true
		}
	}
	return "", false
}

// assembleInputs builds a node's input map from its incoming links. Router
// sources contribute the value on the link's route handle; an unselected
// route makes the input absent and the node is skipped rather than executed.
func (sc *scope) assembleInputs(id string, plan runPlan) (map[string]any, bool) {
	node := sc.nodes[id]
	nt, _ := sc.r.reg.Resolve(node.Type)
	if nt.Category == CategoryInput {
		in := make(map[string]any, len(plan.inputs))
		for k, v := range plan.inputs {
			in[k] = v
		}
		return in, true
	}

	in := make(map[string]any)
	for _, l := range sc.incoming[id] {
		src := sc.nodes[l.SourceID]
		out := sc.outcomes[l.SourceID].outputs
		if out == nil {
			return nil, false
		}

		switch {
		case src.Type == "router":
			v, selected := out[l.SourceHandle]
			if !selected {
				return nil, false
			}
			in[handleKey(l.TargetHandle, src.Title)] = v
		case l.SourceHandle != "":
			v, ok := out[l.SourceHandle]
			if !ok {
				return nil, false
			}
			in[handleKey(l.TargetHandle, l.SourceHandle)] = v
		default:
			copied := make(map[string]any, len(out))
			for k, v := range out {
				copied[k] = v
			}
			in[handleKey(l.TargetHandle, src.Title)] = copied
		}
	}
	return in, true
}

func handleKey(targetHandle, fallback string) string {
	if targetHandle != "" {
		return targetHandle
	}
	return fallback
}

// executeNode runs one node in a worker goroutine: acquires the category
// semaphore, persists the RUNNING transition, executes, persists the terminal
// transition, then reports to the coordinator. Persistence always precedes
// the done send, so a crash never loses an acknowledged state.
func (sc *scope) executeNode(ctx context.Context, id string, inputs map[string]any, plan runPlan, done chan<- nodeDone) {
	node := sc.nodes[id]
	nt, ok := sc.r.reg.Resolve(node.Type)
	if !ok {
		done <- nodeDone{id: id, inputs: inputs, err: fmt.Errorf("unknown node type %q", node.Type)}
		return
	}

	if sem := sc.r.semFor(nt.Category); sem != nil {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ctx.Done():
			done <- nodeDone{id: id, inputs: inputs, err: ctx.Err()}
			return
		}
	}

	var span Span
	if sc.r.tracer != nil {
		ctx, span = sc.r.tracer.Start(ctx, "node.execute",
			StringAttr("run.id", sc.runID),
			StringAttr("node.id", id),
			StringAttr("node.type", node.Type))
		defer span.End()
	}

	persistCtx := context.WithoutCancel(ctx)
	task := Task{
		ID:           NewID(),
		RunID:        sc.runID,
		NodeID:       id,
		ParentTaskID: sc.parentTaskID,
		Status:       TaskRunning,
		Inputs:       inputs,
		StartTime:    NowUnix(),
	}
	if err := retryStoreWrite(persistCtx, "task.upsert", sc.r.logger, func() error {
		return sc.r.store.UpsertTask(persistCtx, task)
	}); err != nil {
		done <- nodeDone{id: id, inputs: inputs, err: err}
		return
	}

	ec := &ExecContext{
		RunID:       sc.runID,
		NodeID:      id,
		NodeTitle:   node.Title,
		SessionID:   sc.sessionID,
		Subworkflow: node.Subworkflow,
		Provider:    sc.r.provider,
		Tools:       sc.r.tools,
		Retriever:   sc.r.retriever,
		Logger:      sc.r.logger,
	}
	ec.Subrun = sc.subrunFor(&task)
	if id == plan.resumeNodeID {
		ec.ResumeData = plan.resumeData
	}

	outputs, err := nt.New().Execute(ctx, ec, node.Config, inputs)
	task.EndTime = NowUnix()

	if p, isPause := asPause(err); isPause {
		if sc.parentTaskID != "" {
			// Suspension cannot cross a loop iteration boundary.
			err = fmt.Errorf("node %q: human intervention inside a subworkflow is not supported", node.Title)
		} else {
			task.Status = TaskPaused
			sc.r.logger.Info("node paused", "run_id", sc.runID, "node", node.Title)
			if span != nil {
				span.SetAttr(StringAttr("node.status", "paused"))
			}
			// Only one sibling pause per pass gets the run's open pause
			// event; the losers park their tasks and re-pause on resume,
			// recording their own event then.
			recorded := sc.pauseSeen.CompareAndSwap(false, true)
			if recorded {
				sc.persistPause(persistCtx, task, p)
			} else {
				retryStoreWrite(persistCtx, "task.upsert", sc.r.logger, func() error {
					return sc.r.store.UpsertTask(persistCtx, task)
				})
			}
			done <- nodeDone{id: id, inputs: inputs, pause: p, pauseRecorded: recorded}
			return
		}
	}

	if err != nil {
		task.Status = TaskFailed
		task.Error = err.Error()
		sc.r.logger.Error("node failed", "run_id", sc.runID, "node", node.Title, "error", err)
		if span != nil {
			span.Error(err)
		}
		retryStoreWrite(persistCtx, "task.upsert", sc.r.logger, func() error {
			return sc.r.store.UpsertTask(persistCtx, task)
		})
		done <- nodeDone{id: id, inputs: inputs, err: &ErrNodeExecution{NodeID: id, Err: err}}
		return
	}

	task.Status = TaskCompleted
	task.Outputs = outputs
	sc.r.logger.Debug("node completed", "run_id", sc.runID, "node", node.Title)
	if span != nil {
		span.SetAttr(StringAttr("node.status", "completed"))
	}
	retryStoreWrite(persistCtx, "task.upsert", sc.r.logger, func() error {
		return sc.r.store.UpsertTask(persistCtx, task)
	})
	done <- nodeDone{id: id, inputs: inputs, outputs: outputs}
}

// subrunFor returns the nested-scope hook for a group node's task. Each
// invocation gets a fresh iteration scope derived from the group task's ID,
// so two iterations' tasks for the same sub-node never collide on the
// (run_id, node_id, parent_task_id) upsert key. The last finished iteration's
// per-node outputs are kept on the group task.
func (sc *scope) subrunFor(parent *Task) SubrunFunc {
	var iter atomic.Int64
	var mu sync.Mutex
	return func(ctx context.Context, def *WorkflowDefinition, inputs map[string]any) (map[string]map[string]any, error) {
		scopeID := fmt.Sprintf("%s/%d", parent.ID, iter.Add(1))
		child := sc.r.newScope(def, sc.runID, sc.sessionID, scopeID)
		outputs, paused, err := child.run(ctx, runPlan{inputs: inputs, sessionID: sc.sessionID})
		if err != nil {
			return nil, err
		}
		if paused != nil {
			return nil, fmt.Errorf("subworkflow paused at node %q", paused.nodeID)
		}
		if !child.satisfied(runPlan{}) {
			return nil, errors.New(child.firstFailure())
		}
		mu.Lock()
		parent.SubworkflowOutput = outputs
		mu.Unlock()
		return outputs, nil
	}
}

// persistSkip records a synthetic canceled task row for a node that never
// executed, so the run's task list accounts for every scheduling decision.
func (sc *scope) persistSkip(ctx context.Context, id, reason string) {
	task := Task{
		ID:           NewID(),
		RunID:        sc.runID,
		NodeID:       id,
		ParentTaskID: sc.parentTaskID,
		Status:       TaskCanceled,
		Error:        reason,
		StartTime:    NowUnix(),
		EndTime:      NowUnix(),
	}
	retryStoreWrite(ctx, "task.upsert", sc.r.logger, func() error {
		return sc.r.store.UpsertTask(ctx, task)
	})
}

// persistPause writes the paused task row and its pause event.
func (sc *scope) persistPause(ctx context.Context, task Task, p *errPause) {
	retryStoreWrite(ctx, "task.upsert", sc.r.logger, func() error {
		return sc.r.store.UpsertTask(ctx, task)
	})
	event := PauseEvent{
		ID:           NewID(),
		RunID:        sc.runID,
		NodeID:       task.NodeID,
		PauseTime:    NowUnix(),
		PauseMessage: p.message,
		InputData:    task.Inputs,
	}
	retryStoreWrite(ctx, "pause.create", sc.r.logger, func() error {
		return sc.r.store.CreatePauseEvent(ctx, event)
	})
}

// collectOutputs gathers completed output-node outputs keyed by node title.
func (sc *scope) collectOutputs() map[string]map[string]any {
	outputs := make(map[string]map[string]any)
	for id, out := range sc.outcomes {
		if out.status != TaskCompleted || out.outputs == nil {
			continue
		}
		node := sc.nodes[id]
		nt, ok := sc.r.reg.Resolve(node.Type)
		if !ok || nt.Category != CategoryOutput {
			continue
		}
		outputs[node.Title] = out.outputs
	}
	return outputs
}

// satisfied reports whether the pass met its completion bar: every allowed
// node completed for a restricted pass, every reachable output node completed
// for a full pass.
func (sc *scope) satisfied(plan runPlan) bool {
	if plan.allowed != nil {
		for id := range plan.allowed {
			if sc.outcomes[id].status != TaskCompleted {
				return false
			}
		}
		return true
	}

	inputID := ""
	for id, n := range sc.nodes {
		if nt, ok := sc.r.reg.Resolve(n.Type); ok && nt.Category == CategoryInput {
			inputID = id
			break
		}
	}
	if inputID == "" {
		return false
	}
	adjacency := make(map[string][]string, len(sc.nodes))
	for _, l := range sc.def.Links {
		adjacency[l.SourceID] = append(adjacency[l.SourceID], l.TargetID)
	}
	reachable := reachableFrom(inputID, adjacency)

	for id, n := range sc.nodes {
		nt, ok := sc.r.reg.Resolve(n.Type)
		if !ok || nt.Category != CategoryOutput || !reachable[id] {
			continue
		}
		switch sc.outcomes[id].status {
		case TaskCompleted:
		case TaskCanceled:
			// A branch a router never selected is not a failure.
			if sc.outcomes[id].reason != reasonSkipped && sc.outcomes[id].reason != reasonUpstreamFailed {
				return false
			}
			if sc.outcomes[id].reason == reasonUpstreamFailed && sc.hasFailedAncestor(id) {
				return false
			}
		default:
			return false
		}
	}

	// At least one output must actually have produced a value.
	for id, n := range sc.nodes {
		if nt, ok := sc.r.reg.Resolve(n.Type); ok && nt.Category == CategoryOutput {
			if sc.outcomes[id].status == TaskCompleted {
				return true
			}
		}
	}
	return false
}

// hasFailedAncestor reports whether any transitive upstream of a node failed.
func (sc *scope) hasFailedAncestor(id string) bool {
	seen := map[string]bool{id: true}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, l := range sc.incoming[cur] {
			if seen[l.SourceID] {
				continue
			}
			seen[l.SourceID] = true
			if sc.outcomes[l.SourceID].status == TaskFailed {
				return true
			}
			stack = append(stack, l.SourceID)
		}
	}
	return false
}

// firstFailure returns a human-readable error for the run row.
func (sc *scope) firstFailure() string {
	for id, out := range sc.outcomes {
		if out.status == TaskFailed {
			return fmt.Sprintf("node %q failed: %s", sc.nodes[id].Title, out.reason)
		}
	}
	return "run did not produce outputs"
}

// ancestorsOf returns the target plus every transitive upstream node ID.
func ancestorsOf(def *WorkflowDefinition, targetID string) map[string]bool {
	incoming := make(map[string][]string)
	for _, l := range def.Links {
		incoming[l.TargetID] = append(incoming[l.TargetID], l.SourceID)
	}
	set := map[string]bool{targetID: true}
	stack := []string{targetID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, src := range incoming[cur] {
			if !set[src] {
				set[src] = true
				stack = append(stack, src)
			}
		}
	}
	return set
}
