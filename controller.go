package spur

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// nopLogger is a logger that discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Controller is the engine's front door: it owns workflow and version CRUD,
// run lifecycle (start, partial, resume, stop), and the chat adapter. One
// Controller is safe for concurrent use.
type Controller struct {
	store    Store
	reg      *Registry
	runner   *runner
	logger   *slog.Logger
	tracer   Tracer
	deadline time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	// construction-time state, consumed by NewController
	deferred     []func(*runner)
	llmSlots     int
	ioSlots      int
	computeSlots int
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the structured logger. If not set, output is discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithTracer sets the span tracer. If not set, no spans are created.
func WithTracer(t Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// WithRegistry replaces the builtin node type registry.
func WithRegistry(r *Registry) Option {
	return func(c *Controller) { c.reg = r }
}

// WithProvider sets the LLM backend used by llm_call and agent nodes.
func WithProvider(p Provider) Option {
	return func(c *Controller) {
		c.deferred = append(c.deferred, func(r *runner) { r.provider = p })
	}
}

// WithTools sets the tool registry available to agent nodes.
func WithTools(t ToolRegistry) Option {
	return func(c *Controller) {
		c.deferred = append(c.deferred, func(r *runner) { r.tools = t })
	}
}

// WithRetriever sets the search backend used by retrieval nodes.
func WithRetriever(rt Retriever) Option {
	return func(c *Controller) {
		c.deferred = append(c.deferred, func(r *runner) { r.retriever = rt })
	}
}

// WithRunDeadline caps each run's wall-clock time. A run that exceeds it is
// recorded as CANCELED with a deadline error. Zero (the default) disables
// the cap.
func WithRunDeadline(d time.Duration) Option {
	return func(c *Controller) { c.deadline = d }
}

// WithConcurrency sets the process-wide dispatch caps per node category.
// Zero values keep the defaults (8 LLM, 32 integration, GOMAXPROCS compute).
func WithConcurrency(llm, io, compute int) Option {
	return func(c *Controller) {
		c.llmSlots, c.ioSlots, c.computeSlots = llm, io, compute
	}
}

// NewController creates a Controller over the given store. Call store.Init
// before starting runs.
func NewController(store Store, opts ...Option) *Controller {
	c := &Controller{
		store:   store,
		cancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	if c.reg == nil {
		c.reg = BuiltinRegistry()
	}
	c.runner = newRunner(store, c.reg, c.logger, c.llmSlots, c.ioSlots, c.computeSlots)
	c.runner.tracer = c.tracer
	for _, fn := range c.deferred {
		fn(c.runner)
	}
	c.deferred = nil
	return c
}

// --- Workflow + version CRUD ---

// CreateWorkflow validates the definition, persists the workflow, and
// records its first version.
func (c *Controller) CreateWorkflow(ctx context.Context, name, description string, def WorkflowDefinition) (Workflow, WorkflowVersion, error) {
	if err := ValidateDefinition(&def, c.reg); err != nil {
		return Workflow{}, WorkflowVersion{}, err
	}

	now := NowUnix()
	w := Workflow{
		ID:          NewID(),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.CreateWorkflow(ctx, w); err != nil {
		return Workflow{}, WorkflowVersion{}, err
	}

	v, err := c.createVersion(ctx, &w, def)
	if err != nil {
		return Workflow{}, WorkflowVersion{}, err
	}
	return w, v, nil
}

// CreateVersion validates and records a new definition version. If the
// definition hash matches the latest version, that version is returned
// unchanged instead of appending a duplicate.
func (c *Controller) CreateVersion(ctx context.Context, workflowID string, def WorkflowDefinition) (WorkflowVersion, error) {
	if err := ValidateDefinition(&def, c.reg); err != nil {
		return WorkflowVersion{}, err
	}
	w, err := c.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return WorkflowVersion{}, err
	}
	return c.createVersion(ctx, &w, def)
}

func (c *Controller) createVersion(ctx context.Context, w *Workflow, def WorkflowDefinition) (WorkflowVersion, error) {
	v, err := c.store.CreateVersion(ctx, WorkflowVersion{
		ID:         NewID(),
		WorkflowID: w.ID,
		Hash:       def.Hash(),
		Definition: def,
		CreatedAt:  NowUnix(),
	})
	if err != nil {
		return WorkflowVersion{}, err
	}

	if w.CurrentVersionID != v.ID {
		w.CurrentVersionID = v.ID
		w.UpdatedAt = NowUnix()
		if err := c.store.UpdateWorkflow(ctx, *w); err != nil {
			return WorkflowVersion{}, err
		}
	}
	return v, nil
}

// GetWorkflow returns the workflow record.
func (c *Controller) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	return c.store.GetWorkflow(ctx, id)
}

// --- Run lifecycle ---

// StartRun executes the workflow's current version to a terminal or paused
// state and returns the final run record. Execution is synchronous; callers
// wanting fire-and-forget run it in their own goroutine and use StopRun /
// GetRunStatus from others.
func (c *Controller) StartRun(ctx context.Context, workflowID string, inputs map[string]any, runType RunType) (Run, error) {
	version, err := c.currentVersion(ctx, workflowID)
	if err != nil {
		return Run{}, err
	}
	if runType == "" {
		runType = RunTypeInteractive
	}

	run := Run{
		ID:         NewID(),
		WorkflowID: workflowID,
		VersionID:  version.ID,
		Status:     RunPending,
		RunType:    runType,
		InitialInputs: map[string]map[string]any{
			inputNodeTitle(&version.Definition): inputs,
		},
		StartTime: NowUnix(),
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return Run{}, err
	}

	runCtx, cancel := c.runContext(ctx, run.ID)
	defer cancel()

	if err := c.runner.execute(runCtx, &run, &version.Definition, runPlan{inputs: inputs}); err != nil {
		return run, err
	}
	return run, nil
}

// RunTestInputs starts one batch run per test_inputs entry of the current
// version and returns the finished runs in order.
func (c *Controller) RunTestInputs(ctx context.Context, workflowID string) ([]Run, error) {
	version, err := c.currentVersion(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(version.Definition.TestInputs) == 0 {
		return nil, fmt.Errorf("workflow %s has no test inputs", workflowID)
	}

	runs := make([]Run, 0, len(version.Definition.TestInputs))
	for _, inputs := range version.Definition.TestInputs {
		run, err := c.StartRun(ctx, workflowID, inputs, RunTypeBatch)
		if err != nil {
			return runs, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// PartialSpec parameterizes a partial re-run of a single node.
type PartialSpec struct {
	// NodeID is the target node to execute.
	NodeID string
	// RerunPredecessors re-executes the target's ancestor subgraph from the
	// input node. When false, only the target runs and PartialOutputs must
	// supply its upstream values.
	RerunPredecessors bool
	// InitialInputs feed the input node when rerunning predecessors.
	InitialInputs map[string]any
	// PartialOutputs are prior outputs keyed by node title, reused for nodes
	// outside the executed set.
	PartialOutputs map[string]map[string]any
}

// PartialRun executes a subset of the workflow graph and returns the run
// record together with the target node's outputs. Nodes outside the executed
// set are recorded as canceled with a partial-skip marker, so the run's task
// list stays complete and a repeated partial run converges on the same rows.
func (c *Controller) PartialRun(ctx context.Context, workflowID string, spec PartialSpec) (Run, map[string]any, error) {
	version, err := c.currentVersion(ctx, workflowID)
	if err != nil {
		return Run{}, nil, err
	}
	def := &version.Definition

	var target *Node
	for i := range def.Nodes {
		if def.Nodes[i].ID == spec.NodeID {
			target = &def.Nodes[i]
			break
		}
	}
	if target == nil {
		return Run{}, nil, &ErrNotFound{Kind: "node", ID: spec.NodeID}
	}

	byTitle := make(map[string]string, len(def.Nodes))
	for i := range def.Nodes {
		byTitle[def.Nodes[i].Title] = def.Nodes[i].ID
	}

	allowed := map[string]bool{spec.NodeID: true}
	if spec.RerunPredecessors {
		allowed = ancestorsOf(def, spec.NodeID)
	}

	preloaded := make(map[string]map[string]any)
	skipped := make(map[string]bool)
	for i := range def.Nodes {
		id := def.Nodes[i].ID
		if allowed[id] {
			continue
		}
		if out, ok := spec.PartialOutputs[def.Nodes[i].Title]; ok {
			preloaded[id] = out
		} else {
			skipped[id] = true
		}
	}

	run := Run{
		ID:         NewID(),
		WorkflowID: workflowID,
		VersionID:  version.ID,
		Status:     RunPending,
		RunType:    RunTypePartial,
		InitialInputs: map[string]map[string]any{
			inputNodeTitle(def): spec.InitialInputs,
		},
		StartTime: NowUnix(),
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return Run{}, nil, err
	}

	runCtx, cancel := c.runContext(ctx, run.ID)
	defer cancel()

	plan := runPlan{
		inputs:            spec.InitialInputs,
		allowed:           allowed,
		preloaded:         preloaded,
		skippedForPartial: skipped,
	}
	if err := c.runner.execute(runCtx, &run, def, plan); err != nil {
		return run, nil, err
	}

	// The target's outputs come from its persisted task row, so callers get
	// them without a second status lookup.
	tasks, err := c.store.ListTasks(ctx, run.ID)
	if err != nil {
		return run, nil, err
	}
	for _, t := range tasks {
		if t.NodeID == spec.NodeID && t.ParentTaskID == "" && t.Status == TaskCompleted {
			return run, t.Outputs, nil
		}
	}
	return run, nil, nil
}

// ResumeDecision is the human input that closes a pause event.
type ResumeDecision struct {
	Action ResumeAction
	// Inputs replace the paused node's outputs for OVERRIDE.
	Inputs   map[string]any
	UserID   string
	Comments string
}

// ResumePaused applies a human decision to a paused run. APPROVE re-executes
// the paused node with the pause's captured inputs, OVERRIDE with the
// decision's inputs, and DECLINE fails the run without executing anything.
func (c *Controller) ResumePaused(ctx context.Context, runID string, decision ResumeDecision) (Run, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if run.Status != RunPaused {
		return Run{}, &ErrNotPaused{RunID: runID}
	}

	pause, err := c.store.GetOpenPauseEvent(ctx, runID)
	if err != nil {
		return Run{}, err
	}

	switch decision.Action {
	case ResumeApprove, ResumeOverride, ResumeDecline:
	default:
		return Run{}, &ErrInvalidAction{Action: string(decision.Action)}
	}

	pause.ResumeTime = NowUnix()
	pause.ResumeAction = decision.Action
	pause.ResumeUserID = decision.UserID
	pause.Comments = decision.Comments
	if err := c.store.ClosePauseEvent(ctx, pause); err != nil {
		return Run{}, err
	}

	var resumeData map[string]any
	switch decision.Action {
	case ResumeApprove:
		resumeData = pause.InputData
		if resumeData == nil {
			resumeData = map[string]any{}
		}
	case ResumeOverride:
		resumeData = decision.Inputs
		if resumeData == nil {
			resumeData = map[string]any{}
		}
	case ResumeDecline:
		return c.declineRun(ctx, run, pause)
	}

	version, err := c.store.GetVersion(ctx, run.VersionID)
	if err != nil {
		return Run{}, err
	}

	// Rebuild completed state from the task ledger so the resume pass only
	// executes what never finished.
	tasks, err := c.store.ListTasks(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	preloaded := make(map[string]map[string]any)
	for _, t := range tasks {
		if t.ParentTaskID == "" && t.Status == TaskCompleted {
			preloaded[t.NodeID] = t.Outputs
		}
	}

	inputs := run.InitialInputs[inputNodeTitle(&version.Definition)]

	runCtx, cancel := c.runContext(ctx, run.ID)
	defer cancel()

	plan := runPlan{
		inputs:       inputs,
		preloaded:    preloaded,
		resumeNodeID: pause.NodeID,
		resumeData:   resumeData,
	}
	if err := c.runner.execute(runCtx, &run, &version.Definition, plan); err != nil {
		return run, err
	}
	return run, nil
}

// declineRun fails a paused run on a DECLINE decision.
func (c *Controller) declineRun(ctx context.Context, run Run, pause PauseEvent) (Run, error) {
	task := Task{
		ID:        NewID(),
		RunID:     run.ID,
		NodeID:    pause.NodeID,
		Status:    TaskFailed,
		Error:     reasonDeclined,
		StartTime: NowUnix(),
		EndTime:   NowUnix(),
	}
	if err := c.store.UpsertTask(ctx, task); err != nil {
		return Run{}, err
	}

	run.Status = RunFailed
	run.Error = reasonDeclined
	run.EndTime = NowUnix()
	if err := c.store.UpdateRun(ctx, run); err != nil {
		return Run{}, err
	}
	c.logger.Info("run declined", "run_id", run.ID, "node_id", pause.NodeID)
	return run, nil
}

// StopRun cancels a run. A running run's context is canceled and in-flight
// nodes wind down; a paused run is closed out directly. Terminal runs are
// rejected.
func (c *Controller) StopRun(ctx context.Context, runID string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return &ErrNotRunning{RunID: runID, Status: run.Status}
	}

	c.mu.Lock()
	cancel, inFlight := c.cancels[runID]
	c.mu.Unlock()
	if inFlight {
		cancel()
		return nil
	}

	run.Status = RunCanceled
	run.Error = "canceled"
	run.EndTime = NowUnix()
	return c.store.UpdateRun(ctx, run)
}

// RunStatusReport is the progress snapshot returned by GetRunStatus.
type RunStatusReport struct {
	Run   Run    `json:"run"`
	Tasks []Task `json:"tasks"`
	// PercentComplete is settled tasks over known tasks, in [0,1]. The
	// denominator grows as subworkflows expand, so the value is monotonic
	// on average but may dip when a loop fans out.
	PercentComplete float64 `json:"percentage_complete"`
}

// GetRunStatus returns the run, its task ledger, and the completion ratio.
// Known tasks are the version's root nodes plus every recorded child task.
func (c *Controller) GetRunStatus(ctx context.Context, runID string) (RunStatusReport, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return RunStatusReport{}, err
	}
	tasks, err := c.store.ListTasks(ctx, runID)
	if err != nil {
		return RunStatusReport{}, err
	}
	version, err := c.store.GetVersion(ctx, run.VersionID)
	if err != nil {
		return RunStatusReport{}, err
	}

	settled := 0
	total := len(version.Definition.Nodes)
	for _, t := range tasks {
		if t.ParentTaskID != "" {
			total++
		}
		switch t.Status {
		case TaskCompleted, TaskFailed, TaskCanceled:
			settled++
		}
	}
	report := RunStatusReport{Run: run, Tasks: tasks}
	if total > 0 {
		report.PercentComplete = float64(settled) / float64(total)
	}
	return report, nil
}

// ListWorkflowRuns pages through a workflow's runs, newest first.
func (c *Controller) ListWorkflowRuns(ctx context.Context, workflowID string, limit, offset int) ([]Run, error) {
	return c.store.ListRuns(ctx, workflowID, limit, offset)
}

// --- helpers ---

func (c *Controller) currentVersion(ctx context.Context, workflowID string) (WorkflowVersion, error) {
	w, err := c.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return WorkflowVersion{}, err
	}
	if w.CurrentVersionID == "" {
		return WorkflowVersion{}, &ErrNotFound{Kind: "workflow_version", ID: workflowID}
	}
	return c.store.GetVersion(ctx, w.CurrentVersionID)
}

// runContext derives the execution context for one run, registering its
// cancel func so StopRun can reach it.
func (c *Controller) runContext(ctx context.Context, runID string) (context.Context, context.CancelFunc) {
	var cancel context.CancelFunc
	if c.deadline > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.deadline)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	c.mu.Lock()
	c.cancels[runID] = cancel
	c.mu.Unlock()

	return ctx, func() {
		cancel()
		c.mu.Lock()
		delete(c.cancels, runID)
		c.mu.Unlock()
	}
}

// inputNodeTitle returns the definition's input node title, used as the key
// for a run's initial inputs.
func inputNodeTitle(def *WorkflowDefinition) string {
	for i := range def.Nodes {
		if def.Nodes[i].Type == "input" {
			return def.Nodes[i].Title
		}
	}
	return "input"
}
