package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/internal/events"
	"github.com/weftworks/weft/internal/registry"
)

const (
	DefaultStepConcurrency = 4
	DefaultWorkerPool      = 16
	DefaultStepTimeout     = 120 * time.Second
)

// Recorder persists workflow snapshots. The engine hands it deep copies and
// ignores persistence failures beyond logging: memory state is
// authoritative, the store is for history.
type Recorder interface {
	Record(wf *Workflow)
}

type Config struct {
	StepConcurrency int           // parallel steps per workflow
	WorkerPool      int           // global cap on concurrent tool invocations
	StepTimeout     time.Duration // per tool invocation
	WorkflowTimeout time.Duration // 0 = no workflow-level timeout
	DefaultPolicy   FailurePolicy
}

func (c *Config) normalize() {
	if c.StepConcurrency <= 0 {
		c.StepConcurrency = DefaultStepConcurrency
	}
	if c.WorkerPool <= 0 {
		c.WorkerPool = DefaultWorkerPool
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultStepTimeout
	}
	if !ValidPolicy(c.DefaultPolicy) {
		c.DefaultPolicy = PolicyContinue
	}
}

// workflowState pairs a workflow with its scheduling bookkeeping. All
// mutation happens under mu; the scheduler loop is the only writer of step
// statuses apart from Resume.
type workflowState struct {
	mu        sync.Mutex
	wf        *Workflow
	policy    FailurePolicy
	wake      chan struct{}
	running   int
	halted    bool // stop policy tripped or operator abort
	cancelled bool
	timedOut  bool
	finished  bool

	// pubMu keeps event publication in mutation order: it is acquired
	// while mu is still held and released only after the events for that
	// mutation went out, so a later state change can never publish first.
	// mu itself is never held across a publish (the redis mirror can
	// block).
	pubMu sync.Mutex
}

func (ws *workflowState) signal() {
	select {
	case ws.wake <- struct{}{}:
	default:
	}
}

// Engine owns all in-flight workflows: one scheduler goroutine per
// workflow, a shared bounded worker pool for tool invocations.
type Engine struct {
	reg     *registry.Registry
	pub     *events.Publisher
	rec     Recorder
	metrics *Metrics
	cfg     Config

	mu        sync.RWMutex
	workflows map[string]*workflowState

	workers   chan struct{}
	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
}

func New(reg *registry.Registry, pub *events.Publisher, cfg Config) *Engine {
	cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		reg:       reg,
		pub:       pub,
		cfg:       cfg,
		workflows: make(map[string]*workflowState),
		workers:   make(chan struct{}, cfg.WorkerPool),
		baseCtx:   ctx,
		cancelAll: cancel,
	}
}

// SetRecorder installs workflow persistence. Call before the first Submit.
func (e *Engine) SetRecorder(rec Recorder) { e.rec = rec }

// SetMetrics installs Prometheus instruments. Call before the first Submit.
func (e *Engine) SetMetrics(m *Metrics) { e.metrics = m }

// Close stops dispatching and waits for schedulers and in-flight steps.
func (e *Engine) Close() {
	e.cancelAll()
	e.wg.Wait()
}

// Submit validates a step graph, creates the workflow record, and hands it
// to a scheduler goroutine. Returns immediately with the workflow id.
func (e *Engine) Submit(graph StepGraph, ownerID string, policy FailurePolicy) (string, error) {
	if policy == "" {
		policy = e.cfg.DefaultPolicy
	}
	if !ValidPolicy(policy) {
		return "", fmt.Errorf("failure policy %q: %w", policy, ErrInvalidTransition)
	}
	if err := graph.Validate(e.reg); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	wf := &Workflow{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Title:       graph.Title,
		Description: graph.Description,
		Status:      StatusPlanning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i, spec := range graph.Steps {
		step := &Step{
			ID:          fmt.Sprintf("step_%d", i+1),
			Title:       spec.Title,
			Description: spec.Description,
			Tool:        spec.Tool,
			Action:      spec.Action,
			Parameters:  spec.Parameters,
			Status:      StepPending,
		}
		for _, dep := range spec.DependsOn {
			step.DependsOn = append(step.DependsOn, fmt.Sprintf("step_%d", dep+1))
		}
		wf.Steps = append(wf.Steps, step)
	}
	wf.recalc()

	ws := &workflowState{
		wf:     wf,
		policy: policy,
		wake:   make(chan struct{}, 1),
	}

	e.mu.Lock()
	e.workflows[wf.ID] = ws
	e.mu.Unlock()

	e.record(wf.clone())

	e.wg.Add(1)
	go e.runScheduler(ws)

	return wf.ID, nil
}

// Snapshot returns a deep copy of the workflow, never a live reference.
func (e *Engine) Snapshot(workflowID string) (*Workflow, error) {
	ws := e.lookup(workflowID)
	if ws == nil {
		return nil, fmt.Errorf("workflow %q: %w", workflowID, ErrNotFound)
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.wf.clone(), nil
}

// List returns snapshots of the owner's workflows, newest first.
func (e *Engine) List(ownerID string) []*Workflow {
	e.mu.RLock()
	states := make([]*workflowState, 0, len(e.workflows))
	for _, ws := range e.workflows {
		states = append(states, ws)
	}
	e.mu.RUnlock()

	var out []*Workflow
	for _, ws := range states {
		ws.mu.Lock()
		if ws.wf.OwnerID == ownerID {
			out = append(out, ws.wf.clone())
		}
		ws.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Cancel is cooperative: it refuses further dispatch and lets in-flight
// steps drain. Cancelling a terminal workflow is a no-op.
func (e *Engine) Cancel(workflowID string) error {
	ws := e.lookup(workflowID)
	if ws == nil {
		return fmt.Errorf("workflow %q: %w", workflowID, ErrNotFound)
	}

	ws.mu.Lock()
	if ws.wf.Status.Terminal() {
		ws.mu.Unlock()
		return nil
	}
	ws.cancelled = true
	ws.wf.Status = StatusCancelled
	ws.wf.recalc()
	snap := ws.wf.clone()
	ws.pubMu.Lock()
	ws.mu.Unlock()

	e.publishWorkflow(events.TypeWorkflowUpdate, snap)
	ws.pubMu.Unlock()
	ws.signal()
	return nil
}

// Resume consumes a pending decision for a step in requires_approval. Any
// other step state is reported as ErrInvalidTransition and nothing mutates.
func (e *Engine) Resume(workflowID, stepID, optionID string) error {
	ws := e.lookup(workflowID)
	if ws == nil {
		return fmt.Errorf("workflow %q: %w", workflowID, ErrNotFound)
	}

	ws.mu.Lock()
	if ws.wf.Status.Terminal() {
		ws.mu.Unlock()
		return fmt.Errorf("workflow %s is %s: %w", workflowID, ws.wf.Status, ErrInvalidTransition)
	}
	step := ws.wf.step(stepID)
	if step == nil {
		ws.mu.Unlock()
		return fmt.Errorf("step %q: %w", stepID, ErrNotFound)
	}
	if step.Status != StepAwaitingDecision || step.Decision == nil {
		ws.mu.Unlock()
		return fmt.Errorf("step %s is %s: %w", stepID, step.Status, ErrInvalidTransition)
	}
	if !decisionHasOption(step.Decision, optionID) {
		ws.mu.Unlock()
		return fmt.Errorf("step %s has no option %q: %w", stepID, optionID, ErrInvalidTransition)
	}

	if step.Decision.Source == DecisionSourceFailure {
		switch optionID {
		case "retry":
			step.Status = StepPending
			step.Error = ""
			step.ErrorKind = ""
		case "skip":
			step.Status = StepSkipped
		case "abort":
			step.Status = StepFailed
			ws.halted = true
			ws.wf.Error = "aborted by operator"
		}
	} else {
		if step.Parameters == nil {
			step.Parameters = make(map[string]any)
		}
		step.Parameters["decision"] = optionID
		step.Status = StepPending
	}
	step.Decision = nil
	if ws.wf.Status == StatusPaused {
		ws.wf.Status = StatusRunning
	}
	ws.wf.recalc()
	stepSnap := step.clone()
	snap := ws.wf.clone()
	ws.pubMu.Lock()
	ws.mu.Unlock()

	e.publishStep(snap, stepSnap)
	e.publishWorkflow(events.TypeWorkflowUpdate, snap)
	ws.pubMu.Unlock()
	e.record(snap)
	ws.signal()
	return nil
}

// Dispatch runs a single tool invocation outside any workflow, sharing the
// worker pool and per-invocation timeout with workflow steps. Used for
// requests the router resolved to one confident tool call.
func (e *Engine) Dispatch(ctx context.Context, tool, action string, params map[string]any) (*registry.Result, error) {
	desc, ok := e.reg.Get(tool)
	if !ok || !desc.Enabled {
		return nil, fmt.Errorf("tool %q: %w", tool, ErrUnknownToolOrAction)
	}
	if _, ok := desc.Action(action); !ok {
		return nil, fmt.Errorf("action %s.%s: %w", tool, action, ErrUnknownToolOrAction)
	}
	exec, ok := e.reg.Executor(tool)
	if !ok {
		return nil, fmt.Errorf("tool %q has no executor: %w", tool, ErrUnknownToolOrAction)
	}

	select {
	case e.workers <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.baseCtx.Done():
		return nil, e.baseCtx.Err()
	}
	e.metrics.workerAcquired()
	defer func() {
		<-e.workers
		e.metrics.workerReleased()
	}()

	e.metrics.stepDispatched()
	start := time.Now()
	res, err := e.invoke(exec, tool, action, params)
	e.metrics.observeStep(time.Since(start).Seconds())
	if err != nil {
		e.metrics.stepFailed()
	}
	return res, err
}

// PurgeTerminal drops terminal workflows whose last update is older than
// the given age. Returns how many were removed.
func (e *Engine) PurgeTerminal(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)

	e.mu.Lock()
	defer e.mu.Unlock()

	purged := 0
	for id, ws := range e.workflows {
		ws.mu.Lock()
		stale := ws.wf.Status.Terminal() && ws.wf.UpdatedAt.Before(cutoff)
		ws.mu.Unlock()
		if stale {
			delete(e.workflows, id)
			purged++
		}
	}
	return purged
}

func (e *Engine) lookup(workflowID string) *workflowState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.workflows[workflowID]
}

func decisionHasOption(dec *DecisionRequest, optionID string) bool {
	for _, o := range dec.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

// runScheduler is the single authoritative loop for one workflow.
func (e *Engine) runScheduler(ws *workflowState) {
	defer e.wg.Done()

	ws.mu.Lock()
	if ws.wf.Status == StatusPlanning {
		ws.wf.Status = StatusRunning
	}
	ws.wf.recalc()
	snap := ws.wf.clone()
	ws.pubMu.Lock()
	ws.mu.Unlock()

	e.metrics.workflowStarted()
	e.publishWorkflow(events.TypeWorkflowStarted, snap)
	ws.pubMu.Unlock()
	e.record(snap)

	var timeout <-chan time.Time
	if e.cfg.WorkflowTimeout > 0 {
		timer := time.NewTimer(e.cfg.WorkflowTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		e.evaluate(ws)
		if e.finalize(ws) {
			return
		}
		select {
		case <-ws.wake:
		case <-timeout:
			timeout = nil
			ws.mu.Lock()
			if !ws.wf.Status.Terminal() {
				ws.timedOut = true
				ws.wf.Error = fmt.Sprintf("workflow timed out after %s", e.cfg.WorkflowTimeout)
			}
			ws.mu.Unlock()
		case <-e.baseCtx.Done():
			return
		}
	}
}

type depState int

const (
	depWait depState = iota
	depReady
	depDoomed
)

// depStateOf decides whether a pending step can run now, must keep
// waiting, or can never run (skipped via cascade).
func depStateOf(wf *Workflow, step *Step, policy FailurePolicy) depState {
	for _, id := range step.DependsOn {
		dep := wf.step(id)
		if dep == nil {
			return depDoomed
		}
		switch dep.Status {
		case StepCompleted:
		case StepFailed, StepSkipped:
			if policy != PolicyIgnoreDeps {
				return depDoomed
			}
		default:
			return depWait
		}
	}
	return depReady
}

// evaluate cascades skips and dispatches every runnable step within the
// per-workflow concurrency limit.
func (e *Engine) evaluate(ws *workflowState) {
	var stepSnaps []*Step
	var wfSnap *Workflow

	ws.mu.Lock()
	if ws.finished || ws.cancelled || ws.timedOut || ws.halted {
		ws.mu.Unlock()
		return
	}

	changed := true
	for changed {
		changed = false
		for _, step := range ws.wf.Steps {
			if step.Status != StepPending {
				continue
			}
			switch depStateOf(ws.wf, step, ws.policy) {
			case depDoomed:
				step.Status = StepSkipped
				stepSnaps = append(stepSnaps, step.clone())
				changed = true
			case depReady:
				if ws.running >= e.cfg.StepConcurrency {
					continue
				}
				step.Status = StepRunning
				ws.running++
				stepSnaps = append(stepSnaps, step.clone())
				e.metrics.stepDispatched()
				e.wg.Add(1)
				go e.runStep(ws, step.ID)
			}
		}
	}
	if len(stepSnaps) == 0 {
		ws.mu.Unlock()
		return
	}
	ws.wf.recalc()
	wfSnap = ws.wf.clone()
	ws.pubMu.Lock()
	ws.mu.Unlock()

	for _, s := range stepSnaps {
		e.publishStep(wfSnap, s)
	}
	e.publishWorkflow(events.TypeWorkflowUpdate, wfSnap)
	ws.pubMu.Unlock()
}

// runStep executes one step off the scheduler loop, bounded by the global
// worker pool.
func (e *Engine) runStep(ws *workflowState, stepID string) {
	defer e.wg.Done()

	select {
	case e.workers <- struct{}{}:
	case <-e.baseCtx.Done():
		return
	}
	e.metrics.workerAcquired()
	defer func() {
		<-e.workers
		e.metrics.workerReleased()
	}()

	ws.mu.Lock()
	step := ws.wf.step(stepID)
	tool, action := step.Tool, step.Action
	params := resolveParams(ws.wf, step.Parameters)
	ws.mu.Unlock()

	start := time.Now()
	var res *registry.Result
	var err error
	exec, ok := e.reg.Executor(tool)
	if !ok {
		err = fmt.Errorf("tool %q has no executor: %w", tool, ErrUnknownToolOrAction)
	} else {
		res, err = e.invoke(exec, tool, action, params)
	}
	e.metrics.observeStep(time.Since(start).Seconds())

	e.completeStep(ws, stepID, res, err)
}

// invoke runs the executor with the per-step timeout. The executor runs in
// its own goroutine so a tool that ignores ctx cannot hang the worker past
// the deadline.
func (e *Engine) invoke(exec registry.Executor, tool, action string, params map[string]any) (*registry.Result, error) {
	ctx, cancel := context.WithTimeout(e.baseCtx, e.cfg.StepTimeout)
	defer cancel()

	type outcome struct {
		res *registry.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := exec.Execute(ctx, action, params)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("tool %q timed out after %s: %w", tool, e.cfg.StepTimeout, context.DeadlineExceeded)
	}
}

func (e *Engine) completeStep(ws *workflowState, stepID string, res *registry.Result, err error) {
	ws.mu.Lock()
	step := ws.wf.step(stepID)
	ws.running--

	switch {
	case err == nil && res != nil && res.Decision != nil:
		step.Status = StepAwaitingDecision
		step.Decision = &DecisionRequest{
			WorkflowID:  ws.wf.ID,
			StepID:      step.ID,
			Title:       res.Decision.Title,
			Description: res.Decision.Description,
			Source:      DecisionSourceTool,
			Options:     res.Decision.Options,
		}
	case err == nil:
		step.Status = StepCompleted
		step.Result = res
	default:
		kind := ErrKindExecution
		if errors.Is(err, context.DeadlineExceeded) {
			kind = ErrKindTimeout
		}
		if ws.policy == PolicyAsk && !ws.cancelled && !ws.timedOut {
			step.Status = StepAwaitingDecision
			step.Error = err.Error()
			step.ErrorKind = kind
			step.Decision = &DecisionRequest{
				WorkflowID:  ws.wf.ID,
				StepID:      step.ID,
				Title:       fmt.Sprintf("Step %q failed", step.Title),
				Description: err.Error(),
				Source:      DecisionSourceFailure,
				Options: []registry.DecisionOption{
					{ID: "retry", Label: "Retry the step"},
					{ID: "skip", Label: "Skip it and continue"},
					{ID: "abort", Label: "Abort the workflow"},
				},
			}
		} else {
			step.Status = StepFailed
			step.Error = err.Error()
			step.ErrorKind = kind
			e.metrics.stepFailed()
			if ws.policy == PolicyStop {
				ws.halted = true
				if ws.wf.Error == "" {
					ws.wf.Error = fmt.Sprintf("step %s failed: %s", step.ID, step.Error)
				}
			}
		}
	}

	ws.wf.recalc()
	stepSnap := step.clone()
	snap := ws.wf.clone()
	ws.pubMu.Lock()
	ws.mu.Unlock()

	e.publishStep(snap, stepSnap)
	e.publishWorkflow(events.TypeWorkflowUpdate, snap)
	ws.pubMu.Unlock()
	e.record(snap)
	ws.signal()
}

// finalize checks for termination. Returns true when the workflow reached
// a terminal status and its completion event was emitted.
func (e *Engine) finalize(ws *workflowState) bool {
	var stepSnaps []*Step
	var snap *Workflow

	ws.mu.Lock()
	if ws.finished {
		ws.mu.Unlock()
		return true
	}
	if ws.running > 0 {
		ws.mu.Unlock()
		return false
	}

	halted := ws.cancelled || ws.timedOut || ws.halted
	pending, approvals := 0, 0
	for _, s := range ws.wf.Steps {
		switch s.Status {
		case StepPending:
			pending++
		case StepAwaitingDecision:
			approvals++
		}
	}

	if !halted && (pending > 0 || approvals > 0) {
		// Everything still pending is blocked behind a decision. Surface
		// that as paused until Resume arrives.
		if approvals > 0 && ws.wf.Status == StatusRunning {
			ws.wf.Status = StatusPaused
			ws.wf.recalc()
			snap = ws.wf.clone()
		}
		if snap == nil {
			ws.mu.Unlock()
			return false
		}
		ws.pubMu.Lock()
		ws.mu.Unlock()
		e.publishWorkflow(events.TypeWorkflowUpdate, snap)
		ws.pubMu.Unlock()
		e.record(snap)
		return false
	}

	// Terminal. Anything never dispatched (or still parked) is skipped.
	for _, s := range ws.wf.Steps {
		if s.Status == StepPending || s.Status == StepAwaitingDecision {
			s.Status = StepSkipped
			s.Decision = nil
			stepSnaps = append(stepSnaps, s.clone())
		}
	}

	status := StatusCompleted
	switch {
	case ws.cancelled:
		status = StatusCancelled
	case ws.timedOut, ws.halted:
		status = StatusFailed
	default:
		for _, s := range ws.wf.Steps {
			if s.Status == StepFailed {
				status = StatusFailed
				break
			}
		}
	}
	ws.wf.Status = status
	ws.wf.recalc()
	ws.finished = true
	snap = ws.wf.clone()
	ws.pubMu.Lock()
	ws.mu.Unlock()

	for _, s := range stepSnaps {
		e.publishStep(snap, s)
	}
	e.publishWorkflow(events.TypeWorkflowUpdate, snap)
	e.publishCompleted(snap)
	ws.pubMu.Unlock()
	e.record(snap)
	e.metrics.workflowFinished(status)
	log.Printf("engine: workflow %s finished with status %s (%d/%d steps completed)",
		snap.ID, status, snap.CompletedSteps, snap.TotalSteps)
	return true
}

func (e *Engine) publishWorkflow(t events.Type, wf *Workflow) {
	if e.pub == nil {
		return
	}
	e.pub.Publish(wf.OwnerID, events.Event{
		Type:       t,
		OwnerID:    wf.OwnerID,
		WorkflowID: wf.ID,
		Payload:    wf,
	})
}

func (e *Engine) publishStep(wf *Workflow, step *Step) {
	if e.pub == nil {
		return
	}
	e.pub.Publish(wf.OwnerID, events.Event{
		Type:       events.TypeWorkflowStep,
		OwnerID:    wf.OwnerID,
		WorkflowID: wf.ID,
		StepID:     step.ID,
		Payload:    step,
	})
}

func (e *Engine) publishCompleted(wf *Workflow) {
	if e.pub == nil {
		return
	}
	e.pub.Publish(wf.OwnerID, events.Event{
		Type:       events.TypeWorkflowCompleted,
		OwnerID:    wf.OwnerID,
		WorkflowID: wf.ID,
		Payload:    map[string]any{"status": wf.Status},
	})
}

func (e *Engine) record(wf *Workflow) {
	if e.rec != nil {
		e.rec.Record(wf)
	}
}
