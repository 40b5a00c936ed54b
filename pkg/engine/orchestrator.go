package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// defaultTransformTimeout bounds transformations that declare no timeout.
	defaultTransformTimeout = 30 * time.Second

	// validateTimeout bounds the pure validation pass over content.
	validateTimeout = 5 * time.Second
)

// OrchestratorConfig wires an orchestrator's collaborators.
type OrchestratorConfig struct {
	// Graph is the board's dependency graph.
	Graph *Graph

	// Registry resolves widget kinds and action handlers.
	Registry *WidgetRegistry

	// Pool executes work items.
	Pool *WorkPool

	// Transformers resolves transformation runtimes by content type.
	Transformers TransformerRegistry

	// Resolver fetches remote transformation content. May be nil on boards
	// that only use inline content.
	Resolver ContentResolver

	// IRIResolver maps content IRIs to URLs. May be nil.
	IRIResolver RegistryResolver

	// Policy admits transformation descriptors before execution. May be nil.
	Policy PolicyEngine

	// Recorder persists run rows. May be nil.
	Recorder Recorder

	// Publisher receives run lifecycle events. May be nil.
	Publisher EventPublisher
}

// Orchestrator drives widget execution: single-widget runs through the pool
// and whole-hierarchy runs that honor the dependency graph. A widget in a
// hierarchy starts only after every upstream producer completed; when an
// upstream attempt ends any other way, all transitive dependents are marked
// as dependency failures and never scheduled.
type Orchestrator struct {
	graph        *Graph
	registry     *WidgetRegistry
	pool         *WorkPool
	transformers TransformerRegistry
	resolver     ContentResolver
	iriResolver  RegistryResolver
	policy       PolicyEngine
	recorder     Recorder
	publisher    EventPublisher

	mu       sync.Mutex
	runs     map[string]*runState
	rootRuns map[string]string
}

// runState tracks one hierarchy run in flight.
type runState struct {
	mu sync.Mutex

	run        *Run
	plan       *ExecutionPlan
	ec         *ExecutionContext
	opts       RunOptions
	items      map[string]*runItem
	dependents map[string][]string

	// admitted memoizes per-edge policy and validation passes.
	admitted map[string]error

	doneCount  int
	cancelKind ResultKind
	finished   bool
	doneCh     chan struct{}
}

// runItem tracks one plan item's progress within a run.
type runItem struct {
	plan      *PlanItem
	remaining int
	scheduled bool
	done      bool
	result    *WorkResult
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		graph:        cfg.Graph,
		registry:     cfg.Registry,
		pool:         cfg.Pool,
		transformers: cfg.Transformers,
		resolver:     cfg.Resolver,
		iriResolver:  cfg.IRIResolver,
		policy:       cfg.Policy,
		recorder:     cfg.Recorder,
		publisher:    cfg.Publisher,
		runs:         make(map[string]*runState),
		rootRuns:     make(map[string]string),
	}
}

// Run submits a single widget action to the pool. The input values overlay
// the widget's stored inputs, and the merged snapshot is what the action
// observes. A widget with an active attempt coalesces into it.
func (o *Orchestrator) Run(ctx context.Context, widgetID, action string, input Values) (*Handle, error) {
	w, err := o.graph.GetWidget(widgetID)
	if err != nil {
		return nil, err
	}
	if _, err := o.registry.ActionFor(w.Slug, action); err != nil {
		return nil, err
	}

	merged := w.Inputs.Clone()
	if merged == nil {
		merged = make(Values)
	}
	for k, v := range input {
		merged[k] = v
	}
	if err := o.graph.SetInputs(widgetID, merged); err != nil {
		return nil, err
	}

	item := &WorkItem{
		WidgetID: widgetID,
		Action:   action,
		Inputs:   merged.Clone(),
	}
	return o.pool.Submit(item, o.actionHandler(w.Slug))
}

// actionHandler builds the pool handler for a direct single-widget run.
func (o *Orchestrator) actionHandler(slug string) HandlerFunc {
	return func(ctx context.Context, item *WorkItem, checkpoint func(Values) error) (Values, error) {
		fn, err := o.registry.ActionFor(slug, item.Action)
		if err != nil {
			return nil, err
		}
		return fn(ctx, &ActionRequest{
			WidgetID:   item.WidgetID,
			Action:     item.Action,
			Inputs:     item.Inputs,
			Checkpoint: checkpoint,
		})
	}
}

// Stop requests cooperative cancellation. If the widget roots an active
// hierarchy run, the stop propagates to every not-yet-terminal item of that
// run; otherwise only the widget's own attempt is stopped.
func (o *Orchestrator) Stop(widgetID string) error {
	if rs := o.activeRunFor(widgetID); rs != nil {
		o.cancelRun(rs, ResultStopped)
		return nil
	}
	return o.pool.Stop(widgetID)
}

// Halt preemptively terminates execution. Root widgets propagate the halt
// across their active hierarchy run.
func (o *Orchestrator) Halt(widgetID string) error {
	if rs := o.activeRunFor(widgetID); rs != nil {
		o.cancelRun(rs, ResultHalted)
		return nil
	}
	return o.pool.Halt(widgetID)
}

// Status reports a widget's lifecycle state and last result.
func (o *Orchestrator) Status(widgetID string) (*WidgetStatus, error) {
	if !o.graph.HasWidget(widgetID) {
		return nil, NewUnknownWidgetError(widgetID)
	}
	return o.pool.Status(widgetID), nil
}

// RunHierarchy plans the subgraph rooted at the given widget and executes it
// respecting dependency order. Structural errors surface synchronously; the
// execution itself is asynchronous and observable through WaitRun, events,
// and provenance.
func (o *Orchestrator) RunHierarchy(ctx context.Context, rootID, action string, opts RunOptions) (string, error) {
	plan, err := o.graph.PlanFrom(rootID)
	if err != nil {
		return "", err
	}

	run := &Run{
		ID:        uuid.New().String(),
		RootID:    rootID,
		Action:    action,
		Status:    RunStatusPending,
		StartedAt: time.Now(),
		Summary:   RunSummary{Total: len(plan.Items)},
	}

	rs := &runState{
		run:        run,
		plan:       plan,
		ec:         NewExecutionContext(run.ID, o.transformers, o.resolver, o.iriResolver),
		opts:       opts,
		items:      make(map[string]*runItem, len(plan.Items)),
		dependents: make(map[string][]string),
		admitted:   make(map[string]error),
		doneCh:     make(chan struct{}),
	}
	for _, item := range plan.Items {
		rs.items[item.WidgetID] = &runItem{plan: item, remaining: len(item.DependsOn)}
		for _, dep := range item.DependsOn {
			rs.dependents[dep] = append(rs.dependents[dep], item.WidgetID)
		}
	}

	o.mu.Lock()
	o.runs[run.ID] = rs
	o.rootRuns[rootID] = run.ID
	o.mu.Unlock()

	if o.recorder != nil {
		o.recorder.RecordRun(ctx, run)
	}
	o.publishEvent(run.ID, rootID, EventTypeRunStarted,
		fmt.Sprintf("Run started for hierarchy %s (%d widgets)", rootID, len(plan.Items)), "info")

	rs.mu.Lock()
	run.Status = RunStatusRunning
	root := rs.items[rootID]
	root.scheduled = true
	rs.mu.Unlock()
	o.scheduleItem(rs, rootID)

	return run.ID, nil
}

// GetRun returns a run by ID.
func (o *Orchestrator) GetRun(runID string) (*Run, error) {
	o.mu.Lock()
	rs, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("unknown run: %s", runID), nil).
			WithCode(ErrCodeValidation)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	copied := *rs.run
	return &copied, nil
}

// WaitRun blocks until the run reaches a terminal status or the context is
// cancelled.
func (o *Orchestrator) WaitRun(ctx context.Context, runID string) (*Run, error) {
	o.mu.Lock()
	rs, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("unknown run: %s", runID), nil).
			WithCode(ErrCodeValidation)
	}

	select {
	case <-rs.doneCh:
		return o.GetRun(runID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// activeRunFor returns the unfinished run rooted at the widget, if any.
func (o *Orchestrator) activeRunFor(rootID string) *runState {
	o.mu.Lock()
	defer o.mu.Unlock()

	runID, ok := o.rootRuns[rootID]
	if !ok {
		return nil
	}
	rs := o.runs[runID]
	if rs == nil {
		return nil
	}
	rs.mu.Lock()
	finished := rs.finished
	rs.mu.Unlock()
	if finished {
		return nil
	}
	return rs
}

// cancelRun propagates a stop or halt across a hierarchy run. Active attempts
// receive the corresponding pool cancellation; items never scheduled are
// resolved immediately as dependency failures, since their upstream can no
// longer complete.
func (o *Orchestrator) cancelRun(rs *runState, kind ResultKind) {
	rs.mu.Lock()
	if rs.finished {
		rs.mu.Unlock()
		return
	}
	rs.cancelKind = kind

	var toInject []*runItem
	var toCancel []string
	for id, it := range rs.items {
		switch {
		case it.done:
		case !it.scheduled:
			it.done = true
			it.result = o.skippedResult(id, kind)
			rs.doneCount++
			o.countResult(rs, it.result.Kind)
			toInject = append(toInject, it)
		default:
			toCancel = append(toCancel, id)
		}
	}
	done := rs.doneCount == len(rs.items)
	rs.mu.Unlock()

	for _, it := range toInject {
		item := &WorkItem{RunID: rs.run.ID, WidgetID: it.plan.WidgetID, Action: rs.run.Action}
		_ = o.pool.Inject(item, it.result)
	}
	for _, id := range toCancel {
		if kind == ResultHalted {
			_ = o.pool.Halt(id)
		} else {
			_ = o.pool.Stop(id)
		}
	}
	if done {
		o.finalizeRun(rs)
	}
}

// skippedResult resolves a never-scheduled item whose upstream was cancelled.
func (o *Orchestrator) skippedResult(widgetID string, kind ResultKind) *WorkResult {
	verb := "stopped"
	if kind == ResultHalted {
		verb = "halted"
	}
	now := time.Now()
	return &WorkResult{
		WidgetID: widgetID,
		Kind:     ResultDependencyFailure,
		Error: NewPermanentError(
			fmt.Sprintf("upstream did not complete: run was %s", verb), nil).
			WithCode(ErrCodeDependencyFailed).
			WithKind(ResultDependencyFailure).
			WithWidget(widgetID),
		StartedAt: now,
		EndedAt:   now,
	}
}

// scheduleItem submits one plan item to the pool and watches for its result.
func (o *Orchestrator) scheduleItem(rs *runState, widgetID string) {
	w, err := o.graph.GetWidget(widgetID)
	if err != nil {
		o.onItemDone(rs, widgetID, o.failedResult(widgetID, err))
		return
	}

	rs.mu.Lock()
	it := rs.items[widgetID]
	item := &WorkItem{
		RunID:    rs.run.ID,
		WidgetID: widgetID,
		Action:   rs.run.Action,
		Inputs:   w.Inputs.Clone(),
	}
	planItem := it.plan
	rs.mu.Unlock()

	handle, err := o.pool.Submit(item, o.hierarchyHandler(rs, planItem, w.Slug))
	if err != nil {
		o.onItemDone(rs, widgetID, o.failedResult(widgetID, err))
		return
	}

	// A run-level cancellation may have raced the submission; apply it to
	// the fresh attempt so it cannot slip through.
	rs.mu.Lock()
	cancelKind := rs.cancelKind
	rs.mu.Unlock()
	switch cancelKind {
	case ResultHalted:
		_ = o.pool.Halt(widgetID)
	case ResultStopped:
		_ = o.pool.Stop(widgetID)
	}

	go func() {
		result, err := handle.Wait(context.Background())
		if err != nil {
			result = o.failedResult(widgetID, err)
		}
		o.onItemDone(rs, widgetID, result)
	}()
}

func (o *Orchestrator) failedResult(widgetID string, err error) *WorkResult {
	now := time.Now()
	return &WorkResult{
		WidgetID:  widgetID,
		Kind:      ResultKindOf(err),
		Error:     AsEngineError(err),
		StartedAt: now,
		EndedAt:   now,
	}
}

// hierarchyHandler builds the pool handler for one plan item: it assembles
// the widget's inputs from its stored values and the incoming edges, then
// invokes the action. The input snapshot on the work item is refined to the
// assembled values so provenance records what the action actually observed.
func (o *Orchestrator) hierarchyHandler(rs *runState, planItem *PlanItem, slug string) HandlerFunc {
	return func(ctx context.Context, item *WorkItem, checkpoint func(Values) error) (Values, error) {
		inputs := item.Inputs.Clone()
		if inputs == nil {
			inputs = make(Values)
		}

		if !rs.opts.DryRun {
			for _, conn := range planItem.Incoming {
				val, err := o.applyEdge(ctx, rs, conn)
				if err != nil {
					return nil, err
				}
				inputs[conn.TargetSlot] = val
			}
		}
		item.Inputs = inputs

		if rs.opts.DryRun {
			return inputs, nil
		}

		fn, err := o.registry.ActionFor(slug, item.Action)
		if err != nil {
			return nil, err
		}
		return fn(ctx, &ActionRequest{
			WidgetID:   item.WidgetID,
			Action:     item.Action,
			Inputs:     inputs,
			Checkpoint: checkpoint,
		})
	}
}

// applyEdge produces the value delivered to an edge's target slot: the
// upstream output either passed through directly or reshaped by the edge's
// transformation.
func (o *Orchestrator) applyEdge(ctx context.Context, rs *runState, conn *Connection) (interface{}, error) {
	sourceData := rs.outputsOf(conn.SourceID)

	if conn.Transformation == nil {
		return sourceData[conn.SourceSlot], nil
	}
	t := conn.Transformation

	if err := o.policyCheck(ctx, rs, conn); err != nil {
		return nil, err
	}

	content, err := rs.ec.ResolveContent(ctx, t)
	if err != nil {
		if IsIntegrityError(err) {
			o.publishEvent(rs.run.ID, conn.TargetID, EventTypeIntegrityFailure,
				fmt.Sprintf("Content for edge %s failed hash verification", conn.ID), "error")
		}
		return nil, err
	}

	runtime, err := rs.ec.Runtime(t.ContentType)
	if err != nil {
		return nil, err
	}

	if err := o.validateContent(ctx, rs, conn, runtime, content); err != nil {
		return nil, err
	}

	timeout := t.Execution.Timeout
	if timeout <= 0 {
		timeout = defaultTransformTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	o.publishEvent(rs.run.ID, conn.TargetID, EventTypeTransformInvoked,
		fmt.Sprintf("Applying %s transformation on edge %s", t.ContentType, conn.ID), "info")

	out, err := runtime.Transform(tctx, &TransformRequest{
		EdgeID:       conn.ID,
		Content:      content,
		SourceData:   sourceData,
		InputMapping: t.InputMapping,
		Config:       t.Config,
		Spec:         t.Execution,
	})
	if err != nil {
		if tctx.Err() == context.DeadlineExceeded {
			return nil, NewTransientError(
				fmt.Sprintf("transformation on edge %s exceeded %s", conn.ID, timeout), err).
				WithCode(ErrCodeTimeout).WithKind(ResultTimeout)
		}
		return nil, err
	}

	return edgeValue(out, conn.TargetSlot), nil
}

// policyCheck admits a transformation descriptor against loaded policies
// before any content is fetched, memoized once per edge per run.
func (o *Orchestrator) policyCheck(ctx context.Context, rs *runState, conn *Connection) error {
	if o.policy == nil {
		return nil
	}

	key := "policy:" + conn.ID
	rs.mu.Lock()
	cached, ok := rs.admitted[key]
	rs.mu.Unlock()
	if ok {
		return cached
	}

	err := func() error {
		result, perr := o.policy.ValidateTransformation(ctx, conn.Transformation)
		if perr != nil {
			return NewPermanentError("policy evaluation failed", perr).
				WithCode(ErrCodeInternal)
		}
		if !result.Allowed {
			for _, v := range result.Violations {
				o.publishEvent(rs.run.ID, conn.TargetID, EventTypePolicyViolation,
					fmt.Sprintf("Policy %s: %s", v.PolicyID, v.Message), "error")
			}
			return NewPermanentError(
				fmt.Sprintf("transformation on edge %s denied by policy", conn.ID), nil).
				WithCode(ErrCodePermissionDenied).
				WithKind(ResultPermissionError)
		}
		return nil
	}()

	rs.mu.Lock()
	rs.admitted[key] = err
	rs.mu.Unlock()
	return err
}

// validateContent runs the runtime's pure validation pass over resolved
// content under a short deadline, memoized once per edge per run.
func (o *Orchestrator) validateContent(ctx context.Context, rs *runState, conn *Connection, runtime Transformer, content []byte) error {
	key := "validate:" + conn.ID
	rs.mu.Lock()
	cached, ok := rs.admitted[key]
	rs.mu.Unlock()
	if ok {
		return cached
	}

	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	var err error
	if verr := runtime.Validate(vctx, content, conn.Transformation.Execution); verr != nil {
		err = NewPermanentError(
			fmt.Sprintf("transformation on edge %s failed validation", conn.ID), verr).
			WithCode(ErrCodeCompilation).
			WithKind(ResultCompilationError)
	}

	rs.mu.Lock()
	rs.admitted[key] = err
	rs.mu.Unlock()
	return err
}

// edgeValue picks the slot value out of a transformation's output: the entry
// named after the target slot when present, the sole entry of a single-value
// output, or the whole output map.
func edgeValue(out Values, targetSlot string) interface{} {
	if v, ok := out[targetSlot]; ok {
		return v
	}
	if len(out) == 1 {
		for _, v := range out {
			return v
		}
	}
	return out
}

// outputsOf returns a completed upstream item's output snapshot.
func (rs *runState) outputsOf(widgetID string) Values {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	it, ok := rs.items[widgetID]
	if !ok || it.result == nil {
		return nil
	}
	return it.result.Outputs
}

// onItemDone folds one item's terminal result into the run: successful items
// release their dependents, anything else skips the transitive downstream.
func (o *Orchestrator) onItemDone(rs *runState, widgetID string, result *WorkResult) {
	rs.mu.Lock()
	it, ok := rs.items[widgetID]
	if !ok || it.done {
		rs.mu.Unlock()
		return
	}
	it.done = true
	it.result = result
	rs.doneCount++
	o.countResult(rs, result.Kind)

	var toSchedule []string
	var toSkip []*runItem

	if result.Kind == ResultSuccess {
		_ = o.graph.SetOutputs(widgetID, result.Outputs)
		if rs.cancelKind == "" {
			for _, depID := range rs.dependents[widgetID] {
				dep := rs.items[depID]
				dep.remaining--
				if dep.remaining == 0 && !dep.done && !dep.scheduled {
					dep.scheduled = true
					toSchedule = append(toSchedule, depID)
				}
			}
		}
	} else {
		toSkip = o.collectSkipsLocked(rs, widgetID)
	}

	done := rs.doneCount == len(rs.items)
	rs.mu.Unlock()

	for _, skip := range toSkip {
		item := &WorkItem{RunID: rs.run.ID, WidgetID: skip.plan.WidgetID, Action: rs.run.Action}
		_ = o.pool.Inject(item, skip.result)
	}
	for _, id := range toSchedule {
		o.scheduleItem(rs, id)
	}
	if done {
		o.finalizeRun(rs)
	}
}

// collectSkipsLocked marks every not-yet-scheduled transitive dependent of a
// non-completed widget as a dependency failure. Caller holds rs.mu.
func (o *Orchestrator) collectSkipsLocked(rs *runState, widgetID string) []*runItem {
	var skips []*runItem

	var walk func(id string)
	walk = func(id string) {
		for _, depID := range rs.dependents[id] {
			dep := rs.items[depID]
			if dep.done || dep.scheduled {
				continue
			}
			dep.done = true
			now := time.Now()
			dep.result = &WorkResult{
				WidgetID: depID,
				Kind:     ResultDependencyFailure,
				Error: NewPermanentError(
					fmt.Sprintf("upstream widget %s did not complete", id), nil).
					WithCode(ErrCodeDependencyFailed).
					WithKind(ResultDependencyFailure).
					WithWidget(depID),
				StartedAt: now,
				EndedAt:   now,
			}
			rs.doneCount++
			o.countResult(rs, ResultDependencyFailure)
			skips = append(skips, dep)
			walk(depID)
		}
	}
	walk(widgetID)

	return skips
}

// countResult updates the run summary for one terminal item. Caller holds
// rs.mu.
func (o *Orchestrator) countResult(rs *runState, kind ResultKind) {
	switch kind {
	case ResultSuccess:
		rs.run.Summary.Completed++
	case ResultStopped:
		rs.run.Summary.Stopped++
	case ResultHalted:
		rs.run.Summary.Halted++
	case ResultDependencyFailure:
		rs.run.Summary.Skipped++
	default:
		rs.run.Summary.Failed++
	}
}

// finalizeRun computes the run's terminal status and releases its state.
func (o *Orchestrator) finalizeRun(rs *runState) {
	rs.mu.Lock()
	if rs.finished {
		rs.mu.Unlock()
		return
	}
	rs.finished = true

	run := rs.run
	summary := run.Summary
	completedAt := time.Now()
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)

	switch {
	case rs.cancelKind != "":
		run.Status = RunStatusCancelled
	case summary.Failed > 0 && summary.Completed > 0:
		run.Status = RunStatusPartial
	case summary.Failed > 0:
		run.Status = RunStatusFailed
	case summary.Skipped > 0 || summary.Stopped > 0 || summary.Halted > 0:
		run.Status = RunStatusPartial
	default:
		run.Status = RunStatusSucceeded
	}
	rs.mu.Unlock()

	o.mu.Lock()
	if o.rootRuns[run.RootID] == run.ID {
		delete(o.rootRuns, run.RootID)
	}
	o.mu.Unlock()

	if o.recorder != nil {
		o.recorder.RecordRun(context.Background(), run)
	}

	if run.Status == RunStatusSucceeded {
		o.publishEvent(run.ID, run.RootID, EventTypeRunCompleted,
			fmt.Sprintf("Run completed: %d widgets", summary.Total), "info")
	} else {
		o.publishEvent(run.ID, run.RootID, EventTypeRunFailed,
			fmt.Sprintf("Run finished with status %s", run.Status), "error")
	}

	rs.ec.Close()
	close(rs.doneCh)
}

// publishEvent publishes a run lifecycle event.
func (o *Orchestrator) publishEvent(runID, widgetID string, eventType EventType, message, level string) {
	if o.publisher == nil {
		return
	}

	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		WidgetID:  widgetID,
		Message:   message,
		Level:     level,
	}

	go func() {
		_ = o.publisher.Publish(context.Background(), event)
	}()
}
