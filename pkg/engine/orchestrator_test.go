package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

// mockRecorder collects activity and run records in memory.
type mockRecorder struct {
	mu         sync.Mutex
	activities []*ActivityRecord
	runs       []*Run
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{}
}

func (m *mockRecorder) RecordActivity(_ context.Context, rec *ActivityRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities = append(m.activities, rec)
}

func (m *mockRecorder) RecordRun(_ context.Context, run *Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *run
	m.runs = append(m.runs, &copied)
}

func (m *mockRecorder) getActivities() []*ActivityRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*ActivityRecord(nil), m.activities...)
}

func (m *mockRecorder) getRuns() []*Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Run(nil), m.runs...)
}

// activityFor returns the most recent record for a widget.
func (m *mockRecorder) activityFor(widgetID string) *ActivityRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.activities) - 1; i >= 0; i-- {
		if m.activities[i].SubjectID == widgetID {
			return m.activities[i]
		}
	}
	return nil
}

// outputsByRun maps widget IDs to their output snapshots within one run.
func (m *mockRecorder) outputsByRun(runID string) map[string]Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Values)
	for _, rec := range m.activities {
		if rec.RunID == runID {
			out[rec.SubjectID] = rec.OutputSnapshot
		}
	}
	return out
}

// mockPublisher collects published events.
type mockPublisher struct {
	mu     sync.Mutex
	events []*Event
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{}
}

func (m *mockPublisher) Publish(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockPublisher) Subscribe(_ context.Context, _ EventFilter) (<-chan *Event, error) {
	return nil, nil
}

func (m *mockPublisher) Unsubscribe(_ context.Context, _ <-chan *Event) error {
	return nil
}

func (m *mockPublisher) getEvents() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.events...)
}

// awaitEvent polls for an event of the given type; events are published
// asynchronously.
func awaitEvent(t *testing.T, pub *mockPublisher, eventType EventType) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range pub.getEvents() {
			if e.Type == eventType {
				return e
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Expected a %s event", eventType)
	return nil
}

// mockResolver serves content from an in-memory map and counts fetches.
type mockResolver struct {
	mu      sync.Mutex
	content map[string][]byte
	fetches map[string]int
}

func newMockResolver() *mockResolver {
	return &mockResolver{
		content: make(map[string][]byte),
		fetches: make(map[string]int),
	}
}

func (m *mockResolver) serve(url string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[url] = data
}

func (m *mockResolver) Fetch(_ context.Context, url string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches[url]++
	data, ok := m.content[url]
	if !ok {
		return nil, fmt.Errorf("no content at %s", url)
	}
	return data, nil
}

func (m *mockResolver) fetchCount(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches[url]
}

// mockIRIResolver maps content identifiers to URLs.
type mockIRIResolver struct {
	mu   sync.Mutex
	urls map[string]string
}

func newMockIRIResolver() *mockIRIResolver {
	return &mockIRIResolver{urls: make(map[string]string)}
}

func (m *mockIRIResolver) set(iri, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.urls[iri] = url
}

func (m *mockIRIResolver) ResolveIRI(_ context.Context, iri string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	url, ok := m.urls[iri]
	if !ok {
		return "", fmt.Errorf("unknown iri %s", iri)
	}
	return url, nil
}

// mockPolicy allows everything unless a denial message is set.
type mockPolicy struct {
	mu      sync.Mutex
	denyMsg string
}

func (m *mockPolicy) deny(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denyMsg = msg
}

func (m *mockPolicy) ValidateTransformation(_ context.Context, _ *Transformation) (*PolicyResult, error) {
	m.mu.Lock()
	msg := m.denyMsg
	m.mu.Unlock()

	if msg == "" {
		return &PolicyResult{Allowed: true, EvaluatedAt: time.Now()}, nil
	}
	return &PolicyResult{
		Allowed: false,
		Violations: []PolicyViolation{
			{PolicyID: "test-policy", Rule: "deny", Severity: "error", Message: msg},
		},
		EvaluatedAt: time.Now(),
	}, nil
}

func (m *mockPolicy) LoadPolicies(_ context.Context, _ string) error {
	return nil
}

func (m *mockPolicy) GetViolations(_ context.Context) ([]PolicyViolation, error) {
	return nil, nil
}

// mockTransformer is a configurable transformation runtime.
type mockTransformer struct {
	mu          sync.Mutex
	contentType string
	validateErr error
	delay       time.Duration
	fn          func(req *TransformRequest) (Values, error)
	calls       int
}

func newMockTransformer(contentType string) *mockTransformer {
	return &mockTransformer{contentType: contentType}
}

func (m *mockTransformer) Validate(_ context.Context, _ []byte, _ ExecutionSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validateErr
}

func (m *mockTransformer) Transform(ctx context.Context, req *TransformRequest) (Values, error) {
	m.mu.Lock()
	m.calls++
	delay := m.delay
	fn := m.fn
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn != nil {
		return fn(req)
	}
	return req.SourceData, nil
}

func (m *mockTransformer) Metadata() TransformerMetadata {
	return TransformerMetadata{Name: "mock", Version: "0.0.0", ContentType: m.contentType}
}

func (m *mockTransformer) Close(_ context.Context) error {
	return nil
}

func (m *mockTransformer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockTransformerRegistry resolves runtimes by content type.
type mockTransformerRegistry struct {
	mu       sync.Mutex
	runtimes map[string]Transformer
}

func newMockTransformerRegistry() *mockTransformerRegistry {
	return &mockTransformerRegistry{runtimes: make(map[string]Transformer)}
}

func (m *mockTransformerRegistry) Register(tr Transformer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tag := tr.Metadata().ContentType
	if _, exists := m.runtimes[tag]; exists {
		return NewConflictError("runtime already registered: "+tag, nil)
	}
	m.runtimes[tag] = tr
	return nil
}

func (m *mockTransformerRegistry) Get(contentType string) (Transformer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.runtimes[contentType]
	if !ok {
		return nil, NewPermanentError("no runtime for content type "+contentType, nil).
			WithCode(ErrCodeValidation)
	}
	return tr, nil
}

func (m *mockTransformerRegistry) List() []TransformerMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransformerMetadata, 0, len(m.runtimes))
	for _, tr := range m.runtimes {
		out = append(out, tr.Metadata())
	}
	return out
}

func (m *mockTransformerRegistry) Close(_ context.Context) error {
	return nil
}

// callCounter tracks per-widget action invocations.
type callCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCallCounter() *callCounter {
	return &callCounter{calls: make(map[string]int)}
}

func (c *callCounter) bump(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[id]++
}

func (c *callCounter) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

// orchFixture wires an orchestrator with mock collaborators.
type orchFixture struct {
	registry     *WidgetRegistry
	graph        *Graph
	pool         *WorkPool
	orch         *Orchestrator
	recorder     *mockRecorder
	publisher    *mockPublisher
	resolver     *mockResolver
	iri          *mockIRIResolver
	policy       *mockPolicy
	transformers *mockTransformerRegistry
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()

	f := &orchFixture{
		registry:     NewWidgetRegistry(),
		recorder:     newMockRecorder(),
		publisher:    newMockPublisher(),
		resolver:     newMockResolver(),
		iri:          newMockIRIResolver(),
		policy:       &mockPolicy{},
		transformers: newMockTransformerRegistry(),
	}
	f.graph = NewGraph(f.registry)
	f.pool = NewWorkPool(PoolConfig{
		Workers:   4,
		QueueSize: 64,
		Recorder:  f.recorder,
		Publisher: f.publisher,
	})
	f.pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.pool.Shutdown(ctx)
	})

	f.orch = NewOrchestrator(OrchestratorConfig{
		Graph:        f.graph,
		Registry:     f.registry,
		Pool:         f.pool,
		Transformers: f.transformers,
		Resolver:     f.resolver,
		IRIResolver:  f.iri,
		Policy:       f.policy,
		Recorder:     f.recorder,
		Publisher:    f.publisher,
	})
	return f
}

func (f *orchFixture) registerKind(t *testing.T, slug string, fn ActionFunc) {
	t.Helper()

	err := f.registry.RegisterKind(&Registration{
		Slug:    slug,
		Actions: map[string]ActionFunc{"run": fn},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
}

func (f *orchFixture) addWidget(t *testing.T, slug string, inputs Values) *Widget {
	t.Helper()

	w, err := f.graph.AddWidget(slug, "", inputs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return w
}

func (f *orchFixture) connect(t *testing.T, sourceID, sourceSlot, targetID, targetSlot string, tr *Transformation) {
	t.Helper()

	if _, err := f.graph.AddEdge(sourceID, sourceSlot, targetID, targetSlot, tr); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
}

func waitRun(t *testing.T, o *Orchestrator, runID string) *Run {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := o.WaitRun(ctx, runID)
	if err != nil {
		t.Fatalf("Expected run to finish, got: %v", err)
	}
	return run
}

// echoAction returns the resolved inputs as outputs.
func echoAction(_ context.Context, req *ActionRequest) (Values, error) {
	return req.Inputs.Clone(), nil
}

func TestOrchestrator_Run_SingleWidget(t *testing.T) {
	f := newOrchFixture(t)
	f.registerKind(t, "sticky-note", echoAction)
	w := f.addWidget(t, "sticky-note", Values{"text": "draft"})

	h, err := f.orch.Run(context.Background(), w.ID, "run", Values{"color": "yellow"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	result := waitResult(t, h)
	if result.Kind != ResultSuccess {
		t.Fatalf("Expected success, got %s", result.Kind)
	}
	if result.Outputs["text"] != "draft" || result.Outputs["color"] != "yellow" {
		t.Errorf("Expected merged inputs in outputs, got %v", result.Outputs)
	}

	// The overlay is persisted on the widget for subsequent runs.
	stored, err := f.graph.GetWidget(w.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if stored.Inputs["color"] != "yellow" {
		t.Errorf("Expected merged inputs on widget, got %v", stored.Inputs)
	}
}

func TestOrchestrator_Run_UnknownWidget(t *testing.T) {
	f := newOrchFixture(t)

	_, err := f.orch.Run(context.Background(), "sticky-note-99", "run", nil)
	if !IsUnknownWidget(err) {
		t.Errorf("Expected unknown widget error, got: %v", err)
	}
}

func TestOrchestrator_Run_UnknownAction(t *testing.T) {
	f := newOrchFixture(t)
	f.registerKind(t, "sticky-note", echoAction)
	w := f.addWidget(t, "sticky-note", nil)

	if _, err := f.orch.Run(context.Background(), w.ID, "explode", nil); err == nil {
		t.Error("Expected error for unknown action, got nil")
	}
}

func TestOrchestrator_Stop_SingleWidgetAttempt(t *testing.T) {
	f := newOrchFixture(t)

	started := make(chan struct{})
	f.registerKind(t, "sticky-note", func(ctx context.Context, req *ActionRequest) (Values, error) {
		for i := 0; ; i++ {
			if err := req.Checkpoint(Values{"count": i}); err != nil {
				return nil, err
			}
			if i == 0 {
				close(started)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
		}
	})
	w := f.addWidget(t, "sticky-note", nil)

	h, err := f.orch.Run(context.Background(), w.ID, "run", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	<-started

	if err := f.orch.Stop(w.ID); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if r := waitResult(t, h); r.Kind != ResultStopped {
		t.Errorf("Expected stopped, got %s", r.Kind)
	}
}

func TestOrchestrator_Status(t *testing.T) {
	f := newOrchFixture(t)
	f.registerKind(t, "sticky-note", echoAction)
	w := f.addWidget(t, "sticky-note", nil)

	status, err := f.orch.Status(w.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if status.State != StateIdle {
		t.Errorf("Expected idle before any run, got %s", status.State)
	}

	if _, err := f.orch.Status("sticky-note-99"); !IsUnknownWidget(err) {
		t.Errorf("Expected unknown widget error, got: %v", err)
	}
}

func TestOrchestrator_RunHierarchy_DependentObservesUpstreamOutputs(t *testing.T) {
	f := newOrchFixture(t)

	f.registerKind(t, "prime-source", func(_ context.Context, req *ActionRequest) (Values, error) {
		return Values{"p": req.Inputs["p"], "q": req.Inputs["q"]}, nil
	})
	f.registerKind(t, "two-panel", echoAction)

	source := f.addWidget(t, "prime-source", Values{"p": 11, "q": 5})
	panel := f.addWidget(t, "two-panel", nil)
	f.connect(t, source.ID, "p", panel.ID, "p", nil)
	f.connect(t, source.ID, "q", panel.ID, "q", nil)

	runID, err := f.orch.RunHierarchy(context.Background(), source.ID, "run", RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	run := waitRun(t, f.orch, runID)

	if run.Status != RunStatusSucceeded {
		t.Fatalf("Expected succeeded, got %s", run.Status)
	}
	if run.Summary.Completed != 2 || run.Summary.Total != 2 {
		t.Errorf("Expected 2/2 completed, got %+v", run.Summary)
	}

	sourceRec := f.recorder.activityFor(source.ID)
	panelRec := f.recorder.activityFor(panel.ID)
	if sourceRec == nil || panelRec == nil {
		t.Fatal("Expected activity records for both widgets")
	}
	if sourceRec.ResultKind != ResultSuccess || panelRec.ResultKind != ResultSuccess {
		t.Errorf("Expected success on both, got %s and %s", sourceRec.ResultKind, panelRec.ResultKind)
	}
	if panelRec.InputSnapshot["p"] != 11 || panelRec.InputSnapshot["q"] != 5 {
		t.Errorf("Expected panel to observe the source outputs, got %v", panelRec.InputSnapshot)
	}
	if panelRec.StartedAt.Before(sourceRec.EndedAt) {
		t.Error("Expected the panel to start only after the source ended")
	}

	stored, err := f.graph.GetWidget(panel.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if stored.Outputs["p"] != 11 {
		t.Errorf("Expected outputs persisted on the widget, got %v", stored.Outputs)
	}

	// Closing the loop back is rejected and the board is untouched.
	_, err = f.graph.AddEdge(panel.ID, "p", source.ID, "p", nil)
	if !IsCycleError(err) {
		t.Fatalf("Expected cycle error, got: %v", err)
	}
	if len(f.graph.ListEdges()) != 2 {
		t.Errorf("Expected 2 edges after rejection, got %d", len(f.graph.ListEdges()))
	}
	if _, err := f.graph.PlanFrom(source.ID); err != nil {
		t.Errorf("Expected planning to keep working, got: %v", err)
	}
}

func TestOrchestrator_RunHierarchy_IndependentBranchesRunConcurrently(t *testing.T) {
	f := newOrchFixture(t)

	f.registerKind(t, "prime-source", echoAction)
	f.registerKind(t, "chart", func(_ context.Context, _ *ActionRequest) (Values, error) {
		time.Sleep(150 * time.Millisecond)
		return Values{"drawn": true}, nil
	})

	root := f.addWidget(t, "prime-source", nil)
	left := f.addWidget(t, "chart", nil)
	right := f.addWidget(t, "chart", nil)
	f.connect(t, root.ID, "out", left.ID, "in", nil)
	f.connect(t, root.ID, "out", right.ID, "in", nil)

	start := time.Now()
	runID, err := f.orch.RunHierarchy(context.Background(), root.ID, "run", RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	run := waitRun(t, f.orch, runID)
	elapsed := time.Since(start)

	if run.Status != RunStatusSucceeded {
		t.Fatalf("Expected succeeded, got %s", run.Status)
	}
	// Sequential execution would need at least 300ms for the two branches.
	if elapsed > 290*time.Millisecond {
		t.Errorf("Expected parallel branches, took %v", elapsed)
	}
}

func TestOrchestrator_RunHierarchy_FailureSkipsTransitiveDependents(t *testing.T) {
	f := newOrchFixture(t)
	counter := newCallCounter()

	f.registerKind(t, "prime-source", echoAction)
	f.registerKind(t, "chart", func(_ context.Context, req *ActionRequest) (Values, error) {
		counter.bump(req.WidgetID)
		return nil, errors.New("render blew up")
	})
	f.registerKind(t, "sticky-note", func(_ context.Context, req *ActionRequest) (Values, error) {
		counter.bump(req.WidgetID)
		return Values{"ok": true}, nil
	})

	// root -> bad -> child -> grandchild, plus an unaffected root -> side.
	root := f.addWidget(t, "prime-source", nil)
	bad := f.addWidget(t, "chart", nil)
	child := f.addWidget(t, "sticky-note", nil)
	grandchild := f.addWidget(t, "sticky-note", nil)
	side := f.addWidget(t, "sticky-note", nil)
	f.connect(t, root.ID, "out", bad.ID, "in", nil)
	f.connect(t, bad.ID, "out", child.ID, "in", nil)
	f.connect(t, child.ID, "out", grandchild.ID, "in", nil)
	f.connect(t, root.ID, "out", side.ID, "in", nil)

	runID, err := f.orch.RunHierarchy(context.Background(), root.ID, "run", RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	run := waitRun(t, f.orch, runID)

	if run.Status != RunStatusPartial {
		t.Errorf("Expected partial, got %s", run.Status)
	}
	if run.Summary.Completed != 2 || run.Summary.Failed != 1 || run.Summary.Skipped != 2 {
		t.Errorf("Expected 2 completed, 1 failed, 2 skipped, got %+v", run.Summary)
	}

	// The dependents of the failed widget were never invoked.
	if counter.count(child.ID) != 0 {
		t.Errorf("Expected %s to never run, got %d invocations", child.ID, counter.count(child.ID))
	}
	if counter.count(grandchild.ID) != 0 {
		t.Errorf("Expected %s to never run, got %d invocations", grandchild.ID, counter.count(grandchild.ID))
	}
	if counter.count(side.ID) != 1 {
		t.Errorf("Expected %s to run once, got %d invocations", side.ID, counter.count(side.ID))
	}

	status, err := f.orch.Status(child.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if status.State != StateFailed {
		t.Errorf("Expected failed state, got %s", status.State)
	}
	if status.LastResult == nil || status.LastResult.Kind != ResultDependencyFailure {
		t.Errorf("Expected dependency failure, got %+v", status.LastResult)
	}
	if rec := f.recorder.activityFor(grandchild.ID); rec == nil || rec.ResultKind != ResultDependencyFailure {
		t.Errorf("Expected dependency failure record, got %+v", rec)
	}
}

func TestOrchestrator_RunHierarchy_HaltSkipsDependents(t *testing.T) {
	f := newOrchFixture(t)
	counter := newCallCounter()

	started := make(chan struct{})
	f.registerKind(t, "prime-source", func(ctx context.Context, _ *ActionRequest) (Values, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f.registerKind(t, "two-panel", func(_ context.Context, req *ActionRequest) (Values, error) {
		counter.bump(req.WidgetID)
		return Values{"ok": true}, nil
	})

	a := f.addWidget(t, "prime-source", nil)
	b := f.addWidget(t, "two-panel", nil)
	f.connect(t, a.ID, "out", b.ID, "in", nil)

	runID, err := f.orch.RunHierarchy(context.Background(), a.ID, "run", RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	<-started

	if err := f.orch.Halt(a.ID); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	run := waitRun(t, f.orch, runID)

	if run.Status != RunStatusCancelled {
		t.Errorf("Expected cancelled, got %s", run.Status)
	}
	if run.Summary.Halted != 1 || run.Summary.Skipped != 1 {
		t.Errorf("Expected 1 halted, 1 skipped, got %+v", run.Summary)
	}

	// The dependent was never scheduled and carries a dependency failure.
	if counter.count(b.ID) != 0 {
		t.Errorf("Expected %s to never run, got %d invocations", b.ID, counter.count(b.ID))
	}
	bStatus, err := f.orch.Status(b.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if bStatus.LastResult == nil || bStatus.LastResult.Kind != ResultDependencyFailure {
		t.Errorf("Expected dependency failure, got %+v", bStatus.LastResult)
	}

	// Nothing of the halted attempt propagated.
	aStatus, err := f.orch.Status(a.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if aStatus.State != StateHalted {
		t.Errorf("Expected halted state, got %s", aStatus.State)
	}
	if rec := f.recorder.activityFor(a.ID); rec == nil || rec.OutputSnapshot != nil {
		t.Errorf("Expected no output snapshot for the halted widget, got %+v", rec)
	}
}

func TestOrchestrator_RunHierarchy_StopFlushesPartials(t *testing.T) {
	f := newOrchFixture(t)
	counter := newCallCounter()

	started := make(chan struct{})
	f.registerKind(t, "prime-source", func(ctx context.Context, req *ActionRequest) (Values, error) {
		for i := 0; ; i++ {
			if err := req.Checkpoint(Values{"count": i}); err != nil {
				return nil, err
			}
			if i == 0 {
				close(started)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
		}
	})
	f.registerKind(t, "two-panel", func(_ context.Context, req *ActionRequest) (Values, error) {
		counter.bump(req.WidgetID)
		return Values{"ok": true}, nil
	})

	a := f.addWidget(t, "prime-source", nil)
	b := f.addWidget(t, "two-panel", nil)
	f.connect(t, a.ID, "out", b.ID, "in", nil)

	runID, err := f.orch.RunHierarchy(context.Background(), a.ID, "run", RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	<-started

	if err := f.orch.Stop(a.ID); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	run := waitRun(t, f.orch, runID)

	if run.Status != RunStatusCancelled {
		t.Errorf("Expected cancelled, got %s", run.Status)
	}
	if run.Summary.Stopped != 1 || run.Summary.Skipped != 1 {
		t.Errorf("Expected 1 stopped, 1 skipped, got %+v", run.Summary)
	}

	// The stopped widget's partials are recorded but do not feed dependents.
	rec := f.recorder.activityFor(a.ID)
	if rec == nil || rec.ResultKind != ResultStopped {
		t.Fatalf("Expected stopped record, got %+v", rec)
	}
	if _, ok := rec.OutputSnapshot["count"]; !ok {
		t.Errorf("Expected flushed partials in the record, got %v", rec.OutputSnapshot)
	}
	if counter.count(b.ID) != 0 {
		t.Errorf("Expected %s to never run, got %d invocations", b.ID, counter.count(b.ID))
	}
}

func TestOrchestrator_RunHierarchy_AppliesTransformation(t *testing.T) {
	f := newOrchFixture(t)

	runtime := newMockTransformer("starlark")
	runtime.fn = func(req *TransformRequest) (Values, error) {
		p, _ := req.SourceData["p"].(int)
		return Values{"left": p * 2}, nil
	}
	if err := f.transformers.Register(runtime); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	f.registerKind(t, "prime-source", echoAction)
	f.registerKind(t, "two-panel", echoAction)

	source := f.addWidget(t, "prime-source", Values{"p": 11})
	panel := f.addWidget(t, "two-panel", nil)
	f.connect(t, source.ID, "p", panel.ID, "left", &Transformation{
		ContentType:   "starlark",
		ContentSource: ContentSourceInline,
		SourceCode:    "def transform(data): return {'left': data['p'] * 2}",
	})

	runID, err := f.orch.RunHierarchy(context.Background(), source.ID, "run", RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	run := waitRun(t, f.orch, runID)

	if run.Status != RunStatusSucceeded {
		t.Fatalf("Expected succeeded, got %s", run.Status)
	}
	if runtime.callCount() != 1 {
		t.Errorf("Expected 1 transformation call, got %d", runtime.callCount())
	}

	rec := f.recorder.activityFor(panel.ID)
	if rec == nil {
		t.Fatal("Expected an activity record for the panel")
	}
	if rec.InputSnapshot["left"] != 22 {
		t.Errorf("Expected transformed input 22, got %v", rec.InputSnapshot["left"])
	}
	awaitEvent(t, f.publisher, EventTypeTransformInvoked)
}

func TestOrchestrator_RunHierarchy_TransformTimeout(t *testing.T) {
	f := newOrchFixture(t)

	runtime := newMockTransformer("starlark")
	runtime.delay = 2 * time.Second
	if err := f.transformers.Register(runtime); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	f.registerKind(t, "prime-source", echoAction)
	f.registerKind(t, "two-panel", echoAction)
	f.registerKind(t, "sticky-note", echoAction)

	source := f.addWidget(t, "prime-source", Values{"p": 1})
	panel := f.addWidget(t, "two-panel", nil)
	f.connect(t, source.ID, "p", panel.ID, "left", &Transformation{
		ContentType:   "starlark",
		ContentSource: ContentSourceInline,
		SourceCode:    "def transform(data): return data",
		Execution:     ExecutionSpec{Timeout: 50 * time.Millisecond},
	})

	runID, err := f.orch.RunHierarchy(context.Background(), source.ID, "run", RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	run := waitRun(t, f.orch, runID)

	if run.Status != RunStatusPartial {
		t.Errorf("Expected partial, got %s", run.Status)
	}
	status, err := f.orch.Status(panel.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if status.LastResult == nil || status.LastResult.Kind != ResultTimeout {
		t.Errorf("Expected timeout result, got %+v", status.LastResult)
	}

	// The pool keeps serving after the timeout.
	note := f.addWidget(t, "sticky-note", Values{"text": "still here"})
	h, err := f.orch.Run(context.Background(), note.ID, "run", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if r := waitResult(t, h); r.Kind != ResultSuccess {
		t.Errorf("Expected success after timeout, got %s", r.Kind)
	}
}

func TestOrchestrator_RunHierarchy_PolicyDenied(t *testing.T) {
	f := newOrchFixture(t)
	f.policy.deny("outbound network is forbidden")

	runtime := newMockTransformer("starlark")
	if err := f.transformers.Register(runtime); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	f.registerKind(t, "prime-source", echoAction)
	f.registerKind(t, "two-panel", echoAction)

	source := f.addWidget(t, "prime-source", Values{"p": 1})
	panel := f.addWidget(t, "two-panel", nil)
	f.connect(t, source.ID, "p", panel.ID, "left", &Transformation{
		ContentType:   "starlark",
		ContentSource: ContentSourceInline,
		SourceCode:    "def transform(data): return data",
	})

	runID, err := f.orch.RunHierarchy(context.Background(), source.ID, "run", RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	run := waitRun(t, f.orch, runID)

	if run.Status != RunStatusPartial {
		t.Errorf("Expected partial, got %s", run.Status)
	}
	status, err := f.orch.Status(panel.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if status.LastResult == nil || status.LastResult.Kind != ResultPermissionError {
		t.Errorf("Expected permission error, got %+v", status.LastResult)
	}
	if runtime.callCount() != 0 {
		t.Errorf("Expected the denied transformation to never run, got %d calls", runtime.callCount())
	}
	awaitEvent(t, f.publisher, EventTypePolicyViolation)
}

func TestOrchestrator_RunHierarchy_ValidationFailure(t *testing.T) {
	f := newOrchFixture(t)

	runtime := newMockTransformer("starlark")
	runtime.validateErr = errors.New("syntax error at line 1")
	if err := f.transformers.Register(runtime); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	f.registerKind(t, "prime-source", echoAction)
	f.registerKind(t, "two-panel", echoAction)

	source := f.addWidget(t, "prime-source", Values{"p": 1})
	panel := f.addWidget(t, "two-panel", nil)
	f.connect(t, source.ID, "p", panel.ID, "left", &Transformation{
		ContentType:   "starlark",
		ContentSource: ContentSourceInline,
		SourceCode:    "def transform(data) return data",
	})

	runID, err := f.orch.RunHierarchy(context.Background(), source.ID, "run", RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	waitRun(t, f.orch, runID)

	status, err := f.orch.Status(panel.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if status.LastResult == nil || status.LastResult.Kind != ResultCompilationError {
		t.Errorf("Expected compilation error, got %+v", status.LastResult)
	}
	if runtime.callCount() != 0 {
		t.Errorf("Expected invalid content to never execute, got %d calls", runtime.callCount())
	}
}

func TestOrchestrator_RunHierarchy_IntegrityMismatch(t *testing.T) {
	f := newOrchFixture(t)

	runtime := newMockTransformer("starlark")
	if err := f.transformers.Register(runtime); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	const url = "https://transforms.example.com/remap.star"
	f.resolver.serve(url, []byte("def transform(data): return data"))

	f.registerKind(t, "prime-source", echoAction)
	f.registerKind(t, "two-panel", echoAction)

	source := f.addWidget(t, "prime-source", Values{"p": 1})
	panel := f.addWidget(t, "two-panel", nil)
	f.connect(t, source.ID, "p", panel.ID, "left", &Transformation{
		ContentType:   "starlark",
		ContentSource: ContentSourceURL,
		SourceURL:     url,
		ContentHash:   "sha256:deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
	})

	runID, err := f.orch.RunHierarchy(context.Background(), source.ID, "run", RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	waitRun(t, f.orch, runID)

	status, err := f.orch.Status(panel.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if status.LastResult == nil || status.LastResult.Kind != ResultIntegrityError {
		t.Errorf("Expected integrity error, got %+v", status.LastResult)
	}
	if runtime.callCount() != 0 {
		t.Errorf("Expected mismatched content to never execute, got %d calls", runtime.callCount())
	}
	awaitEvent(t, f.publisher, EventTypeIntegrityFailure)
}

func TestOrchestrator_RunHierarchy_FetchesContentOncePerRun(t *testing.T) {
	f := newOrchFixture(t)

	runtime := newMockTransformer("starlark")
	if err := f.transformers.Register(runtime); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	const url = "https://transforms.example.com/shared.star"
	content := []byte("def transform(data): return data")
	sum := sha256.Sum256(content)
	declared := "sha256:" + hex.EncodeToString(sum[:])
	f.resolver.serve(url, content)

	f.registerKind(t, "prime-source", echoAction)
	f.registerKind(t, "two-panel", echoAction)

	source := f.addWidget(t, "prime-source", Values{"p": 1})
	left := f.addWidget(t, "two-panel", nil)
	right := f.addWidget(t, "two-panel", nil)
	shared := func() *Transformation {
		return &Transformation{
			ContentType:   "starlark",
			ContentSource: ContentSourceURL,
			SourceURL:     url,
			ContentHash:   declared,
		}
	}
	f.connect(t, source.ID, "p", left.ID, "in", shared())
	f.connect(t, source.ID, "p", right.ID, "in", shared())

	runID, err := f.orch.RunHierarchy(context.Background(), source.ID, "run", RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	run := waitRun(t, f.orch, runID)

	if run.Status != RunStatusSucceeded {
		t.Fatalf("Expected succeeded, got %s", run.Status)
	}
	if got := f.resolver.fetchCount(url); got != 1 {
		t.Errorf("Expected exactly 1 fetch for the run, got %d", got)
	}

	// A fresh run gets a fresh execution context and fetches again.
	runID2, err := f.orch.RunHierarchy(context.Background(), source.ID, "run", RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	waitRun(t, f.orch, runID2)
	if got := f.resolver.fetchCount(url); got != 2 {
		t.Errorf("Expected a second fetch on the next run, got %d", got)
	}
}

func TestOrchestrator_RunHierarchy_ResolvesIRIContent(t *testing.T) {
	f := newOrchFixture(t)

	runtime := newMockTransformer("starlark")
	if err := f.transformers.Register(runtime); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	const url = "https://registry.example.com/blobs/remap.star"
	f.iri.set("widget:transform/remap", url)
	f.resolver.serve(url, []byte("def transform(data): return data"))

	f.registerKind(t, "prime-source", echoAction)
	f.registerKind(t, "two-panel", echoAction)

	source := f.addWidget(t, "prime-source", Values{"p": 7})
	panel := f.addWidget(t, "two-panel", nil)
	f.connect(t, source.ID, "p", panel.ID, "left", &Transformation{
		ContentType:   "starlark",
		ContentSource: ContentSourceIRI,
		IRI:           "widget:transform/remap",
	})

	runID, err := f.orch.RunHierarchy(context.Background(), source.ID, "run", RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	run := waitRun(t, f.orch, runID)

	if run.Status != RunStatusSucceeded {
		t.Fatalf("Expected succeeded, got %s", run.Status)
	}
	if got := f.resolver.fetchCount(url); got != 1 {
		t.Errorf("Expected the resolved URL to be fetched once, got %d", got)
	}
}

func TestOrchestrator_RunHierarchy_DryRun(t *testing.T) {
	f := newOrchFixture(t)
	counter := newCallCounter()

	runtime := newMockTransformer("starlark")
	if err := f.transformers.Register(runtime); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	counting := func(_ context.Context, req *ActionRequest) (Values, error) {
		counter.bump(req.WidgetID)
		return req.Inputs.Clone(), nil
	}
	f.registerKind(t, "prime-source", counting)
	f.registerKind(t, "two-panel", counting)

	source := f.addWidget(t, "prime-source", Values{"p": 1})
	panel := f.addWidget(t, "two-panel", nil)
	f.connect(t, source.ID, "p", panel.ID, "left", &Transformation{
		ContentType:   "starlark",
		ContentSource: ContentSourceInline,
		SourceCode:    "def transform(data): return data",
	})

	runID, err := f.orch.RunHierarchy(context.Background(), source.ID, "run", RunOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	run := waitRun(t, f.orch, runID)

	if run.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", run.Status)
	}
	if run.Summary.Completed != 2 {
		t.Errorf("Expected all items completed, got %+v", run.Summary)
	}
	if counter.count(source.ID) != 0 || counter.count(panel.ID) != 0 {
		t.Error("Expected no action invocations during dry run")
	}
	if runtime.callCount() != 0 {
		t.Errorf("Expected no transformations during dry run, got %d", runtime.callCount())
	}
}

func TestOrchestrator_RunHierarchy_DeterministicOutputs(t *testing.T) {
	f := newOrchFixture(t)

	runtime := newMockTransformer("starlark")
	runtime.fn = func(req *TransformRequest) (Values, error) {
		p, _ := req.SourceData["p"].(int)
		return Values{"value": p * 2}, nil
	}
	if err := f.transformers.Register(runtime); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	f.registerKind(t, "prime-source", func(_ context.Context, req *ActionRequest) (Values, error) {
		return Values{"p": req.Inputs["p"], "q": req.Inputs["q"]}, nil
	})
	f.registerKind(t, "two-panel", echoAction)
	f.registerKind(t, "chart", echoAction)

	// Diamond with one transformed edge.
	source := f.addWidget(t, "prime-source", Values{"p": 11, "q": 5})
	left := f.addWidget(t, "two-panel", nil)
	right := f.addWidget(t, "two-panel", nil)
	sink := f.addWidget(t, "chart", nil)
	f.connect(t, source.ID, "p", left.ID, "value", &Transformation{
		ContentType:   "starlark",
		ContentSource: ContentSourceInline,
		SourceCode:    "def transform(data): return {'value': data['p'] * 2}",
	})
	f.connect(t, source.ID, "q", right.ID, "q", nil)
	f.connect(t, left.ID, "value", sink.ID, "left", nil)
	f.connect(t, right.ID, "q", sink.ID, "right", nil)

	collect := func() map[string]Values {
		runID, err := f.orch.RunHierarchy(context.Background(), source.ID, "run", RunOptions{})
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		run := waitRun(t, f.orch, runID)
		if run.Status != RunStatusSucceeded {
			t.Fatalf("Expected succeeded, got %s", run.Status)
		}
		return f.recorder.outputsByRun(runID)
	}

	first := collect()
	second := collect()

	if len(first) != 4 {
		t.Fatalf("Expected 4 output snapshots, got %d", len(first))
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Expected identical output snapshots across runs:\nfirst:  %v\nsecond: %v", first, second)
	}
	if first[left.ID]["value"] != 22 {
		t.Errorf("Expected transformed value 22, got %v", first[left.ID]["value"])
	}
}

func TestOrchestrator_RunHierarchy_RecordsRunRows(t *testing.T) {
	f := newOrchFixture(t)
	f.registerKind(t, "sticky-note", echoAction)
	w := f.addWidget(t, "sticky-note", Values{"text": "solo"})

	runID, err := f.orch.RunHierarchy(context.Background(), w.ID, "run", RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	waitRun(t, f.orch, runID)

	runs := f.recorder.getRuns()
	if len(runs) < 2 {
		t.Fatalf("Expected run rows at start and finish, got %d", len(runs))
	}
	if runs[0].Status != RunStatusPending {
		t.Errorf("Expected the first row pending, got %s", runs[0].Status)
	}
	last := runs[len(runs)-1]
	if last.Status != RunStatusSucceeded {
		t.Errorf("Expected the final row succeeded, got %s", last.Status)
	}
	if last.CompletedAt == nil {
		t.Error("Expected a completion timestamp on the final row")
	}
}

func TestOrchestrator_RunHierarchy_UnknownRoot(t *testing.T) {
	f := newOrchFixture(t)

	_, err := f.orch.RunHierarchy(context.Background(), "sticky-note-99", "run", RunOptions{})
	if !IsUnknownWidget(err) {
		t.Errorf("Expected unknown widget error, got: %v", err)
	}
}

func TestOrchestrator_GetRun_Unknown(t *testing.T) {
	f := newOrchFixture(t)

	if _, err := f.orch.GetRun("no-such-run"); err == nil {
		t.Error("Expected error for unknown run, got nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := f.orch.WaitRun(ctx, "no-such-run"); err == nil {
		t.Error("Expected error for unknown run, got nil")
	}
}
