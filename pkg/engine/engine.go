package engine

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Config assembles an engine from its collaborators. Zero-value fields
// fall back to sensible defaults; optional collaborators may be nil.
type Config struct {
	// Workers is the pool size. Defaults to 4.
	Workers int

	// QueueSize is the submission queue capacity. Defaults to 256.
	QueueSize int

	// Transformers resolves transformation runtimes by content type.
	Transformers TransformerRegistry

	// Resolver fetches remote transformation content. May be nil on
	// boards that only use inline content.
	Resolver ContentResolver

	// IRIResolver maps content IRIs to URLs. May be nil.
	IRIResolver RegistryResolver

	// Policy admits transformation descriptors before execution. May be nil.
	Policy PolicyEngine

	// Recorder persists provenance. May be nil.
	Recorder Recorder

	// Publisher receives execution events. May be nil.
	Publisher EventPublisher
}

// Engine owns one board: the widget kind registry, the dependency graph,
// the worker pool, and the orchestrator on top of them. It exposes the
// widget lifecycle API and hierarchy runs.
type Engine struct {
	registry     *WidgetRegistry
	graph        *Graph
	pool         *WorkPool
	orchestrator *Orchestrator
}

// New creates a fully wired engine. Call Start before submitting work
// and Shutdown when done.
func New(cfg Config) *Engine {
	registry := NewWidgetRegistry()
	graph := NewGraph(registry)

	e := &Engine{
		registry: registry,
		graph:    graph,
	}

	e.pool = NewWorkPool(PoolConfig{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Publisher: cfg.Publisher,
		Recorder:  cfg.Recorder,
		OnState:   e.syncState,
	})

	e.orchestrator = NewOrchestrator(OrchestratorConfig{
		Graph:        graph,
		Registry:     registry,
		Pool:         e.pool,
		Transformers: cfg.Transformers,
		Resolver:     cfg.Resolver,
		IRIResolver:  cfg.IRIResolver,
		Policy:       cfg.Policy,
		Recorder:     cfg.Recorder,
		Publisher:    cfg.Publisher,
	})

	return e
}

// Start launches the pool workers.
func (e *Engine) Start() {
	e.pool.Start()
}

// Shutdown halts in-flight work and waits for the workers to drain, or
// for the context to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.pool.Shutdown(ctx)
}

// Registry returns the widget kind registry.
func (e *Engine) Registry() *WidgetRegistry {
	return e.registry
}

// Graph returns the board's dependency graph.
func (e *Engine) Graph() *Graph {
	return e.graph
}

// Pool returns the worker pool.
func (e *Engine) Pool() *WorkPool {
	return e.pool
}

// RegisterKind registers a widget kind.
func (e *Engine) RegisterKind(reg *Registration) error {
	return e.registry.RegisterKind(reg)
}

// Run submits a single widget action. Input values overlay the widget's
// stored inputs for this attempt.
func (e *Engine) Run(ctx context.Context, widgetID, action string, input Values) (*Handle, error) {
	return e.orchestrator.Run(ctx, widgetID, action, input)
}

// Stop requests cooperative cancellation of a widget's active attempt.
func (e *Engine) Stop(widgetID string) error {
	return e.orchestrator.Stop(widgetID)
}

// Halt preemptively cancels a widget's active attempt.
func (e *Engine) Halt(widgetID string) error {
	return e.orchestrator.Halt(widgetID)
}

// Status reports a widget's execution state and last result.
func (e *Engine) Status(widgetID string) (*WidgetStatus, error) {
	return e.orchestrator.Status(widgetID)
}

// RunHierarchy executes the subgraph reachable from rootID and returns
// the run ID.
func (e *Engine) RunHierarchy(ctx context.Context, rootID, action string, opts RunOptions) (string, error) {
	return e.orchestrator.RunHierarchy(ctx, rootID, action, opts)
}

// GetRun returns a snapshot of a run.
func (e *Engine) GetRun(runID string) (*Run, error) {
	return e.orchestrator.GetRun(runID)
}

// WaitRun blocks until the run finishes or the context expires.
func (e *Engine) WaitRun(ctx context.Context, runID string) (*Run, error) {
	return e.orchestrator.WaitRun(ctx, runID)
}

// syncState mirrors pool state transitions onto the graph's widgets.
func (e *Engine) syncState(widgetID string, state WorkState) {
	if err := e.graph.SetState(widgetID, state); err != nil {
		// The widget may have been removed while its attempt drained.
		log.Debug().Err(err).Str("widget_id", widgetID).Msg("State sync skipped")
	}
}
