// Package engine provides the core types and execution machinery for the
// Slateboard widget engine.
//
// # Overview
//
// Slateboard executes boards: graphs of widgets connected by directed,
// optionally transforming edges. Running a board moves through five stages:
//
//  1. Register - Declare widget kinds and their action handlers (WidgetRegistry)
//  2. Compose - Add widgets and edges; every insertion is checked for cycles (Graph)
//  3. Plan - Resolve the subgraph reachable from a root into a stable order (PlanFrom)
//  4. Execute - Run work items on a bounded pool, honoring dependencies (WorkPool, Orchestrator)
//  5. Record - Append one immutable activity record per attempt (Recorder)
//
// # Core Domain Types
//
// The package defines the types that represent the execution model:
//
//   - Widget: A node on the board with inputs, outputs, and an execution state
//   - Connection: A directed edge carrying values, optionally through a transformation
//   - Transformation: A descriptor for edge code (content type, source, limits, capabilities)
//   - ExecutionPlan: The ordered items produced for one root
//   - WorkItem: One submission to the pool
//   - WorkResult: The classified outcome of one attempt
//   - Run: A hierarchy execution with status and summary
//   - ActivityRecord: The provenance row for one attempt
//
// # Transformer Interface
//
// Edge transformations execute through runtimes registered by content type:
//
//	type Transformer interface {
//	    Validate(ctx context.Context, content []byte, spec ExecutionSpec) error
//	    Transform(ctx context.Context, req *TransformRequest) (Values, error)
//	    Metadata() TransformerMetadata
//	    Close(ctx context.Context) error
//	}
//
// Runtimes are sandboxed and bound by the descriptor's timeout, memory limit,
// and capability allowlist.
//
// # Cancellation
//
// Every attempt carries two independent cancellation tokens. Stop is
// cooperative: the handler observes it at its next checkpoint and partial
// outputs flushed so far are kept. Halt is preemptive: execution is abandoned
// immediately and no outputs propagate. In a hierarchy, a widget that did not
// complete makes every transitive dependent a DependencyFailure; dependents
// are never scheduled.
//
// # Error Classification
//
// Errors are classified for intelligent retry logic:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: Resource conflicts requiring retry
//   - Permanent: Non-recoverable errors
//
// Use the error helper functions to classify and inspect errors:
//
//	if IsCycleError(err) {
//	    // The insertion was rejected and the graph is unchanged
//	}
//
// Every terminal attempt also carries a ResultKind (Success, CompilationError,
// RuntimeError, Timeout, PermissionError, IntegrityError, CycleError,
// DependencyFailure) on its WorkResult and ActivityRecord.
//
// # Example Usage
//
// Basic workflow for executing a board hierarchy:
//
//	// 1. Wire the engine
//	eng := New(Config{Workers: 4, Transformers: transformers})
//	eng.Start()
//	defer eng.Shutdown(ctx)
//
//	// 2. Register kinds and compose the board
//	err := eng.RegisterKind(reg)
//	widget, err := eng.Graph().AddWidget("sticky-note", "Note", nil)
//	conn, err := eng.Graph().AddEdge(src.ID, "value", widget.ID, "text", nil)
//
//	// 3. Run the hierarchy rooted at a widget
//	runID, err := eng.RunHierarchy(ctx, src.ID, "render", RunOptions{})
//	run, err := eng.WaitRun(ctx, runID)
//
//	// 4. Check results
//	if run.Status == RunStatusSucceeded {
//	    // Success
//	}
//
// # Thread Safety
//
// The graph, pool, and orchestrator are safe for concurrent use. Work items
// hold read-only input snapshots, so concurrent board edits never corrupt an
// in-flight execution; an edit takes effect for subsequent runs only.
package engine
