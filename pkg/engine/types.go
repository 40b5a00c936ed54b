package engine

import (
	"context"
	"time"
)

// Values holds named slot data flowing into and out of widgets. Keys are slot
// names; values are JSON-compatible (strings, numbers, booleans, nested maps
// and slices).
type Values map[string]interface{}

// Clone returns a deep copy of the values. Work items hold cloned snapshots
// so that later graph mutations never leak into an execution in flight.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = cloneValue(val)
	}
	return out
}

func cloneValue(val interface{}) interface{} {
	switch t := val.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, v := range t {
			m[k] = cloneValue(v)
		}
		return m
	case Values:
		m := make(Values, len(t))
		for k, v := range t {
			m[k] = cloneValue(v)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, v := range t {
			s[i] = cloneValue(v)
		}
		return s
	default:
		return t
	}
}

// Widget represents a single node on the board.
type Widget struct {
	// ID is the unique identifier, derived from the slug plus a per-slug
	// counter (e.g., "sticky-note-3"). IDs are never reused.
	ID string `json:"id"`

	// Slug identifies the widget kind (e.g., "sticky-note", "two-panel").
	Slug string `json:"slug"`

	// Title is an optional human-readable label.
	Title string `json:"title,omitempty"`

	// Inputs holds the widget's current input slot values.
	Inputs Values `json:"inputs,omitempty"`

	// Outputs holds the values produced by the last completed execution.
	Outputs Values `json:"outputs,omitempty"`

	// State is the widget's current lifecycle state.
	State WorkState `json:"state"`

	// InputSchemaRef references the schema describing the input slots.
	InputSchemaRef string `json:"input_schema_ref,omitempty"`

	// OutputSchemaRef references the schema describing the output slots.
	OutputSchemaRef string `json:"output_schema_ref,omitempty"`

	// CreatedAt is when the widget was added to the board.
	CreatedAt time.Time `json:"created_at"`
}

// Connection represents a directed edge between two widget slots. Data flows
// from the source widget's output slot to the target widget's input slot,
// optionally passing through a transformation.
type Connection struct {
	// ID is the unique identifier for this edge.
	ID string `json:"id"`

	// SourceID is the ID of the upstream widget.
	SourceID string `json:"source_id"`

	// SourceSlot is the output slot on the upstream widget.
	SourceSlot string `json:"source_slot"`

	// TargetID is the ID of the downstream widget.
	TargetID string `json:"target_id"`

	// TargetSlot is the input slot on the downstream widget.
	TargetSlot string `json:"target_slot"`

	// Transformation optionally reshapes the data crossing this edge.
	Transformation *Transformation `json:"transformation,omitempty"`

	// seq is the edge insertion sequence number, used as the stable
	// tie-break when ordering execution plans.
	seq int
}

// Seq returns the insertion sequence number of the edge.
func (c *Connection) Seq() int {
	return c.seq
}

// Registration describes a widget kind available on the board.
type Registration struct {
	// Slug is the unique kind identifier (e.g., "sticky-note").
	Slug string `json:"slug"`

	// InputSchemaRef references the schema for input slots.
	InputSchemaRef string `json:"input_schema_ref,omitempty"`

	// OutputSchemaRef references the schema for output slots.
	OutputSchemaRef string `json:"output_schema_ref,omitempty"`

	// Actions maps action slugs to their handlers.
	Actions map[string]ActionFunc `json:"-"`
}

// ActionFunc is the handler for a widget action. It receives a read-only
// input snapshot and returns the widget's output values. The context is
// cancelled on stop, halt, and timeout; handlers should check it between
// units of work.
type ActionFunc func(ctx context.Context, req *ActionRequest) (Values, error)

// ActionRequest carries the data a widget action needs for one execution
// attempt.
type ActionRequest struct {
	// WidgetID is the ID of the widget being executed.
	WidgetID string `json:"widget_id"`

	// Action is the action slug being invoked.
	Action string `json:"action"`

	// Inputs is a read-only snapshot of the widget's resolved input slots.
	Inputs Values `json:"inputs"`

	// Checkpoint records partial outputs and reports whether a cooperative
	// stop has been requested. Long-running actions call it between units of
	// work and return promptly when it returns a non-nil error; the recorded
	// partials become the stopped attempt's output snapshot. May be nil.
	Checkpoint func(partial Values) error `json:"-"`
}

// WorkItem represents one queued or executing attempt of a widget action.
type WorkItem struct {
	// ID is the unique identifier for this attempt.
	ID string `json:"id"`

	// RunID is the hierarchy run this attempt belongs to, if any.
	RunID string `json:"run_id,omitempty"`

	// WidgetID is the widget being executed.
	WidgetID string `json:"widget_id"`

	// Action is the action slug to invoke.
	Action string `json:"action"`

	// Inputs is the read-only input snapshot taken at submission.
	Inputs Values `json:"inputs,omitempty"`

	// SubmittedAt is when the item entered the queue.
	SubmittedAt time.Time `json:"submitted_at"`
}

// WorkResult represents the outcome of one execution attempt.
type WorkResult struct {
	// WorkID is the ID of the work item this result belongs to.
	WorkID string `json:"work_id"`

	// WidgetID is the widget that was executed.
	WidgetID string `json:"widget_id"`

	// Kind classifies the outcome.
	Kind ResultKind `json:"kind"`

	// Outputs holds the produced output slot values. For a stopped attempt
	// these are the partial values flushed at the last checkpoint; for a
	// halted attempt they are always nil.
	Outputs Values `json:"outputs,omitempty"`

	// Error is the error that occurred, if any.
	Error *EngineError `json:"error,omitempty"`

	// StartedAt is when execution started. Zero if the item was never
	// scheduled (dependency failure).
	StartedAt time.Time `json:"started_at"`

	// EndedAt is when execution ended.
	EndedAt time.Time `json:"ended_at"`

	// Duration is the total execution time.
	Duration time.Duration `json:"duration"`
}

// WidgetStatus reports a widget's current lifecycle state together with its
// most recent result.
type WidgetStatus struct {
	// WidgetID is the widget being reported on.
	WidgetID string `json:"widget_id"`

	// State is the current work state.
	State WorkState `json:"state"`

	// LastResult is the most recent terminal result, if any.
	LastResult *WorkResult `json:"last_result,omitempty"`
}

// ExecutionPlan is an ordered list of plan items rooted at a single widget.
// Executing the items in order never delivers a widget's inputs before all
// of its upstream producers have completed.
type ExecutionPlan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// RootID is the widget the plan was computed from.
	RootID string `json:"root_id"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	// Items are the plan items in execution order.
	Items []*PlanItem `json:"items"`
}

// PlanItem is one widget occurrence within an execution plan.
type PlanItem struct {
	// WidgetID is the widget to execute.
	WidgetID string `json:"widget_id"`

	// Order is the item's position in the plan.
	Order int `json:"order"`

	// DependsOn lists the in-plan upstream widget IDs that must complete
	// before this item may start.
	DependsOn []string `json:"depends_on,omitempty"`

	// Incoming lists the edges from in-plan upstream widgets, in edge
	// insertion order. Their transformations are applied when assembling
	// this item's inputs.
	Incoming []*Connection `json:"incoming,omitempty"`
}

// Run represents one hierarchy execution rooted at a widget.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// RootID is the widget the hierarchy was rooted at.
	RootID string `json:"root_id"`

	// Action is the action slug invoked across the hierarchy.
	Action string `json:"action"`

	// Status is the current status of the run.
	Status RunStatus `json:"status"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run completed.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// Summary provides statistics about the run.
	Summary RunSummary `json:"summary"`
}

// RunSummary provides per-outcome counts for a run.
type RunSummary struct {
	// Total is the total number of plan items.
	Total int `json:"total"`

	// Completed is the number of items that completed successfully.
	Completed int `json:"completed"`

	// Failed is the number of items that failed.
	Failed int `json:"failed"`

	// Stopped is the number of items cancelled cooperatively.
	Stopped int `json:"stopped"`

	// Halted is the number of items terminated preemptively.
	Halted int `json:"halted"`

	// Skipped is the number of items never scheduled because an upstream
	// dependency did not complete.
	Skipped int `json:"skipped"`
}

// Event represents a timeline event during execution.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the ID of the run this event belongs to, if any.
	RunID string `json:"run_id,omitempty"`

	// WidgetID is the ID of the widget, if applicable.
	WidgetID string `json:"widget_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}
