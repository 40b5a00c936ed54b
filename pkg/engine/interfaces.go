package engine

import (
	"context"
	"time"
)

// TransformerRegistry manages transformation runtimes. Runtimes are selected
// by the content type tag on a transformation; there is exactly one runtime
// per tag.
type TransformerRegistry interface {
	// Register adds a runtime under its content type tag. Registering a tag
	// twice is a conflict error.
	Register(t Transformer) error

	// Get returns the runtime for a content type tag.
	Get(contentType string) (Transformer, error)

	// List returns metadata for all registered runtimes.
	List() []TransformerMetadata

	// Close releases all registered runtimes.
	Close(ctx context.Context) error
}

// ContentResolver fetches transformation content bytes from a URL. Callers
// handle caching and hash verification; the resolver does transport only.
type ContentResolver interface {
	// Fetch retrieves the content at the given URL.
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// RegistryResolver resolves transformation IRIs to fetchable URLs. This is
// the hook for an external widget registry; once resolved, the content is
// handled exactly like a url source.
type RegistryResolver interface {
	// ResolveIRI maps a content identifier to a URL.
	ResolveIRI(ctx context.Context, iri string) (string, error)
}

// PolicyEngine validates transformation descriptors against policies before
// any content is fetched or executed.
type PolicyEngine interface {
	// ValidateTransformation checks a transformation against loaded policies.
	ValidateTransformation(ctx context.Context, t *Transformation) (*PolicyResult, error)

	// LoadPolicies loads policy definitions from the given path.
	LoadPolicies(ctx context.Context, policyPath string) error

	// GetViolations returns violations from the last evaluation.
	GetViolations(ctx context.Context) ([]PolicyViolation, error)
}

// PolicyResult contains the result of policy evaluation.
type PolicyResult struct {
	// Allowed indicates if the transformation may run.
	Allowed bool `json:"allowed"`

	// Violations are the policy violations found.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// EvaluatedAt is when the evaluation occurred.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// PolicyID identifies the violated policy.
	PolicyID string `json:"policy_id"`

	// Rule is the specific rule that was violated.
	Rule string `json:"rule"`

	// Severity is the violation severity (error, warning, info).
	Severity string `json:"severity"`

	// Message describes the violation.
	Message string `json:"message"`

	// EdgeID identifies the affected connection, if known.
	EdgeID string `json:"edge_id,omitempty"`
}

// Recorder persists provenance for executions. Recording never fails the
// caller; storage errors are logged internally and swallowed.
type Recorder interface {
	// RecordActivity appends one activity record. Records are append-only
	// and immutable once written.
	RecordActivity(ctx context.Context, rec *ActivityRecord)

	// RecordRun saves or updates a run's lifecycle row.
	RecordRun(ctx context.Context, run *Run)
}

// ActivityRecord captures one execution attempt for provenance. Every
// executed plan item produces exactly one record.
type ActivityRecord struct {
	// ID is the unique identifier for this record.
	ID string `json:"id"`

	// SubjectID is the widget the activity executed.
	SubjectID string `json:"subject_id"`

	// RunID is the hierarchy run this activity belongs to, if any.
	RunID string `json:"run_id,omitempty"`

	// Action is the action slug that was invoked.
	Action string `json:"action,omitempty"`

	// StartedAt is when execution started. Zero if never scheduled.
	StartedAt time.Time `json:"started_at"`

	// EndedAt is when execution ended.
	EndedAt time.Time `json:"ended_at"`

	// ResultKind classifies the outcome.
	ResultKind ResultKind `json:"result_kind"`

	// InputSnapshot is the input values the attempt observed.
	InputSnapshot Values `json:"input_snapshot,omitempty"`

	// OutputSnapshot is the output values the attempt produced.
	OutputSnapshot Values `json:"output_snapshot,omitempty"`

	// Error is the error message, if the attempt did not succeed.
	Error string `json:"error,omitempty"`
}

// EventPublisher publishes execution events to the timeline.
type EventPublisher interface {
	// Publish sends an event to all subscribers.
	Publish(ctx context.Context, event *Event) error

	// Subscribe returns a channel receiving matching events.
	Subscribe(ctx context.Context, filter EventFilter) (<-chan *Event, error)

	// Unsubscribe removes a subscription.
	Unsubscribe(ctx context.Context, ch <-chan *Event) error
}

// EventFilter filters events for subscriptions. A nil filter matches all.
type EventFilter func(*Event) bool

// RunOptions configures a hierarchy run.
type RunOptions struct {
	// DryRun walks the plan without invoking actions or transformations.
	DryRun bool `json:"dry_run"`
}
