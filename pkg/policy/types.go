package policy

import (
	"time"

	"github.com/slateboard/slateboard/pkg/engine"
)

// Severity grades a violation. Error and critical findings deny the
// transformation; info and warning findings are reported and let it pass.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// blocking reports whether a violation severity denies execution.
func blocking(severity string) bool {
	return severity == string(SeverityError) || severity == string(SeverityCritical)
}

// Policy is one named admission rule. The Rego source declares its own
// package and collects findings in a "deny contains violation if" set;
// each finding may carry msg, severity, and remediation keys.
type Policy struct {
	// Name identifies the policy. Unique within an engine; re-adding a
	// name replaces the earlier rule.
	Name string `json:"name"`

	// Description says what the rule enforces, for reports.
	Description string `json:"description"`

	// Rego is the policy source.
	Rego string `json:"rego"`

	// Severity applies to findings that do not set their own.
	Severity Severity `json:"severity"`

	// Enabled gates evaluation. Disabled policies stay registered but
	// produce no findings.
	Enabled bool `json:"enabled"`

	// Tags group related policies for listing.
	Tags []string `json:"tags,omitempty"`

	// CreatedAt and UpdatedAt track the rule's lifecycle in this process.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyInput is the input document each Rego evaluation receives.
type PolicyInput struct {
	// Transformation is the descriptor under admission.
	Transformation *engine.Transformation `json:"transformation,omitempty"`

	// Context describes the evaluation itself.
	Context *EvalContext `json:"context"`
}

// EvalContext carries the circumstances of one evaluation so rules can
// distinguish, say, a dry run from a live one.
type EvalContext struct {
	// EdgeID is the connection the transformation rides on, when known.
	EdgeID string `json:"edge_id,omitempty"`

	// Operation names the trigger, such as "validate" or "execute".
	Operation string `json:"operation,omitempty"`

	// Timestamp is the evaluation time.
	Timestamp time.Time `json:"timestamp"`

	// DryRun marks evaluations that will not lead to execution.
	DryRun bool `json:"dry_run"`
}

// PolicyBundle is a versioned set of policies loaded from one JSON file.
type PolicyBundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}
