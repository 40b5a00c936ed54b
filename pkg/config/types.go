package config

import (
	"fmt"
	"time"

	"github.com/slateboard/slateboard/pkg/engine"
	"github.com/slateboard/slateboard/pkg/transform"
)

// BoardConfig holds board-level metadata from the `board` block of a board
// definition file.
type BoardConfig struct {
	// Name is the board name.
	Name string `json:"name" validate:"required"`

	// Version is the board definition version.
	Version string `json:"version,omitempty"`

	// Description is an optional human-readable description.
	Description string `json:"description,omitempty"`

	// Labels are key-value pairs for organizing boards.
	Labels map[string]string `json:"labels,omitempty"`

	// Policy configures policy enforcement for this board.
	Policy *PolicyConfig `json:"policy,omitempty"`
}

// PolicyConfig configures policy enforcement.
type PolicyConfig struct {
	// Enabled indicates if policy enforcement is enabled.
	Enabled bool `json:"enabled"`

	// Paths lists policy file or directory paths.
	Paths []string `json:"paths,omitempty"`

	// Mode is the enforcement mode (advisory, enforcing).
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=advisory enforcing"`

	// OnViolation specifies the action on violation (warn, fail).
	OnViolation string `json:"on_violation,omitempty" validate:"omitempty,oneof=warn fail"`
}

// WidgetConfig represents a single widget declaration. The name is the
// board-local key that connections reference; the engine assigns the actual
// widget ID when the board is applied.
type WidgetConfig struct {
	// Name is the board-local widget name.
	Name string `json:"name" validate:"required"`

	// Slug is the widget kind (e.g., "sticky-note").
	Slug string `json:"slug" validate:"required"`

	// Title is an optional human-readable label.
	Title string `json:"title,omitempty"`

	// Inputs holds the widget's initial input slot values.
	Inputs engine.Values `json:"inputs,omitempty"`

	// InputSchemaRef references the schema for input slots. Used when the
	// kind is auto-registered during apply; for already-registered kinds the
	// registration's refs win.
	InputSchemaRef string `json:"input_schema_ref,omitempty"`

	// OutputSchemaRef references the schema for output slots.
	OutputSchemaRef string `json:"output_schema_ref,omitempty"`
}

// ConnectionConfig represents a directed edge declaration between two widget
// slots. Source and target are board-local widget names.
type ConnectionConfig struct {
	// Source is the board-local name of the upstream widget.
	Source string `json:"source" validate:"required"`

	// SourceSlot is the output slot on the upstream widget.
	SourceSlot string `json:"source_slot" validate:"required"`

	// Target is the board-local name of the downstream widget.
	Target string `json:"target" validate:"required"`

	// TargetSlot is the input slot on the downstream widget.
	TargetSlot string `json:"target_slot" validate:"required"`

	// Transformation optionally reshapes the data crossing this edge.
	Transformation *TransformationConfig `json:"transformation,omitempty"`
}

// TransformationConfig describes an edge transformation in board-file form.
// ToEngine converts it to the engine descriptor.
type TransformationConfig struct {
	// ContentType selects the runtime (e.g., "starlark", "wasm").
	ContentType string `json:"content_type" validate:"required"`

	// ContentSource indicates where the content comes from.
	ContentSource string `json:"content_source" validate:"required,oneof=inline url iri"`

	// SourceCode is the inline content.
	SourceCode string `json:"source_code,omitempty"`

	// SourceURL is the content location for url sources.
	SourceURL string `json:"source_url,omitempty"`

	// IRI is the content identifier for iri sources.
	IRI string `json:"iri,omitempty"`

	// ContentHash is the expected SHA256 of fetched content, as
	// "sha256:<hex>".
	ContentHash string `json:"content_hash,omitempty"`

	// InputMapping maps source output slots to transformation inputs.
	InputMapping map[string]string `json:"input_mapping,omitempty"`

	// Config is transformation-specific configuration.
	Config map[string]interface{} `json:"config,omitempty"`

	// Execution constrains how the transformation runs.
	Execution ExecutionConfig `json:"execution,omitempty"`
}

// ExecutionConfig constrains a single transformation execution, in board-file
// form. The timeout is a Go duration string such as "30s".
type ExecutionConfig struct {
	// Timeout is the maximum wall-clock time for one execution.
	Timeout string `json:"timeout,omitempty"`

	// MemoryLimitBytes caps runtime memory where the runtime supports it.
	MemoryLimitBytes int64 `json:"memory_limit_bytes,omitempty" validate:"omitempty,min=0"`

	// Sandboxed requires stateless execution. Defaults to true when unset.
	Sandboxed *bool `json:"sandboxed,omitempty"`

	// AllowedCapabilities lists capability tags the content may use.
	AllowedCapabilities []string `json:"allowed_capabilities,omitempty"`
}

// ToEngine converts the board-file form to the engine descriptor. It checks
// that the declared content source carries its content field, parses the
// timeout, and resolves capability tags against the known set.
func (tc *TransformationConfig) ToEngine() (*engine.Transformation, error) {
	source := engine.ContentSource(tc.ContentSource)
	if err := source.Validate(); err != nil {
		return nil, err
	}

	switch source {
	case engine.ContentSourceInline:
		if tc.SourceCode == "" {
			return nil, fmt.Errorf("inline transformation requires source_code")
		}
	case engine.ContentSourceURL:
		if tc.SourceURL == "" {
			return nil, fmt.Errorf("url transformation requires source_url")
		}
	case engine.ContentSourceIRI:
		if tc.IRI == "" {
			return nil, fmt.Errorf("iri transformation requires iri")
		}
	}

	var timeout time.Duration
	if tc.Execution.Timeout != "" {
		d, err := time.ParseDuration(tc.Execution.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid execution timeout %q: %w", tc.Execution.Timeout, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("execution timeout must not be negative")
		}
		timeout = d
	}

	caps, err := transform.ParseCapabilities(tc.Execution.AllowedCapabilities)
	if err != nil {
		return nil, err
	}

	// Transformations run sandboxed unless the board says otherwise.
	sandboxed := true
	if tc.Execution.Sandboxed != nil {
		sandboxed = *tc.Execution.Sandboxed
	}

	return &engine.Transformation{
		ContentType:   tc.ContentType,
		ContentSource: source,
		SourceCode:    tc.SourceCode,
		SourceURL:     tc.SourceURL,
		IRI:           tc.IRI,
		ContentHash:   tc.ContentHash,
		InputMapping:  tc.InputMapping,
		Config:        engine.Values(tc.Config),
		Execution: engine.ExecutionSpec{
			Timeout:             timeout,
			MemoryLimitBytes:    tc.Execution.MemoryLimitBytes,
			Sandboxed:           sandboxed,
			AllowedCapabilities: caps,
		},
	}, nil
}

// ParsedBoard represents a fully parsed board definition.
type ParsedBoard struct {
	// Board is the board-level metadata.
	Board BoardConfig `json:"board"`

	// Widgets are the declared widgets, in declaration order.
	Widgets []WidgetConfig `json:"widgets,omitempty"`

	// Connections are the declared edges, in declaration order.
	Connections []ConnectionConfig `json:"connections,omitempty"`

	// SourceFiles are the files the board was parsed from.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the board was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// HasErrors reports whether the board carries error-severity entries.
func (pb *ParsedBoard) HasErrors() bool {
	for _, e := range pb.Errors {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

// Widget returns the declared widget with the given board-local name, or nil.
func (pb *ParsedBoard) Widget(name string) *WidgetConfig {
	for i := range pb.Widgets {
		if pb.Widgets[i].Name == name {
			return &pb.Widgets[i]
		}
	}
	return nil
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "widgets.notes.slug").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// Error renders the validation error in file:line:column form.
func (e ValidationError) Error() string {
	loc := e.File
	if loc == "" {
		loc = "<board>"
	}
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", loc, e.Line, e.Column)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", loc, e.Message)
}

// ApplyOptions controls how a parsed board is applied to an engine.
type ApplyOptions struct {
	// RegisterMissingKinds auto-registers a pass-through kind for any widget
	// slug the engine does not know yet. The first declaring widget's schema
	// refs become the kind's refs.
	RegisterMissingKinds bool `json:"register_missing_kinds"`

	// DefaultAction is the action slug registered on auto-registered kinds.
	DefaultAction string `json:"default_action,omitempty"`
}

// DefaultApplyOptions returns the options the CLI applies boards with:
// unknown kinds are registered with a "refresh" pass-through action.
func DefaultApplyOptions() ApplyOptions {
	return ApplyOptions{
		RegisterMissingKinds: true,
		DefaultAction:        "refresh",
	}
}

// ApplyResult reports what applying a board created on the engine.
type ApplyResult struct {
	// WidgetIDs maps board-local widget names to engine-assigned widget IDs.
	WidgetIDs map[string]string `json:"widget_ids"`

	// EdgeIDs lists the created edge IDs, in declaration order.
	EdgeIDs []string `json:"edge_ids,omitempty"`

	// RegisteredKinds lists slugs auto-registered during apply.
	RegisteredKinds []string `json:"registered_kinds,omitempty"`
}
