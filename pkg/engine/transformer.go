package engine

import (
	"context"
	"encoding/json"
	"time"
)

// Transformer is the interface that all transformation runtimes must
// implement. A runtime executes edge transformations for one content type
// (e.g., Starlark source, WASM modules, subprocess scripts).
type Transformer interface {
	// Validate checks transformation content without executing it.
	// It must be pure and return promptly; callers bound it with a short
	// context deadline. A validation failure is a compilation error.
	Validate(ctx context.Context, content []byte, spec ExecutionSpec) error

	// Transform executes the transformation against the source widget's
	// output snapshot and returns the reshaped values for the target slot.
	// The context carries the per-transformation deadline and is cancelled
	// on halt.
	Transform(ctx context.Context, req *TransformRequest) (Values, error)

	// Metadata returns information about this runtime.
	Metadata() TransformerMetadata

	// Close releases runtime resources. Called once when the execution
	// context that loaded the runtime is torn down.
	Close(ctx context.Context) error
}

// ContentSource indicates where transformation content comes from.
type ContentSource string

const (
	// ContentSourceInline embeds the content directly in the transformation.
	ContentSourceInline ContentSource = "inline"

	// ContentSourceURL references content to fetch. Fetched content is
	// cached once per execution context and verified against the declared
	// hash before use.
	ContentSourceURL ContentSource = "url"

	// ContentSourceIRI references content by identifier, resolved to a URL
	// through the external registry hook and then treated as a URL source.
	ContentSourceIRI ContentSource = "iri"
)

// Validate checks if the content source is valid.
func (s ContentSource) Validate() error {
	switch s {
	case ContentSourceInline, ContentSourceURL, ContentSourceIRI:
		return nil
	default:
		return NewPermanentError("invalid content source: "+string(s), nil).
			WithCode(ErrCodeValidation)
	}
}

// Transformation describes how data is reshaped while crossing an edge.
type Transformation struct {
	// ContentType selects the runtime that executes this transformation
	// (e.g., "starlark", "wasm", "subprocess").
	ContentType string `json:"content_type"`

	// ContentSource indicates where the content comes from.
	ContentSource ContentSource `json:"content_source"`

	// SourceCode is the inline content. Set only for inline sources.
	SourceCode string `json:"source_code,omitempty"`

	// SourceURL is the content location. Set for url sources; filled in by
	// registry resolution for iri sources.
	SourceURL string `json:"source_url,omitempty"`

	// IRI is the content identifier for iri sources.
	IRI string `json:"iri,omitempty"`

	// ContentHash is the expected SHA256 of fetched content, as
	// "sha256:<hex>". A mismatch aborts the transformation before
	// execution.
	ContentHash string `json:"content_hash,omitempty"`

	// InputMapping maps source output slots to transformation inputs.
	InputMapping map[string]string `json:"input_mapping,omitempty"`

	// Config is transformation-specific configuration.
	Config Values `json:"config,omitempty"`

	// Execution constrains how the transformation runs.
	Execution ExecutionSpec `json:"execution"`
}

// ExecutionSpec constrains a single transformation execution.
type ExecutionSpec struct {
	// Timeout is the maximum wall-clock time for one execution. Exceeding
	// it terminates the transformation with a timeout result.
	Timeout time.Duration `json:"timeout"`

	// MemoryLimitBytes caps runtime memory where the runtime supports it.
	// Zero means the runtime default.
	MemoryLimitBytes int64 `json:"memory_limit_bytes,omitempty"`

	// Sandboxed requires the runtime to run the content without persistent
	// state between invocations.
	Sandboxed bool `json:"sandboxed"`

	// AllowedCapabilities lists the capabilities the content may use.
	// Anything outside the list is denied with a permission error.
	AllowedCapabilities []Capability `json:"allowed_capabilities,omitempty"`
}

// Allows reports whether the spec grants the given capability.
func (s ExecutionSpec) Allows(c Capability) bool {
	for _, granted := range s.AllowedCapabilities {
		if granted == c {
			return true
		}
	}
	return false
}

// TransformRequest contains the parameters for a Transform invocation.
type TransformRequest struct {
	// EdgeID is the connection this transformation belongs to.
	EdgeID string `json:"edge_id"`

	// Content is the resolved transformation content, already fetched and
	// hash-verified for url and iri sources.
	Content []byte `json:"content"`

	// SourceData is a read-only snapshot of the upstream widget's outputs.
	SourceData Values `json:"source_data"`

	// InputMapping maps source output slots to transformation inputs.
	InputMapping map[string]string `json:"input_mapping,omitempty"`

	// Config is transformation-specific configuration.
	Config Values `json:"config,omitempty"`

	// Spec constrains the execution.
	Spec ExecutionSpec `json:"spec"`
}

// MappedInputs applies the input mapping to the source data. With no mapping
// the source data passes through unchanged.
func (r *TransformRequest) MappedInputs() Values {
	if len(r.InputMapping) == 0 {
		return r.SourceData
	}
	out := make(Values, len(r.InputMapping))
	for sourceSlot, inputName := range r.InputMapping {
		if val, ok := r.SourceData[sourceSlot]; ok {
			out[inputName] = val
		}
	}
	return out
}

// TransformerMetadata contains information about a transformation runtime.
type TransformerMetadata struct {
	// Name is the runtime name.
	Name string `json:"name"`

	// Version is the runtime version.
	Version string `json:"version"`

	// ContentType is the content type tag this runtime handles.
	ContentType string `json:"content_type"`

	// Description describes what this runtime executes.
	Description string `json:"description"`

	// RequiredCapabilities lists capabilities this runtime itself needs.
	RequiredCapabilities []Capability `json:"required_capabilities,omitempty"`
}

// Capability represents a capability that can be granted to transformations.
type Capability string

const (
	// CapabilityNetOutbound allows outbound network connections.
	CapabilityNetOutbound Capability = "net:outbound"

	// CapabilityFSTemp allows temporary file system access.
	CapabilityFSTemp Capability = "fs:temp"

	// CapabilityFSRead allows read-only file system access.
	CapabilityFSRead Capability = "fs:read"

	// CapabilityEnvRead allows reading environment variables.
	CapabilityEnvRead Capability = "env:read"

	// CapabilityExecSubprocess allows delegating to the subprocess runner.
	CapabilityExecSubprocess Capability = "exec:subprocess"
)

// TransformerManifest represents the manifest file for a pinned runtime
// module, such as a WASM transformer distributed separately from the engine.
type TransformerManifest struct {
	// Metadata is runtime metadata.
	Metadata TransformerMetadata `json:"metadata"`

	// Entrypoint is the module entrypoint.
	Entrypoint string `json:"entrypoint"`

	// Checksum is the SHA256 checksum of the module, as "sha256:<hex>".
	Checksum string `json:"checksum"`

	// ConfigSchema is the JSON schema for transformation config accepted by
	// this runtime.
	ConfigSchema json.RawMessage `json:"config_schema,omitempty"`
}
