package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// builtinSchemas maps schema names to the CUE sources compiled into every
// registry. Each source declares its constraints as a definition so that
// unification closes the struct and rejects unknown fields.
var builtinSchemas = map[string]string{
	"board":          boardSchema,
	"widget":         widgetSchema,
	"connection":     connectionSchema,
	"transformation": transformationSchema,
}

// SchemaRegistry holds compiled CUE schemas keyed by name. The zero value
// is not usable; construct one with NewSchemaRegistry.
type SchemaRegistry struct {
	cuectx  *cue.Context
	mu      sync.RWMutex
	schemas map[string]cue.Value
}

// NewSchemaRegistry returns a registry preloaded with the built-in board,
// widget, connection, and transformation schemas.
func NewSchemaRegistry() *SchemaRegistry {
	r := &SchemaRegistry{
		cuectx:  cuecontext.New(),
		schemas: make(map[string]cue.Value, len(builtinSchemas)),
	}
	for name, src := range builtinSchemas {
		r.schemas[name] = r.cuectx.CompileString(src)
	}
	return r
}

// RegisterSchema compiles src and stores it under name, replacing any
// schema already registered with that name.
func (r *SchemaRegistry) RegisterSchema(name, src string) error {
	val := r.cuectx.CompileString(src)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %q: %w", name, err)
	}

	r.mu.Lock()
	r.schemas[name] = val
	r.mu.Unlock()
	return nil
}

// GetSchema returns the schema registered under name.
func (r *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	val, ok := r.schemas[name]
	return val, ok
}

// ListSchemas returns the registered schema names in sorted order.
func (r *SchemaRegistry) ListSchemas() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateAgainstSchema encodes data into CUE and unifies it with the named
// schema. A non-nil error describes the first constraint violation.
func (r *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, name string, data interface{}) error {
	schema, ok := r.GetSchema(name)
	if !ok {
		return fmt.Errorf("no schema registered under %q", name)
	}

	encoded := r.cuectx.Encode(data)
	if err := encoded.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if err := schemaConstraint(schema).Unify(encoded).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// schemaConstraint picks the value data is unified against: the first
// definition in the schema source if one exists, otherwise the whole
// schema.
func schemaConstraint(schema cue.Value) cue.Value {
	iter, err := schema.Fields(cue.Definitions(true))
	if err != nil {
		return schema
	}
	for iter.Next() {
		if iter.Selector().LabelType() == cue.DefinitionLabel {
			return iter.Value()
		}
	}
	return schema
}

// ValidateBoard checks board metadata against the built-in board schema.
func (r *SchemaRegistry) ValidateBoard(ctx context.Context, board BoardConfig) error {
	return r.ValidateAgainstSchema(ctx, "board", board)
}

// ValidateWidget checks a widget declaration against the built-in widget schema.
func (r *SchemaRegistry) ValidateWidget(ctx context.Context, widget WidgetConfig) error {
	return r.ValidateAgainstSchema(ctx, "widget", widget)
}

// ValidateConnection checks a connection declaration against the built-in
// connection schema.
func (r *SchemaRegistry) ValidateConnection(ctx context.Context, conn ConnectionConfig) error {
	return r.ValidateAgainstSchema(ctx, "connection", conn)
}

// ValidateTransformation checks a transformation descriptor against the
// built-in transformation schema.
func (r *SchemaRegistry) ValidateTransformation(ctx context.Context, tc TransformationConfig) error {
	return r.ValidateAgainstSchema(ctx, "transformation", tc)
}

const boardSchema = `
// Board schema for board-level metadata
#Board: {
	// Name is the board name
	name: string & =~"^[a-zA-Z0-9_-]+$"

	// Version is the board definition version
	version?: string

	// Description is a human-readable description
	description?: string

	// Labels are key-value pairs for organizing boards
	labels?: {[string]: string}

	// Policy configures policy enforcement
	policy?: {
		enabled: bool
		paths?: [...string]
		mode?: "advisory" | "enforcing"
		on_violation?: "warn" | "fail"
	}
}
`

const widgetSchema = `
// Widget schema for widget declarations
#Widget: {
	// Name is the board-local widget name
	name: string & =~"^[a-zA-Z0-9_-]+$"

	// Slug is the widget kind, lowercase kebab-case
	slug: string & =~"^[a-z][a-z0-9]*(-[a-z0-9]+)*$"

	// Title is a human-readable label
	title?: string

	// Inputs holds initial input slot values
	inputs?: {...}

	// InputSchemaRef references the schema for input slots
	input_schema_ref?: string

	// OutputSchemaRef references the schema for output slots
	output_schema_ref?: string
}
`

const connectionSchema = `
// Connection schema for directed edges between widget slots
#Connection: {
	// Source is the board-local name of the upstream widget
	source: string & =~"^[a-zA-Z0-9_-]+$"

	// SourceSlot is the output slot on the upstream widget
	source_slot: string & !=""

	// Target is the board-local name of the downstream widget
	target: string & =~"^[a-zA-Z0-9_-]+$"

	// TargetSlot is the input slot on the downstream widget
	target_slot: string & !=""

	// Transformation optionally reshapes data crossing the edge
	transformation?: #Transformation
}

#Transformation: {
	content_type: string
	content_source: "inline" | "url" | "iri"
	source_code?: string
	source_url?: string
	iri?: string
	content_hash?: string & =~"^sha256:[0-9a-fA-F]{64}$"
	input_mapping?: {[string]: string}
	config?: {...}
	execution?: {
		timeout?: string
		memory_limit_bytes?: int & >=0
		sandboxed?: bool
		allowed_capabilities?: [...string]
	}
}
`

const transformationSchema = `
// Transformation schema for edge transformation descriptors
#Transformation: {
	// ContentType selects the runtime (e.g., "starlark", "wasm")
	content_type: string

	// ContentSource says where the content comes from
	content_source: "inline" | "url" | "iri"

	// SourceCode carries inline content
	source_code?: string

	// SourceURL locates url content
	source_url?: string

	// IRI identifies iri content
	iri?: string

	// ContentHash pins fetched content to a SHA256 digest
	content_hash?: string & =~"^sha256:[0-9a-fA-F]{64}$"

	// InputMapping maps source output slots to transformation inputs
	input_mapping?: {[string]: string}

	// Config is transformation-specific configuration
	config?: {...}

	// Execution constrains one execution
	execution?: {
		timeout?: string
		memory_limit_bytes?: int & >=0
		sandboxed?: bool
		allowed_capabilities?: [...string]
	}

	// The declared source must carry its content field
	if content_source == "inline" {
		source_code: string
	}
	if content_source == "url" {
		source_url: string
	}
	if content_source == "iri" {
		iri: string
	}
}
`
