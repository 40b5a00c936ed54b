package transform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/slateboard/slateboard/pkg/engine"
)

// Registry implements the engine's TransformerRegistry: one runtime per
// content type tag. Safe for concurrent use.
type Registry struct {
	logger zerolog.Logger

	// mu protects the registry state.
	mu sync.RWMutex

	// runtimes maps content type tags to runtime instances.
	runtimes map[string]engine.Transformer

	// allowed is the set of capabilities runtimes may require. Empty
	// means no restriction.
	allowed map[engine.Capability]bool
}

// NewRegistry creates an empty runtime registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:   logger.With().Str("component", "transform-registry").Logger(),
		runtimes: make(map[string]engine.Transformer),
		allowed:  make(map[engine.Capability]bool),
	}
}

// SetAllowedCapabilities restricts which capabilities registered runtimes
// may require. Registration fails for runtimes requiring anything outside
// the set. An empty set allows everything.
func (r *Registry) SetAllowedCapabilities(capabilities []engine.Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.allowed = make(map[engine.Capability]bool, len(capabilities))
	for _, c := range capabilities {
		r.allowed[c] = true
	}
}

// Register adds a runtime under its content type tag.
func (r *Registry) Register(t engine.Transformer) error {
	if t == nil {
		return engine.NewPermanentError("runtime is nil", nil).WithCode(engine.ErrCodeValidation)
	}

	meta := t.Metadata()
	if meta.ContentType == "" {
		return engine.NewPermanentError("runtime has no content type", nil).
			WithCode(engine.ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runtimes[meta.ContentType]; exists {
		return engine.NewConflictError(
			fmt.Sprintf("runtime already registered for content type: %s", meta.ContentType), nil).
			WithCode(engine.ErrCodeAlreadyExists)
	}

	if denied := r.deniedCapabilities(meta.RequiredCapabilities); len(denied) > 0 {
		return engine.NewPermanentError(
			fmt.Sprintf("runtime %s requires capabilities not allowed here: %s",
				meta.Name, joinCapabilities(denied)), nil).
			WithCode(engine.ErrCodePermissionDenied)
	}

	r.runtimes[meta.ContentType] = t
	r.logger.Debug().
		Str("content_type", meta.ContentType).
		Str("name", meta.Name).
		Str("version", meta.Version).
		Msg("Registered transformation runtime")
	return nil
}

// Get returns the runtime for a content type tag.
func (r *Registry) Get(contentType string) (engine.Transformer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.runtimes[contentType]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("no runtime registered for content type: %s", contentType), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return t, nil
}

// List returns metadata for all registered runtimes, sorted by content
// type.
func (r *Registry) List() []engine.TransformerMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	metas := make([]engine.TransformerMetadata, 0, len(r.runtimes))
	for _, t := range r.runtimes {
		metas = append(metas, t.Metadata())
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].ContentType < metas[j].ContentType
	})
	return metas
}

// Close releases all registered runtimes. Every runtime is closed even if
// some fail; the failures are reported together.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failed []string
	for contentType, t := range r.runtimes {
		if err := t.Close(ctx); err != nil {
			r.logger.Warn().Err(err).
				Str("content_type", contentType).
				Msg("Failed to close transformation runtime")
			failed = append(failed, contentType)
		}
	}
	r.runtimes = make(map[string]engine.Transformer)

	if len(failed) > 0 {
		sort.Strings(failed)
		return engine.NewPermanentError(
			fmt.Sprintf("failed to close runtimes: %s", strings.Join(failed, ", ")), nil).
			WithCode(engine.ErrCodeInternal)
	}
	return nil
}

// deniedCapabilities returns the required capabilities outside the
// allowlist. Callers hold the lock.
func (r *Registry) deniedCapabilities(required []engine.Capability) []engine.Capability {
	if len(r.allowed) == 0 {
		return nil
	}
	var denied []engine.Capability
	for _, c := range required {
		if !r.allowed[c] {
			denied = append(denied, c)
		}
	}
	return denied
}

func joinCapabilities(caps []engine.Capability) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}
