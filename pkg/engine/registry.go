package engine

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// slugPattern restricts kind slugs to lowercase kebab-case.
var slugPattern = regexp.MustCompile(`^[a-z][a-z0-9]*(?:-[a-z0-9]+)*$`)

// WidgetRegistry manages widget kind registrations and mints widget IDs.
// IDs are formed from the kind slug plus a per-slug counter; counters only
// ever increase, so an ID is never reused even after its widget is removed.
type WidgetRegistry struct {
	mu       sync.RWMutex
	kinds    map[string]*Registration
	counters map[string]int
}

// NewWidgetRegistry creates an empty widget registry.
func NewWidgetRegistry() *WidgetRegistry {
	return &WidgetRegistry{
		kinds:    make(map[string]*Registration),
		counters: make(map[string]int),
	}
}

// RegisterKind adds a widget kind. Registering a slug twice is a conflict.
func (r *WidgetRegistry) RegisterKind(reg *Registration) error {
	if reg == nil {
		return NewPermanentError("registration is nil", nil).WithCode(ErrCodeValidation)
	}
	if !slugPattern.MatchString(reg.Slug) {
		return NewPermanentError(fmt.Sprintf("invalid kind slug: %q", reg.Slug), nil).
			WithCode(ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kinds[reg.Slug]; exists {
		return NewConflictError(fmt.Sprintf("kind already registered: %s", reg.Slug), nil).
			WithCode(ErrCodeAlreadyExists)
	}

	r.kinds[reg.Slug] = reg
	return nil
}

// GetKind retrieves a registration by slug.
func (r *WidgetRegistry) GetKind(slug string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.kinds[slug]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("unknown widget kind: %s", slug), nil).
			WithCode(ErrCodeValidation)
	}
	return reg, nil
}

// HasKind reports whether a slug is registered.
func (r *WidgetRegistry) HasKind(slug string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[slug]
	return ok
}

// ListKinds returns all registrations sorted by slug.
func (r *WidgetRegistry) ListKinds() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]*Registration, 0, len(r.kinds))
	for _, reg := range r.kinds {
		kinds = append(kinds, reg)
	}
	sort.Slice(kinds, func(i, j int) bool {
		return kinds[i].Slug < kinds[j].Slug
	})
	return kinds
}

// NextID mints the next widget ID for a slug. The counter is monotonic for
// the registry's lifetime.
func (r *WidgetRegistry) NextID(slug string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.kinds[slug]; !ok {
		return "", NewPermanentError(fmt.Sprintf("unknown widget kind: %s", slug), nil).
			WithCode(ErrCodeValidation)
	}

	r.counters[slug]++
	return fmt.Sprintf("%s-%d", slug, r.counters[slug]), nil
}

// ActionFor resolves the handler for a kind's action slug.
func (r *WidgetRegistry) ActionFor(slug, action string) (ActionFunc, error) {
	reg, err := r.GetKind(slug)
	if err != nil {
		return nil, err
	}

	fn, ok := reg.Actions[action]
	if !ok {
		return nil, NewPermanentError(
			fmt.Sprintf("kind %s has no action %q", slug, action), nil).
			WithCode(ErrCodeValidation)
	}
	return fn, nil
}
