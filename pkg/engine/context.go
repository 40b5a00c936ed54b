package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// ExecutionContext holds the per-run execution state shared by every work
// item in a hierarchy run: lazily loaded transformation runtimes and a
// fetch-once cache of remote content. A context lives exactly as long as its
// run.
type ExecutionContext struct {
	runID       string
	registry    TransformerRegistry
	resolver    ContentResolver
	iriResolver RegistryResolver

	mu       sync.Mutex
	runtimes map[string]Transformer
	content  map[contentKey]*contentEntry
}

// contentKey identifies one fetchable piece of content. The declared hash is
// part of the key so that the same URL pinned to different hashes is fetched
// and verified separately.
type contentKey struct {
	url  string
	hash string
}

type contentEntry struct {
	once sync.Once
	data []byte
	err  error
}

// NewExecutionContext creates the execution state for one run.
func NewExecutionContext(runID string, registry TransformerRegistry, resolver ContentResolver, iriResolver RegistryResolver) *ExecutionContext {
	return &ExecutionContext{
		runID:       runID,
		registry:    registry,
		resolver:    resolver,
		iriResolver: iriResolver,
		runtimes:    make(map[string]Transformer),
		content:     make(map[contentKey]*contentEntry),
	}
}

// RunID returns the run this context belongs to.
func (ec *ExecutionContext) RunID() string {
	return ec.runID
}

// Runtime returns the transformation runtime for a content type tag. The
// registry is consulted once per tag; every work item in the run shares the
// same instance.
func (ec *ExecutionContext) Runtime(contentType string) (Transformer, error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if t, ok := ec.runtimes[contentType]; ok {
		return t, nil
	}

	t, err := ec.registry.Get(contentType)
	if err != nil {
		return nil, err
	}
	ec.runtimes[contentType] = t
	return t, nil
}

// ResolveContent returns the executable content for a transformation.
// Inline content is returned as-is. URL content is fetched at most once per
// context and verified against the declared hash before anything sees it; a
// mismatch is a fatal integrity error and the content is never executed. IRI
// content goes through the registry hook first and is then treated as a URL.
func (ec *ExecutionContext) ResolveContent(ctx context.Context, t *Transformation) ([]byte, error) {
	switch t.ContentSource {
	case ContentSourceInline:
		return []byte(t.SourceCode), nil

	case ContentSourceURL:
		return ec.fetchOnce(ctx, t.SourceURL, t.ContentHash)

	case ContentSourceIRI:
		url := t.SourceURL
		if url == "" {
			if ec.iriResolver == nil {
				return nil, NewPermanentError(
					fmt.Sprintf("no registry resolver for iri %s", t.IRI), nil).
					WithCode(ErrCodeValidation)
			}
			resolved, err := ec.iriResolver.ResolveIRI(ctx, t.IRI)
			if err != nil {
				return nil, NewPermanentError(
					fmt.Sprintf("failed to resolve iri %s", t.IRI), err).
					WithCode(ErrCodeValidation)
			}
			url = resolved
		}
		return ec.fetchOnce(ctx, url, t.ContentHash)

	default:
		return nil, t.ContentSource.Validate()
	}
}

// fetchOnce fetches and verifies the content for a (url, hash) pair exactly
// once; concurrent callers share the single fetch.
func (ec *ExecutionContext) fetchOnce(ctx context.Context, url, hash string) ([]byte, error) {
	if url == "" {
		return nil, NewPermanentError("content url is empty", nil).WithCode(ErrCodeValidation)
	}

	key := contentKey{url: url, hash: hash}

	ec.mu.Lock()
	entry, ok := ec.content[key]
	if !ok {
		entry = &contentEntry{}
		ec.content[key] = entry
	}
	ec.mu.Unlock()

	entry.once.Do(func() {
		data, err := ec.resolver.Fetch(ctx, url)
		if err != nil {
			entry.err = NewTransientError(fmt.Sprintf("failed to fetch %s", url), err).
				WithCode(ErrCodeTransformFailed)
			return
		}
		if hash != "" {
			if err := VerifyChecksum(data, hash); err != nil {
				entry.err = err
				return
			}
		}
		entry.data = data
	})

	return entry.data, entry.err
}

// Close drops the content cache and releases the per-run runtime references.
// The runtimes themselves are owned by the registry.
func (ec *ExecutionContext) Close() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.runtimes = make(map[string]Transformer)
	ec.content = make(map[contentKey]*contentEntry)
}

// VerifyChecksum checks data against a declared "sha256:<hex>" digest. A
// mismatch is a fatal integrity error.
func VerifyChecksum(data []byte, declared string) error {
	digest := declared
	if strings.HasPrefix(declared, "sha256:") {
		digest = strings.TrimPrefix(declared, "sha256:")
	}

	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])

	if !strings.EqualFold(actual, digest) {
		return NewPermanentError(
			fmt.Sprintf("content hash mismatch: declared %s, got sha256:%s", declared, actual), nil).
			WithCode(ErrCodeIntegrity).
			WithKind(ResultIntegrityError)
	}
	return nil
}
