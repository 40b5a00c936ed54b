package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDebounce coalesces bursts of file events into one reload. Editors
// routinely write a file several times per save.
const reloadDebounce = 500 * time.Millisecond

// Loader reads policies from .rego and .json files and can watch a path
// for changes. One Loader watches at most one path.
type Loader struct {
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	mu     sync.RWMutex
	parsed map[string]*Policy
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		parsed: make(map[string]*Policy),
	}
}

// LoadFromPath loads policies from a file or from a directory tree. A
// directory is walked recursively; files that fail to parse are logged
// and skipped so one broken file cannot empty the whole set.
func (l *Loader) LoadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy path: %w", err)
	}

	if !info.IsDir() {
		policy, err := l.loadFromFile(ctx, path)
		if err != nil {
			return nil, err
		}
		return []Policy{*policy}, nil
	}

	var policies []Policy
	walkErr := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(p) {
			return nil
		}
		policy, err := l.loadFromFile(ctx, p)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Skipping unparseable policy file")
			return nil
		}
		policies = append(policies, *policy)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("failed to walk policy directory: %w", walkErr)
	}

	l.logger.Info().
		Int("total", len(policies)).
		Str("path", path).
		Msg("Policies loaded from directory")

	return policies, nil
}

// LoadBundle reads a versioned policy bundle from one JSON file.
func (l *Loader) LoadBundle(ctx context.Context, bundlePath string) (*PolicyBundle, error) {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy bundle: %w", err)
	}

	var bundle PolicyBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to decode policy bundle: %w", err)
	}

	l.logger.Info().
		Str("bundle", bundle.Name).
		Str("version", bundle.Version).
		Int("policies", len(bundle.Policies)).
		Msg("Loaded policy bundle")

	return &bundle, nil
}

// Watch reports file changes under path to reloadFn, handing it the
// freshly loaded policy set. Events are debounced. The watch ends when
// ctx is cancelled or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, path string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	l.watcher = watcher

	info, err := os.Stat(path)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to stat path for watching: %w", err)
	}

	// Watching is registered per directory; fsnotify does not recurse.
	if info.IsDir() {
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return watcher.Add(p)
			}
			return nil
		})
	} else {
		err = watcher.Add(path)
	}
	if err != nil {
		l.logger.Warn().Err(err).Str("path", path).Msg("Failed to register watch path")
	}

	go l.watchLoop(ctx, path, reloadFn)

	l.logger.Info().Str("path", path).Msg("Watching policy path")
	return nil
}

// StopWatching closes the watcher. The watch goroutine drains and exits.
func (l *Loader) StopWatching() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// ClearCache drops all cached file parses.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.parsed = make(map[string]*Policy)
	l.logger.Debug().Msg("Cleared policy cache")
}

// loadFromFile parses one policy file, serving repeated loads from the
// cache until a watch event invalidates the entry.
func (l *Loader) loadFromFile(ctx context.Context, filePath string) (*Policy, error) {
	l.mu.RLock()
	cached, ok := l.parsed[filePath]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy *Policy
	switch filepath.Ext(filePath) {
	case ".rego":
		policy = l.policyFromRego(filePath, data)
	case ".json":
		policy, err = l.policyFromJSON(data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported policy file %s", filePath)
	}

	l.mu.Lock()
	l.parsed[filePath] = policy
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", filePath).
		Str("name", policy.Name).
		Msg("Loaded policy")

	return policy, nil
}

// policyFromRego wraps raw Rego source in a Policy. The name is the file
// base name and the description comes from its leading comment block.
func (l *Loader) policyFromRego(filePath string, data []byte) *Policy {
	now := time.Now()
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(filePath), ".rego"),
		Description: l.extractDescription(string(data)),
		Rego:        string(data),
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// policyFromJSON decodes a full Policy document. Name and Rego are
// required; severity falls back to warning.
func (l *Loader) policyFromJSON(data []byte) (*Policy, error) {
	var policy Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to decode policy JSON: %w", err)
	}

	if policy.Name == "" {
		return nil, fmt.Errorf("JSON policy is missing a name")
	}
	if policy.Rego == "" {
		return nil, fmt.Errorf("JSON policy %s has no rego code", policy.Name)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}

	now := time.Now()
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = now
	}
	if policy.UpdatedAt.IsZero() {
		policy.UpdatedAt = now
	}

	return &policy, nil
}

// extractDescription collects the leading comment block of a Rego file,
// joined into one line. Collection stops at the first non-comment line
// after any comment was seen; "# package ..." lines are not prose.
func (l *Loader) extractDescription(content string) string {
	var parts []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "#"):
			comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			if comment != "" && !strings.HasPrefix(comment, "package") {
				parts = append(parts, comment)
			}
		case trimmed != "" && len(parts) > 0:
			return strings.Join(parts, " ")
		}
	}
	return strings.Join(parts, " ")
}

// watchLoop drains watcher events, invalidates cache entries for changed
// files, and schedules debounced reloads.
func (l *Loader) watchLoop(ctx context.Context, path string, reloadFn func([]Policy) error) {
	var pending *time.Timer

	for {
		select {
		case <-ctx.Done():
			if l.watcher != nil {
				_ = l.watcher.Close()
			}
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isPolicyFile(event.Name) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy source changed")

			l.mu.Lock()
			delete(l.parsed, event.Name)
			l.mu.Unlock()

			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, func() {
				if err := l.triggerReload(ctx, path, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Policy reload failed")
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// triggerReload loads the watched path and hands the result to the
// reload callback.
func (l *Loader) triggerReload(ctx context.Context, path string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPath(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to load changed policies: %w", err)
	}

	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to install reloaded policies: %w", err)
	}

	l.logger.Info().
		Int("count", len(policies)).
		Msg("Reloaded policies")

	return nil
}

// isPolicyFile reports whether a path names a loadable policy file.
func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}
