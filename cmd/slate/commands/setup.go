package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/slateboard/slateboard/pkg/config"
	"github.com/slateboard/slateboard/pkg/engine"
	"github.com/slateboard/slateboard/pkg/fetch"
	"github.com/slateboard/slateboard/pkg/policy"
	"github.com/slateboard/slateboard/pkg/provenance"
	"github.com/slateboard/slateboard/pkg/telemetry"
	"github.com/slateboard/slateboard/pkg/transform"
)

// defaultSettingsFile is picked up from the working directory when no
// --config flag is given.
const defaultSettingsFile = "./slate.yaml"

// loadSettings resolves the settings for a command invocation. An explicit
// --config path must exist; otherwise ./slate.yaml is used when present and
// built-in defaults apply when it is not.
func loadSettings() (*config.Settings, error) {
	if settingsPath != "" {
		return config.LoadSettings(settingsPath)
	}

	if _, err := os.Stat(defaultSettingsFile); err == nil {
		return config.LoadSettings(defaultSettingsFile)
	}

	settings := config.DefaultSettings()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// openStore opens the provenance database described by the settings and
// ensures its schema is current.
func openStore(ctx context.Context, settings *config.Settings) (*provenance.SQLiteStore, error) {
	cfg, err := settings.ProvenanceConfig()
	if err != nil {
		return nil, err
	}

	store, err := provenance.NewSQLiteStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open provenance store: %w", err)
	}

	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize provenance store: %w", err)
	}

	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate provenance store: %w", err)
	}

	return store, nil
}

// workspace bundles the wired components behind the execution commands.
// Construction order matters: telemetry first so every other component
// logs through it, the engine last so it can reference everything else.
type workspace struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	store    *provenance.SQLiteStore
	policies *policy.Engine
	fetcher  *fetch.Fetcher
	registry *transform.Registry
	engine   *engine.Engine
	parser   *config.BoardParser
}

// openWorkspace wires a full execution workspace from the settings:
// telemetry, provenance store, policy engine, content fetcher,
// transformation runtimes, and the execution engine itself. The engine
// is started before returning.
func openWorkspace(ctx context.Context, version string) (*workspace, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(settings.TelemetryConfig(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if settings.Telemetry.MetricsEnabled {
		if err := tel.StartMetricsServer(); err != nil {
			log.Warn().Err(err).Msg("Failed to start metrics server")
		}
	}

	logger := tel.Logger.Zerolog()

	store, err := openStore(ctx, settings)
	if err != nil {
		tel.Shutdown(ctx)
		return nil, err
	}

	var policies *policy.Engine
	if settings.Policy.Enabled {
		policies, err = policy.NewEngine(logger)
		if err != nil {
			store.Close()
			tel.Shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
		}
		for _, path := range settings.Policy.Paths {
			if err := policies.LoadPolicies(ctx, path); err != nil {
				store.Close()
				tel.Shutdown(ctx)
				return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
			}
		}
	}

	fetchCfg, err := settings.FetchConfig()
	if err != nil {
		store.Close()
		tel.Shutdown(ctx)
		return nil, err
	}
	fetcher := fetch.New(fetchCfg, logger)

	registry := transform.NewRegistry(logger)
	if len(settings.Transformers.AllowedCapabilities) > 0 {
		caps, err := transform.ParseCapabilities(settings.Transformers.AllowedCapabilities)
		if err != nil {
			store.Close()
			tel.Shutdown(ctx)
			return nil, err
		}
		registry.SetAllowedCapabilities(caps)
	}

	builtins, err := settings.BuiltinTransformers()
	if err != nil {
		store.Close()
		tel.Shutdown(ctx)
		return nil, err
	}
	if err := transform.RegisterBuiltins(registry, builtins); err != nil {
		store.Close()
		tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to register transformation runtimes: %w", err)
	}

	ws := &workspace{
		settings: settings,
		tel:      tel,
		store:    store,
		policies: policies,
		fetcher:  fetcher,
		registry: registry,
		parser:   config.NewBoardParser(),
	}
	ws.engine = ws.newEngine()
	ws.engine.Start()

	return ws, nil
}

// newEngine builds an engine over the workspace's shared components. Dev
// mode rotates engines between cycles so every apply starts from an empty
// graph; the rest of the workspace is reused across engines.
func (w *workspace) newEngine() *engine.Engine {
	cfg := engine.Config{
		Workers:      w.settings.Engine.Workers,
		QueueSize:    w.settings.Engine.QueueSize,
		Transformers: w.registry,
		Resolver:     w.fetcher,
		Recorder:     engine.NewStoreRecorder(w.store),
		Publisher:    w.tel.Events,
	}
	// A nil *policy.Engine must not become a non-nil interface value.
	if w.policies != nil {
		cfg.Policy = w.policies
	}
	return engine.New(cfg)
}

// Close shuts the workspace down in reverse construction order.
func (w *workspace) Close(ctx context.Context) {
	if w.engine != nil {
		if err := w.engine.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Engine shutdown did not complete cleanly")
		}
	}
	if w.registry != nil {
		if err := w.registry.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Runtime registry shutdown did not complete cleanly")
		}
	}
	if w.store != nil {
		if err := w.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Provenance store close failed")
		}
	}
	if w.tel != nil {
		if err := w.tel.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown did not complete cleanly")
		}
	}
}

// parseBoard parses board sources and fails on validation errors, printing
// each one the way the compiler would.
func parseBoard(ctx context.Context, parser *config.BoardParser, sources []string) (*config.ParsedBoard, error) {
	if len(sources) == 0 {
		sources = []string{"."}
	}

	parsed, err := parser.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}

	if parsed.HasErrors() {
		for _, verr := range parsed.Errors {
			fmt.Fprintf(os.Stderr, "%s\n", verr.Error())
		}
		return nil, fmt.Errorf("board has %d validation errors", len(parsed.Errors))
	}

	return parsed, nil
}

// resolveRoot maps a --root widget name to its engine ID. With no name it
// defaults to the board's sole root widget, the one no connection targets;
// boards with several roots need the flag.
func resolveRoot(parsed *config.ParsedBoard, result *config.ApplyResult, rootName string) (string, error) {
	if rootName != "" {
		id, ok := result.WidgetIDs[rootName]
		if !ok {
			return "", fmt.Errorf("root widget %q is not declared on the board", rootName)
		}
		return id, nil
	}

	hasIncoming := make(map[string]bool)
	for i := range parsed.Connections {
		hasIncoming[parsed.Connections[i].Target] = true
	}
	var roots []string
	for i := range parsed.Widgets {
		if !hasIncoming[parsed.Widgets[i].Name] {
			roots = append(roots, parsed.Widgets[i].Name)
		}
	}

	switch len(roots) {
	case 1:
		return result.WidgetIDs[roots[0]], nil
	case 0:
		return "", fmt.Errorf("board has no root widget")
	default:
		return "", fmt.Errorf("board has %d root widgets (%s), pick one with --root",
			len(roots), strings.Join(roots, ", "))
	}
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
