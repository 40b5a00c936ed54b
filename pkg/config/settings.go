package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/slateboard/slateboard/pkg/fetch"
	"github.com/slateboard/slateboard/pkg/provenance"
	"github.com/slateboard/slateboard/pkg/telemetry"
	"github.com/slateboard/slateboard/pkg/transform"
	"github.com/slateboard/slateboard/pkg/transform/subprocess"
	"github.com/slateboard/slateboard/pkg/transform/wasm"
)

// Settings is the operator-facing runtime configuration, loaded from a YAML
// file. Board files describe what a board contains; Settings describe how
// this installation runs boards: worker counts, database location, fetch
// credentials, sandbox limits, telemetry. Durations are Go duration strings
// such as "30s".
type Settings struct {
	// DataDir is the root directory for runtime state.
	DataDir string `yaml:"data_dir" validate:"required"`

	// Engine configures the execution pool.
	Engine EngineSettings `yaml:"engine"`

	// Provenance configures the provenance database.
	Provenance ProvenanceSettings `yaml:"provenance"`

	// Fetch configures remote content retrieval.
	Fetch FetchSettings `yaml:"fetch"`

	// Transformers configures the built-in transformation runtimes.
	Transformers TransformerSettings `yaml:"transformers"`

	// Policy configures policy enforcement.
	Policy PolicySettings `yaml:"policy"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry TelemetrySettings `yaml:"telemetry"`
}

// EngineSettings configures the execution pool.
type EngineSettings struct {
	// Workers is the number of concurrent work slots.
	Workers int `yaml:"workers" validate:"min=0"`

	// QueueSize is the pending work queue capacity.
	QueueSize int `yaml:"queue_size" validate:"min=0"`

	// DefaultAction is the action invoked when a run does not name one,
	// and the action bound to auto-registered widget kinds.
	DefaultAction string `yaml:"default_action"`
}

// ProvenanceSettings configures the provenance database.
type ProvenanceSettings struct {
	// Path is the SQLite database file. Empty means slateboard.db under
	// the data directory.
	Path string `yaml:"path"`

	MaxOpenConns int `yaml:"max_open_conns" validate:"min=0"`
	MaxIdleConns int `yaml:"max_idle_conns" validate:"min=0"`

	// ConnMaxLifetime bounds how long a pooled connection is reused.
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
}

// FetchSettings configures remote content retrieval.
type FetchSettings struct {
	// HTTPTimeout bounds one HTTP fetch end to end.
	HTTPTimeout string `yaml:"http_timeout"`

	// MaxContentBytes caps the size of fetched content.
	MaxContentBytes int64 `yaml:"max_content_bytes" validate:"min=0"`

	// SSH configures sftp URL fetches.
	SSH SSHSettings `yaml:"ssh"`
}

// SSHSettings configures sftp URL fetches.
type SSHSettings struct {
	// User is the login for sftp URLs that do not embed one.
	User string `yaml:"user"`

	// PrivateKeyPath enables key authentication.
	PrivateKeyPath string `yaml:"private_key_path"`

	// PrivateKeyPassphrase unlocks an encrypted private key.
	PrivateKeyPassphrase string `yaml:"private_key_passphrase,omitempty"`

	// KnownHostsPath is the known_hosts file for host key checks.
	KnownHostsPath string `yaml:"known_hosts_path"`

	// StrictHostKeyChecking rejects hosts missing from known_hosts.
	StrictHostKeyChecking bool `yaml:"strict_host_key_checking"`

	// ConnectTimeout bounds establishing the SSH connection.
	ConnectTimeout string `yaml:"connect_timeout"`
}

// TransformerSettings configures the built-in transformation runtimes.
type TransformerSettings struct {
	// AllowedCapabilities is the installation-wide capability ceiling.
	// Boards cannot grant a capability that is not listed here. Empty
	// means no ceiling.
	AllowedCapabilities []string `yaml:"allowed_capabilities,omitempty"`

	// Wasm configures the in-process WASM runtime.
	Wasm WasmSettings `yaml:"wasm"`

	// Subprocess configures the slate-runner delegation runtime.
	Subprocess SubprocessSettings `yaml:"subprocess"`
}

// WasmSettings configures the in-process WASM runtime.
type WasmSettings struct {
	// MemoryLimitPages is the default module memory limit in 64KB pages.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`
}

// SubprocessSettings configures the slate-runner delegation runtime.
type SubprocessSettings struct {
	// RunnerPath is the slate-runner binary.
	RunnerPath string `yaml:"runner_path"`

	// RunnerArgs are extra arguments passed to the runner binary.
	RunnerArgs []string `yaml:"runner_args,omitempty"`

	// InnerContentType selects the runner-side runtime.
	InnerContentType string `yaml:"inner_content_type"`

	// StartupTimeout bounds the wait for the runner's READY handshake.
	StartupTimeout string `yaml:"startup_timeout"`
}

// PolicySettings configures policy enforcement.
type PolicySettings struct {
	// Enabled turns policy evaluation on.
	Enabled bool `yaml:"enabled"`

	// Paths lists Rego policy files or directories.
	Paths []string `yaml:"paths,omitempty"`

	// Watch reloads policies when the files change.
	Watch bool `yaml:"watch"`
}

// TelemetrySettings configures logging, tracing, and metrics.
type TelemetrySettings struct {
	Environment string `yaml:"environment" validate:"omitempty,oneof=development staging production"`

	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=console json"`
	LogOutput string `yaml:"log_output,omitempty"`

	TracingEnabled  bool   `yaml:"tracing_enabled"`
	TracingExporter string `yaml:"tracing_exporter" validate:"omitempty,oneof=otlp stdout none"`
	TracingEndpoint string `yaml:"tracing_endpoint,omitempty"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddress string `yaml:"metrics_address,omitempty"`

	EventBufferSize int `yaml:"event_buffer_size" validate:"min=0"`
}

// DefaultSettings returns the settings a fresh workspace starts with.
func DefaultSettings() *Settings {
	return &Settings{
		DataDir: "./data",
		Engine: EngineSettings{
			Workers:       4,
			QueueSize:     64,
			DefaultAction: "refresh",
		},
		Provenance: ProvenanceSettings{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: "5m",
		},
		Fetch: FetchSettings{
			HTTPTimeout:     "30s",
			MaxContentBytes: 10 << 20,
			SSH: SSHSettings{
				StrictHostKeyChecking: true,
				ConnectTimeout:        "15s",
			},
		},
		Transformers: TransformerSettings{
			Wasm: WasmSettings{
				MemoryLimitPages: 256,
			},
			Subprocess: SubprocessSettings{
				RunnerPath:       "slate-runner",
				InnerContentType: "starlark",
				StartupTimeout:   "10s",
			},
		},
		Policy: PolicySettings{
			Enabled: false,
		},
		Telemetry: TelemetrySettings{
			Environment:     "development",
			LogLevel:        "info",
			LogFormat:       "console",
			TracingExporter: "none",
			MetricsAddress:  ":9090",
			EventBufferSize: 1000,
		},
	}
}

// LoadSettings reads settings from a YAML file. Absent fields keep their
// defaults.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
	}

	s := DefaultSettings()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings %s: %w", path, err)
	}

	return s, nil
}

// Validate checks field constraints and duration strings.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	durations := map[string]string{
		"provenance.conn_max_lifetime":          s.Provenance.ConnMaxLifetime,
		"fetch.http_timeout":                    s.Fetch.HTTPTimeout,
		"fetch.ssh.connect_timeout":             s.Fetch.SSH.ConnectTimeout,
		"transformers.subprocess.startup_timeout": s.Transformers.Subprocess.StartupTimeout,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", field, err)
		}
		if d < 0 {
			return fmt.Errorf("duration for %s must not be negative", field)
		}
	}

	return nil
}

// DatabasePath returns the provenance database location.
func (s *Settings) DatabasePath() string {
	if s.Provenance.Path != "" {
		return s.Provenance.Path
	}
	return filepath.Join(s.DataDir, "slateboard.db")
}

// ApplyOptions returns the board apply options implied by the settings.
func (s *Settings) ApplyOptions() ApplyOptions {
	opts := DefaultApplyOptions()
	if s.Engine.DefaultAction != "" {
		opts.DefaultAction = s.Engine.DefaultAction
	}
	return opts
}

// ProvenanceConfig converts the provenance section to a store configuration.
func (s *Settings) ProvenanceConfig() (provenance.Config, error) {
	lifetime, err := parseDuration(s.Provenance.ConnMaxLifetime, 5*time.Minute)
	if err != nil {
		return provenance.Config{}, fmt.Errorf("provenance.conn_max_lifetime: %w", err)
	}

	return provenance.Config{
		Path:            s.DatabasePath(),
		MaxOpenConns:    s.Provenance.MaxOpenConns,
		MaxIdleConns:    s.Provenance.MaxIdleConns,
		ConnMaxLifetime: lifetime,
	}, nil
}

// FetchConfig converts the fetch section to a fetcher configuration.
func (s *Settings) FetchConfig() (fetch.Config, error) {
	httpTimeout, err := parseDuration(s.Fetch.HTTPTimeout, 0)
	if err != nil {
		return fetch.Config{}, fmt.Errorf("fetch.http_timeout: %w", err)
	}
	connectTimeout, err := parseDuration(s.Fetch.SSH.ConnectTimeout, 0)
	if err != nil {
		return fetch.Config{}, fmt.Errorf("fetch.ssh.connect_timeout: %w", err)
	}

	return fetch.Config{
		HTTPTimeout:              httpTimeout,
		MaxContentBytes:          s.Fetch.MaxContentBytes,
		SSHUser:                  s.Fetch.SSH.User,
		SSHPrivateKeyPath:        s.Fetch.SSH.PrivateKeyPath,
		SSHPrivateKeyPassphrase:  s.Fetch.SSH.PrivateKeyPassphrase,
		SSHKnownHostsPath:        s.Fetch.SSH.KnownHostsPath,
		SSHStrictHostKeyChecking: s.Fetch.SSH.StrictHostKeyChecking,
		SSHConnectTimeout:        connectTimeout,
	}, nil
}

// BuiltinTransformers converts the transformers section to the built-in
// runtime configuration.
func (s *Settings) BuiltinTransformers() (transform.BuiltinConfig, error) {
	startup, err := parseDuration(s.Transformers.Subprocess.StartupTimeout, 0)
	if err != nil {
		return transform.BuiltinConfig{}, fmt.Errorf("transformers.subprocess.startup_timeout: %w", err)
	}

	return transform.BuiltinConfig{
		Wasm: wasm.Config{
			MemoryLimitPages: s.Transformers.Wasm.MemoryLimitPages,
		},
		Subprocess: subprocess.Config{
			RunnerPath:       s.Transformers.Subprocess.RunnerPath,
			RunnerArgs:       s.Transformers.Subprocess.RunnerArgs,
			InnerContentType: s.Transformers.Subprocess.InnerContentType,
			StartupTimeout:   startup,
		},
	}, nil
}

// TelemetryConfig converts the telemetry section to a telemetry
// configuration for the given service version.
func (s *Settings) TelemetryConfig(serviceVersion string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if serviceVersion != "" {
		cfg.ServiceVersion = serviceVersion
	}

	if s.Telemetry.Environment != "" {
		cfg.Environment = s.Telemetry.Environment
	}
	if s.Telemetry.LogLevel != "" {
		cfg.Logging.Level = s.Telemetry.LogLevel
	}
	if s.Telemetry.LogFormat != "" {
		cfg.Logging.Format = s.Telemetry.LogFormat
	}
	if s.Telemetry.LogOutput != "" {
		cfg.Logging.Output = s.Telemetry.LogOutput
	}

	cfg.Tracing.Enabled = s.Telemetry.TracingEnabled
	if s.Telemetry.TracingExporter != "" {
		cfg.Tracing.Exporter = s.Telemetry.TracingExporter
	}
	if s.Telemetry.TracingEndpoint != "" {
		cfg.Tracing.Endpoint = s.Telemetry.TracingEndpoint
	}

	cfg.Metrics.Enabled = s.Telemetry.MetricsEnabled
	if s.Telemetry.MetricsAddress != "" {
		cfg.Metrics.ListenAddress = s.Telemetry.MetricsAddress
	}

	if s.Telemetry.EventBufferSize > 0 {
		cfg.Events.BufferSize = s.Telemetry.EventBufferSize
	}

	return cfg
}

func parseDuration(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", value)
	}
	return d, nil
}
