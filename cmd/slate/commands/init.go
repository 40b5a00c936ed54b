package commands

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/slateboard/slateboard/pkg/config"
	"github.com/slateboard/slateboard/pkg/provenance"
)

func newInitCommand() *cobra.Command {
	var (
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a Slateboard workspace",
		Long: `Initialize a new Slateboard workspace with settings, keys, data
directories, and an example board.

The workspace is standalone: provenance lives in a local SQLite database
and transformation content is fetched on demand.`,
		Example: `  # Initialize a workspace in the current directory
  slate init

  # Initialize with a custom settings path
  slate init --config /etc/slateboard/slate.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Str("config", settingsPath).
				Msg("Initializing workspace")

			ctx := context.Background()

			// Determine data directory
			dataDir := "./data"
			if settingsPath != "" {
				// If custom settings path, use its directory
				dataDir = filepath.Join(filepath.Dir(settingsPath), "data")
			}

			fmt.Printf("Initializing Slateboard workspace in %s\n\n", dataDir)

			// Step 1: Create directory structure
			dirs := []string{
				dataDir,
				filepath.Join(dataDir, "keys"),
				filepath.Join(dataDir, "policies"),
			}

			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			// Step 2: Initialize the provenance database
			dbPath := filepath.Join(dataDir, "slateboard.db")
			store, err := provenance.NewSQLiteStore(provenance.Config{
				Path: dbPath,
			})
			if err != nil {
				return fmt.Errorf("failed to create provenance store: %w", err)
			}
			defer store.Close()

			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize provenance store: %w", err)
			}

			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			fmt.Printf("✓ Initialized provenance database: %s\n", dbPath)

			// Step 3: Write the default settings file
			keyPath := filepath.Join(dataDir, "keys", "default-ed25519")

			if settingsPath == "" {
				settingsPath = defaultSettingsFile
			}

			if _, err := os.Stat(settingsPath); err == nil && !force {
				fmt.Printf("✓ Settings file already exists: %s\n", settingsPath)
			} else {
				content := fmt.Sprintf(defaultSettingsTemplate, dataDir, dbPath, keyPath)
				if err := os.WriteFile(settingsPath, []byte(content), 0644); err != nil {
					return fmt.Errorf("failed to write settings file: %w", err)
				}
				fmt.Printf("✓ Created settings file: %s\n", settingsPath)
			}

			// Verify the settings round-trip before declaring success.
			if _, err := config.LoadSettings(settingsPath); err != nil {
				return fmt.Errorf("generated settings failed validation: %w", err)
			}

			// Step 4: Generate the default SSH key for sftp content sources
			if _, err := os.Stat(keyPath); os.IsNotExist(err) {
				pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
				if err != nil {
					return fmt.Errorf("failed to generate keypair: %w", err)
				}

				// Marshal private key
				privKeyBytes, err := sshpkg.MarshalPrivateKey(privKey, "")
				if err != nil {
					return fmt.Errorf("failed to marshal private key: %w", err)
				}

				privPEM := pem.EncodeToMemory(privKeyBytes)
				if err := os.WriteFile(keyPath, privPEM, 0600); err != nil {
					return fmt.Errorf("failed to write private key: %w", err)
				}

				// Marshal public key
				sshPubKey, err := sshpkg.NewPublicKey(pubKey)
				if err != nil {
					return fmt.Errorf("failed to create SSH public key: %w", err)
				}

				pubKeyStr := sshpkg.MarshalAuthorizedKey(sshPubKey)
				if err := os.WriteFile(keyPath+".pub", pubKeyStr, 0644); err != nil {
					return fmt.Errorf("failed to write public key: %w", err)
				}

				fmt.Printf("✓ Generated SSH keypair: %s\n", keyPath)
			} else {
				fmt.Printf("✓ SSH keypair already exists: %s\n", keyPath)
			}

			// Step 5: Write an example board unless one is already there
			boardPath := "./board.cue"
			if _, err := os.Stat(boardPath); err == nil && !force {
				fmt.Printf("✓ Board file already exists: %s\n", boardPath)
			} else {
				if err := os.WriteFile(boardPath, []byte(exampleBoard), 0644); err != nil {
					return fmt.Errorf("failed to write example board: %w", err)
				}
				fmt.Printf("✓ Created example board: %s\n", boardPath)
			}

			// Done
			fmt.Printf("\n✅ Workspace initialized successfully!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Validate the example board:\n")
			fmt.Printf("     slate validate board.cue\n\n")
			fmt.Printf("  2. Execute it:\n")
			fmt.Printf("     slate run board.cue\n\n")

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing settings and board files")

	return cmd
}

// defaultSettingsTemplate is filled with the data directory, database
// path, and SSH key path. It mirrors config.DefaultSettings.
const defaultSettingsTemplate = `# Slateboard configuration

# Data directory
data_dir: %s

engine:
  workers: 4
  queue_size: 64
  default_action: refresh

provenance:
  path: %s
  max_open_conns: 25
  max_idle_conns: 5
  conn_max_lifetime: 5m

fetch:
  http_timeout: 30s
  max_content_bytes: 10485760
  ssh:
    private_key_path: %s
    strict_host_key_checking: true
    connect_timeout: 15s

transformers:
  wasm:
    memory_limit_pages: 256
  subprocess:
    runner_path: slate-runner
    inner_content_type: starlark
    startup_timeout: 10s

policy:
  enabled: false
  # paths:
  #   - ./data/policies
  watch: false

telemetry:
  environment: development
  log_level: info
  log_format: console
  tracing_enabled: false
  tracing_exporter: none
  metrics_enabled: false
  metrics_address: ":9090"
  event_buffer_size: 1000
`

// exampleBoard is a two-widget board wired through an inline Starlark
// transformation, small enough to read and real enough to execute.
const exampleBoard = `board: {
	name:        "example"
	version:     "0.1.0"
	description: "A sticky note shouting onto a title card."
}

widgets: {
	note: {
		slug:  "sticky-note"
		title: "Draft note"
		inputs: {
			text: "hello from slateboard"
		}
	}
	headline: {
		slug:  "title-card"
		title: "Headline"
	}
}

connections: [
	{
		source:      "note"
		source_slot: "text"
		target:      "headline"
		target_slot: "title"
		transformation: {
			content_type:   "starlark"
			content_source: "inline"
			source_code: """
				def transform(inputs):
				    return {"title": inputs["text"].upper()}
				"""
		}
	},
]
`
