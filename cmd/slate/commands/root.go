package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// Flags shared by every subcommand.
var (
	settingsPath string
	verbose      bool
	jsonOutput   bool

	// cliVersion is the bare version string, used as the telemetry
	// service version.
	cliVersion = "dev"
)

// Execute builds the CLI and runs it under ctx.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	cliVersion = version
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	root := &cobra.Command{
		Use:   "slate",
		Short: "Slateboard - Widget Blackboard Execution Engine",
		Long: `Slateboard executes boards of interconnected widgets. Widgets form an
acyclic dependency graph; connections carry outputs downstream through
sandboxed transformations before they become the next widget's inputs.

Features:
  - Typed board definitions via CUE
  - Starlark, WASM, and subprocess transformation runtimes
  - Content-addressed transformation integrity (sha256)
  - Hierarchical execution with dependency-failure propagation
  - Append-only provenance in SQLite
  - Policy admission via OPA/Rego`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	root.PersistentFlags().StringVarP(&settingsPath, "config", "c", "", "settings file path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	root.AddCommand(
		newInitCommand(),
		newValidateCommand(),
		newPlanCommand(),
		newRunCommand(),
		newGraphCommand(),
		newHistoryCommand(),
		newDriftCommand(),
		newBackupCommand(),
		newRestoreCommand(),
		newDevCommand(),
	)

	return root
}
