package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/slateboard/slateboard/pkg/config"
	"github.com/slateboard/slateboard/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [sources...]",
		Short: "Validate board definitions",
		Long: `Validate board definition files without executing anything.

Validation covers:
  - CUE syntax and schema conformance
  - Widget name and slug rules
  - Connection endpoints (declared widgets, no self-connections)
  - Transformation descriptors (content source, hash format, capabilities)
  - Policy admission, when a policy engine is configured

Sources may be .cue files or directories; all are unified into a single
board. With no sources the current directory is used.`,
		Example: `  # Validate the current directory
  slate validate

  # Validate specific files
  slate validate board.cue overrides.cue

  # Machine-readable report
  slate validate board.cue --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Strs("sources", args).
				Msg("Validating board")

			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return err
			}

			sources := args
			if len(sources) == 0 {
				sources = []string{"."}
			}

			parser := config.NewBoardParser()
			parsed, err := parser.Parse(ctx, sources)
			if err != nil {
				return err
			}

			// Policy admission runs against every transformation the board
			// declares, matching what the engine checks at execution time.
			var violations []string
			if settings.Policy.Enabled && !parsed.HasErrors() {
				policies, err := policy.NewEngine(log.Logger)
				if err != nil {
					return fmt.Errorf("failed to initialize policy engine: %w", err)
				}
				for _, path := range settings.Policy.Paths {
					if err := policies.LoadPolicies(ctx, path); err != nil {
						return fmt.Errorf("failed to load policies from %s: %w", path, err)
					}
				}

				for i := range parsed.Connections {
					conn := &parsed.Connections[i]
					if conn.Transformation == nil {
						continue
					}
					t, err := conn.Transformation.ToEngine()
					if err != nil {
						return err
					}
					result, err := policies.ValidateTransformation(ctx, t)
					if err != nil {
						return fmt.Errorf("policy evaluation failed for %s -> %s: %w",
							conn.Source, conn.Target, err)
					}
					for _, v := range result.Violations {
						violations = append(violations, fmt.Sprintf("%s -> %s: [%s] %s",
							conn.Source, conn.Target, v.PolicyID, v.Message))
					}
				}
			}

			if jsonOutput {
				report := struct {
					Board       config.BoardConfig       `json:"board"`
					Widgets     int                      `json:"widgets"`
					Connections int                      `json:"connections"`
					Errors      []config.ValidationError `json:"errors,omitempty"`
					Violations  []string                 `json:"policy_violations,omitempty"`
					Valid       bool                     `json:"valid"`
				}{
					Board:       parsed.Board,
					Widgets:     len(parsed.Widgets),
					Connections: len(parsed.Connections),
					Errors:      parsed.Errors,
					Violations:  violations,
					Valid:       !parsed.HasErrors() && len(violations) == 0,
				}
				if err := printJSON(report); err != nil {
					return err
				}
				if !report.Valid {
					return fmt.Errorf("board is invalid")
				}
				return nil
			}

			if parsed.HasErrors() {
				for _, verr := range parsed.Errors {
					fmt.Fprintf(os.Stderr, "%s\n", verr.Error())
				}
				return fmt.Errorf("board has %d validation errors", len(parsed.Errors))
			}

			fmt.Printf("✓ Parsed %d widgets, %d connections\n", len(parsed.Widgets), len(parsed.Connections))
			if parsed.Board.Version != "" {
				fmt.Printf("✓ Board: %s (%s)\n", parsed.Board.Name, parsed.Board.Version)
			} else {
				fmt.Printf("✓ Board: %s\n", parsed.Board.Name)
			}

			transformed := 0
			for i := range parsed.Connections {
				if parsed.Connections[i].Transformation != nil {
					transformed++
				}
			}
			if transformed > 0 {
				fmt.Printf("✓ Transformations: %d validated\n", transformed)
			}

			if len(violations) > 0 {
				fmt.Println()
				for _, v := range violations {
					fmt.Fprintf(os.Stderr, "policy violation: %s\n", v)
				}
				return fmt.Errorf("board has %d policy violations", len(violations))
			}
			if settings.Policy.Enabled {
				fmt.Printf("✓ Policies: no violations\n")
			}

			fmt.Printf("\n✅ Board is valid!\n")
			return nil
		},
	}

	return cmd
}
