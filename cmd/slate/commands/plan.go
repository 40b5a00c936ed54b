package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/slateboard/slateboard/pkg/config"
	"github.com/slateboard/slateboard/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		rootName string
		outFile  string
		dotFile  string
	)

	cmd := &cobra.Command{
		Use:   "plan [sources...]",
		Short: "Show the execution plan for a board",
		Long: `Compute the execution plan for a board without running it.

The plan:
  - Applies the board onto an in-memory graph
  - Orders the root's hierarchy so producers run before consumers
  - Lists each widget with the upstream widgets it waits on
  - Shows every connection with its transformation content type

Widgets outside the chosen root's hierarchy are not part of the plan.`,
		Example: `  # Plan the board in the current directory
  slate plan

  # Plan from an explicit root widget
  slate plan board.cue --root note

  # Persist the plan and a DOT rendering of the graph
  slate plan board.cue --out plan.json --dot board.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Strs("sources", args).
				Str("root", rootName).
				Msg("Planning board")

			ctx := cmd.Context()

			parser := config.NewBoardParser()
			parsed, err := parseBoard(ctx, parser, args)
			if err != nil {
				return err
			}

			// Planning needs the graph only, so the engine is never started
			// and runs no workers.
			eng := engine.New(engine.Config{})
			result, err := parser.Apply(parsed, eng, config.DefaultApplyOptions())
			if err != nil {
				return err
			}

			rootID, err := resolveRoot(parsed, result, rootName)
			if err != nil {
				return err
			}

			plan, err := eng.Graph().PlanFrom(rootID)
			if err != nil {
				return err
			}
			if err := engine.ValidatePlan(plan); err != nil {
				return err
			}

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(eng.Graph().ToDOT()), 0644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
				fmt.Printf("✓ Wrote graph to %s\n", dotFile)
			}

			if outFile != "" {
				data, err := json.MarshalIndent(plan, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal plan: %w", err)
				}
				if err := os.WriteFile(outFile, data, 0644); err != nil {
					return fmt.Errorf("failed to write plan file: %w", err)
				}
				fmt.Printf("✓ Wrote plan to %s\n", outFile)
			}

			if jsonOutput {
				return printJSON(plan)
			}

			fmt.Print(engine.FormatPlan(plan))
			return nil
		},
	}

	cmd.Flags().StringVar(&rootName, "root", "", "widget name to root the plan at")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output plan file path (optional)")
	cmd.Flags().StringVar(&dotFile, "dot", "", "output DOT graph file (optional)")

	return cmd
}
