package commands

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/slateboard/slateboard/pkg/config"
	"github.com/slateboard/slateboard/pkg/engine"
)

func newGraphCommand() *cobra.Command {
	var (
		dotFile string
	)

	cmd := &cobra.Command{
		Use:   "graph [sources...]",
		Short: "Summarize a board's structure",
		Long: `Summarize the structure of a board: widget counts by kind, the
transformation content types in use, root and leaf widgets, and the
longest dependency chain.

The --dot flag renders the full graph in Graphviz DOT form.`,
		Example: `  # Summarize the board in the current directory
  slate graph

  # Render the graph for Graphviz
  slate graph board.cue --dot board.dot
  slate graph board.cue --dot - | dot -Tsvg -o board.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Strs("sources", args).
				Msg("Summarizing board")

			ctx := cmd.Context()

			parser := config.NewBoardParser()
			parsed, err := parseBoard(ctx, parser, args)
			if err != nil {
				return err
			}

			eng := engine.New(engine.Config{})
			if _, err := parser.Apply(parsed, eng, config.DefaultApplyOptions()); err != nil {
				return err
			}

			if dotFile == "-" {
				fmt.Print(eng.Graph().ToDOT())
				return nil
			}
			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(eng.Graph().ToDOT()), 0644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
				fmt.Printf("✓ Wrote graph to %s\n", dotFile)
			}

			inspector := engine.NewBoardInspector(eng.Graph(), nil)
			summary := inspector.Summarize()

			if jsonOutput {
				return printJSON(summary)
			}

			fmt.Printf("Board: %s (%d widgets, %d connections)\n",
				parsed.Board.Name, summary.WidgetCount, summary.EdgeCount)

			slugs := make([]string, 0, len(summary.CountsBySlug))
			for slug := range summary.CountsBySlug {
				slugs = append(slugs, slug)
			}
			sort.Strings(slugs)
			parts := make([]string, 0, len(slugs))
			for _, slug := range slugs {
				parts = append(parts, fmt.Sprintf("%s ×%d", slug, summary.CountsBySlug[slug]))
			}
			fmt.Printf("  Kinds: %s\n", strings.Join(parts, ", "))

			if len(summary.ContentTypes) > 0 {
				fmt.Printf("  Content types: %s\n", strings.Join(summary.ContentTypes, ", "))
			}
			if len(summary.Roots) > 0 {
				fmt.Printf("  Roots: %s\n", strings.Join(summary.Roots, ", "))
			}
			if len(summary.Leaves) > 0 {
				fmt.Printf("  Leaves: %s\n", strings.Join(summary.Leaves, ", "))
			}
			fmt.Printf("  Depth: %d\n", summary.MaxDepth)

			return nil
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write a Graphviz DOT rendering (- for stdout)")

	return cmd
}
