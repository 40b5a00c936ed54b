package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/slateboard/slateboard/pkg/provenance"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded provenance",
		Long: `Inspect the append-only provenance log.

Every run, widget invocation, and execution event is recorded as it
happens and never rewritten. The subcommands read that log:
  - runs      lists hierarchy runs, newest first
  - widget    lists one widget's invocations
  - events    lists execution events`,
	}

	cmd.AddCommand(newHistoryRunsCommand())
	cmd.AddCommand(newHistoryWidgetCommand())
	cmd.AddCommand(newHistoryEventsCommand())

	return cmd
}

func newHistoryRunsCommand() *cobra.Command {
	var (
		rootID string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		Example: `  # The last 20 runs
  slate history runs

  # Runs rooted at one widget
  slate history runs --root sticky-note-1

  # Machine-readable
  slate history runs --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Str("root", rootID).
				Msg("Listing runs")

			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, settings)
			if err != nil {
				return err
			}
			defer store.Close()

			var runs []*provenance.Run
			if rootID != "" {
				runs, err = store.ListRunsByRoot(ctx, rootID, limit, offset)
			} else {
				runs, err = store.ListRuns(ctx, limit, offset)
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(runs)
			}

			if len(runs) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}

			for _, run := range runs {
				took := "-"
				if run.CompletedAt != nil {
					took = run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Printf("%s  %-9s  root=%s  action=%s  started=%s  took=%s\n",
					run.ID, run.Status, run.RootID, run.Action,
					run.StartedAt.Format(time.RFC3339), took)
				if run.Error != nil {
					fmt.Printf("    error: %s\n", *run.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&rootID, "root", "", "only runs rooted at this widget ID")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")

	return cmd
}

func newHistoryWidgetCommand() *cobra.Command {
	var (
		runID  string
		since  time.Duration
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "widget <widget-id>",
		Short: "List one widget's recorded invocations",
		Example: `  # Everything recorded for a widget
  slate history widget sticky-note-1

  # Only the last day
  slate history widget sticky-note-1 --since 24h

  # Only one run
  slate history widget sticky-note-1 --run 01J9...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			widgetID := args[0]

			log.Info().
				Str("widget_id", widgetID).
				Msg("Listing widget history")

			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, settings)
			if err != nil {
				return err
			}
			defer store.Close()

			var runFilter *string
			if runID != "" {
				runFilter = &runID
			}
			var sinceFilter *time.Time
			if since > 0 {
				t := time.Now().Add(-since)
				sinceFilter = &t
			}

			activities, err := store.ListActivities(ctx, &widgetID, runFilter, sinceFilter, nil, limit, offset)
			if err != nil {
				return err
			}
			total, err := store.CountActivities(ctx, &widgetID)
			if err != nil {
				return err
			}

			if jsonOutput {
				report := struct {
					WidgetID   string                 `json:"widget_id"`
					Total      int64                  `json:"total"`
					Activities []*provenance.Activity `json:"activities"`
				}{widgetID, total, activities}
				return printJSON(report)
			}

			if len(activities) == 0 {
				fmt.Printf("No activities recorded for %s.\n", widgetID)
				return nil
			}

			for _, act := range activities {
				run := "-"
				if act.RunID != nil {
					run = *act.RunID
				}
				fmt.Printf("%s  %-18s  action=%s  run=%s  took=%s\n",
					act.StartedAt.Format(time.RFC3339), act.ResultKind, act.Action, run,
					act.EndedAt.Sub(act.StartedAt).Round(time.Millisecond))
				if act.Error != nil {
					fmt.Printf("    error: %s\n", *act.Error)
				}
			}
			fmt.Printf("\n%d of %d recorded activities\n", len(activities), total)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "only activities from this run")
	cmd.Flags().DurationVar(&since, "since", 0, "only activities newer than this age")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum activities to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "activities to skip")

	return cmd
}

func newHistoryEventsCommand() *cobra.Command {
	var (
		runID    string
		widgetID string
		level    string
		limit    int
		offset   int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded execution events",
		Example: `  # Events of one run
  slate history events --run 01J9...

  # Errors across all runs
  slate history events --level error`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Str("run", runID).
				Str("widget_id", widgetID).
				Msg("Listing events")

			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, settings)
			if err != nil {
				return err
			}
			defer store.Close()

			var runFilter, widgetFilter *string
			if runID != "" {
				runFilter = &runID
			}
			if widgetID != "" {
				widgetFilter = &widgetID
			}
			var levelFilter *provenance.EventLevel
			if level != "" {
				l := provenance.EventLevel(level)
				switch l {
				case provenance.EventLevelDebug, provenance.EventLevelInfo,
					provenance.EventLevelWarning, provenance.EventLevelError:
				default:
					return fmt.Errorf("unknown event level %q", level)
				}
				levelFilter = &l
			}

			events, err := store.GetEvents(ctx, runFilter, widgetFilter, levelFilter, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(events)
			}

			if len(events) == 0 {
				fmt.Println("No events recorded.")
				return nil
			}

			for _, ev := range events {
				fmt.Printf("%s  [%s] %s  %s\n",
					ev.Timestamp.Format(time.RFC3339), ev.Level, ev.Type, ev.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "only events from this run")
	cmd.Flags().StringVar(&widgetID, "widget", "", "only events for this widget ID")
	cmd.Flags().StringVar(&level, "level", "", "only events at this level (info, warning, error)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "events to skip")

	return cmd
}
