package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/slateboard/slateboard/pkg/engine"
	"github.com/slateboard/slateboard/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		rootName string
		action   string
		dryRun   bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run [sources...]",
		Short: "Execute a board",
		Long: `Execute a board's widget hierarchy.

Execution:
  - Applies the board onto the engine and plans the root's hierarchy
  - Runs widgets on the worker pool, producers before consumers
  - Applies connection transformations in their sandboxes
  - Skips everything downstream of a failed widget
  - Records every invocation in the provenance store

The run fails when any widget fails; --dry-run walks the plan without
invoking actions or transformations.`,
		Example: `  # Execute the board in the current directory
  slate run

  # Execute a specific board from an explicit root widget
  slate run board.cue --root note

  # Walk the plan without executing anything
  slate run board.cue --dry-run

  # Invoke a different action across the hierarchy
  slate run board.cue --action render

  # Bound the whole run
  slate run board.cue --timeout 5m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Strs("sources", args).
				Str("root", rootName).
				Str("action", action).
				Bool("dry_run", dryRun).
				Msg("Executing board")

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			ws, err := openWorkspace(ctx, cliVersion)
			if err != nil {
				return err
			}
			// Close with a fresh context so shutdown survives a cancelled run.
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				ws.Close(closeCtx)
			}()

			run, err := executeBoard(ctx, ws, args, rootName, action, dryRun)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(run); err != nil {
					return err
				}
			} else {
				printRunSummary(run, dryRun)
			}

			if run.Status != engine.RunStatusSucceeded {
				return fmt.Errorf("run %s finished with status %s", run.ID, run.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&rootName, "root", "", "widget name to root the run at")
	cmd.Flags().StringVarP(&action, "action", "a", "", "action to invoke across the hierarchy")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "walk the plan without executing anything")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "bound the whole run (0 means no bound)")

	return cmd
}

// executeBoard parses the sources, applies them onto the workspace engine,
// and runs the hierarchy to completion, streaming progress lines unless
// --json suppressed them. The returned run is terminal.
func executeBoard(ctx context.Context, ws *workspace, sources []string, rootName, action string, dryRun bool) (*engine.Run, error) {
	parsed, err := parseBoard(ctx, ws.parser, sources)
	if err != nil {
		return nil, err
	}

	applyOpts := ws.settings.ApplyOptions()
	result, err := ws.parser.Apply(parsed, ws.engine, applyOpts)
	if err != nil {
		return nil, err
	}

	rootID, err := resolveRoot(parsed, result, rootName)
	if err != nil {
		return nil, err
	}

	if action == "" {
		action = applyOpts.DefaultAction
	}

	// Subscribe before the run starts so no progress is missed. The
	// publisher delivers in order, so the terminal run event marks the
	// end of the stream for this run.
	var events <-chan *engine.Event
	if !jsonOutput {
		events, err = ws.tel.Events.Subscribe(ctx, telemetry.FilterByType(
			engine.EventTypeWidgetStarted,
			engine.EventTypeWidgetCompleted,
			engine.EventTypeWidgetFailed,
			engine.EventTypeWidgetSkipped,
			engine.EventTypeIntegrityFailure,
			engine.EventTypePolicyViolation,
			engine.EventTypeRunCompleted,
			engine.EventTypeRunFailed,
		))
		if err != nil {
			log.Warn().Err(err).Msg("Event subscription failed, progress will not be shown")
			events = nil
		}
	}

	runID, err := ws.engine.RunHierarchy(ctx, rootID, action, engine.RunOptions{DryRun: dryRun})
	if err != nil {
		return nil, err
	}

	if !jsonOutput {
		if dryRun {
			fmt.Printf("Dry run %s on hierarchy of %s\n", runID, rootID)
		} else {
			fmt.Printf("Run %s on hierarchy of %s\n", runID, rootID)
		}
	}

	done := make(chan struct{})
	if events != nil {
		go func() {
			defer close(done)
			for ev := range events {
				if ev.RunID != runID {
					continue
				}
				if ev.Type == engine.EventTypeRunCompleted || ev.Type == engine.EventTypeRunFailed {
					return
				}
				printRunEvent(ev)
			}
		}()
	} else {
		close(done)
	}

	run, err := ws.engine.WaitRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	// Let the progress stream catch up before the summary, but never hang
	// on it: the terminal event is dropped if the buffer fills.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	if events != nil {
		_ = ws.tel.Events.Unsubscribe(context.Background(), events)
	}

	return run, nil
}

// printRunEvent renders one progress line for a widget-level event.
func printRunEvent(ev *engine.Event) {
	switch ev.Type {
	case engine.EventTypeWidgetStarted:
		if verbose {
			fmt.Printf("  … %s\n", ev.Message)
		}
	case engine.EventTypeWidgetCompleted:
		fmt.Printf("  ✓ %s\n", ev.WidgetID)
	case engine.EventTypeWidgetFailed:
		fmt.Printf("  ✗ %s\n", ev.Message)
	case engine.EventTypeWidgetSkipped:
		fmt.Printf("  - %s\n", ev.Message)
	case engine.EventTypeIntegrityFailure, engine.EventTypePolicyViolation:
		fmt.Printf("  ! %s\n", ev.Message)
	}
}

// printRunSummary renders the terminal state of a run.
func printRunSummary(run *engine.Run, dryRun bool) {
	mark := "✅"
	if run.Status != engine.RunStatusSucceeded {
		mark = "❌"
	}

	suffix := ""
	if dryRun {
		suffix = " (dry run)"
	}

	fmt.Printf("\n%s Run %s %s in %s%s\n", mark, run.ID, run.Status,
		run.Duration.Round(time.Millisecond), suffix)

	s := run.Summary
	line := fmt.Sprintf("   %d completed, %d failed, %d skipped", s.Completed, s.Failed, s.Skipped)
	if s.Stopped > 0 {
		line += fmt.Sprintf(", %d stopped", s.Stopped)
	}
	if s.Halted > 0 {
		line += fmt.Sprintf(", %d halted", s.Halted)
	}
	fmt.Println(line)
}
