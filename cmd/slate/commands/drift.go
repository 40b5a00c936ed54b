package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/slateboard/slateboard/pkg/config"
	"github.com/slateboard/slateboard/pkg/engine"
	"github.com/slateboard/slateboard/pkg/fetch"
)

func newDriftCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Drift detection and reconciliation",
		Long: `Detect and reconcile drift between a board definition and its
recorded provenance.

Drift occurs when the board file changes after its last execution: new
widgets appear, widgets disappear, declared inputs change, the last
recorded invocation failed, or remote transformation content no longer
matches its pinned hash.`,
	}

	cmd.AddCommand(newDriftDetectCommand())
	cmd.AddCommand(newDriftReconcileCommand())

	return cmd
}

// driftItem is one divergence between the board and its recorded state.
type driftItem struct {
	WidgetID string `json:"widget_id,omitempty"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind"` // new, changed, failed, removed, content
	Detail   string `json:"detail,omitempty"`
}

// driftReport is the full result of one detection pass.
type driftReport struct {
	Board       string      `json:"board"`
	GeneratedAt time.Time   `json:"generated_at"`
	Checked     int         `json:"checked"`
	Items       []driftItem `json:"items,omitempty"`
}

func newDriftDetectCommand() *cobra.Command {
	var (
		reportFile string
		skipFetch  bool
	)

	cmd := &cobra.Command{
		Use:   "detect [sources...]",
		Short: "Detect drift against recorded provenance",
		Long: `Compare the board definition with the provenance log.

Each declared widget is checked against its most recent recorded
invocation:
  - new      the widget has never executed
  - changed  its declared inputs differ from the recorded snapshot
  - failed   its last recorded invocation did not complete
  - removed  the last run executed a widget the board no longer declares
  - content  url-sourced transformation content no longer matches its
             pinned hash

Declared inputs that a connection overwrites are not compared, since
their executed value legitimately differs from the declaration. Nothing
is executed: content checks fetch and hash, never run.`,
		Example: `  # Detect drift for the board in the current directory
  slate drift detect

  # Compare recorded state only, without re-fetching remote content
  slate drift detect --skip-fetch

  # Persist a drift report
  slate drift detect board.cue --report drift.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Strs("sources", args).
				Str("report", reportFile).
				Bool("skip_fetch", skipFetch).
				Msg("Detecting drift")

			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return err
			}

			parser := config.NewBoardParser()
			parsed, err := parseBoard(ctx, parser, args)
			if err != nil {
				return err
			}

			// Widget IDs are assigned deterministically from declaration
			// order, so applying onto a throwaway engine reproduces the IDs
			// the recorded runs used.
			eng := engine.New(engine.Config{})
			result, err := parser.Apply(parsed, eng, settings.ApplyOptions())
			if err != nil {
				return err
			}

			store, err := openStore(ctx, settings)
			if err != nil {
				return err
			}
			defer store.Close()

			report := driftReport{
				Board:       parsed.Board.Name,
				GeneratedAt: time.Now(),
				Checked:     len(parsed.Widgets),
			}

			// Inputs a connection writes into are excluded from comparison.
			overwritten := make(map[string]map[string]bool)
			for i := range parsed.Connections {
				conn := &parsed.Connections[i]
				if overwritten[conn.Target] == nil {
					overwritten[conn.Target] = make(map[string]bool)
				}
				overwritten[conn.Target][conn.TargetSlot] = true
			}

			boardIDs := make(map[string]bool, len(result.WidgetIDs))
			for _, id := range result.WidgetIDs {
				boardIDs[id] = true
			}

			for i := range parsed.Widgets {
				wc := &parsed.Widgets[i]
				id := result.WidgetIDs[wc.Name]

				acts, err := store.ListActivities(ctx, &id, nil, nil, nil, 1, 0)
				if err != nil {
					return err
				}
				if len(acts) == 0 {
					report.Items = append(report.Items, driftItem{
						WidgetID: id, Name: wc.Name, Kind: "new",
						Detail: "never executed",
					})
					continue
				}

				latest := acts[0]
				if latest.ResultKind != string(engine.ResultSuccess) {
					detail := fmt.Sprintf("last invocation %s", latest.ResultKind)
					if latest.Error != nil {
						detail = fmt.Sprintf("%s: %s", detail, *latest.Error)
					}
					report.Items = append(report.Items, driftItem{
						WidgetID: id, Name: wc.Name, Kind: "failed", Detail: detail,
					})
					continue
				}

				if key, ok := inputsDiffer(wc.Inputs, latest.InputSnapshot, overwritten[wc.Name]); ok {
					report.Items = append(report.Items, driftItem{
						WidgetID: id, Name: wc.Name, Kind: "changed",
						Detail: fmt.Sprintf("declared input %q differs from recorded snapshot", key),
					})
				}
			}

			// Widgets the last run executed but the board no longer declares.
			runs, err := store.ListRuns(ctx, 1, 0)
			if err != nil {
				return err
			}
			if len(runs) > 0 {
				lastRun := runs[0].ID
				acts, err := store.ListActivities(ctx, nil, &lastRun, nil, nil, 1000, 0)
				if err != nil {
					return err
				}
				seen := make(map[string]bool)
				for _, act := range acts {
					if seen[act.SubjectID] || boardIDs[act.SubjectID] {
						continue
					}
					seen[act.SubjectID] = true
					report.Items = append(report.Items, driftItem{
						WidgetID: act.SubjectID, Kind: "removed",
						Detail: fmt.Sprintf("executed in run %s but not declared", lastRun),
					})
				}
			}

			if !skipFetch {
				items, err := checkContentDrift(ctx, settings, parsed, result.WidgetIDs)
				if err != nil {
					return err
				}
				report.Items = append(report.Items, items...)
			}

			if reportFile != "" {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal report: %w", err)
				}
				if err := os.WriteFile(reportFile, data, 0644); err != nil {
					return fmt.Errorf("failed to write report: %w", err)
				}
				fmt.Printf("✓ Wrote drift report to %s\n", reportFile)
			}

			if jsonOutput {
				return printJSON(report)
			}

			if len(report.Items) == 0 {
				fmt.Printf("✅ No drift: %d widgets match their recorded state\n", report.Checked)
				return nil
			}

			for _, item := range report.Items {
				name := item.WidgetID
				if item.Name != "" {
					name = fmt.Sprintf("%s (%s)", item.Name, item.WidgetID)
				}
				fmt.Printf("  %-8s %s", item.Kind, name)
				if item.Detail != "" {
					fmt.Printf(": %s", item.Detail)
				}
				fmt.Println()
			}
			fmt.Printf("\n❌ Drift detected: %d items across %d widgets\n", len(report.Items), report.Checked)
			fmt.Printf("   Run 'slate drift reconcile' to re-execute the board\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&reportFile, "report", "", "drift report output file")
	cmd.Flags().BoolVar(&skipFetch, "skip-fetch", false, "skip re-fetching pinned remote content")

	return cmd
}

func newDriftReconcileCommand() *cobra.Command {
	var (
		rootName string
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile [sources...]",
		Short: "Re-execute the board to refresh recorded state",
		Long: `Re-execute the board so the provenance log reflects the current
definition. Detection is not repeated first: the whole hierarchy runs
and every invocation is recorded anew.`,
		Example: `  # Reconcile the board in the current directory
  slate drift reconcile

  # See what would run without executing
  slate drift reconcile --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Strs("sources", args).
				Bool("dry_run", dryRun).
				Msg("Reconciling drift")

			ctx := cmd.Context()

			ws, err := openWorkspace(ctx, cliVersion)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				ws.Close(closeCtx)
			}()

			run, err := executeBoard(ctx, ws, args, rootName, "", dryRun)
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
				return fmt.Errorf("reconciliation run %s finished with status %s", run.ID, run.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&rootName, "root", "", "widget name to root the run at")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "walk the plan without executing anything")

	return cmd
}

// checkContentDrift re-fetches every url-sourced transformation that pins a
// content hash and verifies the bytes still match. Unpinned urls have nothing
// to compare; iri sources need a resolver and are not checked. Each distinct
// (url, hash) pair is fetched once.
func checkContentDrift(ctx context.Context, settings *config.Settings, parsed *config.ParsedBoard, ids map[string]string) ([]driftItem, error) {
	fetchCfg, err := settings.FetchConfig()
	if err != nil {
		return nil, err
	}
	fetcher := fetch.New(fetchCfg, log.Logger)

	var items []driftItem
	checked := make(map[string]bool)
	for i := range parsed.Connections {
		conn := &parsed.Connections[i]
		tc := conn.Transformation
		if tc == nil || tc.ContentSource != string(engine.ContentSourceURL) || tc.ContentHash == "" {
			continue
		}
		key := tc.SourceURL + "|" + tc.ContentHash
		if checked[key] {
			continue
		}
		checked[key] = true

		edge := fmt.Sprintf("%s -> %s", conn.Source, conn.Target)
		data, err := fetcher.Fetch(ctx, tc.SourceURL)
		if err != nil {
			items = append(items, driftItem{
				WidgetID: ids[conn.Target], Name: edge, Kind: "content",
				Detail: fmt.Sprintf("fetch of %s failed: %v", tc.SourceURL, err),
			})
			continue
		}
		if err := engine.VerifyChecksum(data, tc.ContentHash); err != nil {
			items = append(items, driftItem{
				WidgetID: ids[conn.Target], Name: edge, Kind: "content",
				Detail: fmt.Sprintf("%s no longer matches its pinned hash", tc.SourceURL),
			})
		}
	}
	return items, nil
}

// inputsDiffer reports whether any declared input departs from the recorded
// snapshot, ignoring keys in skip. Declared values are normalized through
// JSON so integer and float encodings of the same number compare equal.
func inputsDiffer(declared engine.Values, snapshot string, skip map[string]bool) (string, bool) {
	if len(declared) == 0 {
		return "", false
	}

	var recorded map[string]interface{}
	if err := json.Unmarshal([]byte(snapshot), &recorded); err != nil {
		return "", true
	}

	for key, value := range declared {
		if skip[key] {
			continue
		}
		rec, ok := recorded[key]
		if !ok {
			return key, true
		}
		if !reflect.DeepEqual(jsonNormalize(value), rec) {
			return key, true
		}
	}
	return "", false
}

// jsonNormalize round-trips a value through JSON encoding.
func jsonNormalize(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
