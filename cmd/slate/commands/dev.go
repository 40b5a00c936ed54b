package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/slateboard/slateboard/pkg/policy"
)

func newDevCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Development mode commands",
		Long: `Commands for local board development.

Development mode keeps the engine running and re-executes the board
whenever its sources change.`,
	}

	cmd.AddCommand(newDevUpCommand())

	return cmd
}

func newDevUpCommand() *cobra.Command {
	var (
		rootName string
		action   string
	)

	cmd := &cobra.Command{
		Use:   "up [sources...]",
		Short: "Watch board sources and re-execute on change",
		Long: `Run the board, then watch its sources and re-execute on every change.

Each cycle applies the current definition onto a fresh graph, so widget
IDs stay stable across edits. Every cycle is recorded in provenance like
a normal run. With policy watching enabled in the settings, policy files
reload on change as well.

Stops on Ctrl+C.`,
		Example: `  # Watch the board in the current directory
  slate dev up

  # Watch a specific board file
  slate dev up board.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Strs("sources", args).
				Msg("Starting development mode")

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

			// Reload policies on change when the settings ask for it.
			if ws.policies != nil && ws.settings.Policy.Watch {
				reload := func([]policy.Policy) error {
					if err := ws.policies.ReloadPolicies(ctx); err != nil {
						return err
					}
					for _, path := range ws.settings.Policy.Paths {
						if err := ws.policies.LoadPolicies(ctx, path); err != nil {
							return err
						}
					}
					return nil
				}
				for _, path := range ws.settings.Policy.Paths {
					loader := policy.NewLoader(ws.tel.Logger.Zerolog())
					if err := loader.Watch(ctx, path, reload); err != nil {
						log.Warn().Err(err).Str("path", path).Msg("Policy watch failed")
						continue
					}
					defer loader.StopWatching()
				}
			}

			sources := args
			if len(sources) == 0 {
				sources = []string{"."}
			}

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("failed to create watcher: %w", err)
			}
			defer watcher.Close()

			for _, source := range sources {
				if err := watchSource(watcher, source); err != nil {
					return err
				}
			}

			changes := make(chan struct{}, 1)
			go debounceEvents(ctx, watcher, changes)

			fmt.Printf("Watching %s for changes (Ctrl+C to stop)\n\n", strings.Join(sources, ", "))

			cycle := func() {
				run, err := executeBoard(ctx, ws, sources, rootName, action, false)
				if err != nil {
					fmt.Printf("  ✗ %v\n", err)
				} else {
					printRunSummary(run, false)
				}

				// Rotate the engine so the next cycle applies onto an
				// empty graph.
				shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := ws.engine.Shutdown(shutCtx); err != nil {
					log.Warn().Err(err).Msg("Engine shutdown did not complete cleanly")
				}
				cancel()
				ws.engine = ws.newEngine()
				ws.engine.Start()
			}

			cycle()

			for {
				select {
				case <-ctx.Done():
					fmt.Println("\nStopping development mode")
					return nil
				case <-changes:
					fmt.Println("\nBoard changed, re-executing")
					cycle()
				}
			}
		},
	}

	cmd.Flags().StringVar(&rootName, "root", "", "widget name to root each run at")
	cmd.Flags().StringVarP(&action, "action", "a", "", "action to invoke across the hierarchy")

	return cmd
}

// watchSource registers a board source with the watcher: files directly,
// directories as a tree.
func watchSource(watcher *fsnotify.Watcher, source string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", source, err)
	}

	if !info.IsDir() {
		if err := watcher.Add(source); err != nil {
			return fmt.Errorf("failed to watch %s: %w", source, err)
		}
		return nil
	}

	return filepath.WalkDir(source, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

// debounceEvents folds bursts of file system events into single change
// notifications. Editors write, rename, and chmod in quick succession; one
// re-execution per burst is enough.
func debounceEvents(ctx context.Context, watcher *fsnotify.Watcher, changes chan<- struct{}) {
	const delay = 500 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Ext(ev.Name) != ".cue" {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(delay, func() {
				select {
				case changes <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Watcher error")
		}
	}
}
