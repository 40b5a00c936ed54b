package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newBackupCommand() *cobra.Command {
	var (
		outFile string
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the provenance database",
		Long: `Create a consistent hot copy of the provenance database.

The copy is made with SQLite's VACUUM INTO, so it is safe to take while
the engine is running and comes out compacted. The destination file must
not already exist.`,
		Example: `  # Back up to a dated file
  slate backup

  # Back up to an explicit path
  slate backup --out /mnt/backups/slateboard.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Str("out", outFile).
				Msg("Creating backup")

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

			if outFile == "" {
				outFile = fmt.Sprintf("slateboard-backup-%s.db",
					time.Now().Format("20060102-150405"))
			}

			if err := store.Backup(ctx, outFile); err != nil {
				return err
			}

			info, err := os.Stat(outFile)
			if err != nil {
				return fmt.Errorf("backup written but unreadable: %w", err)
			}

			fmt.Printf("✓ Backed up provenance database to %s (%d bytes)\n", outFile, info.Size())
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "backup output file (default: dated name)")

	return cmd
}
