package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRestoreCommand() *cobra.Command {
	var (
		backupFile string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the provenance database from a backup",
		Long: `Restore the provenance database from a backup copy.

WARNING: This replaces the current database. Without --force the restore
refuses to overwrite an existing one.

After copying, the restored database is opened, migrated, and
health-checked before the restore is declared successful.`,
		Example: `  # Restore into an empty workspace
  slate restore --from slateboard-backup-20260825-093000.db

  # Replace the current database
  slate restore --from backup.db --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Str("from", backupFile).
				Bool("force", force).
				Msg("Restoring from backup")

			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			target := settings.DatabasePath()

			src, err := os.Open(backupFile)
			if err != nil {
				return fmt.Errorf("failed to open backup: %w", err)
			}
			defer src.Close()

			if _, err := os.Stat(target); err == nil && !force {
				return fmt.Errorf("database %s already exists, use --force to replace it", target)
			}

			if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}

			// Copy through a temp file in the same directory so the swap
			// is a rename, never a half-written database.
			tmp, err := os.CreateTemp(filepath.Dir(target), ".restore-*")
			if err != nil {
				return fmt.Errorf("failed to create temp file: %w", err)
			}
			tmpPath := tmp.Name()
			defer os.Remove(tmpPath)

			if _, err := io.Copy(tmp, src); err != nil {
				tmp.Close()
				return fmt.Errorf("failed to copy backup: %w", err)
			}
			if err := tmp.Close(); err != nil {
				return fmt.Errorf("failed to flush backup copy: %w", err)
			}

			if err := os.Rename(tmpPath, target); err != nil {
				return fmt.Errorf("failed to move database into place: %w", err)
			}

			fmt.Printf("✓ Restored provenance database to %s\n", target)

			// Verify the restored database actually opens and migrates.
			store, err := openStore(ctx, settings)
			if err != nil {
				return fmt.Errorf("restored database failed verification: %w", err)
			}
			defer store.Close()

			if err := store.HealthCheck(ctx); err != nil {
				return fmt.Errorf("restored database failed health check: %w", err)
			}

			fmt.Printf("✓ Verified restored database\n")
			fmt.Printf("\n✅ Restore complete!\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&backupFile, "from", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing database")
	cmd.MarkFlagRequired("from")

	return cmd
}
