package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"scratbackup/core"
)

var (
	flagRestorePassword  string
	flagRestoreAt        string
	flagRestoreTo        string
	flagRestoreOriginal  bool
	flagRestoreOverwrite bool
	flagRestorePatterns  []string
)

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore a full backup, a point in time, or a pattern-filtered subset",
	Long: `Restore a specific backup by its numeric database id, or pass --at
with an RFC3339 timestamp to reconstruct the most recent state at or
before that time (folding in every incremental since the preceding full
backup).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := openBackend()
		if err != nil {
			return err
		}
		defer backend.Disconnect()

		engine := core.NewRestoreEngine(stores, backend)
		engine.Observer = printProgress

		cfg := core.RestoreConfig{
			Password:          flagRestorePassword,
			RestoreToOriginal: flagRestoreOriginal,
			OverwriteExisting: flagRestoreOverwrite,
			DestinationPath:   flagRestoreTo,
			Patterns:          flagRestorePatterns,
		}

		var result *core.RestoreResult
		if flagRestoreAt != "" {
			t, err := time.Parse(time.RFC3339, flagRestoreAt)
			if err != nil {
				return fmt.Errorf("invalid --at timestamp: %w", err)
			}
			result, err = engine.RestoreToPointInTime(t, cfg)
			if err != nil {
				return err
			}
		} else {
			if len(args) != 1 {
				return fmt.Errorf("backup id is required unless --at is given")
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid backup id %q: %w", args[0], err)
			}
			result, err = engine.RestoreFullBackup(id, cfg)
			if err != nil {
				return err
			}
		}

		fmt.Printf("restored %d files, skipped %d\n", result.FilesRestored, result.FilesSkipped)
		for _, w := range result.Warnings {
			fmt.Printf("warning: %s\n", w)
		}
		return nil
	},
}

func init() {
	restoreCmd.Flags().StringVar(&flagRestorePassword, "password", "", "decryption passphrase")
	restoreCmd.Flags().StringVar(&flagRestoreAt, "at", "", "RFC3339 timestamp for point-in-time restore")
	restoreCmd.Flags().StringVar(&flagRestoreTo, "to", "", "destination directory when not restoring to original paths")
	restoreCmd.Flags().BoolVar(&flagRestoreOriginal, "restore-to-original", false, "place files back at their originally recorded paths")
	restoreCmd.Flags().BoolVar(&flagRestoreOverwrite, "overwrite", false, "overwrite existing files at the destination")
	restoreCmd.Flags().StringSliceVar(&flagRestorePatterns, "pattern", nil, "restrict restore to relative paths matching any of these glob patterns")
	restoreCmd.MarkFlagRequired("password")
}
