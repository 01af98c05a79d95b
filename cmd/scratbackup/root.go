package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"scratbackup/core"
)

var (
	flagMetadataPath string
	flagDestination  string
)

var rootCmd = &cobra.Command{
	Use:   "scratbackup",
	Short: "Encrypted, incremental file backup and restore",
	Long: `scratbackup scans source directories, packs changed files into
LZMA2-compressed archives, encrypts them with AES-256-GCM, and tracks
everything it wrote in a local SQLite metadata store so a later restore
can reconstruct any point in time.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		store, err := core.OpenMetadataStore(flagMetadataPath)
		if err != nil {
			return fmt.Errorf("open metadata store: %w", err)
		}
		if _, err := store.ReapStaleRunning(6 * time.Hour); err != nil {
			store.Close()
			return fmt.Errorf("reap stale running backups: %w", err)
		}
		stores = store
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if stores != nil {
			stores.Close()
		}
	},
}

// stores holds the MetadataStore opened in PersistentPreRunE; cobra gives
// each subcommand's RunE access to it without threading it through args.
var stores *core.MetadataStore

func init() {
	rootCmd.PersistentFlags().StringVar(&flagMetadataPath, "db", "scratbackup.db", "path to the metadata SQLite database")
	rootCmd.PersistentFlags().StringVar(&flagDestination, "destination", "", "destination root directory (local backend)")
	rootCmd.AddCommand(backupCmd, restoreCmd, listCmd, logsCmd, searchCmd, statsCmd, scheduleCmd)
}

func openBackend() (core.StorageBackend, error) {
	if flagDestination == "" {
		return nil, fmt.Errorf("--destination is required")
	}
	backend := core.NewLocalBackend(flagDestination)
	if err := backend.Connect(); err != nil {
		return nil, err
	}
	return backend, nil
}

func printProgress(p core.Progress) {
	fmt.Printf("[%s] %s %d/%d files\n", p.BackupID, p.Phase, p.FilesProcessed, p.FilesTotal)
}
