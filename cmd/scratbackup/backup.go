package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"scratbackup/core"
)

var (
	flagIncremental     bool
	flagPassword        string
	flagCompressionLvl  int
	flagSplitSizeMB     int64
	flagExcludePatterns []string
	flagMaxVersions     int
)

var backupCmd = &cobra.Command{
	Use:   "backup <source>...",
	Short: "Run a full or incremental backup of one or more source directories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := openBackend()
		if err != nil {
			return err
		}
		defer backend.Disconnect()

		engine := core.NewBackupEngine(stores, backend)
		engine.Observer = printProgress

		cfg := core.BackupConfig{
			Sources:          args,
			DestinationKind:  "local",
			DestinationPath:  flagDestination,
			Password:         flagPassword,
			CompressionLevel: flagCompressionLvl,
			SplitSize:        flagSplitSizeMB * 1024 * 1024,
			ExcludePatterns:  flagExcludePatterns,
			MaxVersions:      flagMaxVersions,
		}

		var result *core.BackupResult
		if flagIncremental {
			result, err = engine.BackupIncremental(cfg)
		} else {
			result, err = engine.Backup(cfg)
		}
		if err != nil {
			return err
		}

		fmt.Printf("backup %s complete: %d files, %d -> %d bytes\n",
			result.BackupIDString, result.FilesTotal, result.SizeOriginal, result.SizeCompressed)
		for _, w := range result.ScanErrors {
			fmt.Printf("warning: %s\n", w)
		}
		return nil
	},
}

func init() {
	backupCmd.Flags().BoolVar(&flagIncremental, "incremental", false, "run an incremental backup against the most recent completed backup")
	backupCmd.Flags().StringVar(&flagPassword, "password", "", "encryption passphrase")
	backupCmd.Flags().IntVar(&flagCompressionLvl, "compression-level", core.DefaultCompressionLevel, "compression level 0-9")
	backupCmd.Flags().Int64Var(&flagSplitSizeMB, "split-size-mb", core.DefaultSplitSize/(1024*1024), "archive split size in MiB")
	backupCmd.Flags().StringSliceVar(&flagExcludePatterns, "exclude", nil, "additional glob exclusion patterns")
	backupCmd.Flags().IntVar(&flagMaxVersions, "max-versions", 3, "number of completed backups to retain")
	backupCmd.MarkFlagRequired("password")
}
