package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	flagLogsLimit     int
	flagLogsBackupID  int64
	flagLogsClearDays int
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show or prune the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("clear-older-days") {
			if err := stores.ClearLogs(flagLogsClearDays); err != nil {
				return err
			}
			fmt.Println("logs cleared")
			return nil
		}

		var backupFilter *int64
		if cmd.Flags().Changed("backup") {
			backupFilter = &flagLogsBackupID
		}
		entries, err := stores.GetLogs(backupFilter, flagLogsLimit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s\t%s\t%s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Level, e.Message)
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().IntVar(&flagLogsLimit, "limit", 50, "maximum number of log entries to show")
	logsCmd.Flags().Int64Var(&flagLogsBackupID, "backup", 0, "only show entries for this backup id")
	logsCmd.Flags().IntVar(&flagLogsClearDays, "clear-older-days", 0, "delete entries older than this many days (0 deletes all) instead of listing")
}
