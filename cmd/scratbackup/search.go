package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var flagSearchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <pattern>",
	Short: "Search recorded file paths across all backups (SQL LIKE pattern, e.g. %.docx)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := stores.SearchFiles(args[0], flagSearchLimit)
		if err != nil {
			return err
		}
		for _, f := range files {
			marker := ""
			if f.Deleted {
				marker = "\t(deleted)"
			}
			fmt.Printf("backup=%d\t%s\t%d bytes%s\n", f.BackupID, f.RelativePath, f.Size, marker)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().IntVar(&flagSearchLimit, "limit", 100, "maximum number of matches to show")
}
