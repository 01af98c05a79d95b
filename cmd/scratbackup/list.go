package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		backups, err := stores.GetAllBackups("", 0)
		if err != nil {
			return err
		}
		for _, b := range backups {
			fmt.Printf("%d\t%s\t%s\t%s\tfiles=%d\n", b.ID, b.BackupIDString(), b.Kind, b.Status, b.FilesTotal)
		}
		return nil
	},
}
