package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate backup statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := stores.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("backups:    %d (%d completed)\n", st.TotalBackups, st.CompletedBackups)
		fmt.Printf("original:   %d bytes\n", st.TotalSizeOriginal)
		fmt.Printf("compressed: %d bytes\n", st.TotalSizeCompressed)
		return nil
	},
}
