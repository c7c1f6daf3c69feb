package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ace-sm/monitor/memory"
)

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Reports confidential memory pool occupancy for a freshly seeded world",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := newWorld()
			s := w.tracker.Stats()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "total: %d bytes\nfree:  %d bytes\nused:  %d bytes\n", s.TotalBytes, s.FreeBytes, s.UsedBytes)
			for _, c := range memory.AllSizeClasses {
				fmt.Fprintf(out, "  %-8s free=%d\n", c.String(), s.FreeCount[c])
			}
			return nil
		},
	}
}
