// Command acesm-harness is a CLI driver over the security monitor core,
// used to exercise the end-to-end scenarios from spec.md §8 (S1-S6)
// against in-memory fakes, without any real RISC-V hardware. Structured
// as a github.com/spf13/cobra command tree, following the teacher
// pack's preference for cobra-based CLIs over hand-rolled flag parsing.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ace-sm/monitor/obslog"
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:   "acesm-harness",
		Short: "Drives the ACE security monitor core through scenario fixtures",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				obslog.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newStatsCommand())
	for _, s := range scenarios {
		root.AddCommand(newScenarioCommand(s))
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
