// Command machprof is a minimal operator-facing driver over the
// sampler facade. It never symbolizes, aggregates across samples, or
// persists anything: it attaches, prints whatever the facade handed
// back, and detaches.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:               "machprof",
		Short:             "machprof samples call stacks from a live Darwin process",
		Long:              "machprof attaches to a process by pid, suspends its threads one at a time, and walks their frame-pointer chains into raw address traces. It does not symbolize.",
		DisableAutoGenTag: true,
	}
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().IntVar(&maxDepth, "max-depth", 0, "cap frames per trace (0 = profiler default)")

	cmd.AddCommand(
		newThreadsCmd(&debug),
		newSampleCmd(&debug),
		newSampleAllCmd(&debug),
		newReplCmd(&debug),
	)
	return cmd
}

// maxDepth is a persistent flag shared by every subcommand; cobra has no
// first-class notion of a persistent flag read by children without a
// shared variable, so this mirrors the teacher's own package-scope flag
// variable convention.
var maxDepth int
