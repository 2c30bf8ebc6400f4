package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gomachprof/machprof/sampler"
)

func newThreadsCmd(debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "threads <pid>",
		Short: "attach to pid and print its current thread-info dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid %q: %w", args[0], err)
			}

			s := sampler.New()
			if err := attachWithOptions(s, pid, *debug); err != nil {
				return err
			}
			defer s.Detach()

			return s.WriteThreadInfo(os.Stdout)
		},
	}
}

// attachWithOptions is the common attach call every one-shot subcommand
// makes: build a logger from the --debug flag, apply --max-depth if set,
// and attach to pid with the default ProfilerConfig otherwise.
func attachWithOptions(s *sampler.Sampler, pid int, debug bool) error {
	opts := []sampler.Option{sampler.WithLogger(newLogger(debug))}
	if maxDepth > 0 {
		opts = append(opts, sampler.WithMaxStackDepth(uint32(maxDepth)))
	}
	return s.Attach(pid, nil, opts...)
}
