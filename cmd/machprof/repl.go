package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/gomachprof/machprof/sampler"
)

func newReplCmd(debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "repl <pid>",
		Short: "attach to pid and drive it interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid %q: %w", args[0], err)
			}
			return runRepl(pid, *debug)
		},
	}
}

func runRepl(pid int, debug bool) error {
	s := sampler.New()
	if err := attachWithOptions(s, pid, debug); err != nil {
		return err
	}
	defer s.Detach()

	rl, err := readline.NewEx(&readline.Config{
		Prompt: fmt.Sprintf("machprof(%d)> ", pid),
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("attached to pid %d (%d threads). type help for commands.\n", pid, s.ThreadCount())

	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF on ^D, readline.ErrInterrupt on ^C
			return nil
		}
		if err := dispatchReplCommand(s, strings.TrimSpace(line)); err != nil {
			if err == errReplExit {
				return nil
			}
			fmt.Println(err)
		}
	}
}

var errReplExit = errors.New("exit")

func dispatchReplCommand(s *sampler.Sampler, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "help":
		fmt.Println("commands: threads, refresh, sample <index>, sample-all, stats, detach, exit")
		return nil
	case "threads":
		return s.WriteThreadInfo(os.Stdout)
	case "refresh":
		if err := s.RefreshThreads(); err != nil {
			return err
		}
		fmt.Printf("refreshed: %d threads\n", s.ThreadCount())
		return nil
	case "sample":
		if len(fields) != 2 {
			return fmt.Errorf("usage: sample <index>")
		}
		index, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("invalid index %q: %w", fields[1], err)
		}
		trace, err := s.CaptureOne(index)
		if err != nil {
			return err
		}
		printTrace(trace)
		return nil
	case "sample-all":
		traces, successful, err := s.CaptureAll()
		if err != nil {
			return err
		}
		for i, trace := range traces {
			fmt.Printf("thread %d:\n", i)
			printTrace(trace)
		}
		fmt.Printf("%d/%d threads sampled successfully\n", successful, len(traces))
		return nil
	case "stats":
		stats := s.Stats()
		fmt.Printf("total=%d successful=%d failed=%d frames=%d\n",
			stats.TotalSamples, stats.SuccessfulSamples, stats.FailedSamples, stats.TotalFrames)
		return nil
	case "detach":
		s.Detach()
		fmt.Println("detached")
		return nil
	case "exit", "quit":
		return errReplExit
	default:
		return fmt.Errorf("unknown command %q (try help)", fields[0])
	}
}
