// Package sampler is the externally visible API of the profiler: a thin
// orchestration layer over package target. It performs no syscalls and
// no memory reads itself; every operation delegates straight through to
// a target.Target.
package sampler

import (
	"io"

	"github.com/rs/zerolog"

	"github.com/gomachprof/machprof/target"
	"github.com/gomachprof/machprof/walker"
)

// StackStrategy mirrors walker.Strategy at the facade's configuration
// boundary, so collaborators never need to import package walker just to
// build a ProfilerConfig.
type StackStrategy = walker.Strategy

const (
	FramePointer = walker.FramePointer
	LibUnwind    = walker.LibUnwind
	Hybrid       = walker.Hybrid
)

// ProfilerConfig is the facade's top-level configuration, per spec.md §3.
// TrackAsync and TrackThreads are reserved fields: accepted, never acted
// on.
type ProfilerConfig struct {
	SampleIntervalMS uint32
	MaxStackDepth    uint32
	TrackAsync       bool
	TrackThreads     bool
	StackStrategy    StackStrategy
}

// DefaultConfig returns spec.md §3's documented ProfilerConfig defaults.
func DefaultConfig() ProfilerConfig {
	return ProfilerConfig{
		SampleIntervalMS: 10,
		MaxStackDepth:    walker.MaxStackDepth,
		TrackAsync:       false,
		TrackThreads:     true,
		StackStrategy:    FramePointer,
	}
}

// Sampler is the facade collaborators embed or construct directly. It
// owns exactly one target.Target.
type Sampler struct {
	target *target.Target
	log    zerolog.Logger
}

// Option configures a Sampler before Attach installs its walker config.
type Option func(*Sampler, *ProfilerConfig)

// WithSampleInterval overrides ProfilerConfig.SampleIntervalMS. The
// facade itself never schedules samples on this interval — spec.md
// treats periodic invocation as an external collaborator's concern.
// Sampler does not store the resolved value after Attach and has no
// accessor that returns it.
func WithSampleInterval(ms uint32) Option {
	return func(_ *Sampler, cfg *ProfilerConfig) { cfg.SampleIntervalMS = ms }
}

// WithMaxStackDepth overrides ProfilerConfig.MaxStackDepth.
func WithMaxStackDepth(depth uint32) Option {
	return func(_ *Sampler, cfg *ProfilerConfig) { cfg.MaxStackDepth = depth }
}

// WithStrategy overrides ProfilerConfig.StackStrategy.
func WithStrategy(s StackStrategy) Option {
	return func(_ *Sampler, cfg *ProfilerConfig) { cfg.StackStrategy = s }
}

// WithLogger threads a zerolog.Logger down into the Target Manager.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Sampler, _ *ProfilerConfig) { s.log = log }
}

// New returns a Sampler with no attached target, backed by the real
// Darwin kernel calls.
func New() *Sampler {
	return NewWithTarget(target.New())
}

// NewWithTarget wraps an existing target.Target in a Sampler. Production
// callers should use New; this exists so a collaborator holding its own
// target.Target (or a test holding one built with target.NewWithKernel)
// can still use the facade's thin API.
func NewWithTarget(t *target.Target) *Sampler {
	return &Sampler{target: t, log: zerolog.Nop()}
}

// Attach opens pid's task handle and installs a walker configuration
// derived from cfg (or DefaultConfig if cfg is nil): stack_strategy and
// max_stack_depth map onto the walker's fields, with
// capture_timestamps=true and validate_addresses=false, per spec.md §4.3.
func (s *Sampler) Attach(pid int, cfg *ProfilerConfig, opts ...Option) error {
	resolved := DefaultConfig()
	if cfg != nil {
		resolved = *cfg
	}
	for _, opt := range opts {
		opt(s, &resolved)
	}

	return s.target.Attach(pid,
		target.WithMaxDepth(resolved.MaxStackDepth),
		target.WithStrategy(resolved.StackStrategy),
		target.WithValidateAddresses(false),
		target.WithLogger(s.log),
	)
}

// RefreshThreads re-enumerates the attached target's threads.
func (s *Sampler) RefreshThreads() error {
	return s.target.RefreshThreads()
}

// CaptureOne captures the stack of the thread at index in the current
// thread list.
func (s *Sampler) CaptureOne(index int) (walker.StackTrace, error) {
	return s.target.CaptureThreadStack(index)
}

// CaptureAll captures every thread in the current list, returning the
// per-thread traces and the count that succeeded.
func (s *Sampler) CaptureAll() ([]walker.StackTrace, int, error) {
	return s.target.CaptureAllStacks()
}

// Stats returns a by-value snapshot of the running sample counters.
func (s *Sampler) Stats() target.Stats {
	return s.target.Stats()
}

// State returns the underlying target's lifecycle state.
func (s *Sampler) State() target.State {
	return s.target.State()
}

// ThreadCount returns the number of threads in the current list.
func (s *Sampler) ThreadCount() int {
	return s.target.ThreadCount()
}

// ThreadInfo returns the current thread list's run state and CPU time.
func (s *Sampler) ThreadInfo() ([]target.ThreadInfo, error) {
	return s.target.ThreadInfo()
}

// WriteThreadInfo writes the thread-info dump to w, per spec.md §6.
func (s *Sampler) WriteThreadInfo(w io.Writer) error {
	infos, err := s.target.ThreadInfo()
	if err != nil {
		return err
	}
	return target.FormatThreadInfo(w, infos)
}

// Detach releases the attached target's handles, idempotently.
func (s *Sampler) Detach() {
	s.target.Detach()
}
