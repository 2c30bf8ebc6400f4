// Package walker turns a suspended foreign thread's register state into a
// StackTrace by following its frame-pointer chain. It never talks to mach
// directly: everything it needs from the kernel comes through the Kernel
// interface, so the package can be exercised against a synthetic
// foreign-memory fake instead of a real Darwin target.
package walker

import (
	"github.com/pkg/errors"

	"github.com/gomachprof/machprof/arch"
	"github.com/gomachprof/machprof/mach"
)

// MaxStackDepth is the hard capacity every StackTrace is bounded to,
// regardless of the configured max_depth.
const MaxStackDepth = 512

// maxFrameGap is the largest allowed distance between successive frame
// pointers while walking the chain; a larger jump is treated as a corrupt
// or implausible frame rather than a legitimately large stack frame.
const maxFrameGap = 0x100000

// StackFrame is a single walked frame: the code address executing in (or
// returning to) that frame, and the frame pointer that produced it.
type StackFrame struct {
	Address      uint64
	FramePointer uint64
}

// StackTrace is the result of one capture. Frames is ordered innermost
// (index 0, the currently executing frame) to outermost.
type StackTrace struct {
	Frames      [MaxStackDepth]StackFrame
	FrameCount  uint32
	ThreadHandle mach.ThreadPort
	ThreadID    uint64
	TimestampNS uint64
}

// Strategy selects the stack-walking algorithm. LibUnwind and Hybrid are
// declared for the config surface but both currently delegate to
// FramePointer; neither does DWARF or compact-unwind based walking.
type Strategy int

const (
	FramePointer Strategy = iota
	LibUnwind
	Hybrid
)

// Config is process-wide walker configuration installed by New and never
// mutated after that; Init's idempotence in the original design becomes
// New returning a ready-to-use *Walker.
type Config struct {
	// MaxDepth caps frames per trace. Clamped to MaxStackDepth.
	MaxDepth uint32
	// Strategy selects the walking algorithm.
	Strategy Strategy
	// CaptureTimestamps, when true, samples a monotonic clock into every
	// trace's TimestampNS.
	CaptureTimestamps bool
	// ValidateAddresses is reserved for extra-strict address validation
	// beyond the baseline plausibility rules in Architecture.PlausibleAddress.
	// No such additional checks exist yet; the walk applies the same rules
	// regardless of this field's value.
	ValidateAddresses bool
}

// DefaultConfig mirrors the profiler's default stack-walking behavior.
func DefaultConfig() Config {
	return Config{
		MaxDepth:          MaxStackDepth,
		Strategy:          FramePointer,
		CaptureTimestamps: true,
		ValidateAddresses: false,
	}
}

// Kernel is the narrow slice of mach the walker needs. It exists so tests
// can substitute a synthetic foreign-memory oracle instead of cgo calls
// into a real Darwin kernel.
type Kernel interface {
	Suspend(thread mach.ThreadPort) error
	Resume(thread mach.ThreadPort) error
	GetThreadState(thread mach.ThreadPort, flavor int32, size int) ([]byte, error)
	ReadMemory(task mach.TaskPort, addr uint64, size int) ([]byte, error)
	ThreadID(thread mach.ThreadPort) (uint64, error)
}

// Clock supplies the monotonic timestamp a capture records when
// CaptureTimestamps is enabled. Tests pass a fixed clock to keep oracle
// scenarios deterministic.
type Clock interface {
	NowNS() (uint64, error)
}

// ErrSuspendFailure wraps a kernel error from suspending the target
// thread before a capture. No register read or memory access was
// attempted.
type ErrSuspendFailure struct {
	Thread mach.ThreadPort
	Cause  error
}

func (e *ErrSuspendFailure) Error() string {
	return errors.Wrapf(e.Cause, "suspend thread %d", e.Thread).Error()
}

func (e *ErrSuspendFailure) Unwrap() error { return e.Cause }

// ErrStateReadFailure wraps a kernel error from reading the target
// thread's register state. The thread has already been resumed by the
// time this error is returned.
type ErrStateReadFailure struct {
	Thread mach.ThreadPort
	Cause  error
}

func (e *ErrStateReadFailure) Error() string {
	return errors.Wrapf(e.Cause, "read register state for thread %d", e.Thread).Error()
}

func (e *ErrStateReadFailure) Unwrap() error { return e.Cause }

// Walker captures stack traces from foreign threads via a frame-pointer
// walk. A Walker is safe for concurrent use; it holds no mutable state of
// its own beyond its immutable Config and Architecture.
type Walker struct {
	kernel Kernel
	clock  Clock
	arch   *arch.Architecture
	config Config
}

// New builds a Walker against arch for the given kernel and clock.
// MaxDepth in config is clamped to MaxStackDepth.
func New(kernel Kernel, clock Clock, architecture *arch.Architecture, config Config) *Walker {
	if config.MaxDepth == 0 || config.MaxDepth > MaxStackDepth {
		config.MaxDepth = MaxStackDepth
	}
	return &Walker{kernel: kernel, clock: clock, arch: architecture, config: config}
}

// ThreadID returns the kernel's stable identifier for thread, falling
// back to the raw handle value if the kernel call fails. The error, if
// any, is returned alongside the fallback value rather than swallowed.
func (w *Walker) ThreadID(thread mach.ThreadPort) (uint64, error) {
	id, err := w.kernel.ThreadID(thread)
	if err != nil {
		return uint64(thread), err
	}
	return id, nil
}

// Capture suspends thread, reads its register state, walks its
// frame-pointer chain, and resumes it unconditionally before returning.
// A capture with no plausible starting PC or FP is not an error: it
// returns a trace with FrameCount == 0.
func (w *Walker) Capture(task mach.TaskPort, thread mach.ThreadPort) (StackTrace, error) {
	var trace StackTrace
	trace.ThreadHandle = thread

	if id, err := w.kernel.ThreadID(thread); err == nil {
		trace.ThreadID = id
	} else {
		trace.ThreadID = uint64(thread)
	}

	if w.config.CaptureTimestamps && w.clock != nil {
		if ts, err := w.clock.NowNS(); err == nil {
			trace.TimestampNS = ts
		}
	}

	if err := w.kernel.Suspend(thread); err != nil {
		return trace, &ErrSuspendFailure{Thread: thread, Cause: err}
	}

	raw, err := w.kernel.GetThreadState(thread, w.arch.StateFlavor, w.arch.StateSize)
	if err != nil {
		_ = w.kernel.Resume(thread)
		return trace, &ErrStateReadFailure{Thread: thread, Cause: err}
	}

	regs := w.arch.DecodeState(raw)

	w.walk(task, regs.PC, regs.FP, &trace)

	if resumeErr := w.kernel.Resume(thread); resumeErr != nil {
		return trace, errors.Wrapf(resumeErr, "resume thread %d after capture", thread)
	}
	return trace, nil
}

// walk performs the frame-pointer walk described for capture, appending
// frames to trace in place. It never returns an error: every stop
// condition short of a hard failure in Capture is a clean truncation.
func (w *Walker) walk(task mach.TaskPort, pc, fp uint64, trace *StackTrace) {
	maxDepth := w.config.MaxDepth

	pcPlausible := w.arch.PlausibleAddress(pc)
	fpPlausible := w.arch.PlausibleAddress(fp)
	switch {
	case pcPlausible:
		trace.Frames[0] = StackFrame{Address: pc, FramePointer: fp}
		trace.FrameCount = 1
	case fpPlausible:
		// No frame 0, but the chain might still be walkable from fp.
	default:
		return
	}

	var prevFP uint64
	hasPrev := false

	for trace.FrameCount < maxDepth {
		if !w.arch.PlausibleAddress(fp) {
			return
		}
		// The strict-growth and max-gap checks compare against the
		// previous frame pointer in the walked chain. The register
		// snapshot's fp has no predecessor to compare against, so
		// both checks are skipped until a first frame has actually
		// been walked.
		if hasPrev {
			if fp <= prevFP {
				return
			}
			if fp-prevFP > maxFrameGap {
				return
			}
		}

		words, err := w.kernel.ReadMemory(task, fp, 16)
		if err != nil || len(words) < 16 {
			return
		}
		nextFP := leUint64(words[0:8])
		returnAddr := leUint64(words[8:16])

		if !w.arch.PlausibleAddress(returnAddr) {
			return
		}

		trace.Frames[trace.FrameCount] = StackFrame{Address: returnAddr, FramePointer: fp}
		trace.FrameCount++

		prevFP = fp
		hasPrev = true
		fp = nextFP

		if fp == 0 {
			return
		}
	}
}

// CaptureBatch captures every thread in threads, in order, returning the
// per-thread traces in the same order alongside the count of traces that
// both succeeded and produced at least one frame. A hard failure on one
// thread does not abort the batch; the failing thread's slot holds
// whatever trace Capture returned alongside its error, and the batch
// continues with the next thread.
//
// If skip is non-nil and returns true for a thread, that thread is left
// out of the capture entirely: its trace stays zeroed and it counts
// toward the batch's unsuccessful threads, but Capture is never called
// for it. Target uses this to keep its own calling thread out of a
// batch without suspending it.
func (w *Walker) CaptureBatch(task mach.TaskPort, threads []mach.ThreadPort, skip func(mach.ThreadPort) bool) ([]StackTrace, int) {
	traces := make([]StackTrace, len(threads))
	successful := 0
	for i, thread := range threads {
		if skip != nil && skip(thread) {
			continue
		}
		trace, err := w.Capture(task, thread)
		traces[i] = trace
		if err == nil && trace.FrameCount > 0 {
			successful++
		}
	}
	return traces, successful
}

// Cleanup releases any resources the Walker holds. The Walker currently
// holds none of its own; this exists so callers have a symmetric
// lifecycle with mach.TaskPort/ThreadPort ownership elsewhere.
func (w *Walker) Cleanup() {}

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
