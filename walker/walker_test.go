package walker

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gomachprof/machprof/arch"
	"github.com/gomachprof/machprof/mach"
)

// fakeKernel is a synthetic foreign-memory oracle: a fixed register state
// plus a map from frame-pointer address to the two 8-byte words a real
// mach_vm_read_overwrite would have returned there. It never touches cgo
// or an actual foreign process.
type fakeKernel struct {
	pc, fp     uint64
	memory     map[uint64][2]uint64
	suspendErr error
	stateErr   error
	resumeErr  error

	suspended    bool
	resumeCalled bool
}

func newFakeKernel(pc, fp uint64) *fakeKernel {
	return &fakeKernel{pc: pc, fp: fp, memory: map[uint64][2]uint64{}}
}

// x86OffsetRBP/RSP/RIP duplicate the field layout arch.decodeX86ThreadState64
// assumes, so this fake can hand back a raw buffer that decodes to the
// pc/fp it was built with.
const (
	x86OffsetRBP = 48
	x86OffsetRSP = 56
	x86OffsetRIP = 128
)

func (f *fakeKernel) Suspend(mach.ThreadPort) error {
	if f.suspendErr != nil {
		return f.suspendErr
	}
	f.suspended = true
	return nil
}

func (f *fakeKernel) Resume(mach.ThreadPort) error {
	f.resumeCalled = true
	return f.resumeErr
}

func (f *fakeKernel) GetThreadState(_ mach.ThreadPort, _ int32, size int) ([]byte, error) {
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	raw := make([]byte, size)
	binary.LittleEndian.PutUint64(raw[x86OffsetRIP:x86OffsetRIP+8], f.pc)
	binary.LittleEndian.PutUint64(raw[x86OffsetRBP:x86OffsetRBP+8], f.fp)
	binary.LittleEndian.PutUint64(raw[x86OffsetRSP:x86OffsetRSP+8], 0)
	return raw, nil
}

func (f *fakeKernel) ReadMemory(_ mach.TaskPort, addr uint64, size int) ([]byte, error) {
	words, ok := f.memory[addr]
	if !ok {
		return nil, errFakeRead
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:8], words[0])
	binary.LittleEndian.PutUint64(buf[8:16], words[1])
	return buf, nil
}

func (f *fakeKernel) ThreadID(thread mach.ThreadPort) (uint64, error) {
	return uint64(thread) + 1000, nil
}

type fakeClock struct{ ns uint64 }

func (c fakeClock) NowNS() (uint64, error) { return c.ns, nil }

type fakeReadError struct{}

func (fakeReadError) Error() string { return "fake: no memory at address" }

var errFakeRead = fakeReadError{}

func newTestWalker(k *fakeKernel, maxDepth uint32) *Walker {
	cfg := DefaultConfig()
	if maxDepth != 0 {
		cfg.MaxDepth = maxDepth
	}
	return New(k, fakeClock{ns: 42}, &arch.AMD64, cfg)
}

func traceAddresses(trace StackTrace) []uint64 {
	out := make([]uint64, trace.FrameCount)
	for i := uint32(0); i < trace.FrameCount; i++ {
		out[i] = trace.Frames[i].Address
	}
	return out
}

func equalAddresses(t *testing.T, got []uint64, want []uint64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d addresses %#x, want %d addresses %#x", len(got), got, len(want), want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("addresses[%d] = %#x, want %#x (got %#x, want %#x)", i, got[i], want[i], got, want)
		}
	}
}

// chainOfThreeOracle builds the scenario (1) memory layout: a chain of
// three valid frames rooted at pc=0x100004000, fp=0x7ff0000010_00.
func chainOfThreeOracle() *fakeKernel {
	const (
		pc   = 0x100004000
		fp0  = 0x7ff0000010_00
		fp1  = 0x7ff0000011_00
		fp2  = 0x7ff0000012_00
		ret1 = 0x100004200
		ret2 = 0x100004400
		ret3 = 0x100004600
	)
	k := newFakeKernel(pc, fp0)
	k.memory[fp0] = [2]uint64{fp1, ret1}
	k.memory[fp1] = [2]uint64{fp2, ret2}
	k.memory[fp2] = [2]uint64{0, ret3}
	return k
}

func TestCaptureChainOfThreeValidFrames(t *testing.T) {
	k := chainOfThreeOracle()
	w := newTestWalker(k, 0)

	trace, err := w.Capture(1, mach.ThreadPort(7))
	if err != nil {
		t.Fatalf("Capture returned error: %v", err)
	}
	if trace.FrameCount != 4 {
		t.Fatalf("FrameCount = %d, want 4", trace.FrameCount)
	}
	equalAddresses(t, traceAddresses(trace), []uint64{0x100004000, 0x100004200, 0x100004400, 0x100004600})
	if !k.suspended || !k.resumeCalled {
		t.Fatal("expected thread to be suspended and resumed")
	}
}

func TestCaptureTruncatesOnImplausibleReturn(t *testing.T) {
	const (
		pc  = 0x100004000
		fp0 = 0x7ff0000010_00
		fp1 = 0x7ff0000011_00
		fp2 = 0x7ff0000012_00
	)
	k := newFakeKernel(pc, fp0)
	k.memory[fp0] = [2]uint64{fp1, 0x100004200}
	k.memory[fp1] = [2]uint64{fp2, 0x100004400}
	k.memory[fp2] = [2]uint64{0, 0x1} // odd, implausible

	w := newTestWalker(k, 0)
	trace, err := w.Capture(1, mach.ThreadPort(7))
	if err != nil {
		t.Fatalf("Capture returned error: %v", err)
	}
	if trace.FrameCount != 3 {
		t.Fatalf("FrameCount = %d, want 3", trace.FrameCount)
	}
	addrs := traceAddresses(trace)
	if addrs[len(addrs)-1] != 0x100004400 {
		t.Fatalf("last address = %#x, want %#x", addrs[len(addrs)-1], 0x100004400)
	}
}

func TestCaptureCycleDefense(t *testing.T) {
	const (
		pc  = 0x100004000
		fp0 = 0x7ff0000011_00
		fp1 = 0x7ff0000010_00 // loops back below fp0
	)
	k := newFakeKernel(pc, fp0)
	k.memory[fp0] = [2]uint64{fp1, 0x100004200}
	k.memory[fp1] = [2]uint64{fp0, 0x100004400} // would cycle forever if unchecked

	w := newTestWalker(k, 0)
	trace, err := w.Capture(1, mach.ThreadPort(7))
	if err != nil {
		t.Fatalf("Capture returned error: %v", err)
	}
	if trace.FrameCount != 2 {
		t.Fatalf("FrameCount = %d, want 2", trace.FrameCount)
	}
}

func TestCaptureOversizedFrame(t *testing.T) {
	const (
		pc  = 0x100004000
		fp0 = 0x7ff0000010_00
	)
	k := newFakeKernel(pc, fp0)
	// next_fp is more than 1 MiB past fp0: the walk must stop before
	// ever reading memory at that address.
	k.memory[fp0] = [2]uint64{fp0 + 0x200000, 0x100004200}
	k.memory[fp0+0x200000] = [2]uint64{0, 0x100004400}

	w := newTestWalker(k, 0)
	trace, err := w.Capture(1, mach.ThreadPort(7))
	if err != nil {
		t.Fatalf("Capture returned error: %v", err)
	}
	if trace.FrameCount != 2 {
		t.Fatalf("FrameCount = %d, want 2", trace.FrameCount)
	}
	addrs := traceAddresses(trace)
	if addrs[len(addrs)-1] != 0x100004200 {
		t.Fatalf("last address = %#x, want %#x", addrs[len(addrs)-1], 0x100004200)
	}
}

func TestCaptureMaxDepthClamp(t *testing.T) {
	k := chainOfThreeOracle()
	w := newTestWalker(k, 2)

	trace, err := w.Capture(1, mach.ThreadPort(7))
	if err != nil {
		t.Fatalf("Capture returned error: %v", err)
	}
	if trace.FrameCount != 2 {
		t.Fatalf("FrameCount = %d, want 2", trace.FrameCount)
	}
}

func TestCaptureEmptyTrace(t *testing.T) {
	k := newFakeKernel(0, 0)
	w := newTestWalker(k, 0)

	trace, err := w.Capture(1, mach.ThreadPort(7))
	if err != nil {
		t.Fatalf("Capture returned error: %v", err)
	}
	if trace.FrameCount != 0 {
		t.Fatalf("FrameCount = %d, want 0", trace.FrameCount)
	}
}

func TestCaptureSuspendFailureIsHardError(t *testing.T) {
	k := newFakeKernel(0x100004000, 0x7ff0000010_00)
	k.suspendErr = errFakeRead
	w := newTestWalker(k, 0)

	_, err := w.Capture(1, mach.ThreadPort(7))
	if err == nil {
		t.Fatal("expected an error when suspend fails")
	}
	var suspendErr *ErrSuspendFailure
	if !errors.As(err, &suspendErr) {
		t.Fatalf("expected *ErrSuspendFailure, got %T: %v", err, err)
	}
	if k.resumeCalled {
		t.Fatal("must not resume a thread that was never suspended")
	}
}

func TestCaptureStateReadFailureResumesThread(t *testing.T) {
	k := newFakeKernel(0x100004000, 0x7ff0000010_00)
	k.stateErr = errFakeRead
	w := newTestWalker(k, 0)

	_, err := w.Capture(1, mach.ThreadPort(7))
	if err == nil {
		t.Fatal("expected an error when register read fails")
	}
	var stateErr *ErrStateReadFailure
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected *ErrStateReadFailure, got %T: %v", err, err)
	}
	if !k.resumeCalled {
		t.Fatal("a failed register read must still resume the thread")
	}
}

func TestCaptureBatchCountsOnlyNonEmptyTracesAsSuccessful(t *testing.T) {
	good := chainOfThreeOracle()
	empty := newFakeKernel(0, 0)

	// Two independent walkers standing in for two threads of the same
	// task: the batch under test only cares about per-call outcomes.
	task := mach.TaskPort(1)
	threads := []mach.ThreadPort{10, 20}

	w := newTestWalker(good, 0)
	traces, successful := w.CaptureBatch(task, threads[:1], nil)
	if len(traces) != 1 || traces[0].FrameCount != 4 {
		t.Fatalf("unexpected traces: %+v", traces)
	}
	if successful != 1 {
		t.Fatalf("successful = %d, want 1", successful)
	}

	w2 := newTestWalker(empty, 0)
	traces2, successful2 := w2.CaptureBatch(task, threads[1:], nil)
	if len(traces2) != 1 || traces2[0].FrameCount != 0 {
		t.Fatalf("unexpected traces: %+v", traces2)
	}
	if successful2 != 0 {
		t.Fatalf("successful2 = %d, want 0 (empty trace does not count as successful)", successful2)
	}
}

func TestCaptureBatchSkipsPredicateWithoutCapturing(t *testing.T) {
	k := chainOfThreeOracle()
	w := newTestWalker(k, 0)

	task := mach.TaskPort(1)
	threads := []mach.ThreadPort{10, 20, 30}

	traces, successful := w.CaptureBatch(task, threads, func(thread mach.ThreadPort) bool {
		return thread == 20
	})

	if len(traces) != 3 {
		t.Fatalf("len(traces) = %d, want 3", len(traces))
	}
	if traces[0].FrameCount != 4 || traces[2].FrameCount != 4 {
		t.Fatalf("non-skipped threads should still be captured: %+v", traces)
	}
	if traces[1].FrameCount != 0 {
		t.Fatalf("skipped thread must be left zeroed, got %+v", traces[1])
	}
	if successful != 2 {
		t.Fatalf("successful = %d, want 2 (skipped thread does not count)", successful)
	}
}

func TestMonotonicFramePointersFromSecondFrameOnward(t *testing.T) {
	k := chainOfThreeOracle()
	w := newTestWalker(k, 0)

	trace, err := w.Capture(1, mach.ThreadPort(7))
	if err != nil {
		t.Fatalf("Capture returned error: %v", err)
	}
	for i := 1; i < int(trace.FrameCount)-1; i++ {
		if trace.Frames[i+1].FramePointer <= trace.Frames[i].FramePointer {
			t.Fatalf("frame pointers not strictly increasing at index %d: %#x -> %#x",
				i, trace.Frames[i].FramePointer, trace.Frames[i+1].FramePointer)
		}
	}
}
