//go:build darwin

package mach

/*
#include <mach/mach.h>
#include <mach/mach_vm.h>
#include <mach/mach_time.h>
#include <mach/thread_act.h>
#include <mach/thread_info.h>
#include <mach/task.h>
#include <stdlib.h>

static kern_return_t mp_task_for_pid(pid_t pid, mach_port_t *task) {
	return task_for_pid(mach_task_self(), pid, task);
}

static kern_return_t mp_task_threads(mach_port_t task, thread_act_array_t *threads, mach_msg_type_number_t *count) {
	return task_threads(task, threads, count);
}

static kern_return_t mp_vm_dealloc_threads(thread_act_array_t threads, mach_msg_type_number_t count) {
	return vm_deallocate(mach_task_self(), (vm_address_t)threads, (vm_size_t)(count * sizeof(thread_act_t)));
}

static kern_return_t mp_port_deallocate(mach_port_t name) {
	return mach_port_deallocate(mach_task_self(), name);
}

static kern_return_t mp_thread_suspend(mach_port_t thread) {
	return thread_suspend(thread);
}

static kern_return_t mp_thread_resume(mach_port_t thread) {
	return thread_resume(thread);
}

static kern_return_t mp_thread_get_state(mach_port_t thread, thread_state_flavor_t flavor, void *state, mach_msg_type_number_t count) {
	return thread_get_state(thread, flavor, (thread_state_t)state, &count);
}

static kern_return_t mp_vm_read(vm_map_t task, mach_vm_address_t addr, mach_vm_size_t size, void *buf, mach_vm_size_t *outsize) {
	return mach_vm_read_overwrite(task, addr, size, (mach_vm_address_t)buf, outsize);
}

static kern_return_t mp_thread_info(mach_port_t thread, thread_flavor_t flavor, void *info, mach_msg_type_number_t count) {
	return thread_info(thread, flavor, (thread_info_t)info, &count);
}

static mach_port_t mp_thread_self(void) {
	return mach_thread_self();
}

static uint64_t mp_absolute_time(void) {
	return mach_absolute_time();
}

static kern_return_t mp_timebase_info(uint32_t *numer, uint32_t *denom) {
	mach_timebase_info_data_t info;
	kern_return_t kr = mach_timebase_info(&info);
	*numer = info.numer;
	*denom = info.denom;
	return kr;
}
*/
import "C"

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// OpenTask opens a privileged handle to the task (process) identified by
// pid. The caller must hold the privilege or entitlement XNU requires to
// call task_for_pid on a process it does not own; on most systems this
// means running as root or holding com.apple.security.cs.debugger.
//
// task_for_pid returns the same generic KERN_FAILURE for "no such pid"
// and for several unrelated internal errors, so on failure OpenTask
// probes liveness with a signal-0 kill(2) to tell the caller whether the
// process is simply gone rather than leaving it to guess from KernRet.
func OpenTask(pid int) (TaskPort, error) {
	var task C.mach_port_t
	kr := C.mp_task_for_pid(C.pid_t(pid), &task)
	if kr != C.KERN_SUCCESS {
		if err := unix.Kill(pid, 0); err == unix.ESRCH {
			return 0, &ErrNoSuchProcess{Pid: pid}
		}
		return 0, &ErrAttachFailure{Pid: pid, KernRet: KernReturn(kr)}
	}
	return TaskPort(task), nil
}

// Threads enumerates task's threads. The kernel-allocated array backing
// the returned slice is deallocated before this function returns; the
// caller owns every ThreadPort in the slice and must release each one
// exactly once with DeallocatePort.
func Threads(task TaskPort) ([]ThreadPort, error) {
	var list C.thread_act_array_t
	var count C.mach_msg_type_number_t
	kr := C.mp_task_threads(C.mach_port_t(task), &list, &count)
	if kr != C.KERN_SUCCESS {
		return nil, &ErrEnumerationFailure{KernRet: KernReturn(kr)}
	}
	defer C.mp_vm_dealloc_threads(list, count)

	threads := make([]ThreadPort, int(count))
	raw := unsafe.Slice((*C.thread_act_t)(unsafe.Pointer(list)), int(count))
	for i, t := range raw {
		threads[i] = ThreadPort(t)
	}
	return threads, nil
}

// DeallocatePort releases one reference to a task or thread port in the
// calling process's own IPC namespace. Both OpenTask's task port and each
// ThreadPort from Threads live in the caller's namespace (task_for_pid
// and task_threads insert the rights there), never the foreign task's, so
// this always deallocates against mach_task_self() regardless of which
// kind of port is being released.
func DeallocatePort(port uint32) error {
	kr := C.mp_port_deallocate(C.mach_port_t(port))
	if kr != C.KERN_SUCCESS {
		return errors.Wrap(KernReturn(kr), "mach_port_deallocate")
	}
	return nil
}

// Suspend increments the target thread's suspend count, halting it until
// a matching Resume. Every successful Suspend must be balanced by exactly
// one Resume, including on every error path after it.
func Suspend(thread ThreadPort) error {
	kr := C.mp_thread_suspend(C.mach_port_t(thread))
	if kr != C.KERN_SUCCESS {
		return errors.Wrap(KernReturn(kr), "thread_suspend")
	}
	return nil
}

// Resume decrements the target thread's suspend count.
func Resume(thread ThreadPort) error {
	kr := C.mp_thread_resume(C.mach_port_t(thread))
	if kr != C.KERN_SUCCESS {
		return errors.Wrap(KernReturn(kr), "thread_resume")
	}
	return nil
}

// GetThreadState reads the register state for thread in the given flavor
// into a buffer of exactly size bytes. The caller is expected to pass the
// flavor and size from an arch.Architecture value so the layout of the
// returned bytes matches what arch.Architecture.DecodeState expects.
func GetThreadState(thread ThreadPort, flavor int32, size int) ([]byte, error) {
	buf := make([]byte, size)
	kr := C.mp_thread_get_state(
		C.mach_port_t(thread),
		C.thread_state_flavor_t(flavor),
		unsafe.Pointer(&buf[0]),
		C.mach_msg_type_number_t(size/4),
	)
	if kr != C.KERN_SUCCESS {
		return nil, errors.Wrap(KernReturn(kr), "thread_get_state")
	}
	return buf, nil
}

// maxReadSize bounds a single ReadMemory call. The walker only ever asks
// for 16 bytes at a time, but this protects any other caller from
// requesting an unreasonably large foreign read.
const maxReadSize = 1 << 20

// ReadMemory copies size bytes from task's address space starting at
// addr into a local buffer. A short read (the kernel copying back fewer
// bytes than requested) is reported as an error, with the bytes that were
// copied returned alongside it; callers that want to treat a short read
// as a clean truncation rather than a hard failure can inspect that
// partial buffer.
func ReadMemory(task TaskPort, addr uint64, size int) ([]byte, error) {
	if size <= 0 || size > maxReadSize {
		return nil, errors.Errorf("mach: invalid read size %d", size)
	}
	buf := make([]byte, size)
	var outsize C.mach_vm_size_t
	kr := C.mp_vm_read(
		C.vm_map_t(task),
		C.mach_vm_address_t(addr),
		C.mach_vm_size_t(size),
		unsafe.Pointer(&buf[0]),
		&outsize,
	)
	if kr != C.KERN_SUCCESS {
		return nil, errors.Wrap(KernReturn(kr), "mach_vm_read_overwrite")
	}
	if int(outsize) != size {
		return buf[:outsize], errors.Errorf("mach: short read: got %d of %d bytes", outsize, size)
	}
	return buf, nil
}

// threadIdentifierInfoWords is sizeof(thread_identifier_info_data_t) /
// sizeof(natural_t): three uint64 fields (thread_id, thread_handle,
// dispatch_qaddr), per mach/thread_info.h.
const threadIdentifierInfoWords = 6

// ThreadID returns the kernel's stable 64-bit identifier for thread via
// THREAD_IDENTIFIER_INFO.
func ThreadID(thread ThreadPort) (uint64, error) {
	const threadIdentifierInfo = 4 // THREAD_IDENTIFIER_INFO
	var info [threadIdentifierInfoWords]C.natural_t
	kr := C.mp_thread_info(
		C.mach_port_t(thread),
		C.thread_flavor_t(threadIdentifierInfo),
		unsafe.Pointer(&info[0]),
		C.mach_msg_type_number_t(threadIdentifierInfoWords),
	)
	if kr != C.KERN_SUCCESS {
		return 0, errors.Wrap(KernReturn(kr), "thread_info(THREAD_IDENTIFIER_INFO)")
	}
	// thread_id is the first 64-bit field of thread_identifier_info_data_t,
	// stored as two consecutive natural_t (32-bit) words.
	return uint64(info[0]) | uint64(info[1])<<32, nil
}

// threadBasicInfoWords is sizeof(thread_basic_info_data_t) /
// sizeof(natural_t), per mach/thread_info.h.
const threadBasicInfoWords = 10

// ThreadBasicInfo returns the run state and accumulated user CPU time for
// thread via THREAD_BASIC_INFO.
func ThreadBasicInfo(thread ThreadPort) (BasicInfo, error) {
	const threadBasicInfoFlavor = 3 // THREAD_BASIC_INFO
	var info [threadBasicInfoWords]C.natural_t
	kr := C.mp_thread_info(
		C.mach_port_t(thread),
		C.thread_flavor_t(threadBasicInfoFlavor),
		unsafe.Pointer(&info[0]),
		C.mach_msg_type_number_t(threadBasicInfoWords),
	)
	if kr != C.KERN_SUCCESS {
		return BasicInfo{}, errors.Wrap(KernReturn(kr), "thread_info(THREAD_BASIC_INFO)")
	}
	// thread_basic_info_data_t: user_time{sec,usec} (words 0-1),
	// system_time{sec,usec} (words 2-3), cpu_usage (4), policy (5),
	// run_state (6), flags (7), suspend_count (8), sleep_time (9).
	seconds := int32(info[0])
	micros := int32(info[1])
	runState := RunState(int32(info[6]))
	return BasicInfo{
		RunState: runState,
		UserTime: secondsMicros(seconds, micros),
	}, nil
}

// CurrentThread returns the calling OS thread's own mach thread port. It
// is used only to guard against a caller asking the walker to suspend
// the thread it is itself running on, which would deadlock.
func CurrentThread() ThreadPort {
	return ThreadPort(C.mp_thread_self())
}

// MonotonicRawNow returns a monotonic raw timestamp in nanoseconds,
// suitable for StackTrace.TimestampNS, using mach_absolute_time scaled by
// the host's timebase.
func MonotonicRawNow() (uint64, error) {
	var numer, denom C.uint32_t
	kr := C.mp_timebase_info(&numer, &denom)
	if kr != C.KERN_SUCCESS {
		return 0, errors.Wrap(KernReturn(kr), "mach_timebase_info")
	}
	ticks := uint64(C.mp_absolute_time())
	if denom == 0 {
		return ticks, nil
	}
	return ticks * uint64(numer) / uint64(denom), nil
}
