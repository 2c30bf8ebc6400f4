//go:build darwin

package mach

import (
	"fmt"
	"syscall"
)

// KernReturn wraps a raw Darwin kern_return_t so the rest of the module
// can still recover and present the kernel's own status code even after
// it has been wrapped by github.com/pkg/errors at a package boundary.
type KernReturn int32

func (k KernReturn) Error() string {
	return fmt.Sprintf("kern_return_t %d (%s)", int32(k), kernReturnString(k))
}

// ErrAttachFailure is returned by OpenTask when task_for_pid fails, most
// commonly because the caller lacks the entitlement or privilege needed
// to open another process's task port.
type ErrAttachFailure struct {
	Pid     int
	KernRet KernReturn
}

func (e *ErrAttachFailure) Error() string {
	return fmt.Sprintf("attach to pid %d: %v", e.Pid, e.KernRet)
}

func (e *ErrAttachFailure) Unwrap() error { return e.KernRet }

// Errno gives a best-effort POSIX errno for this failure, for callers
// that want to log or branch alongside golang.org/x/sys/unix results
// without matching on the raw kern_return_t.
func (e *ErrAttachFailure) Errno() syscall.Errno { return errnoFromKernReturn(e.KernRet) }

// ErrNoSuchProcess is returned by OpenTask when task_for_pid fails and a
// follow-up kill(pid, 0) confirms the pid is not alive.
type ErrNoSuchProcess struct {
	Pid int
}

func (e *ErrNoSuchProcess) Error() string {
	return fmt.Sprintf("no such process: pid %d", e.Pid)
}

// ErrEnumerationFailure is returned by Threads when task_threads fails.
type ErrEnumerationFailure struct {
	KernRet KernReturn
}

func (e *ErrEnumerationFailure) Error() string {
	return fmt.Sprintf("enumerate threads: %v", e.KernRet)
}

func (e *ErrEnumerationFailure) Unwrap() error { return e.KernRet }

// errnoFromKernReturn maps a handful of the kern_return_t values callers
// are most likely to see in practice onto the nearest POSIX errno, for
// ErrAttachFailure.Errno; everything else comes back as 0.
func errnoFromKernReturn(k KernReturn) syscall.Errno {
	switch k {
	case kernInvalidArgument:
		return syscall.EINVAL
	case kernNoAccess:
		return syscall.EPERM
	case kernInvalidTask, kernInvalidName:
		return syscall.ESRCH
	default:
		return 0
	}
}
