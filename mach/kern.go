//go:build darwin

package mach

// Kernel return codes from mach/kern_return.h, duplicated here as plain
// Go constants so errors.go can classify a KernReturn without pulling in
// cgo just to compare against a handful of int32 values.
const (
	kernSuccess         KernReturn = 0
	kernInvalidAddress  KernReturn = 1
	kernNoAccess        KernReturn = 8
	kernInvalidArgument KernReturn = 4
	kernInvalidTask     KernReturn = 16
	kernInvalidName     KernReturn = 15
	kernTerminated      KernReturn = 37
)

func kernReturnString(k KernReturn) string {
	switch k {
	case kernSuccess:
		return "KERN_SUCCESS"
	case kernInvalidAddress:
		return "KERN_INVALID_ADDRESS"
	case kernNoAccess:
		return "KERN_NO_ACCESS"
	case kernInvalidArgument:
		return "KERN_INVALID_ARGUMENT"
	case kernInvalidTask:
		return "KERN_INVALID_TASK"
	case kernInvalidName:
		return "KERN_INVALID_NAME"
	case kernTerminated:
		return "KERN_TERMINATED"
	default:
		return "unknown"
	}
}
