// Package arch contains architecture-specific definitions needed to read
// register state from a foreign thread and to judge whether an address
// found while walking its stack looks like a real code or frame-pointer
// value.
package arch

import "encoding/binary"

// ThreadRegisters is the architecture-neutral projection of whichever
// mach thread-state flavor was actually read. PC is the program counter,
// FP the frame pointer, SP the stack pointer.
type ThreadRegisters struct {
	PC uint64
	FP uint64
	SP uint64
}

// Architecture bundles everything the stack walker needs to know about a
// single ISA: which mach thread-state flavor to request, how big the
// corresponding C struct is, how to pick PC/FP/SP out of its raw bytes,
// and what an address in this architecture's user space is allowed to
// look like.
type Architecture struct {
	// Name identifies the architecture for logging and error messages.
	Name string

	// StateFlavor is the mach thread_state_flavor_t to pass to
	// thread_get_state (x86_THREAD_STATE64 or ARM_THREAD_STATE64).
	StateFlavor int32

	// StateSize is the size, in bytes, of the C struct thread_get_state
	// writes into for this flavor.
	StateSize int

	// userSpaceCeiling is the conservative upper bound for a plausible
	// user-space address on this architecture.
	userSpaceCeiling uint64

	// decode picks PC/FP/SP out of the raw bytes thread_get_state filled
	// in for StateFlavor.
	decode func(raw []byte) ThreadRegisters
}

// minPlausibleAddress is the floor every plausible address must clear:
// below it lies the null-ish region no real code or frame pointer lives
// in, and it is comfortably under any typical executable's base address.
const minPlausibleAddress = 0x100000

// DecodeState picks PC/FP/SP out of raw register bytes read via
// thread_get_state for this architecture's StateFlavor.
func (a *Architecture) DecodeState(raw []byte) ThreadRegisters {
	return a.decode(raw)
}

// PlausibleAddress reports whether addr could plausibly be a code address
// or frame-pointer value in this architecture's user address space. This
// is a heuristic, not a guarantee: it exists to bound the damage an
// untrusted frame-pointer chain can do, not to prove the address is
// actually valid.
func (a *Architecture) PlausibleAddress(addr uint64) bool {
	if addr == 0 {
		return false
	}
	if addr < minPlausibleAddress {
		return false
	}
	if addr >= a.userSpaceCeiling {
		return false
	}
	if addr%2 != 0 {
		return false
	}
	return true
}

// x86ThreadStateFlavor is XNU's x86_THREAD_STATE64 flavor constant
// (mach/i386/thread_status.h).
const x86ThreadStateFlavor = 4

// x86ThreadState64Size is sizeof(x86_thread_state64_t) on Darwin/amd64:
// 21 uint64 fields (rax..r15, rip, rflags, cs, fs, gs).
const x86ThreadState64Size = 21 * 8

// Field offsets within x86_thread_state64_t, per mach/i386/_structs.h:
// rax, rbx, rcx, rdx, rdi, rsi, rbp, rsp, r8..r15, rip, rflags, cs, fs, gs.
const (
	x86OffsetRBP = 48
	x86OffsetRSP = 56
	x86OffsetRIP = 128
)

func decodeX86ThreadState64(raw []byte) ThreadRegisters {
	return ThreadRegisters{
		PC: binary.LittleEndian.Uint64(raw[x86OffsetRIP : x86OffsetRIP+8]),
		FP: binary.LittleEndian.Uint64(raw[x86OffsetRBP : x86OffsetRBP+8]),
		SP: binary.LittleEndian.Uint64(raw[x86OffsetRSP : x86OffsetRSP+8]),
	}
}

// AMD64 is the Darwin/x86-64 architecture: thread_get_state flavor
// x86_THREAD_STATE64, with PC/FP/SP at rip/rbp/rsp.
var AMD64 = Architecture{
	Name:             "amd64",
	StateFlavor:      x86ThreadStateFlavor,
	StateSize:        x86ThreadState64Size,
	userSpaceCeiling: 0x800000000000,
	decode:           decodeX86ThreadState64,
}

// armThreadStateFlavor is XNU's ARM_THREAD_STATE64 flavor constant
// (mach/arm/thread_status.h).
const armThreadStateFlavor = 6

// armThreadState64Size is sizeof(arm_thread_state64_t) on Darwin/arm64:
// x[29] + fp + lr + sp + pc (33 uint64 fields) + cpsr + flags (2 uint32).
const armThreadState64Size = 33*8 + 2*4

// Field offsets within arm_thread_state64_t, per mach/arm/_structs.h:
// x[0..28], fp, lr, sp, pc, cpsr, flags.
const (
	armOffsetFP = 29 * 8
	armOffsetSP = 31 * 8
	armOffsetPC = 32 * 8
)

func decodeARM64ThreadState64(raw []byte) ThreadRegisters {
	return ThreadRegisters{
		PC: binary.LittleEndian.Uint64(raw[armOffsetPC : armOffsetPC+8]),
		FP: binary.LittleEndian.Uint64(raw[armOffsetFP : armOffsetFP+8]),
		SP: binary.LittleEndian.Uint64(raw[armOffsetSP : armOffsetSP+8]),
	}
}

// ARM64 is the Darwin/arm64 architecture: thread_get_state flavor
// ARM_THREAD_STATE64, with PC/FP/SP at pc/fp/sp.
var ARM64 = Architecture{
	Name:             "arm64",
	StateFlavor:      armThreadStateFlavor,
	StateSize:        armThreadState64Size,
	userSpaceCeiling: 0x1000000000,
	decode:           decodeARM64ThreadState64,
}
