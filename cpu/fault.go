// Package cpu implements the guest memory subsystem and the RISC-V
// interpreter loop: paged copy-on-write storage, a flat arena for fast
// bulk access, a decoded execute-segment cache, and the register file
// and dispatch loop that consume them.
package cpu

import "fmt"

// FaultKind enumerates the fault taxonomy a running Machine can raise.
// MachineTimeout and UserStopped are not errors: Run returns success for
// both, it only reports them through RunResult.TimedOut/Stopped.
type FaultKind int

const (
	InvalidProgram FaultKind = iota
	ProtectionFault
	ExecutionSpaceProtectionFault
	MisalignedInstruction
	MisalignedMemory
	IllegalOperation
	UnimplementedSyscall
	OutOfMemory
	MachineTimeout
	UserStopped
)

var faultStrings = map[FaultKind]string{
	InvalidProgram:                "invalid program",
	ProtectionFault:               "protection fault",
	ExecutionSpaceProtectionFault: "execution space protection fault",
	MisalignedInstruction:         "misaligned instruction",
	MisalignedMemory:              "misaligned memory access",
	IllegalOperation:              "illegal operation",
	UnimplementedSyscall:          "unimplemented syscall",
	OutOfMemory:                   "out of memory",
	MachineTimeout:                "machine timeout",
	UserStopped:                   "stopped",
}

// Strerror maps a FaultKind to its static short message, matching the
// C API's strerror(code) contract.
func Strerror(k FaultKind) string {
	if s, ok := faultStrings[k]; ok {
		return s
	}
	return "unknown fault"
}

// Fault is the error type raised by the interpreter, memory subsystem,
// and any syscall/MMIO callback. Addr and Data are context-specific: the
// faulting address for ProtectionFault, the opcode for IllegalOperation,
// the syscall number for UnimplementedSyscall, and so on.
type Fault struct {
	Kind FaultKind
	Addr uint64
	Data uint64
	msg  string
}

func NewFault(kind FaultKind, addr, data uint64) *Fault {
	return &Fault{Kind: kind, Addr: addr, Data: data}
}

func NewFaultMsg(kind FaultKind, msg string) *Fault {
	return &Fault{Kind: kind, msg: msg}
}

func (f *Fault) Error() string {
	if f.msg != "" {
		return fmt.Sprintf("%s: %s", Strerror(f.Kind), f.msg)
	}
	return fmt.Sprintf("%s at %#x (data=%#x)", Strerror(f.Kind), f.Addr, f.Data)
}

// IsTerminal reports whether the fault kind unwinds Run with an error
// (true) as opposed to MachineTimeout/UserStopped, which Run reports as
// success.
func (k FaultKind) IsTerminal() bool {
	return k != MachineTimeout && k != UserStopped
}
