// Package kernel defines the syscall dispatch contract a Machine wires
// its CPU's ECALL handling through, plus a minimal reference table
// covering just enough Linux RISC-V syscalls to run a simple static
// binary to completion.
package kernel

import "github.com/pkg/errors"

// Context is the narrow view of a running machine a Handler needs: the
// a0-a7 argument/number registers (by RISC-V Linux syscall ABI, a7 holds
// the number and a0-a5 the arguments) and the memory to read/write
// syscall buffers through. Machine implements this.
type Context interface {
	Arg(n int) uint64     // a0..a5
	SetReturn(v uint64)   // a0 on return
	ReadBytes(addr uint64, buf []byte) error
	WriteBytes(addr uint64, buf []byte) error
	RequestExit(code int)
}

// Handler services one syscall number.
type Handler func(ctx Context) error

// Table maps a syscall number to its Handler. Unlike a framework that
// reflects over argument types, a Handler reads exactly the registers
// and memory it needs from Context, keeping the dispatch contract a
// plain, inspectable Go map.
type Table map[uint64]Handler

// ErrUnimplemented is wrapped with the syscall number and returned by
// Dispatch when Table has no entry for it.
var ErrUnimplemented = errors.New("unimplemented syscall")

// Dispatch looks up and invokes the handler for syscall number nr.
func (t Table) Dispatch(nr uint64, ctx Context) error {
	h, ok := t[nr]
	if !ok {
		return errors.Wrapf(ErrUnimplemented, "syscall %d", nr)
	}
	return h(ctx)
}

// Merge returns a new Table containing every entry of t, overridden by
// any entry present in over, letting a guest OS profile start from
// Linux() and replace a handful of calls.
func (t Table) Merge(over Table) Table {
	out := make(Table, len(t)+len(over))
	for nr, h := range t {
		out[nr] = h
	}
	for nr, h := range over {
		out[nr] = h
	}
	return out
}
