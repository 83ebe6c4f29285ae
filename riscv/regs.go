// Package riscv holds the ISA-level pieces of the emulator: register
// naming, the instruction decoder (including the compressed extension),
// and the minimal user-mode CSR set. It has no dependency on cpu, so it
// can be exercised and tested in isolation from the memory subsystem.
package riscv

import (
	"sort"

	"github.com/lunixbochs/fvbommel-util/sortorder"
)

// Register enumerates the 32 general-purpose and 32 floating-point
// registers plus the program counter, addressed the way the decoder and
// the interpreter's register file both index them.
type Register int

const (
	X0 Register = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	X31
	PC
	F0
)

// ABI names for the integer registers, used by Register.Name.
var abiNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// Name returns the ABI name of an integer register, or "pc"/"f<n>" for
// the program counter and floating point registers.
func (r Register) Name() string {
	switch {
	case r >= X0 && r <= X31:
		return abiNames[r]
	case r == PC:
		return "pc"
	case r >= F0 && r < F0+32:
		return "f" + itoa(int(r-F0))
	default:
		return "unknown"
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [4]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// RegVal pairs a register with a sampled value, the shape RegDump
// returns so callers (savestate, CLI register dumps) get a stable,
// naturally-sorted ordering rather than enum order.
type RegVal struct {
	Reg  Register
	Name string
	Val  uint64
}

type regValList []RegVal

func (r regValList) Len() int           { return len(r) }
func (r regValList) Swap(i, j int)      { r[i], r[j] = r[j], r[i] }
func (r regValList) Less(i, j int) bool { return sortorder.NaturalLess(r[i].Name, r[j].Name) }

// RegReader is satisfied by the interpreter's register file; RegDump
// only needs read access so it can be used against a live CPU or a
// restored snapshot alike.
type RegReader interface {
	ReadReg(r Register) uint64
}

// RegDump samples every integer register plus PC in ABI-name sorted
// order, the register-list shape savestate and the CLI both consume.
func RegDump(r RegReader) []RegVal {
	out := make([]RegVal, 0, 33)
	for reg := X0; reg <= PC; reg++ {
		out = append(out, RegVal{Reg: reg, Name: reg.Name(), Val: r.ReadReg(reg)})
	}
	sort.Sort(regValList(out))
	return out
}
