package cpu

import (
	"encoding/binary"

	"github.com/rvcorn/rvcorn/riscv"
)

// ECALLHandler is invoked on every ECALL instruction, with a7 already
// holding the syscall number by RISC-V Linux ABI convention. It is the
// seam a Machine wires its syscall Table through.
type ECALLHandler func(c *CPU) error

// RunResult reports how a Run call ended. At most one of Stopped and
// TimedOut is true; both are false when Run returns an error.
// Instructions always reflects how many instructions this call executed.
type RunResult struct {
	Instructions uint64
	Stopped      bool
	TimedOut     bool
}

// CPU is the RISC-V register file and interpreter loop: 32 general
// registers (x0 hardwired to zero), 32 floating-point registers (decoded
// but never computed on), the program counter, and the handful of CSRs
// this interpreter models.
type CPU struct {
	Mem  *Memory
	Bits uint
	mask uint64

	xreg [32]uint64
	freg [32]uint64
	pc   uint64
	csr  riscv.CSRFile

	Compressed bool // C extension: 2-byte PC alignment and compressed decode

	ECALL ECALLHandler

	// StepHook, if set, is invoked after every successfully retired
	// instruction. The interpreter itself never logs; this is the seam a
	// Machine wires execution/register tracing through instead.
	StepHook func(c *CPU)

	instCount uint64
	stopReq   bool
	rsv       reservation
}

// NewCPU constructs an interpreter over mem for the given address width.
func NewCPU(mem *Memory, bits uint) *CPU {
	return &CPU{Mem: mem, Bits: bits, mask: ^uint64(0) >> (64 - bits)}
}

func (c *CPU) PC() uint64     { return c.pc }
func (c *CPU) SetPC(pc uint64) { c.pc = pc & c.mask }

// InstructionCount returns the number of instructions retired so far.
func (c *CPU) InstructionCount() uint64 { return c.instCount }

// Stop requests that Run return after the in-flight instruction
// completes, reported as RunResult.Stopped (a UserStopped fault, not
// an error).
func (c *CPU) Stop() { c.stopReq = true }

// ReadReg implements riscv.RegReader, satisfying both a live dump and a
// restored-snapshot dump with the same accessor.
func (c *CPU) ReadReg(r riscv.Register) uint64 {
	switch {
	case r == riscv.PC:
		return c.pc
	case r >= riscv.X0 && r <= riscv.X31:
		return c.xreg[r]
	case r >= riscv.F0 && r < riscv.F0+32:
		return c.freg[r-riscv.F0]
	}
	return 0
}

// WriteReg sets a register's value, silently discarding writes to x0 per
// the RISC-V hardwired-zero invariant.
func (c *CPU) WriteReg(r riscv.Register, v uint64) {
	switch {
	case r == riscv.X0:
		// hardwired zero: writes are discarded
	case r == riscv.PC:
		c.pc = v & c.mask
	case r > riscv.X0 && r <= riscv.X31:
		c.xreg[r] = v & c.mask
	case r >= riscv.F0 && r < riscv.F0+32:
		c.freg[r-riscv.F0] = v
	}
}

// Run executes until maxInstructions instructions have retired (0 means
// unlimited), a Stop request is observed, or a fault is raised. Faults
// are returned as errors; MachineTimeout and UserStopped are not errors,
// they are reported through the returned RunResult.
func (c *CPU) Run(maxInstructions uint64) (*RunResult, error) {
	c.stopReq = false
	var executed uint64
	for {
		if c.stopReq {
			return &RunResult{Instructions: executed, Stopped: true}, nil
		}
		if maxInstructions > 0 && executed >= maxInstructions {
			return &RunResult{Instructions: executed, TimedOut: true}, nil
		}
		if err := c.Step(); err != nil {
			return &RunResult{Instructions: executed}, err
		}
		executed++
		if c.StepHook != nil {
			c.StepHook(c)
		}
	}
}

// Step decodes and executes exactly one instruction, advancing pc and
// the instruction counter.
func (c *CPU) Step() error {
	pc := c.pc
	align := uint64(4)
	if c.Compressed {
		align = 2
	}
	if pc%align != 0 {
		return NewFault(MisalignedInstruction, pc, 0)
	}

	seg, _, err := c.Mem.execSegFor(pc)
	if err != nil {
		return err
	}
	slot := seg.slot(pc)
	if slot.Size == 0 {
		var hdr [2]byte
		if err := c.Mem.ReadAt(pc, hdr[:]); err != nil {
			return err
		}
		size := 4
		if hdr[0]&3 != 3 {
			if !c.Compressed {
				return NewFault(IllegalOperation, pc, uint64(hdr[0]))
			}
			size = 2
		}
		buf := make([]byte, size)
		if err := c.Mem.ReadAt(pc, buf); err != nil {
			return err
		}
		insn, derr := riscv.Decode(buf, int(c.Bits))
		if derr != nil {
			return NewFault(IllegalOperation, pc, uint64(buf[0]))
		}
		slot.Size = insn.Size
		slot.Raw = binary.LittleEndian.Uint32(append(append([]byte{}, buf...), make([]byte, 4-len(buf))...))
		slot.Handler = insn
	}

	insn := slot.Handler.(riscv.Insn)
	nextPC := pc + uint64(slot.Size)
	if err := c.execute(insn, pc, &nextPC); err != nil {
		return err
	}
	c.pc = nextPC & c.mask
	c.instCount++
	return nil
}

func (c *CPU) xr(r riscv.Register) uint64 { return c.xreg[r] }

func (c *CPU) signExtend(v uint64) int64 {
	if c.Bits == 32 {
		return int64(int32(v))
	}
	return int64(v)
}
