package rvcorn

import (
	"github.com/rvcorn/rvcorn/cpu"
	"github.com/rvcorn/rvcorn/riscv"
)

// Fork produces an independent child Machine at the same execution
// point: its address space shares this Machine's decoded execute
// segments and marks every writable page copy-on-write (cpu.Memory.Fork),
// and its register file is an exact snapshot of this Machine's.
func (m *Machine) Fork() *Machine {
	childMem := m.Mem.Fork()
	childCPU := cpu.NewCPU(childMem, m.CPU.Bits)
	childCPU.Compressed = m.CPU.Compressed
	for r := riscv.X0; r <= riscv.PC; r++ {
		childCPU.WriteReg(r, m.CPU.ReadReg(r))
	}
	for r := riscv.F0; r < riscv.F0+32; r++ {
		childCPU.WriteReg(r, m.CPU.ReadReg(r))
	}

	child := &Machine{
		CPU:       childCPU,
		Mem:       childMem,
		Table:     m.Table,
		Native:    m.Native,
		cfg:       m.cfg,
		entry:     m.entry,
		stackBase: m.stackBase,
	}
	childCPU.ECALL = child.handleECALL
	return child
}
