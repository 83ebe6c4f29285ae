package cpu

import "github.com/rvcorn/rvcorn/riscv"

// execute carries out one decoded instruction. nextPC is pre-seeded with
// pc+insn.Size by the caller; branch/jump instructions overwrite it.
func (c *CPU) execute(in riscv.Insn, pc uint64, nextPC *uint64) error {
	switch in.Op {
	case riscv.OpLUI:
		c.WriteReg(in.Rd, uint64(in.Imm)&c.mask)
	case riscv.OpAUIPC:
		c.WriteReg(in.Rd, (pc+uint64(in.Imm))&c.mask)
	case riscv.OpJAL:
		c.WriteReg(in.Rd, *nextPC)
		*nextPC = (pc + uint64(in.Imm)) & c.mask
	case riscv.OpJALR:
		target := (uint64(int64(c.xr(in.Rs1))+in.Imm) &^ 1) & c.mask
		link := *nextPC
		*nextPC = target
		c.WriteReg(in.Rd, link)

	case riscv.OpBEQ:
		if c.xr(in.Rs1) == c.xr(in.Rs2) {
			*nextPC = (pc + uint64(in.Imm)) & c.mask
		}
	case riscv.OpBNE:
		if c.xr(in.Rs1) != c.xr(in.Rs2) {
			*nextPC = (pc + uint64(in.Imm)) & c.mask
		}
	case riscv.OpBLT:
		if c.signExtend(c.xr(in.Rs1)) < c.signExtend(c.xr(in.Rs2)) {
			*nextPC = (pc + uint64(in.Imm)) & c.mask
		}
	case riscv.OpBGE:
		if c.signExtend(c.xr(in.Rs1)) >= c.signExtend(c.xr(in.Rs2)) {
			*nextPC = (pc + uint64(in.Imm)) & c.mask
		}
	case riscv.OpBLTU:
		if c.xr(in.Rs1) < c.xr(in.Rs2) {
			*nextPC = (pc + uint64(in.Imm)) & c.mask
		}
	case riscv.OpBGEU:
		if c.xr(in.Rs1) >= c.xr(in.Rs2) {
			*nextPC = (pc + uint64(in.Imm)) & c.mask
		}

	case riscv.OpLB, riscv.OpLH, riscv.OpLW, riscv.OpLBU, riscv.OpLHU, riscv.OpLWU, riscv.OpLD:
		return c.execLoad(in)
	case riscv.OpSB, riscv.OpSH, riscv.OpSW, riscv.OpSD:
		return c.execStore(in)

	case riscv.OpADDI:
		c.WriteReg(in.Rd, uint64(c.signExtend(c.xr(in.Rs1))+in.Imm)&c.mask)
	case riscv.OpSLTI:
		c.WriteReg(in.Rd, boolU64(c.signExtend(c.xr(in.Rs1)) < in.Imm))
	case riscv.OpSLTIU:
		c.WriteReg(in.Rd, boolU64(c.xr(in.Rs1) < uint64(in.Imm)))
	case riscv.OpXORI:
		c.WriteReg(in.Rd, c.xr(in.Rs1)^uint64(in.Imm))
	case riscv.OpORI:
		c.WriteReg(in.Rd, c.xr(in.Rs1)|uint64(in.Imm))
	case riscv.OpANDI:
		c.WriteReg(in.Rd, c.xr(in.Rs1)&uint64(in.Imm))
	case riscv.OpSLLI:
		c.WriteReg(in.Rd, c.xr(in.Rs1)<<in.Shamt)
	case riscv.OpSRLI:
		c.WriteReg(in.Rd, c.xr(in.Rs1)>>in.Shamt)
	case riscv.OpSRAI:
		c.WriteReg(in.Rd, uint64(c.signExtend(c.xr(in.Rs1))>>in.Shamt))

	case riscv.OpADD:
		c.WriteReg(in.Rd, (c.xr(in.Rs1)+c.xr(in.Rs2))&c.mask)
	case riscv.OpSUB:
		c.WriteReg(in.Rd, (c.xr(in.Rs1)-c.xr(in.Rs2))&c.mask)
	case riscv.OpSLL:
		c.WriteReg(in.Rd, c.xr(in.Rs1)<<(c.xr(in.Rs2)&shiftMask(c.Bits)))
	case riscv.OpSLT:
		c.WriteReg(in.Rd, boolU64(c.signExtend(c.xr(in.Rs1)) < c.signExtend(c.xr(in.Rs2))))
	case riscv.OpSLTU:
		c.WriteReg(in.Rd, boolU64(c.xr(in.Rs1) < c.xr(in.Rs2)))
	case riscv.OpXOR:
		c.WriteReg(in.Rd, c.xr(in.Rs1)^c.xr(in.Rs2))
	case riscv.OpSRL:
		c.WriteReg(in.Rd, c.xr(in.Rs1)>>(c.xr(in.Rs2)&shiftMask(c.Bits)))
	case riscv.OpSRA:
		c.WriteReg(in.Rd, uint64(c.signExtend(c.xr(in.Rs1))>>(c.xr(in.Rs2)&shiftMask(c.Bits))))
	case riscv.OpOR:
		c.WriteReg(in.Rd, c.xr(in.Rs1)|c.xr(in.Rs2))
	case riscv.OpAND:
		c.WriteReg(in.Rd, c.xr(in.Rs1)&c.xr(in.Rs2))

	case riscv.OpADDIW:
		c.WriteReg(in.Rd, uint64(int32(int64(c.xr(in.Rs1))+in.Imm)))
	case riscv.OpSLLIW:
		c.WriteReg(in.Rd, uint64(int32(uint32(c.xr(in.Rs1))<<in.Shamt)))
	case riscv.OpSRLIW:
		c.WriteReg(in.Rd, uint64(int32(uint32(c.xr(in.Rs1))>>in.Shamt)))
	case riscv.OpSRAIW:
		c.WriteReg(in.Rd, uint64(int32(c.xr(in.Rs1))>>in.Shamt))
	case riscv.OpADDW:
		c.WriteReg(in.Rd, uint64(int32(uint32(c.xr(in.Rs1))+uint32(c.xr(in.Rs2)))))
	case riscv.OpSUBW:
		c.WriteReg(in.Rd, uint64(int32(uint32(c.xr(in.Rs1))-uint32(c.xr(in.Rs2)))))
	case riscv.OpSLLW:
		c.WriteReg(in.Rd, uint64(int32(uint32(c.xr(in.Rs1))<<(c.xr(in.Rs2)&0x1f))))
	case riscv.OpSRLW:
		c.WriteReg(in.Rd, uint64(int32(uint32(c.xr(in.Rs1))>>(c.xr(in.Rs2)&0x1f))))
	case riscv.OpSRAW:
		c.WriteReg(in.Rd, uint64(int32(c.xr(in.Rs1))>>(c.xr(in.Rs2)&0x1f)))

	case riscv.OpFENCE, riscv.OpFENCEI:
		// no-op: writes to executable pages already drop their decoded
		// ExecSegment, and there is no multi-hart visibility to order.
	case riscv.OpEBREAK:
		return NewFault(IllegalOperation, pc, 0)
	case riscv.OpECALL:
		if c.ECALL == nil {
			return NewFault(UnimplementedSyscall, pc, c.xr(riscv.X17))
		}
		return c.ECALL(c)

	case riscv.OpCSRRW, riscv.OpCSRRS, riscv.OpCSRRC, riscv.OpCSRRWI, riscv.OpCSRRSI, riscv.OpCSRRCI:
		c.execCSR(in)

	case riscv.OpMUL, riscv.OpMULH, riscv.OpMULHSU, riscv.OpMULHU,
		riscv.OpDIV, riscv.OpDIVU, riscv.OpREM, riscv.OpREMU,
		riscv.OpMULW, riscv.OpDIVW, riscv.OpDIVUW, riscv.OpREMW, riscv.OpREMUW:
		c.execM(in)

	case riscv.OpLRW, riscv.OpSCW, riscv.OpAMOSWAPW, riscv.OpAMOADDW, riscv.OpAMOXORW,
		riscv.OpAMOANDW, riscv.OpAMOORW, riscv.OpAMOMINW, riscv.OpAMOMAXW, riscv.OpAMOMINUW, riscv.OpAMOMAXUW,
		riscv.OpLRD, riscv.OpSCD, riscv.OpAMOSWAPD, riscv.OpAMOADDD, riscv.OpAMOXORD,
		riscv.OpAMOANDD, riscv.OpAMOORD, riscv.OpAMOMIND, riscv.OpAMOMAXD, riscv.OpAMOMINUD, riscv.OpAMOMAXUD:
		return c.execAtomic(in)

	case riscv.OpFloat:
		// decoded, never executed: F/D instructions are a documented
		// non-goal. Treat as a no-op rather than faulting, so a guest
		// that merely saves/restores float state around integer-only
		// code keeps running.

	default:
		return NewFault(IllegalOperation, pc, 0)
	}
	return nil
}

func (c *CPU) execLoad(in riscv.Insn) error {
	addr := uint64(c.signExtend(c.xr(in.Rs1)) + in.Imm)
	switch in.Op {
	case riscv.OpLB:
		v, err := c.Mem.ReadUint(addr, 1)
		if err != nil {
			return err
		}
		c.WriteReg(in.Rd, uint64(int64(int8(v))))
	case riscv.OpLH:
		v, err := c.Mem.ReadUint(addr, 2)
		if err != nil {
			return err
		}
		c.WriteReg(in.Rd, uint64(int64(int16(v))))
	case riscv.OpLW:
		v, err := c.Mem.ReadUint(addr, 4)
		if err != nil {
			return err
		}
		c.WriteReg(in.Rd, uint64(int64(int32(v))))
	case riscv.OpLBU:
		v, err := c.Mem.ReadUint(addr, 1)
		if err != nil {
			return err
		}
		c.WriteReg(in.Rd, v)
	case riscv.OpLHU:
		v, err := c.Mem.ReadUint(addr, 2)
		if err != nil {
			return err
		}
		c.WriteReg(in.Rd, v)
	case riscv.OpLWU:
		v, err := c.Mem.ReadUint(addr, 4)
		if err != nil {
			return err
		}
		c.WriteReg(in.Rd, v)
	case riscv.OpLD:
		v, err := c.Mem.ReadUint(addr, 8)
		if err != nil {
			return err
		}
		c.WriteReg(in.Rd, v)
	}
	return nil
}

func (c *CPU) execStore(in riscv.Insn) error {
	addr := uint64(c.signExtend(c.xr(in.Rs1)) + in.Imm)
	size := map[riscv.Op]int{riscv.OpSB: 1, riscv.OpSH: 2, riscv.OpSW: 4, riscv.OpSD: 8}[in.Op]
	return c.Mem.WriteUint(addr, size, c.xr(in.Rs2))
}

func (c *CPU) execCSR(in riscv.Insn) {
	var operand uint64
	immForm := in.Op == riscv.OpCSRRWI || in.Op == riscv.OpCSRRSI || in.Op == riscv.OpCSRRCI
	if immForm {
		operand = uint64(in.Rs1)
	} else {
		operand = c.xr(in.Rs1)
	}
	old := c.csr.Read(in.CSR, c.instCount, c.instCount)
	var val uint64
	switch in.Op {
	case riscv.OpCSRRW, riscv.OpCSRRWI:
		val = operand
	case riscv.OpCSRRS, riscv.OpCSRRSI:
		val = old | operand
	case riscv.OpCSRRC, riscv.OpCSRRCI:
		val = old &^ operand
	}
	c.csr.Write(in.CSR, val)
	c.WriteReg(in.Rd, old)
}

func boolU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func shiftMask(bits uint) uint64 {
	if bits == 64 {
		return 0x3f
	}
	return 0x1f
}
