package cpu

import "github.com/rvcorn/rvcorn/riscv"

// reservation models the single-reservation LR/SC pair this interpreter
// supports: one outstanding load-reserved address at a time, cleared by
// an SC or by any AMO. Plain stores leave the reservation in place.
type reservation struct {
	valid bool
	addr  uint64
}

// execAtomic implements the A extension. There is no concurrent hart in
// this interpreter, so every read-modify-write collapses to a plain
// ReadUint/WriteUint pair; only LR/SC need the reservation to model
// failure on a racing store, which in a single-hart context means a
// differing address since the last LR.
func (c *CPU) execAtomic(in riscv.Insn) error {
	addr := c.xr(in.Rs1)
	size := 4
	if is64 := isAmo64(in.Op); is64 {
		size = 8
	}

	switch in.Op {
	case riscv.OpLRW, riscv.OpLRD:
		v, err := c.Mem.ReadUint(addr, size)
		if err != nil {
			return err
		}
		c.rsv = reservation{valid: true, addr: addr}
		c.WriteReg(in.Rd, signExtendAmo(v, size))
		return nil
	case riscv.OpSCW, riscv.OpSCD:
		if c.rsv.valid && c.rsv.addr == addr {
			if err := c.Mem.WriteUint(addr, size, c.xr(in.Rs2)); err != nil {
				return err
			}
			c.rsv.valid = false
			c.WriteReg(in.Rd, 0)
		} else {
			c.WriteReg(in.Rd, 1)
		}
		return nil
	}

	c.rsv.valid = false
	old, err := c.Mem.ReadUint(addr, size)
	if err != nil {
		return err
	}
	rs2 := c.xr(in.Rs2)
	var result uint64
	switch in.Op {
	case riscv.OpAMOSWAPW, riscv.OpAMOSWAPD:
		result = rs2
	case riscv.OpAMOADDW, riscv.OpAMOADDD:
		result = old + rs2
	case riscv.OpAMOXORW, riscv.OpAMOXORD:
		result = old ^ rs2
	case riscv.OpAMOANDW, riscv.OpAMOANDD:
		result = old & rs2
	case riscv.OpAMOORW, riscv.OpAMOORD:
		result = old | rs2
	case riscv.OpAMOMINW, riscv.OpAMOMIND:
		if signed64(old, size) <= signed64(rs2, size) {
			result = old
		} else {
			result = rs2
		}
	case riscv.OpAMOMAXW, riscv.OpAMOMAXD:
		if signed64(old, size) >= signed64(rs2, size) {
			result = old
		} else {
			result = rs2
		}
	case riscv.OpAMOMINUW, riscv.OpAMOMINUD:
		if maskAmo(old, size) <= maskAmo(rs2, size) {
			result = old
		} else {
			result = rs2
		}
	case riscv.OpAMOMAXUW, riscv.OpAMOMAXUD:
		if maskAmo(old, size) >= maskAmo(rs2, size) {
			result = old
		} else {
			result = rs2
		}
	}
	if err := c.Mem.WriteUint(addr, size, result); err != nil {
		return err
	}
	c.WriteReg(in.Rd, signExtendAmo(old, size))
	return nil
}

func isAmo64(op riscv.Op) bool {
	switch op {
	case riscv.OpLRD, riscv.OpSCD, riscv.OpAMOSWAPD, riscv.OpAMOADDD, riscv.OpAMOXORD,
		riscv.OpAMOANDD, riscv.OpAMOORD, riscv.OpAMOMIND, riscv.OpAMOMAXD, riscv.OpAMOMINUD, riscv.OpAMOMAXUD:
		return true
	}
	return false
}

func signExtendAmo(v uint64, size int) uint64 {
	if size == 4 {
		return uint64(int64(int32(v)))
	}
	return v
}

func signed64(v uint64, size int) int64 {
	if size == 4 {
		return int64(int32(v))
	}
	return int64(v)
}

func maskAmo(v uint64, size int) uint64 {
	if size == 4 {
		return uint64(uint32(v))
	}
	return v
}
