package cpu

import (
	"math/bits"

	"github.com/rvcorn/rvcorn/riscv"
)

// execM implements the M extension: integer multiply and divide, both
// in full-width and (on rv64) word-narrowed form.
func (c *CPU) execM(in riscv.Insn) {
	a, b := c.xr(in.Rs1), c.xr(in.Rs2)
	sa, sb := c.signExtend(a), c.signExtend(b)

	switch in.Op {
	case riscv.OpMUL:
		c.WriteReg(in.Rd, a*b)
	case riscv.OpMULH:
		c.WriteReg(in.Rd, uint64(mulHighSigned(sa, sb)))
	case riscv.OpMULHU:
		hi, _ := bits.Mul64(a, b)
		c.WriteReg(in.Rd, hi)
	case riscv.OpMULHSU:
		c.WriteReg(in.Rd, uint64(mulHighSignedUnsigned(sa, b)))
	case riscv.OpDIV:
		if sb == 0 {
			c.WriteReg(in.Rd, ^uint64(0))
		} else if sa == minInt(c.Bits) && sb == -1 {
			c.WriteReg(in.Rd, uint64(sa))
		} else {
			c.WriteReg(in.Rd, uint64(sa/sb))
		}
	case riscv.OpDIVU:
		if b == 0 {
			c.WriteReg(in.Rd, ^uint64(0))
		} else {
			c.WriteReg(in.Rd, a/b)
		}
	case riscv.OpREM:
		if sb == 0 {
			c.WriteReg(in.Rd, uint64(sa))
		} else if sa == minInt(c.Bits) && sb == -1 {
			c.WriteReg(in.Rd, 0)
		} else {
			c.WriteReg(in.Rd, uint64(sa%sb))
		}
	case riscv.OpREMU:
		if b == 0 {
			c.WriteReg(in.Rd, a)
		} else {
			c.WriteReg(in.Rd, a%b)
		}

	case riscv.OpMULW:
		c.WriteReg(in.Rd, uint64(int32(int32(a)*int32(b))))
	case riscv.OpDIVW:
		sa32, sb32 := int32(a), int32(b)
		if sb32 == 0 {
			c.WriteReg(in.Rd, ^uint64(0))
		} else if sa32 == -1<<31 && sb32 == -1 {
			c.WriteReg(in.Rd, uint64(int64(sa32)))
		} else {
			c.WriteReg(in.Rd, uint64(int64(sa32/sb32)))
		}
	case riscv.OpDIVUW:
		ua32, ub32 := uint32(a), uint32(b)
		if ub32 == 0 {
			c.WriteReg(in.Rd, ^uint64(0))
		} else {
			c.WriteReg(in.Rd, uint64(int64(int32(ua32/ub32))))
		}
	case riscv.OpREMW:
		sa32, sb32 := int32(a), int32(b)
		if sb32 == 0 {
			c.WriteReg(in.Rd, uint64(int64(sa32)))
		} else if sa32 == -1<<31 && sb32 == -1 {
			c.WriteReg(in.Rd, 0)
		} else {
			c.WriteReg(in.Rd, uint64(int64(sa32%sb32)))
		}
	case riscv.OpREMUW:
		ua32, ub32 := uint32(a), uint32(b)
		if ub32 == 0 {
			c.WriteReg(in.Rd, uint64(int64(int32(ua32))))
		} else {
			c.WriteReg(in.Rd, uint64(int64(int32(ua32%ub32))))
		}
	}
}

func minInt(bitsWidth uint) int64 {
	if bitsWidth == 32 {
		return int64(int32(-1 << 31))
	}
	return -1 << 63
}

// mulHighSigned computes the high 64 bits of a signed 64x64 multiply.
func mulHighSigned(a, b int64) int64 {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	hi -= uint64((a >> 63) & b)
	hi -= uint64((b >> 63) & a)
	_ = lo
	return int64(hi)
}

// mulHighSignedUnsigned computes the high 64 bits of a×b where a is
// signed and b is unsigned.
func mulHighSignedUnsigned(a int64, b uint64) int64 {
	hi, _ := bits.Mul64(uint64(a), b)
	hi -= uint64((a >> 63)) & b
	return int64(hi)
}
