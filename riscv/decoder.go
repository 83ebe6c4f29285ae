package riscv

import "github.com/pkg/errors"

// Decode reads one instruction from the front of buf (which must hold at
// least 2 bytes, and 4 if the leading halfword indicates a non-compressed
// encoding) and returns its decoded form. xlen is 32 or 64.
func Decode(buf []byte, xlen int) (Insn, error) {
	if len(buf) < 2 {
		return Insn{}, errors.New("decode: short buffer")
	}
	lo := uint16(buf[0]) | uint16(buf[1])<<8
	if lo&3 != 3 {
		return DecodeCompressed(lo, xlen)
	}
	if len(buf) < 4 {
		return Insn{}, errors.New("decode: short buffer for 32-bit instruction")
	}
	word := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	return Decode32(word, xlen)
}

func sext(v uint32, bit int) int64 {
	shift := 31 - bit
	return int64(int32(v<<shift)) >> shift
}

// Decode32 decodes a standard 32-bit-wide instruction word.
func Decode32(word uint32, xlen int) (Insn, error) {
	opcode := word & 0x7f
	rd := ireg((word >> 7) & 0x1f)
	funct3 := (word >> 12) & 0x7
	rs1 := ireg((word >> 15) & 0x1f)
	rs2 := ireg((word >> 20) & 0x1f)
	funct7 := (word >> 25) & 0x7f

	iImm := sext(word>>20, 11)
	sImm := sext(((word>>25)<<5)|((word>>7)&0x1f), 11)
	bImm := sext(((word>>31)<<12)|(((word>>7)&1)<<11)|(((word>>25)&0x3f)<<5)|(((word>>8)&0xf)<<1), 12)
	uImm := int64(int32(word & 0xfffff000))
	jImm := sext(((word>>31)<<20)|(((word>>12)&0xff)<<12)|(((word>>20)&1)<<11)|(((word>>21)&0x3ff)<<1), 20)

	in := Insn{Size: 4, Rd: rd, Rs1: rs1, Rs2: rs2, Funct3: funct3}

	switch opcode {
	case 0x37:
		in.Op, in.Imm = OpLUI, uImm
	case 0x17:
		in.Op, in.Imm = OpAUIPC, uImm
	case 0x6f:
		in.Op, in.Imm = OpJAL, jImm
	case 0x67:
		in.Op, in.Imm = OpJALR, iImm
	case 0x63:
		in.Imm = bImm
		switch funct3 {
		case 0:
			in.Op = OpBEQ
		case 1:
			in.Op = OpBNE
		case 4:
			in.Op = OpBLT
		case 5:
			in.Op = OpBGE
		case 6:
			in.Op = OpBLTU
		case 7:
			in.Op = OpBGEU
		default:
			return Insn{}, illegal(word)
		}
	case 0x03:
		in.Imm = iImm
		switch funct3 {
		case 0:
			in.Op = OpLB
		case 1:
			in.Op = OpLH
		case 2:
			in.Op = OpLW
		case 3:
			in.Op = OpLD
		case 4:
			in.Op = OpLBU
		case 5:
			in.Op = OpLHU
		case 6:
			in.Op = OpLWU
		default:
			return Insn{}, illegal(word)
		}
	case 0x23:
		in.Imm = sImm
		switch funct3 {
		case 0:
			in.Op = OpSB
		case 1:
			in.Op = OpSH
		case 2:
			in.Op = OpSW
		case 3:
			in.Op = OpSD
		default:
			return Insn{}, illegal(word)
		}
	case 0x13:
		in.Imm = iImm
		switch funct3 {
		case 0:
			in.Op = OpADDI
		case 2:
			in.Op = OpSLTI
		case 3:
			in.Op = OpSLTIU
		case 4:
			in.Op = OpXORI
		case 6:
			in.Op = OpORI
		case 7:
			in.Op = OpANDI
		case 1:
			in.Op = OpSLLI
			in.Shamt = (word >> 20) & shamtMask(xlen)
		case 5:
			in.Shamt = (word >> 20) & shamtMask(xlen)
			if funct7>>1 == 0x10 {
				in.Op = OpSRAI
			} else {
				in.Op = OpSRLI
			}
		}
	case 0x1b: // RV64 *W immediate ops
		in.Imm = iImm
		switch funct3 {
		case 0:
			in.Op = OpADDIW
		case 1:
			in.Op, in.Shamt = OpSLLIW, (word>>20)&0x1f
		case 5:
			in.Shamt = (word >> 20) & 0x1f
			if funct7>>1 == 0x10 {
				in.Op = OpSRAIW
			} else {
				in.Op = OpSRLIW
			}
		default:
			return Insn{}, illegal(word)
		}
	case 0x33:
		if funct7 == 1 {
			in.Op = mOp(funct3, false)
		} else {
			in.Op = rOp(funct3, funct7)
		}
	case 0x3b:
		if funct7 == 1 {
			in.Op = mOp(funct3, true)
		} else {
			switch funct3 {
			case 0:
				if funct7 == 0x20 {
					in.Op = OpSUBW
				} else {
					in.Op = OpADDW
				}
			case 1:
				in.Op = OpSLLW
			case 5:
				if funct7 == 0x20 {
					in.Op = OpSRAW
				} else {
					in.Op = OpSRLW
				}
			default:
				return Insn{}, illegal(word)
			}
		}
	case 0x0f:
		if funct3 == 1 {
			in.Op = OpFENCEI
		} else {
			in.Op = OpFENCE
		}
	case 0x73:
		switch funct3 {
		case 0:
			if word>>20 == 1 {
				in.Op = OpEBREAK
			} else {
				in.Op = OpECALL
			}
		case 1:
			in.Op, in.CSR = OpCSRRW, word>>20
		case 2:
			in.Op, in.CSR = OpCSRRS, word>>20
		case 3:
			in.Op, in.CSR = OpCSRRC, word>>20
		case 5:
			in.Op, in.CSR, in.Rs1 = OpCSRRWI, word>>20, ireg((word>>15)&0x1f)
		case 6:
			in.Op, in.CSR, in.Rs1 = OpCSRRSI, word>>20, ireg((word>>15)&0x1f)
		case 7:
			in.Op, in.CSR, in.Rs1 = OpCSRRCI, word>>20, ireg((word>>15)&0x1f)
		default:
			return Insn{}, illegal(word)
		}
	case 0x2f:
		in.Op = amoOp(funct3, (funct7>>2)&0x1f)
		in.Aq = funct7&2 != 0
		in.Rl = funct7&1 != 0
	case 0x07, 0x27, 0x43, 0x47, 0x4b, 0x4f, 0x53:
		// F/D extension: recognized but not executed.
		in.Op = OpFloat
	default:
		return Insn{}, illegal(word)
	}
	if in.Op == OpInvalid {
		return Insn{}, illegal(word)
	}
	return in, nil
}

func shamtMask(xlen int) uint32 {
	if xlen == 64 {
		return 0x3f
	}
	return 0x1f
}

func rOp(funct3, funct7 uint32) Op {
	switch funct3 {
	case 0:
		if funct7 == 0x20 {
			return OpSUB
		}
		return OpADD
	case 1:
		return OpSLL
	case 2:
		return OpSLT
	case 3:
		return OpSLTU
	case 4:
		return OpXOR
	case 5:
		if funct7 == 0x20 {
			return OpSRA
		}
		return OpSRL
	case 6:
		return OpOR
	case 7:
		return OpAND
	}
	return OpInvalid
}

func mOp(funct3 uint32, w bool) Op {
	if w {
		switch funct3 {
		case 0:
			return OpMULW
		case 4:
			return OpDIVW
		case 5:
			return OpDIVUW
		case 6:
			return OpREMW
		case 7:
			return OpREMUW
		}
		return OpInvalid
	}
	switch funct3 {
	case 0:
		return OpMUL
	case 1:
		return OpMULH
	case 2:
		return OpMULHSU
	case 3:
		return OpMULHU
	case 4:
		return OpDIV
	case 5:
		return OpDIVU
	case 6:
		return OpREM
	case 7:
		return OpREMU
	}
	return OpInvalid
}

func amoOp(funct3, funct5 uint32) Op {
	w := funct3 == 2
	switch funct5 {
	case 0x02:
		if w {
			return OpLRW
		}
		return OpLRD
	case 0x03:
		if w {
			return OpSCW
		}
		return OpSCD
	case 0x01:
		if w {
			return OpAMOSWAPW
		}
		return OpAMOSWAPD
	case 0x00:
		if w {
			return OpAMOADDW
		}
		return OpAMOADDD
	case 0x04:
		if w {
			return OpAMOXORW
		}
		return OpAMOXORD
	case 0x0c:
		if w {
			return OpAMOANDW
		}
		return OpAMOANDD
	case 0x08:
		if w {
			return OpAMOORW
		}
		return OpAMOORD
	case 0x10:
		if w {
			return OpAMOMINW
		}
		return OpAMOMIND
	case 0x14:
		if w {
			return OpAMOMAXW
		}
		return OpAMOMAXD
	case 0x18:
		if w {
			return OpAMOMINUW
		}
		return OpAMOMINUD
	case 0x1c:
		if w {
			return OpAMOMAXUW
		}
		return OpAMOMAXUD
	}
	return OpInvalid
}

func illegal(word uint32) error {
	return errors.Errorf("illegal instruction %#08x", word)
}

// DecodeCompressed expands a 16-bit RVC instruction into its base-ISA
// equivalent. Unsupported quadrant/funct combinations return an error
// rather than silently treating the halfword as a NOP.
func DecodeCompressed(half uint16, xlen int) (Insn, error) {
	quad := half & 3
	funct3 := (half >> 13) & 7
	rdRs1 := Register((half >> 7) & 0x1f)
	rs2 := Register((half >> 2) & 0x1f)
	rdRs1p := X8 + Register((half>>7)&7)
	rs2p := X8 + Register((half>>2)&7)

	in := Insn{Size: 2}

	switch quad {
	case 0:
		switch funct3 {
		case 0: // C.ADDI4SPN
			nzuimm := uint32(half>>7&0x30) | uint32(half>>1&0x3c0) | uint32(half>>4&0x4) | uint32(half>>2&0x8)
			if nzuimm == 0 {
				return Insn{}, illegalC(half)
			}
			in.Op, in.Rd, in.Rs1, in.Imm = OpADDI, rs2p, X2, int64(nzuimm)
		case 2: // C.LW
			in.Op, in.Rd, in.Rs1, in.Imm = OpLW, rs2p, rdRs1p, clwImm(half)
		case 3:
			if xlen == 64 {
				in.Op, in.Rd, in.Rs1, in.Imm = OpLD, rs2p, rdRs1p, cldImm(half)
			} else {
				return Insn{}, illegalC(half) // C.FLW, float, not modeled
			}
		case 6: // C.SW
			in.Op, in.Rs1, in.Rs2, in.Imm = OpSW, rdRs1p, rs2p, clwImm(half)
		case 7:
			if xlen == 64 {
				in.Op, in.Rs1, in.Rs2, in.Imm = OpSD, rdRs1p, rs2p, cldImm(half)
			} else {
				return Insn{}, illegalC(half) // C.FSW
			}
		default:
			return Insn{}, illegalC(half)
		}
	case 1:
		switch funct3 {
		case 0: // C.ADDI / C.NOP
			in.Op, in.Rd, in.Rs1, in.Imm = OpADDI, rdRs1, rdRs1, cImm6(half)
		case 1: // C.JAL (rv32) / C.ADDIW (rv64)
			if xlen == 64 {
				in.Op, in.Rd, in.Rs1, in.Imm = OpADDIW, rdRs1, rdRs1, cImm6(half)
			} else {
				in.Op, in.Rd, in.Imm = OpJAL, X1, cjImm(half)
			}
		case 2: // C.LI
			in.Op, in.Rd, in.Rs1, in.Imm = OpADDI, rdRs1, X0, cImm6(half)
		case 3:
			if rdRs1 == X2 { // C.ADDI16SP
				in.Op, in.Rd, in.Rs1, in.Imm = OpADDI, X2, X2, caddi16spImm(half)
			} else { // C.LUI
				imm := cImm6(half)
				if imm == 0 {
					return Insn{}, illegalC(half)
				}
				in.Op, in.Rd, in.Imm = OpLUI, rdRs1, imm<<12
			}
		case 4:
			funct2 := (half >> 10) & 3
			switch funct2 {
			case 0: // C.SRLI
				in.Op, in.Rd, in.Rs1, in.Shamt = OpSRLI, rdRs1p, rdRs1p, cShamt(half)
			case 1: // C.SRAI
				in.Op, in.Rd, in.Rs1, in.Shamt = OpSRAI, rdRs1p, rdRs1p, cShamt(half)
			case 2: // C.ANDI
				in.Op, in.Rd, in.Rs1, in.Imm = OpANDI, rdRs1p, rdRs1p, cImm6(half)
			case 3:
				funct1 := (half >> 12) & 1
				f2 := (half >> 5) & 3
				in.Rd, in.Rs1, in.Rs2 = rdRs1p, rdRs1p, rs2p
				switch {
				case funct1 == 0 && f2 == 0:
					in.Op = OpSUB
				case funct1 == 0 && f2 == 1:
					in.Op = OpXOR
				case funct1 == 0 && f2 == 2:
					in.Op = OpOR
				case funct1 == 0 && f2 == 3:
					in.Op = OpAND
				case funct1 == 1 && f2 == 0:
					in.Op = OpSUBW
				case funct1 == 1 && f2 == 1:
					in.Op = OpADDW
				default:
					return Insn{}, illegalC(half)
				}
			}
		case 5: // C.J
			in.Op, in.Imm = OpJAL, cjImm(half)
			in.Rd = X0
		case 6: // C.BEQZ
			in.Op, in.Rs1, in.Imm = OpBEQ, rdRs1p, cbImm(half)
			in.Rs2 = X0
		case 7: // C.BNEZ
			in.Op, in.Rs1, in.Imm = OpBNE, rdRs1p, cbImm(half)
			in.Rs2 = X0
		}
	case 2:
		switch funct3 {
		case 0: // C.SLLI
			in.Op, in.Rd, in.Rs1, in.Shamt = OpSLLI, rdRs1, rdRs1, cShamt(half)
		case 2: // C.LWSP
			if rdRs1 == X0 {
				return Insn{}, illegalC(half)
			}
			in.Op, in.Rd, in.Rs1, in.Imm = OpLW, rdRs1, X2, clwspImm(half)
		case 3:
			if xlen == 64 {
				if rdRs1 == X0 {
					return Insn{}, illegalC(half)
				}
				in.Op, in.Rd, in.Rs1, in.Imm = OpLD, rdRs1, X2, cldspImm(half)
			} else {
				return Insn{}, illegalC(half) // C.FLWSP
			}
		case 4:
			bit12 := (half >> 12) & 1
			if bit12 == 0 {
				if rs2 == X0 { // C.JR
					if rdRs1 == X0 {
						return Insn{}, illegalC(half)
					}
					in.Op, in.Rd, in.Rs1 = OpJALR, X0, rdRs1
				} else { // C.MV
					in.Op, in.Rd, in.Rs1, in.Rs2 = OpADD, rdRs1, X0, rs2
				}
			} else {
				if rdRs1 == X0 && rs2 == X0 {
					in.Op = OpEBREAK
				} else if rs2 == X0 { // C.JALR
					in.Op, in.Rd, in.Rs1 = OpJALR, X1, rdRs1
				} else { // C.ADD
					in.Op, in.Rd, in.Rs1, in.Rs2 = OpADD, rdRs1, rdRs1, rs2
				}
			}
		case 6: // C.SWSP
			in.Op, in.Rs1, in.Rs2, in.Imm = OpSW, X2, rs2, cswspImm(half)
		case 7:
			if xlen == 64 {
				in.Op, in.Rs1, in.Rs2, in.Imm = OpSD, X2, rs2, csdspImm(half)
			} else {
				return Insn{}, illegalC(half) // C.FSWSP
			}
		default:
			return Insn{}, illegalC(half)
		}
	default:
		return Insn{}, illegalC(half)
	}
	if in.Op == OpInvalid {
		return Insn{}, illegalC(half)
	}
	return in, nil
}

func illegalC(half uint16) error {
	return errors.Errorf("illegal compressed instruction %#04x", half)
}

func clwImm(half uint16) int64 {
	return int64(uint32(half>>7&0x8) | uint32(half>>4&0x4) | uint32(half<<1&0x40) | uint32(half>>1&0x38))
}

func cldImm(half uint16) int64 {
	return int64(uint32(half>>7&0x8) | uint32(half<<1&0xc0) | uint32(half>>1&0x38))
}

func cImm6(half uint16) int64 {
	v := uint32(half>>2&0x1f) | uint32(half>>12&1)<<5
	return sext(v, 5)
}

func cjImm(half uint16) int64 {
	v := uint32(half>>3&0x7)<<1 | uint32(half>>11&1)<<4 | uint32(half>>2&1)<<5 |
		uint32(half>>7&1)<<6 | uint32(half>>6&1)<<7 | uint32(half>>9&0x3)<<8 |
		uint32(half>>8&1)<<10 | uint32(half>>12&1)<<11
	return sext(v, 11)
}

func cbImm(half uint16) int64 {
	v := uint32(half>>3&0x3)<<1 | uint32(half>>10&0x3)<<3 | uint32(half>>2&1)<<5 |
		uint32(half>>5&0x3)<<6 | uint32(half>>12&1)<<8
	return sext(v, 8)
}

func caddi16spImm(half uint16) int64 {
	v := uint32(half>>6&1)<<4 | uint32(half>>2&1)<<5 | uint32(half>>5&1)<<6 |
		uint32(half>>3&0x3)<<7 | uint32(half>>12&1)<<9
	return sext(v, 9)
}

func cShamt(half uint16) uint32 {
	return uint32(half>>2&0x1f) | uint32(half>>12&1)<<5
}

func clwspImm(half uint16) int64 {
	return int64(uint32(half>>4&0x7)<<2 | uint32(half>>12&1)<<5 | uint32(half>>2&0x3)<<6)
}

func cldspImm(half uint16) int64 {
	return int64(uint32(half>>5&0x3)<<3 | uint32(half>>12&1)<<5 | uint32(half>>2&0x7)<<6)
}

func cswspImm(half uint16) int64 {
	return int64(uint32(half>>9&0xf)<<2 | uint32(half>>7&0x3)<<6)
}

func csdspImm(half uint16) int64 {
	return int64(uint32(half>>10&0x7)<<3 | uint32(half>>7&0x7)<<6)
}
