package riscv

import "testing"

func encodeI(opcode, funct3 uint32, rd, rs1 Register, imm int32) uint32 {
	return (uint32(imm)&0xfff)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | opcode
}

func encodeR(opcode, funct3, funct7 uint32, rd, rs1, rs2 Register) uint32 {
	return funct7<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | opcode
}

func TestDecode32ADDI(t *testing.T) {
	word := encodeI(0x13, 0, X10, X11, -5)
	in, err := Decode32(word, 64)
	if err != nil {
		t.Fatal(err)
	}
	if in.Op != OpADDI || in.Rd != X10 || in.Rs1 != X11 || in.Imm != -5 {
		t.Fatalf("unexpected decode: %+v", in)
	}
}

func TestDecode32ADD(t *testing.T) {
	word := encodeR(0x33, 0, 0, X1, X2, X3)
	in, err := Decode32(word, 64)
	if err != nil {
		t.Fatal(err)
	}
	if in.Op != OpADD || in.Rd != X1 || in.Rs1 != X2 || in.Rs2 != X3 {
		t.Fatalf("unexpected decode: %+v", in)
	}
}

func TestDecode32SUBUsesFunct7(t *testing.T) {
	word := encodeR(0x33, 0, 0x20, X1, X2, X3)
	in, err := Decode32(word, 64)
	if err != nil {
		t.Fatal(err)
	}
	if in.Op != OpSUB {
		t.Fatalf("op = %v, want OpSUB", in.Op)
	}
}

func TestDecode32MUL(t *testing.T) {
	word := encodeR(0x33, 0, 1, X1, X2, X3)
	in, err := Decode32(word, 64)
	if err != nil {
		t.Fatal(err)
	}
	if in.Op != OpMUL {
		t.Fatalf("op = %v, want OpMUL", in.Op)
	}
}

func TestDecode32BranchImmediate(t *testing.T) {
	// BNE x1, x0, -4: bit pattern per the B-type immediate layout.
	bImm := int32(-4)
	word := (uint32(bImm)>>12&1)<<31 | (uint32(bImm)>>11&1)<<7 | (uint32(bImm)>>5&0x3f)<<25 |
		(uint32(bImm)>>1&0xf)<<8 | uint32(X1)<<15 | uint32(X0)<<20 | 1<<12 | 0x63
	in, err := Decode32(word, 64)
	if err != nil {
		t.Fatal(err)
	}
	if in.Op != OpBNE || in.Imm != int64(bImm) {
		t.Fatalf("unexpected decode: %+v", in)
	}
}

func TestDecode32LUIAndJAL(t *testing.T) {
	lui, err := Decode32(0x12345037, 64) // lui x0, 0x12345 (opcode 0x37)
	if err != nil {
		t.Fatal(err)
	}
	if lui.Op != OpLUI {
		t.Fatalf("op = %v, want OpLUI", lui.Op)
	}

	jal, err := Decode32(0x0000006f, 64) // jal x0, 0
	if err != nil {
		t.Fatal(err)
	}
	if jal.Op != OpJAL || jal.Imm != 0 {
		t.Fatalf("unexpected decode: %+v", jal)
	}
}

func TestDecode32AtomicLRSC(t *testing.T) {
	// amo opcode 0x2f, funct3=2 (word), funct5 in top 5 bits of funct7.
	word := (uint32(0x02) << 2 << 25) | uint32(X0)<<20 | uint32(X5)<<15 | 2<<12 | uint32(X10)<<7 | 0x2f
	in, err := Decode32(word, 64)
	if err != nil {
		t.Fatal(err)
	}
	if in.Op != OpLRW {
		t.Fatalf("op = %v, want OpLRW", in.Op)
	}
}

func TestDecode32IllegalOpcode(t *testing.T) {
	if _, err := Decode32(0x0000007f, 64); err == nil {
		t.Fatal("expected an error for an unrecognized opcode")
	}
}

func TestDecodeCompressedADDI4SPN(t *testing.T) {
	// C.ADDI4SPN x8, sp, 4: quadrant 0, funct3 0; nzuimm=4 comes from the
	// half>>4&0x4 term of the scattered encoding, i.e. bit 6 of half.
	h := uint16(1) << 6
	in, err := DecodeCompressed(h, 64)
	if err != nil {
		t.Fatal(err)
	}
	if in.Op != OpADDI || in.Rs1 != X2 || in.Imm != 4 {
		t.Fatalf("unexpected decode: %+v", in)
	}
}

func TestDecodeCompressedLI(t *testing.T) {
	// C.LI x10, 5: quadrant 1, funct3 2, rd=10, imm[4:0]=5 in bits[6:2].
	h := uint16(2)<<13 | uint16(10)<<7 | uint16(5)<<2 | 1
	in, err := DecodeCompressed(h, 64)
	if err != nil {
		t.Fatal(err)
	}
	if in.Op != OpADDI || in.Rd != X10 || in.Rs1 != X0 || in.Imm != 5 {
		t.Fatalf("unexpected decode: %+v", in)
	}
}

func TestDecodeCompressedJ(t *testing.T) {
	// C.J with a zero offset: quadrant 1, funct3 5, all immediate bits zero.
	h := uint16(5)<<13 | 1
	in, err := DecodeCompressed(h, 64)
	if err != nil {
		t.Fatal(err)
	}
	if in.Op != OpJAL || in.Rd != X0 || in.Imm != 0 {
		t.Fatalf("unexpected decode: %+v", in)
	}
}

func TestDecodeCompressedMVAndJR(t *testing.T) {
	// C.MV x8, x9: quadrant 2, funct3 4, bit12=0, rd/rs1=8, rs2=9 (nonzero).
	mv := uint16(4)<<13 | uint16(8)<<7 | uint16(9)<<2 | 2
	in, err := DecodeCompressed(mv, 64)
	if err != nil {
		t.Fatal(err)
	}
	if in.Op != OpADD || in.Rd != X8 || in.Rs1 != X0 || in.Rs2 != X9 {
		t.Fatalf("unexpected decode: %+v", in)
	}

	// C.JR x8: quadrant 2, funct3 4, bit12=0, rs2=0, rd/rs1=8 (nonzero).
	jr := uint16(4)<<13 | uint16(8)<<7 | 2
	in2, err := DecodeCompressed(jr, 64)
	if err != nil {
		t.Fatal(err)
	}
	if in2.Op != OpJALR || in2.Rd != X0 || in2.Rs1 != X8 {
		t.Fatalf("unexpected decode: %+v", in2)
	}
}

func TestDecodeCompressedIllegalJR(t *testing.T) {
	// rd/rs1 = 0, rs2 = 0, bit12 = 0: reserved, not a valid C.JR.
	h := uint16(4)<<13 | 2
	if _, err := DecodeCompressed(h, 64); err == nil {
		t.Fatal("expected an error for a reserved C.JR encoding")
	}
}

func TestDecodeDispatchesOnLSBs(t *testing.T) {
	// A 16-bit halfword whose low two bits aren't 0b11 must go through the
	// compressed decoder even when Decode is given a 4-byte buffer.
	buf := []byte{0x01, 0x00, 0x00, 0x00} // C.NOP (quadrant 1, funct3 0, all zero)
	in, err := Decode(buf, 64)
	if err != nil {
		t.Fatal(err)
	}
	if in.Size != 2 {
		t.Fatalf("Size = %d, want 2 for a compressed instruction", in.Size)
	}
}
