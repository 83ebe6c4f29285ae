package cpu

import (
	"encoding/binary"
	"testing"
)

func encodeI(opcode, funct3 uint32, rd, rs1 int, imm int32) uint32 {
	return (uint32(imm)&0xfff)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | opcode
}

func encodeR(opcode, funct3, funct7 uint32, rd, rs1, rs2 int) uint32 {
	return funct7<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | opcode
}

func encodeS(opcode, funct3 uint32, rs1, rs2 int, imm int32) uint32 {
	u := uint32(imm) & 0xfff
	return (u>>5)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | funct3<<12 | (u&0x1f)<<7 | opcode
}

func newTestCPU(t *testing.T, code []byte) (*CPU, *Memory) {
	t.Helper()
	mem := NewMemory(64, binary.LittleEndian)
	mem.InitArena(0x10000, 4*PageSize)
	if err := mem.MapRange(0x1000, PageSize, PageAttr{Read: true, Exec: true}, code); err != nil {
		t.Fatal(err)
	}
	c := NewCPU(mem, 64)
	c.SetPC(0x1000)
	return c, mem
}

func writeWords(words ...uint32) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return buf
}

func TestStepADDIAndX0Hardwired(t *testing.T) {
	// addi x1, x0, 5; addi x0, x0, 99
	code := writeWords(
		encodeI(0x13, 0, 1, 0, 5),
		encodeI(0x13, 0, 0, 0, 99),
	)
	c, _ := newTestCPU(t, code)
	if err := c.Step(); err != nil {
		t.Fatal(err)
	}
	if v := c.ReadReg(1); v != 5 {
		t.Fatalf("x1 = %d, want 5", v)
	}
	if err := c.Step(); err != nil {
		t.Fatal(err)
	}
	if v := c.ReadReg(0); v != 0 {
		t.Fatalf("x0 = %d, want 0 (hardwired)", v)
	}
	if c.InstructionCount() != 2 {
		t.Fatalf("InstructionCount = %d, want 2", c.InstructionCount())
	}
}

func TestStepMulComputesProduct(t *testing.T) {
	// addi x1, x0, 6; addi x2, x0, 7; mul x3, x1, x2
	code := writeWords(
		encodeI(0x13, 0, 1, 0, 6),
		encodeI(0x13, 0, 2, 0, 7),
		encodeR(0x33, 0, 1, 3, 1, 2),
	)
	c, _ := newTestCPU(t, code)
	for i := 0; i < 3; i++ {
		if err := c.Step(); err != nil {
			t.Fatal(err)
		}
	}
	if v := c.ReadReg(3); v != 42 {
		t.Fatalf("x3 = %d, want 42", v)
	}
}

func TestStepStoreThenLoad(t *testing.T) {
	// addi x1, x0, 123; sw x1, 0(x2); lw x3, 0(x2)   (x2 preloaded to a heap addr)
	const dataAddr = 0x10000
	code := writeWords(
		encodeI(0x13, 0, 1, 0, 123), // addi x1, x0, 123
		encodeS(0x23, 2, 2, 1, 0),   // sw x1, 0(x2)
		encodeI(0x03, 2, 3, 2, 0),   // lw x3, 0(x2)
	)
	c, _ := newTestCPU(t, code)
	c.WriteReg(2, dataAddr)
	for i := 0; i < 3; i++ {
		if err := c.Step(); err != nil {
			t.Fatal(err)
		}
	}
	if v := c.ReadReg(3); v != 123 {
		t.Fatalf("x3 = %d, want 123", v)
	}
}

func TestStepMisalignedInstructionFault(t *testing.T) {
	code := writeWords(encodeI(0x13, 0, 1, 0, 1))
	c, _ := newTestCPU(t, code)
	c.SetPC(0x1001) // not 4-byte aligned, and Compressed is false
	err := c.Step()
	fault, ok := err.(*Fault)
	if !ok {
		t.Fatalf("expected *Fault, got %v", err)
	}
	if fault.Kind != MisalignedInstruction {
		t.Fatalf("fault kind = %v, want MisalignedInstruction", fault.Kind)
	}
}

func TestStepIllegalInstructionFault(t *testing.T) {
	code := writeWords(0x0000007f) // unrecognized opcode
	c, _ := newTestCPU(t, code)
	err := c.Step()
	fault, ok := err.(*Fault)
	if !ok {
		t.Fatalf("expected *Fault, got %v", err)
	}
	if fault.Kind != IllegalOperation {
		t.Fatalf("fault kind = %v, want IllegalOperation", fault.Kind)
	}
}
