package rvcorn

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/rvcorn/rvcorn/cpu"
)

const (
	testLoadAddr = 0x10000
	elf64Hdr     = 64
	elf64Phdr    = 56
)

// buildELF64 assembles a minimal ET_EXEC RISC-V64 ELF with a single
// PT_LOAD segment covering the whole file (headers + code), entry
// pointing just past the headers.
func buildELF64(t *testing.T, code []byte) []byte {
	t.Helper()
	total := uint64(elf64Hdr + elf64Phdr + len(code))
	entry := uint64(testLoadAddr + elf64Hdr + elf64Phdr)

	var buf bytes.Buffer
	ident := [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}
	buf.Write(ident[:])
	write16 := func(v uint16) { binary.Write(&buf, binary.LittleEndian, v) }
	write32 := func(v uint32) { binary.Write(&buf, binary.LittleEndian, v) }
	write64 := func(v uint64) { binary.Write(&buf, binary.LittleEndian, v) }

	write16(2)   // e_type = ET_EXEC
	write16(243) // e_machine = EM_RISCV
	write32(1)   // e_version
	write64(entry)
	write64(elf64Hdr) // e_phoff
	write64(0)        // e_shoff
	write32(0)        // e_flags
	write16(elf64Hdr)
	write16(elf64Phdr)
	write16(1) // e_phnum
	write16(0)
	write16(0)
	write16(0)

	// Elf64_Phdr
	write32(1)          // PT_LOAD
	write32(5)           // PF_R | PF_X
	write64(0)           // p_offset
	write64(testLoadAddr) // p_vaddr
	write64(testLoadAddr) // p_paddr
	write64(total)        // p_filesz
	write64(total)        // p_memsz
	write64(0x1000)       // p_align

	buf.Write(code)
	return buf.Bytes()
}

func insnADDI(rd, rs1 int, imm int32) uint32 {
	return (uint32(imm)&0xfff)<<20 | uint32(rs1)<<15 | 0<<12 | uint32(rd)<<7 | 0x13
}

func insnECALL() uint32 { return 0x73 }

func codeLiExit(code int32) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, insnADDI(10, 0, code)) // li a0, code
	binary.Write(&buf, binary.LittleEndian, insnADDI(17, 0, 93))   // li a7, 93 (exit)
	binary.Write(&buf, binary.LittleEndian, insnECALL())
	return buf.Bytes()
}

func TestMachineExitCode(t *testing.T) {
	elf := buildELF64(t, codeLiExit(42))
	m, err := NewMachine(bytes.NewReader(elf), Config{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.Run(0)
	exit, ok := err.(ExitStatus)
	if !ok {
		t.Fatalf("expected ExitStatus, got %v (%T)", err, err)
	}
	if int(exit) != 42 {
		t.Fatalf("exit code = %d, want 42", int(exit))
	}
}

func codeLoop(iterations int32) []byte {
	// li t0, iterations; loop: addi t0, t0, -1; bnez t0, loop; li a0,0; li a7,93; ecall
	var buf bytes.Buffer
	w := func(v uint32) { binary.Write(&buf, binary.LittleEndian, v) }
	w(insnADDI(5, 0, iterations)) // t0 = iterations
	loopAddr := int32(4)
	w(insnADDI(5, 5, -1))
	// bne t0, x0, loop (back by 4 bytes): imm = loopAddr - currentPC, computed below after laying out
	_ = loopAddr
	bImm := int32(-4)
	branch := (uint32(bImm)>>12&1)<<31 | (uint32(bImm)>>11&1)<<7 | (uint32(bImm)>>5&0x3f)<<25 | (uint32(bImm)>>1&0xf)<<8 |
		5<<15 | 0<<20 | 1<<12 | 0x63
	w(branch)
	w(insnADDI(10, 0, 0))
	w(insnADDI(17, 0, 93))
	w(insnECALL())
	return buf.Bytes()
}

func TestMachineInstructionCounting(t *testing.T) {
	elf := buildELF64(t, codeLoop(5))
	m, err := NewMachine(bytes.NewReader(elf), Config{})
	if err != nil {
		t.Fatal(err)
	}
	res, err := m.Run(0)
	if _, ok := err.(ExitStatus); !ok {
		t.Fatalf("unexpected error %v", err)
	}
	if res.Instructions == 0 {
		t.Fatal("expected a nonzero instruction count")
	}
}

func TestMachineTimeout(t *testing.T) {
	elf := buildELF64(t, codeLoop(1000000))
	m, err := NewMachine(bytes.NewReader(elf), Config{})
	if err != nil {
		t.Fatal(err)
	}
	res, err := m.Run(10)
	if err != nil {
		t.Fatalf("timeout should not be an error, got %v", err)
	}
	if !res.TimedOut {
		t.Fatal("expected TimedOut after 10 instructions")
	}
	if res.Instructions != 10 {
		t.Fatalf("Instructions = %d, want 10", res.Instructions)
	}
}

func TestMachineForkCOW(t *testing.T) {
	elf := buildELF64(t, codeLiExit(0))
	parent, err := NewMachine(bytes.NewReader(elf), Config{})
	if err != nil {
		t.Fatal(err)
	}
	heapAddr, err := parent.Mem.SetBrk(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := parent.Mem.SetBrk(heapAddr + cpu.PageSize); err != nil {
		t.Fatal(err)
	}
	if err := parent.Mem.WriteAt(heapAddr, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}

	child := parent.Fork()

	if err := parent.Mem.WriteAt(heapAddr, []byte{9, 9, 9, 9}); err != nil {
		t.Fatal(err)
	}

	var childBuf [4]byte
	if err := child.Mem.ReadAt(heapAddr, childBuf[:]); err != nil {
		t.Fatal(err)
	}
	if childBuf != [4]byte{1, 2, 3, 4} {
		t.Fatalf("child memory = %v, want unchanged [1 2 3 4]", childBuf)
	}

	var parentBuf [4]byte
	if err := parent.Mem.ReadAt(heapAddr, parentBuf[:]); err != nil {
		t.Fatal(err)
	}
	if parentBuf != [4]byte{9, 9, 9, 9} {
		t.Fatalf("parent memory = %v, want [9 9 9 9]", parentBuf)
	}
}

func TestMachineProtectionFault(t *testing.T) {
	elf := buildELF64(t, codeLiExit(0))
	m, err := NewMachine(bytes.NewReader(elf), Config{})
	if err != nil {
		t.Fatal(err)
	}
	// the ELF's text segment is read+exec, not writable.
	err = m.Mem.WriteAt(testLoadAddr, []byte{0})
	fault, ok := err.(*cpu.Fault)
	if !ok {
		t.Fatalf("expected *cpu.Fault, got %v", err)
	}
	if fault.Kind != cpu.ProtectionFault {
		t.Fatalf("fault kind = %v, want ProtectionFault", fault.Kind)
	}
}

func TestSavestateRoundTrip(t *testing.T) {
	elf := buildELF64(t, codeLiExit(0))
	m, err := NewMachine(bytes.NewReader(elf), Config{})
	if err != nil {
		t.Fatal(err)
	}
	data, err := m.Save()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := Restore(data, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if restored.CPU.PC() != m.CPU.PC() {
		t.Fatalf("restored PC = %#x, want %#x", restored.CPU.PC(), m.CPU.PC())
	}
	var orig, got [3 * 4]byte
	if err := m.Mem.ReadAt(testLoadAddr, orig[:]); err != nil {
		t.Fatal(err)
	}
	if err := restored.Mem.ReadAt(testLoadAddr, got[:]); err != nil {
		t.Fatal(err)
	}
	if orig != got {
		t.Fatalf("restored text segment mismatch: got %v, want %v", got, orig)
	}
}

func TestMachineWriteUsesStdoutCallback(t *testing.T) {
	var gotFD int
	var gotData []byte
	cfg := Config{StdoutCallback: func(fd int, p []byte) (int, error) {
		gotFD = fd
		gotData = append([]byte(nil), p...)
		return len(p), nil
	}}
	elf := buildELF64(t, codeLiExit(0))
	m, err := NewMachine(bytes.NewReader(elf), cfg)
	if err != nil {
		t.Fatal(err)
	}
	n, err := m.write(1, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 || gotFD != 1 || string(gotData) != "hello" {
		t.Fatalf("callback got fd=%d data=%q n=%d, want fd=1 data=%q n=5", gotFD, gotData, n, "hello")
	}
}

func TestMachineErrorCallbackInvokedOnFault(t *testing.T) {
	// a zero-valued instruction word decodes to nothing: it is illegal.
	elf := buildELF64(t, []byte{0, 0, 0, 0})
	var got error
	cfg := Config{ErrorCallback: func(err error) { got = err }}
	m, err := NewMachine(bytes.NewReader(elf), cfg)
	if err != nil {
		t.Fatal(err)
	}
	_, runErr := m.Run(0)
	if runErr == nil {
		t.Fatal("expected a fault")
	}
	if got == nil {
		t.Fatal("expected ErrorCallback to be invoked")
	}
	if got != runErr {
		t.Fatalf("ErrorCallback received %v, want %v", got, runErr)
	}
}

func TestMachineInterpEmptyWithoutPTInterp(t *testing.T) {
	elf := buildELF64(t, codeLiExit(0))
	m, err := NewMachine(bytes.NewReader(elf), Config{LoadPrefix: "/sysroot"})
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Interp(); got != "" {
		t.Fatalf("Interp() = %q, want empty for a statically linked binary", got)
	}
}
