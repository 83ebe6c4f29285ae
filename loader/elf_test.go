package loader

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
// PT_LOAD segment covering the whole file (headers + code).
func buildELF64(t *testing.T, flags uint32, code []byte) []byte {
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
	write32(1)
	write64(entry)
	write64(elf64Hdr)
	write64(0)
	write32(0)
	write16(elf64Hdr)
	write16(elf64Phdr)
	write16(1)
	write16(0)
	write16(0)
	write16(0)

	write32(1)     // PT_LOAD
	write32(flags) // p_flags
	write64(0)
	write64(testLoadAddr)
	write64(testLoadAddr)
	write64(total)
	write64(total)
	write64(0x1000)

	buf.Write(code)
	return buf.Bytes()
}

func TestPeekBits(t *testing.T) {
	elf := buildELF64(t, 5, []byte{0, 0, 0, 0})
	bits, err := PeekBits(bytes.NewReader(elf))
	if err != nil {
		t.Fatal(err)
	}
	if bits != 64 {
		t.Fatalf("PeekBits = %d, want 64", bits)
	}
}

func TestLoadMapsTextSegment(t *testing.T) {
	code := []byte{1, 2, 3, 4}
	elf := buildELF64(t, 5, code) // PF_R | PF_X
	mem := cpu.NewMemory(64, binary.LittleEndian)

	img, err := Load(bytes.NewReader(elf), mem)
	if err != nil {
		t.Fatal(err)
	}
	if img.Entry != testLoadAddr+elf64Hdr+elf64Phdr {
		t.Fatalf("Entry = %#x, want %#x", img.Entry, testLoadAddr+elf64Hdr+elf64Phdr)
	}
	if img.Bits != 64 {
		t.Fatalf("Bits = %d, want 64", img.Bits)
	}
	if img.HighWater == 0 || img.HighWater%cpu.PageSize != 0 {
		t.Fatalf("HighWater = %#x, want a nonzero page-aligned value", img.HighWater)
	}

	readBack := make([]byte, len(code))
	if err := mem.ReadAt(testLoadAddr+elf64Hdr+elf64Phdr, readBack); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(readBack, code) {
		t.Fatalf("read back %v, want %v", readBack, code)
	}

	if err := mem.WriteAt(testLoadAddr, []byte{9}); err == nil {
		t.Fatal("expected a protection fault writing a read+exec-only segment")
	}
}

func TestLoadRejectsNonRISCV(t *testing.T) {
	elf := buildELF64(t, 5, []byte{0, 0, 0, 0})
	// flip e_machine's low byte (offset 18) away from EM_RISCV (243).
	elf[18] = 0
	elf[19] = 0
	mem := cpu.NewMemory(64, binary.LittleEndian)
	if _, err := Load(bytes.NewReader(elf), mem); err == nil {
		t.Fatal("expected an error for a non-RISCV machine type")
	}
}
