// Package loader reads a RISC-V ELF image into a cpu.Memory, applying
// PT_LOAD segment permissions, PT_DYNAMIC relocations for
// position-independent binaries, and PT_GNU_RELRO write-protection.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"io/ioutil"

	"github.com/pkg/errors"

	"github.com/rvcorn/rvcorn/cpu"
)

// DylinkBase is the load bias applied to ET_DYN (position-independent)
// binaries, chosen low enough to leave headroom for a conventional
// mmap/stack layout above it.
const DylinkBase = 0x40000

// RISC-V relocation types (psABI), kept as local constants rather than
// relying on debug/elf exposing them for every toolchain version this
// module might build against.
const (
	rRiscvNone     = 0
	rRiscv32       = 1
	rRiscv64       = 2
	rRiscvRelative = 3
	rRiscvGlobDat  = 4
	rRiscvJumpSlot = 5
)

// Image is the result of loading an ELF file: enough to seed a Machine's
// CPU (entry point, bit width, byte order) and to locate the program
// break and interpreter path.
type Image struct {
	Entry      uint64
	Bits       uint
	ByteOrder  binary.ByteOrder
	Interp     string
	LoadBias   uint64
	HighWater  uint64 // first address past the last PT_LOAD segment, page-aligned
	RelroStart uint64
	RelroEnd   uint64
}

// PeekBits reads just enough of the ELF header to report its address
// width, letting a caller size its Memory before calling Load.
func PeekBits(r io.ReaderAt) (uint, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return 0, errors.Wrap(err, "elf: not a valid ELF file")
	}
	defer f.Close()
	switch f.Class {
	case elf.ELFCLASS32:
		return 32, nil
	case elf.ELFCLASS64:
		return 64, nil
	default:
		return 0, errors.New("elf: unknown ELF class")
	}
}

// Load reads a RISC-V ELF file from r and maps its PT_LOAD segments into
// mem, applying PT_DYNAMIC relocations if the binary is position
// independent.
func Load(r io.ReaderAt, mem *cpu.Memory) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Wrap(err, "elf: not a valid ELF file")
	}
	defer f.Close()

	if f.Machine != elf.EM_RISCV {
		return nil, errors.Errorf("elf: unsupported machine %s, want EM_RISCV", f.Machine)
	}
	var bits uint
	switch f.Class {
	case elf.ELFCLASS32:
		bits = 32
	case elf.ELFCLASS64:
		bits = 64
	default:
		return nil, errors.New("elf: unknown ELF class")
	}

	img := &Image{Entry: f.Entry, Bits: bits, ByteOrder: f.ByteOrder}
	if f.Type == elf.ET_DYN {
		img.LoadBias = DylinkBase
		img.Entry += img.LoadBias
	}

	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			if err := loadSegment(mem, prog, img.LoadBias); err != nil {
				return nil, err
			}
			top := img.LoadBias + prog.Vaddr + prog.Memsz
			top = (top + cpu.PageSize - 1) &^ uint64(cpu.PageSize-1)
			if top > img.HighWater {
				img.HighWater = top
			}
		case elf.PT_INTERP:
			data, err := ioutil.ReadAll(prog.Open())
			if err != nil {
				return nil, errors.Wrap(err, "elf: reading PT_INTERP")
			}
			img.Interp = string(bytes.TrimRight(data, "\x00"))
		case elf.PT_GNU_RELRO:
			img.RelroStart = img.LoadBias + prog.Vaddr
			img.RelroEnd = img.RelroStart + prog.Memsz
		}
	}

	if f.Type == elf.ET_DYN {
		if err := applyRelocations(f, mem, img); err != nil {
			return nil, err
		}
	}

	if img.RelroEnd > img.RelroStart {
		if err := mem.SetPageAttr(img.RelroStart, img.RelroEnd-img.RelroStart,
			cpu.PageAttr{Read: true, Write: false}); err != nil {
			return nil, errors.Wrap(err, "elf: applying PT_GNU_RELRO")
		}
	}

	return img, nil
}

func loadSegment(mem *cpu.Memory, prog *elf.Prog, bias uint64) error {
	data, err := ioutil.ReadAll(prog.Open())
	if err != nil {
		return errors.Wrap(err, "elf: reading PT_LOAD segment")
	}
	attr := cpu.PageAttr{
		Read:  prog.Flags&elf.PF_R != 0,
		Write: prog.Flags&elf.PF_W != 0,
		Exec:  prog.Flags&elf.PF_X != 0,
	}
	return mem.MapRange(bias+prog.Vaddr, prog.Memsz, attr, data)
}

// applyRelocations processes the RELA table referenced by PT_DYNAMIC,
// handling the handful of relocation types a statically-linked-but-PIE
// RISC-V binary actually emits: RELATIVE (the overwhelming majority),
// and GLOB_DAT/JUMP_SLOT/absolute entries resolved against the symbol
// table when present.
func applyRelocations(f *elf.File, mem *cpu.Memory, img *Image) error {
	dynsyms, _ := f.DynamicSymbols()
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_DYNAMIC {
			continue
		}
		raw, err := ioutil.ReadAll(prog.Open())
		if err != nil {
			return errors.Wrap(err, "elf: reading PT_DYNAMIC")
		}
		relaOff, relaSize, relaEnt, err := findRelaTable(f, raw, img.Bits)
		if err != nil || relaSize == 0 {
			return err
		}
		entSize := relaEnt
		if entSize == 0 {
			entSize = relaEntSize(img.Bits)
		}
		section := findSectionForAddr(f, relaOff)
		if section == nil {
			continue
		}
		sectData, err := section.Data()
		if err != nil {
			return errors.Wrap(err, "elf: reading relocation section")
		}
		base := relaOff - section.Addr
		for off := base; off+entSize <= uint64(len(sectData)) && off < base+relaSize; off += entSize {
			entry := sectData[off : off+entSize]
			voffset, info, addend := decodeRela(entry, img.Bits, f.ByteOrder)
			relType := info & 0xffffffff
			symIdx := info >> 32
			addr := img.LoadBias + voffset
			var value uint64
			switch uint32(relType) {
			case rRiscvRelative:
				value = img.LoadBias + uint64(addend)
			case rRiscvGlobDat, rRiscvJumpSlot, rRiscv64, rRiscv32:
				if int(symIdx) < len(dynsyms) {
					value = img.LoadBias + dynsyms[symIdx].Value + uint64(addend)
				}
			case rRiscvNone:
				continue
			default:
				continue
			}
			size := 8
			if img.Bits == 32 {
				size = 4
			}
			if err := mem.WriteUint(addr, size, value); err != nil {
				return errors.Wrapf(err, "elf: applying relocation at %#x", addr)
			}
		}
	}
	return nil
}

func relaEntSize(bits uint) uint64 {
	if bits == 32 {
		return 12
	}
	return 24
}

func decodeRela(b []byte, bits uint, order binary.ByteOrder) (offset uint64, info uint64, addend int64) {
	if bits == 32 {
		offset = uint64(order.Uint32(b[0:4]))
		raw := order.Uint32(b[4:8])
		info = uint64(raw>>8)<<32 | uint64(raw&0xff)
		addend = int64(int32(order.Uint32(b[8:12])))
		return
	}
	offset = order.Uint64(b[0:8])
	raw := order.Uint64(b[8:16])
	info = raw>>32<<32 | raw&0xffffffff
	addend = int64(order.Uint64(b[16:24]))
	return
}

// findRelaTable scans a PT_DYNAMIC segment's tag/value pairs for
// DT_RELA/DT_RELASZ/DT_RELAENT.
func findRelaTable(f *elf.File, raw []byte, bits uint) (relaAddr, relaSize, relaEnt uint64, err error) {
	entSize := 8
	if bits == 64 {
		entSize = 16
	}
	const (
		dtNull  = 0
		dtRela  = 7
		dtRelaSz = 8
		dtRelaEnt = 9
	)
	for off := 0; off+2*entSize <= len(raw); off += 2 * entSize {
		var tag, val uint64
		if bits == 32 {
			tag = uint64(f.ByteOrder.Uint32(raw[off : off+4]))
			val = uint64(f.ByteOrder.Uint32(raw[off+4 : off+8]))
		} else {
			tag = f.ByteOrder.Uint64(raw[off : off+8])
			val = f.ByteOrder.Uint64(raw[off+8 : off+16])
		}
		switch tag {
		case dtNull:
			return relaAddr, relaSize, relaEnt, nil
		case dtRela:
			relaAddr = val
		case dtRelaSz:
			relaSize = val
		case dtRelaEnt:
			relaEnt = val
		}
	}
	return relaAddr, relaSize, relaEnt, nil
}

func findSectionForAddr(f *elf.File, addr uint64) *elf.Section {
	for _, sec := range f.Sections {
		if addr >= sec.Addr && addr < sec.Addr+sec.Size && sec.Addr != 0 {
			return sec
		}
	}
	return nil
}
