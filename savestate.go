package rvcorn

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/rvcorn/rvcorn/cpu"
	"github.com/rvcorn/rvcorn/kernel"
	"github.com/rvcorn/rvcorn/native"
	"github.com/rvcorn/rvcorn/riscv"
)

// Savestate wire format:
//
// file header (fixed size, struc-packed, big-endian)
//   uint32 version
//   uint32 crc32(compressed body)
//   uint32 length(compressed body)
// -- snappy-compressed body starts here --
//   uint32 bits
//   uint64 entry
//   uint32 register count
//     N * (uint32 register enum, uint64 value)
//   uint64 mapping count
//     N * (uint64 addr, uint64 size, uint32 packed PageAttr, <size> raw bytes)
//
// A restored Machine has no trap callbacks (Go closures do not survive
// serialization) and no syscall Table override beyond Linux()'s
// defaults: an embedder that installed MMIO traps or a custom Table
// re-applies them after Restore.

var savestateOrder = binary.BigEndian

const savestateVersion = 1

type savestateFileHeader struct {
	Version uint32
	Crc32   uint32
	Length  uint32
}

type savestateBodyHeader struct {
	Bits  uint32
	Entry uint64
}

type savestateRegCount struct{ Count uint32 }
type savestateReg struct {
	Enum uint32
	Val  uint64
}

type savestateMapCount struct{ Count uint64 }
type savestateMapHeader struct {
	Addr uint64
	Size uint64
	Attr uint32
}

// Save serializes the integer registers, the program counter, and every
// page in m's page map (bytes and permissions). It does not capture the
// arena (the brk heap), the floating-point registers, the program break,
// the mmap allocator state, or the decode cache. A Machine built by
// Restore has no arena, and its mmap allocator starts from address zero;
// its decode cache refills on first use.
func (m *Machine) Save() ([]byte, error) {
	var body bytes.Buffer
	if err := struc.PackWithOrder(&body, &savestateBodyHeader{Bits: uint32(m.CPU.Bits), Entry: m.entry}, savestateOrder); err != nil {
		return nil, err
	}

	regs := riscv.RegDump(m.CPU)
	if err := struc.PackWithOrder(&body, &savestateRegCount{uint32(len(regs))}, savestateOrder); err != nil {
		return nil, err
	}
	for _, r := range regs {
		if err := struc.PackWithOrder(&body, &savestateReg{uint32(r.Reg), r.Val}, savestateOrder); err != nil {
			return nil, err
		}
	}

	mappings := m.Mem.Mappings()
	if err := struc.PackWithOrder(&body, &savestateMapCount{uint64(len(mappings))}, savestateOrder); err != nil {
		return nil, err
	}
	for _, mp := range mappings {
		hdr := savestateMapHeader{Addr: mp.Addr, Size: mp.Size, Attr: cpu.PackAttr(mp.Attr)}
		if err := struc.PackWithOrder(&body, &hdr, savestateOrder); err != nil {
			return nil, err
		}
		buf := make([]byte, mp.Size)
		if err := m.Mem.ReadAt(mp.Addr, buf); err != nil {
			return nil, errors.Wrap(err, "rvcorn: reading mapping for savestate")
		}
		body.Write(buf)
	}

	compressed := snappy.Encode(nil, body.Bytes())
	var final bytes.Buffer
	fh := savestateFileHeader{Version: savestateVersion, Crc32: crc32.ChecksumIEEE(compressed), Length: uint32(len(compressed))}
	if err := struc.PackWithOrder(&final, &fh, savestateOrder); err != nil {
		return nil, err
	}
	final.Write(compressed)
	return final.Bytes(), nil
}

// Restore reconstructs a Machine from data produced by Save. The
// returned Machine uses Linux() as its syscall table and native.Disabled
// as its translator; wire up anything more specific afterward.
func Restore(data []byte, cfg Config) (*Machine, error) {
	r := bytes.NewReader(data)
	var fh savestateFileHeader
	if err := struc.UnpackWithOrder(r, &fh, savestateOrder); err != nil {
		return nil, errors.Wrap(err, "rvcorn: reading savestate header")
	}
	if fh.Version != savestateVersion {
		return nil, errors.Errorf("rvcorn: unsupported savestate version %d", fh.Version)
	}
	compressed := make([]byte, fh.Length)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, errors.Wrap(err, "rvcorn: reading savestate body")
	}
	if crc32.ChecksumIEEE(compressed) != fh.Crc32 {
		return nil, errors.New("rvcorn: savestate crc32 mismatch")
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errors.Wrap(err, "rvcorn: decompressing savestate")
	}
	body := bytes.NewReader(raw)

	var bh savestateBodyHeader
	if err := struc.UnpackWithOrder(body, &bh, savestateOrder); err != nil {
		return nil, err
	}
	mem := cpu.NewMemory(uint(bh.Bits), littleEndian{})
	mem.StrictAlign = cfg.StrictAlign
	c := cpu.NewCPU(mem, uint(bh.Bits))
	c.Compressed = cfg.extensions().Has(ExtC)

	var rc savestateRegCount
	if err := struc.UnpackWithOrder(body, &rc, savestateOrder); err != nil {
		return nil, err
	}
	for i := uint32(0); i < rc.Count; i++ {
		var reg savestateReg
		if err := struc.UnpackWithOrder(body, &reg, savestateOrder); err != nil {
			return nil, err
		}
		c.WriteReg(riscv.Register(reg.Enum), reg.Val)
	}

	var mc savestateMapCount
	if err := struc.UnpackWithOrder(body, &mc, savestateOrder); err != nil {
		return nil, err
	}
	for i := uint64(0); i < mc.Count; i++ {
		var mh savestateMapHeader
		if err := struc.UnpackWithOrder(body, &mh, savestateOrder); err != nil {
			return nil, err
		}
		buf := make([]byte, mh.Size)
		if _, err := io.ReadFull(body, buf); err != nil {
			return nil, err
		}
		if err := mem.MapRange(mh.Addr, mh.Size, cpu.UnpackAttr(mh.Attr), buf); err != nil {
			return nil, err
		}
	}

	m := &Machine{CPU: c, Mem: mem, cfg: cfg, entry: bh.Entry, Native: native.Disabled{}}
	c.ECALL = m.handleECALL
	m.Table = kernel.Linux(m.brk, m.write)
	return m, nil
}
