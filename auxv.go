package rvcorn

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"os"

	"github.com/lunixbochs/struc"
)

// Auxiliary vector types, the subset glibc/musl startup code on
// RISC-V Linux actually reads.
const (
	AtNull    = 0
	AtPhdr    = 3
	AtPhent   = 4
	AtPhnum   = 5
	AtPagesz  = 6
	AtBase    = 7
	AtFlags   = 8
	AtEntry   = 9
	AtUID     = 11
	AtEUID    = 12
	AtGID     = 13
	AtEGID    = 14
	AtClktck  = 17
	AtRandom  = 25
	AtHwCap   = 16
	AtSecure  = 23
)

type auxv32 struct{ Type, Val uint32 }
type auxv64 struct{ Type, Val uint64 }

// buildAuxv packs the auxiliary vector for a guest entry of bits/order,
// given the guest address phdrAddr points PT_PHDR at (already relocated
// by the loader's bias) and randAddr pointing at 16 bytes of AT_RANDOM
// material already pushed onto the guest stack.
func buildAuxv(bits uint, order binary.ByteOrder, phdrAddr uint64, phnum int, entry, interpBase, randAddr uint64) ([]byte, error) {
	pairs := []auxv64{
		{AtPhdr, phdrAddr},
		{AtPhent, 0}, // filled in below
		{AtPhnum, uint64(phnum)},
		{AtPagesz, uint64(os.Getpagesize())},
		{AtBase, interpBase},
		{AtFlags, 0},
		{AtEntry, entry},
		{AtUID, uint64(os.Getuid())},
		{AtEUID, uint64(os.Geteuid())},
		{AtGID, uint64(os.Getgid())},
		{AtEGID, uint64(os.Getegid())},
		{AtClktck, 100},
		{AtRandom, randAddr},
		{AtNull, 0},
	}
	// Phent is the size of one Elf32_Phdr/Elf64_Phdr entry: 32 bytes for
	// ELFCLASS32, 56 for ELFCLASS64.
	phent := uint64(32)
	if bits == 64 {
		phent = 56
	}
	pairs[1].Val = phent

	var buf bytes.Buffer
	if bits == 32 {
		for _, p := range pairs {
			e := auxv32{uint32(p.Type), uint32(p.Val)}
			if err := struc.PackWithOrder(&buf, &e, order); err != nil {
				return nil, err
			}
		}
	} else {
		for _, p := range pairs {
			if err := struc.PackWithOrder(&buf, &p, order); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

// randomBytes returns 16 bytes of AT_RANDOM material.
func randomBytes() ([16]byte, error) {
	var b [16]byte
	_, err := rand.Read(b[:])
	return b, err
}
