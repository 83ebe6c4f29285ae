// Package rvcorn is a user-mode RISC-V emulator core: it loads an ELF
// binary into a paged, copy-on-write address space and interprets it
// against an instruction budget, dispatching syscalls and MMIO accesses
// through caller-supplied callbacks rather than a built-in OS.
package rvcorn

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/rvcorn/rvcorn/cpu"
	"github.com/rvcorn/rvcorn/kernel"
	"github.com/rvcorn/rvcorn/loader"
	"github.com/rvcorn/rvcorn/native"
	"github.com/rvcorn/rvcorn/riscv"
)

// Machine is the composition root: a CPU, its Memory, a syscall Table,
// and the bookkeeping (stack/heap/mmap layout) a freshly loaded ELF
// binary needs before it can run.
type Machine struct {
	CPU    *cpu.CPU
	Mem    *cpu.Memory
	Table  kernel.Table
	Native native.Translator

	cfg    Config
	interp string

	entry     uint64
	stackBase uint64
	exited    bool
	exitCode  int
}

// NewMachine loads exe into a fresh address space and prepares it to
// run, wiring the default Linux syscall table unless the caller replaces
// Table afterward.
func NewMachine(exe io.ReaderAt, cfg Config) (*Machine, error) {
	bits := cfg.Bits
	if bits == 0 {
		var err error
		if bits, err = loader.PeekBits(exe); err != nil {
			return nil, errors.Wrap(err, "rvcorn: inspecting ELF header")
		}
	}
	mem := cpu.NewMemory(bits, littleEndian{})
	mem.StrictAlign = cfg.StrictAlign

	img, err := loader.Load(exe, mem)
	if err != nil {
		return nil, errors.Wrap(err, "rvcorn: loading ELF")
	}

	m := &Machine{Mem: mem, cfg: cfg, entry: img.Entry, interp: cfg.PrefixPath(img.Interp)}
	m.CPU = cpu.NewCPU(mem, bits)
	m.CPU.Compressed = cfg.extensions().Has(ExtC)
	m.CPU.ECALL = m.handleECALL
	if m.Native == nil {
		m.Native = native.Disabled{}
	}
	m.installTraceHooks()

	heapBase := img.HighWater
	mem.InitArena(heapBase, cfg.arenaSize())
	if _, err := mem.SetBrk(heapBase); err != nil {
		return nil, err
	}
	mem.InitMmap(heapBase + cfg.arenaSize())

	m.Table = kernel.Linux(m.brk, m.write)

	if err := m.setupStack(cfg.Argv, cfg.Envp); err != nil {
		return nil, errors.Wrap(err, "rvcorn: setting up stack")
	}
	m.CPU.SetPC(img.Entry)
	if cfg.Verbose {
		fmt.Fprintf(os.Stderr, "[entry point @ %#x]\n", img.Entry)
	}
	return m, nil
}

// Interp returns the dynamic linker path recorded in PT_INTERP, resolved
// against Config.LoadPrefix, or "" for a statically linked binary.
func (m *Machine) Interp() string { return m.interp }

// installTraceHooks wires Config.TraceExec/TraceReg/TraceMem into the
// interpreter and memory subsystem's hook seams. Machine is the only
// place in the library that logs; cpu.CPU and cpu.Memory never do.
func (m *Machine) installTraceHooks() {
	if m.cfg.TraceExec || m.cfg.TraceReg {
		m.CPU.StepHook = m.traceStep
	}
	if m.cfg.TraceMem {
		m.Mem.ReadTrace = func(addr uint64, size int) {
			fmt.Fprintf(os.Stderr, "MEM_READ 0x%x %d\n", addr, size)
		}
		m.Mem.WriteTrace = func(addr uint64, size int) {
			fmt.Fprintf(os.Stderr, "MEM_WRITE 0x%x %d\n", addr, size)
		}
	}
}

func (m *Machine) traceStep(c *cpu.CPU) {
	if m.cfg.TraceExec {
		fmt.Fprintf(os.Stderr, "[pc] %#x\n", c.PC())
	}
	if m.cfg.TraceReg {
		for _, rv := range riscv.RegDump(c) {
			fmt.Fprintf(os.Stderr, "  %s = %#x\n", rv.Name, rv.Val)
		}
	}
}

// littleEndian avoids importing encoding/binary's exported singleton
// from two packages; RISC-V's standard ABI variant is little-endian.
type littleEndian struct{}

func (littleEndian) Uint16(b []byte) uint16       { return uint16(b[0]) | uint16(b[1])<<8 }
func (littleEndian) PutUint16(b []byte, v uint16) { b[0], b[1] = byte(v), byte(v>>8) }
func (littleEndian) Uint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func (littleEndian) PutUint32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}
func (littleEndian) Uint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
func (littleEndian) PutUint64(b []byte, v uint64) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	b[4], b[5], b[6], b[7] = byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56)
}
func (littleEndian) String() string { return "LittleEndian" }

func (m *Machine) wordSize() int {
	if m.CPU.Bits == 32 {
		return 4
	}
	return 8
}

// push writes v at the next lower, word-aligned stack slot and returns
// the new stack pointer.
func (m *Machine) push(sp uint64, v uint64) (uint64, error) {
	sp -= uint64(m.wordSize())
	if err := m.Mem.WriteUint(sp, m.wordSize(), v); err != nil {
		return 0, err
	}
	return sp, nil
}

func (m *Machine) pushBytes(sp uint64, b []byte) (uint64, error) {
	sp -= uint64(len(b))
	sp &^= uint64(m.wordSize() - 1)
	if err := m.Mem.WriteAt(sp, b); err != nil {
		return 0, err
	}
	return sp, nil
}

// setupStack mmaps the guest stack, then lays out argc/argv/envp/auxv on
// it per the Linux process startup ABI: highest addresses hold the
// string bytes, then the auxv/envp/argv pointer arrays grow down toward
// a word-aligned initial SP.
func (m *Machine) setupStack(argv, envp []string) error {
	top, err := m.Mem.MmapAllocate(m.cfg.stackSize())
	if err != nil {
		return err
	}
	m.stackBase = top
	sp := top + m.cfg.stackSize()

	rnd, err := randomBytes()
	if err != nil {
		return err
	}
	sp, err = m.pushBytes(sp, rnd[:])
	if err != nil {
		return err
	}
	randAddr := sp

	pushStrings := func(items []string) ([]uint64, error) {
		addrs := make([]uint64, len(items))
		for i := len(items) - 1; i >= 0; i-- {
			s, err := m.pushBytes(sp, append([]byte(items[i]), 0))
			if err != nil {
				return nil, err
			}
			sp = s
			addrs[i] = sp
		}
		return addrs, nil
	}

	envAddrs, err := pushStrings(envp)
	if err != nil {
		return err
	}
	argAddrs, err := pushStrings(argv)
	if err != nil {
		return err
	}

	auxv, err := buildAuxv(m.CPU.Bits, m.Mem.ByteOrder(), 0, 0, m.entry, 0, randAddr)
	if err != nil {
		return err
	}
	sp, err = m.pushBytes(sp, auxv)
	if err != nil {
		return err
	}

	if sp, err = m.push(sp, 0); err != nil {
		return err
	}
	for i := len(envAddrs) - 1; i >= 0; i-- {
		if sp, err = m.push(sp, envAddrs[i]); err != nil {
			return err
		}
	}
	if sp, err = m.push(sp, 0); err != nil {
		return err
	}
	for i := len(argAddrs) - 1; i >= 0; i-- {
		if sp, err = m.push(sp, argAddrs[i]); err != nil {
			return err
		}
	}
	if sp, err = m.push(sp, uint64(len(argv))); err != nil {
		return err
	}

	m.CPU.WriteReg(riscv.X2, sp)
	return nil
}

// Run executes the guest for up to maxInstructions instructions (0 means
// unlimited), returning ExitStatus if the guest called exit/exit_group,
// the error that unwound the run otherwise (a *cpu.Fault from the
// interpreter or memory, or an error from a syscall handler such as a
// wrapped kernel.ErrUnimplemented), or nil alongside a RunResult
// reporting a timeout/user stop.
func (m *Machine) Run(maxInstructions uint64) (*cpu.RunResult, error) {
	res, err := m.CPU.Run(maxInstructions)
	if m.exited {
		return res, ExitStatus(m.exitCode)
	}
	if err != nil && m.cfg.ErrorCallback != nil {
		m.cfg.ErrorCallback(err)
	}
	return res, err
}

// Stop requests the running guest halt after its in-flight instruction.
func (m *Machine) Stop() { m.CPU.Stop() }

// ---- kernel.Context ----

func (m *Machine) Arg(n int) uint64 {
	regs := []riscv.Register{riscv.X10, riscv.X11, riscv.X12, riscv.X13, riscv.X14, riscv.X15}
	if n < 0 || n >= len(regs) {
		return 0
	}
	return m.CPU.ReadReg(regs[n])
}

func (m *Machine) SetReturn(v uint64) { m.CPU.WriteReg(riscv.X10, v) }

func (m *Machine) ReadBytes(addr uint64, buf []byte) error  { return m.Mem.ReadAt(addr, buf) }
func (m *Machine) WriteBytes(addr uint64, buf []byte) error { return m.Mem.WriteAt(addr, buf) }

func (m *Machine) RequestExit(code int) {
	m.exited = true
	m.exitCode = code
	m.CPU.Stop()
}

func (m *Machine) brk(addr uint64) (uint64, error) { return m.Mem.SetBrk(addr) }

func (m *Machine) write(fd int, p []byte) (int, error) {
	if m.cfg.StdoutCallback != nil {
		return m.cfg.StdoutCallback(fd, p)
	}
	switch fd {
	case 1:
		return os.Stdout.Write(p)
	case 2:
		return os.Stderr.Write(p)
	default:
		return 0, errors.Errorf("write: unsupported fd %d", fd)
	}
}

func (m *Machine) handleECALL(c *cpu.CPU) error {
	nr := c.ReadReg(riscv.X17)
	if m.cfg.TraceSys {
		fmt.Fprintf(os.Stderr, "SYSCALL %d\n", nr)
	}
	return m.Table.Dispatch(nr, m)
}
