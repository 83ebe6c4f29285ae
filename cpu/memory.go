package cpu

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// MaxExecuteSegs bounds the number of decoded execute segments kept live
// at once; exceeding it evicts the least-recently-used segment.
const MaxExecuteSegs = 8

// cachedPage is the single-entry read/write page cache used to avoid a
// map lookup on repeated straight-line access to the same page.
type cachedPage struct {
	pageno uint64
	page   *Page
}

type mmapFreeRange struct {
	addr, size uint64
}

// ReadFaultHandler is consulted by GetReadablePageNo when a page is
// entirely unmapped; it may synthesize a page (e.g. lazily materializing
// a demand-paged mapping) or return ok=false to let the caller fault.
type ReadFaultHandler func(m *Memory, pageno uint64) (*Page, bool)

// WriteFaultHandler implements the page_write_handler contract: given the
// page about to receive its first write, it returns the page that should
// actually be mutated (by default, an owned clone of a cow page). Forks
// and snapshot tools may interpose their own handler.
type WriteFaultHandler func(m *Memory, p *Page) *Page

// Memory owns a guest address space: a sparse page map for irregular or
// permission-sensitive regions (the loaded image's text/rodata, the
// stack, mmap'd ranges) plus a flat arena that fast-paths bulk access to
// the brk heap that sits just above the image.
//
// Design note on the arena's extent:
// RISC-V static binaries place text (exec, not writable) and rodata
// (read-only) at the lowest addresses, with the writable data segment,
// bss, and the brk-extendable heap immediately above. A single monotonic
// write_boundary counted from guest address 0 cannot admit "writable from
// here up" while excluding a non-writable prefix, so this Memory anchors
// the arena at a caller-chosen base (arenaBase) rather than at address 0.
// Machine passes the first page past the loaded image: every PT_LOAD
// segment, including data and bss, is a real Page mapped by the loader
// with its own attributes, and the arena covers exactly the brk heap,
// where bulk linear access actually concentrates. initialRodataEnd is
// kept as an arena-relative field in case a future loader chooses to
// fold a rodata tail into the arena; it is otherwise zero.
type Memory struct {
	bits  uint
	mask  uint64
	order binary.ByteOrder

	pages map[uint64]*Page

	arenaBase          uint64
	arena              []byte
	arenaReadBoundary  uint64 // offset from arenaBase
	arenaWriteBoundary uint64 // offset from arenaBase
	initialRodataEnd   uint64 // offset from arenaBase

	rdCache *cachedPage
	wrCache *cachedPage

	mmapFree []mmapFreeRange
	mmapNext uint64

	heapEnd uint64

	execSegs   [MaxExecuteSegs]*ExecSegment
	execOrder  []int // indices into execSegs, front = most recently used
	execInUse  int

	ReadFault  ReadFaultHandler
	WriteFault WriteFaultHandler

	// ReadTrace/WriteTrace, if set, are invoked once per top-level
	// ReadAt/WriteAt call (not per cross-page sub-access) with the
	// address and length requested. Memory itself never logs; this is
	// the seam a Machine wires memory-access tracing through.
	ReadTrace  func(addr uint64, size int)
	WriteTrace func(addr uint64, size int)

	StrictAlign bool
}

// NewMemory constructs an empty address space for the given address
// width (32 or 64).
func NewMemory(bits uint, order binary.ByteOrder) *Memory {
	return &Memory{
		bits:  bits,
		mask:  ^uint64(0) >> (64 - bits),
		order: order,
		pages: make(map[uint64]*Page),
	}
}

func (m *Memory) Bits() uint                  { return m.bits }
func (m *Memory) ByteOrder() binary.ByteOrder { return m.order }

func pageNo(addr uint64) uint64   { return addr >> PageShift }
func pageBase(addr uint64) uint64 { return addr &^ uint64(PageSize-1) }

// InitArena reserves the arena buffer. base is the guest address the
// arena begins at (Machine uses the first page past the loaded image);
// size is rounded up to a page boundary. Both boundaries start at size
// (the whole arena begins readable and writable) until a RELRO strip,
// MMIO trap install, or permission change downgrades them. The program
// break starts at base, so SetBrk grows the heap from the arena's start.
func (m *Memory) InitArena(base, size uint64) {
	size = (size + PageSize - 1) &^ uint64(PageSize-1)
	m.arenaBase = base
	m.arena = make([]byte, size)
	m.arenaReadBoundary = size
	m.arenaWriteBoundary = size
	m.heapEnd = base
}

func (m *Memory) inArena(addr uint64) bool {
	return len(m.arena) > 0 && addr >= m.arenaBase && addr < m.arenaBase+uint64(len(m.arena))
}

// GetPage returns the page covering addr, never failing: an unmapped
// address yields a read-only view of the global zero page.
func (m *Memory) GetPage(addr uint64) *Page {
	pn := pageNo(addr)
	if p, ok := m.pages[pn]; ok {
		return p
	}
	return newDefaultPage(pageBase(addr))
}

// GetReadablePageNo resolves pageno for a read, consulting ReadFault if
// the page is entirely unmapped.
func (m *Memory) GetReadablePageNo(pn uint64) (*Page, error) {
	if p, ok := m.pages[pn]; ok {
		if !p.Attr.Read {
			return nil, NewFault(ProtectionFault, pn<<PageShift, 0)
		}
		return p, nil
	}
	if m.ReadFault != nil {
		if p, ok := m.ReadFault(m, pn); ok {
			return p, nil
		}
	}
	return newDefaultPage(pn << PageShift), nil
}

// GetExecPageNo resolves pageno for instruction fetch. Absence never
// defaults to executable, matching the invariant that the zero page and
// any unmapped region can never be fetched from.
func (m *Memory) GetExecPageNo(pn uint64) (*Page, error) {
	p, ok := m.pages[pn]
	if !ok || !p.Attr.Exec {
		return nil, NewFault(ExecutionSpaceProtectionFault, pn<<PageShift, 0)
	}
	return p, nil
}

// CreateWritablePageNo returns an owned, writable page for pn, cloning a
// cow source via WriteFault (or the default clone-on-write behavior) on
// first write. If initialize is false and no page exists, a fresh
// zero-filled owned page is installed.
func (m *Memory) CreateWritablePageNo(pn uint64, initialize bool) (*Page, error) {
	p, ok := m.pages[pn]
	if !ok {
		p = newDefaultPage(pn << PageShift)
		p.Attr.Read = true
		p.Attr.Write = true
		m.pages[pn] = p
	}
	if !p.Attr.Write && !p.Attr.COW {
		return nil, NewFault(ProtectionFault, pn<<PageShift, 0)
	}
	if p.Attr.COW {
		var fresh *Page
		if m.WriteFault != nil {
			fresh = m.WriteFault(m, p)
		} else {
			fresh = p.clone()
			fresh.Attr.COW = false
		}
		m.pages[pn] = fresh
		p = fresh
	} else if initialize && p.Data == nil {
		p.ensureOwned()
	}
	m.invalidateCaches(pn)
	return p, nil
}

// SetPageAttr changes permissions on [addr, addr+length), splitting any
// arena coverage out of the way and invalidating caches: revoking read or
// write, or installing a trap, lowers both arena boundaries to
// min(boundary, range_start) and moves the arena bytes from range_start
// up to the old boundary into pages, so the region leaves the arena
// entirely and a trap can never be shadowed by the fast path.
func (m *Memory) SetPageAttr(addr, length uint64, attr PageAttr) error {
	start, end := pageBase(addr), pageBase(addr+length+PageSize-1)
	if m.inArena(addr) {
		if !attr.Write || attr.Trap || !attr.Read {
			// Everything from start up to the *old* read boundary is about
			// to fall below the (now lower) fast-path cutoff, so it must be
			// materialized into pages here or it becomes unreachable: below
			// the arena boundary but still absent from the page map.
			oldReadEnd := m.arenaBase + m.arenaReadBoundary
			m.arenaReadBoundary = min64(m.arenaReadBoundary, start-m.arenaBase)
			m.arenaWriteBoundary = min64(m.arenaWriteBoundary, start-m.arenaBase)
			if err := m.materializeFromArena(start, max64(end, oldReadEnd)); err != nil {
				return err
			}
		}
	}
	for pn := pageNo(start); pn < pageNo(end); pn++ {
		p, ok := m.pages[pn]
		if !ok {
			p = newDefaultPage(pn << PageShift)
			m.pages[pn] = p
		}
		p.Attr = attr
		m.invalidateCaches(pn)
		if !attr.Exec {
			m.dropExecSeg(pn)
		}
	}
	return nil
}

// SetTrap installs an MMIO trap callback across [addr, addr+length).
func (m *Memory) SetTrap(addr, length uint64, cb TrapFunc) error {
	start, end := pageBase(addr), pageBase(addr+length+PageSize-1)
	if m.inArena(addr) {
		oldReadEnd := m.arenaBase + m.arenaReadBoundary
		m.arenaReadBoundary = min64(m.arenaReadBoundary, start-m.arenaBase)
		m.arenaWriteBoundary = min64(m.arenaWriteBoundary, start-m.arenaBase)
		if err := m.materializeFromArena(start, max64(end, oldReadEnd)); err != nil {
			return err
		}
	}
	for pn := pageNo(start); pn < pageNo(end); pn++ {
		p, ok := m.pages[pn]
		if !ok {
			p = newDefaultPage(pn << PageShift)
			p.Attr.Read = true
			p.Attr.Write = true
			m.pages[pn] = p
		}
		p.Attr.Trap = true
		p.TrapCB = cb
		m.invalidateCaches(pn)
	}
	return nil
}

func (m *Memory) materializeFromArena(start, end uint64) error {
	for addr := start; addr < end; addr += PageSize {
		if !m.inArena(addr) {
			continue
		}
		pn := pageNo(addr)
		if _, ok := m.pages[pn]; ok {
			continue
		}
		off := addr - m.arenaBase
		data := make([]byte, PageSize)
		copy(data, m.arena[off:off+PageSize])
		m.pages[pn] = &Page{Addr: addr, Attr: PageAttr{Read: true, Write: true}, Data: data}
	}
	return nil
}

func (m *Memory) invalidateCaches(pn uint64) {
	if m.rdCache != nil && m.rdCache.pageno == pn {
		m.rdCache = nil
	}
	if m.wrCache != nil && m.wrCache.pageno == pn {
		m.wrCache = nil
	}
	m.dropExecSeg(pn)
}

// MapRange eagerly installs owned pages covering [addr, addr+length)
// with the given attributes and initial contents (shorter than length,
// the remainder is zero), used by the ELF loader for PT_LOAD segments
// and by stack/mmap setup.
func (m *Memory) MapRange(addr, length uint64, attr PageAttr, data []byte) error {
	start := pageBase(addr)
	end := pageBase(addr+length+PageSize-1)
	buf := make([]byte, end-start)
	copy(buf[addr-start:], data)
	for pn := pageNo(start); pn < pageNo(end); pn++ {
		off := pn*PageSize - start
		m.pages[pn] = &Page{Addr: pn << PageShift, Attr: attr, Data: append([]byte(nil), buf[off:off+PageSize]...)}
		m.invalidateCaches(pn)
	}
	return nil
}

// UnmapRange removes pages covering [addr, addr+length).
func (m *Memory) UnmapRange(addr, length uint64) {
	start := pageBase(addr)
	end := pageBase(addr + length + PageSize - 1)
	for pn := pageNo(start); pn < pageNo(end); pn++ {
		delete(m.pages, pn)
		m.invalidateCaches(pn)
	}
}

// ---- load/store hot path ----

// ReadAt reads len(buf) bytes starting at addr, preferring the arena fast
// path, falling back to the page cache, and decomposing cross-page
// accesses into sub-accesses.
func (m *Memory) ReadAt(addr uint64, buf []byte) error {
	if m.ReadTrace != nil && len(buf) > 0 {
		m.ReadTrace(addr, len(buf))
	}
	return m.readAt(addr, buf)
}

func (m *Memory) readAt(addr uint64, buf []byte) error {
	addr &= m.mask
	size := uint64(len(buf))
	if size == 0 {
		return nil
	}
	if m.StrictAlign && isPow2Size(size) && addr%size != 0 {
		return NewFault(MisalignedMemory, addr, size)
	}
	if m.inArena(addr) && addr+size <= m.arenaBase+m.arenaReadBoundary {
		off := addr - m.arenaBase
		copy(buf, m.arena[off:off+size])
		return nil
	}
	if pageNo(addr) == pageNo(addr+size-1) {
		return m.readPage(addr, buf)
	}
	// cross-page: split at the boundary and recurse.
	firstLen := PageSize - (addr % PageSize)
	if err := m.readAt(addr, buf[:firstLen]); err != nil {
		return err
	}
	return m.readAt(addr+firstLen, buf[firstLen:])
}

func (m *Memory) readPage(addr uint64, buf []byte) error {
	pn := pageNo(addr)
	var p *Page
	if m.rdCache != nil && m.rdCache.pageno == pn {
		p = m.rdCache.page
	} else {
		var err error
		p, err = m.GetReadablePageNo(pn)
		if err != nil {
			return err
		}
		m.rdCache = &cachedPage{pn, p}
	}
	if !p.Attr.Read {
		return NewFault(ProtectionFault, addr, uint64(len(buf)))
	}
	if p.Attr.Trap && p.TrapCB != nil {
		if err := p.TrapCB(addr-p.Addr, TrapRead, pn); err != nil {
			return err
		}
	}
	p.readAt(addr-p.Addr, buf)
	return nil
}

// WriteAt writes buf starting at addr, following the same fast-path /
// page-cache / cross-page-decomposition rules as ReadAt, but against the
// (≤) write boundary and triggering copy-on-write on first write to a
// cow page.
func (m *Memory) WriteAt(addr uint64, buf []byte) error {
	if m.WriteTrace != nil && len(buf) > 0 {
		m.WriteTrace(addr, len(buf))
	}
	return m.writeAt(addr, buf)
}

func (m *Memory) writeAt(addr uint64, buf []byte) error {
	addr &= m.mask
	size := uint64(len(buf))
	if size == 0 {
		return nil
	}
	if m.StrictAlign && isPow2Size(size) && addr%size != 0 {
		return NewFault(MisalignedMemory, addr, size)
	}
	if m.inArena(addr) && addr+size <= m.arenaBase+m.arenaWriteBoundary {
		off := addr - m.arenaBase
		copy(m.arena[off:off+size], buf)
		return nil
	}
	if pageNo(addr) == pageNo(addr+size-1) {
		return m.writePage(addr, buf)
	}
	firstLen := PageSize - (addr % PageSize)
	if err := m.writeAt(addr, buf[:firstLen]); err != nil {
		return err
	}
	return m.writeAt(addr+firstLen, buf[firstLen:])
}

func (m *Memory) writePage(addr uint64, buf []byte) error {
	pn := pageNo(addr)
	p, ok := m.pages[pn]
	if !ok || (!p.Attr.Write && !p.Attr.COW) {
		return NewFault(ProtectionFault, addr, uint64(len(buf)))
	}
	if p.Attr.COW {
		np, err := m.CreateWritablePageNo(pn, true)
		if err != nil {
			return err
		}
		p = np
	}
	if p.Attr.Trap && p.TrapCB != nil {
		if err := p.TrapCB(addr-p.Addr, TrapWrite, pn); err != nil {
			return err
		}
	}
	p.writeAt(addr-p.Addr, buf)
	if p.Attr.Exec {
		m.dropExecSeg(pn)
	}
	if m.wrCache != nil && m.wrCache.pageno == pn {
		m.wrCache.page = p
	} else {
		m.wrCache = &cachedPage{pn, p}
	}
	return nil
}

// ReadUint/WriteUint are the register- and CSR-facing convenience forms
// of ReadAt/WriteAt for widths up to 8 bytes.
func (m *Memory) ReadUint(addr uint64, size int) (uint64, error) {
	var buf [8]byte
	if err := m.ReadAt(addr, buf[:size]); err != nil {
		return 0, err
	}
	return UnpackUint(m.order, size, buf[:size])
}

func (m *Memory) WriteUint(addr uint64, size int, val uint64) error {
	var buf [8]byte
	b, err := PackUint(m.order, size, buf[:size], val)
	if err != nil {
		return err
	}
	return m.WriteAt(addr, b)
}

// GatherEntry is one contiguous host-memory run produced by GatherBuffers.
type GatherEntry struct {
	Data []byte
}

// GatherBuffers produces a sequence of host byte slices covering
// [addr, addr+length), straddling arena/page boundaries as needed, for
// zero-copy scatter-gather I/O. It fails with an error if more than
// capacity entries would be required.
func (m *Memory) GatherBuffers(capacity int, addr, length uint64) ([]GatherEntry, error) {
	var out []GatherEntry
	remaining := length
	cur := addr
	for remaining > 0 {
		if len(out) >= capacity {
			return nil, errors.Errorf("gather_buffers_from_range: insufficient capacity (%d)", capacity)
		}
		if m.inArena(cur) && cur < m.arenaBase+m.arenaReadBoundary {
			off := cur - m.arenaBase
			end := m.arenaBase + m.arenaReadBoundary
			if cur+remaining < end {
				end = cur + remaining
			}
			n := end - cur
			out = append(out, GatherEntry{Data: m.arena[off : off+n]})
			cur += n
			remaining -= n
			continue
		}
		pn := pageNo(cur)
		p, err := m.GetReadablePageNo(pn)
		if err != nil {
			return nil, err
		}
		pageEnd := p.Addr + PageSize
		n := pageEnd - cur
		if n > remaining {
			n = remaining
		}
		off := cur - p.Addr
		out = append(out, GatherEntry{Data: p.bytes()[off : off+n]})
		cur += n
		remaining -= n
	}
	return out, nil
}

// ---- mmap allocator ----

// InitMmap sets the address the bump allocator starts handing out from.
func (m *Memory) InitMmap(addr uint64) { m.mmapNext = addr }

func (m *Memory) MmapAllocate(size uint64) (uint64, error) {
	size = (size + PageSize - 1) &^ uint64(PageSize-1)
	for i, f := range m.mmapFree {
		if f.size >= size {
			addr := f.addr
			if f.size == size {
				m.mmapFree = append(m.mmapFree[:i], m.mmapFree[i+1:]...)
			} else {
				m.mmapFree[i] = mmapFreeRange{f.addr + size, f.size - size}
			}
			if err := m.MapRange(addr, size, PageAttr{Read: true, Write: true}, nil); err != nil {
				return 0, err
			}
			return addr, nil
		}
	}
	addr := m.mmapNext
	m.mmapNext += size
	if err := m.MapRange(addr, size, PageAttr{Read: true, Write: true}, nil); err != nil {
		return 0, err
	}
	return addr, nil
}

// MmapRelax shrinks or grows an existing mapping in place, lowering the
// bump pointer back down when the shrunk region was the current top.
func (m *Memory) MmapRelax(addr, size, newSize uint64) (uint64, error) {
	size = (size + PageSize - 1) &^ uint64(PageSize-1)
	newSize = (newSize + PageSize - 1) &^ uint64(PageSize-1)
	if newSize < size {
		m.UnmapRange(addr+newSize, size-newSize)
		if addr+size == m.mmapNext {
			m.mmapNext = addr + newSize
		} else {
			m.mmapFree = append(m.mmapFree, mmapFreeRange{addr + newSize, size - newSize})
		}
		return addr, nil
	} else if newSize > size {
		na, err := m.MmapAllocate(newSize)
		if err != nil {
			return 0, err
		}
		return na, nil
	}
	return addr, nil
}

func (m *Memory) MmapUnmap(addr, size uint64) error {
	size = (size + PageSize - 1) &^ uint64(PageSize-1)
	m.UnmapRange(addr, size)
	if addr+size == m.mmapNext {
		m.mmapNext = addr
	} else {
		m.mmapFree = append(m.mmapFree, mmapFreeRange{addr, size})
	}
	return nil
}

// SetBrk grows or shrinks the heap up to addr, returning the new break.
// Heap growth lives in the arena when addr stays within its capacity.
func (m *Memory) SetBrk(addr uint64) (uint64, error) {
	if addr == 0 {
		return m.heapEnd, nil
	}
	if addr > m.heapEnd {
		if m.inArena(addr - 1) {
			m.arenaReadBoundary = max64(m.arenaReadBoundary, addr-m.arenaBase)
			m.arenaWriteBoundary = max64(m.arenaWriteBoundary, addr-m.arenaBase)
		} else if err := m.MapRange(m.heapEnd, addr-m.heapEnd, PageAttr{Read: true, Write: true}, nil); err != nil {
			return 0, err
		}
	}
	m.heapEnd = addr
	return m.heapEnd, nil
}

// ---- introspection ----

// Mapping describes one mapped page (Mappings returns one entry per page,
// sorted by address, with no coalescing of neighbours), used for
// /proc/self/maps-style introspection and debugger contracts.
type Mapping struct {
	Addr, Size uint64
	Attr       PageAttr
}

// Fork produces a child address space sharing this Memory's arena
// contents (duplicated, since the arena bypasses the page map and so has
// no other way to participate in copy-on-write) and decode cache
// (shared, since decoded bytes are immutable until invalidated), while
// every currently-writable, non-shared page is marked cow in both the
// parent and the child so the first writer on either side clones off an
// independent copy.
func (m *Memory) Fork() *Memory {
	child := &Memory{
		bits:               m.bits,
		mask:               m.mask,
		order:              m.order,
		pages:              make(map[uint64]*Page, len(m.pages)),
		arenaBase:          m.arenaBase,
		arenaReadBoundary:  m.arenaReadBoundary,
		arenaWriteBoundary: m.arenaWriteBoundary,
		initialRodataEnd:   m.initialRodataEnd,
		mmapNext:           m.mmapNext,
		heapEnd:            m.heapEnd,
		ReadFault:          m.ReadFault,
		WriteFault:         m.WriteFault,
		StrictAlign:        m.StrictAlign,
	}
	child.arena = append([]byte(nil), m.arena...)
	child.mmapFree = append([]mmapFreeRange(nil), m.mmapFree...)
	for pn, p := range m.pages {
		if p.Attr.Write && !p.Attr.Shared {
			p.markCOW()
		}
		child.pages[pn] = p
	}
	child.execSegs = m.execSegs
	child.execOrder = append([]int(nil), m.execOrder...)
	return child
}

func (m *Memory) Mappings() []Mapping {
	out := make([]Mapping, 0, len(m.pages))
	for pn, p := range m.pages {
		out = append(out, Mapping{Addr: pn << PageShift, Size: PageSize, Attr: p.Attr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func isPow2Size(n uint64) bool {
	return n == 1 || n == 2 || n == 4 || n == 8
}
