package cpu

import "bytes"

const (
	// PageSize is the fixed guest page size in bytes.
	PageSize = 4096
	// PageShift is log2(PageSize), used to convert an address to a page number.
	PageShift = 12
)

// zeroPage is the process-wide immutable backing for unmapped-but-read
// pages. It is never mutated; a write to a region backed by it must first
// go through create_writable_pageno, which allocates a fresh owned buffer.
var zeroPage = make([]byte, PageSize)

// TrapKind identifies the kind of access that triggered a Page's trap
// callback.
type TrapKind int

const (
	TrapRead TrapKind = iota
	TrapWrite
	TrapExec
)

// TrapFunc is invoked before a trapped access completes. It may return an
// error to abort the access (surfaced as a Fault by the caller).
type TrapFunc func(offset uint64, kind TrapKind, pageno uint64) error

// PageAttr holds the permission/role bits of a Page: exec implies
// readable, cow implies not-writable-until-faulted, shared forbids
// writes, and the zero page (IsDefault) is never mutated.
type PageAttr struct {
	Read      bool
	Write     bool
	Exec      bool
	Shared    bool
	COW       bool
	Trap      bool
	IsDefault bool
}

// Page is a single 4KiB unit of guest memory.
type Page struct {
	Addr uint64 // page-aligned base address
	Attr PageAttr

	// Data is the backing bytes. A nil Data with IsDefault set means this
	// page reads as zeroPage without owning any storage. A non-nil Data
	// that aliases a slice of the owning Memory's arena buffer has
	// FromArena set, so writes must not be treated as an independent
	// allocation when the page is later split or unmapped.
	Data      []byte
	FromArena bool

	TrapCB TrapFunc

	// segGen is bumped whenever the page's bytes are written or it takes
	// an owned copy of its data, so an ExecSegment can detect staleness
	// without re-hashing the whole page. Revoking the exec attribute does
	// not bump it; Memory drops the page's ExecSegment instead.
	segGen uint64
}

// newDefaultPage returns a read-only page backed by the shared zero page.
func newDefaultPage(addr uint64) *Page {
	return &Page{Addr: addr, Attr: PageAttr{Read: true, IsDefault: true}}
}

// bytes returns a read view of the page's contents without copying when
// possible. Callers must not mutate the returned slice when IsDefault is
// true (it aliases the global zero page).
func (p *Page) bytes() []byte {
	if p.Data == nil {
		return zeroPage
	}
	return p.Data
}

// ensureOwned materializes an independent, writable backing buffer for
// the page, cloning from the zero page or a cow source as needed. It is
// the single-page half of CreateWritablePageNo's clone-on-write contract.
func (p *Page) ensureOwned() {
	if p.Data != nil && !p.FromArena && !p.Attr.COW {
		return
	}
	fresh := make([]byte, PageSize)
	copy(fresh, p.bytes())
	p.Data = fresh
	p.FromArena = false
	p.Attr.COW = false
	p.segGen++
}

// clone produces an independent copy of the page, used both by
// ensureOwned's COW path and by Machine.Fork.
func (p *Page) clone() *Page {
	data := make([]byte, PageSize)
	copy(data, p.bytes())
	return &Page{Addr: p.Addr, Attr: p.Attr, Data: data}
}

func (p *Page) readAt(off uint64, dst []byte) {
	copy(dst, p.bytes()[off:])
}

func (p *Page) writeAt(off uint64, src []byte) {
	p.ensureOwned()
	copy(p.Data[off:], src)
	p.segGen++
}

// markCOW marks the page copy-on-write and read-only shared, used when
// forking a Machine.
func (p *Page) markCOW() {
	p.Attr.COW = true
}

// PackAttr encodes a PageAttr as a bitfield for savestate serialization.
// IsDefault and Trap are deliberately excluded: a restored page is never
// the shared zero page, and a trap callback is a Go closure that cannot
// be serialized, so the embedder re-installs traps after Restore.
func PackAttr(a PageAttr) uint32 {
	var v uint32
	if a.Read {
		v |= 1 << 0
	}
	if a.Write {
		v |= 1 << 1
	}
	if a.Exec {
		v |= 1 << 2
	}
	if a.Shared {
		v |= 1 << 3
	}
	if a.COW {
		v |= 1 << 4
	}
	return v
}

// UnpackAttr is the inverse of PackAttr.
func UnpackAttr(v uint32) PageAttr {
	return PageAttr{
		Read:   v&(1<<0) != 0,
		Write:  v&(1<<1) != 0,
		Exec:   v&(1<<2) != 0,
		Shared: v&(1<<3) != 0,
		COW:    v&(1<<4) != 0,
	}
}

// equalBytes reports whether the page's current contents match a
// previously captured snapshot. Nothing in this package calls it: the
// execute-segment cache detects changed bytes through segGen.
func (p *Page) equalBytes(snapshot []byte) bool {
	return bytes.Equal(p.bytes(), snapshot)
}
