package cpu

import "testing"

func TestDefaultPageReadsZero(t *testing.T) {
	p := newDefaultPage(0x1000)
	buf := make([]byte, 16)
	for i := range buf {
		buf[i] = 0xff
	}
	p.readAt(0, buf)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
}

func TestWriteMaterializesOwnedBuffer(t *testing.T) {
	p := newDefaultPage(0x1000)
	p.Attr.Write = true
	p.writeAt(4, []byte{1, 2, 3})
	if p.Data == nil {
		t.Fatal("expected Data to be materialized after write")
	}
	if p.Data[4] != 1 || p.Data[5] != 2 || p.Data[6] != 3 {
		t.Fatalf("unexpected written bytes: %v", p.Data[4:7])
	}
	if &p.Data[0] == &zeroPage[0] {
		t.Fatal("page must not alias the shared zero page after a write")
	}
}

func TestCOWCloneIsIndependent(t *testing.T) {
	p := newDefaultPage(0x2000)
	p.Attr.Write = true
	p.writeAt(0, []byte{9, 9})
	p.markCOW()

	clone := p.clone()
	clone.writeAt(0, []byte{1, 1})

	if p.Data[0] != 9 {
		t.Fatalf("original page mutated by clone's write: %v", p.Data[:2])
	}
	if clone.Data[0] != 1 {
		t.Fatalf("clone did not observe its own write: %v", clone.Data[:2])
	}
}

func TestSegGenBumpsOnWrite(t *testing.T) {
	p := newDefaultPage(0x3000)
	p.Attr.Write = true
	before := p.segGen
	p.writeAt(0, []byte{1})
	if p.segGen == before {
		t.Fatal("segGen should change after a write")
	}
}
