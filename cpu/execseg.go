package cpu

// DecodedInsn is one lazily-decoded instruction slot within an
// ExecSegment. Handler is nil until the slot is first fetched.
type DecodedInsn struct {
	Raw     uint32
	Size    int // 2 for a compressed instruction, 4 otherwise
	Handler interface{}
}

// ExecSegment is the per-page decode cache: a flat array of
// lazily-decoded instruction slots for a single executable page, indexed
// by (pc-base)/2 so both 2-byte (compressed) and 4-byte instructions
// land on a valid slot boundary.
type ExecSegment struct {
	pageno  uint64
	base    uint64
	gen     uint64 // snapshot of Page.segGen when this segment was built
	entries []DecodedInsn
}

func newExecSegment(p *Page) *ExecSegment {
	return &ExecSegment{
		pageno:  pageNo(p.Addr),
		base:    p.Addr,
		gen:     p.segGen,
		entries: make([]DecodedInsn, PageSize/2),
	}
}

func (s *ExecSegment) slot(pc uint64) *DecodedInsn {
	return &s.entries[(pc-s.base)/2]
}

func (s *ExecSegment) stale(p *Page) bool {
	return s.gen != p.segGen
}

// execSegFor returns the decode cache for the page containing pc,
// building or rebuilding it if necessary and evicting the
// least-recently-used segment once MaxExecuteSegs are live.
func (m *Memory) execSegFor(pc uint64) (*ExecSegment, *Page, error) {
	p, err := m.GetExecPageNo(pageNo(pc))
	if err != nil {
		return nil, nil, err
	}
	pn := pageNo(pc)
	for i, seg := range m.execSegs {
		if seg != nil && seg.pageno == pn {
			if seg.stale(p) {
				m.execSegs[i] = newExecSegment(p)
			}
			m.touchExecSeg(i)
			return m.execSegs[i], p, nil
		}
	}
	idx := m.allocExecSlot()
	m.execSegs[idx] = newExecSegment(p)
	m.touchExecSeg(idx)
	return m.execSegs[idx], p, nil
}

func (m *Memory) allocExecSlot() int {
	for i, seg := range m.execSegs {
		if seg == nil {
			return i
		}
	}
	// evict the back of the LRU order (m.execOrder[len-1]).
	victim := m.execOrder[len(m.execOrder)-1]
	m.execOrder = m.execOrder[:len(m.execOrder)-1]
	m.execSegs[victim] = nil
	return victim
}

func (m *Memory) touchExecSeg(idx int) {
	for i, v := range m.execOrder {
		if v == idx {
			m.execOrder = append(m.execOrder[:i], m.execOrder[i+1:]...)
			break
		}
	}
	m.execOrder = append([]int{idx}, m.execOrder...)
}

// dropExecSeg invalidates any live segment for pn, called whenever a
// page's instruction bytes change or its exec attribute is revoked.
func (m *Memory) dropExecSeg(pn uint64) {
	for i, seg := range m.execSegs {
		if seg != nil && seg.pageno == pn {
			m.execSegs[i] = nil
			for j, v := range m.execOrder {
				if v == i {
					m.execOrder = append(m.execOrder[:j], m.execOrder[j+1:]...)
					break
				}
			}
			return
		}
	}
}
