package bin

// NewSegmentAlignment caps the alignment of any segment the rewriter
// creates at one page; larger alignments only waste address space.
const NewSegmentAlignment = 0x1000

// Segment mirrors one program header entry and tracks the sections it
// contains in address order.
type Segment struct {
	offset uint64
	vaddr  uint64
	paddr  uint64
	filesz uint64
	memsz  uint64
	align  uint64
	attrs  Attrs

	// segment type carried through from the format (e.g. PT_LOAD);
	// format-specific numeric so the writer round-trips it untouched
	kind uint32

	sections []*Section

	index int
}

func NewSegment(kind uint32, attrs Attrs, align uint64) *Segment {
	return &Segment{kind: kind, attrs: attrs, align: align, index: -1}
}

func (p *Segment) Offset() uint64       { return p.offset }
func (p *Segment) Vaddr() uint64        { return p.vaddr }
func (p *Segment) Paddr() uint64        { return p.paddr }
func (p *Segment) FileSize() uint64     { return p.filesz }
func (p *Segment) MemSize() uint64      { return p.memsz }
func (p *Segment) Align() uint64        { return p.align }
func (p *Segment) Attrs() Attrs         { return p.attrs }
func (p *Segment) Kind() uint32         { return p.kind }
func (p *Segment) Index() int           { return p.index }
func (p *Segment) Sections() []*Section { return p.sections }

func (p *Segment) SetOffset(off uint64)  { p.offset = off }
func (p *Segment) SetVaddr(addr uint64)  { p.vaddr = addr; p.paddr = addr }
func (p *Segment) SetPaddr(addr uint64)  { p.paddr = addr }
func (p *Segment) SetFileSize(sz uint64) { p.filesz = sz }
func (p *Segment) SetMemSize(sz uint64)  { p.memsz = sz }
func (p *Segment) SetAlign(align uint64) { p.align = align }
func (p *Segment) SetAttrs(a Attrs)      { p.attrs = a }

// AddSection attaches a section, keeping the list in address order and
// recording the back-reference.
func (p *Segment) AddSection(s *Section) {
	at := len(p.sections)
	for i, cand := range p.sections {
		if cand.addr > s.addr {
			at = i
			break
		}
	}

	p.sections = append(p.sections, nil)
	copy(p.sections[at+1:], p.sections[at:])
	p.sections[at] = s

	s.segments = append(s.segments, p)
}

// RemoveSection detaches a section and drops the back-reference.
func (p *Segment) RemoveSection(s *Section) {
	for i, cand := range p.sections {
		if cand == s {
			p.sections = append(p.sections[:i], p.sections[i+1:]...)
			break
		}
	}

	for i, seg := range s.segments {
		if seg == p {
			s.segments = append(s.segments[:i], s.segments[i+1:]...)
			break
		}
	}
}

// Recompute refreshes offset, address and sizes from the first and last
// contained section. Trailing zero-data sections contribute to the
// memory size but never to the file size.
func (p *Segment) Recompute() {
	if len(p.sections) == 0 {
		return
	}

	first := p.sections[0]
	off := first.offset
	addr := first.addr

	// Keep a header prefix the segment already mapped below its first
	// section (the first PT_LOAD covers the ELF and program headers)
	if p.offset < off && addr >= off-p.offset && p.vaddr == addr-(off-p.offset) {
		off = p.offset
		addr = p.vaddr
	}

	p.offset = off
	p.vaddr = addr
	p.paddr = addr

	fileEnd := off
	memEnd := addr

	for _, s := range p.sections {
		if end := s.addr + s.size; end > memEnd {
			memEnd = end
		}

		if s.typ == SectionZeroData {
			continue
		}

		if end := s.offset + s.size; end > fileEnd {
			fileEnd = end
		}
	}

	p.filesz = fileEnd - p.offset
	p.memsz = memEnd - p.vaddr
}

// Contains reports whether addr falls inside the segment's memory image.
func (p *Segment) Contains(addr uint64) bool {
	return addr >= p.vaddr && addr < p.vaddr+p.memsz
}
