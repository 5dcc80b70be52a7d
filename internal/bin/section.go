package bin

// SectionType is the format-neutral classification of a section.
type SectionType int

const (
	SectionUnknown SectionType = iota
	SectionCode
	SectionData
	SectionZeroData
	SectionString
	SectionLabel
	SectionReloc
	SectionRefs
)

func (t SectionType) String() string {
	switch t {
	case SectionCode:
		return "code"
	case SectionData:
		return "data"
	case SectionZeroData:
		return "zero-data"
	case SectionString:
		return "string"
	case SectionLabel:
		return "label"
	case SectionReloc:
		return "reloc"
	case SectionRefs:
		return "refs"
	default:
		return "unknown"
	}
}

// Attrs is the attribute bitset shared by sections and segments.
type Attrs uint32

const (
	AttrLoad Attrs = 1 << iota
	AttrRead
	AttrWrite
	AttrExec
	AttrTLS
	AttrPatched
	AttrPatchReorder
	AttrStdCode
	AttrExtFctStubs
	AttrLocalData
)

func (a Attrs) Has(flag Attrs) bool { return a&flag != 0 }

// Section is the editable, format-neutral mirror of one file section.
// The entry array and the raw byte buffer are kept consistent by the
// single-authority rule: whichever side the last mutation touched is
// authoritative and the other side is rebuilt on demand before writing.
type Section struct {
	file *File

	name      string
	nameEntry *Entry // string record in the owning name table, if any
	typ       SectionType
	attrs     Attrs

	addr   uint64
	offset uint64
	size   uint64
	align  uint64

	// entsize is the fixed entry size, zero when entries are heterogeneous
	entsize uint64

	entries []*Entry
	data    []byte

	// ownsData is false when data aliases the creator's buffer; such a
	// buffer must not be freed or mutated through this section
	ownsData bool

	segments []*Segment

	index int

	// patched means the entry array was cloned for this patching session
	patched bool
}

func NewSection(name string, typ SectionType, attrs Attrs) *Section {
	return &Section{name: name, typ: typ, attrs: attrs, index: -1}
}

func (s *Section) Name() string         { return s.name }
func (s *Section) NameEntry() *Entry    { return s.nameEntry }
func (s *Section) Type() SectionType    { return s.typ }
func (s *Section) Attrs() Attrs         { return s.attrs }
func (s *Section) Addr() uint64         { return s.addr }
func (s *Section) Offset() uint64       { return s.offset }
func (s *Section) Size() uint64         { return s.size }
func (s *Section) Align() uint64        { return s.align }
func (s *Section) EntSize() uint64      { return s.entsize }
func (s *Section) Index() int           { return s.index }
func (s *Section) File() *File          { return s.file }
func (s *Section) Patched() bool        { return s.patched }
func (s *Section) OwnsData() bool       { return s.ownsData }
func (s *Section) Segments() []*Segment { return s.segments }

func (s *Section) SetAddr(addr uint64)    { s.addr = addr }
func (s *Section) SetOffset(off uint64)   { s.offset = off }
func (s *Section) SetSize(size uint64)    { s.size = size }
func (s *Section) SetAlign(align uint64)  { s.align = align }
func (s *Section) SetEntSize(size uint64) { s.entsize = size }
func (s *Section) SetType(t SectionType)  { s.typ = t }
func (s *Section) SetAttrs(a Attrs)       { s.attrs = a }
func (s *Section) AddAttrs(a Attrs)       { s.attrs |= a }
func (s *Section) SetNameEntry(e *Entry)  { s.nameEntry = e }
func (s *Section) SetName(name string)    { s.name = name }
func (s *Section) SetPatched(v bool)      { s.patched = v }

// IsLoaded reports whether the section occupies the load image.
func (s *Section) IsLoaded() bool { return s.attrs.Has(AttrLoad) }

// IsTLS reports whether the section belongs to the TLS template.
func (s *Section) IsTLS() bool { return s.attrs.Has(AttrTLS) }

// FileSize is the number of file bytes the section occupies: zero for
// zero-data sections, which never take space on disk.
func (s *Section) FileSize() uint64 {
	if s.typ == SectionZeroData {
		return 0
	}

	return s.size
}

// End returns the first address past the section in memory.
func (s *Section) End() uint64 { return s.addr + s.size }

func (s *Section) NumEntries() int { return len(s.entries) }

func (s *Section) Entry(i int) *Entry {
	if i < 0 || i >= len(s.entries) {
		return nil
	}

	return s.entries[i]
}

func (s *Section) Entries() []*Entry { return s.entries }

// EntryIndex returns the position of e in the entry array, or -1.
func (s *Section) EntryIndex(e *Entry) int {
	for i, cand := range s.entries {
		if cand == e {
			return i
		}
	}

	return -1
}

// AppendEntry attaches an entry at the current tail of the section and
// grows the section size by the entry size.
func (s *Section) AppendEntry(e *Entry) {
	e.section = s
	e.offset = s.size
	s.entries = append(s.entries, e)
	s.size += e.size
}

// SetEntries installs a parsed entry array. Entries receive offsets
// from the running size sum; the section size from the header stays
// authoritative.
func (s *Section) SetEntries(entries []*Entry) {
	off := uint64(0)
	for _, e := range entries {
		e.section = s
		e.offset = off
		off += e.size
	}

	s.entries = entries
}

// Data returns the raw byte buffer. Callers that got the buffer from a
// section not owning its data must treat it as read-only.
func (s *Section) Data() []byte { return s.data }

// SetData installs a raw byte buffer the section owns.
func (s *Section) SetData(b []byte) {
	s.data = b
	s.ownsData = true
	if uint64(len(b)) > s.size {
		s.size = uint64(len(b))
	}
}

// SetSharedData installs a buffer aliased from the creator file.
func (s *Section) SetSharedData(b []byte) {
	s.data = b
	s.ownsData = false
}

// RecomputeOffsets reassigns each entry's offset from the running sum
// of entry sizes and refreshes the section size. Needed after entry
// insertion anywhere but the tail.
func (s *Section) RecomputeOffsets() {
	off := uint64(0)
	for _, e := range s.entries {
		e.offset = off
		off += e.size
	}

	s.size = off
}

// cloneForPatch builds the copy-on-write clone used by patch sessions:
// a fresh Section struct sharing the raw buffer (not owned) with a
// duplicated entry array whose entries still point at the originals.
func (s *Section) cloneForPatch(owner *File) *Section {
	dup := *s
	dup.file = owner
	dup.ownsData = false
	dup.patched = true
	dup.entries = make([]*Entry, len(s.entries))
	copy(dup.entries, s.entries)
	dup.segments = append([]*Segment(nil), s.segments...)

	return &dup
}
