package bin

// EntryKind discriminates the variants a typed section entry can hold.
type EntryKind int

const (
	EntryNil EntryKind = iota
	EntryRaw
	EntryVal
	EntryStr
	EntryPtr
	EntryLbl
	EntryRel
)

func (k EntryKind) String() string {
	switch k {
	case EntryNil:
		return "NIL"
	case EntryRaw:
		return "RAW"
	case EntryVal:
		return "VAL"
	case EntryStr:
		return "STR"
	case EntryPtr:
		return "PTR"
	case EntryLbl:
		return "LBL"
	case EntryRel:
		return "REL"
	default:
		return "?"
	}
}

// Entry is one typed element of a section: a raw byte run, an integer
// value, a string record, a pointer, a label or a relocation. Entries
// know their size, their offset inside the owning section, and the
// section itself, so moving the section is enough to re-derive every
// entry address.
type Entry struct {
	kind    EntryKind
	size    uint64
	offset  uint64
	section *Section

	raw []byte
	val uint64
	str string
	ptr *Pointer
	lbl *Label
	rel *Reloc

	// tag carries per-format entry metadata (e.g. the d_tag of a
	// dynamic entry) that the variant payload cannot hold
	tag int64

	// patched marks entries that were cloned during a patching session;
	// the writer regenerates bytes only for sections containing these.
	patched bool
}

func NewRawEntry(raw []byte) *Entry {
	return &Entry{kind: EntryRaw, raw: raw, size: uint64(len(raw))}
}

func NewValEntry(val uint64, size uint64) *Entry {
	return &Entry{kind: EntryVal, val: val, size: size}
}

func NewStrEntry(s string) *Entry {
	// NUL terminator is part of the record in a string section
	return &Entry{kind: EntryStr, str: s, size: uint64(len(s)) + 1}
}

func NewPtrEntry(p *Pointer, size uint64) *Entry {
	return &Entry{kind: EntryPtr, ptr: p, size: size}
}

func NewLblEntry(l *Label, size uint64) *Entry {
	e := &Entry{kind: EntryLbl, lbl: l, size: size}
	l.entry = e
	return e
}

func NewRelEntry(r *Reloc, size uint64) *Entry {
	return &Entry{kind: EntryRel, rel: r, size: size}
}

func NewNilEntry(size uint64) *Entry {
	return &Entry{kind: EntryNil, size: size}
}

func (e *Entry) Kind() EntryKind   { return e.kind }
func (e *Entry) Size() uint64      { return e.size }
func (e *Entry) Offset() uint64    { return e.offset }
func (e *Entry) Section() *Section { return e.section }
func (e *Entry) Raw() []byte       { return e.raw }
func (e *Entry) Val() uint64       { return e.val }
func (e *Entry) Str() string       { return e.str }
func (e *Entry) Ptr() *Pointer     { return e.ptr }
func (e *Entry) Label() *Label     { return e.lbl }
func (e *Entry) Reloc() *Reloc     { return e.rel }
func (e *Entry) Patched() bool     { return e.patched }
func (e *Entry) Tag() int64        { return e.tag }
func (e *Entry) SetTag(tag int64)  { e.tag = tag }

func (e *Entry) SetVal(v uint64) { e.val = v }

// BecomeReloc turns a placeholder entry into a relocation entry in
// place; size, offset and section linkage stay untouched.
func (e *Entry) BecomeReloc(r *Reloc) {
	e.kind = EntryRel
	e.rel = r
	e.patched = true
}

// BecomePointer turns a value entry into a pointer entry in place;
// size, offset and section linkage stay untouched.
func (e *Entry) BecomePointer(p *Pointer) {
	e.kind = EntryPtr
	e.ptr = p
	e.patched = true
}
func (e *Entry) SetRaw(b []byte) { e.raw = b; e.size = uint64(len(b)) }
func (e *Entry) SetPatched()     { e.patched = true }

// Addr returns the virtual address of the entry, derived from the
// owning section's current address.
func (e *Entry) Addr() uint64 {
	if e.section == nil {
		return e.offset
	}

	return e.section.addr + e.offset
}

// clone returns a copy of the entry marked patched. Payloads the entry
// owns (raw bytes, its pointer) are duplicated so mutating the clone
// cannot reach the creator; labels and relocations stay shared because
// the cross-reference table indexes them by identity.
func (e *Entry) clone() *Entry {
	dup := *e
	dup.patched = true

	if e.kind == EntryRaw && e.raw != nil {
		dup.raw = make([]byte, len(e.raw))
		copy(dup.raw, e.raw)
	}

	if e.ptr != nil {
		p := *e.ptr
		dup.ptr = &p
	}

	return &dup
}
