package bin

import (
	"fmt"
	"io"
)

// Format tags the container format of a binary file.
type Format int

const (
	FormatUnknown Format = iota
	FormatELF
	FormatPE
	FormatMachO
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "ELF"
	case FormatPE:
		return "PE"
	case FormatMachO:
		return "Mach-O"
	default:
		return "unknown"
	}
}

// FileType tags what kind of object the file is.
type FileType int

const (
	TypeUnknown FileType = iota
	TypeExecutable
	TypeLibrary
	TypeRelocatable
	TypeArchive
)

func (t FileType) String() string {
	switch t {
	case TypeExecutable:
		return "executable"
	case TypeLibrary:
		return "shared library"
	case TypeRelocatable:
		return "relocatable object"
	case TypeArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// PatchState tracks the patching lifecycle of a file.
type PatchState int

const (
	PatchNone PatchState = iota
	PatchInProgress
	PatchApplied
)

// File is the format-neutral editable view of a binary file: ordered
// sections and segments, synthetic header sections, labels, external
// libraries, and patching-session state. A File in PatchInProgress
// state is an exclusive resource.
type File struct {
	format   Format
	typ      FileType
	wordSize int
	archName string

	path   string
	stream io.ReaderAt
	closer io.Closer

	sections []*Section
	segments []*Segment

	// synthetic sections mirroring the section-header and program-header
	// tables, so header-table growth propagates like any section edit
	shdrScn *Section
	phdrScn *Section

	labels      []*Label
	labelByName map[string]*Label

	// extern libraries in DT_NEEDED insertion order
	externLibs []*Entry

	patchState PatchState

	// creator is set on a patching copy; the copy shares the creator's
	// raw buffers read-only until a section is cloned for write
	creator *File

	// scnRemap maps new section index -> old section index after
	// finalise; -1 for sections that did not exist in the creator
	scnRemap []int

	emptySpaces []Interval

	lastErr error
}

func NewFile(format Format, typ FileType, wordSize int, archName string) *File {
	return &File{
		format:      format,
		typ:         typ,
		wordSize:    wordSize,
		archName:    archName,
		labelByName: make(map[string]*Label),
	}
}

func (f *File) Format() Format          { return f.format }
func (f *File) Type() FileType          { return f.typ }
func (f *File) WordSize() int           { return f.wordSize }
func (f *File) ArchName() string        { return f.archName }
func (f *File) Path() string            { return f.path }
func (f *File) Stream() io.ReaderAt     { return f.stream }
func (f *File) PatchState() PatchState  { return f.patchState }
func (f *File) Creator() *File          { return f.creator }
func (f *File) EmptySpaces() []Interval { return f.emptySpaces }
func (f *File) SectionRemap() []int     { return f.scnRemap }

func (f *File) SetPath(path string)                  { f.path = path }
func (f *File) SetStream(r io.ReaderAt, c io.Closer) { f.stream = r; f.closer = c }
func (f *File) SetType(t FileType)                   { f.typ = t }
func (f *File) SetEmptySpaces(iv []Interval)         { f.emptySpaces = iv }
func (f *File) SetSectionRemap(remap []int)          { f.scnRemap = remap }

// LastError returns the most recent recorded error and clears it.
func (f *File) LastError() error {
	err := f.lastErr
	f.lastErr = nil
	return err
}

// RecordError stores err in the last-error slot and returns it
// unchanged, so call sites can `return f.RecordError(err)`.
func (f *File) RecordError(err error) error {
	if err != nil {
		f.lastErr = err
	}
	return err
}

func (f *File) NumSections() int { return len(f.sections) }
func (f *File) NumSegments() int { return len(f.segments) }

// Section returns section i, or nil when out of range. Index 0 is the
// null section in ELF files.
func (f *File) Section(i int) *Section {
	if i < 0 || i >= len(f.sections) {
		return nil
	}

	return f.sections[i]
}

func (f *File) Sections() []*Section { return f.sections }

func (f *File) Segment(i int) *Segment {
	if i < 0 || i >= len(f.segments) {
		return nil
	}

	return f.segments[i]
}

func (f *File) Segments() []*Segment { return f.segments }

// CanonicalSection resolves a possibly superseded section reference to
// the copy-on-write clone occupying its index. Entities parsed before
// a clone was made still point at the original; address reads must go
// through the clone, whose layout is current.
func (f *File) CanonicalSection(s *Section) *Section {
	if s == nil {
		return nil
	}

	if i := s.index; i >= 0 && i < len(f.sections) {
		c := f.sections[i]
		if c == s || c.name == s.name {
			return c
		}
	}

	return s
}

// SectionByName returns the first section with the given name.
func (f *File) SectionByName(name string) *Section {
	for _, s := range f.sections {
		if s.name == name {
			return s
		}
	}

	return nil
}

// LoadSections returns the loaded sections in address order (they are
// parsed in that order and layout preserves it).
func (f *File) LoadSections() []*Section {
	var out []*Section
	for _, s := range f.sections {
		if s.IsLoaded() {
			out = append(out, s)
		}
	}

	return out
}

// SectionSpanning returns the loaded section containing addr.
func (f *File) SectionSpanning(addr uint64) *Section {
	for _, s := range f.sections {
		if !s.IsLoaded() {
			continue
		}

		if addr >= s.addr && addr < s.addr+s.size {
			return s
		}
	}

	return nil
}

// SegmentInInterval returns the first segment whose memory image
// intersects [begin, end).
func (f *File) SegmentInInterval(begin uint64, end uint64) *Segment {
	for _, p := range f.segments {
		if p.memsz == 0 {
			continue
		}

		if p.vaddr < end && begin < p.vaddr+p.memsz {
			return p
		}
	}

	return nil
}

// AppendSection adds a section at the tail of the section table and,
// when the synthetic section-header section exists, grows it by one
// header-sized raw entry so the table size stays consistent.
func (f *File) AppendSection(s *Section) int {
	s.file = f
	s.index = len(f.sections)
	f.sections = append(f.sections, s)

	if f.shdrScn != nil && f.shdrScn.entsize > 0 {
		f.shdrScn.AppendEntry(NewNilEntry(f.shdrScn.entsize))
	}

	return s.index
}

// AppendSegment adds a segment and grows the synthetic program-header
// section alike.
func (f *File) AppendSegment(p *Segment) int {
	p.index = len(f.segments)
	f.segments = append(f.segments, p)

	if f.phdrScn != nil && f.phdrScn.entsize > 0 {
		f.phdrScn.AppendEntry(NewNilEntry(f.phdrScn.entsize))
	}

	return p.index
}

func (f *File) HeaderSections() (shdr *Section, phdr *Section) {
	return f.shdrScn, f.phdrScn
}

// SetHeaderSections installs the synthetic header-table sections.
func (f *File) SetHeaderSections(shdr *Section, phdr *Section) {
	f.shdrScn = shdr
	f.phdrScn = phdr
}

// Labels returns every label in insertion order.
func (f *File) Labels() []*Label { return f.labels }

// LabelByName resolves a label; later insertions shadow earlier ones.
func (f *File) LabelByName(name string) *Label {
	return f.labelByName[name]
}

// AddLabelIndex registers a label in the name index and label list.
func (f *File) AddLabelIndex(l *Label) {
	f.labels = append(f.labels, l)
	if l.name != "" {
		f.labelByName[l.name] = l
	}
}

// ExternLibraries returns the DT_NEEDED-style entries in insertion order.
func (f *File) ExternLibraries() []*Entry { return f.externLibs }

func (f *File) AddExternLibrary(e *Entry) { f.externLibs = append(f.externLibs, e) }

// ReplaceExternLibrary swaps a list entry for its copy-on-write clone.
func (f *File) ReplaceExternLibrary(old *Entry, clone *Entry) {
	for i, e := range f.externLibs {
		if e == old {
			f.externLibs[i] = clone
			return
		}
	}
}

// ExternLibraryNames resolves the current name of every extern library.
func (f *File) ExternLibraryNames() []string {
	names := make([]string, 0, len(f.externLibs))
	for _, e := range f.externLibs {
		if e.ptr == nil || e.ptr.dataTgt == nil {
			continue
		}

		s := e.ptr.dataTgt.str
		if off := e.ptr.offset; off < uint64(len(s)) {
			s = s[off:]
		}

		names = append(names, s)
	}

	return names
}

// Close releases the model and the underlying stream. For a patching
// copy, buffers shared with the creator are left untouched: sections
// only free what they own, which a copy's cloned sections never do.
func (f *File) Close() error {
	f.sections = nil
	f.segments = nil
	f.labels = nil
	f.labelByName = nil
	f.externLibs = nil

	if f.closer != nil {
		c := f.closer
		f.closer = nil
		if err := c.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", f.path, err)
		}
	}

	return nil
}
