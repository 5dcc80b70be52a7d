// Package elfbin parses ELF files into the editable bin model and
// writes modified models back out. Untouched sections round-trip
// byte-for-byte; patched sections are regenerated from their entries.
package elfbin

import (
	"debug/elf"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/davejbax/stitch/internal/arch"
	"github.com/davejbax/stitch/internal/bin"
	"github.com/davejbax/stitch/internal/dbg"
	"github.com/davejbax/stitch/internal/elfio"
)

// Indices collects the section indices the rewriter keeps at hand.
// A value of -1 means the file has no such section.
type Indices struct {
	Symtab   int
	Dynsym   int
	Strtab   int
	Dynstr   int
	Shstrtab int
	Dynamic  int
	JmpRel   int
	RelaPlt  int
	Got      int
	GotPlt   int
	Plt      int

	MadrasText int
	MadrasPlt  int
	MadrasData int

	Bss   int
	Tbss  int
	Tdata int

	Versym int
}

func newIndices() Indices {
	return Indices{
		Symtab: -1, Dynsym: -1, Strtab: -1, Dynstr: -1, Shstrtab: -1,
		Dynamic: -1, JmpRel: -1, RelaPlt: -1, Got: -1, GotPlt: -1, Plt: -1,
		MadrasText: -1, MadrasPlt: -1, MadrasData: -1,
		Bss: -1, Tbss: -1, Tdata: -1, Versym: -1,
	}
}

// File is the parsed-ELF model: the bin.File plus everything ELF-shaped
// the rewriter needs to regenerate the file.
type File struct {
	Bin *bin.File

	Layout elfio.Layout

	ident   [elf.EI_NIDENT]byte
	ehdrRaw []byte
	machine elf.Machine
	elfType elf.Type
	entry   uint64
	flags   uint32

	Arch *arch.Descriptor

	Idx Indices

	// Xref is the cross-reference table of every address-holding entity
	Xref *bin.TargetTable

	// name pointers so names can be rebuilt after a reorder
	symNames map[*bin.Entry]*bin.Pointer
	scnNames map[*bin.Section]*bin.Pointer

	// versym values parallel to the dynamic symbol section
	versym []uint16

	// meta carries the ELF-shaped section facts the neutral model does
	// not hold: the raw section type and the link/info relationships
	meta map[*bin.Section]*ScnMeta

	Debug *dbg.Info

	patchCopy bool
}

// Sections the rewriter reserves for its own insertions, and the marker
// left behind by a different patching tool.
const (
	ScnMadrasText    = ".madras.text"
	ScnMadrasTextFix = ".madras.text.fix"
	ScnMadrasData    = ".madras.data"
	ScnMadrasPlt     = ".madras.plt"
	ScnMadrasBss     = ".madras.bss"
	ScnTdataMadras   = ".tdata_madras"
	ScnTbssMadras    = ".tbss_madras"

	scnDyninst = ".dyninst"
)

// DummySymbolType is the out-of-band symbol type a prior patching step
// uses as a sentinel.
const DummySymbolType = elf.SymType(7) // STT_NUM

// GnuIfuncSymbolType marks symbols whose dynamic resolution runs a
// function returning the real address.
const GnuIfuncSymbolType = elf.SymType(10) // STT_GNU_IFUNC

// Open parses the ELF file at path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, bin.ErrUnableToOpenFile)
	}

	ef, err := New(f, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	ef.Bin.SetStream(f, f)

	return ef, nil
}

// New parses an ELF image from r. The reader must stay valid for the
// lifetime of the returned File: untouched section bytes are re-read
// from it at write time.
func New(r io.ReaderAt, path string) (*File, error) {
	raw, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, bin.ErrFormatNotRecognized)
	}

	var ident [elf.EI_NIDENT]byte
	if _, err := r.ReadAt(ident[:], 0); err != nil {
		return nil, fmt.Errorf("%s: %w", path, bin.ErrHeaderNotFound)
	}

	layout, err := elfio.FromIdent(ident[:])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	desc, err := arch.ByMachine(bin.FormatELF, uint32(raw.Machine))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	typ := bin.TypeUnknown
	switch raw.Type {
	case elf.ET_EXEC:
		typ = bin.TypeExecutable
	case elf.ET_DYN:
		typ = bin.TypeLibrary
	case elf.ET_REL:
		typ = bin.TypeRelocatable
	}

	bf := bin.NewFile(bin.FormatELF, typ, layout.WordSize(), desc.Name)
	bf.SetPath(path)
	bf.SetStream(r, nil)

	ef := &File{
		Bin:      bf,
		Layout:   layout,
		ident:    ident,
		machine:  raw.Machine,
		elfType:  raw.Type,
		entry:    raw.Entry,
		Arch:     desc,
		Idx:      newIndices(),
		Xref:     bin.NewTargetTable(),
		symNames: make(map[*bin.Entry]*bin.Pointer),
		scnNames: make(map[*bin.Section]*bin.Pointer),
		meta:     make(map[*bin.Section]*ScnMeta),
	}

	ef.ehdrRaw = make([]byte, layout.EhdrSize())
	if _, err := r.ReadAt(ef.ehdrRaw, 0); err != nil {
		return nil, fmt.Errorf("%s: %w", path, bin.ErrHeaderNotFound)
	}

	if err := ef.parse(raw, r); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if d, err := dbg.New(raw); err == nil {
		ef.Debug = d
		ef.promoteFunctionLabels()
	}

	return ef, nil
}

// Entry returns the program entry point address.
func (f *File) Entry() uint64 { return f.entry }

// Machine returns the ELF machine code.
func (f *File) Machine() elf.Machine { return f.machine }

// ElfType returns the ELF file type.
func (f *File) ElfType() elf.Type { return f.elfType }

// ScnMeta carries the ELF section header facts that have no
// format-neutral home: the raw type plus the link and info targets,
// held as section pointers so index reassignment cannot stale them.
type ScnMeta struct {
	Type elf.SectionType

	// Flags are the raw sh_flags; bits like SHF_MERGE have no neutral
	// attribute and must round-trip
	Flags uint64

	// LinkScn backs sh_link; InfoScn backs sh_info when it names a
	// section (relocation targets). InfoVal is used otherwise.
	LinkScn *bin.Section
	InfoScn *bin.Section
	InfoVal uint32
}

// Meta returns the ELF metadata of a section. Clones made by the
// copy-on-write session fall back to their original's metadata; truly
// new sections get a default on demand.
func (f *File) Meta(s *bin.Section) *ScnMeta {
	if m, ok := f.meta[s]; ok {
		return m
	}

	if cr := f.Bin.Creator(); cr != nil && s.Index() >= 0 {
		if orig := cr.Section(s.Index()); orig != nil {
			if m, ok := f.meta[orig]; ok {
				f.meta[s] = m
				return m
			}
		}
	}

	m := &ScnMeta{Type: elf.SHT_PROGBITS}
	f.meta[s] = m

	return m
}

// SetMeta installs metadata for a new section.
func (f *File) SetMeta(s *bin.Section, m *ScnMeta) { f.meta[s] = m }

// SymName returns the string pointer recorded for a symbol entry.
func (f *File) SymName(e *bin.Entry) *bin.Pointer { return f.symNames[e] }

// ScnName returns the string pointer recorded for a section's name,
// falling back to the original of a copy-on-write clone.
func (f *File) ScnName(s *bin.Section) *bin.Pointer {
	if p, ok := f.scnNames[s]; ok {
		return p
	}

	if cr := f.Bin.Creator(); cr != nil && s.Index() >= 0 {
		if orig := cr.Section(s.Index()); orig != nil {
			if p, ok := f.scnNames[orig]; ok {
				f.scnNames[s] = p
				return p
			}
		}
	}

	return nil
}

// SetSymName records the name pointer for a (possibly new) symbol entry.
func (f *File) SetSymName(e *bin.Entry, p *bin.Pointer) { f.symNames[e] = p }

// SetScnName records the name pointer for a section.
func (f *File) SetScnName(s *bin.Section, p *bin.Pointer) { f.scnNames[s] = p }

// Versym returns the version index parallel array, if present.
func (f *File) Versym() []uint16 { return f.versym }

// sectionAttrs derives bin attributes from an ELF section header.
func sectionAttrs(name string, hdr *elf.Section) bin.Attrs {
	var attrs bin.Attrs

	if hdr.Flags&elf.SHF_ALLOC != 0 {
		attrs |= bin.AttrLoad | bin.AttrRead
	}
	if hdr.Flags&elf.SHF_WRITE != 0 {
		attrs |= bin.AttrWrite
	}
	if hdr.Flags&elf.SHF_EXECINSTR != 0 {
		attrs |= bin.AttrExec
	}
	if hdr.Flags&elf.SHF_TLS != 0 {
		attrs |= bin.AttrTLS
	}

	switch name {
	case ".text", ".init", ".fini":
		attrs |= bin.AttrStdCode
	}

	if name == ".plt" || strings.HasPrefix(name, ".plt.") || name == ScnMadrasPlt {
		attrs |= bin.AttrExtFctStubs
	}

	if strings.HasPrefix(name, ".madras.") || name == scnDyninst ||
		name == ScnTdataMadras || name == ScnTbssMadras {
		attrs |= bin.AttrPatched
	}

	return attrs
}

// sectionType derives the bin section type from an ELF section header.
func sectionType(hdr *elf.Section) bin.SectionType {
	switch hdr.Type {
	case elf.SHT_NOBITS:
		return bin.SectionZeroData
	case elf.SHT_STRTAB:
		return bin.SectionString
	case elf.SHT_SYMTAB, elf.SHT_DYNSYM:
		return bin.SectionLabel
	case elf.SHT_REL, elf.SHT_RELA:
		return bin.SectionReloc
	case elf.SHT_DYNAMIC, elf.SHT_GNU_VERSYM:
		return bin.SectionRefs
	case elf.SHT_PROGBITS:
		if hdr.Flags&elf.SHF_EXECINSTR != 0 {
			return bin.SectionCode
		}

		return bin.SectionData
	default:
		return bin.SectionUnknown
	}
}

// segmentAttrs derives bin attributes from program header flags.
func segmentAttrs(p *elf.Prog) bin.Attrs {
	attrs := bin.AttrLoad

	if p.Flags&elf.PF_R != 0 {
		attrs |= bin.AttrRead
	}
	if p.Flags&elf.PF_W != 0 {
		attrs |= bin.AttrWrite
	}
	if p.Flags&elf.PF_X != 0 {
		attrs |= bin.AttrExec
	}
	if p.Type == elf.PT_TLS {
		attrs |= bin.AttrTLS
	}

	return attrs
}

// promoteFunctionLabels refines generic labels sitting at a function's
// entry address, using debug information.
func (f *File) promoteFunctionLabels() {
	if f.Debug == nil {
		return
	}

	for _, l := range f.Bin.Labels() {
		if l.Type() != bin.LabelGeneric {
			continue
		}

		if fn := f.Debug.FunctionByAddr(l.Addr()); fn != nil {
			l.SetType(bin.LabelFunction)

			slog.Debug("promoted label to function via debug info",
				"label", l.Name(),
				"function", dbg.FunctionName(fn),
			)
		}
	}
}
