package elfbin

import (
	"debug/elf"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/davejbax/stitch/internal/bin"
	"github.com/davejbax/stitch/internal/elfio"
	"github.com/davejbax/stitch/internal/iometa"
)

// piece is one byte run of the output image: a table or a section.
type piece struct {
	offset uint64
	name   string
	bytes  func() ([]byte, error)
}

// WriteFile writes the rebuilt ELF image to path. On failure the
// creator file is left untouched; only a successful write marks the
// patching session applied.
func (f *File) WriteFile(path string) error {
	out, err := os.Create(path)
	if err != nil {
		return f.Bin.RecordError(fmt.Errorf("%s: %w", path, bin.ErrUnableToCreateFile))
	}

	if err := f.Write(out); err != nil {
		_ = out.Close()
		_ = os.Remove(path)
		return f.Bin.RecordError(fmt.Errorf("%s: %w", path, err))
	}

	if err := out.Close(); err != nil {
		return f.Bin.RecordError(fmt.Errorf("%s: %w", path, bin.ErrUnableToWriteFile))
	}

	f.Bin.PatchDone()

	return nil
}

// Write rebuilds the ELF byte image: header, program header table,
// section contents, section header table, in file-offset order with
// zero padding between pieces. Untouched sections are emitted verbatim
// from the parse-time buffer; patched sections are regenerated from
// their entry arrays.
func (f *File) Write(w io.Writer) error {
	shdrScn, phdrScn := f.Bin.HeaderSections()

	pieces := []piece{
		{offset: 0, name: "ehdr", bytes: f.renderEhdr},
		{offset: phdrScn.Offset(), name: "phdr", bytes: f.renderPhdrTable},
		{offset: shdrScn.Offset(), name: "shdr", bytes: f.renderShdrTable},
	}

	for _, scn := range f.Bin.Sections() {
		if scn.Index() == 0 || scn.Type() == bin.SectionZeroData || scn.Size() == 0 {
			continue
		}

		scn := scn
		pieces = append(pieces, piece{
			offset: scn.Offset(),
			name:   scn.Name(),
			bytes:  func() ([]byte, error) { return f.sectionBytes(scn) },
		})
	}

	sort.Slice(pieces, func(i, j int) bool { return pieces[i].offset < pieces[j].offset })

	cw := &iometa.CountingWriter{Writer: w}

	for _, p := range pieces {
		data, err := p.bytes()
		if err != nil {
			return fmt.Errorf("failed to render %s: %w", p.name, err)
		}

		if len(data) == 0 {
			continue
		}

		gap := int(p.offset) - cw.BytesWritten()
		if gap < 0 {
			return fmt.Errorf("piece %s at offset %#x overlaps previous bytes (%#x written): %w",
				p.name, p.offset, cw.BytesWritten(), bin.ErrUnableToWriteFile)
		}

		if gap > 0 {
			if err := iometa.WriteZeros(cw, gap); err != nil {
				return fmt.Errorf("failed to pad before %s: %w", p.name, err)
			}
		}

		if _, err := cw.Write(data); err != nil {
			return fmt.Errorf("failed to write %s: %w", p.name, err)
		}

		slog.Debug("wrote image piece",
			"piece", p.name,
			"offset", fmt.Sprintf("0x%x", p.offset),
			"size", len(data),
		)
	}

	return nil
}

// renderEhdr patches the counts and table offsets into a copy of the
// original file header, preserving every field the session never
// touched (e_flags, ABI bytes, entry point).
func (f *File) renderEhdr() ([]byte, error) {
	b := make([]byte, len(f.ehdrRaw))
	copy(b, f.ehdrRaw)

	shdrScn, phdrScn := f.Bin.HeaderSections()

	f.Layout.SetEhdrPhoff(b, phdrScn.Offset())
	f.Layout.SetEhdrShoff(b, shdrScn.Offset())
	f.Layout.SetEhdrPhnum(b, uint16(f.Bin.NumSegments()))
	f.Layout.SetEhdrShnum(b, uint16(f.Bin.NumSections()))

	if shstrtab := f.Bin.SectionByName(".shstrtab"); shstrtab != nil {
		f.Layout.SetEhdrShstrndx(b, uint16(shstrtab.Index()))
	}

	return b, nil
}

func (f *File) renderPhdrTable() ([]byte, error) {
	size := f.Layout.PhdrSize()
	b := make([]byte, uint64(f.Bin.NumSegments())*size)

	for i, seg := range f.Bin.Segments() {
		hdr := b[uint64(i)*size:]

		f.Layout.SetPhdrType(hdr, seg.Kind())
		f.Layout.SetPhdrFlags(hdr, segFlags(seg))
		f.Layout.SetPhdrOffset(hdr, seg.Offset())
		f.Layout.SetPhdrVaddr(hdr, seg.Vaddr())
		f.Layout.SetPhdrPaddr(hdr, seg.Paddr())
		f.Layout.SetPhdrFilesz(hdr, seg.FileSize())
		f.Layout.SetPhdrMemsz(hdr, seg.MemSize())
		f.Layout.SetPhdrAlign(hdr, seg.Align())
	}

	return b, nil
}

func segFlags(seg *bin.Segment) uint32 {
	var flags uint32

	if seg.Attrs().Has(bin.AttrRead) {
		flags |= uint32(elf.PF_R)
	}
	if seg.Attrs().Has(bin.AttrWrite) {
		flags |= uint32(elf.PF_W)
	}
	if seg.Attrs().Has(bin.AttrExec) {
		flags |= uint32(elf.PF_X)
	}

	return flags
}

func (f *File) renderShdrTable() ([]byte, error) {
	size := f.Layout.ShdrSize()
	b := make([]byte, uint64(f.Bin.NumSections())*size)

	for i, scn := range f.Bin.Sections() {
		hdr := b[uint64(i)*size:]
		m := f.Meta(scn)

		var nameOff uint32
		if ptr := f.ScnName(scn); ptr != nil && ptr.DataTarget() != nil {
			nameOff = uint32(ptr.DataTarget().Offset() + ptr.Offset())
		}

		f.Layout.SetShdrName(hdr, nameOff)
		f.Layout.SetShdrType(hdr, uint32(m.Type))
		f.Layout.SetShdrFlags(hdr, f.sectionFlags(scn, m))
		f.Layout.SetShdrAddr(hdr, scn.Addr())
		f.Layout.SetShdrOffset(hdr, scn.Offset())
		f.Layout.SetShdrSizeField(hdr, scn.Size())
		f.Layout.SetShdrAddralign(hdr, scn.Align())
		f.Layout.SetShdrEntsize(hdr, scn.EntSize())

		if m.LinkScn != nil {
			f.Layout.SetShdrLink(hdr, uint32(m.LinkScn.Index()))
		}

		if m.InfoScn != nil {
			f.Layout.SetShdrInfo(hdr, uint32(m.InfoScn.Index()))
		} else {
			f.Layout.SetShdrInfo(hdr, m.InfoVal)
		}
	}

	return b, nil
}

// sectionFlags prefers the raw parse-time flags, adding any attribute
// bits a patching session introduced (e.g. TLS on a fresh section).
func (f *File) sectionFlags(scn *bin.Section, m *ScnMeta) uint64 {
	flags := m.Flags

	if scn.IsLoaded() {
		flags |= uint64(elf.SHF_ALLOC)
	}
	if scn.Attrs().Has(bin.AttrWrite) {
		flags |= uint64(elf.SHF_WRITE)
	}
	if scn.Attrs().Has(bin.AttrExec) {
		flags |= uint64(elf.SHF_EXECINSTR)
	}
	if scn.IsTLS() {
		flags |= uint64(elf.SHF_TLS)
	}

	return flags
}

// sectionBytes returns the byte image of one section: the verbatim
// parse-time buffer for untouched sections, regenerated bytes for
// patched ones.
func (f *File) sectionBytes(scn *bin.Section) ([]byte, error) {
	if !scn.Patched() {
		return scn.Data(), nil
	}

	switch scn.Type() {
	case bin.SectionLabel:
		return f.renderSymbols(scn)
	case bin.SectionReloc:
		return f.renderRelocs(scn)
	case bin.SectionString:
		return renderStrings(scn), nil
	case bin.SectionRefs:
		if f.Meta(scn).Type == elf.SHT_GNU_VERSYM {
			return f.renderVersym(scn), nil
		}

		return f.renderDynamic(scn)
	default:
		if isGotSection(scn) {
			return f.renderGot(scn), nil
		}

		return renderRaw(scn), nil
	}
}

func isGotSection(scn *bin.Section) bool {
	return scn.Name() == ".got" || scn.Name() == ".got.plt"
}

func (f *File) renderSymbols(scn *bin.Section) ([]byte, error) {
	symSize := f.Layout.SymSize()
	b := make([]byte, uint64(scn.NumEntries())*symSize)

	for i, e := range scn.Entries() {
		if e.Kind() != bin.EntryLbl {
			continue
		}

		lbl := e.Label()

		var sym elfio.Sym
		sym.Value = lbl.Addr()
		sym.Size = lbl.Size()
		sym.Info = uint8(lbl.Binding())<<4 | uint8(symType(lbl))

		if ptr := f.symNames[e]; ptr != nil && ptr.DataTarget() != nil {
			sym.Name = uint32(ptr.DataTarget().Offset() + ptr.Offset())
		}

		if owner := lbl.Section(); owner != nil {
			sym.Shndx = uint16(owner.Index())
		}

		f.Layout.WriteSym(b[uint64(i)*symSize:], sym)
	}

	return b, nil
}

func symType(lbl *bin.Label) elf.SymType {
	switch lbl.Type() {
	case bin.LabelFunction, bin.LabelExtFunction:
		return elf.STT_FUNC
	case bin.LabelVariable:
		return elf.STT_OBJECT
	case bin.LabelDummy:
		return DummySymbolType
	case bin.LabelPatchSection:
		return elf.STT_SECTION
	default:
		return elf.STT_NOTYPE
	}
}

func (f *File) renderRelocs(scn *bin.Section) ([]byte, error) {
	m := f.Meta(scn)
	hasAddend := m.Type == elf.SHT_RELA

	entSize := f.Layout.RelSize()
	if hasAddend {
		entSize = f.Layout.RelaSize()
	}

	b := make([]byte, uint64(scn.NumEntries())*entSize)

	for i, e := range scn.Entries() {
		rel := e.Reloc()
		if rel == nil {
			continue
		}

		var r elfio.Rela
		r.Type = rel.Type()
		r.Addend = rel.Addend()

		if ptr := rel.Ptr(); ptr != nil {
			r.Off = ptr.AddrIn(f.Bin)
		}

		if lbl := rel.Label(); lbl != nil && m.LinkScn != nil && lbl.Entry() != nil {
			if idx := m.LinkScn.EntryIndex(lbl.Entry()); idx >= 0 {
				r.Sym = uint32(idx)
			}
		}

		f.Layout.WriteRel(b[uint64(i)*entSize:], r, hasAddend)
	}

	return b, nil
}

func (f *File) renderDynamic(scn *bin.Section) ([]byte, error) {
	dynSize := f.Layout.DynSize()
	b := make([]byte, uint64(scn.NumEntries())*dynSize)

	for i, e := range scn.Entries() {
		var d elfio.Dyn
		d.Tag = e.Tag()

		switch e.Kind() {
		case bin.EntryNil:
			// DT_NULL terminator: all zeros

		case bin.EntryPtr:
			ptr := e.Ptr()

			switch ptr.Target() {
			case bin.TargetData:
				// String-valued tag: offset of the name inside its
				// string section
				d.Val = ptr.DataTarget().Offset() + ptr.Offset()
			default:
				d.Val = ptr.AddrIn(f.Bin)
			}

		case bin.EntryVal:
			d.Val = e.Val()

			// Sizes of sections the session may have grown
			switch elf.DynTag(e.Tag()) {
			case elf.DT_STRSZ:
				if f.Idx.Dynstr >= 0 {
					d.Val = f.Bin.Section(f.Idx.Dynstr).Size()
				}
			case elf.DT_PLTRELSZ:
				if f.Idx.RelaPlt >= 0 {
					d.Val = f.Bin.Section(f.Idx.RelaPlt).Size()
				}
			}
		}

		f.Layout.WriteDyn(b[uint64(i)*dynSize:], d)
	}

	return b, nil
}

func (f *File) renderVersym(scn *bin.Section) []byte {
	b := make([]byte, uint64(scn.NumEntries())*2)

	for i, e := range scn.Entries() {
		f.Layout.Order.PutUint16(b[i*2:], uint16(e.Val()))
	}

	return b
}

func (f *File) renderGot(scn *bin.Section) []byte {
	word := f.Layout.WordBytes()
	b := make([]byte, uint64(scn.NumEntries())*word)

	for i, e := range scn.Entries() {
		var v uint64

		switch e.Kind() {
		case bin.EntryPtr:
			v = e.Ptr().AddrIn(f.Bin)
		case bin.EntryVal:
			v = e.Val()
		}

		if word == 8 {
			f.Layout.Order.PutUint64(b[uint64(i)*word:], v)
		} else {
			f.Layout.Order.PutUint32(b[uint64(i)*word:], uint32(v))
		}
	}

	return b
}

func renderStrings(scn *bin.Section) []byte {
	b := make([]byte, 0, scn.Size())

	for _, e := range scn.Entries() {
		if e.Kind() != bin.EntryStr {
			continue
		}

		b = append(b, e.Str()...)
		b = append(b, 0)
	}

	return b
}

// renderRaw emits a section whose authority is its byte buffer, or the
// concatenation of raw entries when the buffer was never materialised.
func renderRaw(scn *bin.Section) []byte {
	if data := scn.Data(); data != nil && uint64(len(data)) >= scn.Size() {
		return data[:scn.Size()]
	}

	b := make([]byte, scn.Size())
	for _, e := range scn.Entries() {
		if e.Kind() != bin.EntryRaw {
			continue
		}

		if e.Offset()+e.Size() <= uint64(len(b)) {
			copy(b[e.Offset():], e.Raw())
		}
	}

	return b
}
