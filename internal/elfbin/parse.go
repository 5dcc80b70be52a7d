package elfbin

import (
	"debug/elf"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/davejbax/stitch/internal/bin"
)

// parse mirrors the ELF file into the bin model. Sections load in a
// fixed order: the section-name string table first, then the symbol
// sections (each pulling in its own string table), then everything
// that is not a relocation section, and relocation sections last,
// since they reference other sections by address or index.
func (f *File) parse(raw *elf.File, r io.ReaderAt) error {
	sections := make([]*bin.Section, len(raw.Sections))

	for i, hdr := range raw.Sections {
		scn := bin.NewSection(hdr.Name, sectionType(hdr), sectionAttrs(hdr.Name, hdr))
		scn.SetAddr(hdr.Addr)
		scn.SetOffset(hdr.Offset)
		scn.SetSize(hdr.Size)
		scn.SetAlign(hdr.Addralign)
		scn.SetEntSize(hdr.Entsize)

		if hdr.Type != elf.SHT_NOBITS && hdr.Type != elf.SHT_NULL && hdr.Size > 0 {
			data, err := hdr.Data()
			if err != nil {
				return fmt.Errorf("failed to read section %s: %w", hdr.Name, err)
			}

			scn.SetData(data)
			scn.SetSize(hdr.Size)
		}

		f.Bin.AppendSection(scn)
		sections[i] = scn

		f.recordIndex(i, hdr)
	}

	for i, hdr := range raw.Sections {
		m := &ScnMeta{Type: hdr.Type, Flags: uint64(hdr.Flags), InfoVal: hdr.Info}

		if hdr.Link > 0 && int(hdr.Link) < len(sections) {
			m.LinkScn = sections[hdr.Link]
		}

		if (hdr.Type == elf.SHT_REL || hdr.Type == elf.SHT_RELA) &&
			hdr.Info > 0 && int(hdr.Info) < len(sections) {
			m.InfoScn = sections[hdr.Info]
		}

		f.meta[sections[i]] = m
	}

	f.buildSegments(raw, sections)
	f.buildHeaderSections(raw)

	// (1) section-name string table
	if f.Idx.Shstrtab >= 0 {
		f.loadStrings(sections[f.Idx.Shstrtab])
		f.linkSectionNames(raw, sections)
	}

	// (2) symbol sections, pulling in their string tables first
	for i, hdr := range raw.Sections {
		if hdr.Type != elf.SHT_SYMTAB && hdr.Type != elf.SHT_DYNSYM {
			continue
		}

		strndx := int(hdr.Link)
		if strndx > 0 && strndx < len(sections) && sections[strndx].NumEntries() == 0 {
			f.loadStrings(sections[strndx])
		}

		if err := f.loadSymbols(raw, sections, i); err != nil {
			return err
		}
	}

	// (3) remaining non-relocation sections
	for i, hdr := range raw.Sections {
		scn := sections[i]

		switch hdr.Type {
		case elf.SHT_STRTAB:
			if scn.NumEntries() == 0 {
				f.loadStrings(scn)
			}
		case elf.SHT_DYNAMIC:
			if err := f.loadDynamic(raw, sections, i); err != nil {
				return err
			}
		case elf.SHT_GNU_VERSYM:
			f.loadVersym(scn)
		case elf.SHT_PROGBITS, elf.SHT_NOBITS:
			if strings.HasPrefix(hdr.Name, ".got") {
				f.loadGot(scn, i)
			} else if scn.Data() != nil {
				scn.SetEntries([]*bin.Entry{bin.NewRawEntry(scn.Data())})
			}
		}
	}

	// (4) relocation sections, last
	for i, hdr := range raw.Sections {
		if hdr.Type != elf.SHT_REL && hdr.Type != elf.SHT_RELA {
			continue
		}

		if err := f.loadRelocations(raw, sections, i); err != nil {
			return err
		}
	}

	f.resolveNames(sections)
	f.recoverPltLabels()

	slog.Debug("parsed ELF file",
		"path", f.Bin.Path(),
		"sections", len(sections),
		"segments", f.Bin.NumSegments(),
		"labels", len(f.Bin.Labels()),
		"xrefs", f.Xref.Len(),
	)

	return nil
}

func (f *File) recordIndex(i int, hdr *elf.Section) {
	switch hdr.Type {
	case elf.SHT_SYMTAB:
		f.Idx.Symtab = i
	case elf.SHT_DYNSYM:
		f.Idx.Dynsym = i
	case elf.SHT_DYNAMIC:
		f.Idx.Dynamic = i
	case elf.SHT_GNU_VERSYM:
		f.Idx.Versym = i
	}

	switch hdr.Name {
	case ".strtab":
		f.Idx.Strtab = i
	case ".dynstr":
		f.Idx.Dynstr = i
	case ".shstrtab":
		f.Idx.Shstrtab = i
	case ".rela.plt", ".rel.plt":
		f.Idx.RelaPlt = i
		f.Idx.JmpRel = i
	case ".got":
		f.Idx.Got = i
	case ".got.plt":
		f.Idx.GotPlt = i
	case ".plt":
		f.Idx.Plt = i
	case ".bss":
		f.Idx.Bss = i
	case ".tbss":
		f.Idx.Tbss = i
	case ".tdata":
		f.Idx.Tdata = i
	case ScnMadrasText:
		f.Idx.MadrasText = i
	case ScnMadrasPlt:
		f.Idx.MadrasPlt = i
	case ScnMadrasData:
		f.Idx.MadrasData = i
	}
}

// buildSegments mirrors the program header table and attaches each
// section to the segments containing it.
func (f *File) buildSegments(raw *elf.File, sections []*bin.Section) {
	for _, prog := range raw.Progs {
		seg := bin.NewSegment(uint32(prog.Type), segmentAttrs(prog), prog.Align)
		seg.SetOffset(prog.Off)
		seg.SetVaddr(prog.Vaddr)
		seg.SetFileSize(prog.Filesz)
		seg.SetMemSize(prog.Memsz)

		for _, scn := range sections {
			if !scn.IsLoaded() {
				continue
			}

			var inside bool
			if scn.Type() == bin.SectionZeroData {
				inside = scn.Addr() >= prog.Vaddr && scn.Addr()+scn.Size() <= prog.Vaddr+prog.Memsz
			} else {
				inside = scn.Offset() >= prog.Off && scn.Offset()+scn.Size() <= prog.Off+prog.Filesz && scn.Size() > 0
			}

			if inside {
				seg.AddSection(scn)
			}
		}

		f.Bin.AppendSegment(seg)
	}
}

// buildHeaderSections creates the synthetic sections mirroring the
// section-header and program-header tables, so growing either table is
// an ordinary section edit.
func (f *File) buildHeaderSections(raw *elf.File) {
	shdr := bin.NewSection("", bin.SectionUnknown, 0)
	shdr.SetOffset(f.Layout.EhdrShoff(f.ehdrRaw))
	shdr.SetEntSize(f.Layout.ShdrSize())
	shdrEntries := make([]*bin.Entry, len(raw.Sections))
	for i := range shdrEntries {
		shdrEntries[i] = bin.NewNilEntry(f.Layout.ShdrSize())
	}
	shdr.SetEntries(shdrEntries)
	shdr.SetSize(uint64(len(raw.Sections)) * f.Layout.ShdrSize())

	phdr := bin.NewSection("", bin.SectionUnknown, bin.AttrLoad)
	phdr.SetOffset(f.Layout.EhdrPhoff(f.ehdrRaw))
	phdr.SetEntSize(f.Layout.PhdrSize())
	phdrEntries := make([]*bin.Entry, len(raw.Progs))
	for i := range phdrEntries {
		phdrEntries[i] = bin.NewNilEntry(f.Layout.PhdrSize())
	}
	phdr.SetEntries(phdrEntries)
	phdr.SetSize(uint64(len(raw.Progs)) * f.Layout.PhdrSize())

	// PT_PHDR, if present, fixes the program header load address
	for _, prog := range raw.Progs {
		if prog.Type == elf.PT_PHDR {
			phdr.SetAddr(prog.Vaddr)
			break
		}
	}

	f.Bin.SetHeaderSections(shdr, phdr)
}

// loadStrings splits a string section into NUL-delimited records.
func (f *File) loadStrings(scn *bin.Section) {
	data := scn.Data()
	if data == nil {
		return
	}

	var entries []*bin.Entry

	start := 0
	for i, b := range data {
		if b != 0 {
			continue
		}

		entries = append(entries, bin.NewStrEntry(string(data[start:i])))
		start = i + 1
	}

	if start < len(data) {
		// Unterminated tail; keep it so offsets stay exact
		entries = append(entries, bin.NewStrEntry(string(data[start:])))
	}

	scn.SetEntries(entries)
}

// stringAt finds the string record covering offset in a loaded string
// section, returning the entry, the delta inside it, and the string
// value from that delta on (ELF names may point into a suffix).
func stringAt(scn *bin.Section, offset uint64) (*bin.Entry, uint64, string) {
	for _, e := range scn.Entries() {
		if e.Kind() != bin.EntryStr {
			continue
		}

		if offset >= e.Offset() && offset < e.Offset()+e.Size() {
			delta := offset - e.Offset()
			return e, delta, e.Str()[delta:]
		}
	}

	return nil, 0, ""
}

// linkSectionNames records the name pointer of every section into the
// section-header string table.
func (f *File) linkSectionNames(raw *elf.File, sections []*bin.Section) {
	shstrtab := sections[f.Idx.Shstrtab]

	for i, hdr := range raw.Sections {
		if hdr.Name == "" {
			continue
		}

		// Re-derive the name offset: debug/elf has already resolved the
		// string, so locate it by value
		for _, e := range shstrtab.Entries() {
			if e.Kind() != bin.EntryStr {
				continue
			}

			if e.Str() == hdr.Name {
				f.scnNames[sections[i]] = bin.NewDataPointer(e, 0)
				break
			}

			if strings.HasSuffix(e.Str(), hdr.Name) {
				f.scnNames[sections[i]] = bin.NewDataPointer(e, uint64(len(e.Str())-len(hdr.Name)))
			}
		}
	}
}

// loadVersym loads the parallel 16-bit version index array.
func (f *File) loadVersym(scn *bin.Section) {
	data := scn.Data()

	if f.Idx.Dynsym >= 0 {
		dynsym := f.Bin.Section(f.Idx.Dynsym)
		if want := dynsym.Size() / f.Layout.SymSize() * 2; want != scn.Size() {
			slog.Warn("version table size does not match the dynamic symbol table",
				"versymSize", scn.Size(),
				"expected", want,
			)
		}
	}

	f.versym = make([]uint16, len(data)/2)
	entries := make([]*bin.Entry, 0, len(f.versym))

	for i := range f.versym {
		f.versym[i] = f.Layout.Order.Uint16(data[i*2:])
		entries = append(entries, bin.NewValEntry(uint64(f.versym[i]), 2))
	}

	scn.SetEntries(entries)
}

// loadGot loads a .got-class section as an address array and registers
// every non-zero slot as a cross-referencing entity.
func (f *File) loadGot(scn *bin.Section, scnIdx int) {
	word := f.Layout.WordBytes()
	data := scn.Data()

	n := int(scn.Size() / word)
	entries := make([]*bin.Entry, 0, n)

	for i := 0; i < n; i++ {
		var addr uint64
		if data != nil {
			if word == 8 {
				addr = f.Layout.Order.Uint64(data[uint64(i)*word:])
			} else {
				addr = uint64(f.Layout.Order.Uint32(data[uint64(i)*word:]))
			}
		}

		if addr == 0 {
			entries = append(entries, bin.NewValEntry(0, word))
			continue
		}

		target := f.Bin.SectionSpanning(addr)
		if target == nil {
			// Slot pointing outside any section (e.g. lazy-resolution
			// offsets); keep the raw value
			entries = append(entries, bin.NewValEntry(addr, word))
			continue
		}

		ptr := bin.NewSectionPointer(target, addr-target.Addr())
		e := bin.NewPtrEntry(ptr, word)
		entries = append(entries, e)

		f.Xref.Register(
			bin.XrefKey{Section: scnIdx, Entry: i},
			e, target, addr-target.Addr(), bin.UpdateAddr,
		)
	}

	scn.SetEntries(entries)
}

// recoverPltLabels names the external-function stubs in .plt. Each
// JMPREL relocation fills one .got.plt slot; the stub whose decoded
// GOT reference lands on that slot gets the symbol's name with the
// external suffix appended.
func (f *File) recoverPltLabels() {
	if f.Idx.Plt < 0 || f.Idx.JmpRel < 0 {
		return
	}

	plt := f.Bin.Section(f.Idx.Plt)
	data := plt.Data()
	if data == nil {
		return
	}

	stubSize := plt.EntSize()
	if stubSize == 0 {
		stubSize = 16
	}

	for i, e := range f.Bin.Section(f.Idx.JmpRel).Entries() {
		rel := e.Reloc()
		if rel == nil || rel.Label() == nil || rel.Label().Name() == "" {
			continue
		}

		// Stub 0 is the resolver trampoline
		stubOff := uint64(i+1) * stubSize
		if stubOff+stubSize > uint64(len(data)) {
			continue
		}

		stub := data[stubOff : stubOff+stubSize]

		dist := 0
		if f.Arch.GOTRefDistance != nil {
			var err error
			if dist, err = f.Arch.GOTRefDistance(stub); err != nil {
				continue
			}
		}

		// When the instruction decoder is available, check the stub
		// really addresses the slot the relocation fills
		if f.Arch.InsnRefAddr != nil && rel.Ptr() != nil {
			ref, ok := f.Arch.InsnRefAddr(stub[dist:], plt.Addr()+stubOff+uint64(dist))
			if ok && ref != rel.Ptr().Addr() {
				continue
			}
		}

		lbl := bin.NewLabel(rel.Label().Name()+bin.ExtLabelSuffix, plt.Addr()+stubOff, bin.LabelExtFunction)
		lbl.Attach(plt)
		f.Bin.AddLabelIndex(lbl)

		slog.Debug("recovered external function stub",
			"label", lbl.Name(),
			"addr", fmt.Sprintf("0x%x", lbl.Addr()),
		)
	}
}

// resolveNames re-resolves every symbol and section name against its
// now-loaded string section. The name pointers are authoritative; a
// string record replaced during loading would otherwise leave stale
// copies in labels and sections.
func (f *File) resolveNames(sections []*bin.Section) {
	for e, ptr := range f.symNames {
		tgt := ptr.DataTarget()
		if tgt == nil || tgt.Kind() != bin.EntryStr {
			continue
		}

		if lbl := e.Label(); lbl != nil && ptr.Offset() < tgt.Size() {
			lbl.SetName(tgt.Str()[ptr.Offset():])
		}
	}

	for scn, ptr := range f.scnNames {
		tgt := ptr.DataTarget()
		if tgt == nil || tgt.Kind() != bin.EntryStr {
			continue
		}

		if ptr.Offset() < tgt.Size() {
			scn.SetName(tgt.Str()[ptr.Offset():])
		}
	}
}
