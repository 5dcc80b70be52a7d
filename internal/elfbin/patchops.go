package elfbin

import (
	"debug/elf"
	"fmt"
	"log/slog"

	"github.com/davejbax/stitch/internal/bin"
)

// PatchBegin opens a patching session: a copy sharing the creator's
// parsed state, with copy-on-write section cloning from the first
// mutation on.
func (f *File) PatchBegin() (*File, error) {
	cp := &File{
		Layout:    f.Layout,
		ident:     f.ident,
		ehdrRaw:   f.ehdrRaw,
		machine:   f.machine,
		elfType:   f.elfType,
		entry:     f.entry,
		flags:     f.flags,
		Arch:      f.Arch,
		Idx:       f.Idx,
		Xref:      f.Xref,
		symNames:  f.symNames,
		scnNames:  f.scnNames,
		meta:      f.meta,
		versym:    f.versym,
		Debug:     f.Debug,
		patchCopy: true,
	}

	cp.Bin = bin.NewFile(f.Bin.Format(), f.Bin.Type(), f.Bin.WordSize(), f.Bin.ArchName())
	if err := cp.Bin.PatchInitCopy(f.Bin); err != nil {
		return nil, err
	}

	return cp, nil
}

// AddLibrary appends a DT_NEEDED entry for name, placed immediately
// before the terminating DT_NULL. The library name is interned in the
// dynamic string table; only .dynstr and .dynamic change.
func (f *File) AddLibrary(name string) error {
	if f.Idx.Dynamic < 0 {
		return f.Bin.RecordError(bin.ErrNoExtlibs)
	}
	if f.Idx.Dynstr < 0 {
		return f.Bin.RecordError(bin.ErrNoStringSection)
	}

	strEntry, err := f.Bin.PatchAddStrEntry(f.Idx.Dynstr, name)
	if err != nil {
		return err
	}

	dyn, err := f.Bin.PatchSectionCopy(f.Idx.Dynamic)
	if err != nil {
		return err
	}

	needed := bin.NewPtrEntry(bin.NewDataPointer(strEntry, 0), f.Layout.DynSize())
	needed.SetTag(int64(elf.DT_NEEDED))
	needed.SetPatched()

	// Insert before the DT_NULL terminator; the terminator must stay
	// last or the loader stops early
	at := dyn.NumEntries()
	for i, e := range dyn.Entries() {
		if e.Kind() == bin.EntryNil {
			at = i
			break
		}
	}

	entries := append([]*bin.Entry(nil), dyn.Entries()[:at]...)
	entries = append(entries, needed)
	entries = append(entries, dyn.Entries()[at:]...)
	dyn.SetEntries(entries)
	dyn.SetSize(dyn.Size() + needed.Size())

	f.Bin.AddExternLibrary(needed)

	slog.Debug("added external library",
		"library", name,
		"entries", dyn.NumEntries(),
	)

	return nil
}

// RenameLibrary retargets the DT_NEEDED string pointer of the library
// currently named from. The new name is appended to .dynstr; the old
// string bytes stay in place so other references cannot break.
func (f *File) RenameLibrary(from string, to string) error {
	if len(f.Bin.ExternLibraries()) == 0 {
		return f.Bin.RecordError(bin.ErrNoExtlibs)
	}

	var needed *bin.Entry
	for _, e := range f.Bin.ExternLibraries() {
		if ptr := e.Ptr(); ptr != nil && ptr.DataTarget() != nil {
			if ptr.DataTarget().Str()[ptr.Offset():] == from {
				needed = e
				break
			}
		}
	}

	if needed == nil {
		return f.Bin.RecordError(fmt.Errorf("%s: %w", from, bin.ErrExtlibNotFound))
	}

	strEntry, err := f.Bin.PatchAddStrEntry(f.Idx.Dynstr, to)
	if err != nil {
		return err
	}

	dyn, err := f.Bin.PatchSectionCopy(f.Idx.Dynamic)
	if err != nil {
		return err
	}

	// The extern-library entry may predate the section clone; mutate
	// the cloned entry so the creator stays untouched
	idx := dyn.EntryIndex(needed)
	if idx < 0 {
		for i, e := range dyn.Entries() {
			if e.Tag() == needed.Tag() && e.Ptr() == needed.Ptr() {
				idx = i
				break
			}
		}
	}

	entry, err := f.Bin.PatchEntryCopy(f.Idx.Dynamic, idx)
	if err != nil {
		return err
	}

	entry.Ptr().Retarget(strEntry, 0)
	f.Bin.ReplaceExternLibrary(needed, entry)

	slog.Debug("renamed external library",
		"from", from,
		"to", to,
	)

	return nil
}

// PlaceLabel picks the symbol section for a new label: dynamic labels
// go to .dynsym, everything else to .symtab. Implements bin.LabelSink.
func (f *File) PlaceLabel(l *bin.Label) (*bin.Section, error) {
	idx := f.Idx.Symtab

	if l.Type() == bin.LabelExtFunction && f.Idx.Dynsym >= 0 {
		idx = f.Idx.Dynsym
	}

	if idx < 0 {
		return nil, bin.ErrNoSymbolSection
	}

	return f.Bin.Section(idx), nil
}

// AddLabel inserts a label, interning its name into the symbol
// section's string table and recording the name pointer.
func (f *File) AddLabel(l *bin.Label) (*bin.Entry, error) {
	e, err := f.Bin.PatchAddLabel(f, l)
	if err != nil {
		return nil, err
	}

	strIdx := f.Idx.Strtab
	if l.Entry() != nil && l.Entry().Section() != nil &&
		l.Entry().Section().Index() == f.Idx.Dynsym {
		strIdx = f.Idx.Dynstr
	}

	if strIdx >= 0 {
		strEntry, err := f.Bin.PatchAddStrEntry(strIdx, l.Name())
		if err != nil {
			return nil, err
		}

		f.symNames[e] = bin.NewDataPointer(strEntry, 0)
	}

	return e, nil
}

// NewPatchSection creates a section during a patching session: the
// name is interned into .shstrtab, metadata is registered, and the
// section joins the table with the patched attribute set.
func (f *File) NewPatchSection(name string, typ bin.SectionType, attrs bin.Attrs, m *ScnMeta) (*bin.Section, error) {
	if f.Bin.PatchState() != bin.PatchInProgress {
		return nil, f.Bin.RecordError(bin.ErrFileNotBeingPatched)
	}

	scn := bin.NewSection(name, typ, attrs|bin.AttrPatched)
	scn.SetPatched(true)
	f.Bin.AppendSection(scn)

	if m == nil {
		m = &ScnMeta{Type: elf.SHT_PROGBITS}
	}
	f.meta[scn] = m

	if f.Idx.Shstrtab >= 0 {
		strEntry, err := f.Bin.PatchAddStrEntry(f.Idx.Shstrtab, name)
		if err != nil {
			return nil, err
		}

		f.scnNames[scn] = bin.NewDataPointer(strEntry, 0)
	}

	return scn, nil
}

// PltSlotForLabel walks the JMPREL relocations for a symbol defined in
// the dynamic (PLT) sense and returns the index of its stub in .plt.
func (f *File) PltSlotForLabel(name string) (int, bool) {
	if f.Idx.JmpRel < 0 || f.Idx.Plt < 0 {
		return 0, false
	}

	jmprel := f.Bin.Section(f.Idx.JmpRel)

	for i, e := range jmprel.Entries() {
		rel := e.Reloc()
		if rel == nil || rel.Label() == nil {
			continue
		}

		if rel.Label().Name() == name {
			// Slot 0 of .plt is the resolver trampoline; stub i+1
			// belongs to the i'th JMPREL entry
			return i + 1, true
		}
	}

	return 0, false
}

// IrelativeSlot looks for an IRELATIVE relocation in .rela.plt whose
// addend matches the resolver address, returning the address of the
// PLT slot it fills.
func (f *File) IrelativeSlot(resolver uint64) (uint64, bool) {
	if f.Idx.RelaPlt < 0 {
		return 0, false
	}

	irelative := uint32(elf.R_X86_64_IRELATIVE)
	if f.Arch.ELFMachine == elf.EM_386 {
		irelative = uint32(elf.R_386_IRELATIVE)
	}

	for _, e := range f.Bin.Section(f.Idx.RelaPlt).Entries() {
		rel := e.Reloc()
		if rel == nil || rel.Type() != irelative {
			continue
		}

		if uint64(rel.Addend()) == resolver {
			if ptr := rel.Ptr(); ptr != nil {
				return ptr.Addr(), true
			}
		}
	}

	return 0, false
}
