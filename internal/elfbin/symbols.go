package elfbin

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/davejbax/stitch/internal/bin"
	"github.com/davejbax/stitch/internal/elfio"
)

// loadSymbols builds one label per symbol table entry. The label type
// is derived from the section index, the symbol type and binding, the
// name, and whether the owning section holds code.
func (f *File) loadSymbols(raw *elf.File, sections []*bin.Section, scnIdx int) error {
	hdr := raw.Sections[scnIdx]
	scn := sections[scnIdx]

	data := scn.Data()
	if data == nil {
		return nil
	}

	strndx := int(hdr.Link)
	if strndx <= 0 || strndx >= len(sections) {
		return fmt.Errorf("symbol section %s: %w", hdr.Name, bin.ErrNoStringSection)
	}
	strtab := sections[strndx]

	symSize := f.Layout.SymSize()
	count := scn.Size() / symSize

	entries := make([]*bin.Entry, 0, count)

	for i := uint64(0); i < count; i++ {
		sym := f.Layout.ReadSym(data[i*symSize:])

		if i == 0 {
			// Null symbol: keep the slot, no label
			entries = append(entries, bin.NewNilEntry(symSize))
			continue
		}

		nameEntry, nameDelta, name := stringAt(strtab, uint64(sym.Name))

		lbl := f.buildLabel(name, sym, sections)
		e := bin.NewLblEntry(lbl, symSize)
		entries = append(entries, e)

		if nameEntry != nil {
			f.symNames[e] = bin.NewDataPointer(nameEntry, nameDelta)
		}

		f.Bin.AddLabelIndex(lbl)

		if lbl.Section() != nil {
			f.Xref.Register(
				bin.XrefKey{Section: scnIdx, Entry: int(i)},
				e, lbl.Section(), lbl.Addr()-lbl.Section().Addr(), bin.UpdateSym,
			)
		}
	}

	scn.SetEntries(entries)

	return nil
}

func (f *File) buildLabel(name string, sym elfio.Sym, sections []*bin.Section) *bin.Label {
	symType := elf.ST_TYPE(sym.Info)
	symBind := elf.ST_BIND(sym.Info)
	shndx := elf.SectionIndex(sym.Shndx)

	var owner *bin.Section
	if shndx > 0 && int(shndx) < len(sections) {
		owner = sections[shndx]
	}

	typ := bin.LabelGeneric

	switch {
	case shndx == elf.SHN_UNDEF && name != "":
		typ = bin.LabelExtFunction
	case symType == DummySymbolType:
		typ = bin.LabelDummy
	case symType == elf.STT_FUNC:
		typ = bin.LabelFunction
	case symType == elf.STT_OBJECT:
		typ = bin.LabelVariable
	case symBind == elf.STB_LOCAL:
		typ = bin.LabelNoFunction
	case strings.HasPrefix(name, "$"):
		typ = bin.LabelNoFunction
	}

	if owner != nil && owner.Attrs().Has(bin.AttrPatched) {
		typ = bin.LabelPatchSection
	}

	lbl := bin.NewLabel(name, sym.Value, typ)
	lbl.SetSize(sym.Size)
	lbl.SetBinding(int(symBind))
	lbl.SetWeak(symBind == elf.STB_WEAK)
	lbl.SetCommon(shndx == elf.SHN_COMMON)
	lbl.SetAbsolute(shndx == elf.SHN_ABS)
	lbl.SetIfunc(symType == GnuIfuncSymbolType)

	if owner != nil {
		lbl.Attach(owner)

		if owner.Type() == bin.SectionCode {
			lbl.SetTarget(bin.TargetInsn)
		} else {
			lbl.SetTarget(bin.TargetData)
		}
	}

	return lbl
}
