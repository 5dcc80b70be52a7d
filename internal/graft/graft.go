// Package graft extends a base binary with the code and data of
// relocatable object files, resolving every relocation across the base
// and the grafted files and stitching cross-file symbol references.
package graft

import (
	"debug/elf"
	"fmt"
	"log/slog"

	"github.com/davejbax/stitch/internal/align"
	"github.com/davejbax/stitch/internal/bin"
	"github.com/davejbax/stitch/internal/elfbin"
	"github.com/davejbax/stitch/internal/layout"
)

// prescan totals what the graft will need before anything is copied.
type prescan struct {
	// bytes of .madras.bss for COMMON symbols and their largest
	// alignment
	bssBytes uint64
	bssAlign uint64

	// bytes of grafted TLS data and zero-fill
	tdataBytes uint64
	tbssBytes  uint64

	// fresh GOT slots wanted by GOT-class relocations
	gotSlots int

	// fresh PLT stubs wanted by IFUNC references
	ifuncStubs int

	// per-object, per-symbol offset inside .madras.bss
	commonOffsets map[*bin.Label]uint64
}

// Graft inserts every object file into base, resolves all their
// relocations, runs the layout pass, and applies the relocation
// arithmetic. Per-relocation failures are accumulated: the first error
// is returned after every entry has been attempted.
func Graft(base *elfbin.File, objs []*elfbin.File) error {
	if base.Bin.PatchState() != bin.PatchInProgress {
		return base.Bin.RecordError(bin.ErrFileNotBeingPatched)
	}

	for _, obj := range objs {
		if obj.Bin.Type() != bin.TypeRelocatable {
			return base.Bin.RecordError(fmt.Errorf("%s is a %s: %w", obj.Bin.Path(), obj.Bin.Type(), bin.ErrUnexpectedFileFormat))
		}
	}

	pre := scan(objs)

	if err := growTables(base, pre); err != nil {
		return err
	}

	copied, err := copySections(base, objs)
	if err != nil {
		return err
	}

	if err := allocCommon(base, objs, pre); err != nil {
		return err
	}

	if err := exportLabels(base, objs, copied, pre); err != nil {
		return err
	}

	if err := layout.Finalise(base); err != nil {
		return err
	}

	return resolveAll(base, objs, copied, pre)
}

// exportLabels publishes the global symbols of every grafted object in
// the base symbol table. Addresses are registered through the
// cross-reference table, so the layout pass settles them.
func exportLabels(base *elfbin.File, objs []*elfbin.File, copied *copiedSections, pre *prescan) error {
	if base.Idx.Symtab < 0 {
		return nil
	}

	for _, obj := range objs {
		for _, lbl := range obj.Bin.Labels() {
			if lbl.Name() == "" || lbl.Binding() == int(elf.STB_LOCAL) {
				continue
			}

			var target *bin.Section
			var off uint64

			switch {
			case lbl.Common():
				target = base.Bin.SectionByName(elfbin.ScnMadrasBss)
				off = pre.commonOffsets[lbl]
			case lbl.Section() != nil:
				target = copied.scn[lbl.Section()]
				off = copied.offset[lbl.Section()] + lbl.Addr()
			default:
				// Still undefined; the base or another object provides it
				continue
			}

			if target == nil {
				continue
			}

			pub := bin.NewLabel(lbl.Name(), off, lbl.Type())
			pub.SetSize(lbl.Size())
			pub.SetBinding(lbl.Binding())
			pub.SetWeak(lbl.Weak())
			pub.Attach(target)

			e, err := base.AddLabel(pub)
			if err != nil {
				return err
			}

			symtab := base.Bin.Section(base.Idx.Symtab)
			base.Xref.Register(
				bin.XrefKey{Section: base.Idx.Symtab, Entry: symtab.NumEntries() - 1},
				e, target, off, bin.UpdateSym,
			)

			slog.Debug("exported grafted symbol",
				"symbol", lbl.Name(),
				"section", target.Name(),
				"offset", fmt.Sprintf("0x%x", off),
			)
		}
	}

	return nil
}

// scan walks the object files' symbols and relocations counting the
// growth the graft demands.
func scan(objs []*elfbin.File) *prescan {
	pre := &prescan{
		bssAlign:      1,
		commonOffsets: make(map[*bin.Label]uint64),
	}

	for _, obj := range objs {
		for _, lbl := range obj.Bin.Labels() {
			if lbl.Common() {
				// For COMMON symbols the value is the required alignment
				// and the size is the byte count
				a := lbl.Addr()
				if a == 0 {
					a = 1
				}

				if a > pre.bssAlign {
					pre.bssAlign = a
				}

				pre.bssBytes = align.Address(pre.bssBytes, a)
				pre.commonOffsets[lbl] = pre.bssBytes
				pre.bssBytes += lbl.Size()
			}

			if lbl.Ifunc() {
				pre.ifuncStubs++
			}
		}

		for _, scn := range obj.Bin.Sections() {
			if scn.IsTLS() {
				if scn.Type() == bin.SectionZeroData {
					pre.tbssBytes += scn.Size()
				} else {
					pre.tdataBytes += scn.Size()
				}
			}

			if scn.Type() != bin.SectionReloc {
				continue
			}

			for _, e := range scn.Entries() {
				rel := e.Reloc()
				if rel == nil {
					continue
				}

				if gotClass(rel.Type()) {
					pre.gotSlots++
				}
			}
		}
	}

	slog.Debug("pre-scanned object files",
		"objects", len(objs),
		"bssBytes", pre.bssBytes,
		"tdataBytes", pre.tdataBytes,
		"tbssBytes", pre.tbssBytes,
		"gotSlots", pre.gotSlots,
		"ifuncStubs", pre.ifuncStubs,
	)

	return pre
}

// gotClass reports whether a relocation type consumes a GOT slot.
func gotClass(typ uint32) bool {
	switch elf.R_X86_64(typ) {
	case elf.R_X86_64_GOT32, elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX,
		elf.R_X86_64_REX_GOTPCRELX, elf.R_X86_64_GOT64, elf.R_X86_64_GOTPCREL64,
		elf.R_X86_64_GOTTPOFF:
		return true
	default:
		return false
	}
}

// growTables grows the base's .got by the counted slot demand and the
// .got.plt / .plt / .rela.plt trio by the IFUNC stub demand.
func growTables(base *elfbin.File, pre *prescan) error {
	word := base.Layout.WordBytes()

	if pre.gotSlots > 0 && base.Idx.Got >= 0 {
		for i := 0; i < pre.gotSlots; i++ {
			if _, err := base.Bin.PatchAddEntry(base.Idx.Got, bin.NewValEntry(0, word)); err != nil {
				return err
			}
		}
	}

	if pre.ifuncStubs > 0 {
		if base.Idx.GotPlt >= 0 {
			for i := 0; i < pre.ifuncStubs; i++ {
				if _, err := base.Bin.PatchAddEntry(base.Idx.GotPlt, bin.NewValEntry(0, word)); err != nil {
					return err
				}
			}
		}

		// Stub section and its IRELATIVE entries are sized now so the
		// layout pass can place them; the bytes are filled once final
		// addresses exist
		mplt, err := base.NewPatchSection(
			elfbin.ScnMadrasPlt,
			bin.SectionCode,
			bin.AttrLoad|bin.AttrRead|bin.AttrExec|bin.AttrExtFctStubs,
			&elfbin.ScnMeta{Type: elf.SHT_PROGBITS, Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR)},
		)
		if err != nil {
			return err
		}

		mplt.SetAlign(16)
		mplt.SetSize(uint64(pre.ifuncStubs) * base.Arch.PLTStubSize)
		mplt.SetData(make([]byte, mplt.Size()))
		base.Idx.MadrasPlt = mplt.Index()

		if base.Idx.RelaPlt >= 0 {
			for i := 0; i < pre.ifuncStubs; i++ {
				placeholder := bin.NewRelEntry(nil, base.Layout.RelaSize())
				if _, err := base.Bin.PatchAddEntry(base.Idx.RelaPlt, placeholder); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// allocCommon creates .madras.bss sized and aligned for every COMMON
// symbol accumulated during the pre-scan.
func allocCommon(base *elfbin.File, objs []*elfbin.File, pre *prescan) error {
	if pre.bssBytes == 0 {
		return nil
	}

	scn, err := base.NewPatchSection(
		elfbin.ScnMadrasBss,
		bin.SectionZeroData,
		bin.AttrLoad|bin.AttrRead|bin.AttrWrite,
		&elfbin.ScnMeta{Type: elf.SHT_NOBITS, Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE)},
	)
	if err != nil {
		return err
	}

	scn.SetSize(pre.bssBytes)
	scn.SetAlign(pre.bssAlign)

	slog.Debug("allocated common block",
		"section", scn.Name(),
		"size", pre.bssBytes,
		"align", pre.bssAlign,
	)

	return nil
}
