package graft

import (
	"debug/elf"
	"fmt"
	"log/slog"

	"github.com/davejbax/stitch/internal/bin"
	"github.com/davejbax/stitch/internal/elfbin"
	"github.com/davejbax/stitch/internal/reloc"
)

// resolver carries the cursors into the tables the pre-scan grew.
type resolver struct {
	base   *elfbin.File
	objs   []*elfbin.File
	copied *copiedSections
	pre    *prescan

	// next free slot among the entries growTables appended
	gotCursor    int
	gotPltCursor int
	stubCursor   int
	irelCursor   int

	// per-symbol GOT slot, so two relocations against the same symbol
	// share one slot
	gotSlots map[*bin.Label]int

	firstErr error
}

// resolveAll builds and applies a relocation request for every
// relocation of every copied section. Failures are recorded and
// resolution continues, so the caller sees the full list.
func resolveAll(base *elfbin.File, objs []*elfbin.File, copied *copiedSections, pre *prescan) error {
	r := &resolver{
		base:     base,
		objs:     objs,
		copied:   copied,
		pre:      pre,
		gotSlots: make(map[*bin.Label]int),
	}

	if base.Idx.Got >= 0 {
		r.gotCursor = base.Bin.Section(base.Idx.Got).NumEntries() - pre.gotSlots
	}
	if base.Idx.GotPlt >= 0 {
		r.gotPltCursor = base.Bin.Section(base.Idx.GotPlt).NumEntries() - pre.ifuncStubs
	}
	if base.Idx.RelaPlt >= 0 {
		r.irelCursor = base.Bin.Section(base.Idx.RelaPlt).NumEntries() - pre.ifuncStubs
	}

	for _, obj := range objs {
		for _, relScn := range obj.Bin.Sections() {
			if relScn.Type() != bin.SectionReloc {
				continue
			}

			m := obj.Meta(relScn)
			if m.InfoScn == nil {
				continue
			}

			target, ok := copied.scn[m.InfoScn]
			if !ok {
				slog.Warn("skipping relocation section for uncopied target",
					"object", obj.Bin.Path(),
					"section", relScn.Name(),
					"target", m.InfoScn.Name(),
				)
				continue
			}

			for _, e := range relScn.Entries() {
				rel := e.Reloc()
				if rel == nil {
					continue
				}

				if err := r.resolveOne(obj, rel, target, copied.offset[m.InfoScn]); err != nil {
					r.record(obj, rel, err)
				}
			}
		}
	}

	return base.Bin.RecordError(r.firstErr)
}

func (r *resolver) record(obj *elfbin.File, rel *bin.Reloc, err error) {
	name := "?"
	if rel.Label() != nil {
		name = rel.Label().Name()
	}

	slog.Warn("relocation failed",
		"object", obj.Bin.Path(),
		"symbol", name,
		"type", rel.Type(),
		"error", err,
	)

	if r.firstErr == nil {
		r.firstErr = err
	}
}

// resolveOne resolves a single relocation of an object section that
// was copied into the base at baseOff within target.
func (r *resolver) resolveOne(obj *elfbin.File, rel *bin.Reloc, target *bin.Section, baseOff uint64) error {
	req := &reloc.Request{
		Arch:    r.base.Arch,
		Order:   r.base.Layout.Order,
		File:    r.base.Bin,
		Section: target,
		Offset:  baseOff + rel.Ptr().Offset(),
		Addend:  rel.Addend(),
		Type:    rel.Type(),
	}

	lbl := rel.Label()
	if lbl == nil {
		// Section-less relocation (e.g. R_*_NONE)
		return reloc.Apply(req)
	}

	switch {
	case lbl.Common():
		if err := r.resolveCommon(lbl, req); err != nil {
			return err
		}

	case lbl.Absolute():
		req.Target = nil
		req.TargetOffset = reloc.NoOffset

	case lbl.Section() != nil:
		if err := r.resolveLocal(obj, lbl, req); err != nil {
			return err
		}

	default:
		if err := r.resolveExternal(obj, lbl, req); err != nil {
			return err
		}
	}

	return reloc.Apply(req)
}

// resolveCommon points the request at the slot .madras.bss gave the
// symbol during the pre-scan.
func (r *resolver) resolveCommon(lbl *bin.Label, req *reloc.Request) error {
	bss := r.base.Bin.SectionByName(elfbin.ScnMadrasBss)
	if bss == nil {
		return fmt.Errorf("common symbol %s: %w", lbl.Name(), bin.ErrMissingSection)
	}

	off, ok := r.pre.commonOffsets[lbl]
	if !ok {
		return fmt.Errorf("common symbol %s: %w", lbl.Name(), bin.ErrSymbolNotFound)
	}

	req.Target = bss
	req.TargetOffset = off

	if gotClass(req.Type) {
		r.installGotSlot(lbl, req, bss, off)
	}

	return nil
}

// resolveLocal targets a symbol defined inside the same object file,
// through the copied counterpart of its section.
func (r *resolver) resolveLocal(obj *elfbin.File, lbl *bin.Label, req *reloc.Request) error {
	counterpart, ok := r.copied.scn[lbl.Section()]
	if !ok {
		return fmt.Errorf("symbol %s in uncopied section %s: %w", lbl.Name(), lbl.Section().Name(), bin.ErrTargetAddressNotFound)
	}

	off := r.copied.offset[lbl.Section()] + lbl.Addr()

	if tlsReloc(req.Type) {
		return r.resolveTLS(lbl, req, off, true)
	}

	req.Target = counterpart
	req.TargetOffset = off

	if gotClass(req.Type) {
		r.installGotSlot(lbl, req, counterpart, off)
	}

	return nil
}

// resolveExternal resolves an undefined symbol against the base file
// first, then the other grafted objects.
func (r *resolver) resolveExternal(obj *elfbin.File, lbl *bin.Label, req *reloc.Request) error {
	name := lbl.Name()

	if baseLbl := r.base.Bin.LabelByName(name); baseLbl != nil {
		return r.resolveAgainstBase(baseLbl, req)
	}

	for _, other := range r.objs {
		if other == obj {
			continue
		}

		otherLbl := other.Bin.LabelByName(name)
		if otherLbl == nil || otherLbl.Section() == nil {
			continue
		}

		counterpart, ok := r.copied.scn[otherLbl.Section()]
		if !ok {
			continue
		}

		off := r.copied.offset[otherLbl.Section()] + otherLbl.Addr()

		if tlsReloc(req.Type) {
			return r.resolveTLS(otherLbl, req, off, true)
		}

		req.Target = counterpart
		req.TargetOffset = off

		if gotClass(req.Type) {
			r.installGotSlot(otherLbl, req, counterpart, off)
		}

		return nil
	}

	if lbl.Weak() {
		// Undefined weak resolves to zero; GOT-class references read a
		// zeroed slot
		req.Target = nil
		req.TargetOffset = reloc.NoOffset

		return nil
	}

	return fmt.Errorf("%s: %w", name, bin.ErrUnresolvedSymbol)
}

// resolveAgainstBase handles a symbol the base defines, in the regular
// or the dynamic (PLT) sense.
func (r *resolver) resolveAgainstBase(baseLbl *bin.Label, req *reloc.Request) error {
	name := baseLbl.Name()

	if baseLbl.Ifunc() && elf.R_X86_64(req.Type) == elf.R_X86_64_PLT32 {
		return r.resolveIfunc(baseLbl, req)
	}

	if baseLbl.Section() == nil {
		// The base imports it too: route the call through the base's
		// PLT stub for the symbol
		if slot, ok := r.base.PltSlotForLabel(name); ok && r.base.Idx.Plt >= 0 {
			plt := r.base.Bin.Section(r.base.Idx.Plt)

			req.HasPLT = true
			req.PLTSection = plt
			req.PLTSlot = uint64(slot)
			req.Target = plt
			req.TargetOffset = uint64(slot) * r.base.Arch.PLTStubSize

			return nil
		}

		if baseLbl.Weak() {
			req.Target = nil
			req.TargetOffset = reloc.NoOffset

			return nil
		}

		return fmt.Errorf("%s: %w", name, bin.ErrUnresolvedSymbol)
	}

	off := baseLbl.Addr() - baseLbl.Section().Addr()

	if tlsReloc(req.Type) {
		// Offset within the original TLS template
		return r.resolveTLS(baseLbl, req, tlsOffsetInBase(r.base, baseLbl), false)
	}

	req.Target = baseLbl.Section()
	req.TargetOffset = off

	if gotClass(req.Type) {
		r.installGotSlot(baseLbl, req, baseLbl.Section(), off)
	}

	return nil
}

// installGotSlot assigns (or reuses) one of the pre-grown .got slots
// for the symbol, pointing it at the resolved target.
func (r *resolver) installGotSlot(lbl *bin.Label, req *reloc.Request, target *bin.Section, off uint64) {
	if r.base.Idx.Got < 0 {
		return
	}

	got := r.base.Bin.Section(r.base.Idx.Got)

	slot, ok := r.gotSlots[lbl]
	if !ok {
		slot = r.gotCursor
		r.gotCursor++
		r.gotSlots[lbl] = slot

		if e := got.Entry(slot); e != nil {
			e.BecomePointer(bin.NewSectionPointer(target, off))
		}
	}

	req.HasGOT = true
	req.GOTSection = got
	req.GOTSlot = uint64(slot)
}

func tlsReloc(typ uint32) bool {
	switch elf.R_X86_64(typ) {
	case elf.R_X86_64_GOTTPOFF, elf.R_X86_64_TPOFF32:
		return true
	default:
		return false
	}
}

// resolveTLS computes the thread-pointer-relative offset of a variable
// inside the merged TLS template: the original template precedes the
// grafted block. GOTTPOFF installs the offset in a GOT slot; TPOFF32
// writes it directly as an immediate.
func (r *resolver) resolveTLS(lbl *bin.Label, req *reloc.Request, varOff uint64, grafted bool) error {
	total := r.copied.tlsOrigin

	if tdata := r.base.Bin.SectionByName(elfbin.ScnTdataMadras); tdata != nil {
		total += tdata.Size()
	}
	if tbss := r.base.Bin.SectionByName(elfbin.ScnTbssMadras); tbss != nil {
		total += tbss.Size()
	}

	// Grafted variables sit after the original template
	if grafted {
		varOff += r.copied.tlsOrigin
	}

	// x86-64 TLS variant: the thread pointer sits past the template,
	// so offsets are negative
	tpoff := uint64(int64(varOff) - int64(total))

	switch elf.R_X86_64(req.Type) {
	case elf.R_X86_64_GOTTPOFF:
		if r.base.Idx.Got < 0 {
			return fmt.Errorf("TLS symbol %s needs a GOT: %w", lbl.Name(), bin.ErrMissingSection)
		}

		got := r.base.Bin.Section(r.base.Idx.Got)

		slot, ok := r.gotSlots[lbl]
		if !ok {
			slot = r.gotCursor
			r.gotCursor++
			r.gotSlots[lbl] = slot
		}

		if e := got.Entry(slot); e != nil {
			e.SetVal(tpoff)
		}

		req.HasGOT = true
		req.GOTSection = got
		req.GOTSlot = uint64(slot)
		req.Target = got
		req.TargetOffset = uint64(slot) * r.base.Layout.WordBytes()

	case elf.R_X86_64_TPOFF32:
		req.Immediate = tpoff
		req.HasImmediate = true
		req.Target = r.base.Bin.Section(r.base.Idx.Got)
		if req.Target == nil {
			req.Target = req.Section
		}
		req.TargetOffset = 0
	}

	return nil
}

// tlsOffsetInBase returns a base TLS symbol's offset from the start of
// the TLS template.
func tlsOffsetInBase(base *elfbin.File, lbl *bin.Label) uint64 {
	for _, seg := range base.Bin.Segments() {
		if elf.ProgType(seg.Kind()) == elf.PT_TLS {
			return lbl.Addr() - seg.Vaddr()
		}
	}

	return lbl.Addr()
}

// resolveIfunc handles a PLT32 against a GNU-IFUNC symbol: reuse the
// PLT slot the original IRELATIVE fills, or synthesise a fresh stub
// jumping through a new .got.plt slot, with a matching IRELATIVE
// appended to .rela.plt.
func (r *resolver) resolveIfunc(lbl *bin.Label, req *reloc.Request) error {
	if slotAddr, ok := r.base.IrelativeSlot(lbl.Addr()); ok {
		plt := r.base.Bin.SectionSpanning(slotAddr)
		if plt != nil {
			req.Target = plt
			req.TargetOffset = slotAddr - plt.Addr()

			return nil
		}
	}

	if r.base.Idx.MadrasPlt < 0 || r.base.Idx.GotPlt < 0 || r.base.Idx.RelaPlt < 0 {
		return fmt.Errorf("ifunc %s: %w", lbl.Name(), bin.ErrPatchExtfctStubNotGenerated)
	}

	mplt := r.base.Bin.Section(r.base.Idx.MadrasPlt)
	gotPlt := r.base.Bin.Section(r.base.Idx.GotPlt)
	relaPlt := r.base.Bin.Section(r.base.Idx.RelaPlt)

	stubOff := uint64(r.stubCursor) * r.base.Arch.PLTStubSize
	gotSlot := r.gotPltCursor
	irelIdx := r.irelCursor

	if stubOff+r.base.Arch.PLTStubSize > mplt.Size() || gotSlot >= gotPlt.NumEntries() || irelIdx >= relaPlt.NumEntries() {
		return fmt.Errorf("ifunc %s: %w", lbl.Name(), bin.ErrPatchExtfctStubNotGenerated)
	}

	r.stubCursor++
	r.gotPltCursor++
	r.irelCursor++

	gotAddr := gotPlt.Addr() + uint64(gotSlot)*r.base.Layout.WordBytes()
	stub := r.base.Arch.PLTStub(mplt.Addr()+stubOff, gotAddr)
	copy(mplt.Data()[stubOff:], stub)

	irelType := uint32(elf.R_X86_64_IRELATIVE)
	if r.base.Arch.ELFMachine == elf.EM_386 {
		irelType = uint32(elf.R_386_IRELATIVE)
	}

	locPtr := bin.NewSectionPointer(gotPlt, uint64(gotSlot)*r.base.Layout.WordBytes())
	irel := bin.NewReloc(locPtr, lbl, int64(lbl.Addr()), irelType)

	if e := relaPlt.Entry(irelIdx); e != nil {
		e.BecomeReloc(irel)
	}

	slog.Debug("synthesised ifunc stub",
		"symbol", lbl.Name(),
		"stub", fmt.Sprintf("0x%x", mplt.Addr()+stubOff),
		"gotSlot", gotSlot,
	)

	req.Target = mplt
	req.TargetOffset = stubOff

	return nil
}
