package elfbin

import (
	"debug/elf"
	"fmt"

	"github.com/davejbax/stitch/internal/bin"
)

// Tags whose value is an offset into the dynamic string table.
var dynStringTags = map[elf.DynTag]bool{
	elf.DT_NEEDED:  true,
	elf.DT_SONAME:  true,
	elf.DT_RPATH:   true,
	elf.DT_RUNPATH: true,
}

// Tags whose value is the address of a section.
var dynAddrTags = map[elf.DynTag]bool{
	elf.DT_PLTGOT: true,
	elf.DT_JMPREL: true,
	elf.DT_HASH:   true,
	elf.DT_STRTAB: true,
	elf.DT_SYMTAB: true,
	elf.DT_RELA:   true,
	elf.DT_INIT:   true,
	elf.DT_FINI:   true,
	elf.DT_REL:    true,
	elf.DT_VERSYM: true,
}

// loadDynamic classifies each dynamic entry by tag in a first pass and
// resolves address-valued tags to their sections in a second one.
// DT_NEEDED entries additionally join the extern-library list in
// insertion order.
func (f *File) loadDynamic(raw *elf.File, sections []*bin.Section, scnIdx int) error {
	scn := sections[scnIdx]
	data := scn.Data()
	if data == nil {
		return nil
	}

	if f.Idx.Dynstr < 0 {
		return fmt.Errorf("dynamic section %s: %w", scn.Name(), bin.ErrNoStringSection)
	}
	dynstr := sections[f.Idx.Dynstr]

	if dynstr.NumEntries() == 0 {
		f.loadStrings(dynstr)
	}

	dynSize := f.Layout.DynSize()
	count := scn.Size() / dynSize

	// Pass 1: decode and classify
	entries := make([]*bin.Entry, 0, count)

	for i := uint64(0); i < count; i++ {
		d := f.Layout.ReadDyn(data[i*dynSize:])
		tag := elf.DynTag(d.Tag)

		var e *bin.Entry

		switch {
		case tag == elf.DT_NULL:
			e = bin.NewNilEntry(dynSize)

		case dynStringTags[tag]:
			strEntry, delta, _ := stringAt(dynstr, d.Val)
			if strEntry == nil {
				return fmt.Errorf("dynamic tag %v references string offset %#x: %w", tag, d.Val, bin.ErrNoStringSection)
			}

			e = bin.NewPtrEntry(bin.NewDataPointer(strEntry, delta), dynSize)
			e.SetTag(int64(tag))

			if tag == elf.DT_NEEDED {
				f.Bin.AddExternLibrary(e)
			}

		case dynAddrTags[tag]:
			// Resolved in pass 2, once the full table exists
			e = bin.NewPtrEntry(bin.NewUndefPointer(d.Val), dynSize)
			e.SetTag(int64(tag))

		default:
			e = bin.NewValEntry(d.Val, dynSize)
			e.SetTag(int64(tag))
		}

		entries = append(entries, e)
	}

	scn.SetEntries(entries)

	// Pass 2: resolve address-valued tags to the section starting at
	// that address
	for i, e := range entries {
		if e.Kind() != bin.EntryPtr || e.Ptr().Target() != bin.TargetUndef {
			continue
		}

		addr := e.Ptr().Addr()
		if addr == 0 {
			continue
		}

		var target *bin.Section
		for _, cand := range sections {
			if cand.IsLoaded() && cand.Addr() == addr {
				target = cand
				break
			}
		}

		if target == nil {
			target = f.Bin.SectionSpanning(addr)
		}

		if target == nil {
			continue
		}

		e.Ptr().RetargetSection(target, addr-target.Addr())

		f.Xref.Register(
			bin.XrefKey{Section: scnIdx, Entry: i},
			e, target, addr-target.Addr(), bin.UpdateDyn,
		)
	}

	return nil
}
