package elfbin

import (
	"debug/elf"
	"fmt"
	"log/slog"

	"github.com/davejbax/stitch/internal/bin"
)

// loadRelocations loads a REL or RELA section. The target section is
// given by sh_info in relocatable files, where r_offset is an offset
// inside it; in executables and libraries r_offset is a virtual
// address and the target is located by address.
func (f *File) loadRelocations(raw *elf.File, sections []*bin.Section, scnIdx int) error {
	hdr := raw.Sections[scnIdx]
	scn := sections[scnIdx]

	data := scn.Data()
	if data == nil {
		return nil
	}

	hasAddend := hdr.Type == elf.SHT_RELA

	entSize := f.Layout.RelSize()
	if hasAddend {
		entSize = f.Layout.RelaSize()
	}

	var symScn *bin.Section
	if hdr.Link > 0 && int(hdr.Link) < len(sections) {
		symScn = sections[hdr.Link]
	}

	var infoTarget *bin.Section
	if f.elfType == elf.ET_REL && hdr.Info > 0 && int(hdr.Info) < len(sections) {
		infoTarget = sections[hdr.Info]
	}

	count := scn.Size() / entSize
	entries := make([]*bin.Entry, 0, count)

	for i := uint64(0); i < count; i++ {
		r := f.Layout.ReadRel(data[i*entSize:], hasAddend)

		var lbl *bin.Label
		if symScn != nil && r.Sym > 0 && int(r.Sym) < symScn.NumEntries() {
			if symEntry := symScn.Entry(int(r.Sym)); symEntry != nil {
				lbl = symEntry.Label()
			}
		}

		var locPtr *bin.Pointer
		var target *bin.Section
		var offset uint64

		if infoTarget != nil {
			target = infoTarget
			offset = r.Off
			locPtr = bin.NewSectionPointer(target, offset)
		} else if target = f.Bin.SectionSpanning(r.Off); target != nil {
			offset = r.Off - target.Addr()
			locPtr = bin.NewSectionPointer(target, offset)
		} else {
			slog.Warn("relocation references address outside any loaded section",
				"section", scn.Name(),
				"offset", fmt.Sprintf("0x%x", r.Off),
			)

			locPtr = bin.NewUndefPointer(r.Off)
		}

		rel := bin.NewReloc(locPtr, lbl, r.Addend, r.Type)
		if hasAddend && target != nil {
			rel.SetTarget(bin.NewSectionPointer(target, offset))
		}

		e := bin.NewRelEntry(rel, entSize)
		entries = append(entries, e)

		if target != nil {
			updater := bin.UpdateRel
			if hasAddend {
				updater = bin.UpdateRela
			}

			f.Xref.Register(
				bin.XrefKey{Section: scnIdx, Entry: int(i)},
				e, target, offset, updater,
			)
		}
	}

	scn.SetEntries(entries)

	return nil
}
