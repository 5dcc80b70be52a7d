// Package layout reassigns addresses and file offsets to grown or
// added sections and rebuilds the program segments so that the
// page-congruence every ELF loader assumes keeps holding.
package layout

import (
	"debug/elf"
	"fmt"
	"log/slog"
	"sort"

	"github.com/davejbax/stitch/internal/align"
	"github.com/davejbax/stitch/internal/bin"
	"github.com/davejbax/stitch/internal/elfbin"
)

// PageSize caps segment alignment and drives the address/offset
// congruence; one page on every supported target.
const PageSize = bin.NewSegmentAlignment

// slack accounts for per-section alignment padding when sizing the
// relocation gap.
const slack = PageSize

// unit is a group of sections that must stay contiguous: usually one
// section, but .got/.got.plt move as a pair and TLS sections move as
// one block.
type unit struct {
	sections []*bin.Section
	moved    bool // placed by the patch driver already; keeps its address
	tls      bool
}

func (u *unit) size() uint64 {
	var total uint64
	for _, s := range u.sections {
		total += s.Size()
	}

	return total
}

func (u *unit) alignment() uint64 {
	max := uint64(1)
	for _, s := range u.sections {
		if s.Align() > max {
			max = s.Align()
		}
	}

	if max > PageSize {
		max = PageSize
	}

	return max
}

// Finalise performs the reorder: classify, choose a relocation base,
// assign addresses and offsets, rebuild segments, relocate the program
// header table if it no longer fits, and refresh every dependent
// address through the cross-reference table.
func Finalise(f *elfbin.File) error {
	bf := f.Bin

	if bf.PatchState() != bin.PatchInProgress {
		return bf.RecordError(bin.ErrFileNotBeingPatched)
	}

	units := classify(bf)
	if len(units) == 0 {
		finishIndices(f)
		return nil
	}

	empty := bf.EmptySpaces()
	if empty == nil {
		empty = bin.BuildEmptySpaces(bf)
	}

	base, err := chooseBase(bf, units, empty)
	if err != nil {
		return bf.RecordError(err)
	}

	queue := usableIntervals(empty, base)

	if queue, err = assignAddresses(units, queue); err != nil {
		return bf.RecordError(err)
	}
	bf.SetEmptySpaces(queue)

	assignOffsets(bf, units)
	buildSegments(f, units)
	placeTail(bf)

	if err := relocatePhdr(f); err != nil {
		return bf.RecordError(err)
	}

	for _, seg := range bf.Segments() {
		seg.Recompute()
	}

	finishIndices(f)

	f.Xref.UpdateAll(bf)

	slog.Debug("finalised layout",
		"relocationBase", fmt.Sprintf("0x%x", base),
		"units", len(units),
		"segments", bf.NumSegments(),
	)

	return nil
}

// classify walks loaded sections in address order and collects the
// units that need placing: sections that grew (or are new), plus
// driver-moved sections that still need file offsets. The .got and
// .got.plt pair is classified jointly; TLS sections form one block.
func classify(bf *bin.File) []*unit {
	creator := bf.Creator()

	var plain []*bin.Section
	var tls []*bin.Section
	var gotPair []*bin.Section
	var moved []*bin.Section

	loaded := bf.LoadSections()
	sort.SliceStable(loaded, func(i, j int) bool { return loaded[i].Addr() < loaded[j].Addr() })

	for _, scn := range loaded {
		if scn.Attrs().Has(bin.AttrPatchReorder) {
			moved = append(moved, scn)
			continue
		}

		grown := false

		var orig *bin.Section
		if creator != nil {
			orig = creator.Section(scn.Index())
		}

		if orig == nil {
			// Added during this session
			grown = true
		} else if scn.Size() > orig.Size() {
			grown = true
		}

		if !grown {
			continue
		}

		switch {
		case scn.Name() == ".got" || scn.Name() == ".got.plt":
			gotPair = append(gotPair, scn)
		case scn.IsTLS():
			tls = append(tls, scn)
		default:
			plain = append(plain, scn)
		}
	}

	// The pair moves together even when only one of the two grew
	if len(gotPair) == 1 {
		pairName := ".got.plt"
		if gotPair[0].Name() == ".got.plt" {
			pairName = ".got"
		}

		if pair := bf.SectionByName(pairName); pair != nil && pair.IsLoaded() {
			gotPair = append(gotPair, pair)
		}
	}

	sort.SliceStable(gotPair, func(i, j int) bool { return gotPair[i].Name() < gotPair[j].Name() })

	// Zero-data sections go last within their block so segments can
	// drop their trailing file bytes
	sortZeroLast(plain)
	sortZeroLast(tls)

	var units []*unit

	for _, s := range plain {
		units = append(units, &unit{sections: []*bin.Section{s}})
	}

	if len(gotPair) > 0 {
		units = append(units, &unit{sections: gotPair})
	}

	if len(tls) > 0 {
		units = append(units, &unit{sections: tls, tls: true})
	}

	for _, s := range moved {
		units = append(units, &unit{sections: []*bin.Section{s}, moved: true})
	}

	return units
}

func sortZeroLast(sections []*bin.Section) {
	sort.SliceStable(sections, func(i, j int) bool {
		zi := sections[i].Type() == bin.SectionZeroData
		zj := sections[j].Type() == bin.SectionZeroData
		return !zi && zj
	})
}

// chooseBase searches the empty-space queue for a gap big enough for
// every unplaced unit, at least one page past an existing PT_LOAD.
// When no bounded gap fits, the unbounded tail past the last loaded
// address is used, page-aligning both address and offset.
func chooseBase(bf *bin.File, units []*unit, empty []bin.Interval) (uint64, error) {
	var need uint64
	for _, u := range units {
		if u.moved {
			continue
		}

		need += u.size() + slack
	}

	if need == 0 {
		return 0, nil
	}

	var lastLoadEnd uint64
	for _, seg := range bf.Segments() {
		if elf.ProgType(seg.Kind()) != elf.PT_LOAD {
			continue
		}

		if end := seg.Vaddr() + seg.MemSize(); end > lastLoadEnd {
			lastLoadEnd = end
		}
	}

	floor := align.Address(lastLoadEnd+uint64(PageSize), uint64(PageSize))

	for _, iv := range empty {
		start := iv.Start
		if start < floor {
			start = floor
		}

		if iv.Unbounded() {
			return align.Address(start, uint64(PageSize)), nil
		}

		if start >= iv.End() {
			continue
		}

		if iv.End()-start >= need {
			return align.Address(start, uint64(PageSize)), nil
		}
	}

	return 0, fmt.Errorf("no gap of %#x bytes in the address space: %w", need, bin.ErrSectionNotRelocated)
}

// usableIntervals trims the queue to the space at or above base.
func usableIntervals(empty []bin.Interval, base uint64) []bin.Interval {
	var out []bin.Interval

	for _, iv := range empty {
		if iv.End() <= base {
			continue
		}

		if iv.Start < base {
			if iv.Unbounded() {
				iv = bin.Interval{Start: base, Length: bin.UnboundedLength}
			} else {
				iv = bin.Interval{Start: base, Length: iv.End() - base}
			}
		}

		out = append(out, iv)
	}

	return out
}

// assignAddresses consumes intervals in address order, fitting each
// unit (with alignment padding) and shrinking or splitting the
// interval it lands in.
func assignAddresses(units []*unit, queue []bin.Interval) ([]bin.Interval, error) {
	for _, u := range units {
		if u.moved {
			continue
		}

		placed := false

		for qi, iv := range queue {
			addr, ok := iv.Fits(u.size(), u.alignment())
			if !ok {
				continue
			}

			cursor := addr
			for _, s := range u.sections {
				if a := s.Align(); a > 1 {
					cursor = align.Address(cursor, a)
				}

				s.SetAddr(cursor)
				cursor += s.Size()

				slog.Debug("assigned section address",
					"section", s.Name(),
					"addr", fmt.Sprintf("0x%x", s.Addr()),
				)
			}

			queue = bin.ConsumeInterval(queue, qi, addr, cursor-addr)
			placed = true
			break
		}

		if !placed {
			return queue, fmt.Errorf("section %s: %w", u.sections[0].Name(), bin.ErrSectionNotRelocated)
		}
	}

	return queue, nil
}

// assignOffsets walks placed units in their new address order. The
// offset cursor starts just past every section byte currently in the
// file (see fileTail); each section gets the smallest congruent offset at or past the
// cursor. Zero-data sections consume no file bytes.
func assignOffsets(bf *bin.File, units []*unit) {
	cursor := fileTail(bf)

	var all []*bin.Section
	for _, u := range units {
		all = append(all, u.sections...)
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Addr() < all[j].Addr() })

	for _, s := range all {
		off := align.Congruent(cursor, s.Addr(), uint64(PageSize))
		s.SetOffset(off)
		cursor = off + s.FileSize()

		slog.Debug("assigned section offset",
			"section", s.Name(),
			"offset", fmt.Sprintf("0x%x", off),
		)
	}
}

// fileTail returns the first offset past every section byte currently
// in the file.
func fileTail(bf *bin.File) uint64 {
	var tail uint64

	for _, s := range bf.Sections() {
		if s.Type() == bin.SectionZeroData {
			continue
		}

		if end := s.Offset() + s.Size(); end > tail {
			tail = end
		}
	}

	return tail
}

// buildSegments opens a fresh segment run over the placed sections,
// starting a new segment when TLS-ness flips, after a zero-data
// section, when the address gap exceeds a page, or when the original
// file placed a segment boundary between neighbours. Placed sections
// leave their previous segments.
func buildSegments(f *elfbin.File, units []*unit) {
	bf := f.Bin

	var placed []*bin.Section
	for _, u := range units {
		placed = append(placed, u.sections...)
	}

	sort.SliceStable(placed, func(i, j int) bool { return placed[i].Addr() < placed[j].Addr() })

	// Detach from previous owners first; an emptied segment keeps its
	// header entry but covers nothing
	for _, s := range placed {
		for _, seg := range append([]*bin.Segment(nil), s.Segments()...) {
			seg.RemoveSection(s)
		}
	}

	var current *bin.Segment
	var prev *bin.Section

	for _, s := range placed {
		openNew := current == nil

		if prev != nil {
			if prev.IsTLS() != s.IsTLS() {
				openNew = true
			}
			if prev.Type() == bin.SectionZeroData {
				openNew = true
			}
			if s.Addr() > prev.End() && s.Addr()-prev.End() > PageSize {
				openNew = true
			}
			if boundaryBetween(bf.Creator(), prev, s) {
				openNew = true
			}
		}

		if openNew {
			attrs := bin.AttrLoad | bin.AttrRead
			if s.Attrs().Has(bin.AttrWrite) {
				attrs |= bin.AttrWrite
			}
			if s.Attrs().Has(bin.AttrExec) {
				attrs |= bin.AttrExec
			}

			current = bin.NewSegment(uint32(elf.PT_LOAD), attrs, PageSize)
			bf.AppendSegment(current)
		} else {
			a := current.Attrs()
			if s.Attrs().Has(bin.AttrWrite) {
				a |= bin.AttrWrite
			}
			if s.Attrs().Has(bin.AttrExec) {
				a |= bin.AttrExec
			}
			current.SetAttrs(a)
		}

		current.AddSection(s)
		prev = s
	}

	addTLSSegment(f, placed)
}

// boundaryBetween reports whether the original file separated a and b
// into different segments.
func boundaryBetween(creator *bin.File, a *bin.Section, b *bin.Section) bool {
	if creator == nil {
		return false
	}

	origA := creator.Section(a.Index())
	origB := creator.Section(b.Index())
	if origA == nil || origB == nil {
		return false
	}

	for _, sa := range origA.Segments() {
		for _, sb := range origB.Segments() {
			if sa == sb {
				return false
			}
		}
	}

	return len(origA.Segments()) > 0 && len(origB.Segments()) > 0
}

// addTLSSegment covers newly placed TLS sections with a PT_TLS
// segment. When the original file had no TLS at all, a fresh segment
// is synthesised over the consolidated TLS block.
func addTLSSegment(f *elfbin.File, placed []*bin.Section) {
	var tls []*bin.Section
	for _, s := range placed {
		if s.IsTLS() {
			tls = append(tls, s)
		}
	}

	if len(tls) == 0 {
		return
	}

	bf := f.Bin

	for _, seg := range bf.Segments() {
		if elf.ProgType(seg.Kind()) == elf.PT_TLS {
			for _, s := range tls {
				seg.AddSection(s)
			}

			return
		}
	}

	seg := bin.NewSegment(uint32(elf.PT_TLS), bin.AttrLoad|bin.AttrRead|bin.AttrTLS, tlsAlign(tls))
	for _, s := range tls {
		seg.AddSection(s)
	}

	bf.AppendSegment(seg)

	slog.Debug("created TLS segment",
		"sections", len(tls),
	)
}

func tlsAlign(tls []*bin.Section) uint64 {
	max := uint64(1)
	for _, s := range tls {
		if s.Align() > max {
			max = s.Align()
		}
	}

	if max > PageSize {
		max = PageSize
	}

	return max
}

// placeTail gives unloaded sections past the last loaded byte fresh
// sequential offsets; their addresses stay zero.
func placeTail(bf *bin.File) {
	var tail []*bin.Section

	for _, s := range bf.Sections() {
		if s.Index() == 0 || s.IsLoaded() || s.Size() == 0 {
			continue
		}

		tail = append(tail, s)
	}

	sort.SliceStable(tail, func(i, j int) bool { return tail[i].Offset() < tail[j].Offset() })

	cursor := fileTail(bf)

	for _, s := range tail {
		if s.Offset()+s.FileSize() <= cursor && !s.Patched() {
			// Still where the original put it, nothing moved past it
			continue
		}

		if a := s.Align(); a > 1 {
			cursor = align.Address(cursor, a)
		}

		s.SetOffset(cursor)
		cursor += s.FileSize()
	}
}

// relocatePhdr moves the program header table when its grown extent
// would overlap following bytes, updating PT_PHDR and appending a
// PT_LOAD over the new extent when no PT_LOAD already covers it.
func relocatePhdr(f *elfbin.File) error {
	bf := f.Bin
	_, phdrScn := bf.HeaderSections()

	size := phdrScn.EntSize() * uint64(bf.NumSegments())
	phdrScn.SetSize(size)

	overlaps := false
	end := phdrScn.Offset() + size

	for _, s := range bf.Sections() {
		if s.Size() == 0 || s.Type() == bin.SectionZeroData {
			continue
		}

		if s.Offset() >= phdrScn.Offset()+phdrScn.EntSize() && s.Offset() < end {
			overlaps = true
			break
		}
	}

	if !overlaps {
		return nil
	}

	// Same congruence computation as any moved section: the table must
	// stay loadable at a page-congruent address
	offset := align.Congruent(fileTail(bf), 0, uint64(PageSize))
	addr := loadAddrFor(bf, offset)

	phdrScn.SetOffset(offset)
	phdrScn.SetAddr(addr)

	for _, seg := range bf.Segments() {
		if elf.ProgType(seg.Kind()) == elf.PT_PHDR {
			seg.SetOffset(offset)
			seg.SetVaddr(addr)
			seg.SetFileSize(size)
			seg.SetMemSize(size)
		}
	}

	// Cover the new extent with a PT_LOAD; loaders refuse a PHDR
	// outside any loaded segment
	covering := bf.SegmentInInterval(addr, addr+size)
	if covering == nil || elf.ProgType(covering.Kind()) != elf.PT_LOAD {
		seg := bin.NewSegment(uint32(elf.PT_LOAD), bin.AttrLoad|bin.AttrRead, PageSize)
		seg.SetOffset(offset)
		seg.SetVaddr(addr)
		seg.SetFileSize(size)
		seg.SetMemSize(size)
		bf.AppendSegment(seg)
	}

	slog.Debug("relocated program header table",
		"offset", fmt.Sprintf("0x%x", offset),
		"addr", fmt.Sprintf("0x%x", addr),
	)

	return nil
}

// loadAddrFor picks a load address congruent with offset, one page
// past everything currently mapped.
func loadAddrFor(bf *bin.File, offset uint64) uint64 {
	var top uint64
	for _, seg := range bf.Segments() {
		if end := seg.Vaddr() + seg.MemSize(); end > top {
			top = end
		}
	}

	base := align.Address(top+uint64(PageSize), uint64(PageSize))

	return align.Congruent(base, offset, uint64(PageSize))
}

// finishIndices reassigns section indices, records the old→new map,
// and pushes the section header table past every byte of the image.
func finishIndices(f *elfbin.File) {
	bf := f.Bin

	remap := make([]int, bf.NumSections())
	for i, s := range bf.Sections() {
		remap[i] = i
		_ = s
	}
	bf.SetSectionRemap(remap)

	shdrScn, _ := bf.HeaderSections()
	shdrScn.SetSize(uint64(bf.NumSections()) * shdrScn.EntSize())

	end := fileTail(bf)

	_, phdrScn := bf.HeaderSections()
	if pe := phdrScn.Offset() + phdrScn.Size(); pe > end {
		end = pe
	}

	shdrScn.SetOffset(align.Address(end, 8))
}
