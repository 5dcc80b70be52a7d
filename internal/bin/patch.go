package bin

import (
	"fmt"
	"log/slog"
)

// LabelSink is implemented by the format layer: it decides which symbol
// section (static or dynamic) receives a new label of a given type.
type LabelSink interface {
	PlaceLabel(l *Label) (*Section, error)
}

// PatchInitCopy turns f into a patching copy of origin. The copy starts
// with the origin's sections shared read-only; a section is cloned the
// first time it is mutated.
func (f *File) PatchInitCopy(origin *File) error {
	if origin == nil {
		return f.RecordError(ErrMissingBinfile)
	}

	if origin.patchState == PatchInProgress {
		return f.RecordError(fmt.Errorf("%s: %w", origin.path, ErrFileAlreadyParsed))
	}

	f.creator = origin
	f.format = origin.format
	f.typ = origin.typ
	f.wordSize = origin.wordSize
	f.archName = origin.archName
	f.path = origin.path
	f.stream = origin.stream

	f.sections = append([]*Section(nil), origin.sections...)
	f.segments = append([]*Segment(nil), origin.segments...)
	f.shdrScn = origin.shdrScn
	f.phdrScn = origin.phdrScn
	f.labels = append([]*Label(nil), origin.labels...)
	f.labelByName = make(map[string]*Label, len(origin.labelByName))
	for k, v := range origin.labelByName {
		f.labelByName[k] = v
	}
	f.externLibs = append([]*Entry(nil), origin.externLibs...)

	f.patchState = PatchInProgress
	origin.patchState = PatchInProgress

	return nil
}

// PatchAbort releases the copy without touching the creator.
func (f *File) PatchAbort() {
	if f.creator != nil {
		f.creator.patchState = PatchNone
	}

	f.patchState = PatchNone
	f.sections = nil
	f.segments = nil
}

// PatchDone marks both files patched after a successful write.
func (f *File) PatchDone() {
	if f.creator != nil {
		f.creator.patchState = PatchApplied
	}

	f.patchState = PatchApplied
}

// PatchSectionCopy returns a writable clone of section i, cloning it on
// first use and caching the clone in the section table thereafter.
func (f *File) PatchSectionCopy(i int) (*Section, error) {
	if f.patchState != PatchInProgress {
		return nil, f.RecordError(ErrFileNotBeingPatched)
	}

	scn := f.Section(i)
	if scn == nil {
		return nil, f.RecordError(fmt.Errorf("section %d: %w", i, ErrMissingSection))
	}

	if scn.file == f && scn.patched {
		return scn, nil
	}

	clone := scn.cloneForPatch(f)
	clone.index = i
	f.sections[i] = clone

	// A cloned synthetic header section must stay reachable as such
	if scn == f.shdrScn {
		f.shdrScn = clone
	}
	if scn == f.phdrScn {
		f.phdrScn = clone
	}

	// Segments hold pointers into the section table; swap them over
	for _, seg := range clone.segments {
		for j, cand := range seg.sections {
			if cand == scn {
				seg.sections[j] = clone
			}
		}
	}

	slog.Debug("cloned section for patching",
		"section", scn.name,
		"index", i,
	)

	return clone, nil
}

// PatchEntry reads entry j of section i without triggering a clone.
func (f *File) PatchEntry(i int, j int) (*Entry, error) {
	scn := f.Section(i)
	if scn == nil {
		return nil, f.RecordError(fmt.Errorf("section %d: %w", i, ErrMissingSection))
	}

	e := scn.Entry(j)
	if e == nil {
		return nil, f.RecordError(fmt.Errorf("section %d entry %d: %w", i, j, ErrMissingParameter))
	}

	return e, nil
}

// PatchEntryCopy returns a writable clone of entry j of section i,
// cloning the section first if needed. Subsequent calls return the
// cached clone.
func (f *File) PatchEntryCopy(i int, j int) (*Entry, error) {
	scn, err := f.PatchSectionCopy(i)
	if err != nil {
		return nil, err
	}

	e := scn.Entry(j)
	if e == nil {
		return nil, f.RecordError(fmt.Errorf("section %d entry %d: %w", i, j, ErrMissingParameter))
	}

	if e.patched && e.section == scn {
		return e, nil
	}

	clone := e.clone()
	clone.section = scn
	scn.entries[j] = clone

	return clone, nil
}

// PatchAddEntry appends an entry to section i, growing the section.
func (f *File) PatchAddEntry(i int, e *Entry) (*Entry, error) {
	scn, err := f.PatchSectionCopy(i)
	if err != nil {
		return nil, err
	}

	e.patched = true
	scn.AppendEntry(e)

	return e, nil
}

// PatchAddStrEntry interns s into string section i: an existing equal
// string record is returned as-is, otherwise a new record is appended.
func (f *File) PatchAddStrEntry(i int, s string) (*Entry, error) {
	scn := f.Section(i)
	if scn == nil {
		return nil, f.RecordError(fmt.Errorf("section %d: %w", i, ErrNoStringSection))
	}

	for _, e := range scn.entries {
		if e.kind == EntryStr && e.str == s {
			return e, nil
		}
	}

	return f.PatchAddEntry(i, NewStrEntry(s))
}

// PatchAddLabel inserts a label through the format-specific sink, which
// picks the static or dynamic symbol section from the label type, and
// registers it in the name index. A later label with the same name
// shadows the earlier one.
func (f *File) PatchAddLabel(sink LabelSink, l *Label) (*Entry, error) {
	if f.patchState != PatchInProgress {
		return nil, f.RecordError(ErrFileNotBeingPatched)
	}

	scn, err := sink.PlaceLabel(l)
	if err != nil {
		return nil, f.RecordError(err)
	}

	target, err := f.PatchSectionCopy(scn.index)
	if err != nil {
		return nil, err
	}

	e := NewLblEntry(l, target.entsize)
	target.AppendEntry(e)
	e.patched = true

	f.AddLabelIndex(l)

	return e, nil
}

// PatchMoveSectionToInterval places section i inside one of the empty
// address intervals, consuming the space used. Moving .got or .got.plt
// moves the pair contiguously so GOT-relative arithmetic stays valid.
func (f *File) PatchMoveSectionToInterval(i int, queue []Interval) ([]Interval, error) {
	scn, err := f.PatchSectionCopy(i)
	if err != nil {
		return queue, err
	}

	group := []*Section{scn}

	if scn.name == ".got" || scn.name == ".got.plt" {
		pairName := ".got.plt"
		if scn.name == ".got.plt" {
			pairName = ".got"
		}

		if pair := f.SectionByName(pairName); pair != nil {
			pairCopy, err := f.PatchSectionCopy(pair.index)
			if err != nil {
				return queue, err
			}

			group = append(group, pairCopy)
			if pairName == ".got" {
				group[0], group[1] = group[1], group[0]
			}
		}
	}

	total := uint64(0)
	maxAlign := uint64(1)
	for _, s := range group {
		if s.align > maxAlign {
			maxAlign = s.align
		}
		total += s.size
	}

	for qi, iv := range queue {
		addr, ok := iv.Fits(total, maxAlign)
		if !ok {
			continue
		}

		cursor := addr
		for _, s := range group {
			s.addr = cursor
			s.AddAttrs(AttrPatchReorder)
			cursor += s.size

			slog.Debug("moved section into interval",
				"section", s.name,
				"addr", fmt.Sprintf("0x%x", s.addr),
			)
		}

		return ConsumeInterval(queue, qi, addr, total), nil
	}

	return queue, f.RecordError(fmt.Errorf("section %s: %w", scn.name, ErrSectionNotRelocated))
}
