package bin

import "sort"

// UnboundedLength marks an interval extending to the end of the
// address space.
const UnboundedLength = ^uint64(0)

// Interval is one run of virtual addresses covered by no segment of
// non-zero size.
type Interval struct {
	Start  uint64
	Length uint64
}

func (iv Interval) Unbounded() bool { return iv.Length == UnboundedLength }

// End returns the first address past the interval. Unbounded intervals
// end at the top of the address space.
func (iv Interval) End() uint64 {
	if iv.Unbounded() {
		return ^uint64(0)
	}

	return iv.Start + iv.Length
}

// Fits reports whether a block of the given size and alignment can be
// placed inside the interval, and the address it would get.
func (iv Interval) Fits(size uint64, alignment uint64) (uint64, bool) {
	addr := iv.Start
	if alignment > 0 {
		addr = ((addr + alignment - 1) / alignment) * alignment
	}

	if iv.Unbounded() {
		return addr, true
	}

	if addr+size <= iv.Start+iv.Length {
		return addr, true
	}

	return 0, false
}

// BuildEmptySpaces computes the queue of empty address intervals of a
// file: disjoint, sorted by start, union equal to the address space not
// covered by any segment of non-zero memory size. The tail past the
// last segment is an unbounded interval.
func BuildEmptySpaces(f *File) []Interval {
	type span struct{ start, end uint64 }

	spans := make([]span, 0, len(f.segments))
	for _, seg := range f.segments {
		if seg.memsz == 0 {
			continue
		}

		spans = append(spans, span{seg.vaddr, seg.vaddr + seg.memsz})
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var intervals []Interval
	cursor := uint64(0)

	for _, sp := range spans {
		if sp.start > cursor {
			intervals = append(intervals, Interval{Start: cursor, Length: sp.start - cursor})
		}

		if sp.end > cursor {
			cursor = sp.end
		}
	}

	intervals = append(intervals, Interval{Start: cursor, Length: UnboundedLength})

	return intervals
}

// ConsumeInterval carves size bytes at addr out of the interval at
// index i of the queue, returning the updated queue. The caller must
// have obtained addr from Fits on that interval.
func ConsumeInterval(queue []Interval, i int, addr uint64, size uint64) []Interval {
	iv := queue[i]

	head := Interval{Start: iv.Start, Length: addr - iv.Start}

	var tail Interval
	if iv.Unbounded() {
		tail = Interval{Start: addr + size, Length: UnboundedLength}
	} else {
		tail = Interval{Start: addr + size, Length: iv.End() - (addr + size)}
	}

	out := append([]Interval(nil), queue[:i]...)
	if head.Length > 0 {
		out = append(out, head)
	}
	if tail.Length > 0 {
		out = append(out, tail)
	}
	out = append(out, queue[i+1:]...)

	return out
}
