package bin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFile() *File {
	f := NewFile(FormatELF, TypeExecutable, 64, "x86_64")

	null := NewSection("", SectionUnknown, 0)
	f.AppendSection(null)

	text := NewSection(".text", SectionCode, AttrLoad|AttrRead|AttrExec)
	text.SetAddr(0x401000)
	text.SetOffset(0x1000)
	text.SetData(make([]byte, 0x100))
	f.AppendSection(text)

	strs := NewSection(".dynstr", SectionString, AttrLoad|AttrRead)
	strs.SetAddr(0x402000)
	strs.SetOffset(0x2000)
	strs.SetEntries([]*Entry{NewStrEntry(""), NewStrEntry("libc.so.6")})
	strs.SetSize(11)
	f.AppendSection(strs)

	seg := NewSegment(1, AttrLoad|AttrRead|AttrExec, 0x1000)
	seg.AddSection(text)
	seg.Recompute()
	f.AppendSegment(seg)

	return f
}

func TestPatchCopyOnWrite(t *testing.T) {
	origin := testFile()

	copy := NewFile(FormatELF, TypeExecutable, 64, "x86_64")
	require.NoError(t, copy.PatchInitCopy(origin))

	// Reads do not clone
	e, err := copy.PatchEntry(2, 1)
	require.NoError(t, err)
	assert.Equal(t, "libc.so.6", e.Str())
	assert.Same(t, origin.Section(2), copy.Section(2))

	// First mutation clones; the creator keeps its section
	clone, err := copy.PatchSectionCopy(2)
	require.NoError(t, err)
	assert.NotSame(t, origin.Section(2), clone)
	assert.Same(t, clone, copy.Section(2))
	assert.True(t, clone.Patched())
	assert.False(t, clone.OwnsData())

	// Cached thereafter
	again, err := copy.PatchSectionCopy(2)
	require.NoError(t, err)
	assert.Same(t, clone, again)

	// Appending grows only the clone
	origSize := origin.Section(2).Size()
	_, err = copy.PatchAddEntry(2, NewStrEntry("libm.so.6"))
	require.NoError(t, err)
	assert.Equal(t, origSize, origin.Section(2).Size())
	assert.Equal(t, origSize+10, clone.Size())
}

func TestPatchRequiresSession(t *testing.T) {
	f := testFile()

	_, err := f.PatchSectionCopy(1)
	assert.ErrorIs(t, err, ErrFileNotBeingPatched)

	// The failure is retained until read, then cleared
	assert.ErrorIs(t, f.LastError(), ErrFileNotBeingPatched)
	assert.NoError(t, f.LastError())
}

func TestPatchAddStrEntryIdempotent(t *testing.T) {
	origin := testFile()

	copy := NewFile(FormatELF, TypeExecutable, 64, "x86_64")
	require.NoError(t, copy.PatchInitCopy(origin))

	first, err := copy.PatchAddStrEntry(2, "libfoo.so")
	require.NoError(t, err)

	second, err := copy.PatchAddStrEntry(2, "libfoo.so")
	require.NoError(t, err)
	assert.Same(t, first, second)

	existing, err := copy.PatchAddStrEntry(2, "libc.so.6")
	require.NoError(t, err)
	assert.Equal(t, "libc.so.6", existing.Str())
	assert.Equal(t, uint64(1), existing.Offset())
}

func TestLabelShadowing(t *testing.T) {
	f := testFile()

	first := NewLabel("dup", 0x10, LabelFunction)
	second := NewLabel("dup", 0x20, LabelFunction)

	f.AddLabelIndex(first)
	f.AddLabelIndex(second)

	assert.Same(t, second, f.LabelByName("dup"))
	assert.Len(t, f.Labels(), 2)
}

func TestBuildEmptySpaces(t *testing.T) {
	f := testFile()

	low := NewSegment(1, AttrLoad, 0x1000)
	low.SetVaddr(0x400000)
	low.SetMemSize(0x1000)
	f.AppendSegment(low)

	spaces := BuildEmptySpaces(f)

	// Disjoint, sorted, complement of the two segments, unbounded tail.
	// The segments abut at 0x401000, so no interval lies between them.
	require.Len(t, spaces, 2)
	assert.Equal(t, Interval{Start: 0, Length: 0x400000}, spaces[0])
	assert.Equal(t, uint64(0x401100), spaces[1].Start)
	assert.True(t, spaces[1].Unbounded())

	for i := 1; i < len(spaces); i++ {
		assert.Greater(t, spaces[i].Start, spaces[i-1].Start)
		assert.GreaterOrEqual(t, spaces[i].Start, spaces[i-1].Start+spaces[i-1].Length)
	}
}

func TestConsumeInterval(t *testing.T) {
	queue := []Interval{{Start: 0x1000, Length: 0x1000}}

	// Partial fit splits off head and tail
	queue = ConsumeInterval(queue, 0, 0x1100, 0x200)
	require.Len(t, queue, 2)
	assert.Equal(t, Interval{Start: 0x1000, Length: 0x100}, queue[0])
	assert.Equal(t, Interval{Start: 0x1300, Length: 0xd00}, queue[1])

	// Exact fit drops the interval
	queue = ConsumeInterval(queue, 0, 0x1000, 0x100)
	require.Len(t, queue, 1)
	assert.Equal(t, uint64(0x1300), queue[0].Start)
}

func TestIntervalFits(t *testing.T) {
	iv := Interval{Start: 0x1001, Length: 0x100}

	addr, ok := iv.Fits(0x80, 16)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x1010), addr)

	_, ok = iv.Fits(0x200, 16)
	assert.False(t, ok)

	unbounded := Interval{Start: 0x5000, Length: UnboundedLength}
	addr, ok = unbounded.Fits(1<<30, 0x1000)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x5000), addr)
}

func TestXrefConsistency(t *testing.T) {
	f := testFile()
	text := f.Section(1)

	lbl := NewLabel("fn", 0x401010, LabelFunction)
	lbl.Attach(text)
	e := NewLblEntry(lbl, 24)

	table := NewTargetTable()
	table.Register(XrefKey{Section: 1, Entry: 0}, e, text, 0x10, UpdateSym)

	text.SetAddr(0x500000)
	table.UpdateAll(f)

	assert.Equal(t, uint64(0x500010), lbl.Addr())

	// The stored address equals target address plus offset for every
	// registered entity
	scn, off, ok := table.Lookup(XrefKey{Section: 1, Entry: 0})
	require.True(t, ok)
	assert.Equal(t, scn.Addr()+off, lbl.Addr())
}

func TestPointerUpdate(t *testing.T) {
	f := testFile()
	text := f.Section(1)

	p := NewSectionPointer(text, 0x20)
	assert.Equal(t, uint64(0x401020), p.Addr())

	text.SetAddr(0x600000)
	p.Update()
	assert.Equal(t, uint64(0x600020), p.Addr())

	assert.Equal(t, uint64(0x600020), p.AddrIn(f))
}

func TestMoveGotPair(t *testing.T) {
	origin := testFile()

	got := NewSection(".got", SectionData, AttrLoad|AttrRead|AttrWrite)
	got.SetAddr(0x403000)
	got.SetSize(0x18)
	got.SetAlign(8)
	origin.AppendSection(got)

	gotPlt := NewSection(".got.plt", SectionData, AttrLoad|AttrRead|AttrWrite)
	gotPlt.SetAddr(0x403018)
	gotPlt.SetSize(0x10)
	gotPlt.SetAlign(8)
	origin.AppendSection(gotPlt)

	copy := NewFile(FormatELF, TypeExecutable, 64, "x86_64")
	require.NoError(t, copy.PatchInitCopy(origin))

	queue := []Interval{{Start: 0x500000, Length: UnboundedLength}}

	queue, err := copy.PatchMoveSectionToInterval(3, queue)
	require.NoError(t, err)

	moved := copy.Section(3)
	movedPair := copy.Section(4)

	// The pair lands contiguously, .got first
	assert.Equal(t, uint64(0x500000), moved.Addr())
	assert.Equal(t, moved.Addr()+moved.Size(), movedPair.Addr())
	assert.True(t, moved.Attrs().Has(AttrPatchReorder))
	assert.True(t, movedPair.Attrs().Has(AttrPatchReorder))

	// Space was consumed
	assert.Equal(t, uint64(0x500028), queue[0].Start)
}
