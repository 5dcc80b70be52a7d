package elfbin_test

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/davejbax/stitch/internal/bin"
	"github.com/davejbax/stitch/internal/elfbin"
	"github.com/davejbax/stitch/internal/elftest"
	"github.com/davejbax/stitch/internal/layout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseExec(t *testing.T) *elfbin.File {
	t.Helper()

	f, err := elfbin.New(bytes.NewReader(elftest.BuildExec()), "exec")
	require.NoError(t, err)

	return f
}

func TestParseExec(t *testing.T) {
	f := parseExec(t)
	bf := f.Bin

	assert.Equal(t, bin.FormatELF, bf.Format())
	assert.Equal(t, bin.TypeExecutable, bf.Type())
	assert.Equal(t, 64, bf.WordSize())
	assert.Equal(t, "x86_64", f.Arch.Name)
	assert.Equal(t, 10, bf.NumSections())
	assert.Equal(t, 2, bf.NumSegments())

	text := bf.SectionByName(".text")
	require.NotNil(t, text)
	assert.Equal(t, bin.SectionCode, text.Type())
	assert.Equal(t, uint64(elftest.ExecTextAddr), text.Addr())
	assert.True(t, text.Attrs().Has(bin.AttrStdCode))

	bss := bf.SectionByName(".bss")
	require.NotNil(t, bss)
	assert.Equal(t, bin.SectionZeroData, bss.Type())
	assert.Equal(t, uint64(0), bss.FileSize())

	// Labels
	main := bf.LabelByName("main")
	require.NotNil(t, main)
	assert.Equal(t, bin.LabelFunction, main.Type())
	assert.Equal(t, uint64(elftest.ExecMainAddr), main.Addr())
	assert.Same(t, text, main.Section())

	counter := bf.LabelByName("counter")
	require.NotNil(t, counter)
	assert.Equal(t, bin.LabelVariable, counter.Type())

	// Extern libraries, in insertion order
	assert.Equal(t, []string{"libc.so.6", "libm.so.6", "libdl.so.2"}, bf.ExternLibraryNames())

	// GOT slot 0 resolved to .text
	got := bf.SectionByName(".got")
	require.NotNil(t, got)
	slot := got.Entry(0)
	require.NotNil(t, slot)
	require.Equal(t, bin.EntryPtr, slot.Kind())
	assert.Equal(t, uint64(elftest.ExecTextAddr), slot.Ptr().Addr())

	// Important indices recorded
	assert.GreaterOrEqual(t, f.Idx.Symtab, 0)
	assert.GreaterOrEqual(t, f.Idx.Dynstr, 0)
	assert.GreaterOrEqual(t, f.Idx.Dynamic, 0)
	assert.GreaterOrEqual(t, f.Idx.Got, 0)
}

func TestRoundTripUnmodified(t *testing.T) {
	input := elftest.BuildExec()

	f, err := elfbin.New(bytes.NewReader(input), "exec")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, f.Write(&out))

	assert.Equal(t, input, out.Bytes())
}

func TestAddLibrary(t *testing.T) {
	base := parseExec(t)

	session, err := base.PatchBegin()
	require.NoError(t, err)

	require.NoError(t, session.AddLibrary("libfoo.so"))
	require.NoError(t, layout.Finalise(session))

	var out bytes.Buffer
	require.NoError(t, session.Write(&out))

	// Reparse the output with the standard library and check the
	// dynamic table
	reparsed, err := elf.NewFile(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)

	libs, err := reparsed.ImportedLibraries()
	require.NoError(t, err)
	assert.Equal(t, []string{"libc.so.6", "libm.so.6", "libdl.so.2", "libfoo.so"}, libs)

	// DT_STRSZ grew by len("libfoo.so")+1
	strsz := dynValue(t, reparsed, elf.DT_STRSZ)
	assert.Equal(t, uint64(32+len("libfoo.so")+1), strsz)

	// The new entry sits immediately before the terminating DT_NULL
	tags := dynTags(t, reparsed)
	lastNeeded := -1
	firstNull := -1
	for i, tag := range tags {
		if tag == elf.DT_NEEDED {
			lastNeeded = i
		}
		if tag == elf.DT_NULL && firstNull < 0 {
			firstNull = i
		}
	}
	assert.Equal(t, firstNull-1, lastNeeded)

	// Untouched sections are byte-identical
	assert.Equal(t, sectionBytesOf(t, elftest.BuildExec(), ".text"), sectionBytesOf(t, out.Bytes(), ".text"))
	assert.Equal(t, sectionBytesOf(t, elftest.BuildExec(), ".data"), sectionBytesOf(t, out.Bytes(), ".data"))
}

func TestRenameLibrary(t *testing.T) {
	base := parseExec(t)

	session, err := base.PatchBegin()
	require.NoError(t, err)

	require.NoError(t, session.RenameLibrary("libm.so.6", "libm-patched.so.6"))
	require.NoError(t, layout.Finalise(session))

	var out bytes.Buffer
	require.NoError(t, session.Write(&out))

	reparsed, err := elf.NewFile(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)

	libs, err := reparsed.ImportedLibraries()
	require.NoError(t, err)
	assert.Equal(t, []string{"libc.so.6", "libm-patched.so.6", "libdl.so.2"}, libs)

	// The old string bytes stay in place
	dynstr := sectionBytesOf(t, out.Bytes(), ".dynstr")
	assert.Contains(t, string(dynstr), "libm.so.6\x00")
	assert.Contains(t, string(dynstr), "libm-patched.so.6\x00")
}

func TestRenameLibraryNotFound(t *testing.T) {
	base := parseExec(t)

	session, err := base.PatchBegin()
	require.NoError(t, err)

	err = session.RenameLibrary("libnope.so", "libyes.so")
	assert.ErrorIs(t, err, bin.ErrExtlibNotFound)
}

func TestParseObject(t *testing.T) {
	f, err := elfbin.New(bytes.NewReader(elftest.BuildObject()), "demo.o")
	require.NoError(t, err)

	assert.Equal(t, bin.TypeRelocatable, f.Bin.Type())

	foo := f.Bin.LabelByName("foo")
	require.NotNil(t, foo)
	assert.Equal(t, bin.LabelFunction, foo.Type())

	buf := f.Bin.LabelByName("buf")
	require.NotNil(t, buf)
	assert.True(t, buf.Common())
	assert.Equal(t, uint64(128), buf.Size())
	assert.Equal(t, uint64(32), buf.Addr())

	bar := f.Bin.LabelByName("bar")
	require.NotNil(t, bar)
	assert.Equal(t, bin.LabelExtFunction, bar.Type())
	assert.Nil(t, bar.Section())

	// Relocations link target section and symbols
	relScn := f.Bin.SectionByName(".rela.text")
	require.NotNil(t, relScn)
	require.Equal(t, 2, relScn.NumEntries())

	rel := relScn.Entry(0).Reloc()
	require.NotNil(t, rel)
	assert.Equal(t, uint32(elf.R_X86_64_PC32), rel.Type())
	assert.Equal(t, int64(-4), rel.Addend())
	assert.Same(t, bar, rel.Label())
}

func TestPlaceLabel(t *testing.T) {
	f := parseExec(t)

	scn, err := f.PlaceLabel(bin.NewLabel("x", 0, bin.LabelGeneric))
	require.NoError(t, err)
	assert.Equal(t, f.Idx.Symtab, scn.Index())
}

// dynValue extracts a dynamic tag value via the raw section bytes.
func dynValue(t *testing.T, f *elf.File, want elf.DynTag) uint64 {
	t.Helper()

	data, err := f.Section(".dynamic").Data()
	require.NoError(t, err)

	for off := 0; off+16 <= len(data); off += 16 {
		tag := elf.DynTag(f.ByteOrder.Uint64(data[off:]))
		if tag == want {
			return f.ByteOrder.Uint64(data[off+8:])
		}
	}

	t.Fatalf("dynamic tag %v not found", want)
	return 0
}

func dynTags(t *testing.T, f *elf.File) []elf.DynTag {
	t.Helper()

	data, err := f.Section(".dynamic").Data()
	require.NoError(t, err)

	var tags []elf.DynTag
	for off := 0; off+16 <= len(data); off += 16 {
		tags = append(tags, elf.DynTag(f.ByteOrder.Uint64(data[off:])))
	}

	return tags
}

func sectionBytesOf(t *testing.T, image []byte, name string) []byte {
	t.Helper()

	f, err := elf.NewFile(bytes.NewReader(image))
	require.NoError(t, err)

	scn := f.Section(name)
	require.NotNil(t, scn, "section %s", name)

	data, err := scn.Data()
	require.NoError(t, err)

	return data
}
