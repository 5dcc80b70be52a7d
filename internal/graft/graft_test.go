package graft_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/davejbax/stitch/internal/bin"
	"github.com/davejbax/stitch/internal/elfbin"
	"github.com/davejbax/stitch/internal/elftest"
	"github.com/davejbax/stitch/internal/graft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func graftedSession(t *testing.T) *elfbin.File {
	t.Helper()

	base, err := elfbin.New(bytes.NewReader(elftest.BuildExec()), "exec")
	require.NoError(t, err)

	session, err := base.PatchBegin()
	require.NoError(t, err)

	obj, err := elfbin.New(bytes.NewReader(elftest.BuildObject()), "demo.o")
	require.NoError(t, err)

	require.NoError(t, graft.Graft(session, []*elfbin.File{obj}))

	return session
}

func TestGraftCopiesText(t *testing.T) {
	session := graftedSession(t)

	copied := session.Bin.SectionByName(".demo_.text")
	require.NotNil(t, copied)
	assert.Equal(t, bin.SectionCode, copied.Type())
	assert.Equal(t, uint64(0x20), copied.Size())
	assert.True(t, copied.Attrs().Has(bin.AttrPatched))
	assert.NotZero(t, copied.Addr())

	// The call opcode survives the copy
	assert.Equal(t, byte(0xe8), copied.Data()[3])
}

func TestGraftExportsSymbols(t *testing.T) {
	session := graftedSession(t)

	foo := session.Bin.LabelByName("foo")
	require.NotNil(t, foo)

	copied := session.Bin.SectionByName(".demo_.text")
	assert.Equal(t, copied.Addr(), foo.Addr())
	assert.Same(t, copied, foo.Section())
}

func TestGraftCommonAllocation(t *testing.T) {
	session := graftedSession(t)

	bss := session.Bin.SectionByName(".madras.bss")
	require.NotNil(t, bss)
	assert.Equal(t, bin.SectionZeroData, bss.Type())
	assert.GreaterOrEqual(t, bss.Size(), uint64(128))
	assert.Equal(t, uint64(32), bss.Align())
	assert.Equal(t, uint64(0), bss.Addr()%32)

	buf := session.Bin.LabelByName("buf")
	require.NotNil(t, buf)
	assert.Same(t, bss, buf.Section())
	assert.Equal(t, bss.Addr(), buf.Addr())
}

func TestGraftResolvesAgainstBase(t *testing.T) {
	session := graftedSession(t)

	copied := session.Bin.SectionByName(".demo_.text")
	require.NotNil(t, copied)

	// PC32 against bar, defined in the base .text:
	// S + A - P with S = bar's address, P = copied section + 4
	bar := session.Bin.LabelByName("bar")
	require.NotNil(t, bar)

	want := int32(int64(bar.Addr()) - 4 - int64(copied.Addr()+4))
	got := int32(binary.LittleEndian.Uint32(copied.Data()[4:]))
	assert.Equal(t, want, got)
}

func TestGraftResolvesCommonReference(t *testing.T) {
	session := graftedSession(t)

	copied := session.Bin.SectionByName(".demo_.text")
	bss := session.Bin.SectionByName(".madras.bss")
	require.NotNil(t, copied)
	require.NotNil(t, bss)

	want := int32(int64(bss.Addr()) - 4 - int64(copied.Addr()+12))
	got := int32(binary.LittleEndian.Uint32(copied.Data()[12:]))
	assert.Equal(t, want, got)
}

func TestGraftRejectsNonRelocatable(t *testing.T) {
	base, err := elfbin.New(bytes.NewReader(elftest.BuildExec()), "exec")
	require.NoError(t, err)

	session, err := base.PatchBegin()
	require.NoError(t, err)

	notObj, err := elfbin.New(bytes.NewReader(elftest.BuildExec()), "other")
	require.NoError(t, err)

	err = graft.Graft(session, []*elfbin.File{notObj})
	assert.ErrorIs(t, err, bin.ErrUnexpectedFileFormat)
}

func TestGraftUnresolvedSymbolAccumulates(t *testing.T) {
	base, err := elfbin.New(bytes.NewReader(elftest.BuildExec()), "exec")
	require.NoError(t, err)

	session, err := base.PatchBegin()
	require.NoError(t, err)

	// An object whose undefined symbol exists nowhere: rename bar in
	// the object's string table so the base lookup misses
	objBytes := elftest.BuildObject()
	objBytes = bytes.Replace(objBytes, []byte("\x00bar\x00"), []byte("\x00zzz\x00"), 1)

	obj, err := elfbin.New(bytes.NewReader(objBytes), "demo.o")
	require.NoError(t, err)

	err = graft.Graft(session, []*elfbin.File{obj})
	assert.ErrorIs(t, err, bin.ErrUnresolvedSymbol)

	// Resolution continued past the failure: the COMMON reference at
	// offset 12 still resolved
	copied := session.Bin.SectionByName(".demo_.text")
	require.NotNil(t, copied)
	assert.NotZero(t, binary.LittleEndian.Uint32(copied.Data()[12:]))
}

func TestGraftWriteRoundTrip(t *testing.T) {
	session := graftedSession(t)

	var out bytes.Buffer
	require.NoError(t, session.Write(&out))

	reparsed, err := elf.NewFile(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)

	// foo landed in the output symbol table
	syms, err := reparsed.Symbols()
	require.NoError(t, err)

	var found bool
	copied := session.Bin.SectionByName(".demo_.text")
	for _, sym := range syms {
		if sym.Name == "foo" {
			found = true
			assert.Equal(t, copied.Addr(), sym.Value)
		}
	}
	assert.True(t, found, "foo missing from output .symtab")

	// A fresh segment covers the grafted code
	var covered bool
	for _, prog := range reparsed.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		if copied.Addr() >= prog.Vaddr && copied.Addr()+copied.Size() <= prog.Vaddr+prog.Memsz {
			covered = true
		}
	}
	assert.True(t, covered, "no PT_LOAD covers the grafted section")
}
