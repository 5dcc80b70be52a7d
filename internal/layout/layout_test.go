package layout_test

import (
	"bytes"
	"testing"

	"github.com/davejbax/stitch/internal/bin"
	"github.com/davejbax/stitch/internal/elfbin"
	"github.com/davejbax/stitch/internal/elftest"
	"github.com/davejbax/stitch/internal/layout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func session(t *testing.T) *elfbin.File {
	t.Helper()

	base, err := elfbin.New(bytes.NewReader(elftest.BuildExec()), "exec")
	require.NoError(t, err)

	s, err := base.PatchBegin()
	require.NoError(t, err)

	return s
}

func TestFinaliseRequiresSession(t *testing.T) {
	base, err := elfbin.New(bytes.NewReader(elftest.BuildExec()), "exec")
	require.NoError(t, err)

	assert.ErrorIs(t, layout.Finalise(base), bin.ErrFileNotBeingPatched)
}

func TestFinaliseNoChanges(t *testing.T) {
	s := session(t)

	require.NoError(t, layout.Finalise(s))

	// Nothing grew, so nothing moves
	text := s.Bin.SectionByName(".text")
	assert.Equal(t, uint64(elftest.ExecTextAddr), text.Addr())
	assert.Equal(t, uint64(0x1000), text.Offset())
}

func TestFinaliseGrownSection(t *testing.T) {
	s := session(t)

	dataIdx := s.Bin.SectionByName(".data").Index()
	_, err := s.Bin.PatchAddEntry(dataIdx, bin.NewRawEntry(make([]byte, 0x300)))
	require.NoError(t, err)

	require.NoError(t, layout.Finalise(s))

	moved := s.Bin.Section(dataIdx)

	// The section left its original place for fresh address space
	assert.NotEqual(t, uint64(elftest.ExecDataAddr), moved.Addr())
	assert.Greater(t, moved.Addr(), uint64(0x402210))

	checkInvariants(t, s)
}

func TestFinaliseSegmentContainment(t *testing.T) {
	s := session(t)

	dataIdx := s.Bin.SectionByName(".data").Index()
	_, err := s.Bin.PatchAddEntry(dataIdx, bin.NewRawEntry(make([]byte, 0x2000)))
	require.NoError(t, err)

	require.NoError(t, layout.Finalise(s))
	checkInvariants(t, s)

	// The moved section has an owning segment again
	moved := s.Bin.Section(dataIdx)
	assert.NotEmpty(t, moved.Segments())
}

// checkInvariants asserts the containment and congruence properties
// that must hold for every section of every segment after finalise.
func checkInvariants(t *testing.T, s *elfbin.File) {
	t.Helper()

	for _, seg := range s.Bin.Segments() {
		for _, scn := range seg.Sections() {
			assert.LessOrEqual(t, seg.Offset(), scn.Offset(),
				"section %s offset before segment", scn.Name())

			assert.LessOrEqual(t, scn.Offset()+scn.FileSize(), seg.Offset()+seg.FileSize(),
				"section %s spills past segment file image", scn.Name())

			assert.LessOrEqual(t, seg.Vaddr(), scn.Addr(),
				"section %s address before segment", scn.Name())

			assert.LessOrEqual(t, scn.Addr()+scn.Size(), seg.Vaddr()+seg.MemSize(),
				"section %s spills past segment memory image", scn.Name())

			if seg.Align() > 1 {
				assert.Equal(t,
					(scn.Addr()-seg.Vaddr())%seg.Align(),
					(scn.Offset()-seg.Offset())%seg.Align(),
					"section %s breaks page congruence", scn.Name())
			}

			assert.LessOrEqual(t, seg.Align(), uint64(layout.PageSize),
				"segment alignment exceeds one page")
		}
	}
}
