package reloc

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/davejbax/stitch/internal/arch"
	"github.com/davejbax/stitch/internal/bin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSection(name string, addr uint64, size int) *bin.Section {
	s := bin.NewSection(name, bin.SectionCode, bin.AttrLoad|bin.AttrExec)
	s.SetAddr(addr)
	s.SetData(make([]byte, size))
	return s
}

func x86(t *testing.T) *arch.Descriptor {
	t.Helper()
	d, err := arch.ByName("x86_64")
	require.NoError(t, err)
	return d
}

func TestApplyPC32(t *testing.T) {
	text := testSection(".text", 0x4000, 0x100)
	target := testSection(".rodata", 0x4010, 0x10)

	req := &Request{
		Arch:    x86(t),
		Order:   binary.LittleEndian,
		Section: text,
		Offset:  0,
		Target:  target,
		Addend:  -4,
		Type:    uint32(elf.R_X86_64_PC32),
	}

	require.NoError(t, Apply(req))

	// S + A - P = 0x4010 - 4 - 0x4000 = 0x0c
	assert.Equal(t, uint32(0x0c), binary.LittleEndian.Uint32(text.Data()))
}

func TestApplyIdempotent(t *testing.T) {
	text := testSection(".text", 0x4000, 0x100)
	target := testSection(".data", 0x5000, 0x10)

	req := &Request{
		Arch:    x86(t),
		Order:   binary.LittleEndian,
		Section: text,
		Offset:  8,
		Target:  target,
		Addend:  16,
		Type:    uint32(elf.R_X86_64_64),
	}

	require.NoError(t, Apply(req))
	first := binary.LittleEndian.Uint64(text.Data()[8:])

	require.NoError(t, Apply(req))
	assert.Equal(t, first, binary.LittleEndian.Uint64(text.Data()[8:]))
	assert.Equal(t, uint64(0x5010), first)
}

func TestApplyPLT32(t *testing.T) {
	text := testSection(".text", 0x4000, 0x100)
	plt := testSection(".plt", 0x3000, 0x100)

	req := &Request{
		Arch:       x86(t),
		Order:      binary.LittleEndian,
		Section:    text,
		Offset:     4,
		Target:     plt,
		Addend:     -4,
		Type:       uint32(elf.R_X86_64_PLT32),
		PLTSection: plt,
		PLTSlot:    2,
		HasPLT:     true,
	}

	require.NoError(t, Apply(req))

	// L + A - P with L = 0x3000 + 2*6
	want := int32(0x3000 + 12 - 4 - (0x4000 + 4))
	assert.Equal(t, want, int32(binary.LittleEndian.Uint32(text.Data()[4:])))
}

func TestApplyGOTPCREL(t *testing.T) {
	text := testSection(".text", 0x4000, 0x100)
	got := testSection(".got", 0x6000, 0x40)
	target := testSection(".data", 0x7000, 0x10)

	req := &Request{
		Arch:       x86(t),
		Order:      binary.LittleEndian,
		Section:    text,
		Offset:     0x10,
		Target:     target,
		Addend:     -4,
		Type:       uint32(elf.R_X86_64_GOTPCREL),
		GOTSection: got,
		GOTSlot:    3,
		HasGOT:     true,
	}

	require.NoError(t, Apply(req))

	// G + GOT + A - P with G = 3*8
	want := int32(24 + 0x6000 - 4 - (0x4000 + 0x10))
	assert.Equal(t, want, int32(binary.LittleEndian.Uint32(text.Data()[0x10:])))
}

func TestApplyTPOFF32UsesImmediate(t *testing.T) {
	text := testSection(".text", 0x4000, 0x100)

	req := &Request{
		Arch:         x86(t),
		Order:        binary.LittleEndian,
		Section:      text,
		Offset:       0,
		Target:       text, // ignored by the formula
		Type:         uint32(elf.R_X86_64_TPOFF32),
		Immediate:    uint64(0xfffffff0),
		HasImmediate: true,
	}

	require.NoError(t, Apply(req))
	assert.Equal(t, uint32(0xfffffff0), binary.LittleEndian.Uint32(text.Data()))
}

func TestApplyWeakUndefinedShortCircuits(t *testing.T) {
	text := testSection(".text", 0x4000, 0x100)

	req := &Request{
		Arch:         x86(t),
		Order:        binary.LittleEndian,
		Section:      text,
		Offset:       0,
		Target:       nil,
		TargetOffset: NoOffset,
		Type:         uint32(elf.R_X86_64_PC32),
	}

	require.NoError(t, Apply(req))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(text.Data()))
}

func TestApplyUnknownType(t *testing.T) {
	text := testSection(".text", 0x4000, 0x100)

	req := &Request{
		Arch:    x86(t),
		Order:   binary.LittleEndian,
		Section: text,
		Target:  text,
		Type:    0xffff,
	}

	err := Apply(req)
	assert.ErrorIs(t, err, bin.ErrRelocationNotRecognised)
}

func TestApplyUnsupportedKnownType(t *testing.T) {
	text := testSection(".text", 0x4000, 0x100)

	// IRELATIVE is understood by the architecture but has no applier
	// formula; it lives in .rela.plt and is resolved by the loader
	req := &Request{
		Arch:    x86(t),
		Order:   binary.LittleEndian,
		Section: text,
		Target:  text,
		Type:    uint32(elf.R_X86_64_IRELATIVE),
	}

	err := Apply(req)
	assert.ErrorIs(t, err, bin.ErrRelocationNotSupported)
}

func TestApplyOutOfBounds(t *testing.T) {
	text := testSection(".text", 0x4000, 4)

	req := &Request{
		Arch:    x86(t),
		Order:   binary.LittleEndian,
		Section: text,
		Offset:  2,
		Target:  text,
		Type:    uint32(elf.R_X86_64_PC32),
	}

	assert.ErrorIs(t, Apply(req), bin.ErrRelocationInvalid)
}
