package arch

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/davejbax/stitch/internal/bin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupsAgree(t *testing.T) {
	byName, err := ByName("x86_64")
	require.NoError(t, err)

	byCode, err := ByCode(X86_64)
	require.NoError(t, err)

	byMachine, err := ByMachine(bin.FormatELF, uint32(elf.EM_X86_64))
	require.NoError(t, err)

	assert.Same(t, byName, byCode)
	assert.Same(t, byName, byMachine)
	assert.Equal(t, 64, byName.WordSize)
}

func TestLookupFailures(t *testing.T) {
	_, err := ByName("vax")
	assert.ErrorIs(t, err, bin.ErrProcNameInvalid)

	_, err = ByMachine(bin.FormatELF, 0xffff)
	assert.ErrorIs(t, err, bin.ErrArchUnknown)

	_, err = ByCode(Code(99))
	assert.ErrorIs(t, err, bin.ErrArchUnknown)
}

func TestSupportsReloc(t *testing.T) {
	d, err := ByName("x86_64")
	require.NoError(t, err)

	assert.True(t, d.SupportsReloc(uint32(elf.R_X86_64_PC32)))
	assert.False(t, d.SupportsReloc(0xffff))
}

func TestProbeELF(t *testing.T) {
	head := make([]byte, 64)
	head[0] = 0x7f
	head[1] = 'E'
	head[2] = 'L'
	head[3] = 'F'
	head[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	head[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	head[18] = byte(elf.EM_X86_64)

	format, machine, err := Probe(bytes.NewReader(head))
	require.NoError(t, err)
	assert.Equal(t, bin.FormatELF, format)
	assert.Equal(t, uint32(elf.EM_X86_64), machine)
}

func TestProbeUnknown(t *testing.T) {
	_, _, err := Probe(bytes.NewReader(make([]byte, 64)))
	assert.ErrorIs(t, err, bin.ErrFormatNotRecognized)

	_, _, err = Probe(bytes.NewReader([]byte{0x7f}))
	assert.ErrorIs(t, err, bin.ErrHeaderNotFound)
}

func TestX86_64PLTStub(t *testing.T) {
	stub := x86_64PLTStub(0x403000, 0x404000)
	require.Len(t, stub, x86_64PLTStubSize)

	// jmp *disp32(%rip), displacement from the instruction end
	assert.Equal(t, byte(0xff), stub[0])
	assert.Equal(t, byte(0x25), stub[1])

	disp := int32(uint32(stub[2]) | uint32(stub[3])<<8 | uint32(stub[4])<<16 | uint32(stub[5])<<24)
	assert.Equal(t, int32(0x404000-0x403000-6), disp)

	// The stub decodes and its GOT reference sits at its entry point
	off, err := x86_64GOTRefDistance(stub)
	require.NoError(t, err)
	assert.Equal(t, 0, off)
}

func TestGOTRefDistanceNoReference(t *testing.T) {
	// ret; ret; ...: nothing references memory
	stub := []byte{0xc3, 0xc3, 0xc3, 0xc3}

	_, err := x86_64GOTRefDistance(stub)
	assert.ErrorIs(t, err, errNoGOTReference)
}
