package elfio

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var layouts = map[string]Layout{
	"64le": {Class: elf.ELFCLASS64, Order: binary.LittleEndian},
	"64be": {Class: elf.ELFCLASS64, Order: binary.BigEndian},
	"32le": {Class: elf.ELFCLASS32, Order: binary.LittleEndian},
	"32be": {Class: elf.ELFCLASS32, Order: binary.BigEndian},
}

func TestFromIdent(t *testing.T) {
	ident := make([]byte, elf.EI_NIDENT)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)

	l, err := FromIdent(ident)
	require.NoError(t, err)
	assert.True(t, l.Is64())
	assert.Equal(t, binary.ByteOrder(binary.LittleEndian), l.Order)
	assert.Equal(t, 64, l.WordSize())

	ident[elf.EI_CLASS] = 9
	_, err = FromIdent(ident)
	assert.Error(t, err)
}

func TestEhdrRoundTrip(t *testing.T) {
	for name, l := range layouts {
		t.Run(name, func(t *testing.T) {
			b := make([]byte, l.EhdrSize())

			l.SetEhdrType(b, uint16(elf.ET_DYN))
			l.SetEhdrMachine(b, uint16(elf.EM_X86_64))
			l.SetEhdrVersion(b, 1)
			l.SetEhdrEntry(b, 0x401000)
			l.SetEhdrPhoff(b, 0x40)
			l.SetEhdrShoff(b, 0x12345)
			l.SetEhdrFlags(b, 0xdead)
			l.SetEhdrEhsize(b, uint16(l.EhdrSize()))
			l.SetEhdrPhentsize(b, uint16(l.PhdrSize()))
			l.SetEhdrPhnum(b, 9)
			l.SetEhdrShentsize(b, uint16(l.ShdrSize()))
			l.SetEhdrShnum(b, 30)
			l.SetEhdrShstrndx(b, 29)

			assert.Equal(t, uint16(elf.ET_DYN), l.EhdrType(b))
			assert.Equal(t, uint16(elf.EM_X86_64), l.EhdrMachine(b))
			assert.Equal(t, uint32(1), l.EhdrVersion(b))
			assert.Equal(t, uint64(0x401000), l.EhdrEntry(b))
			assert.Equal(t, uint64(0x40), l.EhdrPhoff(b))
			assert.Equal(t, uint64(0x12345), l.EhdrShoff(b))
			assert.Equal(t, uint32(0xdead), l.EhdrFlags(b))
			assert.Equal(t, uint16(9), l.EhdrPhnum(b))
			assert.Equal(t, uint16(30), l.EhdrShnum(b))
			assert.Equal(t, uint16(29), l.EhdrShstrndx(b))
		})
	}
}

func TestPhdrRoundTrip(t *testing.T) {
	for name, l := range layouts {
		t.Run(name, func(t *testing.T) {
			b := make([]byte, l.PhdrSize())

			l.SetPhdrType(b, uint32(elf.PT_LOAD))
			l.SetPhdrFlags(b, uint32(elf.PF_R|elf.PF_X))
			l.SetPhdrOffset(b, 0x1000)
			l.SetPhdrVaddr(b, 0x401000)
			l.SetPhdrPaddr(b, 0x401000)
			l.SetPhdrFilesz(b, 0x2345)
			l.SetPhdrMemsz(b, 0x2345)
			l.SetPhdrAlign(b, 0x1000)

			assert.Equal(t, uint32(elf.PT_LOAD), l.PhdrType(b))
			assert.Equal(t, uint32(elf.PF_R|elf.PF_X), l.PhdrFlags(b))
			assert.Equal(t, uint64(0x1000), l.PhdrOffset(b))
			assert.Equal(t, uint64(0x401000), l.PhdrVaddr(b))
			assert.Equal(t, uint64(0x2345), l.PhdrFilesz(b))
			assert.Equal(t, uint64(0x2345), l.PhdrMemsz(b))
			assert.Equal(t, uint64(0x1000), l.PhdrAlign(b))
		})
	}
}

func TestShdrRoundTrip(t *testing.T) {
	for name, l := range layouts {
		t.Run(name, func(t *testing.T) {
			b := make([]byte, l.ShdrSize())

			l.SetShdrName(b, 17)
			l.SetShdrType(b, uint32(elf.SHT_PROGBITS))
			l.SetShdrFlags(b, uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR))
			l.SetShdrAddr(b, 0x401000)
			l.SetShdrOffset(b, 0x1000)
			l.SetShdrSizeField(b, 0x500)
			l.SetShdrLink(b, 5)
			l.SetShdrInfo(b, 7)
			l.SetShdrAddralign(b, 16)
			l.SetShdrEntsize(b, 24)

			assert.Equal(t, uint32(17), l.ShdrName(b))
			assert.Equal(t, uint32(elf.SHT_PROGBITS), l.ShdrType(b))
			assert.Equal(t, uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), l.ShdrFlags(b))
			assert.Equal(t, uint64(0x401000), l.ShdrAddr(b))
			assert.Equal(t, uint64(0x1000), l.ShdrOffset(b))
			assert.Equal(t, uint64(0x500), l.ShdrSizeField(b))
			assert.Equal(t, uint32(5), l.ShdrLink(b))
			assert.Equal(t, uint32(7), l.ShdrInfo(b))
			assert.Equal(t, uint64(16), l.ShdrAddralign(b))
			assert.Equal(t, uint64(24), l.ShdrEntsize(b))
		})
	}
}

func TestSymRoundTrip(t *testing.T) {
	for name, l := range layouts {
		t.Run(name, func(t *testing.T) {
			want := Sym{
				Name:  42,
				Info:  byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC),
				Other: byte(elf.STV_DEFAULT),
				Shndx: 14,
				Value: 0x401234,
				Size:  0x80,
			}

			b := make([]byte, l.SymSize())
			l.WriteSym(b, want)
			assert.Equal(t, want, l.ReadSym(b))
		})
	}
}

func TestRelRoundTrip(t *testing.T) {
	for name, l := range layouts {
		t.Run(name, func(t *testing.T) {
			want := Rela{Off: 0x4010, Sym: 7, Type: uint32(elf.R_X86_64_PC32) & 0xff, Addend: -4}

			b := make([]byte, l.RelaSize())
			l.WriteRel(b, want, true)
			assert.Equal(t, want, l.ReadRel(b, true))

			rel := want
			rel.Addend = 0
			b = make([]byte, l.RelSize())
			l.WriteRel(b, rel, false)
			assert.Equal(t, rel, l.ReadRel(b, false))
		})
	}
}

func TestDynRoundTrip(t *testing.T) {
	for name, l := range layouts {
		t.Run(name, func(t *testing.T) {
			want := Dyn{Tag: int64(elf.DT_NEEDED), Val: 0x99}

			b := make([]byte, l.DynSize())
			l.WriteDyn(b, want)
			assert.Equal(t, want, l.ReadDyn(b))
		})
	}
}
