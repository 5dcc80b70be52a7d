// Package elfio is the width-polymorphic accessor layer over raw ELF
// header and table bytes. Every logical field has a get/set pair that
// branches on the ELF class; the package moves bytes and never
// interprets them.
package elfio

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// Layout carries the two facts every accessor needs: the ELF class and
// the byte order, both read from e_ident.
type Layout struct {
	Class elf.Class
	Order binary.ByteOrder
}

// FromIdent builds a Layout from the first bytes of an ELF file.
func FromIdent(ident []byte) (Layout, error) {
	if len(ident) < elf.EI_NIDENT {
		return Layout{}, fmt.Errorf("e_ident too short: %d bytes", len(ident))
	}

	var l Layout

	switch elf.Class(ident[elf.EI_CLASS]) {
	case elf.ELFCLASS32:
		l.Class = elf.ELFCLASS32
	case elf.ELFCLASS64:
		l.Class = elf.ELFCLASS64
	default:
		return Layout{}, fmt.Errorf("unknown ELF class %d", ident[elf.EI_CLASS])
	}

	switch elf.Data(ident[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		l.Order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		l.Order = binary.BigEndian
	default:
		return Layout{}, fmt.Errorf("unknown ELF data encoding %d", ident[elf.EI_DATA])
	}

	return l, nil
}

func (l Layout) Is64() bool { return l.Class == elf.ELFCLASS64 }

// WordSize returns the word size in bits.
func (l Layout) WordSize() int {
	if l.Is64() {
		return 64
	}

	return 32
}

// WordBytes returns the word size in bytes.
func (l Layout) WordBytes() uint64 {
	if l.Is64() {
		return 8
	}

	return 4
}

func (l Layout) EhdrSize() uint64 {
	if l.Is64() {
		return 64
	}

	return 52
}

func (l Layout) PhdrSize() uint64 {
	if l.Is64() {
		return 56
	}

	return 32
}

func (l Layout) ShdrSize() uint64 {
	if l.Is64() {
		return 64
	}

	return 40
}

func (l Layout) SymSize() uint64 {
	if l.Is64() {
		return elf.Sym64Size
	}

	return elf.Sym32Size
}

func (l Layout) RelSize() uint64 {
	if l.Is64() {
		return 16
	}

	return 8
}

func (l Layout) RelaSize() uint64 {
	if l.Is64() {
		return 24
	}

	return 12
}

func (l Layout) DynSize() uint64 {
	if l.Is64() {
		return 16
	}

	return 8
}

// word reads a class-width value at off64 (64-bit layout) or off32.
func (l Layout) word(b []byte, off64 int, off32 int) uint64 {
	if l.Is64() {
		return l.Order.Uint64(b[off64:])
	}

	return uint64(l.Order.Uint32(b[off32:]))
}

func (l Layout) putWord(b []byte, off64 int, off32 int, v uint64) {
	if l.Is64() {
		l.Order.PutUint64(b[off64:], v)
		return
	}

	l.Order.PutUint32(b[off32:], uint32(v))
}

func (l Layout) half(b []byte, off int) uint16       { return l.Order.Uint16(b[off:]) }
func (l Layout) putHalf(b []byte, off int, v uint16) { l.Order.PutUint16(b[off:], v) }

func (l Layout) lword(b []byte, off int) uint32       { return l.Order.Uint32(b[off:]) }
func (l Layout) putLword(b []byte, off int, v uint32) { l.Order.PutUint32(b[off:], v) }
