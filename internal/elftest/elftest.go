// Package elftest builds small synthetic ELF images for tests: a
// dynamic executable and a relocatable object with the section shapes
// the rewriter exercises.
package elftest

import (
	"debug/elf"
	"encoding/binary"

	"github.com/davejbax/stitch/internal/elfio"
)

var l = elfio.Layout{Class: elf.ELFCLASS64, Order: binary.LittleEndian}

// Executable layout facts, shared with the tests that assert on them.
const (
	ExecTextAddr  = 0x401000
	ExecDataAddr  = 0x402000
	ExecGotAddr   = 0x402100
	ExecMainAddr  = 0x401000
	ExecBarAddr   = 0x401040
	ExecShoff     = 0x2288
	ExecSize      = ExecShoff + 10*64
	ExecNumNeeded = 3
)

// BuildExec produces a minimal x86-64 dynamic executable: .text,
// .data, .got, .dynstr, .dynamic (three DT_NEEDED entries), .bss,
// .symtab, .strtab, .shstrtab, and two PT_LOAD segments.
func BuildExec() []byte {
	b := make([]byte, ExecSize)

	ident(b, elf.ET_EXEC)

	l.SetEhdrEntry(b, ExecTextAddr)
	l.SetEhdrPhoff(b, 0x40)
	l.SetEhdrShoff(b, ExecShoff)
	l.SetEhdrEhsize(b, 64)
	l.SetEhdrPhentsize(b, 56)
	l.SetEhdrPhnum(b, 2)
	l.SetEhdrShentsize(b, 64)
	l.SetEhdrShnum(b, 10)
	l.SetEhdrShstrndx(b, 9)

	// Program headers
	phdr(b[0x40:], elf.PT_LOAD, elf.PF_R|elf.PF_X, 0, 0x400000, 0x1100, 0x1100, 0x1000)
	phdr(b[0x78:], elf.PT_LOAD, elf.PF_R|elf.PF_W, 0x2000, 0x402000, 0x1d0, 0x210, 0x1000)

	// .text: a ret at the entry point and at bar
	b[0x1000] = 0xc3
	b[0x1040] = 0xc3

	// .got slot 0 points at .text
	binary.LittleEndian.PutUint64(b[0x2100:], ExecTextAddr)

	// .dynstr
	dynstr := "\x00libc.so.6\x00libm.so.6\x00libdl.so.2\x00"
	copy(b[0x2140:], dynstr)

	// .dynamic
	dyn(b[0x2160:], elf.DT_NEEDED, 1)
	dyn(b[0x2170:], elf.DT_NEEDED, 11)
	dyn(b[0x2180:], elf.DT_NEEDED, 21)
	dyn(b[0x2190:], elf.DT_STRTAB, 0x402140)
	dyn(b[0x21a0:], elf.DT_STRSZ, uint64(len(dynstr)))
	dyn(b[0x21b0:], elf.DT_NULL, 0)
	dyn(b[0x21c0:], elf.DT_NULL, 0)

	// .symtab
	sym(b[0x21d0+24:], 1, elf.STB_GLOBAL, elf.STT_FUNC, 1, ExecMainAddr, 0x10)
	sym(b[0x21d0+48:], 6, elf.STB_GLOBAL, elf.STT_FUNC, 1, ExecBarAddr, 0x10)
	sym(b[0x21d0+72:], 10, elf.STB_GLOBAL, elf.STT_OBJECT, 2, ExecDataAddr, 8)

	// .strtab
	copy(b[0x2230:], "\x00main\x00bar\x00counter\x00")

	// .shstrtab
	copy(b[0x2242:], "\x00.text\x00.data\x00.got\x00.dynstr\x00.dynamic\x00.bss\x00.symtab\x00.strtab\x00.shstrtab\x00")

	// Section headers
	sh := func(i int) []byte { return b[ExecShoff+i*64:] }

	shdr(sh(1), 1, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, ExecTextAddr, 0x1000, 0x100, 0, 0, 16, 0)
	shdr(sh(2), 7, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, ExecDataAddr, 0x2000, 0x100, 0, 0, 8, 0)
	shdr(sh(3), 13, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, ExecGotAddr, 0x2100, 0x20, 0, 0, 8, 8)
	shdr(sh(4), 18, elf.SHT_STRTAB, elf.SHF_ALLOC, 0x402140, 0x2140, uint64(len(dynstr)), 0, 0, 1, 0)
	shdr(sh(5), 26, elf.SHT_DYNAMIC, elf.SHF_ALLOC|elf.SHF_WRITE, 0x402160, 0x2160, 0x70, 4, 0, 8, 16)
	shdr(sh(6), 35, elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 0x4021d0, 0x21d0, 0x40, 0, 0, 8, 0)
	shdr(sh(7), 40, elf.SHT_SYMTAB, 0, 0, 0x21d0, 4*24, 8, 1, 8, 24)
	shdr(sh(8), 48, elf.SHT_STRTAB, 0, 0, 0x2230, 18, 0, 0, 1, 0)
	shdr(sh(9), 56, elf.SHT_STRTAB, 0, 0, 0x2242, 66, 0, 0, 1, 0)

	return b
}

// Object layout facts.
const (
	ObjShoff = 0x130
	ObjSize  = ObjShoff + 6*64
)

// BuildObject produces a relocatable x86-64 object exporting foo,
// calling an undefined bar through a PC32 relocation, and referencing
// a 128-byte COMMON symbol aligned to 32.
func BuildObject() []byte {
	b := make([]byte, ObjSize)

	ident(b, elf.ET_REL)

	l.SetEhdrShoff(b, ObjShoff)
	l.SetEhdrEhsize(b, 64)
	l.SetEhdrShentsize(b, 64)
	l.SetEhdrShnum(b, 6)
	l.SetEhdrShstrndx(b, 5)

	// .text: call rel32 at offset 3, mov reference at offset 11
	b[0x40+3] = 0xe8
	b[0x40+0x1f] = 0xc3

	// .rela.text
	rela(b[0x60:], 4, 2, uint32(elf.R_X86_64_PC32), -4)
	rela(b[0x78:], 12, 3, uint32(elf.R_X86_64_PC32), -4)

	// .symtab: foo (defined), bar (undef), buf (COMMON, align 32,
	// size 128)
	sym(b[0x90+24:], 1, elf.STB_GLOBAL, elf.STT_FUNC, 1, 0, 0x20)
	sym(b[0x90+48:], 5, elf.STB_GLOBAL, elf.STT_NOTYPE, uint16(elf.SHN_UNDEF), 0, 0)
	sym(b[0x90+72:], 9, elf.STB_GLOBAL, elf.STT_OBJECT, uint16(elf.SHN_COMMON), 32, 128)

	// .strtab
	copy(b[0xf0:], "\x00foo\x00bar\x00buf\x00")

	// .shstrtab
	copy(b[0xfd:], "\x00.text\x00.rela.text\x00.symtab\x00.strtab\x00.shstrtab\x00")

	sh := func(i int) []byte { return b[ObjShoff+i*64:] }

	shdr(sh(1), 1, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0, 0x40, 0x20, 0, 0, 16, 0)
	shdr(sh(2), 7, elf.SHT_RELA, 0, 0, 0x60, 48, 3, 1, 8, 24)
	shdr(sh(3), 18, elf.SHT_SYMTAB, 0, 0, 0x90, 4*24, 4, 1, 8, 24)
	shdr(sh(4), 26, elf.SHT_STRTAB, 0, 0, 0xf0, 13, 0, 0, 1, 0)
	shdr(sh(5), 34, elf.SHT_STRTAB, 0, 0, 0xfd, 44, 0, 0, 1, 0)

	return b
}

func ident(b []byte, typ elf.Type) {
	b[0] = 0x7f
	b[1] = 'E'
	b[2] = 'L'
	b[3] = 'F'
	b[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	b[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	b[elf.EI_VERSION] = 1

	l.SetEhdrType(b, uint16(typ))
	l.SetEhdrMachine(b, uint16(elf.EM_X86_64))
	l.SetEhdrVersion(b, 1)
}

func phdr(b []byte, typ elf.ProgType, flags elf.ProgFlag, off uint64, vaddr uint64, filesz uint64, memsz uint64, align uint64) {
	l.SetPhdrType(b, uint32(typ))
	l.SetPhdrFlags(b, uint32(flags))
	l.SetPhdrOffset(b, off)
	l.SetPhdrVaddr(b, vaddr)
	l.SetPhdrPaddr(b, vaddr)
	l.SetPhdrFilesz(b, filesz)
	l.SetPhdrMemsz(b, memsz)
	l.SetPhdrAlign(b, align)
}

func shdr(b []byte, name uint32, typ elf.SectionType, flags elf.SectionFlag, addr uint64, off uint64, size uint64, link uint32, info uint32, align uint64, entsize uint64) {
	l.SetShdrName(b, name)
	l.SetShdrType(b, uint32(typ))
	l.SetShdrFlags(b, uint64(flags))
	l.SetShdrAddr(b, addr)
	l.SetShdrOffset(b, off)
	l.SetShdrSizeField(b, size)
	l.SetShdrLink(b, link)
	l.SetShdrInfo(b, info)
	l.SetShdrAddralign(b, align)
	l.SetShdrEntsize(b, entsize)
}

func sym(b []byte, name uint32, bind elf.SymBind, typ elf.SymType, shndx uint16, value uint64, size uint64) {
	l.WriteSym(b, elfio.Sym{
		Name:  name,
		Info:  uint8(bind)<<4 | uint8(typ),
		Shndx: shndx,
		Value: value,
		Size:  size,
	})
}

func rela(b []byte, off uint64, symIdx uint32, typ uint32, addend int64) {
	l.WriteRel(b, elfio.Rela{Off: off, Sym: symIdx, Type: typ, Addend: addend}, true)
}

func dyn(b []byte, tag elf.DynTag, val uint64) {
	l.WriteDyn(b, elfio.Dyn{Tag: int64(tag), Val: val})
}
