package arch

import (
	"debug/elf"
	"debug/pe"
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

const i386PLTStubSize = 6

var i386Descriptor = &Descriptor{
	Name:       "i386",
	Code:       I386,
	ELFMachine: elf.EM_386,
	PEMachine:  pe.IMAGE_FILE_MACHINE_I386,
	WordSize:   32,

	RelocTypes: []uint32{
		uint32(elf.R_386_NONE),
		uint32(elf.R_386_32),
		uint32(elf.R_386_PC32),
		uint32(elf.R_386_GOT32),
		uint32(elf.R_386_PLT32),
		uint32(elf.R_386_GLOB_DAT),
		uint32(elf.R_386_JMP_SLOT),
		uint32(elf.R_386_GOTOFF),
		uint32(elf.R_386_GOTPC),
	},

	PLTStubSize: i386PLTStubSize,

	// jmp *abs32: i386 stubs address the GOT slot absolutely
	PLTStub: func(_ uint64, gotAddr uint64) []byte {
		stub := make([]byte, i386PLTStubSize)
		stub[0] = 0xff
		stub[1] = 0x25
		binary.LittleEndian.PutUint32(stub[2:], uint32(gotAddr))
		return stub
	},

	GOTRefDistance: func(stub []byte) (int, error) {
		offset := 0
		for offset < len(stub) {
			inst, err := x86asm.Decode(stub[offset:], 32)
			if err != nil {
				return 0, fmt.Errorf("failed to decode PLT stub at offset %d: %w", offset, err)
			}

			for _, a := range inst.Args {
				if _, ok := a.(x86asm.Mem); ok {
					return offset, nil
				}
			}

			offset += inst.Len
		}

		return 0, errNoGOTReference
	},
}
