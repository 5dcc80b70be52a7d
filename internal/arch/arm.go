package arch

import (
	"debug/elf"
	"debug/pe"
	"encoding/binary"
)

const armPLTStubSize = 12

var armDescriptor = &Descriptor{
	Name:       "arm",
	Code:       ARM,
	ELFMachine: elf.EM_ARM,
	PEMachine:  pe.IMAGE_FILE_MACHINE_ARMNT,
	WordSize:   32,

	RelocTypes: []uint32{
		uint32(elf.R_ARM_NONE),
		uint32(elf.R_ARM_ABS32),
		uint32(elf.R_ARM_REL32),
		uint32(elf.R_ARM_GOT32),
		uint32(elf.R_ARM_PLT32),
		uint32(elf.R_ARM_GLOB_DAT),
		uint32(elf.R_ARM_JUMP_SLOT),
		uint32(elf.R_ARM_GOTPC),
		uint32(elf.R_ARM_GOTOFF),
	},

	PLTStubSize: armPLTStubSize,

	// add ip, pc, #off_hi; add ip, ip, #off_mid; ldr pc, [ip, #off_lo]!:
	// the classic ARM PLT shape, with the pc-relative GOT displacement
	// split across the three instructions
	PLTStub: func(stubAddr uint64, gotAddr uint64) []byte {
		stub := make([]byte, armPLTStubSize)

		// pc reads 8 ahead of the first instruction
		disp := uint32(gotAddr) - (uint32(stubAddr) + 8)

		addHi := uint32(0xe28fc600) | (disp>>20)&0xff
		addMid := uint32(0xe28cca00) | (disp>>12)&0xff
		ldr := uint32(0xe5bcf000) | disp&0xfff

		binary.LittleEndian.PutUint32(stub[0:], addHi)
		binary.LittleEndian.PutUint32(stub[4:], addMid)
		binary.LittleEndian.PutUint32(stub[8:], ldr)

		return stub
	},

	GOTRefDistance: func(_ []byte) (int, error) { return 0, nil },
}
