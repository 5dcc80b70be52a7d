package arch

import (
	"debug/elf"
	"debug/pe"
	"encoding/binary"
)

const arm64PLTStubSize = 16

var arm64Descriptor = &Descriptor{
	Name:         "arm64",
	Code:         ARM64,
	ELFMachine:   elf.EM_AARCH64,
	PEMachine:    pe.IMAGE_FILE_MACHINE_ARM64,
	MachOMachine: 0x0100000c, // CPU_TYPE_ARM64
	WordSize:     64,

	RelocTypes: []uint32{
		uint32(elf.R_AARCH64_NONE),
		uint32(elf.R_AARCH64_ABS64),
		uint32(elf.R_AARCH64_ABS32),
		uint32(elf.R_AARCH64_PREL32),
		uint32(elf.R_AARCH64_GLOB_DAT),
		uint32(elf.R_AARCH64_JUMP_SLOT),
		uint32(elf.R_AARCH64_CALL26),
		uint32(elf.R_AARCH64_JUMP26),
		uint32(elf.R_AARCH64_ADR_GOT_PAGE),
		uint32(elf.R_AARCH64_LD64_GOT_LO12_NC),
	},

	PLTStubSize: arm64PLTStubSize,

	// adrp x16, got_page; ldr x17, [x16, got_lo12]; br x17; nop
	PLTStub: func(stubAddr uint64, gotAddr uint64) []byte {
		stub := make([]byte, arm64PLTStubSize)

		pageDelta := int64(gotAddr&^0xfff) - int64(stubAddr&^0xfff)
		immhi := uint32(pageDelta>>14) & 0x7ffff
		immlo := uint32(pageDelta>>12) & 0x3

		adrp := uint32(0x90000010) | immlo<<29 | immhi<<5
		ldr := uint32(0xf9400211) | (uint32(gotAddr&0xfff)>>3)<<10
		br := uint32(0xd61f0220)
		nop := uint32(0xd503201f)

		binary.LittleEndian.PutUint32(stub[0:], adrp)
		binary.LittleEndian.PutUint32(stub[4:], ldr)
		binary.LittleEndian.PutUint32(stub[8:], br)
		binary.LittleEndian.PutUint32(stub[12:], nop)

		return stub
	},

	// The adrp at the stub entry is the GOT-referencing instruction
	GOTRefDistance: func(_ []byte) (int, error) { return 0, nil },
}
