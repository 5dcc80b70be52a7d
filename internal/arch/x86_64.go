package arch

import (
	"debug/elf"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

var errNoGOTReference = errors.New("no GOT-referencing instruction found in stub")

// x86_64PLTStubSize is the size of the minimal indirect-jump stub the
// rewriter synthesises (jmp *rel32(%rip)), not of glibc's full
// three-instruction lazy stub.
const x86_64PLTStubSize = 6

var x86_64Descriptor = &Descriptor{
	Name:       "x86_64",
	Code:       X86_64,
	ELFMachine: elf.EM_X86_64,
	PEMachine:  pe.IMAGE_FILE_MACHINE_AMD64,
	WordSize:   64,

	RelocTypes: []uint32{
		uint32(elf.R_X86_64_NONE),
		uint32(elf.R_X86_64_64),
		uint32(elf.R_X86_64_32),
		uint32(elf.R_X86_64_32S),
		uint32(elf.R_X86_64_PC32),
		uint32(elf.R_X86_64_PC64),
		uint32(elf.R_X86_64_GOT32),
		uint32(elf.R_X86_64_PLT32),
		uint32(elf.R_X86_64_GLOB_DAT),
		uint32(elf.R_X86_64_JMP_SLOT),
		uint32(elf.R_X86_64_GOTPCREL),
		uint32(elf.R_X86_64_GOTPCRELX),
		uint32(elf.R_X86_64_REX_GOTPCRELX),
		uint32(elf.R_X86_64_GOTTPOFF),
		uint32(elf.R_X86_64_TPOFF32),
		uint32(elf.R_X86_64_GOTOFF64),
		uint32(elf.R_X86_64_GOTPC32),
		uint32(elf.R_X86_64_GOT64),
		uint32(elf.R_X86_64_GOTPCREL64),
		uint32(elf.R_X86_64_GOTPC64),
		uint32(elf.R_X86_64_GOTPLT64),
		uint32(elf.R_X86_64_PLTOFF64),
		uint32(elf.R_X86_64_IRELATIVE),
	},

	PLTStubSize: x86_64PLTStubSize,
	PLTStub:     x86_64PLTStub,

	GOTRefDistance: x86_64GOTRefDistance,
	InsnRefAddr:    x86_64InsnRefAddr,
	InsnLen:        x86_64InsnLen,
}

// x86_64InsnRefAddr returns the address a RIP-relative memory operand
// resolves to for an instruction executing at pc.
func x86_64InsnRefAddr(code []byte, pc uint64) (uint64, bool) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return 0, false
	}

	for _, a := range inst.Args {
		mem, ok := a.(x86asm.Mem)
		if !ok {
			continue
		}

		if mem.Base == x86asm.RIP {
			return uint64(int64(pc) + int64(inst.Len) + mem.Disp), true
		}
	}

	return 0, false
}

func x86_64InsnLen(code []byte) (int, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to decode instruction: %w", err)
	}

	return inst.Len, nil
}

// x86_64PLTStub encodes `jmp *disp32(%rip)` where disp32 lands on the
// GOT slot. RIP-relative displacement is from the end of the 6-byte
// instruction.
func x86_64PLTStub(stubAddr uint64, gotAddr uint64) []byte {
	stub := make([]byte, x86_64PLTStubSize)
	stub[0] = 0xff
	stub[1] = 0x25

	disp := int32(int64(gotAddr) - int64(stubAddr) - x86_64PLTStubSize)
	binary.LittleEndian.PutUint32(stub[2:], uint32(disp))

	return stub
}

// x86_64GOTRefDistance decodes the stub until it finds the RIP-relative
// memory operand that addresses the GOT slot and returns the offset of
// that instruction from the stub's entry point.
func x86_64GOTRefDistance(stub []byte) (int, error) {
	offset := 0
	for offset < len(stub) {
		inst, err := x86asm.Decode(stub[offset:], 64)
		if err != nil {
			return 0, fmt.Errorf("failed to decode PLT stub at offset %d: %w", offset, err)
		}

		for _, a := range inst.Args {
			mem, ok := a.(x86asm.Mem)
			if !ok {
				continue
			}

			if mem.Base == x86asm.RIP {
				return offset, nil
			}
		}

		offset += inst.Len
	}

	return 0, errNoGOTReference
}
