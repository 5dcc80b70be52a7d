package reloc

import "debug/elf"

var relocationFuncsARM = map[uint32]relocationFunc{
	uint32(elf.R_ARM_NONE): nil,

	uint32(elf.R_ARM_ABS32): func(v *values) (uint64, int) { return uint64(int64(v.s) + v.a), 4 },
	uint32(elf.R_ARM_REL32): func(v *values) (uint64, int) { return uint64(int64(v.s) + v.a - int64(v.p)), 4 },

	uint32(elf.R_ARM_GOT32): func(v *values) (uint64, int) { return uint64(int64(v.g) + v.a), 4 },

	uint32(elf.R_ARM_PLT32): func(v *values) (uint64, int) {
		if v.hasPLT {
			return uint64(int64(v.l) + v.a - int64(v.p)), 4
		}

		return uint64(int64(v.s) + v.a - int64(v.p)), 4
	},

	uint32(elf.R_ARM_GLOB_DAT):  func(v *values) (uint64, int) { return v.s, 4 },
	uint32(elf.R_ARM_JUMP_SLOT): func(v *values) (uint64, int) { return v.s, 4 },

	uint32(elf.R_ARM_GOTPC):  func(v *values) (uint64, int) { return uint64(int64(v.got) + v.a - int64(v.p)), 4 },
	uint32(elf.R_ARM_GOTOFF): func(v *values) (uint64, int) { return uint64(int64(v.s) + v.a - int64(v.got)), 4 },
}
