package reloc

import "debug/elf"

// Arithmetic per the x86-64 psABI. Formulas overwrite the target bytes
// outright (RELA semantics), so reapplication is idempotent.
var relocationFuncsX86_64 = map[uint32]relocationFunc{
	uint32(elf.R_X86_64_NONE): nil,

	uint32(elf.R_X86_64_64):  func(v *values) (uint64, int) { return uint64(int64(v.s) + v.a), 8 },
	uint32(elf.R_X86_64_32):  func(v *values) (uint64, int) { return uint64(int64(v.s) + v.a), 4 },
	uint32(elf.R_X86_64_32S): func(v *values) (uint64, int) { return uint64(int64(v.s) + v.a), 4 },

	uint32(elf.R_X86_64_PC32): func(v *values) (uint64, int) { return uint64(int64(v.s) + v.a - int64(v.p)), 4 },
	uint32(elf.R_X86_64_PC64): func(v *values) (uint64, int) { return uint64(int64(v.s) + v.a - int64(v.p)), 8 },

	uint32(elf.R_X86_64_GOT32): func(v *values) (uint64, int) { return uint64(int64(v.g) + v.a), 4 },

	// PLT32 degrades to PC32 when the symbol has no stub; the psABI
	// permits this for targets resolved within the load image
	uint32(elf.R_X86_64_PLT32): func(v *values) (uint64, int) {
		if v.hasPLT {
			return uint64(int64(v.l) + v.a - int64(v.p)), 4
		}

		return uint64(int64(v.s) + v.a - int64(v.p)), 4
	},

	uint32(elf.R_X86_64_GLOB_DAT): func(v *values) (uint64, int) { return v.s, 8 },
	uint32(elf.R_X86_64_JMP_SLOT): func(v *values) (uint64, int) { return v.s, 8 },

	uint32(elf.R_X86_64_GOTPCREL):      gotpcrel32,
	uint32(elf.R_X86_64_GOTPCRELX):     gotpcrel32,
	uint32(elf.R_X86_64_REX_GOTPCRELX): gotpcrel32,
	uint32(elf.R_X86_64_GOTTPOFF):      gotpcrel32,

	uint32(elf.R_X86_64_GOTOFF64): func(v *values) (uint64, int) { return uint64(int64(v.s) + v.a - int64(v.got)), 8 },
	uint32(elf.R_X86_64_GOTPC32):  func(v *values) (uint64, int) { return uint64(int64(v.got) + v.a - int64(v.p)), 4 },

	uint32(elf.R_X86_64_GOT64):      func(v *values) (uint64, int) { return uint64(int64(v.g) + v.a), 8 },
	uint32(elf.R_X86_64_GOTPCREL64): func(v *values) (uint64, int) { return uint64(int64(v.g) + int64(v.got) - int64(v.p) + v.a), 8 },
	uint32(elf.R_X86_64_GOTPC64):    func(v *values) (uint64, int) { return uint64(int64(v.got) - int64(v.p) + v.a), 8 },
	uint32(elf.R_X86_64_GOTPLT64):   func(v *values) (uint64, int) { return uint64(int64(v.g) + v.a), 8 },
	uint32(elf.R_X86_64_PLTOFF64):   func(v *values) (uint64, int) { return uint64(int64(v.l) - int64(v.got) + v.a), 8 },

	// Precomputed TLS offset delivered as an immediate
	uint32(elf.R_X86_64_TPOFF32): func(v *values) (uint64, int) { return v.imm, 4 },
}

func gotpcrel32(v *values) (uint64, int) {
	return uint64(int64(v.g) + int64(v.got) + v.a - int64(v.p)), 4
}
