// Package arch maps binary-format machine codes to architecture
// descriptors. Descriptors drive relocation arithmetic, PLT stub
// shaping, and the decoration of external-function labels.
package arch

import (
	"debug/elf"
	"fmt"

	"github.com/davejbax/stitch/internal/bin"
)

// Code is the internal architecture identifier.
type Code int

const (
	X86_64 Code = iota + 1
	I386
	ARM64
	ARM
)

// Descriptor describes one architecture across the supported binary
// formats.
type Descriptor struct {
	// Name as used in configuration and diagnostics
	Name string

	Code Code

	// Machine codes under each binary format; zero when the
	// architecture does not exist in that format
	ELFMachine   elf.Machine
	PEMachine    uint16
	MachOMachine uint32

	WordSize int

	// Relocation types this architecture understands
	RelocTypes []uint32

	// PLTStub produces the byte sequence of a stub jumping indirectly
	// through the .got.plt slot at gotAddr, for a stub placed at
	// stubAddr
	PLTStub func(stubAddr uint64, gotAddr uint64) []byte

	// PLTStubSize is the byte size of one stub
	PLTStubSize uint64

	// GOTRefDistance returns the byte distance between a stub's entry
	// point and the instruction referencing its GOT slot; used to
	// recover external-function labels by back-tracing from .got.plt
	// contents
	GOTRefDistance func(stub []byte) (int, error)

	// InsnRefAddr decodes the instruction at code (executing at pc) and
	// returns the memory address it references, when it references one
	InsnRefAddr func(code []byte, pc uint64) (uint64, bool)

	// InsnLen returns the byte length of the instruction at code
	InsnLen func(code []byte) (int, error)
}

var registry = []*Descriptor{x86_64Descriptor, i386Descriptor, arm64Descriptor, armDescriptor}

// ByName resolves an architecture from its configuration name.
func ByName(name string) (*Descriptor, error) {
	for _, d := range registry {
		if d.Name == name {
			return d, nil
		}
	}

	return nil, fmt.Errorf("architecture %q: %w", name, bin.ErrProcNameInvalid)
}

// ByCode resolves an architecture from its internal code.
func ByCode(code Code) (*Descriptor, error) {
	for _, d := range registry {
		if d.Code == code {
			return d, nil
		}
	}

	return nil, fmt.Errorf("architecture code %d: %w", code, bin.ErrArchUnknown)
}

// ByMachine resolves an architecture from a binary format and the
// machine code the format uses.
func ByMachine(format bin.Format, machine uint32) (*Descriptor, error) {
	for _, d := range registry {
		switch format {
		case bin.FormatELF:
			if d.ELFMachine != 0 && uint32(d.ELFMachine) == machine {
				return d, nil
			}
		case bin.FormatPE:
			if d.PEMachine != 0 && uint32(d.PEMachine) == machine {
				return d, nil
			}
		case bin.FormatMachO:
			if d.MachOMachine != 0 && d.MachOMachine == machine {
				return d, nil
			}
		}
	}

	return nil, fmt.Errorf("machine %#x in format %s: %w", machine, format, bin.ErrArchUnknown)
}

// SupportsReloc reports whether the descriptor understands the given
// relocation type code.
func (d *Descriptor) SupportsReloc(typ uint32) bool {
	for _, t := range d.RelocTypes {
		if t == typ {
			return true
		}
	}

	return false
}
