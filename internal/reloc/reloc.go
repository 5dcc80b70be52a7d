// Package reloc applies resolved relocation requests to section bytes.
// One small arithmetic function exists per (architecture, type) pair;
// everything else is shared plumbing.
package reloc

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/davejbax/stitch/internal/arch"
	"github.com/davejbax/stitch/internal/bin"
)

// NoOffset is the sentinel for "no target offset": together with a nil
// target section it marks weak-undefined and absolute symbols, which
// short-circuit the applier.
const NoOffset = ^uint64(0)

// Request is a fully populated relocation: where to write, what the
// symbol resolved to, and the optional PLT/GOT/TLS context the
// arithmetic may need.
type Request struct {
	Arch  *arch.Descriptor
	Order binary.ByteOrder

	// File resolves copy-on-write section clones; nil is fine when the
	// caller passes current sections directly
	File *bin.File

	// containing section and the write position inside it
	Section *bin.Section
	Offset  uint64

	// resolved target
	Target       *bin.Section
	TargetOffset uint64

	Addend int64
	Type   uint32

	// PLT slot, when the symbol resolves through a stub
	PLTSection *bin.Section
	PLTSlot    uint64
	HasPLT     bool

	// GOT slot, for GOT-class relocations
	GOTSection *bin.Section
	GOTSlot    uint64
	HasGOT     bool

	// Immediate carries a precomputed value (TLS offsets)
	Immediate    uint64
	HasImmediate bool
}

// values are the canonical symbols of relocation arithmetic.
type values struct {
	s   uint64 // target address
	p   uint64 // place being relocated
	a   int64  // addend
	l   uint64 // PLT stub address
	got uint64 // GOT base address
	g   uint64 // slot offset within the GOT
	imm uint64

	hasPLT bool
}

type relocationFunc func(v *values) (result uint64, width int)

// Apply performs the relocation described by req, writing the computed
// bytes into the containing section's buffer. Applying the same request
// twice writes the same bytes.
func Apply(req *Request) error {
	if req.Section == nil {
		return bin.ErrMissingSection
	}

	// Weak undefined and absolute symbols: nothing to write
	if req.Target == nil && req.TargetOffset == NoOffset {
		return nil
	}

	table, ok := tables[req.Arch.Code]
	if !ok {
		return fmt.Errorf("architecture %s: %w", req.Arch.Name, bin.ErrPatchArchNotSupported)
	}

	f, known := table[req.Type]
	if !known {
		if req.Arch.SupportsReloc(req.Type) {
			return fmt.Errorf("relocation type %d on %s: %w", req.Type, req.Arch.Name, bin.ErrRelocationNotSupported)
		}

		return fmt.Errorf("relocation type %d on %s: %w", req.Type, req.Arch.Name, bin.ErrRelocationNotRecognised)
	}

	if f == nil {
		// R_*_NONE
		return nil
	}

	canon := func(s *bin.Section) *bin.Section {
		if req.File != nil {
			return req.File.CanonicalSection(s)
		}

		return s
	}

	section := canon(req.Section)

	v := &values{
		p:      section.Addr() + req.Offset,
		a:      req.Addend,
		imm:    req.Immediate,
		hasPLT: req.HasPLT,
	}

	if req.Target != nil {
		v.s = canon(req.Target).Addr() + req.TargetOffset
	}

	if req.HasPLT && req.PLTSection != nil {
		v.l = canon(req.PLTSection).Addr() + req.PLTSlot*req.Arch.PLTStubSize
	}

	if req.HasGOT && req.GOTSection != nil {
		v.got = canon(req.GOTSection).Addr()
		v.g = req.GOTSlot * (uint64(req.Arch.WordSize) / 8)
	}

	result, width := f(v)

	data := section.Data()
	if req.Offset+uint64(width) > uint64(len(data)) {
		return fmt.Errorf("write of %d bytes at offset %#x exceeds section %s: %w",
			width, req.Offset, section.Name(), bin.ErrRelocationInvalid)
	}

	order := req.Order
	if order == nil {
		order = binary.LittleEndian
	}

	switch width {
	case 4:
		order.PutUint32(data[req.Offset:], uint32(result))
	case 8:
		order.PutUint64(data[req.Offset:], result)
	default:
		return fmt.Errorf("unsupported relocation width %d: %w", width, bin.ErrRelocationInvalid)
	}

	slog.Debug("applied relocation",
		"type", req.Type,
		"section", section.Name(),
		"offset", fmt.Sprintf("0x%x", req.Offset),
		"S", fmt.Sprintf("0x%x", v.s),
		"P", fmt.Sprintf("0x%x", v.p),
		"A", v.a,
		"value", fmt.Sprintf("0x%x", result),
	)

	return nil
}

var tables = map[arch.Code]map[uint32]relocationFunc{
	arch.X86_64: relocationFuncsX86_64,
	arch.ARM:    relocationFuncsARM,
}
