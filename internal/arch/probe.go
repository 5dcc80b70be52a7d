package arch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/davejbax/stitch/internal/bin"
	"github.com/lunixbochs/struc"
)

// machO64Magic covers the little-endian 64-bit variant; the rewriter
// only needs to recognise the format, not parse it.
const machO64Magic = 0xfeedfacf

// peSignature is the PE\0\0 magic followed by the COFF machine field.
type peSignature struct {
	Magic   [4]byte
	Machine uint16
}

// Probe reads only the first few bytes of r and extracts the binary
// format and machine code, trying ELF first, then PE, then Mach-O.
func Probe(r io.ReaderAt) (bin.Format, uint32, error) {
	var head [64]byte
	n, err := r.ReadAt(head[:], 0)
	if err != nil && err != io.EOF {
		return bin.FormatUnknown, 0, fmt.Errorf("failed to read file header: %w", err)
	}
	if n < 4 {
		return bin.FormatUnknown, 0, bin.ErrHeaderNotFound
	}

	// ELF: \x7fELF; e_machine is a half-word at offset 18, in the byte
	// order named by e_ident[EI_DATA]
	if head[0] == 0x7f && head[1] == 'E' && head[2] == 'L' && head[3] == 'F' {
		if n < 20 {
			return bin.FormatELF, 0, bin.ErrHeaderNotFound
		}

		order := binary.ByteOrder(binary.LittleEndian)
		if head[5] == 2 {
			order = binary.BigEndian
		}

		return bin.FormatELF, uint32(order.Uint16(head[18:20])), nil
	}

	// PE: MZ stub, e_lfanew at 0x3c, "PE\0\0" then the machine field
	if head[0] == 'M' && head[1] == 'Z' && n >= 0x40 {
		peOff := binary.LittleEndian.Uint32(head[0x3c:0x40])

		var peHead [6]byte
		if _, err := r.ReadAt(peHead[:], int64(peOff)); err == nil {
			var sig peSignature
			if err := struc.UnpackWithOptions(bytes.NewReader(peHead[:]), &sig, &struc.Options{Order: binary.LittleEndian}); err == nil {
				if sig.Magic == [4]byte{'P', 'E', 0, 0} {
					return bin.FormatPE, uint32(sig.Machine), nil
				}
			}
		}
	}

	// Mach-O 64-bit little-endian: magic then cputype
	if n >= 8 && binary.LittleEndian.Uint32(head[0:4]) == machO64Magic {
		return bin.FormatMachO, binary.LittleEndian.Uint32(head[4:8]), nil
	}

	return bin.FormatUnknown, 0, bin.ErrFormatNotRecognized
}

// FileArch opens a file and resolves its architecture with a minimal
// pre-parse: only the format magic and machine code are read.
func FileArch(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, bin.ErrUnableToOpenFile)
	}
	defer f.Close()

	format, machine, err := Probe(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	desc, err := ByMachine(format, machine)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return desc, nil
}
