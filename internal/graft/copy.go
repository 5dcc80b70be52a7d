package graft

import (
	"debug/elf"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/davejbax/stitch/internal/align"
	"github.com/davejbax/stitch/internal/bin"
	"github.com/davejbax/stitch/internal/elfbin"
)

// copiedSections maps each object section to its counterpart in the
// base, plus the offset the object's bytes landed at when sections are
// consolidated (TLS).
type copiedSections struct {
	scn    map[*bin.Section]*bin.Section
	offset map[*bin.Section]uint64

	// tlsOrigin is the byte size of the base's original TLS template,
	// which grafted TLS offsets come after
	tlsOrigin uint64
}

// objTag derives the section name prefix for an object file.
func objTag(obj *elfbin.File) string {
	name := filepath.Base(obj.Bin.Path())
	if ext := filepath.Ext(name); ext != "" {
		name = strings.TrimSuffix(name, ext)
	}

	return name
}

// copySections copies every allocated loadable section of every object
// into a new base section named .<objfile>_<origname>, preserving the
// original alignment. TLS sections are appended into the consolidated
// .tdata_madras / .tbss_madras pair instead.
func copySections(base *elfbin.File, objs []*elfbin.File) (*copiedSections, error) {
	out := &copiedSections{
		scn:    make(map[*bin.Section]*bin.Section),
		offset: make(map[*bin.Section]uint64),
	}

	out.tlsOrigin = baseTLSSize(base)

	var tdata, tbss *bin.Section

	for _, obj := range objs {
		tag := objTag(obj)

		for _, scn := range obj.Bin.Sections() {
			if !scn.IsLoaded() || scn.Size() == 0 {
				continue
			}

			switch scn.Type() {
			case bin.SectionCode, bin.SectionData, bin.SectionZeroData:
			default:
				continue
			}

			if scn.IsTLS() {
				var err error
				if scn.Type() == bin.SectionZeroData {
					tbss, err = appendTLS(base, tbss, scn, out, elfbin.ScnTbssMadras, bin.SectionZeroData)
				} else {
					tdata, err = appendTLS(base, tdata, scn, out, elfbin.ScnTdataMadras, bin.SectionData)
				}

				if err != nil {
					return nil, err
				}

				continue
			}

			name := fmt.Sprintf(".%s_%s", tag, scn.Name())

			attrs := bin.AttrLoad | bin.AttrRead
			if scn.Attrs().Has(bin.AttrWrite) {
				attrs |= bin.AttrWrite
			}
			if scn.Attrs().Has(bin.AttrExec) {
				attrs |= bin.AttrExec
			}

			m := &elfbin.ScnMeta{Type: elf.SHT_PROGBITS, Flags: uint64(elf.SHF_ALLOC)}
			if scn.Type() == bin.SectionZeroData {
				m.Type = elf.SHT_NOBITS
			}
			if attrs.Has(bin.AttrWrite) {
				m.Flags |= uint64(elf.SHF_WRITE)
			}
			if attrs.Has(bin.AttrExec) {
				m.Flags |= uint64(elf.SHF_EXECINSTR)
			}

			clone, err := base.NewPatchSection(name, scn.Type(), attrs, m)
			if err != nil {
				return nil, err
			}

			clone.SetAlign(scn.Align())
			clone.SetSize(scn.Size())

			if data := scn.Data(); data != nil {
				dup := make([]byte, len(data))
				copy(dup, data)
				clone.SetData(dup)
			}

			out.scn[scn] = clone
			out.offset[scn] = 0

			slog.Debug("copied object section",
				"object", obj.Bin.Path(),
				"from", scn.Name(),
				"to", name,
				"size", scn.Size(),
			)
		}
	}

	return out, nil
}

// appendTLS consolidates one TLS section into the shared carrier,
// creating the carrier on first use.
func appendTLS(base *elfbin.File, carrier *bin.Section, scn *bin.Section, out *copiedSections, name string, typ bin.SectionType) (*bin.Section, error) {
	if carrier == nil {
		m := &elfbin.ScnMeta{Type: elf.SHT_PROGBITS, Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE | elf.SHF_TLS)}
		if typ == bin.SectionZeroData {
			m.Type = elf.SHT_NOBITS
		}

		var err error
		carrier, err = base.NewPatchSection(name, typ, bin.AttrLoad|bin.AttrRead|bin.AttrWrite|bin.AttrTLS, m)
		if err != nil {
			return nil, err
		}
	}

	off := align.Address(carrier.Size(), maxAlign(scn.Align(), 1))
	carrier.SetSize(off + scn.Size())

	if carrier.Align() < scn.Align() {
		carrier.SetAlign(scn.Align())
	}

	if typ != bin.SectionZeroData {
		data := carrier.Data()
		grown := make([]byte, off+scn.Size())
		copy(grown, data)
		if src := scn.Data(); src != nil {
			copy(grown[off:], src)
		}
		carrier.SetData(grown)
	}

	out.scn[scn] = carrier
	out.offset[scn] = off

	return carrier, nil
}

func maxAlign(a uint64, b uint64) uint64 {
	if a > b {
		return a
	}

	return b
}

// baseTLSSize measures the original TLS template so grafted variables
// can be placed after it.
func baseTLSSize(base *elfbin.File) uint64 {
	var size uint64

	for _, seg := range base.Bin.Segments() {
		if elf.ProgType(seg.Kind()) == elf.PT_TLS {
			if seg.MemSize() > size {
				size = seg.MemSize()
			}
		}
	}

	return size
}
