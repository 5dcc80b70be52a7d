package bin

// Reloc is one relocation entry: where to write, which symbol resolves
// it, with what addend and type. For RELA-flavoured relocations the
// back-pointer to the target is kept so the writer can re-derive
// r_offset after sections move.
type Reloc struct {
	// where the relocated bytes live
	ptr *Pointer

	// symbol the relocation was resolved against
	label *Label

	// addend; zero for REL-flavour entries
	addend int64

	// architecture-specific relocation type code
	typ uint32

	// back-pointer to the relocated target (RELA only)
	target *Pointer
}

func NewReloc(ptr *Pointer, label *Label, addend int64, typ uint32) *Reloc {
	return &Reloc{ptr: ptr, label: label, addend: addend, typ: typ}
}

func (r *Reloc) Ptr() *Pointer    { return r.ptr }
func (r *Reloc) Label() *Label    { return r.label }
func (r *Reloc) Addend() int64    { return r.addend }
func (r *Reloc) Type() uint32     { return r.typ }
func (r *Reloc) Target() *Pointer { return r.target }

func (r *Reloc) SetTarget(p *Pointer) { r.target = p }
func (r *Reloc) SetLabel(l *Label)    { r.label = l }
