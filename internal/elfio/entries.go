package elfio

// Symbol, relocation and dynamic table entry accessors. The 32- and
// 64-bit Sym shapes interleave their fields differently, so each field
// accessor branches rather than sharing offsets.

// Sym is the width-neutral view of one symbol table entry.
type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

func (l Layout) ReadSym(b []byte) Sym {
	if l.Is64() {
		return Sym{
			Name:  l.lword(b, 0),
			Info:  b[4],
			Other: b[5],
			Shndx: l.half(b, 6),
			Value: l.Order.Uint64(b[8:]),
			Size:  l.Order.Uint64(b[16:]),
		}
	}

	return Sym{
		Name:  l.lword(b, 0),
		Value: uint64(l.lword(b, 4)),
		Size:  uint64(l.lword(b, 8)),
		Info:  b[12],
		Other: b[13],
		Shndx: l.half(b, 14),
	}
}

func (l Layout) WriteSym(b []byte, s Sym) {
	if l.Is64() {
		l.putLword(b, 0, s.Name)
		b[4] = s.Info
		b[5] = s.Other
		l.putHalf(b, 6, s.Shndx)
		l.Order.PutUint64(b[8:], s.Value)
		l.Order.PutUint64(b[16:], s.Size)
		return
	}

	l.putLword(b, 0, s.Name)
	l.putLword(b, 4, uint32(s.Value))
	l.putLword(b, 8, uint32(s.Size))
	b[12] = s.Info
	b[13] = s.Other
	l.putHalf(b, 14, s.Shndx)
}

// Rela is the width-neutral view of one REL or RELA entry; Addend is
// ignored for REL.
type Rela struct {
	Off    uint64
	Sym    uint32
	Type   uint32
	Addend int64
}

func (l Layout) ReadRel(b []byte, hasAddend bool) Rela {
	var r Rela

	if l.Is64() {
		r.Off = l.Order.Uint64(b[0:])
		info := l.Order.Uint64(b[8:])
		r.Sym = uint32(info >> 32)
		r.Type = uint32(info & 0xffffffff)
		if hasAddend {
			r.Addend = int64(l.Order.Uint64(b[16:]))
		}

		return r
	}

	r.Off = uint64(l.lword(b, 0))
	info := l.lword(b, 4)
	r.Sym = info >> 8
	r.Type = info & 0xff
	if hasAddend {
		r.Addend = int64(int32(l.lword(b, 8)))
	}

	return r
}

func (l Layout) WriteRel(b []byte, r Rela, hasAddend bool) {
	if l.Is64() {
		l.Order.PutUint64(b[0:], r.Off)
		l.Order.PutUint64(b[8:], uint64(r.Sym)<<32|uint64(r.Type))
		if hasAddend {
			l.Order.PutUint64(b[16:], uint64(r.Addend))
		}

		return
	}

	l.putLword(b, 0, uint32(r.Off))
	l.putLword(b, 4, r.Sym<<8|r.Type&0xff)
	if hasAddend {
		l.putLword(b, 8, uint32(int32(r.Addend)))
	}
}

// Dyn is the width-neutral view of one dynamic table entry.
type Dyn struct {
	Tag int64
	Val uint64
}

func (l Layout) ReadDyn(b []byte) Dyn {
	if l.Is64() {
		return Dyn{
			Tag: int64(l.Order.Uint64(b[0:])),
			Val: l.Order.Uint64(b[8:]),
		}
	}

	return Dyn{
		Tag: int64(int32(l.lword(b, 0))),
		Val: uint64(l.lword(b, 4)),
	}
}

func (l Layout) WriteDyn(b []byte, d Dyn) {
	if l.Is64() {
		l.Order.PutUint64(b[0:], uint64(d.Tag))
		l.Order.PutUint64(b[8:], d.Val)
		return
	}

	l.putLword(b, 0, uint32(int32(d.Tag)))
	l.putLword(b, 4, uint32(d.Val))
}
