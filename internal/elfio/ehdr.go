package elfio

// File header accessors. Offsets follow the standard Ehdr shapes; the
// class decides which shape is in play.

func (l Layout) EhdrType(b []byte) uint16    { return l.half(b, 16) }
func (l Layout) EhdrMachine(b []byte) uint16 { return l.half(b, 18) }
func (l Layout) EhdrVersion(b []byte) uint32 { return l.lword(b, 20) }

func (l Layout) EhdrEntry(b []byte) uint64 { return l.word(b, 24, 24) }
func (l Layout) EhdrPhoff(b []byte) uint64 { return l.word(b, 32, 28) }
func (l Layout) EhdrShoff(b []byte) uint64 { return l.word(b, 40, 32) }

func (l Layout) EhdrFlags(b []byte) uint32 {
	if l.Is64() {
		return l.lword(b, 48)
	}

	return l.lword(b, 36)
}

func (l Layout) EhdrEhsize(b []byte) uint16    { return l.ehdrHalf(b, 0) }
func (l Layout) EhdrPhentsize(b []byte) uint16 { return l.ehdrHalf(b, 1) }
func (l Layout) EhdrPhnum(b []byte) uint16     { return l.ehdrHalf(b, 2) }
func (l Layout) EhdrShentsize(b []byte) uint16 { return l.ehdrHalf(b, 3) }
func (l Layout) EhdrShnum(b []byte) uint16     { return l.ehdrHalf(b, 4) }
func (l Layout) EhdrShstrndx(b []byte) uint16  { return l.ehdrHalf(b, 5) }

func (l Layout) SetEhdrType(b []byte, v uint16)    { l.putHalf(b, 16, v) }
func (l Layout) SetEhdrMachine(b []byte, v uint16) { l.putHalf(b, 18, v) }
func (l Layout) SetEhdrVersion(b []byte, v uint32) { l.putLword(b, 20, v) }

func (l Layout) SetEhdrEntry(b []byte, v uint64) { l.putWord(b, 24, 24, v) }
func (l Layout) SetEhdrPhoff(b []byte, v uint64) { l.putWord(b, 32, 28, v) }
func (l Layout) SetEhdrShoff(b []byte, v uint64) { l.putWord(b, 40, 32, v) }

func (l Layout) SetEhdrFlags(b []byte, v uint32) {
	if l.Is64() {
		l.putLword(b, 48, v)
		return
	}

	l.putLword(b, 36, v)
}

func (l Layout) SetEhdrEhsize(b []byte, v uint16)    { l.setEhdrHalf(b, 0, v) }
func (l Layout) SetEhdrPhentsize(b []byte, v uint16) { l.setEhdrHalf(b, 1, v) }
func (l Layout) SetEhdrPhnum(b []byte, v uint16)     { l.setEhdrHalf(b, 2, v) }
func (l Layout) SetEhdrShentsize(b []byte, v uint16) { l.setEhdrHalf(b, 3, v) }
func (l Layout) SetEhdrShnum(b []byte, v uint16)     { l.setEhdrHalf(b, 4, v) }
func (l Layout) SetEhdrShstrndx(b []byte, v uint16)  { l.setEhdrHalf(b, 5, v) }

// ehdrHalf addresses the run of six half-words that closes the header;
// it starts at 52 in the 64-bit shape and 40 in the 32-bit one.
func (l Layout) ehdrHalf(b []byte, i int) uint16 {
	base := 40
	if l.Is64() {
		base = 52
	}

	return l.half(b, base+2*i)
}

func (l Layout) setEhdrHalf(b []byte, i int, v uint16) {
	base := 40
	if l.Is64() {
		base = 52
	}

	l.putHalf(b, base+2*i, v)
}
