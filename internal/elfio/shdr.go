package elfio

// Section header accessors.

func (l Layout) ShdrName(b []byte) uint32 { return l.lword(b, 0) }
func (l Layout) ShdrType(b []byte) uint32 { return l.lword(b, 4) }

func (l Layout) ShdrFlags(b []byte) uint64     { return l.word(b, 8, 8) }
func (l Layout) ShdrAddr(b []byte) uint64      { return l.word(b, 16, 12) }
func (l Layout) ShdrOffset(b []byte) uint64    { return l.word(b, 24, 16) }
func (l Layout) ShdrSizeField(b []byte) uint64 { return l.word(b, 32, 20) }

func (l Layout) ShdrLink(b []byte) uint32 {
	if l.Is64() {
		return l.lword(b, 40)
	}

	return l.lword(b, 24)
}

func (l Layout) ShdrInfo(b []byte) uint32 {
	if l.Is64() {
		return l.lword(b, 44)
	}

	return l.lword(b, 28)
}

func (l Layout) ShdrAddralign(b []byte) uint64 { return l.word(b, 48, 32) }
func (l Layout) ShdrEntsize(b []byte) uint64   { return l.word(b, 56, 36) }

func (l Layout) SetShdrName(b []byte, v uint32) { l.putLword(b, 0, v) }
func (l Layout) SetShdrType(b []byte, v uint32) { l.putLword(b, 4, v) }

func (l Layout) SetShdrFlags(b []byte, v uint64)     { l.putWord(b, 8, 8, v) }
func (l Layout) SetShdrAddr(b []byte, v uint64)      { l.putWord(b, 16, 12, v) }
func (l Layout) SetShdrOffset(b []byte, v uint64)    { l.putWord(b, 24, 16, v) }
func (l Layout) SetShdrSizeField(b []byte, v uint64) { l.putWord(b, 32, 20, v) }

func (l Layout) SetShdrLink(b []byte, v uint32) {
	if l.Is64() {
		l.putLword(b, 40, v)
		return
	}

	l.putLword(b, 24, v)
}

func (l Layout) SetShdrInfo(b []byte, v uint32) {
	if l.Is64() {
		l.putLword(b, 44, v)
		return
	}

	l.putLword(b, 28, v)
}

func (l Layout) SetShdrAddralign(b []byte, v uint64) { l.putWord(b, 48, 32, v) }
func (l Layout) SetShdrEntsize(b []byte, v uint64)   { l.putWord(b, 56, 36, v) }
