package elfio

// Program header accessors. The 32- and 64-bit shapes disagree on the
// position of p_flags, which sits after p_type in the 64-bit shape and
// after p_memsz in the 32-bit one.

func (l Layout) PhdrType(b []byte) uint32 { return l.lword(b, 0) }

func (l Layout) PhdrFlags(b []byte) uint32 {
	if l.Is64() {
		return l.lword(b, 4)
	}

	return l.lword(b, 24)
}

func (l Layout) PhdrOffset(b []byte) uint64 { return l.word(b, 8, 4) }
func (l Layout) PhdrVaddr(b []byte) uint64  { return l.word(b, 16, 8) }
func (l Layout) PhdrPaddr(b []byte) uint64  { return l.word(b, 24, 12) }
func (l Layout) PhdrFilesz(b []byte) uint64 { return l.word(b, 32, 16) }
func (l Layout) PhdrMemsz(b []byte) uint64  { return l.word(b, 40, 20) }
func (l Layout) PhdrAlign(b []byte) uint64  { return l.word(b, 48, 28) }

func (l Layout) SetPhdrType(b []byte, v uint32) { l.putLword(b, 0, v) }

func (l Layout) SetPhdrFlags(b []byte, v uint32) {
	if l.Is64() {
		l.putLword(b, 4, v)
		return
	}

	l.putLword(b, 24, v)
}

func (l Layout) SetPhdrOffset(b []byte, v uint64) { l.putWord(b, 8, 4, v) }
func (l Layout) SetPhdrVaddr(b []byte, v uint64)  { l.putWord(b, 16, 8, v) }
func (l Layout) SetPhdrPaddr(b []byte, v uint64)  { l.putWord(b, 24, 12, v) }
func (l Layout) SetPhdrFilesz(b []byte, v uint64) { l.putWord(b, 32, 16, v) }
func (l Layout) SetPhdrMemsz(b []byte, v uint64)  { l.putWord(b, 40, 20, v) }
func (l Layout) SetPhdrAlign(b []byte, v uint64)  { l.putWord(b, 48, 28, v) }
