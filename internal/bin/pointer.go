package bin

// AddrMode says how a pointer's stored address is to be interpreted.
type AddrMode int

const (
	AddrNone AddrMode = iota
	AddrAbsolute
	AddrRelative
)

// TargetKind tags what a pointer or label designates.
type TargetKind int

const (
	TargetUndef TargetKind = iota
	TargetData
	TargetSection
	TargetInsn
)

// Pointer holds an address plus a tagged target. After any update pass
// the stored address equals the target's current address plus the
// offset within the target.
type Pointer struct {
	addr   uint64
	mode   AddrMode
	offset uint64

	kind    TargetKind
	dataTgt *Entry
	scnTgt  *Section
}

func NewDataPointer(target *Entry, offset uint64) *Pointer {
	p := &Pointer{mode: AddrAbsolute, offset: offset, kind: TargetData, dataTgt: target}
	p.Update()
	return p
}

func NewSectionPointer(target *Section, offset uint64) *Pointer {
	p := &Pointer{mode: AddrAbsolute, offset: offset, kind: TargetSection, scnTgt: target}
	p.Update()
	return p
}

func NewUndefPointer(addr uint64) *Pointer {
	return &Pointer{mode: AddrNone, addr: addr, kind: TargetUndef}
}

func (p *Pointer) Addr() uint64            { return p.addr }
func (p *Pointer) Mode() AddrMode          { return p.mode }
func (p *Pointer) Offset() uint64          { return p.offset }
func (p *Pointer) Target() TargetKind      { return p.kind }
func (p *Pointer) DataTarget() *Entry      { return p.dataTgt }
func (p *Pointer) SectionTarget() *Section { return p.scnTgt }

func (p *Pointer) SetAddr(addr uint64) { p.addr = addr }

// Retarget points p at a new entry and refreshes the stored address.
func (p *Pointer) Retarget(target *Entry, offset uint64) {
	p.kind = TargetData
	p.dataTgt = target
	p.scnTgt = nil
	p.offset = offset
	p.mode = AddrAbsolute
	p.Update()
}

// RetargetSection points p at a section and refreshes the stored address.
func (p *Pointer) RetargetSection(target *Section, offset uint64) {
	p.kind = TargetSection
	p.scnTgt = target
	p.dataTgt = nil
	p.offset = offset
	p.mode = AddrAbsolute
	p.Update()
}

// AddrIn resolves the pointer's address through f, so section targets
// superseded by copy-on-write clones read the clone's layout.
func (p *Pointer) AddrIn(f *File) uint64 {
	if p.kind == TargetSection && p.scnTgt != nil {
		return f.CanonicalSection(p.scnTgt).Addr() + p.offset
	}

	p.Update()

	return p.addr
}

// Update rereads the target's current address into the pointer.
func (p *Pointer) Update() {
	switch p.kind {
	case TargetData:
		if p.dataTgt != nil {
			p.addr = p.dataTgt.Addr() + p.offset
		}
	case TargetSection:
		if p.scnTgt != nil {
			p.addr = p.scnTgt.addr + p.offset
		}
	case TargetUndef, TargetInsn:
		// Nothing to reread: the stored address is authoritative
	}
}
