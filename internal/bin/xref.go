package bin

// Updater names the mutation applied to an entity when its target
// section moves. Dispatch lives in one place (TargetTable.UpdateAll)
// instead of per-entity closures.
type Updater int

const (
	UpdateSym Updater = iota
	UpdateRel
	UpdateRela
	UpdateDyn
	UpdateAddr
)

// XrefKey identifies a cross-referencing entity by its position in the
// model rather than by pointer identity.
type XrefKey struct {
	Section int
	Entry   int
}

type xrefTarget struct {
	section *Section
	offset  uint64
	updater Updater
	entity  *Entry
}

// TargetTable is the cross-reference table: every entity that holds an
// address is registered with its target section, the offset of the
// addressed byte inside that section, and the updater to run when the
// target moves. Relocating a section rewrites every dependent address
// in one pass.
type TargetTable struct {
	targets map[XrefKey]xrefTarget
}

func NewTargetTable() *TargetTable {
	return &TargetTable{targets: make(map[XrefKey]xrefTarget)}
}

// Register records that the entity at key references offset bytes into
// target. Exactly one registration per entity: re-registering replaces
// the previous target.
func (t *TargetTable) Register(key XrefKey, entity *Entry, target *Section, offset uint64, updater Updater) {
	t.targets[key] = xrefTarget{section: target, offset: offset, updater: updater, entity: entity}
}

func (t *TargetTable) Lookup(key XrefKey) (*Section, uint64, bool) {
	tgt, ok := t.targets[key]
	if !ok {
		return nil, 0, false
	}

	return tgt.section, tgt.offset, true
}

func (t *TargetTable) Len() int { return len(t.targets) }

// Retarget moves an entity's reference to a new section/offset.
func (t *TargetTable) Retarget(key XrefKey, target *Section, offset uint64) bool {
	tgt, ok := t.targets[key]
	if !ok {
		return false
	}

	tgt.section = target
	tgt.offset = offset
	t.targets[key] = tgt

	return true
}

// UpdateSection reruns the updater of every entity whose target lives
// in scn, so their stored addresses match the section's new address.
// Targets are resolved through f so copy-on-write clones win.
func (t *TargetTable) UpdateSection(f *File, scn *Section) {
	canon := f.CanonicalSection(scn)

	for _, tgt := range t.targets {
		if f.CanonicalSection(tgt.section) != canon {
			continue
		}

		t.apply(f, tgt)
	}
}

// UpdateAll reruns every updater.
func (t *TargetTable) UpdateAll(f *File) {
	for _, tgt := range t.targets {
		t.apply(f, tgt)
	}
}

func (t *TargetTable) apply(f *File, tgt xrefTarget) {
	target := f.CanonicalSection(tgt.section)
	addr := target.Addr() + tgt.offset

	e := tgt.entity
	if e == nil {
		return
	}

	switch tgt.updater {
	case UpdateSym:
		if e.lbl != nil {
			e.lbl.addr = addr
			e.lbl.section = target
		}
	case UpdateRel, UpdateRela:
		if e.rel != nil && e.rel.ptr != nil {
			e.rel.ptr.SetAddr(addr)
		}
	case UpdateDyn, UpdateAddr:
		if e.ptr != nil {
			e.ptr.SetAddr(addr)
		} else {
			e.val = addr
		}
	}
}
