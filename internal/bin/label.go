package bin

// LabelType classifies a symbol-table label.
type LabelType int

const (
	LabelGeneric LabelType = iota
	LabelFunction
	LabelNoFunction
	LabelExtFunction
	LabelDummy
	LabelPatchSection
	LabelVariable
	LabelOther
)

func (t LabelType) String() string {
	switch t {
	case LabelFunction:
		return "function"
	case LabelNoFunction:
		return "no-function"
	case LabelExtFunction:
		return "external-function"
	case LabelDummy:
		return "dummy"
	case LabelPatchSection:
		return "patch-section"
	case LabelVariable:
		return "variable"
	case LabelOther:
		return "other"
	default:
		return "generic"
	}
}

// ExtLabelSuffix decorates external function labels. The disassembly
// printer and the label resolver must agree on this.
const ExtLabelSuffix = "@plt"

// Label is a first-class symbol entry living in a symbol section.
type Label struct {
	name    string
	addr    uint64
	typ     LabelType
	target  TargetKind
	section *Section

	// entry is the LBL entry holding this label in its symbol section
	entry *Entry

	// fields carried through from the underlying symbol table so the
	// writer can re-emit the symbol without loss
	size    uint64
	binding int
	weak    bool

	// common and absolute mirror the reserved section indices a symbol
	// can carry instead of a real section; ifunc marks resolver-typed
	// symbols
	common   bool
	absolute bool
	ifunc    bool
}

func NewLabel(name string, addr uint64, typ LabelType) *Label {
	return &Label{name: name, addr: addr, typ: typ, target: TargetUndef}
}

func (l *Label) Name() string       { return l.name }
func (l *Label) Addr() uint64       { return l.addr }
func (l *Label) Type() LabelType    { return l.typ }
func (l *Label) Target() TargetKind { return l.target }
func (l *Label) Section() *Section  { return l.section }
func (l *Label) Entry() *Entry      { return l.entry }
func (l *Label) Size() uint64       { return l.size }
func (l *Label) Binding() int       { return l.binding }
func (l *Label) Weak() bool         { return l.weak }

func (l *Label) SetType(t LabelType)    { l.typ = t }
func (l *Label) SetName(name string)    { l.name = name }
func (l *Label) SetAddr(addr uint64)    { l.addr = addr }
func (l *Label) SetSize(size uint64)    { l.size = size }
func (l *Label) SetBinding(b int)       { l.binding = b }
func (l *Label) SetWeak(weak bool)      { l.weak = weak }
func (l *Label) SetTarget(k TargetKind) { l.target = k }

func (l *Label) Common() bool   { return l.common }
func (l *Label) Absolute() bool { return l.absolute }
func (l *Label) Ifunc() bool    { return l.ifunc }

func (l *Label) SetCommon(v bool)   { l.common = v }
func (l *Label) SetAbsolute(v bool) { l.absolute = v }
func (l *Label) SetIfunc(v bool)    { l.ifunc = v }

// Attach links the label to the section containing its target address.
func (l *Label) Attach(scn *Section) {
	l.section = scn
}

// IsExternal reports whether the label refers to a symbol defined
// outside this file.
func (l *Label) IsExternal() bool {
	return l.typ == LabelExtFunction || (l.section == nil && l.typ != LabelDummy)
}
