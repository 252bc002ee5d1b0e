// Package wasm holds a decoded view of a WebAssembly binary module.
//
// This mirrors the shape tetratelabs/wazero's internal/wasm package exposes:
// each section decodes into a typed slice or map rather than staying an
// opaque byte blob, so callers can rewrite a section in place and re-encode
// only what changed.
package wasm

// Index is a position in one of the module's index spaces (function,
// global, table, memory, type, local, label).
type Index = uint32

// ValueType is the binary encoding of a Wasm value type.
type ValueType byte

const (
	ValueTypeI32 ValueType = 0x7f
	ValueTypeI64 ValueType = 0x7e
	ValueTypeF32 ValueType = 0x7d
	ValueTypeF64 ValueType = 0x7c
)

func (v ValueType) String() string {
	switch v {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	default:
		return "unknown"
	}
}

// FunctionType is an entry in the type section: a function signature.
type FunctionType struct {
	Params  []ValueType
	Results []ValueType
}

// ImportKind distinguishes the four kinds of importable entities.
type ImportKind byte

const (
	ImportKindFunc   ImportKind = 0x00
	ImportKindTable  ImportKind = 0x01
	ImportKindMemory ImportKind = 0x02
	ImportKindGlobal ImportKind = 0x03
)

// Import is an entry in the import section.
type Import struct {
	Module, Name string
	Kind         ImportKind

	// Exactly one of the following is populated, selected by Kind.
	DescFunc   Index // index into TypeSection
	DescTable  *TableType
	DescMemory *MemoryType
	DescGlobal *GlobalType
}

// TableType describes a table's element type and size limits. Only funcref
// tables are supported (the only kind MVP/bulk-memory Wasm defines).
type TableType struct {
	Min uint32
	Max *uint32
}

// MemoryType describes a linear memory's size limits, in 64KiB pages.
type MemoryType struct {
	Min uint32
	Max *uint32
}

// GlobalType describes a global variable's value type and mutability.
type GlobalType struct {
	ValType ValueType
	Mutable bool
}

// Global is an entry in the global section: a type plus a constant
// initializer expression.
type Global struct {
	Type *GlobalType
	Init ConstantExpression
}

// ConstantExpression is a single constant instruction followed by `end`,
// the only form the binary format allows for global initializers and
// element/data segment offsets.
type ConstantExpression struct {
	Opcode Opcode
	Data   []byte // the encoded immediate, not including the trailing End
}

// ExportKind distinguishes the four kinds of exportable entities.
type ExportKind byte

const (
	ExportKindFunc   ExportKind = 0x00
	ExportKindTable  ExportKind = 0x01
	ExportKindMemory ExportKind = 0x02
	ExportKindGlobal ExportKind = 0x03
)

// Export is an entry in the export section.
type Export struct {
	Name  string
	Kind  ExportKind
	Index Index
}

// ElementMode distinguishes the three kinds of element segments.
type ElementMode byte

const (
	ElementModeActive ElementMode = iota
	ElementModePassive
	ElementModeDeclarative
)

// ElementSegment is an entry in the element section.
type ElementSegment struct {
	Mode       ElementMode
	TableIndex Index // only meaningful when Mode == ElementModeActive
	Offset     *ConstantExpression
	Init       []Index // function indices
}

// DataSegment is an entry in the data section.
type DataSegment struct {
	Passive bool
	Offset  *ConstantExpression // nil when Passive
	Init    []byte
}

// Code is a function body: the declared locals (beyond parameters) plus the
// raw encoded instruction stream, terminated by an End opcode.
type Code struct {
	LocalTypes []ValueType
	Body       []byte
}

// NameSection is round-tripped opaquely: this repository neither reads nor
// rewrites debug names, it only needs to not corrupt them.
type NameSection struct {
	ModuleName string
	Raw        []byte // full custom-section payload, re-emitted unchanged
}

// Module is the editable, fully-decoded view of one Wasm binary.
type Module struct {
	TypeSection     []*FunctionType
	ImportSection   []*Import
	FunctionSection []Index // type index per module-defined function
	TableSection    []*TableType
	MemorySection   []*MemoryType
	GlobalSection   []*Global
	ExportSection   map[string]*Export
	StartSection    *Index
	ElementSection  []*ElementSegment
	CodeSection     []*Code
	DataSection     []*DataSegment
	NameSection     *NameSection
}

// NumImportedFunctions returns the count of ImportKindFunc entries.
func (m *Module) NumImportedFunctions() int {
	n := 0
	for _, i := range m.ImportSection {
		if i.Kind == ImportKindFunc {
			n++
		}
	}
	return n
}

// NumImportedGlobals returns the count of ImportKindGlobal entries.
func (m *Module) NumImportedGlobals() int {
	n := 0
	for _, i := range m.ImportSection {
		if i.Kind == ImportKindGlobal {
			n++
		}
	}
	return n
}

// NumFunctions returns the size of the function index space: imported
// functions followed by module-defined functions.
func (m *Module) NumFunctions() int {
	return m.NumImportedFunctions() + len(m.FunctionSection)
}

// NumGlobals returns the size of the global index space.
func (m *Module) NumGlobals() int {
	return m.NumImportedGlobals() + len(m.GlobalSection)
}

// TypeOfFunction resolves a function index (imported or defined) to its
// signature.
func (m *Module) TypeOfFunction(funcIdx Index) (*FunctionType, bool) {
	importedFuncs := 0
	for _, imp := range m.ImportSection {
		if imp.Kind != ImportKindFunc {
			continue
		}
		if Index(importedFuncs) == funcIdx {
			if int(imp.DescFunc) >= len(m.TypeSection) {
				return nil, false
			}
			return m.TypeSection[imp.DescFunc], true
		}
		importedFuncs++
	}
	definedIdx := int(funcIdx) - importedFuncs
	if definedIdx < 0 || definedIdx >= len(m.FunctionSection) {
		return nil, false
	}
	typeIdx := m.FunctionSection[definedIdx]
	if int(typeIdx) >= len(m.TypeSection) {
		return nil, false
	}
	return m.TypeSection[typeIdx], true
}
