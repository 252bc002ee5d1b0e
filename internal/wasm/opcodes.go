package wasm

// Opcode is a single Wasm instruction opcode byte. The bulk-memory
// instructions (memory.copy/fill/init, table.copy/init) live behind the
// 0xfc prefix byte; OpcodeMiscPrefix plus the decoded sub-opcode identifies
// them (see Instruction.MiscOp).
type Opcode byte

const (
	OpcodeUnreachable  Opcode = 0x00
	OpcodeNop          Opcode = 0x01
	OpcodeBlock        Opcode = 0x02
	OpcodeLoop         Opcode = 0x03
	OpcodeIf           Opcode = 0x04
	OpcodeElse         Opcode = 0x05
	OpcodeEnd          Opcode = 0x0b
	OpcodeBr           Opcode = 0x0c
	OpcodeBrIf         Opcode = 0x0d
	OpcodeBrTable      Opcode = 0x0e
	OpcodeReturn       Opcode = 0x0f
	OpcodeCall         Opcode = 0x10
	OpcodeCallIndirect Opcode = 0x11

	OpcodeDrop   Opcode = 0x1a
	OpcodeSelect Opcode = 0x1b

	OpcodeLocalGet  Opcode = 0x20
	OpcodeLocalSet  Opcode = 0x21
	OpcodeLocalTee  Opcode = 0x22
	OpcodeGlobalGet Opcode = 0x23
	OpcodeGlobalSet Opcode = 0x24

	OpcodeI32Load    Opcode = 0x28
	OpcodeI64Load    Opcode = 0x29
	OpcodeF32Load    Opcode = 0x2a
	OpcodeF64Load    Opcode = 0x2b
	OpcodeI32Load8S  Opcode = 0x2c
	OpcodeI32Load8U  Opcode = 0x2d
	OpcodeI32Load16S Opcode = 0x2e
	OpcodeI32Load16U Opcode = 0x2f
	OpcodeI64Load8S  Opcode = 0x30
	OpcodeI64Load8U  Opcode = 0x31
	OpcodeI64Load16S Opcode = 0x32
	OpcodeI64Load16U Opcode = 0x33
	OpcodeI64Load32S Opcode = 0x34
	OpcodeI64Load32U Opcode = 0x35
	OpcodeI32Store   Opcode = 0x36
	OpcodeI64Store   Opcode = 0x37
	OpcodeF32Store   Opcode = 0x38
	OpcodeF64Store   Opcode = 0x39
	OpcodeI32Store8  Opcode = 0x3a
	OpcodeI32Store16 Opcode = 0x3b
	OpcodeI64Store8  Opcode = 0x3c
	OpcodeI64Store16 Opcode = 0x3d
	OpcodeI64Store32 Opcode = 0x3e

	OpcodeMemorySize Opcode = 0x3f
	OpcodeMemoryGrow Opcode = 0x40

	OpcodeI32Const Opcode = 0x41
	OpcodeI64Const Opcode = 0x42
	OpcodeF32Const Opcode = 0x43
	OpcodeF64Const Opcode = 0x44

	// 0x45-0xc4: numeric comparison/arithmetic/conversion instructions. None
	// of these carry immediates; the translator decodes the whole range
	// generically (see translator.isPlain). A handful the rewriters
	// synthesize directly are named here; the rest are reached only via
	// that generic path.
	OpcodeI32Eqz            Opcode = 0x45
	OpcodeI32GtU            Opcode = 0x4b
	OpcodeI64LtS            Opcode = 0x53
	OpcodeI32Add            Opcode = 0x6a
	OpcodeI32Sub            Opcode = 0x6b
	OpcodeI64Sub            Opcode = 0x7d
	OpcodeI64Mul            Opcode = 0x7e
	OpcodeI64ExtendI32U     Opcode = 0xad
	OpcodeF64ReinterpretI64 Opcode = 0xbf

	OpcodeMiscPrefix Opcode = 0xfc
)

// MiscOp identifies a sub-opcode behind the 0xfc prefix byte.
type MiscOp uint32

const (
	MiscOpMemoryInit MiscOp = 8
	MiscOpDataDrop   MiscOp = 9
	MiscOpMemoryCopy MiscOp = 10
	MiscOpMemoryFill MiscOp = 11
	MiscOpTableInit  MiscOp = 12
	MiscOpElemDrop   MiscOp = 13
	MiscOpTableCopy  MiscOp = 14
)

// BlockKind distinguishes how a block's type was encoded.
type BlockKind byte

const (
	// BlockKindEmpty means the block has no parameters and no results.
	BlockKindEmpty BlockKind = iota
	// BlockKindValue means the block has no parameters and exactly one
	// result, of the given ValueType.
	BlockKindValue
	// BlockKindFuncType means the block's signature is TypeSection[TypeIndex].
	// Supported only when that signature has zero parameters, to keep the
	// abstract interpreter's label-arity bookkeeping within the MVP's
	// single-result model (see SPEC_FULL.md's supported-instruction-surface
	// note).
	BlockKindFuncType
)

// BlockType is the decoded (params, results) signature attached to
// block/loop/if.
type BlockType struct {
	Kind      BlockKind
	ValueType ValueType // meaningful when Kind == BlockKindValue
	TypeIndex Index     // meaningful when Kind == BlockKindFuncType
}

// ResultArity returns the number of values the block leaves on the stack
// when reached via `end`, resolving a BlockKindFuncType against the
// module's type section.
func (b BlockType) ResultArity(m *Module) int {
	switch b.Kind {
	case BlockKindEmpty:
		return 0
	case BlockKindValue:
		return 1
	case BlockKindFuncType:
		if int(b.TypeIndex) < len(m.TypeSection) {
			return len(m.TypeSection[b.TypeIndex].Results)
		}
		return 0
	}
	return 0
}

// ParamArity returns the number of values a loop's label expects when
// branched to (i.e. its parameter count); used only for loop branch targets.
func (b BlockType) ParamArity(m *Module) int {
	if b.Kind == BlockKindFuncType && int(b.TypeIndex) < len(m.TypeSection) {
		return len(m.TypeSection[b.TypeIndex].Params)
	}
	return 0
}

// BrTable is the decoded immediate of a br_table instruction.
type BrTable struct {
	Targets []uint32
	Default uint32
}

// MemArg is the decoded (align, offset) immediate of a load/store
// instruction.
type MemArg struct {
	Align  uint32
	Offset uint32
}

// Instruction is one decoded operator from a function body, in a form the
// gas injector and stack limiter can inspect and the translator can
// re-encode. Which immediate fields are meaningful (none, one, or two, as
// for call_indirect and memory.init) is selected by Opcode (and by MiscOp
// when Opcode == OpcodeMiscPrefix).
type Instruction struct {
	Opcode Opcode
	MiscOp MiscOp // only when Opcode == OpcodeMiscPrefix

	Block      BlockType // block/loop/if
	LabelIndex uint32    // br/br_if
	BrTable    BrTable
	FuncIndex  Index // call
	TypeIndex  Index // call_indirect
	TableIndex Index // call_indirect, table.copy/init
	LocalIndex Index
	GlobalIndex Index
	I32        int32
	I64        int64
	F32Bits    uint32
	F64Bits    uint64
	Mem        MemArg
	MemIndex0  uint32 // memory.grow/size/copy/fill/init trailing reserved byte(s)
	SegIndex   Index  // memory.init/table.init segment index
}

// IsDynamicCostCandidate reports whether this instruction is one of the
// instructions spec.md §4.3 names as eligible for a Linear cost rule.
func (i Instruction) IsDynamicCostCandidate() bool {
	if i.Opcode == OpcodeMemoryGrow {
		return true
	}
	if i.Opcode == OpcodeMiscPrefix {
		switch i.MiscOp {
		case MiscOpMemoryCopy, MiscOpMemoryFill, MiscOpMemoryInit, MiscOpTableCopy, MiscOpTableInit:
			return true
		}
	}
	return false
}

// Key returns a value usable as a map key to deduplicate dynamic-cost
// instructions by (opcode, immediate), per spec §4.4's "Dynamic-cost
// thunks" and design note on deduplication.
func (i Instruction) Key() InstructionKey {
	return InstructionKey{Opcode: i.Opcode, MiscOp: i.MiscOp, SegIndex: i.SegIndex, TableIndex: i.TableIndex}
}

// InstructionKey is the comparable projection of an Instruction used to
// deduplicate dynamic-cost thunks.
type InstructionKey struct {
	Opcode     Opcode
	MiscOp     MiscOp
	SegIndex   Index
	TableIndex Index
}
