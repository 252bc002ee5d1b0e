// Package gasmeter implements the gas-metering bytecode injector: given a
// decoded module and a cost-rule table, it rewrites every function body so
// that a charge is taken before each maximal span of instructions that,
// barring a trap, either all execute or none do.
//
// Grounded on original_source/src/gas_metering/mod.rs's `Rules` trait,
// `InstructionCost` enum, and `ConstantCostRules`.
package gasmeter

import "github.com/tetratelabs/wazero-instrument/internal/wasm"

// CostKind distinguishes the three shapes an instruction's cost may take.
type CostKind int

const (
	// Fixed charges a constant amount regardless of operands.
	Fixed CostKind = iota
	// Linear charges Base plus PerUnit times a dynamic operand (the
	// top-of-stack value at the point the instruction executes).
	Linear
	// Forbidden instructions cause the whole injection to be refused.
	Forbidden
)

// InstructionCost is the per-instruction verdict a Rules implementation
// returns.
type InstructionCost struct {
	Kind    CostKind
	Fixed   uint64
	Base    uint64 // meaningful when Kind == Linear
	PerUnit uint64 // meaningful when Kind == Linear; must be nonzero
}

// Rules assigns a cost to every instruction the injector encounters. It is
// consulted once per instruction per function body, and once more for each
// distinct dynamic-cost instruction when its thunk is built.
type Rules interface {
	InstructionCost(instr wasm.Instruction) InstructionCost
}

// ConstantCostRules is the reference Rules implementation: every
// instruction costs a flat Cost, except memory.grow, which is charged
// Linear(Cost, MemoryGrowCost) when MemoryGrowCost is nonzero (so its
// dynamic page count drives a per-instruction thunk), or Fixed(Cost)
// otherwise. Grounded on `gas_metering::ConstantCostRules` in the source,
// including its default of `(1, 0)`.
type ConstantCostRules struct {
	Cost           uint64
	MemoryGrowCost uint64
}

// NewConstantCostRules builds a ConstantCostRules with explicit flat and
// memory.grow costs, e.g. the source's `ConstantCostRules::new(1, 10_000)`.
func NewConstantCostRules(cost, memoryGrowCost uint64) *ConstantCostRules {
	return &ConstantCostRules{Cost: cost, MemoryGrowCost: memoryGrowCost}
}

// DefaultConstantCostRules matches `ConstantCostRules::default()`: a flat
// cost of 1, and memory.grow priced the same as any other instruction
// (no dynamic thunk is synthesised for it).
func DefaultConstantCostRules() *ConstantCostRules {
	return &ConstantCostRules{Cost: 1, MemoryGrowCost: 0}
}

// InstructionCost implements Rules.
func (r *ConstantCostRules) InstructionCost(instr wasm.Instruction) InstructionCost {
	if instr.Opcode == wasm.OpcodeMemoryGrow && r.MemoryGrowCost != 0 {
		return InstructionCost{Kind: Linear, Base: r.Cost, PerUnit: r.MemoryGrowCost}
	}
	return InstructionCost{Kind: Fixed, Fixed: r.Cost}
}

// instructionSig is the shape the source calls `instruction_signature`:
// the parameter/result types a dynamic-cost thunk needs to forward, and
// which parameter carries the dynamic (length/page-count) operand that
// drives the Linear charge. Reproduced for the full bulk-memory set per
// SPEC_FULL.md even though ConstantCostRules only ever marks memory.grow
// as Linear — a caller-supplied Rules is free to mark the others Linear
// too, and the thunk synthesiser needs their shapes either way.
type instructionSig struct {
	Params       []wasm.ValueType
	DynamicIndex int // index into Params of the operand driving PerUnit
}

func signatureOf(key wasm.InstructionKey) (instructionSig, bool) {
	i32 := wasm.ValueTypeI32
	switch key.Opcode {
	case wasm.OpcodeMemoryGrow:
		return instructionSig{Params: []wasm.ValueType{i32}, DynamicIndex: 0}, true
	case wasm.OpcodeMiscPrefix:
		switch key.MiscOp {
		case wasm.MiscOpMemoryCopy, wasm.MiscOpMemoryFill, wasm.MiscOpMemoryInit,
			wasm.MiscOpTableCopy, wasm.MiscOpTableInit:
			// dst, src/val, len — the length/count is always the last
			// parameter for every bulk-memory operation in this set.
			return instructionSig{Params: []wasm.ValueType{i32, i32, i32}, DynamicIndex: 2}, true
		}
	}
	return instructionSig{}, false
}
