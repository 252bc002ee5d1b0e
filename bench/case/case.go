// Package case builds small, representative *wasm.Module fixtures in code,
// standing in for the .wasm binaries tetratelabs-wazero/bench/case/case.go
// loads from disk (no wat2wasm toolchain is available to produce fixture
// binaries for this repo, so the modules are assembled directly against the
// typed module model instead).
package case_

import (
	"github.com/tetratelabs/wazero-instrument/internal/moduleinfo"
	"github.com/tetratelabs/wazero-instrument/internal/translator"
	"github.com/tetratelabs/wazero-instrument/internal/wasm"
)

// Trivial returns a module with a single exported no-op function: the
// smallest possible input for measuring injector fixed overhead.
func Trivial() *wasm.Module {
	voidType := wasm.FunctionType{}
	body := translator.Encode([]wasm.Instruction{{Opcode: wasm.OpcodeEnd}})
	return &wasm.Module{
		TypeSection:     []*wasm.FunctionType{&voidType},
		FunctionSection: []wasm.Index{0},
		CodeSection:     []*wasm.Code{{Body: body}},
		ExportSection: map[string]*wasm.Export{
			"run": {Name: "run", Kind: wasm.ExportKindFunc, Index: 0},
		},
	}
}

// RecursiveCountdown returns a module exporting "countdown", a
// self-recursive function `countdown(n) = n == 0 ? 0 : countdown(n-1)`,
// useful for exercising the stack-height limiter's call-wrapping under a
// deep, genuinely recursive call chain.
func RecursiveCountdown() *wasm.Module {
	i32 := wasm.ValueTypeI32
	sig := wasm.FunctionType{Params: []wasm.ValueType{i32}, Results: []wasm.ValueType{i32}}
	instrs := []wasm.Instruction{
		{Opcode: wasm.OpcodeLocalGet, LocalIndex: 0},
		{Opcode: wasm.OpcodeI32Eqz},
		{Opcode: wasm.OpcodeIf, Block: wasm.BlockType{Kind: wasm.BlockKindValue, ValueType: i32}},
		{Opcode: wasm.OpcodeI32Const, I32: 0},
		{Opcode: wasm.OpcodeElse},
		{Opcode: wasm.OpcodeLocalGet, LocalIndex: 0},
		{Opcode: wasm.OpcodeI32Const, I32: 1},
		{Opcode: wasm.OpcodeI32Sub},
		{Opcode: wasm.OpcodeCall, FuncIndex: 0},
		{Opcode: wasm.OpcodeEnd},
		{Opcode: wasm.OpcodeEnd},
	}
	return &wasm.Module{
		TypeSection:     []*wasm.FunctionType{&sig},
		FunctionSection: []wasm.Index{0},
		CodeSection:     []*wasm.Code{{Body: translator.Encode(instrs)}},
		ExportSection: map[string]*wasm.Export{
			"countdown": {Name: "countdown", Kind: wasm.ExportKindFunc, Index: 0},
		},
	}
}

// MemoryGrowLoop returns a module exporting "grow_n_pages", which calls
// memory.grow in a loop n times, one page each. The page count is an
// i32.const, so the gas injector folds memory.grow's cost into the static
// charge and synthesises no dynamic-cost thunk for it.
func MemoryGrowLoop() *wasm.Module {
	i32 := wasm.ValueTypeI32
	sig := wasm.FunctionType{Params: []wasm.ValueType{i32}}
	instrs := []wasm.Instruction{
		{Opcode: wasm.OpcodeLoop, Block: wasm.BlockType{Kind: wasm.BlockKindEmpty}},
		{Opcode: wasm.OpcodeLocalGet, LocalIndex: 0},
		{Opcode: wasm.OpcodeI32Eqz},
		{Opcode: wasm.OpcodeBrIf, LabelIndex: 1},
		{Opcode: wasm.OpcodeI32Const, I32: 1},
		{Opcode: wasm.OpcodeMemoryGrow},
		{Opcode: wasm.OpcodeDrop},
		{Opcode: wasm.OpcodeLocalGet, LocalIndex: 0},
		{Opcode: wasm.OpcodeI32Const, I32: 1},
		{Opcode: wasm.OpcodeI32Sub},
		{Opcode: wasm.OpcodeLocalSet, LocalIndex: 0},
		{Opcode: wasm.OpcodeBr, LabelIndex: 0},
		{Opcode: wasm.OpcodeEnd},
		{Opcode: wasm.OpcodeEnd},
	}
	return &wasm.Module{
		TypeSection:     []*wasm.FunctionType{&sig},
		FunctionSection: []wasm.Index{0},
		MemorySection:   []*wasm.MemoryType{{Min: 1}},
		CodeSection:     []*wasm.Code{{Body: translator.Encode(instrs)}},
		ExportSection: map[string]*wasm.Export{
			"grow_n_pages": {Name: "grow_n_pages", Kind: wasm.ExportKindFunc, Index: 0},
			"memory":       {Name: "memory", Kind: wasm.ExportKindMemory, Index: 0},
		},
	}
}

// Encode is a convenience wrapper around moduleinfo for callers that only
// have a *wasm.Module and want raw bytes.
func Encode(m *wasm.Module) []byte {
	return (&moduleinfo.ModuleInfo{Module: m}).Encode()
}
