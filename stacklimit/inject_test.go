package stacklimit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wazero-instrument/internal/moduleinfo"
	"github.com/tetratelabs/wazero-instrument/internal/translator"
	"github.com/tetratelabs/wazero-instrument/internal/wasm"
)

// Scenario F: `i32.add(a, b) = a + b`, exported, injected with limit 1024,
// should gain exactly one new mutable i32 global and a thunk standing in
// for the exported entry point (since the function itself has nonzero
// stack cost: 2 locals/params + its own max operand height).
func TestInject_ScenarioF_StackLimiterRoundTrip(t *testing.T) {
	i32 := wasm.ValueTypeI32
	sig := &wasm.FunctionType{Params: []wasm.ValueType{i32, i32}, Results: []wasm.ValueType{i32}}
	body := translator.Encode([]wasm.Instruction{
		{Opcode: wasm.OpcodeLocalGet, LocalIndex: 0},
		{Opcode: wasm.OpcodeLocalGet, LocalIndex: 1},
		{Opcode: wasm.OpcodeI32Add},
		{Opcode: wasm.OpcodeEnd},
	})
	m := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{sig},
		FunctionSection: []wasm.Index{0},
		CodeSection:     []*wasm.Code{{Body: body}},
		ExportSection: map[string]*wasm.Export{
			"i32.add": {Name: "i32.add", Kind: wasm.ExportKindFunc, Index: 0},
		},
	}
	raw := (&moduleinfo.ModuleInfo{Module: m}).Encode()

	out, err := Inject(raw, 1024)
	require.NoError(t, err)

	mi, err := moduleinfo.Parse(out)
	require.NoError(t, err)
	outModule := mi.Module

	require.Len(t, outModule.GlobalSection, 1)
	require.Equal(t, wasm.ValueTypeI32, outModule.GlobalSection[0].Type.ValType)
	require.True(t, outModule.GlobalSection[0].Type.Mutable)

	// The original function plus exactly one thunk.
	require.Equal(t, 2, outModule.NumFunctions())
	require.Equal(t, wasm.Index(1), outModule.ExportSection["i32.add"].Index)
}

func TestComputeStackCosts_ImportedFunctionsAreZero(t *testing.T) {
	i32 := wasm.ValueTypeI32
	importedSig := &wasm.FunctionType{Results: []wasm.ValueType{i32}}
	definedSig := &wasm.FunctionType{Params: []wasm.ValueType{i32}}
	body := translator.Encode([]wasm.Instruction{
		{Opcode: wasm.OpcodeLocalGet, LocalIndex: 0},
		{Opcode: wasm.OpcodeEnd},
	})
	m := &wasm.Module{
		TypeSection: []*wasm.FunctionType{importedSig, definedSig},
		ImportSection: []*wasm.Import{
			{Module: "env", Name: "imported", Kind: wasm.ImportKindFunc, DescFunc: 0},
		},
		FunctionSection: []wasm.Index{1},
		CodeSection:     []*wasm.Code{{Body: body}},
	}
	instrs, err := translator.Decode(body)
	require.NoError(t, err)

	costs, err := computeStackCosts(m, [][]wasm.Instruction{instrs})
	require.NoError(t, err)
	require.Equal(t, uint32(0), costs[0])  // imported
	require.Equal(t, uint32(2), costs[1])  // 1 param, max height 1
}

func TestWrapCall_EmitsPreambleAndPostamble(t *testing.T) {
	call := wasm.Instruction{Opcode: wasm.OpcodeCall, FuncIndex: 7}
	wrapped := wrapCall(call, 3, 5, 100)
	require.Equal(t, []wasm.Instruction{
		{Opcode: wasm.OpcodeGlobalGet, GlobalIndex: 5},
		{Opcode: wasm.OpcodeI32Const, I32: 3},
		{Opcode: wasm.OpcodeI32Add},
		{Opcode: wasm.OpcodeGlobalSet, GlobalIndex: 5},
		{Opcode: wasm.OpcodeGlobalGet, GlobalIndex: 5},
		{Opcode: wasm.OpcodeI32Const, I32: 100},
		{Opcode: wasm.OpcodeI32GtU},
		{Opcode: wasm.OpcodeIf, Block: wasm.BlockType{Kind: wasm.BlockKindEmpty}},
		{Opcode: wasm.OpcodeUnreachable},
		{Opcode: wasm.OpcodeEnd},
		call,
		{Opcode: wasm.OpcodeGlobalGet, GlobalIndex: 5},
		{Opcode: wasm.OpcodeI32Const, I32: 3},
		{Opcode: wasm.OpcodeI32Sub},
		{Opcode: wasm.OpcodeGlobalSet, GlobalIndex: 5},
	}, wrapped)
}
