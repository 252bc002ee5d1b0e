package translator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wazero-instrument/internal/wasm"
)

func TestDecodeEncode_RoundTrip(t *testing.T) {
	// local.get 0 ; i32.const 1 ; i32.add ; end
	body := []byte{
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeI32Const), 0x01,
		byte(wasm.OpcodeI32Add),
		byte(wasm.OpcodeEnd),
	}
	instrs, err := Decode(body)
	require.NoError(t, err)
	require.Len(t, instrs, 4)
	require.Equal(t, wasm.OpcodeLocalGet, instrs[0].Opcode)
	require.Equal(t, wasm.Index(0), instrs[0].LocalIndex)
	require.Equal(t, wasm.OpcodeI32Const, instrs[1].Opcode)
	require.Equal(t, int32(1), instrs[1].I32)
	require.Equal(t, wasm.OpcodeI32Add, instrs[2].Opcode)
	require.Equal(t, wasm.OpcodeEnd, instrs[3].Opcode)

	require.Equal(t, body, Encode(instrs))
}

func TestDecode_NestedBlocksTrackDepth(t *testing.T) {
	// block -> loop -> end (closes loop) -> end (closes block) -> end
	// (closes the function itself). The function's own closing end is
	// distinct from the two nested constructs' ends: depth starts at 1 for
	// the function's implicit outer block, so it takes all three ends to
	// bring it back to 0.
	body := []byte{
		byte(wasm.OpcodeBlock), 0x40, // empty blocktype
		byte(wasm.OpcodeLoop), 0x40,
		byte(wasm.OpcodeEnd), // closes loop
		byte(wasm.OpcodeEnd), // closes block
		byte(wasm.OpcodeEnd), // closes function
	}
	instrs, err := Decode(body)
	require.NoError(t, err)
	require.Len(t, instrs, 5)
	require.Equal(t, wasm.BlockKindEmpty, instrs[0].Block.Kind)
	require.Equal(t, wasm.BlockKindEmpty, instrs[1].Block.Kind)
	require.Equal(t, wasm.OpcodeEnd, instrs[4].Opcode)
	require.Equal(t, body, Encode(instrs))
}

func TestDecode_BlockTypeValueAndFuncType(t *testing.T) {
	tests := []struct {
		name string
		enc  byte
		want wasm.BlockType
	}{
		{"i32", 0x7f, wasm.BlockType{Kind: wasm.BlockKindValue, ValueType: wasm.ValueTypeI32}},
		{"i64", 0x7e, wasm.BlockType{Kind: wasm.BlockKindValue, ValueType: wasm.ValueTypeI64}},
		{"f32", 0x7d, wasm.BlockType{Kind: wasm.BlockKindValue, ValueType: wasm.ValueTypeF32}},
		{"f64", 0x7c, wasm.BlockType{Kind: wasm.BlockKindValue, ValueType: wasm.ValueTypeF64}},
		{"functype", 0x00, wasm.BlockType{Kind: wasm.BlockKindFuncType, TypeIndex: 0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			body := []byte{byte(wasm.OpcodeBlock), tc.enc, byte(wasm.OpcodeEnd), byte(wasm.OpcodeEnd)}
			instrs, err := Decode(body)
			require.NoError(t, err)
			require.Equal(t, tc.want, instrs[0].Block)
		})
	}
}

func TestDecode_BrTable(t *testing.T) {
	body := []byte{
		byte(wasm.OpcodeBrTable),
		0x02, 0x00, 0x01, // two targets: 0, 1
		0x02, // default: 2
		byte(wasm.OpcodeEnd),
	}
	instrs, err := Decode(body)
	require.NoError(t, err)
	require.Equal(t, []uint32{0, 1}, instrs[0].BrTable.Targets)
	require.Equal(t, uint32(2), instrs[0].BrTable.Default)
	require.Equal(t, body, Encode(instrs))
}

func TestDecode_MemoryCopyImmediateOrder(t *testing.T) {
	body := []byte{
		byte(wasm.OpcodeMiscPrefix), byte(wasm.MiscOpMemoryCopy),
		0x00, 0x00, // dst memidx, src memidx (always 0 in the MVP)
		byte(wasm.OpcodeEnd),
	}
	instrs, err := Decode(body)
	require.NoError(t, err)
	require.Equal(t, wasm.MiscOpMemoryCopy, instrs[0].MiscOp)
	require.Equal(t, body, Encode(instrs))
}

func TestDecode_UnsupportedOpcode(t *testing.T) {
	_, err := Decode([]byte{0xff, byte(wasm.OpcodeEnd)})
	require.Error(t, err)
}

func TestTranslator_ShiftsGlobalIndex(t *testing.T) {
	tr := Translator{
		ShiftGlobalIndex: func(i wasm.Index) wasm.Index { return i + 1 },
	}

	get := tr.Translate(wasm.Instruction{Opcode: wasm.OpcodeGlobalGet, GlobalIndex: 0})
	require.Equal(t, wasm.Index(1), get.GlobalIndex)

	// Call's FuncIndex is never shifted: new functions are only ever
	// appended, so an existing call site's index always stays valid.
	call := tr.Translate(wasm.Instruction{Opcode: wasm.OpcodeCall, FuncIndex: 2})
	require.Equal(t, wasm.Index(2), call.FuncIndex)

	// Unrelated instructions pass through untouched.
	konst := tr.Translate(wasm.Instruction{Opcode: wasm.OpcodeI32Const, I32: 42})
	require.Equal(t, int32(42), konst.I32)
}

func TestTranslator_NilShiftsAreNoOps(t *testing.T) {
	var tr Translator
	get := tr.Translate(wasm.Instruction{Opcode: wasm.OpcodeGlobalGet, GlobalIndex: 3})
	require.Equal(t, wasm.Index(3), get.GlobalIndex)
}
