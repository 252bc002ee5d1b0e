// Package translator implements spec.md §4.2's Instruction Translator: a
// stateless mapping between a function body's raw encoded bytes and a
// decoded, inspectable instruction sequence, plus index rewriting for the
// global references the gas injector renumbers.
//
// Grounded on original_source/src/stack_limiter/mod.rs's use of
// `crate::utils::translator::{DefaultTranslator, Translator}` to copy
// untouched operators into a freshly built function body.
package translator

import (
	"fmt"

	"github.com/tetratelabs/wazero-instrument/internal/leb128"
	wasm "github.com/tetratelabs/wazero-instrument/internal/wasm"
)

// isPlain reports whether op carries no immediate at all: the handful of
// immediate-free control/parametric opcodes plus the pure stack-machine
// arithmetic, comparison, and conversion opcodes (MVP plus sign-extension
// ops, 0x45 through 0xc4).
func isPlain(op wasm.Opcode) bool {
	switch op {
	case wasm.OpcodeUnreachable, wasm.OpcodeNop, wasm.OpcodeElse, wasm.OpcodeEnd,
		wasm.OpcodeDrop, wasm.OpcodeSelect:
		return true
	}
	return op >= 0x45 && op <= 0xc4
}

// Decode parses a function body's raw bytes (not including the locals
// declaration, which wasm.Code stores separately) into a flat instruction
// sequence terminated by an End, per spec.md §3's "Instruction sequence".
func Decode(body []byte) ([]wasm.Instruction, error) {
	// depth starts at 1 to represent the function body's own implicit block:
	// its matching end is what brings depth back to 0. Without this, a
	// top-level block/loop/if's own end would also bring depth to 0 and be
	// mistaken for the function's terminal end, truncating anything after it.
	r := &cursor{b: body, depth: 1}
	var out []wasm.Instruction
	for {
		instr, err := decodeOne(r)
		if err != nil {
			return nil, err
		}
		out = append(out, instr)
		if instr.Opcode == wasm.OpcodeEnd && r.depth == 0 {
			break
		}
		if r.eof() {
			return nil, fmt.Errorf("translator: function body missing terminal end")
		}
	}
	return out, nil
}

// cursor tracks nesting depth so Decode knows which `end` terminates the
// function itself versus a nested block/loop/if.
type cursor struct {
	b     []byte
	pos   int
	depth int
}

func (c *cursor) eof() bool { return c.pos >= len(c.b) }

func (c *cursor) byte() (byte, error) {
	if c.pos >= len(c.b) {
		return 0, fmt.Errorf("translator: unexpected end of function body")
	}
	b := c.b[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) bytes(n int) ([]byte, error) {
	if c.pos+n > len(c.b) {
		return nil, fmt.Errorf("translator: unexpected end of function body")
	}
	out := c.b[c.pos : c.pos+n]
	c.pos += n
	return out, nil
}

func (c *cursor) u32() (uint32, error) {
	v, n, err := leb128.LoadUint32(c.b[c.pos:])
	if err != nil {
		return 0, err
	}
	c.pos += int(n)
	return v, nil
}

func (c *cursor) i32() (int32, error) {
	v, n, err := leb128.LoadInt32(c.b[c.pos:])
	if err != nil {
		return 0, err
	}
	c.pos += int(n)
	return v, nil
}

func (c *cursor) i64() (int64, error) {
	v, n, err := leb128.LoadInt64(c.b[c.pos:])
	if err != nil {
		return 0, err
	}
	c.pos += int(n)
	return v, nil
}

func (c *cursor) blockType() (wasm.BlockType, error) {
	v, n, err := leb128.LoadInt64(c.b[c.pos:])
	if err != nil {
		return wasm.BlockType{}, err
	}
	c.pos += int(n)
	switch v {
	case -64:
		return wasm.BlockType{Kind: wasm.BlockKindEmpty}, nil
	case -1:
		return wasm.BlockType{Kind: wasm.BlockKindValue, ValueType: wasm.ValueTypeI32}, nil
	case -2:
		return wasm.BlockType{Kind: wasm.BlockKindValue, ValueType: wasm.ValueTypeI64}, nil
	case -3:
		return wasm.BlockType{Kind: wasm.BlockKindValue, ValueType: wasm.ValueTypeF32}, nil
	case -4:
		return wasm.BlockType{Kind: wasm.BlockKindValue, ValueType: wasm.ValueTypeF64}, nil
	default:
		if v < 0 {
			return wasm.BlockType{}, fmt.Errorf("translator: unsupported block type encoding %d (reference types not supported)", v)
		}
		return wasm.BlockType{Kind: wasm.BlockKindFuncType, TypeIndex: wasm.Index(v)}, nil
	}
}

func decodeOne(c *cursor) (wasm.Instruction, error) {
	opByte, err := c.byte()
	if err != nil {
		return wasm.Instruction{}, err
	}
	op := wasm.Opcode(opByte)
	instr := wasm.Instruction{Opcode: op}

	switch op {
	case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
		c.depth++
		if instr.Block, err = c.blockType(); err != nil {
			return instr, err
		}
	case wasm.OpcodeEnd:
		if c.depth > 0 {
			c.depth--
		}
	case wasm.OpcodeElse:
		// depth unchanged: else belongs to the still-open if block.
	case wasm.OpcodeBr, wasm.OpcodeBrIf:
		if instr.LabelIndex, err = c.u32(); err != nil {
			return instr, err
		}
	case wasm.OpcodeBrTable:
		count, err := c.u32()
		if err != nil {
			return instr, err
		}
		targets := make([]uint32, count)
		for i := range targets {
			if targets[i], err = c.u32(); err != nil {
				return instr, err
			}
		}
		def, err := c.u32()
		if err != nil {
			return instr, err
		}
		instr.BrTable = wasm.BrTable{Targets: targets, Default: def}
	case wasm.OpcodeReturn, wasm.OpcodeUnreachable, wasm.OpcodeNop, wasm.OpcodeDrop, wasm.OpcodeSelect:
		// no immediate
	case wasm.OpcodeCall:
		if instr.FuncIndex, err = c.u32(); err != nil {
			return instr, err
		}
	case wasm.OpcodeCallIndirect:
		if instr.TypeIndex, err = c.u32(); err != nil {
			return instr, err
		}
		if instr.TableIndex, err = c.u32(); err != nil {
			return instr, err
		}
	case wasm.OpcodeLocalGet, wasm.OpcodeLocalSet, wasm.OpcodeLocalTee:
		if instr.LocalIndex, err = c.u32(); err != nil {
			return instr, err
		}
	case wasm.OpcodeGlobalGet, wasm.OpcodeGlobalSet:
		if instr.GlobalIndex, err = c.u32(); err != nil {
			return instr, err
		}
	case wasm.OpcodeMemorySize, wasm.OpcodeMemoryGrow:
		if instr.MemIndex0, err = c.u32(); err != nil {
			return instr, err
		}
	case wasm.OpcodeI32Const:
		if instr.I32, err = c.i32(); err != nil {
			return instr, err
		}
	case wasm.OpcodeI64Const:
		if instr.I64, err = c.i64(); err != nil {
			return instr, err
		}
	case wasm.OpcodeF32Const:
		b, err := c.bytes(4)
		if err != nil {
			return instr, err
		}
		instr.F32Bits = le32(b)
	case wasm.OpcodeF64Const:
		b, err := c.bytes(8)
		if err != nil {
			return instr, err
		}
		instr.F64Bits = le64(b)
	case wasm.OpcodeMiscPrefix:
		sub, err := c.u32()
		if err != nil {
			return instr, err
		}
		instr.MiscOp = wasm.MiscOp(sub)
		switch instr.MiscOp {
		case wasm.MiscOpMemoryInit:
			if instr.SegIndex, err = c.u32(); err != nil {
				return instr, err
			}
			if instr.MemIndex0, err = c.u32(); err != nil {
				return instr, err
			}
		case wasm.MiscOpDataDrop, wasm.MiscOpElemDrop:
			if instr.SegIndex, err = c.u32(); err != nil {
				return instr, err
			}
		case wasm.MiscOpMemoryCopy:
			var dst, src uint32
			if dst, err = c.u32(); err != nil {
				return instr, err
			}
			if src, err = c.u32(); err != nil {
				return instr, err
			}
			instr.MemIndex0 = dst
			instr.SegIndex = src
		case wasm.MiscOpMemoryFill:
			if instr.MemIndex0, err = c.u32(); err != nil {
				return instr, err
			}
		case wasm.MiscOpTableInit:
			if instr.SegIndex, err = c.u32(); err != nil {
				return instr, err
			}
			if instr.TableIndex, err = c.u32(); err != nil {
				return instr, err
			}
		case wasm.MiscOpTableCopy:
			var dst, src uint32
			if dst, err = c.u32(); err != nil {
				return instr, err
			}
			if src, err = c.u32(); err != nil {
				return instr, err
			}
			instr.TableIndex = dst
			instr.SegIndex = src
		default:
			return instr, fmt.Errorf("translator: unsupported misc opcode %d", sub)
		}
	default:
		if isLoadStore(op) {
			align, err := c.u32()
			if err != nil {
				return instr, err
			}
			offset, err := c.u32()
			if err != nil {
				return instr, err
			}
			instr.Mem = wasm.MemArg{Align: align, Offset: offset}
		} else if isPlain(op) {
			// no immediate
		} else {
			return instr, fmt.Errorf("translator: unsupported opcode 0x%x", opByte)
		}
	}
	return instr, nil
}

func isLoadStore(op wasm.Opcode) bool {
	return op >= wasm.OpcodeI32Load && op <= wasm.OpcodeI64Store32
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Encode re-serializes a decoded instruction sequence to raw body bytes.
func Encode(instrs []wasm.Instruction) []byte {
	var out []byte
	for _, instr := range instrs {
		out = append(out, encodeOne(instr)...)
	}
	return out
}

func encodeOne(instr wasm.Instruction) []byte {
	out := []byte{byte(instr.Opcode)}
	switch instr.Opcode {
	case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
		out = append(out, encodeBlockType(instr.Block)...)
	case wasm.OpcodeBr, wasm.OpcodeBrIf:
		out = append(out, leb128.EncodeUint32(instr.LabelIndex)...)
	case wasm.OpcodeBrTable:
		out = append(out, leb128.EncodeUint32(uint32(len(instr.BrTable.Targets)))...)
		for _, t := range instr.BrTable.Targets {
			out = append(out, leb128.EncodeUint32(t)...)
		}
		out = append(out, leb128.EncodeUint32(instr.BrTable.Default)...)
	case wasm.OpcodeCall:
		out = append(out, leb128.EncodeUint32(instr.FuncIndex)...)
	case wasm.OpcodeCallIndirect:
		out = append(out, leb128.EncodeUint32(instr.TypeIndex)...)
		out = append(out, leb128.EncodeUint32(instr.TableIndex)...)
	case wasm.OpcodeLocalGet, wasm.OpcodeLocalSet, wasm.OpcodeLocalTee:
		out = append(out, leb128.EncodeUint32(instr.LocalIndex)...)
	case wasm.OpcodeGlobalGet, wasm.OpcodeGlobalSet:
		out = append(out, leb128.EncodeUint32(instr.GlobalIndex)...)
	case wasm.OpcodeMemorySize, wasm.OpcodeMemoryGrow:
		out = append(out, leb128.EncodeUint32(instr.MemIndex0)...)
	case wasm.OpcodeI32Const:
		out = append(out, leb128.EncodeInt32(instr.I32)...)
	case wasm.OpcodeI64Const:
		out = append(out, leb128.EncodeInt64(instr.I64)...)
	case wasm.OpcodeF32Const:
		out = append(out, encodeLE32(instr.F32Bits)...)
	case wasm.OpcodeF64Const:
		out = append(out, encodeLE64(instr.F64Bits)...)
	case wasm.OpcodeMiscPrefix:
		out = append(out, leb128.EncodeUint32(uint32(instr.MiscOp))...)
		switch instr.MiscOp {
		case wasm.MiscOpMemoryInit:
			out = append(out, leb128.EncodeUint32(instr.SegIndex)...)
			out = append(out, leb128.EncodeUint32(instr.MemIndex0)...)
		case wasm.MiscOpDataDrop, wasm.MiscOpElemDrop:
			out = append(out, leb128.EncodeUint32(instr.SegIndex)...)
		case wasm.MiscOpMemoryCopy:
			out = append(out, leb128.EncodeUint32(instr.MemIndex0)...)
			out = append(out, leb128.EncodeUint32(instr.SegIndex)...)
		case wasm.MiscOpMemoryFill:
			out = append(out, leb128.EncodeUint32(instr.MemIndex0)...)
		case wasm.MiscOpTableInit:
			out = append(out, leb128.EncodeUint32(instr.SegIndex)...)
			out = append(out, leb128.EncodeUint32(instr.TableIndex)...)
		case wasm.MiscOpTableCopy:
			out = append(out, leb128.EncodeUint32(instr.TableIndex)...)
			out = append(out, leb128.EncodeUint32(instr.SegIndex)...)
		}
	default:
		if isLoadStore(instr.Opcode) {
			out = append(out, leb128.EncodeUint32(instr.Mem.Align)...)
			out = append(out, leb128.EncodeUint32(instr.Mem.Offset)...)
		}
		// else: plain, no immediate
	}
	return out
}

func encodeBlockType(b wasm.BlockType) []byte {
	switch b.Kind {
	case wasm.BlockKindEmpty:
		return leb128.EncodeInt64(-64)
	case wasm.BlockKindValue:
		switch b.ValueType {
		case wasm.ValueTypeI32:
			return leb128.EncodeInt64(-1)
		case wasm.ValueTypeI64:
			return leb128.EncodeInt64(-2)
		case wasm.ValueTypeF32:
			return leb128.EncodeInt64(-3)
		case wasm.ValueTypeF64:
			return leb128.EncodeInt64(-4)
		}
	case wasm.BlockKindFuncType:
		return leb128.EncodeInt64(int64(b.TypeIndex))
	}
	return leb128.EncodeInt64(-64)
}

func encodeLE32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func encodeLE64(v uint64) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(v >> (8 * i))
	}
	return out
}

// Translator rewrites global-index immediates by a fixed delta, used by the
// gas injector to renumber references after an import is prepended to the
// global index space (spec.md §4.4's "Index renumbering"). The gas injector
// and stack limiter only ever append new functions, never prepend a function
// import, so an existing function index is never shifted: nothing here
// renumbers Call/CallIndirect's FuncIndex.
//
// Grounded on original_source/src/stack_limiter/mod.rs's
// DefaultTranslator/Translator, generalized from "copy instruction
// unchanged" to "copy instruction, optionally shifting an index".
type Translator struct {
	// ShiftGlobalIndex, if non-nil, replaces a GlobalGet/GlobalSet's
	// GlobalIndex.
	ShiftGlobalIndex func(wasm.Index) wasm.Index
}

// Translate applies the configured index shift to one instruction, leaving
// everything else unchanged (spec.md §4.2).
func (t Translator) Translate(instr wasm.Instruction) wasm.Instruction {
	switch instr.Opcode {
	case wasm.OpcodeGlobalGet, wasm.OpcodeGlobalSet:
		if t.ShiftGlobalIndex != nil {
			instr.GlobalIndex = t.ShiftGlobalIndex(instr.GlobalIndex)
		}
	}
	return instr
}

// TranslateAll applies Translate to every instruction in the sequence.
func (t Translator) TranslateAll(instrs []wasm.Instruction) []wasm.Instruction {
	out := make([]wasm.Instruction, len(instrs))
	for i, instr := range instrs {
		out[i] = t.Translate(instr)
	}
	return out
}
