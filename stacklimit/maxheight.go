package stacklimit

import (
	"fmt"

	"github.com/tetratelabs/wazero-instrument/internal/wasm"
)

// computeMaxOperandStackHeight runs spec.md §4.5's abstract interpretation
// over one function body: a simulated operand-stack height counter plus a
// simulated control stack, modeling Wasm's polymorphic-stack behavior under
// unreachable code (design note in spec.md §9 — pops past an empty stack
// are absorbed rather than treated as underflow, matching a `Polymorphic`
// sentinel rather than a naive depth counter).
//
// Every value, regardless of type, counts as one slot (spec.md §4.5's
// justification: a naive interpreter boxes every value into a union sized
// for the largest type).
func computeMaxOperandStackHeight(body []wasm.Instruction, module *wasm.Module) (uint32, error) {
	type frame struct {
		height      int
		arity       int
		unreachable bool // true if this frame was entered while already dead
	}
	height := 0
	max := 0
	dead := false
	frames := []frame{{height: 0, arity: 0}}

	apply := func(pop, push int) {
		if dead {
			return
		}
		if pop > height {
			height = 0
		} else {
			height -= pop
		}
		height += push
		if height > max {
			max = height
		}
	}

	for _, instr := range body {
		switch instr.Opcode {
		case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
			if instr.Opcode == wasm.OpcodeIf {
				apply(1, 0)
			}
			arity := instr.Block.ResultArity(module)
			// A frame opened while already dead stays polymorphic: its body
			// is still unreachable code, not a fresh join, so dead must not
			// be cleared here the way a normally-reached frame clears it.
			frames = append(frames, frame{height: height, arity: arity, unreachable: dead})

		case wasm.OpcodeElse:
			top := frames[len(frames)-1]
			height = top.height
			dead = top.unreachable

		case wasm.OpcodeEnd:
			if len(frames) == 0 {
				return 0, fmt.Errorf("stacklimit: unbalanced end")
			}
			top := frames[len(frames)-1]
			frames = frames[:len(frames)-1]
			if top.unreachable {
				// The whole frame was dead code; it contributed no real
				// join, so leave the surrounding (equally dead) state as-is.
				dead = true
				break
			}
			height = top.height + top.arity
			if height > max {
				max = height
			}
			dead = false

		case wasm.OpcodeBr:
			dead = true
		case wasm.OpcodeBrIf:
			apply(1, 0)
		case wasm.OpcodeBrTable:
			apply(1, 0)
			dead = true
		case wasm.OpcodeReturn, wasm.OpcodeUnreachable:
			dead = true

		case wasm.OpcodeCall:
			ft, ok := module.TypeOfFunction(instr.FuncIndex)
			if !ok {
				return 0, fmt.Errorf("stacklimit: call to unknown function %d", instr.FuncIndex)
			}
			apply(len(ft.Params), len(ft.Results))

		case wasm.OpcodeCallIndirect:
			if int(instr.TypeIndex) >= len(module.TypeSection) {
				return 0, fmt.Errorf("stacklimit: call_indirect to unknown type %d", instr.TypeIndex)
			}
			ft := module.TypeSection[instr.TypeIndex]
			apply(len(ft.Params)+1, len(ft.Results)) // +1: the table index operand

		default:
			pop, push, ok := plainArity(instr)
			if !ok {
				return 0, fmt.Errorf("stacklimit: no stack-arity rule for opcode 0x%x", instr.Opcode)
			}
			apply(pop, push)
		}
	}
	return uint32(max), nil
}

// plainArity returns the (pop, push) operand-stack effect of every
// instruction outside of structured control flow and calls, which
// computeMaxOperandStackHeight handles individually.
func plainArity(instr wasm.Instruction) (pop, push int, ok bool) {
	op := instr.Opcode
	switch op {
	case wasm.OpcodeDrop:
		return 1, 0, true
	case wasm.OpcodeSelect:
		return 3, 1, true
	case wasm.OpcodeLocalGet:
		return 0, 1, true
	case wasm.OpcodeLocalSet:
		return 1, 0, true
	case wasm.OpcodeLocalTee:
		return 1, 1, true
	case wasm.OpcodeGlobalGet:
		return 0, 1, true
	case wasm.OpcodeGlobalSet:
		return 1, 0, true
	case wasm.OpcodeI32Const, wasm.OpcodeI64Const, wasm.OpcodeF32Const, wasm.OpcodeF64Const:
		return 0, 1, true
	case wasm.OpcodeMemorySize:
		return 0, 1, true
	case wasm.OpcodeMemoryGrow:
		return 1, 1, true
	case wasm.OpcodeMiscPrefix:
		switch instr.MiscOp {
		case wasm.MiscOpMemoryCopy, wasm.MiscOpMemoryFill, wasm.MiscOpMemoryInit,
			wasm.MiscOpTableCopy, wasm.MiscOpTableInit:
			return 3, 0, true
		case wasm.MiscOpDataDrop, wasm.MiscOpElemDrop:
			return 0, 0, true
		}
		return 0, 0, false
	}
	if isLoadOp(op) {
		return 1, 1, true
	}
	if isStoreOp(op) {
		return 2, 0, true
	}
	if isUnaryNumericOp(op) {
		return 1, 1, true
	}
	if isBinaryNumericOp(op) {
		return 2, 1, true
	}
	return 0, 0, false
}

func isLoadOp(op wasm.Opcode) bool {
	return op >= wasm.OpcodeI32Load && op <= wasm.OpcodeI64Load32U
}

func isStoreOp(op wasm.Opcode) bool {
	return op >= wasm.OpcodeI32Store && op <= wasm.OpcodeI64Store32
}

// isUnaryNumericOp and isBinaryNumericOp partition the no-immediate numeric
// opcode range (0x45-0xc4) the way the MVP plus sign-extension spec defines
// it: eqz/clz/ctz/popcnt/float-unary/conversions/reinterprets/sign-extension
// take one operand and produce one; comparisons and arithmetic take two and
// produce one.
func isUnaryNumericOp(op wasm.Opcode) bool {
	switch {
	case op == 0x45: // i32.eqz
	case op == 0x50: // i64.eqz
	case op >= 0x67 && op <= 0x69: // i32.clz/ctz/popcnt
	case op >= 0x79 && op <= 0x7b: // i64.clz/ctz/popcnt
	case op >= 0x8b && op <= 0x91: // f32 unary
	case op >= 0x99 && op <= 0x9f: // f64 unary
	case op >= 0xa7 && op <= 0xbb: // conversions
	case op >= 0xbc && op <= 0xc4: // reinterprets, sign-extension
	default:
		return false
	}
	return true
}

func isBinaryNumericOp(op wasm.Opcode) bool {
	switch {
	case op >= 0x46 && op <= 0x4f: // i32 compares
	case op >= 0x51 && op <= 0x5a: // i64 compares
	case op >= 0x5b && op <= 0x60: // f32 compares
	case op >= 0x61 && op <= 0x66: // f64 compares
	case op >= 0x6a && op <= 0x78: // i32 arithmetic
	case op >= 0x7c && op <= 0x8a: // i64 arithmetic
	case op >= 0x92 && op <= 0x98: // f32 arithmetic
	case op >= 0xa0 && op <= 0xa6: // f64 arithmetic
	default:
		return false
	}
	return true
}
