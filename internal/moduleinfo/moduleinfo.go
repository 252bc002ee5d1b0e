// Package moduleinfo wraps a decoded Wasm module with the operations the
// gas injector and stack limiter share: parsing, re-encoding, and the
// handful of structural queries both rewriters need (function/global
// index-space sizes, a function's declared signature, resolving a constant
// i32 expression such as a memory offset).
//
// Grounded on original_source/src/stack_limiter/mod.rs's use of
// parity_wasm's `elements::Module` (construct via `deserialize_buffer`,
// serialize back via `.into_bytes()`, query `.functions_space()` /
// `.globals_space()`), adapted to wazero's typed-section model instead of
// a raw-bytes-per-section model — this repository's internal/wasm already
// exposes every section as a typed Go value, so there is no separate
// "raw section" representation to track.
package moduleinfo

import (
	"fmt"

	"github.com/tetratelabs/wazero-instrument/internal/leb128"
	"github.com/tetratelabs/wazero-instrument/internal/wasm"
	"github.com/tetratelabs/wazero-instrument/internal/wasm/binary"
)

// ModuleInfo is the mutable module under construction. The stack limiter
// takes one of these, mutates its sections in place, and hands it to Encode
// for final serialization; the gas injector builds a new module instead and
// uses ModuleInfo only for parsing, index-space queries, and encoding.
type ModuleInfo struct {
	Module *wasm.Module
}

// Parse decodes a %.wasm binary into a ModuleInfo.
func Parse(raw []byte) (*ModuleInfo, error) {
	m, err := binary.DecodeModule(raw)
	if err != nil {
		return nil, fmt.Errorf("moduleinfo: %w", err)
	}
	return &ModuleInfo{Module: m}, nil
}

// Encode re-serializes the module to its binary form.
func (mi *ModuleInfo) Encode() []byte {
	return binary.EncodeModule(mi.Module)
}

// FunctionsSpace returns the size of the function index space: imports
// followed by module-defined functions.
func (mi *ModuleInfo) FunctionsSpace() int { return mi.Module.NumFunctions() }

// GlobalsSpace returns the size of the global index space.
func (mi *ModuleInfo) GlobalsSpace() int { return mi.Module.NumGlobals() }

// ImportedFunctionCount returns the number of ImportKindFunc entries,
// i.e. the first index a module-defined function occupies.
func (mi *ModuleInfo) ImportedFunctionCount() int { return mi.Module.NumImportedFunctions() }

// ImportedGlobalCount returns the number of ImportKindGlobal entries,
// i.e. the first index a module-defined global occupies.
func (mi *ModuleInfo) ImportedGlobalCount() int { return mi.Module.NumImportedGlobals() }

// SignatureOf resolves a function index (imported or defined) to its type.
func (mi *ModuleInfo) SignatureOf(funcIdx wasm.Index) (*wasm.FunctionType, bool) {
	return mi.Module.TypeOfFunction(funcIdx)
}

// EnsureType returns the index of a FunctionType in the type section equal
// to ft, appending one if none matches. Used when a rewriter needs a
// signature that may already be present (the stack limiter's thunks reuse
// their target function's signature this way).
func (mi *ModuleInfo) EnsureType(ft wasm.FunctionType) wasm.Index {
	for i, existing := range mi.Module.TypeSection {
		if functionTypeEqual(*existing, ft) {
			return wasm.Index(i)
		}
	}
	mi.Module.TypeSection = append(mi.Module.TypeSection, &ft)
	return wasm.Index(len(mi.Module.TypeSection) - 1)
}

func functionTypeEqual(a, b wasm.FunctionType) bool {
	if len(a.Params) != len(b.Params) || len(a.Results) != len(b.Results) {
		return false
	}
	for i := range a.Params {
		if a.Params[i] != b.Params[i] {
			return false
		}
	}
	for i := range a.Results {
		if a.Results[i] != b.Results[i] {
			return false
		}
	}
	return true
}

// ConstI32Offset evaluates a constant expression that is required to be a
// bare i32.const, returning its value. The gas injector restricts active
// element and data segment offsets to this form and refuses a module whose
// offsets are anything else, such as an opaque global.get expression.
//
// Grounded on original_source/src/stack_limiter/mod.rs's `resolve_func_index`
// style helpers, which the Rust source also restricts to the constant forms
// parity_wasm's elements model makes directly inspectable.
func ConstI32Offset(ce *wasm.ConstantExpression) (int32, bool) {
	if ce == nil || ce.Opcode != wasm.OpcodeI32Const {
		return 0, false
	}
	v, _, err := leb128.LoadInt32(ce.Data)
	if err != nil {
		return 0, false
	}
	return v, true
}
