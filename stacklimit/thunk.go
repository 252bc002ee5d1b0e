package stacklimit

import (
	"fmt"
	"sort"

	"github.com/tetratelabs/wazero-instrument/internal/moduleinfo"
	"github.com/tetratelabs/wazero-instrument/internal/translator"
	"github.com/tetratelabs/wazero-instrument/internal/wasm"
)

// addThunks implements spec.md §4.5's thunk pass: every function reachable
// from the export section, the start section, or an element segment, that
// has nonzero stack cost, gets a synthesised forwarding function wrapped in
// the same preamble/postamble direct calls use; the reference is then
// rewritten to point at the thunk instead of the original.
func addThunks(mi *moduleinfo.ModuleInfo, stackCost map[wasm.Index]uint32, heightGlobal wasm.Index, limit uint32) error {
	module := mi.Module

	referenced := map[wasm.Index]bool{}
	for _, exp := range module.ExportSection {
		if exp.Kind == wasm.ExportKindFunc {
			referenced[exp.Index] = true
		}
	}
	if module.StartSection != nil {
		referenced[*module.StartSection] = true
	}
	for _, seg := range module.ElementSection {
		for _, fn := range seg.Init {
			referenced[fn] = true
		}
	}

	// Iterate in a fixed order: thunk synthesis appends functions, so map
	// iteration order here would otherwise leak into the output's function
	// index assignment and break the byte-identical-output guarantee
	// (spec.md §5).
	ordered := make([]wasm.Index, 0, len(referenced))
	for origIdx := range referenced {
		ordered = append(ordered, origIdx)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	thunkOf := map[wasm.Index]wasm.Index{}
	for _, origIdx := range ordered {
		if stackCost[origIdx] == 0 {
			continue
		}
		thunkIdx, err := buildThunk(mi, origIdx, stackCost, heightGlobal, limit)
		if err != nil {
			return err
		}
		thunkOf[origIdx] = thunkIdx
	}

	for _, exp := range module.ExportSection {
		if exp.Kind == wasm.ExportKindFunc {
			if t, ok := thunkOf[exp.Index]; ok {
				exp.Index = t
			}
		}
	}
	if module.StartSection != nil {
		if t, ok := thunkOf[*module.StartSection]; ok {
			*module.StartSection = t
		}
	}
	for _, seg := range module.ElementSection {
		for i, fn := range seg.Init {
			if t, ok := thunkOf[fn]; ok {
				seg.Init[i] = t
			}
		}
	}
	return nil
}

// buildThunk synthesises one forwarding function for origIdx and appends it
// to the module, returning its new function index.
func buildThunk(mi *moduleinfo.ModuleInfo, origIdx wasm.Index, stackCost map[wasm.Index]uint32, heightGlobal wasm.Index, limit uint32) (wasm.Index, error) {
	module := mi.Module
	ft, ok := module.TypeOfFunction(origIdx)
	if !ok {
		return 0, fmt.Errorf("stacklimit: thunk target %d has no signature", origIdx)
	}

	var body []wasm.Instruction
	for i := range ft.Params {
		body = append(body, wasm.Instruction{Opcode: wasm.OpcodeLocalGet, LocalIndex: wasm.Index(i)})
	}
	body = append(body, wrapCall(wasm.Instruction{Opcode: wasm.OpcodeCall, FuncIndex: origIdx}, stackCost[origIdx], heightGlobal, limit)...)
	body = append(body, wasm.Instruction{Opcode: wasm.OpcodeEnd})

	typeIdx := mi.EnsureType(*ft)
	module.FunctionSection = append(module.FunctionSection, typeIdx)
	module.CodeSection = append(module.CodeSection, &wasm.Code{Body: translator.Encode(body)})

	return wasm.Index(mi.FunctionsSpace() - 1), nil
}
