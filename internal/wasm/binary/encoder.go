package binary

import (
	"encoding/binary"
	"sort"

	"github.com/tetratelabs/wazero-instrument/internal/leb128"
	wasm "github.com/tetratelabs/wazero-instrument/internal/wasm"
)

// buffer is an append-only byte builder, used both for whole-module
// encoding and for building one section's payload before it's
// length-prefixed into the module buffer.
type buffer struct{ b []byte }

func (w *buffer) byte(b byte)     { w.b = append(w.b, b) }
func (w *buffer) raw(b []byte)    { w.b = append(w.b, b...) }
func (w *buffer) u32(v uint32)    { w.raw(leb128.EncodeUint32(v)) }
func (w *buffer) i32(v int32)     { w.raw(leb128.EncodeInt32(v)) }
func (w *buffer) i64(v int64)     { w.raw(leb128.EncodeInt64(v)) }
func (w *buffer) name(s string) {
	w.u32(uint32(len(s)))
	w.raw([]byte(s))
}

// section appends a section with the given id, length-prefixing payload.
func (w *buffer) section(id sectionID, payload []byte) {
	w.byte(byte(id))
	w.u32(uint32(len(payload)))
	w.raw(payload)
}

// EncodeModule serializes a Module back to its %.wasm binary form.
func EncodeModule(m *wasm.Module) []byte {
	out := &buffer{}
	out.raw(magic[:])
	verBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(verBytes, version)
	out.raw(verBytes)

	if len(m.TypeSection) > 0 {
		out.section(sectionIDType, encodeTypeSection(m.TypeSection))
	}
	if len(m.ImportSection) > 0 {
		out.section(sectionIDImport, encodeImportSection(m.ImportSection))
	}
	if len(m.FunctionSection) > 0 {
		out.section(sectionIDFunction, encodeFunctionSection(m.FunctionSection))
	}
	if len(m.TableSection) > 0 {
		out.section(sectionIDTable, encodeTableSection(m.TableSection))
	}
	if len(m.MemorySection) > 0 {
		out.section(sectionIDMemory, encodeMemorySection(m.MemorySection))
	}
	if len(m.GlobalSection) > 0 {
		out.section(sectionIDGlobal, encodeGlobalSection(m.GlobalSection))
	}
	if len(m.ExportSection) > 0 {
		out.section(sectionIDExport, encodeExportSection(m.ExportSection))
	}
	if m.StartSection != nil {
		sb := &buffer{}
		sb.u32(*m.StartSection)
		out.section(sectionIDStart, sb.b)
	}
	if len(m.ElementSection) > 0 {
		out.section(sectionIDElement, encodeElementSection(m.ElementSection))
	}
	if len(m.CodeSection) > 0 {
		out.section(sectionIDCode, encodeCodeSection(m.CodeSection))
	}
	if len(m.DataSection) > 0 {
		out.section(sectionIDData, encodeDataSection(m.DataSection))
	}
	if m.NameSection != nil {
		out.section(sectionIDCustom, encodeNameSection(m.NameSection))
	}
	return out.b
}

func encodeValueType(w *buffer, vt wasm.ValueType) { w.byte(byte(vt)) }

func encodeTypeSection(types []*wasm.FunctionType) []byte {
	w := &buffer{}
	w.u32(uint32(len(types)))
	for _, ft := range types {
		w.byte(0x60)
		w.u32(uint32(len(ft.Params)))
		for _, p := range ft.Params {
			encodeValueType(w, p)
		}
		w.u32(uint32(len(ft.Results)))
		for _, r := range ft.Results {
			encodeValueType(w, r)
		}
	}
	return w.b
}

func encodeLimits(w *buffer, min uint32, max *uint32) {
	if max != nil {
		w.byte(1)
		w.u32(min)
		w.u32(*max)
	} else {
		w.byte(0)
		w.u32(min)
	}
}

func encodeTableType(w *buffer, t *wasm.TableType) {
	w.byte(0x70)
	encodeLimits(w, t.Min, t.Max)
}

func encodeMemoryType(w *buffer, t *wasm.MemoryType) {
	encodeLimits(w, t.Min, t.Max)
}

func encodeGlobalType(w *buffer, t *wasm.GlobalType) {
	encodeValueType(w, t.ValType)
	if t.Mutable {
		w.byte(1)
	} else {
		w.byte(0)
	}
}

func encodeImportSection(imports []*wasm.Import) []byte {
	w := &buffer{}
	w.u32(uint32(len(imports)))
	for _, imp := range imports {
		w.name(imp.Module)
		w.name(imp.Name)
		w.byte(byte(imp.Kind))
		switch imp.Kind {
		case wasm.ImportKindFunc:
			w.u32(imp.DescFunc)
		case wasm.ImportKindTable:
			encodeTableType(w, imp.DescTable)
		case wasm.ImportKindMemory:
			encodeMemoryType(w, imp.DescMemory)
		case wasm.ImportKindGlobal:
			encodeGlobalType(w, imp.DescGlobal)
		}
	}
	return w.b
}

func encodeFunctionSection(typeIndices []wasm.Index) []byte {
	w := &buffer{}
	w.u32(uint32(len(typeIndices)))
	for _, idx := range typeIndices {
		w.u32(idx)
	}
	return w.b
}

func encodeTableSection(tables []*wasm.TableType) []byte {
	w := &buffer{}
	w.u32(uint32(len(tables)))
	for _, t := range tables {
		encodeTableType(w, t)
	}
	return w.b
}

func encodeMemorySection(mems []*wasm.MemoryType) []byte {
	w := &buffer{}
	w.u32(uint32(len(mems)))
	for _, m := range mems {
		encodeMemoryType(w, m)
	}
	return w.b
}

func encodeConstExpr(w *buffer, ce wasm.ConstantExpression) {
	w.byte(byte(ce.Opcode))
	w.raw(ce.Data)
	w.byte(byte(wasm.OpcodeEnd))
}

func encodeGlobalSection(globals []*wasm.Global) []byte {
	w := &buffer{}
	w.u32(uint32(len(globals)))
	for _, g := range globals {
		encodeGlobalType(w, g.Type)
		encodeConstExpr(w, g.Init)
	}
	return w.b
}

// encodeExportSection encodes exports sorted by name, for deterministic
// output (map iteration order in Go is randomized).
func encodeExportSection(exports map[string]*wasm.Export) []byte {
	names := make([]string, 0, len(exports))
	for n := range exports {
		names = append(names, n)
	}
	sort.Strings(names)

	w := &buffer{}
	w.u32(uint32(len(exports)))
	for _, n := range names {
		e := exports[n]
		w.name(e.Name)
		w.byte(byte(e.Kind))
		w.u32(e.Index)
	}
	return w.b
}

func encodeElementSection(segs []*wasm.ElementSegment) []byte {
	w := &buffer{}
	w.u32(uint32(len(segs)))
	for _, seg := range segs {
		switch seg.Mode {
		case wasm.ElementModeActive:
			if seg.TableIndex == 0 {
				w.u32(0)
				encodeConstExpr(w, *seg.Offset)
				w.u32(uint32(len(seg.Init)))
				for _, idx := range seg.Init {
					w.u32(idx)
				}
			} else {
				w.u32(2)
				w.u32(seg.TableIndex)
				encodeConstExpr(w, *seg.Offset)
				w.byte(0x00) // elemkind funcref
				w.u32(uint32(len(seg.Init)))
				for _, idx := range seg.Init {
					w.u32(idx)
				}
			}
		case wasm.ElementModePassive:
			w.u32(1)
			w.byte(0x00)
			w.u32(uint32(len(seg.Init)))
			for _, idx := range seg.Init {
				w.u32(idx)
			}
		case wasm.ElementModeDeclarative:
			w.u32(3)
			w.byte(0x00)
			w.u32(uint32(len(seg.Init)))
			for _, idx := range seg.Init {
				w.u32(idx)
			}
		}
	}
	return w.b
}

func encodeCodeSection(codes []*wasm.Code) []byte {
	w := &buffer{}
	w.u32(uint32(len(codes)))
	for _, c := range codes {
		body := &buffer{}
		// Group consecutive identical local types into runs, matching the
		// canonical encoder's minimal-groups form.
		type run struct {
			vt    wasm.ValueType
			count uint32
		}
		var runs []run
		for _, vt := range c.LocalTypes {
			if len(runs) > 0 && runs[len(runs)-1].vt == vt {
				runs[len(runs)-1].count++
			} else {
				runs = append(runs, run{vt: vt, count: 1})
			}
		}
		body.u32(uint32(len(runs)))
		for _, rn := range runs {
			body.u32(rn.count)
			encodeValueType(body, rn.vt)
		}
		body.raw(c.Body)
		w.u32(uint32(len(body.b)))
		w.raw(body.b)
	}
	return w.b
}

func encodeDataSection(segs []*wasm.DataSegment) []byte {
	w := &buffer{}
	w.u32(uint32(len(segs)))
	for _, seg := range segs {
		if seg.Passive {
			w.u32(1)
		} else {
			w.u32(0)
			encodeConstExpr(w, *seg.Offset)
		}
		w.u32(uint32(len(seg.Init)))
		w.raw(seg.Init)
	}
	return w.b
}

func encodeNameSection(ns *wasm.NameSection) []byte {
	w := &buffer{}
	w.name("name")
	if len(ns.Raw) > 0 {
		w.raw(ns.Raw)
		return w.b
	}
	sub := &buffer{}
	sub.name(ns.ModuleName)
	w.byte(0)
	w.u32(uint32(len(sub.b)))
	w.raw(sub.b)
	return w.b
}
