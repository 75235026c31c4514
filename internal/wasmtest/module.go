// Package wasmtest assembles small plugin modules for tests. Modules are
// described with wasm.Module and encoded by the wasm package.
package wasmtest

import "github.com/wippyai/wasm-runtime/wasm"

const (
	I32 = wasm.ValI32
	I64 = wasm.ValI64
)

// Module is a single-memory module under construction. Function imports
// must be added before the first function is defined.
type Module struct {
	wasm.Module
}

// NewModule returns a module with one memory of minPages pages, exported as
// memoryExport unless that is empty.
func NewModule(minPages uint64, memoryExport string) *Module {
	m := &Module{}
	m.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: minPages}}}
	if memoryExport != "" {
		m.Exports = append(m.Exports, wasm.Export{Name: memoryExport, Kind: wasm.KindMemory})
	}
	return m
}

// ImportFunc imports a function and returns its index.
func (m *Module) ImportFunc(module, name string, ft wasm.FuncType) uint32 {
	if len(m.Funcs) > 0 {
		panic("wasmtest: import after function definition")
	}
	m.Imports = append(m.Imports, wasm.Import{
		Module: module,
		Name:   name,
		Desc:   wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: m.AddType(ft)},
	})
	return uint32(len(m.Imports) - 1)
}

// AddFunc defines a function and returns its index. body excludes the trailing
// end. A non-empty export name exports it.
func (m *Module) AddFunc(ft wasm.FuncType, locals []wasm.ValType, body []wasm.Instruction, export string) uint32 {
	idx := uint32(m.NumImportedFuncs() + len(m.Funcs))
	m.Funcs = append(m.Funcs, m.AddType(ft))

	entries := make([]wasm.LocalEntry, len(locals))
	for i, l := range locals {
		entries[i] = wasm.LocalEntry{Count: 1, ValType: l}
	}
	m.Code = append(m.Code, wasm.FuncBody{
		Locals: entries,
		Code:   wasm.EncodeInstructions(Code(body, Op(wasm.OpEnd))),
	})

	if export != "" {
		m.Exports = append(m.Exports, wasm.Export{Name: export, Kind: wasm.KindFunc, Idx: idx})
	}
	return idx
}

// AddGlobal adds a mutable i32 global and returns its index.
func (m *Module) AddGlobal(init int32) uint32 {
	m.Globals = append(m.Globals, wasm.Global{
		Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true},
		Init: expr(I32Const(init)),
	})
	return uint32(len(m.Globals) - 1)
}

// AddData places b at offset in memory 0, raising the initial memory size
// to cover it.
func (m *Module) AddData(offset int32, b []byte) {
	m.Data = append(m.Data, wasm.DataSegment{
		Offset: expr(I32Const(offset)),
		Init:   b,
	})
	end := uint64(offset) + uint64(len(b))
	if pages := (end + 65535) / 65536; pages > m.Memories[0].Limits.Min {
		m.Memories[0].Limits.Min = pages
	}
}
