package wasmtest

import (
	"github.com/wippyai/wasm-runtime/wasm"

	"github.com/woxQAQ/plugin-runner/api/abi"
)

// DataOffset is where fixtures place their data segments.
const DataOffset = 1024

var hostSignatures = map[string]wasm.FuncType{
	abi.ImportAlloc:         {Params: []wasm.ValType{I32}, Results: []wasm.ValType{I32}},
	abi.ImportLog:           {Params: []wasm.ValType{I32, I32, I32}},
	abi.ImportContextLen:    {Params: []wasm.ValType{I32}, Results: []wasm.ValType{I32}},
	abi.ImportReadContext:   {Params: []wasm.ValType{I32, I32, I32}, Results: []wasm.ValType{I32}},
	abi.ImportMetadataValue: {Params: []wasm.ValType{I32, I32, I32, I32}, Results: []wasm.ValType{I32}},
}

var (
	transformType       = wasm.FuncType{Params: []wasm.ValType{I32, I32}, Results: []wasm.ValType{I32, I32}}
	transformFlagPacked = wasm.FuncType{Params: []wasm.ValType{I32, I32, I32}, Results: []wasm.ValType{I64}}
	regionType          = wasm.FuncType{Results: []wasm.ValType{I32, I32}}
	allocType           = wasm.FuncType{Params: []wasm.ValType{I32}, Results: []wasm.ValType{I32}}
)

// Data is an active data segment in memory 0.
type Data struct {
	Offset int32
	Bytes  []byte
}

// Plugin builds a module exporting memory and a (ptr, len) -> (ptr, len)
// transform. hostImports name host capabilities, imported in order so the
// first is function 0.
func Plugin(hostImports []string, locals []wasm.ValType, body []wasm.Instruction, data ...Data) *Module {
	m := NewModule(1, abi.ExportMemory)
	for _, name := range hostImports {
		m.ImportFunc(abi.HostModule, name, hostSignatures[name])
	}
	m.AddFunc(transformType, locals, body, abi.ExportTransform)
	for _, d := range data {
		m.AddData(d.Offset, d.Bytes)
	}
	return m
}

// Echo copies its input into a region obtained from host.alloc and returns it.
func Echo() []byte {
	return Plugin(
		[]string{abi.ImportAlloc},
		[]wasm.ValType{I32},
		Code(
			LocalGet(1), Call(0), LocalSet(2),
			LocalGet(2), LocalGet(0), LocalGet(1), MemoryCopy(),
			LocalGet(2), LocalGet(1),
		),
	).Encode()
}

// EchoPacked takes the preserve_positions flag and returns its input region
// packed into an i64.
func EchoPacked() []byte {
	m := NewModule(1, abi.ExportMemory)
	m.AddFunc(transformFlagPacked, nil, PackRegion(0, 1), abi.ExportTransform)
	return m.Encode()
}

// Canned ignores its input and returns out, stored in a data segment.
func Canned(out []byte) []byte {
	return Plugin(nil, nil,
		Code(I32Const(DataOffset), I32Const(int32(len(out)))),
		Data{Offset: DataOffset, Bytes: out},
	).Encode()
}

// Substitute returns to when its input equals from byte for byte, and its
// input unchanged otherwise.
func Substitute(from, to []byte) []byte {
	const (
		ptr = iota
		length
		i
	)
	fromAt := int32(DataOffset)
	toAt := fromAt + int32(len(from)+7)&^7
	mismatch := Code(LocalGet(ptr), LocalGet(length), Op(wasm.OpReturn))

	return Plugin(nil, []wasm.ValType{I32},
		Code(
			LocalGet(length), I32Const(int32(len(from))), Op(wasm.OpI32Ne), If(mismatch),
			While(
				Code(LocalGet(i), LocalGet(length), Op(wasm.OpI32LtU)),
				LocalGet(ptr), LocalGet(i), Op(wasm.OpI32Add), Load8U(),
				I32Const(fromAt), LocalGet(i), Op(wasm.OpI32Add), Load8U(),
				Op(wasm.OpI32Ne), If(mismatch),
				LocalGet(i), I32Const(1), Op(wasm.OpI32Add), LocalSet(i),
			),
			I32Const(toAt), I32Const(int32(len(to))),
		),
		Data{Offset: fromAt, Bytes: from},
		Data{Offset: toAt, Bytes: to},
	).Encode()
}

// Trap executes unreachable.
func Trap() []byte {
	return Plugin(nil, nil, Op(wasm.OpUnreachable)).Encode()
}

// Loop never returns.
func Loop() []byte {
	return Plugin(nil, nil, Code(Forever(), Op(wasm.OpUnreachable))).Encode()
}

// OutOfRange returns a region far beyond its one page of memory.
func OutOfRange() []byte {
	return Plugin(nil, nil, Code(I32Const(0x7FFFFF00), I32Const(0x100))).Encode()
}

// Empty returns a zero-length region.
func Empty() []byte {
	return Plugin(nil, nil, Code(I32Const(0), I32Const(0))).Encode()
}

// Hungry asks host.alloc for nearly 2 GiB.
func Hungry() []byte {
	return Plugin(
		[]string{abi.ImportAlloc},
		nil,
		Code(I32Const(0x7FFFFFFF), Call(0), I32Const(1)),
	).Encode()
}

// GrowThenAlloc grows memory by one page for itself and fills it with fill,
// then copies its input into a region from host.alloc. It returns its own
// page, which keeps fill throughout only if the two regions are disjoint.
func GrowThenAlloc(fill byte) []byte {
	const (
		ptr = iota
		length
		page
		out
	)
	return Plugin(
		[]string{abi.ImportAlloc},
		[]wasm.ValType{I32, I32},
		Code(
			I32Const(1), MemoryGrow(), I32Const(65536), Op(wasm.OpI32Mul), LocalSet(page),
			LocalGet(page), I32Const(int32(fill)), I32Const(65536), MemoryFill(),
			LocalGet(length), Call(0), LocalSet(out),
			LocalGet(out), LocalGet(ptr), LocalGet(length), MemoryCopy(),
			LocalGet(page), I32Const(65536),
		),
	).Encode()
}

// ContextEcho returns the context envelope of the given kind, read through
// context_len, alloc and read_context.
func ContextEcho(kind abi.ContextKind) []byte {
	const (
		contextLen = iota
		alloc
		readContext
	)
	return Plugin(
		[]string{abi.ImportContextLen, abi.ImportAlloc, abi.ImportReadContext},
		[]wasm.ValType{I32, I32},
		Code(
			I32Const(int32(kind)), Call(contextLen), LocalSet(2),
			LocalGet(2), Call(alloc), LocalSet(3),
			I32Const(int32(kind)), LocalGet(3), LocalGet(2), Call(readContext), Op(wasm.OpDrop),
			LocalGet(3), LocalGet(2),
		),
	).Encode()
}

// MetadataValue returns the raw value of one metadata key. The value is
// written at offset 2048 with a 1 KiB cap.
func MetadataValue(key string) []byte {
	return Plugin(
		[]string{abi.ImportMetadataValue},
		[]wasm.ValType{I32},
		Code(
			I32Const(DataOffset), I32Const(int32(len(key))), I32Const(2048), I32Const(1024), Call(0), LocalSet(2),
			I32Const(2048), LocalGet(2),
		),
		Data{Offset: DataOffset, Bytes: []byte(key)},
	).Encode()
}

// Logger logs msg at level and returns its input unchanged.
func Logger(level abi.LogLevel, msg string) []byte {
	return Plugin(
		[]string{abi.ImportLog},
		nil,
		Code(
			I32Const(int32(level)), I32Const(DataOffset), I32Const(int32(len(msg))), Call(0),
			LocalGet(0), LocalGet(1),
		),
		Data{Offset: DataOffset, Bytes: []byte(msg)},
	).Encode()
}

// SelfAlloc exports a bump allocator starting at offset 2048 and returns its
// input in place. With null set the allocator always returns 0.
func SelfAlloc(null bool) []byte {
	m := Plugin(nil, nil, Code(LocalGet(0), LocalGet(1)))
	next := m.AddGlobal(2048)
	allocBody := Code(
		GlobalGet(next),
		GlobalGet(next), LocalGet(0), Op(wasm.OpI32Add), GlobalSet(next),
	)
	if null {
		allocBody = I32Const(0)
	}
	m.AddFunc(allocType, nil, allocBody, abi.ExportAlloc)
	return m.Encode()
}

// WithDiagnostics echoes its input in place and exports plugin_diagnostics
// returning diag.
func WithDiagnostics(diag []byte) []byte {
	m := Plugin(nil, nil, Code(LocalGet(0), LocalGet(1)), Data{Offset: DataOffset, Bytes: diag})
	m.AddFunc(regionType, nil, Code(I32Const(DataOffset), I32Const(int32(len(diag)))), abi.ExportDiagnostics)
	return m.Encode()
}

// FailingDiagnostics echoes its input in place and exports a
// plugin_diagnostics that traps.
func FailingDiagnostics() []byte {
	m := Plugin(nil, nil, Code(LocalGet(0), LocalGet(1)))
	m.AddFunc(regionType, nil, Op(wasm.OpUnreachable), abi.ExportDiagnostics)
	return m.Encode()
}

// Reactor traps unless _initialize ran before transform.
func Reactor() []byte {
	m := NewModule(1, abi.ExportMemory)
	ready := m.AddGlobal(0)
	m.AddFunc(transformType, nil, Code(
		GlobalGet(ready), Op(wasm.OpI32Eqz), If(Op(wasm.OpUnreachable)),
		LocalGet(0), LocalGet(1),
	), abi.ExportTransform)
	m.AddFunc(wasm.FuncType{}, nil, Code(I32Const(1), GlobalSet(ready)), abi.ExportInitialize)
	return m.Encode()
}

// ForeignImport imports a function the host does not provide.
func ForeignImport() []byte {
	m := NewModule(1, abi.ExportMemory)
	m.ImportFunc("env", "abort", wasm.FuncType{})
	m.AddFunc(transformType, nil, Code(LocalGet(0), LocalGet(1)), abi.ExportTransform)
	return m.Encode()
}

// NoTransform exports memory but no entry point.
func NoTransform() []byte {
	return NewModule(1, abi.ExportMemory).Encode()
}

// NoMemory exports transform but keeps its memory private.
func NoMemory() []byte {
	m := NewModule(1, "")
	m.AddFunc(transformType, nil, Code(LocalGet(0), LocalGet(1)), abi.ExportTransform)
	return m.Encode()
}

// BadSignature exports transform with type (i32) -> i32.
func BadSignature() []byte {
	m := NewModule(1, abi.ExportMemory)
	m.AddFunc(allocType, nil, LocalGet(0), abi.ExportTransform)
	return m.Encode()
}
