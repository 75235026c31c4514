// Package abi names the imports and exports that make up the contract between
// the host and a transform plugin.
//
// NOTE: uint32 is used for pointers and lengths because WebAssembly uses a 32-bit
// linear memory model. All guest addresses are offsets into the plugin's own
// memory and are validated by the host before every access.
package abi

// HostModule is the import module name under which host capabilities are exported.
const HostModule = "host"

// WASIModule is the preview1 import module plugins built for wasm32-wasi expect.
const WASIModule = "wasi_snapshot_preview1"

// Guest exports.
const (
	// ExportMemory is the guest's linear memory.
	ExportMemory = "memory"

	// ExportTransform is the single entry point:
	//   transform(ptr, len i32) -> (ptr, len i32)
	//   transform(ptr, len, preserve_positions i32) -> (ptr, len i32)
	//   transform(ptr, len [, preserve_positions] i32) -> i64   ;; ptr<<32 | len
	ExportTransform = "transform"

	// ExportAlloc is an optional self-managed allocator: alloc(size i32) -> ptr i32.
	// A zero return means the guest is out of memory.
	ExportAlloc = "alloc"

	// ExportDiagnostics optionally reports build metadata: plugin_diagnostics() -> (ptr, len i32).
	ExportDiagnostics = "plugin_diagnostics"

	// ExportInitialize is called once after instantiation when present (wasm32-wasi reactors).
	ExportInitialize = "_initialize"
)

// Host imports available under HostModule.
const (
	// ImportAlloc reserves size bytes in guest memory: alloc(size i32) -> ptr i32.
	ImportAlloc = "alloc"

	// ImportLog forwards a message to the host diagnostics handler: log(level, ptr, len i32).
	ImportLog = "log"

	// ImportContextLen returns the length of a context envelope or -1: context_len(kind i32) -> i32.
	ImportContextLen = "context_len"

	// ImportReadContext copies a context envelope into guest memory:
	// read_context(kind, ptr, len i32) -> written i32 (-1 on failure).
	ImportReadContext = "read_context"

	// ImportMetadataValue looks up a single metadata entry:
	// metadata_value(key_ptr, key_len, out_ptr, out_cap i32) -> value_len i32 (-1 when absent).
	ImportMetadataValue = "metadata_value"
)

// ContextKind selects the envelope returned by context_len and read_context.
type ContextKind uint32

const (
	ContextMetadata ContextKind = 0
	ContextConfig   ContextKind = 1
)

// LogLevel is the level argument of the log import.
// 0 = debug, 1 = info, 2 = warn, 3 = error
type LogLevel uint32

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// String returns the level name.
func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "debug"
	case LogInfo:
		return "info"
	case LogWarn:
		return "warn"
	case LogError:
		return "error"
	default:
		return "info"
	}
}

// Metadata keys understood by metadata_value. Any other key is looked up in
// the experimental flags, so a flag with one of these names is reachable only
// through the metadata context envelope. Runner configuration rejects such
// flag names.
const (
	MetadataKeyFilename = "filename"
	MetadataKeyEnv      = "env"
)

// PackPtrLen packs a region into the i64 entry-point result form.
func PackPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// UnpackPtrLen splits a packed i64 result into ptr and length.
func UnpackPtrLen(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}
