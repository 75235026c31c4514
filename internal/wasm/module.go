package wasm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/woxQAQ/plugin-runner/api/abi"
)

// ErrUnsupportedModule is wrapped by CompilationError when a module compiles
// but does not implement the plugin ABI.
var ErrUnsupportedModule = errors.New("unsupported plugin module")

// ModuleLoader handles loading and compiling Wasm modules.
type ModuleLoader struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewModuleLoader creates a new module loader.
func NewModuleLoader(runtime *Runtime, logger *zap.Logger) *ModuleLoader {
	return &ModuleLoader{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-loader")),
	}
}

// ModuleSource represents a source for Wasm bytecode.
type ModuleSource interface {
	// Bytes returns the Wasm bytecode.
	Bytes() ([]byte, error)

	// Name returns a name/identifier for this module.
	Name() string

	// Size returns the size in bytes.
	Size() int64
}

// FileModuleSource loads Wasm from a file.
type FileModuleSource struct {
	Path string
}

// Bytes reads the Wasm file.
func (f *FileModuleSource) Bytes() ([]byte, error) {
	return os.ReadFile(f.Path)
}

// Name returns the file path as the module name.
func (f *FileModuleSource) Name() string {
	return f.Path
}

// Size returns the file size.
func (f *FileModuleSource) Size() int64 {
	info, err := os.Stat(f.Path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// MemoryModuleSource loads Wasm from memory.
// Without a ModuleName the content digest identifies the module.
type MemoryModuleSource struct {
	ModuleName string
	Data       []byte
}

// Bytes returns the Wasm bytecode.
func (m *MemoryModuleSource) Bytes() ([]byte, error) {
	return m.Data, nil
}

// Name returns the module name.
func (m *MemoryModuleSource) Name() string {
	if m.ModuleName == "" {
		return digest.FromBytes(m.Data).String()
	}
	return m.ModuleName
}

// Size returns the data size.
func (m *MemoryModuleSource) Size() int64 {
	return int64(len(m.Data))
}

// LoadModule loads a Wasm module from a source.
// Compiles it if not already cached. Concurrent loads of the same identity
// share one compilation; with NegativeCache a failed identity keeps
// returning its first error.
func (l *ModuleLoader) LoadModule(ctx context.Context, source ModuleSource) (*CompiledModule, error) {
	name := source.Name()

	// Check cache first
	if cached, ok := l.runtime.GetCompiledModule(name); ok {
		l.runtime.metrics.ObserveCacheLookup("hit")
		l.logger.Debug("Module cache hit",
			zap.String("module", name),
		)
		return cached, nil
	}
	if err := l.runtime.cachedFailure(name); err != nil {
		l.runtime.metrics.ObserveCacheLookup("negative")
		return nil, err
	}
	l.runtime.metrics.ObserveCacheLookup("miss")

	v, err, _ := l.runtime.compiles.Do(name, func() (interface{}, error) {
		if cached, ok := l.runtime.GetCompiledModule(name); ok {
			return cached, nil
		}

		// Load Wasm bytes
		wasmBytes, err := source.Bytes()
		if err != nil {
			// Unreadable sources are not remembered; the file may appear later.
			return nil, fmt.Errorf("failed to read module %s: %w", name, err)
		}

		compiled, err := l.runtime.Compile(ctx, name, wasmBytes)
		if err != nil {
			l.runtime.storeFailure(name, err)
			return nil, err
		}

		// Cache the compiled module
		l.runtime.StoreCompiledModule(compiled)
		return compiled, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CompiledModule), nil
}

// LoadModuleFromFile is a convenience function for loading from a file path.
func (l *ModuleLoader) LoadModuleFromFile(ctx context.Context, path string) (*CompiledModule, error) {
	source := &FileModuleSource{Path: path}
	return l.LoadModule(ctx, source)
}

// LoadModuleFromMemory loads from a byte slice.
func (l *ModuleLoader) LoadModuleFromMemory(ctx context.Context, name string, data []byte) (*CompiledModule, error) {
	source := &MemoryModuleSource{ModuleName: name, Data: data}
	return l.LoadModule(ctx, source)
}

// Compile validates and compiles wasmBytes without touching the module cache.
// The result satisfies the plugin ABI: a "memory" export, a "transform"
// export of a supported shape, and imports only from the host and WASI.
func (r *Runtime) Compile(ctx context.Context, name string, wasmBytes []byte) (*CompiledModule, error) {
	if r.IsClosed() {
		return nil, &CompilationError{ModuleName: name, Err: errors.New("runtime is closed")}
	}

	r.logger.Info("Compiling Wasm module",
		zap.String("module", name),
		zap.Int("size_bytes", len(wasmBytes)),
	)

	startTime := time.Now()

	// wazero.CompileModule decodes and validates the Wasm binary
	// This is CPU-intensive but only done once per module
	compiled, err := r.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		r.metrics.ObserveCompile(err)
		return nil, &CompilationError{
			ModuleName: name,
			Err:        err,
		}
	}

	entry, err := inspectABI(name, compiled)
	if err != nil {
		_ = compiled.Close(ctx)
		r.metrics.ObserveCompile(err)
		return nil, &CompilationError{
			ModuleName: name,
			Err:        err,
		}
	}
	r.metrics.ObserveCompile(nil)

	duration := time.Since(startTime)

	r.logger.Info("Module compiled successfully",
		zap.String("module", name),
		zap.Duration("duration", duration),
		zap.Bool("self_managed_memory", entry.hasAlloc),
	)

	// Wrap with metadata
	return &CompiledModule{
		Module:     compiled,
		Name:       name,
		Source:     name,
		Digest:     digest.FromBytes(wasmBytes),
		SizeBytes:  int64(len(wasmBytes)),
		CompiledAt: time.Now().Unix(),
		entry:      entry,
	}, nil
}

// resultShape is how a guest function hands back a (ptr, len) region.
type resultShape int

const (
	resultNone   resultShape = iota
	resultPair               // (i32, i32)
	resultPacked             // i64 = ptr<<32 | len
)

type entryPoint struct {
	// transform takes the preserve_positions flag as a third parameter
	withFlag    bool
	transform   resultShape
	hasAlloc    bool
	diagnostics resultShape
	initialize  bool
}

func inspectABI(name string, compiled wazero.CompiledModule) (entryPoint, error) {
	var entry entryPoint

	if _, ok := compiled.ExportedMemories()[abi.ExportMemory]; !ok {
		return entry, fmt.Errorf("%w: no exported '%s'", ErrUnsupportedModule, abi.ExportMemory)
	}

	exports := compiled.ExportedFunctions()

	transform, ok := exports[abi.ExportTransform]
	if !ok {
		return entry, fmt.Errorf("%w: %v", ErrUnsupportedModule,
			&FunctionNotFoundError{ModuleName: name, FunctionName: abi.ExportTransform})
	}
	params := transform.ParamTypes()
	if !allI32(params) || (len(params) != 2 && len(params) != 3) {
		return entry, fmt.Errorf("%w: '%s' must take (ptr, len) or (ptr, len, preserve_positions) as i32",
			ErrUnsupportedModule, abi.ExportTransform)
	}
	entry.withFlag = len(params) == 3
	entry.transform = regionShape(transform.ResultTypes())
	if entry.transform == resultNone {
		return entry, fmt.Errorf("%w: '%s' must return (i32, i32) or i64",
			ErrUnsupportedModule, abi.ExportTransform)
	}

	if alloc, ok := exports[abi.ExportAlloc]; ok {
		if !sameTypes(alloc.ParamTypes(), api.ValueTypeI32) || !sameTypes(alloc.ResultTypes(), api.ValueTypeI32) {
			return entry, fmt.Errorf("%w: '%s' must have type (i32) -> i32", ErrUnsupportedModule, abi.ExportAlloc)
		}
		entry.hasAlloc = true
	}

	if diag, ok := exports[abi.ExportDiagnostics]; ok {
		entry.diagnostics = regionShape(diag.ResultTypes())
		if len(diag.ParamTypes()) != 0 || entry.diagnostics == resultNone {
			return entry, fmt.Errorf("%w: '%s' must have type () -> (i32, i32) or () -> i64",
				ErrUnsupportedModule, abi.ExportDiagnostics)
		}
	}

	if init, ok := exports[abi.ExportInitialize]; ok {
		if len(init.ParamTypes()) != 0 || len(init.ResultTypes()) != 0 {
			return entry, fmt.Errorf("%w: '%s' must have type () -> ()", ErrUnsupportedModule, abi.ExportInitialize)
		}
		entry.initialize = true
	}

	for _, fn := range compiled.ImportedFunctions() {
		moduleName, fnName, _ := fn.Import()
		switch moduleName {
		case abi.WASIModule:
		case abi.HostModule:
			if !hostImports[fnName] {
				return entry, fmt.Errorf("%w: unknown host import '%s'", ErrUnsupportedModule, fnName)
			}
		default:
			return entry, fmt.Errorf("%w: import '%s.%s' is not provided", ErrUnsupportedModule, moduleName, fnName)
		}
	}

	return entry, nil
}

var hostImports = map[string]bool{
	abi.ImportAlloc:         true,
	abi.ImportLog:           true,
	abi.ImportContextLen:    true,
	abi.ImportReadContext:   true,
	abi.ImportMetadataValue: true,
}

func regionShape(results []api.ValueType) resultShape {
	switch {
	case sameTypes(results, api.ValueTypeI32, api.ValueTypeI32):
		return resultPair
	case sameTypes(results, api.ValueTypeI64):
		return resultPacked
	default:
		return resultNone
	}
}

func sameTypes(got []api.ValueType, want ...api.ValueType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func allI32(types []api.ValueType) bool {
	for _, t := range types {
		if t != api.ValueTypeI32 {
			return false
		}
	}
	return true
}
