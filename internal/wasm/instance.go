package wasm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/woxQAQ/plugin-runner/api/abi"
)

// InstanceManager creates and manages module instances.
type InstanceManager struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewInstanceManager creates a new instance manager.
func NewInstanceManager(runtime *Runtime, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-instance")),
	}
}

// InstanceConfig holds configuration for creating instances.
type InstanceConfig struct {
	// Compiled module to instantiate. When nil, ModuleName is looked up in
	// the runtime cache.
	Module *CompiledModule

	// Module name to instantiate.
	ModuleName string

	// Instance ID (if empty, generates UUID).
	InstanceID string
}

// Instance is one execution context: a live instantiation of a compiled
// module with its own linear memory. Calls on an Instance are serialized.
type Instance struct {
	// wazero module instance.
	module api.Module

	// Instance metadata.
	ID        string
	Name      string
	CreatedAt int64

	// Exported functions (cached for performance).
	exports map[string]api.Function

	entry  entryPoint
	memory *Memory
	arena  *arena // nil when the guest exports alloc

	runtime   *Runtime
	logger    *zap.Logger
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Invocation is the input of a single transform call.
type Invocation struct {
	// Envelope bytes of the program.
	Input []byte

	PreservePositions bool

	// Metadata and Config are envelope bytes served through context_len and
	// read_context. nil means absent.
	Metadata []byte
	Config   []byte

	// Lookup serves metadata_value.
	Lookup func(key string) (string, bool)

	// LogSink overrides the runtime sink for this call.
	LogSink LogSink

	// PluginName labels guest log lines.
	PluginName string

	// Timeout overrides RuntimeConfig.ExecutionTimeout when positive.
	Timeout time.Duration
}

// Instantiate creates a new instance from a compiled module.
// The host module was registered when the runtime was created, so the guest
// links against it here; a live-instance slot is held until Close.
func (m *InstanceManager) Instantiate(ctx context.Context, config *InstanceConfig) (*Instance, error) {
	if m.runtime.IsClosed() {
		return nil, &InstantiationError{ModuleName: config.ModuleName, Err: errors.New("runtime is closed")}
	}

	compiled := config.Module
	if compiled == nil {
		// Get compiled module from cache.
		var ok bool
		compiled, ok = m.runtime.GetCompiledModule(config.ModuleName)
		if !ok {
			return nil, &ModuleNotFoundError{ModuleName: config.ModuleName}
		}
	}

	// Generate instance ID if not provided.
	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	if m.runtime.slots != nil {
		if err := m.runtime.slots.Acquire(ctx, 1); err != nil {
			return nil, &InstantiationError{
				ModuleName: compiled.Name,
				InstanceID: instanceID,
				Err:        fmt.Errorf("waiting for an instance slot: %w", err),
			}
		}
	}

	m.logger.Debug("Instantiating Wasm module",
		zap.String("module", compiled.Name),
		zap.String("instance_id", instanceID),
	)

	// Instantiate the guest in a sandbox with no args, env, filesystem or
	// stdio. Start functions are skipped; reactors get _initialize below.
	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithStartFunctions()

	module, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		m.releaseSlot()
		return nil, &InstantiationError{
			ModuleName: compiled.Name,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	if compiled.entry.initialize {
		if _, err := module.ExportedFunction(abi.ExportInitialize).Call(ctx); err != nil {
			_ = module.Close(ctx)
			m.releaseSlot()
			return nil, &InstantiationError{
				ModuleName: compiled.Name,
				InstanceID: instanceID,
				Err:        fmt.Errorf("%s: %w", abi.ExportInitialize, err),
			}
		}
	}

	// Create instance wrapper.
	instance := &Instance{
		module:    module,
		ID:        instanceID,
		Name:      compiled.Name,
		CreatedAt: time.Now().Unix(),
		exports:   m.cacheExportedFunctions(module),
		entry:     compiled.entry,
		memory:    NewMemory(module),
		runtime:   m.runtime,
		logger:    m.logger,
	}
	if !compiled.entry.hasAlloc {
		instance.arena = newArena(module.Memory())
	}

	// Track active instance.
	m.runtime.trackInstance(instance)

	m.logger.Debug("Module instantiated successfully",
		zap.String("instance_id", instanceID),
		zap.Int("exported_functions", len(instance.exports)),
	)

	return instance, nil
}

func (m *InstanceManager) releaseSlot() {
	if m.runtime.slots != nil {
		m.runtime.slots.Release(1)
	}
}

// cacheExportedFunctions caches references to exported functions.
// This improves performance by avoiding repeated lookups.
func (m *InstanceManager) cacheExportedFunctions(module api.Module) map[string]api.Function {
	exports := make(map[string]api.Function)

	// Cache the plugin ABI functions.
	for _, name := range []string{abi.ExportTransform, abi.ExportAlloc, abi.ExportDiagnostics} {
		if fn := module.ExportedFunction(name); fn != nil {
			exports[name] = fn
		}
	}

	return exports
}

// Close closes the instance and releases resources.
// Safe to call multiple times.
func (i *Instance) Close(ctx context.Context) error {
	i.closeOnce.Do(func() {
		i.closeErr = i.module.Close(ctx)
		i.runtime.untrackInstance(i.ID)
		if i.runtime.slots != nil {
			i.runtime.slots.Release(1)
		}
	})
	return i.closeErr
}

// IsClosed reports whether the instance can no longer be invoked.
func (i *Instance) IsClosed() bool {
	return i.module.IsClosed()
}

// Invoke runs the transform export once.
//
// The input is copied into a region reserved by the guest allocator (or the
// host arena), the entry point is called, and the returned region is
// validated and copied out. The result never aliases guest memory.
// A timeout closes the instance; other failures leave it open.
func (i *Instance) Invoke(ctx context.Context, inv *Invocation) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.module.IsClosed() {
		return nil, &InstanceClosedError{InstanceID: i.ID}
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = i.runtime.config.ExecutionTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	state := &callState{instance: i, inv: inv}
	ctx = withCallState(ctx, state)

	if i.arena != nil {
		i.arena.reset()
	}

	inPtr, err := i.allocate(ctx, uint32(len(inv.Input)))
	if err != nil {
		return nil, i.classify(ctx, state, abi.ExportAlloc, err, timeout)
	}
	if !i.memory.WriteBytes(inPtr, inv.Input) {
		return nil, &GuestProtocolViolationError{
			ModuleName: i.Name,
			Reason:     fmt.Sprintf("allocator returned region [%d, +%d) outside memory", inPtr, len(inv.Input)),
		}
	}

	params := []uint64{uint64(inPtr), uint64(len(inv.Input))}
	if i.entry.withFlag {
		flag := uint64(0)
		if inv.PreservePositions {
			flag = 1
		}
		params = append(params, flag)
	}

	results, err := i.exports[abi.ExportTransform].Call(ctx, params...)
	if err != nil {
		return nil, i.classify(ctx, state, abi.ExportTransform, err, timeout)
	}

	outPtr, outLen := region(i.entry.transform, results)
	return i.readRegion(abi.ExportTransform, outPtr, outLen)
}

// Diagnostics calls plugin_diagnostics and returns its bytes.
// ok is false when the module does not export it.
func (i *Instance) Diagnostics(ctx context.Context) (data []byte, ok bool, err error) {
	fn, exported := i.exports[abi.ExportDiagnostics]
	if !exported {
		return nil, false, nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.module.IsClosed() {
		return nil, true, &InstanceClosedError{InstanceID: i.ID}
	}

	timeout := i.runtime.config.ExecutionTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	state := &callState{instance: i, inv: &Invocation{}}
	ctx = withCallState(ctx, state)

	results, err := fn.Call(ctx)
	if err != nil {
		return nil, true, i.classify(ctx, state, abi.ExportDiagnostics, err, timeout)
	}
	ptr, length := region(i.entry.diagnostics, results)
	data, err = i.readRegion(abi.ExportDiagnostics, ptr, length)
	return data, true, err
}

// allocate reserves size bytes in guest memory.
func (i *Instance) allocate(ctx context.Context, size uint32) (uint32, error) {
	if i.arena != nil {
		ptr, err := i.arena.alloc(size)
		if err != nil {
			return 0, &GuestResourceExhaustedError{ModuleName: i.Name, Requested: size, Reason: err.Error()}
		}
		return ptr, nil
	}

	results, err := i.exports[abi.ExportAlloc].Call(ctx, uint64(size))
	if err != nil {
		return 0, err
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, &GuestResourceExhaustedError{ModuleName: i.Name, Requested: size, Reason: "guest allocator returned null"}
	}
	return ptr, nil
}

func (i *Instance) readRegion(function string, ptr, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, &GuestProtocolViolationError{
			ModuleName: i.Name,
			Reason:     fmt.Sprintf("'%s' returned an empty region", function),
		}
	}
	out, ok := i.memory.ReadBytes(ptr, length)
	if !ok {
		return nil, &GuestProtocolViolationError{
			ModuleName: i.Name,
			Reason: fmt.Sprintf("'%s' returned region [%d, +%d) outside memory of %d bytes",
				function, ptr, length, i.memory.Size()),
		}
	}
	return out, nil
}

// classify maps a failed guest call onto the sandbox error taxonomy.
func (i *Instance) classify(ctx context.Context, state *callState, function string, err error, timeout time.Duration) error {
	if state.err != nil {
		return state.err
	}

	var exhausted *GuestResourceExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted
	}
	var violation *GuestProtocolViolationError
	if errors.As(err, &violation) {
		return violation
	}

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			timedOut = true
		case sys.ExitCodeContextCanceled:
			_ = i.Close(context.Background())
			return fmt.Errorf("call to '%s' of module '%s' canceled: %w", function, i.Name, context.Canceled)
		}
	}

	if timedOut {
		i.logger.Warn("Guest call timed out, closing instance",
			zap.String("instance_id", i.ID),
			zap.String("module", i.Name),
			zap.Duration("timeout", timeout),
		)
		_ = i.Close(context.Background())
		return &GuestTimeoutError{ModuleName: i.Name, Duration: timeout}
	}

	return &GuestTrapError{ModuleName: i.Name, Function: function, Err: err}
}

func region(shape resultShape, results []uint64) (ptr, length uint32) {
	if shape == resultPacked {
		return abi.UnpackPtrLen(results[0])
	}
	return uint32(results[0]), uint32(results[1])
}
