package wasm

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/woxQAQ/plugin-runner/api/abi"
)

// maxLogMessage caps a single guest log line.
const maxLogMessage = 64 << 10

// maxMetadataKey caps the key length accepted by metadata_value.
const maxMetadataKey = 4 << 10

// LogSink receives log lines emitted by guests through the log import.
type LogSink interface {
	GuestLog(ctx context.Context, plugin string, level abi.LogLevel, message string)
}

// zapSink is the default sink: guest lines are logged at their own level.
type zapSink struct {
	logger *zap.Logger
}

func (s zapSink) GuestLog(_ context.Context, plugin string, level abi.LogLevel, message string) {
	lvl := zapcore.InfoLevel
	switch level {
	case abi.LogDebug:
		lvl = zapcore.DebugLevel
	case abi.LogWarn:
		lvl = zapcore.WarnLevel
	case abi.LogError:
		lvl = zapcore.ErrorLevel
	}
	s.logger.Log(lvl, message, zap.String("plugin", plugin))
}

// HostFunctionsImpl implements host functions for Wasm modules.
// The functions are stateless; everything a call needs travels in the
// context of the guest call that triggered them.
type HostFunctionsImpl struct {
	logger *zap.Logger
	sink   LogSink

	// debug forwards guest lines logged at abi.LogDebug.
	debug bool
}

// NewHostFunctions creates a new host functions implementation.
func NewHostFunctions(logger *zap.Logger) *HostFunctionsImpl {
	l := logger.With(zap.String("component", "wasm-host"))
	return &HostFunctionsImpl{
		logger: l,
		sink:   zapSink{logger: l},
	}
}

// instantiate registers the host module once per runtime.
func (h *HostFunctionsImpl) instantiate(ctx context.Context, r wazero.Runtime) error {
	builder := r.NewHostModuleBuilder(abi.HostModule)

	builder.NewFunctionBuilder().
		WithFunc(h.alloc).
		WithParameterNames("size").
		Export(abi.ImportAlloc)

	builder.NewFunctionBuilder().
		WithFunc(h.logMessage).
		WithParameterNames("level", "ptr", "length").
		Export(abi.ImportLog)

	builder.NewFunctionBuilder().
		WithFunc(h.contextLen).
		WithParameterNames("kind").
		Export(abi.ImportContextLen)

	builder.NewFunctionBuilder().
		WithFunc(h.readContext).
		WithParameterNames("kind", "ptr", "length").
		Export(abi.ImportReadContext)

	builder.NewFunctionBuilder().
		WithFunc(h.metadataValue).
		WithParameterNames("key_ptr", "key_len", "out_ptr", "out_cap").
		Export(abi.ImportMetadataValue)

	_, err := builder.Instantiate(ctx)
	return err
}

// alloc reserves size bytes in the calling guest's memory.
// Signature: alloc(size) -> ptr
// Failure aborts the guest call; the host reports it as resource exhaustion.
func (h *HostFunctionsImpl) alloc(ctx context.Context, mod api.Module, size uint32) uint32 {
	state := callStateFrom(ctx)
	if state == nil {
		panic(&GuestProtocolViolationError{
			ModuleName: mod.Name(),
			Reason:     "alloc called outside a transform",
		})
	}
	ptr, err := state.instance.allocate(ctx, size)
	if err != nil {
		state.fail(err)
		panic(err)
	}
	return ptr
}

// logMessage is called by Wasm modules to log messages.
// Signature: log(level, ptr, length)
// level: 0 = debug, 1 = info, 2 = warn, 3 = error
func (h *HostFunctionsImpl) logMessage(ctx context.Context, mod api.Module, level uint32, ptr uint32, length uint32) {
	if abi.LogLevel(level) == abi.LogDebug && !h.debug {
		return
	}
	if length > maxLogMessage {
		length = maxLogMessage
	}

	// Read message from Wasm memory; a NUL ends it early.
	msg, ok := NewMemory(mod).ReadString(ptr, length)
	if !ok {
		h.logger.Error("Failed to read log message from Wasm memory",
			zap.String("instance_id", mod.Name()),
			zap.Uint32("ptr", ptr),
			zap.Uint32("length", length),
		)
		return
	}

	sink, plugin := h.sink, mod.Name()
	if state := callStateFrom(ctx); state != nil {
		if state.inv.LogSink != nil {
			sink = state.inv.LogSink
		}
		if state.inv.PluginName != "" {
			plugin = state.inv.PluginName
		}
	}
	sink.GuestLog(ctx, plugin, abi.LogLevel(level), msg)
}

// contextLen returns the size of a context envelope, or -1 when it is absent.
// Signature: context_len(kind) -> i32
func (h *HostFunctionsImpl) contextLen(ctx context.Context, mod api.Module, kind uint32) int32 {
	state := callStateFrom(ctx)
	if state == nil {
		return -1
	}
	data := state.contextData(abi.ContextKind(kind))
	if data == nil {
		return -1
	}
	return int32(len(data))
}

// readContext copies a context envelope into guest memory.
// Signature: read_context(kind, ptr, length) -> written
// Returns -1 when the envelope is absent, larger than length, or the region
// is out of bounds.
func (h *HostFunctionsImpl) readContext(ctx context.Context, mod api.Module, kind uint32, ptr uint32, length uint32) int32 {
	state := callStateFrom(ctx)
	if state == nil {
		return -1
	}
	data := state.contextData(abi.ContextKind(kind))
	if data == nil || uint32(len(data)) > length {
		return -1
	}
	if !NewMemory(mod).WriteBytes(ptr, data) {
		return -1
	}
	return int32(len(data))
}

// metadataValue looks up one metadata entry by key.
// Signature: metadata_value(key_ptr, key_len, out_ptr, out_cap) -> value_len
// The value is written only when it fits in out_cap; the full length is
// returned either way so the guest can retry with a larger buffer.
func (h *HostFunctionsImpl) metadataValue(ctx context.Context, mod api.Module, keyPtr, keyLen, outPtr, outCap uint32) int32 {
	state := callStateFrom(ctx)
	if state == nil || state.inv.Lookup == nil || keyLen > maxMetadataKey {
		return -1
	}
	mem := NewMemory(mod)
	key, ok := mem.ReadBytes(keyPtr, keyLen)
	if !ok {
		return -1
	}
	value, ok := state.inv.Lookup(string(key))
	if !ok {
		return -1
	}
	if uint32(len(value)) <= outCap && !mem.WriteBytes(outPtr, []byte(value)) {
		return -1
	}
	return int32(len(value))
}

type callStateKey struct{}

// callState is the per-invocation data host functions read.
type callState struct {
	instance *Instance
	inv      *Invocation
	err      error
}

func withCallState(ctx context.Context, s *callState) context.Context {
	return context.WithValue(ctx, callStateKey{}, s)
}

func callStateFrom(ctx context.Context) *callState {
	s, _ := ctx.Value(callStateKey{}).(*callState)
	return s
}

func (s *callState) contextData(kind abi.ContextKind) []byte {
	switch kind {
	case abi.ContextMetadata:
		return s.inv.Metadata
	case abi.ContextConfig:
		return s.inv.Config
	default:
		return nil
	}
}

// fail records the first host-side failure of the call.
func (s *callState) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}
