package plugin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/plugin-runner/api/abi"
	"github.com/woxQAQ/plugin-runner/internal/envelope"
	"github.com/woxQAQ/plugin-runner/internal/metrics"
	"github.com/woxQAQ/plugin-runner/internal/wasm"
	"github.com/woxQAQ/plugin-runner/internal/wasmtest"
	"github.com/woxQAQ/plugin-runner/pkg/ast"
)

type harness struct {
	runtime   *wasm.Runtime
	loader    *wasm.ModuleLoader
	instances *wasm.InstanceManager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := wasm.NewRuntime(ctx, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { runtime.Close(ctx) })

	return &harness{
		runtime:   runtime,
		loader:    wasm.NewModuleLoader(runtime, logger),
		instances: wasm.NewInstanceManager(runtime, logger),
	}
}

func (h *harness) executor(t *testing.T, name string, wasmBytes []byte, metadata MetadataContext, config any, opts ...Option) *Executor {
	t.Helper()
	module, err := h.loader.LoadModuleFromMemory(context.Background(), name, wasmBytes)
	require.NoError(t, err)

	exec, err := NewExecutor(h.instances, module, name, metadata, config, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { exec.Close(context.Background()) })
	return exec
}

func encodeProgram(t *testing.T, p *ast.Program) *envelope.Envelope {
	t.Helper()
	env, err := envelope.Encode(p)
	require.NoError(t, err)
	return env
}

func defaultMetadata() MetadataContext {
	filename := "input.js"
	return NewMetadataContext(&filename, "development", map[string]string{"jsx": "true"})
}

func TestExecutorRewritesConsoleArgument(t *testing.T) {
	h := newHarness(t)
	exec := h.executor(t, "rewrite", wasmtest.RewritePlugin(t), defaultMetadata(), nil)

	out, err := exec.Transform(context.Background(), encodeProgram(t, wasmtest.ConsoleLog()), false)
	require.NoError(t, err)

	var got ast.Program
	require.NoError(t, envelope.Decode(out, &got))

	call := got.Body[0].Expr.Call
	require.Len(t, call.Args, 1)
	arg := call.Args[0]
	require.Equal(t, ast.ExprKindLit, arg.Kind)
	assert.Equal(t, ast.LitKindStr, arg.Lit.Kind)
	assert.Equal(t, "changed_via_plugin", arg.Lit.Str)
	assert.Equal(t, ast.Span{Lo: 12, Hi: 15}, arg.Span)
}

func TestExecutorRewriteDependsOnInput(t *testing.T) {
	h := newHarness(t)
	exec := h.executor(t, "rewrite", wasmtest.RewritePlugin(t), defaultMetadata(), nil)

	other := wasmtest.ConsoleLog()
	other.Body[0].Expr.Call.Args[0].Ident.Sym = "bar"

	out, err := exec.Transform(context.Background(), encodeProgram(t, other), false)
	require.NoError(t, err)

	var got ast.Program
	require.NoError(t, envelope.Decode(out, &got))
	assert.Equal(t, other, &got)
}

func TestExecutorContextReuseDeterminism(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		opts []Option
	}{
		{name: "fresh context"},
		{name: "reused context", opts: []Option{WithReuseContext()}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			exec := h.executor(t, "echo-"+tc.name, wasmtest.Echo(), defaultMetadata(), nil, tc.opts...)
			input := encodeProgram(t, wasmtest.ConsoleLog())

			first, err := exec.Transform(ctx, input.Clone(), true)
			require.NoError(t, err)
			second, err := exec.Transform(ctx, input.Clone(), true)
			require.NoError(t, err)

			assert.Equal(t, first.Bytes(), second.Bytes())
			assert.Equal(t, input.Bytes(), first.Bytes())
		})
	}
}

func TestExecutorSuppliesMetadata(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, metadata := range []MetadataContext{
		defaultMetadata(),
		NewMetadataContext(nil, "production", nil),
	} {
		exec := h.executor(t, "metadata-"+metadata.Env, wasmtest.ContextEcho(abi.ContextMetadata), metadata, nil)

		// Supplied again on every call, each on a fresh context.
		for i := 0; i < 2; i++ {
			out, err := exec.Transform(ctx, encodeProgram(t, wasmtest.ConsoleLog()), false)
			require.NoError(t, err)

			var got MetadataContext
			require.NoError(t, envelope.Decode(out, &got))
			assert.Equal(t, metadata, got)
		}
	}
}

func TestExecutorSuppliesConfig(t *testing.T) {
	h := newHarness(t)
	config := map[string]any{
		"mode":    "strict",
		"targets": []any{"es2020", "node18"},
	}
	exec := h.executor(t, "config", wasmtest.ContextEcho(abi.ContextConfig), defaultMetadata(), config)

	out, err := exec.Transform(context.Background(), encodeProgram(t, wasmtest.ConsoleLog()), false)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, envelope.Decode(out, &got))
	assert.Equal(t, config, got)
}

func TestExecutorErrors(t *testing.T) {
	valid := wasmtest.MustEncode(t, wasmtest.ConsoleLog())

	tests := []struct {
		name   string
		wasm   []byte
		opts   []Option
		kind   string
		target any
	}{
		{name: "trap", wasm: wasmtest.Trap(), kind: KindGuestTrap, target: new(*wasm.GuestTrapError)},
		{name: "out of range", wasm: wasmtest.OutOfRange(), kind: KindProtocolViolation, target: new(*wasm.GuestProtocolViolationError)},
		{name: "empty region", wasm: wasmtest.Empty(), kind: KindProtocolViolation, target: new(*wasm.GuestProtocolViolationError)},
		{name: "exhausted", wasm: wasmtest.Hungry(), kind: KindResourceExhausted, target: new(*wasm.GuestResourceExhaustedError)},
		{
			name:   "timeout",
			wasm:   wasmtest.Loop(),
			opts:   []Option{WithTimeout(50 * time.Millisecond)},
			kind:   KindTimeout,
			target: new(*wasm.GuestTimeoutError),
		},
		{
			name:   "version mismatch",
			wasm:   wasmtest.Canned(wasmtest.WithVersion(valid, 2)),
			kind:   KindTransformOutput,
			target: new(*envelope.VersionMismatchError),
		},
		{
			name:   "malformed payload",
			wasm:   wasmtest.Canned([]byte{1, 0, 0, 0, 0x1c}),
			kind:   KindTransformOutput,
			target: new(*envelope.DeserializationError),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			opts := append([]Option{WithVersion("0.3.0")}, tt.opts...)
			exec := h.executor(t, tt.name, tt.wasm, defaultMetadata(), nil, opts...)

			_, err := exec.Transform(context.Background(), encodeProgram(t, wasmtest.ConsoleLog()), false)
			require.Error(t, err)

			var transformErr *TransformError
			require.ErrorAs(t, err, &transformErr)
			assert.Equal(t, tt.name, transformErr.Plugin)
			assert.Equal(t, "0.3.0", transformErr.Version)
			assert.Equal(t, tt.kind, ErrorKind(err))
			assert.ErrorAs(t, err, tt.target)

			// Fresh contexts are released after every call.
			assert.Equal(t, 0, h.runtime.InstanceCount())
		})
	}
}

func TestExecutorReusedContextDiscardedOnFailure(t *testing.T) {
	h := newHarness(t)
	exec := h.executor(t, "trap", wasmtest.Trap(), defaultMetadata(), nil, WithReuseContext())

	_, err := exec.Transform(context.Background(), encodeProgram(t, wasmtest.ConsoleLog()), false)
	require.Error(t, err)
	assert.Equal(t, 0, h.runtime.InstanceCount())
}

func TestExecutorInputConsumedOnce(t *testing.T) {
	h := newHarness(t)
	exec := h.executor(t, "echo", wasmtest.Echo(), defaultMetadata(), nil)
	in := encodeProgram(t, wasmtest.ConsoleLog())

	_, err := exec.Transform(context.Background(), in, false)
	require.NoError(t, err)

	_, err = exec.Transform(context.Background(), in, false)
	require.ErrorIs(t, err, envelope.ErrConsumed)
	assert.Equal(t, KindConsumed, ErrorKind(err))
}

func TestExecutorDiagnostics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	want := Diagnostics{PkgVersion: "1.4.2", GitSHA: "9f1c2ab", Target: "wasm32-wasip1"}
	exec := h.executor(t, "diag", wasmtest.WithDiagnostics(wasmtest.MustEncode(t, want)), defaultMetadata(), nil)

	got, err := exec.Diagnostics(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)

	plain := h.executor(t, "echo", wasmtest.Echo(), defaultMetadata(), nil)
	got, err = plain.Diagnostics(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExecutorDiagnosticsFailureIsSticky(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	exec := h.executor(t, "diag-trap", wasmtest.FailingDiagnostics(), defaultMetadata(), nil)

	for call := range 2 {
		got, err := exec.Diagnostics(ctx)
		assert.Nil(t, got, "call %d", call)

		var trap *wasm.GuestTrapError
		require.ErrorAs(t, err, &trap, "call %d", call)
	}
}

func TestExecutorMetrics(t *testing.T) {
	h := newHarness(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ok := h.executor(t, "echo", wasmtest.Echo(), defaultMetadata(), nil, WithMetrics(m))
	bad := h.executor(t, "trap", wasmtest.Trap(), defaultMetadata(), nil, WithMetrics(m))

	_, err := ok.Transform(context.Background(), encodeProgram(t, wasmtest.ConsoleLog()), false)
	require.NoError(t, err)
	_, err = bad.Transform(context.Background(), encodeProgram(t, wasmtest.ConsoleLog()), false)
	require.Error(t, err)

	n, err := testutil.GatherAndCount(reg, "plugin_runner_transform_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = testutil.GatherAndCount(reg, "plugin_runner_transform_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNewExecutorRejectsUnserializableConfig(t *testing.T) {
	h := newHarness(t)
	module, err := h.loader.LoadModuleFromMemory(context.Background(), "echo", wasmtest.Echo())
	require.NoError(t, err)

	_, err = NewExecutor(h.instances, module, "echo", defaultMetadata(), make(chan int), zaptest.NewLogger(t))
	var serErr *envelope.SerializationError
	assert.ErrorAs(t, err, &serErr)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "", ErrorKind(nil))
	assert.Equal(t, KindUnknown, ErrorKind(errors.New("boom")))
	assert.Equal(t, KindCanceled, ErrorKind(context.Canceled))
	assert.Equal(t, KindCompile, ErrorKind(&wasm.CompilationError{ModuleName: "m", Err: wasm.ErrUnsupportedModule}))
	assert.Equal(t, KindVersionMismatch, ErrorKind(&envelope.VersionMismatchError{Got: 2, Want: 1}))
	assert.Equal(t, KindTransformOutput, ErrorKind(&TransformExecutionError{
		Plugin: "p",
		Err:    &envelope.VersionMismatchError{Got: 2, Want: 1},
	}))
}

func TestTransformErrorMessage(t *testing.T) {
	inner := &wasm.GuestTrapError{ModuleName: "rewrite", Function: "transform", Err: errors.New("unreachable")}

	withVersion := &TransformError{Plugin: "rewrite", Version: "1.0.0", Err: inner}
	assert.Equal(t, "plugin 'rewrite' (version 1.0.0) failed: guest trapped in 'transform' of module 'rewrite': unreachable", withVersion.Error())

	without := &TransformError{Plugin: "rewrite", Err: inner}
	assert.Equal(t, "plugin 'rewrite' failed: guest trapped in 'transform' of module 'rewrite': unreachable", without.Error())
}
