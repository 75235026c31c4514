package plugin

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/plugin-runner/internal/envelope"
	"github.com/woxQAQ/plugin-runner/internal/metrics"
	"github.com/woxQAQ/plugin-runner/internal/wasm"
)

// Executor runs one compiled plugin with a fixed MetadataContext and config.
//
// By default every Transform call gets a fresh execution context, which keeps
// a misbehaving plugin's memory corruption confined to that call. With
// WithReuseContext one context is kept for the executor's lifetime and calls
// are serialized on it; a guest failure discards it.
type Executor struct {
	name      string
	version   string
	module    *wasm.CompiledModule
	instances *wasm.InstanceManager

	metadata    MetadataContext
	metadataEnv []byte
	configEnv   []byte // nil when no config was given

	reuse   bool
	timeout time.Duration
	sink    wasm.LogSink

	mu       sync.Mutex
	instance *wasm.Instance

	diagOnce sync.Once
	diag     *Diagnostics
	diagErr  error

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithReuseContext keeps one execution context across calls.
func WithReuseContext() Option {
	return func(e *Executor) {
		e.reuse = true
	}
}

// WithVersion sets the version used to attribute failures, typically taken
// from the plugin manifest. The plugin's own diagnostics take precedence.
func WithVersion(version string) Option {
	return func(e *Executor) {
		e.version = version
	}
}

// WithTimeout overrides the runtime execution budget for this plugin.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.timeout = d
	}
}

// WithLogSink routes the plugin's log calls to sink.
func WithLogSink(sink wasm.LogSink) Option {
	return func(e *Executor) {
		e.sink = sink
	}
}

// WithMetrics records transform durations and failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// NewExecutor binds module to metadata and config. config may be nil; any
// other value must be CBOR-serializable and is encoded once here.
func NewExecutor(
	instances *wasm.InstanceManager,
	module *wasm.CompiledModule,
	name string,
	metadata MetadataContext,
	config any,
	logger *zap.Logger,
	opts ...Option,
) (*Executor, error) {
	metaEnv, err := envelope.Encode(metadata)
	if err != nil {
		return nil, err
	}

	var configEnv []byte
	if config != nil {
		env, err := envelope.Encode(config)
		if err != nil {
			return nil, err
		}
		configEnv = env.Bytes()
	}

	e := &Executor{
		name:        name,
		module:      module,
		instances:   instances,
		metadata:    metadata,
		metadataEnv: metaEnv.Bytes(),
		configEnv:   configEnv,
		logger:      logger.With(zap.String("component", "plugin-executor"), zap.String("plugin", name)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Name returns the plugin name.
func (e *Executor) Name() string {
	return e.name
}

// Metadata returns the bound MetadataContext.
func (e *Executor) Metadata() MetadataContext {
	return e.metadata
}

// Transform consumes in, runs the plugin once and returns its output envelope
// undecoded. The output is checked for the current schema version and a
// well-formed payload; anything else is a TransformExecutionError.
// Every error is a *TransformError naming the plugin.
func (e *Executor) Transform(ctx context.Context, in *envelope.Envelope, preservePositions bool) (*envelope.Envelope, error) {
	input, err := in.Take()
	if err != nil {
		return nil, e.fail(ctx, err, 0)
	}

	start := time.Now()
	out, err := e.invoke(ctx, &wasm.Invocation{
		Input:             input,
		PreservePositions: preservePositions,
		Metadata:          e.metadataEnv,
		Config:            e.configEnv,
		Lookup:            e.metadata.Lookup,
		LogSink:           e.sink,
		PluginName:        e.name,
		Timeout:           e.timeout,
	})
	if err != nil {
		return nil, e.fail(ctx, err, time.Since(start))
	}

	if err := envelope.Validate(out); err != nil {
		return nil, e.fail(ctx, &TransformExecutionError{Plugin: e.name, Err: err}, time.Since(start))
	}

	d := time.Since(start)
	e.metrics.ObserveTransform(e.name, d, "")
	e.logger.Debug("Transform completed",
		zap.Int("input_bytes", len(input)),
		zap.Int("output_bytes", len(out)),
		zap.Duration("duration", d),
	)

	return envelope.FromBytes(out), nil
}

func (e *Executor) invoke(ctx context.Context, inv *wasm.Invocation) ([]byte, error) {
	if !e.reuse {
		inst, err := e.instances.Instantiate(ctx, &wasm.InstanceConfig{Module: e.module})
		if err != nil {
			return nil, err
		}
		defer inst.Close(ctx)
		return inst.Invoke(ctx, inv)
	}

	// No other call can run on a reused context until this one returns.
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.instance == nil || e.instance.IsClosed() {
		inst, err := e.instances.Instantiate(ctx, &wasm.InstanceConfig{Module: e.module})
		if err != nil {
			return nil, err
		}
		e.instance = inst
	}

	out, err := e.instance.Invoke(ctx, inv)
	if err != nil {
		_ = e.instance.Close(ctx)
		e.instance = nil
	}
	return out, err
}

func (e *Executor) fail(ctx context.Context, err error, d time.Duration) error {
	kind := ErrorKind(err)
	e.metrics.ObserveTransform(e.name, d, kind)

	version := e.version
	if diag, _ := e.Diagnostics(context.WithoutCancel(ctx)); diag != nil && diag.PkgVersion != "" {
		version = diag.PkgVersion
	}

	e.logger.Warn("Transform failed",
		zap.String("kind", kind),
		zap.String("version", version),
		zap.Error(err),
	)
	return &TransformError{Plugin: e.name, Version: version, Err: err}
}

// Diagnostics returns the plugin's self-reported build metadata, or nil when
// the plugin does not export plugin_diagnostics. The result, or the error,
// is computed once on a dedicated context and returned on every call.
func (e *Executor) Diagnostics(ctx context.Context) (*Diagnostics, error) {
	if !e.module.HasDiagnostics() {
		return nil, nil
	}

	e.diagOnce.Do(func() {
		e.diag, e.diagErr = e.loadDiagnostics(ctx)
		if e.diagErr != nil {
			e.logger.Debug("Plugin diagnostics unavailable", zap.Error(e.diagErr))
		}
	})
	return e.diag, e.diagErr
}

func (e *Executor) loadDiagnostics(ctx context.Context) (*Diagnostics, error) {
	inst, err := e.instances.Instantiate(ctx, &wasm.InstanceConfig{Module: e.module})
	if err != nil {
		return nil, err
	}
	defer inst.Close(ctx)

	data, _, err := inst.Diagnostics(ctx)
	if err != nil {
		return nil, err
	}
	var diag Diagnostics
	if err := envelope.DecodeBytes(data, &diag); err != nil {
		return nil, err
	}
	return &diag, nil
}

// Close releases the reused execution context, if any.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.instance == nil {
		return nil
	}
	err := e.instance.Close(ctx)
	e.instance = nil
	return err
}
