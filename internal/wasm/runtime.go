package wasm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/woxQAQ/plugin-runner/internal/metrics"
)

// Runtime manages the wazero runtime lifecycle.
// One Runtime is created by the top-level caller and passed down; it owns every
// compiled plugin module and every live execution context.
type Runtime struct {
	// wazero runtime
	runtime wazero.Runtime

	// On-disk compilation cache, nil when CacheDir is empty
	cache wazero.CompilationCache

	// Compiled module cache (key: module identity -> value: *CompiledModule)
	// Lookups are lock-free; inserts go through compiles so that each identity
	// is compiled at most once.
	modules  sync.Map
	failures sync.Map // identity -> error, only when NegativeCache is set
	compiles singleflight.Group

	// Active module instances (for cleanup on shutdown)
	instMu    sync.Mutex
	instances map[string]*Instance

	// Caps live instances at MaxInstances, nil when unlimited
	slots *semaphore.Weighted

	hostFuncs *HostFunctionsImpl

	// Configuration
	config *RuntimeConfig

	logger  *zap.Logger
	metrics *metrics.Metrics

	// Shutdown management
	closeOnce sync.Once
	closed    chan struct{}
}

// RuntimeConfig holds runtime configuration.
type RuntimeConfig struct {
	// Memory limits for Wasm modules (in pages, 64KB each)
	// Default: 256 pages = 16MB max memory per module
	MemoryPages uint32

	// Forward guest debug-level log lines; they are dropped otherwise
	DebugEnabled bool

	// Compilation cache directory (for persistent caching)
	// If empty, uses in-memory caching only
	CacheDir string

	// Maximum number of concurrent instances, 0 for no limit
	MaxInstances int

	// Wall-clock budget for one guest call, 0 for no limit
	ExecutionTimeout time.Duration

	// Remember compile failures per identity so a broken plugin is not
	// recompiled for the lifetime of the runtime
	NegativeCache bool
}

// CompiledModule wraps a wazero.CompiledModule with metadata.
// It is immutable once built and may be instantiated concurrently.
type CompiledModule struct {
	// wazero compiled module
	Module wazero.CompiledModule

	// Module metadata
	Name      string
	Source    string // File path or identifier
	Digest    digest.Digest
	SizeBytes int64

	// Compilation timestamp
	CompiledAt int64

	entry entryPoint
}

// SelfManagedMemory reports whether the module exports its own allocator.
func (m *CompiledModule) SelfManagedMemory() bool {
	return m.entry.hasAlloc
}

// HasDiagnostics reports whether the module exports plugin_diagnostics.
func (m *CompiledModule) HasDiagnostics() bool {
	return m.entry.diagnostics != resultNone
}

// Option configures optional Runtime collaborators.
type Option func(*Runtime)

// WithMetrics records compile and cache metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runtime) {
		r.metrics = m
	}
}

// WithLogSink routes guest log calls that are not bound to an invocation sink.
func WithLogSink(sink LogSink) Option {
	return func(r *Runtime) {
		r.hostFuncs.sink = sink
	}
}

// NewRuntime creates and initializes a new wazero runtime.
// This should be called once during application startup.
func NewRuntime(ctx context.Context, logger *zap.Logger, config *RuntimeConfig, opts ...Option) (*Runtime, error) {
	// Validate config
	if config == nil {
		config = DefaultRuntimeConfig()
	}

	// Guest calls observe ctx deadlines; a breach closes only that module.
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if config.MemoryPages > 0 {
		rc = rc.WithMemoryLimitPages(config.MemoryPages)
	}

	var cache wazero.CompilationCache
	if config.CacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(config.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache '%s': %w", config.CacheDir, err)
		}
		cache = c
		rc = rc.WithCompilationCache(cache)
	}

	r := wazero.NewRuntimeWithConfig(ctx, rc)

	runtime := &Runtime{
		runtime:   r,
		cache:     cache,
		instances: make(map[string]*Instance),
		hostFuncs: NewHostFunctions(logger),
		config:    config,
		logger:    logger.With(zap.String("component", "wasm-runtime")),
		closed:    make(chan struct{}),
	}
	if config.MaxInstances > 0 {
		runtime.slots = semaphore.NewWeighted(int64(config.MaxInstances))
	}
	runtime.hostFuncs.debug = config.DebugEnabled
	for _, opt := range opts {
		opt(runtime)
	}

	// WASI preview1 is linked with nothing granted: no args, env, clock
	// overrides, filesystem or stdio.
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		runtime.abort(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if err := runtime.hostFuncs.instantiate(ctx, r); err != nil {
		runtime.abort(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	logger.Info("Wasm runtime initialized",
		zap.Uint32("memory_pages", config.MemoryPages),
		zap.Bool("debug_enabled", config.DebugEnabled),
		zap.String("cache_dir", config.CacheDir),
		zap.Int("max_instances", config.MaxInstances),
		zap.Duration("execution_timeout", config.ExecutionTimeout),
		zap.Bool("negative_cache", config.NegativeCache),
	)

	return runtime, nil
}

// DefaultRuntimeConfig returns sensible defaults.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MemoryPages:      256, // 16MB
		DebugEnabled:     false,
		CacheDir:         "",
		MaxInstances:     100,
		ExecutionTimeout: 30 * time.Second,
		NegativeCache:    true,
	}
}

func (r *Runtime) abort(ctx context.Context) {
	_ = r.runtime.Close(ctx)
	if r.cache != nil {
		_ = r.cache.Close(ctx)
	}
}

// Close gracefully shuts down the runtime.
// Safe to call multiple times (idempotent).
func (r *Runtime) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.logger.Info("Shutting down Wasm runtime")

		// Close all active instances first; Close untracks each one.
		r.instMu.Lock()
		live := make([]*Instance, 0, len(r.instances))
		for _, inst := range r.instances {
			live = append(live, inst)
		}
		r.instMu.Unlock()

		for _, inst := range live {
			if closeErr := inst.Close(ctx); closeErr != nil {
				r.logger.Warn("Failed to close instance",
					zap.String("instance_id", inst.ID),
					zap.Error(closeErr),
				)
			}
		}

		// Close the runtime (closes compiled modules)
		err = r.runtime.Close(ctx)

		if r.cache != nil {
			if cacheErr := r.cache.Close(ctx); cacheErr != nil && err == nil {
				err = cacheErr
			}
		}

		close(r.closed)
		r.logger.Info("Wasm runtime shutdown complete")
	})

	return err
}

// Config returns the runtime configuration.
func (r *Runtime) Config() *RuntimeConfig {
	return r.config
}

// GetCompiledModule retrieves a compiled module from cache.
func (r *Runtime) GetCompiledModule(name string) (*CompiledModule, bool) {
	if val, ok := r.modules.Load(name); ok {
		if mod, ok := val.(*CompiledModule); ok {
			return mod, true
		}
	}
	return nil, false
}

// StoreCompiledModule stores a compiled module in cache.
func (r *Runtime) StoreCompiledModule(module *CompiledModule) {
	r.modules.Store(module.Name, module)
}

func (r *Runtime) cachedFailure(name string) error {
	if !r.config.NegativeCache {
		return nil
	}
	if val, ok := r.failures.Load(name); ok {
		return val.(error)
	}
	return nil
}

func (r *Runtime) storeFailure(name string, err error) {
	if r.config.NegativeCache {
		r.failures.Store(name, err)
	}
}

func (r *Runtime) trackInstance(inst *Instance) {
	r.instMu.Lock()
	r.instances[inst.ID] = inst
	r.instMu.Unlock()
}

func (r *Runtime) untrackInstance(id string) {
	r.instMu.Lock()
	delete(r.instances, id)
	r.instMu.Unlock()
}

// InstanceCount returns the number of tracked live instances.
func (r *Runtime) InstanceCount() int {
	r.instMu.Lock()
	defer r.instMu.Unlock()
	return len(r.instances)
}

// IsClosed returns whether the runtime has been closed.
func (r *Runtime) IsClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}
