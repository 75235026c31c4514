package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/woxQAQ/plugin-runner/internal/chain"
	"github.com/woxQAQ/plugin-runner/internal/config"
	"github.com/woxQAQ/plugin-runner/internal/metrics"
	"github.com/woxQAQ/plugin-runner/internal/plugin"
	"github.com/woxQAQ/plugin-runner/internal/wasm"
)

// Manager manages plugin lifecycle: discovery, registration and building
// executors and chains for registered plugins.
type Manager struct {
	cfg         *config.RunnerConfig
	runtime     *wasm.Runtime
	loader      *Loader
	registry    *Registry
	instanceMgr *wasm.InstanceManager
	metrics     *metrics.Metrics
	sink        wasm.LogSink
	logger      *zap.Logger

	// baseLogger is handed to executors and chains, which add their own
	// component field.
	baseLogger *zap.Logger

	mu        sync.RWMutex
	loaded    bool
	executors []*plugin.Executor
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMetrics attaches metrics to every executor the manager builds.
func WithMetrics(m *metrics.Metrics) ManagerOption {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// WithLogSink routes plugin log calls of every executor to sink.
func WithLogSink(sink wasm.LogSink) ManagerOption {
	return func(mgr *Manager) {
		mgr.sink = sink
	}
}

// NewManager creates a new plugin manager.
func NewManager(
	cfg *config.RunnerConfig,
	runtime *wasm.Runtime,
	logger *zap.Logger,
	opts ...ManagerOption,
) *Manager {
	m := &Manager{
		cfg:         cfg,
		runtime:     runtime,
		loader:      NewLoader(runtime, logger),
		registry:    NewRegistry(logger),
		instanceMgr: wasm.NewInstanceManager(runtime, logger),
		logger:      logger.With(zap.String("component", "plugin-manager")),
		baseLogger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadAll discovers and loads all plugins from configured paths.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return fmt.Errorf("plugins already loaded")
	}

	m.logger.Info("Loading plugins",
		zap.Strings("paths", m.cfg.PluginPaths),
	)

	plugins, err := m.loader.DiscoverPlugins(ctx, m.cfg.PluginPaths)
	if err != nil {
		// An empty catalog is not fatal; a chain naming a plugin fails later.
		var notFound *NoPluginsFoundError
		if errors.As(err, &notFound) {
			m.logger.Warn("No plugins found in configured paths",
				zap.Strings("paths", m.cfg.PluginPaths),
				zap.Error(err),
			)
			m.loaded = true
			return nil
		}
		return err
	}

	for _, p := range plugins {
		if err := m.registry.Register(p); err != nil {
			m.logger.Error("Failed to register plugin",
				zap.String("name", p.Manifest.Name),
				zap.String("dir", p.Manifest.Dir()),
				zap.Error(err),
			)
			continue
		}
	}

	m.loaded = true

	m.logger.Info("Plugins loaded successfully",
		zap.Int("count", m.registry.Count()),
	)

	return nil
}

// GetPlugin retrieves a plugin by name.
func (m *Manager) GetPlugin(name string) (*Plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.registry.Get(name)
	if !ok {
		return nil, &PluginNotFoundError{PluginName: name}
	}

	return p, nil
}

// Metadata builds the MetadataContext described by the configuration.
// filename, when non-nil, takes precedence over metadata.filename.
func (m *Manager) Metadata(filename *string) plugin.MetadataContext {
	if filename == nil && m.cfg.Metadata.Filename != "" {
		filename = &m.cfg.Metadata.Filename
	}
	return plugin.NewMetadataContext(filename, m.cfg.Metadata.EnvName, m.cfg.Metadata.Experimental)
}

// Executor binds a registered plugin to metadata and its merged config.
// The manager closes every executor it built on Shutdown.
func (m *Manager) Executor(name string, metadata plugin.MetadataContext, override map[string]any) (*plugin.Executor, error) {
	p, err := m.GetPlugin(name)
	if err != nil {
		return nil, err
	}

	opts := []plugin.Option{
		plugin.WithVersion(p.Version()),
		plugin.WithMetrics(m.metrics),
	}
	if m.cfg.Wasm.ReuseContext {
		opts = append(opts, plugin.WithReuseContext())
	}
	if m.sink != nil {
		opts = append(opts, plugin.WithLogSink(m.sink))
	}

	// A nil map must reach the executor as an untyped nil so the plugin
	// sees no config at all.
	var cfg any
	if merged := p.MergedConfig(override); merged != nil {
		cfg = merged
	}

	exec, err := plugin.NewExecutor(m.instanceMgr, p.Compiled, name, metadata, cfg, m.baseLogger, opts...)
	if err != nil {
		return nil, &PluginLoadError{PluginName: name, Err: err}
	}

	m.mu.Lock()
	m.executors = append(m.executors, exec)
	m.mu.Unlock()

	return exec, nil
}

// BuildChain resolves the configured chain against the registry.
// Every step name must be registered; the first unknown name fails the
// whole chain with its 1-based position.
func (m *Manager) BuildChain(metadata plugin.MetadataContext) (*chain.Chain, error) {
	steps := make([]chain.Transformer, 0, len(m.cfg.Chain))
	for i, step := range m.cfg.Chain {
		exec, err := m.Executor(step.Name, metadata, step.Config)
		if err != nil {
			return nil, &chain.StepError{Position: i + 1, Plugin: step.Name, Err: err}
		}
		steps = append(steps, exec)
	}

	m.logger.Info("Chain built",
		zap.Int("steps", len(steps)),
		zap.Bool("preserve_positions", m.cfg.PreservePositions),
	)

	return chain.New(m.baseLogger, steps, chain.WithPreservePositions(m.cfg.PreservePositions)), nil
}

// Shutdown closes every executor the manager built, then the runtime.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down plugin manager")

	m.mu.Lock()
	executors := m.executors
	m.executors = nil
	m.mu.Unlock()

	for _, exec := range executors {
		if err := exec.Close(ctx); err != nil {
			m.logger.Warn("Failed to close executor",
				zap.String("plugin", exec.Name()),
				zap.Error(err),
			)
		}
	}

	// Runtime close handles any remaining instances
	if err := m.runtime.Close(ctx); err != nil {
		m.logger.Error("Failed to shutdown runtime", zap.Error(err))
		return err
	}

	m.logger.Info("Plugin manager shutdown complete")
	return nil
}

// Registry returns the plugin registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// IsLoaded returns whether plugins have been loaded.
func (m *Manager) IsLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}
