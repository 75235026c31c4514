package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/plugin-runner/internal/wasm"
)

// Loader handles loading plugins from disk.
type Loader struct {
	moduleLoader *wasm.ModuleLoader
	logger       *zap.Logger
}

// NewLoader creates a new plugin loader. Modules are compiled through the
// runtime's module cache, so a Wasm file shared by several plugin
// directories is compiled once.
func NewLoader(runtime *wasm.Runtime, logger *zap.Logger) *Loader {
	return &Loader{
		moduleLoader: wasm.NewModuleLoader(runtime, logger),
		logger:       logger.With(zap.String("component", "plugin-loader")),
	}
}

// LoadPlugin loads a single plugin from a directory.
func (l *Loader) LoadPlugin(ctx context.Context, dir string) (*Plugin, error) {
	l.logger.Debug("Loading plugin", zap.String("dir", dir))

	manifest, err := ParseManifest(dir)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Loading plugin",
		zap.String("name", manifest.Name),
		zap.String("version", manifest.Version),
	)

	// Compile Wasm module (uses internal caching)
	compiled, err := l.moduleLoader.LoadModuleFromFile(ctx, manifest.WasmPath())
	if err != nil {
		return nil, &PluginLoadError{
			PluginName: manifest.Name,
			Err:        err,
		}
	}

	plugin := &Plugin{
		Manifest: manifest,
		Compiled: compiled,
		LoadedAt: time.Now(),
	}

	l.logger.Info("Plugin loaded successfully",
		zap.String("name", manifest.Name),
		zap.Int64("size_bytes", compiled.SizeBytes),
		zap.String("digest", compiled.Digest.String()),
	)

	return plugin, nil
}

// DiscoverPlugins scans directories for plugins. Every subdirectory of a
// path is treated as one plugin; directories that fail to load are logged
// and skipped.
func (l *Loader) DiscoverPlugins(ctx context.Context, paths []string) ([]*Plugin, error) {
	var plugins []*Plugin
	var errs []error

	for _, basePath := range paths {
		l.logger.Debug("Scanning plugin directory", zap.String("path", basePath))

		entries, err := os.ReadDir(basePath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				l.logger.Warn("Plugin path does not exist", zap.String("path", basePath))
				continue
			}
			return nil, fmt.Errorf("failed to read directory '%s': %w", basePath, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			pluginDir := filepath.Join(basePath, entry.Name())

			plugin, err := l.LoadPlugin(ctx, pluginDir)
			if err != nil {
				l.logger.Error("Failed to load plugin",
					zap.String("dir", pluginDir),
					zap.Error(err),
				)
				errs = append(errs, err)
				continue
			}

			plugins = append(plugins, plugin)
		}
	}

	if len(plugins) > 0 && len(errs) > 0 {
		l.logger.Warn("Some plugins failed to load",
			zap.Int("loaded", len(plugins)),
			zap.Int("failed", len(errs)),
		)
	}

	if len(plugins) == 0 {
		if len(errs) > 0 {
			return nil, errors.Join(append([]error{&NoPluginsFoundError{Paths: paths}}, errs...)...)
		}
		return nil, &NoPluginsFoundError{Paths: paths}
	}

	return plugins, nil
}
