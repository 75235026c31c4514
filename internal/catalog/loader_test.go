package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/plugin-runner/internal/wasm"
	"github.com/woxQAQ/plugin-runner/internal/wasmtest"
)

func newTestRuntime(t *testing.T) *wasm.Runtime {
	t.Helper()
	ctx := context.Background()
	runtime, err := wasm.NewRuntime(ctx, zaptest.NewLogger(t), wasm.DefaultRuntimeConfig())
	if err != nil {
		t.Fatalf("Failed to create runtime: %v", err)
	}
	t.Cleanup(func() { runtime.Close(ctx) })
	return runtime
}

func manifestFor(name, version string) string {
	return "name: " + name + "\nversion: " + version + "\nwasm:\n  file: plugin.wasm\n"
}

func TestLoader_LoadPlugin_Valid(t *testing.T) {
	ctx := context.Background()
	loader := NewLoader(newTestRuntime(t), zaptest.NewLogger(t))
	dir := writePlugin(t, t.TempDir(), "echo", manifestFor("echo", "0.1.0"), wasmtest.Echo(), "plugin.wasm")

	p, err := loader.LoadPlugin(ctx, dir)
	if err != nil {
		t.Fatalf("LoadPlugin() failed: %v", err)
	}

	if p.Name() != "echo" {
		t.Errorf("expected name 'echo', got '%s'", p.Name())
	}

	if p.Version() != "0.1.0" {
		t.Errorf("expected version '0.1.0', got '%s'", p.Version())
	}

	if p.Compiled == nil || p.Compiled.Digest == "" {
		t.Errorf("expected a compiled module with a digest")
	}

	if p.LoadedAt.IsZero() {
		t.Errorf("expected LoadedAt to be set")
	}
}

func TestLoader_LoadPlugin_ManifestNotFound(t *testing.T) {
	loader := NewLoader(newTestRuntime(t), zaptest.NewLogger(t))

	_, err := loader.LoadPlugin(context.Background(), t.TempDir())
	if err == nil {
		t.Fatal("LoadPlugin() should fail without a manifest")
	}

	var notFound *ManifestNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("expected ManifestNotFoundError, got %T", err)
	}
}

func TestLoader_LoadPlugin_InvalidManifest(t *testing.T) {
	loader := NewLoader(newTestRuntime(t), zaptest.NewLogger(t))
	dir := writePlugin(t, t.TempDir(), "p", "version: 1.0.0\nwasm:\n  file: plugin.wasm\n", wasmtest.Echo(), "plugin.wasm")

	_, err := loader.LoadPlugin(context.Background(), dir)

	var validationErr *ManifestValidationError
	if !errors.As(err, &validationErr) {
		t.Errorf("expected ManifestValidationError, got %T", err)
	}
}

func TestLoader_LoadPlugin_CompileFailure(t *testing.T) {
	loader := NewLoader(newTestRuntime(t), zaptest.NewLogger(t))

	tests := []struct {
		name string
		wasm []byte
	}{
		{name: "not wasm", wasm: []byte("definitely not a module")},
		{name: "no transform export", wasm: wasmtest.NoTransform()},
		{name: "foreign import", wasm: wasmtest.ForeignImport()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writePlugin(t, t.TempDir(), "p", manifestFor("broken", "1.0.0"), tt.wasm, "plugin.wasm")

			_, err := loader.LoadPlugin(context.Background(), dir)
			if err == nil {
				t.Fatal("LoadPlugin() should fail")
			}

			var loadErr *PluginLoadError
			if !errors.As(err, &loadErr) {
				t.Fatalf("expected PluginLoadError, got %T", err)
			}
			if loadErr.PluginName != "broken" {
				t.Errorf("expected PluginName 'broken', got '%s'", loadErr.PluginName)
			}

			var compileErr *wasm.CompilationError
			if !errors.As(err, &compileErr) {
				t.Errorf("expected CompilationError, got %v", err)
			}
		})
	}
}

func TestLoader_DiscoverPlugins(t *testing.T) {
	loader := NewLoader(newTestRuntime(t), zaptest.NewLogger(t))
	base := t.TempDir()

	writePlugin(t, base, "echo", manifestFor("echo", "1.0.0"), wasmtest.Echo(), "plugin.wasm")
	writePlugin(t, base, "packed", manifestFor("packed", "1.0.0"), wasmtest.EchoPacked(), "plugin.wasm")
	writePlugin(t, base, "broken", manifestFor("broken", "1.0.0"), wasmtest.Trap()[:8], "plugin.wasm")
	// Plain files next to plugin directories are ignored.
	if err := os.WriteFile(filepath.Join(base, "README"), []byte("plugins"), 0o644); err != nil {
		t.Fatal(err)
	}

	plugins, err := loader.DiscoverPlugins(context.Background(), []string{base, filepath.Join(base, "missing")})
	if err != nil {
		t.Fatalf("DiscoverPlugins() failed: %v", err)
	}

	if len(plugins) != 2 {
		t.Fatalf("expected 2 plugins, got %d", len(plugins))
	}

	names := map[string]bool{}
	for _, p := range plugins {
		names[p.Name()] = true
	}
	if !names["echo"] || !names["packed"] {
		t.Errorf("unexpected plugins: %v", names)
	}
}

func TestLoader_DiscoverPlugins_EmptyDir(t *testing.T) {
	loader := NewLoader(newTestRuntime(t), zaptest.NewLogger(t))

	_, err := loader.DiscoverPlugins(context.Background(), []string{t.TempDir()})
	if err == nil {
		t.Fatal("DiscoverPlugins() should fail for an empty directory")
	}

	var notFound *NoPluginsFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("expected NoPluginsFoundError, got %T", err)
	}
}

func TestLoader_DiscoverPlugins_OnlyBroken(t *testing.T) {
	loader := NewLoader(newTestRuntime(t), zaptest.NewLogger(t))
	base := t.TempDir()
	writePlugin(t, base, "p", "name: p\n", nil, "")

	_, err := loader.DiscoverPlugins(context.Background(), []string{base})

	var notFound *NoPluginsFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NoPluginsFoundError, got %T", err)
	}

	var validationErr *ManifestValidationError
	if !errors.As(err, &validationErr) {
		t.Errorf("expected the per-directory failure to be reported, got %v", err)
	}
}

func TestLoader_DiscoverPlugins_PathNotExist(t *testing.T) {
	loader := NewLoader(newTestRuntime(t), zaptest.NewLogger(t))

	_, err := loader.DiscoverPlugins(context.Background(), []string{filepath.Join(t.TempDir(), "nonexistent")})

	var notFound *NoPluginsFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("expected NoPluginsFoundError, got %T", err)
	}
}
