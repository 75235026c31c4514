package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/woxQAQ/plugin-runner/internal/wasmtest"
)

const validManifest = `
name: strip-console
version: 1.2.0
description: Removes console calls
wasm:
  file: strip_console.wasm
config:
  keep: [error, warn]
  level: 2
author: Build Team
license: Apache-2.0
`

// writePlugin lays out a plugin directory under base. A nil wasm skips the
// module file.
func writePlugin(t *testing.T, base, name, manifest string, wasm []byte, wasmFile string) string {
	t.Helper()
	dir := filepath.Join(base, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if wasm != nil {
		if err := os.WriteFile(filepath.Join(dir, wasmFile), wasm, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestParseManifest_Valid(t *testing.T) {
	dir := writePlugin(t, t.TempDir(), "strip-console", validManifest, wasmtest.Echo(), "strip_console.wasm")

	manifest, err := ParseManifest(dir)
	if err != nil {
		t.Fatalf("ParseManifest() failed: %v", err)
	}

	if manifest.Name != "strip-console" {
		t.Errorf("expected Name 'strip-console', got '%s'", manifest.Name)
	}

	if manifest.Version != "1.2.0" {
		t.Errorf("expected Version '1.2.0', got '%s'", manifest.Version)
	}

	if manifest.Wasm.File != "strip_console.wasm" {
		t.Errorf("expected Wasm.File 'strip_console.wasm', got '%s'", manifest.Wasm.File)
	}

	if manifest.Description != "Removes console calls" || manifest.Author != "Build Team" || manifest.License != "Apache-2.0" {
		t.Errorf("descriptive fields mismatch: %+v", manifest)
	}

	keep, ok := manifest.Config["keep"].([]any)
	if !ok || len(keep) != 2 {
		t.Errorf("expected config.keep with 2 entries, got %v", manifest.Config["keep"])
	}

	if manifest.Config["level"] != 2 {
		t.Errorf("expected config.level 2, got %v", manifest.Config["level"])
	}
}

func TestParseManifest_NotFound(t *testing.T) {
	_, err := ParseManifest(filepath.Join(t.TempDir(), "nonexistent"))
	if err == nil {
		t.Fatal("ParseManifest() should fail for nonexistent directory")
	}

	var notFound *ManifestNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("expected ManifestNotFoundError, got %T", err)
	}
}

func TestParseManifest_InvalidYAML(t *testing.T) {
	dir := writePlugin(t, t.TempDir(), "broken", "name: [unclosed\nversion: 1.0.0\n", nil, "")

	_, err := ParseManifest(dir)
	if err == nil {
		t.Fatal("ParseManifest() should fail for invalid YAML")
	}

	var parseErr *ManifestParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("expected ManifestParseError, got %T", err)
	}
}

func TestParseManifest_ValidationFailures(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		field    string
	}{
		{
			name:     "missing name",
			manifest: "version: 1.0.0\nwasm:\n  file: p.wasm\n",
			field:    "name",
		},
		{
			name:     "name with separator",
			manifest: "name: a/b\nversion: 1.0.0\nwasm:\n  file: p.wasm\n",
			field:    "name",
		},
		{
			name:     "missing version",
			manifest: "name: p\nwasm:\n  file: p.wasm\n",
			field:    "version",
		},
		{
			name:     "version not semver",
			manifest: "name: p\nversion: latest\nwasm:\n  file: p.wasm\n",
			field:    "version",
		},
		{
			name:     "missing wasm file",
			manifest: "name: p\nversion: 1.0.0\n",
			field:    "wasm.file",
		},
		{
			name:     "wasm file without extension",
			manifest: "name: p\nversion: 1.0.0\nwasm:\n  file: p.bin\n",
			field:    "wasm.file",
		},
		{
			name:     "wasm file outside plugin directory",
			manifest: "name: p\nversion: 1.0.0\nwasm:\n  file: ../p.wasm\n",
			field:    "wasm.file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writePlugin(t, t.TempDir(), "p", tt.manifest, wasmtest.Echo(), "p.wasm")

			_, err := ParseManifest(dir)
			if err == nil {
				t.Fatal("ParseManifest() should fail")
			}

			var validationErr *ManifestValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected ManifestValidationError, got %T: %v", err, err)
			}

			if validationErr.Field != tt.field {
				t.Errorf("expected Field '%s', got '%s' (%s)", tt.field, validationErr.Field, validationErr.Message)
			}
		})
	}
}

func TestParseManifest_WasmNotFound(t *testing.T) {
	dir := writePlugin(t, t.TempDir(), "strip-console", validManifest, nil, "")

	_, err := ParseManifest(dir)
	if err == nil {
		t.Fatal("ParseManifest() should fail for missing Wasm file")
	}

	var wasmErr *WasmNotFoundError
	if !errors.As(err, &wasmErr) {
		t.Fatalf("expected WasmNotFoundError, got %T", err)
	}

	if wasmErr.WasmFile != "strip_console.wasm" {
		t.Errorf("expected WasmFile 'strip_console.wasm', got '%s'", wasmErr.WasmFile)
	}
}

func TestManifest_Paths(t *testing.T) {
	dir := filepath.Join("plugins", "strip-console")
	m := &Manifest{Wasm: WasmConfig{File: "strip_console.wasm"}, dir: dir}

	if m.Path() != filepath.Join(dir, "manifest.yaml") {
		t.Errorf("unexpected Path(): %s", m.Path())
	}

	if m.WasmPath() != filepath.Join(dir, "strip_console.wasm") {
		t.Errorf("unexpected WasmPath(): %s", m.WasmPath())
	}

	if m.Dir() != dir {
		t.Errorf("unexpected Dir(): %s", m.Dir())
	}
}

func TestPlugin_MergedConfig(t *testing.T) {
	p := &Plugin{Manifest: &Manifest{Config: map[string]any{"level": 2, "keep": "error"}}}

	merged := p.MergedConfig(map[string]any{"level": 3, "extra": true})
	if merged["level"] != 3 || merged["keep"] != "error" || merged["extra"] != true {
		t.Errorf("unexpected merge result: %v", merged)
	}

	// The manifest default is left untouched.
	if p.Manifest.Config["level"] != 2 {
		t.Errorf("manifest config mutated: %v", p.Manifest.Config)
	}

	if (&Plugin{Manifest: &Manifest{}}).MergedConfig(nil) != nil {
		t.Errorf("expected nil config when neither side provides one")
	}
}
