package catalog

import (
	"time"

	"github.com/woxQAQ/plugin-runner/internal/wasm"
)

// Plugin represents a loaded plugin with its manifest and compiled Wasm module.
type Plugin struct {
	// Manifest is the parsed plugin metadata
	Manifest *Manifest

	// Compiled is the compiled Wasm module
	Compiled *wasm.CompiledModule

	// LoadedAt is the timestamp when the plugin was loaded
	LoadedAt time.Time
}

// Name returns the plugin name.
func (p *Plugin) Name() string {
	return p.Manifest.Name
}

// Version returns the plugin version.
func (p *Plugin) Version() string {
	return p.Manifest.Version
}

// MergedConfig overlays override on the manifest's default config.
// Keys are merged at the top level only; nil is returned when neither
// side provides a config.
func (p *Plugin) MergedConfig(override map[string]any) map[string]any {
	if p.Manifest.Config == nil && override == nil {
		return nil
	}
	merged := make(map[string]any, len(p.Manifest.Config)+len(override))
	for k, v := range p.Manifest.Config {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
