// Package plugin binds a compiled plugin module to one invocation's metadata
// and configuration and exposes the single transform operation.
package plugin

import (
	"github.com/woxQAQ/plugin-runner/api/abi"
)

// MetadataContext describes the invocation environment. It is immutable once
// built; absent optional fields are nil, never empty sentinels.
type MetadataContext struct {
	// Filename identifies the source file, nil when unknown.
	Filename *string `cbor:"filename"`

	// Env is the environment name, e.g. "development" or "production".
	Env string `cbor:"env"`

	// Experimental holds experimental-feature flags, nil when none were given.
	Experimental map[string]string `cbor:"experimental"`
}

// NewMetadataContext copies its arguments into a MetadataContext.
func NewMetadataContext(filename *string, env string, experimental map[string]string) MetadataContext {
	m := MetadataContext{Env: env}
	if filename != nil {
		f := *filename
		m.Filename = &f
	}
	if experimental != nil {
		m.Experimental = make(map[string]string, len(experimental))
		for k, v := range experimental {
			m.Experimental[k] = v
		}
	}
	return m
}

// Lookup resolves one key for the metadata_value host import: "filename",
// "env", or the name of an experimental flag. The two fixed keys shadow
// experimental flags of the same name.
func (m MetadataContext) Lookup(key string) (string, bool) {
	switch key {
	case abi.MetadataKeyFilename:
		if m.Filename == nil {
			return "", false
		}
		return *m.Filename, true
	case abi.MetadataKeyEnv:
		return m.Env, true
	}
	v, ok := m.Experimental[key]
	return v, ok
}

// Diagnostics is the optional build metadata a plugin reports through
// plugin_diagnostics.
type Diagnostics struct {
	PkgVersion string `cbor:"pkg_version"`
	GitSHA     string `cbor:"git_sha"`
	Target     string `cbor:"target"`
}
