package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. PLUGIN_RUNNER_WASM_MEMORY_PAGES.
const EnvPrefix = "PLUGIN_RUNNER"

type RunnerConfig struct {
	PluginPaths       []string       `mapstructure:"plugin_paths"`
	LogLevel          string         `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	MetricsEnabled    bool           `mapstructure:"metrics_enabled"`
	MetricsPort       int            `mapstructure:"metrics_port" validate:"min=0,max=65535"`
	PreservePositions bool           `mapstructure:"preserve_positions"`
	Wasm              WasmConfig     `mapstructure:"wasm"`
	Metadata          MetadataConfig `mapstructure:"metadata"`
	Chain             []ChainStep    `mapstructure:"chain" validate:"dive"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages" validate:"min=1,max=65536"`
	// Forward guest log lines at debug level.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory, empty for in-memory only.
	CacheDir string `mapstructure:"cache_dir"`
	// Maximum concurrent instances, 0 for no limit.
	MaxInstances int `mapstructure:"max_instances" validate:"min=0"`
	// Budget for one plugin call, 0 for no limit.
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout" validate:"min=0"`
	// Remember compile failures for the lifetime of the process.
	NegativeCache bool `mapstructure:"negative_cache"`
	// Keep one execution context per plugin instead of one per call.
	ReuseContext bool `mapstructure:"reuse_context"`
}

// MetadataConfig is the host-supplied metadata handed to every plugin.
type MetadataConfig struct {
	// Source file name; empty means absent.
	Filename     string            `mapstructure:"filename"`
	EnvName      string            `mapstructure:"env_name"`
	// Flag names may not shadow the filename and env metadata keys.
	Experimental map[string]string `mapstructure:"experimental" validate:"dive,keys,ne=filename,ne=env,endkeys"`
}

// ChainStep names one plugin of the chain and its per-step config.
type ChainStep struct {
	Name   string         `mapstructure:"name" validate:"required"`
	Config map[string]any `mapstructure:"config"`
}

func LoadRunnerConfig(configPath string) (*RunnerConfig, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("plugin_paths", []string{"./plugins"})
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("preserve_positions", false)

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 256) // 16MB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "")
	v.SetDefault("wasm.max_instances", 100)
	v.SetDefault("wasm.execution_timeout", "30s")
	v.SetDefault("wasm.negative_cache", true)
	v.SetDefault("wasm.reuse_context", false)

	v.SetDefault("metadata.filename", "")
	v.SetDefault("metadata.env_name", "development")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg RunnerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks value ranges and that every chain step names a plugin.
func (c *RunnerConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
