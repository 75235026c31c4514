package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/woxQAQ/plugin-runner/internal/catalog"
	"github.com/woxQAQ/plugin-runner/internal/config"
	"github.com/woxQAQ/plugin-runner/internal/envelope"
	"github.com/woxQAQ/plugin-runner/internal/metrics"
	"github.com/woxQAQ/plugin-runner/internal/plugin"
	"github.com/woxQAQ/plugin-runner/internal/wasm"
	"github.com/woxQAQ/plugin-runner/pkg/ast"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// options are the command-line flags.
type options struct {
	configPath string
	logLevel   string
	in         string
	out        string
	filename   string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error), overrides log_level")
	flag.StringVar(&opts.in, "in", "-", "Serialized program envelope to read, - for stdin")
	flag.StringVar(&opts.out, "out", "-", "Where to write the transformed envelope, - for stdout")
	flag.StringVar(&opts.filename, "filename", "", "Source file name handed to plugins, overrides metadata.filename")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadRunnerConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting plugin-runner",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("Run failed",
			zap.String("kind", plugin.ErrorKind(err)),
			zap.Error(err),
		)
		logger.Sync()
		os.Exit(1)
	}

	logger.Info("Run complete")
}

// newLogger logs to stderr so stdout stays free for the output envelope.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func run(ctx context.Context, cfg *config.RunnerConfig, opts options, logger *zap.Logger) error {
	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
		metrics.Expose(cfg.MetricsPort, reg)
		logger.Info("Serving metrics", zap.Int("port", cfg.MetricsPort))
	}

	runtime, err := wasm.NewRuntime(ctx, logger, &wasm.RuntimeConfig{
		MemoryPages:      cfg.Wasm.MemoryPages,
		DebugEnabled:     cfg.Wasm.Debug,
		CacheDir:         cfg.Wasm.CacheDir,
		MaxInstances:     cfg.Wasm.MaxInstances,
		ExecutionTimeout: cfg.Wasm.ExecutionTimeout,
		NegativeCache:    cfg.Wasm.NegativeCache,
	}, wasm.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("failed to initialize Wasm runtime: %w", err)
	}

	manager := catalog.NewManager(cfg, runtime, logger, catalog.WithMetrics(m))
	defer func() {
		if err := manager.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Shutdown failed", zap.Error(err))
		}
	}()

	if err := manager.LoadAll(ctx); err != nil {
		return err
	}

	var filename *string
	if opts.filename != "" {
		filename = &opts.filename
	}
	c, err := manager.BuildChain(manager.Metadata(filename))
	if err != nil {
		return err
	}

	data, err := readInput(opts.in)
	if err != nil {
		return err
	}

	var program ast.Program
	if err := envelope.DecodeBytes(data, &program); err != nil {
		return fmt.Errorf("invalid input program: %w", err)
	}

	result, err := c.Apply(ctx, &program)
	if err != nil {
		return err
	}

	out, err := envelope.Encode(result)
	if err != nil {
		return err
	}

	return writeOutput(opts.out, out.Bytes())
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return data, nil
}

func writeOutput(path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
