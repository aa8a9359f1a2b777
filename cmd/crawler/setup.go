package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rlch/crawler"
	"github.com/rlch/crawler/metrics"
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "config file (default: nearest .crawler.yaml or .crawler.toml)",
		},
		&cli.DurationFlag{
			Name:  "backoff",
			Usage: "debounce delay after the last change of a document",
		},
		&cli.IntFlag{
			Name:    "concurrency",
			Aliases: []string{"j"},
			Usage:   "documents analyzed at the same time",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log level (debug, info, warn, error)",
			Sources: cli.EnvVars("CRAWLER_LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "serve Prometheus metrics on this address",
		},
		&cli.BoolFlag{
			Name:  "trace",
			Usage: "print OpenTelemetry spans of analyzer runs to stderr",
		},
	}
}

// env holds what every command needs: configuration, a logger and the
// optional telemetry.
type env struct {
	cfg    *crawler.Config
	logger *zap.Logger

	closers []func(context.Context) error
}

// setup loads the configuration for dir, layering command line flags on
// top, and starts logging, metrics and tracing.
func setup(ctx context.Context, cmd *cli.Command, dir string) (*env, error) {
	overrides := map[string]any{}

	if cmd.IsSet("backoff") {
		overrides["backoff"] = cmd.Duration("backoff")
	}

	if cmd.IsSet("concurrency") {
		overrides["max-concurrency"] = cmd.Int("concurrency")
	}

	if cmd.IsSet("log-level") {
		overrides["log.level"] = cmd.String("log-level")
	}

	if cmd.IsSet("metrics-addr") {
		overrides["metrics.addr"] = cmd.String("metrics-addr")
	}

	var (
		cfg *crawler.Config
		err error
	)

	if path := cmd.String("config"); path != "" {
		cfg, err = crawler.LoadConfigFile(path, overrides)
	} else {
		cfg, err = crawler.LoadConfig(dir, overrides)
	}

	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, logger: logger}

	if cfg.File != "" {
		logger.Debug("config loaded", zap.String("file", cfg.File))
	}

	if addr := cfg.Metrics.Addr; addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, logger); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	if cmd.Bool("trace") {
		shutdown, err := startTracing()
		if err != nil {
			return nil, err
		}

		e.closers = append(e.closers, shutdown)
	}

	return e, nil
}

// metricsEnabled reports whether registrations should record metrics.
func (e *env) metricsEnabled() bool {
	return e.cfg.Metrics.Addr != ""
}

// close flushes telemetry and the logger.
func (e *env) close() error {
	var errs []error

	for _, c := range e.closers {
		errs = append(errs, c(context.Background()))
	}

	_ = e.logger.Sync()

	return errors.Join(errs...)
}

// newLogger builds a console logger writing to stderr; stdout is
// reserved for reports.
func newLogger(cfg crawler.LogConfig) (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	if !cfg.Development {
		config = zap.NewProductionConfig()
		config.Encoding = "console"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	level := zapcore.WarnLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}

		level = parsed
	}

	config.Level = zap.NewAtomicLevelAt(level)

	return config.Build()
}

func startTracing() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(os.Stderr),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "crawler"),
			attribute.String("service.version", version),
		)),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
