package crawler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables that override config keys.
const EnvPrefix = "CRAWLER_"

// Config is the engine configuration, usually loaded from .crawler.yaml.
type Config struct {
	// BackOff is the debounce delay after the most recent enqueue of a document.
	BackOff time.Duration `koanf:"backoff" validate:"gte=0"`

	// PollInterval bounds how long the scheduler sleeps with an empty queue.
	PollInterval time.Duration `koanf:"poll-interval" validate:"gt=0"`

	// MaxConcurrency is the number of documents analyzed at the same time.
	MaxConcurrency int `koanf:"max-concurrency" validate:"gte=1,lte=1024"`

	// ShutdownTimeout bounds a blocking Unregister before runs are abandoned.
	ShutdownTimeout time.Duration `koanf:"shutdown-timeout" validate:"gte=0"`

	// PrioritizeHighPriority lets HighPriority items jump the FIFO order.
	PrioritizeHighPriority bool `koanf:"prioritize-high-priority"`

	FaultRetry FaultRetryConfig `koanf:"fault-retry"`
	Log        LogConfig        `koanf:"log"`
	Metrics    MetricsConfig    `koanf:"metrics"`

	// Providers lists the analyzer providers to load by name.
	Providers []string `koanf:"providers"`

	// Analyzers holds per-analyzer overrides keyed by analyzer ID.
	Analyzers map[string]AnalyzerConfig `koanf:"analyzers" validate:"dive"`

	// MaxLineLength is used by the line-too-long analyzer. Zero disables it.
	MaxLineLength int `koanf:"max-line-length" validate:"gte=0"`

	// File is the config file the values were loaded from, if any.
	File string `koanf:"-"`
}

// FaultRetryConfig controls re-analysis of documents whose analyzers faulted.
type FaultRetryConfig struct {
	// MaxAttempts is the number of retries per document. Zero disables retries.
	MaxAttempts     int           `koanf:"max-attempts" validate:"gte=0"`
	InitialInterval time.Duration `koanf:"initial-interval" validate:"gte=0"`
	MaxInterval     time.Duration `koanf:"max-interval" validate:"gte=0"`
}

// LogConfig controls the zap logger built by the command line tools.
type LogConfig struct {
	Level       string `koanf:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `koanf:"development"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the endpoint.
	Addr string `koanf:"addr" validate:"omitempty,hostname_port"`
}

// AnalyzerConfig overrides the behavior of one analyzer.
type AnalyzerConfig struct {
	Disabled bool `koanf:"disabled"`

	// Files restricts the analyzer to paths matching any doublestar pattern.
	Files []string `koanf:"files"`

	// When is an expr predicate over PredicateEnv. Empty means always.
	When string `koanf:"when"`

	// Severity overrides the severity of every diagnostic the analyzer reports.
	Severity string `koanf:"severity" validate:"omitempty,oneof=error warning warn info information hint"`
}

// PredicateEnv is the environment analyzer "when" predicates are evaluated in.
type PredicateEnv struct {
	Language string   `expr:"language"`
	Path     string   `expr:"path"`
	Project  string   `expr:"project"`
	Open     bool     `expr:"open"`
	Lines    int      `expr:"lines"`
	Reasons  []string `expr:"reasons"`
}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig() *Config {
	return &Config{
		BackOff:         300 * time.Millisecond,
		PollInterval:    time.Second,
		MaxConcurrency:  4,
		ShutdownTimeout: 5 * time.Second,
		FaultRetry: FaultRetryConfig{
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Providers:     []string{"builtin"},
		Analyzers:     map[string]AnalyzerConfig{},
		MaxLineLength: 120,
	}
}

// Analyzer returns the overrides for id, or the zero value.
func (c *Config) Analyzer(id AnalyzerID) AnalyzerConfig {
	return c.Analyzers[string(id)]
}

// DefaultConfigNames are the filenames we search for.
var DefaultConfigNames = []string{".crawler.yaml", ".crawler.yml", ".crawler.toml", "crawler.yaml", "crawler.toml"}

// LoadConfig finds the nearest config file walking up from dir and loads it.
// A missing file is not an error: defaults and environment still apply.
func LoadConfig(dir string, overrides map[string]any) (*Config, error) {
	path, err := FindConfig(dir)
	if err != nil && !errors.Is(err, ErrConfigNotFound) {
		return nil, err
	}

	return LoadConfigFile(path, overrides)
}

// FindConfig searches for a config file starting from dir and walking up.
func FindConfig(dir string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	for dir := absDir; ; {
		for _, name := range DefaultConfigNames {
			path := filepath.Join(dir, name)

			info, err := os.Stat(path)
			if err == nil && !info.IsDir() {
				return path, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrConfigNotFound
		}

		dir = parent
	}
}

// LoadConfigFile layers defaults, the file at path (if non-empty), CRAWLER_*
// environment variables and overrides, then validates the result.
// Override keys use the dotted koanf form, e.g. "fault-retry.max-attempts".
func LoadConfigFile(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, err
	}

	if path != "" {
		if err := k.Load(file.Provider(filepath.Clean(path)), parserFor(path)); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKeyTransform,
	}), nil); err != nil {
		return nil, err
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if cfg.Analyzers == nil {
		cfg.Analyzers = map[string]AnalyzerConfig{}
	}

	cfg.File = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints, file patterns and predicates.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	for id, ac := range c.Analyzers {
		for _, pattern := range ac.Files {
			if !doublestar.ValidatePattern(pattern) {
				return fmt.Errorf("invalid config: analyzers.%s.files: bad pattern %q", id, pattern)
			}
		}

		if ac.When != "" {
			if _, err := expr.Compile(ac.When, expr.Env(PredicateEnv{}), expr.AsBool()); err != nil {
				return fmt.Errorf("invalid config: analyzers.%s.when: %w", id, err)
			}
		}
	}

	return nil
}

func parserFor(path string) koanf.Parser { //nolint:ireturn
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Parser()
	}

	return yamlParser{}
}

// yamlParser is a koanf.Parser backed by yaml.v3.
type yamlParser struct{}

func (yamlParser) Unmarshal(b []byte) (map[string]any, error) {
	var out map[string]any
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, err
	}

	if out == nil {
		out = map[string]any{}
	}

	return out, nil
}

func (yamlParser) Marshal(m map[string]any) ([]byte, error) {
	return yaml.Marshal(m)
}

var analyzerFields = []string{"disabled", "files", "when", "severity"}

// envKeyTransform converts environment variable names to config keys.
// CRAWLER_MAX_CONCURRENCY -> max-concurrency
// CRAWLER_FAULT_RETRY_MAX_ATTEMPTS -> fault-retry.max-attempts
// CRAWLER_ANALYZERS_TODO_COMMENT_DISABLED -> analyzers.todo-comment.disabled
func envKeyTransform(k, v string) (string, any) {
	s := strings.ToLower(strings.TrimPrefix(k, EnvPrefix))

	if rest, ok := strings.CutPrefix(s, "analyzers_"); ok {
		for _, field := range analyzerFields {
			if id, ok := strings.CutSuffix(rest, "_"+field); ok && id != "" {
				if field == "files" {
					return "analyzers." + strings.ReplaceAll(id, "_", "-") + "." + field, strings.Split(v, ",")
				}

				return "analyzers." + strings.ReplaceAll(id, "_", "-") + "." + field, v
			}
		}

		return "", nil
	}

	for _, section := range []string{"fault_retry", "log", "metrics"} {
		if rest, ok := strings.CutPrefix(s, section+"_"); ok {
			return strings.ReplaceAll(section, "_", "-") + "." + strings.ReplaceAll(rest, "_", "-"), v
		}
	}

	if s == "providers" {
		return s, strings.Split(v, ",")
	}

	return strings.ReplaceAll(s, "_", "-"), v
}
