package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable the loader reads. A double
// underscore separates nesting levels: LEAPEXPLORE_STORE__S3__BUCKET sets
// store.s3.bucket.
const EnvPrefix = "LEAPEXPLORE_"

// configNames are looked up in the working directory when no file is given.
var configNames = []string{"leapexplore.yaml", "leapexplore.yml"}

// flagKeys maps flags whose names differ from their config keys.
var flagKeys = map[string]string{
	"row-limit":     "executor.default_row_limit",
	"query-timeout": "executor.query_timeout",
	"strict":        "executor.strict",
	"store-type":    "store.type",
	"store-url":     "store.url",
	"store-dir":     "store.dir",
	"source":        "session.source",
	"auto-run":      "session.auto_run_on_navigate",
	"port":          "server.port",
	"watch":         "server.watch",
}

func defaults() map[string]any {
	return map[string]any{
		"model":                        DefaultModelFile,
		"output":                       DefaultOutput,
		"verbose":                      false,
		"log_format":                   DefaultLogFormat,
		"log_level":                    DefaultLogLevel,
		"store.type":                   "dir",
		"store.dir":                    "data",
		"store.retry_max":              DefaultRetryMax,
		"store.timeout":                DefaultStoreTimeout.String(),
		"store.s3.use_ssl":             true,
		"store.postgres.schema":        "public",
		"executor.default_row_limit":   DefaultRowLimit,
		"executor.query_timeout":       DefaultQueryTimeout.String(),
		"top_values.limit":             DefaultTopValuesLimit,
		"top_values.timeout":           DefaultTopValuesTimeout.String(),
		"session.auto_run_on_navigate": false,
		"server.port":                  DefaultPort,
		"server.watch":                 true,
		"server.session_idle_timeout":  DefaultSessionIdle.String(),
		"server.max_sessions":          DefaultMaxSessions,
	}
}

// findConfigFile returns the explicit path, or the first config file found
// in the working directory.
func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range configNames {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// envKey turns LEAPEXPLORE_STORE__RETRY_MAX into store.retry_max.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// flagKey returns the config key of a flag.
func flagKey(name string) string {
	if key, ok := flagKeys[name]; ok {
		return key
	}
	return strings.ReplaceAll(name, "-", "_")
}

// Load loads configuration from defaults, the config file, environment
// variables and flags. Precedence (highest to lowest): flags > env vars >
// config file > defaults. Only flags that were explicitly set count.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	used := findConfigFile(cfgFile)
	if used != "" {
		if err := k.Load(file.Provider(used), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", used, err)
		}
	}

	// 3. Environment variables
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			return flagKey(f.Name), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// 5. Decode
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	}); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.File = used
	if used != "" {
		resolveRelative(&cfg, filepath.Dir(used), flags)
	}
	cfg.Store.Postgres.DSN = os.ExpandEnv(cfg.Store.Postgres.DSN)
	cfg.Store.S3.SecretAccessKey = os.ExpandEnv(cfg.Store.S3.SecretAccessKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveRelative makes relative file paths relative to the config file.
// Paths given as flags stay relative to the working directory.
func resolveRelative(cfg *Config, baseDir string, flags *pflag.FlagSet) {
	resolve := func(flag, p string) string {
		if flags != nil && flags.Changed(flag) {
			return p
		}
		if p == "" || p == ":memory:" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	cfg.Model = resolve("model", cfg.Model)
	cfg.Database = resolve("database", cfg.Database)
	cfg.RunLog = resolve("run-log", cfg.RunLog)
	cfg.Store.Dir = resolve("store-dir", cfg.Store.Dir)
}

// Validate checks values that have a closed set of options.
func (c *Config) Validate() error {
	switch c.Output {
	case OutputTable, OutputJSON, OutputCSV, OutputMarkdown:
	default:
		return fmt.Errorf("invalid output format %q (want table, json, csv or md)", c.Output)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (want text or json)", c.LogFormat)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Executor.DefaultRowLimit < 0 {
		return fmt.Errorf("executor.default_row_limit must not be negative")
	}
	return nil
}

// ParseLevel parses a log level name.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

type configKey struct{}

type loggerKey struct{}

// WithConfig stores cfg in ctx.
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// FromContext returns the config stored in ctx, or nil.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(configKey{}).(*Config)
	return cfg
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}
