package config

import (
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. ORMQ_DATABASE_DSN.
const EnvPrefix = "ORMQ"

// Load loads configuration from multiple sources with the following precedence:
// 1. Command line flags
// 2. Environment variables
// 3. Config file
// 4. Default values
func Load(args []string) (*Config, error) {
	v := viper.New()

	// Defaults (lowest priority)
	setDefaults(v)

	// --- Flags ---
	fs := NewFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "failed to parse flags")
	}

	// --- Config file ---
	cfgPath, _ := fs.GetString("config")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.SetConfigName("ormquery")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.ormquery")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgPath != "" {
			return nil, errors.Wrapf(err, "failed to read config file %q", cfgPath)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	// --- Environment variables ---
	// Canonical keys: dot + snake_case
	// Env vars: ORMQ_CACHE_COMPILED_QUERIES
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// --- Flags binding (highest priority) ---
	bindChangedFlagsToViper(fs, v)

	var cfg Config
	if err := v.UnmarshalExact(
		&cfg,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				trimSpaceHookFunc(),
			),
		),
	); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	cfg.Dialect = strings.ToLower(cfg.Dialect)
	cfg.StringComparison = strings.ToLower(cfg.StringComparison)
	return &cfg, nil
}

// bindChangedFlagsToViper copies only explicitly-set flags into Viper,
// preserving precedence: flags > env > file > defaults.
func bindChangedFlagsToViper(fs *pflag.FlagSet, v *viper.Viper) {
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}

		switch f.Value.Type() {
		case "string":
			val, _ := fs.GetString(f.Name)
			v.Set(f.Name, val)
		case "int":
			val, _ := fs.GetInt(f.Name)
			v.Set(f.Name, val)
		case "bool":
			val, _ := fs.GetBool(f.Name)
			v.Set(f.Name, val)
		case "float64":
			val, _ := fs.GetFloat64(f.Name)
			v.Set(f.Name, val)
		case "duration":
			val, _ := fs.GetDuration(f.Name)
			v.Set(f.Name, val)
		default:
			v.Set(f.Name, f.Value.String())
		}
	})
}

// NewFlagSet defines all command line flags using canonical snake_case keys.
func NewFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("ormquery", pflag.ContinueOnError)

	fs.String("dialect", "", "SQL dialect (sqlite, mysql, rownumber)")
	fs.String("string_comparison", "", "String comparison mode (ordinal, invariant_ignore_case)")
	fs.Int("cache.compiled_queries", 0, "Number of compiled cache-backend queries to keep")

	// Database flags
	fs.String("database.driver", "", "Database driver (sqlite3, mysql)")
	fs.String("database.dsn", "", "Database DSN")
	fs.Bool("database.seed", false, "Create and fill the sample tables before running queries")
	fs.Duration("database.ping_timeout", 0, "Timeout for the startup database ping (e.g. 5s)")

	// Logging flags
	fs.String("logging.level", "", "Log level (debug, info, warn, error)")
	fs.String("logging.format", "", "Log format (json, text)")

	// Observability flags
	fs.String("observability.service_name", "", "Service name for observability")
	fs.String("observability.service_version", "", "Service version for observability")
	fs.Bool("observability.tracing_enabled", false, "Enable tracing")
	fs.Bool("observability.metrics_enabled", false, "Enable metrics collection")
	fs.Float64("observability.trace_sample_ratio", 0, "Trace sampling ratio from 0.0 to 1.0")

	// Config file flag
	fs.StringP("config", "c", "", "Config file path")
	return fs
}

// setDefaults sets default values (lowest precedence).
func setDefaults(v *viper.Viper) {
	v.SetDefault("dialect", DialectSQLite)
	v.SetDefault("string_comparison", ComparisonOrdinal)
	v.SetDefault("cache.compiled_queries", 128)

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", "file:ormquery?mode=memory&cache=shared")
	v.SetDefault("database.seed", true)
	v.SetDefault("database.ping_timeout", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("observability.service_name", "ormquery")
	v.SetDefault("observability.service_version", "dev")
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.metrics_enabled", false)
	v.SetDefault("observability.trace_sample_ratio", 1.0)
}

// trimSpaceHookFunc strips surrounding whitespace from string values.
func trimSpaceHookFunc() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.String {
			return data, nil
		}
		return strings.TrimSpace(reflect.ValueOf(data).String()), nil
	}
}
