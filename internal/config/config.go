// Package config loads configuration from files, env vars, and flags, and validates it.
package config

import "time"

// Config holds the application configuration.
type Config struct {
	Dialect          string              `mapstructure:"dialect"`
	StringComparison string              `mapstructure:"string_comparison"`
	Cache            CacheConfig         `mapstructure:"cache"`
	Database         DatabaseConfig      `mapstructure:"database"`
	Logging          LoggingConfig       `mapstructure:"logging"`
	Observability    ObservabilityConfig `mapstructure:"observability"`
}

// CacheConfig holds cache backend parameters.
type CacheConfig struct {
	CompiledQueries int `mapstructure:"compiled_queries"` // LRU size for compiled query functions
}

// DatabaseConfig holds live-store connection parameters.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite3, mysql
	DSN    string `mapstructure:"dsn"`
	Seed   bool   `mapstructure:"seed"` // create and fill the sample tables

	PingTimeout time.Duration `mapstructure:"ping_timeout"` // bound on the startup ping, 0 disables
}

// LoggingConfig holds logging parameters.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// ObservabilityConfig holds observability parameters.
type ObservabilityConfig struct {
	ServiceName      string  `mapstructure:"service_name"`
	ServiceVersion   string  `mapstructure:"service_version"`
	TracingEnabled   bool    `mapstructure:"tracing_enabled"`
	MetricsEnabled   bool    `mapstructure:"metrics_enabled"`
	TraceSampleRatio float64 `mapstructure:"trace_sample_ratio"`
}

const (
	DialectSQLite    = "sqlite"
	DialectMySQL     = "mysql"
	DialectRowNumber = "rownumber"

	ComparisonOrdinal             = "ordinal"
	ComparisonInvariantIgnoreCase = "invariant_ignore_case"

	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)
