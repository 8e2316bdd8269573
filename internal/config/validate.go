package config

import (
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult contains the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error returns a combined error message if there are validation errors.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for errors and returns validation results.
// It returns both errors (fatal) and warnings (non-fatal issues).
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	switch c.Dialect {
	case DialectSQLite, DialectMySQL, DialectRowNumber:
	default:
		result.Errors = append(result.Errors, ValidationError{
			Field:   "dialect",
			Message: fmt.Sprintf("unknown dialect %q", c.Dialect),
			Hint:    "use sqlite, mysql or rownumber",
		})
	}

	switch c.StringComparison {
	case ComparisonOrdinal, ComparisonInvariantIgnoreCase:
	default:
		result.Errors = append(result.Errors, ValidationError{
			Field:   "string_comparison",
			Message: fmt.Sprintf("unknown string comparison %q", c.StringComparison),
			Hint:    "use ordinal or invariant_ignore_case",
		})
	}

	if c.Cache.CompiledQueries < 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "cache.compiled_queries",
			Message: fmt.Sprintf("cache size %d must be positive", c.Cache.CompiledQueries),
		})
	}

	c.Database.validate(c.Dialect, result)
	c.Logging.validate(result)

	ratio := c.Observability.TraceSampleRatio
	if ratio < 0 || ratio > 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "observability.trace_sample_ratio",
			Message: fmt.Sprintf("ratio %v is outside [0, 1]", ratio),
		})
	}

	return result
}

func (d *DatabaseConfig) validate(dialect string, result *ValidationResult) {
	if d.PingTimeout < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.ping_timeout",
			Message: fmt.Sprintf("must not be negative, got %s", d.PingTimeout),
			Hint:    "use 0 to disable the timeout",
		})
	}
	switch d.Driver {
	case DriverSQLite:
		if dialect == DialectMySQL {
			result.Warnings = append(result.Warnings, ValidationWarning{
				Field:   "dialect",
				Message: "mysql dialect selected with the sqlite3 driver",
				Hint:    "use the sqlite dialect with the sqlite3 driver",
			})
		}
	case DriverMySQL:
		if _, err := mysql.ParseDSN(d.DSN); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "database.dsn",
				Message: fmt.Sprintf("invalid MySQL DSN: %v", err),
				Hint:    "use user:pass@tcp(host:port)/db",
			})
		}
		if d.Seed {
			result.Warnings = append(result.Warnings, ValidationWarning{
				Field:   "database.seed",
				Message: "seeding creates tables in the target MySQL database",
			})
		}
	default:
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.driver",
			Message: fmt.Sprintf("unknown driver %q", d.Driver),
			Hint:    "use sqlite3 or mysql",
		})
	}

	if strings.TrimSpace(d.DSN) == "" {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.dsn",
			Message: "dsn is required",
		})
	}
}

func (l *LoggingConfig) validate(result *ValidationResult) {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		result.Errors = append(result.Errors, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level %q", l.Level),
			Hint:    "use debug, info, warn or error",
		})
	}
	switch l.Format {
	case "json", "text":
	default:
		result.Errors = append(result.Errors, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format %q", l.Format),
			Hint:    "use json or text",
		})
	}
}
