package demoapp

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/cockroachdb/errors"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"ormquery/internal/config"
	"ormquery/internal/dbexec"
	"ormquery/internal/logging"
	"ormquery/internal/observability"
	"ormquery/internal/query"
)

// InitLogger builds the configured logger and installs it as the slog
// default.
func InitLogger(cfg *config.Config) *logging.Logger {
	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger.Logger)
	return logger
}

func observabilityConfig(cfg *config.Config) observability.Config {
	return observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
	}
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.CacheMetrics, *observability.QueryMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil, nil
	}
	meterProvider, err := observability.InitMeterProvider(observabilityConfig(cfg))
	if err != nil {
		return nil, nil, nil, err
	}
	cacheMetrics, err := observability.InitCacheMetrics()
	if err != nil {
		return nil, nil, nil, err
	}
	queryMetrics, err := observability.InitQueryMetrics()
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Debug("metrics initialized", slog.String("service_name", cfg.Observability.ServiceName))
	return meterProvider, cacheMetrics, queryMetrics, nil
}

func initTracing(cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}
	tracerProvider, err := observability.InitTracerProvider(observabilityConfig(cfg), logger.Logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("tracing initialized",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.Float64("sample_ratio", cfg.Observability.TraceSampleRatio),
	)
	return tracerProvider, nil
}

func dbSystem(driver string) attribute.KeyValue {
	if driver == config.DriverMySQL {
		return semconv.DBSystemMySQL
	}
	return semconv.DBSystemSqlite
}

// connectDB opens the configured database, instrumented with otelsql when
// tracing or metrics are on.
func connectDB(cfg *config.Config, logger *logging.Logger) (*sql.DB, interface{ Unregister() error }, error) {
	driver, dsn := cfg.Database.Driver, cfg.Database.DSN
	instrumented := cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled

	var db *sql.DB
	var dbStatsReg interface{ Unregister() error }
	var err error
	if instrumented {
		opts := []otelsql.Option{otelsql.WithAttributes(dbSystem(driver))}
		if cfg.Observability.TracingEnabled {
			opts = append(opts, otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}))
		}
		db, err = otelsql.Open(driver, dsn, opts...)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "open %s", driver)
		}
		if cfg.Observability.MetricsEnabled {
			dbStatsReg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(dbSystem(driver)))
			if err != nil {
				logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
			}
		}
	} else {
		db, err = sql.Open(driver, dsn)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "open %s", driver)
		}
	}
	if driver == config.DriverSQLite {
		// An in-memory database lives as long as one of its connections.
		db.SetMaxOpenConns(1)
	}
	logger.Debug("database opened",
		slog.String("driver", driver),
		slog.Bool("instrumented", instrumented),
	)
	return db, dbStatsReg, nil
}

func ping(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return db.PingContext(ctx)
}

// buildQueryExecutor picks how statements reach the database. Dialects
// quoting identifiers with double quotes need ANSI_QUOTES on MySQL.
func buildQueryExecutor(cfg *config.Config, db *sql.DB) dbexec.QueryExecutor {
	if cfg.Database.Driver == config.DriverMySQL && cfg.Dialect == config.DialectRowNumber {
		ansi := dbexec.ANSIQuotesMySQL
		ansi.DB = db
		return dbexec.NewConnExecutor(ansi)
	}
	return dbexec.NewStandardExecutor(db)
}

func stringComparison(name string) query.StringComparison {
	if name == config.ComparisonInvariantIgnoreCase {
		return query.InvariantIgnoreCase
	}
	return query.Ordinal
}
