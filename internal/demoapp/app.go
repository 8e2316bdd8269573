// Package demoapp wires the query pipeline to a configured database: it
// seeds a sample model, explains sample queries and runs them through both
// the live store and the cache backend.
package demoapp

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"

	"ormquery/internal/cache"
	"ormquery/internal/config"
	"ormquery/internal/dbexec"
	"ormquery/internal/entity"
	"ormquery/internal/logging"
	"ormquery/internal/observability"
	"ormquery/internal/sqlgen"
	"ormquery/internal/translate"
)

// App owns the resources of one demo run.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	meterProvider  *observability.MeterProvider
	tracerProvider *observability.TracerProvider

	db         *sql.DB
	registry   *entity.Registry
	translator *translate.Translator
	generator  *sqlgen.Generator
	executor   *dbexec.Executor
	compiler   *cache.Compiler
	snapshot   *cache.Snapshot

	resources resources

	stateMu     sync.Mutex
	initialized bool

	shutdownOnce sync.Once
}

// New creates an App for cfg.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// Init connects, seeds when configured, and loads the cache snapshot. It
// is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.initialized {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	held := resources{}
	success := false
	defer func() {
		if !success {
			_ = held.releaseAll(context.Background(), a.logger)
		}
	}()

	dialect, err := sqlgen.ParseDialect(a.cfg.Dialect)
	if err != nil {
		return err
	}

	meterProvider, cacheMetrics, queryMetrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return errors.Wrap(err, "initialize metrics")
	}
	if meterProvider != nil {
		held.acquired("meter provider", func(shutdownCtx context.Context) error {
			return meterProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	tracerProvider, err := initTracing(a.cfg, a.logger)
	if err != nil {
		return errors.Wrap(err, "initialize tracing")
	}
	if tracerProvider != nil {
		held.acquired("tracer provider", func(shutdownCtx context.Context) error {
			return tracerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	db, dbStatsReg, err := connectDB(a.cfg, a.logger)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	held.acquired("database", func(_ context.Context) error {
		if dbStatsReg != nil {
			if err := dbStatsReg.Unregister(); err != nil {
				a.logger.Warn("failed to unregister DB stats metrics", slog.String("error", err.Error()))
			}
		}
		return db.Close()
	})
	if err := ping(ctx, db, a.cfg.Database.PingTimeout); err != nil {
		return errors.Wrap(err, "ping database")
	}

	registry, err := NewRegistry(entity.NewRegistry(nil, a.logger.Logger))
	if err != nil {
		return err
	}
	if a.cfg.Database.Seed {
		if err := seed(ctx, db, registry, dialect.Quote); err != nil {
			return errors.Wrap(err, "seed sample tables")
		}
		a.logger.Info("seeded sample tables", slog.Int("rows", len(sampleRows)))
	}

	generator := sqlgen.New(dialect, sqlgen.WithLogger(a.logger.Logger))
	executor := dbexec.New(buildQueryExecutor(a.cfg, db), registry, generator,
		dbexec.WithLogger(a.logger.Logger), dbexec.WithMetrics(queryMetrics))
	compiler, err := cache.New(registry,
		cache.WithLogger(a.logger.Logger),
		cache.WithMetrics(cacheMetrics),
		cache.WithSize(a.cfg.Cache.CompiledQueries),
		cache.WithComparison(stringComparison(a.cfg.StringComparison)))
	if err != nil {
		return err
	}
	snapshot, err := cache.Load(ctx, executor, registry)
	if err != nil {
		return errors.Wrap(err, "load cache snapshot")
	}

	a.meterProvider = meterProvider
	a.tracerProvider = tracerProvider
	a.db = db
	a.registry = registry
	a.translator = translate.New(registry, translate.WithLogger(a.logger.Logger))
	a.generator = generator
	a.executor = executor
	a.compiler = compiler
	a.snapshot = snapshot
	a.resources = held
	a.initialized = true

	success = true
	a.logger.Debug("demo initialized",
		slog.String("dialect", dialect.Name),
		slog.String("driver", a.cfg.Database.Driver),
	)
	return nil
}

func (a *App) ready() error {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if !a.initialized {
		return errors.New("app is not initialized")
	}
	return nil
}
