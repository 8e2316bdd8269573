package demoapp

import (
	"bytes"
	"context"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ormquery/internal/config"
	"ormquery/internal/dbexec"
	"ormquery/internal/entity"
	"ormquery/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.Config{Level: "error", Format: "text", Output: &bytes.Buffer{}})
}

func testConfig(t *testing.T, dialect string) *config.Config {
	return &config.Config{
		Dialect:          dialect,
		StringComparison: config.ComparisonOrdinal,
		Cache:            config.CacheConfig{CompiledQueries: 32},
		Database: config.DatabaseConfig{
			Driver: config.DriverSQLite,
			DSN:    "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared",
			Seed:   true,
		},
		Logging:       config.LoggingConfig{Level: "error", Format: "text"},
		Observability: config.ObservabilityConfig{ServiceName: "ormquery-test", TraceSampleRatio: 1},
	}
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	app, err := New(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, app.Init(context.Background()))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	return app
}

func TestSamplesAgreeAcrossBackends(t *testing.T) {
	for _, dialect := range []string{config.DialectSQLite, config.DialectMySQL, config.DialectRowNumber} {
		t.Run(dialect, func(t *testing.T) {
			app := newApp(t, testConfig(t, dialect))
			for _, s := range Samples() {
				cmp, err := app.Compare(context.Background(), s)
				require.NoError(t, err, s.Name)
				assert.True(t, cmp.Agree, "%s: live %v, cache %v", s.Name, cmp.Live, cmp.Cache)
			}
		})
	}
}

func TestRunWritesReport(t *testing.T) {
	cfg := testConfig(t, config.DialectSQLite)
	cfg.Observability.TracingEnabled = true
	cfg.Observability.MetricsEnabled = true
	app := newApp(t, cfg)

	var out bytes.Buffer
	require.NoError(t, app.Run(context.Background(), &out))
	report := out.String()
	assert.Contains(t, report, "== customers in a city")
	assert.Contains(t, report, "SELECT")
	assert.Contains(t, report, "  from ")
	assert.NotContains(t, report, "DIFFER")
	assert.Equal(t, len(Samples()), strings.Count(report, "\nagree\n"))
}

func TestExplainRendersDialect(t *testing.T) {
	app := newApp(t, testConfig(t, config.DialectRowNumber))
	s := Samples()[2]
	ex, err := app.Explain(context.Background(), s)
	require.NoError(t, err)
	assert.Contains(t, ex.SQL, "ROW_NUMBER()")
	assert.Contains(t, ex.SQL, `"customers"`)
	assert.Equal(t, "second page", s.Name)
}

func TestInitFailureReleasesResources(t *testing.T) {
	cfg := testConfig(t, config.DialectSQLite)
	cfg.Database.DSN = "file:/nonexistent/dir/demo.db?mode=ro"
	app, err := New(cfg, testLogger())
	require.NoError(t, err)
	require.Error(t, app.Init(context.Background()))

	_, err = app.Explain(context.Background(), Samples()[0])
	assert.ErrorContains(t, err, "not initialized")
}

func TestNewRequiresConfigAndLogger(t *testing.T) {
	_, err := New(nil, testLogger())
	assert.Error(t, err)
	_, err = New(&config.Config{}, nil)
	assert.Error(t, err)
}

func TestShutdownIdempotent(t *testing.T) {
	app := &App{logger: testLogger()}
	var calls int32
	app.resources.acquired("test", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, app.Shutdown(ctx))
	require.NoError(t, app.Shutdown(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestShutdownReportsReleaseFailures(t *testing.T) {
	app := &App{logger: testLogger()}
	var released []string
	for _, name := range []string{"meter provider", "tracer provider", "database"} {
		name := name
		app.resources.acquired(name, func(context.Context) error {
			released = append(released, name)
			if name != "tracer provider" {
				return errors.New("closed twice")
			}
			return nil
		})
	}

	err := app.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "release database")
	assert.Equal(t, []string{"database", "tracer provider", "meter provider"}, released)
	assert.NoError(t, app.Shutdown(context.Background()))
}

func TestReleaseAllRunsNewestFirst(t *testing.T) {
	var order []string
	var held resources
	for _, name := range []string{"metrics", "tracing", "database"} {
		name := name
		held.acquired(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	require.NoError(t, held.releaseAll(context.Background(), nil))
	assert.Equal(t, []string{"database", "tracing", "metrics"}, order)
	assert.Empty(t, held.held)
}

func TestBuildQueryExecutor(t *testing.T) {
	cfg := &config.Config{Dialect: config.DialectRowNumber, Database: config.DatabaseConfig{Driver: config.DriverMySQL}}
	assert.IsType(t, &dbexec.ConnExecutor{}, buildQueryExecutor(cfg, nil))

	cfg.Dialect = config.DialectMySQL
	assert.IsType(t, &dbexec.StandardExecutor{}, buildQueryExecutor(cfg, nil))

	cfg = &config.Config{Dialect: config.DialectRowNumber, Database: config.DatabaseConfig{Driver: config.DriverSQLite}}
	assert.IsType(t, &dbexec.StandardExecutor{}, buildQueryExecutor(cfg, nil))
}

func TestCreateTable(t *testing.T) {
	reg, err := NewRegistry(entity.NewRegistry(nil, testLogger().Logger))
	require.NoError(t, err)
	ent, ok := reg.Lookup(reflect.TypeOf(Order{}))
	require.True(t, ok)

	ddl, err := createTable(ent, '"')
	require.NoError(t, err)
	assert.Equal(t, `CREATE TABLE "orders" ("id" BIGINT NOT NULL, "customer_id" BIGINT NOT NULL, `+
		`"total" DOUBLE NOT NULL, PRIMARY KEY ("id"))`, ddl)

	_, err = columnType(reflect.TypeOf(time.Time{}))
	assert.Error(t, err)
}
