// Package cache runs declarative queries against an in-memory snapshot of
// the store. Queries are rewritten into in-memory form, compiled into
// closures once and kept in an LRU keyed by the query's canonical text.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"ormquery/internal/entity"
	"ormquery/internal/logging"
	"ormquery/internal/observability"
	"ormquery/internal/query"
	"ormquery/internal/session"
)

// DefaultSize is the number of compiled queries kept when no size is given.
const DefaultSize = 256

// Compiler compiles queries for the cache backend and keeps the results.
// It is safe for concurrent use.
type Compiler struct {
	rewriter *Rewriter
	compiler *compiler
	compiled *lru.Cache[string, Func]
	inflight singleflight.Group
	metrics  *observability.CacheMetrics
	logger   *slog.Logger
	cmp      query.StringComparison
	size     int
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithLogger sets the compiler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Compiler) {
		c.logger = logger
	}
}

// WithMetrics records cache hits, misses and compile times.
func WithMetrics(m *observability.CacheMetrics) Option {
	return func(c *Compiler) {
		c.metrics = m
	}
}

// WithComparison sets the string comparison mode string equality and prefix
// tests follow.
func WithComparison(cmp query.StringComparison) Option {
	return func(c *Compiler) {
		c.cmp = cmp
	}
}

// WithSize sets how many compiled queries are kept.
func WithSize(n int) Option {
	return func(c *Compiler) {
		c.size = n
	}
}

// New creates a compiler for the entities of reg.
func New(reg *entity.Registry, opts ...Option) (*Compiler, error) {
	c := &Compiler{size: DefaultSize}
	for _, opt := range opts {
		opt(c)
	}
	if c.size <= 0 {
		return nil, errors.Newf("compiled query cache size must be positive, got %d", c.size)
	}
	compiled, err := lru.New[string, Func](c.size)
	if err != nil {
		return nil, errors.Wrap(err, "create compiled query cache")
	}
	c.compiled = compiled
	c.rewriter = NewRewriter(reg, c.cmp)
	c.compiler = newCompiler(reg)
	c.logger = logging.OrDefault(c.logger)
	return c, nil
}

// Compile returns the compiled form of q. Queries with equal cache keys
// share one compiled function; concurrent compiles of the same query run
// once. Queries constructing results through closures are compiled on
// every call.
func (c *Compiler) Compile(ctx context.Context, q query.Expr) (Func, error) {
	key, cacheable := query.CacheKey(q)
	if !cacheable {
		start := time.Now()
		fn, err := c.compile(ctx, q)
		if err != nil {
			return nil, err
		}
		c.metrics.RecordMiss(ctx, time.Since(start))
		return fn, nil
	}
	if fn, ok := c.compiled.Get(key); ok {
		c.metrics.RecordHit(ctx)
		return fn, nil
	}
	v, err, shared := c.inflight.Do(key, func() (interface{}, error) {
		if fn, ok := c.compiled.Get(key); ok {
			return fn, nil
		}
		start := time.Now()
		fn, err := c.compile(ctx, q)
		if err != nil {
			return nil, err
		}
		c.compiled.Add(key, fn)
		c.metrics.RecordMiss(ctx, time.Since(start))
		c.logger.Debug("compiled cache query",
			slog.String("query", key),
			slog.Duration("elapsed", time.Since(start)))
		return fn, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("shared cache query compile", slog.String("query", key))
	}
	return v.(Func), nil
}

func (c *Compiler) compile(ctx context.Context, q query.Expr) (_ Func, err error) {
	_, span := observability.StartSpan(ctx, "cache", "cache.compile",
		attribute.String("query", query.Format(q)))
	defer func() {
		observability.RecordSpanError(span, err)
		span.End()
	}()

	rewritten, err := c.rewriter.Rewrite(q)
	if err != nil {
		return nil, err
	}
	return c.compiler.program(rewritten)
}

// Query compiles q and runs it over snap with args. Sequences are returned
// as enumerable.Seq and groupings as *query.Grouping elements, the same
// shapes the live-store executor returns.
func (c *Compiler) Query(ctx context.Context, sess *session.Session, snap *Snapshot, q query.Expr, args ...interface{}) (interface{}, error) {
	fn, err := c.Compile(ctx, q)
	if err != nil {
		return nil, err
	}
	out, err := fn(sess, snap, args)
	if err != nil {
		return nil, errors.Wrapf(err, "cache query %s", query.Format(q))
	}
	return out, nil
}

// Len is the number of compiled queries held.
func (c *Compiler) Len() int {
	return c.compiled.Len()
}
