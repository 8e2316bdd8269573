// Package dbexec runs translated queries against a live database and
// materializes the rows with the scope's materializer.
package dbexec

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"

	"ormquery/internal/entity"
	"ormquery/internal/enumerable"
	"ormquery/internal/ir"
	"ormquery/internal/logging"
	"ormquery/internal/observability"
	"ormquery/internal/query"
	"ormquery/internal/session"
	"ormquery/internal/sqlgen"
	"ormquery/internal/translate"
)

// Rows abstracts sql.Rows to allow wrapped cleanup behavior.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// QueryExecutor abstracts SQL execution so callers can swap in
// connection-pinned or transactional behavior.
type QueryExecutor interface {
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// StandardExecutor executes queries directly against a database handle.
type StandardExecutor struct {
	db *sql.DB
}

// NewStandardExecutor creates an executor that runs queries directly against the database.
func NewStandardExecutor(db *sql.DB) *StandardExecutor {
	return &StandardExecutor{db: db}
}

func (e *StandardExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	return e.db.QueryContext(ctx, query, args...)
}

func (e *StandardExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	return e.db.ExecContext(ctx, query, args...)
}

// TxExecutor executes queries inside a caller-owned transaction. Locking
// reads are only accepted through it.
type TxExecutor struct {
	tx *sql.Tx
}

// NewTxExecutor creates an executor bound to tx.
func NewTxExecutor(tx *sql.Tx) *TxExecutor {
	return &TxExecutor{tx: tx}
}

func (e *TxExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	return e.tx.QueryContext(ctx, query, args...)
}

func (e *TxExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return e.tx.ExecContext(ctx, query, args...)
}

// InTransaction marks the executor as transactional.
func (e *TxExecutor) InTransaction() bool { return true }

type transactional interface {
	InTransaction() bool
}

// Executor translates, renders and runs queries, then materializes the
// result with the root scope's shape.
type Executor struct {
	db         QueryExecutor
	registry   *entity.Registry
	translator *translate.Translator
	generator  *sqlgen.Generator
	metrics    *observability.QueryMetrics
	logger     *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithMetrics records query durations, row counts and failures.
func WithMetrics(m *observability.QueryMetrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// New creates an executor over db for the entities of reg.
func New(db QueryExecutor, reg *entity.Registry, gen *sqlgen.Generator, opts ...Option) *Executor {
	e := &Executor{db: db, registry: reg, generator: gen}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrDefault(e.logger)
	e.translator = translate.New(reg, translate.WithLogger(e.logger))
	return e
}

// Query runs q with the given positional arguments. Entities are tracked
// by sess when it is non-nil. Sequences are returned as enumerable.Seq and
// groupings as *query.Grouping elements.
func (e *Executor) Query(ctx context.Context, sess *session.Session, q query.Expr, args ...interface{}) (_ interface{}, err error) {
	dialect := e.generator.Dialect().Name
	ctx, span := observability.StartSpan(ctx, "dbexec", "dbexec.query",
		attribute.String("db.system.dialect", dialect))
	start := time.Now()
	rows := 0
	defer func() {
		e.metrics.RecordQuery(ctx, dialect, time.Since(start), rows, err)
		observability.RecordSpanError(span, err)
		span.End()
	}()

	tq, err := e.translator.Translate(ctx, q)
	if err != nil {
		return nil, err
	}
	if locks(tq.Root) {
		if tx, ok := e.db.(transactional); !ok || !tx.InTransaction() {
			return nil, errors.Newf("locking reads require a transactional executor")
		}
	}
	stmt, err := e.generator.Generate(ctx, tq.Root, args)
	if err != nil {
		return nil, err
	}

	var tracker ir.Session
	if sess != nil {
		tracker = sess
	}
	items, err := e.fetch(ctx, stmt, tq.Root, tracker)
	rows = len(items)
	if err != nil {
		return nil, errors.Wrapf(err, "query %s", query.Format(q))
	}
	e.logger.Debug("query executed",
		slog.String("dialect", dialect),
		slog.Int("rows", rows),
		slog.Duration("elapsed", time.Since(start)))
	return e.shape(tq.Root, items)
}

// fetch runs stmt and materializes every row.
func (e *Executor) fetch(ctx context.Context, stmt *sqlgen.Statement, root *ir.Select, sess ir.Session) (enumerable.Seq, error) {
	rs, err := e.db.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	width := len(root.Columns)
	var out enumerable.Seq
	for rs.Next() {
		row := make([]interface{}, width)
		dest := make([]interface{}, width)
		for i := range row {
			dest[i] = &row[i]
		}
		if err := rs.Scan(dest...); err != nil {
			return out, errors.Wrap(err, "scan row")
		}
		for i, v := range row {
			// Text-protocol drivers return every column as bytes.
			if b, ok := v.([]byte); ok {
				row[i] = string(b)
			}
		}
		v, err := root.Materialize(row, sess)
		if err != nil {
			return out, errors.Wrapf(err, "materialize row %d", len(out))
		}
		out = append(out, v)
	}
	return out, rs.Err()
}

func (e *Executor) shape(root *ir.Select, items enumerable.Seq) (interface{}, error) {
	switch root.Shape {
	case ir.ShapeSequence:
		if items == nil {
			items = enumerable.Seq{}
		}
		return items, nil
	case ir.ShapeFirst:
		return enumerable.First(items)
	case ir.ShapeScalar:
		if len(items) != 1 {
			return nil, errors.AssertionFailedf("scalar query returned %d rows", len(items))
		}
		return items[0], nil
	case ir.ShapeGroups:
		return foldGroups(items, enumerable.EntityIdentity(e.registry))
	}
	return nil, errors.AssertionFailedf("unknown result shape %d", root.Shape)
}

// foldGroups collects grouped rows into groupings, in order of the first
// appearance of each key.
func foldGroups(items enumerable.Seq, id enumerable.Identity) (enumerable.Seq, error) {
	index := make(map[interface{}]*query.Grouping)
	out := enumerable.Seq{}
	for _, item := range items {
		row, ok := item.(*ir.GroupedRow)
		if !ok {
			return nil, errors.AssertionFailedf("grouping scope produced %T", item)
		}
		k, err := id(row.Key)
		if err != nil {
			return nil, err
		}
		g, ok := index[k]
		if !ok {
			g = &query.Grouping{Key: row.Key}
			index[k] = g
			out = append(out, g)
		}
		g.Items = append(g.Items, row.Item)
	}
	return out, nil
}

func locks(root *ir.Select) bool {
	for _, s := range root.Scopes() {
		for _, t := range s.Tables {
			if tbl, ok := t.(*ir.Table); ok && tbl.Lock != ir.LockNone {
				return true
			}
		}
	}
	return false
}
