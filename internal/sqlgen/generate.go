// Package sqlgen renders frozen IR scope trees as parameterized SQL. Each
// dialect decides identifier quoting, function spellings and how rows are
// paged; the scope tree decides everything else.
package sqlgen

import (
	"context"
	"log/slog"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"

	"ormquery/internal/ir"
	"ormquery/internal/logging"
	"ormquery/internal/observability"
)

// Statement is a rendered SQL statement with bound args.
type Statement struct {
	SQL  string
	Args []interface{}
}

// Generator renders scope trees for one dialect. It is safe for concurrent
// use.
type Generator struct {
	dialect Dialect
	logger  *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the logger generated statements are written to at debug.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		g.logger = logger
	}
}

// New creates a generator for d.
func New(d Dialect, opts ...Option) *Generator {
	g := &Generator{dialect: d}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrDefault(g.logger)
	return g
}

// Dialect returns the generator's dialect.
func (g *Generator) Dialect() Dialect { return g.dialect }

// Generate renders root with the query's positional args. List-valued
// arguments expand into one placeholder per element, so the text depends on
// their lengths.
func (g *Generator) Generate(ctx context.Context, root *ir.Select, args []interface{}) (_ *Statement, err error) {
	_, span := observability.StartSpan(ctx, "sqlgen", "sqlgen.generate",
		attribute.String("db.system.dialect", g.dialect.Name))
	defer func() {
		observability.RecordSpanError(span, err)
		span.End()
	}()

	if !root.Frozen() {
		return nil, errors.AssertionFailedf("scope must be frozen before SQL generation")
	}
	r := &renderer{d: g.dialect, args: args}
	b, err := r.scope(root)
	if err != nil {
		return nil, err
	}
	sql, sqlArgs, err := b.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "render statement")
	}
	span.SetAttributes(attribute.String("db.statement", sql))
	g.logger.Debug("generated sql",
		slog.String("dialect", g.dialect.Name),
		slog.String("sql", sql),
		slog.Int("args", len(sqlArgs)))
	return &Statement{SQL: sql, Args: sqlArgs}, nil
}

// renderer renders one statement.
type renderer struct {
	d    Dialect
	args []interface{}
}

const (
	rowNumberAlias = "rn"
	pagedAlias     = "p"
	distinctAlias  = "d"
)

// scope renders s and the rest of its set-operation chain.
func (r *renderer) scope(s *ir.Select) (sq.SelectBuilder, error) {
	var b sq.SelectBuilder
	var err error
	if s.HasPaging() && r.d.Paging == PagingRowNumber {
		b, err = r.rowNumbered(s)
	} else {
		b, err = r.body(s, true)
		if err == nil {
			b, err = r.paging(b, s)
		}
	}
	if err != nil {
		return b, err
	}
	if lock := r.lock(s); lock != "" {
		b = b.Suffix(lock)
	}
	if s.Next != nil {
		next, err := r.subquery(s.Next)
		if err != nil {
			return b, err
		}
		b = b.SuffixExpr(compose(s.SetOp.String()+" %s", next))
	}
	return b, nil
}

// body renders the select list, sources, filters, grouping and, when
// ordered is set, the ordering of s.
func (r *renderer) body(s *ir.Select, ordered bool) (sq.SelectBuilder, error) {
	b := sq.Select().PlaceholderFormat(sq.Question)
	if s.IsDistinct() {
		b = b.Distinct()
	}
	for i, c := range s.Columns {
		col, err := r.expr(c)
		if err != nil {
			return b, err
		}
		b = b.Column(compose("%s AS "+r.d.quote(ir.ColumnAlias(i)), col))
	}

	b, err := r.sources(b, s)
	if err != nil {
		return b, err
	}
	for _, f := range s.Filters {
		cond, err := r.expr(f)
		if err != nil {
			return b, err
		}
		b = b.Where(cond)
	}
	if b, err = r.grouping(b, s); err != nil {
		return b, err
	}
	for _, h := range s.Having {
		cond, err := r.expr(h)
		if err != nil {
			return b, err
		}
		b = b.Having(cond)
	}
	if ordered {
		for _, o := range s.Orders {
			frag, err := r.ordering(o)
			if err != nil {
				return b, err
			}
			b = b.OrderByClause(frag)
		}
	}
	return b, nil
}

func (r *renderer) sources(b sq.SelectBuilder, s *ir.Select) (sq.SelectBuilder, error) {
	for i, t := range s.Tables {
		alias := r.d.quote(t.Name())
		if i == 0 {
			switch v := t.(type) {
			case *ir.Table:
				b = b.From(r.d.quote(v.Physical) + " AS " + alias)
			case *ir.SubSelectTable:
				sub, err := r.scope(v.Scope)
				if err != nil {
					return b, err
				}
				b = b.FromSelect(sub, alias)
			}
			continue
		}

		var src fragment
		switch v := t.(type) {
		case *ir.Table:
			src = raw(r.d.quote(v.Physical) + " AS " + alias)
		case *ir.SubSelectTable:
			sub, err := r.subquery(v.Scope)
			if err != nil {
				return b, err
			}
			src = compose("(%s) AS "+alias, sub)
		}
		j := t.Join()
		if j == nil || j.Against == nil || j.On == nil {
			b = b.JoinClause(compose("CROSS JOIN %s", src))
			continue
		}
		on, err := r.expr(j.On)
		if err != nil {
			return b, err
		}
		b = b.JoinClause(compose(j.Kind.String()+" JOIN %s ON %s", src, on))
	}
	return b, nil
}

// grouping renders GROUP BY for groups evaluated in SQL. Distinct groups
// render as SELECT DISTINCT and in-memory groups are folded by the reader.
func (r *renderer) grouping(b sq.SelectBuilder, s *ir.Select) (sq.SelectBuilder, error) {
	for _, g := range s.Groups {
		if g.IsDistinct() || g.InMemory {
			continue
		}
		for _, key := range keyParts(g.Key) {
			frag, err := r.expr(key)
			if err != nil {
				return b, err
			}
			if len(frag.args) > 0 {
				return b, errors.UnimplementedErrorf(errors.IssueLink{Detail: "sql generation"},
					"grouping by an expression with bound parameters")
			}
			b = b.GroupBy(frag.sql)
		}
	}
	return b, nil
}

// keyParts lists the scalar parts of a grouping key.
func keyParts(n ir.Node) []ir.Node {
	switch v := n.(type) {
	case *ir.EntityRef, *ir.Construct:
		var out []ir.Node
		for _, c := range v.Children() {
			out = append(out, keyParts(c)...)
		}
		return out
	}
	return []ir.Node{n}
}

func (r *renderer) ordering(o *ir.OrderBy) (fragment, error) {
	if o.IsConstant() {
		return raw("(SELECT 1)"), nil
	}
	frag, err := r.expr(o.Expr)
	if err != nil {
		return fragment{}, err
	}
	dir := " ASC"
	if o.Descending {
		dir = " DESC"
	}
	return compose("%s"+dir, frag), nil
}

// paging appends the LIMIT clause of the limit/offset dialects.
func (r *renderer) paging(b sq.SelectBuilder, s *ir.Select) (sq.SelectBuilder, error) {
	if !s.HasPaging() {
		return b, nil
	}
	var limit, offset fragment
	var err error
	if s.Limit != nil {
		if limit, err = r.expr(s.Limit); err != nil {
			return b, err
		}
	}
	if s.Offset != nil {
		if offset, err = r.offset(s.Offset, r.d.ZeroBasedRows); err != nil {
			return b, err
		}
	}

	switch {
	case s.Offset == nil:
		return b.SuffixExpr(compose("LIMIT %s", limit)), nil
	case s.Limit == nil:
		limit = raw(r.d.NoLimit)
	}
	if r.d.Paging == PagingLimitComma {
		return b.SuffixExpr(compose("LIMIT %s, %s", offset, limit)), nil
	}
	return b.SuffixExpr(compose("LIMIT %s OFFSET %s", limit, offset)), nil
}

// offset renders a row offset in the dialect's numbering.
func (r *renderer) offset(o *ir.RowOffset, zeroBased bool) (fragment, error) {
	v, err := r.expr(o.Value)
	if err != nil {
		return fragment{}, err
	}
	switch shift := o.Shift(zeroBased); {
	case shift > 0:
		return compose("(%s + 1)", v), nil
	case shift < 0:
		return compose("(%s - 1)", v), nil
	}
	return v, nil
}

// rowNumbered pages s by numbering its rows in a derived table and keeping
// the numbers in range. Row numbers start at 1, so the first kept row is
// offset+1 and the last is offset+limit.
func (r *renderer) rowNumbered(s *ir.Select) (sq.SelectBuilder, error) {
	var inner sq.SelectBuilder
	var err error
	if s.IsDistinct() {
		// Row numbers must be assigned after duplicates are removed.
		distinct, err := r.body(s, false)
		if err != nil {
			return inner, err
		}
		inner = sq.Select(r.outputColumns(distinctAlias, len(s.Columns))...).
			Column("ROW_NUMBER() OVER (ORDER BY (SELECT 1)) AS " + r.d.quote(rowNumberAlias)).
			FromSelect(distinct, r.d.quote(distinctAlias))
	} else {
		if inner, err = r.body(s, false); err != nil {
			return inner, err
		}
		orders := s.Orders
		if len(orders) == 0 {
			orders = []*ir.OrderBy{ir.NewConstantOrderBy()}
		}
		parts := make([]fragment, len(orders))
		for i, o := range orders {
			if parts[i], err = r.ordering(o); err != nil {
				return inner, err
			}
		}
		inner = inner.Column(compose("ROW_NUMBER() OVER (ORDER BY %s) AS "+r.d.quote(rowNumberAlias),
			joinFragments(", ", parts)))
	}

	rn := r.d.qualified(pagedAlias, rowNumberAlias)
	outer := sq.Select(r.outputColumns(pagedAlias, len(s.Columns))...).
		FromSelect(inner, r.d.quote(pagedAlias)).
		PlaceholderFormat(sq.Question)
	if s.Offset != nil {
		first, err := r.offset(s.Offset, false)
		if err != nil {
			return outer, err
		}
		outer = outer.Where(compose(rn+" >= %s", first))
	}
	switch {
	case s.OffsetLimit != nil:
		last, err := r.expr(s.OffsetLimit)
		if err != nil {
			return outer, err
		}
		outer = outer.Where(compose(rn+" <= %s", last))
	case s.Limit != nil:
		last, err := r.expr(s.Limit)
		if err != nil {
			return outer, err
		}
		outer = outer.Where(compose(rn+" <= %s", last))
	}
	return outer.OrderBy(rn), nil
}

func (r *renderer) outputColumns(table string, n int) []string {
	cols := make([]string, n)
	for i := range cols {
		alias := ir.ColumnAlias(i)
		cols[i] = r.d.qualified(table, alias) + " AS " + r.d.quote(alias)
	}
	return cols
}

func (r *renderer) lock(s *ir.Select) string {
	var clauses []string
	for _, t := range s.Tables {
		tbl, ok := t.(*ir.Table)
		if !ok || tbl.Lock == ir.LockNone {
			continue
		}
		if clause, ok := r.d.Locks[tbl.Lock]; ok {
			clauses = append(clauses, clause)
			break
		}
	}
	return strings.Join(clauses, " ")
}
