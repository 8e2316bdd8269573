package ir

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/cockroachdb/errors"

	"ormquery/internal/entity"
)

// SetOperator combines a scope with the next one in its chain.
type SetOperator int

const (
	SetNone SetOperator = iota
	SetUnion
	SetUnionAll
	SetIntersect
	SetExcept
)

func (op SetOperator) String() string {
	switch op {
	case SetUnion:
		return "UNION"
	case SetUnionAll:
		return "UNION ALL"
	case SetIntersect:
		return "INTERSECT"
	case SetExcept:
		return "EXCEPT"
	default:
		return ""
	}
}

// Shape says how the rows of a scope become the query result.
type Shape int

const (
	// ShapeSequence returns every materialized row.
	ShapeSequence Shape = iota
	// ShapeFirst returns the first row and fails when there is none.
	ShapeFirst
	// ShapeScalar returns the single value of a one-row, one-column result.
	ShapeScalar
	// ShapeGroups folds rows produced as *GroupedRow into groupings in memory.
	ShapeGroups
)

// GroupedRow is produced by the materializer of an in-memory grouping scope.
type GroupedRow struct {
	Key  interface{}
	Item interface{}
}

// Session receives every entity a materializer produces.
type Session interface {
	// Track returns the session's instance for the entity's key, adopting v
	// when the key is new.
	Track(e *entity.Entity, v interface{}) (interface{}, error)
}

// Materializer turns one result row into a typed value.
type Materializer func(row []interface{}, sess Session) (interface{}, error)

// Select is one query level: its tables, output columns, clauses, paging,
// materializer, parent scope and set-operation chain. A scope is mutable
// while it is assembled and frozen once handed to a consumer.
type Select struct {
	base
	Tables      []TableRef
	Columns     []Node
	Filters     []Node
	Having      []Node
	Orders      []*OrderBy
	Groups      []*Group
	Offset      *RowOffset
	Limit       Node
	OffsetLimit Node
	Shape       Shape
	Materialize Materializer
	Parent      *Select
	Next        *Select
	SetOp       SetOperator
	frozen      bool
	names       *int
}

// NewSelect starts a top-level scope whose result has type t.
func NewSelect(t reflect.Type) *Select {
	return &Select{base: base{typ: t}, names: new(int)}
}

// NewChild starts a nested scope that resolves unknown tables through s.
// Table aliases stay unique across the whole tree.
func (s *Select) NewChild(t reflect.Type) *Select {
	return &Select{base: base{typ: t}, Parent: s, names: s.names}
}

// NewSibling starts a scope that shares alias numbering with s but does not
// see its tables, for the right-hand side of a set operation.
func (s *Select) NewSibling(t reflect.Type) *Select {
	return &Select{base: base{typ: t}, Parent: s.Parent, names: s.names}
}

func (*Select) Kind() Kind     { return KindSelect }
func (*Select) scopeBoundary() {}

// ColumnAlias is the output name of the scope's i-th column. Derived
// tables and set-operation members expose their columns under these names.
func ColumnAlias(i int) string { return "c" + strconv.Itoa(i) }

// Frozen reports whether the scope has been handed to a consumer.
func (s *Select) Frozen() bool { return s.frozen }

// SetType sets the result type of the scope.
func (s *Select) SetType(t reflect.Type) {
	s.mustMutate("set type")
	s.typ = t
}

func (s *Select) mustMutate(op string) {
	if s.frozen {
		panic(errors.AssertionFailedf("%s on a frozen select", op))
	}
}

// AddTable declares t in the scope and assigns its alias.
func (s *Select) AddTable(t TableRef) TableRef {
	s.mustMutate("add table")
	t.setName(fmt.Sprintf("t%d", *s.names))
	*s.names++
	s.Tables = append(s.Tables, t)
	return t
}

// Join declares t joined onto against. When groupID is set and a table of
// the same join group is already declared, that table is returned instead.
func (s *Select) Join(t, against TableRef, kind JoinKind, on Node, groupID string) TableRef {
	s.mustMutate("join")
	if groupID != "" {
		for _, existing := range s.Tables {
			if j := existing.Join(); j != nil && j.GroupID == groupID {
				return existing
			}
		}
	}
	JoinTo(t, against, kind, on, groupID)
	return s.AddTable(t)
}

// AddColumn appends an output column and returns its position.
func (s *Select) AddColumn(n Node) int {
	s.mustMutate("add column")
	s.Columns = append(s.Columns, n)
	return len(s.Columns) - 1
}

// Where appends a filter.
func (s *Select) Where(n Node) {
	s.mustMutate("where")
	s.Filters = append(s.Filters, n)
}

// AddHaving appends a filter evaluated after grouping.
func (s *Select) AddHaving(n Node) {
	s.mustMutate("having")
	s.Having = append(s.Having, n)
}

// AddOrder appends an ordering.
func (s *Select) AddOrder(o *OrderBy) {
	s.mustMutate("order by")
	s.Orders = append(s.Orders, o)
}

// ClearOrders drops all orderings.
func (s *Select) ClearOrders() {
	s.mustMutate("clear order by")
	s.Orders = nil
}

// AddGroup appends a grouping.
func (s *Select) AddGroup(g *Group) {
	s.mustMutate("group by")
	s.Groups = append(s.Groups, g)
}

// SetOffset records the number of leading rows to skip.
func (s *Select) SetOffset(offset *RowOffset) {
	s.mustMutate("offset")
	s.Offset = offset
	s.combinePaging()
}

// SetLimit records the maximum number of rows.
func (s *Select) SetLimit(limit Node) {
	s.mustMutate("limit")
	s.Limit = limit
	s.combinePaging()
}

// combinePaging keeps OffsetLimit as offset+limit for dialects that page
// with a single upper bound.
func (s *Select) combinePaging() {
	if s.Offset == nil || s.Limit == nil {
		s.OffsetLimit = nil
		return
	}
	s.OffsetLimit = NewFunction(FuncAdd, s.Limit.Type(), s.Offset.Value, s.Limit)
}

// SetMaterializer sets the result shape and row materializer.
func (s *Select) SetMaterializer(shape Shape, m Materializer) {
	s.mustMutate("materializer")
	s.Shape = shape
	s.Materialize = m
}

// Chain appends next, combined with op, at the tail of the set-operation
// chain. The chain reads left to right.
func (s *Select) Chain(op SetOperator, next *Select) {
	tail := s
	for tail.Next != nil {
		tail = tail.Next
	}
	tail.mustMutate("chain")
	tail.Next = next
	tail.SetOp = op
}

// Declares reports whether t is one of the scope's own tables.
func (s *Select) Declares(t TableRef) bool {
	for _, own := range s.Tables {
		if own == t {
			return true
		}
	}
	return false
}

// FindTable resolves a table alias in this scope or, failing that, in the
// enclosing scopes.
func (s *Select) FindTable(name string) (TableRef, *Select, bool) {
	for scope := s; scope != nil; scope = scope.Parent {
		for _, t := range scope.Tables {
			if t.Name() == name {
				return t, scope, true
			}
		}
	}
	return nil, nil, false
}

// FindColumn resolves an output column by alias in this scope or the
// enclosing scopes.
func (s *Select) FindColumn(alias string) (Node, *Select, bool) {
	for scope := s; scope != nil; scope = scope.Parent {
		for _, c := range scope.Columns {
			if c.Alias() == alias {
				return c, scope, true
			}
		}
	}
	return nil, nil, false
}

// HasOutputAggregates reports whether an output column is an aggregate.
func (s *Select) HasOutputAggregates() bool {
	for _, c := range s.Columns {
		if f, ok := c.(*Function); ok && f.Func.IsAggregate() {
			return true
		}
	}
	return false
}

// HasOrderBy reports whether the scope sorts its rows.
func (s *Select) HasOrderBy() bool { return len(s.Orders) > 0 }

// HasLimit reports whether the scope caps its row count.
func (s *Select) HasLimit() bool { return s.Limit != nil || s.OffsetLimit != nil }

// HasPaging reports whether the scope skips or caps rows.
func (s *Select) HasPaging() bool { return s.Offset != nil || s.HasLimit() }

// IsDistinct reports whether the scope's only grouping is a distinct.
func (s *Select) IsDistinct() bool {
	return len(s.Groups) == 1 && s.Groups[0].IsDistinct()
}

// Children lists every clause expression of the scope: columns, filters,
// having, orderings, groups, tables (with their join predicates), paging
// and the next scope of the chain.
func (s *Select) Children() []Node {
	var out []Node
	out = append(out, s.Columns...)
	out = append(out, s.Filters...)
	out = append(out, s.Having...)
	for _, o := range s.Orders {
		out = append(out, o)
	}
	for _, g := range s.Groups {
		out = append(out, g)
	}
	for _, t := range s.Tables {
		out = append(out, t)
	}
	if s.Offset != nil {
		out = append(out, s.Offset)
	}
	if s.Limit != nil {
		out = append(out, s.Limit)
	}
	if s.OffsetLimit != nil {
		out = append(out, s.OffsetLimit)
	}
	if s.Next != nil {
		out = append(out, s.Next)
	}
	return out
}

// WithChildren always fails for non-empty input: scopes are rewritten in
// place with Rewrite while they are assembled.
func (s *Select) WithChildren(children []Node) (Node, error) {
	return leafChildren(s, children)
}

// Rewrite applies Map with fn to every clause expression of the scope, its
// derived tables, nested scopes and chain.
func (s *Select) Rewrite(fn func(Node) (Node, error)) error {
	s.mustMutate("rewrite")
	mapAll := func(nodes []Node) error {
		for i, n := range nodes {
			out, err := s.mapNested(n, fn)
			if err != nil {
				return err
			}
			nodes[i] = out
		}
		return nil
	}
	if err := mapAll(s.Columns); err != nil {
		return err
	}
	if err := mapAll(s.Filters); err != nil {
		return err
	}
	if err := mapAll(s.Having); err != nil {
		return err
	}
	for _, o := range s.Orders {
		if o.Expr == nil {
			continue
		}
		out, err := s.mapNested(o.Expr, fn)
		if err != nil {
			return err
		}
		o.Expr = out
	}
	for _, g := range s.Groups {
		distinct := g.IsDistinct()
		value, err := s.mapNested(g.Value, fn)
		if err != nil {
			return err
		}
		g.Value = value
		if distinct {
			g.Key = value
		} else if g.Key, err = s.mapNested(g.Key, fn); err != nil {
			return err
		}
	}
	for _, t := range s.Tables {
		if j := t.Join(); j != nil && j.On != nil {
			on, err := s.mapNested(j.On, fn)
			if err != nil {
				return err
			}
			j.On = on
		}
		if sub, ok := t.(*SubSelectTable); ok {
			if err := sub.Scope.Rewrite(fn); err != nil {
				return err
			}
		}
	}
	if s.Offset != nil {
		v, err := s.mapNested(s.Offset.Value, fn)
		if err != nil {
			return err
		}
		s.Offset.Value = v
	}
	if s.Limit != nil {
		v, err := s.mapNested(s.Limit, fn)
		if err != nil {
			return err
		}
		s.Limit = v
	}
	s.combinePaging()
	if s.Next != nil {
		return s.Next.Rewrite(fn)
	}
	return nil
}

// mapNested maps n and rewrites any scope nested inside it.
func (s *Select) mapNested(n Node, fn func(Node) (Node, error)) (Node, error) {
	var nested []*Select
	Walk(n, func(c Node) bool {
		if sub, ok := c.(*Select); ok {
			nested = append(nested, sub)
			return false
		}
		return true
	})
	for _, sub := range nested {
		if err := sub.Rewrite(fn); err != nil {
			return nil, err
		}
	}
	return Map(n, fn)
}

// Freeze marks the scope, its chain, derived tables and nested scopes as
// read-only. Mutating a frozen scope panics with an assertion failure.
func (s *Select) Freeze() *Select {
	Walk(s, func(n Node) bool {
		if v, ok := n.(*Select); ok {
			v.frozen = true
		}
		return true
	})
	return s
}

// Scopes returns s and every scope reachable from it.
func (s *Select) Scopes() []*Select {
	var out []*Select
	Walk(s, func(n Node) bool {
		if v, ok := n.(*Select); ok {
			out = append(out, v)
		}
		return true
	})
	return out
}
