package ir

import (
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"

	"ormquery/internal/entity"
)

// JoinKind is a set of join flags. Inner is the empty set; the outer flags
// combine, so full outer is left|right.
type JoinKind int

const (
	JoinInner      JoinKind = 0
	JoinLeftOuter  JoinKind = 1 << 0
	JoinRightOuter JoinKind = 1 << 1
	JoinFullOuter           = JoinLeftOuter | JoinRightOuter
)

// IsOuter reports whether any outer flag is set.
func (k JoinKind) IsOuter() bool { return k&JoinFullOuter != 0 }

func (k JoinKind) String() string {
	switch k & JoinFullOuter {
	case JoinLeftOuter:
		return "LEFT OUTER"
	case JoinRightOuter:
		return "RIGHT OUTER"
	case JoinFullOuter:
		return "FULL OUTER"
	default:
		return "INNER"
	}
}

// LockMode is the locking intent of a table read.
type LockMode int

const (
	LockNone LockMode = iota
	LockShared
	LockUpdate
)

// Join describes how a table attaches to the one before it.
type Join struct {
	Kind    JoinKind
	Against TableRef
	On      Node
	// GroupID identifies the logical relationship, so a second request for
	// the same join reuses the first table.
	GroupID string
}

// TableRef is a table a scope reads from: a physical Table or a
// SubSelectTable.
type TableRef interface {
	Node
	// Name is the SQL alias the scope assigned to the table.
	Name() string
	Join() *Join
	setJoin(j *Join)
	setName(name string)
}

// Table is a physical relation.
type Table struct {
	base
	Physical string
	Entity   *entity.Entity
	Lock     LockMode
	name     string
	join     *Join
}

// NewTable returns a table node for the entity's relation.
func NewTable(e *entity.Entity) *Table {
	return &Table{base: base{typ: reflect.SliceOf(e.PointerType())}, Physical: e.Table, Entity: e}
}

func (*Table) Kind() Kind            { return KindTable }
func (t *Table) Name() string        { return t.name }
func (t *Table) Join() *Join         { return t.join }
func (t *Table) setJoin(j *Join)     { t.join = j }
func (t *Table) setName(name string) { t.name = name }
func (*Table) scopeBoundary()        {}
func (t *Table) Children() []Node    { return joinChildren(t.join) }

func (t *Table) WithChildren(children []Node) (Node, error) {
	return leafChildren(t, children)
}

// SubSelectTable is a derived table whose rows come from a nested scope.
type SubSelectTable struct {
	base
	Scope *Select
	name  string
	join  *Join
}

// NewSubSelectTable wraps scope as a derived table.
func NewSubSelectTable(scope *Select) *SubSelectTable {
	return &SubSelectTable{base: base{typ: scope.Type()}, Scope: scope}
}

func (*SubSelectTable) Kind() Kind            { return KindSubSelectTable }
func (t *SubSelectTable) Name() string        { return t.name }
func (t *SubSelectTable) Join() *Join         { return t.join }
func (t *SubSelectTable) setJoin(j *Join)     { t.join = j }
func (t *SubSelectTable) setName(name string) { t.name = name }
func (*SubSelectTable) scopeBoundary()        {}

func (t *SubSelectTable) Children() []Node {
	return append([]Node{t.Scope}, joinChildren(t.join)...)
}

func (t *SubSelectTable) WithChildren(children []Node) (Node, error) {
	return leafChildren(t, children)
}

// Equal reports whether two derived tables are the same: same name, same
// join group and the very same nested scope instance.
func (t *SubSelectTable) Equal(o *SubSelectTable) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.name == o.name && groupID(t.join) == groupID(o.join) && t.Scope == o.Scope
}

func groupID(j *Join) string {
	if j == nil {
		return ""
	}
	return j.GroupID
}

func joinChildren(j *Join) []Node {
	if j == nil || j.On == nil {
		return nil
	}
	return []Node{j.On}
}

// JoinTo attaches t to against. A request for an inner join picks up the
// outer flags already present on either table, so NULL extension of an
// outer chain survives an inner join further along it.
func JoinTo(t, against TableRef, kind JoinKind, on Node, groupID string) {
	if kind == JoinInner {
		if j := against.Join(); j != nil {
			kind |= j.Kind & JoinFullOuter
		}
		if j := t.Join(); j != nil {
			kind |= j.Kind & JoinFullOuter
		}
	}
	t.setJoin(&Join{Kind: kind, Against: against, On: on, GroupID: groupID})
}

// MakeOuter turns t into an outer join. A table reached through a join
// predicate becomes left outer; one without an incoming predicate becomes
// right outer.
func MakeOuter(t TableRef) {
	j := t.Join()
	if j != nil && j.On != nil {
		j.Kind |= JoinLeftOuter
		return
	}
	if j == nil {
		t.setJoin(&Join{Kind: JoinRightOuter})
		return
	}
	j.Kind |= JoinRightOuter
}

// Column references a column of a table visible to the scope.
type Column struct {
	base
	Table TableRef
	Name  string
}

// NewColumn references column name of table t.
func NewColumn(t TableRef, name string, typ reflect.Type) *Column {
	return &Column{base: base{typ: typ}, Table: t, Name: name}
}

func (*Column) Kind() Kind { return KindColumn }

func (c *Column) WithChildren(children []Node) (Node, error) {
	return leafChildren(c, children)
}

// EntityRef is a whole entity read from a table: one column per mapped field.
type EntityRef struct {
	base
	Entity  *entity.Entity
	Columns []Node
}

// NewEntityRef expands e over the columns of t.
func NewEntityRef(t TableRef, e *entity.Entity) *EntityRef {
	cols := make([]Node, len(e.Columns))
	for i, c := range e.Columns {
		cols[i] = NewColumn(t, c.Name, c.Type)
	}
	return &EntityRef{base: base{typ: e.PointerType()}, Entity: e, Columns: cols}
}

func (*EntityRef) Kind() Kind         { return KindEntity }
func (r *EntityRef) Children() []Node { return r.Columns }

func (r *EntityRef) WithChildren(children []Node) (Node, error) {
	if err := checkArity(r, children); err != nil {
		return nil, err
	}
	out := *r
	out.Columns = children
	return &out, nil
}

// Member returns the node supplying the named field.
func (r *EntityRef) Member(field string) (Node, error) {
	for i, c := range r.Entity.Columns {
		if c.Field == field {
			return r.Columns[i], nil
		}
	}
	return nil, errors.AssertionFailedf("entity %s has no mapped member %q", r.Entity.Name, field)
}

// RawFilter is a pre-formatted predicate attached to a table. Occurrences
// of {table} in SQL are replaced with the table's alias.
type RawFilter struct {
	base
	Table TableRef
	SQL   string
	Args  []interface{}
}

// NewRawFilter attaches sql to t.
func NewRawFilter(t TableRef, sql string, args ...interface{}) *RawFilter {
	return &RawFilter{base: base{typ: reflect.TypeOf(false)}, Table: t, SQL: sql, Args: args}
}

func (*RawFilter) Kind() Kind { return KindRawFilter }

func (f *RawFilter) WithChildren(children []Node) (Node, error) {
	return leafChildren(f, children)
}

// Text returns the filter with the table placeholder expanded.
func (f *RawFilter) Text(tableName string) string {
	return strings.ReplaceAll(f.SQL, "{table}", tableName)
}
