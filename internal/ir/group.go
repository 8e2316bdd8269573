package ir

import "reflect"

// Group separates the grouped value from the grouping key. Columns holds
// the output columns the grouping contributes. A group is a distinct when
// the value and the key are the same node instance.
type Group struct {
	base
	Value    Node
	Key      Node
	Columns  []Node
	InMemory bool
}

// NewGroup groups value by key.
func NewGroup(value, key Node, columns ...Node) *Group {
	return &Group{base: base{typ: value.Type()}, Value: value, Key: key, Columns: columns}
}

// NewDistinct returns a group keyed by its own value.
func NewDistinct(value Node, columns ...Node) *Group {
	return NewGroup(value, value, columns...)
}

func (*Group) Kind() Kind { return KindGroup }

// IsDistinct reports whether the group removes duplicates rather than
// grouping by a separate key.
func (g *Group) IsDistinct() bool { return g.Value == g.Key }

func (g *Group) Children() []Node {
	if g.IsDistinct() {
		return []Node{g.Value}
	}
	return []Node{g.Value, g.Key}
}

func (g *Group) WithChildren(children []Node) (Node, error) {
	if err := checkArity(g, children); err != nil {
		return nil, err
	}
	out := *g
	out.Value = children[0]
	if g.IsDistinct() {
		out.Key = children[0]
	} else {
		out.Key = children[1]
	}
	return &out, nil
}

// OrderBy sorts by an expression. An OrderBy with no expression is the
// dummy constant ordering some dialects need when paging unsorted rows.
type OrderBy struct {
	base
	Expr       Node
	Descending bool
}

// NewOrderBy orders by expr.
func NewOrderBy(expr Node, descending bool) *OrderBy {
	return &OrderBy{base: base{typ: expr.Type()}, Expr: expr, Descending: descending}
}

// NewConstantOrderBy returns the dummy ordering.
func NewConstantOrderBy() *OrderBy {
	return &OrderBy{base: base{typ: reflect.TypeOf(0)}}
}

func (*OrderBy) Kind() Kind { return KindOrderBy }

// IsConstant reports whether this is the dummy ordering.
func (o *OrderBy) IsConstant() bool { return o.Expr == nil }

func (o *OrderBy) Children() []Node {
	if o.Expr == nil {
		return nil
	}
	return []Node{o.Expr}
}

func (o *OrderBy) WithChildren(children []Node) (Node, error) {
	if err := checkArity(o, children); err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return o, nil
	}
	out := *o
	out.Expr = children[0]
	return &out, nil
}

// RowOffset is a number of rows to skip, tagged with the row-numbering base
// it was expressed in.
type RowOffset struct {
	base
	Value     Node
	ZeroBased bool
}

// NewRowOffset wraps a 0-based skip count.
func NewRowOffset(value Node) *RowOffset {
	return &RowOffset{base: base{typ: value.Type()}, Value: value, ZeroBased: true}
}

func (*RowOffset) Kind() Kind         { return KindRowOffset }
func (r *RowOffset) Children() []Node { return []Node{r.Value} }

func (r *RowOffset) WithChildren(children []Node) (Node, error) {
	if err := checkArity(r, children); err != nil {
		return nil, err
	}
	out := *r
	out.Value = children[0]
	return &out, nil
}

// Shift is the amount to add to Value to express it in a dialect's
// numbering. For a 0-based skip count and 1-based row numbers, the first
// returned row is Value+1.
func (r *RowOffset) Shift(dialectZeroBased bool) int {
	switch {
	case r.ZeroBased == dialectZeroBased:
		return 0
	case r.ZeroBased:
		return 1
	default:
		return -1
	}
}
