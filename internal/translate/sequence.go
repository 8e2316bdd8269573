package translate

import (
	"reflect"

	"github.com/cockroachdb/errors"

	"ormquery/internal/entity"
	"ormquery/internal/ir"
	"ormquery/internal/query"
)

// seq is a sequence under construction: the scope producing its rows and
// what each row is. After GroupBy and until the groups are projected, group
// is set and proj is nil.
type seq struct {
	scope *ir.Select
	proj  ir.Node
	group *groupBinding
}

// groupBinding is a grouping that has not been projected yet. It becomes a
// SQL GROUP BY when a projection reads it, or an in-memory grouping when
// the groups themselves are the result.
type groupBinding struct {
	key    ir.Node
	elem   ir.Node
	group  *ir.Group
	prior  []*ir.OrderBy
	orders []*ir.OrderBy
	having bool
}

// value is what an expression evaluates to during translation: a node, or
// a grouping variable.
type value struct {
	node  ir.Node
	group *groupBinding
}

type env map[*query.Var]value

func (e env) bind(v *query.Var, val value) env {
	out := make(env, len(e)+1)
	for k, x := range e {
		out[k] = x
	}
	out[v] = val
	return out
}

// scopeMaker creates the scope a source starts: top-level, correlated
// child, or set-operation sibling.
type scopeMaker func(t reflect.Type) *ir.Select

var setOperators = map[string]ir.SetOperator{
	"Union":     ir.SetUnion,
	"Concat":    ir.SetUnionAll,
	"Intersect": ir.SetIntersect,
	"Except":    ir.SetExcept,
}

func (st *state) sequence(e query.Expr, mk scopeMaker, outer env) (*seq, error) {
	switch x := e.(type) {
	case *query.Source:
		ent, err := st.entity(x.Elem)
		if err != nil {
			return nil, err
		}
		scope := mk(x.Type())
		t := ir.NewTable(ent)
		t.Lock = ir.LockMode(x.Lock)
		table := scope.AddTable(t)
		return &seq{scope: scope, proj: ir.NewEntityRef(table, ent)}, nil
	case *query.Call:
		return st.operator(x, mk, outer)
	}
	return nil, unsupported("sequence expression %T", e)
}

func (st *state) operator(c *query.Call, mk scopeMaker, outer env) (*seq, error) {
	if len(c.Args) == 0 {
		return nil, errors.Newf("%s: missing source sequence", c.Method)
	}
	if c.Method == "Join" || c.Method == "LeftJoin" {
		return st.join(c, mk, outer)
	}
	src, err := st.sequence(c.Args[0], mk, outer)
	if err != nil {
		return nil, err
	}
	if op, ok := setOperators[c.Method]; ok {
		return st.setOperation(src, op, c, outer)
	}
	if src.group != nil {
		return st.groupOperator(src, c, outer)
	}

	switch c.Method {
	case "Where":
		pred, err := lambdaArg(c, 1, 1)
		if err != nil {
			return nil, err
		}
		return st.where(src, pred, outer)
	case "Select":
		sel, err := lambdaArg(c, 1, 1)
		if err != nil {
			return nil, err
		}
		if src.scope.Next != nil || src.scope.IsDistinct() {
			if src, err = st.wrap(src); err != nil {
				return nil, err
			}
		}
		proj, err := st.scalar(sel.Body, src.scope, outer.bind(sel.Params[0], value{node: src.proj}))
		if err != nil {
			return nil, err
		}
		src.scope.SetType(c.T)
		return &seq{scope: src.scope, proj: proj}, nil
	case "OrderBy", "OrderByDescending", "ThenBy", "ThenByDescending":
		key, err := lambdaArg(c, 1, 1)
		if err != nil {
			return nil, err
		}
		if src.scope.Next != nil || src.scope.HasPaging() || src.scope.IsDistinct() {
			if src, err = st.wrap(src); err != nil {
				return nil, err
			}
		}
		node, err := st.scalar(key.Body, src.scope, outer.bind(key.Params[0], value{node: src.proj}))
		if err != nil {
			return nil, err
		}
		if c.Method == "OrderBy" || c.Method == "OrderByDescending" {
			src.scope.ClearOrders()
		}
		desc := c.Method == "OrderByDescending" || c.Method == "ThenByDescending"
		for _, o := range orderings(node, desc) {
			src.scope.AddOrder(o)
		}
		return src, nil
	case "GroupBy":
		key, err := lambdaArg(c, 1, 1)
		if err != nil {
			return nil, err
		}
		if src.scope.Next != nil || src.scope.HasPaging() || len(src.scope.Groups) > 0 {
			if src, err = st.wrap(src); err != nil {
				return nil, err
			}
		}
		k, err := st.scalar(key.Body, src.scope, outer.bind(key.Params[0], value{node: src.proj}))
		if err != nil {
			return nil, err
		}
		g := ir.NewGroup(src.proj, k)
		src.scope.AddGroup(g)
		gb := &groupBinding{key: k, elem: src.proj, group: g, prior: append([]*ir.OrderBy(nil), src.scope.Orders...)}
		src.scope.ClearOrders()
		src.scope.SetType(c.T)
		return &seq{scope: src.scope, group: gb}, nil
	case "Skip":
		if src.scope.Next != nil || src.scope.HasPaging() {
			if src, err = st.wrap(src); err != nil {
				return nil, err
			}
		}
		n, err := st.scalar(c.Args[1], src.scope, outer)
		if err != nil {
			return nil, err
		}
		src.scope.SetOffset(ir.NewRowOffset(n))
		return src, nil
	case "Take":
		if src.scope.Next != nil || src.scope.HasLimit() {
			if src, err = st.wrap(src); err != nil {
				return nil, err
			}
		}
		n, err := st.scalar(c.Args[1], src.scope, outer)
		if err != nil {
			return nil, err
		}
		src.scope.SetLimit(n)
		return src, nil
	case "Distinct":
		if src.scope.Next != nil || src.scope.HasPaging() || len(src.scope.Groups) > 0 {
			if src, err = st.wrap(src); err != nil {
				return nil, err
			}
		}
		// Distinct does not keep an ordering; sort after it.
		src.scope.ClearOrders()
		src.scope.AddGroup(ir.NewDistinct(src.proj))
		return src, nil
	}
	return nil, unsupported("operator %s", c.Method)
}

// where filters s, wrapping it first when the filter must apply after
// paging, grouping or a set operation.
func (st *state) where(s *seq, pred *query.Lambda, outer env) (*seq, error) {
	var err error
	if s.group != nil {
		cond, err := st.scalar(pred.Body, s.scope, outer.bind(pred.Params[0], value{group: s.group}))
		if err != nil {
			return nil, err
		}
		s.scope.AddHaving(cond)
		s.group.having = true
		return s, nil
	}
	if s.scope.Next != nil || s.scope.HasPaging() || len(s.scope.Groups) > 0 {
		if s, err = st.wrap(s); err != nil {
			return nil, err
		}
	}
	cond, err := st.scalar(pred.Body, s.scope, outer.bind(pred.Params[0], value{node: s.proj}))
	if err != nil {
		return nil, err
	}
	s.scope.Where(cond)
	return s, nil
}

// groupOperator applies an operator to a sequence of groupings.
func (st *state) groupOperator(s *seq, c *query.Call, outer env) (*seq, error) {
	gb := s.group
	switch c.Method {
	case "Where":
		pred, err := lambdaArg(c, 1, 1)
		if err != nil {
			return nil, err
		}
		return st.where(s, pred, outer)
	case "OrderBy", "OrderByDescending", "ThenBy", "ThenByDescending":
		key, err := lambdaArg(c, 1, 1)
		if err != nil {
			return nil, err
		}
		node, err := st.scalar(key.Body, s.scope, outer.bind(key.Params[0], value{group: gb}))
		if err != nil {
			return nil, err
		}
		if c.Method == "OrderBy" || c.Method == "OrderByDescending" {
			gb.orders = nil
		}
		desc := c.Method == "OrderByDescending" || c.Method == "ThenByDescending"
		gb.orders = append(gb.orders, orderings(node, desc)...)
		return s, nil
	case "Select":
		sel, err := lambdaArg(c, 1, 1)
		if err != nil {
			return nil, err
		}
		proj, err := st.scalar(sel.Body, s.scope, outer.bind(sel.Params[0], value{group: gb}))
		if err != nil {
			return nil, err
		}
		for _, o := range gb.orders {
			s.scope.AddOrder(o)
		}
		s.scope.SetType(c.T)
		return &seq{scope: s.scope, proj: proj}, nil
	}
	return nil, unsupported("%s over an unprojected grouping", c.Method)
}

func (st *state) join(c *query.Call, mk scopeMaker, outer env) (*seq, error) {
	if len(c.Args) != 5 {
		return nil, errors.Newf("%s: expected 5 arguments, got %d", c.Method, len(c.Args))
	}
	left, err := st.sequence(c.Args[0], mk, outer)
	if err != nil {
		return nil, err
	}
	if left.group != nil {
		return nil, unsupported("%s over an unprojected grouping", c.Method)
	}
	if left.scope.Next != nil || left.scope.HasPaging() || len(left.scope.Groups) > 0 {
		if left, err = st.wrap(left); err != nil {
			return nil, err
		}
	}
	outerKey, err := lambdaArg(c, 2, 1)
	if err != nil {
		return nil, err
	}
	innerKey, err := lambdaArg(c, 3, 1)
	if err != nil {
		return nil, err
	}
	result, err := lambdaArg(c, 4, 2)
	if err != nil {
		return nil, err
	}

	okey, err := st.scalar(outerKey.Body, left.scope, outer.bind(outerKey.Params[0], value{node: left.proj}))
	if err != nil {
		return nil, err
	}

	leftOuter := c.Method == "LeftJoin"
	var table ir.TableRef
	var innerProj ir.Node
	groupID := ""
	switch inner := c.Args[1].(type) {
	case *query.Source:
		ent, err := st.entity(inner.Elem)
		if err != nil {
			return nil, err
		}
		t := ir.NewTable(ent)
		t.Lock = ir.LockMode(inner.Lock)
		table, innerProj = t, ir.NewEntityRef(t, ent)
		if isKeyOf(innerKey.Body, ent.KeyColumns()) {
			// A lookup by primary key is the same relationship every time
			// it is requested from the same outer expression.
			groupID = c.Method + ":" + ir.Describe(okey) + "->" + ent.Table
		}
	default:
		sub, err := st.sequence(inner, left.scope.NewChild, outer)
		if err != nil {
			return nil, err
		}
		if sub.group != nil {
			return nil, unsupported("%s with an unprojected grouping", c.Method)
		}
		if table, innerProj, _, err = st.derive(sub); err != nil {
			return nil, err
		}
	}

	ikey, err := st.scalar(innerKey.Body, left.scope, outer.bind(innerKey.Params[0], value{node: innerProj}))
	if err != nil {
		return nil, err
	}
	on, err := equality(okey, ikey)
	if err != nil {
		return nil, err
	}
	joined := left.scope.Join(table, anchor(okey, left.scope), ir.JoinInner, on, groupID)
	if joined != table {
		ref := innerProj.(*ir.EntityRef)
		innerProj = ir.NewEntityRef(joined, ref.Entity)
	} else if leftOuter {
		ir.MakeOuter(joined)
	}

	bound := outer.bind(result.Params[0], value{node: left.proj}).bind(result.Params[1], value{node: innerProj})
	proj, err := st.scalar(result.Body, left.scope, bound)
	if err != nil {
		return nil, err
	}
	left.scope.SetType(c.T)
	return &seq{scope: left.scope, proj: proj}, nil
}

// isKeyOf reports whether body reads exactly the single key column of an
// entity through its lambda variable.
func isKeyOf(body query.Expr, keys []entity.Column) bool {
	m, ok := body.(*query.Member)
	if !ok || len(keys) != 1 {
		return false
	}
	if _, ok := m.X.(*query.Var); !ok {
		return false
	}
	return m.Field == keys[0].Field
}

// anchor picks the table a join attaches to: the first of the scope's own
// tables the outer key reads from, or the most recent table.
func anchor(key ir.Node, scope *ir.Select) ir.TableRef {
	var found ir.TableRef
	ir.Walk(key, func(n ir.Node) bool {
		if found != nil {
			return false
		}
		if c, ok := n.(*ir.Column); ok && scope.Declares(c.Table) {
			found = c.Table
		}
		return true
	})
	if found != nil {
		return found
	}
	return scope.Tables[len(scope.Tables)-1]
}

func (st *state) setOperation(left *seq, op ir.SetOperator, c *query.Call, outer env) (*seq, error) {
	var err error
	if left.group != nil {
		return nil, unsupported("%s over an unprojected grouping", c.Method)
	}
	if left.scope.HasOrderBy() || left.scope.HasPaging() {
		if left, err = st.wrap(left); err != nil {
			return nil, err
		}
		left.scope.ClearOrders()
	}
	right, err := st.sequence(c.Args[1], left.scope.NewSibling, outer)
	if err != nil {
		return nil, err
	}
	if right.group != nil {
		return nil, unsupported("%s with an unprojected grouping", c.Method)
	}
	if right.scope.Next != nil || right.scope.HasOrderBy() || right.scope.HasPaging() {
		if right, err = st.wrap(right); err != nil {
			return nil, err
		}
		right.scope.ClearOrders()
	}
	setColumns(right.scope, right.proj)
	left.scope.Chain(op, right.scope)
	return left, nil
}

// wrap turns s into a derived table of a new scope, so that further
// operators apply to its rows as they are.
func (st *state) wrap(s *seq) (*seq, error) {
	outer := s.scope.NewSibling(s.scope.Type())
	table, proj, orders, err := st.derive(s)
	if err != nil {
		return nil, err
	}
	outer.AddTable(table)
	for _, o := range orders {
		outer.AddOrder(o)
	}
	return &seq{scope: outer, proj: proj}, nil
}

// derive exposes s as a derived table. It returns the table, the projection
// rebased onto the table's columns and the scope's orderings expressed over
// them. Ordering keys that are not projected become extra columns.
func (st *state) derive(s *seq) (*ir.SubSelectTable, ir.Node, []*ir.OrderBy, error) {
	inner := s.scope
	positions := setColumns(inner, s.proj)
	table := ir.NewSubSelectTable(inner)

	var orders []*ir.OrderBy
	for _, o := range inner.Orders {
		if o.IsConstant() {
			orders = append(orders, ir.NewConstantOrderBy())
			continue
		}
		i, ok := positions[o.Expr]
		if !ok {
			i = inner.AddColumn(o.Expr)
			positions[o.Expr] = i
		}
		orders = append(orders, ir.NewOrderBy(ir.NewColumn(table, ir.ColumnAlias(i), o.Expr.Type()), o.Descending))
	}
	if !inner.HasPaging() {
		inner.ClearOrders()
	}
	proj, err := rebase(s.proj, positions, table)
	if err != nil {
		return nil, nil, nil, err
	}
	return table, proj, orders, nil
}

// rebase rewrites a projection over the output columns of table.
func rebase(n ir.Node, positions map[ir.Node]int, table ir.TableRef) (ir.Node, error) {
	switch n.(type) {
	case *ir.EntityRef, *ir.Construct:
		children := n.Children()
		next := make([]ir.Node, len(children))
		for i, c := range children {
			rc, err := rebase(c, positions, table)
			if err != nil {
				return nil, err
			}
			next[i] = rc
		}
		return n.WithChildren(next)
	}
	i, ok := positions[n]
	if !ok {
		return nil, errors.AssertionFailedf("projected %s is not an output column", n.Kind())
	}
	return ir.NewColumn(table, ir.ColumnAlias(i), n.Type()), nil
}

// orderings turns a sort key into orderings: entities sort by their key
// columns and constructions by each member in turn.
func orderings(key ir.Node, desc bool) []*ir.OrderBy {
	switch v := key.(type) {
	case *ir.EntityRef:
		var out []*ir.OrderBy
		for i, col := range v.Entity.Columns {
			if col.IsPrimaryKey {
				out = append(out, ir.NewOrderBy(v.Columns[i], desc))
			}
		}
		return out
	case *ir.Construct:
		var out []*ir.OrderBy
		for _, c := range v.Children() {
			out = append(out, orderings(c, desc)...)
		}
		return out
	}
	return []*ir.OrderBy{ir.NewOrderBy(key, desc)}
}
