package translate

import (
	"reflect"

	"github.com/cockroachdb/errors"

	"ormquery/internal/entity"
	"ormquery/internal/ir"
	"ormquery/internal/query"
)

// scalar translates e in scope and requires a node result.
func (st *state) scalar(e query.Expr, scope *ir.Select, bound env) (ir.Node, error) {
	v, err := st.expr(e, scope, bound)
	if err != nil {
		return nil, err
	}
	if v.group != nil {
		return nil, unsupported("a grouping used as a value")
	}
	return v.node, nil
}

func (st *state) expr(e query.Expr, scope *ir.Select, bound env) (value, error) {
	switch x := e.(type) {
	case *query.Const:
		return value{node: ir.NewConstant(x.Value, x.T)}, nil
	case *query.Param:
		return value{node: st.param(x)}, nil
	case *query.Var:
		v, ok := bound[x]
		if !ok {
			return value{}, errors.AssertionFailedf("unbound variable %s", x.Name)
		}
		return v, nil
	case *query.Member:
		return st.member(x, scope, bound)
	case *query.Binary:
		n, err := st.binary(x, scope, bound)
		return value{node: n}, err
	case *query.Unary:
		operand, err := st.scalar(x.X, scope, bound)
		if err != nil {
			return value{}, err
		}
		return value{node: ir.NewFunction(ir.UnaryFunc(x.Op), x.Type(), operand)}, nil
	case *query.Conditional:
		args, err := st.scalars(scope, bound, x.Test, x.Then, x.Else)
		if err != nil {
			return value{}, err
		}
		return value{node: ir.NewFunction(ir.FuncCase, x.Type(), args...)}, nil
	case *query.New:
		n, err := st.construct(x, scope, bound)
		return value{node: n}, err
	case *query.Call:
		n, err := st.call(x, scope, bound)
		return value{node: n}, err
	}
	return value{}, unsupported("expression %T", e)
}

func (st *state) scalars(scope *ir.Select, bound env, exprs ...query.Expr) ([]ir.Node, error) {
	out := make([]ir.Node, len(exprs))
	for i, e := range exprs {
		n, err := st.scalar(e, scope, bound)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func (st *state) member(m *query.Member, scope *ir.Select, bound env) (value, error) {
	x, err := st.expr(m.X, scope, bound)
	if err != nil {
		return value{}, err
	}
	if x.group != nil {
		if m.Field != "Key" {
			return value{}, errors.Newf("grouping has no member %s", m.Field)
		}
		return value{node: x.group.key}, nil
	}
	switch n := x.node.(type) {
	case *ir.EntityRef:
		if _, ok := n.Entity.Column(m.Field); !ok {
			return value{}, errors.Newf("field %s of %s is not mapped to a column", m.Field, n.Entity.Name)
		}
		col, err := n.Member(m.Field)
		return value{node: col}, err
	case *ir.Construct:
		member, err := n.Member(m.Field)
		return value{node: member}, err
	case *ir.Constant:
		v, err := readField(n.Value, m.Field)
		if err != nil {
			return value{}, err
		}
		return value{node: ir.NewConstant(v, m.T)}, nil
	case *ir.ExternalValue:
		field := m.Field
		derived := ir.NewDerived(n.Name+"."+field, m.T, []*ir.ExternalValue{n}, func(vals []interface{}) (interface{}, error) {
			return readField(vals[0], field)
		})
		return value{node: derived}, nil
	}
	return value{}, unsupported("member %s of a %s", m.Field, x.node.Kind())
}

// readField reads a struct field from a runtime value; a nil struct
// pointer reads as nil.
func readField(v interface{}, field string) (interface{}, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, errors.Newf("cannot read field %s of %T", field, v)
	}
	f := rv.FieldByName(field)
	if !f.IsValid() {
		return nil, errors.Newf("type %s has no field %s", rv.Type(), field)
	}
	return f.Interface(), nil
}

func isNullConstant(n ir.Node) bool {
	c, ok := n.(*ir.Constant)
	return ok && c.Value == nil
}

func (st *state) binary(b *query.Binary, scope *ir.Select, bound env) (ir.Node, error) {
	args, err := st.scalars(scope, bound, b.X, b.Y)
	if err != nil {
		return nil, err
	}
	x, y := args[0], args[1]

	if b.Op == query.OpEq || b.Op == query.OpNe {
		nullKind := ir.FuncIsNull
		if b.Op == query.OpNe {
			nullKind = ir.FuncIsNotNull
		}
		switch {
		case isNullConstant(y):
			return nullTest(nullKind, x), nil
		case isNullConstant(x):
			return nullTest(nullKind, y), nil
		}
		test, err := equality(x, y)
		if err != nil {
			return nil, err
		}
		if b.Op == query.OpNe {
			return ir.NewFunction(ir.FuncNot, boolType, test), nil
		}
		return test, nil
	}

	k, ok := ir.BinaryFunc(b.Op)
	if !ok {
		return nil, unsupported("operator %s", b.Op)
	}
	if k == ir.FuncAdd && b.X.Type().Kind() == reflect.String {
		k = ir.FuncConcat
	}
	return ir.NewFunction(k, b.Type(), x, y), nil
}

// nullTest tests an expression for NULL; an entity is null when its key is.
func nullTest(k ir.FuncKind, n ir.Node) ir.Node {
	if ref, ok := n.(*ir.EntityRef); ok {
		for i, col := range ref.Entity.Columns {
			if col.IsPrimaryKey {
				return ir.NewFunction(k, boolType, ref.Columns[i])
			}
		}
	}
	return ir.NewFunction(k, boolType, n)
}

// equality compares two values. Entities compare by key, constructions
// member by member, and an entity against a captured instance compares
// its key columns with the instance's key fields.
func equality(x, y ir.Node) (ir.Node, error) {
	xs, err := comparands(x, y)
	if err != nil {
		return nil, err
	}
	ys, err := comparands(y, x)
	if err != nil {
		return nil, err
	}
	if len(xs) != len(ys) {
		return nil, errors.Newf("cannot compare %s with %s", ir.Describe(x), ir.Describe(y))
	}
	var out ir.Node
	for i := range xs {
		eq := ir.NewFunction(ir.FuncEqual, boolType, xs[i], ys[i])
		if out == nil {
			out = eq
		} else {
			out = ir.NewFunction(ir.FuncAnd, boolType, out, eq)
		}
	}
	if out == nil {
		return ir.NewConstant(true, boolType), nil
	}
	return out, nil
}

// comparands lists the scalar parts n contributes to an equality with
// other.
func comparands(n, other ir.Node) ([]ir.Node, error) {
	switch v := n.(type) {
	case *ir.EntityRef:
		var out []ir.Node
		for i, col := range v.Entity.Columns {
			if col.IsPrimaryKey {
				out = append(out, v.Columns[i])
			}
		}
		return out, nil
	case *ir.Construct:
		var out []ir.Node
		for _, c := range v.Children() {
			parts, err := comparands(c, nil)
			if err != nil {
				return nil, err
			}
			out = append(out, parts...)
		}
		return out, nil
	}
	ref, ok := other.(*ir.EntityRef)
	if !ok {
		return []ir.Node{n}, nil
	}
	return instanceKey(n, ref.Entity)
}

// instanceKey reads the key fields of a captured entity instance.
func instanceKey(n ir.Node, ent *entity.Entity) ([]ir.Node, error) {
	var out []ir.Node
	for _, col := range ent.KeyColumns() {
		field := col.Field
		switch v := n.(type) {
		case *ir.Constant:
			val, err := readField(v.Value, field)
			if err != nil {
				return nil, err
			}
			out = append(out, ir.NewConstant(val, col.Type))
		case *ir.ExternalValue:
			out = append(out, ir.NewDerived(v.Name+"."+field, col.Type, []*ir.ExternalValue{v}, func(vals []interface{}) (interface{}, error) {
				return readField(vals[0], field)
			}))
		default:
			return nil, unsupported("comparing %s with a %s", ent.Name, n.Kind())
		}
	}
	return out, nil
}

func (st *state) construct(x *query.New, scope *ir.Select, bound env) (ir.Node, error) {
	args, err := st.scalars(scope, bound, x.Args...)
	if err != nil {
		return nil, err
	}
	members := make([]string, len(x.Bindings))
	values := make([]query.Expr, len(x.Bindings))
	for i, b := range x.Bindings {
		members[i] = b.Field
		values[i] = b.Value
	}
	bindings, err := st.scalars(scope, bound, values...)
	if err != nil {
		return nil, err
	}
	return ir.NewConstruct(x.T, x.Ctor, args, members, bindings), nil
}

func isSequenceQuery(e query.Expr) bool {
	switch x := e.(type) {
	case *query.Source:
		return true
	case *query.Call:
		return x.Provider == query.QueryableProvider && query.IsSequence(x.T)
	}
	return false
}

func (st *state) call(c *query.Call, scope *ir.Select, bound env) (ir.Node, error) {
	switch c.Provider {
	case query.Strings, query.Functions:
		k, ok := ir.CallFunc(c)
		if !ok {
			return nil, unsupported("function %s.%s", c.Provider, c.Method)
		}
		args, err := st.scalars(scope, bound, c.Args...)
		if err != nil {
			return nil, err
		}
		f := ir.NewFunction(k, c.T, args...)
		f.IgnoreCase = c.Comparison == query.InvariantIgnoreCase
		return f, nil
	}
	if len(c.Args) == 0 {
		return nil, unsupported("call %s.%s", c.Provider, c.Method)
	}
	if isSequenceQuery(c.Args[0]) {
		return st.subQuery(c, scope, bound)
	}

	if c.Method == "Contains" && len(c.Args) == 2 {
		args, err := st.scalars(scope, bound, c.Args[1], c.Args[0])
		if err != nil {
			return nil, err
		}
		switch args[1].(type) {
		case *ir.ExternalValue, *ir.Constant:
			return ir.NewFunction(ir.FuncIn, boolType, args...), nil
		}
		return nil, unsupported("Contains over a %s", args[1].Kind())
	}

	src, err := st.expr(c.Args[0], scope, bound)
	if err != nil {
		return nil, err
	}
	if src.group == nil {
		return nil, unsupported("%s over a %s", c.Method, src.node.Kind())
	}
	return st.groupAggregate(c, src.group, scope, bound)
}

// groupAggregate folds the elements of a grouping.
func (st *state) groupAggregate(c *query.Call, gb *groupBinding, scope *ir.Select, bound env) (ir.Node, error) {
	var lambda *query.Lambda
	if len(c.Args) > 1 {
		l, err := lambdaArg(c, 1, 1)
		if err != nil {
			return nil, err
		}
		lambda = l
	}
	var operand ir.Node
	if lambda != nil {
		n, err := st.scalar(lambda.Body, scope, bound.bind(lambda.Params[0], value{node: gb.elem}))
		if err != nil {
			return nil, err
		}
		operand = n
	}

	switch c.Method {
	case "Count", "Any":
		countType := intType
		if c.Method == "Count" {
			countType = c.T
		}
		count := ir.NewFunction(ir.FuncCount, countType)
		if operand != nil {
			matched := ir.NewFunction(ir.FuncCase, intType, operand, ir.NewConstant(1, intType), ir.NewConstant(nil, intType))
			count = ir.NewFunction(ir.FuncCount, countType, matched)
		}
		if c.Method == "Count" {
			return count, nil
		}
		if operand == nil {
			return ir.NewConstant(true, boolType), nil
		}
		return ir.NewFunction(ir.FuncGreater, boolType, count, ir.NewConstant(0, intType)), nil
	case "Sum", "Min", "Max", "Average":
		if operand == nil {
			return nil, errors.Newf("%s over a grouping needs a selector", c.Method)
		}
		return aggregateNode(c.Method, c.T, operand)
	}
	return nil, unsupported("%s over a grouping", c.Method)
}

// subQuery translates an aggregate over a sequence query as a nested scope
// of scope: EXISTS for Any, IN for Contains, a scalar sub-select otherwise.
func (st *state) subQuery(c *query.Call, scope *ir.Select, bound env) (ir.Node, error) {
	sub, err := st.sequence(c.Args[0], scope.NewChild, bound)
	if err != nil {
		return nil, err
	}
	switch c.Method {
	case "Any":
		if len(c.Args) > 1 {
			pred, err := lambdaArg(c, 1, 1)
			if err != nil {
				return nil, err
			}
			if sub, err = st.where(sub, pred, bound); err != nil {
				return nil, err
			}
		}
		if sub.group != nil {
			return nil, unsupported("Any over an unprojected grouping")
		}
		setColumns(sub.scope, sub.proj)
		return ir.NewFunction(ir.FuncExists, boolType, sub.scope), nil
	case "Contains":
		if sub.group != nil {
			return nil, unsupported("Contains over an unprojected grouping")
		}
		item, err := st.scalar(c.Args[1], scope, bound)
		if err != nil {
			return nil, err
		}
		setColumns(sub.scope, sub.proj)
		if len(sub.scope.Columns) != 1 {
			return nil, unsupported("Contains over a sub-query with %d columns", len(sub.scope.Columns))
		}
		return ir.NewFunction(ir.FuncIn, boolType, item, sub.scope), nil
	case "Count", "Sum", "Min", "Max", "Average":
		agg, err := st.aggregate(c, sub, bound)
		if err != nil {
			return nil, err
		}
		agg.scope.AddColumn(agg.node)
		agg.scope.SetType(c.T)
		return agg.scope, nil
	}
	return nil, unsupported("%s over a sub-query", c.Method)
}
