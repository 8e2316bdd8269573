package ir

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ormquery/internal/entity"
	"ormquery/internal/query"
)

type customer struct {
	ID   int64 `db:",pk"`
	Name string
	City string
}

type order struct {
	ID         int64 `db:",pk"`
	CustomerID int64
	Total      float64
}

type orderLine struct {
	OrderID int64 `db:",pk"`
	LineNo  int   `db:",pk"`
	Sku     string
}

type cityCount struct {
	City  string
	Count int
}

func newCityCount(city string, count int) cityCount {
	return cityCount{City: city, Count: count}
}

var (
	intT    = reflect.TypeOf(0)
	int64T  = reflect.TypeOf(int64(0))
	boolT   = reflect.TypeOf(false)
	stringT = reflect.TypeOf("")
)

type model struct {
	customers *entity.Entity
	orders    *entity.Entity
	lines     *entity.Entity
}

func newModel(t *testing.T) model {
	t.Helper()
	r := entity.NewRegistry(nil, nil)
	return model{
		customers: entity.MustRegister[customer](r),
		orders:    entity.MustRegister[order](r),
		lines:     entity.MustRegister[orderLine](r),
	}
}

func eq(x, y Node) *Function { return NewFunction(FuncEqual, boolT, x, y) }

func TestInnerJoinOntoOuterChainIsPromoted(t *testing.T) {
	m := newModel(t)
	s := NewSelect(reflect.TypeOf([]*customer{}))
	a := s.AddTable(NewTable(m.customers))
	b := s.Join(NewTable(m.orders), a, JoinLeftOuter,
		eq(NewColumn(a, "id", int64T), looseColumn(t, "customer_id")), "customer.orders")
	c := s.Join(NewTable(m.lines), b, JoinInner,
		eq(NewColumn(b, "id", int64T), NewColumn(nil, "order_id", int64T)), "order.lines")

	assert.Equal(t, JoinLeftOuter, b.Join().Kind)
	assert.Equal(t, JoinLeftOuter, c.Join().Kind&JoinLeftOuter, "inner join onto an outer chain keeps NULL extension")
	assert.True(t, c.Join().Kind.IsOuter())

	right := NewTable(m.orders)
	right.setJoin(&Join{Kind: JoinRightOuter})
	JoinTo(right, a, JoinInner, nil, "")
	assert.Equal(t, JoinRightOuter, right.Join().Kind)

	full := NewTable(m.lines)
	JoinTo(full, b, JoinRightOuter, nil, "")
	assert.Equal(t, JoinRightOuter, full.Join().Kind, "explicit outer requests are kept as requested")
}

// looseColumn is a column whose table is resolved later; only the name matters
// for the assertions that use it.
func looseColumn(t *testing.T, name string) *Column {
	t.Helper()
	return NewColumn(nil, name, int64T)
}

func TestJoinGroupDeduplicates(t *testing.T) {
	m := newModel(t)
	s := NewSelect(reflect.TypeOf([]*order{}))
	a := s.AddTable(NewTable(m.orders))
	first := s.Join(NewTable(m.customers), a, JoinInner, nil, "order.customer")
	second := s.Join(NewTable(m.customers), a, JoinInner, nil, "order.customer")

	assert.Same(t, first, second)
	assert.Len(t, s.Tables, 2)
	assert.Equal(t, "t0", a.Name())
	assert.Equal(t, "t1", first.Name())
}

func TestMakeOuter(t *testing.T) {
	m := newModel(t)
	s := NewSelect(reflect.TypeOf([]*customer{}))
	a := s.AddTable(NewTable(m.customers))
	b := s.Join(NewTable(m.orders), a, JoinInner, eq(NewColumn(a, "id", int64T), looseColumn(t, "customer_id")), "")

	MakeOuter(b)
	assert.Equal(t, JoinLeftOuter, b.Join().Kind)

	MakeOuter(a)
	assert.Equal(t, JoinRightOuter, a.Join().Kind)
}

func TestParameterClassification(t *testing.T) {
	m := newModel(t)
	s := NewSelect(reflect.TypeOf([]*customer{}))
	tbl := s.AddTable(NewTable(m.customers))

	twice := NewParameter(0, "id", int64T)
	unused := NewParameter(1, "city", stringT)
	viaDerived := NewParameter(2, "base", intT)
	derived := NewDerived("plusOne", intT, []*ExternalValue{viaDerived}, func(v []interface{}) (interface{}, error) {
		return v[0].(int) + 1, nil
	})

	s.Where(eq(NewColumn(tbl, "id", int64T), twice))
	s.Where(NewFunction(FuncNotEqual, boolT, twice, NewColumn(tbl, "id", int64T)))
	s.SetLimit(derived)

	ResolveParameters(s, twice, unused, viaDerived)

	assert.Equal(t, UsageParameter, twice.Usage())
	assert.Equal(t, 2, twice.Count())
	assert.Equal(t, UsageUnused, unused.Usage())
	assert.Equal(t, 0, unused.Count())
	assert.Equal(t, UsageLiteral, viaDerived.Usage())
	assert.Equal(t, UsageParameter, derived.Usage())

	v, err := derived.Value([]interface{}{int64(7), "x", 41})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = unused.Value(nil)
	require.Error(t, err)
}

func TestListValuesRecordElementType(t *testing.T) {
	ids := NewParameter(0, "ids", reflect.TypeOf([]int64{}))
	assert.True(t, ids.IsList())
	assert.Equal(t, int64T, ids.Elem)

	blob := NewParameter(1, "blob", reflect.TypeOf([]byte{}))
	assert.False(t, blob.IsList())
}

func TestFoldConstants(t *testing.T) {
	m := newModel(t)
	s := NewSelect(reflect.TypeOf([]*customer{}))
	tbl := s.AddTable(NewTable(m.customers))
	p := NewParameter(0, "n", intT)

	s.Where(eq(NewColumn(tbl, "id", int64T), NewFunction(FuncAdd, intT, NewConstant(1, nil), NewConstant(2, nil))))
	s.SetLimit(NewFunction(FuncMultiply, intT, p, NewConstant(10, nil)))

	require.NoError(t, FoldConstants(s))

	folded := s.Filters[0].(*Function).Args[1]
	require.IsType(t, &Constant{}, folded)
	assert.Equal(t, 3, folded.(*Constant).Value)

	limit, ok := s.Limit.(*ExternalValue)
	require.True(t, ok)
	v, err := limit.Value([]interface{}{4})
	require.NoError(t, err)
	assert.Equal(t, 40, v)

	ResolveParameters(s, p)
	assert.Equal(t, UsageLiteral, p.Usage())
	assert.Equal(t, UsageParameter, limit.Usage())
}

func TestDistinctIsStructural(t *testing.T) {
	m := newModel(t)
	s := NewSelect(reflect.TypeOf([]string{}))
	tbl := s.AddTable(NewTable(m.customers))

	city := NewColumn(tbl, "city", stringT)
	assert.True(t, NewDistinct(city).IsDistinct())

	twin := NewColumn(tbl, "city", stringT)
	assert.False(t, NewGroup(city, twin).IsDistinct(), "structurally equal but separate instances")

	g := NewDistinct(city)
	rebuilt, err := g.WithChildren([]Node{NewColumn(tbl, "name", stringT)})
	require.NoError(t, err)
	assert.True(t, rebuilt.(*Group).IsDistinct())

	s.AddGroup(g)
	require.NoError(t, s.Rewrite(func(n Node) (Node, error) {
		if c, ok := n.(*Column); ok && c.Name == "city" {
			return NewColumn(tbl, "town", stringT), nil
		}
		return n, nil
	}))
	assert.True(t, s.Groups[0].IsDistinct())
	assert.Equal(t, "town", s.Groups[0].Key.(*Column).Name)
}

func TestConstructKeepsBindingStyle(t *testing.T) {
	m := newModel(t)
	s := NewSelect(reflect.TypeOf([]cityCount{}))
	tbl := s.AddTable(NewTable(m.customers))
	city := NewColumn(tbl, "city", stringT)
	count := NewFunction(FuncCount, intT)
	ct := reflect.TypeOf(cityCount{})

	init := NewConstruct(ct, reflect.Value{}, nil, []string{"City", "Count"}, []Node{city, count})
	expr, err := init.NewExpression([]query.Expr{query.Value("x"), query.Value(2)})
	require.NoError(t, err)
	assert.False(t, expr.Ctor.IsValid())
	assert.Empty(t, expr.Args)
	require.Len(t, expr.Bindings, 2)
	assert.Equal(t, "Count", expr.Bindings[1].Field)

	positional := NewConstruct(ct, reflect.ValueOf(newCityCount), []Node{city, count}, nil, nil)
	expr, err = positional.NewExpression([]query.Expr{query.Value("x"), query.Value(2)})
	require.NoError(t, err)
	assert.True(t, expr.Ctor.IsValid())
	assert.Len(t, expr.Args, 2)
	assert.Empty(t, expr.Bindings)

	member, err := positional.Member("Count")
	require.NoError(t, err)
	assert.Same(t, count, member)

	v, err := init.Build([]interface{}{"Oslo", int64(3)})
	require.NoError(t, err)
	assert.Equal(t, cityCount{City: "Oslo", Count: 3}, v)

	v, err = positional.Build([]interface{}{"Rome", 5})
	require.NoError(t, err)
	assert.Equal(t, cityCount{City: "Rome", Count: 5}, v)

	_, err = init.Member("Population")
	require.Error(t, err)
	assert.True(t, IsContractViolation(err))
	assert.Contains(t, err.Error(), "Population")
}

func TestWithChildrenContract(t *testing.T) {
	m := newModel(t)
	c := NewConstant(1, nil)
	same, err := c.WithChildren(nil)
	require.NoError(t, err)
	assert.Same(t, c, same)

	_, err = c.WithChildren([]Node{NewConstant(2, nil)})
	require.Error(t, err)
	assert.True(t, IsContractViolation(err))
	assert.Contains(t, err.Error(), "constant")

	s := NewSelect(reflect.TypeOf([]*customer{}))
	tbl := s.AddTable(NewTable(m.customers))
	s.Where(eq(NewColumn(tbl, "id", int64T), c))

	_, err = s.WithChildren(s.Children())
	require.Error(t, err)
	assert.True(t, IsContractViolation(err))
	assert.Contains(t, err.Error(), "select")

	f := NewFunction(FuncAdd, intT, c, c)
	_, err = f.WithChildren([]Node{c})
	require.Error(t, err)
	assert.True(t, IsContractViolation(err))
}

func TestMapPreservesIdentity(t *testing.T) {
	a, b := NewConstant(1, nil), NewConstant(2, nil)
	tree := NewFunction(FuncAnd, boolT, eq(a, a), eq(b, b))

	out, err := Map(tree, func(n Node) (Node, error) { return n, nil })
	require.NoError(t, err)
	assert.Same(t, tree, out)

	out, err = Map(tree, func(n Node) (Node, error) {
		if n == b {
			return NewConstant(3, nil), nil
		}
		return n, nil
	})
	require.NoError(t, err)
	f := out.(*Function)
	assert.NotSame(t, tree, f)
	assert.Same(t, tree.Args[0], f.Args[0])
}

func TestScopeResolution(t *testing.T) {
	m := newModel(t)
	outer := NewSelect(reflect.TypeOf([]*customer{}))
	ct := outer.AddTable(NewTable(m.customers))
	id := NewColumn(ct, "id", int64T)
	id.SetAlias("customer_id")
	outer.AddColumn(id)

	inner := outer.NewChild(boolT)
	ot := inner.AddTable(NewTable(m.orders))
	inner.Where(eq(NewColumn(ot, "customer_id", int64T), NewColumn(ct, "id", int64T)))

	found, scope, ok := inner.FindTable("t0")
	require.True(t, ok)
	assert.Same(t, ct, found)
	assert.Same(t, outer, scope)

	found, scope, ok = inner.FindTable("t1")
	require.True(t, ok)
	assert.Same(t, ot, found)
	assert.Same(t, inner, scope)

	col, scope, ok := inner.FindColumn("customer_id")
	require.True(t, ok)
	assert.Same(t, id, col)
	assert.Same(t, outer, scope)

	_, _, ok = inner.FindTable("t9")
	assert.False(t, ok)
	assert.False(t, outer.Declares(ot))
}

func TestScopePredicates(t *testing.T) {
	m := newModel(t)
	s := NewSelect(reflect.TypeOf([]int{}))
	tbl := s.AddTable(NewTable(m.orders))
	assert.False(t, s.HasOutputAggregates())
	assert.False(t, s.HasOrderBy())
	assert.False(t, s.HasLimit())

	s.AddColumn(NewColumn(tbl, "total", reflect.TypeOf(0.0)))
	assert.False(t, s.HasOutputAggregates())
	s.AddColumn(NewFunction(FuncSum, reflect.TypeOf(0.0), NewColumn(tbl, "total", reflect.TypeOf(0.0))))
	assert.True(t, s.HasOutputAggregates())

	s.AddOrder(NewConstantOrderBy())
	assert.True(t, s.HasOrderBy())
	assert.True(t, s.Orders[0].IsConstant())

	s.SetOffset(NewRowOffset(NewConstant(5, nil)))
	assert.False(t, s.HasLimit())
	assert.Nil(t, s.OffsetLimit)
	s.SetLimit(NewConstant(10, nil))
	assert.True(t, s.HasLimit())
	require.NotNil(t, s.OffsetLimit)
	assert.Equal(t, FuncAdd, s.OffsetLimit.(*Function).Func)
}

func TestRowOffsetShift(t *testing.T) {
	r := NewRowOffset(NewConstant(3, nil))
	assert.Equal(t, 0, r.Shift(true))
	assert.Equal(t, 1, r.Shift(false))
	r.ZeroBased = false
	assert.Equal(t, -1, r.Shift(true))
}

func TestChainIsLinkedLeftToRight(t *testing.T) {
	q1 := NewSelect(reflect.TypeOf([]int{}))
	q2 := q1.NewSibling(reflect.TypeOf([]int{}))
	q3 := q1.NewSibling(reflect.TypeOf([]int{}))
	q1.Chain(SetExcept, q2)
	q1.Chain(SetUnion, q3)

	assert.Same(t, q2, q1.Next)
	assert.Equal(t, SetExcept, q1.SetOp)
	assert.Same(t, q3, q2.Next)
	assert.Equal(t, SetUnion, q2.SetOp)
	assert.Nil(t, q3.Next)
	assert.Len(t, q1.Scopes(), 3)
}

func TestFreezeRejectsMutation(t *testing.T) {
	m := newModel(t)
	s := NewSelect(reflect.TypeOf([]*customer{}))
	s.AddTable(NewTable(m.customers))
	child := s.NewChild(boolT)
	child.AddTable(NewTable(m.orders))
	s.Where(NewFunction(FuncExists, boolT, child))

	s.Freeze()
	assert.True(t, s.Frozen())
	assert.True(t, child.Frozen())
	assert.Panics(t, func() { s.Where(NewConstant(true, nil)) })
	assert.Panics(t, func() { child.AddColumn(NewConstant(1, nil)) })
}

func TestSubSelectTableEquality(t *testing.T) {
	m := newModel(t)
	root := NewSelect(reflect.TypeOf([]*customer{}))
	inner := root.NewChild(reflect.TypeOf([]*customer{}))
	inner.AddTable(NewTable(m.customers))

	a := NewSubSelectTable(inner)
	b := NewSubSelectTable(inner)
	assert.True(t, a.Equal(b))

	other := root.NewChild(reflect.TypeOf([]*customer{}))
	other.AddTable(NewTable(m.customers))
	assert.False(t, a.Equal(NewSubSelectTable(other)), "same shape, different scope instance")

	b.setJoin(&Join{GroupID: "g"})
	assert.False(t, a.Equal(b))
}

func TestRawFilterExpandsTable(t *testing.T) {
	m := newModel(t)
	s := NewSelect(reflect.TypeOf([]*customer{}))
	tbl := s.AddTable(NewTable(m.customers))
	f := NewRawFilter(tbl, "{table}.deleted_at IS NULL")
	assert.Equal(t, "t0.deleted_at IS NULL", f.Text(tbl.Name()))
	assert.Equal(t, KindRawFilter, f.Kind())
}

func TestEntityRefMember(t *testing.T) {
	m := newModel(t)
	s := NewSelect(reflect.TypeOf([]*customer{}))
	tbl := s.AddTable(NewTable(m.customers))
	ref := NewEntityRef(tbl, m.customers)
	require.Len(t, ref.Children(), 3)

	city, err := ref.Member("City")
	require.NoError(t, err)
	assert.Equal(t, "city", city.(*Column).Name)

	_, err = ref.Member("Nope")
	assert.True(t, IsContractViolation(err))
}
