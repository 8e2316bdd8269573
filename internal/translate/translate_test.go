package translate

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ormquery/internal/entity"
	"ormquery/internal/ir"
	"ormquery/internal/query"
)

type customer struct {
	ID      int64 `db:",pk"`
	Name    string
	City    string
	Age     int
	Scratch string `db:"-"`
}

type order struct {
	ID         int64 `db:",pk"`
	CustomerID int64
	Total      float64
}

type orderCustomer struct {
	Customer *customer
	Order    *order
}

type cityCount struct {
	City  string
	Count int
}

var orderCustomerT = reflect.TypeOf(orderCustomer{})

func newTranslator(t *testing.T) *Translator {
	t.Helper()
	reg := entity.NewRegistry(nil, nil)
	entity.MustRegister[customer](reg)
	entity.MustRegister[order](reg)
	return New(reg)
}

func translate(t *testing.T, e query.Expr) *Query {
	t.Helper()
	q, err := newTranslator(t).Translate(context.Background(), e)
	require.NoError(t, err)
	require.True(t, q.Root.Frozen())
	return q
}

func TestFilterOrderTake(t *testing.T) {
	customers := query.From[customer]()
	c := customers.Var("c")
	q := translate(t, customers.
		Where(query.Fn(query.Eq(query.Field(c, "City"), query.ParamOf[string](0, "city")), c)).
		OrderBy(query.Fn(query.Field(c, "Name"), c)).
		Take(query.Value(10)).
		Expr())

	root := q.Root
	require.Len(t, root.Tables, 1)
	assert.Equal(t, "customers t0", ir.Describe(root.Tables[0]))
	assert.Len(t, root.Columns, 4)
	require.Len(t, root.Filters, 1)
	assert.Equal(t, "Equal(t0.city, @city[0]:parameter)", ir.Describe(root.Filters[0]))
	require.Len(t, root.Orders, 1)
	assert.Equal(t, "order by t0.name asc", ir.Describe(root.Orders[0]))
	assert.Equal(t, "10", ir.Describe(root.Limit))
	assert.Equal(t, ir.ShapeSequence, root.Shape)

	require.Len(t, q.Params, 1)
	assert.Equal(t, ir.UsageParameter, q.Params[0].Usage())
}

func TestRepeatedTranslationIsStructurallyIdentical(t *testing.T) {
	customers := query.From[customer]()
	c := customers.Var("c")
	e := customers.
		Where(query.Fn(query.Gt(query.Field(c, "Age"), query.Value(30)), c)).
		Select(query.Fn(query.Field(c, "Name"), c)).
		Expr()

	tr := newTranslator(t)
	a, err := tr.Translate(context.Background(), e)
	require.NoError(t, err)
	b, err := tr.Translate(context.Background(), e)
	require.NoError(t, err)

	assert.Equal(t, ir.Dump(a.Root), ir.Dump(b.Root))
	assert.NotSame(t, a.Root, b.Root)
}

func TestWhereAfterTakeWrapsScope(t *testing.T) {
	customers := query.From[customer]()
	c := customers.Var("c")
	q := translate(t, customers.
		OrderBy(query.Fn(query.Field(c, "Age"), c)).
		Take(query.Value(5)).
		Where(query.Fn(query.Eq(query.Field(c, "City"), query.Value("Oslo")), c)).
		Expr())

	root := q.Root
	require.Len(t, root.Tables, 1)
	sub, ok := root.Tables[0].(*ir.SubSelectTable)
	require.True(t, ok, "paging must apply before the filter")
	assert.NotNil(t, sub.Scope.Limit)
	assert.Len(t, sub.Scope.Orders, 1, "inner ordering is kept for paging")
	require.Len(t, root.Filters, 1)
	assert.Equal(t, `Equal(t1.c2, "Oslo")`, ir.Describe(root.Filters[0]))
	require.Len(t, root.Orders, 1, "ordering is carried to the outer scope")
	assert.Equal(t, "order by t1.c3 asc", ir.Describe(root.Orders[0]))
	assert.Nil(t, root.Limit)
}

func TestJoinOnPrimaryKeyIsDeduplicated(t *testing.T) {
	orders := query.From[order]()
	customers := query.From[customer]()
	o := orders.Var("o")
	c := customers.Var("c")
	c2 := customers.Var("c2")

	first := orders.Join(customers,
		query.Fn(query.Field(o, "CustomerID"), o),
		query.Fn(query.Field(c, "ID"), c),
		query.Fn(query.MemberInit(orderCustomerT, query.Bind("Customer", c), query.Bind("Order", o)), o, c))
	p := first.Var("p")
	second := first.Join(customers,
		query.Fn(query.Field(query.Field(p, "Order"), "CustomerID"), p),
		query.Fn(query.Field(c2, "ID"), c2),
		query.Fn(query.MemberInit(orderCustomerT,
			query.Bind("Customer", c2),
			query.Bind("Order", query.Field(p, "Order"))), p, c2))

	root := translate(t, second.Expr()).Root
	require.Len(t, root.Tables, 2, "the same key lookup joins the table once")
	join := root.Tables[1].Join()
	require.NotNil(t, join)
	assert.Equal(t, ir.JoinInner, join.Kind)
	assert.Equal(t, "Equal(t0.customer_id, t1.id)", ir.Describe(join.On))
	assert.Len(t, root.Columns, 7)
}

func TestLeftJoinMaterializesMissingSideAsNil(t *testing.T) {
	customers := query.From[customer]()
	orders := query.From[order]()
	c := customers.Var("c")
	o := orders.Var("o")

	q := translate(t, customers.LeftJoin(orders,
		query.Fn(query.Field(c, "ID"), c),
		query.Fn(query.Field(o, "CustomerID"), o),
		query.Fn(query.MemberInit(orderCustomerT, query.Bind("Customer", c), query.Bind("Order", o)), c, o)).
		Expr())

	root := q.Root
	require.Len(t, root.Tables, 2)
	assert.Equal(t, ir.JoinLeftOuter, root.Tables[1].Join().Kind)
	require.Len(t, root.Columns, 7)

	v, err := root.Materialize([]interface{}{int64(1), "Ada", "London", int64(36), nil, nil, nil}, nil)
	require.NoError(t, err)
	row := v.(orderCustomer)
	require.NotNil(t, row.Customer)
	assert.Equal(t, "Ada", row.Customer.Name)
	assert.Equal(t, 36, row.Customer.Age)
	assert.Nil(t, row.Order)
}

func TestDerivedParameterBecomesLiteral(t *testing.T) {
	customers := query.From[customer]()
	c := customers.Var("c")
	q := translate(t, customers.Where(query.Fn(query.And(
		query.Gt(query.Field(c, "Age"), query.ParamOf[int](0, "minAge")),
		query.Eq(query.Field(c, "City"), query.Add(query.ParamOf[string](1, "prefix"), query.Value("ton"))),
	), c)).Expr())

	require.Len(t, q.Params, 2)
	assert.Equal(t, "minAge", q.Params[0].Name)
	assert.Equal(t, ir.UsageParameter, q.Params[0].Usage())
	assert.Equal(t, "prefix", q.Params[1].Name)
	assert.Equal(t, ir.UsageLiteral, q.Params[1].Usage(), "prefix only reaches the query through a client-side concat")

	var derived *ir.ExternalValue
	ir.Walk(q.Root, func(n ir.Node) bool {
		if v, ok := n.(*ir.ExternalValue); ok && v.Index < 0 {
			derived = v
		}
		return true
	})
	require.NotNil(t, derived)
	val, err := derived.Value([]interface{}{18, "Bos"})
	require.NoError(t, err)
	assert.Equal(t, "Boston", val)
}

func TestSetOperationsChainLeftToRight(t *testing.T) {
	customers := query.From[customer]()
	c := customers.Var("c")
	city := func(name string) query.Queryable {
		return customers.Where(query.Fn(query.Eq(query.Field(c, "City"), query.Value(name)), c))
	}
	root := translate(t, city("Oslo").Union(city("Rome")).Concat(city("Lima")).Expr()).Root

	require.NotNil(t, root.Next)
	require.NotNil(t, root.Next.Next)
	assert.Equal(t, ir.SetUnion, root.SetOp)
	assert.Equal(t, ir.SetUnionAll, root.Next.SetOp)
	assert.Nil(t, root.Next.Next.Next)
	for _, s := range []*ir.Select{root, root.Next, root.Next.Next} {
		assert.Len(t, s.Columns, 4)
	}
	assert.Equal(t, "t0", root.Tables[0].Name())
	assert.Equal(t, "t1", root.Next.Tables[0].Name())
	assert.Equal(t, "t2", root.Next.Next.Tables[0].Name())
}

func TestPagedSetOperandIsWrapped(t *testing.T) {
	customers := query.From[customer]()
	c := customers.Var("c")
	top := customers.OrderBy(query.Fn(query.Field(c, "Age"), c)).Take(query.Value(3))
	root := translate(t, top.Union(customers).Expr()).Root

	_, ok := root.Tables[0].(*ir.SubSelectTable)
	assert.True(t, ok)
	assert.Empty(t, root.Orders)
	require.NotNil(t, root.Next)
	assert.Nil(t, root.Next.Limit)
}

func TestGroupingsReturnedWholeAreFoldedInMemory(t *testing.T) {
	customers := query.From[customer]()
	c := customers.Var("c")
	root := translate(t, customers.
		OrderBy(query.Fn(query.Field(c, "Name"), c)).
		GroupBy(query.Fn(query.Field(c, "City"), c)).
		Expr()).Root

	require.Len(t, root.Groups, 1)
	assert.True(t, root.Groups[0].InMemory)
	assert.Equal(t, ir.ShapeGroups, root.Shape)
	require.Len(t, root.Orders, 1, "source order decides element order within groups")
	assert.Len(t, root.Columns, 4, "the key column is already an element column")

	v, err := root.Materialize([]interface{}{int64(1), "Ada", "London", int64(36)}, nil)
	require.NoError(t, err)
	row := v.(*ir.GroupedRow)
	assert.Equal(t, "London", row.Key)
	assert.Equal(t, "Ada", row.Item.(*customer).Name)
}

func TestGroupingProjectionUsesGroupBy(t *testing.T) {
	customers := query.From[customer]()
	c := customers.Var("c")
	groups := customers.GroupBy(query.Fn(query.Field(c, "City"), c))
	g := groups.Var("g")
	root := translate(t, groups.
		Where(query.Fn(query.Gt(query.Count(g), query.Value(1)), g)).
		Select(query.Fn(query.MemberInit(reflect.TypeOf(cityCount{}),
			query.Bind("City", query.Field(g, "Key")),
			query.Bind("Count", query.Count(g))), g)).
		Expr()).Root

	require.Len(t, root.Groups, 1)
	assert.False(t, root.Groups[0].InMemory)
	require.Len(t, root.Having, 1)
	assert.Equal(t, "Greater(Count(), 1)", ir.Describe(root.Having[0]))
	require.Len(t, root.Columns, 2)
	assert.True(t, root.HasOutputAggregates())

	v, err := root.Materialize([]interface{}{"Oslo", int64(3)}, nil)
	require.NoError(t, err)
	assert.Equal(t, cityCount{City: "Oslo", Count: 3}, v)
}

func TestTerminalOperators(t *testing.T) {
	customers := query.From[customer]()
	orders := query.From[order]()
	c := customers.Var("c")
	o := orders.Var("o")

	t.Run("count", func(t *testing.T) {
		root := translate(t, customers.Count()).Root
		assert.Equal(t, ir.ShapeScalar, root.Shape)
		require.Len(t, root.Columns, 1)
		assert.Equal(t, "Count()", ir.Describe(root.Columns[0]))
		v, err := root.Materialize([]interface{}{int64(4)}, nil)
		require.NoError(t, err)
		assert.Equal(t, 4, v)
	})

	t.Run("count after take wraps", func(t *testing.T) {
		root := translate(t, customers.Take(query.Value(5)).Count()).Root
		_, ok := root.Tables[0].(*ir.SubSelectTable)
		assert.True(t, ok)
	})

	t.Run("sum of nothing is zero", func(t *testing.T) {
		root := translate(t, orders.Sum(query.Fn(query.Field(o, "Total"), o))).Root
		assert.Equal(t, "Coalesce(Sum(t0.total), 0)", ir.Describe(root.Columns[0]))
	})

	t.Run("first", func(t *testing.T) {
		root := translate(t, customers.OrderBy(query.Fn(query.Field(c, "Name"), c)).First()).Root
		assert.Equal(t, ir.ShapeFirst, root.Shape)
		assert.Equal(t, "1", ir.Describe(root.Limit))
	})

	t.Run("any", func(t *testing.T) {
		root := translate(t, customers.AnyWhere(query.Fn(query.Gt(query.Field(c, "Age"), query.Value(60)), c))).Root
		require.Len(t, root.Columns, 1)
		exists := root.Columns[0].(*ir.Function)
		assert.Equal(t, ir.FuncExists, exists.Func)
		sub := exists.Args[0].(*ir.Select)
		assert.Same(t, root, sub.Parent)
		assert.Len(t, sub.Filters, 1)
		v, err := root.Materialize([]interface{}{int64(1)}, nil)
		require.NoError(t, err)
		assert.Equal(t, true, v)
	})
}

func TestCorrelatedSubQueries(t *testing.T) {
	customers := query.From[customer]()
	orders := query.From[order]()
	c := customers.Var("c")
	o := orders.Var("o")
	theirs := orders.Where(query.Fn(query.Eq(query.Field(o, "CustomerID"), query.Field(c, "ID")), o))

	root := translate(t, customers.
		Where(query.Fn(query.Any(theirs.Expr(), nil), c)).
		Select(query.Fn(query.Sum(theirs.Expr(), query.Fn(query.Field(o, "Total"), o)), c)).
		Expr()).Root

	require.Len(t, root.Filters, 1)
	exists := root.Filters[0].(*ir.Function)
	assert.Equal(t, ir.FuncExists, exists.Func)
	sub := exists.Args[0].(*ir.Select)
	assert.Same(t, root, sub.Parent)
	assert.Equal(t, "Equal(t1.customer_id, t0.id)", ir.Describe(sub.Filters[0]))

	require.Len(t, root.Columns, 1)
	total, ok := root.Columns[0].(*ir.Select)
	require.True(t, ok, "the sum is a scalar sub-select")
	assert.Equal(t, "Coalesce(Sum(t2.total), 0)", ir.Describe(total.Columns[0]))
}

func TestContainsOverListParameter(t *testing.T) {
	customers := query.From[customer]()
	c := customers.Var("c")
	q := translate(t, customers.Where(query.Fn(
		query.In(query.ParamOf[[]string](0, "cities"), query.Field(c, "City")), c)).Expr())

	f := q.Root.Filters[0].(*ir.Function)
	assert.Equal(t, ir.FuncIn, f.Func)
	v := f.Args[1].(*ir.ExternalValue)
	assert.True(t, v.IsList())
}

func TestNullComparisons(t *testing.T) {
	customers := query.From[customer]()
	c := customers.Var("c")
	root := translate(t, customers.Where(query.Fn(query.And(
		query.Eq(query.Field(c, "City"), query.Value(nil)),
		query.Ne(query.Value(nil), query.Field(c, "Name")),
	), c)).Expr()).Root

	assert.Equal(t, "And(IsNull(t0.city), IsNotNull(t0.name))", ir.Describe(root.Filters[0]))
}

func TestEntityComparisonUsesKey(t *testing.T) {
	customers := query.From[customer]()
	c := customers.Var("c")
	q := translate(t, customers.Where(query.Fn(
		query.Ne(c, query.ParamOf[*customer](0, "me")), c)).Expr())

	f := q.Root.Filters[0].(*ir.Function)
	assert.Equal(t, ir.FuncNot, f.Func)
	eq := f.Args[0].(*ir.Function)
	key := eq.Args[1].(*ir.ExternalValue)
	assert.Equal(t, "me.ID", key.Name)
	assert.Equal(t, ir.UsageLiteral, q.Params[0].Usage())

	id, err := key.Value([]interface{}{&customer{ID: 42}})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestDistinctDropsOrdering(t *testing.T) {
	customers := query.From[customer]()
	c := customers.Var("c")
	root := translate(t, customers.
		OrderBy(query.Fn(query.Field(c, "Name"), c)).
		Select(query.Fn(query.Field(c, "City"), c)).
		Distinct().
		Expr()).Root

	assert.True(t, root.IsDistinct())
	assert.Empty(t, root.Orders)
	assert.Len(t, root.Columns, 1)
}

func TestTranslationErrors(t *testing.T) {
	customers := query.From[customer]()
	c := customers.Var("c")
	tr := newTranslator(t)

	_, err := tr.Translate(context.Background(), query.From[cityCount]().Expr())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a registered entity")
	assert.False(t, ir.IsNotImplemented(err))

	_, err = tr.Translate(context.Background(), customers.
		Select(query.Fn(query.Field(c, "Scratch"), c)).Expr())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not mapped")

	_, err = tr.Translate(context.Background(), customers.
		GroupBy(query.Fn(query.Field(c, "City"), c)).
		Skip(query.Value(1)).Expr())
	require.Error(t, err)
	assert.True(t, ir.IsNotImplemented(err))
}
