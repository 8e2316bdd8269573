package query

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type person struct {
	ID   int64
	Name string
	Age  int
	City string
}

type summary struct {
	City  string
	Count int
}

func newSummary(city string, count int) summary {
	return summary{City: city, Count: count}
}

func TestBuilderTypes(t *testing.T) {
	people := From[person]()
	p := people.Var("p")
	assert.Equal(t, reflect.TypeOf(&person{}), p.T)

	q := people.
		Where(Fn(Gt(Field(p, "Age"), ParamOf[int](0, "minAge")), p)).
		OrderBy(Fn(Field(p, "Name"), p)).
		Take(Value(10))
	assert.Equal(t, reflect.TypeOf([]*person{}), q.Expr().Type())

	names := q.Select(Fn(Field(p, "Name"), p))
	assert.Equal(t, reflect.TypeOf(""), names.Elem())

	call, ok := names.Expr().(*Call)
	require.True(t, ok)
	assert.Equal(t, QueryableProvider, call.Provider)
	assert.Equal(t, "Select", call.Method)
	assert.Len(t, call.Args, 2)
}

func TestGroupByVarCarriesKeyType(t *testing.T) {
	people := From[person]()
	p := people.Var("p")
	groups := people.GroupBy(Fn(Field(p, "City"), p))
	g := groups.Var("g")

	assert.Equal(t, GroupingType, g.T)
	assert.Equal(t, reflect.TypeOf(""), g.Key)
	assert.Equal(t, reflect.TypeOf(&person{}), g.Elem)

	key := Field(g, "Key")
	assert.Equal(t, reflect.TypeOf(""), key.Type())

	count := Count(g)
	assert.Equal(t, Enumerable, count.Provider)

	proj := groups.Select(Fn(MemberInit(reflect.TypeOf(summary{}),
		Bind("City", key),
		Bind("Count", count),
	), g))
	assert.Equal(t, reflect.TypeOf(summary{}), proj.Elem())
}

func TestFieldPanicsOnUnknownField(t *testing.T) {
	p := VarOf[*person]("p")
	assert.Panics(t, func() { Field(p, "Missing") })
}

func TestConstructValidatesArity(t *testing.T) {
	p := VarOf[*person]("p")
	n := Construct(newSummary, Field(p, "City"), Value(1))
	assert.Equal(t, reflect.TypeOf(summary{}), n.T)
	assert.True(t, n.Ctor.IsValid())
	assert.Panics(t, func() { Construct(newSummary, Value("x")) })
	assert.Panics(t, func() { Construct(42) })
}

func TestFormatIsDeterministicAndIgnoresParamValues(t *testing.T) {
	build := func() Expr {
		people := From[person]()
		p := people.Var("p")
		return people.
			Where(Fn(And(Eq(Field(p, "City"), ParamOf[string](0, "city")), StartsWith(Field(p, "Name"), Value("A"))), p)).
			Count()
	}
	a, b := Format(build()), Format(build())
	assert.Equal(t, a, b)
	assert.Equal(t,
		`Queryable.Count(Queryable.Where(Source<*query.person>, (p) => ((p.City == @0) && Strings.StartsWith(p.Name, "A"))))`,
		a)
}

func countSummary(city string, count int) summary {
	return summary{City: city, Count: count * 2}
}

func TestCacheKeySeparatesQueriesThatFormatEqually(t *testing.T) {
	people := From[person]()
	p := people.Var("p")

	plain, ok := CacheKey(people.Select(Fn(Construct(newSummary, Field(p, "City"), Value(1)), p)).Expr())
	require.True(t, ok)
	doubled, ok := CacheKey(people.Select(Fn(Construct(countSummary, Field(p, "City"), Value(1)), p)).Expr())
	require.True(t, ok)
	assert.NotEqual(t, plain, doubled)
	assert.Contains(t, plain, "newSummary")

	// The inner variable shadows the outer one by name only.
	outer := people.Var("p")
	inner := people.Var("p")
	correlated := people.Where(Fn(Any(people.Expr(), Fn(Eq(Field(inner, "Age"), Field(outer, "Age")), inner)), outer)).Expr()
	local := people.Where(Fn(Any(people.Expr(), Fn(Eq(Field(inner, "Age"), Field(inner, "Age")), inner)), outer)).Expr()
	assert.Equal(t, Format(correlated), Format(local))
	k1, _ := CacheKey(correlated)
	k2, _ := CacheKey(local)
	assert.NotEqual(t, k1, k2)

	// Separately built trees of the same shape still share a key.
	rebuilt := func() string {
		q := From[person]()
		v := q.Var("x")
		key, _ := CacheKey(q.Where(Fn(Eq(Field(v, "City"), ParamOf[string](0, "city")), v)).Expr())
		return key
	}
	assert.Equal(t, rebuilt(), rebuilt())

	offset := 2
	_, ok = CacheKey(people.Select(Fn(Construct(func(city string, n int) summary {
		return summary{City: city, Count: n + offset}
	}, Field(p, "City"), Value(1)), p)).Expr())
	assert.False(t, ok, "closures carry state the key cannot see")
}

func TestTransformRebuildsOnlyChangedPaths(t *testing.T) {
	p := VarOf[*person]("p")
	untouched := Field(p, "Name")
	expr := And(Eq(Field(p, "Age"), Value(3)), Eq(untouched, Value("x")))

	out, err := Transform(expr, func(e Expr) (Expr, error) {
		if c, ok := e.(*Const); ok && c.Value == 3 {
			return Value(4), nil
		}
		return e, nil
	})
	require.NoError(t, err)

	bin := out.(*Binary)
	assert.NotSame(t, expr, bin)
	assert.Same(t, expr.Y, bin.Y, "unchanged subtree must be reused")
	assert.Equal(t, 4, bin.X.(*Binary).Y.(*Const).Value)
}

func TestRebuildRejectsWrongArity(t *testing.T) {
	_, err := Rebuild(Not(Value(true)), nil)
	require.Error(t, err)
}

func TestNewChildrenRoundTrip(t *testing.T) {
	p := VarOf[*person]("p")
	n := MemberInit(reflect.TypeOf(summary{}), Bind("City", Field(p, "City")), Bind("Count", Value(1)))
	children := Children(n)
	require.Len(t, children, 2)

	rebuilt, err := Rebuild(n, []Expr{Value("x"), Value(2)})
	require.NoError(t, err)
	nn := rebuilt.(*New)
	assert.Equal(t, "City", nn.Bindings[0].Field)
	assert.Equal(t, "x", nn.Bindings[0].Value.(*Const).Value)
	assert.False(t, nn.Ctor.IsValid())
}
