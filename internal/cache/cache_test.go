package cache

import (
	"context"
	"database/sql"
	"reflect"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"ormquery/internal/dbexec"
	"ormquery/internal/entity"
	"ormquery/internal/enumerable"
	"ormquery/internal/query"
	"ormquery/internal/session"
	"ormquery/internal/sqlgen"
)

type customer struct {
	ID   int64 `db:",pk"`
	Name string
	City string
	Age  int
}

type order struct {
	ID         int64 `db:",pk"`
	CustomerID int64
	Total      float64
}

type customerOrder struct {
	Customer *customer
	Order    *order
}

type cityCount struct {
	City  string
	Count int
}

type label struct {
	Text string
}

func plainLabel(name string) label { return label{Text: name} }

func upperLabel(name string) label { return label{Text: strings.ToUpper(name)} }

var (
	customers = query.From[customer]()
	orders    = query.From[order]()
)

func newRegistry() *entity.Registry {
	reg := entity.NewRegistry(nil, nil)
	entity.MustRegister[customer](reg)
	entity.MustRegister[order](reg)
	return reg
}

func byCity(c *query.Var) *query.Lambda {
	return query.Fn(query.Eq(query.Field(c, "City"), query.ParamOf[string](0, "city")), c)
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	for _, stmt := range []string{
		`CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT NOT NULL, city TEXT NOT NULL, age INTEGER NOT NULL)`,
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_id INTEGER NOT NULL, total REAL NOT NULL)`,
		`INSERT INTO customers VALUES (1, 'Ada', 'London', 36), (2, 'Bo', 'Oslo', 28), (3, 'Cy', 'Oslo', 51),
			(4, 'Di', 'Rome', 44), (5, 'Ed', 'Oslo', 19)`,
		`INSERT INTO orders VALUES (10, 1, 12.5), (11, 1, 7.5), (12, 3, 30)`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return db
}

// backends is a live store and a snapshot loaded from it.
type backends struct {
	reg  *entity.Registry
	exec *dbexec.Executor
	comp *Compiler
	snap *Snapshot
}

func newBackends(t *testing.T) *backends {
	t.Helper()
	reg := newRegistry()
	exec := dbexec.New(dbexec.NewStandardExecutor(openSQLite(t)), reg, sqlgen.New(sqlgen.SQLite))
	snap, err := Load(context.Background(), exec, reg)
	require.NoError(t, err)
	comp, err := New(reg)
	require.NoError(t, err)
	return &backends{reg: reg, exec: exec, comp: comp, snap: snap}
}

func (b *backends) run(t *testing.T, q query.Expr, args ...interface{}) (live, cached interface{}) {
	t.Helper()
	ctx := context.Background()
	live, err := b.exec.Query(ctx, session.New(), q, args...)
	require.NoError(t, err)
	cached, err = b.comp.Query(ctx, session.New(), b.snap, q, args...)
	require.NoError(t, err)
	return live, cached
}

// logical replaces entities by their keys and structs by their fields, so
// results compare by record rather than by instance.
func logical(t *testing.T, reg *entity.Registry, v interface{}) interface{} {
	t.Helper()
	switch x := v.(type) {
	case nil:
		return nil
	case enumerable.Seq:
		out := make([]interface{}, len(x))
		for i, item := range x {
			out[i] = logical(t, reg, item)
		}
		return out
	case *query.Grouping:
		return []interface{}{logical(t, reg, x.Key), logical(t, reg, enumerable.Seq(x.Items))}
	}
	rv := reflect.ValueOf(v)
	if ent, ok := reg.Lookup(rv.Type()); ok && rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		key, err := ent.Key(v)
		require.NoError(t, err)
		return key
	}
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Struct {
		fields := map[string]interface{}{}
		for i := 0; i < rv.NumField(); i++ {
			if rv.Type().Field(i).IsExported() {
				fields[rv.Type().Field(i).Name] = logical(t, reg, rv.Field(i).Interface())
			}
		}
		return fields
	}
	return v
}

func TestLoadSnapshot(t *testing.T) {
	b := newBackends(t)
	assert.Equal(t, 5, b.snap.Len(reflect.TypeOf(&customer{})))
	assert.Equal(t, 3, b.snap.Len(reflect.TypeOf(&order{})))
	first := b.snap.Set(reflect.TypeOf(&customer{}))[0].(*customer)
	assert.Equal(t, "Ada", first.Name)
}

func TestBackendsAgree(t *testing.T) {
	b := newBackends(t)
	c := customers.Var("c")
	o := orders.Var("o")
	name := query.Fn(query.Field(c, "Name"), c)
	age := query.Fn(query.Field(c, "Age"), c)
	total := query.Fn(query.Field(o, "Total"), o)
	theirs := orders.Where(query.Fn(query.Eq(query.Field(o, "CustomerID"), query.Field(c, "ID")), o))
	pair := query.Fn(query.MemberInit(reflect.TypeOf(customerOrder{}),
		query.Bind("Customer", c), query.Bind("Order", o)), c, o)
	groups := customers.GroupBy(query.Fn(query.Field(c, "City"), c))
	g := groups.Var("g")
	perCity := query.Fn(query.MemberInit(reflect.TypeOf(cityCount{}),
		query.Bind("City", query.Field(g, "Key")),
		query.Bind("Count", query.Count(g))), g)

	tests := []struct {
		name      string
		q         query.Expr
		args      []interface{}
		unordered bool
	}{
		{name: "filter and order", q: customers.Where(byCity(c)).OrderBy(name).Expr(), args: []interface{}{"Oslo"}},
		{name: "projection", q: customers.OrderByDescending(age).Select(name).Expr()},
		{name: "secondary ordering", q: customers.OrderBy(query.Fn(query.Field(c, "City"), c)).ThenByDescending(age).Expr()},
		{name: "skip and take", q: customers.OrderBy(name).Skip(query.ParamOf[int](0, "skip")).Take(query.ParamOf[int](1, "take")).Expr(), args: []interface{}{1, 2}},
		{name: "filter after take", q: customers.OrderBy(age).Take(query.Value(3)).Where(query.Fn(query.Eq(query.Field(c, "City"), query.Value("Oslo")), c)).Expr(), unordered: true},
		{name: "list parameter", q: customers.Where(query.Fn(query.In(query.ParamOf[[]string](0, "cities"), query.Field(c, "City")), c)).OrderBy(name).Expr(), args: []interface{}{[]string{"Rome", "London"}}},
		{name: "entity inequality", q: customers.Where(query.Fn(query.Ne(c, query.ParamOf[*customer](0, "me")), c)).OrderBy(name).Expr(), args: []interface{}{&customer{ID: 2}}},
		{name: "correlated any", q: customers.Where(query.Fn(query.Any(theirs.Expr(), nil), c)).OrderBy(name).Expr()},
		{name: "correlated sum", q: customers.OrderBy(name).Select(query.Fn(query.Sum(theirs.Expr(), total), c)).Expr()},
		{name: "groupings", q: customers.OrderBy(name).GroupBy(query.Fn(query.Field(c, "City"), c)).Expr()},
		{name: "grouped projection", q: groups.Select(perCity).Expr(), unordered: true},
		{name: "grouped filter", q: groups.Where(query.Fn(query.Gt(query.Count(g), query.Value(1)), g)).Select(perCity).Expr()},
		{name: "distinct", q: customers.Select(query.Fn(query.Field(c, "City"), c)).Distinct().Expr(), unordered: true},
		{name: "inner join", q: customers.Join(orders, query.Fn(query.Field(c, "ID"), c), query.Fn(query.Field(o, "CustomerID"), o), pair).Expr(), unordered: true},
		{name: "left join", q: customers.LeftJoin(orders, query.Fn(query.Field(c, "ID"), c), query.Fn(query.Field(o, "CustomerID"), o), pair).Expr(), unordered: true},
		{name: "union", q: customers.Where(byCity(c)).Union(customers.Where(query.Fn(query.Gt(query.Field(c, "Age"), query.Value(40)), c))).Expr(), args: []interface{}{"Oslo"}, unordered: true},
		{name: "intersect", q: customers.Where(byCity(c)).Intersect(customers.Where(query.Fn(query.Gt(query.Field(c, "Age"), query.Value(25)), c))).Expr(), args: []interface{}{"Oslo"}, unordered: true},
		{name: "count", q: customers.Count()},
		{name: "count where", q: customers.CountWhere(byCity(c)), args: []interface{}{"Oslo"}},
		{name: "any", q: customers.AnyWhere(query.Fn(query.Gt(query.Field(c, "Age"), query.Value(60)), c))},
		{name: "first", q: customers.OrderByDescending(age).First()},
		{name: "sum", q: orders.Sum(total)},
		{name: "sum of nothing", q: orders.Where(query.Fn(query.Gt(query.Field(o, "Total"), query.Value(100.0)), o)).Sum(total)},
		{name: "average", q: orders.Where(query.Fn(query.Eq(query.Field(o, "CustomerID"), query.Value(int64(1))), o)).Average(total)},
		{name: "min", q: customers.Min(name)},
		{name: "max", q: customers.Max(age)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			live, cached := b.run(t, tc.q, tc.args...)
			want, got := logical(t, b.reg, live), logical(t, b.reg, cached)
			if tc.unordered {
				assert.ElementsMatch(t, want, got)
				return
			}
			assert.Equal(t, want, got)
		})
	}
}

// A chain Q1 EXCEPT Q2 UNION Q3 means (Q1 EXCEPT Q2) UNION Q3. Grouping it
// the other way removes more rows, which is why set operations are kept as
// a left-to-right chain.
func TestSetChainIsLeftAssociative(t *testing.T) {
	b := newBackends(t)
	c := customers.Var("c")
	oslo := customers.Where(query.Fn(query.Eq(query.Field(c, "City"), query.Value("Oslo")), c))
	older := customers.Where(query.Fn(query.Gt(query.Field(c, "Age"), query.Value(40)), c))

	chained := customers.Except(oslo).Union(older).Expr()
	regrouped := customers.Except(oslo.Union(older)).Expr()

	keys := func(v interface{}) []interface{} { return logical(t, b.reg, v).([]interface{}) }
	chainLive, chainCached := b.run(t, chained)
	groupLive, groupCached := b.run(t, regrouped)

	assert.ElementsMatch(t, []interface{}{entity.Key("customer|1"), entity.Key("customer|3"), entity.Key("customer|4")}, keys(chainLive))
	assert.ElementsMatch(t, keys(chainLive), keys(chainCached))
	assert.ElementsMatch(t, []interface{}{entity.Key("customer|1")}, keys(groupLive))
	assert.ElementsMatch(t, keys(groupLive), keys(groupCached))
}

func TestResultsNeverExposeSnapshotInstances(t *testing.T) {
	b := newBackends(t)
	ctx := context.Background()
	c := customers.Var("c")
	o := orders.Var("o")
	stored := map[entity.Key]interface{}{}
	for _, elem := range []reflect.Type{reflect.TypeOf(&customer{}), reflect.TypeOf(&order{})} {
		ent, _ := b.reg.Lookup(elem)
		for _, v := range b.snap.Set(elem) {
			key, err := ent.Key(v)
			require.NoError(t, err)
			stored[key] = v
		}
	}
	assertCopy := func(t *testing.T, v interface{}) {
		t.Helper()
		ent, ok := b.reg.Lookup(reflect.TypeOf(v))
		require.True(t, ok)
		key, err := ent.Key(v)
		require.NoError(t, err)
		require.Contains(t, stored, key)
		assert.NotSame(t, stored[key], v)
		assert.Equal(t, stored[key], v)
	}

	t.Run("sequence", func(t *testing.T) {
		got, err := b.comp.Query(ctx, nil, b.snap, customers.Where(byCity(c)).Expr(), "Oslo")
		require.NoError(t, err)
		require.Len(t, got, 3)
		for _, v := range got.(enumerable.Seq) {
			assertCopy(t, v)
		}
	})

	t.Run("first", func(t *testing.T) {
		got, err := b.comp.Query(ctx, nil, b.snap, customers.First())
		require.NoError(t, err)
		assertCopy(t, got)
	})

	t.Run("trailing projection", func(t *testing.T) {
		got, err := b.comp.Query(ctx, nil, b.snap, customers.Select(query.Fn(c, c)).Expr())
		require.NoError(t, err)
		for _, v := range got.(enumerable.Seq) {
			assertCopy(t, v)
		}
	})

	t.Run("constructed", func(t *testing.T) {
		got, err := b.comp.Query(ctx, nil, b.snap, customers.Join(orders,
			query.Fn(query.Field(c, "ID"), c),
			query.Fn(query.Field(o, "CustomerID"), o),
			query.Fn(query.MemberInit(reflect.TypeOf(customerOrder{}),
				query.Bind("Customer", c), query.Bind("Order", o)), c, o)).Expr())
		require.NoError(t, err)
		require.Len(t, got, 3)
		for _, v := range got.(enumerable.Seq) {
			pair := v.(customerOrder)
			assertCopy(t, pair.Customer)
			assertCopy(t, pair.Order)
		}
	})

	t.Run("groupings", func(t *testing.T) {
		got, err := b.comp.Query(ctx, nil, b.snap, customers.GroupBy(query.Fn(query.Field(c, "City"), c)).Expr())
		require.NoError(t, err)
		for _, g := range got.(enumerable.Seq) {
			for _, v := range g.(*query.Grouping).Items {
				assertCopy(t, v)
			}
		}
	})

	t.Run("mutating a result leaves the snapshot alone", func(t *testing.T) {
		got, err := b.comp.Query(ctx, nil, b.snap, customers.First())
		require.NoError(t, err)
		got.(*customer).Name = "Changed"
		assert.Equal(t, "Ada", b.snap.Set(reflect.TypeOf(&customer{}))[0].(*customer).Name)
	})
}

func TestCacheResultsJoinSession(t *testing.T) {
	b := newBackends(t)
	c := customers.Var("c")
	o := orders.Var("o")
	sess := session.New()
	got, err := b.comp.Query(context.Background(), sess, b.snap, customers.Join(orders,
		query.Fn(query.Field(c, "ID"), c),
		query.Fn(query.Field(o, "CustomerID"), o),
		query.Fn(query.MemberInit(reflect.TypeOf(customerOrder{}),
			query.Bind("Customer", c), query.Bind("Order", o)), c, o)).Expr())
	require.NoError(t, err)

	rows := got.(enumerable.Seq)
	require.Len(t, rows, 3)
	assert.Same(t, rows[0].(customerOrder).Customer, rows[1].(customerOrder).Customer, "Ada has two orders")
	assert.Equal(t, 5, sess.Len())
}

func TestConcurrentCompiles(t *testing.T) {
	// Registered first so it runs after the database is closed.
	opts := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, opts) })

	b := newBackends(t)
	c := customers.Var("c")
	q := customers.CountWhere(byCity(c))
	cities := map[string]int{"Oslo": 3, "Rome": 1, "London": 1, "Lima": 0}

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fn, err := b.comp.Compile(context.Background(), q)
			if err != nil {
				errs <- err
				return
			}
			for city, want := range cities {
				got, err := fn(nil, b.snap, []interface{}{city})
				if err != nil {
					errs <- err
					return
				}
				if got != want {
					errs <- assert.AnError
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, b.comp.Len())
}

func TestCompilerCachesByQueryText(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)

	comp, err := New(newRegistry(), WithSize(2))
	require.NoError(t, err)
	ctx := context.Background()
	c := customers.Var("c")

	// Structurally equal trees built separately share one entry.
	for i := 0; i < 3; i++ {
		_, err := comp.Compile(ctx, customers.Where(byCity(c)).Expr())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, comp.Len())

	var compiles int
	for _, s := range recorder.Ended() {
		if s.Name() == "cache.compile" {
			compiles++
		}
	}
	assert.Equal(t, 1, compiles)

	_, err = comp.Compile(ctx, customers.Count())
	require.NoError(t, err)
	_, err = comp.Compile(ctx, customers.Any())
	require.NoError(t, err)
	assert.Equal(t, 2, comp.Len(), "least recently used entries are evicted")

	_, err = New(newRegistry(), WithSize(0))
	require.Error(t, err)
}

func TestCompilerSeparatesQueriesThatFormatEqually(t *testing.T) {
	b := newBackends(t)
	c := customers.Var("c")
	name := query.Fn(query.Field(c, "Name"), c)

	t.Run("constructors", func(t *testing.T) {
		for _, ctor := range []interface{}{plainLabel, upperLabel} {
			q := customers.OrderBy(name).Select(query.Fn(query.Construct(ctor, query.Field(c, "Name")), c)).Expr()
			live, cached := b.run(t, q)
			assert.Equal(t, logical(t, b.reg, live), logical(t, b.reg, cached))
		}
		got, err := b.comp.Query(context.Background(), nil, b.snap,
			customers.OrderBy(name).Select(query.Fn(query.Construct(upperLabel, query.Field(c, "Name")), c)).Expr())
		require.NoError(t, err)
		assert.Equal(t, label{Text: "ADA"}, got.(enumerable.Seq)[0])
	})

	t.Run("shadowed variables", func(t *testing.T) {
		inner := orders.Var("c")
		correlated := customers.Where(query.Fn(query.Any(orders.Expr(),
			query.Fn(query.Eq(query.Field(inner, "CustomerID"), query.Field(c, "ID")), inner)), c)).OrderBy(name).Expr()
		local := customers.Where(query.Fn(query.Any(orders.Expr(),
			query.Fn(query.Eq(query.Field(inner, "CustomerID"), query.Field(inner, "ID")), inner)), c)).OrderBy(name).Expr()
		require.Equal(t, query.Format(correlated), query.Format(local))

		live, cached := b.run(t, correlated)
		assert.Len(t, live, 2)
		assert.Equal(t, logical(t, b.reg, live), logical(t, b.reg, cached))

		live, cached = b.run(t, local)
		assert.Empty(t, live)
		assert.Equal(t, logical(t, b.reg, live), logical(t, b.reg, cached))
	})

	t.Run("closures are not cached", func(t *testing.T) {
		before := b.comp.Len()
		suffix := "!"
		q := customers.OrderBy(name).Select(query.Fn(query.Construct(func(name string) label {
			return label{Text: name + suffix}
		}, query.Field(c, "Name")), c)).Expr()
		live, cached := b.run(t, q)
		assert.Equal(t, logical(t, b.reg, live), logical(t, b.reg, cached))
		assert.Equal(t, before, b.comp.Len())
	})
}

func TestCacheFirstOnEmpty(t *testing.T) {
	comp, err := New(newRegistry())
	require.NoError(t, err)
	_, err = comp.Query(context.Background(), nil, NewSnapshot(), customers.First())
	assert.ErrorIs(t, err, enumerable.ErrEmpty)

	got, err := comp.Query(context.Background(), nil, NewSnapshot(), customers.Expr())
	require.NoError(t, err)
	assert.Equal(t, enumerable.Seq{}, got)
}

func TestIgnoreCaseComparison(t *testing.T) {
	comp, err := New(newRegistry(), WithComparison(query.InvariantIgnoreCase))
	require.NoError(t, err)
	snap := NewSnapshot()
	snap.Add(&customer{ID: 1, Name: "Åsa", City: "OSLO"}, &customer{ID: 2, Name: "Bo", City: "Rome"})
	c := customers.Var("c")

	got, err := comp.Query(context.Background(), nil, snap, customers.CountWhere(byCity(c)), "oslo")
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	got, err = comp.Query(context.Background(), nil, snap, customers.CountWhere(
		query.Fn(query.StartsWith(query.Field(c, "Name"), query.Value("åS")), c)))
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}
