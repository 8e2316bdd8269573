package demoapp

import (
	"reflect"

	"ormquery/internal/query"
)

// Sample is a named query with its arguments.
type Sample struct {
	Name  string
	Query query.Expr
	Args  []interface{}
	// Unordered samples compare as multisets; their SQL has no total order.
	Unordered bool
}

// Samples returns the queries the demo explains and runs.
func Samples() []Sample {
	customers := query.From[Customer]()
	orders := query.From[Order]()
	c := customers.Var("c")
	o := orders.Var("o")

	name := query.Fn(query.Field(c, "Name"), c)
	age := query.Fn(query.Field(c, "Age"), c)
	city := query.Fn(query.Field(c, "City"), c)
	total := query.Fn(query.Field(o, "Total"), o)
	inCity := query.Fn(query.Eq(query.Field(c, "City"), query.ParamOf[string](0, "city")), c)
	theirs := orders.Where(query.Fn(query.Eq(query.Field(o, "CustomerID"), query.Field(c, "ID")), o))
	pair := query.Fn(query.MemberInit(reflect.TypeOf(CustomerOrder{}),
		query.Bind("Customer", c), query.Bind("Order", o)), c, o)
	groups := customers.GroupBy(city)
	g := groups.Var("g")
	perCity := query.Fn(query.MemberInit(reflect.TypeOf(CityCount{}),
		query.Bind("City", query.Field(g, "Key")),
		query.Bind("Count", query.Count(g))), g)
	older := customers.Where(query.Fn(query.Gt(query.Field(c, "Age"), query.Value(40)), c))

	return []Sample{
		{Name: "customers in a city", Query: customers.Where(inCity).OrderBy(name).Expr(), Args: []interface{}{"Oslo"}},
		{Name: "names by age", Query: customers.OrderByDescending(age).Select(name).Expr()},
		{Name: "second page", Query: customers.OrderBy(name).
			Skip(query.ParamOf[int](0, "skip")).Take(query.ParamOf[int](1, "take")).Expr(), Args: []interface{}{2, 2}},
		{Name: "customers with orders", Query: customers.Where(query.Fn(query.Any(theirs.Expr(), nil), c)).OrderBy(name).Expr()},
		{Name: "spend per customer", Query: customers.OrderBy(name).Select(query.Fn(query.Sum(theirs.Expr(), total), c)).Expr()},
		{Name: "customers per city", Query: groups.Select(perCity).Expr(), Unordered: true},
		{Name: "orders with customers", Query: customers.LeftJoin(orders,
			query.Fn(query.Field(c, "ID"), c), query.Fn(query.Field(o, "CustomerID"), o), pair).Expr(), Unordered: true},
		{Name: "outside Oslo or over 40", Query: customers.Except(customers.Where(inCity)).Union(older).Expr(),
			Args: []interface{}{"Oslo"}, Unordered: true},
		{Name: "customers in a city count", Query: customers.CountWhere(inCity), Args: []interface{}{"Oslo"}},
		{Name: "total spend", Query: orders.Sum(total)},
		{Name: "oldest customer", Query: customers.OrderByDescending(age).First()},
	}
}
