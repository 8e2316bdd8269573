package cache

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cast"

	"ormquery/internal/enumerable"
	"ormquery/internal/ir"
	"ormquery/internal/query"
)

var aggregates = map[string]ir.FuncKind{
	"Sum": ir.FuncSum, "Min": ir.FuncMin, "Max": ir.FuncMax, "Average": ir.FuncAverage,
}

// operator compiles an in-memory sequence operator call.
func (c *compiler) operator(x *query.Call) (eval, error) {
	if len(x.Args) == 0 {
		return nil, errors.AssertionFailedf("Enumerable.%s without a source", x.Method)
	}
	switch x.Method {
	case "OrderBy", "OrderByDescending", "ThenBy", "ThenByDescending":
		return c.ordering(x)
	case "Join", "JoinLeftOuter", "LeftJoin":
		return c.join(x)
	}

	src, err := c.compile(x.Args[0])
	if err != nil {
		return nil, err
	}
	source := func(f *frame) (enumerable.Seq, error) {
		v, err := src(f)
		if err != nil {
			return nil, err
		}
		return sequence(v)
	}

	switch x.Method {
	case "Where", "Count", "Any":
		var fn lambda
		if len(x.Args) > 1 {
			if fn, err = c.lambda(x.Args[1], 1); err != nil {
				return nil, err
			}
		}
		method := x.Method
		return func(f *frame) (interface{}, error) {
			seq, err := source(f)
			if err != nil {
				return nil, err
			}
			var pred enumerable.Predicate
			if fn != nil {
				pred = predicate(f, fn)
			}
			switch method {
			case "Where":
				if pred == nil {
					return nil, errors.Newf("Where needs a predicate")
				}
				return enumerable.Where(seq, pred)
			case "Count":
				return enumerable.Count(seq, pred)
			}
			return enumerable.Any(seq, pred)
		}, nil

	case "Select":
		fn, err := c.lambda(x.Args[1], 1)
		if err != nil {
			return nil, err
		}
		return func(f *frame) (interface{}, error) {
			seq, err := source(f)
			if err != nil {
				return nil, err
			}
			return enumerable.Select(seq, project(f, fn))
		}, nil

	case "GroupBy":
		fn, err := c.lambda(x.Args[1], 1)
		if err != nil {
			return nil, err
		}
		return func(f *frame) (interface{}, error) {
			seq, err := source(f)
			if err != nil {
				return nil, err
			}
			return enumerable.GroupBy(seq, project(f, fn), c.id)
		}, nil

	case "Skip", "Take":
		count, err := c.compile(x.Args[1])
		if err != nil {
			return nil, err
		}
		skip := x.Method == "Skip"
		return func(f *frame) (interface{}, error) {
			seq, err := source(f)
			if err != nil {
				return nil, err
			}
			v, err := count(f)
			if err != nil {
				return nil, err
			}
			n, err := cast.ToIntE(v)
			if err != nil {
				return nil, errors.Wrapf(err, "%s count", x.Method)
			}
			if skip {
				return enumerable.Skip(seq, n), nil
			}
			return enumerable.Take(seq, n), nil
		}, nil

	case "Distinct":
		return func(f *frame) (interface{}, error) {
			seq, err := source(f)
			if err != nil {
				return nil, err
			}
			return enumerable.Distinct(seq, c.id)
		}, nil

	case "Union", "Concat", "Intersect", "Except":
		other, err := c.compile(x.Args[1])
		if err != nil {
			return nil, err
		}
		method := x.Method
		return func(f *frame) (interface{}, error) {
			a, err := source(f)
			if err != nil {
				return nil, err
			}
			bv, err := other(f)
			if err != nil {
				return nil, err
			}
			b, err := sequence(bv)
			if err != nil {
				return nil, err
			}
			switch method {
			case "Union":
				return enumerable.Union(a, b, c.id)
			case "Concat":
				return enumerable.Concat(a, b), nil
			case "Intersect":
				return enumerable.Intersect(a, b, c.id)
			}
			return enumerable.Except(a, b, c.id)
		}, nil

	case "First":
		return func(f *frame) (interface{}, error) {
			seq, err := source(f)
			if err != nil {
				return nil, err
			}
			return enumerable.First(seq)
		}, nil

	case "Contains":
		item, err := c.compile(x.Args[1])
		if err != nil {
			return nil, err
		}
		return func(f *frame) (interface{}, error) {
			seq, err := source(f)
			if err != nil {
				return nil, err
			}
			v, err := item(f)
			if err != nil {
				return nil, err
			}
			return enumerable.Contains(seq, v, c.id)
		}, nil

	case "Sum", "Min", "Max", "Average":
		fn, err := c.lambda(x.Args[1], 1)
		if err != nil {
			return nil, err
		}
		kind, t := aggregates[x.Method], x.T
		return func(f *frame) (interface{}, error) {
			seq, err := source(f)
			if err != nil {
				return nil, err
			}
			return enumerable.Aggregate(kind, seq, project(f, fn), t)
		}, nil
	}
	return nil, errors.UnimplementedErrorf(errors.IssueLink{Detail: "cache backend"},
		"Enumerable.%s with %d arguments", x.Method, len(x.Args))
}

// ordering compiles a chain of OrderBy and ThenBy calls into one stable sort.
func (c *compiler) ordering(x *query.Call) (eval, error) {
	var keys []query.Expr
	var desc []bool
	cur := x
	for {
		if len(cur.Args) != 2 {
			return nil, errors.AssertionFailedf("%s takes 2 arguments, got %d", cur.Method, len(cur.Args))
		}
		keys = append([]query.Expr{cur.Args[1]}, keys...)
		desc = append([]bool{cur.Method == "OrderByDescending" || cur.Method == "ThenByDescending"}, desc...)
		if cur.Method == "OrderBy" || cur.Method == "OrderByDescending" {
			break
		}
		next, ok := cur.Args[0].(*query.Call)
		if !ok || next.Provider != query.Enumerable {
			return nil, errors.Newf("%s must follow OrderBy", cur.Method)
		}
		cur = next
	}

	src, err := c.compile(cur.Args[0])
	if err != nil {
		return nil, err
	}
	fns := make([]lambda, len(keys))
	for i, k := range keys {
		if fns[i], err = c.lambda(k, 1); err != nil {
			return nil, err
		}
	}
	return func(f *frame) (interface{}, error) {
		v, err := src(f)
		if err != nil {
			return nil, err
		}
		seq, err := sequence(v)
		if err != nil {
			return nil, err
		}
		sortKeys := make([]enumerable.SortKey, len(fns))
		for i, fn := range fns {
			sortKeys[i] = enumerable.SortKey{Key: project(f, fn), Descending: desc[i]}
		}
		return enumerable.OrderBy(seq, sortKeys...)
	}, nil
}

func (c *compiler) join(x *query.Call) (eval, error) {
	if len(x.Args) != 5 {
		return nil, errors.AssertionFailedf("%s takes 5 arguments, got %d", x.Method, len(x.Args))
	}
	outer, err := c.compile(x.Args[0])
	if err != nil {
		return nil, err
	}
	inner, err := c.compile(x.Args[1])
	if err != nil {
		return nil, err
	}
	outerKey, err := c.lambda(x.Args[2], 1)
	if err != nil {
		return nil, err
	}
	innerKey, err := c.lambda(x.Args[3], 1)
	if err != nil {
		return nil, err
	}
	result, err := c.lambda(x.Args[4], 2)
	if err != nil {
		return nil, err
	}
	leftOuter := x.Method != "Join"
	return func(f *frame) (interface{}, error) {
		ov, err := outer(f)
		if err != nil {
			return nil, err
		}
		iv, err := inner(f)
		if err != nil {
			return nil, err
		}
		outerSeq, err := sequence(ov)
		if err != nil {
			return nil, err
		}
		innerSeq, err := sequence(iv)
		if err != nil {
			return nil, err
		}
		pair := func(o, i interface{}) (interface{}, error) { return result(f, o, i) }
		return enumerable.Join(outerSeq, innerSeq, project(f, outerKey), project(f, innerKey), pair, c.id, leftOuter)
	}, nil
}

func project(f *frame, fn lambda) enumerable.Func {
	return func(v interface{}) (interface{}, error) { return fn(f, v) }
}

func predicate(f *frame, fn lambda) enumerable.Predicate {
	return func(v interface{}) (bool, error) {
		r, err := fn(f, v)
		if err != nil || isNil(r) {
			return false, err
		}
		return cast.ToBoolE(r)
	}
}
