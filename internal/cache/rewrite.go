package cache

import (
	"reflect"
	"time"

	"github.com/cockroachdb/errors"

	"ormquery/internal/entity"
	"ormquery/internal/query"
)

// Helper methods the rewriter injects. They are evaluated by the compiler.
const (
	helperCopy                 = "Copy"
	helperEntityEquals         = "EntityEquals"
	helperEqualsIgnoreCase     = "EqualsIgnoreCase"
	helperStartsWithIgnoreCase = "StartsWithIgnoreCase"
)

// Rewriter turns a declarative query into a tree the in-memory backend can
// evaluate: collections read the snapshot, parameters read the argument
// array, queryable operators become their in-memory counterparts, and
// everything the result could expose from the snapshot is copied.
type Rewriter struct {
	registry   *entity.Registry
	comparison query.StringComparison
}

// NewRewriter creates a rewriter for the entities of reg. With
// InvariantIgnoreCase, string equality and prefix tests ignore case the way
// a case-insensitive collation does.
func NewRewriter(reg *entity.Registry, cmp query.StringComparison) *Rewriter {
	return &Rewriter{registry: reg, comparison: cmp}
}

// Rewrite returns the rewritten tree. e itself is not modified.
func (r *Rewriter) Rewrite(e query.Expr) (query.Expr, error) {
	out, err := query.Transform(e, r.node)
	if err != nil {
		return nil, err
	}
	return r.protect(out), nil
}

func (r *Rewriter) node(e query.Expr) (query.Expr, error) {
	switch x := e.(type) {
	case *query.Source:
		return &query.Snapshot{Elem: x.Elem}, nil
	case *query.Param:
		return &query.Arg{Index: x.Index, T: x.T}, nil
	case *query.Binary:
		return r.binary(x), nil
	case *query.Call:
		return r.call(x)
	}
	return e, nil
}

func (r *Rewriter) binary(b *query.Binary) query.Expr {
	if b.Op != query.OpEq && b.Op != query.OpNe {
		return b
	}
	var eq query.Expr
	switch {
	case r.registry.IsEntity(b.X.Type()) || r.registry.IsEntity(b.Y.Type()):
		eq = helper(helperEntityEquals, boolType, b.X, b.Y)
	case r.comparison == query.InvariantIgnoreCase && isString(b.X.Type()) && isString(b.Y.Type()):
		eq = helper(helperEqualsIgnoreCase, boolType, b.X, b.Y)
	default:
		return b
	}
	if b.Op == query.OpNe {
		return query.Not(eq)
	}
	return eq
}

func (r *Rewriter) call(c *query.Call) (query.Expr, error) {
	switch c.Provider {
	case query.Strings:
		ignoreCase := c.Comparison == query.InvariantIgnoreCase || r.comparison == query.InvariantIgnoreCase
		if !ignoreCase || len(c.Args) != 2 {
			return c, nil
		}
		switch c.Method {
		case "Equals":
			return helper(helperEqualsIgnoreCase, boolType, c.Args...), nil
		case "StartsWith":
			return helper(helperStartsWithIgnoreCase, boolType, c.Args...), nil
		}
	case query.QueryableProvider:
		op, ok := inMemoryOperator(c.Method, len(c.Args))
		if !ok {
			return nil, errors.AssertionFailedf("no in-memory operator for Queryable.%s with %d arguments", c.Method, len(c.Args))
		}
		return &query.Call{Provider: query.Enumerable, Method: op.method, Args: c.Args, T: c.T, Comparison: c.Comparison}, nil
	}
	return c, nil
}

// protect injects copies wherever the result can reach snapshot objects.
// Constructions are rebuilt with protected arguments, a trailing projection
// has its body protected, and anything else complex is copied whole.
func (r *Rewriter) protect(e query.Expr) query.Expr {
	if !needsCopy(e.Type()) {
		return e
	}
	switch x := e.(type) {
	case *query.New:
		out := &query.New{T: x.T, Ctor: x.Ctor, Args: make([]query.Expr, len(x.Args)), Bindings: make([]query.Binding, len(x.Bindings))}
		for i, a := range x.Args {
			out.Args[i] = r.protect(a)
		}
		for i, b := range x.Bindings {
			out.Bindings[i] = query.Binding{Field: b.Field, Value: r.protect(b.Value)}
		}
		return out
	case *query.Conditional:
		return &query.Conditional{Test: x.Test, Then: r.protect(x.Then), Else: r.protect(x.Else)}
	case *query.Call:
		if x.Provider == query.Enumerable && x.Method == "Select" && len(x.Args) == 2 {
			if sel, ok := x.Args[1].(*query.Lambda); ok {
				body := &query.Lambda{Params: sel.Params, Body: r.protect(sel.Body)}
				return &query.Call{Provider: x.Provider, Method: x.Method, Args: []query.Expr{x.Args[0], body}, T: x.T}
			}
		}
	}
	return helper(helperCopy, e.Type(), e)
}

func helper(method string, t reflect.Type, args ...query.Expr) *query.Call {
	return &query.Call{Provider: query.Helpers, Method: method, Args: args, T: t}
}

var (
	boolType = reflect.TypeOf(false)
	timeType = reflect.TypeOf(time.Time{})
)

func isString(t reflect.Type) bool {
	return t != nil && t.Kind() == reflect.String
}

// needsCopy reports whether values of type t can carry references into the
// snapshot. Primitives and lists of primitives cannot.
func needsCopy(t reflect.Type) bool {
	if t == nil {
		return true
	}
	if isPrimitive(t) {
		return false
	}
	if t.Kind() == reflect.Slice || t.Kind() == reflect.Array {
		return !isPrimitive(t.Elem())
	}
	return true
}

func isPrimitive(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	case reflect.Struct:
		return t == timeType
	case reflect.Array:
		// Fixed-size byte arrays such as UUIDs.
		return t.Elem().Kind() == reflect.Uint8
	}
	return false
}
