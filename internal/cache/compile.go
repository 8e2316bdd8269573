package cache

import (
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cast"

	"ormquery/internal/entity"
	"ormquery/internal/enumerable"
	"ormquery/internal/ir"
	"ormquery/internal/query"
	"ormquery/internal/session"
)

// Func is a compiled cache query. It only reads the snapshot and the
// arguments, so one Func may run concurrently for any number of callers.
type Func func(sess *session.Session, snap *Snapshot, args []interface{}) (interface{}, error)

// runtime is the state of one invocation.
type runtime struct {
	sess *session.Session
	snap *Snapshot
	args []interface{}
}

// frame binds lambda variables; frames chain to the enclosing lambda.
type frame struct {
	rt     *runtime
	parent *frame
	vars   []*query.Var
	vals   []interface{}
}

func (f *frame) lookup(v *query.Var) (interface{}, bool) {
	for fr := f; fr != nil; fr = fr.parent {
		for i, bound := range fr.vars {
			if bound == v {
				return fr.vals[i], true
			}
		}
	}
	return nil, false
}

type eval func(f *frame) (interface{}, error)

// lambda is a compiled lambda body, invoked with its parameter values.
type lambda func(f *frame, vals ...interface{}) (interface{}, error)

// compiler turns a rewritten tree into closures.
type compiler struct {
	registry *entity.Registry
	id       enumerable.Identity
}

func newCompiler(reg *entity.Registry) *compiler {
	return &compiler{registry: reg, id: enumerable.EntityIdentity(reg)}
}

// program compiles a rewritten query into a Func.
func (c *compiler) program(e query.Expr) (Func, error) {
	body, err := c.compile(e)
	if err != nil {
		return nil, err
	}
	resultType := e.Type()
	return func(sess *session.Session, snap *Snapshot, args []interface{}) (interface{}, error) {
		if snap == nil {
			snap = NewSnapshot()
		}
		v, err := body(&frame{rt: &runtime{sess: sess, snap: snap, args: args}})
		if err != nil {
			return nil, err
		}
		if query.IsSequence(resultType) {
			seq, err := sequence(v)
			if seq == nil && err == nil {
				seq = enumerable.Seq{}
			}
			return seq, err
		}
		if resultType != nil && isPrimitive(resultType) && resultType.Kind() != reflect.Pointer {
			return entity.Coerce(v, resultType)
		}
		return v, nil
	}, nil
}

func (c *compiler) compile(e query.Expr) (eval, error) {
	switch x := e.(type) {
	case *query.Const:
		v := x.Value
		return func(*frame) (interface{}, error) { return v, nil }, nil
	case *query.Arg:
		i := x.Index
		return func(f *frame) (interface{}, error) {
			if i < 0 || i >= len(f.rt.args) {
				return nil, errors.Newf("query argument %d was not supplied (%d given)", i, len(f.rt.args))
			}
			return f.rt.args[i], nil
		}, nil
	case *query.Snapshot:
		elem := x.Elem
		return func(f *frame) (interface{}, error) { return f.rt.snap.Set(elem), nil }, nil
	case *query.Var:
		return func(f *frame) (interface{}, error) {
			v, ok := f.lookup(x)
			if !ok {
				return nil, errors.AssertionFailedf("unbound variable %s", x.Name)
			}
			return v, nil
		}, nil
	case *query.Member:
		return c.member(x)
	case *query.Binary:
		return c.binary(x)
	case *query.Unary:
		operand, err := c.compile(x.X)
		if err != nil {
			return nil, err
		}
		k, t := ir.UnaryFunc(x.Op), x.Type()
		return func(f *frame) (interface{}, error) {
			v, err := operand(f)
			if err != nil {
				return nil, err
			}
			return ir.Execute(k, false, t, v)
		}, nil
	case *query.Conditional:
		return c.conditional(x)
	case *query.New:
		return c.construct(x)
	case *query.Call:
		return c.call(x)
	case *query.Source, *query.Param:
		return nil, errors.AssertionFailedf("%T must be rewritten before compilation", e)
	case *query.Lambda:
		return nil, errors.AssertionFailedf("lambda outside of an operator call")
	}
	return nil, errors.AssertionFailedf("cannot compile %T", e)
}

func (c *compiler) lambda(e query.Expr, params int) (lambda, error) {
	l, ok := e.(*query.Lambda)
	if !ok {
		return nil, errors.Newf("expected a lambda, got %T", e)
	}
	if len(l.Params) != params {
		return nil, errors.Newf("expected a lambda of %d parameters, got %d", params, len(l.Params))
	}
	body, err := c.compile(l.Body)
	if err != nil {
		return nil, err
	}
	vars := l.Params
	return func(f *frame, vals ...interface{}) (interface{}, error) {
		return body(&frame{rt: f.rt, parent: f, vars: vars, vals: vals})
	}, nil
}

func (c *compiler) member(m *query.Member) (eval, error) {
	x, err := c.compile(m.X)
	if err != nil {
		return nil, err
	}
	field := m.Field
	return func(f *frame) (interface{}, error) {
		v, err := x(f)
		if err != nil {
			return nil, err
		}
		if g, ok := v.(*query.Grouping); ok && field == "Key" {
			return g.Key, nil
		}
		return readField(v, field)
	}, nil
}

// readField reads a struct field; a nil struct pointer reads as nil.
func readField(v interface{}, field string) (interface{}, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, errors.Newf("cannot read field %s of %T", field, v)
	}
	fv := rv.FieldByName(field)
	if !fv.IsValid() {
		return nil, errors.Newf("type %s has no field %s", rv.Type(), field)
	}
	return fv.Interface(), nil
}

func (c *compiler) binary(b *query.Binary) (eval, error) {
	x, err := c.compile(b.X)
	if err != nil {
		return nil, err
	}
	y, err := c.compile(b.Y)
	if err != nil {
		return nil, err
	}
	switch b.Op {
	case query.OpAnd, query.OpOr:
		short := b.Op == query.OpOr
		return func(f *frame) (interface{}, error) {
			v, err := truth(x, f)
			if err != nil || v == short {
				return v, err
			}
			return truth(y, f)
		}, nil
	case query.OpCoalesce:
		return func(f *frame) (interface{}, error) {
			v, err := x(f)
			if err != nil || !isNil(v) {
				return v, err
			}
			return y(f)
		}, nil
	}
	k, ok := ir.BinaryFunc(b.Op)
	if !ok {
		return nil, errors.AssertionFailedf("no function for operator %s", b.Op)
	}
	t := b.Type()
	return func(f *frame) (interface{}, error) {
		xv, err := x(f)
		if err != nil {
			return nil, err
		}
		yv, err := y(f)
		if err != nil {
			return nil, err
		}
		return ir.Execute(k, false, t, xv, yv)
	}, nil
}

func truth(e eval, f *frame) (bool, error) {
	v, err := e(f)
	if err != nil {
		return false, err
	}
	if isNil(v) {
		return false, nil
	}
	return cast.ToBoolE(v)
}

func (c *compiler) conditional(x *query.Conditional) (eval, error) {
	test, err := c.compile(x.Test)
	if err != nil {
		return nil, err
	}
	then, err := c.compile(x.Then)
	if err != nil {
		return nil, err
	}
	els, err := c.compile(x.Else)
	if err != nil {
		return nil, err
	}
	return func(f *frame) (interface{}, error) {
		ok, err := truth(test, f)
		if err != nil {
			return nil, err
		}
		if ok {
			return then(f)
		}
		return els(f)
	}, nil
}

func (c *compiler) construct(x *query.New) (eval, error) {
	args, err := c.all(x.Args)
	if err != nil {
		return nil, err
	}
	members := make([]string, len(x.Bindings))
	values := make([]query.Expr, len(x.Bindings))
	for i, b := range x.Bindings {
		members[i], values[i] = b.Field, b.Value
	}
	bindings, err := c.all(values)
	if err != nil {
		return nil, err
	}
	return func(f *frame) (interface{}, error) {
		argVals, err := run(args, f)
		if err != nil {
			return nil, err
		}
		bindVals, err := run(bindings, f)
		if err != nil {
			return nil, err
		}
		return ir.Instantiate(x.T, x.Ctor, argVals, members, bindVals)
	}, nil
}

func (c *compiler) all(exprs []query.Expr) ([]eval, error) {
	out := make([]eval, len(exprs))
	for i, e := range exprs {
		ev, err := c.compile(e)
		if err != nil {
			return nil, err
		}
		out[i] = ev
	}
	return out, nil
}

func run(evals []eval, f *frame) ([]interface{}, error) {
	out := make([]interface{}, len(evals))
	for i, ev := range evals {
		v, err := ev(f)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (c *compiler) call(x *query.Call) (eval, error) {
	switch x.Provider {
	case query.Strings, query.Functions:
		k, ok := ir.CallFunc(x)
		if !ok {
			return nil, errors.UnimplementedErrorf(errors.IssueLink{Detail: "cache backend"},
				"function %s.%s", x.Provider, x.Method)
		}
		args, err := c.all(x.Args)
		if err != nil {
			return nil, err
		}
		ignoreCase, t := x.Comparison == query.InvariantIgnoreCase, x.T
		return func(f *frame) (interface{}, error) {
			vals, err := run(args, f)
			if err != nil {
				return nil, err
			}
			return ir.Execute(k, ignoreCase, t, vals...)
		}, nil
	case query.Helpers:
		return c.helper(x)
	case query.Enumerable:
		return c.operator(x)
	}
	return nil, errors.AssertionFailedf("%s.%s must be rewritten before compilation", x.Provider, x.Method)
}

func (c *compiler) helper(x *query.Call) (eval, error) {
	args, err := c.all(x.Args)
	if err != nil {
		return nil, err
	}
	var fn func(rt *runtime, vals []interface{}) (interface{}, error)
	switch x.Method {
	case helperCopy:
		fn = func(rt *runtime, vals []interface{}) (interface{}, error) {
			return (&copier{registry: c.registry, sess: rt.sess}).copy(vals[0])
		}
	case helperEntityEquals:
		fn = func(_ *runtime, vals []interface{}) (interface{}, error) {
			return c.entityEquals(vals[0], vals[1])
		}
	case helperEqualsIgnoreCase:
		fn = func(_ *runtime, vals []interface{}) (interface{}, error) {
			return foldedStrings(vals, func(a, b string) bool { return a == b })
		}
	case helperStartsWithIgnoreCase:
		fn = func(_ *runtime, vals []interface{}) (interface{}, error) {
			return foldedStrings(vals, strings.HasPrefix)
		}
	default:
		return nil, errors.AssertionFailedf("unknown helper %s", x.Method)
	}
	want := 2
	if x.Method == helperCopy {
		want = 1
	}
	if len(args) != want {
		return nil, errors.AssertionFailedf("helper %s takes %d arguments, got %d", x.Method, want, len(args))
	}
	return func(f *frame) (interface{}, error) {
		vals, err := run(args, f)
		if err != nil {
			return nil, err
		}
		return fn(f.rt, vals)
	}, nil
}

// entityEquals compares two entities by key, so distinct instances of the
// same record are equal.
func (c *compiler) entityEquals(a, b interface{}) (bool, error) {
	if isNil(a) || isNil(b) {
		return isNil(a) && isNil(b), nil
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false, nil
	}
	ent, ok := c.registry.Lookup(reflect.TypeOf(a))
	if !ok {
		return false, errors.Newf("type %T is not a registered entity", a)
	}
	ka, err := ent.Key(a)
	if err != nil {
		return false, err
	}
	kb, err := ent.Key(b)
	if err != nil {
		return false, err
	}
	return ka == kb, nil
}

// foldedStrings applies cmp to the culture-invariant folded forms of two
// strings. A null operand never matches.
func foldedStrings(vals []interface{}, cmp func(a, b string) bool) (bool, error) {
	if isNil(vals[0]) || isNil(vals[1]) {
		return false, nil
	}
	a, err := cast.ToStringE(vals[0])
	if err != nil {
		return false, err
	}
	b, err := cast.ToStringE(vals[1])
	if err != nil {
		return false, err
	}
	return cmp(ir.Fold(a), ir.Fold(b)), nil
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// sequence reads a value as a sequence. Groupings are sequences of their
// elements.
func sequence(v interface{}) (enumerable.Seq, error) {
	if g, ok := v.(*query.Grouping); ok {
		return g.Items, nil
	}
	return enumerable.ToSeq(v)
}
