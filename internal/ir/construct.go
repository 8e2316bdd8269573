package ir

import (
	"reflect"

	"github.com/cockroachdb/errors"

	"ormquery/internal/entity"
	"ormquery/internal/query"
)

// Construct records how a projection builds its result object: the
// positional constructor arguments (with the member each one initializes,
// when known) and the member-init bindings, each paired with the IR node
// that computes it.
type Construct struct {
	base
	Ctor       reflect.Value
	Args       []Node
	ArgMembers []string
	Members    []string
	Bindings   []Node
}

// NewConstruct records a projection of type t. ctor may be the zero Value
// for member-init projections.
func NewConstruct(t reflect.Type, ctor reflect.Value, args []Node, members []string, bindings []Node) *Construct {
	return &Construct{
		base:       base{typ: t},
		Ctor:       ctor,
		Args:       args,
		ArgMembers: argMembers(t, ctor, len(args)),
		Members:    members,
		Bindings:   bindings,
	}
}

// argMembers pairs constructor parameters with struct fields when the
// struct declares exactly one field per parameter, in order and of the
// same type.
func argMembers(t reflect.Type, ctor reflect.Value, n int) []string {
	out := make([]string, n)
	if !ctor.IsValid() || n == 0 {
		return out
	}
	st := t
	if st.Kind() == reflect.Pointer {
		st = st.Elem()
	}
	if st.Kind() != reflect.Struct || st.NumField() != n {
		return out
	}
	ft := ctor.Type()
	for i := 0; i < n; i++ {
		if st.Field(i).Type != ft.In(i) {
			return make([]string, n)
		}
	}
	for i := 0; i < n; i++ {
		out[i] = st.Field(i).Name
	}
	return out
}

func (*Construct) Kind() Kind { return KindConstruct }

// IsMemberInit reports whether the projection was written with named
// member bindings and no constructor call.
func (c *Construct) IsMemberInit() bool { return !c.Ctor.IsValid() }

func (c *Construct) Children() []Node {
	out := make([]Node, 0, len(c.Args)+len(c.Bindings))
	out = append(out, c.Args...)
	return append(out, c.Bindings...)
}

func (c *Construct) WithChildren(children []Node) (Node, error) {
	if err := checkArity(c, children); err != nil {
		return nil, err
	}
	out := *c
	n := len(c.Args)
	out.Args = children[:n:n]
	out.Bindings = children[n:]
	return &out, nil
}

// Member returns the node that supplies member name. The mapping is
// expected to be exhaustive, so a missing member is a contract violation.
func (c *Construct) Member(name string) (Node, error) {
	for i, m := range c.Members {
		if m == name {
			return c.Bindings[i], nil
		}
	}
	for i, m := range c.ArgMembers {
		if m == name {
			return c.Args[i], nil
		}
	}
	return nil, errors.AssertionFailedf("construct %s has no mapping for member %q", c.Type(), name)
}

// NewExpression rebuilds the construction as a query expression over
// replacement children, keeping the original shape: a member-init
// projection stays member-init and a constructor call stays positional.
func (c *Construct) NewExpression(children []query.Expr) (*query.New, error) {
	if want := len(c.Args) + len(c.Bindings); len(children) != want {
		return nil, errors.AssertionFailedf("construct %s rebuilt with %d children, expected %d", c.Type(), len(children), want)
	}
	n := len(c.Args)
	out := &query.New{T: c.Type(), Ctor: c.Ctor, Args: children[:n:n]}
	for i, m := range c.Members {
		out.Bindings = append(out.Bindings, query.Binding{Field: m, Value: children[n+i]})
	}
	return out, nil
}

// Build instantiates the result from materialized child values, in
// Children order.
func (c *Construct) Build(values []interface{}) (interface{}, error) {
	if want := len(c.Args) + len(c.Bindings); len(values) != want {
		return nil, errors.AssertionFailedf("construct %s built with %d values, expected %d", c.Type(), len(values), want)
	}
	return Instantiate(c.Type(), c.Ctor, values[:len(c.Args)], c.Members, values[len(c.Args):])
}

// Instantiate creates a value of type t by calling ctor with args (when
// ctor is valid) and then assigning each named member.
func Instantiate(t reflect.Type, ctor reflect.Value, args []interface{}, members []string, values []interface{}) (interface{}, error) {
	var result reflect.Value
	if ctor.IsValid() {
		ft := ctor.Type()
		in := make([]reflect.Value, len(args))
		for i, a := range args {
			v, err := assignable(a, ft.In(i))
			if err != nil {
				return nil, errors.Wrapf(err, "argument %d of %s", i, t)
			}
			in[i] = v
		}
		out := ctor.Call(in)
		result = reflect.New(out[0].Type()).Elem()
		result.Set(out[0])
	} else if t.Kind() == reflect.Pointer {
		result = reflect.New(t.Elem())
	} else {
		result = reflect.New(t).Elem()
	}
	if len(members) > 0 {
		target := result
		if target.Kind() == reflect.Pointer {
			target = target.Elem()
		}
		for i, m := range members {
			field := target.FieldByName(m)
			if !field.IsValid() || !field.CanSet() {
				return nil, errors.AssertionFailedf("type %s has no settable member %q", t, m)
			}
			v, err := assignable(values[i], field.Type())
			if err != nil {
				return nil, errors.Wrapf(err, "member %s of %s", m, t)
			}
			field.Set(v)
		}
	}
	return result.Interface(), nil
}

func assignable(v interface{}, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	converted, err := entity.Coerce(v, t)
	if err != nil {
		return reflect.Value{}, err
	}
	if converted == nil {
		return reflect.Zero(t), nil
	}
	return reflect.ValueOf(converted), nil
}
