package ir

import (
	"reflect"

	"github.com/cockroachdb/errors"
)

// Usage classifies how an external value reaches the generated query.
type Usage int

const (
	// UsageUnused values are not referenced by the final tree.
	UsageUnused Usage = iota
	// UsageParameter values are sent as bound parameters.
	UsageParameter
	// UsageLiteral values are only consumed by client-side computations
	// and never travel to the server on their own.
	UsageLiteral
)

func (u Usage) String() string {
	switch u {
	case UsageParameter:
		return "parameter"
	case UsageLiteral:
		return "literal"
	default:
		return "unused"
	}
}

// ExternalValue is a value captured from the caller: a positional query
// argument, or a value computed on the client from other external values.
type ExternalValue struct {
	base
	Name  string
	Index int
	// Elem is the element type of a list value, nil otherwise.
	Elem    reflect.Type
	Sources []*ExternalValue
	Compute func(sources []interface{}) (interface{}, error)

	count    int
	indirect bool
	usage    Usage
}

// NewParameter captures positional argument index.
func NewParameter(index int, name string, t reflect.Type) *ExternalValue {
	return &ExternalValue{base: base{typ: t}, Name: name, Index: index, Elem: listElem(t)}
}

// NewDerived captures a value computed on the client from sources.
func NewDerived(name string, t reflect.Type, sources []*ExternalValue, compute func([]interface{}) (interface{}, error)) *ExternalValue {
	return &ExternalValue{base: base{typ: t}, Name: name, Index: -1, Elem: listElem(t), Sources: sources, Compute: compute}
}

func listElem(t reflect.Type) reflect.Type {
	if t != nil && t.Kind() == reflect.Slice && t.Elem().Kind() != reflect.Uint8 {
		return t.Elem()
	}
	return nil
}

func (*ExternalValue) Kind() Kind { return KindExternalValue }

func (v *ExternalValue) WithChildren(children []Node) (Node, error) {
	return leafChildren(v, children)
}

// Usage returns the classification computed by ResolveParameters.
func (v *ExternalValue) Usage() Usage { return v.usage }

// Count is the number of direct references found by ResolveParameters.
func (v *ExternalValue) Count() int { return v.count }

// IsList reports whether the value is a multi-value (IN-list) candidate.
func (v *ExternalValue) IsList() bool { return v.Elem != nil }

// Value resolves the value against the query's positional arguments.
func (v *ExternalValue) Value(args []interface{}) (interface{}, error) {
	if v.Index >= 0 {
		if v.Index >= len(args) {
			return nil, errors.Newf("parameter %s (#%d) not supplied: got %d arguments", v.Name, v.Index, len(args))
		}
		return args[v.Index], nil
	}
	if v.Compute == nil {
		return nil, errors.AssertionFailedf("derived value %s has no computation", v.Name)
	}
	values := make([]interface{}, len(v.Sources))
	for i, src := range v.Sources {
		val, err := src.Value(args)
		if err != nil {
			return nil, err
		}
		values[i] = val
	}
	return v.Compute(values)
}

// ResolveParameters classifies every external value reachable from root,
// plus any listed in declared. A value referenced directly at least once
// becomes a parameter; a value reached only through derived values becomes
// a literal; anything else is unused.
func ResolveParameters(root *Select, declared ...*ExternalValue) {
	seen := make(map[*ExternalValue]struct{})
	var all []*ExternalValue
	track := func(v *ExternalValue) {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			v.count, v.indirect = 0, false
			all = append(all, v)
		}
	}
	for _, v := range declared {
		track(v)
	}
	var markIndirect func(v *ExternalValue)
	markIndirect = func(v *ExternalValue) {
		for _, src := range v.Sources {
			track(src)
			src.indirect = true
			markIndirect(src)
		}
	}
	Walk(root, func(n Node) bool {
		if v, ok := n.(*ExternalValue); ok {
			track(v)
			v.count++
			markIndirect(v)
		}
		return true
	})
	for _, v := range all {
		switch {
		case v.count > 0:
			v.usage = UsageParameter
		case v.indirect:
			v.usage = UsageLiteral
		default:
			v.usage = UsageUnused
		}
	}
}

// FoldConstants evaluates, at translation time, every foldable function
// whose operands are all constants or external values. Operations over
// constants become constants; operations involving external values become
// derived values computed on the client when the query runs.
func FoldConstants(root *Select) error {
	return root.Rewrite(func(n Node) (Node, error) {
		f, ok := n.(*Function)
		if !ok || !f.Func.Foldable() || len(f.Args) == 0 {
			return n, nil
		}
		var sources []*ExternalValue
		for _, arg := range f.Args {
			switch a := arg.(type) {
			case *Constant:
			case *ExternalValue:
				sources = append(sources, a)
			default:
				return n, nil
			}
		}
		if len(sources) == 0 {
			operands := make([]interface{}, len(f.Args))
			for i, arg := range f.Args {
				operands[i] = arg.(*Constant).Value
			}
			v, err := f.Execute(operands...)
			if err != nil {
				return nil, errors.Wrapf(err, "fold %s", f.Func)
			}
			return NewConstant(v, f.Type()), nil
		}
		args := f.Args
		compute := func(values []interface{}) (interface{}, error) {
			operands := make([]interface{}, len(args))
			next := 0
			for i, arg := range args {
				if c, ok := arg.(*Constant); ok {
					operands[i] = c.Value
					continue
				}
				operands[i] = values[next]
				next++
			}
			return f.Execute(operands...)
		}
		return NewDerived(f.Func.String(), f.Type(), sources, compute), nil
	})
}
