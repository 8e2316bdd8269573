package query

import "github.com/cockroachdb/errors"

// Children returns the direct sub-expressions of e in a fixed order.
func Children(e Expr) []Expr {
	switch n := e.(type) {
	case *Lambda:
		return []Expr{n.Body}
	case *Member:
		return []Expr{n.X}
	case *Binary:
		return []Expr{n.X, n.Y}
	case *Unary:
		return []Expr{n.X}
	case *Call:
		return n.Args
	case *New:
		out := make([]Expr, 0, len(n.Args)+len(n.Bindings))
		out = append(out, n.Args...)
		for _, b := range n.Bindings {
			out = append(out, b.Value)
		}
		return out
	case *Conditional:
		return []Expr{n.Test, n.Then, n.Else}
	default:
		return nil
	}
}

// Rebuild returns a copy of e with its children replaced. children must have
// the shape returned by Children(e).
func Rebuild(e Expr, children []Expr) (Expr, error) {
	want := len(Children(e))
	if len(children) != want {
		return nil, errors.AssertionFailedf("rebuild %T: expected %d children, got %d", e, want, len(children))
	}
	switch n := e.(type) {
	case *Lambda:
		return &Lambda{Params: n.Params, Body: children[0]}, nil
	case *Member:
		return &Member{X: children[0], Field: n.Field, T: n.T}, nil
	case *Binary:
		return &Binary{Op: n.Op, X: children[0], Y: children[1]}, nil
	case *Unary:
		return &Unary{Op: n.Op, X: children[0]}, nil
	case *Call:
		return &Call{Provider: n.Provider, Method: n.Method, Args: children, T: n.T, Comparison: n.Comparison}, nil
	case *New:
		bindings := make([]Binding, len(n.Bindings))
		for i, b := range n.Bindings {
			bindings[i] = Binding{Field: b.Field, Value: children[len(n.Args)+i]}
		}
		return &New{T: n.T, Ctor: n.Ctor, Args: children[:len(n.Args):len(n.Args)], Bindings: bindings}, nil
	case *Conditional:
		return &Conditional{Test: children[0], Then: children[1], Else: children[2]}, nil
	default:
		return e, nil
	}
}

// Transform rewrites e bottom-up. fn is applied to every node after its
// children have been transformed; nodes whose children did not change are
// passed to fn unchanged.
func Transform(e Expr, fn func(Expr) (Expr, error)) (Expr, error) {
	if e == nil {
		return nil, nil
	}
	children := Children(e)
	if len(children) > 0 {
		changed := false
		next := make([]Expr, len(children))
		for i, c := range children {
			nc, err := Transform(c, fn)
			if err != nil {
				return nil, err
			}
			next[i] = nc
			if nc != c {
				changed = true
			}
		}
		if changed {
			rebuilt, err := Rebuild(e, next)
			if err != nil {
				return nil, err
			}
			e = rebuilt
		}
	}
	return fn(e)
}

// Inspect calls fn for e and its descendants in pre-order. Returning false
// skips the node's children.
func Inspect(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	for _, c := range Children(e) {
		Inspect(c, fn)
	}
}
