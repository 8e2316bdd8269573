package query

import (
	"fmt"
	"reflect"
	"regexp"
	"runtime"
	"strings"
)

// closureName matches runtime names of function literals.
var closureName = regexp.MustCompile(`\.func\d+(\.\d+)*$`)

// Format renders e as a compact, deterministic string for logs and spans.
// Parameters render by index, so two trees that differ only in argument
// values format equally.
func Format(e Expr) string {
	f := &formatter{}
	f.format(e)
	return f.b.String()
}

// CacheKey renders e so that two trees share a key only when they compute
// the same function of their arguments. Variables are numbered by identity
// and constructors are named by their Go function. ok is false when e
// calls a closure or method value as constructor; captured state cannot be
// keyed, so such trees must not share compiled functions.
func CacheKey(e Expr) (key string, ok bool) {
	f := &formatter{keyed: true, vars: map[*Var]int{}, cacheable: true}
	f.format(e)
	return f.b.String(), f.cacheable
}

type formatter struct {
	b         strings.Builder
	keyed     bool
	vars      map[*Var]int
	cacheable bool
}

func (f *formatter) variable(v *Var) {
	if !f.keyed {
		f.b.WriteString(v.Name)
		return
	}
	id, ok := f.vars[v]
	if !ok {
		id = len(f.vars)
		f.vars[v] = id
	}
	fmt.Fprintf(&f.b, "$%d", id)
}

func (f *formatter) ctor(n *New) {
	if !f.keyed {
		return
	}
	if !n.Ctor.IsValid() {
		f.b.WriteString("{init}")
		return
	}
	name := "?"
	if fn := runtime.FuncForPC(n.Ctor.Pointer()); fn != nil {
		name = fn.Name()
	}
	if name == "?" || closureName.MatchString(name) || strings.HasSuffix(name, "-fm") {
		f.cacheable = false
	}
	fmt.Fprintf(&f.b, "[%s]", name)
}

func (f *formatter) format(e Expr) {
	b := &f.b
	switch n := e.(type) {
	case nil:
		b.WriteString("<nil>")
	case *Source:
		fmt.Fprintf(b, "Source<%s>", typeName(n.Elem))
		switch n.Lock {
		case LockShared:
			b.WriteString(".ForShare()")
		case LockUpdate:
			b.WriteString(".ForUpdate()")
		}
	case *Snapshot:
		fmt.Fprintf(b, "Snapshot<%s>", typeName(n.Elem))
	case *Param:
		fmt.Fprintf(b, "@%d", n.Index)
		if f.keyed {
			fmt.Fprintf(b, "<%s>", typeName(n.T))
		}
	case *Arg:
		fmt.Fprintf(b, "args[%d]", n.Index)
	case *Const:
		if s, ok := n.Value.(string); ok {
			fmt.Fprintf(b, "%q", s)
		} else if f.keyed {
			fmt.Fprintf(b, "%#v", n.Value)
		} else {
			fmt.Fprintf(b, "%v", n.Value)
		}
	case *Var:
		f.variable(n)
	case *Lambda:
		b.WriteString("(")
		for i, p := range n.Params {
			if i > 0 {
				b.WriteString(", ")
			}
			f.variable(p)
		}
		b.WriteString(") => ")
		f.format(n.Body)
	case *Member:
		f.format(n.X)
		b.WriteString(".")
		b.WriteString(n.Field)
	case *Binary:
		b.WriteString("(")
		f.format(n.X)
		fmt.Fprintf(b, " %s ", n.Op)
		f.format(n.Y)
		b.WriteString(")")
	case *Unary:
		if n.Op == OpNot {
			b.WriteString("!")
		} else {
			b.WriteString("-")
		}
		f.format(n.X)
	case *Call:
		fmt.Fprintf(b, "%s.%s", n.Provider, n.Method)
		if n.Comparison != Ordinal {
			b.WriteString("[ci]")
		}
		b.WriteString("(")
		for i, a := range n.Args {
			if i > 0 {
				b.WriteString(", ")
			}
			f.format(a)
		}
		b.WriteString(")")
	case *New:
		fmt.Fprintf(b, "new %s", typeName(n.T))
		f.ctor(n)
		b.WriteString("(")
		for i, a := range n.Args {
			if i > 0 {
				b.WriteString(", ")
			}
			f.format(a)
		}
		b.WriteString(")")
		if len(n.Bindings) > 0 {
			b.WriteString("{")
			for i, bind := range n.Bindings {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(bind.Field)
				b.WriteString(": ")
				f.format(bind.Value)
			}
			b.WriteString("}")
		}
	case *Conditional:
		b.WriteString("(")
		f.format(n.Test)
		b.WriteString(" ? ")
		f.format(n.Then)
		b.WriteString(" : ")
		f.format(n.Else)
		b.WriteString(")")
	default:
		fmt.Fprintf(b, "%T", e)
	}
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "?"
	}
	return t.String()
}
