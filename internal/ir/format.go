package ir

import (
	"fmt"
	"strings"
)

// Dump renders a scope tree as indented text for diagnostics.
func Dump(s *Select) string {
	var b strings.Builder
	dumpScope(&b, s, 0)
	return b.String()
}

func dumpScope(b *strings.Builder, s *Select, depth int) {
	indent := strings.Repeat("  ", depth)
	for scope := s; scope != nil; scope = scope.Next {
		fmt.Fprintf(b, "%sselect %s\n", indent, scope.Type())
		for _, t := range scope.Tables {
			fmt.Fprintf(b, "%s  from %s", indent, Describe(t))
			if j := t.Join(); j != nil && j.Against != nil {
				fmt.Fprintf(b, " %s join %s on %s", j.Kind, j.Against.Name(), Describe(j.On))
			} else if j != nil {
				fmt.Fprintf(b, " %s", j.Kind)
			}
			b.WriteString("\n")
			if sub, ok := t.(*SubSelectTable); ok {
				dumpScope(b, sub.Scope, depth+2)
			}
		}
		for _, c := range scope.Columns {
			fmt.Fprintf(b, "%s  column %s\n", indent, Describe(c))
		}
		for _, f := range scope.Filters {
			fmt.Fprintf(b, "%s  where %s\n", indent, Describe(f))
		}
		for _, g := range scope.Groups {
			fmt.Fprintf(b, "%s  %s\n", indent, Describe(g))
		}
		for _, h := range scope.Having {
			fmt.Fprintf(b, "%s  having %s\n", indent, Describe(h))
		}
		for _, o := range scope.Orders {
			fmt.Fprintf(b, "%s  %s\n", indent, Describe(o))
		}
		if scope.Offset != nil {
			fmt.Fprintf(b, "%s  offset %s\n", indent, Describe(scope.Offset.Value))
		}
		if scope.Limit != nil {
			fmt.Fprintf(b, "%s  limit %s\n", indent, Describe(scope.Limit))
		}
		if scope.Next != nil {
			fmt.Fprintf(b, "%s%s\n", indent, scope.SetOp)
		}
	}
}

// Describe renders a single node on one line.
func Describe(n Node) string {
	switch v := n.(type) {
	case nil:
		return "<nil>"
	case *Constant:
		if s, ok := v.Value.(string); ok {
			return fmt.Sprintf("%q", s)
		}
		return fmt.Sprintf("%v", v.Value)
	case *Column:
		return v.Table.Name() + "." + v.Name
	case *EntityRef:
		return fmt.Sprintf("%s(%s)", v.Entity.Name, describeAll(v.Columns))
	case *Table:
		return v.Physical + " " + v.Name()
	case *SubSelectTable:
		return "(subquery) " + v.Name()
	case *Select:
		return "(select " + v.Type().String() + ")"
	case *Group:
		if v.IsDistinct() {
			return "distinct " + Describe(v.Value)
		}
		return fmt.Sprintf("group %s by %s", Describe(v.Value), Describe(v.Key))
	case *OrderBy:
		dir := "asc"
		if v.Descending {
			dir = "desc"
		}
		if v.IsConstant() {
			return "order by <constant>"
		}
		return fmt.Sprintf("order by %s %s", Describe(v.Expr), dir)
	case *ExternalValue:
		if v.Index >= 0 {
			return fmt.Sprintf("@%s[%d]:%s", v.Name, v.Index, v.Usage())
		}
		return fmt.Sprintf("@%s(derived):%s", v.Name, v.Usage())
	case *Function:
		ci := ""
		if v.IgnoreCase {
			ci = "[ci]"
		}
		return fmt.Sprintf("%s%s(%s)", v.Func, ci, describeAll(v.Args))
	case *RowOffset:
		return "rowoffset " + Describe(v.Value)
	case *Construct:
		if v.IsMemberInit() {
			parts := make([]string, len(v.Members))
			for i, m := range v.Members {
				parts[i] = m + ": " + Describe(v.Bindings[i])
			}
			return fmt.Sprintf("new %s{%s}", v.Type(), strings.Join(parts, ", "))
		}
		return fmt.Sprintf("new %s(%s)", v.Type(), describeAll(v.Children()))
	case *RawFilter:
		return "raw[" + v.Text(v.Table.Name()) + "]"
	}
	return n.Kind().String()
}

func describeAll(nodes []Node) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = Describe(n)
	}
	return strings.Join(parts, ", ")
}
