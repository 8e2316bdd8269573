package sqlgen

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"

	"ormquery/internal/ir"
	"ormquery/internal/sqlutil"
)

// fragment is rendered SQL with its bound arguments, in placeholder order.
type fragment struct {
	sql  string
	args []interface{}
}

func (f fragment) ToSql() (string, []interface{}, error) {
	return f.sql, f.args, nil
}

func raw(sql string) fragment { return fragment{sql: sql} }

// compose fills the %s verbs of format with parts, in order.
func compose(format string, parts ...fragment) fragment {
	sqls := make([]interface{}, len(parts))
	var args []interface{}
	for i, p := range parts {
		sqls[i] = p.sql
		args = append(args, p.args...)
	}
	return fragment{sql: fmt.Sprintf(format, sqls...), args: args}
}

func joinFragments(sep string, parts []fragment) fragment {
	sqls := make([]string, len(parts))
	var args []interface{}
	for i, p := range parts {
		sqls[i] = p.sql
		args = append(args, p.args...)
	}
	return fragment{sql: strings.Join(sqls, sep), args: args}
}

var infix = map[ir.FuncKind]string{
	ir.FuncEqual:        "=",
	ir.FuncNotEqual:     "<>",
	ir.FuncLess:         "<",
	ir.FuncLessEqual:    "<=",
	ir.FuncGreater:      ">",
	ir.FuncGreaterEqual: ">=",
	ir.FuncAnd:          "AND",
	ir.FuncOr:           "OR",
	ir.FuncAdd:          "+",
	ir.FuncSubtract:     "-",
	ir.FuncMultiply:     "*",
	ir.FuncDivide:       "/",
	ir.FuncModulo:       "%",
	ir.FuncBitAnd:       "&",
	ir.FuncBitOr:        "|",
}

var calls = map[ir.FuncKind]string{
	ir.FuncCoalesce:  "COALESCE",
	ir.FuncUpper:     "UPPER",
	ir.FuncLower:     "LOWER",
	ir.FuncTrim:      "TRIM",
	ir.FuncTrimStart: "LTRIM",
	ir.FuncTrimEnd:   "RTRIM",
	ir.FuncReplace:   "REPLACE",
	ir.FuncMin:       "MIN",
	ir.FuncMax:       "MAX",
	ir.FuncSum:       "SUM",
	ir.FuncAverage:   "AVG",
	ir.FuncAbs:       "ABS",
	ir.FuncExp:       "EXP",
	ir.FuncFloor:     "FLOOR",
	ir.FuncCeiling:   "CEIL",
	ir.FuncLn:        "LN",
	ir.FuncLog10:     "LOG10",
	ir.FuncPow:       "POWER",
	ir.FuncRound:     "ROUND",
	ir.FuncSign:      "SIGN",
	ir.FuncSqrt:      "SQRT",
}

// caseFolded lists the kinds whose first two operands compare as text and
// are lowered when the function ignores case.
var caseFolded = map[ir.FuncKind]bool{
	ir.FuncEqual: true, ir.FuncNotEqual: true, ir.FuncLess: true, ir.FuncLessEqual: true,
	ir.FuncGreater: true, ir.FuncGreaterEqual: true, ir.FuncStartsWith: true,
	ir.FuncEndsWith: true, ir.FuncContains: true, ir.FuncIndexOf: true,
}

func (r *renderer) expr(n ir.Node) (fragment, error) {
	switch v := n.(type) {
	case *ir.Column:
		if v.Table == nil {
			return raw(r.d.quote(v.Name)), nil
		}
		return raw(r.d.qualified(v.Table.Name(), v.Name)), nil
	case *ir.Constant:
		lit, err := sqlutil.FormatLiteral(v.Value)
		if err != nil {
			return fragment{}, err
		}
		return raw(lit), nil
	case *ir.ExternalValue:
		return r.external(v)
	case *ir.Function:
		return r.function(v)
	case *ir.Select:
		sub, err := r.subquery(v)
		if err != nil {
			return fragment{}, err
		}
		return compose("(%s)", sub), nil
	case *ir.RawFilter:
		return fragment{sql: v.Text(r.d.quote(v.Table.Name())), args: v.Args}, nil
	}
	return fragment{}, errors.AssertionFailedf("cannot render a %s as a SQL expression", n.Kind())
}

func (r *renderer) external(v *ir.ExternalValue) (fragment, error) {
	val, err := v.Value(r.args)
	if err != nil {
		return fragment{}, err
	}
	if v.IsList() {
		return fragment{}, errors.Newf("list value %s is only valid as the right side of IN", v.Name)
	}
	if v.Usage() == ir.UsageLiteral {
		lit, err := sqlutil.FormatLiteral(val)
		if err != nil {
			return fragment{}, err
		}
		return raw(lit), nil
	}
	return fragment{sql: "?", args: []interface{}{val}}, nil
}

func (r *renderer) subquery(s *ir.Select) (fragment, error) {
	b, err := r.scope(s)
	if err != nil {
		return fragment{}, err
	}
	sql, args, err := b.ToSql()
	if err != nil {
		return fragment{}, errors.Wrap(err, "render sub-query")
	}
	return fragment{sql: sql, args: args}, nil
}

func (r *renderer) function(f *ir.Function) (fragment, error) {
	switch f.Func {
	case ir.FuncExists:
		sub, ok := f.Args[0].(*ir.Select)
		if !ok {
			return fragment{}, errors.AssertionFailedf("EXISTS over a %s", f.Args[0].Kind())
		}
		frag, err := r.subquery(sub)
		if err != nil {
			return fragment{}, err
		}
		return compose("EXISTS (%s)", frag), nil
	case ir.FuncIn, ir.FuncInArray:
		return r.in(f)
	case ir.FuncCount:
		if len(f.Args) == 0 {
			return raw("COUNT(*)"), nil
		}
	}

	ops := make([]fragment, len(f.Args))
	for i, a := range f.Args {
		op, err := r.expr(a)
		if err != nil {
			return fragment{}, err
		}
		if f.IgnoreCase && i < 2 && caseFolded[f.Func] {
			op = compose("LOWER(%s)", op)
		}
		ops[i] = op
	}

	if op, ok := infix[f.Func]; ok && len(ops) == 2 {
		return compose("(%s "+strings.ReplaceAll(op, "%", "%%")+" %s)", ops[0], ops[1]), nil
	}
	if name, ok := calls[f.Func]; ok {
		return compose(name+"(%s)", joinFragments(", ", ops)), nil
	}
	if tmpl, ok := r.d.DateParts[f.Func]; ok {
		return compose(tmpl, ops[0]), nil
	}

	switch f.Func {
	case ir.FuncNot:
		return compose("(NOT %s)", ops[0]), nil
	case ir.FuncNegate:
		return compose("(-%s)", ops[0]), nil
	case ir.FuncBitNot:
		return compose("(~%s)", ops[0]), nil
	case ir.FuncBitXor:
		return compose("((%s | %s) - (%s & %s))", ops[0], ops[1], ops[0], ops[1]), nil
	case ir.FuncIsNull:
		return compose("(%s IS NULL)", ops[0]), nil
	case ir.FuncIsNotNull:
		return compose("(%s IS NOT NULL)", ops[0]), nil
	case ir.FuncCase:
		return compose("(CASE WHEN %s THEN %s ELSE %s END)", ops[0], ops[1], ops[2]), nil
	case ir.FuncCount:
		return compose("COUNT(%s)", ops[0]), nil
	case ir.FuncConcat:
		return r.concat(ops), nil
	case ir.FuncLength:
		return compose(r.d.LengthFunc+"(%s)", ops[0]), nil
	case ir.FuncStartsWith:
		return compose("(SUBSTR(%s, 1, "+r.d.LengthFunc+"(%s)) = %s)", ops[0], ops[1], ops[1]), nil
	case ir.FuncEndsWith:
		return compose("("+r.d.LengthFunc+"(%s) = 0 OR SUBSTR(%s, -"+r.d.LengthFunc+"(%s)) = %s)",
			ops[1], ops[0], ops[1], ops[1]), nil
	case ir.FuncContains:
		return compose("(INSTR(%s, %s) > 0)", ops[0], ops[1]), nil
	case ir.FuncIndexOf:
		return compose("(INSTR(%s, %s) - 1)", ops[0], ops[1]), nil
	case ir.FuncSubstring:
		if len(ops) == 2 {
			return compose("SUBSTR(%s, %s + 1)", ops[0], ops[1]), nil
		}
		return compose("SUBSTR(%s, %s + 1, %s)", ops[0], ops[1], ops[2]), nil
	case ir.FuncRemove:
		head := compose("SUBSTR(%s, 1, %s)", ops[0], ops[1])
		if len(ops) == 2 {
			return head, nil
		}
		tail := compose("SUBSTR(%s, %s + %s + 1)", ops[0], ops[1], ops[2])
		return r.concat([]fragment{head, tail}), nil
	case ir.FuncLog:
		if len(ops) == 2 {
			return compose("(LN(%s) / LN(%s))", ops[0], ops[1]), nil
		}
		return compose("LN(%s)", ops[0]), nil
	case ir.FuncNewGuid:
		return raw(r.d.NewGuid), nil
	}
	return fragment{}, errors.AssertionFailedf("no SQL rendering for function %s", f.Func)
}

// concat joins strings, reading NULL as an empty segment.
func (r *renderer) concat(ops []fragment) fragment {
	parts := make([]fragment, len(ops))
	for i, op := range ops {
		parts[i] = compose("COALESCE(%s, '')", op)
	}
	if r.d.ConcatFunc {
		return compose("CONCAT(%s)", joinFragments(", ", parts))
	}
	return compose("(%s)", joinFragments(" || ", parts))
}

// in renders membership in a sub-query or in a list value. List values
// expand to one placeholder per element; an empty list matches nothing.
func (r *renderer) in(f *ir.Function) (fragment, error) {
	if len(f.Args) != 2 {
		return fragment{}, errors.AssertionFailedf("%s takes 2 operands, got %d", f.Func, len(f.Args))
	}
	item, err := r.expr(f.Args[0])
	if err != nil {
		return fragment{}, err
	}
	var list interface{}
	switch v := f.Args[1].(type) {
	case *ir.Select:
		sub, err := r.subquery(v)
		if err != nil {
			return fragment{}, err
		}
		return compose("(%s IN (%s))", item, sub), nil
	case *ir.ExternalValue:
		if list, err = v.Value(r.args); err != nil {
			return fragment{}, err
		}
	case *ir.Constant:
		list = v.Value
	default:
		return fragment{}, errors.AssertionFailedf("IN over a %s", f.Args[1].Kind())
	}

	if list == nil {
		return raw("(1 = 0)"), nil
	}
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return fragment{}, errors.Newf("IN list must be a slice, got %T", list)
	}
	if rv.Len() == 0 {
		return raw("(1 = 0)"), nil
	}
	marks := make([]string, rv.Len())
	args := make([]interface{}, 0, len(item.args)+rv.Len())
	args = append(args, item.args...)
	for i := range marks {
		marks[i] = "?"
		args = append(args, rv.Index(i).Interface())
	}
	return fragment{sql: "(" + item.sql + " IN (" + strings.Join(marks, ", ") + "))", args: args}, nil
}
