package query

import (
	"fmt"
	"reflect"
)

// Queryable is a fluent builder over a sequence expression. Every method
// returns a new Queryable; the underlying tree is immutable.
type Queryable struct {
	expr      Expr
	groupKey  reflect.Type
	groupElem reflect.Type
}

// From starts a query over the persistent collection of T. Elements are *T.
func From[T any]() Queryable {
	return FromType(reflect.TypeOf((*T)(nil)))
}

// FromType starts a query over the collection whose elements have type elem.
func FromType(elem reflect.Type) Queryable {
	return Queryable{expr: &Source{Elem: elem}}
}

// FromLocked starts a query over the collection of T whose rows are locked
// as they are read. Locking reads run inside a transaction; the in-memory
// backend ignores the lock.
func FromLocked[T any](lock Lock) Queryable {
	return Queryable{expr: &Source{Elem: reflect.TypeOf((*T)(nil)), Lock: lock}}
}

// Over wraps an existing sequence expression.
func Over(seq Expr) Queryable {
	return Queryable{expr: seq}
}

// Expr returns the built expression tree.
func (q Queryable) Expr() Expr { return q.expr }

// Elem returns the element type of the sequence.
func (q Queryable) Elem() reflect.Type { return ElemType(q.expr.Type()) }

// Var returns a lambda variable typed as this sequence's element.
func (q Queryable) Var(name string) *Var {
	return &Var{Name: name, T: q.Elem(), Key: q.groupKey, Elem: q.groupElem}
}

func (q Queryable) chain(method string, elem reflect.Type, args ...Expr) Queryable {
	all := append([]Expr{q.expr}, args...)
	return Queryable{expr: &Call{
		Provider: providerOf(q.expr),
		Method:   method,
		Args:     all,
		T:        reflect.SliceOf(elem),
	}}
}

func (q Queryable) scalar(method string, t reflect.Type, args ...Expr) Expr {
	all := append([]Expr{q.expr}, args...)
	return &Call{Provider: providerOf(q.expr), Method: method, Args: all, T: t}
}

// Where filters the sequence with a predicate lambda.
func (q Queryable) Where(pred *Lambda) Queryable {
	return q.keep(q.chain("Where", q.Elem(), pred))
}

// Select projects each element.
func (q Queryable) Select(sel *Lambda) Queryable {
	return q.chain("Select", sel.Body.Type(), sel)
}

// OrderBy sorts ascending by key.
func (q Queryable) OrderBy(key *Lambda) Queryable {
	return q.keep(q.chain("OrderBy", q.Elem(), key))
}

// OrderByDescending sorts descending by key.
func (q Queryable) OrderByDescending(key *Lambda) Queryable {
	return q.keep(q.chain("OrderByDescending", q.Elem(), key))
}

// ThenBy adds an ascending secondary sort key.
func (q Queryable) ThenBy(key *Lambda) Queryable {
	return q.keep(q.chain("ThenBy", q.Elem(), key))
}

// ThenByDescending adds a descending secondary sort key.
func (q Queryable) ThenByDescending(key *Lambda) Queryable {
	return q.keep(q.chain("ThenByDescending", q.Elem(), key))
}

// GroupBy groups elements by key. Elements of the result are *Grouping.
func (q Queryable) GroupBy(key *Lambda) Queryable {
	out := q.chain("GroupBy", GroupingType, key)
	out.groupKey = key.Body.Type()
	out.groupElem = q.Elem()
	return out
}

// Join correlates two sequences on equal keys and projects each match.
func (q Queryable) Join(inner Queryable, outerKey, innerKey, result *Lambda) Queryable {
	return q.chain("Join", result.Body.Type(), inner.expr, outerKey, innerKey, result)
}

// LeftJoin is Join that keeps outer elements without a match; the inner
// value passed to result is then nil.
func (q Queryable) LeftJoin(inner Queryable, outerKey, innerKey, result *Lambda) Queryable {
	return q.chain("LeftJoin", result.Body.Type(), inner.expr, outerKey, innerKey, result)
}

// Skip bypasses n elements.
func (q Queryable) Skip(n Expr) Queryable {
	return q.keep(q.chain("Skip", q.Elem(), n))
}

// Take returns the first n elements.
func (q Queryable) Take(n Expr) Queryable {
	return q.keep(q.chain("Take", q.Elem(), n))
}

// Distinct removes duplicate elements.
func (q Queryable) Distinct() Queryable {
	return q.keep(q.chain("Distinct", q.Elem()))
}

// Union returns the set union with other.
func (q Queryable) Union(other Queryable) Queryable {
	return q.keep(q.chain("Union", q.Elem(), other.expr))
}

// Concat appends other, keeping duplicates.
func (q Queryable) Concat(other Queryable) Queryable {
	return q.keep(q.chain("Concat", q.Elem(), other.expr))
}

// Intersect returns the set intersection with other.
func (q Queryable) Intersect(other Queryable) Queryable {
	return q.keep(q.chain("Intersect", q.Elem(), other.expr))
}

// Except returns the set difference with other.
func (q Queryable) Except(other Queryable) Queryable {
	return q.keep(q.chain("Except", q.Elem(), other.expr))
}

// Count returns the number of elements.
func (q Queryable) Count() Expr { return q.scalar("Count", intType) }

// CountWhere returns the number of elements matching pred.
func (q Queryable) CountWhere(pred *Lambda) Expr { return q.scalar("Count", intType, pred) }

// Any reports whether the sequence has elements.
func (q Queryable) Any() Expr { return q.scalar("Any", boolType) }

// AnyWhere reports whether any element matches pred.
func (q Queryable) AnyWhere(pred *Lambda) Expr { return q.scalar("Any", boolType, pred) }

// First returns the first element.
func (q Queryable) First() Expr { return q.scalar("First", q.Elem()) }

// Sum totals the selected values.
func (q Queryable) Sum(sel *Lambda) Expr { return q.scalar("Sum", sel.Body.Type(), sel) }

// Min returns the smallest selected value.
func (q Queryable) Min(sel *Lambda) Expr { return q.scalar("Min", sel.Body.Type(), sel) }

// Max returns the largest selected value.
func (q Queryable) Max(sel *Lambda) Expr { return q.scalar("Max", sel.Body.Type(), sel) }

// Average returns the mean of the selected values.
func (q Queryable) Average(sel *Lambda) Expr { return q.scalar("Average", sel.Body.Type(), sel) }

func (q Queryable) keep(next Queryable) Queryable {
	next.groupKey = q.groupKey
	next.groupElem = q.groupElem
	return next
}

func providerOf(seq Expr) Provider {
	switch s := seq.(type) {
	case *Source:
		return QueryableProvider
	case *Call:
		if s.Provider == QueryableProvider {
			return QueryableProvider
		}
	}
	return Enumerable
}

// Fn builds a lambda over params.
func Fn(body Expr, params ...*Var) *Lambda {
	return &Lambda{Params: params, Body: body}
}

// VarOf declares a lambda variable of type T.
func VarOf[T any](name string) *Var {
	return &Var{Name: name, T: reflect.TypeOf((*T)(nil)).Elem()}
}

// ParamOf declares positional query parameter index of type T.
func ParamOf[T any](index int, name string) *Param {
	return &Param{Index: index, Name: name, T: reflect.TypeOf((*T)(nil)).Elem()}
}

// Value embeds a literal.
func Value(v interface{}) *Const {
	if v == nil {
		return &Const{T: anyType}
	}
	return &Const{Value: v, T: reflect.TypeOf(v)}
}

// Field reads a struct field (or the Key of a grouping variable). It panics
// if the field does not exist, like other builder misuse.
func Field(x Expr, name string) *Member {
	if v, ok := x.(*Var); ok && IsGrouping(v.T) && name == "Key" {
		return &Member{X: x, Field: name, T: v.Key}
	}
	t, ok := FieldType(x.Type(), name)
	if !ok {
		panic(fmt.Sprintf("query: type %s has no field %s", x.Type(), name))
	}
	return &Member{X: x, Field: name, T: t}
}

// FieldType resolves the type of a named field on a struct or pointer to struct.
func FieldType(t reflect.Type, name string) (reflect.Type, bool) {
	if t == nil {
		return nil, false
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, false
	}
	f, ok := t.FieldByName(name)
	if !ok {
		return nil, false
	}
	return f.Type, true
}

func binary(op BinaryOp, x, y Expr) *Binary { return &Binary{Op: op, X: x, Y: y} }

// Eq compares for equality.
func Eq(x, y Expr) *Binary { return binary(OpEq, x, y) }

// Ne compares for inequality.
func Ne(x, y Expr) *Binary { return binary(OpNe, x, y) }

// Lt is x < y.
func Lt(x, y Expr) *Binary { return binary(OpLt, x, y) }

// Le is x <= y.
func Le(x, y Expr) *Binary { return binary(OpLe, x, y) }

// Gt is x > y.
func Gt(x, y Expr) *Binary { return binary(OpGt, x, y) }

// Ge is x >= y.
func Ge(x, y Expr) *Binary { return binary(OpGe, x, y) }

// And is the short-circuit conjunction.
func And(x, y Expr) *Binary { return binary(OpAnd, x, y) }

// Or is the short-circuit disjunction.
func Or(x, y Expr) *Binary { return binary(OpOr, x, y) }

// Add is x + y.
func Add(x, y Expr) *Binary { return binary(OpAdd, x, y) }

// Sub is x - y.
func Sub(x, y Expr) *Binary { return binary(OpSub, x, y) }

// Mul is x * y.
func Mul(x, y Expr) *Binary { return binary(OpMul, x, y) }

// Div is x / y.
func Div(x, y Expr) *Binary { return binary(OpDiv, x, y) }

// Mod is x % y.
func Mod(x, y Expr) *Binary { return binary(OpMod, x, y) }

// Coalesce yields x unless it is null, then y.
func Coalesce(x, y Expr) *Binary { return binary(OpCoalesce, x, y) }

// Not negates a boolean.
func Not(x Expr) *Unary { return &Unary{Op: OpNot, X: x} }

// Negate negates a number.
func Negate(x Expr) *Unary { return &Unary{Op: OpNegate, X: x} }

// If builds a conditional expression.
func If(test, then, els Expr) *Conditional { return &Conditional{Test: test, Then: then, Else: els} }

func stringCall(method string, t reflect.Type, args ...Expr) *Call {
	return &Call{Provider: Strings, Method: method, Args: args, T: t}
}

// StartsWith reports whether x begins with prefix.
func StartsWith(x, prefix Expr) *Call { return stringCall("StartsWith", boolType, x, prefix) }

// EndsWith reports whether x ends with suffix.
func EndsWith(x, suffix Expr) *Call { return stringCall("EndsWith", boolType, x, suffix) }

// ContainsString reports whether x contains sub.
func ContainsString(x, sub Expr) *Call { return stringCall("Contains", boolType, x, sub) }

// EqualsString compares two strings with an explicit comparison mode.
func EqualsString(x, y Expr, cmp StringComparison) *Call {
	c := stringCall("Equals", boolType, x, y)
	c.Comparison = cmp
	return c
}

// ToUpper upper-cases x.
func ToUpper(x Expr) *Call { return stringCall("ToUpper", stringType, x) }

// ToLower lower-cases x.
func ToLower(x Expr) *Call { return stringCall("ToLower", stringType, x) }

// Trim removes surrounding whitespace.
func Trim(x Expr) *Call { return stringCall("Trim", stringType, x) }

// Length returns the number of characters in x.
func Length(x Expr) *Call { return stringCall("Length", intType, x) }

// Substring returns length characters of x starting at the 0-based start.
func Substring(x, start, length Expr) *Call {
	return stringCall("Substring", stringType, x, start, length)
}

// IndexOf returns the 0-based index of sub in x, or -1.
func IndexOf(x, sub Expr) *Call { return stringCall("IndexOf", intType, x, sub) }

// Replace replaces every occurrence of old in x.
func Replace(x, old, repl Expr) *Call { return stringCall("Replace", stringType, x, old, repl) }

// Concat concatenates the string forms of its operands.
func Concat(args ...Expr) *Call { return stringCall("Concat", stringType, args...) }

// Func calls a scalar function of the shared vocabulary by name (Abs, Round,
// Year, ...). t is the result type.
func Func(name string, t reflect.Type, args ...Expr) *Call {
	return &Call{Provider: Functions, Method: name, Args: args, T: t}
}

// In reports whether item is an element of list.
func In(list, item Expr) *Call {
	return &Call{Provider: Enumerable, Method: "Contains", Args: []Expr{list, item}, T: boolType}
}

func seqCall(method string, t reflect.Type, seq Expr, args ...Expr) *Call {
	all := append([]Expr{seq}, args...)
	return &Call{Provider: providerOf(seq), Method: method, Args: all, T: t}
}

// Count counts the elements of a sequence expression (a grouping or a
// correlated sub-query).
func Count(seq Expr) *Call { return seqCall("Count", intType, seq) }

// CountWhere counts the elements of seq matching pred.
func CountWhere(seq Expr, pred *Lambda) *Call { return seqCall("Count", intType, seq, pred) }

// Contains reports whether the sequence seq (a sub-query) produces item.
func Contains(seq, item Expr) *Call {
	return &Call{Provider: providerOf(seq), Method: "Contains", Args: []Expr{seq, item}, T: boolType}
}

// Any reports whether any element of seq matches pred. A nil pred tests
// for any element at all.
func Any(seq Expr, pred *Lambda) *Call {
	if pred == nil {
		return seqCall("Any", boolType, seq)
	}
	return seqCall("Any", boolType, seq, pred)
}

// Sum totals sel over seq.
func Sum(seq Expr, sel *Lambda) *Call { return seqCall("Sum", sel.Body.Type(), seq, sel) }

// Min returns the smallest sel over seq.
func Min(seq Expr, sel *Lambda) *Call { return seqCall("Min", sel.Body.Type(), seq, sel) }

// Max returns the largest sel over seq.
func Max(seq Expr, sel *Lambda) *Call { return seqCall("Max", sel.Body.Type(), seq, sel) }

// Average returns the mean of sel over seq.
func Average(seq Expr, sel *Lambda) *Call { return seqCall("Average", sel.Body.Type(), seq, sel) }

// Bind assigns v to a named member in a member-init construction.
func Bind(field string, v Expr) Binding { return Binding{Field: field, Value: v} }

// MemberInit constructs t by assigning each binding to the named field.
func MemberInit(t reflect.Type, bindings ...Binding) *New {
	return &New{T: t, Bindings: bindings}
}

// Construct calls ctor (a Go function returning the constructed value)
// with positional args.
func Construct(ctor interface{}, args ...Expr) *New {
	fn := reflect.ValueOf(ctor)
	if fn.Kind() != reflect.Func || fn.Type().NumOut() == 0 {
		panic(fmt.Sprintf("query: constructor must be a function returning a value, got %T", ctor))
	}
	if fn.Type().NumIn() != len(args) {
		panic(fmt.Sprintf("query: constructor takes %d arguments, got %d", fn.Type().NumIn(), len(args)))
	}
	return &New{T: fn.Type().Out(0), Ctor: fn, Args: args}
}
