package ir

import (
	"reflect"

	"ormquery/internal/query"
)

// FuncKind is the flat catalog of scalar and aggregate operations shared by
// the SQL generator and the reference evaluator.
type FuncKind int

const (
	FuncUnknown FuncKind = iota

	// Comparison and logic.
	FuncEqual
	FuncNotEqual
	FuncLess
	FuncLessEqual
	FuncGreater
	FuncGreaterEqual
	FuncAnd
	FuncOr
	FuncNot

	// Null handling and conditionals.
	FuncIsNull
	FuncIsNotNull
	FuncCoalesce
	FuncCase

	// Arithmetic.
	FuncAdd
	FuncSubtract
	FuncMultiply
	FuncDivide
	FuncModulo
	FuncNegate

	// Bitwise.
	FuncBitAnd
	FuncBitOr
	FuncBitXor
	FuncBitNot

	// Strings.
	FuncConcat
	FuncLength
	FuncUpper
	FuncLower
	FuncTrim
	FuncTrimStart
	FuncTrimEnd
	FuncStartsWith
	FuncEndsWith
	FuncContains
	FuncSubstring
	FuncReplace
	FuncRemove
	FuncIndexOf

	// Aggregates.
	FuncCount
	FuncExists
	FuncMin
	FuncMax
	FuncSum
	FuncAverage

	// Date parts.
	FuncYear
	FuncMonth
	FuncDay
	FuncHour
	FuncMinute
	FuncSecond
	FuncMillisecond
	FuncDayOfWeek
	FuncDayOfYear

	// Math.
	FuncAbs
	FuncExp
	FuncFloor
	FuncCeiling
	FuncLn
	FuncLog
	FuncLog10
	FuncPow
	FuncRound
	FuncSign
	FuncSqrt

	// Miscellaneous.
	FuncNewGuid
	FuncIn
	FuncInArray

	funcKindCount
)

// funcNames is indexed by FuncKind.
var funcNames = [funcKindCount]string{
	"Unknown", "Equal", "NotEqual", "Less", "LessEqual", "Greater", "GreaterEqual", "And", "Or",
	"Not", "IsNull", "IsNotNull", "Coalesce", "Case", "Add", "Subtract", "Multiply", "Divide",
	"Modulo", "Negate", "BitAnd", "BitOr", "BitXor", "BitNot", "Concat", "Length", "Upper", "Lower",
	"Trim", "TrimStart", "TrimEnd", "StartsWith", "EndsWith", "Contains", "Substring", "Replace",
	"Remove", "IndexOf", "Count", "Exists", "Min", "Max", "Sum", "Average", "Year", "Month", "Day",
	"Hour", "Minute", "Second", "Millisecond", "DayOfWeek", "DayOfYear", "Abs", "Exp", "Floor",
	"Ceiling", "Ln", "Log", "Log10", "Pow", "Round", "Sign", "Sqrt", "NewGuid", "In", "InArray",
}

var funcByName = func() map[string]FuncKind {
	m := make(map[string]FuncKind, len(funcNames))
	for k, name := range funcNames[FuncUnknown+1:] {
		m[name] = FuncUnknown + 1 + FuncKind(k)
	}
	return m
}()

func (k FuncKind) String() string {
	if k > FuncUnknown && k < funcKindCount {
		return funcNames[k]
	}
	return "Unknown"
}

// FuncKinds lists every known kind in catalog order.
func FuncKinds() []FuncKind {
	out := make([]FuncKind, 0, funcKindCount-1)
	for k := FuncUnknown + 1; k < funcKindCount; k++ {
		out = append(out, k)
	}
	return out
}

// LookupFunc resolves a catalog name such as "Round" or "Year".
func LookupFunc(name string) (FuncKind, bool) {
	k, ok := funcByName[name]
	return k, ok
}

// IsAggregate reports whether k folds many rows into one value.
func (k FuncKind) IsAggregate() bool {
	switch k {
	case FuncCount, FuncMin, FuncMax, FuncSum, FuncAverage:
		return true
	}
	return false
}

// IsComparison reports whether k compares two operands.
func (k FuncKind) IsComparison() bool {
	return k >= FuncEqual && k <= FuncGreaterEqual
}

// Foldable reports whether k may be evaluated at translation time when all
// operands are known.
func (k FuncKind) Foldable() bool {
	switch k {
	case FuncCount, FuncExists, FuncMin, FuncMax, FuncSum, FuncAverage, FuncNewGuid, FuncIn, FuncInArray:
		return false
	}
	return k > FuncUnknown && k < funcKindCount
}

// Function applies a catalog operation to operand nodes.
type Function struct {
	base
	Func       FuncKind
	Args       []Node
	IgnoreCase bool
}

// NewFunction applies k to args; t is the result type.
func NewFunction(k FuncKind, t reflect.Type, args ...Node) *Function {
	return &Function{base: base{typ: t}, Func: k, Args: args}
}

func (*Function) Kind() Kind         { return KindFunction }
func (f *Function) Children() []Node { return f.Args }

func (f *Function) WithChildren(children []Node) (Node, error) {
	if err := checkArity(f, children); err != nil {
		return nil, err
	}
	out := *f
	out.Args = children
	return &out, nil
}

// Execute evaluates the function over already-materialized operands.
func (f *Function) Execute(operands ...interface{}) (interface{}, error) {
	return Execute(f.Func, f.IgnoreCase, f.Type(), operands...)
}

var binaryFuncs = map[query.BinaryOp]FuncKind{
	query.OpEq: FuncEqual, query.OpNe: FuncNotEqual, query.OpLt: FuncLess, query.OpLe: FuncLessEqual,
	query.OpGt: FuncGreater, query.OpGe: FuncGreaterEqual, query.OpAnd: FuncAnd, query.OpOr: FuncOr,
	query.OpAdd: FuncAdd, query.OpSub: FuncSubtract, query.OpMul: FuncMultiply, query.OpDiv: FuncDivide,
	query.OpMod: FuncModulo, query.OpCoalesce: FuncCoalesce,
}

// BinaryFunc maps a query operator to its catalog kind.
func BinaryFunc(op query.BinaryOp) (FuncKind, bool) {
	k, ok := binaryFuncs[op]
	return k, ok
}

// UnaryFunc maps a unary query operator to its catalog kind.
func UnaryFunc(op query.UnaryOp) FuncKind {
	if op == query.OpNot {
		return FuncNot
	}
	return FuncNegate
}

var stringFuncs = map[string]FuncKind{
	"StartsWith": FuncStartsWith, "EndsWith": FuncEndsWith, "Contains": FuncContains,
	"Equals": FuncEqual, "ToUpper": FuncUpper, "ToLower": FuncLower, "Trim": FuncTrim,
	"TrimStart": FuncTrimStart, "TrimEnd": FuncTrimEnd, "Length": FuncLength,
	"Substring": FuncSubstring, "IndexOf": FuncIndexOf, "Replace": FuncReplace,
	"Remove": FuncRemove, "Concat": FuncConcat,
}

// CallFunc maps a Strings or Functions call to its catalog kind.
func CallFunc(c *query.Call) (FuncKind, bool) {
	switch c.Provider {
	case query.Strings:
		k, ok := stringFuncs[c.Method]
		return k, ok
	case query.Functions:
		return LookupFunc(c.Method)
	}
	return FuncUnknown, false
}
