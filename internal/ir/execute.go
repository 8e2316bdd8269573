package ir

import (
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/apd/v3"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cast"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Execute evaluates k over materialized operands. resultType is the static
// type of the call site and guides numeric conversions; it may be nil.
func Execute(k FuncKind, ignoreCase bool, resultType reflect.Type, args ...interface{}) (interface{}, error) {
	operands := make([]interface{}, len(args))
	for i, arg := range args {
		operands[i] = deref(arg)
	}
	switch k {
	case FuncEqual, FuncNotEqual, FuncLess, FuncLessEqual, FuncGreater, FuncGreaterEqual:
		if err := arity(k, operands, 2); err != nil {
			return nil, err
		}
		return compareOp(k, ignoreCase, operands[0], operands[1])
	case FuncAnd, FuncOr:
		if err := arity(k, operands, 2); err != nil {
			return nil, err
		}
		a, err := cast.ToBoolE(operands[0])
		if err != nil {
			return nil, err
		}
		b, err := cast.ToBoolE(operands[1])
		if err != nil {
			return nil, err
		}
		if k == FuncAnd {
			return a && b, nil
		}
		return a || b, nil
	case FuncNot:
		if err := arity(k, operands, 1); err != nil {
			return nil, err
		}
		b, err := cast.ToBoolE(operands[0])
		return !b, err
	case FuncIsNull:
		if err := arity(k, operands, 1); err != nil {
			return nil, err
		}
		return operands[0] == nil, nil
	case FuncIsNotNull:
		if err := arity(k, operands, 1); err != nil {
			return nil, err
		}
		return operands[0] != nil, nil
	case FuncCoalesce:
		for _, op := range operands {
			if op != nil {
				return op, nil
			}
		}
		return nil, nil
	case FuncCase:
		if err := arity(k, operands, 3); err != nil {
			return nil, err
		}
		test, err := cast.ToBoolE(operands[0])
		if err != nil {
			return nil, err
		}
		if test {
			return operands[1], nil
		}
		return operands[2], nil
	case FuncAdd, FuncSubtract, FuncMultiply, FuncDivide, FuncModulo:
		if err := arity(k, operands, 2); err != nil {
			return nil, err
		}
		return arithmetic(k, resultType, operands[0], operands[1])
	case FuncNegate:
		if err := arity(k, operands, 1); err != nil {
			return nil, err
		}
		return arithmetic(FuncSubtract, resultType, zeroOf(operands[0]), operands[0])
	case FuncBitAnd, FuncBitOr, FuncBitXor, FuncBitNot:
		return bitwise(k, resultType, operands)
	case FuncConcat:
		var b strings.Builder
		for _, op := range operands {
			if op == nil {
				continue
			}
			s, err := invariantString(op)
			if err != nil {
				return nil, err
			}
			b.WriteString(s)
		}
		return b.String(), nil
	case FuncLength, FuncUpper, FuncLower, FuncTrim, FuncTrimStart, FuncTrimEnd,
		FuncStartsWith, FuncEndsWith, FuncContains, FuncSubstring, FuncReplace, FuncRemove, FuncIndexOf:
		return stringOp(k, ignoreCase, operands)
	case FuncCount:
		n := 0
		for _, op := range operands {
			n += countOf(op)
		}
		return n, nil
	case FuncExists:
		for _, op := range operands {
			if countOf(op) > 0 {
				return true, nil
			}
		}
		return false, nil
	case FuncMin, FuncMax, FuncSum, FuncAverage:
		return aggregate(k, resultType, flatten(operands))
	case FuncYear, FuncMonth, FuncDay, FuncHour, FuncMinute, FuncSecond, FuncMillisecond, FuncDayOfWeek, FuncDayOfYear:
		if err := arity(k, operands, 1); err != nil {
			return nil, err
		}
		return datePart(k, operands[0])
	case FuncAbs, FuncExp, FuncFloor, FuncCeiling, FuncLn, FuncLog, FuncLog10, FuncPow, FuncRound, FuncSign, FuncSqrt:
		return mathOp(k, resultType, operands)
	case FuncNewGuid:
		return uuid.New(), nil
	case FuncIn, FuncInArray:
		return nil, errors.UnimplementedErrorf(errors.IssueLink{Detail: k.String()},
			"%s cannot be evaluated in memory", k)
	default:
		return nil, errors.AssertionFailedf("reference evaluator does not know function kind %d (%s)", int(k), k)
	}
}

func arity(k FuncKind, operands []interface{}, want int) error {
	if len(operands) != want {
		return errors.Newf("%s expects %d operands, got %d", k, want, len(operands))
	}
	return nil
}

// deref unwraps non-nil pointers to scalars and maps nil pointers to nil.
// Pointers to structs are entities and stay as they are.
func deref(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer {
		return v
	}
	if rv.IsNil() {
		return nil
	}
	if rv.Elem().Kind() == reflect.Struct && rv.Elem().Type() != timeType {
		return v
	}
	return rv.Elem().Interface()
}

var timeType = reflect.TypeOf(time.Time{})

// Fold returns the culture-invariant case-folded form of s.
func Fold(s string) string {
	// Casers carry state and are not shared between goroutines.
	return cases.Fold().String(s)
}

func invariantString(v interface{}) (string, error) {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	}
	return cast.ToStringE(v)
}

// isSequence reports whether v is an in-memory sequence. Strings and byte
// slices are scalars.
func isSequence(v interface{}) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	return (rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8) || rv.Kind() == reflect.Array
}

func countOf(v interface{}) int {
	if v == nil {
		return 0
	}
	if isSequence(v) {
		return reflect.ValueOf(v).Len()
	}
	return 1
}

// flatten expands a single sequence operand into its elements.
func flatten(operands []interface{}) []interface{} {
	if len(operands) != 1 || !isSequence(operands[0]) {
		return operands
	}
	rv := reflect.ValueOf(operands[0])
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = deref(rv.Index(i).Interface())
	}
	return out
}

func zeroOf(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	return reflect.Zero(reflect.TypeOf(v)).Interface()
}

func isNumeric(v interface{}) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func isIntegerType(t reflect.Type) bool {
	if t == nil {
		return false
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

// Compare orders two non-null values of compatible types.
func Compare(a, b interface{}) (int, error) {
	a, b = deref(a), deref(b)
	switch {
	case a == nil && b == nil:
		return 0, nil
	case a == nil:
		return -1, nil
	case b == nil:
		return 1, nil
	}
	if isNumeric(a) && isNumeric(b) {
		da, err := toDecimal(a)
		if err != nil {
			return 0, err
		}
		db, err := toDecimal(b)
		if err != nil {
			return 0, err
		}
		return da.Cmp(db), nil
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			break
		}
		return strings.Compare(x, y), nil
	case bool:
		y, ok := b.(bool)
		if !ok {
			break
		}
		switch {
		case x == y:
			return 0, nil
		case !x:
			return -1, nil
		default:
			return 1, nil
		}
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			break
		}
		return x.Compare(y), nil
	}
	if reflect.TypeOf(a) == reflect.TypeOf(b) && reflect.TypeOf(a).Comparable() && a == b {
		return 0, nil
	}
	return 0, errors.Newf("cannot compare %T with %T", a, b)
}

func compareOp(k FuncKind, ignoreCase bool, a, b interface{}) (interface{}, error) {
	if ignoreCase {
		if x, ok := a.(string); ok {
			a = Fold(x)
		}
		if y, ok := b.(string); ok {
			b = Fold(y)
		}
	}
	if k == FuncEqual || k == FuncNotEqual {
		eq, err := equal(a, b)
		if err != nil {
			return nil, err
		}
		return eq == (k == FuncEqual), nil
	}
	if a == nil || b == nil {
		return false, nil
	}
	c, err := Compare(a, b)
	if err != nil {
		return nil, err
	}
	switch k {
	case FuncLess:
		return c < 0, nil
	case FuncLessEqual:
		return c <= 0, nil
	case FuncGreater:
		return c > 0, nil
	default:
		return c >= 0, nil
	}
}

func equal(a, b interface{}) (bool, error) {
	if a == nil || b == nil {
		return a == nil && b == nil, nil
	}
	if isNumeric(a) && isNumeric(b) {
		c, err := Compare(a, b)
		return c == 0, err
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false, nil
	}
	if !reflect.TypeOf(a).Comparable() {
		return reflect.DeepEqual(a, b), nil
	}
	if t, ok := a.(time.Time); ok {
		return t.Equal(b.(time.Time)), nil
	}
	return a == b, nil
}

var decimalCtx = func() *apd.Context {
	ctx := apd.BaseContext.WithPrecision(34)
	ctx.Rounding = apd.RoundHalfEven
	return ctx
}()

func toDecimal(v interface{}) (*apd.Decimal, error) {
	rv := reflect.ValueOf(v)
	d := new(apd.Decimal)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return d.SetInt64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		d, _, err := apd.NewFromString(strconv.FormatUint(rv.Uint(), 10))
		return d, err
	case reflect.Float32, reflect.Float64:
		return d.SetFloat64(rv.Float())
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return nil, errors.Wrapf(err, "value %v is not numeric", v)
	}
	return d.SetFloat64(f)
}

// fromDecimal converts d to t, rounding half to even for integer targets.
func fromDecimal(d *apd.Decimal, t reflect.Type) (interface{}, error) {
	if t == nil || t.Kind() == reflect.Interface {
		return d.Float64()
	}
	if t.Kind() == reflect.Pointer {
		v, err := fromDecimal(d, t.Elem())
		if err != nil {
			return nil, err
		}
		ptr := reflect.New(t.Elem())
		ptr.Elem().Set(reflect.ValueOf(v))
		return ptr.Interface(), nil
	}
	if isIntegerType(t) {
		rounded := new(apd.Decimal)
		if _, err := decimalCtx.RoundToIntegralValue(rounded, d); err != nil {
			return nil, err
		}
		i, err := rounded.Int64()
		if err != nil {
			return nil, err
		}
		return reflect.ValueOf(i).Convert(t).Interface(), nil
	}
	if t.Kind() == reflect.Float32 || t.Kind() == reflect.Float64 {
		f, err := d.Float64()
		if err != nil {
			return nil, err
		}
		return reflect.ValueOf(f).Convert(t).Interface(), nil
	}
	return nil, errors.Newf("cannot convert decimal to %s", t)
}

func aggregate(k FuncKind, resultType reflect.Type, values []interface{}) (interface{}, error) {
	var present []interface{}
	for _, v := range values {
		if v = deref(v); v != nil {
			present = append(present, v)
		}
	}
	target := resultType
	if len(present) > 0 {
		target = reflect.TypeOf(present[0])
	}
	if len(present) == 0 {
		if k == FuncSum && resultType != nil && resultType.Kind() != reflect.Interface {
			return reflect.Zero(resultType).Interface(), nil
		}
		return nil, nil
	}
	if (k == FuncMin || k == FuncMax) && !isNumeric(present[0]) {
		best := present[0]
		for _, v := range present[1:] {
			c, err := Compare(v, best)
			if err != nil {
				return nil, err
			}
			if (k == FuncMin && c < 0) || (k == FuncMax && c > 0) {
				best = v
			}
		}
		return best, nil
	}
	acc := new(apd.Decimal)
	for i, v := range present {
		d, err := toDecimal(v)
		if err != nil {
			return nil, err
		}
		switch {
		case i == 0:
			acc.Set(d)
		case k == FuncMin:
			if d.Cmp(acc) < 0 {
				acc.Set(d)
			}
		case k == FuncMax:
			if d.Cmp(acc) > 0 {
				acc.Set(d)
			}
		default:
			if _, err := decimalCtx.Add(acc, acc, d); err != nil {
				return nil, err
			}
		}
	}
	if k == FuncAverage {
		n := new(apd.Decimal).SetInt64(int64(len(present)))
		if _, err := decimalCtx.Quo(acc, acc, n); err != nil {
			return nil, err
		}
	}
	return fromDecimal(acc, target)
}

func arithmetic(k FuncKind, resultType reflect.Type, a, b interface{}) (interface{}, error) {
	if a == nil || b == nil {
		return nil, nil
	}
	if k == FuncAdd {
		_, as := a.(string)
		_, bs := b.(string)
		if as || bs {
			return Execute(FuncConcat, false, nil, a, b)
		}
	}
	if !isNumeric(a) || !isNumeric(b) {
		return nil, errors.Newf("%s requires numeric operands, got %T and %T", k, a, b)
	}
	target := resultType
	if target == nil || !isNumeric(reflect.Zero(target).Interface()) {
		target = reflect.TypeOf(a)
	}
	if isIntegerType(target) {
		x, err := cast.ToInt64E(a)
		if err != nil {
			return nil, err
		}
		y, err := cast.ToInt64E(b)
		if err != nil {
			return nil, err
		}
		var r int64
		switch k {
		case FuncAdd:
			r = x + y
		case FuncSubtract:
			r = x - y
		case FuncMultiply:
			r = x * y
		case FuncDivide, FuncModulo:
			if y == 0 {
				return nil, errors.New("division by zero")
			}
			if k == FuncDivide {
				r = x / y
			} else {
				r = x % y
			}
		}
		return reflect.ValueOf(r).Convert(target).Interface(), nil
	}
	x, err := cast.ToFloat64E(a)
	if err != nil {
		return nil, err
	}
	y, err := cast.ToFloat64E(b)
	if err != nil {
		return nil, err
	}
	var r float64
	switch k {
	case FuncAdd:
		r = x + y
	case FuncSubtract:
		r = x - y
	case FuncMultiply:
		r = x * y
	case FuncDivide:
		r = x / y
	case FuncModulo:
		r = math.Mod(x, y)
	}
	return reflect.ValueOf(r).Convert(target).Interface(), nil
}

func bitwise(k FuncKind, resultType reflect.Type, operands []interface{}) (interface{}, error) {
	want := 2
	if k == FuncBitNot {
		want = 1
	}
	if err := arity(k, operands, want); err != nil {
		return nil, err
	}
	vals := make([]int64, len(operands))
	for i, op := range operands {
		if op == nil {
			return nil, nil
		}
		v, err := cast.ToInt64E(op)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	var r int64
	switch k {
	case FuncBitAnd:
		r = vals[0] & vals[1]
	case FuncBitOr:
		r = vals[0] | vals[1]
	case FuncBitXor:
		r = vals[0] ^ vals[1]
	case FuncBitNot:
		r = ^vals[0]
	}
	target := reflect.TypeOf(operands[0])
	if isIntegerType(resultType) {
		target = resultType
	}
	return reflect.ValueOf(r).Convert(target).Interface(), nil
}

var stringArity = map[FuncKind][2]int{
	FuncLength: {1, 1}, FuncUpper: {1, 1}, FuncLower: {1, 1}, FuncTrim: {1, 1},
	FuncTrimStart: {1, 1}, FuncTrimEnd: {1, 1}, FuncStartsWith: {2, 2}, FuncEndsWith: {2, 2},
	FuncContains: {2, 2}, FuncSubstring: {2, 3}, FuncReplace: {3, 3}, FuncRemove: {2, 3},
	FuncIndexOf: {2, 2},
}

// indexFold returns the rune index in s of the first match of the folded
// needle, or -1. Folding may change rune counts, so matches are located at
// rune boundaries of the original string.
func indexFold(s, foldedNeedle string) int {
	runes := 0
	for i := range s {
		if strings.HasPrefix(Fold(s[i:]), foldedNeedle) {
			return runes
		}
		runes++
	}
	if foldedNeedle == "" {
		return runes
	}
	return -1
}

func stringOp(k FuncKind, ignoreCase bool, operands []interface{}) (interface{}, error) {
	bounds := stringArity[k]
	if len(operands) < bounds[0] || len(operands) > bounds[1] {
		return nil, errors.Newf("%s expects %d to %d operands, got %d", k, bounds[0], bounds[1], len(operands))
	}
	if operands[0] == nil {
		return nil, nil
	}
	s, err := cast.ToStringE(operands[0])
	if err != nil {
		return nil, err
	}
	arg := func(i int) (string, error) {
		v, err := cast.ToStringE(operands[i])
		if err == nil && ignoreCase {
			v = Fold(v)
		}
		return v, err
	}
	num := func(i int) (int, error) { return cast.ToIntE(operands[i]) }
	subject := s
	if ignoreCase {
		subject = Fold(s)
	}

	switch k {
	case FuncLength:
		return utf8.RuneCountInString(s), nil
	case FuncUpper:
		return cases.Upper(language.Und).String(s), nil
	case FuncLower:
		return cases.Lower(language.Und).String(s), nil
	case FuncTrim:
		return strings.TrimSpace(s), nil
	case FuncTrimStart:
		return strings.TrimLeftFunc(s, isSpace), nil
	case FuncTrimEnd:
		return strings.TrimRightFunc(s, isSpace), nil
	case FuncStartsWith, FuncEndsWith, FuncContains, FuncIndexOf:
		other, err := arg(1)
		if err != nil {
			return nil, err
		}
		switch k {
		case FuncStartsWith:
			return strings.HasPrefix(subject, other), nil
		case FuncEndsWith:
			return strings.HasSuffix(subject, other), nil
		case FuncContains:
			return strings.Contains(subject, other), nil
		}
		if ignoreCase {
			return indexFold(s, other), nil
		}
		i := strings.Index(s, other)
		if i < 0 {
			return -1, nil
		}
		return utf8.RuneCountInString(s[:i]), nil
	case FuncSubstring, FuncRemove:
		runes := []rune(s)
		start, err := num(1)
		if err != nil {
			return nil, err
		}
		start = clamp(start, 0, len(runes))
		end := len(runes)
		if len(operands) == 3 {
			n, err := num(2)
			if err != nil {
				return nil, err
			}
			end = clamp(start+n, start, len(runes))
		}
		if k == FuncSubstring {
			return string(runes[start:end]), nil
		}
		return string(runes[:start]) + string(runes[end:]), nil
	case FuncReplace:
		old, err := cast.ToStringE(operands[1])
		if err != nil {
			return nil, err
		}
		repl, err := cast.ToStringE(operands[2])
		if err != nil {
			return nil, err
		}
		return strings.ReplaceAll(s, old, repl), nil
	}
	return nil, errors.AssertionFailedf("string operation %s has no evaluator", k)
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

func datePart(k FuncKind, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	t, err := cast.ToTimeE(v)
	if err != nil {
		return nil, err
	}
	switch k {
	case FuncYear:
		return t.Year(), nil
	case FuncMonth:
		return int(t.Month()), nil
	case FuncDay:
		return t.Day(), nil
	case FuncHour:
		return t.Hour(), nil
	case FuncMinute:
		return t.Minute(), nil
	case FuncSecond:
		return t.Second(), nil
	case FuncMillisecond:
		return t.Nanosecond() / int(time.Millisecond), nil
	case FuncDayOfWeek:
		return int(t.Weekday()), nil
	default:
		return t.YearDay(), nil
	}
}

type mathFuncs struct {
	unary  func(float64) float64
	binary func(float64, float64) float64
}

var mathTable = map[FuncKind]mathFuncs{
	FuncAbs:     {unary: math.Abs},
	FuncExp:     {unary: math.Exp},
	FuncFloor:   {unary: math.Floor},
	FuncCeiling: {unary: math.Ceil},
	FuncLn:      {unary: math.Log},
	FuncLog:     {unary: math.Log, binary: func(x, b float64) float64 { return math.Log(x) / math.Log(b) }},
	FuncLog10:   {unary: math.Log10},
	FuncPow:     {binary: math.Pow},
	FuncRound: {unary: math.RoundToEven, binary: func(x, digits float64) float64 {
		scale := math.Pow(10, digits)
		return math.RoundToEven(x*scale) / scale
	}},
	FuncSign: {unary: func(x float64) float64 {
		switch {
		case x > 0:
			return 1
		case x < 0:
			return -1
		}
		return 0
	}},
	FuncSqrt: {unary: math.Sqrt},
}

func mathOp(k FuncKind, resultType reflect.Type, operands []interface{}) (interface{}, error) {
	fns := mathTable[k]
	args := make([]float64, len(operands))
	for i, op := range operands {
		if op == nil {
			return nil, nil
		}
		f, err := cast.ToFloat64E(op)
		if err != nil {
			return nil, err
		}
		args[i] = f
	}
	var r float64
	switch {
	case len(args) == 1 && fns.unary != nil:
		r = fns.unary(args[0])
	case len(args) == 2 && fns.binary != nil:
		r = fns.binary(args[0], args[1])
	default:
		return nil, errors.Newf("%s does not accept %d operands", k, len(args))
	}
	if k == FuncSign {
		return int(r), nil
	}
	target := resultType
	if target == nil || !isNumeric(reflect.Zero(target).Interface()) {
		target = reflect.TypeOf(operands[0])
	}
	if isIntegerType(target) {
		return reflect.ValueOf(int64(math.RoundToEven(r))).Convert(target).Interface(), nil
	}
	return reflect.ValueOf(r).Convert(target).Interface(), nil
}
