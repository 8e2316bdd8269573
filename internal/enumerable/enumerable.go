// Package enumerable implements the in-memory sequence operators the cache
// backend runs queries with. Sequences are []interface{}; callbacks return
// errors so compiled query bodies can fail without panicking. Operators
// that compare elements (Distinct, set operations, grouping and joining)
// take an Identity so entities compare by key rather than by pointer.
package enumerable

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/cockroachdb/errors"

	"ormquery/internal/entity"
	"ormquery/internal/ir"
	"ormquery/internal/query"
)

// Seq is an in-memory sequence.
type Seq = []interface{}

// Func maps one element to a value.
type Func func(v interface{}) (interface{}, error)

// Predicate tests one element.
type Predicate func(v interface{}) (bool, error)

// Identity maps a value to a comparable key used for equality.
type Identity func(v interface{}) (interface{}, error)

// ErrEmpty is returned by First on an empty sequence.
var ErrEmpty = errors.New("sequence contains no elements")

// EntityIdentity compares registered entities by key and other values by
// value. Values that are not comparable fall back to their printed form.
func EntityIdentity(reg *entity.Registry) Identity {
	return func(v interface{}) (interface{}, error) {
		if v == nil {
			return nil, nil
		}
		if reg != nil {
			if e, ok := reg.Lookup(reflect.TypeOf(v)); ok {
				return e.Key(v)
			}
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Elem().Kind() != reflect.Struct {
			v, rv = rv.Elem().Interface(), rv.Elem()
		}
		if rv.Type().Comparable() {
			return v, nil
		}
		return fmt.Sprintf("%#v", v), nil
	}
}

// ToSeq converts any slice into a Seq.
func ToSeq(v interface{}) (Seq, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(Seq); ok {
		return s, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, errors.Newf("value of type %T is not a sequence", v)
	}
	out := make(Seq, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

// Where keeps the elements matching pred.
func Where(src Seq, pred Predicate) (Seq, error) {
	out := make(Seq, 0, len(src))
	for _, v := range src {
		ok, err := pred(v)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// Select projects every element.
func Select(src Seq, fn Func) (Seq, error) {
	out := make(Seq, len(src))
	for i, v := range src {
		r, err := fn(v)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// SortKey is one ordering criterion.
type SortKey struct {
	Key        Func
	Descending bool
}

// OrderBy sorts stably by the given keys, most significant first.
func OrderBy(src Seq, keys ...SortKey) (Seq, error) {
	type keyed struct {
		v    interface{}
		keys []interface{}
	}
	rows := make([]keyed, len(src))
	for i, v := range src {
		rows[i] = keyed{v: v, keys: make([]interface{}, len(keys))}
		for j, k := range keys {
			kv, err := k.Key(v)
			if err != nil {
				return nil, err
			}
			rows[i].keys[j] = kv
		}
	}
	var cmpErr error
	sort.SliceStable(rows, func(a, b int) bool {
		for j, k := range keys {
			c, err := ir.Compare(rows[a].keys[j], rows[b].keys[j])
			if err != nil {
				cmpErr = err
				return false
			}
			if c == 0 {
				continue
			}
			if k.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	if cmpErr != nil {
		return nil, cmpErr
	}
	out := make(Seq, len(rows))
	for i, r := range rows {
		out[i] = r.v
	}
	return out, nil
}

// GroupBy groups elements by key, in order of first appearance. Elements
// of the result are *query.Grouping.
func GroupBy(src Seq, key Func, id Identity) (Seq, error) {
	index := make(map[interface{}]*query.Grouping)
	var out Seq
	for _, v := range src {
		k, err := key(v)
		if err != nil {
			return nil, err
		}
		ck, err := id(k)
		if err != nil {
			return nil, err
		}
		g, ok := index[ck]
		if !ok {
			g = &query.Grouping{Key: k}
			index[ck] = g
			out = append(out, g)
		}
		g.Items = append(g.Items, v)
	}
	return out, nil
}

// Join pairs outer and inner elements with equal keys. Result order follows
// the outer sequence, then the inner one. When leftOuter is set, an outer
// element without matches is paired once with nil.
func Join(outer, inner Seq, outerKey, innerKey Func, result func(o, i interface{}) (interface{}, error), id Identity, leftOuter bool) (Seq, error) {
	lookup := make(map[interface{}]Seq)
	for _, iv := range inner {
		k, err := innerKey(iv)
		if err != nil {
			return nil, err
		}
		if k == nil {
			continue
		}
		ck, err := id(k)
		if err != nil {
			return nil, err
		}
		lookup[ck] = append(lookup[ck], iv)
	}
	var out Seq
	for _, ov := range outer {
		k, err := outerKey(ov)
		if err != nil {
			return nil, err
		}
		var matches Seq
		if k != nil {
			ck, err := id(k)
			if err != nil {
				return nil, err
			}
			matches = lookup[ck]
		}
		if len(matches) == 0 && leftOuter {
			matches = Seq{nil}
		}
		for _, iv := range matches {
			r, err := result(ov, iv)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// Skip bypasses the first n elements.
func Skip(src Seq, n int) Seq {
	n = max(n, 0)
	if n >= len(src) {
		return Seq{}
	}
	return src[n:]
}

// Take keeps the first n elements.
func Take(src Seq, n int) Seq {
	n = max(n, 0)
	if n >= len(src) {
		return src
	}
	return src[:n]
}

// Distinct removes duplicates, keeping first occurrences.
func Distinct(src Seq, id Identity) (Seq, error) {
	seen := make(map[interface{}]struct{})
	out := make(Seq, 0, len(src))
	for _, v := range src {
		k, err := id(v)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}

// Concat appends b to a, keeping duplicates.
func Concat(a, b Seq) Seq {
	out := make(Seq, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// Union returns the distinct elements of a followed by those of b.
func Union(a, b Seq, id Identity) (Seq, error) {
	return Distinct(Concat(a, b), id)
}

// Intersect returns the distinct elements of a that also occur in b.
func Intersect(a, b Seq, id Identity) (Seq, error) {
	return filterBy(a, b, id, true)
}

// Except returns the distinct elements of a that do not occur in b.
func Except(a, b Seq, id Identity) (Seq, error) {
	return filterBy(a, b, id, false)
}

func filterBy(a, b Seq, id Identity, keep bool) (Seq, error) {
	other := make(map[interface{}]struct{}, len(b))
	for _, v := range b {
		k, err := id(v)
		if err != nil {
			return nil, err
		}
		other[k] = struct{}{}
	}
	distinct, err := Distinct(a, id)
	if err != nil {
		return nil, err
	}
	return Where(distinct, func(v interface{}) (bool, error) {
		k, err := id(v)
		if err != nil {
			return false, err
		}
		_, ok := other[k]
		return ok == keep, nil
	})
}

// Count counts the elements matching pred, or all of them when pred is nil.
func Count(src Seq, pred Predicate) (int, error) {
	if pred == nil {
		return len(src), nil
	}
	matched, err := Where(src, pred)
	return len(matched), err
}

// Any reports whether an element matches pred, or whether src is non-empty
// when pred is nil.
func Any(src Seq, pred Predicate) (bool, error) {
	if pred == nil {
		return len(src) > 0, nil
	}
	for _, v := range src {
		ok, err := pred(v)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// All reports whether every element matches pred.
func All(src Seq, pred Predicate) (bool, error) {
	for _, v := range src {
		ok, err := pred(v)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// First returns the first element.
func First(src Seq) (interface{}, error) {
	if len(src) == 0 {
		return nil, ErrEmpty
	}
	return src[0], nil
}

// Contains reports whether item occurs in src.
func Contains(src Seq, item interface{}, id Identity) (bool, error) {
	want, err := id(item)
	if err != nil {
		return false, err
	}
	for _, v := range src {
		k, err := id(v)
		if err != nil {
			return false, err
		}
		if k == want {
			return true, nil
		}
	}
	return false, nil
}

// Aggregate applies an aggregate function kind (Sum, Min, Max, Average) to
// the selected values with the shared reference evaluator.
func Aggregate(kind ir.FuncKind, src Seq, sel Func, resultType reflect.Type) (interface{}, error) {
	values := src
	if sel != nil {
		var err error
		if values, err = Select(src, sel); err != nil {
			return nil, err
		}
	}
	return ir.Execute(kind, false, resultType, values...)
}
