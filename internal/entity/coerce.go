package entity

import (
	"reflect"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cast"
)

var timeType = reflect.TypeOf(time.Time{})

// Coerce converts a raw driver or evaluator value into a value of type t.
// Nil converts to nil; pointer targets receive a pointer to the converted
// element. Interface targets accept the value unchanged.
func Coerce(v interface{}, t reflect.Type) (interface{}, error) {
	if t == nil {
		return v, nil
	}
	if v == nil {
		return nil, nil
	}
	if reflect.TypeOf(v) == t {
		return v, nil
	}
	if t.Kind() == reflect.Interface {
		return v, nil
	}
	if t.Kind() == reflect.Pointer {
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Pointer {
			if rv.IsNil() {
				return nil, nil
			}
			v = rv.Elem().Interface()
		}
		inner, err := Coerce(v, t.Elem())
		if err != nil || inner == nil {
			return nil, err
		}
		ptr := reflect.New(t.Elem())
		ptr.Elem().Set(reflect.ValueOf(inner))
		return ptr.Interface(), nil
	}

	var (
		out interface{}
		err error
	)
	switch t.Kind() {
	case reflect.String:
		out, err = cast.ToStringE(v)
	case reflect.Bool:
		out, err = cast.ToBoolE(v)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		out, err = cast.ToInt64E(v)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		out, err = cast.ToUint64E(v)
	case reflect.Float32, reflect.Float64:
		out, err = cast.ToFloat64E(v)
	case reflect.Struct:
		if t == timeType {
			out, err = cast.ToTimeE(v)
			break
		}
		fallthrough
	default:
		rv := reflect.ValueOf(v)
		if rv.Type().ConvertibleTo(t) {
			return rv.Convert(t).Interface(), nil
		}
		return nil, errors.Newf("cannot convert %T to %s", v, t)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "convert %T to %s", v, t)
	}
	return reflect.ValueOf(out).Convert(t).Interface(), nil
}
