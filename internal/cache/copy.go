package cache

import (
	"reflect"

	"ormquery/internal/entity"
	"ormquery/internal/enumerable"
	"ormquery/internal/query"
	"ormquery/internal/session"
)

// copier copies values out of the snapshot. Entity copies are handed to the
// session, so a caller sees one instance per record within a session.
type copier struct {
	registry *entity.Registry
	sess     *session.Session
}

func (c *copier) copy(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch x := v.(type) {
	case enumerable.Seq:
		out := make(enumerable.Seq, len(x))
		for i, item := range x {
			cp, err := c.copy(item)
			if err != nil {
				return nil, err
			}
			out[i] = cp
		}
		return out, nil
	case *query.Grouping:
		key, err := c.copy(x.Key)
		if err != nil {
			return nil, err
		}
		items, err := c.copy(enumerable.Seq(x.Items))
		if err != nil {
			return nil, err
		}
		return &query.Grouping{Key: key, Items: items.(enumerable.Seq)}, nil
	}
	if ent, ok := c.registry.Lookup(reflect.TypeOf(v)); ok && reflect.TypeOf(v).Kind() == reflect.Pointer {
		if isNil(v) {
			return v, nil
		}
		clone, err := ent.Clone(v)
		if err != nil {
			return nil, err
		}
		if c.sess == nil {
			return clone, nil
		}
		return c.sess.Track(ent, clone)
	}
	out, err := c.value(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return out.Interface(), nil
}

// value copies composite values reflectively, recursing into exported
// fields and elements that can hold snapshot references.
func (c *copier) value(rv reflect.Value) (reflect.Value, error) {
	if !needsCopy(rv.Type()) {
		return rv, nil
	}
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return rv, nil
		}
		inner, err := c.copy(rv.Elem().Interface())
		if err != nil || inner == nil {
			return rv, err
		}
		out := reflect.New(rv.Type()).Elem()
		out.Set(reflect.ValueOf(inner))
		return out, nil
	case reflect.Pointer:
		if rv.IsNil() {
			return rv, nil
		}
		if _, ok := c.registry.Lookup(rv.Type()); ok {
			cp, err := c.copy(rv.Interface())
			if err != nil {
				return rv, err
			}
			return reflect.ValueOf(cp), nil
		}
		elem, err := c.value(rv.Elem())
		if err != nil {
			return rv, err
		}
		out := reflect.New(rv.Type().Elem())
		out.Elem().Set(elem)
		return out, nil
	case reflect.Slice:
		if rv.IsNil() {
			return rv, nil
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			el, err := c.value(rv.Index(i))
			if err != nil {
				return rv, err
			}
			out.Index(i).Set(el)
		}
		return out, nil
	case reflect.Struct:
		out := reflect.New(rv.Type()).Elem()
		out.Set(rv)
		for i := 0; i < out.NumField(); i++ {
			field := out.Field(i)
			if !field.CanSet() {
				continue
			}
			cp, err := c.value(field)
			if err != nil {
				return rv, err
			}
			field.Set(cp)
		}
		return out, nil
	}
	return rv, nil
}
