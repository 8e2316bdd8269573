// Package entity describes persistent entity types: their table, ordered
// columns and key structure. Metadata is derived from Go struct tags and is
// consumed by the translator (Table/Column nodes), the SQL executor (row
// hydration) and the cache backend (identity keys and defensive copies).
package entity

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"ormquery/internal/naming"
)

// Column represents a mapped struct field.
type Column struct {
	Name         string
	Field        string
	Index        []int
	Type         reflect.Type
	IsPrimaryKey bool
	IsNullable   bool
}

// Entity represents a registered entity type.
type Entity struct {
	Name    string
	Table   string
	GoType  reflect.Type
	Columns []Column
}

// Key identifies one logical record of an entity type.
type Key string

// Registry holds entity metadata keyed by Go struct type.
type Registry struct {
	mu     sync.RWMutex
	byType map[reflect.Type]*Entity
	namer  *naming.Namer
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(namer *naming.Namer, logger *slog.Logger) *Registry {
	if namer == nil {
		namer = naming.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byType: make(map[reflect.Type]*Entity),
		namer:  namer,
		logger: logger,
	}
}

// Register adds the entity type T to the registry. Registering the same type
// twice returns the existing metadata.
func Register[T any](r *Registry) (*Entity, error) {
	return r.RegisterType(reflect.TypeOf((*T)(nil)).Elem())
}

// MustRegister is Register for package-level model setup.
func MustRegister[T any](r *Registry) *Entity {
	e, err := Register[T](r)
	if err != nil {
		panic(err)
	}
	return e
}

// RegisterType adds a struct type (or pointer to struct) to the registry.
func (r *Registry) RegisterType(t reflect.Type) (*Entity, error) {
	t = structType(t)
	if t == nil {
		return nil, errors.New("entity types must be structs")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byType[t]; ok {
		return existing, nil
	}

	e := &Entity{
		Name:   t.Name(),
		Table:  r.namer.TableName(t.Name()),
		GoType: t,
	}
	hasKey := false
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		tag := field.Tag.Get("db")
		if tag == "-" {
			continue
		}
		col := Column{
			Name:       r.namer.ColumnName(field.Name),
			Field:      field.Name,
			Index:      field.Index,
			Type:       field.Type,
			IsNullable: field.Type.Kind() == reflect.Pointer,
		}
		if tag != "" {
			parts := strings.Split(tag, ",")
			if parts[0] != "" {
				col.Name = parts[0]
			}
			for _, opt := range parts[1:] {
				if strings.TrimSpace(opt) == "pk" {
					col.IsPrimaryKey = true
				}
			}
		}
		hasKey = hasKey || col.IsPrimaryKey
		e.Columns = append(e.Columns, col)
	}
	if len(e.Columns) == 0 {
		return nil, errors.Newf("entity %s has no mapped fields", t.Name())
	}
	if !hasKey {
		for i := range e.Columns {
			if e.Columns[i].Field == "ID" {
				e.Columns[i].IsPrimaryKey = true
				hasKey = true
			}
		}
	}
	if !hasKey {
		return nil, errors.Newf("entity %s has no primary key (tag a field with db:\",pk\")", t.Name())
	}

	r.byType[t] = e
	r.logger.Debug("registered entity",
		slog.String("entity", e.Name),
		slog.String("table", e.Table),
		slog.Int("columns", len(e.Columns)),
	)
	return e, nil
}

// Lookup returns the metadata for a struct type or pointer to struct.
func (r *Registry) Lookup(t reflect.Type) (*Entity, bool) {
	t = structType(t)
	if t == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byType[t]
	return e, ok
}

// IsEntity reports whether t is a registered entity type (struct or pointer).
func (r *Registry) IsEntity(t reflect.Type) bool {
	_, ok := r.Lookup(t)
	return ok
}

// IsEntityList reports whether t is a slice of registered entities.
func (r *Registry) IsEntityList(t reflect.Type) bool {
	if t == nil || t.Kind() != reflect.Slice {
		return false
	}
	return r.IsEntity(t.Elem())
}

// Entities returns all registered entities.
func (r *Registry) Entities() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entity, 0, len(r.byType))
	for _, e := range r.byType {
		out = append(out, e)
	}
	return out
}

func structType(t reflect.Type) reflect.Type {
	if t == nil {
		return nil
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	return t
}

// PointerType is the runtime type of entity instances (*T).
func (e *Entity) PointerType() reflect.Type {
	return reflect.PointerTo(e.GoType)
}

// Column returns the column mapped to a struct field.
func (e *Entity) Column(field string) (Column, bool) {
	for _, col := range e.Columns {
		if col.Field == field {
			return col, true
		}
	}
	return Column{}, false
}

// KeyColumns returns the primary key columns in declaration order.
func (e *Entity) KeyColumns() []Column {
	var out []Column
	for _, col := range e.Columns {
		if col.IsPrimaryKey {
			out = append(out, col)
		}
	}
	return out
}

// Key returns the identity key of an entity instance.
func (e *Entity) Key(v interface{}) (Key, error) {
	rv, err := e.structValue(v)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(e.Name)
	for _, col := range e.KeyColumns() {
		b.WriteByte('|')
		fmt.Fprint(&b, rv.FieldByIndex(col.Index).Interface())
	}
	return Key(b.String()), nil
}

// FieldValue reads a mapped field from an entity instance.
func (e *Entity) FieldValue(v interface{}, field string) (interface{}, error) {
	rv, err := e.structValue(v)
	if err != nil {
		return nil, err
	}
	col, ok := e.Column(field)
	if !ok {
		return nil, errors.Newf("entity %s has no field %s", e.Name, field)
	}
	return rv.FieldByIndex(col.Index).Interface(), nil
}

// Hydrate builds a new *T from column values in declaration order.
func (e *Entity) Hydrate(values []interface{}) (interface{}, error) {
	if len(values) != len(e.Columns) {
		return nil, errors.Newf("entity %s expects %d values, got %d", e.Name, len(e.Columns), len(values))
	}
	ptr := reflect.New(e.GoType)
	rv := ptr.Elem()
	for i, col := range e.Columns {
		converted, err := Coerce(values[i], col.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "hydrate %s.%s", e.Name, col.Field)
		}
		if converted != nil {
			rv.FieldByIndex(col.Index).Set(reflect.ValueOf(converted))
		}
	}
	return ptr.Interface(), nil
}

// Clone returns a shallow copy of an entity instance as a new *T.
func (e *Entity) Clone(v interface{}) (interface{}, error) {
	if isNil(v) {
		return v, nil
	}
	rv, err := e.structValue(v)
	if err != nil {
		return nil, err
	}
	ptr := reflect.New(e.GoType)
	ptr.Elem().Set(rv)
	return ptr.Interface(), nil
}

func (e *Entity) structValue(v interface{}) (reflect.Value, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return reflect.Value{}, errors.Newf("nil %s instance", e.Name)
		}
		rv = rv.Elem()
	}
	if rv.Type() != e.GoType {
		return reflect.Value{}, errors.Newf("value of type %s is not a %s", rv.Type(), e.Name)
	}
	return rv, nil
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
