package translate

import (
	"reflect"

	"ormquery/internal/entity"
	"ormquery/internal/ir"
)

// flatten lists the scalar leaves a projection reads, in order and without
// repeats.
func flatten(n ir.Node) []ir.Node {
	var out []ir.Node
	seen := make(map[ir.Node]struct{})
	var walk func(ir.Node)
	walk = func(n ir.Node) {
		switch v := n.(type) {
		case *ir.EntityRef, *ir.Construct:
			for _, c := range v.Children() {
				walk(c)
			}
			return
		}
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	walk(n)
	return out
}

// setColumns makes every leaf of proj an output column of scope and
// returns the position of each.
func setColumns(scope *ir.Select, proj ir.Node) map[ir.Node]int {
	positions := make(map[ir.Node]int, len(scope.Columns))
	for i, c := range scope.Columns {
		positions[c] = i
	}
	for _, leaf := range flatten(proj) {
		if _, ok := positions[leaf]; !ok {
			positions[leaf] = scope.AddColumn(leaf)
		}
	}
	return positions
}

// finish sets the output columns and the materializer of a result scope.
func (st *state) finish(s *seq, shape ir.Shape) error {
	if s.group != nil {
		return finishGroups(s)
	}
	positions := setColumns(s.scope, s.proj)
	s.scope.SetMaterializer(shape, materializer(s.proj, positions))
	return nil
}

// finishGroups returns the groupings themselves. The rows are not grouped
// in SQL: they are sorted by the group orderings and then by the source
// ordering, and folded into groups as they are read.
func finishGroups(s *seq) error {
	gb := s.group
	if gb.having {
		return unsupported("filtering groupings that are returned whole")
	}
	for _, o := range gb.orders {
		if containsAggregate(o.Expr) {
			return unsupported("ordering groupings that are returned whole by an aggregate")
		}
		s.scope.AddOrder(o)
	}
	for _, o := range gb.prior {
		s.scope.AddOrder(o)
	}
	gb.group.InMemory = true

	positions := setColumns(s.scope, gb.elem)
	for _, leaf := range flatten(gb.key) {
		if _, ok := positions[leaf]; !ok {
			positions[leaf] = s.scope.AddColumn(leaf)
		}
	}
	item := materializer(gb.elem, positions)
	key := materializer(gb.key, positions)
	s.scope.SetMaterializer(ir.ShapeGroups, func(row []interface{}, sess ir.Session) (interface{}, error) {
		k, err := key(row, sess)
		if err != nil {
			return nil, err
		}
		v, err := item(row, sess)
		if err != nil {
			return nil, err
		}
		return &ir.GroupedRow{Key: k, Item: v}, nil
	})
	return nil
}

func containsAggregate(n ir.Node) bool {
	found := false
	ir.Walk(n, func(n ir.Node) bool {
		if f, ok := n.(*ir.Function); ok && f.Func.IsAggregate() {
			found = true
		}
		return !found
	})
	return found
}

// materializer builds the value of n from a row whose columns are laid out
// by positions.
func materializer(n ir.Node, positions map[ir.Node]int) ir.Materializer {
	switch v := n.(type) {
	case *ir.EntityRef:
		return entityMaterializer(v, positions)
	case *ir.Construct:
		children := v.Children()
		parts := make([]ir.Materializer, len(children))
		for i, c := range children {
			parts[i] = materializer(c, positions)
		}
		return func(row []interface{}, sess ir.Session) (interface{}, error) {
			values := make([]interface{}, len(parts))
			for i, m := range parts {
				val, err := m(row, sess)
				if err != nil {
					return nil, err
				}
				values[i] = val
			}
			return v.Build(values)
		}
	}
	return scalarMaterializer(positions[n], n.Type())
}

// entityMaterializer hydrates an entity and hands it to the session. A row
// whose key columns are all NULL, from the outer side of a join, is nil.
func entityMaterializer(ref *ir.EntityRef, positions map[ir.Node]int) ir.Materializer {
	ent := ref.Entity
	cols := make([]int, len(ref.Columns))
	var keys []int
	for i, c := range ref.Columns {
		cols[i] = positions[c]
		if ent.Columns[i].IsPrimaryKey {
			keys = append(keys, cols[i])
		}
	}
	return func(row []interface{}, sess ir.Session) (interface{}, error) {
		if allNull(row, keys) {
			return reflect.Zero(ent.PointerType()).Interface(), nil
		}
		values := make([]interface{}, len(cols))
		for i, c := range cols {
			values[i] = row[c]
		}
		v, err := ent.Hydrate(values)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			return v, nil
		}
		return sess.Track(ent, v)
	}
}

func allNull(row []interface{}, cols []int) bool {
	for _, c := range cols {
		if row[c] != nil {
			return false
		}
	}
	return true
}

// scalarMaterializer reads column i as t.
func scalarMaterializer(i int, t reflect.Type) ir.Materializer {
	return func(row []interface{}, _ ir.Session) (interface{}, error) {
		return entity.Coerce(row[i], t)
	}
}
