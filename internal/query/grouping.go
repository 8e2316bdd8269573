package query

import "reflect"

// Grouping is the runtime element of a GroupBy result: a key and the
// elements that share it, in source order.
type Grouping struct {
	Key   interface{}
	Items []interface{}
}

// GroupingType is the static type of GroupBy result elements.
var GroupingType = reflect.TypeOf((*Grouping)(nil))

// IsGrouping reports whether t is the grouping element type.
func IsGrouping(t reflect.Type) bool {
	return t == GroupingType
}
