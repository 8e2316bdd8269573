package cache

import (
	"sync"
	"sync/atomic"
)

// operator names a sequence operator by method and argument count. The
// count includes the source sequence.
type operator struct {
	method string
	arity  int
}

var (
	operatorsMu    sync.Mutex
	operatorsBuilt atomic.Bool
	operators      map[operator]operator
)

// inMemoryOperator returns the in-memory operator that replaces a
// queryable call. The table is built on first use and read-only afterwards.
func inMemoryOperator(method string, arity int) (operator, bool) {
	if !operatorsBuilt.Load() {
		operatorsMu.Lock()
		if !operatorsBuilt.Load() {
			operators = buildOperators()
			operatorsBuilt.Store(true)
		}
		operatorsMu.Unlock()
	}
	op, ok := operators[operator{method: method, arity: arity}]
	return op, ok
}

func buildOperators() map[operator]operator {
	same := []operator{
		{"Where", 2},
		{"Select", 2},
		{"OrderBy", 2},
		{"OrderByDescending", 2},
		{"ThenBy", 2},
		{"ThenByDescending", 2},
		{"GroupBy", 2},
		{"Join", 5},
		{"Skip", 2},
		{"Take", 2},
		{"Distinct", 1},
		{"Union", 2},
		{"Concat", 2},
		{"Intersect", 2},
		{"Except", 2},
		{"Count", 1},
		{"Count", 2},
		{"Any", 1},
		{"Any", 2},
		{"First", 1},
		{"Sum", 2},
		{"Min", 2},
		{"Max", 2},
		{"Average", 2},
		{"Contains", 2},
	}
	m := make(map[operator]operator, len(same)+1)
	for _, op := range same {
		m[op] = op
	}
	// A left join is a grouped join flattened with a default element.
	m[operator{"LeftJoin", 5}] = operator{"JoinLeftOuter", 5}
	return m
}
