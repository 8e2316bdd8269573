package cache

import (
	"context"
	"reflect"
	"sync"

	"github.com/cockroachdb/errors"

	"ormquery/internal/dbexec"
	"ormquery/internal/entity"
	"ormquery/internal/enumerable"
	"ormquery/internal/query"
)

// Snapshot is an in-memory copy of the store: the instances of each entity
// type, in a stable order. Compiled queries only read it, and never hand
// its instances to callers.
type Snapshot struct {
	mu   sync.RWMutex
	sets map[reflect.Type]enumerable.Seq
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{sets: make(map[reflect.Type]enumerable.Seq)}
}

// Add appends entity instances. Each instance is filed under its own type,
// which must match the element type queries read it with (*T).
func (s *Snapshot) Add(items ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range items {
		t := reflect.TypeOf(v)
		s.sets[t] = append(s.sets[t], v)
	}
}

// Set returns the instances stored for elem.
func (s *Snapshot) Set(elem reflect.Type) enumerable.Seq {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sets[elem]
}

// Len is the number of instances stored for elem.
func (s *Snapshot) Len(elem reflect.Type) int {
	return len(s.Set(elem))
}

// Load fills a snapshot with every registered entity read through exec,
// ordered by key.
func Load(ctx context.Context, exec *dbexec.Executor, reg *entity.Registry) (*Snapshot, error) {
	snap := NewSnapshot()
	for _, e := range reg.Entities() {
		q := query.FromType(e.PointerType())
		keys := e.KeyColumns()
		for i, col := range keys {
			v := q.Var("e")
			key := query.Fn(query.Field(v, col.Field), v)
			if i == 0 {
				q = q.OrderBy(key)
			} else {
				q = q.ThenBy(key)
			}
		}
		items, err := exec.Query(ctx, nil, q.Expr())
		if err != nil {
			return nil, errors.Wrapf(err, "load %s", e.Name)
		}
		seq, ok := items.(enumerable.Seq)
		if !ok {
			return nil, errors.AssertionFailedf("loading %s returned %T", e.Name, items)
		}
		snap.Add(seq...)
	}
	return snap, nil
}
