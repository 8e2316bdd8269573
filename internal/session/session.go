// Package session holds per-caller state shared by both execution backends:
// an identity map that hands out one instance per logical record.
package session

import (
	"sync"

	"ormquery/internal/entity"
)

// Session is an identity map keyed by entity identity. It is safe for
// concurrent use.
type Session struct {
	mu       sync.Mutex
	entities map[entity.Key]interface{}
}

// New returns an empty session.
func New() *Session {
	return &Session{entities: make(map[entity.Key]interface{})}
}

// Track returns the session's instance for v's key. The first instance seen
// for a key becomes the session's instance.
func (s *Session) Track(e *entity.Entity, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	key, err := e.Key(v)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entities[key]; ok {
		return existing, nil
	}
	s.entities[key] = v
	return v, nil
}

// Lookup returns the tracked instance for key.
func (s *Session) Lookup(key entity.Key) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entities[key]
	return v, ok
}

// Len is the number of tracked entities.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}
