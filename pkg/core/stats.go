package core

import (
	"sort"
	"sync"
)

// Stats accumulates named counters from one or more backends. Backends only
// add to it; the caller owns it and reads it back.
type Stats struct {
	mu     sync.Mutex
	values map[string]int64
}

// StatEntry is one named counter.
type StatEntry struct {
	Name  string
	Value int64
}

// Add adds value to the counter called name.
func (s *Stats) Add(name string, value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]int64)
	}
	s.values[name] += value
}

// Get returns the current value of a counter.
func (s *Stats) Get(name string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	return v, ok
}

// Entries returns all counters sorted by name.
func (s *Stats) Entries() []StatEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StatEntry, 0, len(s.values))
	for name, v := range s.values {
		out = append(out, StatEntry{Name: name, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
