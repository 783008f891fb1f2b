package subindex

import "sync"

// SyncSet is a mutex guarded string set.
type SyncSet struct {
	mu sync.Mutex
	m  map[string]struct{}
}

// NewSyncSet returns a set holding items.
func NewSyncSet(items ...string) *SyncSet {
	s := &SyncSet{m: make(map[string]struct{}, len(items))}
	for _, it := range items {
		s.m[it] = struct{}{}
	}
	return s
}

// Add inserts items.
func (s *SyncSet) Add(items ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		s.m[it] = struct{}{}
	}
}

// Subtract removes items.
func (s *SyncSet) Subtract(items ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		delete(s.m, it)
	}
}

func (s *SyncSet) Has(item string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[item]
	return ok
}

func (s *SyncSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// Snapshot copies the current members. Callers may iterate it while the set
// keeps changing.
func (s *SyncSet) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.m))
	for it := range s.m {
		out = append(out, it)
	}
	return out
}
