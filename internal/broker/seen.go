package broker

import (
	"sync"
	"time"
)

// Seen remembers delivery ids for a TTL so a redelivered record is applied once.
type Seen struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time
	ids map[string]time.Time
}

func NewSeen(ttl time.Duration, now func() time.Time) *Seen {
	if now == nil {
		now = time.Now
	}
	return &Seen{ttl: ttl, now: now, ids: make(map[string]time.Time)}
}

// Mark records id and reports whether it was not already seen.
func (s *Seen) Mark(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.ids[id]; ok && now.Before(exp) {
		return false
	}
	s.ids[id] = now.Add(s.ttl)
	return true
}

// Sweep forgets expired ids and returns how many were dropped.
func (s *Seen) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for id, exp := range s.ids {
		if !now.Before(exp) {
			delete(s.ids, id)
			n++
		}
	}
	return n
}

func (s *Seen) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
