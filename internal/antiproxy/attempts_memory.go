package antiproxy

import (
	"context"
	"sort"
	"sync"
	"time"
)

type attemptEntry struct {
	attempts []Attempt
	expires  time.Time
}

type sightingKey struct {
	sessionID   string
	fingerprint string
}

// MemoryAttemptStore is a process-local AttemptStore. Entries expire ttl
// after their last write; expired entries are swept on write and by Prune.
type MemoryAttemptStore struct {
	mu        sync.Mutex
	limit     int
	ttl       time.Duration
	now       func() time.Time
	attempts  map[AttemptKey]*attemptEntry
	sightings map[sightingKey]map[string]time.Time
	lastSweep time.Time
}

func NewMemoryAttemptStore(limit int, ttl time.Duration, now func() time.Time) *MemoryAttemptStore {
	if limit <= 0 {
		limit = 10
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryAttemptStore{
		limit:     limit,
		ttl:       ttl,
		now:       now,
		attempts:  make(map[AttemptKey]*attemptEntry),
		sightings: make(map[sightingKey]map[string]time.Time),
	}
}

func (s *MemoryAttemptStore) Append(_ context.Context, key AttemptKey, a Attempt) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.maybeSweep(now)

	e, ok := s.attempts[key]
	if !ok || !now.Before(e.expires) {
		e = &attemptEntry{}
		s.attempts[key] = e
	}
	e.attempts = append(e.attempts, a)
	if over := len(e.attempts) - s.limit; over > 0 {
		e.attempts = append([]Attempt(nil), e.attempts[over:]...)
	}
	e.expires = now.Add(s.ttl)
	return len(e.attempts), nil
}

func (s *MemoryAttemptStore) Count(_ context.Context, key AttemptKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.attempts[key]
	if !ok || !s.now().Before(e.expires) {
		return 0, nil
	}
	return len(e.attempts), nil
}

// Attempts returns a copy of the stored attempts for key, oldest first.
func (s *MemoryAttemptStore) Attempts(key AttemptKey) []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.attempts[key]
	if !ok || !s.now().Before(e.expires) {
		return nil
	}
	return append([]Attempt(nil), e.attempts...)
}

func (s *MemoryAttemptStore) Sight(_ context.Context, sessionID, fingerprint, studentID string, at, since time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeSweep(s.now())

	k := sightingKey{sessionID: sessionID, fingerprint: fingerprint}
	students, ok := s.sightings[k]
	if !ok {
		students = make(map[string]time.Time)
		s.sightings[k] = students
	}

	var out []string
	for id, seen := range students {
		if id != studentID && !seen.Before(since) {
			out = append(out, id)
		}
	}
	students[studentID] = at
	sort.Strings(out)
	return out, nil
}

// Prune drops expired attempt lists and sightings and returns how many
// attempt lists were removed.
func (s *MemoryAttemptStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweep(s.now())
}

// Len is the number of live attempt lists.
func (s *MemoryAttemptStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

func (s *MemoryAttemptStore) maybeSweep(now time.Time) {
	if now.Sub(s.lastSweep) < time.Minute {
		return
	}
	s.sweep(now)
}

func (s *MemoryAttemptStore) sweep(now time.Time) int {
	s.lastSweep = now
	removed := 0
	for k, e := range s.attempts {
		if !now.Before(e.expires) {
			delete(s.attempts, k)
			removed++
		}
	}
	cutoff := now.Add(-s.ttl)
	for k, students := range s.sightings {
		for id, at := range students {
			if at.Before(cutoff) {
				delete(students, id)
			}
		}
		if len(students) == 0 {
			delete(s.sightings, k)
		}
	}
	return removed
}
