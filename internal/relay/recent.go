package relay

import (
	"sync"
	"time"
)

const defaultRecentMax = 10000

// RecentSet remembers message keys admitted within a sliding window so a
// redelivered notification is not linked twice. It is process-local. A nil
// *RecentSet admits everything.
type RecentSet struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	now    func() time.Time
	seen   map[string]time.Time
}

// NewRecentSet returns nil when window is not positive, which disables the
// guard.
func NewRecentSet(window time.Duration, max int) *RecentSet {
	if window <= 0 {
		return nil
	}
	if max <= 0 {
		max = defaultRecentMax
	}
	return &RecentSet{
		window: window,
		max:    max,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// Admit records key and reports whether it was absent from the window.
func (s *RecentSet) Admit(key string) bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if at, ok := s.seen[key]; ok && now.Sub(at) < s.window {
		return false
	}
	s.pruneLocked(now)
	if len(s.seen) >= s.max {
		s.evictOldestLocked()
	}
	s.seen[key] = now
	return true
}

// Forget drops key so the next delivery is processed again.
func (s *RecentSet) Forget(key string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, key)
}

func (s *RecentSet) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *RecentSet) pruneLocked(now time.Time) {
	for key, at := range s.seen {
		if now.Sub(at) >= s.window {
			delete(s.seen, key)
		}
	}
}

func (s *RecentSet) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, at := range s.seen {
		if first || at.Before(oldest) {
			oldestKey, oldest, first = key, at, false
		}
	}
	if !first {
		delete(s.seen, oldestKey)
	}
}
