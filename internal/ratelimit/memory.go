package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps admission logs in process memory, one slice per key.
type MemoryStore struct {
	mu           sync.Mutex
	entries      map[Key]*windowLog
	limit        int
	window       time.Duration
	idleTTL      time.Duration
	cleanupEvery time.Duration
	now          func() time.Time
}

type windowLog struct {
	admitted []time.Time
	lastSeen time.Time
}

// MemoryOption customises a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithIdleTTL sets how long an idle key is kept. Values shorter than the window are raised to it.
func WithIdleTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.idleTTL = d }
}

// WithCleanupEvery sets the janitor interval.
func WithCleanupEvery(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.cleanupEvery = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore admits at most limit requests per key in any window-long span.
func NewMemoryStore(limit int, window time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:      make(map[Key]*windowLog),
		limit:        limit,
		window:       window,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.idleTTL < s.window {
		s.idleTTL = s.window
	}
	return s
}

// Limit returns the number of admissions allowed per window.
func (s *MemoryStore) Limit() int { return s.limit }

// Take implements Store.
func (s *MemoryStore) Take(_ context.Context, key Key) (Decision, error) {
	now := s.now()
	cutoff := now.Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.entries[key]
	if !ok {
		log = &windowLog{}
		s.entries[key] = log
	}
	log.lastSeen = now

	// admissions at or before cutoff have left the window
	drop := 0
	for drop < len(log.admitted) && !log.admitted[drop].After(cutoff) {
		drop++
	}
	log.admitted = log.admitted[drop:]

	if len(log.admitted) < s.limit {
		log.admitted = append(log.admitted, now)
		return Decision{Allowed: true, Remaining: s.limit - len(log.admitted)}, nil
	}

	retry := s.window
	if len(log.admitted) > 0 {
		retry = log.admitted[0].Add(s.window).Sub(now)
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}

// Cleanup drops keys that have been idle longer than the idle TTL.
func (s *MemoryStore) Cleanup() {
	cutoff := s.now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, log := range s.entries {
		if log.lastSeen.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StartJanitor runs Cleanup periodically until ctx is cancelled.
func (s *MemoryStore) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}
