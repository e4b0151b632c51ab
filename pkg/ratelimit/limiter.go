// Package ratelimit throttles execute requests per principal at the API
// edge. It is deliberately separate from spending quotas: those are policy
// state in the ledger, this is request-volume protection for the service.
package ratelimit

import (
	"sync"
	"time"
)

// Decision reports the outcome of one Allow call. ResetAt is when the
// current window rolls over.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// FixedWindow counts requests per key within coarse fixed windows. It is
// the single-process limiter and the fallback when redis is down.
type FixedWindow struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	buckets map[string]bucket
}

type bucket struct {
	used    int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *FixedWindow {
	if window <= 0 {
		window = time.Minute
	}
	return &FixedWindow{
		window:  window,
		now:     func() time.Time { return time.Now().UTC() },
		buckets: make(map[string]bucket),
	}
}

func (f *FixedWindow) Allow(key string, limit int) Decision {
	if limit < 1 {
		limit = 1
	}
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		f.prune(now)
		b = bucket{resetAt: now.Add(f.window)}
	}
	b.used++
	f.buckets[key] = b
	return verdict(b.used, limit, b.resetAt)
}

func (f *FixedWindow) prune(now time.Time) {
	for key, b := range f.buckets {
		if !now.Before(b.resetAt) {
			delete(f.buckets, key)
		}
	}
}

func verdict(used, limit int, resetAt time.Time) Decision {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   used <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
