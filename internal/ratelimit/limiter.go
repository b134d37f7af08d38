// Package ratelimit keeps one token bucket per caller.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultIdleTTL = 30 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out per-key limiters allowing perMinute requests with the
// given burst. A Limiter built with perMinute <= 0 allows everything.
type Limiter struct {
	limit rate.Limit
	burst int

	mu    sync.Mutex
	users map[string]*entry
	now   func() time.Time
}

func New(perMinute, burst int) *Limiter {
	l := &Limiter{
		users: make(map[string]*entry),
		now:   time.Now,
	}
	if perMinute <= 0 {
		l.limit = rate.Inf
		return l
	}
	if burst <= 0 {
		burst = 1
	}
	l.limit = rate.Limit(float64(perMinute) / 60.0)
	l.burst = burst
	return l
}

// Allow reports whether key may make a request now.
func (l *Limiter) Allow(key string) bool {
	if l.limit == rate.Inf {
		return true
	}
	l.mu.Lock()
	e, ok := l.users[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.users[key] = e
	}
	now := l.now()
	e.lastSeen = now
	l.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// Sweep drops limiters idle for longer than ttl and returns how many went.
func (l *Limiter) Sweep(ttl time.Duration) int {
	cutoff := l.now().Add(-ttl)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, e := range l.users {
		if e.lastSeen.Before(cutoff) {
			delete(l.users, key)
			n++
		}
	}
	return n
}

// Run sweeps idle limiters every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(defaultIdleTTL)
		}
	}
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}
