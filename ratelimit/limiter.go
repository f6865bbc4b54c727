// Package ratelimit implements a fixed-window request limiter keyed by client
// identity and route, plus the Echo middleware that enforces it.
package ratelimit

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/eringen/sitepulse/clock"
)

// DefaultSweepThreshold is the table size at which Check sweeps expired
// entries before serving the request. While the table stays that large the
// sweep is skipped until the earliest tracked window could have ended.
const DefaultSweepThreshold = 1000

// Decision is the outcome of a single Check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetTime time.Time
}

// RetryAfter returns how long the caller must wait before the window resets,
// measured from now. It never returns less than one second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetTime.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait
}

type entry struct {
	count     int
	resetTime time.Time
}

// Limiter is a per-key fixed-window counter. It is safe for concurrent use.
type Limiter struct {
	mu             sync.Mutex
	entries        map[string]*entry
	clock          clock.Clock
	sweepThreshold int
	// nextSweep is a lower bound on every tracked resetTime.
	nextSweep time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source used for windows.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithSweepThreshold sets the table size that triggers an inline sweep.
func WithSweepThreshold(n int) Option {
	return func(l *Limiter) { l.sweepThreshold = n }
}

// New creates an empty Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		entries:        make(map[string]*entry),
		clock:          clock.Real{},
		sweepThreshold: DefaultSweepThreshold,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check counts a request for key against limit requests per window.
// A key with no entry, or whose window has elapsed, starts a fresh window.
// Denied requests are not counted.
func (l *Limiter) Check(key string, limit int, window time.Duration) Decision {
	if limit < 1 {
		limit = 1
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sweepThreshold > 0 && len(l.entries) >= l.sweepThreshold && !now.Before(l.nextSweep) {
		l.sweepLocked(now)
	}

	e, ok := l.entries[key]
	if !ok || !now.Before(e.resetTime) {
		e = &entry{count: 1, resetTime: now.Add(window)}
		l.entries[key] = e
		if len(l.entries) == 1 || e.resetTime.Before(l.nextSweep) {
			l.nextSweep = e.resetTime
		}
		return Decision{Allowed: true, Limit: limit, Remaining: limit - 1, ResetTime: e.resetTime}
	}

	if e.count >= limit {
		return Decision{Allowed: false, Limit: limit, Remaining: 0, ResetTime: e.resetTime}
	}
	e.count++
	return Decision{Allowed: true, Limit: limit, Remaining: limit - e.count, ResetTime: e.resetTime}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Sweep removes every entry whose window has passed and returns how many
// were removed.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(now)
}

func (l *Limiter) sweepLocked(now time.Time) int {
	removed := 0
	var earliest time.Time
	for key, e := range l.entries {
		if !now.Before(e.resetTime) {
			delete(l.entries, key)
			removed++
			continue
		}
		if earliest.IsZero() || e.resetTime.Before(earliest) {
			earliest = e.resetTime
		}
	}
	l.nextSweep = earliest
	return removed
}

// StartJanitor sweeps the table every interval until ctx is cancelled.
// The returned channel is closed once the janitor goroutine has exited.
func (l *Limiter) StartJanitor(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		close(done)
		return done
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.Sweep(); n > 0 {
					log.WithFields(log.Fields{"component": "ratelimit", "removed": n}).Debug("swept expired windows")
				}
			}
		}
	}()
	return done
}
