// Package eventlog implements a bounded, append-only record log that keeps
// the most recent records and drops the oldest first.
package eventlog

import (
	"sync"
	"time"
)

// Log holds at most Cap records of type T in insertion order.
// It is safe for concurrent use.
type Log[T any] struct {
	mu    sync.Mutex
	buf   []T
	start int // index of the oldest record
	n     int
}

// New creates a Log that retains the last capacity records.
// A capacity below 1 is treated as 1.
func New[T any](capacity int) *Log[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Log[T]{buf: make([]T, capacity)}
}

// Cap returns the maximum number of retained records.
func (l *Log[T]) Cap() int { return len(l.buf) }

// Len returns the number of retained records.
func (l *Log[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// Append adds rec as the newest record, evicting the oldest one when full.
func (l *Log[T]) Append(rec T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.n < len(l.buf) {
		l.buf[(l.start+l.n)%len(l.buf)] = rec
		l.n++
		return
	}
	l.buf[l.start] = rec
	l.start = (l.start + 1) % len(l.buf)
}

// Query returns up to limit of the newest records accepted by filter, oldest
// first. A nil filter accepts everything; a limit below 1 means no limit.
func (l *Log[T]) Query(filter func(T) bool, limit int) []T {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]T, 0, min(l.n, max(limit, 0)))
	for i := l.n - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		rec := l.buf[(l.start+i)%len(l.buf)]
		if filter == nil || filter(rec) {
			out = append(out, rec)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Snapshot returns a copy of every retained record, oldest first.
func (l *Log[T]) Snapshot() []T {
	return l.Query(nil, 0)
}

// PruneBefore drops every record whose timestamp, as reported by ts, is
// before cutoff. Survivors keep their relative order. It returns the number
// of records removed.
func (l *Log[T]) PruneBefore(cutoff time.Time, ts func(T) time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for i := 0; i < l.n; i++ {
		if ts(l.buf[(l.start+i)%len(l.buf)]).Before(cutoff) {
			removed++
		}
	}
	if removed == 0 {
		return 0
	}

	kept := make([]T, 0, l.n-removed)
	for i := 0; i < l.n; i++ {
		rec := l.buf[(l.start+i)%len(l.buf)]
		if !ts(rec).Before(cutoff) {
			kept = append(kept, rec)
		}
	}

	var zero T
	for i := range l.buf {
		l.buf[i] = zero
	}
	copy(l.buf, kept)
	l.start = 0
	l.n = len(kept)
	return removed
}
