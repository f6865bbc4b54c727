// Package clock provides the time source and hour-bucket keys shared by the
// in-memory stores.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// HourKeyLayout is the time layout of an hour bucket key, e.g. "2026-10-18-14".
const HourKeyLayout = "2006-01-02-15"

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Real is a Clock backed by time.Now.
type Real struct{}

// Now returns the wall-clock time.
func (Real) Now() time.Time { return time.Now() }

// HourKey returns the hour bucket key for t, computed in UTC.
func HourKey(t time.Time) string {
	return t.UTC().Format(HourKeyLayout)
}

// ParseHourKey returns the start of the hour encoded by key.
func ParseHourKey(key string) (time.Time, error) {
	t, err := time.ParseInLocation(HourKeyLayout, key, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse hour key %q: %w", key, err)
	}
	return t, nil
}

// Manual is a Clock that only moves when told to. Safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock set to start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the clock's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}
