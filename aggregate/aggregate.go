// Package aggregate keeps hourly running statistics of web-vitals samples.
//
// Each hour bucket holds a count/sum/min/max accumulator per metric. Buckets
// older than the retention horizon are swept on write and by a janitor.
package aggregate

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/eringen/sitepulse/clock"
)

// MetricNames lists the metrics that are aggregated. Anything else in a
// sample is ignored.
var MetricNames = []string{"ttfb", "fcp", "lcp", "cls", "fid", "tti"}

// DefaultRetention is how long hour buckets are kept.
const DefaultRetention = 24 * time.Hour

// IsMetric reports whether name is an aggregated metric.
func IsMetric(name string) bool {
	for _, m := range MetricNames {
		if m == name {
			return true
		}
	}
	return false
}

// Accumulator is the running summary of one metric within one bucket.
type Accumulator struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Add folds v into the accumulator.
func (a *Accumulator) Add(v float64) {
	if a.Count == 0 {
		a.Min, a.Max = v, v
	} else {
		a.Min = math.Min(a.Min, v)
		a.Max = math.Max(a.Max, v)
	}
	a.Sum += v
	a.Count++
}

// Mean returns Sum/Count, or 0 for an empty accumulator.
func (a Accumulator) Mean() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// Aggregator maps hour bucket keys to per-metric accumulators.
// It is safe for concurrent use.
type Aggregator struct {
	mu        sync.Mutex
	buckets   map[string]map[string]*Accumulator
	clock     clock.Clock
	retention time.Duration
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

// WithRetention sets how long buckets are kept.
func WithRetention(d time.Duration) Option {
	return func(a *Aggregator) { a.retention = d }
}

// New creates an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		buckets:   make(map[string]map[string]*Accumulator),
		clock:     clock.Real{},
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RecordSample folds the whitelisted numeric metrics of sample into the
// current hour's bucket and returns that bucket's key. Unknown names and
// non-numeric or NaN values are skipped.
func (a *Aggregator) RecordSample(sample map[string]any) string {
	now := a.clock.Now()
	key := clock.HourKey(now)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.sweepLocked(now)

	bucket, ok := a.buckets[key]
	if !ok {
		bucket = make(map[string]*Accumulator)
		a.buckets[key] = bucket
	}
	for _, name := range MetricNames {
		v, ok := Numeric(sample[name])
		if !ok {
			continue
		}
		acc, ok := bucket[name]
		if !ok {
			acc = &Accumulator{}
			bucket[name] = acc
		}
		acc.Add(v)
	}
	return key
}

// Numeric converts a decoded JSON value to a finite float64.
func Numeric(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Len returns the number of live buckets.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buckets)
}

// Sweep deletes buckets older than the retention horizon and returns how
// many were deleted.
func (a *Aggregator) Sweep() int {
	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sweepLocked(now)
}

func (a *Aggregator) sweepLocked(now time.Time) int {
	cutoff := now.Add(-a.retention)
	removed := 0
	for key := range a.buckets {
		start, err := clock.ParseHourKey(key)
		if err != nil || start.Before(cutoff) {
			delete(a.buckets, key)
			removed++
		}
	}
	return removed
}

// StartJanitor sweeps old buckets every interval until ctx is cancelled.
// The returned channel is closed once the goroutine has exited.
func (a *Aggregator) StartJanitor(ctx context.Context, interval time.Duration) <-chan struct{} {
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
				if n := a.Sweep(); n > 0 {
					log.WithFields(log.Fields{"component": "aggregate", "removed": n}).Debug("swept expired buckets")
				}
			}
		}
	}()
	return done
}
