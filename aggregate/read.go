package aggregate

import (
	"math"
	"sort"
	"time"

	"github.com/eringen/sitepulse/clock"
)

// MetricSummary is a read-back copy of an Accumulator.
type MetricSummary struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

// Bucket is one hour of aggregated samples.
type Bucket struct {
	Key     string                   `json:"key"`
	Metrics map[string]MetricSummary `json:"metrics"`
}

// Stats summarises one metric across a range of buckets.
type Stats struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
	P90 float64 `json:"p90"`
}

// Range is the result of ReadRange.
type Range struct {
	Buckets []Bucket         `json:"buckets"`
	Stats   map[string]Stats `json:"stats"`
}

// ReadRange returns the buckets of the last hours hours, oldest first,
// together with their derived statistics. Hours without samples are
// omitted rather than zero-filled.
func (a *Aggregator) ReadRange(hours int) Range {
	now := a.clock.Now()

	a.mu.Lock()
	buckets := make([]Bucket, 0, max(hours, 0))
	for i := 0; i < hours; i++ {
		key := clock.HourKey(now.Add(-time.Duration(i) * time.Hour))
		accs, ok := a.buckets[key]
		if !ok {
			continue
		}
		b := Bucket{Key: key, Metrics: make(map[string]MetricSummary, len(accs))}
		for name, acc := range accs {
			b.Metrics[name] = MetricSummary{
				Count: acc.Count,
				Sum:   acc.Sum,
				Min:   acc.Min,
				Max:   acc.Max,
				Avg:   acc.Mean(),
			}
		}
		buckets = append(buckets, b)
	}
	a.mu.Unlock()

	for i, j := 0, len(buckets)-1; i < j; i, j = i+1, j-1 {
		buckets[i], buckets[j] = buckets[j], buckets[i]
	}
	return Range{Buckets: buckets, Stats: CalculateStats(buckets)}
}

// CalculateStats derives per-metric statistics from the bucket means.
//
// Avg is the mean of the per-bucket means and the percentiles are taken over
// the sorted per-bucket means, not over raw samples. Dashboards depend on
// these exact numbers.
func CalculateStats(buckets []Bucket) map[string]Stats {
	out := make(map[string]Stats)
	for _, name := range MetricNames {
		var means []float64
		for _, b := range buckets {
			m, ok := b.Metrics[name]
			if !ok || m.Count == 0 {
				continue
			}
			means = append(means, m.Avg)
		}
		if len(means) == 0 {
			continue
		}
		sort.Float64s(means)

		var sum float64
		for _, v := range means {
			sum += v
		}
		out[name] = Stats{
			Avg: sum / float64(len(means)),
			Min: means[0],
			Max: means[len(means)-1],
			P50: Percentile(means, 0.50),
			P75: Percentile(means, 0.75),
			P90: Percentile(means, 0.90),
		}
	}
	return out
}

// Percentile returns sorted[ceil(n*p)-1], clamped to the slice bounds.
// sorted must be ascending and p within [0, 1].
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
