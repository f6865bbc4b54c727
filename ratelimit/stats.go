package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eringen/sitepulse/clock"
)

// StatsEvent describes one limiter decision.
type StatsEvent struct {
	Policy  string
	Key     string
	Allowed bool
	Method  string
	Path    string
	At      time.Time
}

// StatsStore records limiter decisions.
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}

// Counters holds allowed and denied totals.
type Counters struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

func (c *Counters) add(allowed bool) {
	if allowed {
		c.Allowed++
	} else {
		c.Denied++
	}
}

// MemoryStatsStore keeps decision counters in process memory.
type MemoryStatsStore struct {
	mu       sync.Mutex
	total    Counters
	byPolicy map[string]Counters
	byRoute  map[string]Counters
}

// NewMemoryStatsStore creates an empty MemoryStatsStore.
func NewMemoryStatsStore() *MemoryStatsStore {
	return &MemoryStatsStore{
		byPolicy: make(map[string]Counters),
		byRoute:  make(map[string]Counters),
	}
}

// Record implements StatsStore.
func (s *MemoryStatsStore) Record(_ context.Context, ev StatsEvent) error {
	route := ev.Method + " " + ev.Path

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev.Allowed)
	p := s.byPolicy[ev.Policy]
	p.add(ev.Allowed)
	s.byPolicy[ev.Policy] = p
	r := s.byRoute[route]
	r.add(ev.Allowed)
	s.byRoute[route] = r
	return nil
}

// Total returns the counters across all policies.
func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// ByPolicy returns a copy of the per-policy counters.
func (s *MemoryStatsStore) ByPolicy() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byPolicy))
	for k, v := range s.byPolicy {
		out[k] = v
	}
	return out
}

// ByRoute returns a copy of the per-route counters keyed by "METHOD path".
func (s *MemoryStatsStore) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byRoute))
	for k, v := range s.byRoute {
		out[k] = v
	}
	return out
}

// RedisStatsStore mirrors decision counters into Redis so several instances
// can be observed together. Hour buckets expire after ttl.
type RedisStatsStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisStatsOption configures a RedisStatsStore.
type RedisStatsOption func(*RedisStatsStore)

// WithStatsPrefix sets the key prefix (default "sitepulse:ratelimit").
func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithStatsTTL sets how long hour buckets live (default 24h).
func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

// NewRedisStatsStore creates a RedisStatsStore on top of rdb.
func NewRedisStatsStore(rdb *redis.Client, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "sitepulse:ratelimit",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HourKey returns the Redis key holding the counters for the hour of t.
func (s *RedisStatsStore) HourKey(t time.Time) string {
	return fmt.Sprintf("%s:hour:%s", s.prefix, clock.HourKey(t))
}

// Record implements StatsStore.
func (s *RedisStatsStore) Record(ctx context.Context, ev StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)

	bucket := s.HourKey(at)
	pipe.HIncrBy(ctx, bucket, field, 1)
	if ev.Policy != "" {
		pipe.HIncrBy(ctx, bucket, ev.Policy+":"+field, 1)
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, bucket, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record rate limit stats: %w", err)
	}
	return nil
}

// MultiStats fans a decision out to several stores.
type MultiStats []StatsStore

// Record implements StatsStore. Every store is tried; errors are joined.
func (m MultiStats) Record(ctx context.Context, ev StatsEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
