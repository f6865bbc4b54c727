// Package funnel tracks visitor sessions, page views, funnel progress and
// conversions in memory.
package funnel

import (
	"sort"
	"sync"
	"time"

	"github.com/eringen/sitepulse/clock"
	"github.com/eringen/sitepulse/eventlog"
)

// Event types accepted by RecordEvent.
const (
	TypeEvent      = "event"
	TypePageview   = "pageview"
	TypeConversion = "conversion"
	TypeIdentify   = "identify"
	TypeFunnel     = "funnel"
)

// Defaults used by New.
const (
	DefaultSessionTimeout   = 30 * time.Minute
	DefaultAlertThreshold   = 2.0 // percent
	DefaultMaxSessionEvents = 200
	DefaultConversionLog    = 1000
)

// ValidType reports whether t is a known event type.
func ValidType(t string) bool {
	switch t {
	case TypeEvent, TypePageview, TypeConversion, TypeIdentify, TypeFunnel:
		return true
	}
	return false
}

// Event is one tracked interaction.
type Event struct {
	Type      string         `json:"type"`
	Name      string         `json:"name,omitempty"`
	Page      string         `json:"page,omitempty"`
	Step      string         `json:"step,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	Value     float64        `json:"value,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// FunnelStep is one entry in a session's funnel history.
type FunnelStep struct {
	Step      string    `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversion is a recorded conversion event.
type Conversion struct {
	SessionID string         `json:"sessionId"`
	Goal      string         `json:"goal"`
	Value     float64        `json:"value"`
	Page      string         `json:"page,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type session struct {
	id             string
	userID         string
	startTime      time.Time
	lastActivity   time.Time
	events         []Event
	eventCount     int
	pageViews      int
	lastPage       string
	funnelProgress []FunnelStep
	converted      bool
}

// Alert is emitted when the conversion rate falls below the threshold.
type Alert struct {
	Rate        float64
	Threshold   float64
	Conversions int
	Sessions    int
	At          time.Time
}

// Notifier receives low-conversion alerts. Notify must not block.
type Notifier interface {
	Notify(Alert)
}

// Tracker owns the session table. It is safe for concurrent use.
type Tracker struct {
	mu          sync.Mutex
	sessions    map[string]*session
	conversions *eventlog.Log[Conversion]

	totalSessions  int
	totalEvents    int
	pageViews      int
	convCount      int
	pageViewsByURL map[string]int
	stepCounts     map[string]int

	clock            clock.Clock
	timeout          time.Duration
	alertThreshold   float64
	maxSessionEvents int
	notifier         Notifier
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(t *Tracker) { t.clock = c } }

// WithSessionTimeout sets the idle time after which a session is evicted.
func WithSessionTimeout(d time.Duration) Option { return func(t *Tracker) { t.timeout = d } }

// WithAlertThreshold sets the conversion rate, in percent, below which an
// alert is raised on each conversion.
func WithAlertThreshold(pct float64) Option { return func(t *Tracker) { t.alertThreshold = pct } }

// WithNotifier sets the alert receiver.
func WithNotifier(n Notifier) Option { return func(t *Tracker) { t.notifier = n } }

// WithMaxSessionEvents bounds the per-session event history.
func WithMaxSessionEvents(n int) Option { return func(t *Tracker) { t.maxSessionEvents = n } }

// New creates an empty Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		sessions:         make(map[string]*session),
		conversions:      eventlog.New[Conversion](DefaultConversionLog),
		pageViewsByURL:   make(map[string]int),
		stepCounts:       make(map[string]int),
		clock:            clock.Real{},
		timeout:          DefaultSessionTimeout,
		alertThreshold:   DefaultAlertThreshold,
		maxSessionEvents: DefaultMaxSessionEvents,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordEvent applies ev to the session sessionID, creating it if needed,
// then evicts sessions idle longer than the timeout.
func (t *Tracker) RecordEvent(sessionID string, ev Event) {
	now := t.clock.Now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	var alert *Alert

	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	if !ok {
		s = &session{id: sessionID, startTime: now}
		t.sessions[sessionID] = s
		t.totalSessions++
	}
	s.lastActivity = now
	s.eventCount++
	s.events = append(s.events, ev)
	if over := len(s.events) - t.maxSessionEvents; t.maxSessionEvents > 0 && over > 0 {
		s.events = append(s.events[:0:0], s.events[over:]...)
	}
	t.totalEvents++

	switch ev.Type {
	case TypePageview:
		s.pageViews++
		s.lastPage = ev.Page
		t.pageViews++
		t.pageViewsByURL[ev.Page]++
	case TypeFunnel:
		s.funnelProgress = append(s.funnelProgress, FunnelStep{Step: ev.Step, Timestamp: ev.Timestamp})
		t.stepCounts[ev.Step]++
	case TypeIdentify:
		s.userID = ev.UserID
	case TypeConversion:
		s.converted = true
		t.convCount++
		t.conversions.Append(Conversion{
			SessionID: sessionID,
			Goal:      ev.Name,
			Value:     ev.Value,
			Page:      ev.Page,
			Data:      ev.Data,
			Timestamp: ev.Timestamp,
		})
		rate := t.conversionRateLocked()
		if rate < t.alertThreshold {
			alert = &Alert{
				Rate:        rate,
				Threshold:   t.alertThreshold,
				Conversions: t.convCount,
				Sessions:    len(t.sessions),
				At:          now,
			}
		}
	}

	t.sweepLocked(now)
	t.mu.Unlock()

	if alert != nil && t.notifier != nil {
		t.notifier.Notify(*alert)
	}
}

// conversionRateLocked returns conversions per live session, in percent.
func (t *Tracker) conversionRateLocked() float64 {
	if len(t.sessions) == 0 {
		return 0
	}
	return float64(t.convCount) / float64(len(t.sessions)) * 100
}

func (t *Tracker) sweepLocked(now time.Time) int {
	removed := 0
	for id, s := range t.sessions {
		if now.Sub(s.lastActivity) > t.timeout {
			delete(t.sessions, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Has reports whether sessionID is live.
func (t *Tracker) Has(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[sessionID]
	return ok
}

// PageCount is a page and its view count.
type PageCount struct {
	Page  string `json:"page"`
	Views int    `json:"views"`
}

// Summary is an overview of tracked activity.
type Summary struct {
	TotalSessions  int            `json:"totalSessions"`
	ActiveSessions int            `json:"activeSessions"`
	TotalEvents    int            `json:"totalEvents"`
	PageViews      int            `json:"pageViews"`
	Conversions    int            `json:"conversions"`
	ConversionRate float64        `json:"conversionRate"`
	TopPages       []PageCount    `json:"topPages"`
	FunnelSteps    map[string]int `json:"funnelSteps"`
}

// Summary returns aggregate counters. TopPages holds at most ten entries,
// most viewed first.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	pages := make([]PageCount, 0, len(t.pageViewsByURL))
	for page, n := range t.pageViewsByURL {
		pages = append(pages, PageCount{Page: page, Views: n})
	}
	sort.Slice(pages, func(i, j int) bool {
		if pages[i].Views != pages[j].Views {
			return pages[i].Views > pages[j].Views
		}
		return pages[i].Page < pages[j].Page
	})
	if len(pages) > 10 {
		pages = pages[:10]
	}

	steps := make(map[string]int, len(t.stepCounts))
	for k, v := range t.stepCounts {
		steps[k] = v
	}

	return Summary{
		TotalSessions:  t.totalSessions,
		ActiveSessions: len(t.sessions),
		TotalEvents:    t.totalEvents,
		PageViews:      t.pageViews,
		Conversions:    t.convCount,
		ConversionRate: t.conversionRateLocked(),
		TopPages:       pages,
		FunnelSteps:    steps,
	}
}

// SessionView is a read-only copy of one session.
type SessionView struct {
	ID             string       `json:"sessionId"`
	UserID         string       `json:"userId,omitempty"`
	StartTime      time.Time    `json:"startTime"`
	LastActivity   time.Time    `json:"lastActivity"`
	EventCount     int          `json:"eventCount"`
	PageViews      int          `json:"pageViews"`
	LastPage       string       `json:"lastPage,omitempty"`
	FunnelProgress []FunnelStep `json:"funnelProgress"`
	Converted      bool         `json:"converted"`
}

// Sessions returns up to limit live sessions, most recently active first.
// A limit below 1 returns all of them.
func (t *Tracker) Sessions(limit int) []SessionView {
	t.mu.Lock()
	out := make([]SessionView, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, SessionView{
			ID:             s.id,
			UserID:         s.userID,
			StartTime:      s.startTime,
			LastActivity:   s.lastActivity,
			EventCount:     s.eventCount,
			PageViews:      s.pageViews,
			LastPage:       s.lastPage,
			FunnelProgress: append([]FunnelStep(nil), s.funnelProgress...),
			Converted:      s.converted,
		})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Events returns a copy of the retained events of sessionID.
func (t *Tracker) Events(sessionID string) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]Event(nil), s.events...)
}

// Conversions returns up to limit of the most recent conversions, oldest first.
func (t *Tracker) Conversions(limit int) []Conversion {
	return t.conversions.Query(nil, limit)
}
