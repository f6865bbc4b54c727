// Package performance collects web-vitals samples from the browser.
package performance

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eringen/sitepulse/aggregate"
	"github.com/eringen/sitepulse/apierr"
	"github.com/eringen/sitepulse/clock"
	"github.com/eringen/sitepulse/eventlog"
	"github.com/eringen/sitepulse/telemetry"
)

const (
	// DefaultCapacity is how many raw samples are retained.
	DefaultCapacity = 1000
	recentLimit     = 100
	maxHours        = 24
	maxPageLen      = 2048
)

// Sample is one raw performance report.
type Sample struct {
	Page       string             `json:"page"`
	Metrics    map[string]float64 `json:"metrics"`
	Connection string             `json:"connection,omitempty"`
	UserAgent  string             `json:"userAgent,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Handler serves the performance endpoints.
type Handler struct {
	samples *eventlog.Log[Sample]
	agg     *aggregate.Aggregator
	metrics *telemetry.Metrics
	clock   clock.Clock
}

// Option configures a Handler.
type Option func(*Handler)

// WithCapacity bounds the raw sample log to n entries.
func WithCapacity(n int) Option {
	return func(h *Handler) { h.samples = eventlog.New[Sample](n) }
}

// WithClock sets the time source used to stamp samples.
func WithClock(c clock.Clock) Option { return func(h *Handler) { h.clock = c } }

// WithMetrics counts ingested samples on m.
func WithMetrics(m *telemetry.Metrics) Option { return func(h *Handler) { h.metrics = m } }

// NewHandler creates a handler that stores raw samples locally and hourly
// aggregates in agg.
func NewHandler(agg *aggregate.Aggregator, opts ...Option) *Handler {
	h := &Handler{
		samples: eventlog.New[Sample](DefaultCapacity),
		agg:     agg,
		clock:   clock.Real{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts the performance endpoints on api.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/performance", h.Record)
	api.GET("/performance", h.List)
	api.POST("/performance/aggregate", h.RecordAggregate)
	api.GET("/performance/aggregate", h.ReadAggregate)
}

// metricFields returns the object holding the metric values: the nested
// "metrics" object when present, otherwise the payload itself.
func metricFields(payload map[string]any) map[string]any {
	if nested, ok := payload["metrics"].(map[string]any); ok {
		return nested
	}
	return payload
}

func decodePayload(c echo.Context) (map[string]any, error) {
	var payload map[string]any
	if err := json.NewDecoder(c.Request().Body).Decode(&payload); err != nil || payload == nil {
		return nil, apierr.Invalid("body", "must be a JSON object")
	}
	return payload, nil
}

func stringValue(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := payload[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func noMetricsError() error {
	return apierr.Invalid("metrics", "must contain at least one of "+strings.Join(aggregate.MetricNames, ", "))
}

// Record stores one raw sample.
func (h *Handler) Record(c echo.Context) error {
	payload, err := decodePayload(c)
	if err != nil {
		return apierr.Respond(c, err)
	}

	fields := metricFields(payload)
	values := make(map[string]float64, len(aggregate.MetricNames))
	for _, name := range aggregate.MetricNames {
		if v, ok := aggregate.Numeric(fields[name]); ok {
			values[name] = v
		}
	}
	if len(values) == 0 {
		return apierr.Respond(c, noMetricsError())
	}

	page := stringValue(payload, "page", "url", "path")
	if len(page) > maxPageLen {
		return apierr.Respond(c, apierr.Invalid("page", "exceeds maximum length of "+strconv.Itoa(maxPageLen)))
	}
	if page == "" {
		page = "/"
	}

	h.samples.Append(Sample{
		Page:       page,
		Metrics:    values,
		Connection: stringValue(payload, "connection", "connectionType"),
		UserAgent:  c.Request().UserAgent(),
		Timestamp:  h.clock.Now().UTC(),
	})
	h.metrics.SampleRecorded()

	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

// List returns the most recent samples and per-metric averages, optionally
// restricted to one page.
func (h *Handler) List(c echo.Context) error {
	var filter func(Sample) bool
	if page := c.QueryParam("page"); page != "" {
		filter = func(s Sample) bool { return s.Page == page }
	}
	matching := h.samples.Query(filter, 0)

	recent := matching
	if len(recent) > recentLimit {
		recent = recent[len(recent)-recentLimit:]
	}

	return c.JSON(http.StatusOK, map[string]any{
		"metrics":  recent,
		"averages": Averages(matching),
		"count":    len(matching),
	})
}

// Averages returns the mean of each metric across samples. Metrics with no
// values are omitted.
func Averages(samples []Sample) map[string]float64 {
	accs := make(map[string]*aggregate.Accumulator)
	for _, s := range samples {
		for name, v := range s.Metrics {
			acc, ok := accs[name]
			if !ok {
				acc = &aggregate.Accumulator{}
				accs[name] = acc
			}
			acc.Add(v)
		}
	}
	out := make(map[string]float64, len(accs))
	for name, acc := range accs {
		out[name] = acc.Mean()
	}
	return out
}

// RecordAggregate folds one sample into the current hourly bucket. Unknown
// or non-numeric metrics are ignored.
func (h *Handler) RecordAggregate(c echo.Context) error {
	payload, err := decodePayload(c)
	if err != nil {
		return apierr.Respond(c, err)
	}

	key := h.agg.RecordSample(metricFields(payload))
	h.metrics.SampleRecorded()

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"bucket":  key,
	})
}

// ReadAggregate returns the hourly buckets of the last ?hours= hours
// (default and maximum 24) with their derived statistics.
func (h *Handler) ReadAggregate(c echo.Context) error {
	hours := maxHours
	if s := c.QueryParam("hours"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return apierr.Respond(c, apierr.Invalid("hours", "must be an integer"))
		}
		hours = min(max(n, 1), maxHours)
	}

	r := h.agg.ReadRange(hours)
	return c.JSON(http.StatusOK, map[string]any{
		"buckets": r.Buckets,
		"stats":   r.Stats,
		"hours":   hours,
	})
}
