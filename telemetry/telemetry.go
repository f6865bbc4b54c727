// Package telemetry exposes process counters in Prometheus format.
package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eringen/sitepulse/ratelimit"
)

// Metrics holds the collectors registered by sitepulse. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	decisions      *prometheus.CounterVec
	ingested       *prometheus.CounterVec
	samples        prometheus.Counter
	activeSessions prometheus.Gauge
	leads          *prometheus.CounterVec
}

// New creates Metrics on a fresh registry that also carries the Go and
// process collectors.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limiter decisions by policy and outcome.",
		}, []string{"policy", "outcome"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analytics_events_total",
			Help:      "Ingested analytics records by kind.",
		}, []string{"kind"}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "performance_samples_total",
			Help:      "Performance samples folded into hourly buckets.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "analytics_active_sessions",
			Help:      "Sessions currently tracked in memory.",
		}),
		leads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leads_total",
			Help:      "Accepted contact and emergency form submissions.",
		}, []string{"form"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.decisions, m.ingested, m.samples, m.activeSessions, m.leads,
	)
	return m
}

// Record implements ratelimit.StatsStore.
func (m *Metrics) Record(_ context.Context, ev ratelimit.StatsEvent) error {
	if m == nil {
		return nil
	}
	outcome := "denied"
	if ev.Allowed {
		outcome = "allowed"
	}
	m.decisions.WithLabelValues(ev.Policy, outcome).Inc()
	return nil
}

// EventIngested counts one analytics record of the given kind.
func (m *Metrics) EventIngested(kind string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(kind).Inc()
}

// SampleRecorded counts one aggregated performance sample.
func (m *Metrics) SampleRecorded() {
	if m == nil {
		return
	}
	m.samples.Inc()
}

// SetActiveSessions reports the live session count.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// LeadAccepted counts one accepted form submission.
func (m *Metrics) LeadAccepted(form string) {
	if m == nil {
		return
	}
	m.leads.WithLabelValues(form).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
