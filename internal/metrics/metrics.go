// Package metrics exposes ledger counters and latencies to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"agora/api/internal/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	votes       *prometheus.CounterVec
	comments    *prometheus.CounterVec
	persuasions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	subscribers prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWith(reg, reg)
}

func NewWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		votes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agora_votes_total",
			Help: "Vote requests by outcome.",
		}, []string{"outcome"}),
		comments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agora_comments_total",
			Help: "Comment requests by outcome.",
		}, []string{"outcome"}),
		persuasions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agora_persuasions_total",
			Help: "Persuasion credits by outcome.",
		}, []string{"outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agora_ledger_duration_seconds",
			Help:    "Latency of ledger operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agora_event_subscribers",
			Help: "Open debate event streams.",
		}),
	}
}

// Outcome labels an operation result. Successful votes pass their
// transition kind instead.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrAlreadyCredited):
		return "already_credited"
	case ledger.Retryable(err):
		return "transient"
	case ledger.Policy(err):
		return "rejected"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func (m *Metrics) Vote(outcome string) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Comment(outcome string) {
	if m == nil {
		return
	}
	m.comments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Persuasion(outcome string) {
	if m == nil {
		return
	}
	m.persuasions.WithLabelValues(outcome).Inc()
}

// Time starts a latency observation for op; call the returned func when done.
func (m *Metrics) Time(op string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) StreamOpened() {
	if m != nil {
		m.subscribers.Inc()
	}
}

func (m *Metrics) StreamClosed() {
	if m != nil {
		m.subscribers.Dec()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
