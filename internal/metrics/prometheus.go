// Package metrics exports flow subscription activity to Prometheus
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"keyflow/internal/flow"
)

var _ flow.Metrics = (*PrometheusCollector)(nil)

// PrometheusCollector implements flow.Metrics. Collectors are created and
// registered on first use.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	opened    *prometheus.CounterVec
	closed    *prometheus.CounterVec
	active    *prometheus.GaugeVec
	delivered *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	failures  *prometheus.CounterVec
}

// NewPrometheus creates a collector. A nil reg uses prometheus.DefaultRegisterer
// and an empty namespace defaults to "keyflow".
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "keyflow"
	}
	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.opened = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "subscription",
			Name:      "opened_total",
			Help:      "Subscriptions created, by source.",
		}, []string{"source"})
		p.closed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "subscription",
			Name:      "closed_total",
			Help:      "Subscriptions terminated, by source and reason (cancelled, released, completed, failed).",
		}, []string{"source", "reason"})
		p.active = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "subscription",
			Name:      "active",
			Help:      "Subscriptions currently open, by source.",
		}, []string{"source"})
		p.delivered = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "values",
			Name:      "delivered_total",
			Help:      "Values handed to consumers, by source.",
		}, []string{"source"})
		p.dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "values",
			Name:      "dropped_total",
			Help:      "Values discarded for lack of demand, by source.",
		}, []string{"source"})
		p.failures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "subscription",
			Name:      "failures_total",
			Help:      "Subscription failures, by source and kind (registration, type_mismatch, source).",
		}, []string{"source", "kind"})

		p.reg.MustRegister(p.opened)
		p.reg.MustRegister(p.closed)
		p.reg.MustRegister(p.active)
		p.reg.MustRegister(p.delivered)
		p.reg.MustRegister(p.dropped)
		p.reg.MustRegister(p.failures)
	})
}

// ForSource returns a flow.Metrics that labels everything with source.
// Per-key labels would be unbounded, so keys are not recorded.
func (p *PrometheusCollector) ForSource(source string) flow.Metrics {
	return sourceMetrics{p: p, source: source}
}

// SubscriptionOpened implements flow.Metrics
func (p *PrometheusCollector) SubscriptionOpened(string) {
	p.ForSource("").SubscriptionOpened("")
}

// SubscriptionClosed implements flow.Metrics
func (p *PrometheusCollector) SubscriptionClosed(_ string, reason flow.CloseReason) {
	p.ForSource("").SubscriptionClosed("", reason)
}

// ValueDelivered implements flow.Metrics
func (p *PrometheusCollector) ValueDelivered(string) {
	p.ForSource("").ValueDelivered("")
}

// ValueDropped implements flow.Metrics
func (p *PrometheusCollector) ValueDropped(string) {
	p.ForSource("").ValueDropped("")
}

// Failure implements flow.Metrics
func (p *PrometheusCollector) Failure(_ string, kind string) {
	p.ForSource("").Failure("", kind)
}

type sourceMetrics struct {
	p      *PrometheusCollector
	source string
}

func (m sourceMetrics) SubscriptionOpened(string) {
	m.p.ensureRegistered()
	m.p.opened.WithLabelValues(m.source).Inc()
	m.p.active.WithLabelValues(m.source).Inc()
}

func (m sourceMetrics) SubscriptionClosed(_ string, reason flow.CloseReason) {
	m.p.ensureRegistered()
	m.p.closed.WithLabelValues(m.source, string(reason)).Inc()
	m.p.active.WithLabelValues(m.source).Dec()
}

func (m sourceMetrics) ValueDelivered(string) {
	m.p.ensureRegistered()
	m.p.delivered.WithLabelValues(m.source).Inc()
}

func (m sourceMetrics) ValueDropped(string) {
	m.p.ensureRegistered()
	m.p.dropped.WithLabelValues(m.source).Inc()
}

func (m sourceMetrics) Failure(_ string, kind string) {
	m.p.ensureRegistered()
	m.p.failures.WithLabelValues(m.source, kind).Inc()
}
