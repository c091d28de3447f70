// Package telemetry exposes Prometheus metrics for one overlay node.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "overlay"

// Metrics is a per-node registry. Methods are safe on a nil receiver so
// components can run without instrumentation.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	SendFailures     *prometheus.CounterVec
	Duplicates       prometheus.Counter
	Dropped          *prometheus.CounterVec
	Acknowledged     prometheus.Counter
	Evictions        prometheus.Counter
	ResponseLatency  prometheus.Histogram

	RoutingTableSize prometheus.Gauge
	PendingResponses prometheus.Gauge
}

// New creates and registers the node metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Messages handed to the transport, by type.",
			},
			[]string{"type"},
		),
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Decoded inbound messages, by type.",
			},
			[]string{"type"},
		),
		SendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_failures_total",
				Help:      "Transport send failures, by type.",
			},
			[]string{"type"},
		),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_messages_total",
			Help:      "Inbound messages dropped as already seen.",
		}),
		Dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_messages_total",
				Help:      "Inbound messages dropped, by reason.",
			},
			[]string{"reason"},
		),
		Acknowledged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acknowledgments_total",
			Help:      "Outstanding messages cleared by an acknowledgment.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Peers removed by the liveness sweep.",
		}),
		ResponseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_latency_seconds",
			Help:      "Time from request send to correlated response.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		}),
		RoutingTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routing_table_size",
			Help:      "Entries in the routing table.",
		}),
		PendingResponses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_responses",
			Help:      "Requests waiting for a correlated response.",
		}),
	}
	m.Registry.MustRegister(
		m.MessagesSent, m.MessagesReceived, m.SendFailures, m.Duplicates, m.Dropped,
		m.Acknowledged, m.Evictions, m.ResponseLatency, m.RoutingTableSize, m.PendingResponses,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Sent(msgType string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) SendFailed(msgType string) {
	if m == nil {
		return
	}
	m.SendFailures.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Received(msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

// Drop counts an inbound message discarded for reason.
func (m *Metrics) Drop(reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Ack() {
	if m == nil {
		return
	}
	m.Acknowledged.Inc()
}

func (m *Metrics) Evicted(n int) {
	if m == nil {
		return
	}
	m.Evictions.Add(float64(n))
}

func (m *Metrics) ObserveResponse(d time.Duration) {
	if m == nil {
		return
	}
	m.ResponseLatency.Observe(d.Seconds())
}

func (m *Metrics) SetTableSize(n int) {
	if m == nil {
		return
	}
	m.RoutingTableSize.Set(float64(n))
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingResponses.Set(float64(n))
}
