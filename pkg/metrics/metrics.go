// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "consult_relay"

var (
	// Connections is the number of open WebSocket connections by namespace.
	Connections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Open WebSocket connections.",
	}, []string{"namespace"})

	// ActiveSessions is the number of live session actors.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Session actors currently running.",
	})

	// Events counts frames fanned out to connections by event name.
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_delivered_total",
		Help:      "Frames handed to connections.",
	}, []string{"event"})

	// Messages counts message outcomes: delivered, failed, retried.
	Messages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Chat message delivery outcomes.",
	}, []string{"outcome"})

	// Transitions counts lifecycle transitions by action and outcome.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transitions_total",
		Help:      "Lifecycle transition attempts.",
	}, []string{"action", "outcome"})

	// StoreLatency observes durable store call latency.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "store_duration_seconds",
		Help:      "Durable store call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
