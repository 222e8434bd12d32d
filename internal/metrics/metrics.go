// Package metrics exposes Prometheus collectors for the send pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesCreated counts messages materialized by batch creation.
	MessagesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "massmailer_messages_created_total",
			Help: "Total number of messages created by batches",
		},
	)
	// Transitions counts guarded state changes by outcome. A "lost" result
	// means another worker or a deletion got there first.
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "massmailer_state_transitions_total",
			Help: "Total number of message state transitions attempted",
		},
		[]string{"from", "to", "result"},
	)
	// Tasks counts delivery task outcomes (ack, retry, exhausted).
	Tasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "massmailer_tasks_total",
			Help: "Total number of delivery tasks processed",
		},
		[]string{"outcome"},
	)
	// SendDuration is the latency of transport sends.
	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "massmailer_send_duration_seconds",
			Help:    "Transport send latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
	// QueryDuration is the latency of query execution.
	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "massmailer_query_duration_seconds",
			Help:    "Query execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
