// Package metrics holds the process-wide Prometheus collectors for the
// store, the event bus and the orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AtomsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_atoms_created_total",
		Help: "Total number of atoms written",
	})

	RefUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_ref_updates_total",
		Help: "Total number of reference head updates by reference kind",
	}, []string{"kind"})

	BusPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_bus_events_published_total",
		Help: "Total number of events published on the event bus",
	})

	BusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_bus_events_dropped_total",
		Help: "Number of events dropped because a subscriber buffer was full",
	})

	TransformExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_transform_executions_total",
		Help: "Transform executions by outcome",
	}, []string{"outcome"})

	TransformDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "strata_transform_duration_seconds",
		Help:    "Duration of a single transform execution including the output write",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strata_queue_length",
		Help: "Current number of pending transform tasks",
	})

	QueueDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_queue_duplicates_total",
		Help: "Tasks discarded because their dedup key was already queued or processed",
	})
)

// Outcome label values for TransformExecutions.
const (
	OutcomeSuccess = "success"
	OutcomeNull    = "null"
	OutcomeError   = "error"
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
