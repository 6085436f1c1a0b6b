package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appliedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leonetem",
			Subsystem: "scheduler",
			Name:      "applied_events_total",
			Help:      "Number of trace events applied, per link.",
		}, []string{"link"})
	retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leonetem",
			Subsystem: "scheduler",
			Name:      "apply_retries_total",
			Help:      "Number of retried link applications, per link.",
		}, []string{"link"})
	missedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leonetem",
			Subsystem: "scheduler",
			Name:      "missed_events_total",
			Help:      "Number of trace events skipped after a failed retry, per link.",
		}, []string{"link"})
	lateness = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "leonetem",
			Subsystem: "scheduler",
			Name:      "apply_lateness_seconds",
			Help:      "Delay between an event's target instant and its application.",
			Buckets:   []float64{0, .001, .005, .01, .05, .1, .5, 1, 5},
		})
)
