package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var frames = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "leonetem",
		Subsystem: "capture",
		Name:      "frames_total",
		Help:      "Number of capture frames read, by result.",
	}, []string{"result"})
