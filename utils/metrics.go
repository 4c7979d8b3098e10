package utils

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "geocapture"

// Metrics groups the collectors updated by the capture pipeline.
type Metrics struct {
	CapturesTotal   *prometheus.CounterVec
	CaptureDuration prometheus.Histogram
	ResizedTotal    prometheus.Counter
	OutsideZone     prometheus.Counter
	IndexErrors     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CapturesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "captures_total",
				Help:      "Total number of capture requests by outcome",
			},
			[]string{"status"}, // status: success, rejected, failed
		),
		CaptureDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "capture_duration_seconds",
				Help:      "Histogram of capture handling duration in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		ResizedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "captures_resized_total",
				Help:      "Captures whose image had to be resized to the target dimensions",
			},
		),
		OutsideZone: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "captures_outside_zone_total",
				Help:      "Captures taken outside the configured labeling zone",
			},
		),
		IndexErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_errors_total",
				Help:      "Failed updates of the Redis capture index",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.CapturesTotal, m.CaptureDuration, m.ResizedTotal, m.OutsideZone, m.IndexErrors)
	}
	return m
}
