package aggregate

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsidwatch_events_total",
			Help: "Number of firehose events applied, by operation",
		},
		[]string{"op"},
	)
	metricWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nsidwatch_counter_write_failures_total",
			Help: "Number of failed durable counter writes",
		},
	)
	metricHitsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nsidwatch_hits_dropped_total",
			Help: "Number of raw hit records dropped because the hit log write failed",
		},
	)
	metricTrackedCollections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nsidwatch_tracked_collections",
			Help: "Number of tracked collection keys, wildcard included",
		},
	)
)

func init() {
	prometheus.MustRegister(metricEvents)
	prometheus.MustRegister(metricWriteFailures)
	prometheus.MustRegister(metricHitsDropped)
	prometheus.MustRegister(metricTrackedCollections)
}
