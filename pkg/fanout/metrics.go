package fanout

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nsidwatch_stream_subscribers",
			Help: "Number of connected live stream subscribers",
		},
	)
	metricDroppedBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nsidwatch_stream_dropped_batches_total",
			Help: "Number of delta batches dropped because the broadcast queue was full",
		},
	)
)

func init() {
	prometheus.MustRegister(metricSubscribers)
	prometheus.MustRegister(metricDroppedBatches)
}
