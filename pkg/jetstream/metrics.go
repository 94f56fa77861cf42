package jetstream

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricConnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nsidwatch_jetstream_connects_total",
			Help: "Number of successful firehose connections",
		},
	)
	metricConnectFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nsidwatch_jetstream_connect_failures_total",
			Help: "Number of failed firehose connection attempts",
		},
	)
	metricDecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nsidwatch_jetstream_decode_errors_total",
			Help: "Number of firehose frames dropped because they could not be decoded",
		},
	)
	metricState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nsidwatch_jetstream_state",
			Help: "Current consumer state (0=disconnected, 1=connecting, 2=streaming)",
		},
	)
)

func init() {
	prometheus.MustRegister(metricConnects)
	prometheus.MustRegister(metricConnectFailures)
	prometheus.MustRegister(metricDecodeErrors)
	prometheus.MustRegister(metricState)
}
