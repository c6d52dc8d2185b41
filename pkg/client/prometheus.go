package client

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics used in monitoring service.
var (
	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Number of RPC call attempts",
			Name:      "rpc_calls_total",
			Namespace: "quikgo",
		},
		[]string{"method"},
	)

	rpcErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of structured RPC error replies",
			Name:      "rpc_errors_total",
			Namespace: "quikgo",
		},
	)

	socketErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of transport failures and receive timeouts",
			Name:      "socket_errors_total",
			Namespace: "quikgo",
		},
	)

	rpcRoundtrip = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Help:      "RPC call roundtrip time",
			Name:      "rpc_roundtrip_seconds",
			Namespace: "quikgo",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
	)

	watcherRows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Number of watched real-time parameters",
			Name:      "param_watcher_rows",
			Namespace: "quikgo",
		},
	)

	eventQueueLen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Event queue length",
			Name:      "event_queue_length",
			Namespace: "quikgo",
		},
	)
)

func init() {
	prometheus.MustRegister(
		rpcCalls,
		rpcErrors,
		socketErrors,
		rpcRoundtrip,
		watcherRows,
		eventQueueLen,
	)
}
