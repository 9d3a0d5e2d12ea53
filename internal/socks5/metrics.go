package socks5

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "socks5d"

// Metrics holds the Prometheus instrumentation for a Server. A nil *Metrics
// is valid everywhere it's consulted in this package — instrumentation is
// opt-in, wired only when a caller supplies one via ServerConfig.Metrics.
type Metrics struct {
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	AuthFailures   prometheus.Counter
	ConnectLatency prometheus.Histogram

	BytesToUpstream prometheus.Counter
	BytesToClient   prometheus.Counter

	UDPForwarded   prometheus.Counter
	UDPReplied     prometheus.Counter
	UDPDropped     prometheus.Counter
	UDPParseErrors prometheus.Counter
}

// NewMetrics registers the socks5d metric family on reg. Pass
// prometheus.DefaultRegisterer to expose it on the default /metrics handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of SOCKS5 sessions currently being served",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total SOCKS5 sessions accepted",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total failed authentication sub-negotiations",
		}),
		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Time taken to dial a CONNECT upstream",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		BytesToUpstream: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_to_upstream_total",
			Help:      "Total bytes relayed from clients to CONNECT upstreams",
		}),
		BytesToClient: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_to_client_total",
			Help:      "Total bytes relayed from CONNECT upstreams to clients",
		}),
		UDPForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_forwarded_total",
			Help:      "Total client UDP ASSOCIATE datagrams forwarded to their destination",
		}),
		UDPReplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_replied_total",
			Help:      "Total upstream UDP replies relayed back to a client",
		}),
		UDPDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_dropped_total",
			Help:      "Total UDP datagrams dropped because their source didn't match the associated client",
		}),
		UDPParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_parse_errors_total",
			Help:      "Total client UDP datagrams dropped for failing to parse as a SOCKS5 UDP request",
		}),
	}
}
