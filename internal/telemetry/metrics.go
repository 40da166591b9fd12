package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrmesh",
			Name:      "messages_total",
			Help:      "Envelopes seen, by payload type and direction (in/out).",
		},
		[]string{"type", "direction"},
	)

	HandleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zephyrmesh",
			Name:      "handle_duration_seconds",
			Help:      "Time spent handling one inbound envelope.",
			// 10µs .. ~5s; offset allocation blocks on the KV service.
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 20),
		},
		[]string{"type"},
	)

	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "zephyrmesh",
			Name:      "in_flight_handlers",
			Help:      "Handlers currently running (0 or 1).",
		},
	)

	Retransmissions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zephyrmesh",
			Name:      "retransmissions_total",
			Help:      "Writes of until-acked envelopes after their first transmission.",
		},
	)

	PendingSends = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "zephyrmesh",
			Name:      "pending_sends",
			Help:      "Envelopes waiting in the delivery queue.",
		},
	)

	GossipCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zephyrmesh",
			Name:      "gossip_coalesced_total",
			Help:      "Buffered gossip snapshots replaced by a newer one before being sent.",
		},
	)

	AcksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrmesh",
			Name:      "acks_total",
			Help:      "Acknowledgements seen by the delivery engine, by outcome.",
		},
		[]string{"outcome"},
	)

	CasRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrmesh",
			Name:      "cas_retries_total",
			Help:      "Offset allocation retries, by reason.",
		},
		[]string{"reason"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrmesh",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "zephyrmesh",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		MessagesTotal, HandleDuration, InFlight,
		Retransmissions, PendingSends, GossipCoalesced, AcksTotal,
		CasRetries, buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ---- Handler instrumentation ----

// Instrument wraps one envelope handler and records its duration under the
// payload type. Example:
//
//	err := telemetry.Instrument(env.Type(), func() error { return n.dispatch(ctx, env) })
func Instrument(typ string, next func() error) error {
	start := time.Now()

	InFlight.Inc()
	defer InFlight.Dec()

	MessagesTotal.WithLabelValues(typ, "in").Inc()
	err := next()
	HandleDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
	return err
}

// Sent counts one outbound envelope.
func Sent(typ string) {
	MessagesTotal.WithLabelValues(typ, "out").Inc()
}
