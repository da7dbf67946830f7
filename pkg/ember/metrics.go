package ember

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/albertbausili/ember/internal/engine"
)

var (
	connectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ember_connections_open",
			Help: "Current number of open connections",
		},
	)

	connectionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_connections_closed_total",
			Help: "Total closed connections by closure reason",
		},
		[]string{"reason"},
	)

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_requests_total",
			Help: "Total number of completed requests",
		},
		[]string{"method", "status"},
	)

	requestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ember_request_duration_seconds",
			Help:    "Request duration from receive to transmit",
			Buckets: prometheus.DefBuckets,
		},
	)

	requestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ember_requests_in_flight",
			Help: "Current number of requests being served",
		},
	)

	decodeErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ember_decode_errors_total",
			Help: "Total protocol decode failures",
		},
	)

	fallbackResponsesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ember_untransmitted_fallbacks_total",
			Help: "Total synthesized responses for requests whose handler never transmitted",
		},
	)

	idleClosuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ember_idle_closures_total",
			Help: "Total connections closed by the idle timer",
		},
	)
)

// promStats feeds engine lifecycle counters into Prometheus.
type promStats struct{}

func (promStats) ConnOpened() {
	connectionsOpen.Inc()
}

func (promStats) ConnClosed(reason engine.CloseReason) {
	connectionsOpen.Dec()
	connectionsClosedTotal.WithLabelValues(reason.String()).Inc()
}

func (promStats) RequestStarted() {
	requestsInFlight.Inc()
}

func (promStats) RequestCompleted(method string, status int, d time.Duration) {
	requestsInFlight.Dec()
	requestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	requestDuration.Observe(d.Seconds())
}

func (promStats) DecodeError() {
	decodeErrorsTotal.Inc()
}

func (promStats) Fallback() {
	fallbackResponsesTotal.Inc()
}

func (promStats) IdleClosure() {
	idleClosuresTotal.Inc()
}
