package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsReceived    = prometheus.NewCounter(prometheus.CounterOpts{Name: "events_received_total", Help: "Total webhook events accepted at intake"})
	DeliveriesSucceed = prometheus.NewCounter(prometheus.CounterOpts{Name: "deliveries_succeeded_total", Help: "Deliveries that reached a 2xx response"})
	DeliveriesFailed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "deliveries_failed_total", Help: "Attempts that did not succeed (retryable or permanent)"})
	RetryAttempts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "retry_attempts_total", Help: "Attempts recorded beyond the first"})
	DeliveryLatency   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "delivery_latency_seconds", Help: "Latency of a single downstream POST", Buckets: prometheus.DefBuckets})

	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Local rate-limiter timeouts observed by workers"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_ready_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_inflight", Help: "Events currently leased by a worker"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsReceived,
			DeliveriesSucceed,
			DeliveriesFailed,
			RetryAttempts,
			DeliveryLatency,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
