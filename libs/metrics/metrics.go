// Package metrics holds the HTTP-level prometheus collectors shared by the
// exchange services. Domain counters (orders, trades, matches) live next to
// the engine; this package only covers the transport surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "exchange",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func Register(registry *prometheus.Registry) {
	registry.MustRegister(RequestCount, RequestDuration)
}

// ObserveRequest records one served request. The status label carries the
// text form (e.g. "OK", "Not Found") so dashboards group by class of
// response rather than raw code.
func ObserveRequest(method, path string, status int, seconds float64) {
	text := http.StatusText(status)
	RequestCount.WithLabelValues(method, path, text).Inc()
	RequestDuration.WithLabelValues(method, path, text).Observe(seconds)
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
