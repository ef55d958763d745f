package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	OrdersPlaced    *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	TradesTotal     prometheus.Counter
	MatchesDeferred prometheus.Counter
	MatchDuration   *prometheus.HistogramVec
	NotifyFailures  prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OrdersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_orders_placed_total",
				Help: "Total orders accepted, by side.",
			},
			[]string{"side"},
		),
		OrdersCancelled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_orders_cancelled_total",
				Help: "Total order cancellations, by outcome.",
			},
			[]string{"status"},
		),
		TradesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "exchange_trades_total",
				Help: "Total trades settled.",
			},
		),
		MatchesDeferred: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "exchange_matches_deferred_total",
				Help: "Total matches deferred to the retry queue after a concurrency conflict.",
			},
		),
		MatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exchange_match_duration_seconds",
				Help:    "Match attempt duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		NotifyFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "exchange_notify_failures_total",
				Help: "Total failed post-trade notification publishes.",
			},
		),
	}

	registry.MustRegister(
		m.OrdersPlaced,
		m.OrdersCancelled,
		m.TradesTotal,
		m.MatchesDeferred,
		m.MatchDuration,
		m.NotifyFailures,
	)
	return m
}

func (m *Metrics) ObserveMatch(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.MatchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) IncOrderPlaced(side string) {
	if m == nil {
		return
	}
	m.OrdersPlaced.WithLabelValues(side).Inc()
}

func (m *Metrics) IncOrderCancelled(status string) {
	if m == nil {
		return
	}
	m.OrdersCancelled.WithLabelValues(status).Inc()
}

func (m *Metrics) IncTrade() {
	if m == nil {
		return
	}
	m.TradesTotal.Inc()
}

func (m *Metrics) IncMatchDeferred() {
	if m == nil {
		return
	}
	m.MatchesDeferred.Inc()
}

func (m *Metrics) IncNotifyFailure() {
	if m == nil {
		return
	}
	m.NotifyFailures.Inc()
}
