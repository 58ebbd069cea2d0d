// Package metrics содержит Prometheus-метрики сервиса.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry содержит коллекторы сервиса.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "boostpay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "boostpay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)

	payments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "boostpay",
			Subsystem: "payments",
			Name:      "attempts_total",
			Help:      "Boost payment attempts by tier and outcome.",
		},
		[]string{"tier", "outcome"},
	)

	paymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "boostpay",
			Subsystem: "payments",
			Name:      "duration_seconds",
			Help:      "Duration of boost payment confirmation.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"outcome"},
	)

	activations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "boostpay",
			Subsystem: "boosts",
			Name:      "activations_total",
			Help:      "Boost activations by source.",
		},
		[]string{"source"},
	)

	reconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "boostpay",
			Subsystem: "orders",
			Name:      "reconciled_total",
			Help:      "Orders whose status was changed by reconciliation.",
		},
		[]string{"status"},
	)

	openDialogs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "boostpay",
			Subsystem: "dialogs",
			Name:      "open",
			Help:      "Currently open boost dialogs.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests,
		httpDuration,
		payments,
		paymentDuration,
		activations,
		reconciled,
		openDialogs,
	)
}

// Handler отдаёт метрики в формате Prometheus.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveHTTP учитывает обработанный HTTP-запрос.
func ObserveHTTP(method, route string, status int, d time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObservePayment учитывает попытку оплаты.
func ObservePayment(tier, outcome string, d time.Duration) {
	payments.WithLabelValues(tier, outcome).Inc()
	paymentDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveActivation учитывает активацию продвижения.
func ObserveActivation(source string) {
	activations.WithLabelValues(source).Inc()
}

// ObserveReconciled учитывает заказ, статус которого изменила сверка.
func ObserveReconciled(status string) {
	reconciled.WithLabelValues(status).Inc()
}

// SetOpenDialogs выставляет число открытых диалогов.
func SetOpenDialogs(n int) {
	openDialogs.Set(float64(n))
}
