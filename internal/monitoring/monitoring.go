// Package monitoring exposes the gateway's Prometheus instruments.
// Counters and gauges are package level so every layer can record
// without threading a registry through the call graph.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "routecodex"

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Inbound requests by route decision, provider and response status.",
	}, []string{"route", "provider", "status"})

	providerRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_retries_total",
		Help:      "Upstream retry attempts by provider type.",
	}, []string{"provider"})

	tokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_refresh_total",
		Help:      "Token refresh cycles by provider, trigger mode and result.",
	}, []string{"provider", "mode", "result"})

	upstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upstream_latency_seconds",
		Help:      "Upstream exchange latency by provider type.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"provider"})

	tokensSuspended = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tokens_suspended",
		Help:      "Token files currently auto-suspended from refresh.",
	})

	pipelinesCached = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pipelines_cached",
		Help:      "Assembled pipelines held in the LRU cache.",
	})
)

// ObserveRequest records one finished inbound request.
func ObserveRequest(route, provider string, status int) {
	requestsTotal.WithLabelValues(route, provider, strconv.Itoa(status)).Inc()
}

// ObserveRetry records one upstream retry attempt.
func ObserveRetry(provider string) {
	providerRetries.WithLabelValues(provider).Inc()
}

// ObserveRefresh records one token refresh cycle.
func ObserveRefresh(provider, mode string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	tokenRefreshTotal.WithLabelValues(provider, mode, result).Inc()
}

// ObserveLatency records one upstream exchange duration.
func ObserveLatency(provider string, d time.Duration) {
	upstreamLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// SetSuspended publishes the current auto-suspension count.
func SetSuspended(n int) {
	tokensSuspended.Set(float64(n))
}

// SetPipelinesCached publishes the current pipeline cache size.
func SetPipelinesCached(n int) {
	pipelinesCached.Set(float64(n))
}

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
