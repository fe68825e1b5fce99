// Package metrics exposes Prometheus collectors for the relay service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll outcomes recorded by ObservePoll.
const (
	PollImmediate = "immediate"
	PollDelivered = "delivered"
	PollTimeout   = "timeout"
	PollCanceled  = "canceled"
	PollError     = "error"
)

var (
	relayUploadsTotal          prometheus.Counter
	relayUploadBytesTotal      prometheus.Counter
	relayForwardsTotal         *prometheus.CounterVec
	relayForwardDuration       prometheus.Histogram
	relayCallbacksTotal        prometheus.Counter
	relayPollsTotal            *prometheus.CounterVec
	relayPollWaitSeconds       prometheus.Histogram
	relayWaiters               prometheus.Gauge
	relayResultsSweptTotal     prometheus.Counter
	relayProxyRequestsTotal    *prometheus.CounterVec
	relayRateLimitedTotal      prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// multiple times and every Observe helper calls it.
func Init() {
	once.Do(func() {
		relayUploadsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_uploads_total",
			Help: "Total number of accepted uploads.",
		})
		relayUploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_upload_bytes_total",
			Help: "Total bytes received across uploaded files.",
		})
		relayForwardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_forwards_total",
			Help: "Webhook forwards, labeled by result.",
		}, []string{"result"})
		relayForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_forward_duration_seconds",
			Help:    "Latency of webhook forwards.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		})
		relayCallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_callbacks_total",
			Help: "Total number of results delivered, by callback or forward failure.",
		})
		relayPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_polls_total",
			Help: "Result polls, labeled by outcome.",
		}, []string{"outcome"})
		relayPollWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_poll_wait_seconds",
			Help:    "Time polls spent suspended before returning.",
			Buckets: []float64{0.1, 1, 5, 15, 30, 60, 120, 300},
		})
		relayWaiters = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relay_waiters",
			Help: "Number of polls currently suspended.",
		})
		relayResultsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_results_swept_total",
			Help: "Results evicted after their TTL.",
		})
		relayProxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_requests_total",
			Help: "Requests passed through the reverse proxy, labeled by upstream code.",
		}, []string{"code"})
		relayRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_rate_limited_total",
			Help: "Uploads rejected by the per-client rate limiter.",
		})
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"})
		httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 300},
		}, []string{"method", "route"})
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveUpload counts an accepted upload and its size.
func ObserveUpload(bytes int64) {
	Init()
	relayUploadsTotal.Inc()
	if bytes > 0 {
		relayUploadBytesTotal.Add(float64(bytes))
	}
}

// ObserveForward records a forward attempt.
func ObserveForward(ok bool, duration time.Duration) {
	Init()
	result := "ok"
	if !ok {
		result = "failed"
	}
	relayForwardsTotal.WithLabelValues(result).Inc()
	relayForwardDuration.Observe(duration.Seconds())
}

// ObserveDelivery counts a stored result.
func ObserveDelivery() {
	Init()
	relayCallbacksTotal.Inc()
}

// ObservePoll records how a poll ended and how long it was suspended.
func ObservePoll(outcome string, waited time.Duration) {
	Init()
	relayPollsTotal.WithLabelValues(outcome).Inc()
	if outcome != PollImmediate {
		relayPollWaitSeconds.Observe(waited.Seconds())
	}
}

// AddWaiters moves the suspended-poll gauge by delta.
func AddWaiters(delta int) {
	Init()
	relayWaiters.Add(float64(delta))
}

// ObserveSweep counts evicted results.
func ObserveSweep(n int) {
	Init()
	if n > 0 {
		relayResultsSweptTotal.Add(float64(n))
	}
}

// ObserveProxy counts a proxied request by upstream status.
func ObserveProxy(code int) {
	Init()
	relayProxyRequestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ObserveRateLimited counts a rejected upload.
func ObserveRateLimited() {
	Init()
	relayRateLimitedTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
