// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal          *prometheus.CounterVec
	fetchEscalationsTotal       prometheus.Counter
	fetchDurationSeconds        *prometheus.HistogramVec
	challengeDetectionsTotal    *prometheus.CounterVec
	resolverFallbacksTotal      prometheus.Counter
	classificationCallsTotal    *prometheus.CounterVec
	classificationTieBreaks     prometheus.Counter
	streamPassesTotal           *prometheus.CounterVec
	itemsAcceptedTotal          *prometheus.CounterVec
	rateLimitDelaysSeconds      *prometheus.HistogramVec
	checkpointTimestampsSeconds *prometheus.GaugeVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "journal_fetch_attempts_total",
				Help: "Fetch attempts, labeled by backend and result.",
			},
			[]string{"backend", "result"},
		)

		fetchEscalationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "journal_fetch_escalations_total",
				Help: "Logical fetches re-issued through the browser backend.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "journal_fetch_duration_seconds",
				Help:    "Latency of individual backend fetches.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"backend"},
		)

		challengeDetectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "journal_challenge_detections_total",
				Help: "Challenge pages observed while polling a browser session.",
			},
			[]string{"site"},
		)

		resolverFallbacksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "journal_resolver_fallbacks_total",
				Help: "Windows resolved through the nearest-match fallback.",
			},
		)

		classificationCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "journal_classification_calls_total",
				Help: "Judge invocations, labeled by consensus pass.",
			},
			[]string{"pass"},
		)

		classificationTieBreaks = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "journal_classification_tie_breaks_total",
				Help: "Items whose two passes disagreed.",
			},
		)

		streamPassesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "journal_stream_passes_total",
				Help: "Stream passes, labeled by stream and status.",
			},
			[]string{"stream", "status"},
		)

		itemsAcceptedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "journal_items_accepted_total",
				Help: "Newly persisted items, labeled by stream and relevance.",
			},
			[]string{"stream", "relevant"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "journal_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		checkpointTimestampsSeconds = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "journal_checkpoint_timestamp_seconds",
				Help: "Unix time of the latest committed checkpoint per stream.",
			},
			[]string{"stream"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "journal_http_requests_total",
				Help: "Status server requests, labeled by method, route and status code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "journal_http_request_duration_seconds",
				Help:    "Histogram of status server request latencies.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one backend attempt.
func ObserveFetch(backend, result string, duration time.Duration) {
	if fetchAttemptsTotal == nil {
		return
	}
	fetchAttemptsTotal.WithLabelValues(backend, result).Inc()
	fetchDurationSeconds.WithLabelValues(backend).Observe(duration.Seconds())
}

// ObserveEscalation counts a direct-to-browser escalation.
func ObserveEscalation() {
	if fetchEscalationsTotal == nil {
		return
	}
	fetchEscalationsTotal.Inc()
}

// ObserveChallenge counts a detected challenge page for the URL's host.
func ObserveChallenge(pageURL string) {
	if challengeDetectionsTotal == nil {
		return
	}
	challengeDetectionsTotal.WithLabelValues(SanitizeSite(pageURL)).Inc()
}

// ObserveResolverFallback counts a nearest-match window resolution.
func ObserveResolverFallback() {
	if resolverFallbacksTotal == nil {
		return
	}
	resolverFallbacksTotal.Inc()
}

// ObserveClassificationCall counts one judge call in the given pass.
func ObserveClassificationCall(pass string) {
	if classificationCallsTotal == nil {
		return
	}
	classificationCallsTotal.WithLabelValues(pass).Inc()
}

// ObserveTieBreak counts one disagreement between consensus passes.
func ObserveTieBreak() {
	if classificationTieBreaks == nil {
		return
	}
	classificationTieBreaks.Inc()
}

// ObserveStreamPass records the final status of a stream pass.
func ObserveStreamPass(stream string, failed bool) {
	if streamPassesTotal == nil {
		return
	}
	status := "succeeded"
	if failed {
		status = "failed"
	}
	streamPassesTotal.WithLabelValues(stream, status).Inc()
}

// ObserveItemAccepted counts one persisted item.
func ObserveItemAccepted(stream string, relevant bool) {
	if itemsAcceptedTotal == nil {
		return
	}
	label := "false"
	if relevant {
		label = "true"
	}
	itemsAcceptedTotal.WithLabelValues(stream, label).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if rateLimitDelaysSeconds == nil {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest records one status server request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCheckpoint records a committed checkpoint.
func ObserveCheckpoint(stream string, at time.Time) {
	if checkpointTimestampsSeconds == nil {
		return
	}
	checkpointTimestampsSeconds.WithLabelValues(stream).Set(float64(at.Unix()))
}
