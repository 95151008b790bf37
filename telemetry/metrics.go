// Package telemetry centralizes Prometheus metrics, OpenTelemetry tracing and
// correlation-id aware logging for the feed service.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// FeedRequests counts feed documents requested, hit or miss.
	FeedRequests prometheus.Counter
	// CacheHits counts requests answered from fresh cache.
	CacheHits prometheus.Counter
	// CacheMisses counts requests that needed an upstream rebuild.
	CacheMisses prometheus.Counter
	// StaleServed counts requests answered with stale cache after a failure.
	StaleServed prometheus.Counter
	// UpstreamRequests counts Helix API requests issued.
	UpstreamRequests prometheus.Counter
	// UpstreamFailures counts Helix API requests that failed.
	UpstreamFailures prometheus.Counter
	// TokenRefreshes counts app access token refreshes.
	TokenRefreshes prometheus.Counter

	// UpstreamDuration observes Helix request latency.
	UpstreamDuration prometheus.Observer
	// BuildDuration observes feed assembly latency.
	BuildDuration prometheus.Observer

	// CachedChannelsGauge tracks the number of cached channel feeds.
	CachedChannelsGauge prometheus.Gauge
	// CircuitOpenGauge is 1 while the Helix circuit breaker is open.
	CircuitOpenGauge prometheus.Gauge
	// CircuitTransitions counts breaker state changes by edge.
	CircuitTransitions *prometheus.CounterVec
)

// Init registers all metrics. Safe to call more than once.
func Init() {
	once.Do(func() {
		FeedRequests = promauto.NewCounter(prometheus.CounterOpts{
			Name: "feed_requests_total",
			Help: "Number of feed documents requested",
		})
		CacheHits = promauto.NewCounter(prometheus.CounterOpts{
			Name: "feed_cache_hits_total",
			Help: "Number of feed requests served from fresh cache",
		})
		CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
			Name: "feed_cache_misses_total",
			Help: "Number of feed requests that required an upstream rebuild",
		})
		StaleServed = promauto.NewCounter(prometheus.CounterOpts{
			Name: "feed_stale_served_total",
			Help: "Number of feed requests answered with stale cache after an upstream failure",
		})
		UpstreamRequests = promauto.NewCounter(prometheus.CounterOpts{
			Name: "feed_upstream_requests_total",
			Help: "Number of Twitch Helix requests issued",
		})
		UpstreamFailures = promauto.NewCounter(prometheus.CounterOpts{
			Name: "feed_upstream_failures_total",
			Help: "Number of Twitch Helix requests that failed",
		})
		TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{
			Name: "feed_token_refreshes_total",
			Help: "Number of Twitch app access token refreshes",
		})
		UpstreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "feed_upstream_duration_seconds",
			Help:    "Twitch Helix request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		})
		BuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "feed_build_duration_seconds",
			Help:    "Feed document build duration in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		})
		CachedChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "feed_cached_channels",
			Help: "Number of channels with a cached feed document",
		})
		CircuitOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "feed_circuit_open",
			Help: "Whether the Helix circuit breaker is open (1) or not (0)",
		})
		CircuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_circuit_transitions_total",
			Help: "Number of Helix circuit breaker state transitions",
		}, []string{"from", "to"})
	})
}

// The increment helpers are nil safe so library code can run in tests that
// never call Init.

func IncFeedRequest() {
	if FeedRequests != nil {
		FeedRequests.Inc()
	}
}

func IncCacheHit() {
	if CacheHits != nil {
		CacheHits.Inc()
	}
}

func IncCacheMiss() {
	if CacheMisses != nil {
		CacheMisses.Inc()
	}
}

func IncStaleServed() {
	if StaleServed != nil {
		StaleServed.Inc()
	}
}

func IncUpstreamRequest() {
	if UpstreamRequests != nil {
		UpstreamRequests.Inc()
	}
}

func IncUpstreamFailure() {
	if UpstreamFailures != nil {
		UpstreamFailures.Inc()
	}
}

func IncTokenRefresh() {
	if TokenRefreshes != nil {
		TokenRefreshes.Inc()
	}
}

// SetCachedChannels records the current number of cached channel feeds.
func SetCachedChannels(n int) {
	if CachedChannelsGauge != nil {
		CachedChannelsGauge.Set(float64(n))
	}
}

// UpdateCircuitGauge flips the open/closed gauge.
func UpdateCircuitGauge(open bool) {
	if CircuitOpenGauge != nil {
		if open {
			CircuitOpenGauge.Set(1)
		} else {
			CircuitOpenGauge.Set(0)
		}
	}
}

// RecordCircuitStateChange counts one breaker transition.
func RecordCircuitStateChange(from, to string) {
	if CircuitTransitions != nil {
		CircuitTransitions.WithLabelValues(from, to).Inc()
	}
}

// TimeFunc runs fn and records its duration on obs when metrics are
// initialized. It returns the measured duration either way.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation stores a correlation id on the context.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id stored on the context, if any.
func GetCorrelation(ctx context.Context) string {
	if v, ok := ctx.Value(corrKey).(string); ok {
		return v
	}
	return ""
}

// LoggerWithCorr returns the default logger annotated with the context's
// correlation id when one is present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
