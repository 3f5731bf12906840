// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
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

	// Counters
	CapturesStarted    prometheus.Counter
	CapturesFailed     prometheus.Counter
	CapturesSucceeded  prometheus.Counter
	CaptureRetries     prometheus.Counter
	EventsReceived     prometheus.Counter
	EventSubReconnects prometheus.Counter
	TokenRefreshes     prometheus.Counter
	ReconcileCycles    prometheus.Counter

	// Histograms (seconds)
	CaptureDuration   prometheus.Observer
	ReconcileDuration prometheus.Observer

	// Gauges
	ActiveCapturesGauge    prometheus.Gauge
	QueuedCapturesGauge    prometheus.Gauge
	ObserverSessionsGauge  prometheus.Gauge
	EventSubConnectedGauge prometheus.Gauge // 1=connected,0=not
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		CapturesStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "capture_started_total", Help: "Number of stream captures started"})
		CapturesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "capture_failed_total", Help: "Number of stream captures that ended in error"})
		CapturesSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "capture_completed_total", Help: "Number of stream captures completed"})
		CaptureRetries = promauto.NewCounter(prometheus.CounterOpts{Name: "capture_retries_total", Help: "Number of capture retry attempts"})
		EventsReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_notifications_total", Help: "Number of EventSub notifications received"})
		EventSubReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_reconnects_total", Help: "Number of EventSub reconnect attempts"})
		TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "oauth_token_refreshes_total", Help: "Number of OAuth token refreshes performed"})
		ReconcileCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "reconcile_cycles_total", Help: "Number of live-state reconcile cycles"})
		CaptureDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "capture_duration_seconds", Help: "Capture process runtime seconds", Buckets: prometheus.ExponentialBuckets(1, 4, 10)})
		ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "reconcile_duration_seconds", Help: "Reconcile cycle duration seconds", Buckets: prometheus.DefBuckets})
		ActiveCapturesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "capture_active", Help: "Currently running capture processes"})
		QueuedCapturesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "capture_queued", Help: "Captures waiting for a free slot"})
		ObserverSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "observer_sessions", Help: "Connected WebSocket observer sessions"})
		EventSubConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "eventsub_connected", Help: "EventSub socket connected=1 disconnected=0"})
	})
}

// SetEventSubConnected sets the connection gauge to 1 if connected else 0.
func SetEventSubConnected(connected bool) {
	if EventSubConnectedGauge != nil {
		if connected {
			EventSubConnectedGauge.Set(1)
		} else {
			EventSubConnectedGauge.Set(0)
		}
	}
}

// SetActiveCaptures records the current number of running capture processes.
func SetActiveCaptures(n int) {
	if ActiveCapturesGauge != nil {
		ActiveCapturesGauge.Set(float64(n))
	}
}

// SetQueuedCaptures records the current number of captures waiting for a slot.
func SetQueuedCaptures(n int) {
	if QueuedCapturesGauge != nil {
		QueuedCapturesGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
