package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the relay's Prometheus collectors.
type Metrics struct {
	EventsFetched   prometheus.Counter
	EventsMalformed prometheus.Counter
	Duplicates      prometheus.Counter
	Notifications   *prometheus.CounterVec
	SendAttempts    *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	CursorTimestamp prometheus.Gauge
	CycleDuration   prometheus.Histogram
	BreakerOpen     *prometheus.GaugeVec
}

// NewMetrics registers the relay collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsFetched: f.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "events_fetched_total",
			Help:      "Valid trade events returned by the venue.",
		}),
		EventsMalformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "events_malformed_total",
			Help:      "Venue entries dropped by validation.",
		}),
		Duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "events_duplicate_total",
			Help:      "Fetched events suppressed by the cursor or the seen set.",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "notifications_total",
			Help:      "Notifications by final status.",
		}, []string{"status"}),
		SendAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "send_attempts_total",
			Help:      "Chat send attempts by result.",
		}, []string{"result"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "dispatch_queue_depth",
			Help:      "Notifications queued or in flight.",
		}),
		CursorTimestamp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "cursor_timestamp_seconds",
			Help:      "Timestamp of the committed cursor.",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a poll cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		BreakerOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "breaker_open",
			Help:      "1 while a channel's circuit breaker is not closed.",
		}, []string{"channel"}),
	}
}
