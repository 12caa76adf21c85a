package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingest metrics
	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kegwatch_events_ingested_total",
			Help: "Total number of device events received by transport, kind and outcome",
		},
		[]string{"transport", "kind", "outcome"},
	)

	// Aggregator metrics
	TapVolume = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kegwatch_tap_volume_available_ml",
			Help: "Volume left in the keg attached to a tap",
		},
		[]string{"tap"},
	)

	PoursClamped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kegwatch_pours_clamped_total",
			Help: "Total number of pours which exceeded the remaining keg volume",
		},
	)

	StoreFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kegwatch_store_failures_total",
			Help: "Total number of tap state writes which failed to persist",
		},
	)

	ApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kegwatch_apply_duration_seconds",
			Help:    "Time from event submission to applied tap state",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Hub metrics
	LiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kegwatch_live_sessions",
			Help: "Number of attached live update sessions",
		},
	)

	MessagesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kegwatch_messages_delivered_total",
			Help: "Total number of live messages enqueued to sessions by type",
		},
		[]string{"type"},
	)

	SessionsPruned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kegwatch_sessions_pruned_total",
			Help: "Total number of live sessions removed by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(EventsIngested)
	prometheus.MustRegister(TapVolume)
	prometheus.MustRegister(PoursClamped)
	prometheus.MustRegister(StoreFailures)
	prometheus.MustRegister(ApplyDuration)
	prometheus.MustRegister(LiveSessions)
	prometheus.MustRegister(MessagesDelivered)
	prometheus.MustRegister(SessionsPruned)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer helps measure operation durations
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into the histogram
func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(time.Since(t.start).Seconds())
}
