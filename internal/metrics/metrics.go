package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "patternwatch"

// Metrics holds all Prometheus collectors for the scanner. Collectors live on
// a private registry so several instances can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	// Feed
	TicksTotal        *prometheus.CounterVec // labels: instrument
	TicksDropped      *prometheus.CounterVec // labels: instrument, reason
	FeedReconnects    *prometheus.CounterVec // labels: instrument
	FeedState         *prometheus.GaugeVec   // labels: instrument; 0=disconnected … 3=streaming
	Backfills         *prometheus.CounterVec // labels: instrument
	BackfillCandles   *prometheus.CounterVec // labels: instrument; buckets new to the window
	MalformedMessages *prometheus.CounterVec // labels: instrument, reason

	// Window
	CandlesClosed *prometheus.CounterVec // labels: instrument
	WindowLen     *prometheus.GaugeVec   // labels: instrument

	// Scanning and alerts
	ScanDuration     *prometheus.HistogramVec // labels: instrument
	PatternsDetected *prometheus.CounterVec   // labels: instrument, kind
	AlertsSent       *prometheus.CounterVec   // labels: instrument, kind
	AlertsFailed     *prometheus.CounterVec   // labels: instrument

	// Sinks
	SinkDrops           *prometheus.CounterVec // labels: sink
	SQLiteCommitDur     prometheus.Histogram
	RedisWriteDur       prometheus.Histogram
	RedisCircuitState   prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitTrips   prometheus.Counter
	RedisSkippedPublish prometheus.Counter
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Ticks accepted into a candle window",
		}, []string{"instrument"}),
		TicksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_dropped_total",
			Help:      "Ticks rejected by the aggregator",
		}, []string{"instrument", "reason"}),
		FeedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_reconnects_total",
			Help:      "Feed reconnection attempts",
		}, []string{"instrument"}),
		FeedState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_state",
			Help:      "Feed connection state (0=disconnected, 1=connecting, 2=backfilling, 3=streaming)",
		}, []string{"instrument"}),
		Backfills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfills_total",
			Help:      "Completed history backfills",
		}, []string{"instrument"}),
		BackfillCandles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_candles_added_total",
			Help:      "Backfilled candles that were new to the window",
		}, []string{"instrument"}),
		MalformedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Feed messages dropped as malformed",
		}, []string{"instrument", "reason"}),

		CandlesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candles_closed_total",
			Help:      "Candles superseded by a newer bucket",
		}, []string{"instrument"}),
		WindowLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "window_candles",
			Help:      "Candles currently held in the window",
		}, []string{"instrument"}),

		ScanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Pattern scan latency including dispatch",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"instrument"}),
		PatternsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patterns_detected_total",
			Help:      "Pattern rule hits per scan, before de-duplication",
		}, []string{"instrument", "kind"}),
		AlertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_emitted_total",
			Help:      "Pattern events forwarded after de-duplication",
		}, []string{"instrument", "kind"}),
		AlertsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_delivery_failures_total",
			Help:      "Notifier failures",
		}, []string{"instrument"}),

		SinkDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_drops_total",
			Help:      "Records dropped because a sink channel was full",
		}, []string{"sink"}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sqlite_commit_duration_seconds",
			Help:      "SQLite batch commit latency",
			Buckets:   prometheus.DefBuckets,
		}),
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "redis_write_duration_seconds",
			Help:      "Redis pipeline latency",
			Buckets:   prometheus.DefBuckets,
		}),
		RedisCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "redis_circuit_breaker_state",
			Help:      "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_circuit_breaker_trips_total",
			Help:      "Times the Redis circuit breaker tripped open",
		}),
		RedisSkippedPublish: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_skipped_publishes_total",
			Help:      "Publishes skipped while the circuit breaker was open",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TicksTotal,
		m.TicksDropped,
		m.FeedReconnects,
		m.FeedState,
		m.Backfills,
		m.BackfillCandles,
		m.MalformedMessages,
		m.CandlesClosed,
		m.WindowLen,
		m.ScanDuration,
		m.PatternsDetected,
		m.AlertsSent,
		m.AlertsFailed,
		m.SinkDrops,
		m.SQLiteCommitDur,
		m.RedisWriteDur,
		m.RedisCircuitState,
		m.RedisCircuitTrips,
		m.RedisSkippedPublish,
	)
	return m
}

// ForgetInstrument removes every series labelled with instrument, used when
// a subscription is torn down.
func (m *Metrics) ForgetInstrument(instrument string) {
	l := prometheus.Labels{"instrument": instrument}
	for _, v := range []*prometheus.MetricVec{
		m.TicksTotal.MetricVec,
		m.TicksDropped.MetricVec,
		m.FeedReconnects.MetricVec,
		m.FeedState.MetricVec,
		m.Backfills.MetricVec,
		m.BackfillCandles.MetricVec,
		m.MalformedMessages.MetricVec,
		m.CandlesClosed.MetricVec,
		m.WindowLen.MetricVec,
		m.ScanDuration.MetricVec,
		m.PatternsDetected.MetricVec,
		m.AlertsSent.MetricVec,
		m.AlertsFailed.MetricVec,
	} {
		v.DeletePartialMatch(l)
	}
}
