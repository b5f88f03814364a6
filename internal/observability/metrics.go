package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement engine.
type Metrics struct {
	// --- Queue / deferred execution ---
	ItemsEnqueued  *prometheus.CounterVec
	ItemsProcessed *prometheus.CounterVec
	ItemDuration   *prometheus.HistogramVec
	QueueDepth     prometheus.Gauge
	QueueWatermark prometheus.Gauge

	// --- Positions ---
	PositionsOpened       prometheus.Counter
	PositionsClosed       *prometheus.CounterVec
	OpenPositions         prometheus.Gauge
	OpenInterestLong      prometheus.Gauge
	OpenInterestShort     prometheus.Gauge
	LiquifundsSettled     prometheus.Counter
	FundingPaymentsCapped prometheus.Counter

	// --- Fees ---
	ProtocolFeesCollected prometheus.Gauge
	CrankFeesCollected    prometheus.Gauge

	// --- Price feed ---
	PriceUpdates    prometheus.Counter
	PriceRejected   *prometheus.CounterVec
	PricePublishLag prometheus.Histogram

	// --- Crank ---
	CrankInvocations *prometheus.CounterVec
	CrankDuration    prometheus.Histogram

	// --- Persistence ---
	PersistRowsWritten *prometheus.CounterVec
	PersistErrors      *prometheus.CounterVec
	PersistBatchDur    prometheus.Histogram

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		ItemsEnqueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_queue_items_enqueued_total",
			Help: "Deferred execution items submitted",
		}, []string{"kind"}),

		ItemsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_queue_items_processed_total",
			Help: "Deferred execution items resolved",
		}, []string{"kind", "status"}),

		ItemDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_queue_item_duration_seconds",
			Help:    "Time to process one deferred item",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_queue_depth",
			Help: "Outstanding deferred items",
		}),

		QueueWatermark: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_queue_watermark",
			Help: "Last processed queue id",
		}),

		PositionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_positions_opened_total",
			Help: "Positions opened",
		}),

		PositionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_positions_closed_total",
			Help: "Positions closed by reason",
		}, []string{"reason"}),

		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_open_positions",
			Help: "Currently open positions",
		}),

		OpenInterestLong: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_open_interest_long_notional",
			Help: "Long open interest in notional terms",
		}),

		OpenInterestShort: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_open_interest_short_notional",
			Help: "Short open interest in notional terms",
		}),

		LiquifundsSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_liquifunds_settled_total",
			Help: "Liquifunding settlements applied to positions",
		}),

		FundingPaymentsCapped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_funding_payments_capped_total",
			Help: "Funding payments clamped by aggregate capping",
		}),

		ProtocolFeesCollected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_protocol_fees_collateral",
			Help: "Accumulated protocol fee income in collateral",
		}),

		CrankFeesCollected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_crank_fees_collateral",
			Help: "Accumulated crank fee income in collateral",
		}),

		PriceUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_price_updates_total",
			Help: "Accepted oracle price updates",
		}),

		PriceRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_price_rejected_total",
			Help: "Rejected oracle price updates",
		}, []string{"reason"}),

		PricePublishLag: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_price_publish_lag_seconds",
			Help:    "Delay between oracle publish time and ingestion",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),

		CrankInvocations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_crank_invocations_total",
			Help: "Crank calls by resulting work kind",
		}, []string{"work"}),

		CrankDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_crank_duration_seconds",
			Help:    "Time to execute one crank unit",
			Buckets: latencyBuckets,
		}),

		PersistRowsWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_rows_written_total",
			Help: "Rows written to Postgres",
		}, []string{"table"}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
