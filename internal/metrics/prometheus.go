package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Stream metrics
	TradesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapeflow_trades_processed_total",
			Help: "Total number of trade ticks processed",
		},
		[]string{"symbol"},
	)

	SnapshotsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapeflow_orderbook_snapshots_total",
			Help: "Total number of orderbook snapshots processed",
		},
		[]string{"symbol"},
	)

	// Calculator metrics
	CalcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tapeflow_calc_duration_seconds",
			Help:    "Calculator execution duration in seconds",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"calculator"}, // calculator: flow|divergence|profile|depth|momentum
	)

	SlowProfileCalcs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapeflow_slow_profile_calcs_total",
			Help: "Volume profile calculations exceeding the latency target",
		},
		[]string{"symbol"},
	)

	// Signal metrics
	DivergenceSignals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapeflow_divergence_signals_total",
			Help: "Total number of divergence signals detected",
		},
		[]string{"symbol", "type"}, // type: BULLISH|BEARISH|HIDDEN_BULLISH|HIDDEN_BEARISH
	)

	FlowShifts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapeflow_flow_shifts_total",
			Help: "Total number of depth flow shifts detected",
		},
		[]string{"symbol", "intensity"},
	)

	// Feed metrics
	FeedConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tapeflow_feed_connections",
			Help: "Current number of active market data WebSocket connections",
		},
		[]string{"exchange"},
	)

	FeedReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapeflow_feed_reconnects_total",
			Help: "Total number of market data WebSocket reconnect attempts",
		},
		[]string{"exchange", "status"}, // status: success|failed
	)

	FeedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapeflow_feed_messages_total",
			Help: "Total number of raw feed messages by outcome",
		},
		[]string{"exchange", "stream", "status"}, // status: ok|parse_error|dropped
	)

	// System metrics
	KafkaMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapeflow_kafka_messages_total",
			Help: "Total Kafka messages produced",
		},
		[]string{"topic", "status"}, // status: success|error
	)

	ClickHouseBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapeflow_clickhouse_batches_total",
			Help: "Total ClickHouse batch flushes",
		},
		[]string{"table", "status"}, // status: success|error
	)

	ClickHouseRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapeflow_clickhouse_rows_total",
			Help: "Total rows written to ClickHouse",
		},
		[]string{"table"},
	)
)

// Init registers all metrics with Prometheus
func Init() {
	// Stream metrics
	prometheus.MustRegister(TradesProcessed)
	prometheus.MustRegister(SnapshotsProcessed)

	// Calculator metrics
	prometheus.MustRegister(CalcDuration)
	prometheus.MustRegister(SlowProfileCalcs)

	// Signal metrics
	prometheus.MustRegister(DivergenceSignals)
	prometheus.MustRegister(FlowShifts)

	// Feed metrics
	prometheus.MustRegister(FeedConnections)
	prometheus.MustRegister(FeedReconnects)
	prometheus.MustRegister(FeedMessages)

	// System metrics
	prometheus.MustRegister(KafkaMessages)
	prometheus.MustRegister(ClickHouseBatches)
	prometheus.MustRegister(ClickHouseRows)
}

// Handler returns Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCalc records one calculator pass
func RecordCalc(calculator string, duration time.Duration) {
	CalcDuration.WithLabelValues(calculator).Observe(duration.Seconds())
}

// RecordKafkaMessage records a produced Kafka message
func RecordKafkaMessage(topic string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	KafkaMessages.WithLabelValues(topic, status).Inc()
}

// RecordClickHouseBatch records a batch flush
func RecordClickHouseBatch(table string, rows int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ClickHouseBatches.WithLabelValues(table, status).Inc()
	if err == nil && rows > 0 {
		ClickHouseRows.WithLabelValues(table).Add(float64(rows))
	}
}
