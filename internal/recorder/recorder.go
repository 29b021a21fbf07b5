// Package recorder persists orderbook snapshots and depth flow records
// to ClickHouse for offline replay and analysis.
package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"tapeflow/internal/adapters/config"
	"tapeflow/internal/domain/depth"
	"tapeflow/internal/domain/marketdata"
	"tapeflow/internal/metrics"
	"tapeflow/pkg/clickhouse"
	"tapeflow/pkg/errors"
	"tapeflow/pkg/logger"
)

const (
	tableSnapshots = "orderbook_snapshots"
	tableDepthFlow = "depth_flow"
)

// SnapshotRow is one orderbook snapshot flattened for columnar storage.
type SnapshotRow struct {
	Symbol        string
	Timestamp     time.Time
	BidPrices     []float64
	BidQuantities []float64
	AskPrices     []float64
	AskQuantities []float64
	Source        string
}

// FlowRow is one per-level depth flow record.
type FlowRow struct {
	Symbol    string
	Timestamp time.Time
	Level     float64
	BidFlow   float64
	AskFlow   float64
	NetFlow   float64
	Intensity string
}

// Recorder buffers rows and flushes them to ClickHouse in batches.
type Recorder struct {
	conn      driver.Conn
	snapshots *clickhouse.BatchWriter[SnapshotRow]
	flows     *clickhouse.BatchWriter[FlowRow]
	log       *logger.Logger

	mu      sync.Mutex
	stopped bool
}

// New creates a recorder writing through the given ClickHouse connection.
func New(conn driver.Conn, cfg config.RecorderConfig) *Recorder {
	r := &Recorder{
		conn: conn,
		log:  logger.Get().With("component", "recorder"),
	}

	r.snapshots = clickhouse.NewBatchWriter(clickhouse.BatchWriterConfig{
		TableName:    tableSnapshots,
		MaxBatchSize: cfg.BatchSize,
		MaxAge:       cfg.FlushInterval,
	}, r.flushSnapshots)

	r.flows = clickhouse.NewBatchWriter(clickhouse.BatchWriterConfig{
		TableName:    tableDepthFlow,
		MaxBatchSize: cfg.BatchSize,
		MaxAge:       cfg.FlushInterval,
	}, r.flushFlows)

	return r
}

// EnsureSchema creates the recorder tables if they do not exist.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS ` + tableSnapshots + ` (
			symbol         String,
			ts             DateTime64(3),
			bid_prices     Array(Float64),
			bid_quantities Array(Float64),
			ask_prices     Array(Float64),
			ask_quantities Array(Float64),
			source         String
		) ENGINE = MergeTree()
		ORDER BY (symbol, ts)`,
		`CREATE TABLE IF NOT EXISTS ` + tableDepthFlow + ` (
			symbol    String,
			ts        DateTime64(3),
			level     Float64,
			bid_flow  Float64,
			ask_flow  Float64,
			net_flow  Float64,
			intensity String
		) ENGINE = MergeTree()
		ORDER BY (symbol, ts)`,
	}

	for _, query := range ddl {
		if err := r.conn.Exec(ctx, query); err != nil {
			return errors.Wrap(err, "create recorder table")
		}
	}
	return nil
}

// Start begins the background flush loops.
func (r *Recorder) Start(ctx context.Context) {
	r.snapshots.Start(ctx)
	r.flows.Start(ctx)
}

// RecordSnapshot buffers one orderbook snapshot.
func (r *Recorder) RecordSnapshot(ctx context.Context, symbol string, snapshot marketdata.OrderbookSnapshot) error {
	if r.isStopped() {
		return errors.ErrRecorderStopped
	}

	row := SnapshotRow{
		Symbol:    symbol,
		Timestamp: time.UnixMilli(snapshot.Timestamp).UTC(),
		Source:    "binance_ws",
	}
	for _, bid := range snapshot.Bids {
		row.BidPrices = append(row.BidPrices, bid.Price)
		row.BidQuantities = append(row.BidQuantities, bid.Quantity)
	}
	for _, ask := range snapshot.Asks {
		row.AskPrices = append(row.AskPrices, ask.Price)
		row.AskQuantities = append(row.AskQuantities, ask.Quantity)
	}

	return r.snapshots.Add(ctx, row)
}

// RecordFlow buffers the depth flow records from one snapshot pass.
func (r *Recorder) RecordFlow(ctx context.Context, symbol string, records []depth.FlowData) error {
	if r.isStopped() {
		return errors.ErrRecorderStopped
	}

	for _, rec := range records {
		row := FlowRow{
			Symbol:    symbol,
			Timestamp: time.UnixMilli(rec.Timestamp).UTC(),
			Level:     rec.Level,
			BidFlow:   rec.BidFlow,
			AskFlow:   rec.AskFlow,
			NetFlow:   rec.NetFlow,
			Intensity: string(rec.FlowIntensity),
		}
		if err := r.flows.Add(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// Stop flushes remaining rows and shuts down the writers.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	if err := r.snapshots.Stop(ctx); err != nil {
		return err
	}
	return r.flows.Stop(ctx)
}

func (r *Recorder) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *Recorder) flushSnapshots(ctx context.Context, rows []SnapshotRow) error {
	err := r.insertSnapshots(ctx, rows)
	metrics.RecordClickHouseBatch(tableSnapshots, len(rows), err)
	return err
}

func (r *Recorder) insertSnapshots(ctx context.Context, rows []SnapshotRow) error {
	batch, err := r.conn.PrepareBatch(ctx, `
		INSERT INTO `+tableSnapshots+` (
			symbol, ts, bid_prices, bid_quantities, ask_prices, ask_quantities, source
		)
	`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare batch")
	}

	for _, row := range rows {
		err := batch.Append(
			row.Symbol, row.Timestamp,
			row.BidPrices, row.BidQuantities,
			row.AskPrices, row.AskQuantities,
			row.Source,
		)
		if err != nil {
			return errors.Wrap(err, "failed to append snapshot row")
		}
	}

	return batch.Send()
}

func (r *Recorder) flushFlows(ctx context.Context, rows []FlowRow) error {
	err := r.insertFlows(ctx, rows)
	metrics.RecordClickHouseBatch(tableDepthFlow, len(rows), err)
	return err
}

func (r *Recorder) insertFlows(ctx context.Context, rows []FlowRow) error {
	batch, err := r.conn.PrepareBatch(ctx, `
		INSERT INTO `+tableDepthFlow+` (
			symbol, ts, level, bid_flow, ask_flow, net_flow, intensity
		)
	`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare batch")
	}

	for _, row := range rows {
		err := batch.Append(
			row.Symbol, row.Timestamp, row.Level,
			row.BidFlow, row.AskFlow, row.NetFlow, row.Intensity,
		)
		if err != nil {
			return errors.Wrap(err, "failed to append flow row")
		}
	}

	return batch.Send()
}
