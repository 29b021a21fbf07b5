package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tapeflow/internal/domain/depth"
	"tapeflow/internal/domain/marketdata"
	"tapeflow/internal/domain/orderflow"
	apperrors "tapeflow/pkg/errors"
)

type captureSink struct {
	mu          sync.Mutex
	snapshots   []orderflow.FlowSnapshot
	divergences []orderflow.DivergenceSignal
	shifts      []depth.FlowShift
}

func (s *captureSink) PublishFlowSnapshot(_ context.Context, _ string, snapshot orderflow.FlowSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

func (s *captureSink) PublishDivergence(_ context.Context, _ string, signal orderflow.DivergenceSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.divergences = append(s.divergences, signal)
	return nil
}

func (s *captureSink) PublishFlowShift(_ context.Context, _ string, shift depth.FlowShift) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shifts = append(s.shifts, shift)
	return nil
}

type captureRecorder struct {
	mu        sync.Mutex
	snapshots []marketdata.OrderbookSnapshot
	flows     [][]depth.FlowData
}

func (r *captureRecorder) RecordSnapshot(_ context.Context, _ string, snapshot marketdata.OrderbookSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, snapshot)
	return nil
}

func (r *captureRecorder) RecordFlow(_ context.Context, _ string, records []depth.FlowData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows = append(r.flows, records)
	return nil
}

func newTestEngine(t *testing.T, cfg EngineConfig) *Engine {
	t.Helper()
	if cfg.Symbol == "" {
		cfg.Symbol = "BTCUSDT"
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	return engine
}

func trade(ts int64, price, qty float64, sell bool) marketdata.TradeTick {
	return marketdata.TradeTick{
		Timestamp:       ts,
		Price:           price,
		Quantity:        qty,
		IsAggressorSell: sell,
	}
}

func book(ts int64, bids, asks []marketdata.PriceLevel) marketdata.OrderbookSnapshot {
	return marketdata.OrderbookSnapshot{Timestamp: ts, Bids: bids, Asks: asks}
}

func levels(pairs ...float64) []marketdata.PriceLevel {
	out := make([]marketdata.PriceLevel, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, marketdata.PriceLevel{Price: pairs[i], Quantity: pairs[i+1]})
	}
	return out
}

func TestNewEngineDefaults(t *testing.T) {
	engine := newTestEngine(t, EngineConfig{})

	assert.Equal(t, DefaultSnapshotInterval, engine.snapshotInterval)
	assert.Equal(t, DefaultBarInterval, engine.barInterval)
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	_, err := NewEngine(EngineConfig{
		Divergence: orderflow.DivergenceConfig{Window: 1},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}

func TestEngineBuildsBarsFromTrades(t *testing.T) {
	engine := newTestEngine(t, EngineConfig{BarInterval: time.Minute})
	ctx := context.Background()

	engine.ProcessTrade(ctx, trade(60_000, 100, 1, false))
	engine.ProcessTrade(ctx, trade(61_000, 110, 2, false))
	engine.ProcessTrade(ctx, trade(65_000, 90, 1, true))
	// Crossing into the next minute closes the first bar.
	engine.ProcessTrade(ctx, trade(120_000, 95, 1, false))

	bars := engine.bars.Slice()
	require.Len(t, bars, 1)
	assert.Equal(t, int64(60_000), bars[0].Time)
	assert.Equal(t, 100.0, bars[0].Open)
	assert.Equal(t, 110.0, bars[0].High)
	assert.Equal(t, 90.0, bars[0].Low)
	assert.Equal(t, 90.0, bars[0].Close)
	assert.Equal(t, 4.0, bars[0].Volume)

	stats := engine.Stats()
	assert.Equal(t, int64(4), stats.TradesProcessed)
	assert.Equal(t, 95.0, stats.LastPrice)
	assert.Equal(t, 1, stats.BarsHeld)
}

func TestEngineSnapshotIntervalGating(t *testing.T) {
	engine := newTestEngine(t, EngineConfig{SnapshotInterval: time.Second})
	sink := &captureSink{}
	engine.SetEventSink(sink)

	current := time.UnixMilli(10_000)
	engine.now = func() time.Time { return current }

	ctx := context.Background()
	engine.ProcessDepth(ctx, book(1_000, levels(100, 10), levels(102, 10)))

	engine.ProcessTrade(ctx, trade(10_000, 101, 1, false))
	require.Len(t, sink.snapshots, 1)
	assert.Equal(t, 1.0, sink.snapshots[0].CumulativeDelta)

	// Same instant: interval not elapsed, no new snapshot.
	engine.ProcessTrade(ctx, trade(10_100, 101, 1, false))
	assert.Len(t, sink.snapshots, 1)

	current = current.Add(2 * time.Second)
	engine.ProcessTrade(ctx, trade(12_000, 101, 1, false))
	require.Len(t, sink.snapshots, 2)
	assert.Equal(t, 3.0, sink.snapshots[1].CumulativeDelta)

	// Balanced book keeps the aggregate call neutral.
	assert.Equal(t, orderflow.AggressionNeutral, sink.snapshots[1].Aggression)
}

func TestEngineDetectsBearishDivergence(t *testing.T) {
	engine := newTestEngine(t, EngineConfig{SnapshotInterval: time.Second})
	sink := &captureSink{}
	engine.SetEventSink(sink)

	ctx := context.Background()
	// Midpoint 104 becomes the final point of a rising price series.
	engine.ProcessDepth(ctx, book(1_000, levels(103.5, 10), levels(104.5, 10)))

	for _, p := range []float64{100, 101, 102, 103} {
		engine.prices.Push(p)
	}
	for _, f := range []float64{10, 12, 14, 16} {
		engine.flows.Push(f)
	}

	// A large sell drives cumulative delta to -5 while price prints the
	// window high.
	engine.ProcessTrade(ctx, trade(10_000, 104, 5, true))

	require.Len(t, sink.divergences, 1)
	signal := sink.divergences[0]
	assert.Equal(t, orderflow.DivergenceBearish, signal.Type)
	assert.Equal(t, 104.0, signal.PriceEnd)
	assert.Equal(t, -5.0, signal.FlowEnd)
	assert.Greater(t, signal.Strength, 0.0)
}

func TestEngineNoDivergenceOnShortSeries(t *testing.T) {
	engine := newTestEngine(t, EngineConfig{SnapshotInterval: time.Second})
	sink := &captureSink{}
	engine.SetEventSink(sink)

	ctx := context.Background()
	engine.ProcessDepth(ctx, book(1_000, levels(100, 10), levels(102, 10)))
	engine.ProcessTrade(ctx, trade(10_000, 101, 1, false))

	assert.Len(t, sink.snapshots, 1)
	assert.Empty(t, sink.divergences)
}

func TestEnginePublishesFlowShifts(t *testing.T) {
	engine := newTestEngine(t, EngineConfig{
		Depth: depth.Config{FlowThreshold: 10},
	})
	sink := &captureSink{}
	rec := &captureRecorder{}
	engine.SetEventSink(sink)
	engine.SetRecorder(rec)

	ctx := context.Background()
	engine.ProcessDepth(ctx, book(1_000, levels(100, 10), levels(101, 10)))
	// Bid inflow of 8: aggregate net flow +8, no shift yet.
	engine.ProcessDepth(ctx, book(2_000, levels(100, 18), levels(101, 10)))
	assert.Empty(t, sink.shifts)

	// Bid outflow and ask inflow flip net flow to -12. The swing of -20
	// clears twice the threshold.
	engine.ProcessDepth(ctx, book(3_000, levels(100, 14), levels(101, 18)))

	require.Len(t, sink.shifts, 1)
	shift := sink.shifts[0]
	assert.Equal(t, int64(3_000), shift.Timestamp)
	assert.Equal(t, 8.0, shift.From)
	assert.Equal(t, -12.0, shift.To)
	assert.Equal(t, -20.0, shift.Change)
	assert.Equal(t, depth.IntensityExtreme, shift.Intensity)

	// A follow-up book in the same millisecond with net flow still
	// negative must not replay the earlier shift.
	engine.ProcessDepth(ctx, book(3_000, levels(100, 12), levels(101, 20)))
	assert.Len(t, sink.shifts, 1)

	// Every book is recorded, flow records only once a baseline exists.
	assert.Len(t, rec.snapshots, 4)
	assert.Len(t, rec.flows, 3)
}

func TestEngineResetSession(t *testing.T) {
	engine := newTestEngine(t, EngineConfig{})
	ctx := context.Background()

	engine.ProcessDepth(ctx, book(1_000, levels(100, 10), levels(102, 10)))
	engine.ProcessTrade(ctx, trade(10_000, 101, 3, false))
	require.Equal(t, 3.0, engine.Stats().CumulativeDelta)

	engine.ResetSession()

	stats := engine.Stats()
	assert.Zero(t, stats.CumulativeDelta)
	assert.Zero(t, engine.prices.Len())
	assert.Zero(t, engine.flows.Len())
	assert.Equal(t, orderflow.FlowSnapshot{}, engine.FlowState())
}

func TestEngineBootstrapSeedsIndicators(t *testing.T) {
	engine := newTestEngine(t, EngineConfig{})

	bars := make([]marketdata.Bar, 60)
	for i := range bars {
		close := 100.0 + float64(i)
		bars[i] = marketdata.Bar{
			Time:   int64(i) * 60_000,
			Open:   close - 0.5,
			High:   close + 0.5,
			Low:    close - 1,
			Close:  close,
			Volume: 10,
		}
	}
	engine.Bootstrap(bars)

	stats := engine.Stats()
	assert.Equal(t, 60, stats.BarsHeld)
	assert.Equal(t, 159.0, stats.LastPrice)

	snap := engine.Momentum()
	assert.True(t, snap.RSI.Valid)
	assert.True(t, snap.MACD.Valid)
	assert.True(t, snap.Bollinger.Valid)
}

func TestEngineProfileOverBars(t *testing.T) {
	engine := newTestEngine(t, EngineConfig{})

	engine.Bootstrap([]marketdata.Bar{
		{Time: 0, Open: 100, High: 101, Low: 99, Close: 100, Volume: 50},
		{Time: 60_000, Open: 100, High: 102, Low: 100, Close: 101, Volume: 30},
	})

	data := engine.Profile()
	require.NotNil(t, data)
	assert.Equal(t, 80.0, data.TotalVolume)
}

func TestEngineLiquidityImbalance(t *testing.T) {
	engine := newTestEngine(t, EngineConfig{})
	ctx := context.Background()

	assert.Zero(t, engine.LiquidityImbalance(100))

	engine.ProcessDepth(ctx, book(1_000, levels(100, 15), levels(101, 5)))
	assert.InDelta(t, 0.5, engine.LiquidityImbalance(100.5), 1e-9)
}
