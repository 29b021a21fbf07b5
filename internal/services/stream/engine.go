// Package stream wires the per-symbol calculators into a processing
// engine fed by the market data stream.
package stream

import (
	"context"
	"sync"
	"time"

	"tapeflow/internal/domain/depth"
	"tapeflow/internal/domain/marketdata"
	"tapeflow/internal/domain/momentum"
	"tapeflow/internal/domain/orderflow"
	"tapeflow/internal/domain/profile"
	"tapeflow/internal/metrics"
	"tapeflow/pkg/logger"
	"tapeflow/pkg/ring"
)

const (
	// DefaultBarHistorySize bounds the per-symbol bar buffer used by the
	// volume profile and momentum indicators.
	DefaultBarHistorySize = 1_000

	// DefaultSeriesSize bounds the price and flow series the divergence
	// detector scans.
	DefaultSeriesSize = 1_000

	DefaultSnapshotInterval = time.Second
	DefaultBarInterval      = time.Minute

	// slowProfileThreshold flags profile calculations that took long
	// enough to matter on the hot path.
	slowProfileThreshold = 10 * time.Millisecond
)

// EventSink publishes analytics events. Implemented by events.Publisher.
type EventSink interface {
	PublishFlowSnapshot(ctx context.Context, symbol string, snapshot orderflow.FlowSnapshot) error
	PublishDivergence(ctx context.Context, symbol string, signal orderflow.DivergenceSignal) error
	PublishFlowShift(ctx context.Context, symbol string, shift depth.FlowShift) error
}

// SnapshotRecorder persists raw snapshots and flow records.
type SnapshotRecorder interface {
	RecordSnapshot(ctx context.Context, symbol string, snapshot marketdata.OrderbookSnapshot) error
	RecordFlow(ctx context.Context, symbol string, records []depth.FlowData) error
}

// EngineConfig assembles the per-symbol calculator configurations.
type EngineConfig struct {
	Symbol string

	Flow       orderflow.Config
	Divergence orderflow.DivergenceConfig
	Profile    profile.Config
	Depth      depth.Config
	Momentum   momentum.Config

	// SnapshotInterval is how often a flow snapshot is cut from the
	// trade stream and fed to the divergence detector.
	SnapshotInterval time.Duration
	// BarInterval is the bucket size for bars built from trades.
	BarInterval time.Duration
	// SeriesSize bounds the price and flow series kept for divergence
	// detection.
	SeriesSize int
}

// EngineStats is a point-in-time view of engine counters.
type EngineStats struct {
	Symbol             string
	TradesProcessed    int64
	SnapshotsProcessed int64
	CumulativeDelta    float64
	LastPrice          float64
	BarsHeld           int
}

// Engine owns all calculators for one symbol. Processing is serialized
// with a mutex; trade and depth callbacks may come from one or more
// feed goroutines.
type Engine struct {
	symbol string
	log    *logger.Logger
	now    func() time.Time

	mu sync.Mutex

	flow      *orderflow.Calculator
	detector  *orderflow.DivergenceDetector
	profiler  *profile.Calculator
	depthCalc *depth.Calculator
	analyzer  *momentum.Analyzer

	events   EventSink
	recorder SnapshotRecorder

	snapshotInterval time.Duration
	barInterval      time.Duration

	lastBook     marketdata.OrderbookSnapshot
	hasBook      bool
	lastSnapshot time.Time

	prices  *ring.Buffer[float64]
	flows   *ring.Buffer[float64]
	aggFlow *ring.Buffer[depth.FlowData]

	bars       *ring.Buffer[marketdata.Bar]
	currentBar *marketdata.Bar

	lastFlowState orderflow.FlowSnapshot
	lastMomentum  momentum.Snapshot
	lastPrice     float64

	tradesProcessed    int64
	snapshotsProcessed int64
}

// NewEngine builds an engine for one symbol, validating all calculator
// configurations up front.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	flow, err := orderflow.NewCalculator(cfg.Flow)
	if err != nil {
		return nil, err
	}
	detector, err := orderflow.NewDivergenceDetector(cfg.Divergence)
	if err != nil {
		return nil, err
	}
	profiler, err := profile.NewCalculator(cfg.Profile)
	if err != nil {
		return nil, err
	}
	depthCalc, err := depth.NewCalculator(cfg.Depth)
	if err != nil {
		return nil, err
	}
	analyzer, err := momentum.NewAnalyzer(cfg.Momentum)
	if err != nil {
		return nil, err
	}

	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	if cfg.BarInterval <= 0 {
		cfg.BarInterval = DefaultBarInterval
	}
	if cfg.SeriesSize <= 0 {
		cfg.SeriesSize = DefaultSeriesSize
	}

	return &Engine{
		symbol:           cfg.Symbol,
		log:              logger.Get().With("component", "engine", "symbol", cfg.Symbol),
		now:              time.Now,
		flow:             flow,
		detector:         detector,
		profiler:         profiler,
		depthCalc:        depthCalc,
		analyzer:         analyzer,
		snapshotInterval: cfg.SnapshotInterval,
		barInterval:      cfg.BarInterval,
		prices:           ring.New[float64](cfg.SeriesSize),
		flows:            ring.New[float64](cfg.SeriesSize),
		aggFlow:          ring.New[depth.FlowData](cfg.SeriesSize),
		bars:             ring.New[marketdata.Bar](DefaultBarHistorySize),
	}, nil
}

// SetEventSink attaches an event publisher. Without one, events are
// computed but not published.
func (e *Engine) SetEventSink(sink EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = sink
}

// SetRecorder attaches a snapshot recorder.
func (e *Engine) SetRecorder(rec SnapshotRecorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recorder = rec
}

// Bootstrap seeds the bar history with historical candles, oldest
// first, so the profile and momentum indicators have context at start.
func (e *Engine) Bootstrap(bars []marketdata.Bar) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, bar := range bars {
		e.bars.Push(bar)
	}
	if len(bars) > 0 {
		e.lastPrice = bars[len(bars)-1].Close
		e.lastMomentum = e.analyzer.Analyze(e.closes())
	}
	e.log.Infow("Bootstrapped bar history", "bars", e.bars.Len())
}

// ProcessTrade feeds one trade through the flow calculator, updates
// the bar in progress and, once per snapshot interval, cuts a flow
// snapshot and runs divergence detection.
func (e *Engine) ProcessTrade(ctx context.Context, tick marketdata.TradeTick) {
	start := time.Now()

	e.mu.Lock()
	e.flow.ProcessTrade(tick)
	e.tradesProcessed++
	e.lastPrice = tick.Price
	e.updateBar(tick)

	var (
		snapshot  *orderflow.FlowSnapshot
		signal    *orderflow.DivergenceSignal
		publisher = e.events
	)
	if e.hasBook && e.now().Sub(e.lastSnapshot) >= e.snapshotInterval {
		snap := e.flow.Snapshot(e.flow.TradeHistory(), e.lastBook)
		e.lastFlowState = snap
		e.lastSnapshot = e.now()

		e.prices.Push(e.seriesPrice(tick))
		e.flows.Push(snap.CumulativeDelta)
		snapshot = &snap

		signal = e.detector.Detect(e.prices.Slice(), e.flows.Slice())
	}
	e.mu.Unlock()

	metrics.TradesProcessed.WithLabelValues(e.symbol).Inc()
	metrics.RecordCalc("flow", time.Since(start))

	if publisher == nil {
		return
	}
	if snapshot != nil {
		if err := publisher.PublishFlowSnapshot(ctx, e.symbol, *snapshot); err != nil {
			e.log.Warnw("Flow snapshot publish failed", "error", err)
		}
	}
	if signal != nil {
		metrics.DivergenceSignals.WithLabelValues(e.symbol, string(signal.Type)).Inc()
		e.log.Infow("Divergence detected",
			"type", signal.Type,
			"strength", signal.Strength,
		)
		if err := publisher.PublishDivergence(ctx, e.symbol, *signal); err != nil {
			e.log.Warnw("Divergence publish failed", "error", err)
		}
	}
}

// ProcessDepth feeds one orderbook snapshot through the depth flow
// calculator and publishes any flow shifts it uncovers.
func (e *Engine) ProcessDepth(ctx context.Context, snapshot marketdata.OrderbookSnapshot) {
	start := time.Now()

	e.mu.Lock()
	records := e.depthCalc.ProcessOrderbook(snapshot)
	e.lastBook = snapshot
	e.hasBook = true
	e.snapshotsProcessed++

	var shifts []depth.FlowShift
	if len(records) > 0 {
		e.aggFlow.Push(aggregate(records))
		// Only the pair ending at this snapshot can yield a new shift;
		// older pairs were reported when they arrived.
		shifts = e.depthCalc.DetectFlowShifts(e.aggFlow.Tail(2))
	}
	publisher := e.events
	rec := e.recorder
	e.mu.Unlock()

	metrics.SnapshotsProcessed.WithLabelValues(e.symbol).Inc()
	metrics.RecordCalc("depth", time.Since(start))

	for _, shift := range shifts {
		metrics.FlowShifts.WithLabelValues(e.symbol, string(shift.Intensity)).Inc()
		e.log.Infow("Depth flow shift detected",
			"level", shift.Level,
			"from", shift.From,
			"to", shift.To,
			"intensity", shift.Intensity,
		)
		if publisher != nil {
			if err := publisher.PublishFlowShift(ctx, e.symbol, shift); err != nil {
				e.log.Warnw("Flow shift publish failed", "error", err)
			}
		}
	}

	if rec != nil {
		if err := rec.RecordSnapshot(ctx, e.symbol, snapshot); err != nil {
			e.log.Warnw("Snapshot recording failed", "error", err)
		}
		if len(records) > 0 {
			if err := rec.RecordFlow(ctx, e.symbol, records); err != nil {
				e.log.Warnw("Flow recording failed", "error", err)
			}
		}
	}
}

// updateBar rolls trades into fixed-interval bars. Caller holds the lock.
func (e *Engine) updateBar(tick marketdata.TradeTick) {
	intervalMs := e.barInterval.Milliseconds()
	bucket := tick.Timestamp - tick.Timestamp%intervalMs

	if e.currentBar == nil || bucket > e.currentBar.Time {
		if e.currentBar != nil {
			e.bars.Push(*e.currentBar)
			e.lastMomentum = e.analyzer.Analyze(e.closes())
		}
		e.currentBar = &marketdata.Bar{
			Time: bucket,
			Open: tick.Price,
			High: tick.Price,
			Low:  tick.Price,
		}
	}

	bar := e.currentBar
	if tick.Price > bar.High {
		bar.High = tick.Price
	}
	if tick.Price < bar.Low {
		bar.Low = tick.Price
	}
	bar.Close = tick.Price
	bar.Volume += tick.Quantity
}

// seriesPrice picks the price pushed into the divergence series: the
// book midpoint when available, otherwise the trade price.
func (e *Engine) seriesPrice(tick marketdata.TradeTick) float64 {
	if e.hasBook {
		if mid := e.lastBook.MidPrice(); mid > 0 {
			return mid
		}
	}
	return tick.Price
}

func (e *Engine) closes() []float64 {
	bars := e.bars.Slice()
	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
	}
	return closes
}

// aggregate folds the per-level records of one snapshot pass into a
// single book-wide flow record.
func aggregate(records []depth.FlowData) depth.FlowData {
	agg := depth.FlowData{
		Timestamp: records[0].Timestamp,
		Level:     records[0].Level,
	}
	for _, rec := range records {
		agg.BidFlow += rec.BidFlow
		agg.AskFlow += rec.AskFlow
	}
	agg.NetFlow = agg.BidFlow - agg.AskFlow
	return agg
}

// FlowState returns the most recent flow snapshot.
func (e *Engine) FlowState() orderflow.FlowSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFlowState
}

// Momentum returns the indicator readings as of the last closed bar.
func (e *Engine) Momentum() momentum.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastMomentum
}

// Profile computes the volume profile over the held bar history.
func (e *Engine) Profile() *profile.Data {
	e.mu.Lock()
	bars := e.bars.Slice()
	e.mu.Unlock()

	start := time.Now()
	data := e.profiler.Calculate(bars)
	elapsed := time.Since(start)
	metrics.RecordCalc("profile", elapsed)
	if elapsed > slowProfileThreshold {
		metrics.SlowProfileCalcs.WithLabelValues(e.symbol).Inc()
	}
	return data
}

// LiquidityImbalance returns the bid/ask quantity imbalance closest to
// the given price on the last seen book.
func (e *Engine) LiquidityImbalance(targetPrice float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasBook {
		return 0
	}
	return e.depthCalc.LiquidityImbalance(e.lastBook, targetPrice)
}

// ResetSession clears session-scoped state: cumulative delta, trade
// history, divergence series and depth baseline. Bars are kept.
func (e *Engine) ResetSession() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.flow.ResetSession()
	e.depthCalc.Reset()
	e.prices.Clear()
	e.flows.Clear()
	e.aggFlow.Clear()
	e.lastFlowState = orderflow.FlowSnapshot{}
	e.log.Infow("Session state reset")
}

// Stats returns engine counters for periodic logging.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return EngineStats{
		Symbol:             e.symbol,
		TradesProcessed:    e.tradesProcessed,
		SnapshotsProcessed: e.snapshotsProcessed,
		CumulativeDelta:    e.flow.CumulativeDelta(),
		LastPrice:          e.lastPrice,
		BarsHeld:           e.bars.Len(),
	}
}
