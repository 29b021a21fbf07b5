// Package depth tracks per-price-level quantity changes between
// consecutive orderbook snapshots: flow per level, coarse intensity,
// flow-direction shifts and liquidity imbalance around a target price.
package depth

import (
	"math"

	"tapeflow/internal/domain/marketdata"
	"tapeflow/pkg/errors"
	"tapeflow/pkg/ring"
)

// Intensity coarsely classifies flow magnitude against the configured threshold.
type Intensity string

const (
	IntensityLow     Intensity = "LOW"
	IntensityMedium  Intensity = "MEDIUM"
	IntensityHigh    Intensity = "HIGH"
	IntensityExtreme Intensity = "EXTREME"
)

// Dominance labels which side the aggregate flow favors.
type Dominance string

const (
	DominanceBuy     Dominance = "BUY"
	DominanceSell    Dominance = "SELL"
	DominanceNeutral Dominance = "NEUTRAL"
)

const (
	// DefaultLevels is how many top-of-book levels are tracked per side.
	DefaultLevels = 10

	// DefaultFlowThreshold anchors the intensity bands. Flow below half
	// of it is LOW, below it MEDIUM, below twice it HIGH, else EXTREME.
	DefaultFlowThreshold = 10.0

	// DefaultHistorySize bounds the per-instance flow record buffer.
	DefaultHistorySize = 1_000
)

// Config holds depth-flow tuning. Zero fields take defaults.
type Config struct {
	Levels        int
	FlowThreshold float64
	HistorySize   int
}

// DefaultConfig returns the standard depth-flow configuration.
func DefaultConfig() Config {
	return Config{
		Levels:        DefaultLevels,
		FlowThreshold: DefaultFlowThreshold,
		HistorySize:   DefaultHistorySize,
	}
}

// Validate fails fast on unusable values.
func (c Config) Validate() error {
	if c.Levels <= 0 {
		return errors.NewValidationError("levels", "must be positive", c.Levels)
	}
	if c.FlowThreshold <= 0 {
		return errors.NewValidationError("flow_threshold", "must be positive", c.FlowThreshold)
	}
	if c.HistorySize <= 0 {
		return errors.NewValidationError("history_size", "must be positive", c.HistorySize)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Levels == 0 {
		c.Levels = DefaultLevels
	}
	if c.FlowThreshold == 0 {
		c.FlowThreshold = DefaultFlowThreshold
	}
	if c.HistorySize == 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// FlowData is the quantity delta observed at one price level between two
// consecutive snapshots. Quantities in raw snapshots are never negative,
// but flows may be. Invariant: NetFlow = BidFlow - AskFlow.
type FlowData struct {
	Timestamp     int64     `json:"timestamp"`
	Level         float64   `json:"level"`
	BidFlow       float64   `json:"bid_flow"`
	AskFlow       float64   `json:"ask_flow"`
	NetFlow       float64   `json:"net_flow"`
	FlowIntensity Intensity `json:"flow_intensity"`
}

// FlowShift marks a sign change in net flow between consecutive records
// whose magnitude classifies as non-LOW.
type FlowShift struct {
	Timestamp int64     `json:"timestamp"`
	Level     float64   `json:"level"`
	From      float64   `json:"from"`
	To        float64   `json:"to"`
	Change    float64   `json:"change"`
	Intensity Intensity `json:"intensity"`
}

// Summary aggregates flow across all tracked levels between the stored
// baseline snapshot and a given one.
type Summary struct {
	Timestamp    int64     `json:"timestamp"`
	TotalBidFlow float64   `json:"total_bid_flow"`
	TotalAskFlow float64   `json:"total_ask_flow"`
	NetFlow      float64   `json:"net_flow"`
	Dominance    Dominance `json:"dominance"`
	Intensity    Intensity `json:"intensity"`
}

// Calculator is the stateful per-symbol depth-flow engine. It holds the
// previous snapshot as baseline and a bounded flow history. Single-writer.
type Calculator struct {
	cfg     Config
	prev    *marketdata.OrderbookSnapshot
	history *ring.Buffer[FlowData]
}

// NewCalculator builds a depth-flow calculator, applying defaults to
// zero config fields and rejecting invalid ones.
func NewCalculator(cfg Config) (*Calculator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{
		cfg:     cfg,
		history: ring.New[FlowData](cfg.HistorySize),
	}, nil
}

// UpdateConfig merges non-zero fields into the current configuration.
// Shrinking the history re-buffers, keeping the newest records.
func (c *Calculator) UpdateConfig(cfg Config) error {
	merged := c.cfg
	if cfg.Levels != 0 {
		merged.Levels = cfg.Levels
	}
	if cfg.FlowThreshold != 0 {
		merged.FlowThreshold = cfg.FlowThreshold
	}
	if cfg.HistorySize != 0 {
		merged.HistorySize = cfg.HistorySize
	}
	if err := merged.Validate(); err != nil {
		return err
	}
	if merged.HistorySize != c.cfg.HistorySize {
		rebuf := ring.New[FlowData](merged.HistorySize)
		for _, r := range c.history.Tail(merged.HistorySize) {
			rebuf.Push(r)
		}
		c.history = rebuf
	}
	c.cfg = merged
	return nil
}

// Config returns the active configuration.
func (c *Calculator) Config() Config {
	return c.cfg
}

// ProcessOrderbook computes per-level flow against the stored baseline
// and advances the baseline to the given snapshot. The first call has no
// baseline and returns nil, establishing one.
//
// A level that did not exist in the baseline contributes its full
// quantity as inflow; tracking is bounded by the configured level count
// and the available depth on each side.
func (c *Calculator) ProcessOrderbook(snapshot marketdata.OrderbookSnapshot) []FlowData {
	if c.prev == nil {
		c.prev = &snapshot
		return nil
	}

	prevBids := levelIndex(c.prev.Bids, c.cfg.Levels)
	prevAsks := levelIndex(c.prev.Asks, c.cfg.Levels)

	n := c.cfg.Levels
	if len(snapshot.Bids) < n && len(snapshot.Asks) < n {
		n = max(len(snapshot.Bids), len(snapshot.Asks))
	}

	records := make([]FlowData, 0, n)
	for i := 0; i < n; i++ {
		var level, bidFlow, askFlow float64
		hasLevel := false

		if i < len(snapshot.Bids) {
			bid := snapshot.Bids[i]
			bidFlow = bid.Quantity - prevBids[bid.Price]
			level = bid.Price
			hasLevel = true
		}
		if i < len(snapshot.Asks) {
			ask := snapshot.Asks[i]
			askFlow = ask.Quantity - prevAsks[ask.Price]
			if !hasLevel {
				level = ask.Price
			}
		}

		netFlow := bidFlow - askFlow
		record := FlowData{
			Timestamp:     snapshot.Timestamp,
			Level:         level,
			BidFlow:       bidFlow,
			AskFlow:       askFlow,
			NetFlow:       netFlow,
			FlowIntensity: c.FlowIntensity(netFlow),
		}
		records = append(records, record)
		c.history.Push(record)
	}

	c.prev = &snapshot
	return records
}

// FlowIntensity classifies a flow magnitude into the four bands anchored
// at 0.5x, 1x and 2x the configured threshold.
func (c *Calculator) FlowIntensity(flow float64) Intensity {
	magnitude := math.Abs(flow)
	switch {
	case magnitude < 0.5*c.cfg.FlowThreshold:
		return IntensityLow
	case magnitude < c.cfg.FlowThreshold:
		return IntensityMedium
	case magnitude < 2*c.cfg.FlowThreshold:
		return IntensityHigh
	default:
		return IntensityExtreme
	}
}

// DetectFlowShifts scans consecutive records and reports every point
// where net flow flips sign with a change large enough to classify as
// non-LOW intensity. Same-sign neighbors or low-magnitude flips are
// never reported.
func (c *Calculator) DetectFlowShifts(series []FlowData) []FlowShift {
	var shifts []FlowShift
	for i := 1; i < len(series); i++ {
		prev, cur := series[i-1], series[i]
		if prev.NetFlow*cur.NetFlow >= 0 {
			continue
		}
		change := cur.NetFlow - prev.NetFlow
		intensity := c.FlowIntensity(change)
		if intensity == IntensityLow {
			continue
		}
		shifts = append(shifts, FlowShift{
			Timestamp: cur.Timestamp,
			Level:     cur.Level,
			From:      prev.NetFlow,
			To:        cur.NetFlow,
			Change:    change,
			Intensity: intensity,
		})
	}
	return shifts
}

// FlowSummary aggregates flow across all tracked levels between the
// stored baseline and the given snapshot, without advancing the
// baseline. With no baseline yet the summary is neutral.
func (c *Calculator) FlowSummary(snapshot marketdata.OrderbookSnapshot) Summary {
	summary := Summary{
		Timestamp: snapshot.Timestamp,
		Dominance: DominanceNeutral,
		Intensity: IntensityLow,
	}
	if c.prev == nil {
		return summary
	}

	prevBids := levelIndex(c.prev.Bids, c.cfg.Levels)
	prevAsks := levelIndex(c.prev.Asks, c.cfg.Levels)

	for i := 0; i < c.cfg.Levels && i < len(snapshot.Bids); i++ {
		bid := snapshot.Bids[i]
		summary.TotalBidFlow += bid.Quantity - prevBids[bid.Price]
	}
	for i := 0; i < c.cfg.Levels && i < len(snapshot.Asks); i++ {
		ask := snapshot.Asks[i]
		summary.TotalAskFlow += ask.Quantity - prevAsks[ask.Price]
	}

	summary.NetFlow = summary.TotalBidFlow - summary.TotalAskFlow
	summary.Intensity = c.FlowIntensity(summary.NetFlow)
	if summary.NetFlow > 0 {
		summary.Dominance = DominanceBuy
	} else if summary.NetFlow < 0 {
		summary.Dominance = DominanceSell
	}
	return summary
}

// LiquidityImbalance finds the closest bid and closest ask to an
// arbitrary target price and returns (bidQty - askQty)/(bidQty + askQty)
// in [-1, 1]. An empty book yields 0.
func (c *Calculator) LiquidityImbalance(snapshot marketdata.OrderbookSnapshot, targetPrice float64) float64 {
	bidQty := closestQuantity(snapshot.Bids, targetPrice)
	askQty := closestQuantity(snapshot.Asks, targetPrice)
	total := bidQty + askQty
	if total == 0 {
		return 0
	}
	return (bidQty - askQty) / total
}

// History copies the bounded flow record buffer, oldest first.
func (c *Calculator) History() []FlowData {
	return c.history.Slice()
}

// Reset drops the baseline snapshot and clears the flow history.
// Configuration is untouched.
func (c *Calculator) Reset() {
	c.prev = nil
	c.history.Clear()
}

// levelIndex maps price onto quantity for the top n levels of one side.
// Prices originate from the same feed, so float keys compare exactly.
func levelIndex(levels []marketdata.PriceLevel, n int) map[float64]float64 {
	idx := make(map[float64]float64, n)
	for i := 0; i < n && i < len(levels); i++ {
		idx[levels[i].Price] = levels[i].Quantity
	}
	return idx
}

func closestQuantity(levels []marketdata.PriceLevel, target float64) float64 {
	qty := 0.0
	best := math.Inf(1)
	for _, l := range levels {
		if d := math.Abs(l.Price - target); d < best {
			best = d
			qty = l.Quantity
		}
	}
	return qty
}
