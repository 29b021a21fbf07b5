// Package orderflow derives trade-aggression analytics from the raw tape:
// delta volume, cumulative delta, bid/ask imbalance, tick speed and
// price-vs-flow divergence. One Calculator instance serves one symbol's
// stream and must not be shared across symbols.
package orderflow

import (
	"time"

	"tapeflow/internal/domain/marketdata"
	"tapeflow/pkg/errors"
	"tapeflow/pkg/ring"
)

// Aggression classifies which side is driving trades.
type Aggression string

const (
	AggressionBuy     Aggression = "BUY"
	AggressionSell    Aggression = "SELL"
	AggressionNeutral Aggression = "NEUTRAL"
)

const (
	// DefaultTradeHistorySize bounds the per-instance trade buffer.
	DefaultTradeHistorySize = 10_000

	// DefaultImbalanceThreshold is the co-confirmation threshold for the
	// aggregate aggression call: delta and imbalance must agree and the
	// imbalance must clear this bar.
	DefaultImbalanceThreshold = 0.1

	// DefaultWindow is the lookback for tick speed and volume rate.
	DefaultWindow = time.Second
)

// Config holds FlowCalculator tuning. Zero fields are filled with defaults.
type Config struct {
	TradeHistorySize   int
	ImbalanceThreshold float64
	// Window is the lookback for tick speed and volume rate in snapshots.
	Window time.Duration
}

// DefaultConfig returns the standard flow configuration.
func DefaultConfig() Config {
	return Config{
		TradeHistorySize:   DefaultTradeHistorySize,
		ImbalanceThreshold: DefaultImbalanceThreshold,
		Window:             DefaultWindow,
	}
}

// Validate fails fast on unusable values so the hot path never has to.
func (c Config) Validate() error {
	if c.TradeHistorySize <= 0 {
		return errors.NewValidationError("trade_history_size", "must be positive", c.TradeHistorySize)
	}
	if c.ImbalanceThreshold < 0 || c.ImbalanceThreshold >= 1 {
		return errors.NewValidationError("imbalance_threshold", "must be in [0, 1)", c.ImbalanceThreshold)
	}
	if c.Window < 0 {
		return errors.NewValidationError("window", "must not be negative", c.Window)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.TradeHistorySize == 0 {
		c.TradeHistorySize = DefaultTradeHistorySize
	}
	if c.ImbalanceThreshold == 0 {
		c.ImbalanceThreshold = DefaultImbalanceThreshold
	}
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	return c
}

// FlowSnapshot aggregates every flow statistic at one instant.
type FlowSnapshot struct {
	Timestamp       int64      `json:"timestamp"`
	DeltaVolume     float64    `json:"delta_volume"`
	CumulativeDelta float64    `json:"cumulative_delta"`
	Imbalance       float64    `json:"imbalance"`
	TickSpeed       float64    `json:"tick_speed"`  // trades per second
	VolumeRate      float64    `json:"volume_rate"` // quantity per second
	Aggression      Aggression `json:"aggression"`
}

// Calculator is the stateful order-flow engine for one symbol.
// Single-writer: all methods are synchronous, allocation-light and
// exception-free on degenerate input (identity values instead of errors).
type Calculator struct {
	cfg             Config
	cumulativeDelta float64
	trades          *ring.Buffer[marketdata.TradeTick]

	now func() time.Time
}

// NewCalculator builds a flow calculator, applying defaults to zero
// config fields and rejecting invalid ones.
func NewCalculator(cfg Config) (*Calculator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{
		cfg:    cfg,
		trades: ring.New[marketdata.TradeTick](cfg.TradeHistorySize),
		now:    time.Now,
	}, nil
}

// UpdateConfig merges non-zero fields into the current configuration.
// Shrinking the history size re-buffers, keeping the newest trades.
func (c *Calculator) UpdateConfig(cfg Config) error {
	merged := c.cfg
	if cfg.TradeHistorySize != 0 {
		merged.TradeHistorySize = cfg.TradeHistorySize
	}
	if cfg.ImbalanceThreshold != 0 {
		merged.ImbalanceThreshold = cfg.ImbalanceThreshold
	}
	if cfg.Window != 0 {
		merged.Window = cfg.Window
	}
	if err := merged.Validate(); err != nil {
		return err
	}
	if merged.TradeHistorySize != c.cfg.TradeHistorySize {
		rebuf := ring.New[marketdata.TradeTick](merged.TradeHistorySize)
		for _, t := range c.trades.Tail(merged.TradeHistorySize) {
			rebuf.Push(t)
		}
		c.trades = rebuf
	}
	c.cfg = merged
	return nil
}

// Config returns the active configuration.
func (c *Calculator) Config() Config {
	return c.cfg
}

// DeltaVolume sums +quantity for buy-aggressor trades and -quantity for
// sell-aggressor trades. Empty input yields 0.
func (c *Calculator) DeltaVolume(trades []marketdata.TradeTick) float64 {
	delta := 0.0
	for _, t := range trades {
		delta += t.SignedQuantity()
	}
	return delta
}

// Imbalance returns (bidVolume - askVolume) / (bidVolume + askVolume)
// over all visible levels, in [-1, 1]. An empty book yields 0.
func (c *Calculator) Imbalance(book marketdata.OrderbookSnapshot) float64 {
	bidVol := book.BidVolume()
	askVol := book.AskVolume()
	total := bidVol + askVol
	if total == 0 {
		return 0
	}
	return (bidVol - askVol) / total
}

// TickSpeed counts trades with timestamp inside the trailing window and
// normalizes to trades per second. Non-positive windows fall back to the
// default.
func (c *Calculator) TickSpeed(trades []marketdata.TradeTick, window time.Duration) float64 {
	if window <= 0 {
		window = DefaultWindow
	}
	cutoff := c.now().UnixMilli() - window.Milliseconds()
	count := 0
	for _, t := range trades {
		if t.Timestamp >= cutoff {
			count++
		}
	}
	return float64(count) / window.Seconds()
}

// VolumeRate sums traded quantity inside the trailing window, normalized
// to quantity per second.
func (c *Calculator) VolumeRate(trades []marketdata.TradeTick, window time.Duration) float64 {
	if window <= 0 {
		window = DefaultWindow
	}
	cutoff := c.now().UnixMilli() - window.Milliseconds()
	volume := 0.0
	for _, t := range trades {
		if t.Timestamp >= cutoff {
			volume += t.Quantity
		}
	}
	return volume / window.Seconds()
}

// IdentifyAggression classifies a single trade against the book: a trade
// at or above the best ask with buy-side aggression is BUY, at or below
// the best bid with sell-side aggression is SELL, anything else NEUTRAL.
// With no book available the trade's own aggressor flag decides.
func (c *Calculator) IdentifyAggression(trade marketdata.TradeTick, book *marketdata.OrderbookSnapshot) Aggression {
	if book == nil {
		if trade.IsAggressorSell {
			return AggressionSell
		}
		return AggressionBuy
	}

	if ask, ok := book.BestAsk(); ok && trade.Price >= ask.Price && !trade.IsAggressorSell {
		return AggressionBuy
	}
	if bid, ok := book.BestBid(); ok && trade.Price <= bid.Price && trade.IsAggressorSell {
		return AggressionSell
	}
	return AggressionNeutral
}

// ProcessTrade appends the trade to the bounded history (oldest evicted
// beyond capacity) and advances the cumulative delta.
func (c *Calculator) ProcessTrade(trade marketdata.TradeTick) {
	c.trades.Push(trade)
	c.cumulativeDelta += trade.SignedQuantity()
}

// CumulativeDelta returns the running signed volume since the last session reset.
// It is unbounded and may drift until ResetSession is called.
func (c *Calculator) CumulativeDelta() float64 {
	return c.cumulativeDelta
}

// TradeHistory copies the bounded trade buffer, oldest first.
func (c *Calculator) TradeHistory() []marketdata.TradeTick {
	return c.trades.Slice()
}

// Snapshot aggregates all flow statistics for the given trades and book
// into one FlowSnapshot. The aggregate aggression requires delta and
// imbalance to co-confirm beyond the configured threshold.
func (c *Calculator) Snapshot(trades []marketdata.TradeTick, book marketdata.OrderbookSnapshot) FlowSnapshot {
	delta := c.DeltaVolume(trades)
	imbalance := c.Imbalance(book)

	aggression := AggressionNeutral
	switch {
	case delta > 0 && imbalance > c.cfg.ImbalanceThreshold:
		aggression = AggressionBuy
	case delta < 0 && imbalance < -c.cfg.ImbalanceThreshold:
		aggression = AggressionSell
	}

	return FlowSnapshot{
		Timestamp:       c.now().UnixMilli(),
		DeltaVolume:     delta,
		CumulativeDelta: c.cumulativeDelta,
		Imbalance:       imbalance,
		TickSpeed:       c.TickSpeed(trades, c.cfg.Window),
		VolumeRate:      c.VolumeRate(trades, c.cfg.Window),
		Aggression:      aggression,
	}
}

// ResetSession zeroes the cumulative delta and clears the trade history.
// Configuration is untouched.
func (c *Calculator) ResetSession() {
	c.cumulativeDelta = 0
	c.trades.Clear()
}
