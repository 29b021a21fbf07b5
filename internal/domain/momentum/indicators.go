// Package momentum computes classic momentum and volatility indicators
// over closing-price series and classifies each into a trading signal.
package momentum

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"tapeflow/pkg/errors"
)

// Signal is the directional interpretation of an indicator reading.
type Signal string

const (
	SignalBuy     Signal = "BUY"
	SignalSell    Signal = "SELL"
	SignalNeutral Signal = "NEUTRAL"
)

const (
	DefaultRSIPeriod       = 14
	DefaultMACDFast        = 12
	DefaultMACDSlow        = 26
	DefaultMACDSignal      = 9
	DefaultBollingerPeriod = 20
	DefaultBollingerStdDev = 2.0

	rsiOversold   = 30.0
	rsiOverbought = 70.0

	// Bandwidth below this percentage of the middle band reads as a squeeze.
	squeezeBandwidthPct = 5.0
)

// Config holds indicator periods. Zero fields take defaults.
type Config struct {
	RSIPeriod       int
	MACDFast        int
	MACDSlow        int
	MACDSignal      int
	BollingerPeriod int
	BollingerStdDev float64
}

// DefaultConfig returns the conventional 14 / 12-26-9 / 20-2.0 setup.
func DefaultConfig() Config {
	return Config{
		RSIPeriod:       DefaultRSIPeriod,
		MACDFast:        DefaultMACDFast,
		MACDSlow:        DefaultMACDSlow,
		MACDSignal:      DefaultMACDSignal,
		BollingerPeriod: DefaultBollingerPeriod,
		BollingerStdDev: DefaultBollingerStdDev,
	}
}

// Validate fails fast on unusable values.
func (c Config) Validate() error {
	if c.RSIPeriod < 2 {
		return errors.NewValidationError("rsi_period", "must be at least 2", c.RSIPeriod)
	}
	if c.MACDFast <= 0 || c.MACDSlow <= 0 || c.MACDSignal <= 0 {
		return errors.NewValidationError("macd_periods", "must be positive", c)
	}
	if c.MACDFast >= c.MACDSlow {
		return errors.NewValidationError("macd_fast", "must be below the slow period", c.MACDFast)
	}
	if c.BollingerPeriod < 2 {
		return errors.NewValidationError("bollinger_period", "must be at least 2", c.BollingerPeriod)
	}
	if c.BollingerStdDev <= 0 {
		return errors.NewValidationError("bollinger_std_dev", "must be positive", c.BollingerStdDev)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.RSIPeriod == 0 {
		c.RSIPeriod = DefaultRSIPeriod
	}
	if c.MACDFast == 0 {
		c.MACDFast = DefaultMACDFast
	}
	if c.MACDSlow == 0 {
		c.MACDSlow = DefaultMACDSlow
	}
	if c.MACDSignal == 0 {
		c.MACDSignal = DefaultMACDSignal
	}
	if c.BollingerPeriod == 0 {
		c.BollingerPeriod = DefaultBollingerPeriod
	}
	if c.BollingerStdDev == 0 {
		c.BollingerStdDev = DefaultBollingerStdDev
	}
	return c
}

// RSIResult carries the current RSI value and its classification.
// Valid is false when the series is too short for the period.
type RSIResult struct {
	Value     float64 `json:"value"`
	Valid     bool    `json:"valid"`
	Signal    Signal  `json:"signal"`
	Condition string  `json:"condition"`
}

// MACDResult carries the current MACD line, signal line and histogram.
type MACDResult struct {
	MACD       float64 `json:"macd"`
	SignalLine float64 `json:"signal_line"`
	Histogram  float64 `json:"histogram"`
	Valid      bool    `json:"valid"`
	Signal     Signal  `json:"signal"`
	Condition  string  `json:"condition"`
}

// BollingerResult carries the current band values and the price position.
type BollingerResult struct {
	Upper     float64 `json:"upper"`
	Middle    float64 `json:"middle"`
	Lower     float64 `json:"lower"`
	Price     float64 `json:"price"`
	Bandwidth float64 `json:"bandwidth"`
	Valid     bool    `json:"valid"`
	Signal    Signal  `json:"signal"`
	Condition string  `json:"condition"`
}

// Snapshot bundles all indicator readings for one series.
type Snapshot struct {
	RSI       RSIResult       `json:"rsi"`
	MACD      MACDResult      `json:"macd"`
	Bollinger BollingerResult `json:"bollinger"`
}

// Analyzer computes momentum indicators with fixed periods. Stateless
// apart from configuration, safe to share between goroutines.
type Analyzer struct {
	cfg Config
}

// NewAnalyzer builds an analyzer, applying defaults to zero config
// fields and rejecting invalid ones.
func NewAnalyzer(cfg Config) (*Analyzer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Analyzer{cfg: cfg}, nil
}

// Config returns the active configuration.
func (a *Analyzer) Config() Config {
	return a.cfg
}

// RSI computes the Relative Strength Index over the series. Readings
// below 30 classify as BUY, above 70 as SELL.
func (a *Analyzer) RSI(closes []float64) RSIResult {
	period := a.cfg.RSIPeriod
	if len(closes) < period+1 {
		return RSIResult{Signal: SignalNeutral, Condition: "insufficient data for RSI"}
	}

	values := talib.Rsi(closes, period)
	value := values[len(values)-1]

	result := RSIResult{Value: value, Valid: true}
	switch {
	case value < rsiOversold:
		result.Signal = SignalBuy
		result.Condition = fmt.Sprintf("RSI oversold (%.2f < %.0f)", value, rsiOversold)
	case value > rsiOverbought:
		result.Signal = SignalSell
		result.Condition = fmt.Sprintf("RSI overbought (%.2f > %.0f)", value, rsiOverbought)
	default:
		result.Signal = SignalNeutral
		result.Condition = fmt.Sprintf("RSI neutral (%.2f in %.0f-%.0f range)", value, rsiOversold, rsiOverbought)
	}
	return result
}

// MACD computes the MACD line, signal line and histogram. A histogram
// zero-cross between the last two readings classifies as BUY or SELL;
// a steady sign only reports momentum direction.
func (a *Analyzer) MACD(closes []float64) MACDResult {
	if len(closes) < a.cfg.MACDSlow+a.cfg.MACDSignal {
		return MACDResult{Signal: SignalNeutral, Condition: "insufficient data for MACD"}
	}

	macdLine, signalLine, histogram := talib.Macd(closes, a.cfg.MACDFast, a.cfg.MACDSlow, a.cfg.MACDSignal)
	n := len(histogram)
	cur := histogram[n-1]

	result := MACDResult{
		MACD:       macdLine[n-1],
		SignalLine: signalLine[n-1],
		Histogram:  cur,
		Valid:      true,
	}

	prev := histogram[n-2]
	switch {
	case prev <= 0 && cur > 0:
		result.Signal = SignalBuy
		result.Condition = "MACD crossed above signal line"
	case prev >= 0 && cur < 0:
		result.Signal = SignalSell
		result.Condition = "MACD crossed below signal line"
	case cur > 0:
		result.Signal = SignalNeutral
		result.Condition = "MACD above signal line, bullish momentum"
	default:
		result.Signal = SignalNeutral
		result.Condition = "MACD below signal line, bearish momentum"
	}
	return result
}

// Bollinger computes the bands over the series. A close outside the
// bands classifies as BUY or SELL; a narrow bandwidth reads as a
// squeeze and stays neutral.
func (a *Analyzer) Bollinger(closes []float64) BollingerResult {
	period := a.cfg.BollingerPeriod
	if len(closes) < period {
		return BollingerResult{Signal: SignalNeutral, Condition: "insufficient data for Bollinger Bands"}
	}

	upper, middle, lower := talib.BBands(closes, period, a.cfg.BollingerStdDev, a.cfg.BollingerStdDev, talib.SMA)
	n := len(closes)

	result := BollingerResult{
		Upper:  upper[n-1],
		Middle: middle[n-1],
		Lower:  lower[n-1],
		Price:  closes[n-1],
		Valid:  true,
	}
	if result.Middle != 0 {
		result.Bandwidth = (result.Upper - result.Lower) / result.Middle * 100
	}

	switch {
	case result.Price < result.Lower:
		result.Signal = SignalBuy
		result.Condition = fmt.Sprintf("price below lower band (%.2f < %.2f)", result.Price, result.Lower)
	case result.Price > result.Upper:
		result.Signal = SignalSell
		result.Condition = fmt.Sprintf("price above upper band (%.2f > %.2f)", result.Price, result.Upper)
	case result.Bandwidth < squeezeBandwidthPct:
		result.Signal = SignalNeutral
		result.Condition = fmt.Sprintf("bands squeezing, bandwidth %.2f%%", result.Bandwidth)
	default:
		result.Signal = SignalNeutral
		result.Condition = fmt.Sprintf("price within bands (%.2f < %.2f < %.2f)", result.Lower, result.Price, result.Upper)
	}
	return result
}

// Analyze computes all indicators over one series.
func (a *Analyzer) Analyze(closes []float64) Snapshot {
	return Snapshot{
		RSI:       a.RSI(closes),
		MACD:      a.MACD(closes),
		Bollinger: a.Bollinger(closes),
	}
}
