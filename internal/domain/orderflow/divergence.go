package orderflow

import (
	"math"
	"time"

	"tapeflow/pkg/errors"
)

// DivergenceType labels the four price-vs-flow disagreement patterns.
type DivergenceType string

const (
	DivergenceBullish       DivergenceType = "BULLISH"
	DivergenceBearish       DivergenceType = "BEARISH"
	DivergenceHiddenBullish DivergenceType = "HIDDEN_BULLISH"
	DivergenceHiddenBearish DivergenceType = "HIDDEN_BEARISH"
)

const (
	// DefaultDivergenceWindow is the number of trailing points compared.
	DefaultDivergenceWindow = 5

	// DefaultHiddenRatio is how much faster flow must move than price,
	// in relative terms, before a same-direction move counts as hidden
	// divergence.
	DefaultHiddenRatio = 1.5
)

// DivergenceConfig holds detector tuning. Zero fields take defaults.
type DivergenceConfig struct {
	Window      int
	HiddenRatio float64
}

// DefaultDivergenceConfig returns the standard detector configuration.
func DefaultDivergenceConfig() DivergenceConfig {
	return DivergenceConfig{
		Window:      DefaultDivergenceWindow,
		HiddenRatio: DefaultHiddenRatio,
	}
}

// Validate fails fast on unusable values.
func (c DivergenceConfig) Validate() error {
	if c.Window < 2 {
		return errors.NewValidationError("window", "must be at least 2", c.Window)
	}
	if c.HiddenRatio <= 0 {
		return errors.NewValidationError("hidden_ratio", "must be positive", c.HiddenRatio)
	}
	return nil
}

func (c DivergenceConfig) withDefaults() DivergenceConfig {
	if c.Window == 0 {
		c.Window = DefaultDivergenceWindow
	}
	if c.HiddenRatio == 0 {
		c.HiddenRatio = DefaultHiddenRatio
	}
	return c
}

// DivergenceSignal is an immutable detection result, emitted as an event
// and never retained by the detector.
type DivergenceSignal struct {
	Type       DivergenceType `json:"type"`
	Timestamp  int64          `json:"timestamp"`
	PriceStart float64        `json:"price_start"`
	PriceEnd   float64        `json:"price_end"`
	FlowStart  float64        `json:"flow_start"`
	FlowEnd    float64        `json:"flow_end"`
	Strength   float64        `json:"strength"` // 0-100
}

// DivergenceDetector is a rule-based classifier over already-computed
// price and flow series. It holds no state between calls.
type DivergenceDetector struct {
	cfg DivergenceConfig
	now func() time.Time
}

// NewDivergenceDetector builds a detector, applying defaults to zero
// config fields and rejecting invalid ones.
func NewDivergenceDetector(cfg DivergenceConfig) (*DivergenceDetector, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &DivergenceDetector{cfg: cfg, now: time.Now}, nil
}

// Config returns the active configuration.
func (d *DivergenceDetector) Config() DivergenceConfig {
	return d.cfg
}

// Detect compares the trailing window of both series and returns a
// signal when one of the four patterns matches, nil otherwise. Series
// shorter than the window yield nil: insufficient data, not an error.
//
// Regular divergence is a disagreement of trend direction confirmed at
// the window extremes; hidden divergence is a same-direction move where
// relative flow change outpaces relative price change by the configured
// ratio (continuation rather than reversal).
func (d *DivergenceDetector) Detect(prices, flows []float64) *DivergenceSignal {
	w := d.cfg.Window
	if len(prices) < w || len(flows) < w {
		return nil
	}
	priceWin := prices[len(prices)-w:]
	flowWin := flows[len(flows)-w:]

	priceStart, priceEnd := priceWin[0], priceWin[w-1]
	flowStart, flowEnd := flowWin[0], flowWin[w-1]

	priceUp := priceEnd > priceStart
	priceDown := priceEnd < priceStart
	flowUp := flowEnd > flowStart
	flowDown := flowEnd < flowStart

	relPrice := relativeChange(priceStart, priceEnd)
	relFlow := relativeChange(flowStart, flowEnd)

	var divType DivergenceType
	switch {
	case priceUp && flowDown &&
		priceEnd == seriesMax(priceWin) && flowEnd < seriesMax(flowWin):
		// Price prints the window high while flow fails to: weakening rally.
		divType = DivergenceBearish

	case priceDown && flowUp &&
		priceEnd == seriesMin(priceWin) && flowEnd > seriesMin(flowWin):
		// Price prints the window low while flow holds up: weakening selloff.
		divType = DivergenceBullish

	case priceUp && flowUp && math.Abs(relFlow) > d.cfg.HiddenRatio*math.Abs(relPrice):
		divType = DivergenceHiddenBullish

	case priceDown && flowDown && math.Abs(relFlow) > d.cfg.HiddenRatio*math.Abs(relPrice):
		divType = DivergenceHiddenBearish

	default:
		return nil
	}

	return &DivergenceSignal{
		Type:       divType,
		Timestamp:  d.now().UnixMilli(),
		PriceStart: priceStart,
		PriceEnd:   priceEnd,
		FlowStart:  flowStart,
		FlowEnd:    flowEnd,
		Strength:   math.Min(100, math.Abs(relPrice)*100+math.Abs(relFlow)*100),
	}
}

// relativeChange guards against a zero start value: a series starting at
// zero has no meaningful relative change.
func relativeChange(start, end float64) float64 {
	if start == 0 {
		return 0
	}
	return (end - start) / math.Abs(start)
}

func seriesMax(s []float64) float64 {
	m := s[0]
	for _, v := range s[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func seriesMin(s []float64) float64 {
	m := s[0]
	for _, v := range s[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
