// Package profile computes price-binned volume distributions (volume
// profile) over bar windows: Point of Control, Value Area and volume
// nodes. The calculator is stateless between calls; every Calculate is
// a full recomputation over the supplied bars.
package profile

import (
	"math"
	"sort"
	"time"

	"tapeflow/internal/domain/marketdata"
	"tapeflow/pkg/errors"
	"tapeflow/pkg/logger"
)

const (
	// DefaultBins is the default bucket count for a profile.
	DefaultBins = 50

	// DefaultValueAreaPercent is the share of total volume the value
	// area must cover.
	DefaultValueAreaPercent = 70.0

	// slowCalcTarget is the soft latency budget for one profile pass.
	// Exceeding it is logged, never fatal.
	slowCalcTarget = 10 * time.Millisecond
)

// Config holds profile tuning. Zero fields take defaults.
type Config struct {
	Bins             int
	ValueAreaPercent float64
}

// DefaultConfig returns the standard profile configuration.
func DefaultConfig() Config {
	return Config{Bins: DefaultBins, ValueAreaPercent: DefaultValueAreaPercent}
}

// Validate fails fast on unusable values.
func (c Config) Validate() error {
	if c.Bins <= 0 {
		return errors.NewValidationError("bins", "must be positive", c.Bins)
	}
	if c.ValueAreaPercent <= 0 || c.ValueAreaPercent > 100 {
		return errors.NewValidationError("value_area_percent", "must be in (0, 100]", c.ValueAreaPercent)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Bins == 0 {
		c.Bins = DefaultBins
	}
	if c.ValueAreaPercent == 0 {
		c.ValueAreaPercent = DefaultValueAreaPercent
	}
	return c
}

// Node is one price bucket of the profile. Price is the bucket center.
type Node struct {
	Price      float64 `json:"price"`
	Volume     float64 `json:"volume"`
	Percentage float64 `json:"percentage"`
}

// Data is a complete volume profile. Nodes are ordered by ascending price.
type Data struct {
	Nodes       []Node  `json:"nodes"`
	POC         float64 `json:"poc"`
	VAH         float64 `json:"vah"`
	VAL         float64 `json:"val"`
	TotalVolume float64 `json:"total_volume"`
	MaxVolume   float64 `json:"max_volume"`
}

// Calculator bins bars by price and derives POC and Value Area.
type Calculator struct {
	cfg Config
	log *logger.Logger
	now func() time.Time
}

// NewCalculator builds a profile calculator, applying defaults to zero
// config fields and rejecting invalid ones.
func NewCalculator(cfg Config) (*Calculator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{
		cfg: cfg,
		log: logger.Get().With("component", "volume_profile"),
		now: time.Now,
	}, nil
}

// UpdateConfig merges non-zero fields into the current configuration.
func (c *Calculator) UpdateConfig(cfg Config) error {
	merged := c.cfg
	if cfg.Bins != 0 {
		merged.Bins = cfg.Bins
	}
	if cfg.ValueAreaPercent != 0 {
		merged.ValueAreaPercent = cfg.ValueAreaPercent
	}
	if err := merged.Validate(); err != nil {
		return err
	}
	c.cfg = merged
	return nil
}

// Config returns the active configuration.
func (c *Calculator) Config() Config {
	return c.cfg
}

// Calculate bins the bars into equal-width price buckets and derives
// POC and Value Area. Each bar's volume is distributed across every
// bucket it overlaps, weighted by fractional overlap, so the summed
// node volume equals the summed bar volume (volume conservation).
//
// Returns nil on empty input, a degenerate zero-wide price range, or
// zero total volume: insufficient data, not an error.
func (c *Calculator) Calculate(bars []marketdata.Bar) *Data {
	started := time.Now()
	defer func() {
		if elapsed := time.Since(started); elapsed > slowCalcTarget {
			c.log.Warnf("profile calculation exceeded %v: took %v over %d bars, %d bins",
				slowCalcTarget, elapsed, len(bars), c.cfg.Bins)
		}
	}()

	if len(bars) == 0 {
		return nil
	}

	minPrice := bars[0].Low
	maxPrice := bars[0].High
	for _, bar := range bars[1:] {
		if bar.Low < minPrice {
			minPrice = bar.Low
		}
		if bar.High > maxPrice {
			maxPrice = bar.High
		}
	}
	if minPrice == maxPrice {
		return nil
	}

	bins := c.cfg.Bins
	priceRange := maxPrice - minPrice
	binWidth := priceRange / float64(bins)
	volumes := make([]float64, bins)

	for _, bar := range bars {
		barRange := bar.High - bar.Low
		if barRange == 0 {
			// Point bar: the whole volume lands in one bucket.
			volumes[c.binIndex(bar.Low, minPrice, binWidth)] += bar.Volume
			continue
		}
		lo := c.binIndex(bar.Low, minPrice, binWidth)
		hi := c.binIndex(bar.High, minPrice, binWidth)
		for i := lo; i <= hi; i++ {
			bucketLow := minPrice + float64(i)*binWidth
			bucketHigh := bucketLow + binWidth
			overlap := math.Min(bucketHigh, bar.High) - math.Max(bucketLow, bar.Low)
			if overlap > 0 {
				volumes[i] += bar.Volume * overlap / barRange
			}
		}
	}

	totalVolume := 0.0
	maxVolume := 0.0
	pocIndex := 0
	for i, v := range volumes {
		totalVolume += v
		if v > maxVolume {
			maxVolume = v
			pocIndex = i
		}
	}
	if totalVolume == 0 {
		return nil
	}

	vah, val := c.valueArea(volumes, totalVolume, minPrice, binWidth)

	nodes := make([]Node, bins)
	for i, v := range volumes {
		nodes[i] = Node{
			Price:      binCenter(i, minPrice, binWidth),
			Volume:     v,
			Percentage: v / totalVolume * 100,
		}
	}

	return &Data{
		Nodes:       nodes,
		POC:         binCenter(pocIndex, minPrice, binWidth),
		VAH:         vah,
		VAL:         val,
		TotalVolume: totalVolume,
		MaxVolume:   maxVolume,
	}
}

// valueArea accumulates buckets greedily by volume rank until the
// configured share of total volume is covered, then returns the highest
// and lowest bucket centers among the accumulated set. The set is not
// necessarily contiguous in price; that is a property of the greedy
// accumulation, kept deliberately.
func (c *Calculator) valueArea(volumes []float64, totalVolume, minPrice, binWidth float64) (vah, val float64) {
	order := make([]int, len(volumes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return volumes[order[a]] > volumes[order[b]]
	})

	target := totalVolume * c.cfg.ValueAreaPercent / 100
	accumulated := 0.0
	hiIdx, loIdx := -1, -1
	for _, i := range order {
		accumulated += volumes[i]
		if hiIdx == -1 || i > hiIdx {
			hiIdx = i
		}
		if loIdx == -1 || i < loIdx {
			loIdx = i
		}
		if accumulated >= target {
			break
		}
	}
	return binCenter(hiIdx, minPrice, binWidth), binCenter(loIdx, minPrice, binWidth)
}

// CalculateRange pre-filters bars to [from, to) by bar open time and
// delegates to Calculate.
func (c *Calculator) CalculateRange(bars []marketdata.Bar, from, to int64) *Data {
	filtered := make([]marketdata.Bar, 0, len(bars))
	for _, bar := range bars {
		if bar.Time >= from && bar.Time < to {
			filtered = append(filtered, bar)
		}
	}
	return c.Calculate(filtered)
}

// CalculateSession profiles bars from the session start onward.
func (c *Calculator) CalculateSession(bars []marketdata.Bar, sessionStart int64) *Data {
	return c.CalculateRange(bars, sessionStart, math.MaxInt64)
}

// CalculateWeekly profiles the trailing seven days of bars.
func (c *Calculator) CalculateWeekly(bars []marketdata.Bar) *Data {
	nowMS := c.now().UnixMilli()
	return c.CalculateRange(bars, nowMS-7*24*time.Hour.Milliseconds(), nowMS+1)
}

// HighVolumeNodes returns nodes whose volume is at least multiplier
// times the mean bucket volume.
func (c *Calculator) HighVolumeNodes(data *Data, multiplier float64) []Node {
	if data == nil || len(data.Nodes) == 0 {
		return nil
	}
	mean := data.TotalVolume / float64(len(data.Nodes))
	var nodes []Node
	for _, n := range data.Nodes {
		if n.Volume >= mean*multiplier {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// LowVolumeNodes returns nodes whose volume is at most multiplier times
// the mean bucket volume.
func (c *Calculator) LowVolumeNodes(data *Data, multiplier float64) []Node {
	if data == nil || len(data.Nodes) == 0 {
		return nil
	}
	mean := data.TotalVolume / float64(len(data.Nodes))
	var nodes []Node
	for _, n := range data.Nodes {
		if n.Volume <= mean*multiplier {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// InValueArea reports whether price falls inside [VAL, VAH].
func (c *Calculator) InValueArea(data *Data, price float64) bool {
	if data == nil {
		return false
	}
	return price >= data.VAL && price <= data.VAH
}

// VolumeAtPrice returns the volume of the node nearest to price, 0 when
// no profile is available.
func (c *Calculator) VolumeAtPrice(data *Data, price float64) float64 {
	if data == nil || len(data.Nodes) == 0 {
		return 0
	}
	nearest := data.Nodes[0]
	for _, n := range data.Nodes[1:] {
		if math.Abs(n.Price-price) < math.Abs(nearest.Price-price) {
			nearest = n
		}
	}
	return nearest.Volume
}

// binIndex maps a price onto a bucket index, clamped into range so the
// max price lands in the last bucket instead of one past it.
func (c *Calculator) binIndex(price, minPrice, binWidth float64) int {
	if binWidth == 0 {
		return 0
	}
	i := int((price - minPrice) / binWidth)
	if i < 0 {
		i = 0
	}
	if i >= c.cfg.Bins {
		i = c.cfg.Bins - 1
	}
	return i
}

func binCenter(i int, minPrice, binWidth float64) float64 {
	return minPrice + (float64(i)+0.5)*binWidth
}
