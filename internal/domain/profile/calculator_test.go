package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tapeflow/internal/domain/marketdata"
	apperrors "tapeflow/pkg/errors"
)

func newTestCalculator(t *testing.T, cfg Config) *Calculator {
	t.Helper()
	calc, err := NewCalculator(cfg)
	require.NoError(t, err)
	return calc
}

func TestNewCalculatorValidation(t *testing.T) {
	_, err := NewCalculator(Config{Bins: -10})
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)

	_, err = NewCalculator(Config{ValueAreaPercent: 120})
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)

	calc := newTestCalculator(t, Config{})
	assert.Equal(t, DefaultBins, calc.Config().Bins)
	assert.Equal(t, DefaultValueAreaPercent, calc.Config().ValueAreaPercent)
}

func TestCalculateDegenerateInput(t *testing.T) {
	calc := newTestCalculator(t, Config{})

	t.Run("no bars", func(t *testing.T) {
		assert.Nil(t, calc.Calculate(nil))
	})

	t.Run("zero price range", func(t *testing.T) {
		bars := []marketdata.Bar{{High: 100, Low: 100, Volume: 50}}
		assert.Nil(t, calc.Calculate(bars))
	})

	t.Run("zero total volume", func(t *testing.T) {
		bars := []marketdata.Bar{{High: 110, Low: 100, Volume: 0}}
		assert.Nil(t, calc.Calculate(bars))
	})
}

func TestCalculateSingleBarUniform(t *testing.T) {
	calc := newTestCalculator(t, Config{Bins: 10})

	bars := []marketdata.Bar{{Low: 100, High: 110, Volume: 1000}}
	data := calc.Calculate(bars)
	require.NotNil(t, data)
	require.Len(t, data.Nodes, 10)

	// The single bar spans the whole range: each 1.0-wide bucket gets
	// an equal 100 share.
	for i, n := range data.Nodes {
		assert.InDelta(t, 100.0, n.Volume, 1e-9, "bucket %d", i)
		assert.InDelta(t, 10.0, n.Percentage, 1e-9)
		assert.InDelta(t, 100.0+float64(i)+0.5, n.Price, 1e-9)
	}
	assert.InDelta(t, 1000.0, data.TotalVolume, 1e-9)
	assert.InDelta(t, 100.0, data.MaxVolume, 1e-9)

	// Value area collects buckets until 70% of 1000 is reached: 7 of the
	// 10 equal buckets.
	assert.True(t, data.VAH > data.VAL)
	assert.True(t, calc.InValueArea(data, data.POC))
}

func TestVolumeConservation(t *testing.T) {
	calc := newTestCalculator(t, Config{Bins: 37})

	bars := []marketdata.Bar{
		{Low: 100, High: 104, Volume: 250},
		{Low: 102, High: 109.5, Volume: 801.25},
		{Low: 97.3, High: 101, Volume: 42},
		{Low: 108, High: 112.8, Volume: 1234.5},
		{Low: 105, High: 105.0001, Volume: 10},
	}
	data := calc.Calculate(bars)
	require.NotNil(t, data)

	sum := 0.0
	for _, n := range data.Nodes {
		sum += n.Volume
	}
	want := 250 + 801.25 + 42 + 1234.5 + 10.0
	assert.InDelta(t, want, sum, 1e-6)
	assert.InDelta(t, want, data.TotalVolume, 1e-6)
}

func TestPOCIsMaxVolumeBucket(t *testing.T) {
	calc := newTestCalculator(t, Config{Bins: 20})

	// Concentrate volume around 105.
	bars := []marketdata.Bar{
		{Low: 100, High: 110, Volume: 100},
		{Low: 104.5, High: 105.5, Volume: 900},
	}
	data := calc.Calculate(bars)
	require.NotNil(t, data)

	var pocNode Node
	for _, n := range data.Nodes {
		if n.Volume == data.MaxVolume {
			pocNode = n
			break
		}
	}
	assert.Equal(t, pocNode.Price, data.POC)
	assert.True(t, data.POC > 104 && data.POC < 106)

	for _, n := range data.Nodes {
		assert.LessOrEqual(t, n.Volume, data.MaxVolume)
	}
}

func TestValueAreaCoversTarget(t *testing.T) {
	calc := newTestCalculator(t, Config{Bins: 15, ValueAreaPercent: 70})

	bars := []marketdata.Bar{
		{Low: 100, High: 115, Volume: 500},
		{Low: 103, High: 106, Volume: 700},
		{Low: 110, High: 113, Volume: 600},
	}
	data := calc.Calculate(bars)
	require.NotNil(t, data)

	// Re-accumulate the nodes inside [VAL, VAH] by volume rank: the
	// greedy set must cover at least 70% of total volume.
	covered := 0.0
	for _, n := range data.Nodes {
		if n.Price >= data.VAL && n.Price <= data.VAH {
			covered += n.Volume
		}
	}
	assert.GreaterOrEqual(t, covered, 0.70*data.TotalVolume)
	assert.GreaterOrEqual(t, data.VAH, data.POC)
	assert.LessOrEqual(t, data.VAL, data.POC)
}

func TestHighAndLowVolumeNodes(t *testing.T) {
	calc := newTestCalculator(t, Config{Bins: 10})

	bars := []marketdata.Bar{
		{Low: 100, High: 110, Volume: 100},      // 10 per bucket
		{Low: 100, High: 101, Volume: 500},      // spike in first bucket
	}
	data := calc.Calculate(bars)
	require.NotNil(t, data)

	hvn := calc.HighVolumeNodes(data, 2.0)
	require.Len(t, hvn, 1)
	assert.InDelta(t, 100.5, hvn[0].Price, 1e-9)

	lvn := calc.LowVolumeNodes(data, 0.5)
	assert.Len(t, lvn, 9)

	t.Run("nil data", func(t *testing.T) {
		assert.Nil(t, calc.HighVolumeNodes(nil, 2.0))
		assert.Nil(t, calc.LowVolumeNodes(nil, 0.5))
	})
}

func TestVolumeAtPriceNearestBucket(t *testing.T) {
	calc := newTestCalculator(t, Config{Bins: 10})

	bars := []marketdata.Bar{{Low: 100, High: 110, Volume: 1000}}
	data := calc.Calculate(bars)
	require.NotNil(t, data)

	assert.InDelta(t, 100.0, calc.VolumeAtPrice(data, 104.9), 1e-9)
	// Far outside the range still snaps to the nearest bucket.
	assert.InDelta(t, 100.0, calc.VolumeAtPrice(data, 500), 1e-9)
	assert.Zero(t, calc.VolumeAtPrice(nil, 100))
}

func TestCalculateRangeFiltersByTime(t *testing.T) {
	calc := newTestCalculator(t, Config{Bins: 10})

	bars := []marketdata.Bar{
		{Time: 1_000, Low: 100, High: 110, Volume: 400},
		{Time: 2_000, Low: 100, High: 110, Volume: 600},
		{Time: 3_000, Low: 200, High: 210, Volume: 999},
	}

	data := calc.CalculateRange(bars, 1_000, 3_000)
	require.NotNil(t, data)
	assert.InDelta(t, 1000.0, data.TotalVolume, 1e-9)

	session := calc.CalculateSession(bars, 3_000)
	require.NotNil(t, session)
	assert.InDelta(t, 999.0, session.TotalVolume, 1e-9)

	assert.Nil(t, calc.CalculateRange(bars, 10_000, 20_000))
}

func TestCalculateWeeklyUsesTrailingWindow(t *testing.T) {
	calc := newTestCalculator(t, Config{Bins: 10})
	now := time.UnixMilli(100 * 24 * 60 * 60 * 1000) // day 100
	calc.now = func() time.Time { return now }

	dayMS := int64(24 * 60 * 60 * 1000)
	bars := []marketdata.Bar{
		{Time: now.UnixMilli() - 10*dayMS, Low: 100, High: 110, Volume: 555}, // too old
		{Time: now.UnixMilli() - 2*dayMS, Low: 100, High: 110, Volume: 300},
		{Time: now.UnixMilli() - 1*dayMS, Low: 100, High: 110, Volume: 200},
	}

	data := calc.CalculateWeekly(bars)
	require.NotNil(t, data)
	assert.InDelta(t, 500.0, data.TotalVolume, 1e-9)
}

func TestUpdateConfigMerge(t *testing.T) {
	calc := newTestCalculator(t, Config{})

	require.NoError(t, calc.UpdateConfig(Config{Bins: 25}))
	assert.Equal(t, 25, calc.Config().Bins)
	assert.Equal(t, DefaultValueAreaPercent, calc.Config().ValueAreaPercent)

	assert.ErrorIs(t, calc.UpdateConfig(Config{Bins: -1}), apperrors.ErrInvalidConfig)
	assert.Equal(t, 25, calc.Config().Bins)
}
