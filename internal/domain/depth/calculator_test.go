package depth

import (
	"testing"

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

func book(ts int64, bids, asks []marketdata.PriceLevel) marketdata.OrderbookSnapshot {
	return marketdata.OrderbookSnapshot{Timestamp: ts, Bids: bids, Asks: asks}
}

func TestNewCalculatorValidation(t *testing.T) {
	_, err := NewCalculator(Config{Levels: -1})
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)

	_, err = NewCalculator(Config{FlowThreshold: -2})
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)

	calc := newTestCalculator(t, Config{})
	assert.Equal(t, DefaultLevels, calc.Config().Levels)
	assert.Equal(t, DefaultFlowThreshold, calc.Config().FlowThreshold)
	assert.Equal(t, DefaultHistorySize, calc.Config().HistorySize)
}

func TestProcessOrderbookFirstCallIsBaseline(t *testing.T) {
	calc := newTestCalculator(t, Config{})

	records := calc.ProcessOrderbook(book(1_000,
		[]marketdata.PriceLevel{{Price: 100, Quantity: 10}},
		[]marketdata.PriceLevel{{Price: 101, Quantity: 5}},
	))
	assert.Nil(t, records)
	assert.Empty(t, calc.History())
}

func TestProcessOrderbookBidDrop(t *testing.T) {
	calc := newTestCalculator(t, Config{FlowThreshold: 10})

	calc.ProcessOrderbook(book(1_000,
		[]marketdata.PriceLevel{{Price: 100, Quantity: 10}},
		[]marketdata.PriceLevel{{Price: 101, Quantity: 5}},
	))
	records := calc.ProcessOrderbook(book(2_000,
		[]marketdata.PriceLevel{{Price: 100, Quantity: 2}},
		[]marketdata.PriceLevel{{Price: 101, Quantity: 5}},
	))

	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, int64(2_000), rec.Timestamp)
	assert.Equal(t, 100.0, rec.Level)
	assert.InDelta(t, -8.0, rec.BidFlow, 1e-9)
	assert.InDelta(t, 0.0, rec.AskFlow, 1e-9)
	assert.InDelta(t, -8.0, rec.NetFlow, 1e-9)
	assert.Equal(t, IntensityMedium, rec.FlowIntensity)

	assert.Len(t, calc.History(), 1)
}

func TestProcessOrderbookNewLevelIsFullInflow(t *testing.T) {
	calc := newTestCalculator(t, Config{})

	calc.ProcessOrderbook(book(1_000,
		[]marketdata.PriceLevel{{Price: 100, Quantity: 10}},
		nil,
	))
	records := calc.ProcessOrderbook(book(2_000,
		[]marketdata.PriceLevel{{Price: 100.5, Quantity: 7}, {Price: 100, Quantity: 10}},
		nil,
	))

	require.Len(t, records, 2)
	// The new best bid did not exist before: its whole quantity is inflow.
	assert.InDelta(t, 7.0, records[0].BidFlow, 1e-9)
	// The old level is unchanged.
	assert.InDelta(t, 0.0, records[1].BidFlow, 1e-9)
}

func TestProcessOrderbookNetFlowInvariant(t *testing.T) {
	calc := newTestCalculator(t, Config{Levels: 3})

	calc.ProcessOrderbook(book(1_000,
		[]marketdata.PriceLevel{{Price: 100, Quantity: 4}, {Price: 99, Quantity: 6}},
		[]marketdata.PriceLevel{{Price: 101, Quantity: 3}, {Price: 102, Quantity: 9}},
	))
	records := calc.ProcessOrderbook(book(2_000,
		[]marketdata.PriceLevel{{Price: 100, Quantity: 9}, {Price: 99, Quantity: 1}},
		[]marketdata.PriceLevel{{Price: 101, Quantity: 8}, {Price: 102, Quantity: 2}},
	))

	require.Len(t, records, 2)
	for _, rec := range records {
		assert.InDelta(t, rec.BidFlow-rec.AskFlow, rec.NetFlow, 1e-9)
	}
}

func TestFlowIntensityBands(t *testing.T) {
	calc := newTestCalculator(t, Config{FlowThreshold: 10})

	cases := []struct {
		flow float64
		want Intensity
	}{
		{0, IntensityLow},
		{4.9, IntensityLow},
		{-4.9, IntensityLow},
		{5, IntensityMedium},
		{-9.9, IntensityMedium},
		{10, IntensityHigh},
		{-19.9, IntensityHigh},
		{20, IntensityExtreme},
		{-1000, IntensityExtreme},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, calc.FlowIntensity(tc.flow), "flow %v", tc.flow)
	}
}

func TestDetectFlowShifts(t *testing.T) {
	calc := newTestCalculator(t, Config{FlowThreshold: 10})

	t.Run("sign flip with large change", func(t *testing.T) {
		series := []FlowData{
			{Timestamp: 1, NetFlow: 8},
			{Timestamp: 2, NetFlow: -4}, // change -12, HIGH
		}
		shifts := calc.DetectFlowShifts(series)
		require.Len(t, shifts, 1)
		assert.Equal(t, int64(2), shifts[0].Timestamp)
		assert.InDelta(t, 8.0, shifts[0].From, 1e-9)
		assert.InDelta(t, -4.0, shifts[0].To, 1e-9)
		assert.InDelta(t, -12.0, shifts[0].Change, 1e-9)
		assert.Equal(t, IntensityHigh, shifts[0].Intensity)
	})

	t.Run("same sign never reports", func(t *testing.T) {
		series := []FlowData{
			{NetFlow: 100},
			{NetFlow: 5},
			{NetFlow: 80},
		}
		assert.Empty(t, calc.DetectFlowShifts(series))
	})

	t.Run("small flip never reports", func(t *testing.T) {
		series := []FlowData{
			{NetFlow: 2},
			{NetFlow: -2}, // change -4, LOW under threshold 10
		}
		assert.Empty(t, calc.DetectFlowShifts(series))
	})

	t.Run("short series", func(t *testing.T) {
		assert.Empty(t, calc.DetectFlowShifts(nil))
		assert.Empty(t, calc.DetectFlowShifts([]FlowData{{NetFlow: 5}}))
	})
}

func TestFlowSummary(t *testing.T) {
	calc := newTestCalculator(t, Config{FlowThreshold: 5})

	t.Run("no baseline is neutral", func(t *testing.T) {
		summary := calc.FlowSummary(book(1_000, nil, nil))
		assert.Equal(t, DominanceNeutral, summary.Dominance)
		assert.Zero(t, summary.NetFlow)
	})

	calc.ProcessOrderbook(book(1_000,
		[]marketdata.PriceLevel{{Price: 100, Quantity: 10}, {Price: 99, Quantity: 5}},
		[]marketdata.PriceLevel{{Price: 101, Quantity: 8}},
	))

	t.Run("buy dominance", func(t *testing.T) {
		summary := calc.FlowSummary(book(2_000,
			[]marketdata.PriceLevel{{Price: 100, Quantity: 18}, {Price: 99, Quantity: 5}},
			[]marketdata.PriceLevel{{Price: 101, Quantity: 6}},
		))
		assert.InDelta(t, 8.0, summary.TotalBidFlow, 1e-9)
		assert.InDelta(t, -2.0, summary.TotalAskFlow, 1e-9)
		assert.InDelta(t, 10.0, summary.NetFlow, 1e-9)
		assert.Equal(t, DominanceBuy, summary.Dominance)
		assert.Equal(t, IntensityExtreme, summary.Intensity)
	})

	t.Run("summary does not advance the baseline", func(t *testing.T) {
		again := calc.FlowSummary(book(3_000,
			[]marketdata.PriceLevel{{Price: 100, Quantity: 18}, {Price: 99, Quantity: 5}},
			[]marketdata.PriceLevel{{Price: 101, Quantity: 6}},
		))
		assert.InDelta(t, 10.0, again.NetFlow, 1e-9)
	})

	t.Run("sell dominance", func(t *testing.T) {
		summary := calc.FlowSummary(book(4_000,
			[]marketdata.PriceLevel{{Price: 100, Quantity: 1}, {Price: 99, Quantity: 5}},
			[]marketdata.PriceLevel{{Price: 101, Quantity: 8}},
		))
		assert.Equal(t, DominanceSell, summary.Dominance)
	})
}

func TestLiquidityImbalance(t *testing.T) {
	calc := newTestCalculator(t, Config{})

	snap := book(1_000,
		[]marketdata.PriceLevel{{Price: 100, Quantity: 10}, {Price: 99, Quantity: 30}},
		[]marketdata.PriceLevel{{Price: 101, Quantity: 5}, {Price: 102, Quantity: 50}},
	)

	// Closest to 100.4: bid 100 (qty 10) and ask 101 (qty 5).
	assert.InDelta(t, 5.0/15.0, calc.LiquidityImbalance(snap, 100.4), 1e-9)

	// Closest to 102.3: bid 100 (qty 10) and ask 102 (qty 50).
	assert.InDelta(t, -40.0/60.0, calc.LiquidityImbalance(snap, 102.3), 1e-9)

	t.Run("empty book", func(t *testing.T) {
		assert.Zero(t, calc.LiquidityImbalance(book(1, nil, nil), 100))
	})

	t.Run("one-sided book", func(t *testing.T) {
		bidsOnly := book(1, []marketdata.PriceLevel{{Price: 100, Quantity: 10}}, nil)
		assert.InDelta(t, 1.0, calc.LiquidityImbalance(bidsOnly, 100), 1e-9)
	})
}

func TestHistoryBoundedAndReset(t *testing.T) {
	calc := newTestCalculator(t, Config{Levels: 1, HistorySize: 5})

	for i := 0; i < 20; i++ {
		calc.ProcessOrderbook(book(int64(i),
			[]marketdata.PriceLevel{{Price: 100, Quantity: float64(i)}},
			nil,
		))
	}
	history := calc.History()
	require.Len(t, history, 5)
	assert.Equal(t, int64(15), history[0].Timestamp)

	calc.Reset()
	assert.Empty(t, calc.History())

	// After reset the next snapshot is a baseline again.
	records := calc.ProcessOrderbook(book(100,
		[]marketdata.PriceLevel{{Price: 100, Quantity: 3}},
		nil,
	))
	assert.Nil(t, records)
}

func TestUpdateConfigMerge(t *testing.T) {
	calc := newTestCalculator(t, Config{})

	require.NoError(t, calc.UpdateConfig(Config{FlowThreshold: 50}))
	assert.Equal(t, 50.0, calc.Config().FlowThreshold)
	assert.Equal(t, DefaultLevels, calc.Config().Levels)

	// Shrinking history keeps the newest records.
	calc.ProcessOrderbook(book(1, []marketdata.PriceLevel{{Price: 100, Quantity: 1}}, nil))
	for i := int64(2); i <= 10; i++ {
		calc.ProcessOrderbook(book(i, []marketdata.PriceLevel{{Price: 100, Quantity: float64(i)}}, nil))
	}
	require.NoError(t, calc.UpdateConfig(Config{HistorySize: 3}))
	history := calc.History()
	require.Len(t, history, 3)
	assert.Equal(t, int64(8), history[0].Timestamp)

	assert.ErrorIs(t, calc.UpdateConfig(Config{Levels: -2}), apperrors.ErrInvalidConfig)
}
