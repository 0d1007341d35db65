package exposure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(instrument string, units int64, price float64) Fill {
	return Fill{
		Instrument: instrument,
		Units:      units,
		Price:      price,
		Time:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestApplyFillOpensPosition(t *testing.T) {
	tr := NewTracker(100000, nil)

	pos, realized, err := tr.ApplyFill(fill("EUR_USD", 10000, 1.0850))
	require.NoError(t, err)
	assert.Zero(t, realized)
	assert.Equal(t, int64(10000), pos.Units)
	assert.InDelta(t, 1.0850, pos.AvgPrice, 1e-9)

	got, ok := tr.PositionFor("EUR_USD")
	require.True(t, ok)
	assert.Equal(t, int64(10000), got.Units)
}

func TestApplyFillWeightedAverage(t *testing.T) {
	tr := NewTracker(100000, nil)

	_, _, err := tr.ApplyFill(fill("EUR_USD", 10000, 1.0800))
	require.NoError(t, err)
	pos, realized, err := tr.ApplyFill(fill("EUR_USD", 10000, 1.0900))
	require.NoError(t, err)

	assert.Zero(t, realized)
	assert.Equal(t, int64(20000), pos.Units)
	assert.InDelta(t, 1.0850, pos.AvgPrice, 1e-9)
}

func TestApplyFillPartialReduce(t *testing.T) {
	tr := NewTracker(100000, nil)

	_, _, err := tr.ApplyFill(fill("EUR_USD", 10000, 1.0800))
	require.NoError(t, err)
	pos, realized, err := tr.ApplyFill(fill("EUR_USD", -4000, 1.0900))
	require.NoError(t, err)

	// 4000 closed at +0.01 each.
	assert.InDelta(t, 40.0, realized, 1e-6)
	assert.Equal(t, int64(6000), pos.Units)
	assert.InDelta(t, 1.0800, pos.AvgPrice, 1e-9) // avg entry unchanged on reduce
	assert.InDelta(t, 100040.0, tr.Equity(), 1e-6)
}

func TestApplyFillFlip(t *testing.T) {
	tr := NewTracker(100000, nil)

	_, _, err := tr.ApplyFill(fill("EUR_USD", 10000, 1.0800))
	require.NoError(t, err)
	pos, realized, err := tr.ApplyFill(fill("EUR_USD", -15000, 1.0900))
	require.NoError(t, err)

	assert.InDelta(t, 100.0, realized, 1e-6)
	assert.Equal(t, int64(-5000), pos.Units)
	assert.InDelta(t, 1.0900, pos.AvgPrice, 1e-9) // leftover opens at fill price
}

func TestApplyFillExactClose(t *testing.T) {
	tr := NewTracker(100000, nil)

	_, _, err := tr.ApplyFill(fill("EUR_USD", 10000, 1.0800))
	require.NoError(t, err)
	pos, realized, err := tr.ApplyFill(fill("EUR_USD", -10000, 1.0750))
	require.NoError(t, err)

	assert.InDelta(t, -50.0, realized, 1e-6)
	assert.Zero(t, pos.Units)
	_, ok := tr.PositionFor("EUR_USD")
	assert.False(t, ok)
}

func TestApplyFillValidation(t *testing.T) {
	tr := NewTracker(100000, nil)
	_, _, err := tr.ApplyFill(fill("EUR_USD", 0, 1.08))
	assert.Error(t, err)
	_, _, err = tr.ApplyFill(fill("EUR_USD", 1000, 0))
	assert.Error(t, err)
}

func TestApplyCloseShort(t *testing.T) {
	tr := NewTracker(100000, nil)

	_, _, err := tr.ApplyFill(fill("USD_JPY", -10000, 130.50))
	require.NoError(t, err)
	realized, pos, err := tr.ApplyClose(CloseEvent{Instrument: "USD_JPY", Units: 0, Price: 130.00})
	require.NoError(t, err)

	// Short closed 0.50 lower: profit.
	assert.InDelta(t, 5000.0, realized, 1e-6)
	assert.Zero(t, pos.Units)
}

func TestApplyCloseNoPosition(t *testing.T) {
	tr := NewTracker(100000, nil)
	_, _, err := tr.ApplyClose(CloseEvent{Instrument: "EUR_USD", Price: 1.08})
	assert.Error(t, err)
}

func TestSnapshotNotional(t *testing.T) {
	tr := NewTracker(100000, nil)

	_, _, err := tr.ApplyFill(fill("EUR_USD", 10000, 1.0800))
	require.NoError(t, err)
	_, _, err = tr.ApplyFill(fill("USD_JPY", -5000, 130.00))
	require.NoError(t, err)
	tr.MarkPrice("EUR_USD", 1.1000)

	snap := tr.Snapshot()
	assert.Equal(t, 2, snap.OpenCount)
	assert.InDelta(t, 11000.0, snap.InstrumentNotional["EUR_USD"], 1e-6)
	assert.InDelta(t, 650000.0, snap.InstrumentNotional["USD_JPY"], 1e-6)
	assert.InDelta(t, 661000.0, snap.PortfolioNotional, 1e-6)
	assert.Equal(t, int64(-5000), snap.NetUnits("USD_JPY"))
	assert.Zero(t, snap.NetUnits("GBP_USD"))
}

func TestDrawdownTracksPeak(t *testing.T) {
	tr := NewTracker(100000, nil)
	assert.Zero(t, tr.CurrentDrawdown())

	tr.SetEquity(120000)
	assert.Zero(t, tr.CurrentDrawdown())

	tr.SetEquity(108000)
	assert.InDelta(t, 0.10, tr.CurrentDrawdown(), 1e-9)

	// Peak never falls.
	tr.SetEquity(119000)
	assert.InDelta(t, 1.0/120.0, tr.CurrentDrawdown(), 1e-9)
}

func TestRestoreVenueWins(t *testing.T) {
	tr := NewTracker(100000, nil)
	_, _, err := tr.ApplyFill(fill("EUR_USD", 10000, 1.0800))
	require.NoError(t, err)

	tr.Restore([]Position{
		{Instrument: "GBP_USD", Units: 2000, AvgPrice: 1.2700},
	})

	_, ok := tr.PositionFor("EUR_USD")
	assert.False(t, ok)
	pos, ok := tr.PositionFor("GBP_USD")
	require.True(t, ok)
	assert.Equal(t, int64(2000), pos.Units)
}
