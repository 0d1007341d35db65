package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxcore/internal/config"
	"fxcore/internal/exposure"
	"fxcore/internal/market"
)

type mapCorr map[[2]string]float64

func (m mapCorr) Correlation(a, b string) (float64, bool) {
	if v, ok := m[[2]string{a, b}]; ok {
		return v, true
	}
	v, ok := m[[2]string{b, a}]
	return v, ok
}

func managerLimits() config.RiskConfig {
	l := testLimits()
	l.MaxPositionsPerInstrument = 1
	l.MaxConcurrentPositions = 2
	l.MaxInstrumentExposure = 2000000
	l.MaxPortfolioExposure = 5000000
	l.MaxDrawdownPct = 0.10
	l.CorrelationThreshold = 0.85
	l.CorrelationMode = "same_direction"
	return l
}

func snapWith(positions map[string]exposure.Position, drawdown float64) exposure.Snapshot {
	snap := exposure.Snapshot{
		Positions:          positions,
		InstrumentNotional: make(map[string]float64),
		Drawdown:           drawdown,
		TakenAt:            time.Now(),
	}
	for instrument, p := range positions {
		notional := float64(abs(p.Units)) * p.AvgPrice
		snap.InstrumentNotional[instrument] = notional
		snap.PortfolioNotional += notional
		snap.OpenCount++
	}
	return snap
}

func TestEvaluateApproved(t *testing.T) {
	m := NewManager(managerLimits(), testCatalog(t), nil)

	intent, err := m.Evaluate(longSignal("USD_JPY"), 130.50, 0.30, snapWith(nil, 0))
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, int64(10000), intent.Units)
	assert.InDelta(t, 129.90, intent.StopLoss, 1e-9)
	assert.InDelta(t, 131.40, intent.TakeProfit, 1e-9)
	assert.NotEmpty(t, intent.IdempotencyKey)
}

func TestEvaluateFlatNoPosition(t *testing.T) {
	m := NewManager(managerLimits(), testCatalog(t), nil)

	sig := longSignal("USD_JPY")
	sig.Direction = market.Flat
	intent, err := m.Evaluate(sig, 130.50, 0.30, snapWith(nil, 0))
	assert.NoError(t, err)
	assert.Nil(t, intent)
}

func TestEvaluateFlatClosesPosition(t *testing.T) {
	m := NewManager(managerLimits(), testCatalog(t), nil)
	snap := snapWith(map[string]exposure.Position{
		"USD_JPY": {Instrument: "USD_JPY", Units: 10000, AvgPrice: 130.00},
	}, 0)

	sig := longSignal("USD_JPY")
	sig.Direction = market.Flat
	intent, err := m.Evaluate(sig, 130.50, 0.30, snap)
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, int64(-10000), intent.Units)
}

func TestEvaluateMaxPositionsPerInstrument(t *testing.T) {
	m := NewManager(managerLimits(), testCatalog(t), nil)
	snap := snapWith(map[string]exposure.Position{
		"USD_JPY": {Instrument: "USD_JPY", Units: 5000, AvgPrice: 130.00},
	}, 0)

	_, err := m.Evaluate(longSignal("USD_JPY"), 130.50, 0.30, snap)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, MaxPositionsExceeded, rej.Code)
}

func TestEvaluateMaxConcurrentPositions(t *testing.T) {
	m := NewManager(managerLimits(), testCatalog(t), nil)
	snap := snapWith(map[string]exposure.Position{
		"EUR_USD": {Instrument: "EUR_USD", Units: 1000, AvgPrice: 1.08},
		"GBP_USD": {Instrument: "GBP_USD", Units: 1000, AvgPrice: 1.27},
	}, 0)

	_, err := m.Evaluate(longSignal("USD_JPY"), 130.50, 0.30, snap)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, MaxPositionsExceeded, rej.Code)
}

func TestEvaluateInstrumentExposure(t *testing.T) {
	limits := managerLimits()
	limits.MaxInstrumentExposure = 1000000 // 10000 units * 130.50 exceeds this
	m := NewManager(limits, testCatalog(t), nil)

	_, err := m.Evaluate(longSignal("USD_JPY"), 130.50, 0.30, snapWith(nil, 0))
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, InstrumentExposureExceeded, rej.Code)
}

func TestEvaluatePortfolioExposure(t *testing.T) {
	limits := managerLimits()
	limits.MaxPortfolioExposure = 1500000
	m := NewManager(limits, testCatalog(t), nil)
	snap := snapWith(map[string]exposure.Position{
		"EUR_USD": {Instrument: "EUR_USD", Units: 500000, AvgPrice: 1.08},
	}, 0)
	snap.OpenCount = 1

	_, err := m.Evaluate(longSignal("USD_JPY"), 130.50, 0.30, snap)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, PortfolioExposureExceeded, rej.Code)
}

func TestEvaluateDrawdownBlocksNewEntries(t *testing.T) {
	m := NewManager(managerLimits(), testCatalog(t), nil)

	_, err := m.Evaluate(longSignal("USD_JPY"), 130.50, 0.30, snapWith(nil, 0.12))
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, DrawdownLimitBreached, rej.Code)
}

func TestEvaluateDrawdownAllowsClose(t *testing.T) {
	m := NewManager(managerLimits(), testCatalog(t), nil)
	snap := snapWith(map[string]exposure.Position{
		"USD_JPY": {Instrument: "USD_JPY", Units: 10000, AvgPrice: 130.00},
	}, 0.12)

	sig := longSignal("USD_JPY")
	sig.Direction = market.Flat
	intent, err := m.Evaluate(sig, 130.50, 0.30, snap)
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, int64(-10000), intent.Units)
}

func TestEvaluateCorrelationSameDirection(t *testing.T) {
	corr := mapCorr{{"USD_JPY", "EUR_USD"}: 0.90}
	m := NewManager(managerLimits(), testCatalog(t), corr)
	snap := snapWith(map[string]exposure.Position{
		"EUR_USD": {Instrument: "EUR_USD", Units: 1000, AvgPrice: 1.08},
	}, 0)

	// Same direction as the correlated open position: blocked.
	_, err := m.Evaluate(longSignal("USD_JPY"), 130.50, 0.30, snap)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, CorrelationLimitBreached, rej.Code)

	// Opposite direction passes under same_direction mode.
	sig := longSignal("USD_JPY")
	sig.Direction = market.Short
	intent, err := m.Evaluate(sig, 130.50, 0.30, snap)
	require.NoError(t, err)
	require.NotNil(t, intent)
}

func TestEvaluateCorrelationAnyMode(t *testing.T) {
	limits := managerLimits()
	limits.CorrelationMode = "any"
	corr := mapCorr{{"USD_JPY", "EUR_USD"}: 0.90}
	m := NewManager(limits, testCatalog(t), corr)
	snap := snapWith(map[string]exposure.Position{
		"EUR_USD": {Instrument: "EUR_USD", Units: 1000, AvgPrice: 1.08},
	}, 0)

	sig := longSignal("USD_JPY")
	sig.Direction = market.Short
	_, err := m.Evaluate(sig, 130.50, 0.30, snap)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, CorrelationLimitBreached, rej.Code)
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	sig := longSignal("USD_JPY")
	assert.Equal(t, IdempotencyKey(sig, 10000), IdempotencyKey(sig, 10000))
	assert.NotEqual(t, IdempotencyKey(sig, 10000), IdempotencyKey(sig, -10000))

	other := sig
	other.Timestamp = sig.Timestamp.Add(time.Second)
	assert.NotEqual(t, IdempotencyKey(sig, 10000), IdempotencyKey(other, 10000))
}
