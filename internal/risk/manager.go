package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"fxcore/internal/broker"
	"fxcore/internal/config"
	"fxcore/internal/exposure"
	"fxcore/internal/logger"
	"fxcore/internal/market"
)

// State names the evaluation stages a signal passes through.
type State int

const (
	StateReceived State = iota
	StateSizing
	StateValidating
	StateApproved
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateSizing:
		return "sizing"
	case StateValidating:
		return "validating"
	case StateApproved:
		return "approved"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// CorrelationSource supplies pairwise instrument correlations. Implemented by
// the correlation registry; refreshed externally, read-only here.
type CorrelationSource interface {
	Correlation(a, b string) (float64, bool)
}

// Manager runs the per-signal state machine: Received -> Sizing -> Validating
// -> Approved | Rejected. Evaluate is a pure function of the signal, the
// limits and the exposure snapshot, so it is replayable in backtests.
type Manager struct {
	limits  config.RiskConfig
	sizer   *Sizer
	corr    CorrelationSource
	catalog *market.Catalog
}

func NewManager(limits config.RiskConfig, catalog *market.Catalog, corr CorrelationSource) *Manager {
	return &Manager{
		limits:  limits,
		sizer:   NewSizer(limits, catalog),
		corr:    corr,
		catalog: catalog,
	}
}

// Evaluate turns a signal into an order intent or a terminal error
// (*SizingError or *Rejection). A flat signal against no position is a no-op
// and returns (nil, nil).
func (m *Manager) Evaluate(sig market.Signal, entry, atr float64, snap exposure.Snapshot) (*broker.OrderIntent, error) {
	existing := snap.NetUnits(sig.Instrument)

	if sig.Direction == market.Flat {
		if existing == 0 {
			return nil, nil
		}
		// Closing intent: no sizing, always risk-reducing, bypasses the gates.
		return m.intent(sig, -existing, 0, 0), nil
	}

	logger.Debugf("risk: %s %s strength=%.2f state=%s", sig.Instrument, sig.Direction, sig.Strength, StateSizing)
	sized, err := m.sizer.Size(sig, entry, atr)
	if err != nil {
		return nil, err
	}

	logger.Debugf("risk: %s units=%d state=%s", sig.Instrument, sized.Units, StateValidating)
	if rej := m.validate(sig, sized, entry, snap); rej != nil {
		logger.Infof("risk: %s %s state=%s reason=%s", sig.Instrument, sig.Direction, StateRejected, rej.Code)
		return nil, rej
	}

	logger.Debugf("risk: %s state=%s", sig.Instrument, StateApproved)
	return m.intent(sig, sized.Units, sized.StopLoss, sized.TakeProfit), nil
}

// validate runs the ordered limit checks. Slippage tolerance is deliberately
// absent: it is judged against the broker's fill, not here.
func (m *Manager) validate(sig market.Signal, sized Sizing, entry float64, snap exposure.Snapshot) *Rejection {
	existing := snap.NetUnits(sig.Instrument)
	resulting := existing + sized.Units
	increasing := abs(resulting) > abs(existing)

	// 1. Position-count limits. The ledger nets per instrument, so the
	// per-instrument count is 0 or 1; the portfolio count gates new
	// instruments.
	if increasing {
		if existing != 0 && m.limits.MaxPositionsPerInstrument <= 1 {
			return &Rejection{
				Code:       MaxPositionsExceeded,
				Instrument: sig.Instrument,
				Detail:     fmt.Sprintf("instrument already holds a position (max %d)", m.limits.MaxPositionsPerInstrument),
			}
		}
		if existing == 0 && snap.OpenCount >= m.limits.MaxConcurrentPositions {
			return &Rejection{
				Code:       MaxPositionsExceeded,
				Instrument: sig.Instrument,
				Detail:     fmt.Sprintf("portfolio holds %d positions (max %d)", snap.OpenCount, m.limits.MaxConcurrentPositions),
			}
		}
	}

	// 2. Per-instrument notional cap on the resulting position.
	resultingNotional := math.Abs(float64(resulting)) * entry
	if resultingNotional > m.limits.MaxInstrumentExposure {
		return &Rejection{
			Code:       InstrumentExposureExceeded,
			Instrument: sig.Instrument,
			Detail:     fmt.Sprintf("resulting notional %.2f exceeds cap %.2f", resultingNotional, m.limits.MaxInstrumentExposure),
		}
	}

	// 3. Portfolio notional cap after replacing this instrument's share.
	portfolio := snap.PortfolioNotional - snap.InstrumentNotional[sig.Instrument] + resultingNotional
	if portfolio > m.limits.MaxPortfolioExposure {
		return &Rejection{
			Code:       PortfolioExposureExceeded,
			Instrument: sig.Instrument,
			Detail:     fmt.Sprintf("resulting portfolio notional %.2f exceeds cap %.2f", portfolio, m.limits.MaxPortfolioExposure),
		}
	}

	// 4. Drawdown gate blocks only risk-increasing trades; closing trades
	// must stay possible precisely when drawdown is breached.
	if increasing && snap.Drawdown >= m.limits.MaxDrawdownPct {
		return &Rejection{
			Code:       DrawdownLimitBreached,
			Instrument: sig.Instrument,
			Detail:     fmt.Sprintf("drawdown %.4f >= limit %.4f", snap.Drawdown, m.limits.MaxDrawdownPct),
		}
	}

	// 5. Correlation gate against every other open instrument.
	if increasing && m.corr != nil {
		for other, pos := range snap.Positions {
			if other == sig.Instrument || pos.Units == 0 {
				continue
			}
			corr, ok := m.corr.Correlation(sig.Instrument, other)
			if !ok || math.Abs(corr) < m.limits.CorrelationThreshold {
				continue
			}
			if m.limits.CorrelationMode == "same_direction" && !sameDir(resulting, pos.Units) {
				continue
			}
			return &Rejection{
				Code:       CorrelationLimitBreached,
				Instrument: sig.Instrument,
				Detail:     fmt.Sprintf("correlation %.2f with open %s exceeds %.2f", corr, other, m.limits.CorrelationThreshold),
			}
		}
	}

	return nil
}

func (m *Manager) intent(sig market.Signal, units int64, sl, tp float64) *broker.OrderIntent {
	return &broker.OrderIntent{
		Instrument:     sig.Instrument,
		Units:          units,
		StopLoss:       sl,
		TakeProfit:     tp,
		IdempotencyKey: IdempotencyKey(sig, units),
		CreatedAt:      time.Now(),
	}
}

// IdempotencyKey derives a deterministic key from the signal identity, so a
// re-evaluated signal maps to the same key and duplicate submissions collapse.
func IdempotencyKey(sig market.Signal, units int64) string {
	side := "long"
	if units < 0 {
		side = "short"
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s",
		sig.Instrument, side, sig.Timestamp.UnixNano(), sig.Strategy)))
	return hex.EncodeToString(h[:16])
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sameDir(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
