package executor

import (
	"context"
	"fmt"

	"fxcore/internal/broker"
	"fxcore/internal/exposure"
	"fxcore/internal/logger"
	"fxcore/internal/metrics"
)

// Reconcile overwrites the ledger with the venue's open positions. Run at
// startup before any signal is accepted; the venue's view wins over anything
// restored from local persistence.
func Reconcile(ctx context.Context, gateway broker.Gateway, tracker *exposure.Tracker) error {
	venuePositions, err := gateway.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetching open positions from %s failed: %w", gateway.Name(), err)
	}

	positions := make([]exposure.Position, 0, len(venuePositions))
	for _, vp := range venuePositions {
		positions = append(positions, exposure.Position{
			Instrument:    vp.Instrument,
			Units:         vp.Units,
			AvgPrice:      vp.AvgPrice,
			OpenedAt:      vp.OpenedAt,
			UnrealizedPnL: vp.UnrealizedPnL,
		})
	}
	tracker.Restore(positions)

	metrics.GetGauge("exposure_open_positions").Set(float64(len(positions)))
	logger.Infof("reconcile: restored %d open positions from %s", len(positions), gateway.Name())
	for _, p := range positions {
		logger.Debugf("reconcile: %s units=%d avg=%.5f", p.Instrument, p.Units, p.AvgPrice)
	}

	// Equity is refreshed when the venue reports it, so the drawdown gate
	// starts from the venue's number instead of the last persisted one.
	if src, ok := gateway.(broker.EquitySource); ok {
		equity, err := src.AccountEquity(ctx)
		if err != nil {
			logger.Warnf("reconcile: account equity unavailable: %v", err)
		} else if equity > 0 {
			tracker.SetEquity(equity)
			metrics.GetGauge("account_equity").Set(equity)
		}
	}
	return nil
}
