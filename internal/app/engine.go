package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fxcore/internal/alert"
	"fxcore/internal/config"
	"fxcore/internal/executor"
	"fxcore/internal/exposure"
	"fxcore/internal/indicator"
	"fxcore/internal/logger"
	"fxcore/internal/market"
	"fxcore/internal/metrics"
	"fxcore/internal/risk"
)

// Engine is the signal pipeline: mark-price lookup, ATR, risk evaluation and
// execution, in that order. One Engine per process; safe for concurrent
// HandleSignal calls.
type Engine struct {
	risk    config.RiskConfig
	manager *risk.Manager
	tracker *exposure.Tracker
	coord   *executor.Coordinator
	alerts  *alert.Sink

	mu        sync.RWMutex
	builders  map[string]*market.CandleBuilder
	rejStreak map[string]int
}

// rejectionStreakLimit is the consecutive-rejection count per instrument that
// raises the repeated-rejection alert; the sink's cooldown keeps a long streak
// from flooding the channel.
const rejectionStreakLimit = 3

func NewEngine(riskCfg config.RiskConfig, manager *risk.Manager, tracker *exposure.Tracker, coord *executor.Coordinator, alerts *alert.Sink) *Engine {
	return &Engine{
		risk:      riskCfg,
		manager:   manager,
		tracker:   tracker,
		coord:     coord,
		alerts:    alerts,
		builders:  make(map[string]*market.CandleBuilder),
		rejStreak: make(map[string]int),
	}
}

// OnTick feeds a stream tick into the mark-price table and the instrument's
// candle history.
func (e *Engine) OnTick(tick market.PriceTick) {
	e.tracker.MarkPrice(tick.Instrument, tick.Mid())
	e.builderFor(tick.Instrument).Add(tick)
	metrics.GetCounter("market_ticks_total").Inc()
}

func (e *Engine) builderFor(instrument string) *market.CandleBuilder {
	e.mu.RLock()
	b, ok := e.builders[instrument]
	e.mu.RUnlock()
	if ok {
		return b
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok = e.builders[instrument]; ok {
		return b
	}
	b = market.NewCandleBuilder(time.Minute, 4*e.risk.ATRPeriod+8)
	e.builders[instrument] = b
	return b
}

// SeedCandles preloads candle history so ATR is available before live ticks
// have accumulated.
func (e *Engine) SeedCandles(instrument string, candles []market.Candle) {
	e.builderFor(instrument).Seed(candles)
}

// HandleSignal runs one signal through the pipeline. A risk rejection or
// sizing failure is reported in the result, not as an error; errors mean the
// pipeline itself could not run (no market data, venue fatal, retries
// exhausted).
func (e *Engine) HandleSignal(ctx context.Context, sig market.Signal) (*executor.Result, error) {
	metrics.GetCounter("signals_total").Inc()

	entry, ok := e.tracker.LastPrice(sig.Instrument)
	if !ok {
		metrics.GetCounter("signals_no_market_data_total").Inc()
		return nil, fmt.Errorf("no market data for %s yet", sig.Instrument)
	}
	atr := indicator.LatestATR(e.builderFor(sig.Instrument).Candles(), e.risk.ATRPeriod)

	intent, err := e.manager.Evaluate(sig, entry, atr, e.tracker.Snapshot())
	if err != nil {
		return e.rejected(sig, err), nil
	}
	if intent == nil {
		// Flat signal against a flat book.
		metrics.GetCounter("signals_noop_total").Inc()
		return &executor.Result{Accepted: false, RejectionReason: "flat_no_position", Instrument: sig.Instrument}, nil
	}

	res, err := e.coord.Execute(ctx, *intent)
	if err != nil {
		return nil, err
	}
	if res.Accepted {
		e.noteAccepted(sig.Instrument)
	} else {
		e.noteRejection(sig.Instrument, res.RejectionReason)
	}
	e.publishExposure()
	return res, nil
}

// rejected maps a terminal risk error onto a result with the enumerated
// reason, counts it, and raises the drawdown alert when that gate fired.
func (e *Engine) rejected(sig market.Signal, err error) *executor.Result {
	reason := "rejected"
	var rej *risk.Rejection
	var sizing *risk.SizingError
	switch {
	case errors.As(err, &rej):
		reason = rej.Code.String()
		if rej.Code == risk.DrawdownLimitBreached && e.alerts != nil {
			e.alerts.Raise(alert.Event{
				Kind:       alert.KindDrawdownBreach,
				Instrument: sig.Instrument,
				Detail:     rej.Detail,
			})
		}
	case errors.As(err, &sizing):
		reason = sizing.Code.String()
	}
	metrics.GetCounter("risk_rejections_total").Inc()
	metrics.GetCounter("risk_rejections_" + reason + "_total").Inc()
	logger.Infof("engine: %s %s rejected: %v", sig.Instrument, sig.Direction, err)
	e.noteRejection(sig.Instrument, reason)
	return &executor.Result{Accepted: false, RejectionReason: reason, Instrument: sig.Instrument}
}

// noteRejection advances the instrument's consecutive-rejection streak and
// raises the repeated-rejection alert once it crosses the limit.
func (e *Engine) noteRejection(instrument, reason string) {
	e.mu.Lock()
	e.rejStreak[instrument]++
	streak := e.rejStreak[instrument]
	e.mu.Unlock()
	if streak < rejectionStreakLimit || e.alerts == nil {
		return
	}
	e.alerts.Raise(alert.Event{
		Kind:       alert.KindRepeatedRejection,
		Instrument: instrument,
		Detail:     fmt.Sprintf("%d consecutive rejections, last: %s", streak, reason),
	})
}

func (e *Engine) noteAccepted(instrument string) {
	e.mu.Lock()
	delete(e.rejStreak, instrument)
	e.mu.Unlock()
}

func (e *Engine) publishExposure() {
	snap := e.tracker.Snapshot()
	metrics.GetGauge("exposure_open_positions").Set(float64(snap.OpenCount))
	metrics.GetGauge("exposure_portfolio_notional").Set(snap.PortfolioNotional)
	metrics.GetGauge("account_drawdown").Set(snap.Drawdown)
	metrics.GetGauge("account_equity").Set(snap.Equity)
}

// Snapshot exposes the ledger view for the HTTP surface.
func (e *Engine) Snapshot() exposure.Snapshot {
	return e.tracker.Snapshot()
}
