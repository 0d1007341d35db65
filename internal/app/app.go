// Package app wires configuration into the running execution core and
// orchestrates its long-lived loops.
package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"fxcore/internal/alert"
	"fxcore/internal/broker"
	"fxcore/internal/config"
	"fxcore/internal/executor"
	"fxcore/internal/exposure"
	"fxcore/internal/logger"
	"fxcore/internal/market"
	"fxcore/internal/metrics"
	"fxcore/internal/risk/correlation"
	"fxcore/internal/store"
	"fxcore/internal/store/execlog"
	httpapi "fxcore/internal/transport/http"
)

const equityPollInterval = time.Minute

// App owns every component and their shutdown order.
type App struct {
	cfg       *config.Config
	catalog   *market.Catalog
	engine    *Engine
	gateway   broker.Gateway
	tracker   *exposure.Tracker
	corr      *correlation.Registry
	alerts    *alert.Sink
	httpSrv   *httpapi.Server
	posStore  *store.PositionStore
	execStore *execlog.Store
}

// NewApp builds the application from configuration without starting it.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildApp(cfg)
}

// Engine exposes the signal pipeline, for replay harnesses and tests.
func (a *App) Engine() *Engine {
	return a.engine
}

// Run reconciles against the venue, then serves until ctx is cancelled. The
// reconcile must succeed before any signal is accepted.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if err := executor.Reconcile(ctx, a.gateway, a.tracker); err != nil {
		return fmt.Errorf("startup reconcile failed: %w", err)
	}

	if a.corr != nil {
		if err := a.corr.Watch(); err != nil {
			logger.Warnf("app: correlation matrix watch disabled: %v", err)
		}
	}

	instruments := a.catalog.Names()
	if len(instruments) == 0 {
		return fmt.Errorf("no instruments configured")
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := a.httpSrv.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		err := a.gateway.StreamPrices(ctx, instruments, a.engine.OnTick)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("price stream error: %w", err)
	})

	if src, ok := a.gateway.(broker.EquitySource); ok {
		group.Go(func() error {
			a.pollEquity(ctx, src)
			return nil
		})
	}

	logger.Infof("app: running venue=%s instruments=%d http=%s",
		a.gateway.Name(), len(instruments), a.httpSrv.Addr())
	return group.Wait()
}

// pollEquity refreshes account equity from the venue so the drawdown gate
// tracks the venue's valuation, not just realized P&L.
func (a *App) pollEquity(ctx context.Context, src broker.EquitySource) {
	ticker := time.NewTicker(equityPollInterval)
	defer ticker.Stop()
	breached := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		equity, err := src.AccountEquity(ctx)
		if err != nil {
			logger.Warnf("app: equity poll failed: %v", err)
			continue
		}
		if equity <= 0 {
			continue
		}
		a.tracker.SetEquity(equity)
		dd := a.tracker.CurrentDrawdown()
		metrics.GetGauge("account_equity").Set(equity)
		metrics.GetGauge("account_drawdown").Set(dd)

		if dd >= a.cfg.Risk.MaxDrawdownPct {
			if !breached {
				breached = true
				a.alerts.Raise(alert.Event{
					Kind:   alert.KindDrawdownBreach,
					Detail: fmt.Sprintf("drawdown %.4f breached limit %.4f, new entries blocked", dd, a.cfg.Risk.MaxDrawdownPct),
				})
			}
		} else {
			breached = false
		}
	}
}

func (a *App) close() {
	if a.corr != nil {
		if err := a.corr.Close(); err != nil {
			logger.Warnf("app: closing correlation registry failed: %v", err)
		}
	}
	a.alerts.Close()
	if err := a.execStore.Close(); err != nil {
		logger.Warnf("app: closing execution log failed: %v", err)
	}
	if err := a.posStore.Close(); err != nil {
		logger.Warnf("app: closing position store failed: %v", err)
	}
}
