package app

import (
	"fmt"

	"fxcore/internal/alert"
	"fxcore/internal/broker"
	"fxcore/internal/broker/mt5"
	"fxcore/internal/broker/oanda"
	"fxcore/internal/config"
	"fxcore/internal/executor"
	"fxcore/internal/exposure"
	"fxcore/internal/logger"
	"fxcore/internal/market"
	"fxcore/internal/pkg/circuit"
	"fxcore/internal/risk"
	"fxcore/internal/risk/correlation"
	"fxcore/internal/store"
	"fxcore/internal/store/execlog"
	httpapi "fxcore/internal/transport/http"
)

// buildApp wires every component from configuration. Construction does no
// I/O beyond opening the local stores; venue calls start in Run.
func buildApp(cfg *config.Config) (*App, error) {
	catalog := market.NewCatalog()
	for _, ic := range cfg.Instruments {
		inst := market.Instrument{
			Name:     ic.Name,
			PipSize:  ic.PipSize,
			MinUnits: ic.MinUnits,
			MaxUnits: ic.MaxUnits,
		}
		if err := catalog.Register(inst); err != nil {
			return nil, fmt.Errorf("registering instrument %q failed: %w", ic.Name, err)
		}
	}

	posStore, err := store.NewPositionStore(cfg.Store.PositionsPath)
	if err != nil {
		return nil, fmt.Errorf("opening position store failed: %w", err)
	}
	execStore, err := execlog.Open(cfg.Store.ExecLogPath)
	if err != nil {
		posStore.Close()
		return nil, fmt.Errorf("opening execution log failed: %w", err)
	}

	// Warm start from local persistence; the venue reconcile in Run overwrites
	// this with the authoritative view.
	tracker := exposure.NewTracker(0, posStore)
	if persisted, err := posStore.LoadPositions(); err != nil {
		logger.Warnf("app: warm start skipped, loading positions failed: %v", err)
	} else if len(persisted) > 0 {
		tracker.Restore(persisted)
		logger.Infof("app: warm start with %d persisted positions", len(persisted))
	}

	var corr *correlation.Registry
	if cfg.Correlation.MatrixPath != "" {
		corr, err = correlation.NewRegistry(cfg.Correlation.MatrixPath)
		if err != nil {
			execStore.Close()
			posStore.Close()
			return nil, fmt.Errorf("loading correlation matrix failed: %w", err)
		}
	}

	var corrSource risk.CorrelationSource
	if corr != nil {
		corrSource = corr
	}
	manager := risk.NewManager(cfg.Risk, catalog, corrSource)

	var notifier alert.TextNotifier
	if cfg.Notify.Telegram.Enabled {
		tg, err := alert.NewTelegram(cfg.Notify.Telegram)
		if err != nil {
			logger.Warnf("app: telegram disabled: %v", err)
		} else {
			notifier = tg
		}
	}
	alerts := alert.NewSink(notifier)

	gateway, err := buildGateway(cfg, catalog, execStore, alerts)
	if err != nil {
		alerts.Close()
		execStore.Close()
		posStore.Close()
		return nil, err
	}

	coord := executor.NewCoordinator(gateway, tracker, cfg.Executor, cfg.Risk.SlippageToleranceBps, execStore, alerts)
	engine := NewEngine(cfg.Risk, manager, tracker, coord, alerts)

	httpSrv, err := httpapi.NewServer(httpapi.ServerConfig{
		Addr:       cfg.App.HTTPAddr,
		Handler:    engine,
		Snapshot:   engine.Snapshot,
		Executions: execStore,
	})
	if err != nil {
		alerts.Close()
		execStore.Close()
		posStore.Close()
		return nil, fmt.Errorf("building http server failed: %w", err)
	}

	return &App{
		cfg:       cfg,
		catalog:   catalog,
		engine:    engine,
		gateway:   gateway,
		tracker:   tracker,
		corr:      corr,
		alerts:    alerts,
		httpSrv:   httpSrv,
		posStore:  posStore,
		execStore: execStore,
	}, nil
}

func buildGateway(cfg *config.Config, catalog *market.Catalog, journal mt5.Journal, alerts *alert.Sink) (broker.Gateway, error) {
	switch cfg.Broker.Venue {
	case "oanda":
		client, err := oanda.NewClient(cfg.Broker.OANDA, catalog)
		if err != nil {
			return nil, err
		}
		client.SetBreakerHandler(breakerAlertHandler(alerts))
		return client, nil
	case "mt5":
		client, err := mt5.NewClient(cfg.Broker.MT5, catalog, journal)
		if err != nil {
			return nil, err
		}
		client.SetBreakerHandler(breakerAlertHandler(alerts))
		return client, nil
	default:
		return nil, fmt.Errorf("unknown broker venue %q (want oanda|mt5)", cfg.Broker.Venue)
	}
}

// breakerAlertHandler keeps the transition log line and raises an operator
// alert whenever a venue circuit trips open.
func breakerAlertHandler(alerts *alert.Sink) func(name string, from, to circuit.State) {
	return func(name string, from, to circuit.State) {
		logger.Warnf("circuit %s: %s -> %s", name, from, to)
		if to == circuit.StateOpen && alerts != nil {
			alerts.Raise(alert.Event{
				Kind:       alert.KindCircuitOpen,
				Instrument: name,
				Detail:     fmt.Sprintf("venue circuit opened after repeated failures (was %s)", from),
			})
		}
	}
}
