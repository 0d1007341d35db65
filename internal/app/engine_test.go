package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxcore/internal/alert"
	"fxcore/internal/broker"
	"fxcore/internal/config"
	"fxcore/internal/executor"
	"fxcore/internal/exposure"
	"fxcore/internal/market"
	"fxcore/internal/pkg/circuit"
	"fxcore/internal/risk"
)

type captureNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *captureNotifier) SendText(text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

func (n *captureNotifier) received(substr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range n.texts {
		if strings.Contains(t, substr) {
			return true
		}
	}
	return false
}

type stubGateway struct{}

func (stubGateway) Name() string { return "stub" }

func (stubGateway) SubmitOrder(ctx context.Context, intent broker.OrderIntent) (*broker.OrderAck, error) {
	return nil, broker.NewError(broker.Rejected, "stub", "UNAVAILABLE", "not trading", nil)
}

func (stubGateway) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (stubGateway) GetOpenPositions(ctx context.Context) ([]broker.Position, error) {
	return nil, nil
}

func (stubGateway) StreamPrices(ctx context.Context, instruments []string, fn func(market.PriceTick)) error {
	return nil
}

func engineRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		RiskPerTradePct:           0.01,
		MaxPositionUnits:          100000,
		MaxPositionsPerInstrument: 1,
		MaxConcurrentPositions:    5,
		MaxInstrumentExposure:     10000000,
		MaxPortfolioExposure:      50000000,
		MaxDrawdownPct:            0.5,
		CorrelationThreshold:      0.9,
		CorrelationMode:           "same_direction",
		DefaultSLPips:             50,
		DefaultTPPips:             100,
		ATRPeriod:                 14,
		ATRMultiplierSizing:       2.0,
		ATRMultiplierSL:           2.0,
		ATRMultiplierTP:           3.0,
	}
}

func TestRepeatedRejectionRaisesAlert(t *testing.T) {
	notifier := &captureNotifier{}
	alerts := alert.NewSink(notifier)
	defer alerts.Close()

	riskCfg := engineRiskConfig()
	catalog := market.NewCatalog()
	require.NoError(t, catalog.Register(market.Instrument{Name: "EUR_USD", PipSize: 0.0001, MinUnits: 1}))

	tracker := exposure.NewTracker(100000, nil)
	_, _, err := tracker.ApplyFill(exposure.Fill{Instrument: "EUR_USD", Units: 1000, Price: 1.08, Time: time.Now()})
	require.NoError(t, err)

	manager := risk.NewManager(riskCfg, catalog, nil)
	coord := executor.NewCoordinator(stubGateway{}, tracker, config.ExecutorConfig{
		MaxRetries: 1, RetryDelayMS: 1, MaxBackoffMS: 2, IdempotencyTTLSeconds: 60,
	}, 0, nil, alerts)
	e := NewEngine(riskCfg, manager, tracker, coord, alerts)

	e.OnTick(market.PriceTick{Instrument: "EUR_USD", Bid: 1.0850, Ask: 1.0852, Time: time.Now()})

	// Per-instrument position cap rejects every attempt to add.
	sig := market.Signal{
		Instrument: "EUR_USD",
		Direction:  market.Long,
		Strength:   0.5,
		Timestamp:  time.Now(),
		Strategy:   "trend",
	}
	for i := 0; i < rejectionStreakLimit; i++ {
		res, err := e.HandleSignal(context.Background(), sig)
		require.NoError(t, err)
		require.False(t, res.Accepted)
	}

	require.Eventually(t, func() bool {
		return notifier.received(string(alert.KindRepeatedRejection))
	}, time.Second, 10*time.Millisecond)
}

func TestRejectionStreakResetsOnAccept(t *testing.T) {
	e := NewEngine(config.RiskConfig{}, nil, nil, nil, nil)

	e.noteRejection("EUR_USD", "margin")
	e.noteRejection("EUR_USD", "margin")
	e.noteAccepted("EUR_USD")
	e.noteRejection("EUR_USD", "margin")

	assert.Equal(t, 1, e.rejStreak["EUR_USD"])
}

func TestBreakerTripRaisesCircuitAlert(t *testing.T) {
	notifier := &captureNotifier{}
	alerts := alert.NewSink(notifier)
	defer alerts.Close()

	handler := breakerAlertHandler(alerts)
	handler("oanda", circuit.StateClosed, circuit.StateOpen)

	require.Eventually(t, func() bool {
		return notifier.received(string(alert.KindCircuitOpen))
	}, time.Second, 10*time.Millisecond)
}
