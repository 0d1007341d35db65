// Package broker defines a common abstraction for trading venues. The
// execution layer works against the Gateway capability set so OANDA, MT5 or
// any future venue can be swapped behind one contract.
package broker

import (
	"context"
	"time"

	"fxcore/internal/market"
)

// Gateway is the capability set every venue adapter implements. Adapters hold
// no authoritative position state; the exposure ledger is reconciled against
// GetOpenPositions at startup.
type Gateway interface {
	Name() string

	// SubmitOrder places a market order for the intent. Adapters must be
	// idempotent-submission-aware: the intent's idempotency key is either
	// passed through as a client order ID or checked against a local
	// submission log before hitting the venue.
	SubmitOrder(ctx context.Context, intent OrderIntent) (*OrderAck, error)

	CancelOrder(ctx context.Context, orderID string) error

	GetOpenPositions(ctx context.Context) ([]Position, error)

	// StreamPrices delivers ticks for the instruments until ctx is done.
	// Implementations reconnect with exponential backoff on disconnect and
	// resume without replaying ticks at or before the last delivered
	// timestamp per instrument.
	StreamPrices(ctx context.Context, instruments []string, fn func(market.PriceTick)) error
}

// EquitySource is implemented by adapters whose venue reports account equity.
// The app polls it to feed the drawdown gate.
type EquitySource interface {
	AccountEquity(ctx context.Context) (float64, error)
}

// OrderIntent is a fully risk-checked order, immutable after creation and
// consumed exactly once by the execution coordinator.
type OrderIntent struct {
	Instrument     string
	Units          int64 // signed, sign = direction
	StopLoss       float64
	TakeProfit     float64
	IdempotencyKey string
	CreatedAt      time.Time
}

func (o OrderIntent) Side() market.Direction {
	switch {
	case o.Units > 0:
		return market.Long
	case o.Units < 0:
		return market.Short
	default:
		return market.Flat
	}
}

// OrderAck is the venue's confirmation of a filled market order.
type OrderAck struct {
	OrderID    string
	TradeID    string
	Instrument string
	Units      int64 // signed, as filled
	FillPrice  float64
	FilledAt   time.Time
}

// Position is a venue-reported open position. It is the venue's view, not the
// ledger's; discrepancies are resolved in favor of this struct on reconcile.
type Position struct {
	Instrument    string
	Units         int64 // signed
	AvgPrice      float64
	UnrealizedPnL float64
	OpenedAt      time.Time
}
