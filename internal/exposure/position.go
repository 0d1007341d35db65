// Package exposure is the single source of truth for open-position state.
// Venue adapters hold no authoritative state; everything the risk layer
// reads about current exposure comes from the Tracker ledger.
package exposure

import "time"

// Position is a ledger entry for one instrument. Owned exclusively by the
// Tracker; mutated only through ApplyFill and ApplyClose, removed when units
// reach zero. An instrument never carries two positions of opposite sign --
// an opposing fill reduces or flips the existing entry.
type Position struct {
	Instrument string
	Units      int64 // signed, sign = direction
	AvgPrice   float64
	StopLoss   float64
	TakeProfit float64
	OpenedAt   time.Time

	// UnrealizedPnL is recomputed from the latest marked price, never stored.
	UnrealizedPnL float64
}

// Fill is a confirmed broker execution merged into the ledger.
type Fill struct {
	Instrument string
	Units      int64 // signed
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Time       time.Time
}

// CloseEvent reduces or removes a position. Units is the unsigned amount to
// close; 0 closes the whole position.
type CloseEvent struct {
	Instrument string
	Units      int64
	Price      float64
	Time       time.Time
}

// Snapshot is a derived, read-only view of the ledger, recomputed on demand.
type Snapshot struct {
	Positions          map[string]Position
	InstrumentNotional map[string]float64
	PortfolioNotional  float64
	OpenCount          int
	Equity             float64
	PeakEquity         float64
	Drawdown           float64
	TakenAt            time.Time
}

// NetUnits returns the signed units for the instrument, 0 when flat.
func (s Snapshot) NetUnits(instrument string) int64 {
	if p, ok := s.Positions[instrument]; ok {
		return p.Units
	}
	return 0
}

// Persister is the optional persistence hook behind the in-memory ledger.
// Calls are best-effort: a failed save never blocks or rolls back the ledger.
type Persister interface {
	SavePosition(p Position) error
	DeletePosition(instrument string) error
}
