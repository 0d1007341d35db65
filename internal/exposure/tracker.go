package exposure

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fxcore/internal/logger"
)

// Tracker maintains open positions per instrument plus portfolio aggregates.
// Writes are serialized per instrument; reads only take the map read-lock and
// a short per-entry lock, so a snapshot never blocks writers longer than a
// single mutation.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry
	marks   map[string]float64 // last known price per instrument

	eqMu       sync.Mutex
	equity     float64
	peakEquity float64

	persist Persister
}

type entry struct {
	mu  sync.Mutex
	pos Position
}

func NewTracker(startEquity float64, persist Persister) *Tracker {
	if startEquity < 0 {
		startEquity = 0
	}
	return &Tracker{
		entries:    make(map[string]*entry),
		marks:      make(map[string]float64),
		equity:     startEquity,
		peakEquity: startEquity,
		persist:    persist,
	}
}

func (t *Tracker) entryFor(instrument string) *entry {
	t.mu.RLock()
	e, ok := t.entries[instrument]
	t.mu.RUnlock()
	if ok {
		return e
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.entries[instrument]; ok {
		return e
	}
	e = &entry{}
	t.entries[instrument] = e
	return e
}

// ApplyFill merges a confirmed fill into the instrument's position, creating
// it if absent. A fill against the current sign reduces the position and, if
// it crosses zero, flips the remainder at the fill price. The realized P&L of
// any reduced part is returned for bookkeeping; it is not stored.
func (t *Tracker) ApplyFill(f Fill) (Position, float64, error) {
	if f.Units == 0 {
		return Position{}, 0, fmt.Errorf("fill units cannot be zero")
	}
	if f.Price <= 0 {
		return Position{}, 0, fmt.Errorf("fill price must be > 0")
	}
	e := t.entryFor(f.Instrument)
	e.mu.Lock()
	pos := e.pos
	var realized float64

	switch {
	case pos.Units == 0:
		pos = Position{
			Instrument: f.Instrument,
			Units:      f.Units,
			AvgPrice:   f.Price,
			StopLoss:   f.StopLoss,
			TakeProfit: f.TakeProfit,
			OpenedAt:   f.Time,
		}
	case sameSign(pos.Units, f.Units):
		pos.AvgPrice = weightedAvg(pos.Units, pos.AvgPrice, f.Units, f.Price)
		pos.Units += f.Units
		if f.StopLoss != 0 {
			pos.StopLoss = f.StopLoss
		}
		if f.TakeProfit != 0 {
			pos.TakeProfit = f.TakeProfit
		}
	default:
		closed := min64(abs64(pos.Units), abs64(f.Units))
		realized = realizedPnL(pos.Units, pos.AvgPrice, f.Price, closed)
		remainder := pos.Units + f.Units
		if remainder == 0 {
			pos = Position{}
		} else if sameSign(remainder, pos.Units) {
			pos.Units = remainder // partial reduce, avg entry unchanged
		} else {
			pos = Position{ // flip: leftover opens fresh at the fill price
				Instrument: f.Instrument,
				Units:      remainder,
				AvgPrice:   f.Price,
				StopLoss:   f.StopLoss,
				TakeProfit: f.TakeProfit,
				OpenedAt:   f.Time,
			}
		}
	}
	e.pos = pos
	e.mu.Unlock()

	t.markPrice(f.Instrument, f.Price)
	t.addRealized(realized)
	t.persistEntry(f.Instrument, pos)
	return pos, realized, nil
}

// ApplyClose reduces or removes the instrument's position and returns the
// realized P&L of the closed part.
func (t *Tracker) ApplyClose(c CloseEvent) (float64, Position, error) {
	if c.Price <= 0 {
		return 0, Position{}, fmt.Errorf("close price must be > 0")
	}
	e := t.entryFor(c.Instrument)
	e.mu.Lock()
	pos := e.pos
	if pos.Units == 0 {
		e.mu.Unlock()
		return 0, Position{}, fmt.Errorf("no open position for %s", c.Instrument)
	}
	qty := c.Units
	if qty <= 0 || qty > abs64(pos.Units) {
		qty = abs64(pos.Units)
	}
	realized := realizedPnL(pos.Units, pos.AvgPrice, c.Price, qty)
	if qty == abs64(pos.Units) {
		pos = Position{}
	} else if pos.Units > 0 {
		pos.Units -= qty
	} else {
		pos.Units += qty
	}
	e.pos = pos
	e.mu.Unlock()

	t.markPrice(c.Instrument, c.Price)
	t.addRealized(realized)
	t.persistEntry(c.Instrument, pos)
	return realized, pos, nil
}

// Restore overwrites the ledger with venue-reported positions. Used by the
// startup reconcile; the venue's view wins over anything persisted locally.
func (t *Tracker) Restore(positions []Position) {
	t.mu.Lock()
	t.entries = make(map[string]*entry, len(positions))
	for _, p := range positions {
		if p.Units == 0 {
			continue
		}
		t.entries[p.Instrument] = &entry{pos: p}
	}
	t.mu.Unlock()
	for _, p := range positions {
		t.persistEntry(p.Instrument, p)
	}
}

// MarkPrice records the latest price for unrealized P&L and notional math.
func (t *Tracker) MarkPrice(instrument string, price float64) {
	if price <= 0 {
		return
	}
	t.markPrice(instrument, price)
}

func (t *Tracker) markPrice(instrument string, price float64) {
	t.mu.Lock()
	t.marks[instrument] = price
	t.mu.Unlock()
}

// LastPrice returns the latest marked price, false when never marked.
func (t *Tracker) LastPrice(instrument string) (float64, bool) {
	t.mu.RLock()
	price, ok := t.marks[instrument]
	t.mu.RUnlock()
	return price, ok && price > 0
}

// PositionFor returns the current position, false when flat.
func (t *Tracker) PositionFor(instrument string) (Position, bool) {
	t.mu.RLock()
	e, ok := t.entries[instrument]
	price := t.marks[instrument]
	t.mu.RUnlock()
	if !ok {
		return Position{}, false
	}
	e.mu.Lock()
	pos := e.pos
	e.mu.Unlock()
	if pos.Units == 0 {
		return Position{}, false
	}
	if price > 0 {
		pos.UnrealizedPnL = realizedPnL(pos.Units, pos.AvgPrice, price, abs64(pos.Units))
	}
	return pos, true
}

// Snapshot computes the derived exposure view: per-instrument notional,
// portfolio notional and the current drawdown fraction.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	entries := make(map[string]*entry, len(t.entries))
	for k, v := range t.entries {
		entries[k] = v
	}
	marks := make(map[string]float64, len(t.marks))
	for k, v := range t.marks {
		marks[k] = v
	}
	t.mu.RUnlock()

	snap := Snapshot{
		Positions:          make(map[string]Position),
		InstrumentNotional: make(map[string]float64),
		TakenAt:            time.Now(),
	}
	portfolio := decimal.Zero
	for instrument, e := range entries {
		e.mu.Lock()
		pos := e.pos
		e.mu.Unlock()
		if pos.Units == 0 {
			continue
		}
		price := marks[instrument]
		if price <= 0 {
			price = pos.AvgPrice
		}
		pos.UnrealizedPnL = realizedPnL(pos.Units, pos.AvgPrice, price, abs64(pos.Units))
		notional := decimal.NewFromInt(abs64(pos.Units)).Mul(decimal.NewFromFloat(price))
		snap.Positions[instrument] = pos
		snap.InstrumentNotional[instrument], _ = notional.Float64()
		portfolio = portfolio.Add(notional)
		snap.OpenCount++
	}
	snap.PortfolioNotional, _ = portfolio.Float64()

	t.eqMu.Lock()
	snap.Equity = t.equity
	snap.PeakEquity = t.peakEquity
	t.eqMu.Unlock()
	snap.Drawdown = drawdown(snap.Equity, snap.PeakEquity)
	return snap
}

// CurrentDrawdown is (peak equity - equity) / peak equity. The peak only
// increases; resetting it is an administrative action outside this type.
func (t *Tracker) CurrentDrawdown() float64 {
	t.eqMu.Lock()
	defer t.eqMu.Unlock()
	return drawdown(t.equity, t.peakEquity)
}

func (t *Tracker) Equity() float64 {
	t.eqMu.Lock()
	defer t.eqMu.Unlock()
	return t.equity
}

// SetEquity overwrites equity from an external valuation (e.g. venue account
// summary) and advances the peak if exceeded.
func (t *Tracker) SetEquity(equity float64) {
	if equity < 0 {
		return
	}
	t.eqMu.Lock()
	t.equity = equity
	if equity > t.peakEquity {
		t.peakEquity = equity
	}
	t.eqMu.Unlock()
}

func (t *Tracker) addRealized(pnl float64) {
	if pnl == 0 {
		return
	}
	t.eqMu.Lock()
	t.equity += pnl
	if t.equity > t.peakEquity {
		t.peakEquity = t.equity
	}
	t.eqMu.Unlock()
}

func (t *Tracker) persistEntry(instrument string, pos Position) {
	if t.persist == nil {
		return
	}
	var err error
	if pos.Units == 0 {
		err = t.persist.DeletePosition(instrument)
	} else {
		err = t.persist.SavePosition(pos)
	}
	if err != nil {
		logger.Warnf("exposure: persist %s failed: %v", instrument, err)
	}
}

func drawdown(equity, peak float64) float64 {
	if peak <= 0 {
		return 0
	}
	dd := (peak - equity) / peak
	if dd < 0 {
		return 0
	}
	return dd
}

// realizedPnL computes P&L for closing qty units of a position with the given
// sign at price: (price - avg) for longs, (avg - price) for shorts.
func realizedPnL(posUnits int64, avg, price float64, qty int64) float64 {
	if qty == 0 {
		return 0
	}
	diff := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(avg))
	if posUnits < 0 {
		diff = diff.Neg()
	}
	out, _ := diff.Mul(decimal.NewFromInt(qty)).Float64()
	return out
}

func weightedAvg(units int64, avg float64, addUnits int64, addPrice float64) float64 {
	a := decimal.NewFromInt(abs64(units)).Mul(decimal.NewFromFloat(avg))
	b := decimal.NewFromInt(abs64(addUnits)).Mul(decimal.NewFromFloat(addPrice))
	total := decimal.NewFromInt(abs64(units) + abs64(addUnits))
	out, _ := a.Add(b).Div(total).Float64()
	return out
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
