package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"fxcore/internal/config"
	"fxcore/internal/market"
)

// Sizing is the sizer's output: a direction-signed unit count plus protective
// levels on the correct side of entry.
type Sizing struct {
	Units      int64 // signed
	StopLoss   float64
	TakeProfit float64
}

// Sizer converts a signal plus a volatility measure into a bounded size.
type Sizer struct {
	limits  config.RiskConfig
	catalog *market.Catalog
}

func NewSizer(limits config.RiskConfig, catalog *market.Catalog) *Sizer {
	return &Sizer{limits: limits, catalog: catalog}
}

// Size computes units and stop/target levels for the signal at the given
// entry price. atr <= 0 means volatility is unavailable and the configured
// pip distances take over for both the levels and the per-unit risk; sizing
// fails only when neither ATR nor the pip fallback is available.
func (s *Sizer) Size(sig market.Signal, entry, atr float64) (Sizing, error) {
	if sig.Direction == market.Flat {
		return Sizing{}, fmt.Errorf("cannot size a flat signal")
	}
	if entry <= 0 {
		return Sizing{}, fmt.Errorf("entry price must be > 0")
	}
	inst := s.catalog.Lookup(sig.Instrument)

	units, err := s.units(inst, atr)
	if err != nil {
		return Sizing{}, err
	}

	sl, tp, err := s.levels(inst, sig.Direction, entry, atr)
	if err != nil {
		return Sizing{}, err
	}

	return Sizing{
		Units:      units * sig.Direction.Sign(),
		StopLoss:   sl,
		TakeProfit: tp,
	}, nil
}

// units divides the per-trade risk budget (a fraction of the configured max
// position size) by the ATR-scaled risk per unit, then rounds down to the
// instrument's minimum tradable increment and clamps to [1, max].
func (s *Sizer) units(inst market.Instrument, atr float64) (int64, error) {
	riskPerUnit, err := s.riskPerUnit(inst, atr)
	if err != nil {
		return 0, err
	}
	riskBudget := decimal.NewFromFloat(s.limits.RiskPerTradePct).
		Mul(decimal.NewFromInt(s.limits.MaxPositionUnits))
	raw := riskBudget.Div(riskPerUnit).IntPart()

	increment := inst.MinUnits
	if increment < 1 {
		increment = 1
	}
	units := (raw / increment) * increment
	if units > s.limits.MaxPositionUnits {
		units = (s.limits.MaxPositionUnits / increment) * increment
	}
	if inst.MaxUnits > 0 && units > inst.MaxUnits {
		units = (inst.MaxUnits / increment) * increment
	}
	if units < 1 {
		return 0, &SizingError{
			Code:       BelowMinimumSize,
			Instrument: inst.Name,
			Detail:     fmt.Sprintf("raw=%d increment=%d", raw, increment),
		}
	}
	return units, nil
}

// riskPerUnit is the adverse move the stop allows per unit: the ATR-scaled
// distance when volatility is available, otherwise the configured pip stop
// distance. Both unavailable means the trade cannot be sized.
func (s *Sizer) riskPerUnit(inst market.Instrument, atr float64) (decimal.Decimal, error) {
	if atr > 0 {
		d := decimal.NewFromFloat(atr).Mul(decimal.NewFromFloat(s.limits.ATRMultiplierSizing))
		if !d.IsZero() {
			return d, nil
		}
	}
	if s.limits.DefaultSLPips > 0 && inst.PipSize > 0 {
		d := decimal.NewFromFloat(inst.PipSize).Mul(decimal.NewFromFloat(s.limits.DefaultSLPips))
		if !d.IsZero() {
			return d, nil
		}
	}
	return decimal.Zero, &SizingError{
		Code:       InsufficientVolatilityData,
		Instrument: inst.Name,
		Detail:     "no atr and no fallback stop distance",
	}
}

// levels places stop and target at ATR multiples from entry, falling back to
// the configured pip distances when ATR is unavailable.
func (s *Sizer) levels(inst market.Instrument, dir market.Direction, entry, atr float64) (sl, tp float64, err error) {
	var slDist, tpDist decimal.Decimal
	if atr > 0 {
		a := decimal.NewFromFloat(atr)
		slDist = a.Mul(decimal.NewFromFloat(s.limits.ATRMultiplierSL))
		tpDist = a.Mul(decimal.NewFromFloat(s.limits.ATRMultiplierTP))
	} else {
		if s.limits.DefaultSLPips <= 0 || s.limits.DefaultTPPips <= 0 {
			return 0, 0, &SizingError{
				Code:       InsufficientVolatilityData,
				Instrument: inst.Name,
				Detail:     "no atr and no fallback pip distances",
			}
		}
		pip := decimal.NewFromFloat(inst.PipSize)
		slDist = pip.Mul(decimal.NewFromFloat(s.limits.DefaultSLPips))
		tpDist = pip.Mul(decimal.NewFromFloat(s.limits.DefaultTPPips))
	}
	e := decimal.NewFromFloat(entry)
	if dir == market.Long {
		sl, _ = e.Sub(slDist).Float64()
		tp, _ = e.Add(tpDist).Float64()
	} else {
		sl, _ = e.Add(slDist).Float64()
		tp, _ = e.Sub(tpDist).Float64()
	}
	if sl <= 0 || tp <= 0 {
		return 0, 0, fmt.Errorf("computed levels out of range: sl=%.5f tp=%.5f entry=%.5f", sl, tp, entry)
	}
	return sl, tp, nil
}
