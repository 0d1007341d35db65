// Package risk turns strategy signals into bounded, fully specified order
// intents, or rejects them with an enumerated reason.
package risk

import "fmt"

// SizingCode enumerates why the sizer could not produce a position size.
type SizingCode int

const (
	// InsufficientVolatilityData: no usable ATR and no fallback pip distance.
	InsufficientVolatilityData SizingCode = iota
	// BelowMinimumSize: computed units rounded to zero.
	BelowMinimumSize
)

func (c SizingCode) String() string {
	switch c {
	case InsufficientVolatilityData:
		return "insufficient_volatility_data"
	case BelowMinimumSize:
		return "below_minimum_size"
	default:
		return "unknown"
	}
}

// SizingError is terminal for the signal; it is never retried.
type SizingError struct {
	Code       SizingCode
	Instrument string
	Detail     string
}

func (e *SizingError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("sizing %s: %s (%s)", e.Instrument, e.Code, e.Detail)
	}
	return fmt.Sprintf("sizing %s: %s", e.Instrument, e.Code)
}

// RejectionCode enumerates the ordered risk checks so callers branch on the
// cause instead of parsing text.
type RejectionCode int

const (
	MaxPositionsExceeded RejectionCode = iota
	InstrumentExposureExceeded
	PortfolioExposureExceeded
	DrawdownLimitBreached
	CorrelationLimitBreached
)

func (c RejectionCode) String() string {
	switch c {
	case MaxPositionsExceeded:
		return "max_positions_exceeded"
	case InstrumentExposureExceeded:
		return "instrument_exposure_exceeded"
	case PortfolioExposureExceeded:
		return "portfolio_exposure_exceeded"
	case DrawdownLimitBreached:
		return "drawdown_limit_breached"
	case CorrelationLimitBreached:
		return "correlation_limit_breached"
	default:
		return "unknown"
	}
}

// Rejection is terminal for the signal, like SizingError.
type Rejection struct {
	Code       RejectionCode
	Instrument string
	Detail     string
}

func (e *Rejection) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("risk rejected %s: %s (%s)", e.Instrument, e.Code, e.Detail)
	}
	return fmt.Sprintf("risk rejected %s: %s", e.Instrument, e.Code)
}
