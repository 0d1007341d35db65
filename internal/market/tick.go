package market

import "time"

// PriceTick is a single bid/ask observation from a venue price stream.
type PriceTick struct {
	Instrument string
	Bid        float64
	Ask        float64
	Time       time.Time
}

func (t PriceTick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

// Candle is an OHLCV bar used for ATR computation.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}
