package market

import (
	"sync"
	"time"
)

// CandleBuilder aggregates ticks into fixed-interval mid-price candles and
// keeps the most recent ones for indicator math. One builder per instrument.
type CandleBuilder struct {
	mu       sync.Mutex
	interval time.Duration
	keep     int
	current  *Candle
	bucket   time.Time
	done     []Candle
}

func NewCandleBuilder(interval time.Duration, keep int) *CandleBuilder {
	if interval <= 0 {
		interval = time.Minute
	}
	if keep <= 0 {
		keep = 256
	}
	return &CandleBuilder{interval: interval, keep: keep}
}

// Add folds the tick into the current candle, sealing and rolling over when
// the tick crosses an interval boundary.
func (b *CandleBuilder) Add(tick PriceTick) {
	mid := tick.Mid()
	if mid <= 0 {
		return
	}
	bucket := tick.Time.Truncate(b.interval)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current != nil && bucket.After(b.bucket) {
		b.sealLocked()
	}
	if b.current == nil {
		b.bucket = bucket
		b.current = &Candle{
			Time:  bucket,
			Open:  mid,
			High:  mid,
			Low:   mid,
			Close: mid,
		}
		return
	}
	if mid > b.current.High {
		b.current.High = mid
	}
	if mid < b.current.Low {
		b.current.Low = mid
	}
	b.current.Close = mid
	b.current.Volume++
}

func (b *CandleBuilder) sealLocked() {
	b.done = append(b.done, *b.current)
	if len(b.done) > b.keep {
		b.done = b.done[len(b.done)-b.keep:]
	}
	b.current = nil
}

// Candles returns the sealed candles, oldest first.
func (b *CandleBuilder) Candles() []Candle {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Candle, len(b.done))
	copy(out, b.done)
	return out
}

// Seed preloads historical candles, e.g. from a venue candle endpoint, so ATR
// is available before enough live ticks have accumulated.
func (b *CandleBuilder) Seed(candles []Candle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = append(b.done, candles...)
	if len(b.done) > b.keep {
		b.done = b.done[len(b.done)-b.keep:]
	}
}
