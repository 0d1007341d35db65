// Package executor owns the submission path: idempotency, retries, and the
// synchronous ledger update after a confirmed fill.
package executor

import (
	"errors"
	"sync"
	"time"
)

// ErrInFlight means the same idempotency key is being executed right now.
var ErrInFlight = errors.New("submission already in flight")

// Result is the outcome of one execution, cached under the idempotency key
// for the log's TTL.
type Result struct {
	Accepted        bool
	RejectionReason string
	OrderID         string
	TradeID         string
	Instrument      string
	Units           int64
	FillPrice       float64
	RealizedPnL     float64
	Trace           string
	Attempts        int
}

type subStatus int

const (
	statusInFlight subStatus = iota
	statusCompleted
)

type subEntry struct {
	status    subStatus
	result    Result
	updatedAt time.Time
}

// SubmissionLog is the in-memory idempotency window. A key completed within
// the TTL replays its cached result; an in-flight key refuses concurrent
// execution outright.
type SubmissionLog struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*subEntry
	now     func() time.Time
}

func NewSubmissionLog(ttl time.Duration) *SubmissionLog {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &SubmissionLog{
		ttl:     ttl,
		entries: make(map[string]*subEntry),
		now:     time.Now,
	}
}

// Begin claims the key. Returns a cached result for a completed fresh key,
// ErrInFlight for a concurrent execution, or (nil, nil) with the key now
// marked in flight.
func (l *SubmissionLog) Begin(key string) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()

	if e, ok := l.entries[key]; ok {
		switch e.status {
		case statusInFlight:
			return nil, ErrInFlight
		case statusCompleted:
			res := e.result
			return &res, nil
		}
	}
	l.entries[key] = &subEntry{status: statusInFlight, updatedAt: l.now()}
	return nil, nil
}

// Complete records the terminal result for the key and starts its TTL.
func (l *SubmissionLog) Complete(key string, res Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = &subEntry{status: statusCompleted, result: res, updatedAt: l.now()}
}

// Abandon releases the key without caching a result, so a later identical
// intent may try again. Used after fatal errors and exhausted retries, where
// venue-side idempotency is the backstop against double fills.
func (l *SubmissionLog) Abandon(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

func (l *SubmissionLog) sweepLocked() {
	cutoff := l.now().Add(-l.ttl)
	for key, e := range l.entries {
		if e.status == statusCompleted && e.updatedAt.Before(cutoff) {
			delete(l.entries, key)
		}
	}
}

// Len reports the live entry count, for the metrics gauge.
func (l *SubmissionLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()
	return len(l.entries)
}
