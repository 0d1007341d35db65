package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"fxcore/internal/alert"
	"fxcore/internal/broker"
	"fxcore/internal/config"
	"fxcore/internal/exposure"
	"fxcore/internal/logger"
	"fxcore/internal/metrics"
)

// Recorder journals every execution outcome. Appends are best-effort.
type Recorder interface {
	Append(rec Record) error
}

// Record is one row of the execution journal.
type Record struct {
	Trace          string
	IdempotencyKey string
	Instrument     string
	Units          int64
	OrderID        string
	FillPrice      float64
	Accepted       bool
	Reason         string
	Attempts       int
	At             time.Time
}

// Coordinator drives an approved intent through submission, retry and the
// ledger update. Execute returns only after the fill (if any) is applied, so
// a caller that observes success can trust the exposure snapshot.
type Coordinator struct {
	gateway  broker.Gateway
	tracker  *exposure.Tracker
	cfg      config.ExecutorConfig
	slipBps  int
	log      *SubmissionLog
	recorder Recorder
	alerts   *alert.Sink
}

func NewCoordinator(gateway broker.Gateway, tracker *exposure.Tracker, cfg config.ExecutorConfig, slippageBps int, recorder Recorder, alerts *alert.Sink) *Coordinator {
	return &Coordinator{
		gateway:  gateway,
		tracker:  tracker,
		cfg:      cfg,
		slipBps:  slippageBps,
		log:      NewSubmissionLog(cfg.IdempotencyTTL()),
		recorder: recorder,
		alerts:   alerts,
	}
}

// Execute submits the intent. Transient venue errors are retried with
// exponential backoff under the same idempotency key; rejections and fatal
// errors are terminal. A duplicate key within the idempotency window replays
// the cached result without touching the venue.
func (c *Coordinator) Execute(ctx context.Context, intent broker.OrderIntent) (*Result, error) {
	trace := uuid.NewString()

	cached, err := c.log.Begin(intent.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		metrics.GetCounter("executor_duplicate_submissions_total").Inc()
		logger.Infof("executor: %s replayed cached result trace=%s", intent.Instrument, cached.Trace)
		return cached, nil
	}

	refPrice, _ := c.tracker.LastPrice(intent.Instrument)

	var ack *broker.OrderAck
	attempts := 0
	for {
		attempts++
		metrics.GetCounter("executor_submissions_total").Inc()
		ack, err = c.gateway.SubmitOrder(ctx, intent)
		if err == nil {
			break
		}

		switch broker.ClassOf(err) {
		case broker.Rejected:
			metrics.GetCounter("executor_venue_rejections_total").Inc()
			res := Result{
				Accepted:        false,
				RejectionReason: rejectionReason(err),
				Instrument:      intent.Instrument,
				Units:           intent.Units,
				Trace:           trace,
				Attempts:        attempts,
			}
			c.finish(intent, res)
			logger.Infof("executor: %s rejected by %s: %v trace=%s", intent.Instrument, c.gateway.Name(), err, trace)
			return &res, nil

		case broker.Fatal:
			metrics.GetCounter("executor_fatal_errors_total").Inc()
			c.log.Abandon(intent.IdempotencyKey)
			if c.alerts != nil {
				c.alerts.Raise(alert.Event{
					Kind:       alert.KindBrokerFatal,
					Instrument: intent.Instrument,
					Detail:     err.Error(),
				})
			}
			return nil, fmt.Errorf("fatal venue error on %s: %w", intent.Instrument, err)

		default: // Transient
			metrics.GetCounter("executor_transient_errors_total").Inc()
			if attempts > c.cfg.MaxRetries {
				c.log.Abandon(intent.IdempotencyKey)
				return nil, fmt.Errorf("retries exhausted after %d attempts on %s: %w", attempts, intent.Instrument, err)
			}
			delay := c.backoff(attempts)
			logger.Warnf("executor: %s transient error (attempt %d/%d), retrying in %s: %v",
				intent.Instrument, attempts, c.cfg.MaxRetries+1, delay, err)
			metrics.GetCounter("executor_retries_total").Inc()
			select {
			case <-ctx.Done():
				c.log.Abandon(intent.IdempotencyKey)
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	c.checkSlippage(intent, refPrice, ack.FillPrice)

	fill := exposure.Fill{
		Instrument: ack.Instrument,
		Units:      ack.Units,
		Price:      ack.FillPrice,
		StopLoss:   intent.StopLoss,
		TakeProfit: intent.TakeProfit,
		Time:       ack.FilledAt,
	}
	_, realized, err := c.tracker.ApplyFill(fill)
	if err != nil {
		c.log.Abandon(intent.IdempotencyKey)
		return nil, fmt.Errorf("applying fill for %s failed: %w", ack.Instrument, err)
	}

	metrics.GetCounter("executor_fills_total").Inc()
	res := Result{
		Accepted:    true,
		OrderID:     ack.OrderID,
		TradeID:     ack.TradeID,
		Instrument:  ack.Instrument,
		Units:       ack.Units,
		FillPrice:   ack.FillPrice,
		RealizedPnL: realized,
		Trace:       trace,
		Attempts:    attempts,
	}
	c.finish(intent, res)
	logger.Infof("executor: %s filled %d @ %.5f order=%s attempts=%d trace=%s",
		ack.Instrument, ack.Units, ack.FillPrice, ack.OrderID, attempts, trace)
	return &res, nil
}

// backoff is retry_delay doubled per attempt, capped, with +/-20% jitter.
func (c *Coordinator) backoff(attempt int) time.Duration {
	base := float64(c.cfg.RetryDelay()) * math.Pow(2, float64(attempt-1))
	if limit := float64(c.cfg.MaxBackoff()); base > limit {
		base = limit
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(base * jitter)
}

// checkSlippage compares the fill against the last marked price. The fill
// already happened, so a breach is reported rather than reversed.
func (c *Coordinator) checkSlippage(intent broker.OrderIntent, refPrice, fillPrice float64) {
	if c.slipBps <= 0 || refPrice <= 0 || fillPrice <= 0 {
		return
	}
	bps := math.Abs(fillPrice-refPrice) / refPrice * 10000
	if bps <= float64(c.slipBps) {
		return
	}
	metrics.GetCounter("executor_slippage_breaches_total").Inc()
	logger.Warnf("executor: %s slippage %.1fbps exceeds tolerance %dbps (ref=%.5f fill=%.5f)",
		intent.Instrument, bps, c.slipBps, refPrice, fillPrice)
	if c.alerts != nil {
		c.alerts.Raise(alert.Event{
			Kind:       alert.KindSlippageBreach,
			Instrument: intent.Instrument,
			Detail:     fmt.Sprintf("%.1fbps against tolerance %dbps", bps, c.slipBps),
		})
	}
}

func (c *Coordinator) finish(intent broker.OrderIntent, res Result) {
	c.log.Complete(intent.IdempotencyKey, res)
	metrics.GetGauge("executor_idempotency_entries").Set(float64(c.log.Len()))
	if c.recorder == nil {
		return
	}
	rec := Record{
		Trace:          res.Trace,
		IdempotencyKey: intent.IdempotencyKey,
		Instrument:     intent.Instrument,
		Units:          intent.Units,
		OrderID:        res.OrderID,
		FillPrice:      res.FillPrice,
		Accepted:       res.Accepted,
		Reason:         res.RejectionReason,
		Attempts:       res.Attempts,
		At:             time.Now().UTC(),
	}
	if err := c.recorder.Append(rec); err != nil {
		logger.Warnf("executor: journaling %s failed: %v", res.Trace, err)
	}
}

func rejectionReason(err error) string {
	var be *broker.Error
	if errors.As(err, &be) && be.Code != "" {
		return be.Code
	}
	return "venue_rejected"
}
