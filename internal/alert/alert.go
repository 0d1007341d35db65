// Package alert raises operator notifications for risk and venue conditions
// that need human attention.
package alert

import (
	"fmt"
	"time"

	"fxcore/internal/logger"
)

// TextNotifier is a minimal push channel. Kept small so components depend on
// the interface, not on Telegram.
type TextNotifier interface {
	SendText(text string) error
}

// Kind enumerates the alert conditions.
type Kind string

const (
	KindDrawdownBreach    Kind = "drawdown_breach"
	KindRepeatedRejection Kind = "repeated_rejection"
	KindBrokerFatal       Kind = "broker_fatal"
	KindCircuitOpen       Kind = "circuit_open"
	KindSlippageBreach    Kind = "slippage_breach"
)

// Event is one alert occurrence.
type Event struct {
	Kind       Kind
	Instrument string
	Detail     string
	At         time.Time
}

func (e Event) text() string {
	if e.Instrument != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Instrument, e.Detail)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Detail)
}

// Sink fans events out to the configured notifier, deduplicating repeats
// within a cooldown window so a flapping condition does not flood the channel.
type Sink struct {
	notifier TextNotifier
	cooldown time.Duration

	lastSent map[string]time.Time
	ch       chan Event
	done     chan struct{}
}

func NewSink(notifier TextNotifier) *Sink {
	s := &Sink{
		notifier: notifier,
		cooldown: 5 * time.Minute,
		lastSent: make(map[string]time.Time),
		ch:       make(chan Event, 64),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Raise queues the event. Never blocks the caller; a full queue drops the
// event after logging it.
func (s *Sink) Raise(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	logger.Warnf("alert: %s", e.text())
	select {
	case s.ch <- e:
	default:
		logger.Warnf("alert: queue full, dropped %s", e.Kind)
	}
}

func (s *Sink) Close() {
	close(s.done)
}

func (s *Sink) run() {
	for {
		select {
		case <-s.done:
			return
		case e := <-s.ch:
			s.deliver(e)
		}
	}
}

func (s *Sink) deliver(e Event) {
	if s.notifier == nil {
		return
	}
	key := string(e.Kind) + "|" + e.Instrument
	if last, ok := s.lastSent[key]; ok && time.Since(last) < s.cooldown {
		return
	}
	s.lastSent[key] = time.Now()
	if err := s.notifier.SendText(e.text()); err != nil {
		logger.Warnf("alert: notify failed: %v", err)
	}
}
