package market

import (
	"strings"
	"time"
)

// Direction is the side a strategy wants to be on.
type Direction int

const (
	Flat Direction = iota
	Long
	Short
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "flat"
	}
}

// Sign maps the direction onto signed units: +1 long, -1 short, 0 flat.
func (d Direction) Sign() int64 {
	switch d {
	case Long:
		return 1
	case Short:
		return -1
	default:
		return 0
	}
}

// ParseDirection accepts long/buy, short/sell and flat/close.
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return Long, true
	case "short", "sell":
		return Short, true
	case "flat", "close", "none":
		return Flat, true
	default:
		return Flat, false
	}
}

// Signal is a strategy-generated trade request. It is read-only input to the
// risk layer; the core never mutates it.
type Signal struct {
	Instrument string
	Direction  Direction
	Strength   float64 // continuous score, strategy-specific scale
	Timestamp  time.Time
	Strategy   string // source strategy tag
}
