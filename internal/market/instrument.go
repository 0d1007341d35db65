// Package market holds the reference data and stream types shared by the
// risk, exposure and broker layers: instruments, signals, ticks and candles.
package market

import (
	"fmt"
	"strings"
	"sync"
)

// Instrument is immutable reference data for a tradable currency pair.
type Instrument struct {
	Name     string  // e.g. "EUR_USD"
	PipSize  float64 // 0.0001 for most pairs, 0.01 for JPY quotes
	MinUnits int64   // smallest tradable size
	MaxUnits int64   // venue hard cap, 0 = unbounded
}

// PipSizeFor infers the pip size from the quote currency. JPY-quoted pairs
// trade with two decimal pips, everything else with four.
func PipSizeFor(name string) float64 {
	if strings.Contains(strings.ToUpper(name), "JPY") {
		return 0.01
	}
	return 0.0001
}

// Catalog resolves instrument names to their reference data. Entries are
// registered once at startup from config; lookups of unknown names fall back
// to inferred defaults so price handling never stalls on missing metadata.
type Catalog struct {
	mu    sync.RWMutex
	byKey map[string]Instrument
}

func NewCatalog() *Catalog {
	return &Catalog{byKey: make(map[string]Instrument)}
}

func (c *Catalog) Register(inst Instrument) error {
	name := strings.ToUpper(strings.TrimSpace(inst.Name))
	if name == "" {
		return fmt.Errorf("instrument name cannot be empty")
	}
	if inst.PipSize <= 0 {
		inst.PipSize = PipSizeFor(name)
	}
	if inst.MinUnits <= 0 {
		inst.MinUnits = 1
	}
	inst.Name = name
	c.mu.Lock()
	c.byKey[name] = inst
	c.mu.Unlock()
	return nil
}

// Lookup returns the registered instrument, or an inferred default when the
// name was never registered.
func (c *Catalog) Lookup(name string) Instrument {
	key := strings.ToUpper(strings.TrimSpace(name))
	c.mu.RLock()
	inst, ok := c.byKey[key]
	c.mu.RUnlock()
	if ok {
		return inst
	}
	return Instrument{Name: key, PipSize: PipSizeFor(key), MinUnits: 1}
}

func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byKey))
	for name := range c.byKey {
		out = append(out, name)
	}
	return out
}
