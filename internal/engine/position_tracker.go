package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"meridian/internal/domain"
)

type positionEntry struct {
	pos      domain.Position
	notional float64 // sum of qty*price over the lots still open
}

// PositionTracker owns the net position per symbol. Positions are created on
// the first fill and reset to FLAT, never removed, when they net to zero.
type PositionTracker struct {
	mu        sync.RWMutex
	positions map[string]*positionEntry
}

// NewPositionTracker creates an empty PositionTracker.
func NewPositionTracker() *PositionTracker {
	return &PositionTracker{positions: make(map[string]*positionEntry)}
}

// UpdateFromFill applies one execution to the position in inst and returns the
// realized PnL it produced.
//
//   - a fill on the position's side (or into a FLAT position) adds to it and
//     re-averages the price; nothing is realized
//   - an opposite fill smaller than the position reduces it at the unchanged
//     average price and realizes (price - avg) * qty * dir * multiplier
//   - an opposite fill equal to the position closes it to FLAT
//   - an opposite fill larger than the position closes it and opens the
//     remainder on the other side at the fill price
func (t *PositionTracker) UpdateFromFill(inst domain.Instrument, side domain.OrderSide, qty, price float64, at time.Time) (float64, error) {
	if err := inst.Validate(); err != nil {
		return 0, fmt.Errorf("position update: %v: %w", err, ErrInvalidFill)
	}
	if !side.Valid() {
		return 0, fmt.Errorf("position update %s side %q: %w", inst.Symbol, side, ErrInvalidFill)
	}
	if !(qty > 0) || !(price >= 0) {
		return 0, fmt.Errorf("position update %s qty %v price %v: %w", inst.Symbol, qty, price, ErrInvalidFill)
	}
	at = at.UTC()
	inst.Symbol = strings.ToUpper(inst.Symbol)

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.positions[inst.Symbol]
	if !ok {
		e = &positionEntry{pos: domain.Position{Instrument: inst, Side: domain.PositionSideFlat}}
		t.positions[inst.Symbol] = e
	}
	p := &e.pos
	p.LastUpdated = at
	mult := multiplierOf(p.Instrument)

	if p.IsFlat() || domain.SideFor(side) == p.Side {
		if p.IsFlat() {
			p.Instrument = inst
			p.Side = domain.SideFor(side)
			p.Qty = 0
			e.notional = 0
		}
		e.notional += qty * price
		p.Qty += qty
		p.AvgPrice = e.notional / p.Qty
		return 0, nil
	}

	dir := p.Side.Sign()
	closing := qty
	if closing > p.Qty {
		closing = p.Qty
	}
	realized := (price - p.AvgPrice) * closing * dir * mult
	remainder := qty - closing

	switch {
	case p.Qty-closing <= qtyEpsilon && remainder <= qtyEpsilon:
		t.flatten(e)
	case p.Qty-closing <= qtyEpsilon:
		p.Instrument = inst
		p.Side = domain.SideFor(side)
		p.Qty = remainder
		p.AvgPrice = price
		e.notional = remainder * price
	default:
		p.Qty -= closing
		e.notional = p.Qty * p.AvgPrice
	}
	return realized, nil
}

func (t *PositionTracker) flatten(e *positionEntry) {
	e.pos.Side = domain.PositionSideFlat
	e.pos.Qty = 0
	e.pos.AvgPrice = 0
	e.notional = 0
}

// Position returns the position in symbol. The second result is false when
// the symbol has never traded.
func (t *PositionTracker) Position(symbol string) (domain.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.positions[strings.ToUpper(symbol)]
	if !ok {
		return domain.Position{}, false
	}
	return e.pos, true
}

// NetQuantity returns the signed quantity held in symbol.
func (t *PositionTracker) NetQuantity(symbol string) float64 {
	p, _ := t.Position(symbol)
	return p.NetQty()
}

// Positions returns every position, FLAT ones included, sorted by symbol.
func (t *PositionTracker) Positions() []domain.Position {
	t.mu.RLock()
	out := make([]domain.Position, 0, len(t.positions))
	for _, e := range t.positions {
		out = append(out, e.pos)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol() < out[j].Symbol() })
	return out
}

// OpenPositions returns the non-FLAT positions sorted by symbol.
func (t *PositionTracker) OpenPositions() []domain.Position {
	all := t.Positions()
	out := all[:0]
	for _, p := range all {
		if !p.IsFlat() {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of symbols that have traded.
func (t *PositionTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}

func multiplierOf(inst domain.Instrument) float64 {
	if inst.Multiplier > 0 {
		return inst.Multiplier
	}
	return 1
}
