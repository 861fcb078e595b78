package engine

import (
	"sort"
	"strings"
	"sync"
	"time"

	"meridian/internal/domain"
)

// PositionSource is the read side of a PositionTracker.
type PositionSource interface {
	Position(symbol string) (domain.Position, bool)
	OpenPositions() []domain.Position
}

// PnLTracker accumulates realized PnL and fees per symbol and marks open
// positions to caller-supplied prices. It performs no I/O.
type PnLTracker struct {
	mu        sync.RWMutex
	realized  map[string]float64
	fees      map[string]float64
	daily     map[string]float64 // session date -> realized
	session   func(time.Time) string
	positions PositionSource
}

// NewPnLTracker creates a PnLTracker that values the positions of src.
func NewPnLTracker(src PositionSource) *PnLTracker {
	return &PnLTracker{
		realized:  make(map[string]float64),
		fees:      make(map[string]float64),
		daily:     make(map[string]float64),
		session:   utcDate,
		positions: src,
	}
}

// SetSessionFunc sets how fill timestamps map to session dates for
// DailyRealizedPnL. The default is the UTC calendar date.
func (t *PnLTracker) SetSessionFunc(fn func(time.Time) string) {
	t.mu.Lock()
	t.session = fn
	t.mu.Unlock()
}

// Update records the realized PnL produced by fill. It is called once per
// fill, right after the position tracker has processed it.
func (t *PnLTracker) Update(fill domain.Fill, realized float64) {
	sym := strings.ToUpper(fill.Symbol)
	t.mu.Lock()
	t.realized[sym] += realized
	if realized != 0 {
		t.daily[t.session(fill.Timestamp)] += realized
	}
	if fill.Fee != 0 {
		t.fees[sym] += fill.Fee
	}
	t.mu.Unlock()
}

// RealizedPnL returns the realized PnL of symbol.
func (t *PnLTracker) RealizedPnL(symbol string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.realized[strings.ToUpper(symbol)]
}

// TotalRealizedPnL returns the realized PnL across all symbols.
func (t *PnLTracker) TotalRealizedPnL() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sumSorted(t.realized)
}

// DailyRealizedPnL returns the PnL realized by fills on session date
// (YYYY-MM-DD).
func (t *PnLTracker) DailyRealizedPnL(date string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.daily[date]
}

// SessionDate maps ts to a session date with the tracker's session function.
func (t *PnLTracker) SessionDate(ts time.Time) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.session(ts)
}

// Fees returns the fees paid on symbol.
func (t *PnLTracker) Fees(symbol string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fees[strings.ToUpper(symbol)]
}

// TotalFees returns the fees paid across all symbols.
func (t *PnLTracker) TotalFees() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sumSorted(t.fees)
}

// UnrealizedPnL marks the open position in symbol to marks[symbol]. It is 0
// for FLAT positions and when no mark is available.
func (t *PnLTracker) UnrealizedPnL(marks map[string]float64, symbol string) float64 {
	p, ok := t.positions.Position(symbol)
	if !ok {
		return 0
	}
	return markToMarket(p, marks)
}

// TotalUnrealizedPnL marks every open position.
func (t *PnLTracker) TotalUnrealizedPnL(marks map[string]float64) float64 {
	var total float64
	for _, p := range t.positions.OpenPositions() {
		total += markToMarket(p, marks)
	}
	return total
}

// SymbolPnL returns realized plus unrealized PnL for symbol.
func (t *PnLTracker) SymbolPnL(marks map[string]float64, symbol string) float64 {
	return t.RealizedPnL(symbol) + t.UnrealizedPnL(marks, symbol)
}

// TotalPnL returns realized plus unrealized PnL across all symbols.
func (t *PnLTracker) TotalPnL(marks map[string]float64) float64 {
	return t.TotalRealizedPnL() + t.TotalUnrealizedPnL(marks)
}

// Realized returns a copy of the per-symbol realized PnL.
func (t *PnLTracker) Realized() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]float64, len(t.realized))
	for k, v := range t.realized {
		out[k] = v
	}
	return out
}

func markToMarket(p domain.Position, marks map[string]float64) float64 {
	if p.IsFlat() {
		return 0
	}
	mark, ok := marks[p.Symbol()]
	if !ok {
		return 0
	}
	return (mark - p.AvgPrice) * p.Qty * multiplierOf(p.Instrument) * p.Side.Sign()
}

func utcDate(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}

// sumSorted adds the values in key order so totals are reproducible.
func sumSorted(m map[string]float64) float64 {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var total float64
	for _, k := range keys {
		total += m[k]
	}
	return total
}
