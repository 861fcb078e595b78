package engine

import (
	"context"
	"fmt"
	"math"
	"sort"

	"meridian/internal/domain"
)

// RecoveryReport summarizes a replay of the durable log.
type RecoveryReport struct {
	Orders       int
	Fills        int
	StatusEvents int
	Groups       int
	// SnapshotMismatches lists symbols whose cached snapshot disagreed with
	// the rebuilt position. The cache is overwritten either way.
	SnapshotMismatches []string
}

// Recover rebuilds the engine's state from the durable store: every order is
// loaded as CREATED, fills are replayed in chronological order exactly as
// they were applied live, and broker-confirmed cancels and rejects are
// re-applied. It must run on a fresh engine before Start.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	if e.store == nil {
		return rep, ErrNoStore
	}

	e.fillMu.Lock()
	defer e.fillMu.Unlock()

	if e.orders.Len() > 0 || e.positions.Len() > 0 {
		return rep, ErrNotEmpty
	}

	orders, err := e.store.ListOrders(ctx)
	if err != nil {
		return rep, fmt.Errorf("loading orders: %w", err)
	}
	for _, o := range orders {
		if err := e.orders.restore(o); err != nil {
			return rep, fmt.Errorf("restoring order %s: %w", o.ID, err)
		}
		if o.GroupID != "" {
			e.groups.addLeg(o.GroupID, o.GroupType, o.ID)
		}
	}
	rep.Orders = len(orders)

	fills, err := e.store.ListFills(ctx)
	if err != nil {
		return rep, fmt.Errorf("loading fills: %w", err)
	}
	for _, f := range fills {
		st, err := e.orders.applyFill(ctx, f, false)
		if err != nil {
			return rep, fmt.Errorf("replaying fill %s: %w", f.ID, err)
		}
		applied := st.Fills[len(st.Fills)-1]
		realized, err := e.positions.UpdateFromFill(st.Order.Instrument, applied.Side, applied.Qty, applied.Price, applied.Timestamp)
		if err != nil {
			return rep, fmt.Errorf("replaying fill %s into position: %w", f.ID, err)
		}
		e.pnl.Update(applied, realized)
		e.groupPnL.Update(applied, realized)
	}
	rep.Fills = len(fills)

	events, err := e.store.ListOrderStatus(ctx)
	if err != nil {
		return rep, fmt.Errorf("loading order status events: %w", err)
	}
	for _, ev := range events {
		if _, err := e.orders.markTerminal(ctx, ev, false); err != nil {
			return rep, fmt.Errorf("replaying %s of order %s: %w", ev.Status, ev.OrderID, err)
		}
	}
	rep.StatusEvents = len(events)

	groups := e.groups.refresh()
	rep.Groups = len(groups)

	rep.SnapshotMismatches = e.reconcileSnapshots(ctx)

	e.log.Info("recovery complete",
		"orders", rep.Orders, "fills", rep.Fills, "status_events", rep.StatusEvents,
		"groups", rep.Groups, "snapshot_mismatches", len(rep.SnapshotMismatches),
		"open_orders", len(e.orders.Open()), "open_positions", len(e.positions.OpenPositions()))
	return rep, nil
}

// reconcileSnapshots compares the cached position snapshots with the rebuilt
// positions and rewrites the cache. Cache errors are logged only.
func (e *Engine) reconcileSnapshots(ctx context.Context) []string {
	cached, err := e.store.ListPositions(ctx)
	if err != nil {
		e.log.Warn("loading position snapshots", "error", err)
		cached = nil
	}
	bySymbol := make(map[string]domain.Position, len(cached))
	for _, p := range cached {
		bySymbol[p.Symbol()] = p
	}

	var mismatches []string
	rebuilt := e.positions.Positions()
	for _, p := range rebuilt {
		c, ok := bySymbol[p.Symbol()]
		delete(bySymbol, p.Symbol())
		if ok && samePosition(c, p) {
			continue
		}
		if ok || !p.IsFlat() {
			mismatches = append(mismatches, p.Symbol())
			e.log.Warn("position snapshot mismatch",
				"symbol", p.Symbol(), "cached_side", c.Side, "cached_qty", c.Qty, "cached_avg", c.AvgPrice,
				"rebuilt_side", p.Side, "rebuilt_qty", p.Qty, "rebuilt_avg", p.AvgPrice)
		}
	}
	for sym, c := range bySymbol {
		if !c.IsFlat() {
			mismatches = append(mismatches, sym)
			e.log.Warn("position snapshot without fills", "symbol", sym, "cached_side", c.Side, "cached_qty", c.Qty)
		}
	}

	sort.Strings(mismatches)

	if err := e.store.ClearPositions(ctx); err != nil {
		e.log.Warn("clearing position snapshots", "error", err)
		return mismatches
	}
	for _, p := range rebuilt {
		e.saveSnapshot(ctx, p)
	}
	return mismatches
}

func samePosition(a, b domain.Position) bool {
	if a.Side != b.Side || math.Abs(a.Qty-b.Qty) > qtyEpsilon {
		return false
	}
	return b.IsFlat() || math.Abs(a.AvgPrice-b.AvgPrice) <= 1e-9*math.Max(1, math.Abs(b.AvgPrice))
}
