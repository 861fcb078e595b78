package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"meridian/internal/domain"
	"meridian/internal/store"
)

// qtyEpsilon absorbs float noise when comparing cumulative quantities.
const qtyEpsilon = 1e-9

// orderEntry pairs an order's public state with the running sum of
// qty*price over its fills, so the average stays the exact weighted mean.
type orderEntry struct {
	state    domain.OrderState
	notional float64
}

// OrderTracker owns the lifecycle of every order, keyed by correlation id.
// Orders and fills are written to the durable stores before the in-memory
// state changes. Nil stores make the tracker purely in-memory.
type OrderTracker struct {
	mu      sync.RWMutex
	orders  map[string]*orderEntry
	applied map[string]struct{} // fill ids already applied

	orderStore store.OrderStore
	fillStore  store.FillStore
}

// NewOrderTracker creates an empty OrderTracker persisting through the given
// stores.
func NewOrderTracker(orders store.OrderStore, fills store.FillStore) *OrderTracker {
	return &OrderTracker{
		orders:     make(map[string]*orderEntry),
		applied:    make(map[string]struct{}),
		orderStore: orders,
		fillStore:  fills,
	}
}

// Register records a new order in CREATED state. The order is persisted
// before it becomes visible; a store failure aborts the registration.
func (t *OrderTracker) Register(ctx context.Context, order domain.Order) (domain.OrderState, error) {
	if err := validateOrder(order); err != nil {
		return domain.OrderState{}, err
	}
	order = normalizeOrder(order)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.orders[order.ID]; ok {
		return domain.OrderState{}, fmt.Errorf("registering %s: %w", order.ID, ErrDuplicateOrder)
	}
	if t.orderStore != nil {
		if err := t.orderStore.SaveOrder(ctx, &order); err != nil {
			return domain.OrderState{}, fmt.Errorf("persisting order %s: %w", order.ID, err)
		}
	}
	e := t.insert(order)
	return e.state.Clone(), nil
}

// ApplyFill applies one broker fill to its order. The fill is persisted
// before the state transition; on any error the order is left untouched.
func (t *OrderTracker) ApplyFill(ctx context.Context, fill domain.Fill) (domain.OrderState, error) {
	return t.applyFill(ctx, fill, true)
}

func (t *OrderTracker) applyFill(ctx context.Context, fill domain.Fill, persist bool) (domain.OrderState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.orders[fill.OrderID]
	if !ok {
		return domain.OrderState{}, fmt.Errorf("fill %s for order %q: %w", fill.ID, fill.OrderID, ErrUnknownOrder)
	}
	fill, err := t.checkFill(e, fill)
	if err != nil {
		return e.state.Clone(), err
	}

	if persist && t.fillStore != nil {
		if err := t.fillStore.SaveFill(ctx, &fill); err != nil {
			return e.state.Clone(), fmt.Errorf("persisting fill %s: %w", fill.ID, err)
		}
	}

	st := &e.state
	e.notional += fill.Qty * fill.Price
	st.FilledQty += fill.Qty
	st.FilledAvgPrice = e.notional / st.FilledQty
	st.Fills = append(st.Fills, fill)
	st.UpdatedAt = fill.Timestamp
	if st.Order.Qty-st.FilledQty <= qtyEpsilon {
		st.Status = domain.OrderStatusFilled
	} else {
		st.Status = domain.OrderStatusPartiallyFilled
	}
	t.applied[fill.ID] = struct{}{}

	return st.Clone(), nil
}

// checkFill validates fill against the order and fills in defaults.
// Must be called with mu held.
func (t *OrderTracker) checkFill(e *orderEntry, fill domain.Fill) (domain.Fill, error) {
	st := e.state
	if fill.ID == "" {
		return fill, fmt.Errorf("fill for order %s has no id: %w", st.Order.ID, ErrInvalidFill)
	}
	if !(fill.Qty > 0) {
		return fill, fmt.Errorf("fill %s quantity %v: %w", fill.ID, fill.Qty, ErrInvalidFill)
	}
	if !(fill.Price >= 0) {
		return fill, fmt.Errorf("fill %s price %v: %w", fill.ID, fill.Price, ErrInvalidFill)
	}
	if _, dup := t.applied[fill.ID]; dup {
		return fill, fmt.Errorf("fill %s: %w", fill.ID, ErrDuplicateFill)
	}
	if st.Status.Terminal() {
		return fill, fmt.Errorf("fill %s on %s order %s: %w", fill.ID, st.Status, st.Order.ID, ErrOrderTerminal)
	}

	if fill.Symbol == "" {
		fill.Symbol = st.Order.Symbol()
	}
	if fill.Side == "" {
		fill.Side = st.Order.Side
	}
	if fill.Symbol != st.Order.Symbol() || fill.Side != st.Order.Side {
		return fill, fmt.Errorf("fill %s is %s %s, order %s is %s %s: %w",
			fill.ID, fill.Side, fill.Symbol, st.Order.ID, st.Order.Side, st.Order.Symbol(), ErrFillMismatch)
	}
	if st.FilledQty+fill.Qty > st.Order.Qty+qtyEpsilon {
		return fill, fmt.Errorf("fill %s qty %v with %v of %v filled: %w",
			fill.ID, fill.Qty, st.FilledQty, st.Order.Qty, ErrOverfill)
	}

	if fill.Timestamp.IsZero() {
		fill.Timestamp = time.Now()
	}
	fill.Timestamp = fill.Timestamp.UTC()
	return fill, nil
}

// MarkCancelled records a broker-confirmed cancellation. Orders that are
// CREATED or PARTIALLY_FILLED may be cancelled.
func (t *OrderTracker) MarkCancelled(ctx context.Context, id, reason string, at time.Time) (domain.OrderState, error) {
	return t.markTerminal(ctx, domain.OrderStatusEvent{
		OrderID: id, Status: domain.OrderStatusCancelled, Reason: reason, Timestamp: at,
	}, true)
}

// MarkRejected records a broker rejection. Only CREATED orders may be
// rejected.
func (t *OrderTracker) MarkRejected(ctx context.Context, id, reason string, at time.Time) (domain.OrderState, error) {
	return t.markTerminal(ctx, domain.OrderStatusEvent{
		OrderID: id, Status: domain.OrderStatusRejected, Reason: reason, Timestamp: at,
	}, true)
}

func (t *OrderTracker) markTerminal(ctx context.Context, ev domain.OrderStatusEvent, persist bool) (domain.OrderState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.orders[ev.OrderID]
	if !ok {
		return domain.OrderState{}, fmt.Errorf("%s order %q: %w", ev.Status, ev.OrderID, ErrUnknownOrder)
	}
	st := &e.state
	allowed := st.Status == domain.OrderStatusCreated ||
		(ev.Status == domain.OrderStatusCancelled && st.Status == domain.OrderStatusPartiallyFilled)
	if !allowed {
		return st.Clone(), fmt.Errorf("order %s %s -> %s: %w", ev.OrderID, st.Status, ev.Status, ErrInvalidTransition)
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	if persist && t.orderStore != nil {
		if err := t.orderStore.SaveOrderStatus(ctx, &ev); err != nil {
			return st.Clone(), fmt.Errorf("persisting %s for order %s: %w", ev.Status, ev.OrderID, err)
		}
	}

	st.Status = ev.Status
	st.Reason = ev.Reason
	st.UpdatedAt = ev.Timestamp
	return st.Clone(), nil
}

// restore inserts a persisted order without writing it back.
func (t *OrderTracker) restore(order domain.Order) error {
	if err := validateOrder(order); err != nil {
		return err
	}
	order = normalizeOrder(order)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.orders[order.ID]; ok {
		return fmt.Errorf("restoring %s: %w", order.ID, ErrDuplicateOrder)
	}
	t.insert(order)
	return nil
}

// insert adds a CREATED entry. Must be called with mu held.
func (t *OrderTracker) insert(order domain.Order) *orderEntry {
	e := &orderEntry{state: domain.OrderState{
		Order:     order,
		Status:    domain.OrderStatusCreated,
		CreatedAt: order.CreatedAt,
		UpdatedAt: order.CreatedAt,
	}}
	t.orders[order.ID] = e
	return e
}

// Get returns a copy of the state of order id.
func (t *OrderTracker) Get(id string) (domain.OrderState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.orders[id]
	if !ok {
		return domain.OrderState{}, false
	}
	return e.state.Clone(), true
}

// Order returns the immutable order registered under id.
func (t *OrderTracker) Order(id string) (domain.Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	o := e.state.Order
	o.Metadata = copyMetadata(o.Metadata)
	return o, true
}

// Len returns the number of tracked orders.
func (t *OrderTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.orders)
}

// Snapshot returns copies of every order state sorted by creation time, then
// correlation id.
func (t *OrderTracker) Snapshot() []domain.OrderState {
	return t.collect(func(domain.OrderState) bool { return true })
}

// Open returns the orders that can still receive fills.
func (t *OrderTracker) Open() []domain.OrderState {
	return t.collect(func(st domain.OrderState) bool { return !st.Status.Terminal() })
}

func (t *OrderTracker) collect(keep func(domain.OrderState) bool) []domain.OrderState {
	t.mu.RLock()
	out := make([]domain.OrderState, 0, len(t.orders))
	for _, e := range t.orders {
		if keep(e.state) {
			out = append(out, e.state.Clone())
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Order.ID < out[j].Order.ID
	})
	return out
}

func validateOrder(o domain.Order) error {
	switch {
	case o.ID == "":
		return fmt.Errorf("order without correlation id: %w", ErrInvalidOrder)
	case !o.Side.Valid():
		return fmt.Errorf("order %s side %q: %w", o.ID, o.Side, ErrInvalidOrder)
	case !(o.Qty > 0):
		return fmt.Errorf("order %s quantity %v: %w", o.ID, o.Qty, ErrInvalidOrder)
	}
	if err := o.Instrument.Validate(); err != nil {
		return fmt.Errorf("order %s: %v: %w", o.ID, err, ErrInvalidOrder)
	}
	return nil
}

// normalizeOrder strips the monotonic clock and empty maps so live and
// replayed orders compare equal.
func normalizeOrder(o domain.Order) domain.Order {
	o.CreatedAt = o.CreatedAt.UTC()
	o.Instrument.Expiry = o.Instrument.Expiry.UTC()
	o.Metadata = copyMetadata(o.Metadata)
	return o
}
