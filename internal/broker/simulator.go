package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"meridian/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorConfig controls the paper broker.
type SimulatorConfig struct {
	// AutoFill executes orders as soon as a price is known: LIMIT orders at
	// their limit when the mark crosses (or no mark is set), MARKET orders at
	// the mark. Without AutoFill orders rest until Fill is called.
	AutoFill bool
	// FeePerUnit is charged on every filled unit.
	FeePerUnit float64
	// QueueSize bounds the undelivered fill backlog. Defaults to 1024.
	QueueSize int
}

type simOrder struct {
	brokerID string
	order    domain.Order
	filled   float64
	done     bool
}

// SimulatorBroker implements the Broker interface for paper trading. It keeps
// orders in memory and reports fills asynchronously on its own goroutine,
// like a real brokerage would.
type SimulatorBroker struct {
	cfg SimulatorConfig
	now func() time.Time

	mu       sync.Mutex
	marks    map[string]float64
	orders   map[string]*simOrder
	placed   []string // broker ids in placement order
	nextID   int
	nextFill int

	queue      chan domain.Fill
	subscribed bool
}

// NewSimulatorBroker creates a paper broker with no orders and no marks.
func NewSimulatorBroker(cfg SimulatorConfig) *SimulatorBroker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &SimulatorBroker{
		cfg:    cfg,
		now:    time.Now,
		marks:  make(map[string]float64),
		orders: make(map[string]*simOrder),
		queue:  make(chan domain.Fill, cfg.QueueSize),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// PlaceOrder accepts the order and, with AutoFill, executes it in full when
// a price is available.
func (b *SimulatorBroker) PlaceOrder(ctx context.Context, order domain.Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !(order.Qty > 0) {
		return "", fmt.Errorf("simulator: order %s quantity %v", order.ID, order.Qty)
	}

	b.mu.Lock()
	b.nextID++
	so := &simOrder{brokerID: fmt.Sprintf("sim-%06d", b.nextID), order: order}
	b.orders[so.brokerID] = so
	b.placed = append(b.placed, so.brokerID)

	var fills []domain.Fill
	if b.cfg.AutoFill {
		mark, hasMark := b.marks[order.Symbol()]
		if px, ok := execPrice(order, mark, hasMark); ok {
			fills = append(fills, b.execute(so, so.order.Qty, px))
		}
	}
	b.mu.Unlock()

	b.deliver(fills)
	return so.brokerID, nil
}

// CancelOrder cancels a working order. It returns false for orders that
// are already complete.
func (b *SimulatorBroker) CancelOrder(_ context.Context, brokerOrderID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	so, ok := b.orders[brokerOrderID]
	if !ok {
		return false, fmt.Errorf("simulator: unknown order %q", brokerOrderID)
	}
	if so.done {
		return false, nil
	}
	so.done = true
	return true, nil
}

// SubscribeFills starts delivering queued and future fills to handler until
// ctx is cancelled. Only one subscription is allowed.
func (b *SimulatorBroker) SubscribeFills(ctx context.Context, handler FillHandler) error {
	b.mu.Lock()
	if b.subscribed {
		b.mu.Unlock()
		return ErrAlreadySubscribed
	}
	b.subscribed = true
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-b.queue:
				handler(f)
			}
		}
	}()
	return nil
}

// SetPrice updates the mark for symbol. With AutoFill, resting orders that
// become executable are filled in placement order.
func (b *SimulatorBroker) SetPrice(symbol string, price float64) {
	symbol = strings.ToUpper(symbol)

	b.mu.Lock()
	b.marks[symbol] = price
	var fills []domain.Fill
	if b.cfg.AutoFill {
		for _, id := range b.placed {
			so := b.orders[id]
			if so.done || so.order.Symbol() != symbol {
				continue
			}
			if px, ok := execPrice(so.order, price, true); ok {
				fills = append(fills, b.execute(so, so.order.Qty-so.filled, px))
			}
		}
	}
	b.mu.Unlock()

	b.deliver(fills)
}

// Fill executes qty of a working order at price, for scripting partial fills.
func (b *SimulatorBroker) Fill(brokerOrderID string, qty, price float64) error {
	b.mu.Lock()
	so, ok := b.orders[brokerOrderID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("simulator: unknown order %q", brokerOrderID)
	}
	if so.done {
		b.mu.Unlock()
		return fmt.Errorf("simulator: order %s is not working", brokerOrderID)
	}
	if !(qty > 0) || qty > so.order.Qty-so.filled+1e-9 {
		b.mu.Unlock()
		return fmt.Errorf("simulator: fill qty %v with %v remaining", qty, so.order.Qty-so.filled)
	}
	f := b.execute(so, qty, price)
	b.mu.Unlock()

	b.deliver([]domain.Fill{f})
	return nil
}

// Working returns the broker ids of orders that can still fill, sorted.
func (b *SimulatorBroker) Working() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for id, so := range b.orders {
		if !so.done {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// execute records an execution and builds its fill. Must be called with mu
// held.
func (b *SimulatorBroker) execute(so *simOrder, qty, price float64) domain.Fill {
	b.nextFill++
	so.filled += qty
	if so.order.Qty-so.filled <= 1e-9 {
		so.done = true
	}
	return domain.Fill{
		ID:        fmt.Sprintf("simfill-%06d", b.nextFill),
		OrderID:   so.order.ID,
		Symbol:    so.order.Symbol(),
		Qty:       qty,
		Price:     price,
		Side:      so.order.Side,
		Fee:       b.cfg.FeePerUnit * qty,
		Timestamp: b.now().UTC(),
	}
}

// deliver queues fills for the subscriber. It blocks when the backlog is
// full, so it must not be called with mu held.
func (b *SimulatorBroker) deliver(fills []domain.Fill) {
	for _, f := range fills {
		b.queue <- f
	}
}

// execPrice returns the price an order executes at given the current mark.
func execPrice(o domain.Order, mark float64, hasMark bool) (float64, bool) {
	switch o.Type {
	case domain.OrderTypeLimit:
		if !hasMark {
			return o.LimitPrice, true
		}
		if (o.Side == domain.OrderSideBuy && mark <= o.LimitPrice) ||
			(o.Side == domain.OrderSideSell && mark >= o.LimitPrice) {
			return o.LimitPrice, true
		}
		return 0, false
	default:
		return mark, hasMark
	}
}
