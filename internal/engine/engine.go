// Package engine turns strategy signals into orders, tracks their fills, and
// keeps the authoritative positions and PnL, recoverable from the durable
// order and fill log.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"meridian/internal/broker"
	"meridian/internal/domain"
	"meridian/internal/feed"
	"meridian/internal/store"
	"meridian/internal/util"
)

// Publisher receives execution events. Publishing is fire-and-forget: the
// engine logs a returned error and carries on.
type Publisher interface {
	Publish(feed.Event) error
}

// Options holds the optional collaborators of an Engine.
type Options struct {
	Risk      *RiskManager
	Publisher Publisher
	// Calendar decides which session a fill's realized PnL counts toward
	// for the daily loss limit. Defaults to UTC dates.
	Calendar *util.TradingCalendar
	Log      *slog.Logger
}

// Engine is the execution handler: it owns the trackers and wires them to a
// broker, the durable store and the event feed.
type Engine struct {
	broker    broker.Broker
	store     store.Store
	factory   *OrderFactory
	orders    *OrderTracker
	positions *PositionTracker
	pnl       *PnLTracker
	groups    *GroupTracker
	groupPnL  *GroupPnLTracker
	risk      *RiskManager
	publisher Publisher
	log       *slog.Logger
	now       func() time.Time

	// signalMu serializes the signal path so EXIT resolution and risk checks
	// see the positions the order is built against.
	signalMu sync.Mutex
	// fillMu makes an order update and its position update one step, applied
	// in arrival order.
	fillMu sync.Mutex

	idsMu     sync.Mutex
	brokerIDs map[string]string // correlation id -> broker order id
}

// NewEngine creates a new Engine wired with the given dependencies. st may
// be nil for a purely in-memory engine.
func NewEngine(b broker.Broker, st store.Store, opts Options) *Engine {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	var (
		orderStore store.OrderStore
		fillStore  store.FillStore
	)
	if st != nil {
		orderStore, fillStore = st, st
	}

	orders := NewOrderTracker(orderStore, fillStore)
	positions := NewPositionTracker()
	groups := NewGroupTracker(orders, log)
	e := &Engine{
		broker:    b,
		store:     st,
		factory:   NewOrderFactory(),
		orders:    orders,
		positions: positions,
		pnl:       NewPnLTracker(positions),
		groups:    groups,
		groupPnL:  NewGroupPnLTracker(groups, orders),
		risk:      opts.Risk,
		publisher: opts.Publisher,
		log:       log,
		now:       time.Now,
		brokerIDs: make(map[string]string),
	}
	if opts.Calendar != nil {
		e.pnl.SetSessionFunc(opts.Calendar.SessionDate)
	}
	groups.OnStatusChange(func(g domain.OrderGroup) error {
		return e.emit(feed.Event{Type: feed.EventGroup, Time: e.now().UTC(), GroupID: g.ID, Status: string(g.Status)})
	})
	return e
}

// Start subscribes to the broker's fills. Fills are applied until ctx is
// cancelled.
func (e *Engine) Start(ctx context.Context) error {
	if e.broker == nil {
		return fmt.Errorf("engine: no broker configured")
	}
	return e.broker.SubscribeFills(ctx, func(f domain.Fill) {
		// A fill is a completed fact; shutting down must not abort its write.
		if err := e.HandleFill(context.WithoutCancel(ctx), f); err != nil {
			e.log.Error("applying fill", "fill_id", f.ID, "order_id", f.OrderID, "error", err)
		}
	})
}

// HandleSignal builds an order for sig, checks it against the risk limits,
// registers it and routes it to the broker.
func (e *Engine) HandleSignal(ctx context.Context, sig domain.Signal) (domain.OrderState, error) {
	e.signalMu.Lock()
	defer e.signalMu.Unlock()

	current := e.currentPosition(signalSymbol(sig))
	order, err := e.factory.CreateOrder(sig, current)
	if err != nil {
		e.log.Warn("signal rejected", "strategy_id", sig.StrategyID, "symbol", sig.Symbol, "type", sig.Type, "error", err)
		return domain.OrderState{}, err
	}
	if err := e.checkRisk(ctx, &order, current); err != nil {
		return domain.OrderState{}, err
	}
	if _, err := e.register(ctx, order); err != nil {
		return domain.OrderState{}, err
	}
	if err := e.place(ctx, order); err != nil {
		st, _ := e.orders.Get(order.ID)
		return st, err
	}
	st, _ := e.orders.Get(order.ID)
	return st, nil
}

// SubmitGroup turns sigs into the legs of one order group and routes them.
// No leg is registered unless every signal yields a valid order that passes
// the risk checks. If a leg cannot be placed, legs already placed are
// cancelled and the rest are rejected.
func (e *Engine) SubmitGroup(ctx context.Context, typ domain.GroupType, sigs []domain.Signal) (domain.OrderGroup, error) {
	if len(sigs) == 0 {
		return domain.OrderGroup{}, fmt.Errorf("group without legs: %w", ErrInvalidGroup)
	}
	if typ == "" {
		typ = domain.GroupTypeCustom
	}

	e.signalMu.Lock()
	defer e.signalMu.Unlock()

	groupID := uuid.NewString()
	legs := make([]domain.Order, 0, len(sigs))
	for _, sig := range sigs {
		current := e.currentPosition(signalSymbol(sig))
		order, err := e.factory.CreateOrder(sig, current)
		if err != nil {
			return domain.OrderGroup{}, err
		}
		order.GroupID = groupID
		order.GroupType = typ
		if err := e.checkRisk(ctx, &order, current); err != nil {
			return domain.OrderGroup{}, err
		}
		legs = append(legs, order)
	}

	ids := make([]string, 0, len(legs))
	var regErr error
	for _, order := range legs {
		if _, err := e.register(ctx, order); err != nil {
			regErr = err
			break
		}
		ids = append(ids, order.ID)
	}
	if len(ids) > 0 {
		if _, err := e.groups.CreateGroup(groupID, typ, ids); err != nil {
			return domain.OrderGroup{}, err
		}
	}
	if regErr != nil {
		e.rejectAll(ctx, ids, "group registration failed")
		return e.groupOrEmpty(groupID), regErr
	}

	e.log.Info("group submitted", "group_id", groupID, "type", typ, "legs", len(ids))
	for i, order := range legs {
		if err := e.place(ctx, order); err != nil {
			e.cancelPlaced(ctx, ids[:i])
			e.rejectAll(ctx, ids[i+1:], "group leg placement failed")
			return e.groupOrEmpty(groupID), err
		}
	}
	return e.groupOrEmpty(groupID), nil
}

// HandleFill applies one broker fill: order state first, then position,
// realized PnL and group state. The fill is durably recorded before any
// in-memory change; on error nothing is changed.
func (e *Engine) HandleFill(ctx context.Context, fill domain.Fill) error {
	e.fillMu.Lock()
	defer e.fillMu.Unlock()

	st, err := e.orders.ApplyFill(ctx, fill)
	if err != nil {
		return err
	}
	applied := st.Fills[len(st.Fills)-1]
	realized, err := e.positions.UpdateFromFill(st.Order.Instrument, applied.Side, applied.Qty, applied.Price, applied.Timestamp)
	if err != nil {
		return fmt.Errorf("fill %s applied to order but not position: %w", applied.ID, err)
	}
	e.pnl.Update(applied, realized)
	e.groupPnL.Update(applied, realized)
	e.groups.UpdateFromOrderStatus(applied.OrderID)

	pos, _ := e.positions.Position(st.Order.Symbol())
	e.saveSnapshot(ctx, pos)

	e.log.Info("fill applied",
		"fill_id", applied.ID, "order_id", applied.OrderID, "symbol", applied.Symbol,
		"side", applied.Side, "qty", applied.Qty, "price", applied.Price,
		"status", st.Status, "realized", realized)

	e.emit(feed.Event{
		Type: feed.EventFill, Time: applied.Timestamp, Symbol: applied.Symbol, OrderID: applied.OrderID,
		FillID: applied.ID, Side: string(applied.Side), Qty: applied.Qty, Price: applied.Price, Realized: realized,
	})
	e.emitOrder(st)
	e.emitPosition(pos)
	return nil
}

// CancelOrder asks the broker to cancel an open order and, once the broker
// accepts, records it as CANCELLED.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (domain.OrderState, error) {
	st, ok := e.orders.Get(orderID)
	if !ok {
		return domain.OrderState{}, fmt.Errorf("cancel %q: %w", orderID, ErrUnknownOrder)
	}
	if st.Status.Terminal() {
		return st, fmt.Errorf("cancel %s: %w", orderID, ErrOrderTerminal)
	}

	brokerID := e.brokerID(orderID)
	if e.broker != nil {
		ok, err := e.broker.CancelOrder(ctx, brokerID)
		if err != nil {
			return st, fmt.Errorf("cancel %s: %w", orderID, err)
		}
		if !ok {
			return st, fmt.Errorf("cancel %s: %w", orderID, ErrCancelDeclined)
		}
	}

	e.fillMu.Lock()
	defer e.fillMu.Unlock()
	st, err := e.orders.MarkCancelled(ctx, orderID, "cancelled on request", e.now())
	if err != nil {
		return st, err
	}
	e.groups.UpdateFromOrderStatus(orderID)
	e.log.Info("order cancelled", "order_id", orderID, "broker_order_id", brokerID, "filled_qty", st.FilledQty)
	e.emitOrder(st)
	return st, nil
}

// register persists and tracks order, then announces it.
func (e *Engine) register(ctx context.Context, order domain.Order) (domain.OrderState, error) {
	st, err := e.orders.Register(ctx, order)
	if err != nil {
		e.log.Error("registering order", "order_id", order.ID, "error", err)
		return st, err
	}
	e.log.Info("order registered",
		"order_id", order.ID, "symbol", order.Symbol(), "side", order.Side, "qty", order.Qty,
		"type", order.Type, "strategy_id", order.StrategyID, "group_id", order.GroupID)
	e.emitOrder(st)
	return st, nil
}

// place routes a registered order. A broker failure rejects the order.
func (e *Engine) place(ctx context.Context, order domain.Order) error {
	if e.broker == nil {
		return nil
	}
	brokerID, err := e.broker.PlaceOrder(ctx, order)
	if err != nil {
		e.reject(ctx, order.ID, err.Error())
		return fmt.Errorf("placing order %s: %w", order.ID, err)
	}
	e.idsMu.Lock()
	e.brokerIDs[order.ID] = brokerID
	e.idsMu.Unlock()
	e.log.Debug("order placed", "order_id", order.ID, "broker", e.broker.Name(), "broker_order_id", brokerID)
	return nil
}

func (e *Engine) reject(ctx context.Context, orderID, reason string) {
	e.fillMu.Lock()
	defer e.fillMu.Unlock()
	st, err := e.orders.MarkRejected(ctx, orderID, reason, e.now())
	if err != nil {
		e.log.Error("rejecting order", "order_id", orderID, "reason", reason, "error", err)
		return
	}
	e.groups.UpdateFromOrderStatus(orderID)
	e.log.Warn("order rejected", "order_id", orderID, "reason", reason)
	e.emitOrder(st)
}

func (e *Engine) rejectAll(ctx context.Context, ids []string, reason string) {
	for _, id := range ids {
		e.reject(ctx, id, reason)
	}
}

func (e *Engine) cancelPlaced(ctx context.Context, ids []string) {
	for _, id := range ids {
		if _, err := e.CancelOrder(ctx, id); err != nil {
			e.log.Error("cancelling group leg", "order_id", id, "error", err)
		}
	}
}

func (e *Engine) checkRisk(ctx context.Context, order *domain.Order, current *domain.Position) error {
	realized := e.pnl.DailyRealizedPnL(e.pnl.SessionDate(e.now()))
	if err := e.risk.CheckOrder(ctx, order, current, realized); err != nil {
		e.log.Warn("order failed risk checks", "symbol", order.Symbol(), "side", order.Side, "qty", order.Qty, "error", err)
		return err
	}
	return nil
}

func (e *Engine) currentPosition(symbol string) *domain.Position {
	p, ok := e.positions.Position(symbol)
	if !ok {
		return nil
	}
	return &p
}

// brokerID falls back to the correlation id, which brokers that support
// client order ids can resolve after a restart.
func (e *Engine) brokerID(orderID string) string {
	e.idsMu.Lock()
	defer e.idsMu.Unlock()
	if id, ok := e.brokerIDs[orderID]; ok {
		return id
	}
	return orderID
}

func (e *Engine) groupOrEmpty(id string) domain.OrderGroup {
	g, _ := e.groups.Group(id)
	return g
}

// saveSnapshot writes the position cache. Failures are logged only; the
// cache is rebuilt from fills on recovery.
func (e *Engine) saveSnapshot(ctx context.Context, p domain.Position) {
	if e.store == nil {
		return
	}
	if err := e.store.SavePosition(ctx, &p); err != nil {
		e.log.Warn("saving position snapshot", "symbol", p.Symbol(), "error", err)
	}
}

func (e *Engine) emit(ev feed.Event) error {
	if e.publisher == nil {
		return nil
	}
	if err := e.publisher.Publish(ev); err != nil {
		e.log.Debug("publishing event", "type", ev.Type, "error", err)
		return err
	}
	return nil
}

func (e *Engine) emitOrder(st domain.OrderState) {
	e.emit(orderEvent(st))
}

func (e *Engine) emitPosition(p domain.Position) {
	e.emit(positionEvent(p))
}

func orderEvent(st domain.OrderState) feed.Event {
	return feed.Event{
		Type: feed.EventOrder, Time: st.UpdatedAt, Symbol: st.Order.Symbol(), OrderID: st.Order.ID,
		GroupID: st.Order.GroupID, Status: string(st.Status), Side: string(st.Order.Side),
		Qty: st.FilledQty, Price: st.FilledAvgPrice, Reason: st.Reason,
	}
}

func positionEvent(p domain.Position) feed.Event {
	return feed.Event{
		Type: feed.EventPosition, Time: p.LastUpdated, Symbol: p.Symbol(),
		Status: string(p.Side), Qty: p.Qty, Price: p.AvgPrice,
	}
}

// FeedSnapshot describes current state as events: every position, then
// every open order. It seeds new feed subscribers.
func (e *Engine) FeedSnapshot() []feed.Event {
	var events []feed.Event
	for _, p := range e.positions.Positions() {
		events = append(events, positionEvent(p))
	}
	for _, st := range e.orders.Open() {
		events = append(events, orderEvent(st))
	}
	return events
}

// State is a point-in-time copy of everything the engine tracks.
type State struct {
	Orders    []domain.OrderState
	Positions []domain.Position
	Groups    []domain.OrderGroup
	Realized  map[string]float64
}

// State returns a consistent copy of the engine's state.
func (e *Engine) State() State {
	e.fillMu.Lock()
	defer e.fillMu.Unlock()
	return State{
		Orders:    e.orders.Snapshot(),
		Positions: e.positions.Positions(),
		Groups:    e.groups.Groups(),
		Realized:  e.pnl.Realized(),
	}
}

// Orders returns the order tracker.
func (e *Engine) Orders() *OrderTracker { return e.orders }

// Positions returns the position tracker.
func (e *Engine) Positions() *PositionTracker { return e.positions }

// PnL returns the PnL tracker.
func (e *Engine) PnL() *PnLTracker { return e.pnl }

// Groups returns the group tracker.
func (e *Engine) Groups() *GroupTracker { return e.groups }

// GroupPnL returns the group PnL tracker.
func (e *Engine) GroupPnL() *GroupPnLTracker { return e.groupPnL }
