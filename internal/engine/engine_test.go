package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"meridian/internal/broker"
	"meridian/internal/domain"
	"meridian/internal/feed"
	"meridian/internal/store"
	"meridian/internal/util"
)

// fakeBroker accepts every order synchronously and never fills on its own.
type fakeBroker struct {
	mu            sync.Mutex
	placed        []domain.Order
	cancelled     []string
	failSymbol    string
	declineCancel bool
}

func (b *fakeBroker) Name() string { return "fake" }

func (b *fakeBroker) PlaceOrder(_ context.Context, o domain.Order) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o.Symbol() == b.failSymbol {
		return "", errors.New("insufficient buying power")
	}
	b.placed = append(b.placed, o)
	return "b-" + o.ID, nil
}

func (b *fakeBroker) CancelOrder(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declineCancel {
		return false, nil
	}
	b.cancelled = append(b.cancelled, id)
	return true, nil
}

func (b *fakeBroker) SubscribeFills(context.Context, broker.FillHandler) error { return nil }

type recorder struct {
	mu     sync.Mutex
	events []feed.Event
}

func (r *recorder) Publish(e feed.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count(typ feed.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// tickClock advances one second per call.
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(b broker.Broker, st store.Store, opts Options) *Engine {
	if opts.Log == nil {
		opts.Log = quietLog()
	}
	e := NewEngine(b, st, opts)
	clk := &tickClock{t: t0}
	e.now = clk.now
	e.factory.now = clk.now
	return e
}

func buy(symbol string, qty float64) domain.Signal {
	return domain.Signal{StrategyID: "test", Symbol: symbol, Type: domain.SignalTypeBuy,
		Metadata: map[string]string{MetaQuantity: fmt.Sprint(qty)}}
}

func sell(symbol string, qty float64) domain.Signal {
	s := buy(symbol, qty)
	s.Type = domain.SignalTypeSell
	return s
}

func fillAt(id, orderID string, qty, price float64, sec int) domain.Fill {
	return domain.Fill{ID: id, OrderID: orderID, Qty: qty, Price: price, Timestamp: t0.Add(time.Duration(sec) * time.Minute)}
}

func TestHandleSignalRoutesOrder(t *testing.T) {
	b := &fakeBroker{}
	ms := newMemStore()
	rec := &recorder{}
	e := newTestEngine(b, ms, Options{Publisher: rec})
	ctx := context.Background()

	st, err := e.HandleSignal(ctx, buy("aapl", 10))
	if err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	if st.Status != domain.OrderStatusCreated || st.Order.Symbol() != "AAPL" {
		t.Errorf("state = %s %s, want CREATED AAPL", st.Status, st.Order.Symbol())
	}
	if len(b.placed) != 1 || b.placed[0].ID != st.Order.ID {
		t.Fatalf("broker saw %d orders, want the registered one", len(b.placed))
	}
	if len(ms.orders) != 1 {
		t.Errorf("persisted %d orders, want 1", len(ms.orders))
	}

	if err := e.HandleFill(ctx, fillAt("f1", st.Order.ID, 10, 100, 1)); err != nil {
		t.Fatalf("HandleFill: %v", err)
	}
	p, _ := e.Positions().Position("AAPL")
	if p.Side != domain.PositionSideLong || p.Qty != 10 || p.AvgPrice != 100 {
		t.Errorf("position = %s %v @ %v, want LONG 10 @ 100", p.Side, p.Qty, p.AvgPrice)
	}
	if snap, ok := ms.positions["AAPL"]; !ok || snap.Qty != 10 {
		t.Errorf("snapshot = %+v, want cached LONG 10", snap)
	}
	if rec.count(feed.EventFill) != 1 || rec.count(feed.EventPosition) != 1 || rec.count(feed.EventOrder) != 2 {
		t.Errorf("events = %+v, want 1 fill, 1 position, 2 order", rec.events)
	}
}

func TestHandleSignalExit(t *testing.T) {
	b := &fakeBroker{}
	e := newTestEngine(b, nil, Options{})
	ctx := context.Background()

	st, _ := e.HandleSignal(ctx, sell("MSFT", 7))
	e.HandleFill(ctx, fillAt("f1", st.Order.ID, 7, 400, 1))

	exit, err := e.HandleSignal(ctx, domain.Signal{Symbol: "MSFT", Type: domain.SignalTypeExit})
	if err != nil {
		t.Fatalf("HandleSignal EXIT: %v", err)
	}
	if exit.Order.Side != domain.OrderSideBuy || exit.Order.Qty != 7 {
		t.Errorf("EXIT order = %s %v, want BUY 7", exit.Order.Side, exit.Order.Qty)
	}
	e.HandleFill(ctx, fillAt("f2", exit.Order.ID, 7, 390, 2))
	if p, _ := e.Positions().Position("MSFT"); !p.IsFlat() {
		t.Errorf("position after EXIT fill = %+v, want FLAT", p)
	}
	if got := e.PnL().RealizedPnL("MSFT"); got != 70 {
		t.Errorf("realized = %v, want 70", got)
	}

	var fe *OrderFactoryError
	if _, err := e.HandleSignal(ctx, domain.Signal{Symbol: "MSFT", Type: domain.SignalTypeExit}); !errors.As(err, &fe) {
		t.Errorf("EXIT on FLAT = %v, want *OrderFactoryError", err)
	}
}

func TestHandleSignalRiskRejected(t *testing.T) {
	b := &fakeBroker{}
	e := newTestEngine(b, newMemStore(), Options{Risk: NewRiskManager(50, 0, 0)})
	ctx := context.Background()

	for _, sig := range []domain.Signal{buy("AAPL", 0), buy("AAPL", 51)} {
		if _, err := e.HandleSignal(ctx, sig); !errors.Is(err, ErrRiskRejected) {
			t.Errorf("HandleSignal(%s) = %v, want ErrRiskRejected", sig.Metadata[MetaQuantity], err)
		}
	}
	if e.Orders().Len() != 0 || len(b.placed) != 0 {
		t.Errorf("rejected signals left %d orders and %d placements", e.Orders().Len(), len(b.placed))
	}
}

func TestDailyLossUsesSessionDate(t *testing.T) {
	cal, err := util.NewTradingCalendar("America/New_York")
	if err != nil {
		t.Fatalf("NewTradingCalendar: %v", err)
	}
	e := newTestEngine(&fakeBroker{}, nil, Options{Risk: NewRiskManager(0, 0, 50), Calendar: cal})
	ctx := context.Background()

	o1, _ := e.HandleSignal(ctx, buy("AAPL", 10))
	e.HandleFill(ctx, fillAt("f1", o1.Order.ID, 10, 100, 1))
	o2, _ := e.HandleSignal(ctx, sell("AAPL", 5))
	e.HandleFill(ctx, fillAt("f2", o2.Order.ID, 5, 80, 2))

	if _, err := e.HandleSignal(ctx, buy("AAPL", 1)); !errors.Is(err, ErrRiskRejected) {
		t.Errorf("adding after loss = %v, want ErrRiskRejected", err)
	}
	if _, err := e.HandleSignal(ctx, sell("AAPL", 1)); err != nil {
		t.Errorf("reducing after loss = %v, want nil", err)
	}

	e.now = func() time.Time { return t0.Add(24 * time.Hour) }
	if _, err := e.HandleSignal(ctx, buy("AAPL", 1)); err != nil {
		t.Errorf("next session = %v, want nil", err)
	}
}

func TestHandleSignalPlacementFailure(t *testing.T) {
	ms := newMemStore()
	e := newTestEngine(&fakeBroker{failSymbol: "BAD"}, ms, Options{})

	st, err := e.HandleSignal(context.Background(), buy("BAD", 1))
	if err == nil {
		t.Fatal("HandleSignal returned nil error for failed placement")
	}
	if st.Status != domain.OrderStatusRejected || !strings.Contains(st.Reason, "buying power") {
		t.Errorf("state = %s %q, want REJECTED with broker reason", st.Status, st.Reason)
	}
	if len(ms.events) != 1 || ms.events[0].Status != domain.OrderStatusRejected {
		t.Errorf("status events = %+v, want one REJECTED", ms.events)
	}
}

func TestHandleFillErrors(t *testing.T) {
	ms := newMemStore()
	e := newTestEngine(&fakeBroker{}, ms, Options{})
	ctx := context.Background()
	st, _ := e.HandleSignal(ctx, buy("AAPL", 10))

	if err := e.HandleFill(ctx, fillAt("f1", "unknown", 1, 100, 1)); !errors.Is(err, ErrUnknownOrder) {
		t.Errorf("unknown order fill = %v, want ErrUnknownOrder", err)
	}

	ms.failFills = true
	if err := e.HandleFill(ctx, fillAt("f1", st.Order.ID, 1, 100, 1)); !errors.Is(err, errDiskFull) {
		t.Errorf("HandleFill with failing store = %v, want store error", err)
	}
	if e.Positions().Len() != 0 {
		t.Error("position changed although the fill was not persisted")
	}

	// Snapshot cache failures do not fail the fill.
	ms.failFills = false
	ms.failPositions = true
	if err := e.HandleFill(ctx, fillAt("f1", st.Order.ID, 1, 100, 1)); err != nil {
		t.Errorf("HandleFill with failing snapshot cache = %v, want nil", err)
	}
	if got := e.Positions().NetQuantity("AAPL"); got != 1 {
		t.Errorf("NetQuantity = %v, want 1", got)
	}
}

func TestCancelOrder(t *testing.T) {
	b := &fakeBroker{}
	e := newTestEngine(b, newMemStore(), Options{})
	ctx := context.Background()
	st, _ := e.HandleSignal(ctx, buy("AAPL", 10))
	e.HandleFill(ctx, fillAt("f1", st.Order.ID, 3, 100, 1))

	b.declineCancel = true
	if _, err := e.CancelOrder(ctx, st.Order.ID); !errors.Is(err, ErrCancelDeclined) {
		t.Errorf("declined cancel = %v, want ErrCancelDeclined", err)
	}
	if got, _ := e.Orders().Get(st.Order.ID); got.Status != domain.OrderStatusPartiallyFilled {
		t.Errorf("status after declined cancel = %s, want PARTIALLY_FILLED", got.Status)
	}

	b.declineCancel = false
	got, err := e.CancelOrder(ctx, st.Order.ID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if got.Status != domain.OrderStatusCancelled || got.FilledQty != 3 {
		t.Errorf("state = %s filled %v, want CANCELLED 3", got.Status, got.FilledQty)
	}
	if len(b.cancelled) != 1 || b.cancelled[0] != "b-"+st.Order.ID {
		t.Errorf("broker cancels = %v, want [b-%s]", b.cancelled, st.Order.ID)
	}

	if _, err := e.CancelOrder(ctx, st.Order.ID); !errors.Is(err, ErrOrderTerminal) {
		t.Errorf("second cancel = %v, want ErrOrderTerminal", err)
	}
	if _, err := e.CancelOrder(ctx, "nope"); !errors.Is(err, ErrUnknownOrder) {
		t.Errorf("cancel unknown = %v, want ErrUnknownOrder", err)
	}
	if err := e.HandleFill(ctx, fillAt("f2", st.Order.ID, 1, 100, 2)); !errors.Is(err, ErrOrderTerminal) {
		t.Errorf("fill after cancel = %v, want ErrOrderTerminal", err)
	}
}

func TestSubmitGroup(t *testing.T) {
	b := &fakeBroker{}
	rec := &recorder{}
	e := newTestEngine(b, newMemStore(), Options{Publisher: rec})
	ctx := context.Background()

	g, err := e.SubmitGroup(ctx, domain.GroupTypeStraddle, []domain.Signal{buy("SPYC500", 2), buy("SPYP500", 2)})
	if err != nil {
		t.Fatalf("SubmitGroup: %v", err)
	}
	if len(g.Legs) != 2 || g.Type != domain.GroupTypeStraddle || g.Status != domain.OrderStatusCreated {
		t.Fatalf("group = %+v, want CREATED straddle with 2 legs", g)
	}
	for _, leg := range g.Legs {
		o, _ := e.Orders().Order(leg)
		if o.GroupID != g.ID || o.GroupType != domain.GroupTypeStraddle {
			t.Errorf("leg %s group = %s/%s, want %s/STRADDLE", leg, o.GroupID, o.GroupType, g.ID)
		}
	}

	e.HandleFill(ctx, fillAt("f1", g.Legs[0], 2, 3, 1))
	e.HandleFill(ctx, fillAt("f2", g.Legs[1], 2, 4, 2))
	if got, _ := e.Groups().Group(g.ID); got.Status != domain.OrderStatusFilled {
		t.Errorf("group status = %s, want FILLED", got.Status)
	}
	if n := rec.count(feed.EventGroup); n != 2 {
		t.Errorf("group events = %d, want 2", n)
	}
}

func TestSubmitGroupFailures(t *testing.T) {
	b := &fakeBroker{failSymbol: "BAD"}
	e := newTestEngine(b, newMemStore(), Options{Risk: NewRiskManager(5, 0, 0)})
	ctx := context.Background()

	if _, err := e.SubmitGroup(ctx, domain.GroupTypeSpread, []domain.Signal{buy("AAPL", 1), buy("MSFT", 10)}); !errors.Is(err, ErrRiskRejected) {
		t.Errorf("risk failure = %v, want ErrRiskRejected", err)
	}
	if e.Orders().Len() != 0 {
		t.Errorf("risk-rejected group registered %d legs", e.Orders().Len())
	}

	g, err := e.SubmitGroup(ctx, domain.GroupTypeSpread, []domain.Signal{buy("AAPL", 1), buy("BAD", 1), buy("MSFT", 1)})
	if err == nil {
		t.Fatal("SubmitGroup with failing leg returned nil error")
	}
	want := []domain.OrderStatus{domain.OrderStatusCancelled, domain.OrderStatusRejected, domain.OrderStatusRejected}
	for i, leg := range g.Legs {
		st, _ := e.Orders().Get(leg)
		if st.Status != want[i] {
			t.Errorf("leg %d status = %s, want %s", i, st.Status, want[i])
		}
	}
	if len(e.Orders().Open()) != 0 {
		t.Errorf("open orders after failed group = %d, want 0", len(e.Orders().Open()))
	}
}

func TestEngineWithSimulator(t *testing.T) {
	sim := broker.NewSimulatorBroker(broker.SimulatorConfig{AutoFill: true, FeePerUnit: 0.01})
	e := newTestEngine(sim, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st, err := e.HandleSignal(ctx, buy("AAPL", 10))
	if err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	sim.SetPrice("AAPL", 187.5)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := e.Orders().Get(st.Order.ID)
		if got.Status == domain.OrderStatusFilled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("order status = %s, want FILLED", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if p, _ := e.Positions().Position("AAPL"); p.Qty != 10 || p.AvgPrice != 187.5 {
		t.Errorf("position = %v @ %v, want 10 @ 187.5", p.Qty, p.AvgPrice)
	}
	if fees := e.PnL().Fees("AAPL"); !approx(fees, 0.1) {
		t.Errorf("fees = %v, want 0.1", fees)
	}
}

func openSQLite(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "meridian.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// runSession drives a live engine through fills, a flip, a cancel, a reject,
// a group and a future.
func runSession(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}

	o1, err := e.HandleSignal(ctx, buy("AAPL", 10))
	must(err)
	must(e.HandleFill(ctx, fillAt("f1", o1.Order.ID, 4, 100, 1)))
	must(e.HandleFill(ctx, fillAt("f2", o1.Order.ID, 6, 102.37, 2)))

	o2, err := e.HandleSignal(ctx, sell("AAPL", 15))
	must(err)
	must(e.HandleFill(ctx, fillAt("f3", o2.Order.ID, 15, 110, 3)))

	o3, err := e.HandleSignal(ctx, buy("MSFT", 20))
	must(err)
	must(e.HandleFill(ctx, fillAt("f4", o3.Order.ID, 5, 400.1, 4)))
	_, err = e.CancelOrder(ctx, o3.Order.ID)
	must(err)

	if _, err := e.HandleSignal(ctx, buy("BAD", 1)); err == nil {
		t.Fatal("placement of BAD succeeded")
	}

	g, err := e.SubmitGroup(ctx, domain.GroupTypeStraddle, []domain.Signal{buy("SPYC500", 2), buy("SPYP500", 2)})
	must(err)
	must(e.HandleFill(ctx, fillAt("f5", g.Legs[0], 2, 3.25, 5)))

	es := domain.NewFuture("ESZ4", "ES", time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC), 50)
	o4, err := e.HandleSignal(ctx, domain.Signal{StrategyID: "test", Symbol: "ESZ4", Instrument: es, Type: domain.SignalTypeSell,
		Metadata: map[string]string{MetaQuantity: "1"}})
	must(err)
	must(e.HandleFill(ctx, fillAt("f6", o4.Order.ID, 1, 5012.25, 6)))
}

func TestRecoverMatchesLiveState(t *testing.T) {
	st := openSQLite(t)
	live := newTestEngine(&fakeBroker{failSymbol: "BAD"}, st, Options{})
	runSession(t, live)
	want := live.State()

	for i := 0; i < 2; i++ {
		e := newTestEngine(nil, st, Options{})
		rep, err := e.Recover(context.Background())
		if err != nil {
			t.Fatalf("Recover #%d: %v", i+1, err)
		}
		if rep.Orders != 7 || rep.Fills != 6 || rep.StatusEvents != 2 || rep.Groups != 1 {
			t.Errorf("report = %+v, want 7 orders, 6 fills, 2 status events, 1 group", rep)
		}
		if len(rep.SnapshotMismatches) != 0 {
			t.Errorf("snapshot mismatches = %v, want none", rep.SnapshotMismatches)
		}
		if got := e.State(); !reflect.DeepEqual(got, want) {
			t.Errorf("recovered state #%d differs from live state\n got: %+v\nwant: %+v", i+1, got, want)
		}
	}
}

func TestRecoverRepairsSnapshots(t *testing.T) {
	st := openSQLite(t)
	live := newTestEngine(&fakeBroker{failSymbol: "BAD"}, st, Options{})
	runSession(t, live)
	ctx := context.Background()

	st.SavePosition(ctx, &domain.Position{Instrument: domain.NewEquity("AAPL"), Side: domain.PositionSideLong, Qty: 999, AvgPrice: 1})
	st.SavePosition(ctx, &domain.Position{Instrument: domain.NewEquity("ZZZ"), Side: domain.PositionSideShort, Qty: 3, AvgPrice: 9})

	e := newTestEngine(nil, st, Options{})
	rep, err := e.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if want := []string{"AAPL", "ZZZ"}; !reflect.DeepEqual(rep.SnapshotMismatches, want) {
		t.Errorf("mismatches = %v, want %v", rep.SnapshotMismatches, want)
	}

	cached, err := st.ListPositions(ctx)
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	rebuilt := e.Positions().Positions()
	if len(cached) != len(rebuilt) {
		t.Fatalf("cache has %d snapshots, want %d", len(cached), len(rebuilt))
	}
	for i := range cached {
		if !samePosition(cached[i], rebuilt[i]) {
			t.Errorf("cached %s = %+v, want %+v", cached[i].Symbol(), cached[i], rebuilt[i])
		}
	}
}

func TestRecoverPreconditions(t *testing.T) {
	if _, err := newTestEngine(nil, nil, Options{}).Recover(context.Background()); !errors.Is(err, ErrNoStore) {
		t.Errorf("Recover without store = %v, want ErrNoStore", err)
	}

	e := newTestEngine(&fakeBroker{}, newMemStore(), Options{})
	e.HandleSignal(context.Background(), buy("AAPL", 1))
	if _, err := e.Recover(context.Background()); !errors.Is(err, ErrNotEmpty) {
		t.Errorf("Recover on used engine = %v, want ErrNotEmpty", err)
	}
}

func TestFeedSnapshot(t *testing.T) {
	e := newTestEngine(&fakeBroker{}, nil, Options{})
	ctx := context.Background()
	o1, _ := e.HandleSignal(ctx, buy("AAPL", 10))
	e.HandleFill(ctx, fillAt("f1", o1.Order.ID, 10, 100, 1))
	e.HandleSignal(ctx, buy("MSFT", 1))

	events := e.FeedSnapshot()
	if len(events) != 2 {
		t.Fatalf("snapshot has %d events, want position + open order", len(events))
	}
	if events[0].Type != feed.EventPosition || events[0].Symbol != "AAPL" {
		t.Errorf("events[0] = %+v, want AAPL position", events[0])
	}
	if events[1].Type != feed.EventOrder || events[1].Symbol != "MSFT" {
		t.Errorf("events[1] = %+v, want open MSFT order", events[1])
	}
}
