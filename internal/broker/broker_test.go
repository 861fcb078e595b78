package broker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"meridian/internal/domain"
)

func TestAlpacaBrokerName(t *testing.T) {
	b := NewAlpacaBroker("key", "secret", "https://paper-api.alpaca.markets", nil)
	if got := b.Name(); got != "alpaca" {
		t.Errorf("AlpacaBroker.Name() = %q, want %q", got, "alpaca")
	}
}

func TestSimulatorBrokerName(t *testing.T) {
	b := NewSimulatorBroker(SimulatorConfig{})
	if got := b.Name(); got != "simulator" {
		t.Errorf("SimulatorBroker.Name() = %q, want %q", got, "simulator")
	}
}

// collectFills subscribes to b and returns a function that waits for n fills.
func collectFills(t *testing.T, b Broker) func(n int) []domain.Fill {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ch := make(chan domain.Fill, 64)
	if err := b.SubscribeFills(ctx, func(f domain.Fill) { ch <- f }); err != nil {
		t.Fatalf("SubscribeFills: %v", err)
	}
	return func(n int) []domain.Fill {
		t.Helper()
		var out []domain.Fill
		for len(out) < n {
			select {
			case f := <-ch:
				out = append(out, f)
			case <-time.After(2 * time.Second):
				t.Fatalf("received %d fills, want %d", len(out), n)
			}
		}
		return out
	}
}

func equityOrder(id string, side domain.OrderSide, typ domain.OrderType, qty, limit float64) domain.Order {
	return domain.Order{
		ID: id, Instrument: domain.NewEquity("AAPL"), Side: side, Type: typ, Qty: qty, LimitPrice: limit,
	}
}

func TestSimulatorAutoFillLimit(t *testing.T) {
	b := NewSimulatorBroker(SimulatorConfig{AutoFill: true, FeePerUnit: 0.01})
	wait := collectFills(t, b)

	id, err := b.PlaceOrder(context.Background(), equityOrder("c1", domain.OrderSideBuy, domain.OrderTypeLimit, 10, 185))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id == "" {
		t.Fatal("PlaceOrder returned empty broker id")
	}

	f := wait(1)[0]
	if f.OrderID != "c1" || f.Qty != 10 || f.Price != 185 || f.Side != domain.OrderSideBuy {
		t.Errorf("fill = %+v, want BUY 10 @ 185 for c1", f)
	}
	if f.Fee != 0.1 {
		t.Errorf("fee = %v, want 0.1", f.Fee)
	}
	if len(b.Working()) != 0 {
		t.Errorf("Working() = %v, want none", b.Working())
	}
}

func TestSimulatorMarketWaitsForPrice(t *testing.T) {
	b := NewSimulatorBroker(SimulatorConfig{AutoFill: true})
	wait := collectFills(t, b)

	id, err := b.PlaceOrder(context.Background(), equityOrder("c1", domain.OrderSideSell, domain.OrderTypeMarket, 5, 0))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if w := b.Working(); len(w) != 1 || w[0] != id {
		t.Fatalf("Working() = %v, want [%s]", w, id)
	}

	b.SetPrice("aapl", 190.5)
	f := wait(1)[0]
	if f.Price != 190.5 || f.Qty != 5 || f.Side != domain.OrderSideSell {
		t.Errorf("fill = %+v, want SELL 5 @ 190.5", f)
	}
}

func TestSimulatorManualPartialFillsAndCancel(t *testing.T) {
	b := NewSimulatorBroker(SimulatorConfig{})
	wait := collectFills(t, b)
	ctx := context.Background()

	id, err := b.PlaceOrder(ctx, equityOrder("c1", domain.OrderSideBuy, domain.OrderTypeMarket, 10, 0))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if err := b.Fill(id, 4, 100); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if err := b.Fill(id, 7, 100); err == nil {
		t.Error("Fill beyond remaining quantity returned nil error")
	}
	fills := wait(1)
	if fills[0].Qty != 4 {
		t.Errorf("fill qty = %v, want 4", fills[0].Qty)
	}

	ok, err := b.CancelOrder(ctx, id)
	if err != nil || !ok {
		t.Fatalf("CancelOrder = %v, %v; want true, nil", ok, err)
	}
	if ok, _ := b.CancelOrder(ctx, id); ok {
		t.Error("second CancelOrder returned true")
	}
	if err := b.Fill(id, 1, 100); err == nil {
		t.Error("Fill on cancelled order returned nil error")
	}
	if _, err := b.CancelOrder(ctx, "nope"); err == nil {
		t.Error("CancelOrder of unknown id returned nil error")
	}
}

func TestSimulatorSubscribeTwice(t *testing.T) {
	b := NewSimulatorBroker(SimulatorConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.SubscribeFills(ctx, func(domain.Fill) {}); err != nil {
		t.Fatalf("SubscribeFills: %v", err)
	}
	if err := b.SubscribeFills(ctx, func(domain.Fill) {}); !errors.Is(err, ErrAlreadySubscribed) {
		t.Errorf("second SubscribeFills = %v, want ErrAlreadySubscribed", err)
	}
}

// fakeAlpaca records calls made by AlpacaBroker.
type fakeAlpaca struct {
	mu         sync.Mutex
	placeErrs  []error
	placed     []alpaca.PlaceOrderRequest
	byClientID map[string]*alpaca.Order
	cancelled  []string
	cancelErr  map[string]error
	updates    []alpaca.TradeUpdate
}

func (f *fakeAlpaca) PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &alpaca.Order{ID: "alp-" + req.ClientOrderID, ClientOrderID: req.ClientOrderID}, nil
}

func (f *fakeAlpaca) CancelOrder(orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.cancelErr[orderID]; ok {
		return err
	}
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeAlpaca) GetOrderByClientOrderID(clientOrderID string) (*alpaca.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.byClientID[clientOrderID]; ok {
		return o, nil
	}
	return nil, &alpaca.APIError{StatusCode: http.StatusNotFound}
}

func (f *fakeAlpaca) StreamTradeUpdatesInBackground(_ context.Context, handler func(alpaca.TradeUpdate)) {
	for _, tu := range f.updates {
		handler(tu)
	}
}

func newTestAlpaca(fake *fakeAlpaca) *AlpacaBroker {
	b := newAlpacaBroker(fake, nil)
	b.backoff = 0
	return b
}

func TestAlpacaPlaceOrderRequest(t *testing.T) {
	fake := &fakeAlpaca{}
	b := newTestAlpaca(fake)

	id, err := b.PlaceOrder(context.Background(), equityOrder("c1", domain.OrderSideSell, domain.OrderTypeLimit, 3, 187.25))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "alp-c1" {
		t.Errorf("broker id = %q, want alp-c1", id)
	}
	req := fake.placed[0]
	if req.ClientOrderID != "c1" || req.Symbol != "AAPL" || req.Side != alpaca.Sell || req.Type != alpaca.Limit {
		t.Errorf("request = %+v, want SELL LIMIT AAPL with client id c1", req)
	}
	if !req.Qty.Equal(decimal.NewFromInt(3)) || !req.LimitPrice.Equal(decimal.NewFromFloat(187.25)) {
		t.Errorf("qty/limit = %v/%v, want 3/187.25", req.Qty, req.LimitPrice)
	}
}

func TestAlpacaPlaceOrderRetries(t *testing.T) {
	fake := &fakeAlpaca{placeErrs: []error{
		&alpaca.APIError{StatusCode: http.StatusServiceUnavailable},
		nil,
	}}
	b := newTestAlpaca(fake)

	id, err := b.PlaceOrder(context.Background(), equityOrder("c2", domain.OrderSideBuy, domain.OrderTypeMarket, 1, 0))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "alp-c2" || len(fake.placed) != 2 {
		t.Errorf("id = %q after %d attempts, want alp-c2 after 2", id, len(fake.placed))
	}
}

func TestAlpacaPlaceOrderPermanentError(t *testing.T) {
	fake := &fakeAlpaca{placeErrs: []error{&alpaca.APIError{StatusCode: http.StatusForbidden}}}
	b := newTestAlpaca(fake)

	if _, err := b.PlaceOrder(context.Background(), equityOrder("c3", domain.OrderSideBuy, domain.OrderTypeMarket, 1, 0)); err == nil {
		t.Fatal("PlaceOrder returned nil error for 403")
	}
	if len(fake.placed) != 1 {
		t.Errorf("placed %d times, want 1", len(fake.placed))
	}
}

func TestAlpacaPlaceOrderRejectsOptions(t *testing.T) {
	b := newTestAlpaca(&fakeAlpaca{})
	order := equityOrder("c4", domain.OrderSideBuy, domain.OrderTypeMarket, 1, 0)
	order.Instrument = domain.NewFuture("ESZ4", "ES", time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC), 50)
	if _, err := b.PlaceOrder(context.Background(), order); err == nil {
		t.Error("PlaceOrder for a future returned nil error")
	}
}

func TestAlpacaCancelFallsBackToClientOrderID(t *testing.T) {
	fake := &fakeAlpaca{
		byClientID: map[string]*alpaca.Order{"c1": {ID: "alp-c1", ClientOrderID: "c1"}},
		cancelErr:  map[string]error{"c1": &alpaca.APIError{StatusCode: http.StatusNotFound}},
	}
	b := newTestAlpaca(fake)

	ok, err := b.CancelOrder(context.Background(), "c1")
	if err != nil || !ok {
		t.Fatalf("CancelOrder = %v, %v; want true, nil", ok, err)
	}
	if len(fake.cancelled) != 1 || fake.cancelled[0] != "alp-c1" {
		t.Errorf("cancelled = %v, want [alp-c1]", fake.cancelled)
	}
}

func TestAlpacaSubscribeFills(t *testing.T) {
	ts := time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)
	qty := decimal.NewFromInt(4)
	px := decimal.NewFromFloat(101.5)
	fake := &fakeAlpaca{updates: []alpaca.TradeUpdate{
		{Event: "new", Order: alpaca.Order{ClientOrderID: "c1", Symbol: "AAPL", Side: alpaca.Buy}},
		{Event: "partial_fill", Order: alpaca.Order{ClientOrderID: "c1", Symbol: "aapl", Side: alpaca.Buy}, Qty: &qty, Price: &px, Timestamp: &ts},
		{Event: "partial_fill", Order: alpaca.Order{ClientOrderID: "c1", Symbol: "aapl", Side: alpaca.Buy}, Qty: &qty, Price: &px, Timestamp: &ts},
		{Event: "fill", Order: alpaca.Order{ClientOrderID: "c1", Symbol: "AAPL", Side: alpaca.Buy}, Qty: &qty, Price: &px, Timestamp: &ts},
	}}
	b := newTestAlpaca(fake)

	var got []domain.Fill
	if err := b.SubscribeFills(context.Background(), func(f domain.Fill) { got = append(got, f) }); err != nil {
		t.Fatalf("SubscribeFills: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d fills, want 3", len(got))
	}
	f := got[0]
	if f.OrderID != "c1" || f.Symbol != "AAPL" || f.Qty != 4 || f.Price != 101.5 || f.Side != domain.OrderSideBuy || !f.Timestamp.Equal(ts) {
		t.Errorf("fill = %+v, want BUY 4 AAPL @ 101.5 for c1", f)
	}
	// A redelivered update keeps its id so it is caught as a duplicate
	// downstream; a different execution gets a new one.
	if got[0].ID != got[1].ID {
		t.Errorf("redelivered update ids differ: %s vs %s", got[0].ID, got[1].ID)
	}
	if got[2].ID == got[0].ID {
		t.Errorf("fill and partial_fill share id %s", got[0].ID)
	}
}

func TestAlpacaFillIDFromExecution(t *testing.T) {
	ts := time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)
	qty := decimal.NewFromInt(5)
	px := decimal.NewFromFloat(187.25)
	partial := func(execID string) alpaca.TradeUpdate {
		return alpaca.TradeUpdate{
			Event:       "partial_fill",
			ExecutionID: execID,
			Order:       alpaca.Order{ClientOrderID: "c1", Symbol: "AAPL", Side: alpaca.Sell},
			Qty:         &qty,
			Price:       &px,
			Timestamp:   &ts,
		}
	}
	fake := &fakeAlpaca{updates: []alpaca.TradeUpdate{
		partial("exec-1"),
		partial("exec-2"),
		partial("exec-1"),
	}}
	b := newTestAlpaca(fake)

	var got []domain.Fill
	if err := b.SubscribeFills(context.Background(), func(f domain.Fill) { got = append(got, f) }); err != nil {
		t.Fatalf("SubscribeFills: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d fills, want 3", len(got))
	}
	// Same time, qty and price: only the execution id tells them apart.
	if got[0].ID != "exec-1" || got[1].ID != "exec-2" {
		t.Errorf("fill ids = %s, %s, want exec-1, exec-2", got[0].ID, got[1].ID)
	}
	if got[2].ID != got[0].ID {
		t.Errorf("redelivered execution id = %s, want %s", got[2].ID, got[0].ID)
	}
	if got[1].Side != domain.OrderSideSell {
		t.Errorf("side = %s, want SELL", got[1].Side)
	}
}
