package domain

import "time"

// OrderSide is the direction of an order or fill.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Sign returns +1 for BUY and -1 for SELL.
func (s OrderSide) Sign() float64 {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "CREATED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether no further fills may be applied in this status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Order is a normalized order ready to be routed to a broker. It is created
// once by the order factory and never mutated; lifecycle data lives in
// OrderState.
type Order struct {
	ID         string            `json:"id"` // correlation id
	Instrument Instrument        `json:"instrument"`
	Side       OrderSide         `json:"side"`
	Type       OrderType         `json:"type"`
	Qty        float64           `json:"qty"`
	LimitPrice float64           `json:"limit_price,omitempty"`
	StrategyID string            `json:"strategy_id"`
	SignalID   string            `json:"signal_id"`
	GroupID    string            `json:"group_id,omitempty"`
	GroupType  GroupType         `json:"group_type,omitempty"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Symbol is shorthand for o.Instrument.Symbol.
func (o Order) Symbol() string {
	return o.Instrument.Symbol
}

// Fill is a single broker-reported execution against an order.
type Fill struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Qty       float64   `json:"qty"`
	Price     float64   `json:"price"`
	Side      OrderSide `json:"side"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderState is the mutable lifecycle of one order, owned by the order
// tracker. Values handed out by the tracker are copies.
type OrderState struct {
	Order          Order       `json:"order"`
	Status         OrderStatus `json:"status"`
	FilledQty      float64     `json:"filled_qty"`
	FilledAvgPrice float64     `json:"filled_avg_price"`
	Fills          []Fill      `json:"fills"`
	Reason         string      `json:"reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// RemainingQty returns the unfilled quantity.
func (s OrderState) RemainingQty() float64 {
	return s.Order.Qty - s.FilledQty
}

// Clone returns a copy that shares no slices or maps with s.
func (s OrderState) Clone() OrderState {
	out := s
	out.Fills = append([]Fill(nil), s.Fills...)
	if s.Order.Metadata != nil {
		md := make(map[string]string, len(s.Order.Metadata))
		for k, v := range s.Order.Metadata {
			md[k] = v
		}
		out.Order.Metadata = md
	}
	return out
}

// OrderStatusEvent records a broker-reported terminal status (cancel or
// reject) so it survives a restart.
type OrderStatusEvent struct {
	OrderID   string      `json:"order_id"`
	Status    OrderStatus `json:"status"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
