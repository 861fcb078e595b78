// Package feed publishes execution events (orders, fills, positions, groups)
// to in-process subscribers and streams them to remote clients over gRPC.
package feed

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// EventType names the kind of state change an Event reports.
type EventType string

const (
	EventOrder    EventType = "order"
	EventFill     EventType = "fill"
	EventPosition EventType = "position"
	EventGroup    EventType = "group"
)

// Event is one execution state change. Only the fields relevant to Type are
// set.
type Event struct {
	Type     EventType `json:"type"`
	Time     time.Time `json:"time"`
	Symbol   string    `json:"symbol,omitempty"`
	OrderID  string    `json:"order_id,omitempty"`
	FillID   string    `json:"fill_id,omitempty"`
	GroupID  string    `json:"group_id,omitempty"`
	Status   string    `json:"status,omitempty"` // order/group status or position side
	Side     string    `json:"side,omitempty"`
	Qty      float64   `json:"qty,omitempty"`
	Price    float64   `json:"price,omitempty"`
	Realized float64   `json:"realized,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// ToStruct encodes e as a protobuf Struct for the wire.
func (e Event) ToStruct() (*structpb.Struct, error) {
	m := map[string]any{
		"type": string(e.Type),
		"time": e.Time.UTC().Format(time.RFC3339Nano),
	}
	putString(m, "symbol", e.Symbol)
	putString(m, "order_id", e.OrderID)
	putString(m, "fill_id", e.FillID)
	putString(m, "group_id", e.GroupID)
	putString(m, "status", e.Status)
	putString(m, "side", e.Side)
	putString(m, "reason", e.Reason)
	if e.Qty != 0 {
		m["qty"] = e.Qty
	}
	if e.Price != 0 {
		m["price"] = e.Price
	}
	if e.Realized != 0 {
		m["realized"] = e.Realized
	}
	return structpb.NewStruct(m)
}

// EventFromStruct decodes an event sent by ToStruct.
func EventFromStruct(s *structpb.Struct) (Event, error) {
	f := s.GetFields()
	e := Event{
		Type:     EventType(f["type"].GetStringValue()),
		Symbol:   f["symbol"].GetStringValue(),
		OrderID:  f["order_id"].GetStringValue(),
		FillID:   f["fill_id"].GetStringValue(),
		GroupID:  f["group_id"].GetStringValue(),
		Status:   f["status"].GetStringValue(),
		Side:     f["side"].GetStringValue(),
		Reason:   f["reason"].GetStringValue(),
		Qty:      f["qty"].GetNumberValue(),
		Price:    f["price"].GetNumberValue(),
		Realized: f["realized"].GetNumberValue(),
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("feed event without type")
	}
	if raw := f["time"].GetStringValue(); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Event{}, fmt.Errorf("feed event time %q: %w", raw, err)
		}
		e.Time = ts
	}
	return e, nil
}

func putString(m map[string]any, key, v string) {
	if v != "" {
		m[key] = v
	}
}
