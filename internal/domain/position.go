package domain

import "time"

// PositionSide is the direction of a net holding.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
	PositionSideFlat  PositionSide = "FLAT"
)

// Sign returns +1 for LONG, -1 for SHORT and 0 for FLAT.
func (s PositionSide) Sign() float64 {
	switch s {
	case PositionSideLong:
		return 1
	case PositionSideShort:
		return -1
	default:
		return 0
	}
}

// ClosingSide returns the order side that reduces a position on this side.
func (s PositionSide) ClosingSide() OrderSide {
	if s == PositionSideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// SideFor returns the position side opened by an order on side.
func SideFor(side OrderSide) PositionSide {
	if side == OrderSideSell {
		return PositionSideShort
	}
	return PositionSideLong
}

// Position is the net holding in one instrument. Qty is always >= 0; the
// direction is carried by Side. A FLAT position has Qty 0 and its AvgPrice is
// meaningless.
type Position struct {
	Instrument  Instrument   `json:"instrument"`
	Side        PositionSide `json:"side"`
	Qty         float64      `json:"qty"`
	AvgPrice    float64      `json:"avg_price"`
	LastUpdated time.Time    `json:"last_updated"`
}

// Symbol is shorthand for p.Instrument.Symbol.
func (p Position) Symbol() string {
	return p.Instrument.Symbol
}

// IsFlat reports whether the position holds nothing.
func (p Position) IsFlat() bool {
	return p.Side == PositionSideFlat || p.Qty == 0
}

// NetQty returns the signed quantity: positive when long, negative when short.
func (p Position) NetQty() float64 {
	return p.Side.Sign() * p.Qty
}
