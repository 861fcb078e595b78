package domain

import "time"

// SignalType is the action a strategy asks for.
type SignalType string

const (
	SignalTypeBuy  SignalType = "BUY"
	SignalTypeSell SignalType = "SELL"
	SignalTypeExit SignalType = "EXIT"
)

// Signal is a trading signal produced by a strategy. Metadata carries order
// parameters such as "quantity", "order_type" and "limit_price".
type Signal struct {
	ID         string            `json:"id,omitempty"`
	StrategyID string            `json:"strategy_id"`
	Symbol     string            `json:"symbol"`
	Instrument Instrument        `json:"instrument,omitempty"`
	Type       SignalType        `json:"type"`
	Strength   float64           `json:"strength"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
