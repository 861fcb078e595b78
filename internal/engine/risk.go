package engine

import (
	"context"
	"fmt"

	"meridian/internal/domain"
)

// RiskManager enforces pre-trade limits on order size, resulting position
// size and realized daily loss. A zero limit disables that check.
type RiskManager struct {
	maxOrderQty    float64
	maxPositionQty float64
	maxDailyLoss   float64
}

// NewRiskManager creates a RiskManager with the specified risk thresholds.
//
//   - maxOrderQty: largest quantity a single order may carry.
//   - maxPositionQty: largest absolute net quantity a fill of the order may
//     leave in one symbol.
//   - maxDailyLoss: once realized PnL drops to -maxDailyLoss, only orders
//     that reduce an existing position are accepted.
func NewRiskManager(maxOrderQty, maxPositionQty, maxDailyLoss float64) *RiskManager {
	return &RiskManager{
		maxOrderQty:    maxOrderQty,
		maxPositionQty: maxPositionQty,
		maxDailyLoss:   maxDailyLoss,
	}
}

// CheckOrder evaluates whether the proposed order complies with the
// configured limits given the current position (nil when none) and the
// realized PnL so far.
func (rm *RiskManager) CheckOrder(_ context.Context, order *domain.Order, current *domain.Position, realized float64) error {
	if !(order.Qty > 0) {
		return fmt.Errorf("order %s quantity %v: %w", order.ID, order.Qty, ErrRiskRejected)
	}
	if rm == nil {
		return nil
	}
	if rm.maxOrderQty > 0 && order.Qty > rm.maxOrderQty+qtyEpsilon {
		return fmt.Errorf("order %s quantity %v above limit %v: %w", order.ID, order.Qty, rm.maxOrderQty, ErrRiskRejected)
	}

	var net float64
	if current != nil {
		net = current.NetQty()
	}
	after := net + order.Side.Sign()*order.Qty
	reducing := net != 0 && abs(after) <= abs(net)+qtyEpsilon

	if rm.maxPositionQty > 0 && abs(after) > rm.maxPositionQty+qtyEpsilon && !reducing {
		return fmt.Errorf("order %s would leave %s at %v, limit %v: %w",
			order.ID, order.Symbol(), after, rm.maxPositionQty, ErrRiskRejected)
	}
	if rm.maxDailyLoss > 0 && realized <= -rm.maxDailyLoss && !reducing {
		return fmt.Errorf("order %s: realized PnL %v at daily loss limit %v: %w",
			order.ID, realized, rm.maxDailyLoss, ErrRiskRejected)
	}
	return nil
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
