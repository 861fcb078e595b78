package engine

import (
	"errors"
	"fmt"

	"meridian/internal/domain"
)

// Caller-input errors. They indicate a bug in the signal or broker layer and
// are never retried inside the engine.
var (
	ErrInvalidOrder      = errors.New("invalid order")
	ErrDuplicateOrder    = errors.New("order already registered")
	ErrUnknownOrder      = errors.New("order not found")
	ErrOrderTerminal     = errors.New("order is in a terminal state")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrInvalidFill       = errors.New("invalid fill")
	ErrDuplicateFill     = errors.New("fill already applied")
	ErrOverfill          = errors.New("fill exceeds remaining order quantity")
	ErrFillMismatch      = errors.New("fill does not match its order")
	ErrInvalidGroup      = errors.New("invalid order group")
	ErrDuplicateGroup    = errors.New("order group already exists")
	ErrRiskRejected      = errors.New("order rejected by risk checks")
	ErrCancelDeclined    = errors.New("broker declined cancellation")
	ErrNotEmpty          = errors.New("engine already holds state")
	ErrNoStore           = errors.New("engine has no durable store")
)

// OrderFactoryError reports a signal that cannot be turned into an order.
type OrderFactoryError struct {
	Signal domain.Signal
	Reason string
}

func (e *OrderFactoryError) Error() string {
	return fmt.Sprintf("order factory: %s signal for %s from %s: %s",
		e.Signal.Type, e.Signal.Symbol, e.Signal.StrategyID, e.Reason)
}
