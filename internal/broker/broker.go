// Package broker defines the Broker interface and provides implementations
// that route orders to a brokerage and report executions back as fills.
package broker

import (
	"context"
	"errors"

	"meridian/internal/domain"
)

// ErrAlreadySubscribed is returned when SubscribeFills is called twice.
var ErrAlreadySubscribed = errors.New("broker: fills already subscribed")

// FillHandler receives fills reported by a broker. Handlers are called from
// a single goroutine per broker, in the order the broker reported the fills.
type FillHandler func(domain.Fill)

// Broker abstracts brokerage operations for order execution.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// PlaceOrder routes an order and returns the broker's id for it. The
	// order's correlation id is passed along so fills can be matched back.
	PlaceOrder(ctx context.Context, order domain.Order) (string, error)

	// CancelOrder requests cancellation of an open order by its broker id.
	// It reports whether the broker accepted the cancellation.
	CancelOrder(ctx context.Context, brokerOrderID string) (bool, error)

	// SubscribeFills registers handler for all fills reported from now on
	// until ctx is cancelled. Fill.OrderID carries the correlation id.
	SubscribeFills(ctx context.Context, handler FillHandler) error
}
