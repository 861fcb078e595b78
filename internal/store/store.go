// Package store defines the durable write path of the execution engine:
// orders and fills (the source of truth), order status events, and position
// snapshots (a rebuildable cache).
package store

import (
	"context"

	"meridian/internal/domain"
)

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// SaveOrder inserts a new order. It fails if the correlation id exists.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// ListOrders returns every stored order in chronological order.
	ListOrders(ctx context.Context) ([]domain.Order, error)

	// SaveOrderStatus appends a terminal status event for an order.
	SaveOrderStatus(ctx context.Context, event *domain.OrderStatusEvent) error

	// ListOrderStatus returns every status event in chronological order.
	ListOrderStatus(ctx context.Context) ([]domain.OrderStatusEvent, error)
}

// FillStore persists and retrieves fills.
type FillStore interface {
	// SaveFill inserts a new fill. It fails if the fill id exists.
	SaveFill(ctx context.Context, fill *domain.Fill) error

	// ListFills returns every stored fill ordered by timestamp, ties broken
	// by insertion order.
	ListFills(ctx context.Context) ([]domain.Fill, error)
}

// PositionSnapshotStore caches the latest position per symbol. Its content
// can always be rebuilt by replaying fills.
type PositionSnapshotStore interface {
	// SavePosition inserts or replaces the snapshot for a symbol.
	SavePosition(ctx context.Context, pos *domain.Position) error

	// ListPositions returns all cached snapshots sorted by symbol.
	ListPositions(ctx context.Context) ([]domain.Position, error)

	// ClearPositions drops every cached snapshot.
	ClearPositions(ctx context.Context) error
}

// Store is the full durable surface used by the engine.
type Store interface {
	OrderStore
	FillStore
	PositionSnapshotStore
}
