package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"meridian/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OrderStore = (*SQLiteStore)(nil)
var _ FillStore = (*SQLiteStore)(nil)
var _ PositionSnapshotStore = (*SQLiteStore)(nil)
var _ Store = (*SQLiteStore)(nil)

// schema is applied on open. Timestamps are Unix nanoseconds so replayed
// state is bit-identical to the live state. The implicit rowid breaks
// timestamp ties in insertion order.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		correlation_id TEXT PRIMARY KEY,
		symbol         TEXT    NOT NULL,
		side           TEXT    NOT NULL,
		quantity       REAL    NOT NULL,
		order_kind     TEXT    NOT NULL,
		strategy_id    TEXT    NOT NULL,
		signal_id      TEXT    NOT NULL,
		timestamp      INTEGER NOT NULL,
		metadata_json  TEXT    NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fills (
		fill_id   TEXT PRIMARY KEY,
		order_id  TEXT    NOT NULL REFERENCES orders(correlation_id),
		symbol    TEXT    NOT NULL,
		quantity  REAL    NOT NULL,
		price     REAL    NOT NULL,
		side      TEXT    NOT NULL,
		fee       REAL    NOT NULL,
		timestamp INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS fills_timestamp ON fills(timestamp)`,
	`CREATE TABLE IF NOT EXISTS position_snapshots (
		symbol        TEXT PRIMARY KEY,
		side          TEXT    NOT NULL,
		quantity      REAL    NOT NULL,
		average_price REAL    NOT NULL,
		timestamp     INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_status_events (
		correlation_id TEXT    NOT NULL REFERENCES orders(correlation_id),
		status         TEXT    NOT NULL,
		reason         TEXT    NOT NULL,
		timestamp      INTEGER NOT NULL
	)`,
}

// SQLiteStore implements Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// connPragmas are applied by the driver to every connection it opens.
var connPragmas = []string{
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"synchronous(FULL)",
}

// dsn builds a modernc.org/sqlite DSN for dbPath carrying connPragmas.
func dsn(dbPath string) string {
	q := url.Values{"_pragma": connPragmas}
	return "file:" + dbPath + "?" + q.Encode()
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, err
	}
	// One connection serializes writers.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initializing %s: %w", dbPath, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// orderMeta is the metadata_json payload: everything on an order that has no
// column of its own.
type orderMeta struct {
	Instrument domain.Instrument `json:"instrument"`
	LimitPrice float64           `json:"limit_price,omitempty"`
	GroupID    string            `json:"group_id,omitempty"`
	GroupType  domain.GroupType  `json:"group_type,omitempty"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SaveOrder inserts a new order into the database.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	meta, err := json.Marshal(orderMeta{
		Instrument: o.Instrument,
		LimitPrice: o.LimitPrice,
		GroupID:    o.GroupID,
		GroupType:  o.GroupType,
		Confidence: o.Confidence,
		Metadata:   o.Metadata,
	})
	if err != nil {
		return fmt.Errorf("encoding order %s metadata: %w", o.ID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orders (correlation_id, symbol, side, quantity, order_kind, strategy_id, signal_id, timestamp, metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Symbol(), string(o.Side), o.Qty, string(o.Type), o.StrategyID, o.SignalID,
		toNanos(o.CreatedAt), string(meta),
	)
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", o.ID, err)
	}
	return nil
}

// ListOrders returns all orders ordered by timestamp then insertion.
func (s *SQLiteStore) ListOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT correlation_id, symbol, side, quantity, order_kind, strategy_id, signal_id, timestamp, metadata_json
		 FROM orders ORDER BY timestamp, rowid`)
	if err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var (
			o        domain.Order
			symbol   string
			side     string
			kind     string
			ts       int64
			metaJSON string
		)
		if err := rows.Scan(&o.ID, &symbol, &side, &o.Qty, &kind, &o.StrategyID, &o.SignalID, &ts, &metaJSON); err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		var meta orderMeta
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, fmt.Errorf("decoding order %s metadata: %w", o.ID, err)
		}
		o.Instrument = meta.Instrument
		if o.Instrument.IsZero() {
			o.Instrument = domain.NewEquity(symbol)
		}
		o.Side = domain.OrderSide(side)
		o.Type = domain.OrderType(kind)
		o.LimitPrice = meta.LimitPrice
		o.GroupID = meta.GroupID
		o.GroupType = meta.GroupType
		o.Confidence = meta.Confidence
		o.Metadata = meta.Metadata
		o.CreatedAt = fromNanos(ts)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// SaveOrderStatus appends a status event.
func (s *SQLiteStore) SaveOrderStatus(ctx context.Context, ev *domain.OrderStatusEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO order_status_events (correlation_id, status, reason, timestamp) VALUES (?, ?, ?, ?)`,
		ev.OrderID, string(ev.Status), ev.Reason, toNanos(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting status %s for order %s: %w", ev.Status, ev.OrderID, err)
	}
	return nil
}

// ListOrderStatus returns every status event ordered by timestamp then insertion.
func (s *SQLiteStore) ListOrderStatus(ctx context.Context) ([]domain.OrderStatusEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT correlation_id, status, reason, timestamp FROM order_status_events ORDER BY timestamp, rowid`)
	if err != nil {
		return nil, fmt.Errorf("querying order status events: %w", err)
	}
	defer rows.Close()

	var events []domain.OrderStatusEvent
	for rows.Next() {
		var (
			ev     domain.OrderStatusEvent
			status string
			ts     int64
		)
		if err := rows.Scan(&ev.OrderID, &status, &ev.Reason, &ts); err != nil {
			return nil, fmt.Errorf("scanning order status event: %w", err)
		}
		ev.Status = domain.OrderStatus(status)
		ev.Timestamp = fromNanos(ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ---------------------------------------------------------------------------
// FillStore implementation
// ---------------------------------------------------------------------------

// SaveFill inserts a new fill into the database.
func (s *SQLiteStore) SaveFill(ctx context.Context, f *domain.Fill) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fills (fill_id, order_id, symbol, quantity, price, side, fee, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.OrderID, f.Symbol, f.Qty, f.Price, string(f.Side), f.Fee, toNanos(f.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting fill %s: %w", f.ID, err)
	}
	return nil
}

// ListFills returns all fills in chronological order.
func (s *SQLiteStore) ListFills(ctx context.Context) ([]domain.Fill, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fill_id, order_id, symbol, quantity, price, side, fee, timestamp
		 FROM fills ORDER BY timestamp, rowid`)
	if err != nil {
		return nil, fmt.Errorf("querying fills: %w", err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var (
			f    domain.Fill
			side string
			ts   int64
		)
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Symbol, &f.Qty, &f.Price, &side, &f.Fee, &ts); err != nil {
			return nil, fmt.Errorf("scanning fill: %w", err)
		}
		f.Side = domain.OrderSide(side)
		f.Timestamp = fromNanos(ts)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ---------------------------------------------------------------------------
// PositionSnapshotStore implementation
// ---------------------------------------------------------------------------

// SavePosition inserts or replaces the snapshot for a symbol.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *domain.Position) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO position_snapshots (symbol, side, quantity, average_price, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		p.Symbol(), string(p.Side), p.Qty, p.AvgPrice, toNanos(p.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("saving position snapshot %s: %w", p.Symbol(), err)
	}
	return nil
}

// ListPositions returns all cached snapshots. Only the symbol of the
// instrument survives; the engine rebuilds full instruments from orders.
func (s *SQLiteStore) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, side, quantity, average_price, timestamp FROM position_snapshots ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("querying position snapshots: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var (
			p      domain.Position
			symbol string
			side   string
			ts     int64
		)
		if err := rows.Scan(&symbol, &side, &p.Qty, &p.AvgPrice, &ts); err != nil {
			return nil, fmt.Errorf("scanning position snapshot: %w", err)
		}
		p.Instrument = domain.Instrument{Symbol: symbol}
		p.Side = domain.PositionSide(side)
		p.LastUpdated = fromNanos(ts)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ClearPositions removes every cached snapshot.
func (s *SQLiteStore) ClearPositions(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM position_snapshots`); err != nil {
		return fmt.Errorf("clearing position snapshots: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Time helpers
// ---------------------------------------------------------------------------

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
