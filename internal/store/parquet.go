package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"meridian/internal/domain"
)

// FillArchive keeps an append-only, columnar copy of the fill log as Parquet
// files on disk, one file per UTC trading day. It is used for audit and
// offline analysis and is never read during recovery.
type FillArchive struct {
	DataDir string
}

// NewFillArchive creates a FillArchive rooted at the given directory.
func NewFillArchive(dataDir string) *FillArchive {
	return &FillArchive{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// FillRecord is the Parquet schema for archived fills.
type FillRecord struct {
	ID        string  `parquet:"fill_id"`
	OrderID   string  `parquet:"order_id"`
	Symbol    string  `parquet:"symbol"`
	Qty       float64 `parquet:"quantity"`
	Price     float64 `parquet:"price"`
	Side      string  `parquet:"side"`
	Fee       float64 `parquet:"fee"`
	Timestamp int64   `parquet:"timestamp,timestamp(nanosecond)"` // Unix ns
}

// WriteFills merges fills into the day files they belong to. Existing records
// with the same fill id are replaced, so re-exporting is idempotent.
//
//	<DataDir>/fills/<YYYY-MM-DD>.parquet
func (a *FillArchive) WriteFills(_ context.Context, fills []domain.Fill) error {
	if len(fills) == 0 {
		return nil
	}

	groups := make(map[string][]FillRecord)
	for _, f := range fills {
		date := f.Timestamp.UTC().Format("2006-01-02")
		groups[date] = append(groups[date], FillRecord{
			ID:        f.ID,
			OrderID:   f.OrderID,
			Symbol:    f.Symbol,
			Qty:       f.Qty,
			Price:     f.Price,
			Side:      string(f.Side),
			Fee:       f.Fee,
			Timestamp: f.Timestamp.UnixNano(),
		})
	}

	for date, records := range groups {
		path := a.dayPath(date)

		existing, err := readParquetFile[FillRecord](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading archived fills for %s: %w", date, err)
		}
		merged := mergeFillRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing fills for %s: %w", date, err)
		}
	}
	return nil
}

// ReadFills returns archived fills with timestamps in [start, end], in
// chronological order.
func (a *FillArchive) ReadFills(_ context.Context, start, end time.Time) ([]domain.Fill, error) {
	var fills []domain.Fill
	first := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	for d := first; !d.After(end); d = d.AddDate(0, 0, 1) {
		date := d.Format("2006-01-02")
		records, err := readParquetFile[FillRecord](a.dayPath(date))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading archived fills for %s: %w", date, err)
		}
		for _, r := range records {
			ts := time.Unix(0, r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			fills = append(fills, domain.Fill{
				ID:        r.ID,
				OrderID:   r.OrderID,
				Symbol:    r.Symbol,
				Qty:       r.Qty,
				Price:     r.Price,
				Side:      domain.OrderSide(r.Side),
				Fee:       r.Fee,
				Timestamp: ts,
			})
		}
	}
	return fills, nil
}

// ListDays returns the archived days in ascending order.
func (a *FillArchive) ListDays() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(a.DataDir, "fills"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var days []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".parquet" {
			continue
		}
		days = append(days, name[:len(name)-len(".parquet")])
	}
	sort.Strings(days)
	return days, nil
}

// dayPath returns the archive file for a YYYY-MM-DD date.
func (a *FillArchive) dayPath(date string) string {
	return filepath.Join(a.DataDir, "fills", date+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeFillRecords deduplicates fill records by id, preferring incoming
// records. Results are sorted by timestamp, then id.
func mergeFillRecords(existing, incoming []FillRecord) []FillRecord {
	seen := make(map[string]FillRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]FillRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}
