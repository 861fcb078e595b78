package main

import (
	"context"
	"fmt"
	"io"

	"meridian/internal/domain"
	"meridian/internal/store"
)

// exportArchive writes fills to the archive, reads their time range back to
// confirm every fill landed, and reports the archived days to w.
func exportArchive(ctx context.Context, fills []domain.Fill, a *store.FillArchive, w io.Writer) error {
	if err := a.WriteFills(ctx, fills); err != nil {
		return err
	}

	if len(fills) > 0 {
		start, end := fills[0].Timestamp, fills[0].Timestamp
		for _, f := range fills[1:] {
			if f.Timestamp.Before(start) {
				start = f.Timestamp
			}
			if f.Timestamp.After(end) {
				end = f.Timestamp
			}
		}
		archived, err := a.ReadFills(ctx, start, end)
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(archived))
		for _, f := range archived {
			seen[f.ID] = true
		}
		for _, f := range fills {
			if !seen[f.ID] {
				return fmt.Errorf("fill %s missing from archive after export", f.ID)
			}
		}
	}

	days, err := a.ListDays()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "archived %d fills to %s", len(fills), a.DataDir)
	if len(days) > 0 {
		fmt.Fprintf(w, " (%d days, %s to %s)", len(days), days[0], days[len(days)-1])
	}
	fmt.Fprintln(w)
	return nil
}
