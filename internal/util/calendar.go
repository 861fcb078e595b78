package util

import (
	"fmt"
	"time"
	_ "time/tzdata" // embedded zoneinfo
)

// TradingCalendar maps instants to trading session dates in an exchange's
// time zone, so a session's activity is grouped under one date no matter
// where the process runs.
type TradingCalendar struct {
	loc *time.Location
}

// NewTradingCalendar creates a TradingCalendar for the IANA zone tz
// (e.g. "America/New_York"). An empty tz means UTC.
func NewTradingCalendar(tz string) (*TradingCalendar, error) {
	if tz == "" {
		return &TradingCalendar{loc: time.UTC}, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("loading time zone %q: %w", tz, err)
	}
	return &TradingCalendar{loc: loc}, nil
}

// Location returns the calendar's time zone.
func (tc *TradingCalendar) Location() *time.Location {
	return tc.loc
}

// SessionDate returns the YYYY-MM-DD session date t falls on.
func (tc *TradingCalendar) SessionDate(t time.Time) string {
	return t.In(tc.loc).Format("2006-01-02")
}

// IsWeekend reports whether t falls on a Saturday or Sunday in the
// calendar's zone.
func (tc *TradingCalendar) IsWeekend(t time.Time) bool {
	switch t.In(tc.loc).Weekday() {
	case time.Saturday, time.Sunday:
		return true
	}
	return false
}
