package util

import (
	"fmt"
	"time"
)

// TradingCalendar provides market-hours awareness for the US equity session:
// Monday through Friday, 09:30-16:00 in the exchange's local time zone.
// Exchange holidays are not modeled; the live broker rejects those upstream.
type TradingCalendar struct {
	loc *time.Location
}

// NewTradingCalendar creates a TradingCalendar for the New York session.
func NewTradingCalendar() (*TradingCalendar, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("loading exchange timezone: %w", err)
	}
	return &TradingCalendar{loc: loc}, nil
}

// IsMarketOpen returns whether the regular session is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	local := t.In(tc.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	minutes := local.Hour()*60 + local.Minute()
	sessionOpen := 9*60 + 30
	sessionClose := 16 * 60
	return minutes >= sessionOpen && minutes < sessionClose
}

// NextOpen returns the next session open at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	local := t.In(tc.loc)
	for {
		open := time.Date(local.Year(), local.Month(), local.Day(), 9, 30, 0, 0, tc.loc)
		if local.Before(open) && open.Weekday() != time.Saturday && open.Weekday() != time.Sunday {
			return open
		}
		local = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, tc.loc).AddDate(0, 0, 1)
	}
}
