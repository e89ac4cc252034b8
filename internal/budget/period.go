package budget

import (
	"math"
	"time"
)

// Period is a budget accounting window.
type Period string

const (
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
)

// Periods lists every window the ledger enforces, tightest first.
var Periods = []Period{Daily, Weekly, Monthly}

// Micros is an amount of money in millionths of a US dollar. Ledger
// arithmetic is done in Micros so comparisons like 2.99+0.01 <= 3.00 are
// exact.
type Micros int64

// ToMicros converts dollars to Micros, rounding to the nearest micro-dollar.
func ToMicros(usd float64) Micros {
	return Micros(math.Round(usd * 1e6))
}

// USD converts back to dollars.
func (m Micros) USD() float64 {
	return float64(m) / 1e6
}

// SameWindow reports whether a and b fall in the same period window in loc.
// Weeks are ISO weeks starting Monday.
func SameWindow(p Period, a, b time.Time, loc *time.Location) bool {
	a, b = a.In(loc), b.In(loc)
	switch p {
	case Daily:
		ay, am, ad := a.Date()
		by, bm, bd := b.Date()
		return ay == by && am == bm && ad == bd
	case Weekly:
		ay, aw := a.ISOWeek()
		by, bw := b.ISOWeek()
		return ay == by && aw == bw
	case Monthly:
		return a.Year() == b.Year() && a.Month() == b.Month()
	}
	return false
}

// WindowStart returns the first instant of the window containing t.
func WindowStart(p Period, t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, loc)
	switch p {
	case Weekly:
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		return day.AddDate(0, 0, -offset)
	case Monthly:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	}
	return day
}
