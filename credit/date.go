package credit

import "time"

// =============================================================================
// DATE - Calendar date in the reference timezone (UTC)
// =============================================================================
// Daily-bonus claims are keyed by calendar date, not timestamp. All date
// arithmetic happens in UTC so a claim at 23:59 and one at 00:01 land on
// different dates regardless of the caller's local zone.

// Date is a calendar date formatted as YYYY-MM-DD.
type Date string

const dateLayout = "2006-01-02"

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) Date {
	return Date(t.UTC().Format(dateLayout))
}

// Time returns midnight UTC of the date. Zero time for empty or malformed dates.
func (d Date) Time() time.Time {
	t, err := time.Parse(dateLayout, string(d))
	if err != nil {
		return time.Time{}
	}
	return t
}

// AddDays returns the date n calendar days later.
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

// DaysBetween returns the number of calendar days from a to b.
// Positive when b is after a.
func DaysBetween(a, b Date) int {
	return int(b.Time().Sub(a.Time()).Hours() / 24)
}

// MonthKey returns the UTC calendar month bucket for a timestamp,
// formatted as YYYY-MM. Used by the analytics aggregator.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
