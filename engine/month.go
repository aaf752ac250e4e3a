package engine

import (
	"fmt"
	"time"
)

// =============================================================================
// MONTH - Settlement month bucket
// =============================================================================

// Month identifies a calendar month in UTC. All settlement boundaries
// are fixed to UTC midnight; local-time month math must never touch
// a settlement boundary.
type Month struct {
	Year  int
	Month time.Month
}

// MonthOf returns the UTC month containing t.
func MonthOf(t time.Time) Month {
	u := t.UTC()
	return Month{Year: u.Year(), Month: u.Month()}
}

// ParseMonth accepts "YYYY-MM" or "YYYY-MM-DD" (day ignored).
func ParseMonth(s string) (Month, error) {
	for _, layout := range []string{"2006-01", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return MonthOf(t), nil
		}
	}
	return Month{}, fmt.Errorf("invalid month %q: want YYYY-MM or YYYY-MM-DD", s)
}

// Start returns the first day of the month at UTC midnight. This is the
// canonical storage form of a settlement month.
func (m Month) Start() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant of the following month, so the month
// interval is half-open: [Start, End).
func (m Month) End() time.Time {
	return m.Start().AddDate(0, 1, 0)
}

func (m Month) Next() Month     { return MonthOf(m.End()) }
func (m Month) Previous() Month { return MonthOf(m.Start().AddDate(0, -1, 0)) }

func (m Month) Equal(o Month) bool { return m == o }
func (m Month) Before(o Month) bool {
	return m.Year < o.Year || (m.Year == o.Year && m.Month < o.Month)
}
func (m Month) After(o Month) bool { return o.Before(m) }

func (m Month) IsZero() bool { return m.Year == 0 && m.Month == 0 }

// String renders "YYYY-MM".
func (m Month) String() string { return m.Start().Format("2006-01") }

// Key renders the canonical first-of-month date, "YYYY-MM-01".
func (m Month) Key() string { return m.Start().Format("2006-01-02") }
