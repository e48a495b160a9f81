package billing

import (
	"fmt"
	"time"
)

// PeriodFormat is the canonical textual form of a billing period.
const PeriodFormat = "2006-01"

// Period identifies a calendar month of billing data. The zero value is not
// a valid period.
type Period struct {
	Year  int
	Month time.Month
}

// ParsePeriod parses a period in YYYY-MM form.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse(PeriodFormat, s)
	if err != nil {
		return Period{}, fmt.Errorf("invalid billing period %q, expected YYYY-MM: %w", s, err)
	}
	return PeriodFromTime(t), nil
}

// MustParsePeriod is like ParsePeriod but panics on invalid input. It is
// intended for tests and static values.
func MustParsePeriod(s string) Period {
	p, err := ParsePeriod(s)
	if err != nil {
		panic(err)
	}
	return p
}

// PeriodFromTime returns the period containing t, evaluated in UTC.
func PeriodFromTime(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: t.Month()}
}

func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}

func (p Period) String() string {
	if p.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// Start returns the first instant of the period in UTC.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant of the following period in UTC.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

func (p Period) Next() Period {
	return PeriodFromTime(p.End())
}

func (p Period) Before(o Period) bool {
	return p.Year < o.Year || (p.Year == o.Year && p.Month < o.Month)
}

func (p Period) After(o Period) bool {
	return o.Before(p)
}

// Within reports whether p falls inside the inclusive range [start, end].
// A zero bound leaves that side of the range open.
func (p Period) Within(start, end Period) bool {
	if !start.IsZero() && p.Before(start) {
		return false
	}
	if !end.IsZero() && p.After(end) {
		return false
	}
	return true
}

func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Period) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*p = Period{}
		return nil
	}
	parsed, err := ParsePeriod(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
