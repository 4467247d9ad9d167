package billing

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// YEAR MONTH - The granularity every comparison works at
// =============================================================================

// YearMonth is a calendar month. Invoice lines are compared month against
// month; days never matter.
type YearMonth struct {
	Year  int
	Month time.Month
}

func NewYearMonth(year int, month time.Month) YearMonth {
	return YearMonth{Year: year, Month: month}
}

// YearMonthOf returns the month containing t.
func YearMonthOf(t time.Time) YearMonth {
	return YearMonth{Year: t.Year(), Month: t.Month()}
}

// Valid reports whether the month is in 1..12 and the year is positive.
func (ym YearMonth) Valid() bool {
	return ym.Year > 0 && ym.Month >= time.January && ym.Month <= time.December
}

func (ym YearMonth) IsZero() bool { return ym.Year == 0 && ym.Month == 0 }

// AddMonths shifts by n months (negative goes back), carrying across years.
func (ym YearMonth) AddMonths(n int) YearMonth {
	idx := ym.Year*12 + int(ym.Month-1) + n
	year := idx / 12
	month := idx % 12
	if month < 0 {
		month += 12
		year--
	}
	return YearMonth{Year: year, Month: time.Month(month + 1)}
}

// PreviousYear returns the same month one year earlier.
func (ym YearMonth) PreviousYear() YearMonth {
	return YearMonth{Year: ym.Year - 1, Month: ym.Month}
}

func (ym YearMonth) Before(other YearMonth) bool {
	if ym.Year != other.Year {
		return ym.Year < other.Year
	}
	return ym.Month < other.Month
}

// Start returns the first instant of the month in UTC.
func (ym YearMonth) Start() time.Time {
	return time.Date(ym.Year, ym.Month, 1, 0, 0, 0, 0, time.UTC)
}

func (ym YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", ym.Year, int(ym.Month))
}

// ParseYearMonth parses "YYYY-MM".
func ParseYearMonth(s string) (YearMonth, error) {
	year, month, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return YearMonth{}, fmt.Errorf("%w: %q is not YYYY-MM", ErrInvalidPeriod, s)
	}
	y, err := strconv.Atoi(year)
	if err != nil {
		return YearMonth{}, fmt.Errorf("%w: %q is not YYYY-MM", ErrInvalidPeriod, s)
	}
	m, err := strconv.Atoi(month)
	if err != nil {
		return YearMonth{}, fmt.Errorf("%w: %q is not YYYY-MM", ErrInvalidPeriod, s)
	}
	ym := YearMonth{Year: y, Month: time.Month(m)}
	if !ym.Valid() {
		return YearMonth{}, fmt.Errorf("%w: %q out of range", ErrInvalidPeriod, s)
	}
	return ym, nil
}

// ParseYearMonths parses a comma-separated list of "YYYY-MM" values.
func ParseYearMonths(s string) ([]YearMonth, error) {
	var out []YearMonth
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		ym, err := ParseYearMonth(part)
		if err != nil {
			return nil, err
		}
		out = append(out, ym)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no months given", ErrInvalidPeriod)
	}
	return out, nil
}
