package compare

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SHOW FILTER - Which class of rows a view displays
// =============================================================================

type Show string

const (
	ShowAll  Show = ""
	ShowNeg  Show = "neg"  // unit price went down
	ShowEq   Show = "eq"   // unit price unchanged
	ShowPos  Show = "pos"  // unit price went up
	ShowMiss Show = "miss" // billed last year, not this year
	ShowNew  Show = "new"  // billed this year, not last year
)

// ParseShow falls back to ShowAll for anything unknown.
func ParseShow(s string) Show {
	switch v := Show(strings.ToLower(strings.TrimSpace(s))); v {
	case ShowNeg, ShowEq, ShowPos, ShowMiss, ShowNew:
		return v
	default:
		return ShowAll
	}
}

// Percent buckets split ShowPos rows around PercentThreshold.
type Percent string

const (
	PercentAll   Percent = ""
	PercentUnder Percent = "under"
	PercentEqual Percent = "equal"
	PercentOver  Percent = "over"
)

// ParsePercent falls back to PercentAll for anything unknown.
func ParsePercent(s string) Percent {
	switch v := Percent(strings.ToLower(strings.TrimSpace(s))); v {
	case PercentUnder, PercentEqual, PercentOver:
		return v
	default:
		return PercentAll
	}
}

var (
	// EqualTolerance is the |deltaPrice| below which a price is unchanged.
	EqualTolerance = decimal.RequireFromString("0.01")

	PercentThreshold = decimal.NewFromInt(3)
	PercentBand      = decimal.RequireFromString("0.1")
)

// Classify returns the show class of a row. Rows with an incomparable delta
// that are neither missing nor new belong to no class (ShowAll only).
func Classify(r Row) Show {
	switch {
	case r.IsMissing:
		return ShowMiss
	case r.IsNew:
		return ShowNew
	}
	delta, ok := r.DeltaPrice.Decimal()
	if !ok {
		return ShowAll
	}
	switch {
	case delta.Abs().LessThanOrEqual(EqualTolerance):
		return ShowEq
	case delta.IsNegative():
		return ShowNeg
	default:
		return ShowPos
	}
}

// PercentBucket places a row by its percent delta: within ±PercentBand of
// PercentThreshold is equal. Rows without a percent delta have no bucket.
func PercentBucket(r Row) Percent {
	pct, ok := r.PercentDelta.Decimal()
	if !ok {
		return PercentAll
	}
	diff := pct.Sub(PercentThreshold)
	switch {
	case diff.Abs().LessThanOrEqual(PercentBand):
		return PercentEqual
	case diff.IsNegative():
		return PercentUnder
	default:
		return PercentOver
	}
}

// Counts holds badge counts per show class and, within ShowPos, per
// percent bucket. They never depend on the active filter.
type Counts struct {
	All     int             `json:"all"`
	Show    map[Show]int    `json:"show"`
	Percent map[Percent]int `json:"percent"`
}

func countRows(rows []Row) Counts {
	c := Counts{
		All:     len(rows),
		Show:    map[Show]int{ShowNeg: 0, ShowEq: 0, ShowPos: 0, ShowMiss: 0, ShowNew: 0},
		Percent: map[Percent]int{PercentUnder: 0, PercentEqual: 0, PercentOver: 0},
	}
	for _, r := range rows {
		cls := Classify(r)
		if cls == ShowAll {
			continue
		}
		c.Show[cls]++
		if cls == ShowPos {
			if b := PercentBucket(r); b != PercentAll {
				c.Percent[b]++
			}
		}
	}
	return c
}

func filterRows(rows []Row, show Show, pct Percent) []Row {
	if show == ShowAll {
		return rows
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if Classify(r) != show {
			continue
		}
		if show == ShowPos && pct != PercentAll && PercentBucket(r) != pct {
			continue
		}
		out = append(out, r)
	}
	return out
}

// =============================================================================
// SORTING
// =============================================================================

// sortRows orders by percent delta descending under ShowPos (absent last),
// then always by |deltaPrice| descending with missing rows first and
// incomparable deltas last. Client then service name break remaining ties.
func sortRows(rows []Row, show Show) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if show == ShowPos {
			if c := percentKey(a).cmp(percentKey(b)); c != 0 {
				return c > 0
			}
		}
		if c := deltaKey(a).cmp(deltaKey(b)); c != 0 {
			return c > 0
		}
		if a.ClientName != b.ClientName {
			return a.ClientName < b.ClientName
		}
		return a.ServiceName < b.ServiceName
	})
}

// sortKey is an extended real: rank -1 is -inf, 1 is +inf, 0 uses value.
type sortKey struct {
	rank  int
	value decimal.Decimal
}

func (k sortKey) cmp(o sortKey) int {
	if k.rank != o.rank {
		if k.rank < o.rank {
			return -1
		}
		return 1
	}
	if k.rank != 0 {
		return 0
	}
	return k.value.Cmp(o.value)
}

func percentKey(r Row) sortKey {
	if v, ok := r.PercentDelta.Decimal(); ok {
		return sortKey{value: v}
	}
	return sortKey{rank: -1}
}

func deltaKey(r Row) sortKey {
	if r.IsMissing {
		return sortKey{rank: 1}
	}
	if v, ok := r.DeltaPrice.Decimal(); ok {
		return sortKey{value: v.Abs()}
	}
	return sortKey{rank: -1}
}
