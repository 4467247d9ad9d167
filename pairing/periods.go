package pairing

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/invoice-recon/billing"
)

// DatedLine is a Line billed in a known month.
type DatedLine interface {
	Line
	Period() billing.YearMonth
}

// PairPeriods pairs lines across two aligned month lists. Position i of
// monthsA corresponds to position i of monthsB; when monthsB is shorter its
// last month is reused for the remaining positions. A reused month only
// offers the lines it has left.
//
// Phase 1 pairs each month pair independently (same-month, high confidence).
// Phase 2 runs one Pair over all leftovers when both sides still have some,
// catching lines that moved to a different month. Lines billed outside
// every listed month only take part in phase 2.
func PairPeriods[T DatedLine](previous, current []T, monthsA, monthsB []billing.YearMonth, metric Metric, tolerance decimal.Decimal) Result[T] {
	prevPool := poolByMonth(previous)
	currPool := poolByMonth(current)
	prevLeft := make([]bool, len(previous))
	currLeft := make([]bool, len(current))
	for i := range prevLeft {
		prevLeft[i] = true
	}
	for i := range currLeft {
		currLeft[i] = true
	}

	var res Result[T]
	for i, a := range monthsA {
		if len(monthsB) == 0 {
			break
		}
		b := monthsB[len(monthsB)-1]
		if i < len(monthsB) {
			b = monthsB[i]
		}

		step := Pair(wrap(previous, prevPool[a]), wrap(current, currPool[b]), metric, tolerance)
		for _, m := range step.Matches {
			res.Matches = append(res.Matches, Match[T]{Previous: m.Previous.line, Current: m.Current.line})
			prevLeft[m.Previous.idx] = false
			currLeft[m.Current.idx] = false
		}
		prevPool[a] = indexes(step.UnmatchedPrevious)
		currPool[b] = indexes(step.UnmatchedCurrent)
	}

	for i, l := range previous {
		if prevLeft[i] {
			res.UnmatchedPrevious = append(res.UnmatchedPrevious, l)
		}
	}
	for i, l := range current {
		if currLeft[i] {
			res.UnmatchedCurrent = append(res.UnmatchedCurrent, l)
		}
	}

	if len(res.UnmatchedPrevious) == 0 || len(res.UnmatchedCurrent) == 0 {
		return res
	}

	fallback := Pair(res.UnmatchedPrevious, res.UnmatchedCurrent, metric, tolerance)
	res.Matches = append(res.Matches, fallback.Matches...)
	res.UnmatchedPrevious = fallback.UnmatchedPrevious
	res.UnmatchedCurrent = fallback.UnmatchedCurrent
	return res
}

// indexed carries a line's position through Pair so phase 1 can track
// which lines it consumed.
type indexed[T DatedLine] struct {
	line T
	idx  int
}

func (x indexed[T]) PairingUnits() decimal.Decimal { return x.line.PairingUnits() }
func (x indexed[T]) PairingTotal() decimal.Decimal { return x.line.PairingTotal() }

func poolByMonth[T DatedLine](lines []T) map[billing.YearMonth][]int {
	out := make(map[billing.YearMonth][]int)
	for i, l := range lines {
		out[l.Period()] = append(out[l.Period()], i)
	}
	return out
}

func wrap[T DatedLine](lines []T, idx []int) []indexed[T] {
	out := make([]indexed[T], len(idx))
	for i, j := range idx {
		out[i] = indexed[T]{line: lines[j], idx: j}
	}
	return out
}

func indexes[T DatedLine](xs []indexed[T]) []int {
	out := make([]int, len(xs))
	for i, x := range xs {
		out[i] = x.idx
	}
	sort.Ints(out)
	return out
}
