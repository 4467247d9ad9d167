/*
Package pairing decides which previous-period invoice lines correspond to
which current-period lines when there is no stable key between them.

PURPOSE:
  For one (client, service) key the same service can appear several times
  per month. Lines are paired by numeric proximity of their unit price (or
  total) within a tolerance; whatever does not pair is reported as
  unmatched on its side.

ALGORITHM (greedy nearest neighbour, previous-first):
  1. value = total/units for MetricUnit (no value when units <= 0),
     total for MetricTotal
  2. walk previous lines in input order
  3. each takes the closest still-available current line if
     |diff| <= tolerance (inclusive)
  4. current lines never taken are unmatched

ORDER DEPENDENCY:
  Earlier previous lines get first choice. With previous=[A, B] both
  equally close to a single current C, A pairs with C and B is unmatched.
  Among equally close current lines the earliest one is taken. Callers
  rely on this tie-break; it is not a global optimum.

SEE ALSO:
  - periods.go: Month-aligned pairing with a cross-month fallback
  - compare/assembler.go: The single-line override that skips tolerance
*/
package pairing

import "github.com/shopspring/decimal"

// Metric picks the per-line value lines are compared on.
type Metric string

const (
	MetricUnit  Metric = "unit"
	MetricTotal Metric = "total"
)

// DefaultTolerance is the unit price tolerance used by the comparison views.
var DefaultTolerance = decimal.RequireFromString("0.01")

// Line is anything with a quantity and an amount.
type Line interface {
	PairingUnits() decimal.Decimal
	PairingTotal() decimal.Decimal
}

// Match is one previous line paired with one current line.
type Match[T Line] struct {
	Previous T
	Current  T
}

// Result keeps unmatched lines in their input order.
type Result[T Line] struct {
	Matches           []Match[T]
	UnmatchedPrevious []T
	UnmatchedCurrent  []T
}

// ValueOf returns the value a line is compared on; ok is false when the
// line cannot be compared at all.
func ValueOf(l Line, metric Metric) (decimal.Decimal, bool) {
	if metric == MetricTotal {
		return l.PairingTotal(), true
	}
	units := l.PairingUnits()
	if !units.IsPositive() {
		return decimal.Zero, false
	}
	return l.PairingTotal().Div(units), true
}

// Pair greedily pairs previous with current lines.
func Pair[T Line](previous, current []T, metric Metric, tolerance decimal.Decimal) Result[T] {
	var res Result[T]

	currentValues := make([]decimal.Decimal, len(current))
	available := make([]bool, len(current))
	for i, c := range current {
		currentValues[i], available[i] = ValueOf(c, metric)
	}

	for _, p := range previous {
		pv, ok := ValueOf(p, metric)
		if !ok {
			res.UnmatchedPrevious = append(res.UnmatchedPrevious, p)
			continue
		}

		best := -1
		var bestDiff decimal.Decimal
		for i := range current {
			if !available[i] {
				continue
			}
			diff := currentValues[i].Sub(pv).Abs()
			if best == -1 || diff.LessThan(bestDiff) {
				best, bestDiff = i, diff
			}
		}

		if best == -1 || bestDiff.GreaterThan(tolerance) {
			res.UnmatchedPrevious = append(res.UnmatchedPrevious, p)
			continue
		}
		available[best] = false
		res.Matches = append(res.Matches, Match[T]{Previous: p, Current: current[best]})
	}

	for i, c := range current {
		if available[i] {
			res.UnmatchedCurrent = append(res.UnmatchedCurrent, c)
			continue
		}
		// Lines with no value were never available; report them too.
		if _, ok := ValueOf(c, metric); !ok {
			res.UnmatchedCurrent = append(res.UnmatchedCurrent, c)
		}
	}
	return res
}
