package compare

import (
	"github.com/shopspring/decimal"
	"github.com/warp/invoice-recon/billing"
)

var hundred = decimal.NewFromInt(100)

// UnitPrice is total/units, incomparable when units <= 0.
func UnitPrice(total, units decimal.Decimal) billing.Figure {
	if !units.IsPositive() {
		return billing.Incomparable()
	}
	return billing.Value(total.Div(units))
}

// ComputeMetrics fills the derived fields of a row from its two sides.
//
//	DeltaPrice   present only when both sides have units, else incomparable
//	PercentDelta present only when both sides have units and the previous
//	             unit price is > 0, else absent
//	IsMissing    kept if already set, else previous units > 0 and current == 0
//	IsNew        kept if already set, else previous units == 0 and current > 0
func ComputeMetrics(row Row) Row {
	row.PreviousUnitPrice = UnitPrice(row.PreviousTotal, row.PreviousUnits)
	row.CurrentUnitPrice = UnitPrice(row.CurrentTotal, row.CurrentUnits)

	hasPrev := row.PreviousUnits.IsPositive()
	hasCurr := row.CurrentUnits.IsPositive()

	row.DeltaPrice = billing.Incomparable()
	row.PercentDelta = billing.Absent()
	if hasPrev && hasCurr {
		prev, _ := row.PreviousUnitPrice.Decimal()
		curr, _ := row.CurrentUnitPrice.Decimal()
		delta := curr.Sub(prev)
		row.DeltaPrice = billing.Value(delta)
		if prev.IsPositive() {
			row.PercentDelta = billing.Value(delta.Div(prev).Mul(hundred))
		}
	}

	row.IsMissing = row.IsMissing || (hasPrev && row.CurrentUnits.IsZero())
	row.IsNew = row.IsNew || (row.PreviousUnits.IsZero() && hasCurr)
	return row
}
