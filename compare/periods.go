package compare

import (
	"context"
	"fmt"

	"github.com/warp/invoice-recon/billing"
	"github.com/warp/invoice-recon/pairing"
)

// PeriodQuery compares two aligned month lists: A is the previous range,
// B the current one, position i of A against position i of B.
type PeriodQuery struct {
	A []billing.YearMonth
	B []billing.YearMonth

	ClientID      *billing.ClientID
	ManagerUserID *billing.UserID

	Show    Show
	Percent Percent
}

type PeriodReport struct {
	A      []billing.YearMonth
	B      []billing.YearMonth
	Rows   []Row
	Counts Counts
}

// ComparePeriods is the multi-month counterpart of Monthly. Lines are paired
// month by month first and across months only for leftovers.
func (a *Assembler) ComparePeriods(ctx context.Context, q PeriodQuery) (*PeriodReport, error) {
	if len(q.A) == 0 || len(q.B) == 0 {
		return nil, fmt.Errorf("%w: both month lists are required", billing.ErrInvalidPeriod)
	}
	inA := make(map[billing.YearMonth]bool, len(q.A))
	for _, ym := range q.A {
		inA[ym] = true
	}
	for _, ym := range q.B {
		if inA[ym] {
			return nil, fmt.Errorf("%w: %s is in both month lists", billing.ErrInvalidPeriod, ym)
		}
	}

	previous, err := a.fetchMonths(ctx, q.A, q.ClientID, q.ManagerUserID)
	if err != nil {
		return nil, err
	}
	current, err := a.fetchMonths(ctx, q.B, q.ClientID, q.ManagerUserID)
	if err != nil {
		return nil, err
	}

	type sides struct {
		previous []billing.ReportLine
		current  []billing.ReportLine
	}
	index := make(map[rowKey]*sides)
	var order []rowKey
	add := func(l billing.ReportLine, isCurrent bool) {
		k := rowKey{clientID: l.ClientID, serviceID: l.ServiceID}
		s, ok := index[k]
		if !ok {
			s = &sides{}
			index[k] = s
			order = append(order, k)
		}
		if isCurrent {
			s.current = append(s.current, l)
		} else {
			s.previous = append(s.previous, l)
		}
	}
	for _, l := range previous {
		add(l, false)
	}
	for _, l := range current {
		add(l, true)
	}

	var rows []Row
	for _, k := range order {
		s := index[k]
		res := pairing.PairPeriods(s.previous, s.current, q.A, q.B, pairing.MetricUnit, a.Tolerance)
		rows = append(rows, rowsFromResult(k, res)...)
	}

	if err := a.resolveNames(ctx, rows); err != nil {
		return nil, err
	}

	report := &PeriodReport{A: q.A, B: q.B, Counts: countRows(rows)}
	report.Rows = filterRows(rows, q.Show, q.Percent)
	sortRows(report.Rows, q.Show)
	return report, nil
}

// fetchMonths loads each distinct month once, preserving list order.
func (a *Assembler) fetchMonths(ctx context.Context, months []billing.YearMonth, clientID *billing.ClientID, managerID *billing.UserID) ([]billing.ReportLine, error) {
	seen := make(map[billing.YearMonth]bool, len(months))
	var out []billing.ReportLine
	for _, ym := range months {
		if !ym.Valid() {
			return nil, fmt.Errorf("%w: %s", billing.ErrInvalidPeriod, ym)
		}
		if seen[ym] {
			continue
		}
		seen[ym] = true
		lines, err := a.Lines.FetchLines(ctx, billing.LineFilter{
			Years:         []int{ym.Year},
			Month:         ym.Month,
			ClientID:      clientID,
			ManagerUserID: managerID,
		})
		if err != nil {
			return nil, fmt.Errorf("fetch lines for %s: %w", ym, err)
		}
		out = append(out, lines...)
	}
	return out, nil
}
