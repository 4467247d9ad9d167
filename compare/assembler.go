/*
Package compare builds year-over-year comparison views of invoice lines.

PURPOSE:
  For a report month M of year Y, every invoice line billed in M/Y-1
  (previous) is paired with the lines billed in M/Y (current) for the same
  key, and each outcome becomes a Row: matched, missing or new.

PIPELINE:
  1. Resolve the period (explicit year/month, else latest with data)
  2. Fetch lines for {Y-1, Y} x M, optionally scoped to a client/manager
  3. Group by (client, service); the client is fixed in the client view
  4. Pair per key: exactly one line per side pairs unconditionally,
     otherwise pairing.Pair on unit price within Tolerance
  5. Rows via ComputeMetrics, manager of the current side winning
  6. Linked-service missing rows (superadmin, "miss" filter, links set)
  7. Badge counts over all rows, then show/percent filters
  8. Sort

  The pipeline is a pure read + compute over one snapshot. Nothing is
  cached between calls.

SINGLE-LINE OVERRIDE:
  When a key has one previous and one current line they are treated as the
  same line regardless of tolerance. A large price change therefore shows
  as a delta, not as a missing + new pair.

SEE ALSO:
  - metrics.go: Derived figures
  - filter.go: Show classes, percent buckets, sort order
  - linked.go: Service-link inferred missing rows
  - periods.go: Multi-month comparison via pairing.PairPeriods
*/
package compare

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/invoice-recon/billing"
	"github.com/warp/invoice-recon/logger"
	"github.com/warp/invoice-recon/pairing"
)

// =============================================================================
// ASSEMBLER
// =============================================================================

type Assembler struct {
	Lines     billing.LineSource
	Directory billing.Directory
	Links     billing.ServiceLinkSource // nil disables linked-service rows

	Tolerance decimal.Decimal
	Now       func() time.Time

	log zerolog.Logger
}

func NewAssembler(lines billing.LineSource, dir billing.Directory, links billing.ServiceLinkSource) *Assembler {
	return &Assembler{
		Lines:     lines,
		Directory: dir,
		Links:     links,
		Tolerance: pairing.DefaultTolerance,
		Now:       time.Now,
		log:       logger.WithComponent("compare"),
	}
}

// Query describes a comparison view. Zero or out-of-range Year/Month fall
// back to the latest period with data.
type Query struct {
	Year  int
	Month int

	Show    Show
	Percent Percent

	// ManagerUserID restricts the view to lines resolved to one manager.
	ManagerUserID *billing.UserID

	// IncludeLinked enables service-link inferred missing rows; only
	// superadmins get it.
	IncludeLinked bool
}

// Report is a computed view: the visible rows plus counts over all rows.
type Report struct {
	Period   billing.YearMonth
	Previous billing.YearMonth
	ClientID *billing.ClientID
	Rows     []Row
	Counts   Counts
}

// Monthly compares every client's lines for the report month.
func (a *Assembler) Monthly(ctx context.Context, q Query) (*Report, error) {
	return a.build(ctx, nil, q)
}

// ForClient compares one client's lines; rows are keyed by service only.
func (a *Assembler) ForClient(ctx context.Context, clientID billing.ClientID, q Query) (*Report, error) {
	return a.build(ctx, &clientID, q)
}

func (a *Assembler) build(ctx context.Context, clientID *billing.ClientID, q Query) (*Report, error) {
	period, err := a.resolvePeriod(ctx, clientID, q)
	if err != nil {
		return nil, err
	}
	previous := period.PreviousYear()

	lines, err := a.Lines.FetchLines(ctx, billing.LineFilter{
		Years:         []int{previous.Year, period.Year},
		Month:         period.Month,
		ClientID:      clientID,
		ManagerUserID: q.ManagerUserID,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch lines for %s: %w", period, err)
	}

	groups := groupLines(lines, period)
	rows := make([]Row, 0, len(lines))
	for _, g := range groups {
		rows = append(rows, a.pairGroup(g)...)
	}

	if q.Show == ShowMiss && q.IncludeLinked && a.Links != nil {
		// Both fetched months are known even when empty.
		byMonth := map[billing.YearMonth][]billing.ReportLine{period: nil, previous: nil}
		for _, l := range lines {
			byMonth[l.Period()] = append(byMonth[l.Period()], l)
		}

		rows, err = a.injectLinked(ctx, period, clientID, q.ManagerUserID, rows, byMonth)
		if err != nil {
			return nil, err
		}
	}

	if err := a.resolveNames(ctx, rows); err != nil {
		return nil, err
	}

	report := &Report{
		Period:   period,
		Previous: previous,
		ClientID: clientID,
		Counts:   countRows(rows),
	}
	report.Rows = filterRows(rows, q.Show, q.Percent)
	sortRows(report.Rows, q.Show)

	a.log.Debug().
		Str("period", period.String()).
		Int("lines", len(lines)).
		Int("rows", len(rows)).
		Int("visible", len(report.Rows)).
		Str("show", string(q.Show)).
		Msg("comparison assembled")

	return report, nil
}

// resolvePeriod degrades gracefully: bad input means latest, no data means now.
func (a *Assembler) resolvePeriod(ctx context.Context, clientID *billing.ClientID, q Query) (billing.YearMonth, error) {
	requested := billing.NewYearMonth(q.Year, time.Month(q.Month))
	if requested.Valid() {
		return requested, nil
	}
	latest, ok, err := a.Lines.LatestPeriod(ctx, clientID)
	if err != nil {
		return billing.YearMonth{}, fmt.Errorf("latest period: %w", err)
	}
	if ok {
		return latest, nil
	}
	return billing.YearMonthOf(a.Now()), nil
}

// =============================================================================
// GROUPING AND PAIRING
// =============================================================================

type lineGroup struct {
	key      rowKey
	previous []billing.ReportLine
	current  []billing.ReportLine
}

// groupLines buckets lines by key in order of first appearance.
func groupLines(lines []billing.ReportLine, period billing.YearMonth) []*lineGroup {
	index := make(map[rowKey]*lineGroup)
	var order []*lineGroup
	for _, l := range lines {
		k := rowKey{clientID: l.ClientID, serviceID: l.ServiceID}
		g, ok := index[k]
		if !ok {
			g = &lineGroup{key: k}
			index[k] = g
			order = append(order, g)
		}
		if l.Year == period.Year {
			g.current = append(g.current, l)
		} else {
			g.previous = append(g.previous, l)
		}
	}
	return order
}

func (a *Assembler) pairGroup(g *lineGroup) []Row {
	if len(g.previous) == 1 && len(g.current) == 1 {
		return []Row{newRow(g.key, &g.previous[0], &g.current[0])}
	}

	return rowsFromResult(g.key, pairing.Pair(g.previous, g.current, pairing.MetricUnit, a.Tolerance))
}

func rowsFromResult(k rowKey, res pairing.Result[billing.ReportLine]) []Row {
	rows := make([]Row, 0, len(res.Matches)+len(res.UnmatchedPrevious)+len(res.UnmatchedCurrent))
	for _, m := range res.Matches {
		prev, curr := m.Previous, m.Current
		rows = append(rows, newRow(k, &prev, &curr))
	}
	for _, p := range res.UnmatchedPrevious {
		prev := p
		rows = append(rows, newRow(k, &prev, nil))
	}
	for _, c := range res.UnmatchedCurrent {
		curr := c
		rows = append(rows, newRow(k, nil, &curr))
	}
	return rows
}

// newRow builds a row from either or both sides. An absent side counts as
// zero units and zero total.
func newRow(k rowKey, prev, curr *billing.ReportLine) Row {
	r := Row{
		ClientID:      k.clientID,
		ServiceID:     k.serviceID,
		PreviousTotal: decimal.Zero,
		PreviousUnits: decimal.Zero,
		CurrentTotal:  decimal.Zero,
		CurrentUnits:  decimal.Zero,
	}
	if prev != nil {
		r.PreviousTotal = prev.Total
		r.PreviousUnits = prev.Units
		r.PreviousRef = FormatRef(prev.Series, prev.Albaran, prev.Numero)
		r.ManagerUserID, r.ManagerName = prev.ManagerUserID, prev.ManagerName
	}
	if curr != nil {
		r.CurrentTotal = curr.Total
		r.CurrentUnits = curr.Units
		r.CurrentRef = FormatRef(curr.Series, curr.Albaran, curr.Numero)
		if curr.ManagerUserID != nil || curr.ManagerName != "" {
			r.ManagerUserID, r.ManagerName = curr.ManagerUserID, curr.ManagerName
		}
	}
	return ComputeMetrics(r)
}

// =============================================================================
// DISPLAY NAMES
// =============================================================================

func (a *Assembler) resolveNames(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	clientIDs := make([]billing.ClientID, 0, len(rows))
	serviceIDs := make([]billing.ServiceID, 0, len(rows))
	seenC := make(map[billing.ClientID]bool)
	seenS := make(map[billing.ServiceID]bool)
	for _, r := range rows {
		if !seenC[r.ClientID] {
			seenC[r.ClientID] = true
			clientIDs = append(clientIDs, r.ClientID)
		}
		if !seenS[r.ServiceID] {
			seenS[r.ServiceID] = true
			serviceIDs = append(serviceIDs, r.ServiceID)
		}
	}

	clients, err := a.Directory.ClientNames(ctx, clientIDs)
	if err != nil {
		return fmt.Errorf("client names: %w", err)
	}
	services, err := a.Directory.ServiceNames(ctx, serviceIDs)
	if err != nil {
		return fmt.Errorf("service names: %w", err)
	}
	for i := range rows {
		rows[i].ClientName = clients[rows[i].ClientID]
		rows[i].ServiceName = services[rows[i].ServiceID]
	}
	return nil
}
