package compare

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/invoice-recon/billing"
)

// injectLinked adds a missing row for every linked service that should have
// been billed in period because its base service was billed offset months
// earlier, unless the key already has a row. Links are checked from both
// sides. byMonth caches fetched months and is extended as needed.
func (a *Assembler) injectLinked(
	ctx context.Context,
	period billing.YearMonth,
	clientID *billing.ClientID,
	managerID *billing.UserID,
	rows []Row,
	byMonth map[billing.YearMonth][]billing.ReportLine,
) ([]Row, error) {
	links, err := a.Links.ListServiceLinks(ctx)
	if err != nil {
		return nil, fmt.Errorf("service links: %w", err)
	}
	if len(links) == 0 {
		return rows, nil
	}

	serviceIDs := make([]billing.ServiceID, 0, len(links)*2)
	for _, l := range links {
		serviceIDs = append(serviceIDs, l.ServiceID, l.LinkedServiceID)
	}
	serviceNames, err := a.Directory.ServiceNames(ctx, serviceIDs)
	if err != nil {
		return nil, fmt.Errorf("service names: %w", err)
	}

	present := make(map[rowKey]bool, len(rows))
	for _, r := range rows {
		present[r.key()] = true
	}

	type side struct {
		base, linked billing.ServiceID
		offset       int
	}
	var sides []side
	for _, l := range links {
		sides = append(sides,
			side{base: l.ServiceID, linked: l.LinkedServiceID, offset: l.OffsetMonths},
			side{base: l.LinkedServiceID, linked: l.ServiceID, offset: l.OffsetMonths},
		)
	}

	for _, s := range sides {
		trigger := period.AddMonths(-s.offset)
		triggerLines, ok := byMonth[trigger]
		if !ok {
			triggerLines, err = a.Lines.FetchLines(ctx, billing.LineFilter{
				Years:         []int{trigger.Year},
				Month:         trigger.Month,
				ClientID:      clientID,
				ManagerUserID: managerID,
			})
			if err != nil {
				return nil, fmt.Errorf("fetch lines for %s: %w", trigger, err)
			}
			byMonth[trigger] = triggerLines
		}

		reason := "↔ " + serviceNames[s.base] + " · " + OffsetLabel(s.offset)
		for _, l := range triggerLines {
			if l.ServiceID != s.base {
				continue
			}
			k := rowKey{clientID: l.ClientID, serviceID: s.linked}
			if present[k] {
				continue
			}
			present[k] = true
			rows = append(rows, linkedMissingRow(k, l, reason))
		}
	}
	return rows, nil
}

func linkedMissingRow(k rowKey, base billing.ReportLine, reason string) Row {
	return ComputeMetrics(Row{
		ClientID:      k.clientID,
		ServiceID:     k.serviceID,
		PreviousTotal: decimal.Zero,
		PreviousUnits: decimal.Zero,
		CurrentTotal:  decimal.Zero,
		CurrentUnits:  decimal.Zero,
		ManagerUserID: base.ManagerUserID,
		ManagerName:   base.ManagerName,
		IsMissing:     true,
		MissingReason: reason,
	})
}

// OffsetLabel renders a link offset in months: "mateix mes", "1 mes", "N mesos".
func OffsetLabel(months int) string {
	switch months {
	case 0:
		return "mateix mes"
	case 1:
		return "1 mes"
	default:
		return fmt.Sprintf("%d mesos", months)
	}
}
