package compare

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/invoice-recon/billing"
)

// Row is one pairing outcome: a matched (previous, current) pair, an
// unmatched previous line (missing) or an unmatched current line (new).
// Rows are computed per request and never persisted.
type Row struct {
	ClientID    billing.ClientID
	ClientName  string
	ServiceID   billing.ServiceID
	ServiceName string

	PreviousTotal decimal.Decimal
	PreviousUnits decimal.Decimal
	PreviousRef   string
	CurrentTotal  decimal.Decimal
	CurrentUnits  decimal.Decimal
	CurrentRef    string

	ManagerUserID *billing.UserID
	ManagerName   string

	PreviousUnitPrice billing.Figure
	CurrentUnitPrice  billing.Figure
	DeltaPrice        billing.Figure
	PercentDelta      billing.Figure

	IsMissing bool
	IsNew     bool

	// MissingReason is set only on rows inferred from a service link.
	MissingReason string
}

type rowKey struct {
	clientID  billing.ClientID
	serviceID billing.ServiceID
}

func (r Row) key() rowKey {
	return rowKey{clientID: r.ClientID, serviceID: r.ServiceID}
}

// FormatRef combines invoice reference fragments for display. It prefers
// "series-numero" when both exist and differ, else the first non-empty of
// series, albaran, numero. Empty means no reference.
func FormatRef(series, albaran, numero string) string {
	series = strings.TrimSpace(series)
	albaran = strings.TrimSpace(albaran)
	numero = strings.TrimSpace(numero)

	if series != "" && numero != "" && series != numero {
		return series + "-" + numero
	}
	for _, v := range []string{series, albaran, numero} {
		if v != "" {
			return v
		}
	}
	return ""
}
