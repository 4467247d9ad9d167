package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	LineID    = int64
	UserID    = int64
	ClientID  = int64
	ServiceID = int64
)

// =============================================================================
// INVOICE LINE - The conceptual unit of billing
// =============================================================================

// InvoiceLine is one billed service for one client on one date.
// Financial fields are immutable after ingestion; only ManagerUserID and
// ManagerNormalized change (manual assignment or backfill).
type InvoiceLine struct {
	ID    LineID
	Date  time.Time
	Year  int
	Month time.Month

	Units decimal.Decimal
	Price decimal.Decimal // unit price as entered, may disagree with Total/Units
	Total decimal.Decimal // authoritative amount, >= 0

	Manager           string  // free text as entered
	ManagerNormalized *string // nil until ingestion or backfill fills it
	ManagerUserID     *UserID

	SourceFile string
	Series     string
	Albaran    string
	Numero     string

	ClientID  ClientID
	ServiceID ServiceID
}

// Period returns the calendar month the line was billed in.
func (l InvoiceLine) Period() YearMonth {
	return YearMonth{Year: l.Year, Month: l.Month}
}

// =============================================================================
// USERS
// =============================================================================

type Role string

const (
	RoleUser       Role = "USER"
	RoleAdmin      Role = "ADMIN"
	RoleSuperadmin Role = "SUPERADMIN"
)

// ParseRole maps a stored role string, defaulting to RoleUser.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleAdmin, RoleSuperadmin:
		return Role(s)
	default:
		return RoleUser
	}
}

// User is a system account a manager string can resolve to.
type User struct {
	ID             UserID
	Email          string
	Name           string
	NameNormalized string   // cached names.Normalize(Name); empty when not cached
	Role           Role
	ManagerAliases []string // ordered, already normalized, globally unique
}

// =============================================================================
// CLIENTS, SERVICES, LINKS
// =============================================================================

type Client struct {
	ID             ClientID
	Name           string
	NameNormalized string
}

type Service struct {
	ID             ServiceID
	Name           string
	NameNormalized string
}

// ServiceLink declares that LinkedServiceID is expected OffsetMonths after
// ServiceID is billed. Checked from either side.
type ServiceLink struct {
	ID              int64
	ServiceID       ServiceID
	LinkedServiceID ServiceID
	OffsetMonths    int
}

// =============================================================================
// REPOSITORY RECORDS
// =============================================================================

// ReportLine is the projection of an InvoiceLine the comparison views consume.
// ManagerName is the linked user's display name when present, else the raw
// manager string.
type ReportLine struct {
	ID            LineID
	ClientID      ClientID
	ServiceID     ServiceID
	Year          int
	Month         time.Month
	Units         decimal.Decimal
	Total         decimal.Decimal
	Series        string
	Albaran       string
	Numero        string
	ManagerUserID *UserID
	ManagerName   string
}

func (l ReportLine) Period() YearMonth {
	return YearMonth{Year: l.Year, Month: l.Month}
}

// PairingUnits and PairingTotal let report lines flow through the pairing engine.
func (l ReportLine) PairingUnits() decimal.Decimal { return l.Units }
func (l ReportLine) PairingTotal() decimal.Decimal { return l.Total }

// BackfillLine is a line whose manager identity needs repair.
type BackfillLine struct {
	ID                LineID
	Manager           string
	ManagerNormalized *string
	ManagerUserID     *UserID
}

// Job tracks a long-running backfill or import so callers can poll and resume.
type Job struct {
	ID            string
	Kind          string // "backfill" or "import"
	Status        JobStatus
	SourceFile    string
	TotalRows     int
	ProcessedRows int
	Result        int // lines assigned (backfill) or inserted (import)
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)
