/*
store.go - Repository interfaces consumed by the invoicing core

PURPOSE:
  Defines the boundary between the comparison/backfill algorithms and
  whatever storage holds invoice lines, users, clients and services.
  The core depends only on these interfaces, never on a concrete store.

KEY INTERFACES:
  LineSource:        Report lines for {years} x month, optionally scoped
  BackfillSource:    Lines whose manager identity needs repair
  ManagerUpdater:    Bulk writes of resolved manager identity
  Directory:         Client/service display names, batched by id
  ServiceLinkSource: Declared service links
  UserSource:        Users for manager candidate lists

  Catalog, LineWriter, UserStore, ServiceLinkStore and JobStore are the
  write side used by ingestion and the HTTP surface. Store bundles all of
  them for the concrete adapters.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - billing/store/memory.go: In-memory for testing

SEE ALSO:
  - compare/assembler.go: Consumes LineSource, Directory, ServiceLinkSource
  - backfill/engine.go: Consumes BackfillSource, ManagerUpdater
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// REPORT SIDE
// =============================================================================

// LineFilter selects report lines. Years and Month are mandatory; the
// optional ids narrow to one client and/or one resolved manager.
type LineFilter struct {
	Years         []int
	Month         time.Month
	ClientID      *ClientID
	ManagerUserID *UserID
}

type LineSource interface {
	// FetchLines returns matching lines ordered by id (ingestion order).
	FetchLines(ctx context.Context, filter LineFilter) ([]ReportLine, error)

	// LatestPeriod returns the most recent month with any line, optionally
	// for one client. ok is false when there are no lines.
	LatestPeriod(ctx context.Context, clientID *ClientID) (period YearMonth, ok bool, err error)
}

// Directory resolves display names. Unknown ids are simply absent from the map.
type Directory interface {
	ClientNames(ctx context.Context, ids []ClientID) (map[ClientID]string, error)
	ServiceNames(ctx context.Context, ids []ServiceID) (map[ServiceID]string, error)
}

type ServiceLinkSource interface {
	ListServiceLinks(ctx context.Context) ([]ServiceLink, error)
}

// =============================================================================
// BACKFILL SIDE
// =============================================================================

type BackfillSource interface {
	// LinesNeedingResolution returns every line where ManagerUserID is nil
	// or ManagerNormalized is nil, ordered by id.
	LinesNeedingResolution(ctx context.Context) ([]BackfillLine, error)
}

type ManagerUpdater interface {
	// AssignManager sets both ManagerUserID (nil clears it) and ManagerNormalized.
	AssignManager(ctx context.Context, ids []LineID, userID *UserID, normalized string) error

	// SetManagerNormalized only rewrites ManagerNormalized.
	SetManagerNormalized(ctx context.Context, ids []LineID, normalized string) error
}

type UserSource interface {
	ListUsers(ctx context.Context) ([]User, error)
}

// =============================================================================
// JOBS
// =============================================================================

// JobStore persists job progress so an operator can poll and resume.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
}

// =============================================================================
// WRITE SIDE - ingestion, administration
// =============================================================================

// Catalog upserts clients and services by normalized name. The first raw
// name seen for a normalized key is kept.
type Catalog interface {
	Directory
	UpsertClient(ctx context.Context, name, normalized string) (ClientID, error)
	UpsertService(ctx context.Context, name, normalized string) (ServiceID, error)
	ListClients(ctx context.Context) ([]Client, error)
	ListServices(ctx context.Context) ([]Service, error)
}

type LineWriter interface {
	// InsertLines stores lines in order and returns their assigned ids.
	InsertLines(ctx context.Context, lines []InvoiceLine) ([]LineID, error)
	// ReplaceSource atomically removes every line ingested from sourceFile
	// and inserts lines. It returns the removed count and the new ids.
	ReplaceSource(ctx context.Context, sourceFile string, lines []InvoiceLine) (int, []LineID, error)
	GetLine(ctx context.Context, id LineID) (*InvoiceLine, error)
}

type UserStore interface {
	UserSource
	GetUser(ctx context.Context, id UserID) (*User, error)
	// SaveUser inserts when ID is zero, otherwise updates. Aliases are
	// left untouched on update.
	SaveUser(ctx context.Context, u User) (User, error)
	SetManagerAliases(ctx context.Context, id UserID, aliases []string) error
}

type ServiceLinkStore interface {
	ServiceLinkSource
	CreateServiceLink(ctx context.Context, link ServiceLink) (ServiceLink, error)
	DeleteServiceLink(ctx context.Context, id int64) error
}

// Store is everything a concrete adapter provides.
type Store interface {
	LineSource
	BackfillSource
	ManagerUpdater
	Catalog
	LineWriter
	UserStore
	ServiceLinkStore
	JobStore
}
