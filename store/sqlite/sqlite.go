/*
Package sqlite provides a SQLite-backed implementation of billing.Store.

PURPOSE:
  Persists invoice lines, users (with manager aliases), clients, services,
  service links and background jobs. Every repository interface the
  comparison and backfill engines consume is implemented here.

KEY TABLES:
  invoice_lines:  One billed service per row. Financial columns are written
                  once at ingestion; only manager_user_id and
                  manager_normalized are updated afterwards.
  users:          Accounts a manager string can resolve to. manager_aliases
                  is a JSON array of normalized strings.
  clients:        Unique by name_normalized (upsert key at ingestion)
  services:       Unique by name_normalized
  service_links:  (service_id, linked_service_id, offset_months)
  jobs:           Backfill/import progress for polling and resumption

DECIMALS:
  units, price and total are stored as TEXT through decimal.Decimal's
  Valuer/Scanner so comparisons never see float rounding.

INDEXES:
  - idx_lines_period: FetchLines hot path (year, month)
  - idx_lines_pending: Partial index for LinesNeedingResolution
  - idx_lines_source: Source-file-scoped reset

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. ":memory:" databases are pinned to
  one connection because each connection would otherwise get its own
  empty database.

USAGE:
  store, err := sqlite.New("./invoices.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  asm := compare.NewAssembler(store, store, store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/invoice-recon/billing"
	"github.com/warp/invoice-recon/names"
)

// Store implements billing.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ billing.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		name_normalized TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'USER',
		manager_aliases TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS clients (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		name_normalized TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS services (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		name_normalized TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS service_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		service_id INTEGER NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		linked_service_id INTEGER NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		offset_months INTEGER NOT NULL DEFAULT 0
	);

	-- Invoice lines (financial columns immutable after ingestion)
	CREATE TABLE IF NOT EXISTS invoice_lines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		units TEXT NOT NULL,
		price TEXT NOT NULL,
		total TEXT NOT NULL CHECK (CAST(total AS REAL) >= 0),
		manager TEXT NOT NULL DEFAULT '',
		manager_normalized TEXT,
		manager_user_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
		source_file TEXT NOT NULL DEFAULT '',
		series TEXT NOT NULL DEFAULT '',
		albaran TEXT NOT NULL DEFAULT '',
		numero TEXT NOT NULL DEFAULT '',
		client_id INTEGER NOT NULL REFERENCES clients(id),
		service_id INTEGER NOT NULL REFERENCES services(id)
	);

	CREATE INDEX IF NOT EXISTS idx_lines_period
		ON invoice_lines(year, month);
	CREATE INDEX IF NOT EXISTS idx_lines_client_period
		ON invoice_lines(client_id, year, month);
	CREATE INDEX IF NOT EXISTS idx_lines_manager
		ON invoice_lines(manager_user_id);
	CREATE INDEX IF NOT EXISTS idx_lines_source
		ON invoice_lines(source_file);
	CREATE INDEX IF NOT EXISTS idx_lines_pending
		ON invoice_lines(id) WHERE manager_user_id IS NULL OR manager_normalized IS NULL;

	-- Jobs (backfill / import)
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		source_file TEXT NOT NULL DEFAULT '',
		total_rows INTEGER NOT NULL DEFAULT 0,
		processed_rows INTEGER NOT NULL DEFAULT 0,
		result INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status
		ON jobs(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LINE SOURCE (billing.LineSource)
// =============================================================================

// FetchLines returns report lines ordered by id. ManagerName is the linked
// user's name when non-empty, else the raw manager string.
func (s *Store) FetchLines(ctx context.Context, f billing.LineFilter) ([]billing.ReportLine, error) {
	if len(f.Years) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT l.id, l.client_id, l.service_id, l.year, l.month, l.units, l.total,
		       l.series, l.albaran, l.numero, l.manager_user_id,
		       COALESCE(NULLIF(u.name, ''), l.manager)
		FROM invoice_lines l
		LEFT JOIN users u ON u.id = l.manager_user_id
		WHERE l.month = ? AND l.year IN (` + placeholders(len(f.Years)) + `)`

	args := []any{int(f.Month)}
	for _, y := range f.Years {
		args = append(args, y)
	}
	if f.ClientID != nil {
		query += " AND l.client_id = ?"
		args = append(args, *f.ClientID)
	}
	if f.ManagerUserID != nil {
		query += " AND l.manager_user_id = ?"
		args = append(args, *f.ManagerUserID)
	}
	query += " ORDER BY l.id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lines: %w", err)
	}
	defer rows.Close()

	var lines []billing.ReportLine
	for rows.Next() {
		var (
			l       billing.ReportLine
			month   int
			manager sql.NullInt64
		)
		if err := rows.Scan(
			&l.ID, &l.ClientID, &l.ServiceID, &l.Year, &month, &l.Units, &l.Total,
			&l.Series, &l.Albaran, &l.Numero, &manager, &l.ManagerName,
		); err != nil {
			return nil, fmt.Errorf("failed to scan line: %w", err)
		}
		l.Month = time.Month(month)
		l.ManagerUserID = nullID(manager)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (s *Store) LatestPeriod(ctx context.Context, clientID *billing.ClientID) (billing.YearMonth, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT year, month FROM invoice_lines"
	var args []any
	if clientID != nil {
		query += " WHERE client_id = ?"
		args = append(args, *clientID)
	}
	query += " ORDER BY year DESC, month DESC LIMIT 1"

	var year, month int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&year, &month)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.YearMonth{}, false, nil
	}
	if err != nil {
		return billing.YearMonth{}, false, fmt.Errorf("failed to query latest period: %w", err)
	}
	return billing.NewYearMonth(year, time.Month(month)), true, nil
}

// =============================================================================
// BACKFILL (billing.BackfillSource, billing.ManagerUpdater)
// =============================================================================

func (s *Store) LinesNeedingResolution(ctx context.Context) ([]billing.BackfillLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, manager, manager_normalized, manager_user_id
		FROM invoice_lines
		WHERE manager_user_id IS NULL OR manager_normalized IS NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending lines: %w", err)
	}
	defer rows.Close()

	var lines []billing.BackfillLine
	for rows.Next() {
		var (
			l          billing.BackfillLine
			normalized sql.NullString
			userID     sql.NullInt64
		)
		if err := rows.Scan(&l.ID, &l.Manager, &normalized, &userID); err != nil {
			return nil, fmt.Errorf("failed to scan pending line: %w", err)
		}
		if normalized.Valid {
			v := normalized.String
			l.ManagerNormalized = &v
		}
		l.ManagerUserID = nullID(userID)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// AssignManager writes user and normalization for ids in one transaction.
func (s *Store) AssignManager(ctx context.Context, ids []billing.LineID, userID *billing.UserID, normalized string) error {
	var user any
	if userID != nil {
		user = *userID
	}
	return s.updateLines(ctx, ids,
		"UPDATE invoice_lines SET manager_user_id = ?, manager_normalized = ? WHERE id IN ",
		user, normalized)
}

func (s *Store) SetManagerNormalized(ctx context.Context, ids []billing.LineID, normalized string) error {
	return s.updateLines(ctx, ids,
		"UPDATE invoice_lines SET manager_normalized = ? WHERE id IN ",
		normalized)
}

// maxIDsPerStatement stays under SQLite's bound-variable limit.
const maxIDsPerStatement = 500

func (s *Store) updateLines(ctx context.Context, ids []billing.LineID, prefix string, args ...any) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var updated int64
	for start := 0; start < len(ids); start += maxIDsPerStatement {
		chunk := ids[start:min(start+maxIDsPerStatement, len(ids))]
		all := append(append([]any{}, args...), idArgs(chunk)...)
		res, err := tx.ExecContext(ctx, prefix+"("+placeholders(len(chunk))+")", all...)
		if err != nil {
			return fmt.Errorf("failed to update lines: %w", err)
		}
		n, _ := res.RowsAffected()
		updated += n
	}
	if updated != int64(len(ids)) {
		return fmt.Errorf("updated %d of %d lines: %w", updated, len(ids), billing.ErrLineNotFound)
	}

	return tx.Commit()
}

// =============================================================================
// LINE WRITER (billing.LineWriter)
// =============================================================================

// InsertLines inserts all lines atomically and returns their ids in order.
func (s *Store) InsertLines(ctx context.Context, lines []billing.InvoiceLine) ([]billing.LineID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ids, err := insertLines(ctx, tx, lines)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReplaceSource deletes the lines of sourceFile and inserts lines in one
// transaction. On error the previous lines are left in place.
func (s *Store) ReplaceSource(ctx context.Context, sourceFile string, lines []billing.InvoiceLine) (int, []billing.LineID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM invoice_lines WHERE source_file = ?", sourceFile)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to delete lines for %q: %w", sourceFile, err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, nil, err
	}

	ids, err := insertLines(ctx, tx, lines)
	if err != nil {
		return 0, nil, err
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, err
	}
	return int(removed), ids, nil
}

func insertLines(ctx context.Context, tx *sql.Tx, lines []billing.InvoiceLine) ([]billing.LineID, error) {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO invoice_lines
		(date, year, month, units, price, total, manager, manager_normalized, manager_user_id,
		 source_file, series, albaran, numero, client_id, service_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	ids := make([]billing.LineID, len(lines))
	for i, l := range lines {
		if l.Total.IsNegative() {
			return nil, fmt.Errorf("line %d: %w", i, billing.ErrNegativeTotal)
		}
		var userID any
		if l.ManagerUserID != nil {
			userID = *l.ManagerUserID
		}
		var normalized any
		if l.ManagerNormalized != nil {
			normalized = *l.ManagerNormalized
		}
		res, err := stmt.ExecContext(ctx,
			l.Date.UTC().Format(time.RFC3339), l.Year, int(l.Month),
			l.Units, l.Price, l.Total,
			l.Manager, normalized, userID,
			l.SourceFile, l.Series, l.Albaran, l.Numero,
			l.ClientID, l.ServiceID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert line %d: %w", i, err)
		}
		if ids[i], err = res.LastInsertId(); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (s *Store) GetLine(ctx context.Context, id billing.LineID) (*billing.InvoiceLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		l          billing.InvoiceLine
		date       string
		month      int
		normalized sql.NullString
		userID     sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, date, year, month, units, price, total, manager, manager_normalized,
		       manager_user_id, source_file, series, albaran, numero, client_id, service_id
		FROM invoice_lines WHERE id = ?
	`, id).Scan(
		&l.ID, &date, &l.Year, &month, &l.Units, &l.Price, &l.Total, &l.Manager, &normalized,
		&userID, &l.SourceFile, &l.Series, &l.Albaran, &l.Numero, &l.ClientID, &l.ServiceID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("line %d: %w", id, billing.ErrLineNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get line %d: %w", id, err)
	}

	l.Date, _ = time.Parse(time.RFC3339, date)
	l.Month = time.Month(month)
	if normalized.Valid {
		v := normalized.String
		l.ManagerNormalized = &v
	}
	l.ManagerUserID = nullID(userID)
	return &l, nil
}

// =============================================================================
// CATALOG (billing.Catalog)
// =============================================================================

func (s *Store) UpsertClient(ctx context.Context, name, normalized string) (billing.ClientID, error) {
	return s.upsertNamed(ctx, "clients", name, normalized)
}

func (s *Store) UpsertService(ctx context.Context, name, normalized string) (billing.ServiceID, error) {
	return s.upsertNamed(ctx, "services", name, normalized)
}

// upsertNamed keeps the first raw name stored for a normalized key.
func (s *Store) upsertNamed(ctx context.Context, table, name, normalized string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO "+table+" (name, name_normalized) VALUES (?, ?) ON CONFLICT(name_normalized) DO NOTHING",
		name, normalized,
	); err != nil {
		return 0, fmt.Errorf("failed to upsert %s %q: %w", table, name, err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT id FROM "+table+" WHERE name_normalized = ?", normalized,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read %s id: %w", table, err)
	}
	return id, nil
}

func (s *Store) ListClients(ctx context.Context) ([]billing.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, name_normalized FROM clients ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []billing.Client
	for rows.Next() {
		var c billing.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.NameNormalized); err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (s *Store) ListServices(ctx context.Context) ([]billing.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, name_normalized FROM services ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []billing.Service
	for rows.Next() {
		var sv billing.Service
		if err := rows.Scan(&sv.ID, &sv.Name, &sv.NameNormalized); err != nil {
			return nil, err
		}
		services = append(services, sv)
	}
	return services, rows.Err()
}

func (s *Store) ClientNames(ctx context.Context, ids []billing.ClientID) (map[billing.ClientID]string, error) {
	return s.namesByID(ctx, "clients", ids)
}

func (s *Store) ServiceNames(ctx context.Context, ids []billing.ServiceID) (map[billing.ServiceID]string, error) {
	return s.namesByID(ctx, "services", ids)
}

func (s *Store) namesByID(ctx context.Context, table string, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for start := 0; start < len(ids); start += maxIDsPerStatement {
		chunk := ids[start:min(start+maxIDsPerStatement, len(ids))]
		rows, err := s.db.QueryContext(ctx,
			"SELECT id, name FROM "+table+" WHERE id IN ("+placeholders(len(chunk))+")",
			idArgs(chunk)...,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s names: %w", table, err)
		}
		for rows.Next() {
			var (
				id   int64
				name string
			)
			if err := rows.Scan(&id, &name); err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = name
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// =============================================================================
// SERVICE LINKS (billing.ServiceLinkStore)
// =============================================================================

func (s *Store) ListServiceLinks(ctx context.Context) ([]billing.ServiceLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, service_id, linked_service_id, offset_months FROM service_links ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query service links: %w", err)
	}
	defer rows.Close()

	var links []billing.ServiceLink
	for rows.Next() {
		var l billing.ServiceLink
		if err := rows.Scan(&l.ID, &l.ServiceID, &l.LinkedServiceID, &l.OffsetMonths); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func (s *Store) CreateServiceLink(ctx context.Context, link billing.ServiceLink) (billing.ServiceLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO service_links (service_id, linked_service_id, offset_months) VALUES (?, ?, ?)",
		link.ServiceID, link.LinkedServiceID, link.OffsetMonths,
	)
	if err != nil {
		if isForeignKeyError(err) {
			return billing.ServiceLink{}, fmt.Errorf("link %d -> %d: %w", link.ServiceID, link.LinkedServiceID, billing.ErrServiceNotFound)
		}
		return billing.ServiceLink{}, fmt.Errorf("failed to create service link: %w", err)
	}
	link.ID, err = res.LastInsertId()
	return link, err
}

func (s *Store) DeleteServiceLink(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM service_links WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete service link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("link %d: %w", id, billing.ErrLinkNotFound)
	}
	return nil
}

// =============================================================================
// USERS (billing.UserStore)
// =============================================================================

const userColumns = "id, email, name, name_normalized, role, manager_aliases"

func (s *Store) ListUsers(ctx context.Context) ([]billing.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listUsers(ctx)
}

// listUsers expects s.mu to be held.
func (s *Store) listUsers(ctx context.Context) ([]billing.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []billing.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) GetUser(ctx context.Context, id billing.UserID) (*billing.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, billing.ErrUserNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SaveUser inserts when u.ID is zero, otherwise updates everything but aliases.
func (s *Store) SaveUser(ctx context.Context, u billing.User) (billing.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.Role == "" {
		u.Role = billing.RoleUser
	}

	if u.ID == 0 {
		aliases, err := json.Marshal(nonNil(u.ManagerAliases))
		if err != nil {
			return billing.User{}, err
		}
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO users (email, name, name_normalized, role, manager_aliases, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, u.Email, u.Name, u.NameNormalized, string(u.Role), string(aliases), time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			if isUniqueConstraintError(err) {
				return billing.User{}, fmt.Errorf("%s: %w", u.Email, billing.ErrEmailTaken)
			}
			return billing.User{}, fmt.Errorf("failed to insert user: %w", err)
		}
		u.ID, err = res.LastInsertId()
		return u, err
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET email = ?, name = ?, name_normalized = ?, role = ? WHERE id = ?",
		u.Email, u.Name, u.NameNormalized, string(u.Role), u.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.User{}, fmt.Errorf("%s: %w", u.Email, billing.ErrEmailTaken)
		}
		return billing.User{}, fmt.Errorf("failed to update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.User{}, fmt.Errorf("user %d: %w", u.ID, billing.ErrUserNotFound)
	}

	var raw string
	if err := s.db.QueryRowContext(ctx, "SELECT manager_aliases FROM users WHERE id = ?", u.ID).Scan(&raw); err != nil {
		return billing.User{}, err
	}
	if u.ManagerAliases, err = decodeAliases(raw); err != nil {
		return billing.User{}, err
	}
	return u, nil
}

// SetManagerAliases stores aliases unless another user already answers to
// one of them, in which case it returns *billing.AliasConflictError. The
// check and the write happen under the same lock.
func (s *Store) SetManagerAliases(ctx context.Context, id billing.UserID, aliases []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.listUsers(ctx)
	if err != nil {
		return err
	}
	if conflict := names.CheckAliasConflicts(id, aliases, users); conflict != nil {
		return conflict
	}

	raw, err := json.Marshal(nonNil(aliases))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "UPDATE users SET manager_aliases = ? WHERE id = ?", string(raw), id)
	if err != nil {
		return fmt.Errorf("failed to set aliases: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d: %w", id, billing.ErrUserNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (billing.User, error) {
	var (
		u       billing.User
		role    string
		aliases string
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.NameNormalized, &role, &aliases)
	if err != nil {
		return u, err
	}
	u.Role = billing.ParseRole(role)
	if u.ManagerAliases, err = decodeAliases(aliases); err != nil {
		return u, fmt.Errorf("user %d: %w", u.ID, err)
	}
	return u, nil
}

func decodeAliases(raw string) ([]string, error) {
	var aliases []string
	if raw == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(raw), &aliases); err != nil {
		return nil, fmt.Errorf("failed to decode manager aliases: %w", err)
	}
	return aliases, nil
}

// =============================================================================
// JOBS (billing.JobStore)
// =============================================================================

func (s *Store) CreateJob(ctx context.Context, job billing.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, status, source_file, total_rows, processed_rows, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Kind, string(job.Status), job.SourceFile, job.TotalRows, job.ProcessedRows,
		job.Result, job.Error, formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *Store) UpdateJob(ctx context.Context, job billing.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, total_rows = ?, processed_rows = ?, result = ?, error = ?, updated_at = ?
		WHERE id = ?
	`, string(job.Status), job.TotalRows, job.ProcessedRows, job.Result, job.Error, formatTime(job.UpdatedAt), job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, billing.ErrJobNotFound)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*billing.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		job                  billing.Job
		status               string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, status, source_file, total_rows, processed_rows, result, error, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id).Scan(&job.ID, &job.Kind, &status, &job.SourceFile, &job.TotalRows, &job.ProcessedRows,
		&job.Result, &job.Error, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, billing.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	job.Status = billing.JobStatus(status)
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &job, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"invoice_lines", "service_links", "services", "clients", "users", "jobs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func idArgs(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func nullID(v sql.NullInt64) *billing.UserID {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
