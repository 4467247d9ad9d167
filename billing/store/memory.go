// Package store provides an in-memory billing.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/invoice-recon/billing"
	"github.com/warp/invoice-recon/names"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	lines    []billing.InvoiceLine // ascending id
	users    map[billing.UserID]billing.User
	clients  map[billing.ClientID]billing.Client
	services map[billing.ServiceID]billing.Service
	links    map[int64]billing.ServiceLink
	jobs     map[string]billing.Job

	nextLine    billing.LineID
	nextUser    billing.UserID
	nextClient  billing.ClientID
	nextService billing.ServiceID
	nextLink    int64
}

var _ billing.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[billing.UserID]billing.User),
		clients:  make(map[billing.ClientID]billing.Client),
		services: make(map[billing.ServiceID]billing.Service),
		links:    make(map[int64]billing.ServiceLink),
		jobs:     make(map[string]billing.Job),
	}
}

// Reset clears all data, ids included.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := NewMemory()
	m.lines = nil
	m.users, m.clients, m.services = fresh.users, fresh.clients, fresh.services
	m.links, m.jobs = fresh.links, fresh.jobs
	m.nextLine, m.nextUser, m.nextClient, m.nextService, m.nextLink = 0, 0, 0, 0, 0
	return nil
}

// =============================================================================
// LINES
// =============================================================================

func (m *Memory) FetchLines(_ context.Context, f billing.LineFilter) ([]billing.ReportLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	years := make(map[int]bool, len(f.Years))
	for _, y := range f.Years {
		years[y] = true
	}

	var out []billing.ReportLine
	for _, l := range m.lines {
		if !years[l.Year] || l.Month != f.Month {
			continue
		}
		if f.ClientID != nil && l.ClientID != *f.ClientID {
			continue
		}
		if f.ManagerUserID != nil && (l.ManagerUserID == nil || *l.ManagerUserID != *f.ManagerUserID) {
			continue
		}
		out = append(out, m.reportLineLocked(l))
	}
	return out, nil
}

// reportLineLocked resolves ManagerName: the linked user's name wins when set.
func (m *Memory) reportLineLocked(l billing.InvoiceLine) billing.ReportLine {
	name := l.Manager
	if l.ManagerUserID != nil {
		if u, ok := m.users[*l.ManagerUserID]; ok && u.Name != "" {
			name = u.Name
		}
	}
	return billing.ReportLine{
		ID:            l.ID,
		ClientID:      l.ClientID,
		ServiceID:     l.ServiceID,
		Year:          l.Year,
		Month:         l.Month,
		Units:         l.Units,
		Total:         l.Total,
		Series:        l.Series,
		Albaran:       l.Albaran,
		Numero:        l.Numero,
		ManagerUserID: copyID(l.ManagerUserID),
		ManagerName:   name,
	}
}

func (m *Memory) LatestPeriod(_ context.Context, clientID *billing.ClientID) (billing.YearMonth, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest billing.YearMonth
	found := false
	for _, l := range m.lines {
		if clientID != nil && l.ClientID != *clientID {
			continue
		}
		p := l.Period()
		if !found || latest.Before(p) {
			latest, found = p, true
		}
	}
	return latest, found, nil
}

func (m *Memory) LinesNeedingResolution(_ context.Context) ([]billing.BackfillLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []billing.BackfillLine
	for _, l := range m.lines {
		if l.ManagerUserID != nil && l.ManagerNormalized != nil {
			continue
		}
		out = append(out, billing.BackfillLine{
			ID:                l.ID,
			Manager:           l.Manager,
			ManagerNormalized: copyStr(l.ManagerNormalized),
			ManagerUserID:     copyID(l.ManagerUserID),
		})
	}
	return out, nil
}

func (m *Memory) AssignManager(_ context.Context, ids []billing.LineID, userID *billing.UserID, normalized string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(ids, func(l *billing.InvoiceLine) {
		l.ManagerUserID = copyID(userID)
		l.ManagerNormalized = &normalized
	})
}

func (m *Memory) SetManagerNormalized(_ context.Context, ids []billing.LineID, normalized string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(ids, func(l *billing.InvoiceLine) {
		l.ManagerNormalized = &normalized
	})
}

func (m *Memory) updateLocked(ids []billing.LineID, fn func(*billing.InvoiceLine)) error {
	want := make(map[billing.LineID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i := range m.lines {
		if want[m.lines[i].ID] {
			fn(&m.lines[i])
			delete(want, m.lines[i].ID)
		}
	}
	for id := range want {
		return fmt.Errorf("line %d: %w", id, billing.ErrLineNotFound)
	}
	return nil
}

func (m *Memory) InsertLines(_ context.Context, lines []billing.InvoiceLine) ([]billing.LineID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]billing.LineID, len(lines))
	for i, l := range lines {
		m.nextLine++
		l.ID = m.nextLine
		l.ManagerNormalized = copyStr(l.ManagerNormalized)
		l.ManagerUserID = copyID(l.ManagerUserID)
		m.lines = append(m.lines, l)
		ids[i] = l.ID
	}
	return ids, nil
}

// ReplaceSource swaps the lines of sourceFile for lines. Nothing changes
// when any new line has a negative total.
func (m *Memory) ReplaceSource(_ context.Context, sourceFile string, lines []billing.InvoiceLine) (int, []billing.LineID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, l := range lines {
		if l.Total.IsNegative() {
			return 0, nil, fmt.Errorf("line %d: %w", i, billing.ErrNegativeTotal)
		}
	}

	kept := m.lines[:0]
	removed := 0
	for _, l := range m.lines {
		if l.SourceFile == sourceFile {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	m.lines = kept

	ids := make([]billing.LineID, len(lines))
	for i, l := range lines {
		m.nextLine++
		l.ID = m.nextLine
		l.ManagerNormalized = copyStr(l.ManagerNormalized)
		l.ManagerUserID = copyID(l.ManagerUserID)
		m.lines = append(m.lines, l)
		ids[i] = l.ID
	}
	return removed, ids, nil
}

func (m *Memory) GetLine(_ context.Context, id billing.LineID) (*billing.InvoiceLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := sort.Search(len(m.lines), func(i int) bool { return m.lines[i].ID >= id })
	if i == len(m.lines) || m.lines[i].ID != id {
		return nil, fmt.Errorf("line %d: %w", id, billing.ErrLineNotFound)
	}
	l := m.lines[i]
	l.ManagerNormalized = copyStr(l.ManagerNormalized)
	l.ManagerUserID = copyID(l.ManagerUserID)
	return &l, nil
}

// =============================================================================
// CLIENTS AND SERVICES
// =============================================================================

func (m *Memory) UpsertClient(_ context.Context, name, normalized string) (billing.ClientID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.clients {
		if c.NameNormalized == normalized {
			return c.ID, nil
		}
	}
	m.nextClient++
	m.clients[m.nextClient] = billing.Client{ID: m.nextClient, Name: name, NameNormalized: normalized}
	return m.nextClient, nil
}

func (m *Memory) UpsertService(_ context.Context, name, normalized string) (billing.ServiceID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.services {
		if s.NameNormalized == normalized {
			return s.ID, nil
		}
	}
	m.nextService++
	m.services[m.nextService] = billing.Service{ID: m.nextService, Name: name, NameNormalized: normalized}
	return m.nextService, nil
}

func (m *Memory) ListClients(_ context.Context) ([]billing.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]billing.Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListServices(_ context.Context) ([]billing.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]billing.Service, 0, len(m.services))
	for _, s := range m.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ClientNames(_ context.Context, ids []billing.ClientID) (map[billing.ClientID]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[billing.ClientID]string, len(ids))
	for _, id := range ids {
		if c, ok := m.clients[id]; ok {
			out[id] = c.Name
		}
	}
	return out, nil
}

func (m *Memory) ServiceNames(_ context.Context, ids []billing.ServiceID) (map[billing.ServiceID]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[billing.ServiceID]string, len(ids))
	for _, id := range ids {
		if s, ok := m.services[id]; ok {
			out[id] = s.Name
		}
	}
	return out, nil
}

// =============================================================================
// SERVICE LINKS
// =============================================================================

func (m *Memory) ListServiceLinks(_ context.Context) ([]billing.ServiceLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]billing.ServiceLink, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateServiceLink(_ context.Context, link billing.ServiceLink) (billing.ServiceLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range []billing.ServiceID{link.ServiceID, link.LinkedServiceID} {
		if _, ok := m.services[id]; !ok {
			return billing.ServiceLink{}, fmt.Errorf("service %d: %w", id, billing.ErrServiceNotFound)
		}
	}
	m.nextLink++
	link.ID = m.nextLink
	m.links[link.ID] = link
	return link, nil
}

func (m *Memory) DeleteServiceLink(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.links[id]; !ok {
		return fmt.Errorf("link %d: %w", id, billing.ErrLinkNotFound)
	}
	delete(m.links, id)
	return nil
}

// =============================================================================
// USERS
// =============================================================================

func (m *Memory) ListUsers(_ context.Context) ([]billing.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]billing.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, copyUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetUser(_ context.Context, id billing.UserID) (*billing.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, billing.ErrUserNotFound)
	}
	u = copyUser(u)
	return &u, nil
}

func (m *Memory) SaveUser(_ context.Context, u billing.User) (billing.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.Role == "" {
		u.Role = billing.RoleUser
	}
	for _, other := range m.users {
		if other.ID != u.ID && other.Email == u.Email {
			return billing.User{}, fmt.Errorf("%s: %w", u.Email, billing.ErrEmailTaken)
		}
	}

	if u.ID == 0 {
		m.nextUser++
		u.ID = m.nextUser
		u = copyUser(u)
		m.users[u.ID] = u
		return u, nil
	}

	existing, ok := m.users[u.ID]
	if !ok {
		return billing.User{}, fmt.Errorf("user %d: %w", u.ID, billing.ErrUserNotFound)
	}
	u.ManagerAliases = existing.ManagerAliases
	m.users[u.ID] = u
	if u.ID > m.nextUser {
		m.nextUser = u.ID
	}
	return copyUser(u), nil
}

// SetManagerAliases rejects aliases another user answers to with
// *billing.AliasConflictError; the check runs under the write lock.
func (m *Memory) SetManagerAliases(_ context.Context, id billing.UserID, aliases []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return fmt.Errorf("user %d: %w", id, billing.ErrUserNotFound)
	}
	users := make([]billing.User, 0, len(m.users))
	for _, other := range m.users {
		users = append(users, other)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	if conflict := names.CheckAliasConflicts(id, aliases, users); conflict != nil {
		return conflict
	}
	u.ManagerAliases = append([]string(nil), aliases...)
	m.users[id] = u
	return nil
}

// =============================================================================
// JOBS
// =============================================================================

func (m *Memory) CreateJob(_ context.Context, job billing.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) UpdateJob(_ context.Context, job billing.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s: %w", job.ID, billing.ErrJobNotFound)
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*billing.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, billing.ErrJobNotFound)
	}
	return &job, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func copyID(id *billing.UserID) *billing.UserID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyUser(u billing.User) billing.User {
	u.ManagerAliases = append([]string(nil), u.ManagerAliases...)
	return u
}
