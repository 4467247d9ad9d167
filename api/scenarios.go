/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Provides pre-built datasets that exercise each comparison outcome.
	Every scenario resets the database first.

AVAILABLE SCENARIOS:
	price-change:     June 2024 vs June 2025, one client, neg/eq/pos/miss/new rows
	linked-services:  A service billed in March implies a follow-up in June
	manager-backfill: Lines with unresolved managers, users with aliases

USAGE VIA API:
	POST /api/scenarios/load
	{"scenario_id": "price-change"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, s *seeder)
 3. Register it in 'loaders'

NOTE:
	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/invoice-recon/billing"
	"github.com/warp/invoice-recon/names"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "price-change",
		Name:        "Price Change",
		Description: "June 2024 vs June 2025: price drop, unchanged, 20% rise, missing and new services",
	},
	{
		ID:          "linked-services",
		Name:        "Linked Services",
		Description: "Initial certificate billed in March expects a quarterly review three months later",
	},
	{
		ID:          "manager-backfill",
		Name:        "Manager Backfill",
		Description: "Manager names spelled several ways, resolvable through user names and aliases",
	},
}

var loaders = map[string]func(ctx context.Context, s *seeder) error{
	"price-change":     loadPriceChangeScenario,
	"linked-services":  loadLinkedServicesScenario,
	"manager-backfill": loadManagerBackfillScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, true); !ok {
		return
	}
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		if _, known := loaders[req.ScenarioID]; !known {
			writeError(w, http.StatusBadRequest, "Unknown scenario", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scenario": req.ScenarioID})
}

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	load, ok := loaders[id]
	if !ok {
		return fmt.Errorf("scenario %q does not exist", id)
	}
	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	s := &seeder{store: h.Store, source: "scenario-" + id + ".xlsx"}
	if err := load(ctx, s); err != nil {
		return err
	}
	if err := s.flush(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.log.Info().Str("scenario", id).Int("lines", s.inserted).Msg("scenario loaded")
	return nil
}

// =============================================================================
// LOADERS
// =============================================================================

func loadPriceChangeScenario(ctx context.Context, s *seeder) error {
	acme := s.client(ctx, "Acme Logística, S.L.")
	hosting := s.service(ctx, "Allotjament web")
	backup := s.service(ctx, "Còpia de seguretat")
	domain := s.service(ctx, "Domini .cat")
	support := s.service(ctx, "Suport presencial")
	cloud := s.service(ctx, "Servidor cloud")

	// hosting: 10.00 -> 8.00 per unit
	s.line(acme, hosting, "2024-06-05", "10", "100", "Toni Navarrete", "F24-101")
	s.line(acme, hosting, "2025-06-05", "10", "80", "Toni Navarrete", "F25-101")
	// backup: 10.00 -> 12.00 per unit
	s.line(acme, backup, "2024-06-05", "5", "50", "Toni Navarrete", "F24-102")
	s.line(acme, backup, "2025-06-05", "5", "60", "Toni Navarrete", "F25-102")
	// domain: unchanged
	s.line(acme, domain, "2024-06-05", "1", "12", "Toni Navarrete", "F24-103")
	s.line(acme, domain, "2025-06-05", "1", "12", "Toni Navarrete", "F25-103")
	// support: missing this year
	s.line(acme, support, "2024-06-20", "10", "90", "Toni Navarrete", "F24-110")
	// cloud: new this year
	s.line(acme, cloud, "2025-06-20", "1", "45", "Toni Navarrete", "F25-110")
	return s.err
}

func loadLinkedServicesScenario(ctx context.Context, s *seeder) error {
	s.user(ctx, "admin@example.com", "Administració", billing.RoleSuperadmin)
	bakery := s.client(ctx, "Forn Can Pau")
	initial := s.service(ctx, "Certificat inicial")
	review := s.service(ctx, "Revisió trimestral")
	s.link(ctx, initial, review, 3)

	s.line(bakery, initial, "2025-03-10", "1", "150", "Marta Puig", "F25-030")
	return s.err
}

func loadManagerBackfillScenario(ctx context.Context, s *seeder) error {
	s.user(ctx, "antoni@example.com", "Antoni Navarrete", billing.RoleAdmin, "Toni Navarrete", "T. Navarrete")
	s.user(ctx, "marta@example.com", "Marta Puig", billing.RoleUser)
	acme := s.client(ctx, "Acme Logística, S.L.")
	hosting := s.service(ctx, "Allotjament web")

	for i, m := range []string{"Toni Navarrete", "TONI  NAVARRETE", "T. Navarrete", "Marta Puig", "marta puig", "Desconegut"} {
		date := fmt.Sprintf("2025-06-%02d", i+1)
		s.line(acme, hosting, date, "1", "10", m, fmt.Sprintf("F25-2%02d", i))
	}
	return s.err
}

// =============================================================================
// SEEDER
// =============================================================================

// seeder accumulates lines and keeps the first error; later calls are no-ops.
// Lines are inserted unresolved so the backfill has work to do.
type seeder struct {
	store    Store
	source   string
	pending  []billing.InvoiceLine
	inserted int
	err      error
}

func (s *seeder) client(ctx context.Context, name string) billing.ClientID {
	if s.err != nil {
		return 0
	}
	id, err := s.store.UpsertClient(ctx, name, names.Normalize(name))
	s.err = err
	return id
}

func (s *seeder) service(ctx context.Context, name string) billing.ServiceID {
	if s.err != nil {
		return 0
	}
	id, err := s.store.UpsertService(ctx, name, names.Normalize(name))
	s.err = err
	return id
}

func (s *seeder) user(ctx context.Context, email, name string, role billing.Role, aliases ...string) billing.UserID {
	if s.err != nil {
		return 0
	}
	u, err := s.store.SaveUser(ctx, billing.User{
		Email:          email,
		Name:           name,
		NameNormalized: names.Normalize(name),
		Role:           role,
	})
	if err != nil {
		s.err = err
		return 0
	}
	if len(aliases) > 0 {
		s.err = s.store.SetManagerAliases(ctx, u.ID, names.NormalizeAliases(aliases))
	}
	return u.ID
}

func (s *seeder) link(ctx context.Context, base, linked billing.ServiceID, offset int) {
	if s.err != nil {
		return
	}
	_, s.err = s.store.CreateServiceLink(ctx, billing.ServiceLink{
		ServiceID:       base,
		LinkedServiceID: linked,
		OffsetMonths:    offset,
	})
}

func (s *seeder) line(client billing.ClientID, service billing.ServiceID, date, units, total, manager, numero string) {
	if s.err != nil {
		return
	}
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		s.err = err
		return
	}
	u := decimal.RequireFromString(units)
	t := decimal.RequireFromString(total)
	s.pending = append(s.pending, billing.InvoiceLine{
		Date:       d,
		Year:       d.Year(),
		Month:      d.Month(),
		Units:      u,
		Price:      t.Div(u),
		Total:      t,
		Manager:    manager,
		SourceFile: s.source,
		Numero:     numero,
		ClientID:   client,
		ServiceID:  service,
	})
}

func (s *seeder) flush(ctx context.Context) error {
	if s.err != nil {
		return s.err
	}
	ids, err := s.store.InsertLines(ctx, s.pending)
	if err != nil {
		return fmt.Errorf("insert scenario lines: %w", err)
	}
	s.inserted = len(ids)
	s.pending = nil
	return nil
}
