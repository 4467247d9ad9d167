/*
handlers.go - HTTP API handlers for invoice reconciliation

PURPOSE:
  Exposes the comparison views, manager identity administration,
  backfill and import jobs via REST. Handlers parse the request, call
  into compare/backfill/importer, and serialize the result.

ENDPOINTS:
  Comparisons:
    GET    /api/comparisons/monthly          All clients, year vs year
    GET    /api/comparisons/periods          Aligned month lists (?a=&b=)
    GET    /api/clients/{id}/comparison      One client, keyed by service
    Any comparison accepts ?format=xlsx for a spreadsheet download.

  Catalog:
    GET    /api/clients, /api/services

  Users:
    GET    /api/users                        List users
    POST   /api/users                        Create user
    GET    /api/users/{id}                   Get user
    PUT    /api/users/{id}/aliases           Replace manager aliases (409 on conflict)

  Lines:
    GET    /api/lines/{id}                   Get line
    PUT    /api/lines/{id}/manager           Manual manager assignment

  Service links:
    GET    /api/service-links                List
    POST   /api/service-links                Create
    DELETE /api/service-links/{id}           Delete

  Jobs:
    POST   /api/admin/backfill               Start backfill job (202)
    POST   /api/imports                      Upload .xlsx, start import job (202)
    GET    /api/jobs/{id}                    Poll job

ACTING USER:
  X-User-ID names the acting user. USER role views only see lines
  resolved to themselves and cannot call admin endpoints; SUPERADMIN
  views include service-link inferred missing rows. Without the header
  requests are unscoped and never include linked rows. An unknown or
  malformed id is rejected with 401.

ERROR HANDLING:
  - 400: Validation errors, invalid input
  - 401: Unknown acting user
  - 403: Admin endpoint called by a USER
  - 404: Resource not found
  - 409: Alias conflict, duplicate email
  - 500: Internal errors

  Report filters (year, month, show, percent) never fail; bad values
  fall back to defaults.

SEE ALSO:
  - dto.go: Request/response data structures
  - jobs.go: Background job runner
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/warp/invoice-recon/backfill"
	"github.com/warp/invoice-recon/billing"
	"github.com/warp/invoice-recon/compare"
	"github.com/warp/invoice-recon/importer"
	"github.com/warp/invoice-recon/logger"
	"github.com/warp/invoice-recon/names"
)

// UserHeader carries the acting user's id.
const UserHeader = "X-User-ID"

// maxUploadSize bounds multipart parsing held in memory.
const maxUploadSize = 32 << 20

var errUnknownActor = errors.New("unknown acting user")

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the HTTP surface needs from persistence.
type Store interface {
	billing.Store
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     Store
	Assembler *compare.Assembler
	Matcher   names.Matcher
	Jobs      *JobRunner
	BatchSize int

	mu              sync.Mutex
	currentScenario string

	log zerolog.Logger
}

// NewHandler creates a handler over store with the default matcher.
func NewHandler(store Store) *Handler {
	return &Handler{
		Store:     store,
		Assembler: compare.NewAssembler(store, store, store),
		Matcher:   names.NewExactMatcher(),
		Jobs:      NewJobRunner(store),
		BatchSize: backfill.DefaultBatchSize,
		log:       logger.WithComponent("api"),
	}
}

// =============================================================================
// COMPARISON HANDLERS
// =============================================================================

// GetMonthlyComparison compares every client's lines for one month against
// the same month a year earlier.
func (h *Handler) GetMonthlyComparison(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.authorize(w, r, false)
	if !ok {
		return
	}

	report, err := h.Assembler.Monthly(r.Context(), reportQuery(r, actor))
	if err != nil {
		writeDomainError(w, "Failed to build comparison", err)
		return
	}
	writeReport(w, r, report)
}

// GetClientComparison is the single-client view.
func (h *Handler) GetClientComparison(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.authorize(w, r, false)
	if !ok {
		return
	}
	clientID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid client id", err)
		return
	}

	report, err := h.Assembler.ForClient(r.Context(), clientID, reportQuery(r, actor))
	if err != nil {
		writeDomainError(w, "Failed to build comparison", err)
		return
	}
	writeReport(w, r, report)
}

// GetPeriodComparison compares two aligned month lists, e.g.
// ?a=2024-01,2024-02&b=2025-01,2025-02.
func (h *Handler) GetPeriodComparison(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.authorize(w, r, false)
	if !ok {
		return
	}
	qs := r.URL.Query()

	a, err := billing.ParseYearMonths(qs.Get("a"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period list a", err)
		return
	}
	b, err := billing.ParseYearMonths(qs.Get("b"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period list b", err)
		return
	}

	q := compare.PeriodQuery{
		A:       a,
		B:       b,
		Show:    compare.ParseShow(qs.Get("show")),
		Percent: compare.ParsePercent(qs.Get("percent")),
	}
	if id, err := strconv.ParseInt(qs.Get("client_id"), 10, 64); err == nil {
		q.ClientID = &id
	}
	if actor != nil && actor.Role == billing.RoleUser {
		id := actor.ID
		q.ManagerUserID = &id
	}

	report, err := h.Assembler.ComparePeriods(r.Context(), q)
	if err != nil {
		writeDomainError(w, "Failed to build comparison", err)
		return
	}

	if wantsXLSX(r) {
		writeXLSX(w, "comparativa-periodes.xlsx", report.Rows)
		return
	}
	writeJSON(w, http.StatusOK, PeriodComparisonDTO{
		A:      yearMonths(report.A),
		B:      yearMonths(report.B),
		Rows:   toRowDTOs(report.Rows),
		Counts: report.Counts,
	})
}

// reportQuery reads the report filters. Unparseable values become zero,
// which the assembler treats as "use the default".
func reportQuery(r *http.Request, actor *billing.User) compare.Query {
	qs := r.URL.Query()
	year, _ := strconv.Atoi(qs.Get("year"))
	month, _ := strconv.Atoi(qs.Get("month"))

	q := compare.Query{
		Year:    year,
		Month:   month,
		Show:    compare.ParseShow(qs.Get("show")),
		Percent: compare.ParsePercent(qs.Get("percent")),
	}
	if actor != nil {
		if actor.Role == billing.RoleUser {
			id := actor.ID
			q.ManagerUserID = &id
		}
		q.IncludeLinked = actor.Role == billing.RoleSuperadmin
	}
	return q
}

func writeReport(w http.ResponseWriter, r *http.Request, report *compare.Report) {
	if wantsXLSX(r) {
		writeXLSX(w, fmt.Sprintf("comparativa-%s.xlsx", report.Period), report.Rows)
		return
	}
	writeJSON(w, http.StatusOK, ComparisonDTO{
		Period:   report.Period.String(),
		Previous: report.Previous.String(),
		ClientID: report.ClientID,
		Rows:     toRowDTOs(report.Rows),
		Counts:   report.Counts,
	})
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListClients returns all clients.
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.Store.ListClients(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list clients", err)
		return
	}
	dtos := make([]ClientDTO, len(clients))
	for i, c := range clients {
		dtos[i] = ClientDTO{ID: c.ID, Name: c.Name}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListServices returns all services.
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.Store.ListServices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list services", err)
		return
	}
	dtos := make([]ServiceDTO, len(services))
	for i, s := range services {
		dtos[i] = ServiceDTO{ID: s.ID, Name: s.Name}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// ListUsers returns all users.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, true); !ok {
		return
	}
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list users", err)
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetUser returns a single user.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, true); !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user id", err)
		return
	}
	u, err := h.Store.GetUser(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get user", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*u))
}

// CreateUser creates a user. Role defaults to USER.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, true); !ok {
		return
	}
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required", nil)
		return
	}

	u, err := h.Store.SaveUser(r.Context(), billing.User{
		Email:          req.Email,
		Name:           strings.TrimSpace(req.Name),
		NameNormalized: names.Normalize(req.Name),
		Role:           billing.ParseRole(req.Role),
	})
	if err != nil {
		writeDomainError(w, "Failed to create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

// UpdateAliases replaces a user's manager aliases. The whole update is
// rejected when any alias already resolves to another user.
func (h *Handler) UpdateAliases(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, true); !ok {
		return
	}
	ctx := r.Context()
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user id", err)
		return
	}
	var req UpdateAliasesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	u, err := h.Store.GetUser(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to get user", err)
		return
	}
	aliases := names.NormalizeAliases(req.Aliases)
	if err := h.Store.SetManagerAliases(ctx, u.ID, aliases); err != nil {
		writeDomainError(w, "Failed to update aliases", err)
		return
	}

	u.ManagerAliases = aliases
	h.log.Info().Int64("user", u.ID).Strs("aliases", aliases).Msg("manager aliases updated")
	writeJSON(w, http.StatusOK, toUserDTO(*u))
}

// =============================================================================
// LINE HANDLERS
// =============================================================================

// GetLine returns one invoice line.
func (h *Handler) GetLine(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, true); !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid line id", err)
		return
	}
	line, err := h.Store.GetLine(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get line", err)
		return
	}
	writeJSON(w, http.StatusOK, toLineDTO(*line))
}

// AssignLineManager sets the resolved manager of one line. A null user
// clears it. The normalized manager is recomputed from the raw text.
func (h *Handler) AssignLineManager(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, true); !ok {
		return
	}
	ctx := r.Context()
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid line id", err)
		return
	}
	var req AssignManagerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	line, err := h.Store.GetLine(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to get line", err)
		return
	}
	if req.ManagerUserID != nil {
		if _, err := h.Store.GetUser(ctx, *req.ManagerUserID); err != nil {
			writeDomainError(w, "Failed to get user", err)
			return
		}
	}

	normalized := names.Normalize(line.Manager)
	if err := h.Store.AssignManager(ctx, []billing.LineID{id}, req.ManagerUserID, normalized); err != nil {
		writeDomainError(w, "Failed to assign manager", err)
		return
	}

	line.ManagerUserID = req.ManagerUserID
	line.ManagerNormalized = &normalized
	writeJSON(w, http.StatusOK, toLineDTO(*line))
}

// =============================================================================
// SERVICE LINK HANDLERS
// =============================================================================

// ListServiceLinks returns declared service links.
func (h *Handler) ListServiceLinks(w http.ResponseWriter, r *http.Request) {
	links, err := h.Store.ListServiceLinks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list service links", err)
		return
	}
	dtos := make([]ServiceLinkDTO, len(links))
	for i, l := range links {
		dtos[i] = toServiceLinkDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateServiceLink declares that linked_service_id is expected
// offset_months after service_id is billed.
func (h *Handler) CreateServiceLink(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, true); !ok {
		return
	}
	var req ServiceLinkDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.OffsetMonths < 0 {
		writeError(w, http.StatusBadRequest, "offset_months must not be negative", nil)
		return
	}
	if req.ServiceID == req.LinkedServiceID {
		writeError(w, http.StatusBadRequest, "A service cannot be linked to itself", nil)
		return
	}

	link, err := h.Store.CreateServiceLink(r.Context(), billing.ServiceLink{
		ServiceID:       req.ServiceID,
		LinkedServiceID: req.LinkedServiceID,
		OffsetMonths:    req.OffsetMonths,
	})
	if err != nil {
		writeDomainError(w, "Failed to create service link", err)
		return
	}
	writeJSON(w, http.StatusCreated, toServiceLinkDTO(link))
}

// DeleteServiceLink removes a service link.
func (h *Handler) DeleteServiceLink(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, true); !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid link id", err)
		return
	}
	if err := h.Store.DeleteServiceLink(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to delete service link", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// JOB HANDLERS
// =============================================================================

// TriggerBackfill starts a manager backfill job over every line that
// still needs resolution.
func (h *Handler) TriggerBackfill(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, true); !ok {
		return
	}

	job, err := h.Jobs.Start(r.Context(), JobBackfill, "", h.backfillWork)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to start backfill", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobDTO(job))
}

func (h *Handler) backfillWork(ctx context.Context, update ProgressUpdate) (int, error) {
	users, err := h.Store.ListUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}

	engine := backfill.NewEngine(h.Store, h.Matcher)
	engine.BatchSize = h.BatchSize
	return engine.Run(ctx, names.ExpandCandidates(users), func(ctx context.Context, p backfill.Progress) error {
		return update(ctx, p.Processed, p.Total)
	})
}

// CreateImport parses an uploaded spreadsheet and starts an import job.
// Header and cell errors are reported synchronously as 400.
func (h *Handler) CreateImport(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, true); !ok {
		return
	}
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart body", err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required", err)
		return
	}
	defer file.Close()

	rows, err := importer.Parse(file)
	if err != nil {
		var mc *billing.MissingColumnsError
		if errors.As(err, &mc) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Missing columns", Details: err.Error(), Conflicts: mc.Columns})
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid spreadsheet", err)
		return
	}

	im := importer.NewImporter(h.Store, h.Matcher)
	job, err := h.Jobs.Start(r.Context(), JobImport, header.Filename, func(ctx context.Context, update ProgressUpdate) (int, error) {
		sum, err := im.Import(ctx, header.Filename, rows, importer.ProgressFunc(update))
		return sum.Inserted, err
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to start import", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobDTO(job))
}

// GetJob returns the current state of a job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Failed to get job", err)
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(*job))
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, true); !ok {
		return
	}
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ACTING USER
// =============================================================================

// actor resolves X-User-ID. No header means no actor.
func (h *Handler) actor(r *http.Request) (*billing.User, error) {
	raw := strings.TrimSpace(r.Header.Get(UserHeader))
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", errUnknownActor, raw)
	}
	u, err := h.Store.GetUser(r.Context(), id)
	if errors.Is(err, billing.ErrUserNotFound) {
		return nil, fmt.Errorf("%w: %d", errUnknownActor, id)
	}
	return u, err
}

// authorize writes the error response itself and returns false when the
// request must stop.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, admin bool) (*billing.User, bool) {
	actor, err := h.actor(r)
	switch {
	case errors.Is(err, errUnknownActor):
		writeError(w, http.StatusUnauthorized, "Unknown user", err)
		return nil, false
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to resolve user", err)
		return nil, false
	}
	if admin && actor != nil && actor.Role == billing.RoleUser {
		writeError(w, http.StatusForbidden, "Admin role required", nil)
		return nil, false
	}
	if actor != nil {
		hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Int64("actor", actor.ID)
		})
	}
	return actor, true
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps billing errors to a status code.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	var conflict *billing.AliasConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: message, Details: err.Error(), Conflicts: conflict.Aliases()})
	case errors.Is(err, billing.ErrEmailTaken):
		writeError(w, http.StatusConflict, message, err)
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case billing.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func wantsXLSX(r *http.Request) bool {
	return r.URL.Query().Get("format") == "xlsx"
}

func writeXLSX(w http.ResponseWriter, filename string, rows []compare.Row) {
	w.Header().Set("Content-Type", compare.XLSXContentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	if err := compare.WriteXLSX(w, rows); err != nil {
		http.Error(w, "Failed to write file", http.StatusInternalServerError)
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
