/*
handlers_test.go - HTTP tests against the full router

Tests for:
- Comparison views, filters, role scoping, linked rows, xlsx download
- Users and alias conflicts
- Manual manager assignment
- Service links
- Backfill and import jobs
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/invoice-recon/billing/store"
	"github.com/warp/invoice-recon/compare"
	"github.com/xuri/excelize/v2"
)

// =============================================================================
// HELPERS
// =============================================================================

type testServer struct {
	t       *testing.T
	handler *Handler
	router  http.Handler
	store   *store.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := store.NewMemory()
	h := NewHandler(s)
	t.Cleanup(h.Jobs.Stop)
	return &testServer{t: t, handler: h, router: NewRouter(h, nil), store: s}
}

// do sends a JSON request. actor is the X-User-ID value, empty for none.
func (ts *testServer) do(method, path, actor string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(UserHeader, actor)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) load(scenario string) {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/scenarios/load", "", LoadScenarioRequest{ScenarioID: scenario})
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func rowFor(t *testing.T, rows []ComparisonRowDTO, service string) ComparisonRowDTO {
	t.Helper()
	for _, r := range rows {
		if r.ServiceName == service {
			return r
		}
	}
	t.Fatalf("no row for %q", service)
	return ComparisonRowDTO{}
}

// =============================================================================
// COMPARISONS
// =============================================================================

func TestMonthlyComparison_AllOutcomes(t *testing.T) {
	// GIVEN
	ts := newTestServer(t)
	ts.load("price-change")

	// WHEN
	rec := ts.do(http.MethodGet, "/api/comparisons/monthly?year=2025&month=6", "", nil)

	// THEN
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[ComparisonDTO](t, rec)
	assert.Equal(t, "2025-06", report.Period)
	assert.Equal(t, "2024-06", report.Previous)
	require.Len(t, report.Rows, 5)

	hosting := rowFor(t, report.Rows, "Allotjament web")
	require.NotNil(t, hosting.DeltaPrice)
	assert.InDelta(t, -2.0, *hosting.DeltaPrice, 1e-9)
	assert.Equal(t, "value", hosting.DeltaPriceState)
	assert.Equal(t, "neg", hosting.Class)
	assert.Equal(t, "F24-101", hosting.PreviousRef)

	support := rowFor(t, report.Rows, "Suport presencial")
	assert.True(t, support.IsMissing)
	assert.Nil(t, support.DeltaPrice)
	assert.Equal(t, "incomparable", support.DeltaPriceState)
	assert.Nil(t, support.PercentDelta)
	assert.Equal(t, "absent", support.PercentDeltaState)

	assert.Equal(t, 5, report.Counts.All)
	for _, show := range []compare.Show{compare.ShowNeg, compare.ShowEq, compare.ShowPos, compare.ShowMiss, compare.ShowNew} {
		assert.Equal(t, 1, report.Counts.Show[show], show)
	}
}

func TestMonthlyComparison_ShowFilter(t *testing.T) {
	ts := newTestServer(t)
	ts.load("price-change")

	rec := ts.do(http.MethodGet, "/api/comparisons/monthly?year=2025&month=6&show=miss", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[ComparisonDTO](t, rec)
	require.Len(t, report.Rows, 1)
	assert.Equal(t, "Suport presencial", report.Rows[0].ServiceName)
	assert.Equal(t, 5, report.Counts.All)
}

func TestMonthlyComparison_BadFiltersFallBack(t *testing.T) {
	// GIVEN: garbage filters; the latest period with data is June 2025
	ts := newTestServer(t)
	ts.load("price-change")

	// WHEN
	rec := ts.do(http.MethodGet, "/api/comparisons/monthly?year=abc&month=13&show=bogus&percent=x", "", nil)

	// THEN
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[ComparisonDTO](t, rec)
	assert.Equal(t, "2025-06", report.Period)
	assert.Len(t, report.Rows, 5)
}

func TestMonthlyComparison_LinkedRowsOnlyForSuperadmin(t *testing.T) {
	// GIVEN: user 1 is the scenario's superadmin
	ts := newTestServer(t)
	ts.load("linked-services")
	path := "/api/comparisons/monthly?year=2025&month=6&show=miss"

	// WHEN
	super := decode[ComparisonDTO](t, ts.do(http.MethodGet, path, "1", nil))
	anonymous := decode[ComparisonDTO](t, ts.do(http.MethodGet, path, "", nil))

	// THEN
	require.Len(t, super.Rows, 1)
	assert.Equal(t, "Revisió trimestral", super.Rows[0].ServiceName)
	assert.Contains(t, super.Rows[0].MissingReason, "3 mesos")
	assert.Contains(t, super.Rows[0].MissingReason, "Certificat inicial")
	assert.Empty(t, anonymous.Rows)
}

func TestMonthlyComparison_UserRoleSeesOwnLines(t *testing.T) {
	// GIVEN: managers resolved by a backfill; user 2 (Marta) has USER role
	ts := newTestServer(t)
	ts.load("manager-backfill")
	rec := ts.do(http.MethodPost, "/api/admin/backfill", "1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	ts.handler.Jobs.Wait()

	// WHEN
	rec = ts.do(http.MethodGet, "/api/comparisons/monthly?year=2025&month=6", "2", nil)

	// THEN
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[ComparisonDTO](t, rec)
	require.Len(t, report.Rows, 2)
	for _, r := range report.Rows {
		require.NotNil(t, r.ManagerUserID)
		assert.Equal(t, int64(2), *r.ManagerUserID)
		assert.Equal(t, "Marta Puig", r.ManagerName)
	}
}

func TestClientComparison(t *testing.T) {
	ts := newTestServer(t)
	ts.load("price-change")

	rec := ts.do(http.MethodGet, "/api/clients/1/comparison?year=2025&month=6&show=pos", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[ComparisonDTO](t, rec)
	require.NotNil(t, report.ClientID)
	assert.Equal(t, int64(1), *report.ClientID)
	require.Len(t, report.Rows, 1)
	require.NotNil(t, report.Rows[0].PercentDelta)
	assert.InDelta(t, 20.0, *report.Rows[0].PercentDelta, 1e-9)

	rec = ts.do(http.MethodGet, "/api/clients/abc/comparison", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPeriodComparison(t *testing.T) {
	ts := newTestServer(t)
	ts.load("price-change")

	rec := ts.do(http.MethodGet, "/api/comparisons/periods?a=2024-06&b=2025-06", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[PeriodComparisonDTO](t, rec)
	assert.Equal(t, []string{"2024-06"}, report.A)
	assert.Len(t, report.Rows, 5)

	rec = ts.do(http.MethodGet, "/api/comparisons/periods?a=junk&b=2025-06", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/api/comparisons/periods?b=2025-06", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/api/comparisons/periods?a=2025-05,2025-06&b=2025-06", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMonthlyComparison_XLSXDownload(t *testing.T) {
	ts := newTestServer(t)
	ts.load("price-change")

	rec := ts.do(http.MethodGet, "/api/comparisons/monthly?year=2025&month=6&format=xlsx", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, compare.XLSXContentType, rec.Header().Get("Content-Type"))
	f, err := excelize.OpenReader(rec.Body)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Comparativa")
	require.NoError(t, err)
	assert.Len(t, rows, 6)
}

// =============================================================================
// ACTING USER
// =============================================================================

func TestActor_UnknownUserRejected(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/api/comparisons/monthly", "42", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/api/comparisons/monthly", "abc", nil).Code)
}

func TestActor_UserRoleCannotAdminister(t *testing.T) {
	ts := newTestServer(t)
	ts.load("manager-backfill")

	rec := ts.do(http.MethodPost, "/api/admin/backfill", "2", nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// =============================================================================
// USERS
// =============================================================================

func TestUpdateAliases_ConflictBlocksUpdate(t *testing.T) {
	// GIVEN: user 1 already answers to TONI NAVARRETE
	ts := newTestServer(t)
	ts.load("manager-backfill")

	// WHEN: Marta claims it together with a free alias
	rec := ts.do(http.MethodPut, "/api/users/2/aliases", "", UpdateAliasesRequest{Aliases: []string{"toni navarrete", "M. Puig"}})

	// THEN: nothing is stored
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, []string{"TONI NAVARRETE"}, resp.Conflicts)

	user := decode[UserDTO](t, ts.do(http.MethodGet, "/api/users/2", "", nil))
	assert.Empty(t, user.ManagerAliases)
}

func TestUpdateAliases_NormalizesAndDeduplicates(t *testing.T) {
	ts := newTestServer(t)
	ts.load("manager-backfill")

	rec := ts.do(http.MethodPut, "/api/users/2/aliases", "", UpdateAliasesRequest{Aliases: []string{"M. Puig", "m puig", " "}})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"M PUIG"}, decode[UserDTO](t, rec).ManagerAliases)

	rec = ts.do(http.MethodPut, "/api/users/99/aliases", "", UpdateAliasesRequest{Aliases: []string{"X"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateUser(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/users", "", CreateUserRequest{Email: "a@example.com", Name: "Àlex", Role: "ADMIN"})
	require.Equal(t, http.StatusCreated, rec.Code)
	u := decode[UserDTO](t, rec)
	assert.Equal(t, "ADMIN", u.Role)
	assert.Equal(t, []string{}, u.ManagerAliases)

	rec = ts.do(http.MethodPost, "/api/users", "", CreateUserRequest{Email: "a@example.com"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(http.MethodPost, "/api/users", "", CreateUserRequest{Name: "No email"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// LINES
// =============================================================================

func TestAssignLineManager(t *testing.T) {
	// GIVEN: line 6 has manager "Desconegut", which matches nobody
	ts := newTestServer(t)
	ts.load("manager-backfill")
	uid := int64(2)

	// WHEN
	rec := ts.do(http.MethodPut, "/api/lines/6/manager", "", AssignManagerRequest{ManagerUserID: &uid})

	// THEN
	require.Equal(t, http.StatusOK, rec.Code)
	line := decode[LineDTO](t, ts.do(http.MethodGet, "/api/lines/6", "", nil))
	require.NotNil(t, line.ManagerUserID)
	assert.Equal(t, uid, *line.ManagerUserID)
	require.NotNil(t, line.ManagerNormalized)
	assert.Equal(t, "DESCONEGUT", *line.ManagerNormalized)

	// null clears the user
	rec = ts.do(http.MethodPut, "/api/lines/6/manager", "", AssignManagerRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[LineDTO](t, rec).ManagerUserID)
}

func TestAssignLineManager_NotFound(t *testing.T) {
	ts := newTestServer(t)
	ts.load("manager-backfill")
	missing := int64(99)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPut, "/api/lines/6/manager", "", AssignManagerRequest{ManagerUserID: &missing}).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPut, "/api/lines/999/manager", "", AssignManagerRequest{}).Code)
}

// =============================================================================
// SERVICE LINKS
// =============================================================================

func TestServiceLinks_CRUD(t *testing.T) {
	ts := newTestServer(t)
	ts.load("price-change")

	rec := ts.do(http.MethodPost, "/api/service-links", "", ServiceLinkDTO{ServiceID: 1, LinkedServiceID: 2, OffsetMonths: 12})
	require.Equal(t, http.StatusCreated, rec.Code)
	link := decode[ServiceLinkDTO](t, rec)

	links := decode[[]ServiceLinkDTO](t, ts.do(http.MethodGet, "/api/service-links", "", nil))
	require.Len(t, links, 1)
	assert.Equal(t, 12, links[0].OffsetMonths)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/service-links", "", ServiceLinkDTO{ServiceID: 1, LinkedServiceID: 1}).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/service-links", "", ServiceLinkDTO{ServiceID: 1, LinkedServiceID: 2, OffsetMonths: -1}).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPost, "/api/service-links", "", ServiceLinkDTO{ServiceID: 1, LinkedServiceID: 99}).Code)

	path := fmt.Sprintf("/api/service-links/%d", link.ID)
	assert.Equal(t, http.StatusNoContent, ts.do(http.MethodDelete, path, "", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodDelete, path, "", nil).Code)
}

// =============================================================================
// JOBS
// =============================================================================

func TestBackfillJob_CompletesWithProgress(t *testing.T) {
	// GIVEN
	ts := newTestServer(t)
	ts.load("manager-backfill")

	// WHEN
	rec := ts.do(http.MethodPost, "/api/admin/backfill", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	started := decode[JobDTO](t, rec)
	assert.Equal(t, "running", started.Status)
	ts.handler.Jobs.Wait()

	// THEN: Toni x3 and Marta x2 resolved, the unknown manager is not
	job := decode[JobDTO](t, ts.do(http.MethodGet, "/api/jobs/"+started.ID, "", nil))
	assert.Equal(t, "completed", job.Status)
	assert.Equal(t, 5, job.Result)
	assert.Equal(t, 6, job.TotalRows)
	assert.Equal(t, 6, job.ProcessedRows)

	// a second run has nothing left to assign
	rec = ts.do(http.MethodPost, "/api/admin/backfill", "", nil)
	again := decode[JobDTO](t, rec)
	ts.handler.Jobs.Wait()
	job = decode[JobDTO](t, ts.do(http.MethodGet, "/api/jobs/"+again.ID, "", nil))
	assert.Equal(t, "completed", job.Status)
	assert.Equal(t, 0, job.Result)
}

func TestGetJob_NotFound(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/jobs/nope", "", nil).Code)
}

func upload(t *testing.T, ts *testServer, filename string, head []any, rows ...[]any) *httptest.ResponseRecorder {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &head))
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &r))
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	require.NoError(t, f.Write(part))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/imports", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func TestImportJob(t *testing.T) {
	// GIVEN
	ts := newTestServer(t)
	head := []any{"Data", "Client", "Servei", "Unitats", "Preu", "Total", "Gestor"}

	// WHEN
	rec := upload(t, ts, "juny.xlsx", head,
		[]any{"2025-06-02", "Acme", "Hosting", 2, 10, 20, "Toni"},
		[]any{"2025-06-03", "ACME", "Backup", 1, 5, 5, "Toni"},
	)

	// THEN
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decode[JobDTO](t, rec)
	assert.Equal(t, "juny.xlsx", started.SourceFile)
	ts.handler.Jobs.Wait()

	job := decode[JobDTO](t, ts.do(http.MethodGet, "/api/jobs/"+started.ID, "", nil))
	assert.Equal(t, "completed", job.Status)
	assert.Equal(t, 2, job.Result)

	clients := decode[[]ClientDTO](t, ts.do(http.MethodGet, "/api/clients", "", nil))
	require.Len(t, clients, 1)
	assert.Equal(t, "Acme", clients[0].Name)
}

func TestImportJob_MissingColumns(t *testing.T) {
	ts := newTestServer(t)

	rec := upload(t, ts, "bad.xlsx", []any{"Data", "Client", "Servei"},
		[]any{"2025-06-02", "Acme", "Hosting"},
	)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, []string{"UNITATS", "PREU", "TOTAL"}, resp.Conflicts)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarios(t *testing.T) {
	ts := newTestServer(t)

	list := decode[[]ScenarioDTO](t, ts.do(http.MethodGet, "/api/scenarios", "", nil))
	assert.Len(t, list, len(loaders))

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/scenarios/load", "", LoadScenarioRequest{ScenarioID: "nope"}).Code)

	ts.load("price-change")
	current := decode[ScenarioDTO](t, ts.do(http.MethodGet, "/api/scenarios/current", "", nil))
	assert.Equal(t, "price-change", current.ID)

	// loading another scenario replaces the data
	ts.load("linked-services")
	clients := decode[[]ClientDTO](t, ts.do(http.MethodGet, "/api/clients", "", nil))
	require.Len(t, clients, 1)
	assert.Equal(t, "Forn Can Pau", clients[0].Name)

	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/api/scenarios/reset", "", nil).Code)
	assert.Empty(t, decode[[]ClientDTO](t, ts.do(http.MethodGet, "/api/clients", "", nil)))
}
