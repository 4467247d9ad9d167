package importer

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/invoice-recon/billing"
	"github.com/warp/invoice-recon/billing/store"
	"github.com/warp/invoice-recon/names"
	"github.com/xuri/excelize/v2"
)

// =============================================================================
// HELPERS
// =============================================================================

var header = []any{"Data", "Client", "Servei", "Unitats", "Preu", "Total", "Gestor", "Sèrie", "Albarà", "Número"}

// workbook writes rows below header starting at sheet row 2. A nil row
// leaves that sheet row empty.
func workbook(t *testing.T, head []any, rows ...[]any) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &head))
	for i, r := range rows {
		if r == nil {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &r))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf
}

func row(date, client, service string, units, price, total any, manager string) Row {
	d, _ := time.Parse("2006-01-02", date)
	return Row{
		Date:    d,
		Client:  client,
		Service: service,
		Units:   decimal.RequireFromString(toString(units)),
		Price:   decimal.RequireFromString(toString(price)),
		Total:   decimal.RequireFromString(toString(total)),
		Manager: manager,
	}
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return decimal.NewFromInt(int64(x)).String()
	default:
		panic("unsupported")
	}
}

func june(t *testing.T, s *store.Memory) []billing.ReportLine {
	t.Helper()
	lines, err := s.FetchLines(context.Background(), billing.LineFilter{Years: []int{2025}, Month: time.June})
	require.NoError(t, err)
	return lines
}

// =============================================================================
// PARSING
// =============================================================================

func TestParse_MapsHeadersByNormalizedName(t *testing.T) {
	// GIVEN: accented, mixed-case headers and comma decimals
	buf := workbook(t, header,
		[]any{"2025-06-15", "Acme", "Manteniment", 3, "10,50", "31,50", "Toni Navarrete", "A", "ALB-1", "F-001"},
	)

	// WHEN
	rows, err := Parse(buf)

	// THEN
	require.NoError(t, err)
	require.Len(t, rows, 1)
	r := rows[0]
	assert.Equal(t, 2, r.Line)
	assert.Equal(t, time.Date(2025, time.June, 15, 0, 0, 0, 0, time.UTC), r.Date)
	assert.Equal(t, "Acme", r.Client)
	assert.Equal(t, "Manteniment", r.Service)
	assert.True(t, r.Units.Equal(decimal.NewFromInt(3)))
	assert.True(t, r.Price.Equal(decimal.RequireFromString("10.5")))
	assert.True(t, r.Total.Equal(decimal.RequireFromString("31.5")))
	assert.Equal(t, "Toni Navarrete", r.Manager)
	assert.Equal(t, "A", r.Series)
	assert.Equal(t, "ALB-1", r.Albaran)
	assert.Equal(t, "F-001", r.Numero)
}

func TestParse_OptionalColumnsMayBeAbsent(t *testing.T) {
	buf := workbook(t, []any{"FECHA", "CLIENTE", "SERVICIO", "UNIDADES", "PRECIO", "IMPORTE"},
		[]any{"15/06/2025", "Acme", "Hosting", 1, 20, 20},
	)

	rows, err := Parse(buf)

	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Empty(t, rows[0].Manager)
	assert.Equal(t, time.June, rows[0].Date.Month())
}

func TestParse_MissingMandatoryColumns(t *testing.T) {
	// GIVEN: no PREU and no TOTAL
	buf := workbook(t, []any{"DATA", "CLIENT", "SERVEI", "UNITATS", "GESTOR"},
		[]any{"2025-06-15", "Acme", "Hosting", 1, "Toni"},
	)

	// WHEN
	_, err := Parse(buf)

	// THEN
	require.Error(t, err)
	assert.True(t, errors.Is(err, billing.ErrMissingColumns))
	var mc *billing.MissingColumnsError
	require.True(t, errors.As(err, &mc))
	assert.Equal(t, []string{"PREU", "TOTAL"}, mc.Columns)
}

func TestParse_ReportsBadRowNumber(t *testing.T) {
	buf := workbook(t, header,
		[]any{"2025-06-15", "Acme", "Hosting", 1, 20, 20},
		[]any{"not a date", "Acme", "Hosting", 1, 20, 20},
	)

	_, err := Parse(buf)

	var re *billing.RowError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 3, re.Row)
	assert.Contains(t, err.Error(), "DATA")
}

func TestParse_SkipsBlankRows(t *testing.T) {
	buf := workbook(t, header,
		[]any{"2025-06-15", "Acme", "Hosting", 1, 20, 20},
		nil,
		[]any{"2025-06-16", "Beta", "Hosting", 1, 20, 20},
	)

	rows, err := Parse(buf)

	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].Line)
	assert.Equal(t, 4, rows[1].Line)
}

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1.234,50", "1234.5"},
		{"1,234.50", "1234.5"},
		{"12,5", "12.5"},
		{"€ 10", "10"},
		{"-3", "-3"},
		{"", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDecimal(tt.in)
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}

	_, err := parseDecimal("abc")
	assert.Error(t, err)
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in    string
		year  int
		month time.Month
		day   int
	}{
		{"2025-06-15", 2025, time.June, 15},
		{"15/06/2025", 2025, time.June, 15},
		{"5/6/2025", 2025, time.June, 5},
		{"45823", 2025, time.June, 15},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDate(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.year, got.Year())
			assert.Equal(t, tt.month, got.Month())
			assert.Equal(t, tt.day, got.Day())
		})
	}

	_, err := parseDate("")
	assert.Error(t, err)
}

// =============================================================================
// IMPORTING
// =============================================================================

func TestImport_UpsertsByNormalizedName(t *testing.T) {
	// GIVEN: two spellings of the same client
	s := store.NewMemory()
	rows := []Row{
		row("2025-06-01", "Acme, S.L.", "Hosting", 1, 10, 10, ""),
		row("2025-06-02", "ACME S.L", "hosting", 2, 10, 20, ""),
	}

	// WHEN
	sum, err := NewImporter(s, names.NewExactMatcher()).Import(context.Background(), "june.xlsx", rows, nil)

	// THEN: one client, one service, first raw name kept
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Inserted)
	assert.Equal(t, 1, sum.Clients)
	assert.Equal(t, 1, sum.Services)

	clients, err := s.ListClients(context.Background())
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, "Acme, S.L.", clients[0].Name)
	assert.Equal(t, "ACME S L", clients[0].NameNormalized)
}

func TestImport_ResolvesManagersThroughAliases(t *testing.T) {
	// GIVEN: a user known by an alias
	ctx := context.Background()
	s := store.NewMemory()
	u, err := s.SaveUser(ctx, billing.User{Email: "antoni@example.com", Name: "Antoni Navarrete"})
	require.NoError(t, err)
	require.NoError(t, s.SetManagerAliases(ctx, u.ID, []string{"TONI NAVARRETE"}))

	rows := []Row{
		row("2025-06-01", "Acme", "Hosting", 1, 10, 10, "Toni Navarrete"),
		row("2025-06-01", "Acme", "Backup", 1, 5, 5, "Ningú"),
		row("2025-06-01", "Acme", "Domain", 1, 5, 5, ""),
	}

	// WHEN
	sum, err := NewImporter(s, names.NewExactMatcher()).Import(ctx, "june.xlsx", rows, nil)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Resolved)

	resolved, err := s.GetLine(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, resolved.ManagerUserID)
	assert.Equal(t, u.ID, *resolved.ManagerUserID)
	assert.Equal(t, "TONI NAVARRETE", *resolved.ManagerNormalized)

	unknown, err := s.GetLine(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, unknown.ManagerUserID)
	require.NotNil(t, unknown.ManagerNormalized)
	assert.Equal(t, "NINGU", *unknown.ManagerNormalized)

	blankManager, err := s.GetLine(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, blankManager.ManagerNormalized)
}

func TestImport_ReimportReplacesSameSourceOnly(t *testing.T) {
	// GIVEN: two files already imported
	ctx := context.Background()
	s := store.NewMemory()
	im := NewImporter(s, names.NewExactMatcher())
	_, err := im.Import(ctx, "june.xlsx", []Row{
		row("2025-06-01", "Acme", "Hosting", 1, 10, 10, ""),
		row("2025-06-01", "Acme", "Backup", 1, 10, 10, ""),
	}, nil)
	require.NoError(t, err)
	_, err = im.Import(ctx, "extra.xlsx", []Row{row("2025-06-01", "Beta", "Hosting", 1, 10, 10, "")}, nil)
	require.NoError(t, err)

	// WHEN: june.xlsx is imported again with a single row
	sum, err := im.Import(ctx, "june.xlsx", []Row{row("2025-06-01", "Acme", "Hosting", 1, 12, 12, "")}, nil)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Replaced)
	assert.Len(t, june(t, s), 2)
}

func TestImport_RejectsNegativeTotalBeforeReset(t *testing.T) {
	// GIVEN
	ctx := context.Background()
	s := store.NewMemory()
	im := NewImporter(s, names.NewExactMatcher())
	_, err := im.Import(ctx, "june.xlsx", []Row{row("2025-06-01", "Acme", "Hosting", 1, 10, 10, "")}, nil)
	require.NoError(t, err)

	bad := row("2025-06-01", "Acme", "Hosting", 1, 10, -10, "")
	bad.Line = 7

	// WHEN
	_, err = im.Import(ctx, "june.xlsx", []Row{bad}, nil)

	// THEN: error names the row, previous data intact
	assert.ErrorIs(t, err, billing.ErrNegativeTotal)
	var re *billing.RowError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 7, re.Row)
	assert.Len(t, june(t, s), 1)
}

func TestImport_ReportsProgressPerChunk(t *testing.T) {
	s := store.NewMemory()
	im := NewImporter(s, names.NewExactMatcher())
	im.ChunkSize = 2

	rows := make([]Row, 5)
	for i := range rows {
		rows[i] = row("2025-06-01", "Acme", "Hosting", 1, 10, 10, "")
	}

	var got [][2]int
	_, err := im.Import(context.Background(), "june.xlsx", rows, func(_ context.Context, processed, total int) error {
		got = append(got, [2]int{processed, total})
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, [][2]int{{2, 5}, {4, 5}, {5, 5}}, got)
}

// failingStore fails every source replacement.
type failingStore struct {
	*store.Memory
}

func (failingStore) ReplaceSource(context.Context, string, []billing.InvoiceLine) (int, []billing.LineID, error) {
	return 0, nil, errors.New("disk full")
}

func TestImport_StoreFailureKeepsPreviousImport(t *testing.T) {
	// GIVEN: june.xlsx imported with two rows
	ctx := context.Background()
	mem := store.NewMemory()
	_, err := NewImporter(mem, names.NewExactMatcher()).Import(ctx, "june.xlsx", []Row{
		row("2025-06-01", "Acme", "Hosting", 1, 10, 10, ""),
		row("2025-06-01", "Acme", "Backup", 1, 10, 10, ""),
	}, nil)
	require.NoError(t, err)

	// WHEN: a three-row re-import fails to store
	im := NewImporter(failingStore{mem}, names.NewExactMatcher())
	im.ChunkSize = 2
	_, err = im.Import(ctx, "june.xlsx", []Row{
		row("2025-06-01", "Acme", "Hosting", 1, 20, 20, ""),
		row("2025-06-01", "Acme", "Backup", 1, 20, 20, ""),
		row("2025-06-01", "Acme", "Domain", 1, 20, 20, ""),
	}, nil)

	// THEN: the previous lines are all still there
	assert.ErrorContains(t, err, "disk full")
	lines := june(t, mem)
	require.Len(t, lines, 2)
	for _, l := range lines {
		assert.True(t, l.Total.Equal(decimal.NewFromInt(10)))
	}
}

func TestImport_CancelAfterFirstChunkKeepsPreviousImport(t *testing.T) {
	// GIVEN: june.xlsx imported with two rows
	s := store.NewMemory()
	im := NewImporter(s, names.NewExactMatcher())
	_, err := im.Import(context.Background(), "june.xlsx", []Row{
		row("2025-06-01", "Acme", "Hosting", 1, 10, 10, ""),
		row("2025-06-01", "Acme", "Backup", 1, 10, 10, ""),
	}, nil)
	require.NoError(t, err)

	// WHEN: the re-import is cancelled after its first chunk
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	im.ChunkSize = 2
	_, err = im.Import(ctx, "june.xlsx", []Row{
		row("2025-06-01", "Acme", "Hosting", 1, 20, 20, ""),
		row("2025-06-01", "Acme", "Backup", 1, 20, 20, ""),
		row("2025-06-01", "Acme", "Domain", 1, 20, 20, ""),
	}, func(context.Context, int, int) error {
		cancel()
		return nil
	})

	// THEN
	assert.ErrorIs(t, err, context.Canceled)
	lines := june(t, s)
	require.Len(t, lines, 2)
	for _, l := range lines {
		assert.True(t, l.Total.Equal(decimal.NewFromInt(10)))
	}
}

func TestImport_RequiresSourceFile(t *testing.T) {
	_, err := NewImporter(store.NewMemory(), names.NewExactMatcher()).Import(context.Background(), "", nil, nil)
	assert.Error(t, err)
}

func TestParseThenImport(t *testing.T) {
	// GIVEN: a spreadsheet round trip into the store
	buf := workbook(t, header,
		[]any{"2025-06-15", "Acme", "Hosting", 2, 10, 20, "", "", "", "F-9"},
	)
	rows, err := Parse(buf)
	require.NoError(t, err)
	s := store.NewMemory()

	// WHEN
	_, err = NewImporter(s, names.NewExactMatcher()).Import(context.Background(), "june.xlsx", rows, nil)

	// THEN
	require.NoError(t, err)
	lines := june(t, s)
	require.Len(t, lines, 1)
	assert.Equal(t, "F-9", lines[0].Numero)
	assert.True(t, lines[0].Total.Equal(decimal.NewFromInt(20)))
}
