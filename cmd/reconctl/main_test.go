package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func writeWorkbook(t *testing.T, path string, rows ...[]any) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	head := []any{"Data", "Client", "Servei", "Unitats", "Preu", "Total", "Gestor"}
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &head))
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &r))
	}
	require.NoError(t, f.SaveAs(path))
}

func capture(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	return &out, &errOut
}

func TestRun_ImportThenCompare(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "invoices.db")
	xlsx := filepath.Join(dir, "factures.xlsx")
	ctx := context.Background()

	// GIVEN: a workbook with June 2024 and June 2025 hosting lines
	writeWorkbook(t, xlsx,
		[]any{"2024-06-05", "Acme", "Hosting", "10", "10", "100", "Toni"},
		[]any{"2025-06-05", "Acme", "Hosting", "10", "8", "80", "Toni"},
	)
	out, _ := capture(t)

	// WHEN: it is imported
	code := run(ctx, []string{"--db", db, "import", xlsx})

	// THEN
	require.Equal(t, 0, code)
	assert.Contains(t, out.String(), "factures.xlsx: 2 rows")

	// WHEN: June 2025 is compared
	out.Reset()
	code = run(ctx, []string{"--db", db, "compare", "--year", "2025", "--month", "6"})

	// THEN: the price drop is listed
	require.Equal(t, 0, code)
	assert.Contains(t, out.String(), "2025-06 vs 2024-06")
	assert.Contains(t, out.String(), "Hosting")
	assert.Contains(t, out.String(), "-2.00")
	assert.Contains(t, out.String(), "neg=1")
}

func TestRun_FailureReturnsNonZero(t *testing.T) {
	_, errOut := capture(t)

	code := run(context.Background(), []string{"no-such-command"})

	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "Error:")
}
