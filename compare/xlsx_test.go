package compare

import (
	"bytes"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestWriteXLSX(t *testing.T) {
	// GIVEN: a price drop and a missing row
	rows := []Row{
		ComputeMetrics(Row{
			ClientName: "Acme", ServiceName: "Hosting", ManagerName: "Toni",
			PreviousUnits: decimal.NewFromInt(10), PreviousTotal: decimal.NewFromInt(100), PreviousRef: "F-1",
			CurrentUnits: decimal.NewFromInt(10), CurrentTotal: decimal.NewFromInt(80), CurrentRef: "F-2",
		}),
		ComputeMetrics(Row{
			ClientName: "Acme", ServiceName: "Backup",
			PreviousUnits: decimal.NewFromInt(1), PreviousTotal: decimal.NewFromInt(9),
			IsMissing: true,
		}),
	}

	// WHEN
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, rows))

	// THEN
	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	got, err := f.GetRows(reportSheet)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "Client", got[0][0])
	assert.Equal(t, []string{"Acme", "Hosting", "Toni", "F-1", "10", "100", "10", "F-2", "10", "80", "8", "-2", "-20", "neg"}, got[1][:14])
	assert.Equal(t, "Backup", got[2][1])
	assert.Equal(t, "", got[2][11])
	assert.Equal(t, "miss", got[2][13])
}
