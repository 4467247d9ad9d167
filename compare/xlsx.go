package compare

import (
	"fmt"
	"io"

	"github.com/warp/invoice-recon/billing"
	"github.com/xuri/excelize/v2"
)

// XLSXContentType is the MIME type of WriteXLSX output.
const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const reportSheet = "Comparativa"

var xlsxHeader = []any{
	"Client", "Servei", "Gestor",
	"Ref. anterior", "Unitats anterior", "Total anterior", "Preu unitari anterior",
	"Ref. actual", "Unitats actual", "Total actual", "Preu unitari actual",
	"Δ preu", "Δ %", "Estat", "Motiu",
}

// WriteXLSX writes rows as a single-sheet workbook. Figures that are not
// present are left as empty cells.
func WriteXLSX(w io.Writer, rows []Row) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", reportSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(reportSheet, "A1", &xlsxHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(xlsxHeader), 1)
	if err := f.SetCellStyle(reportSheet, "A1", last, bold); err != nil {
		return fmt.Errorf("header style: %w", err)
	}

	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := []any{
			r.ClientName, r.ServiceName, r.ManagerName,
			r.PreviousRef, r.PreviousUnits.InexactFloat64(), r.PreviousTotal.InexactFloat64(), figureCell(r.PreviousUnitPrice),
			r.CurrentRef, r.CurrentUnits.InexactFloat64(), r.CurrentTotal.InexactFloat64(), figureCell(r.CurrentUnitPrice),
			figureCell(r.DeltaPrice), figureCell(r.PercentDelta), string(Classify(r)), r.MissingReason,
		}
		if err := f.SetSheetRow(reportSheet, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.SetColWidth(reportSheet, "A", "C", 28); err != nil {
		return err
	}
	return f.Write(w)
}

func figureCell(fig billing.Figure) any {
	if v := fig.Float64Ptr(); v != nil {
		return *v
	}
	return nil
}
