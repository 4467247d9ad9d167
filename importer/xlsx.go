/*
Package importer ingests invoice spreadsheets.

PURPOSE:
  Reads the first sheet of an .xlsx export, maps columns by normalized
  header name, and turns each data row into a typed Row. Importer then
  upserts clients/services, resolves managers and inserts the lines.

COLUMNS:
  Mandatory: DATA, CLIENT, SERVEI, UNITATS, PREU, TOTAL
  Optional:  GESTOR, SERIE, ALBARA, NUMERO

  Headers go through names.Normalize, so "Albarà", "albara " and "ALBARA"
  are the same column. A few Spanish/English synonyms are accepted.

CELL FORMATS:
  Dates:    2006-01-02, 02/01/2006, 2/1/2006, 02-01-2006, Excel serials
  Numbers:  "1234.5", "1.234,50", "1234,5", optional currency sign

SEE ALSO:
  - importer/importer.go: Persistence of parsed rows
  - billing/errors.go: MissingColumnsError, RowError
*/
package importer

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/invoice-recon/billing"
	"github.com/warp/invoice-recon/names"
	"github.com/xuri/excelize/v2"
)

// =============================================================================
// COLUMNS
// =============================================================================

type column string

const (
	colDate    column = "DATA"
	colClient  column = "CLIENT"
	colService column = "SERVEI"
	colUnits   column = "UNITATS"
	colPrice   column = "PREU"
	colTotal   column = "TOTAL"
	colManager column = "GESTOR"
	colSeries  column = "SERIE"
	colAlbaran column = "ALBARA"
	colNumero  column = "NUMERO"
)

var mandatory = []column{colDate, colClient, colService, colUnits, colPrice, colTotal}

// synonyms maps normalized header text to a column.
var synonyms = map[string]column{
	"DATA": colDate, "FECHA": colDate, "DATE": colDate,
	"CLIENT": colClient, "CLIENTE": colClient,
	"SERVEI": colService, "SERVICIO": colService, "SERVICE": colService,
	"UNITATS": colUnits, "UNIDADES": colUnits, "UNITS": colUnits, "QUANTITAT": colUnits,
	"PREU": colPrice, "PRECIO": colPrice, "PRICE": colPrice,
	"TOTAL": colTotal, "IMPORT": colTotal, "IMPORTE": colTotal,
	"GESTOR": colManager, "MANAGER": colManager,
	"SERIE": colSeries, "SERIES": colSeries,
	"ALBARA": colAlbaran, "ALBARAN": colAlbaran,
	"NUMERO": colNumero, "NUM": colNumero, "NUMERO FACTURA": colNumero,
}

// =============================================================================
// ROWS
// =============================================================================

// Row is one parsed spreadsheet line. Line is the 1-based sheet row.
type Row struct {
	Line    int
	Date    time.Time
	Client  string
	Service string
	Units   decimal.Decimal
	Price   decimal.Decimal
	Total   decimal.Decimal
	Manager string
	Series  string
	Albaran string
	Numero  string
}

// Parse reads the first sheet of an .xlsx document.
func Parse(r io.Reader) ([]Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("spreadsheet has no sheets")
	}
	cells, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return parseCells(cells)
}

// ParseFile is Parse for a path on disk.
func ParseFile(path string) ([]Row, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%s has no sheets", path)
	}
	cells, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return parseCells(cells)
}

func parseCells(cells [][]string) ([]Row, error) {
	if len(cells) == 0 {
		return nil, &billing.MissingColumnsError{Columns: columnNames(mandatory)}
	}

	index := mapHeader(cells[0])
	var missing []column
	for _, c := range mandatory {
		if _, ok := index[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, &billing.MissingColumnsError{Columns: columnNames(missing)}
	}

	var rows []Row
	for i, raw := range cells[1:] {
		line := i + 2
		if blank(raw) {
			continue
		}
		row, err := parseRow(raw, index)
		if err != nil {
			return nil, &billing.RowError{Row: line, Err: err}
		}
		row.Line = line
		rows = append(rows, row)
	}
	return rows, nil
}

// mapHeader keeps the first occurrence of each column.
func mapHeader(header []string) map[column]int {
	index := make(map[column]int)
	for i, h := range header {
		c, ok := synonyms[names.Normalize(h)]
		if !ok {
			continue
		}
		if _, dup := index[c]; !dup {
			index[c] = i
		}
	}
	return index
}

func parseRow(raw []string, index map[column]int) (Row, error) {
	get := func(c column) string {
		i, ok := index[c]
		if !ok || i >= len(raw) {
			return ""
		}
		return strings.TrimSpace(raw[i])
	}

	var (
		row Row
		err error
	)
	if row.Date, err = parseDate(get(colDate)); err != nil {
		return row, fmt.Errorf("%s: %w", colDate, err)
	}
	row.Client = get(colClient)
	if row.Client == "" {
		return row, fmt.Errorf("%s is empty", colClient)
	}
	row.Service = get(colService)
	if row.Service == "" {
		return row, fmt.Errorf("%s is empty", colService)
	}
	if row.Units, err = parseDecimal(get(colUnits)); err != nil {
		return row, fmt.Errorf("%s: %w", colUnits, err)
	}
	if row.Price, err = parseDecimal(get(colPrice)); err != nil {
		return row, fmt.Errorf("%s: %w", colPrice, err)
	}
	if row.Total, err = parseDecimal(get(colTotal)); err != nil {
		return row, fmt.Errorf("%s: %w", colTotal, err)
	}

	row.Manager = get(colManager)
	row.Series = get(colSeries)
	row.Albaran = get(colAlbaran)
	row.Numero = get(colNumero)
	return row, nil
}

// =============================================================================
// CELL PARSING
// =============================================================================

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2-1-06",
	"01-02-06", // excelize default rendering of date cells
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil {
		return excelize.ExcelDateToTime(serial, false)
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// parseDecimal accepts dot or comma decimals. When both separators appear
// the last one is the decimal separator. Empty means zero.
func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(strings.NewReplacer("€", "", "$", "", " ", "", " ", "").Replace(s))
	if s == "" {
		return decimal.Zero, nil
	}

	dot := strings.LastIndex(s, ".")
	comma := strings.LastIndex(s, ",")
	switch {
	case dot >= 0 && comma >= 0 && comma > dot:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case dot >= 0 && comma >= 0:
		s = strings.ReplaceAll(s, ",", "")
	case comma >= 0:
		s = strings.Replace(s, ",", ".", 1)
	}
	return decimal.NewFromString(s)
}

func blank(raw []string) bool {
	for _, v := range raw {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func columnNames(cols []column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = string(c)
	}
	return out
}
