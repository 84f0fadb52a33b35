// Package export renders query results into downloadable artifacts: an
// Excel workbook for the full report and CSV for single tables. CSV output
// is UTF-8 with a BOM so spreadsheet applications pick up accented
// Spanish place names correctly.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/cevdata/pdtmatch/query"
)

const (
	sheetRanking    = "Ranking"
	sheetRows       = "Datos filtrados"
	sheetDictionary = "Recomendaciones"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Report bundles the result sets that make up one workbook. Nil or empty
// sections render as a sheet with headers only.
type Report struct {
	Ranking    []query.RankedEntity
	Rows       *query.Table
	Dictionary []query.Recommendation
}

// WriteWorkbook renders the report as an .xlsx document.
func WriteWorkbook(w io.Writer, r Report) error {
	f := excelize.NewFile()
	defer f.Close()

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"4472C4"}},
	})
	if err != nil {
		return fmt.Errorf("creating header style: %w", err)
	}

	if err := writeRankingSheet(f, header, r.Ranking); err != nil {
		return err
	}
	if err := writeRowsSheet(f, header, r.Rows); err != nil {
		return err
	}
	if err := writeDictionarySheet(f, header, r.Dictionary); err != nil {
		return err
	}

	// The workbook opens on the ranking, not on the default empty sheet.
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("dropping default sheet: %w", err)
	}
	idx, err := f.GetSheetIndex(sheetRanking)
	if err != nil {
		return fmt.Errorf("locating ranking sheet: %w", err)
	}
	f.SetActiveSheet(idx)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func writeRankingSheet(f *excelize.File, style int, ranking []query.RankedEntity) error {
	if _, err := f.NewSheet(sheetRanking); err != nil {
		return fmt.Errorf("creating ranking sheet: %w", err)
	}

	headers := []any{"Posición", "Código", "Nombre", "Departamento",
		"Recomendaciones", "Menciones", "Similitud media", "Prioritarias"}
	if err := writeSheet(f, sheetRanking, style, headers, len(ranking), func(i int) []any {
		e := ranking[i]
		return []any{e.Rank, e.Code, e.Name, e.Department,
			e.RecCount, e.TotalRows, e.MeanSimilarity, e.PriorityCount}
	}); err != nil {
		return err
	}
	return f.SetColWidth(sheetRanking, "B", "D", 24)
}

func writeRowsSheet(f *excelize.File, style int, t *query.Table) error {
	if _, err := f.NewSheet(sheetRows); err != nil {
		return fmt.Errorf("creating data sheet: %w", err)
	}

	var headers []any
	if t != nil {
		for _, c := range t.Columns {
			headers = append(headers, c)
		}
	}
	if err := writeSheet(f, sheetRows, style, headers, t.Len(), func(i int) []any {
		return t.Rows[i]
	}); err != nil {
		return err
	}
	if len(headers) > 0 {
		last, err := excelize.ColumnNumberToName(len(headers))
		if err != nil {
			return fmt.Errorf("sizing data sheet: %w", err)
		}
		return f.SetColWidth(sheetRows, "A", last, 18)
	}
	return nil
}

func writeDictionarySheet(f *excelize.File, style int, recs []query.Recommendation) error {
	if _, err := f.NewSheet(sheetDictionary); err != nil {
		return fmt.Errorf("creating dictionary sheet: %w", err)
	}

	headers := []any{"Código", "Recomendación", "Tema", "Prioritaria"}
	if err := writeSheet(f, sheetDictionary, style, headers, len(recs), func(i int) []any {
		r := recs[i]
		priority := "No"
		if r.Priority {
			priority = "Sí"
		}
		return []any{r.Code, r.Text, r.Topic, priority}
	}); err != nil {
		return err
	}
	return f.SetColWidth(sheetDictionary, "B", "B", 80)
}

// writeSheet fills one sheet: a styled header row, then rows produced by
// rowAt.
func writeSheet(f *excelize.File, sheet string, style int, headers []any, n int, rowAt func(int) []any) error {
	if len(headers) > 0 {
		if err := f.SetSheetRow(sheet, "A1", &headers); err != nil {
			return fmt.Errorf("writing %s headers: %w", sheet, err)
		}
		last, err := excelize.CoordinatesToCellName(len(headers), 1)
		if err != nil {
			return fmt.Errorf("sizing %s header: %w", sheet, err)
		}
		if err := f.SetCellStyle(sheet, "A1", last, style); err != nil {
			return fmt.Errorf("styling %s header: %w", sheet, err)
		}
	}

	for i := 0; i < n; i++ {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("addressing %s row %d: %w", sheet, i, err)
		}
		row := rowAt(i)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("writing %s row %d: %w", sheet, i, err)
		}
	}
	return nil
}

// WriteCSV renders a table as BOM-prefixed UTF-8 CSV.
func WriteCSV(w io.Writer, t *query.Table) error {
	if _, err := w.Write(utf8BOM); err != nil {
		return fmt.Errorf("writing BOM: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}

	record := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i := range record {
			record[i] = ""
			if i < len(row) {
				record[i] = formatValue(row[i])
			}
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing CSV row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteRankingCSV renders the ranking as BOM-prefixed UTF-8 CSV.
func WriteRankingCSV(w io.Writer, ranking []query.RankedEntity) error {
	t := &query.Table{
		Columns: []string{"posicion", "codigo", "nombre", "departamento",
			"recomendaciones", "menciones", "similitud_media", "prioritarias"},
	}
	for _, e := range ranking {
		t.Rows = append(t.Rows, []any{e.Rank, e.Code, e.Name, e.Department,
			e.RecCount, e.TotalRows, e.MeanSimilarity, e.PriorityCount})
	}
	return WriteCSV(w, t)
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
