package export

import (
	"bytes"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/cevdata/pdtmatch/query"
)

func sampleReport() Report {
	return Report{
		Ranking: []query.RankedEntity{
			{Rank: 1, Code: "91001", Name: "Leticia", Department: "Amazonas",
				RecCount: 12, TotalRows: 40, MeanSimilarity: 0.81, PriorityCount: 5},
			{Rank: 2, Code: "27001", Name: "Quibdó", Department: "Chocó",
				RecCount: 9, TotalRows: 31, MeanSimilarity: 0.77, PriorityCount: 3},
		},
		Rows: &query.Table{
			Columns: []string{"mpio", "recommendation_code", "sentence_similarity"},
			Rows: [][]any{
				{"Leticia", "R01", 0.9},
				{"Quibdó", "R02", 0.75},
			},
		},
		Dictionary: []query.Recommendation{
			{Code: "R01", Text: "Recomendación sobre víctimas", Topic: "Víctimas", Priority: true},
			{Code: "R02", Text: "Recomendación sobre tierras", Topic: "Tierras", Priority: false},
		},
	}
}

// ---------------------------------------------------------------------------
// Workbook
// ---------------------------------------------------------------------------

func TestWriteWorkbook(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteWorkbook(&buf, sampleReport()); err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("reopening workbook: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	want := []string{sheetRanking, sheetRows, sheetDictionary}
	if len(sheets) != len(want) {
		t.Fatalf("sheets: got %v, want %v", sheets, want)
	}
	for _, name := range want {
		found := false
		for _, s := range sheets {
			if s == name {
				found = true
			}
		}
		if !found {
			t.Errorf("missing sheet %q in %v", name, sheets)
		}
	}

	// Header row and first data row of the ranking.
	if got, _ := f.GetCellValue(sheetRanking, "C1"); got != "Nombre" {
		t.Errorf("ranking header C1: got %q", got)
	}
	if got, _ := f.GetCellValue(sheetRanking, "C2"); got != "Leticia" {
		t.Errorf("ranking C2: got %q", got)
	}
	if got, _ := f.GetCellValue(sheetRanking, "A3"); got != "2" {
		t.Errorf("ranking A3: got %q", got)
	}

	// Filtered data keeps the source column names.
	if got, _ := f.GetCellValue(sheetRows, "B1"); got != "recommendation_code" {
		t.Errorf("data header B1: got %q", got)
	}
	if got, _ := f.GetCellValue(sheetRows, "A3"); got != "Quibdó" {
		t.Errorf("data A3: got %q", got)
	}

	// Dictionary renders the priority flag in Spanish.
	if got, _ := f.GetCellValue(sheetDictionary, "D2"); got != "Sí" {
		t.Errorf("dictionary D2: got %q", got)
	}
	if got, _ := f.GetCellValue(sheetDictionary, "D3"); got != "No" {
		t.Errorf("dictionary D3: got %q", got)
	}
}

func TestWriteWorkbookEmptyReport(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteWorkbook(&buf, Report{}); err != nil {
		t.Fatalf("empty report: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("reopening workbook: %v", err)
	}
	defer f.Close()

	// Headers survive even with no data rows.
	if got, _ := f.GetCellValue(sheetRanking, "A1"); got != "Posición" {
		t.Errorf("ranking header A1: got %q", got)
	}
	if got, _ := f.GetCellValue(sheetRanking, "A2"); got != "" {
		t.Errorf("expected empty data area, got %q", got)
	}
}

// ---------------------------------------------------------------------------
// CSV
// ---------------------------------------------------------------------------

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, &query.Table{
		Columns: []string{"mpio", "sentence_similarity", "PDET"},
		Rows: [][]any{
			{"Puerto Nariño", 0.85, int64(1)},
			{"Mitú", 0.7, int64(0)},
		},
	})
	if err != nil {
		t.Fatalf("write csv: %v", err)
	}

	out := buf.Bytes()
	if !bytes.HasPrefix(out, utf8BOM) {
		t.Fatal("CSV output must start with a UTF-8 BOM")
	}

	lines := strings.Split(strings.TrimSpace(string(out[len(utf8BOM):])), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines", len(lines))
	}
	if lines[0] != "mpio,sentence_similarity,PDET" {
		t.Errorf("header: got %q", lines[0])
	}
	if lines[1] != "Puerto Nariño,0.85,1" {
		t.Errorf("row 1: got %q", lines[1])
	}
	if lines[2] != "Mitú,0.7,0" {
		t.Errorf("row 2: got %q", lines[2])
	}
}

func TestWriteCSVQuotesFields(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, &query.Table{
		Columns: []string{"texto"},
		Rows:    [][]any{{`dice "paz", con coma`}},
	})
	if err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if !strings.Contains(buf.String(), `"dice ""paz"", con coma"`) {
		t.Fatalf("field not quoted: %q", buf.String())
	}
}

func TestWriteRankingCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRankingCSV(&buf, sampleReport().Ranking); err != nil {
		t.Fatalf("write ranking csv: %v", err)
	}

	s := buf.String()
	if !strings.Contains(s, "posicion,codigo,nombre") {
		t.Errorf("missing header: %q", s)
	}
	if !strings.Contains(s, "1,91001,Leticia,Amazonas,12,40,0.81,5") {
		t.Errorf("missing first row: %q", s)
	}
}

func TestFormatValue(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"texto", "texto"},
		{[]byte("bytes"), "bytes"},
		{0.5, "0.5"},
		{int64(7), "7"},
		{3, "3"},
		{true, "true"},
	}
	for _, c := range cases {
		if got := formatValue(c.in); got != c.want {
			t.Errorf("formatValue(%v): got %q, want %q", c.in, got, c.want)
		}
	}
}
