package query

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cevdata/pdtmatch/dataset"
	"github.com/cevdata/pdtmatch/filter"
)

// factRow is one fixture row. Zero values are filled with plausible
// defaults by normalize so tests only state what they assert on.
type factRow struct {
	territory string
	dept      string
	muni      string
	rec       string
	sim       float64
	class     string
	conf      float64
	pdet      int
	conflict  string
	poverty   float64
	capacity  string
	priority  int
	paragraph string
	parSim    float64
	page      int
}

func (r factRow) normalize() factRow {
	if r.territory == "" {
		r.territory = dataset.TerritoryMunicipality
	}
	if r.class == "" {
		r.class = dataset.ClassIncluded
	}
	if r.conf == 0 {
		r.conf = 0.95
	}
	if r.conflict == "" {
		r.conflict = "Medio"
	}
	if r.poverty == 0 {
		r.poverty = 30
	}
	if r.capacity == "" {
		r.capacity = "G1"
	}
	if r.sim == 0 {
		r.sim = 0.8
	}
	if r.paragraph == "" {
		r.paragraph = r.muni + "-p1"
	}
	if r.parSim == 0 {
		r.parSim = r.sim
	}
	if r.page == 0 {
		r.page = 1
	}
	return r
}

// code derives a stable fake DANE-style code from a name.
func code(name string) string {
	sum := 0
	for _, c := range name {
		sum += int(c)
	}
	return fmt.Sprintf("%05d", sum)
}

// newTestLibrary builds a Parquet fixture from rows through DuckDB and
// opens a Library over it.
func newTestLibrary(t *testing.T, rows []factRow) *Library {
	t.Helper()

	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("opening duckdb: %v", err)
	}
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE facts (
			tipo_territorio VARCHAR,
			dpto_cdpmp VARCHAR,
			dpto VARCHAR,
			mpio_cdpmp VARCHAR,
			mpio VARCHAR,
			recommendation_code VARCHAR,
			recommendation_text VARCHAR,
			recommendation_topic VARCHAR,
			recommendation_priority INTEGER,
			sentence_id VARCHAR,
			sentence_text VARCHAR,
			sentence_similarity DOUBLE,
			paragraph_id VARCHAR,
			paragraph_text VARCHAR,
			paragraph_similarity DOUBLE,
			page_number INTEGER,
			sentence_id_paragraph INTEGER,
			predicted_class VARCHAR,
			prediction_confidence DOUBLE,
			IPM_2018 DOUBLE,
			PDET INTEGER,
			Cat_IICA VARCHAR,
			Grupo_MDM VARCHAR
		)
	`)
	if err != nil {
		t.Fatalf("creating fixture table: %v", err)
	}

	stmt, err := db.Prepare(`
		INSERT INTO facts VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		t.Fatalf("preparing insert: %v", err)
	}
	defer stmt.Close()

	for i, raw := range rows {
		r := raw.normalize()
		_, err := stmt.Exec(
			r.territory, code(r.dept), r.dept, code(r.muni), r.muni,
			r.rec, "Texto de "+r.rec, "Tema de "+r.rec, r.priority,
			fmt.Sprintf("s-%d", i), "oración de prueba", r.sim,
			r.paragraph, "párrafo de prueba", r.parSim, r.page, 0,
			r.class, r.conf,
			r.poverty, r.pdet, r.conflict, r.capacity,
		)
		if err != nil {
			t.Fatalf("inserting fixture row %d: %v", i, err)
		}
	}

	path := filepath.Join(t.TempDir(), "facts.parquet")
	escaped := strings.ReplaceAll(path, "'", "''")
	if _, err := db.Exec(fmt.Sprintf("COPY facts TO '%s' (FORMAT PARQUET)", escaped)); err != nil {
		t.Fatalf("writing parquet fixture: %v", err)
	}

	h, err := dataset.Open(path, dataset.Options{})
	if err != nil {
		t.Fatalf("opening fixture: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return New(h)
}

func municipalSpec() filter.Spec {
	return filter.Spec{Territory: filter.Municipality}
}

// ---------------------------------------------------------------------------
// Metadata
// ---------------------------------------------------------------------------

func TestMetadataCounts(t *testing.T) {
	lib := newTestLibrary(t, []factRow{
		{dept: "Amazonas", muni: "Leticia", rec: "R01", sim: 0.9},
		{dept: "Amazonas", muni: "Leticia", rec: "R02", sim: 0.7},
		{dept: "Amazonas", muni: "Puerto Nariño", rec: "R01", sim: 0.8},
		{dept: "Chocó", muni: "Quibdó", rec: "R03", sim: 0.75},
	})

	m := lib.Metadata(context.Background(), municipalSpec())
	if m.RowCount != 4 {
		t.Errorf("row count: got %d, want 4", m.RowCount)
	}
	if m.DepartmentCount != 2 {
		t.Errorf("department count: got %d, want 2", m.DepartmentCount)
	}
	if m.MunicipalityCount != 3 {
		t.Errorf("municipality count: got %d, want 3", m.MunicipalityCount)
	}
	if m.RecommendationCount != 3 {
		t.Errorf("recommendation count: got %d, want 3", m.RecommendationCount)
	}
	want := (0.9 + 0.7 + 0.8 + 0.75) / 4
	if diff := m.MeanSimilarity - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("mean similarity: got %v, want %v", m.MeanSimilarity, want)
	}
}

func TestMetadataIgnoresDepartmentRows(t *testing.T) {
	lib := newTestLibrary(t, []factRow{
		{dept: "Amazonas", muni: "Leticia", rec: "R01"},
		{territory: dataset.TerritoryDepartment, dept: "Amazonas", muni: "", rec: "R01"},
	})

	m := lib.Metadata(context.Background(), municipalSpec())
	if m.RowCount != 1 {
		t.Fatalf("metadata must only count municipality rows, got %d", m.RowCount)
	}
}

// ---------------------------------------------------------------------------
// Threshold and policy semantics
// ---------------------------------------------------------------------------

func TestThresholdMonotonicity(t *testing.T) {
	lib := newTestLibrary(t, []factRow{
		{dept: "Chocó", muni: "Quibdó", rec: "R01", sim: 0.66},
		{dept: "Chocó", muni: "Quibdó", rec: "R02", sim: 0.75},
		{dept: "Chocó", muni: "Quibdó", rec: "R03", sim: 0.85},
		{dept: "Chocó", muni: "Quibdó", rec: "R04", sim: 0.95},
	})

	ctx := context.Background()
	prev := int64(-1)
	for _, th := range []float64{0.95, 0.85, 0.75, 0.66} {
		s := municipalSpec()
		s.Threshold = th
		n := lib.Metadata(ctx, s).RowCount
		if prev >= 0 && n < prev {
			t.Fatalf("row count decreased when threshold dropped to %v: %d < %d", th, n, prev)
		}
		prev = n
	}

	s := municipalSpec()
	s.Threshold = 0.66
	if got := lib.Metadata(ctx, s).RowCount; got != 4 {
		t.Fatalf("threshold is inclusive: got %d rows at 0.66, want 4", got)
	}
}

func TestPolicyConfidenceBoundary(t *testing.T) {
	lib := newTestLibrary(t, []factRow{
		{dept: "Cauca", muni: "Popayán", rec: "R01", class: dataset.ClassIncluded, conf: 0.99},
		{dept: "Cauca", muni: "Popayán", rec: "R02", class: dataset.ClassExcluded, conf: 0.79},
		{dept: "Cauca", muni: "Popayán", rec: "R03", class: dataset.ClassExcluded, conf: 0.81},
	})

	ctx := context.Background()

	// Included mode keeps Incluida plus sub-cutoff exclusions.
	if got := lib.Metadata(ctx, municipalSpec()).RowCount; got != 2 {
		t.Errorf("included mode: got %d rows, want 2", got)
	}

	// Excluded mode keeps every Excluida row regardless of confidence.
	s := municipalSpec()
	s.Policy = filter.PolicyExcluded
	if got := lib.Metadata(ctx, s).RowCount; got != 2 {
		t.Errorf("excluded mode: got %d rows, want 2", got)
	}
}

func TestRestrictiveFilterYieldsEmptyNotError(t *testing.T) {
	lib := newTestLibrary(t, []factRow{
		{dept: "Nariño", muni: "Pasto", rec: "R01", sim: 0.7},
	})

	s := municipalSpec()
	s.Threshold = 0.99
	s.Department = "Vichada"

	ctx := context.Background()
	if got := lib.Metadata(ctx, s).RowCount; got != 0 {
		t.Errorf("metadata: got %d rows, want 0", got)
	}
	if got := lib.Ranking(ctx, s, 0); len(got) != 0 {
		t.Errorf("ranking: got %d entities, want 0", len(got))
	}
	if got := lib.DepartmentStats(ctx, s); len(got) != 0 {
		t.Errorf("department stats: got %d rows, want 0", len(got))
	}
	if got := lib.Rows(ctx, s, nil, 10); got.Len() != 0 {
		t.Errorf("rows: got %d, want 0", got.Len())
	}
}

// ---------------------------------------------------------------------------
// Department aggregation
// ---------------------------------------------------------------------------

// statsFixture gives Amazonas three municipalities with 3, 5 and 7
// distinct recommendations.
func statsFixture() []factRow {
	var rows []factRow
	munis := map[string]int{"Alfa": 3, "Beta": 5, "Gamma": 7}
	for muni, n := range munis {
		for i := 0; i < n; i++ {
			rows = append(rows, factRow{
				dept: "Amazonas", muni: muni,
				rec: fmt.Sprintf("R%02d", i+1), sim: 0.9,
			})
		}
	}
	return rows
}

func TestDepartmentStats(t *testing.T) {
	lib := newTestLibrary(t, statsFixture())

	stats := lib.DepartmentStats(context.Background(), municipalSpec())
	if len(stats) != 1 {
		t.Fatalf("expected 1 department, got %d", len(stats))
	}

	s := stats[0]
	if s.Department != "Amazonas" {
		t.Errorf("department: got %q", s.Department)
	}
	if s.Municipalities != 3 {
		t.Errorf("municipalities: got %d, want 3", s.Municipalities)
	}
	if s.AvgRecs != 5 {
		t.Errorf("avg recs: got %d, want 5", s.AvgRecs)
	}
	if s.MinRecs != 3 || s.MinMunicipality != "Alfa" {
		t.Errorf("min: got %d/%q, want 3/Alfa", s.MinRecs, s.MinMunicipality)
	}
	if s.MaxRecs != 7 || s.MaxMunicipality != "Gamma" {
		t.Errorf("max: got %d/%q, want 7/Gamma", s.MaxRecs, s.MaxMunicipality)
	}
}

func TestDepartmentStatsTieBreaksAlphabetically(t *testing.T) {
	lib := newTestLibrary(t, []factRow{
		{dept: "Cauca", muni: "Zulia", rec: "R01"},
		{dept: "Cauca", muni: "Andes", rec: "R01"},
	})

	stats := lib.DepartmentStats(context.Background(), municipalSpec())
	if len(stats) != 1 {
		t.Fatalf("expected 1 department, got %d", len(stats))
	}
	if stats[0].MinMunicipality != "Andes" {
		t.Errorf("min tie-break: got %q, want Andes", stats[0].MinMunicipality)
	}
	if stats[0].MaxMunicipality != "Andes" {
		t.Errorf("max tie-break: got %q, want Andes", stats[0].MaxMunicipality)
	}
}

// ---------------------------------------------------------------------------
// Ranking
// ---------------------------------------------------------------------------

func TestRankingOrderAndTieBreak(t *testing.T) {
	var rows []factRow
	// Tres: 3 recs, Dos and Uno: 2 recs each (tie, alphabetical order).
	for i := 0; i < 3; i++ {
		rows = append(rows, factRow{dept: "Meta", muni: "Tres", rec: fmt.Sprintf("R%02d", i+1)})
	}
	for _, muni := range []string{"Uno", "Dos"} {
		for i := 0; i < 2; i++ {
			rows = append(rows, factRow{dept: "Meta", muni: muni, rec: fmt.Sprintf("R%02d", i+1)})
		}
	}
	lib := newTestLibrary(t, rows)

	ranking := lib.Ranking(context.Background(), municipalSpec(), 0)
	if len(ranking) != 3 {
		t.Fatalf("expected 3 entities, got %d", len(ranking))
	}

	wantNames := []string{"Tres", "Dos", "Uno"}
	for i, want := range wantNames {
		if ranking[i].Name != want {
			t.Errorf("position %d: got %q, want %q", i+1, ranking[i].Name, want)
		}
		if ranking[i].Rank != int64(i+1) {
			t.Errorf("rank at position %d: got %d", i+1, ranking[i].Rank)
		}
	}
	if ranking[0].RecCount != 3 {
		t.Errorf("top rec count: got %d, want 3", ranking[0].RecCount)
	}
	if ranking[0].Department != "Meta" {
		t.Errorf("department: got %q", ranking[0].Department)
	}
}

func TestRankingTopN(t *testing.T) {
	lib := newTestLibrary(t, statsFixture())

	top := lib.Ranking(context.Background(), municipalSpec(), 2)
	if len(top) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(top))
	}
	if top[0].Name != "Gamma" {
		t.Errorf("first: got %q, want Gamma", top[0].Name)
	}
}

func TestRankingByDepartment(t *testing.T) {
	lib := newTestLibrary(t, []factRow{
		{territory: dataset.TerritoryDepartment, dept: "Amazonas", rec: "R01"},
		{territory: dataset.TerritoryDepartment, dept: "Amazonas", rec: "R02"},
		{territory: dataset.TerritoryDepartment, dept: "Chocó", rec: "R01"},
		{dept: "Amazonas", muni: "Leticia", rec: "R03"},
	})

	ranking := lib.Ranking(context.Background(), filter.Spec{Territory: filter.Department}, 0)
	if len(ranking) != 2 {
		t.Fatalf("expected 2 departments, got %d", len(ranking))
	}
	if ranking[0].Name != "Amazonas" || ranking[0].RecCount != 2 {
		t.Errorf("first: got %q/%d, want Amazonas/2", ranking[0].Name, ranking[0].RecCount)
	}
	if ranking[0].Department != "" {
		t.Errorf("department rankings carry no parent department, got %q", ranking[0].Department)
	}
}

func TestRankOfMatchesRanking(t *testing.T) {
	lib := newTestLibrary(t, statsFixture())
	ctx := context.Background()
	spec := municipalSpec()

	ranking := lib.Ranking(ctx, spec, 0)
	if len(ranking) == 0 {
		t.Fatal("empty ranking")
	}

	for _, e := range ranking {
		got := lib.RankOf(ctx, spec, e.Name)
		if !got.Found {
			t.Errorf("%s: not found", e.Name)
			continue
		}
		if got.Position != e.Rank {
			t.Errorf("%s: lookup rank %d, ranking rank %d", e.Name, got.Position, e.Rank)
		}
		if got.Total != int64(len(ranking)) {
			t.Errorf("%s: total %d, want %d", e.Name, got.Total, len(ranking))
		}
	}
}

func TestRankOfUnknownEntity(t *testing.T) {
	lib := newTestLibrary(t, statsFixture())

	got := lib.RankOf(context.Background(), municipalSpec(), "Atlantis")
	if got.Found {
		t.Fatal("unknown entity reported as found")
	}
	if got.Position != 0 {
		t.Errorf("position: got %d, want 0", got.Position)
	}
	if got.Total != 3 {
		t.Errorf("total: got %d, want 3", got.Total)
	}
}

// ---------------------------------------------------------------------------
// Recommendation views
// ---------------------------------------------------------------------------

func TestTopRecommendations(t *testing.T) {
	lib := newTestLibrary(t, []factRow{
		{dept: "Meta", muni: "A", rec: "R01", priority: 1},
		{dept: "Meta", muni: "B", rec: "R01", priority: 1},
		{dept: "Meta", muni: "A", rec: "R01", priority: 1},
		{dept: "Meta", muni: "A", rec: "R02"},
	})

	recs := lib.TopRecommendations(context.Background(), municipalSpec(), 10)
	if len(recs) != 2 {
		t.Fatalf("expected 2 recommendations, got %d", len(recs))
	}
	if recs[0].Code != "R01" || recs[0].Frequency != 3 {
		t.Errorf("first: got %q/%d, want R01/3", recs[0].Code, recs[0].Frequency)
	}
	if recs[0].MunicipalityCount != 2 {
		t.Errorf("municipality count: got %d, want 2", recs[0].MunicipalityCount)
	}
	if !recs[0].Priority {
		t.Error("R01 should carry the priority flag")
	}
	if recs[1].Priority {
		t.Error("R02 should not carry the priority flag")
	}
}

func TestMunicipalitiesForRecommendation(t *testing.T) {
	lib := newTestLibrary(t, []factRow{
		{dept: "Meta", muni: "A", rec: "R01", sim: 0.9},
		{dept: "Meta", muni: "A", rec: "R01", sim: 0.7},
		{dept: "Meta", muni: "B", rec: "R01", sim: 0.95},
		{dept: "Meta", muni: "B", rec: "R02", sim: 0.99},
	})

	munis := lib.MunicipalitiesForRecommendation(context.Background(), municipalSpec(), "R01", 10)
	if len(munis) != 2 {
		t.Fatalf("expected 2 municipalities, got %d", len(munis))
	}
	if munis[0].Municipality != "A" || munis[0].Frequency != 2 {
		t.Errorf("first: got %q/%d, want A/2", munis[0].Municipality, munis[0].Frequency)
	}
	if munis[1].MaxSimilarity != 0.95 {
		t.Errorf("max similarity: got %v, want 0.95", munis[1].MaxSimilarity)
	}
}

func TestMunicipalitiesForUnknownRecommendation(t *testing.T) {
	lib := newTestLibrary(t, statsFixture())

	munis := lib.MunicipalitiesForRecommendation(context.Background(), municipalSpec(), "R99", 10)
	if len(munis) != 0 {
		t.Fatalf("unknown code should yield empty list, got %d", len(munis))
	}
}

func TestParagraphMatches(t *testing.T) {
	lib := newTestLibrary(t, []factRow{
		{dept: "Meta", muni: "A", rec: "R01", paragraph: "p1", parSim: 0.9, sim: 0.8, page: 3},
		{dept: "Meta", muni: "A", rec: "R01", paragraph: "p1", parSim: 0.9, sim: 0.7, page: 3},
		{dept: "Meta", muni: "A", rec: "R01", paragraph: "p2", parSim: 0.95, sim: 0.85, page: 5},
	})

	s := municipalSpec()
	s.Municipality = "A"
	matches := lib.ParagraphMatches(context.Background(), s, "R01", 10)
	if len(matches) != 2 {
		t.Fatalf("expected 2 paragraphs, got %d", len(matches))
	}
	if matches[0].ParagraphID != "p2" {
		t.Errorf("first paragraph: got %q, want p2 (highest similarity)", matches[0].ParagraphID)
	}
	if matches[1].SentenceCount != 2 {
		t.Errorf("p1 sentence count: got %d, want 2", matches[1].SentenceCount)
	}
	if matches[1].PageNumber != 3 {
		t.Errorf("p1 page: got %d, want 3", matches[1].PageNumber)
	}
}

// ---------------------------------------------------------------------------
// Row drill-down
// ---------------------------------------------------------------------------

func TestRowsProjectionAndLimit(t *testing.T) {
	lib := newTestLibrary(t, []factRow{
		{dept: "Meta", muni: "A", rec: "R01", sim: 0.7},
		{dept: "Meta", muni: "A", rec: "R02", sim: 0.9},
		{dept: "Meta", muni: "A", rec: "R03", sim: 0.8},
	})

	cols := []string{dataset.ColRecCode, dataset.ColSentenceSim}
	table := lib.Rows(context.Background(), municipalSpec(), cols, 2)
	if table.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d", table.Len())
	}
	if len(table.Columns) != 2 {
		t.Fatalf("expected 2 columns, got %v", table.Columns)
	}
	// Sorted by similarity descending.
	if table.Rows[0][0] != "R02" {
		t.Errorf("first row: got %v, want R02", table.Rows[0][0])
	}
	if table.Rows[1][0] != "R03" {
		t.Errorf("second row: got %v, want R03", table.Rows[1][0])
	}
}

func TestRowsRejectsUnknownColumn(t *testing.T) {
	lib := newTestLibrary(t, statsFixture())

	table := lib.Rows(context.Background(), municipalSpec(),
		[]string{"mpio; DROP TABLE facts"}, 10)
	if table.Len() != 0 {
		t.Fatalf("unknown column must yield empty table, got %d rows", table.Len())
	}
}

// ---------------------------------------------------------------------------
// Catalogs
// ---------------------------------------------------------------------------

func TestMunicipalityCatalog(t *testing.T) {
	lib := newTestLibrary(t, []factRow{
		{dept: "Chocó", muni: "Quibdó", rec: "R01"},
		{dept: "Amazonas", muni: "Leticia", rec: "R01"},
		{dept: "Amazonas", muni: "Leticia", rec: "R02"},
		{territory: dataset.TerritoryDepartment, dept: "Cauca", rec: "R01"},
	})

	munis := lib.Municipalities(context.Background())
	if len(munis) != 2 {
		t.Fatalf("expected 2 municipalities, got %d", len(munis))
	}
	// Ordered by department, then name; department-typed rows excluded.
	if munis[0].Name != "Leticia" || munis[0].Department != "Amazonas" {
		t.Errorf("first: got %q/%q", munis[0].Name, munis[0].Department)
	}
	if munis[1].Name != "Quibdó" {
		t.Errorf("second: got %q", munis[1].Name)
	}
}

func TestDepartmentCatalogByTerritory(t *testing.T) {
	lib := newTestLibrary(t, []factRow{
		{dept: "Amazonas", muni: "Leticia", rec: "R01"},
		{territory: dataset.TerritoryDepartment, dept: "Cauca", rec: "R01"},
	})

	ctx := context.Background()

	muniDepts := lib.Departments(ctx, filter.Municipality)
	if len(muniDepts) != 1 || muniDepts[0].Name != "Amazonas" {
		t.Errorf("municipality-plan departments: got %v", muniDepts)
	}

	ownDepts := lib.Departments(ctx, filter.Department)
	if len(ownDepts) != 1 || ownDepts[0].Name != "Cauca" {
		t.Errorf("department-plan departments: got %v", ownDepts)
	}
}

func TestCatalogIdempotent(t *testing.T) {
	lib := newTestLibrary(t, statsFixture())
	ctx := context.Background()

	first := lib.Municipalities(ctx)
	second := lib.Municipalities(ctx)
	if len(first) != len(second) {
		t.Fatalf("catalog size changed between calls: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("catalog entry %d changed: %v vs %v", i, first[i], second[i])
		}
	}
}

func TestRecommendationCatalog(t *testing.T) {
	lib := newTestLibrary(t, []factRow{
		{dept: "Meta", muni: "A", rec: "R02"},
		{dept: "Meta", muni: "B", rec: "R01", priority: 1},
		{dept: "Meta", muni: "A", rec: "R01", priority: 1},
	})

	recs := lib.Recommendations(context.Background())
	if len(recs) != 2 {
		t.Fatalf("expected 2 distinct recommendations, got %d", len(recs))
	}
	if recs[0].Code != "R01" || !recs[0].Priority {
		t.Errorf("first: got %q priority=%v", recs[0].Code, recs[0].Priority)
	}
	if recs[1].Code != "R02" || recs[1].Priority {
		t.Errorf("second: got %q priority=%v", recs[1].Code, recs[1].Priority)
	}
}
