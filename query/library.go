// Package query implements the fixed set of aggregation operations the
// dashboard is built from. Every operation applies its filters through the
// filter package so semantics never drift between views, and converts any
// internal error into an empty result at the operation boundary: the UI
// renders "no data for these filters" and the cause goes to the log.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cevdata/pdtmatch/dataset"
	"github.com/cevdata/pdtmatch/filter"
)

// Library executes aggregations over one dataset handle. It is stateless
// apart from the handle reference and safe for concurrent use.
type Library struct {
	h *dataset.Handle
}

// New returns a Library over the given handle.
func New(h *dataset.Handle) *Library {
	return &Library{h: h}
}

// Metadata returns basic counts and the mean similarity over Municipality
// rows matching the filter. Returns a zero summary on any failure.
func (l *Library) Metadata(ctx context.Context, spec filter.Spec) Metadata {
	spec.Territory = filter.Municipality

	m, err := l.metadata(ctx, spec)
	if err != nil {
		slog.Error("metadata query failed", "error", err)
		return Metadata{}
	}
	return m
}

func (l *Library) metadata(ctx context.Context, spec filter.Spec) (Metadata, error) {
	pred, err := filter.Build(spec)
	if err != nil {
		return Metadata{}, err
	}

	q := fmt.Sprintf(`
		SELECT
			COUNT(*),
			COUNT(DISTINCT %s),
			COUNT(DISTINCT %s),
			COUNT(DISTINCT %s),
			AVG(%s)
		FROM %s
		WHERE %s
	`, dataset.ColDeptName, dataset.ColMuniCode, dataset.ColRecCode,
		dataset.ColSentenceSim, l.h.Source(), pred.Where)

	var m Metadata
	var mean sql.NullFloat64
	err = l.h.QueryRow(ctx, q, pred.Args...).Scan(
		&m.RowCount, &m.DepartmentCount, &m.MunicipalityCount,
		&m.RecommendationCount, &mean)
	if err != nil {
		return Metadata{}, fmt.Errorf("metadata: %w", err)
	}
	m.MeanSimilarity = mean.Float64
	return m, nil
}

// Rows returns matching fact rows sorted by similarity descending,
// optionally column-projected and row-limited. Unknown projection columns
// are rejected; limit <= 0 means no limit.
func (l *Library) Rows(ctx context.Context, spec filter.Spec, projection []string, limit int) *Table {
	t, err := l.rows(ctx, spec, projection, limit)
	if err != nil {
		slog.Error("filtered rows query failed", "error", err)
		return &Table{}
	}
	return t
}

func (l *Library) rows(ctx context.Context, spec filter.Spec, projection []string, limit int) (*Table, error) {
	pred, err := filter.Build(spec)
	if err != nil {
		return nil, err
	}

	cols := projection
	if len(cols) == 0 {
		cols = dataset.Columns
	}
	for _, c := range cols {
		if !dataset.IsColumn(c) {
			return nil, fmt.Errorf("unknown column %q", c)
		}
	}

	limitClause := ""
	args := pred.Args
	if limit > 0 {
		limitClause = "LIMIT ?"
		args = append(args, limit)
	}

	q := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE %s
		ORDER BY %s DESC
		%s
	`, strings.Join(cols, ", "), l.h.Source(), pred.Where, dataset.ColSentenceSim, limitClause)

	rows, err := l.h.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("filtered rows: %w", err)
	}
	defer rows.Close()

	t := &Table{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		t.Rows = append(t.Rows, values)
	}
	return t, rows.Err()
}

// DepartmentStats aggregates municipality coverage per department: count
// of matching municipalities, the average of their distinct-recommendation
// counts (rounded to integer), and the municipalities holding the minimum
// and maximum. Ties resolve to the alphabetically first municipality.
func (l *Library) DepartmentStats(ctx context.Context, spec filter.Spec) []DepartmentStats {
	spec.Territory = filter.Municipality

	stats, err := l.departmentStats(ctx, spec)
	if err != nil {
		slog.Error("department stats query failed", "error", err)
		return nil
	}
	return stats
}

func (l *Library) departmentStats(ctx context.Context, spec filter.Spec) ([]DepartmentStats, error) {
	pred, err := filter.Build(spec)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`
		WITH recs_per_muni AS (
			SELECT
				%[2]s AS dept_code,
				%[3]s AS dept_name,
				%[4]s AS muni_name,
				COUNT(DISTINCT %[5]s) AS num_recs
			FROM %[1]s
			WHERE %[6]s
			GROUP BY %[2]s, %[3]s, %[4]s
		),
		ranked AS (
			SELECT *,
				ROW_NUMBER() OVER (PARTITION BY dept_code ORDER BY num_recs ASC, muni_name ASC) AS rank_min,
				ROW_NUMBER() OVER (PARTITION BY dept_code ORDER BY num_recs DESC, muni_name ASC) AS rank_max
			FROM recs_per_muni
		),
		muni_min AS (
			SELECT dept_code, muni_name AS min_muni, num_recs AS min_recs FROM ranked WHERE rank_min = 1
		),
		muni_max AS (
			SELECT dept_code, muni_name AS max_muni, num_recs AS max_recs FROM ranked WHERE rank_max = 1
		),
		overall AS (
			SELECT
				dept_code,
				dept_name,
				COUNT(*) AS municipalities,
				CAST(ROUND(AVG(num_recs), 0) AS BIGINT) AS avg_recs
			FROM recs_per_muni
			GROUP BY dept_code, dept_name
		)
		SELECT
			CAST(o.dept_code AS VARCHAR),
			o.dept_name,
			o.municipalities,
			o.avg_recs,
			COALESCE(mn.min_recs, 0),
			COALESCE(mn.min_muni, 'N/A'),
			COALESCE(mx.max_recs, 0),
			COALESCE(mx.max_muni, 'N/A')
		FROM overall o
		LEFT JOIN muni_min mn ON mn.dept_code = o.dept_code
		LEFT JOIN muni_max mx ON mx.dept_code = o.dept_code
		ORDER BY o.avg_recs DESC, o.dept_name ASC
	`, l.h.Source(), dataset.ColDeptCode, dataset.ColDeptName, dataset.ColMuniName,
		dataset.ColRecCode, pred.Where)

	rows, err := l.h.Query(ctx, q, pred.Args...)
	if err != nil {
		return nil, fmt.Errorf("department stats: %w", err)
	}
	defer rows.Close()

	var stats []DepartmentStats
	for rows.Next() {
		var s DepartmentStats
		if err := rows.Scan(&s.DeptCode, &s.Department, &s.Municipalities, &s.AvgRecs,
			&s.MinRecs, &s.MinMunicipality, &s.MaxRecs, &s.MaxMunicipality); err != nil {
			return nil, fmt.Errorf("scan department stats: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Ranking orders entities by distinct-recommendation count descending.
// The grouping follows the spec's territory type: municipalities for
// Municipality, departments for Department. topN <= 0 returns the full
// ranking.
func (l *Library) Ranking(ctx context.Context, spec filter.Spec, topN int) []RankedEntity {
	entities, err := l.ranking(ctx, spec, topN)
	if err != nil {
		slog.Error("ranking query failed", "territory", spec.Territory, "error", err)
		return nil
	}
	return entities
}

func (l *Library) ranking(ctx context.Context, spec filter.Spec, topN int) ([]RankedEntity, error) {
	pred, err := filter.Build(spec)
	if err != nil {
		return nil, err
	}

	limitClause := ""
	args := pred.Args
	if topN > 0 {
		limitClause = "LIMIT ?"
		args = append(args, topN)
	}

	q := fmt.Sprintf("%s ORDER BY rank %s", l.rankingSQL(spec.Territory, pred.Where), limitClause)

	rows, err := l.h.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ranking: %w", err)
	}
	defer rows.Close()

	var entities []RankedEntity
	for rows.Next() {
		var e RankedEntity
		if err := rows.Scan(&e.Code, &e.Name, &e.Department, &e.RecCount,
			&e.TotalRows, &e.MeanSimilarity, &e.PriorityCount, &e.Rank); err != nil {
			return nil, fmt.Errorf("scan ranking row: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// rankingSQL builds the shared ranking body used by both Ranking and
// RankOf, so a single-entity lookup is consistent with the full ranking by
// construction: identical grouping, identical ordering, identical
// tie-break (name ascending).
func (l *Library) rankingSQL(territory filter.TerritoryType, where string) string {
	codeCol, nameCol, deptExpr, groupBy := dataset.ColMuniCode, dataset.ColMuniName,
		dataset.ColDeptName,
		fmt.Sprintf("%s, %s, %s", dataset.ColMuniCode, dataset.ColMuniName, dataset.ColDeptName)
	if territory == filter.Department {
		codeCol, nameCol, deptExpr = dataset.ColDeptCode, dataset.ColDeptName, "''"
		groupBy = fmt.Sprintf("%s, %s", dataset.ColDeptCode, dataset.ColDeptName)
	}

	return fmt.Sprintf(`
		SELECT
			CAST(%[1]s AS VARCHAR) AS code,
			%[2]s AS name,
			%[3]s AS department,
			COUNT(DISTINCT %[4]s) AS rec_count,
			COUNT(*) AS total_rows,
			AVG(%[5]s) AS mean_sim,
			COUNT(CASE WHEN CAST(%[6]s AS INTEGER) = 1 THEN 1 END) AS priority_count,
			ROW_NUMBER() OVER (ORDER BY COUNT(DISTINCT %[4]s) DESC, %[2]s ASC) AS rank
		FROM %[7]s
		WHERE %[8]s
		GROUP BY %[9]s`,
		codeCol, nameCol, deptExpr, dataset.ColRecCode, dataset.ColSentenceSim,
		dataset.ColRecPriority, l.h.Source(), where, groupBy)
}

// RankOf returns the rank position of one named entity plus the total
// entity count, without materializing the full ranking client-side. The
// result is identical to the position the entity holds in Ranking with the
// same spec.
func (l *Library) RankOf(ctx context.Context, spec filter.Spec, name string) RankLookup {
	lookup, err := l.rankOf(ctx, spec, name)
	if err != nil {
		slog.Error("rank lookup failed", "entity", name, "error", err)
		return RankLookup{}
	}
	return lookup
}

func (l *Library) rankOf(ctx context.Context, spec filter.Spec, name string) (RankLookup, error) {
	pred, err := filter.Build(spec)
	if err != nil {
		return RankLookup{}, err
	}

	q := fmt.Sprintf(`
		WITH ranking AS (%s),
		total AS (SELECT COUNT(*) AS n FROM ranking)
		SELECT total.n, ranking.rank
		FROM total
		LEFT JOIN ranking ON ranking.name = ?
	`, l.rankingSQL(spec.Territory, pred.Where))

	args := append(pred.Args, name)

	var lookup RankLookup
	var rank sql.NullInt64
	if err := l.h.QueryRow(ctx, q, args...).Scan(&lookup.Total, &rank); err != nil {
		return RankLookup{}, fmt.Errorf("rank lookup: %w", err)
	}
	if rank.Valid {
		lookup.Position = rank.Int64
		lookup.Found = true
	}
	return lookup, nil
}

// TopRecommendations returns the most-mentioned recommendations under the
// filter, sorted by sentence frequency descending.
func (l *Library) TopRecommendations(ctx context.Context, spec filter.Spec, limit int) []TopRecommendation {
	recs, err := l.topRecommendations(ctx, spec, limit)
	if err != nil {
		slog.Error("top recommendations query failed", "error", err)
		return nil
	}
	return recs
}

func (l *Library) topRecommendations(ctx context.Context, spec filter.Spec, limit int) ([]TopRecommendation, error) {
	pred, err := filter.Build(spec)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	q := fmt.Sprintf(`
		SELECT
			%[2]s,
			%[3]s,
			CAST(%[4]s AS INTEGER),
			COUNT(*) AS frequency,
			COUNT(DISTINCT %[5]s) AS municipality_count,
			AVG(%[6]s) AS mean_sim
		FROM %[1]s
		WHERE %[7]s
		GROUP BY %[2]s, %[3]s, %[4]s
		ORDER BY frequency DESC, %[2]s ASC
		LIMIT ?
	`, l.h.Source(), dataset.ColRecCode, dataset.ColRecText, dataset.ColRecPriority,
		dataset.ColMuniCode, dataset.ColSentenceSim, pred.Where)

	args := append(pred.Args, limit)

	rows, err := l.h.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("top recommendations: %w", err)
	}
	defer rows.Close()

	var recs []TopRecommendation
	for rows.Next() {
		var r TopRecommendation
		var priority int64
		if err := rows.Scan(&r.Code, &r.Text, &priority, &r.Frequency,
			&r.MunicipalityCount, &r.MeanSimilarity); err != nil {
			return nil, fmt.Errorf("scan recommendation row: %w", err)
		}
		r.Priority = priority == 1
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// MunicipalitiesForRecommendation lists municipalities mentioning one
// recommendation code, by frequency then mean similarity descending. A
// code absent from the dataset yields an empty list.
func (l *Library) MunicipalitiesForRecommendation(ctx context.Context, spec filter.Spec, code string, limit int) []RecommendationMunicipality {
	munis, err := l.municipalitiesForRecommendation(ctx, spec, code, limit)
	if err != nil {
		slog.Error("municipalities per recommendation query failed", "code", code, "error", err)
		return nil
	}
	return munis
}

func (l *Library) municipalitiesForRecommendation(ctx context.Context, spec filter.Spec, code string, limit int) ([]RecommendationMunicipality, error) {
	spec.Territory = filter.Municipality
	pred, err := filter.Build(spec)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	q := fmt.Sprintf(`
		SELECT
			%[2]s,
			%[3]s,
			COUNT(*) AS frequency,
			AVG(%[4]s) AS mean_sim,
			MAX(%[4]s) AS max_sim
		FROM %[1]s
		WHERE %[5]s AND %[6]s = ?
		GROUP BY %[2]s, %[3]s
		ORDER BY frequency DESC, mean_sim DESC, %[2]s ASC
		LIMIT ?
	`, l.h.Source(), dataset.ColMuniName, dataset.ColDeptName,
		dataset.ColSentenceSim, pred.Where, dataset.ColRecCode)

	args := append(pred.Args, code, limit)

	rows, err := l.h.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("municipalities per recommendation: %w", err)
	}
	defer rows.Close()

	var munis []RecommendationMunicipality
	for rows.Next() {
		var m RecommendationMunicipality
		if err := rows.Scan(&m.Municipality, &m.Department, &m.Frequency,
			&m.MeanSimilarity, &m.MaxSimilarity); err != nil {
			return nil, fmt.Errorf("scan municipality row: %w", err)
		}
		munis = append(munis, m)
	}
	return munis, rows.Err()
}

// ParagraphMatches groups the sentence matches of one (filter,
// recommendation) pair by paragraph, ordered by paragraph similarity
// descending. Feeds the municipal drill-down view.
func (l *Library) ParagraphMatches(ctx context.Context, spec filter.Spec, code string, limit int) []ParagraphMatch {
	matches, err := l.paragraphMatches(ctx, spec, code, limit)
	if err != nil {
		slog.Error("paragraph matches query failed", "code", code, "error", err)
		return nil
	}
	return matches
}

func (l *Library) paragraphMatches(ctx context.Context, spec filter.Spec, code string, limit int) ([]ParagraphMatch, error) {
	pred, err := filter.Build(spec)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	q := fmt.Sprintf(`
		SELECT
			CAST(%[2]s AS VARCHAR),
			%[3]s,
			FIRST(%[4]s),
			CAST(FIRST(%[5]s) AS BIGINT),
			COUNT(*),
			AVG(%[6]s)
		FROM %[1]s
		WHERE %[7]s AND %[8]s = ?
		GROUP BY %[2]s, %[3]s
		ORDER BY FIRST(%[4]s) DESC
		LIMIT ?
	`, l.h.Source(), dataset.ColParagraphID, dataset.ColParagraphText,
		dataset.ColParagraphSim, dataset.ColPageNumber, dataset.ColSentenceSim,
		pred.Where, dataset.ColRecCode)

	args := append(pred.Args, code, limit)

	rows, err := l.h.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("paragraph matches: %w", err)
	}
	defer rows.Close()

	var matches []ParagraphMatch
	for rows.Next() {
		var m ParagraphMatch
		if err := rows.Scan(&m.ParagraphID, &m.ParagraphText, &m.ParagraphSimilarity,
			&m.PageNumber, &m.SentenceCount, &m.MeanSimilarity); err != nil {
			return nil, fmt.Errorf("scan paragraph row: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Municipalities returns the distinct municipalities present in the
// dataset's Municipality-typed rows. The dataset is a sample, so this is
// derived from the data rather than a static administrative list.
func (l *Library) Municipalities(ctx context.Context) []MunicipalityRef {
	munis, err := l.municipalities(ctx)
	if err != nil {
		slog.Error("municipality catalog query failed", "error", err)
		return nil
	}
	return munis
}

func (l *Library) municipalities(ctx context.Context) ([]MunicipalityRef, error) {
	q := fmt.Sprintf(`
		SELECT DISTINCT
			CAST(%[2]s AS VARCHAR),
			%[3]s,
			CAST(%[4]s AS VARCHAR),
			%[5]s
		FROM %[1]s
		WHERE %[6]s = ?
		ORDER BY %[5]s, %[3]s
	`, l.h.Source(), dataset.ColMuniCode, dataset.ColMuniName,
		dataset.ColDeptCode, dataset.ColDeptName, dataset.ColTerritoryType)

	rows, err := l.h.Query(ctx, q, dataset.TerritoryMunicipality)
	if err != nil {
		return nil, fmt.Errorf("municipality catalog: %w", err)
	}
	defer rows.Close()

	var munis []MunicipalityRef
	for rows.Next() {
		var m MunicipalityRef
		if err := rows.Scan(&m.Code, &m.Name, &m.DeptCode, &m.Department); err != nil {
			return nil, fmt.Errorf("scan municipality ref: %w", err)
		}
		munis = append(munis, m)
	}
	return munis, rows.Err()
}

// Departments returns the distinct departments present in rows of the
// given territory type: Municipality lists departments that have
// municipal plans, Department lists departments with their own plans.
func (l *Library) Departments(ctx context.Context, territory filter.TerritoryType) []DepartmentRef {
	depts, err := l.departments(ctx, territory)
	if err != nil {
		slog.Error("department catalog query failed", "error", err)
		return nil
	}
	return depts
}

func (l *Library) departments(ctx context.Context, territory filter.TerritoryType) ([]DepartmentRef, error) {
	if territory == "" {
		territory = filter.Municipality
	}

	q := fmt.Sprintf(`
		SELECT DISTINCT
			CAST(%[2]s AS VARCHAR),
			%[3]s
		FROM %[1]s
		WHERE %[4]s = ?
		ORDER BY %[3]s
	`, l.h.Source(), dataset.ColDeptCode, dataset.ColDeptName, dataset.ColTerritoryType)

	rows, err := l.h.Query(ctx, q, string(territory))
	if err != nil {
		return nil, fmt.Errorf("department catalog: %w", err)
	}
	defer rows.Close()

	var depts []DepartmentRef
	for rows.Next() {
		var d DepartmentRef
		if err := rows.Scan(&d.Code, &d.Name); err != nil {
			return nil, fmt.Errorf("scan department ref: %w", err)
		}
		depts = append(depts, d)
	}
	return depts, rows.Err()
}

// Recommendations returns the recommendation dictionary as carried by the
// dataset: distinct code, text, topic, and priority flag, ordered by code.
func (l *Library) Recommendations(ctx context.Context) []Recommendation {
	recs, err := l.recommendations(ctx)
	if err != nil {
		slog.Error("recommendation catalog query failed", "error", err)
		return nil
	}
	return recs
}

func (l *Library) recommendations(ctx context.Context) ([]Recommendation, error) {
	q := fmt.Sprintf(`
		SELECT DISTINCT
			%[2]s,
			%[3]s,
			%[4]s,
			CAST(%[5]s AS INTEGER)
		FROM %[1]s
		ORDER BY %[2]s
	`, l.h.Source(), dataset.ColRecCode, dataset.ColRecText,
		dataset.ColRecTopic, dataset.ColRecPriority)

	rows, err := l.h.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("recommendation catalog: %w", err)
	}
	defer rows.Close()

	var recs []Recommendation
	for rows.Next() {
		var r Recommendation
		var priority int64
		if err := rows.Scan(&r.Code, &r.Text, &r.Topic, &priority); err != nil {
			return nil, fmt.Errorf("scan recommendation: %w", err)
		}
		r.Priority = priority == 1
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
