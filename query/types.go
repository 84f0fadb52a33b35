package query

// Metadata summarizes the dataset under a filter: basic counts and the
// mean sentence similarity over municipality rows.
type Metadata struct {
	RowCount            int64   `json:"row_count"`
	DepartmentCount     int64   `json:"department_count"`
	MunicipalityCount   int64   `json:"municipality_count"`
	RecommendationCount int64   `json:"recommendation_count"`
	MeanSimilarity      float64 `json:"mean_similarity"`
}

// Table is a generic column-projected result used by the drill-down row
// views and the exports.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// DepartmentStats aggregates municipality coverage within one department:
// how many municipalities matched, the average distinct-recommendation
// count across them, and which municipalities hit the minimum and maximum.
// MinMunicipality/MaxMunicipality are "N/A" with count 0 when no
// municipality matched.
type DepartmentStats struct {
	DeptCode        string `json:"dept_code"`
	Department      string `json:"department"`
	Municipalities  int64  `json:"municipalities"`
	AvgRecs         int64  `json:"avg_recs"`
	MinRecs         int64  `json:"min_recs"`
	MinMunicipality string `json:"min_municipality"`
	MaxRecs         int64  `json:"max_recs"`
	MaxMunicipality string `json:"max_municipality"`
}

// RankedEntity is one row of the municipality (or department) ranking.
// Rank is 1-based, ordered by distinct-recommendation count descending
// with name ascending as the deterministic tie-break.
type RankedEntity struct {
	Code           string  `json:"code"`
	Name           string  `json:"name"`
	Department     string  `json:"department,omitempty"`
	RecCount       int64   `json:"rec_count"`
	TotalRows      int64   `json:"total_rows"`
	MeanSimilarity float64 `json:"mean_similarity"`
	PriorityCount  int64   `json:"priority_count"`
	Rank           int64   `json:"rank"`
}

// RankLookup is the position of a single entity within the full ranking,
// without materializing it. Found is false when the entity has no rows
// under the filter; Position is then 0.
type RankLookup struct {
	Position int64 `json:"position"`
	Total    int64 `json:"total"`
	Found    bool  `json:"found"`
}

// TopRecommendation is one row of the recommendation frequency table.
type TopRecommendation struct {
	Code              string  `json:"code"`
	Text              string  `json:"text"`
	Priority          bool    `json:"priority"`
	Frequency         int64   `json:"frequency"`
	MunicipalityCount int64   `json:"municipality_count"`
	MeanSimilarity    float64 `json:"mean_similarity"`
}

// RecommendationMunicipality is one municipality mentioning a specific
// recommendation.
type RecommendationMunicipality struct {
	Municipality   string  `json:"municipality"`
	Department     string  `json:"department"`
	Frequency      int64   `json:"frequency"`
	MeanSimilarity float64 `json:"mean_similarity"`
	MaxSimilarity  float64 `json:"max_similarity"`
}

// MunicipalityRef identifies a municipality present in the dataset.
type MunicipalityRef struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	DeptCode   string `json:"dept_code"`
	Department string `json:"department"`
}

// DepartmentRef identifies a department present in the dataset.
type DepartmentRef struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Recommendation is one entry of the 75-recommendation dictionary as
// carried by the dataset.
type Recommendation struct {
	Code     string `json:"code"`
	Text     string `json:"text"`
	Topic    string `json:"topic"`
	Priority bool   `json:"priority"`
}

// ParagraphMatch groups the sentence matches of one paragraph for the
// drill-down view: paragraph-level similarity plus per-paragraph sentence
// stats.
type ParagraphMatch struct {
	ParagraphID         string  `json:"paragraph_id"`
	ParagraphText       string  `json:"paragraph_text"`
	ParagraphSimilarity float64 `json:"paragraph_similarity"`
	PageNumber          int64   `json:"page_number"`
	SentenceCount       int64   `json:"sentence_count"`
	MeanSimilarity      float64 `json:"mean_similarity"`
}
