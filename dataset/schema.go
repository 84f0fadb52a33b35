package dataset

// Column names of the fact table as they appear in the Parquet file. One
// row per (territory, recommendation, sentence) match; socioeconomic
// attributes repeat on every row of a municipality.
const (
	ColTerritoryType = "tipo_territorio"
	ColDeptCode      = "dpto_cdpmp"
	ColDeptName      = "dpto"
	ColMuniCode      = "mpio_cdpmp"
	ColMuniName      = "mpio"

	ColRecCode     = "recommendation_code"
	ColRecText     = "recommendation_text"
	ColRecTopic    = "recommendation_topic"
	ColRecPriority = "recommendation_priority"

	ColSentenceID       = "sentence_id"
	ColSentenceText     = "sentence_text"
	ColSentenceSim      = "sentence_similarity"
	ColParagraphID      = "paragraph_id"
	ColParagraphText    = "paragraph_text"
	ColParagraphSim     = "paragraph_similarity"
	ColPageNumber       = "page_number"
	ColSentenceOrdinal  = "sentence_id_paragraph"
	ColPredictedClass   = "predicted_class"
	ColPredictionConf   = "prediction_confidence"

	ColPovertyIndex  = "IPM_2018"
	ColPDET          = "PDET"
	ColConflictCat   = "Cat_IICA"
	ColCapacityGroup = "Grupo_MDM"
)

// Tag values used by the classification and territory columns.
const (
	TerritoryMunicipality = "Municipio"
	TerritoryDepartment   = "Departamento"

	ClassIncluded = "Incluida"
	ClassExcluded = "Excluida"
)

// Columns lists every fact-table column, in file order. Used by full-row
// projections and the export sheets.
var Columns = []string{
	ColTerritoryType,
	ColDeptCode,
	ColDeptName,
	ColMuniCode,
	ColMuniName,
	ColRecCode,
	ColRecText,
	ColRecTopic,
	ColRecPriority,
	ColSentenceID,
	ColSentenceText,
	ColSentenceSim,
	ColParagraphID,
	ColParagraphText,
	ColParagraphSim,
	ColPageNumber,
	ColSentenceOrdinal,
	ColPredictedClass,
	ColPredictionConf,
	ColPovertyIndex,
	ColPDET,
	ColConflictCat,
	ColCapacityGroup,
}

// IsColumn reports whether name is a known fact-table column. Projections
// are validated against this so column names are never taken verbatim from
// callers.
func IsColumn(name string) bool {
	for _, c := range Columns {
		if c == name {
			return true
		}
	}
	return false
}
