// Package filter turns a structured filter specification into a
// parameterized SQL predicate. All filter semantics live here so every
// aggregation applies them identically; user-influenced values only ever
// reach the query engine as ? placeholders, never as interpolated strings.
package filter

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cevdata/pdtmatch/dataset"
)

// DefaultThreshold is the domain-recommended similarity cutoff: high enough
// to drop incidental matches, low enough to keep paraphrased mentions.
const DefaultThreshold = 0.65

// All is the sentinel meaning "no filter" for department and municipality
// name fields.
const All = "Todos"

// excludedConfidenceCutoff is the prediction-confidence boundary below
// which an Excluida row still counts as a plausible policy mention. The
// asymmetry is deliberate: a low-confidence exclusion is treated as
// ambiguous and kept in the positive set.
const excludedConfidenceCutoff = 0.8

// ErrInvalid is wrapped by all validation failures.
var ErrInvalid = errors.New("filter: invalid spec")

// TerritoryType selects which row population a query runs over. Queries
// never mix the two.
type TerritoryType string

const (
	Municipality TerritoryType = "Municipio"
	Department   TerritoryType = "Departamento"
)

// PolicyMode chooses which ML-classified rows count as genuine policy
// mentions. The zero value is the dashboard default.
type PolicyMode int

const (
	// PolicyIncluded keeps rows classified Incluida plus Excluida rows
	// whose confidence is below the cutoff.
	PolicyIncluded PolicyMode = iota

	// PolicyExcluded keeps only strictly Excluida rows, for the
	// comparative/negative views.
	PolicyExcluded
)

// PDETFilter restricts to conflict-affected program municipalities.
type PDETFilter int

const (
	PDETAll PDETFilter = iota
	PDETOnly
	PDETExcluded
)

// ConflictCategories are the valid armed-conflict-incidence labels, in
// severity order.
var ConflictCategories = []string{"Bajo", "Medio bajo", "Medio", "Alto", "Muy alto"}

// CapacityGroups are the valid municipal-capacity labels, C = highest.
var CapacityGroups = []string{"C", "G1", "G2", "G3", "G4", "G5"}

// Spec is a structured filter specification. The zero value plus a
// territory type is a valid spec: default threshold, no name filters,
// policy-included rows.
type Spec struct {
	// Threshold is the minimum sentence similarity. Zero means
	// DefaultThreshold.
	Threshold float64

	// Territory is required on every query.
	Territory TerritoryType

	// Department and Municipality filter by exact name. Empty or the All
	// sentinel means no filter.
	Department   string
	Municipality string

	Policy PolicyMode

	// Socioeconomic filters. These are per-municipality attributes and
	// are ignored for Department-typed queries.
	PDET           PDETFilter
	ConflictCats   []string
	CapacityGroups []string

	// PovertyMin/PovertyMax bound the multidimensional poverty index
	// inclusively. (0,0) and (0,100) both mean no filter.
	PovertyMin float64
	PovertyMax float64
}

// EffectiveThreshold resolves the zero-value default.
func (s Spec) EffectiveThreshold() float64 {
	if s.Threshold == 0 {
		return DefaultThreshold
	}
	return s.Threshold
}

// Validate rejects unknown enum values and out-of-range parameters rather
// than letting them silently mis-filter.
func (s Spec) Validate() error {
	switch s.Territory {
	case Municipality, Department:
	case "":
		return fmt.Errorf("%w: territory type is required", ErrInvalid)
	default:
		return fmt.Errorf("%w: unknown territory type %q", ErrInvalid, s.Territory)
	}

	if s.Threshold < 0 || s.Threshold > 1 {
		return fmt.Errorf("%w: threshold %v outside [0,1]", ErrInvalid, s.Threshold)
	}

	switch s.Policy {
	case PolicyIncluded, PolicyExcluded:
	default:
		return fmt.Errorf("%w: unknown policy mode %d", ErrInvalid, s.Policy)
	}

	switch s.PDET {
	case PDETAll, PDETOnly, PDETExcluded:
	default:
		return fmt.Errorf("%w: unknown PDET filter %d", ErrInvalid, s.PDET)
	}

	for _, c := range s.ConflictCats {
		if !contains(ConflictCategories, c) {
			return fmt.Errorf("%w: unknown conflict category %q", ErrInvalid, c)
		}
	}
	for _, g := range s.CapacityGroups {
		if !contains(CapacityGroups, g) {
			return fmt.Errorf("%w: unknown capacity group %q", ErrInvalid, g)
		}
	}

	min, max := s.povertyRange()
	if min < 0 || max > 100 || min > max {
		return fmt.Errorf("%w: poverty range (%v,%v) outside [0,100]", ErrInvalid, s.PovertyMin, s.PovertyMax)
	}

	return nil
}

// Predicate is an opaque, parameterized WHERE fragment. Where never embeds
// caller-supplied values; they all travel in Args.
type Predicate struct {
	Where string
	Args  []any
}

// Build validates the spec and composes its predicate. Pure function: no
// I/O, no side effects.
func Build(s Spec) (Predicate, error) {
	if err := s.Validate(); err != nil {
		return Predicate{}, err
	}

	conditions := []string{
		dataset.ColSentenceSim + " >= ?",
		dataset.ColTerritoryType + " = ?",
	}
	args := []any{s.EffectiveThreshold(), string(s.Territory)}

	switch s.Policy {
	case PolicyIncluded:
		conditions = append(conditions, fmt.Sprintf(
			"(%s = ? OR (%s = ? AND %s < ?))",
			dataset.ColPredictedClass, dataset.ColPredictedClass, dataset.ColPredictionConf))
		args = append(args, dataset.ClassIncluded, dataset.ClassExcluded, excludedConfidenceCutoff)
	case PolicyExcluded:
		conditions = append(conditions, dataset.ColPredictedClass+" = ?")
		args = append(args, dataset.ClassExcluded)
	}

	if s.Department != "" && s.Department != All {
		conditions = append(conditions, dataset.ColDeptName+" = ?")
		args = append(args, s.Department)
	}
	if s.Municipality != "" && s.Municipality != All {
		conditions = append(conditions, dataset.ColMuniName+" = ?")
		args = append(args, s.Municipality)
	}

	// Socioeconomic attributes only exist on municipality rows.
	if s.Territory == Municipality {
		switch s.PDET {
		case PDETOnly:
			conditions = append(conditions, dataset.ColPDET+" = 1")
		case PDETExcluded:
			conditions = append(conditions, dataset.ColPDET+" = 0")
		}

		if len(s.ConflictCats) > 0 {
			conditions = append(conditions,
				dataset.ColConflictCat+" IN ("+placeholders(len(s.ConflictCats))+")")
			for _, c := range s.ConflictCats {
				args = append(args, c)
			}
		}

		if min, max := s.povertyRange(); min > 0 || max < 100 {
			conditions = append(conditions, dataset.ColPovertyIndex+" BETWEEN ? AND ?")
			args = append(args, min, max)
		}

		if len(s.CapacityGroups) > 0 {
			conditions = append(conditions,
				dataset.ColCapacityGroup+" IN ("+placeholders(len(s.CapacityGroups))+")")
			for _, g := range s.CapacityGroups {
				args = append(args, g)
			}
		}
	}

	return Predicate{Where: strings.Join(conditions, " AND "), Args: args}, nil
}

// Key returns a canonical, order-independent identity string for cache
// keying: specs that differ only in the ordering of their category sets
// produce identical keys.
func (s Spec) Key() string {
	cats := append([]string(nil), s.ConflictCats...)
	sort.Strings(cats)
	groups := append([]string(nil), s.CapacityGroups...)
	sort.Strings(groups)

	min, max := s.povertyRange()

	return fmt.Sprintf("t=%.4f|ter=%s|dep=%s|mun=%s|pol=%d|pdet=%d|iica=%s|mdm=%s|ipm=%.2f-%.2f",
		s.EffectiveThreshold(), s.Territory, normalizeAll(s.Department), normalizeAll(s.Municipality),
		s.Policy, s.PDET, strings.Join(cats, ","), strings.Join(groups, ","), min, max)
}

// povertyRange resolves the zero value (0,0) to the full domain.
func (s Spec) povertyRange() (float64, float64) {
	if s.PovertyMin == 0 && s.PovertyMax == 0 {
		return 0, 100
	}
	return s.PovertyMin, s.PovertyMax
}

func normalizeAll(name string) string {
	if name == All {
		return ""
	}
	return name
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
