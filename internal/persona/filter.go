package persona

import (
	"strings"
	"time"
)

const (
	defaultAgeMin = 0
	defaultAgeMax = 150
)

// FilterSpec is the declarative segment definition applied to a population.
type FilterSpec struct {
	Gender         []string `json:"gender,omitempty"`
	AgeMin         *int     `json:"ageMin,omitempty"`
	AgeMax         *int     `json:"ageMax,omitempty"`
	Location       []string `json:"location,omitempty"`
	EducationLevel []string `json:"educationLevel,omitempty"`
	Occupation     []string `json:"occupation,omitempty"`
	IncomeRange    []string `json:"incomeRange,omitempty"`
	Ethnicity      []string `json:"ethnicity,omitempty"`
	Religion       []string `json:"religion,omitempty"`
	HealthStatus   []string `json:"healthStatus,omitempty"`
	LegalStatus    []string `json:"legalStatus,omitempty"`
	MaritalStatus  []string `json:"maritalStatus,omitempty"`

	// SemanticCriterion enables embedding refinement when non-empty.
	SemanticCriterion string `json:"semanticCriterion,omitempty"`
	// SimilarityThreshold is in [0,1]; nil uses the configured threshold.
	SimilarityThreshold *float64 `json:"similarityThreshold,omitempty"`
	// MaxResults caps the resolved persona set; zero means no cap from the filter.
	MaxResults int `json:"maxResults,omitempty"`
}

func (s FilterSpec) HasSemanticCriterion() bool {
	return strings.TrimSpace(s.SemanticCriterion) != ""
}

// Compile narrows base by every populated attribute of spec. Unpopulated attributes
// add nothing, so an empty spec returns base unchanged.
func Compile(base Predicate, spec FilterSpec, now time.Time) Predicate {
	var clauses []Clause

	in := func(f Field, values []string) {
		if v := normalizeValues(values); len(v) > 0 {
			clauses = append(clauses, Clause{Field: f, Op: OpIn, Values: v})
		}
	}

	in(FieldGender, spec.Gender)
	if spec.AgeMin != nil || spec.AgeMax != nil {
		ageMin, ageMax := defaultAgeMin, defaultAgeMax
		if spec.AgeMin != nil {
			ageMin = *spec.AgeMin
		}
		if spec.AgeMax != nil {
			ageMax = *spec.AgeMax
		}
		clauses = append(clauses, Clause{
			Field: FieldBirthDate,
			Op:    OpDateBetween,
			From:  yearsAgo(now, ageMax),
			To:    yearsAgo(now, ageMin),
		})
	}
	if v := normalizeValues(spec.Location); len(v) > 0 {
		clauses = append(clauses, Clause{Field: FieldLocation, Op: OpContainsFold, Values: v})
	}
	in(FieldEducationLevel, spec.EducationLevel)
	in(FieldOccupation, spec.Occupation)
	in(FieldIncomeRange, spec.IncomeRange)
	in(FieldEthnicity, spec.Ethnicity)
	in(FieldReligion, spec.Religion)
	in(FieldHealthStatus, spec.HealthStatus)
	in(FieldLegalStatus, spec.LegalStatus)
	in(FieldMaritalStatus, spec.MaritalStatus)

	return base.And(clauses...)
}

func yearsAgo(now time.Time, years int) time.Time {
	return dateOnly(now).AddDate(-years, 0, 0)
}

// normalizeValues drops blanks and the form placeholder "Any".
func normalizeValues(values []string) []string {
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || strings.EqualFold(v, "any") {
			continue
		}
		out = append(out, v)
	}
	return out
}
