package persona

import "time"

// Persona is a read-only snapshot of one synthetic respondent.
type Persona struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Tags           string    `json:"tags"`
	Gender         string    `json:"gender"`
	BirthDate      time.Time `json:"birthDate"`
	Location       string    `json:"location"`
	EducationLevel string    `json:"educationLevel"`
	Occupation     string    `json:"occupation"`
	IncomeRange    string    `json:"incomeRange"`
	HealthStatus   string    `json:"healthStatus"`
	Ethnicity      string    `json:"ethnicity"`
	LegalStatus    string    `json:"legalStatus"`
	Religion       string    `json:"religion"`
	MaritalStatus  string    `json:"maritalStatus"`
	OceanProfile   string    `json:"oceanProfile"`
	Children       int       `json:"children"`
	MBTI           string    `json:"mbti"`
	PersonalValues string    `json:"personalValues"`
	Hobbies        string    `json:"hobbies"`
	Narrative      string    `json:"narrative"`
	TypicalDay     string    `json:"typicalDay"`
}

// Field names a filterable persona column. The value doubles as the column name.
type Field string

const (
	FieldTags           Field = "tags"
	FieldGender         Field = "gender"
	FieldBirthDate      Field = "birth_date"
	FieldLocation       Field = "location"
	FieldEducationLevel Field = "education_level"
	FieldOccupation     Field = "occupation"
	FieldIncomeRange    Field = "income_range"
	FieldEthnicity      Field = "ethnicity"
	FieldReligion       Field = "religion"
	FieldHealthStatus   Field = "health_status"
	FieldLegalStatus    Field = "legal_status"
	FieldMaritalStatus  Field = "marital_status"
)

// Attribute returns the string value of a text field. FieldBirthDate yields "".
func (p Persona) Attribute(f Field) string {
	switch f {
	case FieldTags:
		return p.Tags
	case FieldGender:
		return p.Gender
	case FieldLocation:
		return p.Location
	case FieldEducationLevel:
		return p.EducationLevel
	case FieldOccupation:
		return p.Occupation
	case FieldIncomeRange:
		return p.IncomeRange
	case FieldEthnicity:
		return p.Ethnicity
	case FieldReligion:
		return p.Religion
	case FieldHealthStatus:
		return p.HealthStatus
	case FieldLegalStatus:
		return p.LegalStatus
	case FieldMaritalStatus:
		return p.MaritalStatus
	}
	return ""
}

// Age in whole years at now.
func (p Persona) Age(now time.Time) int {
	age := now.Year() - p.BirthDate.Year()
	if now.Month() < p.BirthDate.Month() ||
		(now.Month() == p.BirthDate.Month() && now.Day() < p.BirthDate.Day()) {
		age--
	}
	return age
}
