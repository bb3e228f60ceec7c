package persona

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// adultAge is the age above which a persona is described with their own
// occupation, income and beliefs rather than their parents'.
const adultAge = 16

var ErrInvalidOcean = errors.New("ocean profile must be 5 digits between 1 and 5")

var (
	oceanTraits = [5]string{"Openness", "Conscientiousness", "Extraversion", "Agreeableness", "Non-Negativity"}
	oceanLevels = map[byte]string{'1': "Very Low", '2': "Low", '3': "Medium", '4': "High", '5': "Very High"}
)

// DecodeOcean expands a Big Five code such as "34521" into "Openness=Medium, ...".
func DecodeOcean(code string) (string, error) {
	code = strings.TrimSpace(code)
	if len(code) != len(oceanTraits) {
		return "", fmt.Errorf("decode ocean %q: %w", code, ErrInvalidOcean)
	}
	parts := make([]string, len(oceanTraits))
	for i := 0; i < len(code); i++ {
		level, ok := oceanLevels[code[i]]
		if !ok {
			return "", fmt.Errorf("decode ocean %q: %w", code, ErrInvalidOcean)
		}
		parts[i] = oceanTraits[i] + "=" + level
	}
	return strings.Join(parts, ", "), nil
}

// Summarize renders the attribute block substituted for {summary} in prompt templates.
func Summarize(p Persona, now time.Time) (string, error) {
	ocean, err := DecodeOcean(p.OceanProfile)
	if err != nil {
		return "", fmt.Errorf("summarize persona %d: %w", p.ID, err)
	}
	age := p.Age(now)

	var sb strings.Builder
	line := func(label, value string) {
		sb.WriteString(label)
		sb.WriteString(": ")
		sb.WriteString(value)
		sb.WriteByte('\n')
	}

	line("Gender", p.Gender)
	line("Birth Date", p.BirthDate.Format("2006-01-02"))
	line("Current Age", fmt.Sprint(age))
	line("Location", p.Location)
	line("Education Level", p.EducationLevel)
	line("MBTI Traits", p.MBTI)
	if p.Children > 0 {
		line("Children", fmt.Sprint(p.Children))
	}
	line("Big Five OCEAN Profile", ocean)
	line("Ethnicity", p.Ethnicity)
	line("Legal Status", p.LegalStatus)
	line("Health Status", p.HealthStatus)

	if age > adultAge {
		line("Occupation", p.Occupation)
		line("Income Range", p.IncomeRange)
		line("Religion", p.Religion)
		line("Marital Status", p.MaritalStatus)
		line("Personal Values", p.PersonalValues)
		line("Hobbies", p.Hobbies)
	} else {
		line("Occupation", "Not applicable yet")
		line("Parent's Income Range", p.IncomeRange)
		line("Parent's Religion", p.Religion)
	}

	line("Detailed profile", p.Narrative)
	line("Typical day", p.TypicalDay)
	return sb.String(), nil
}
