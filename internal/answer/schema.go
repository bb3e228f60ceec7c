// Package answer holds the closed set of structured answer shapes a survey
// question can request from the model.
package answer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

var (
	ErrUnknownSchema = errors.New("unknown answer schema")
	ErrInvalidAnswer = errors.New("invalid answer")
)

const (
	scaleMin = 1
	scaleMax = 5
)

// ID identifies a schema variant. Values match the identifiers stored on questions.
type ID string

const (
	Scale          ID = "ScaleSchema"
	OpenEnded      ID = "OpenEndedSchema"
	MultipleChoice ID = "MultipleChoiceSchema"
	YesNo          ID = "YesNoSchema"
	Ranking        ID = "RankingSchema"
)

// Answer is a decoded, validated model response.
type Answer interface {
	Schema() ID
	// Text is the canonical stored form: a lower-cased JSON object.
	Text() string
}

// Schema describes one answer variant.
type Schema interface {
	ID() ID
	Description() string
	// Parameters is the JSON schema of the answer object.
	Parameters() map[string]any
	Decode(fields map[string]any) (Answer, error)
}

var registry = map[ID]Schema{
	Scale:          scaleSchema{},
	OpenEnded:      openEndedSchema{},
	MultipleChoice: multipleChoiceSchema{},
	YesNo:          yesNoSchema{},
	Ranking:        rankingSchema{},
}

// Lookup resolves a stored schema identifier.
func Lookup(id string) (Schema, error) {
	s, ok := registry[ID(strings.TrimSpace(id))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchema, id)
	}
	return s, nil
}

// IDs lists the registered identifiers in sorted order.
func IDs() []ID {
	ids := make([]ID, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DecodeJSON decodes a raw JSON object through s.
func DecodeJSON(s Schema, raw string) (Answer, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	var fields map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &fields); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAnswer, s.ID(), err)
	}
	return s.Decode(fields)
}

func canonical(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.ToLower(string(data))
}

func invalid(id ID, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidAnswer, id, fmt.Sprintf(format, args...))
}

func stringField(id ID, fields map[string]any, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", invalid(id, "missing %q", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", invalid(id, "%q is %T, want string", key, raw)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", invalid(id, "%q is empty", key)
	}
	return s, nil
}

func objectSchema(key string, prop map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{key: prop},
		"required":   []string{key},
	}
}

type ScaleAnswer struct {
	Rating int `json:"rating"`
}

func (ScaleAnswer) Schema() ID     { return Scale }
func (a ScaleAnswer) Text() string { return canonical(a) }

type scaleSchema struct{}

func (scaleSchema) ID() ID { return Scale }
func (scaleSchema) Description() string {
	return "A rating on a scale from 1 to 5."
}
func (scaleSchema) Parameters() map[string]any {
	return objectSchema("rating", map[string]any{"type": "integer", "minimum": scaleMin, "maximum": scaleMax})
}

func (scaleSchema) Decode(fields map[string]any) (Answer, error) {
	raw, ok := fields["rating"]
	if !ok {
		return nil, invalid(Scale, "missing \"rating\"")
	}
	var rating float64
	switch v := raw.(type) {
	case float64:
		rating = v
	case int:
		rating = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, invalid(Scale, "rating %q: %v", v, err)
		}
		rating = f
	default:
		return nil, invalid(Scale, "rating is %T, want integer", raw)
	}
	if rating != math.Trunc(rating) {
		return nil, invalid(Scale, "rating %v is not an integer", rating)
	}
	if rating < scaleMin || rating > scaleMax {
		return nil, invalid(Scale, "rating %v outside %d..%d", rating, scaleMin, scaleMax)
	}
	return ScaleAnswer{Rating: int(rating)}, nil
}

type OpenEndedAnswer struct {
	Response string `json:"response"`
}

func (OpenEndedAnswer) Schema() ID     { return OpenEnded }
func (a OpenEndedAnswer) Text() string { return canonical(a) }

type openEndedSchema struct{}

func (openEndedSchema) ID() ID              { return OpenEnded }
func (openEndedSchema) Description() string { return "A free-text answer." }
func (openEndedSchema) Parameters() map[string]any {
	return objectSchema("response", map[string]any{"type": "string"})
}

func (openEndedSchema) Decode(fields map[string]any) (Answer, error) {
	s, err := stringField(OpenEnded, fields, "response")
	if err != nil {
		return nil, err
	}
	return OpenEndedAnswer{Response: s}, nil
}

type MultipleChoiceAnswer struct {
	Choice string `json:"choice"`
}

func (MultipleChoiceAnswer) Schema() ID     { return MultipleChoice }
func (a MultipleChoiceAnswer) Text() string { return canonical(a) }

type multipleChoiceSchema struct{}

func (multipleChoiceSchema) ID() ID { return MultipleChoice }
func (multipleChoiceSchema) Description() string {
	return "A single option chosen from those listed in the question."
}
func (multipleChoiceSchema) Parameters() map[string]any {
	return objectSchema("choice", map[string]any{"type": "string"})
}

func (multipleChoiceSchema) Decode(fields map[string]any) (Answer, error) {
	s, err := stringField(MultipleChoice, fields, "choice")
	if err != nil {
		return nil, err
	}
	return MultipleChoiceAnswer{Choice: s}, nil
}

type YesNoAnswer struct {
	Answer string `json:"answer"`
}

func (YesNoAnswer) Schema() ID     { return YesNo }
func (a YesNoAnswer) Text() string { return canonical(a) }

type yesNoSchema struct{}

func (yesNoSchema) ID() ID              { return YesNo }
func (yesNoSchema) Description() string { return "Yes or No." }
func (yesNoSchema) Parameters() map[string]any {
	return objectSchema("answer", map[string]any{"type": "string", "enum": []string{"Yes", "No"}})
}

func (yesNoSchema) Decode(fields map[string]any) (Answer, error) {
	s, err := stringField(YesNo, fields, "answer")
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimRight(s, ".!")) {
	case "yes", "y":
		return YesNoAnswer{Answer: "Yes"}, nil
	case "no", "n":
		return YesNoAnswer{Answer: "No"}, nil
	}
	return nil, invalid(YesNo, "answer %q is neither yes nor no", s)
}

type RankingAnswer struct {
	Ranking []string `json:"ranking"`
}

func (RankingAnswer) Schema() ID     { return Ranking }
func (a RankingAnswer) Text() string { return canonical(a) }

type rankingSchema struct{}

func (rankingSchema) ID() ID { return Ranking }
func (rankingSchema) Description() string {
	return "The listed options ordered from first to last."
}
func (rankingSchema) Parameters() map[string]any {
	return objectSchema("ranking", map[string]any{"type": "array", "items": map[string]any{"type": "string"}})
}

func (rankingSchema) Decode(fields map[string]any) (Answer, error) {
	raw, ok := fields["ranking"]
	if !ok {
		return nil, invalid(Ranking, "missing \"ranking\"")
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, invalid(Ranking, "ranking is %T, want array", raw)
	}
	if len(items) == 0 {
		return nil, invalid(Ranking, "ranking is empty")
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, invalid(Ranking, "item %d is not a non-empty string", i)
		}
		out = append(out, strings.TrimSpace(s))
	}
	return RankingAnswer{Ranking: out}, nil
}
