// Package prompt renders population prompt templates into model messages.
//
// A template holds one segment per role. Placeholders use single braces:
// {summary} (system), {description} and {context} (assistant) and {query} (user).
// Any placeholder may appear in any segment. "{{" and "}}" produce literal braces.
// An unknown placeholder is an error; a known placeholder with no value renders
// as the empty string.
package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownPlaceholder = errors.New("unknown placeholder")
	ErrMissingSegment     = errors.New("missing template segment")
	ErrMalformed          = errors.New("malformed template")
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

var requiredRoles = []Role{RoleSystem, RoleAssistant, RoleUser}

// Segment is one role-tagged message. The JSON shape matches stored population templates.
type Segment struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Template struct {
	Segments []Segment
}

// Context carries the placeholder values.
type Context struct {
	Summary     string
	Description string
	Context     string
	Query       string
}

func (c Context) lookup(name string) (string, bool) {
	switch name {
	case "summary":
		return c.Summary, true
	case "description":
		return c.Description, true
	case "context":
		return c.Context, true
	case "query":
		return c.Query, true
	}
	return "", false
}

// ParseTemplate decodes the stored JSON list of {role, content} objects.
func ParseTemplate(raw string) (Template, error) {
	var segments []Segment
	if err := json.Unmarshal([]byte(raw), &segments); err != nil {
		return Template{}, fmt.Errorf("parse template: %w", err)
	}
	for i := range segments {
		segments[i].Role = Role(strings.ToLower(strings.TrimSpace(string(segments[i].Role))))
	}
	t := Template{Segments: segments}
	if err := t.Validate(); err != nil {
		return Template{}, err
	}
	return t, nil
}

func (t Template) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Segments)
}

// Validate checks that every role is present and every placeholder is known.
func (t Template) Validate() error {
	_, err := Render(t, Context{})
	return err
}

func (t Template) segment(role Role) (Segment, bool) {
	for _, s := range t.Segments {
		if s.Role == role {
			return s, true
		}
	}
	return Segment{}, false
}

// Render substitutes ctx into the system, assistant and user segments, in that order.
func Render(t Template, ctx Context) ([]Segment, error) {
	out := make([]Segment, 0, len(requiredRoles))
	for _, role := range requiredRoles {
		seg, ok := t.segment(role)
		if !ok {
			return nil, fmt.Errorf("render template: %w: %s", ErrMissingSegment, role)
		}
		content, err := substitute(seg.Content, ctx)
		if err != nil {
			return nil, fmt.Errorf("render template %s segment: %w", role, err)
		}
		out = append(out, Segment{Role: role, Content: content})
	}
	return out, nil
}

func substitute(text string, ctx Context) (string, error) {
	var sb strings.Builder
	sb.Grow(len(text))

	for i := 0; i < len(text); i++ {
		ch := text[i]
		switch ch {
		case '{':
			if i+1 < len(text) && text[i+1] == '{' {
				sb.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(text[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("%w: unclosed '{' at offset %d", ErrMalformed, i)
			}
			name := text[i+1 : i+1+end]
			value, ok := ctx.lookup(name)
			if !ok {
				return "", fmt.Errorf("%w: {%s}", ErrUnknownPlaceholder, name)
			}
			sb.WriteString(value)
			i += end + 1
		case '}':
			if i+1 < len(text) && text[i+1] == '}' {
				sb.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("%w: single '}' at offset %d", ErrMalformed, i)
		default:
			sb.WriteByte(ch)
		}
	}
	return sb.String(), nil
}
