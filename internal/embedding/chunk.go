package embedding

import (
	"strings"
	"unicode/utf8"

	"github.com/stellarlinkco/personasurvey/internal/persona"
)

// Narrative fields that are chunked and embedded for semantic refinement.
const (
	FieldNarrative  = "persona"
	FieldTypicalDay = "typical_day"
)

// Chunk is one embeddable piece of a persona narrative. Vector is nil until embedded.
type Chunk struct {
	Field   string
	Index   int
	Content string
	Vector  []float32
}

// SplitParagraphs splits text on blank lines, trims each paragraph and drops empty ones.
// Paragraphs longer than maxLen characters are split at sentence boundaries into pieces
// of at most maxLen characters; a single sentence longer than maxLen is cut hard.
func SplitParagraphs(text string, maxLen int) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if maxLen <= 0 || utf8.RuneCountInString(para) <= maxLen {
			out = append(out, para)
			continue
		}
		out = append(out, splitLong(para, maxLen)...)
	}
	return out
}

func splitLong(para string, maxLen int) []string {
	var (
		out     []string
		current strings.Builder
		size    int
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			out = append(out, s)
		}
		current.Reset()
		size = 0
	}

	for _, sentence := range sentences(para) {
		n := utf8.RuneCountInString(sentence)
		if n > maxLen {
			flush()
			out = append(out, hardSplit(sentence, maxLen)...)
			continue
		}
		sep := 0
		if size > 0 {
			sep = 1
		}
		if size+sep+n > maxLen {
			flush()
			sep = 0
		}
		if sep == 1 {
			current.WriteByte(' ')
		}
		current.WriteString(sentence)
		size += sep + n
	}
	flush()
	return out
}

// sentences splits after '.', '!' or '?' followed by whitespace.
func sentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
			if i+1 == len(runes) || isSpace(runes[i+1]) {
				if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func hardSplit(text string, maxLen int) []string {
	runes := []rune(text)
	var out []string
	for start := 0; start < len(runes); start += maxLen {
		end := min(start+maxLen, len(runes))
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}

// PrepareChunks splits both narrative fields of p, narrative first.
func PrepareChunks(p persona.Persona, maxLen int) []Chunk {
	var chunks []Chunk
	for _, field := range []struct {
		name string
		text string
	}{
		{FieldNarrative, p.Narrative},
		{FieldTypicalDay, p.TypicalDay},
	} {
		for i, content := range SplitParagraphs(field.text, maxLen) {
			chunks = append(chunks, Chunk{Field: field.name, Index: i, Content: content})
		}
	}
	return chunks
}
