package classifier

import (
	"context"
	"strings"
	"unicode"
)

// Entity labels the extractor matches against token names.
const (
	LabelOrg     = "ORG"
	LabelProduct = "PRODUCT"
)

type Entity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

// EntityRecognizer finds named entities in text.
type EntityRecognizer interface {
	Recognize(ctx context.Context, text string) ([]Entity, error)
}

// RulesRecognizer is an offline recognizer. Hashtags become products and
// runs of capitalized words become organizations.
type RulesRecognizer struct {
	maxEntities int
}

func NewRulesRecognizer(maxEntities int) *RulesRecognizer {
	return &RulesRecognizer{maxEntities: maxEntities}
}

func (c *RulesRecognizer) Recognize(ctx context.Context, text string) ([]Entity, error) {
	words := strings.Fields(text)
	seen := make(map[string]struct{})
	var entities []Entity

	add := func(e Entity) {
		key := e.Label + "|" + strings.ToLower(e.Text)
		if e.Text == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		entities = append(entities, e)
	}

	// Extract hashtags
	for _, word := range words {
		if strings.HasPrefix(word, "#") {
			add(Entity{Text: trimWord(strings.TrimPrefix(word, "#")), Label: LabelProduct})
		}
	}

	// Runs of capitalized words, e.g. "Uniswap Labs"
	var run []string
	flush := func() {
		if len(run) > 0 {
			add(Entity{Text: strings.Join(run, " "), Label: LabelOrg})
			run = run[:0]
		}
	}
	for _, word := range words {
		if strings.HasPrefix(word, "#") || strings.HasPrefix(word, "$") || strings.HasPrefix(word, "@") {
			flush()
			continue
		}
		w := trimWord(word)
		if w == "" || !isCapitalized(w) {
			flush()
			continue
		}
		run = append(run, w)
		if strings.ContainsAny(word[len(word)-1:], ".,!?;:") {
			flush()
		}
	}
	flush()

	// Limit the number of entities
	if c.maxEntities > 0 && len(entities) > c.maxEntities {
		entities = entities[:c.maxEntities]
	}
	return entities, nil
}

func trimWord(w string) string {
	return strings.TrimFunc(w, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func isCapitalized(w string) bool {
	for _, r := range w {
		return unicode.IsUpper(r)
	}
	return false
}
