package extractor

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/xaenox/octopus/internal/classifier"
	"github.com/xaenox/octopus/internal/models"
)

// Signal confidences.
const (
	ConfidenceSymbol  = 0.9
	ConfidenceEntity  = 0.7
	ConfidenceName    = 0.8
	ConfidenceAddress = 1.0
)

// Signal names the detector that produced a candidate.
type Signal string

const (
	SignalSymbol  Signal = "symbol"
	SignalEntity  Signal = "entity"
	SignalName    Signal = "name"
	SignalAddress Signal = "address"
)

// Languages returned by DetectLanguage.
const (
	LangEnglish = "en"
	LangChinese = "zh"
	LangUnknown = "unknown"
)

var symbolPattern = regexp.MustCompile(`\$([A-Za-z0-9]{2,10})`)

// Candidate is a scored token match for one message.
type Candidate struct {
	TokenID    int64
	Confidence float64
	Signal     Signal
}

// DetectLanguage picks en or zh by counting Latin against CJK letters.
func DetectLanguage(text string) string {
	if text == "" {
		return LangUnknown
	}
	var latin, cjk int
	for _, r := range text {
		switch {
		case r < unicode.MaxASCII && unicode.IsLetter(r):
			latin++
		case r >= 0x4E00 && r <= 0x9FFF:
			cjk++
		}
	}
	if latin > cjk {
		return LangEnglish
	}
	if cjk > 0 {
		return LangChinese
	}
	return LangEnglish
}

// candidates keeps the best confidence per token in first-discovery order.
type candidates struct {
	order []int64
	best  map[int64]Candidate
}

func newCandidates() *candidates {
	return &candidates{best: make(map[int64]Candidate)}
}

func (c *candidates) offer(tokenID int64, confidence float64, signal Signal) {
	cur, ok := c.best[tokenID]
	if !ok {
		c.order = append(c.order, tokenID)
		c.best[tokenID] = Candidate{TokenID: tokenID, Confidence: confidence, Signal: signal}
		return
	}
	if confidence > cur.Confidence {
		c.best[tokenID] = Candidate{TokenID: tokenID, Confidence: confidence, Signal: signal}
	}
}

func (c *candidates) list() []Candidate {
	out := make([]Candidate, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.best[id])
	}
	return out
}

// Extract runs every signal over msg against tokens and merges the result
// to one candidate per token.
func (e *Extractor) Extract(ctx context.Context, msg *models.Message, tokens []*models.Token) []Candidate {
	if msg == nil || msg.Content == "" || len(tokens) == 0 {
		return nil
	}
	text := msg.Content
	lower := strings.ToLower(text)
	found := newCandidates()

	// Tokens sharing a symbol resolve to the last one in catalog order.
	bySymbol := make(map[string]*models.Token, len(tokens))
	for _, t := range tokens {
		if key := strings.ToLower(t.Symbol); key != "" {
			bySymbol[key] = t
		}
	}
	for _, m := range symbolPattern.FindAllStringSubmatch(text, -1) {
		if t, ok := bySymbol[strings.ToLower(m[1])]; ok {
			found.offer(t.ID, ConfidenceSymbol, SignalSymbol)
		}
	}

	for _, ent := range e.entities(ctx, msg) {
		if ent.Label != classifier.LabelOrg && ent.Label != classifier.LabelProduct {
			continue
		}
		for _, t := range tokens {
			if t.Name != "" && strings.EqualFold(t.Name, strings.TrimSpace(ent.Text)) {
				found.offer(t.ID, ConfidenceEntity, SignalEntity)
			}
		}
	}

	for _, t := range tokens {
		if t.Name != "" && strings.Contains(lower, strings.ToLower(t.Name)) {
			found.offer(t.ID, ConfidenceName, SignalName)
		}
		if t.Address != "" && strings.Contains(lower, strings.ToLower(t.Address)) {
			found.offer(t.ID, ConfidenceAddress, SignalAddress)
		}
	}

	return found.list()
}

func (e *Extractor) entities(ctx context.Context, msg *models.Message) []classifier.Entity {
	lang := DetectLanguage(msg.Content)
	recognizer := e.recognizers[lang]
	if recognizer == nil {
		return nil
	}
	entities, err := recognizer.Recognize(ctx, msg.Content)
	if err != nil {
		e.logger.Warn("Entity recognition failed, skipping signal",
			zap.Int64("message_id", msg.ID),
			zap.String("lang", lang),
			zap.Error(err))
		return nil
	}
	return entities
}
