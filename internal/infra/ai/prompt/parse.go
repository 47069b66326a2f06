package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bryanwahyu/cardscan/internal/domain/vision"
)

// ErrNoJSON is returned when the answer contains no JSON payload at all.
var ErrNoJSON = errors.New("no JSON in model answer")

// rawCard is the wire shape the prompt asks for. Some models answer with
// alternative keys; both are accepted.
type rawCard struct {
	Name            string   `json:"name"`
	Set             string   `json:"set"`
	SetName         string   `json:"set_name"`
	CollectorNumber string   `json:"collector_number"`
	SetSymbol       string   `json:"set_symbol"`
	Features        []string `json:"features"`
	Confidence      string   `json:"confidence"`
	Notes           string   `json:"notes"`
}

var (
	fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	arrayRe = regexp.MustCompile(`(?s)\[.*\]`)
)

var stopwords = map[string]bool{
	"the": true, "and": true, "or": true, "but": true, "in": true, "on": true,
	"at": true, "to": true, "for": true, "of": true, "with": true, "by": true,
}

// ValidName reports whether name could plausibly be a card name.
func ValidName(name string) bool {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) < 2 {
		return false
	}
	return !stopwords[strings.ToLower(name)]
}

// ParseCandidates extracts candidates from a model answer. It accepts a
// {"cards": [...]} object, a bare array, or either wrapped in code fences or
// prose. Invalid names are dropped; an empty slice means nothing was found.
func ParseCandidates(answer string) ([]vision.Candidate, error) {
	text := strings.TrimSpace(answer)
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	if text == "" {
		return nil, ErrNoJSON
	}

	var cards []rawCard
	switch {
	case strings.HasPrefix(text, "{"):
		var obj struct {
			Cards *[]rawCard `json:"cards"`
		}
		if err := json.Unmarshal([]byte(text), &obj); err != nil {
			return nil, fmt.Errorf("decode answer object: %w", err)
		}
		if obj.Cards == nil {
			// a single card object without the wrapper
			var one rawCard
			if err := json.Unmarshal([]byte(text), &one); err != nil || one.Name == "" {
				return nil, errors.New("answer object has no cards field")
			}
			cards = []rawCard{one}
		} else {
			cards = *obj.Cards
		}
	default:
		arr := arrayRe.FindString(text)
		if arr == "" {
			return nil, ErrNoJSON
		}
		if err := json.Unmarshal([]byte(arr), &cards); err != nil {
			return nil, fmt.Errorf("decode answer array: %w", err)
		}
	}

	out := make([]vision.Candidate, 0, len(cards))
	for _, c := range cards {
		if !ValidName(c.Name) {
			continue
		}
		set := strings.TrimSpace(c.Set)
		if set == "" {
			set = strings.TrimSpace(c.SetName)
		}
		out = append(out, vision.Candidate{
			Name:              strings.TrimSpace(c.Name),
			SetHint:           set,
			CollectorNumber:   strings.TrimSpace(c.CollectorNumber),
			SpecialFeatures:   c.Features,
			SymbolDescription: strings.TrimSpace(c.SetSymbol),
			Confidence:        vision.ParseConfidence(c.Confidence),
			Notes:             strings.TrimSpace(c.Notes),
		})
	}
	return out, nil
}
