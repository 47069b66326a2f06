package confidence

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/bryanwahyu/cardscan/internal/domain/cards"
	"github.com/bryanwahyu/cardscan/internal/domain/inventory"
	"github.com/bryanwahyu/cardscan/internal/domain/vision"
)

// ReviewThreshold is the score below which a result must be reviewed by a human.
const ReviewThreshold = 70.0

// Level is the discrete band of a score.
type Level string

const (
	LevelVeryLow  Level = "very_low"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelVeryHigh Level = "very_high"
)

// LevelFor maps a 0..100 score to its band.
func LevelFor(score float64) Level {
	switch {
	case score >= 90:
		return LevelVeryHigh
	case score >= 75:
		return LevelHigh
	case score >= 60:
		return LevelMedium
	case score >= 40:
		return LevelLow
	default:
		return LevelVeryLow
	}
}

// Factor is one signed contribution to a score.
type Factor struct {
	Name  string  `json:"name"`
	Delta float64 `json:"delta"`
}

// Assessment is the scorer's verdict on one candidate.
type Assessment struct {
	Score          float64  `json:"score"`
	Level          Level    `json:"level"`
	RequiresReview bool     `json:"requires_review"`
	Factors        []Factor `json:"factors"`
}

var suspiciousWords = []string{
	"unknown", "unclear", "partial", "illegible", "unreadable",
	"possibly", "maybe", "blurry", "obscured",
}

var leakedDescriptors = []string{
	"foil", "card", "showcase", "borderless", "extended art", "promo", "token copy",
}

// Scorer combines self-reported confidence, lookup confirmation and set
// symbol plausibility into one score. The zero value is ready to use.
type Scorer struct{}

// Score rates a candidate. match is nil when the lookup found nothing.
func (Scorer) Score(c vision.Candidate, match *cards.Card) Assessment {
	var factors []Factor
	add := func(name string, delta float64) {
		factors = append(factors, Factor{Name: name, Delta: delta})
	}

	name := strings.TrimSpace(c.Name)
	if name != "" {
		add("name_present", 30)
		if n := utf8.RuneCountInString(name); n >= 3 && n <= 40 {
			add("name_length", 10)
		}
		if !strings.ContainsFunc(name, unicode.IsDigit) {
			add("name_no_digits", 5)
		}
	}

	switch c.Confidence {
	case vision.ConfidenceHigh:
		add("self_reported_high", 20)
	case vision.ConfidenceMedium:
		add("self_reported_medium", 10)
	default:
		add("self_reported_low", -5)
	}

	if match == nil {
		add("no_lookup_match", -20)
	} else {
		if inventory.FoldName(match.Name) == inventory.FoldName(name) {
			add("lookup_exact_name", 25)
		}
		if hint := strings.TrimSpace(c.SetHint); hint != "" &&
			(strings.EqualFold(hint, match.SetCode) || strings.EqualFold(hint, match.SetName)) {
			add("lookup_set_match", 15)
		}
		if match.HasPrice() {
			add("lookup_price", 5)
		}
	}

	setCode, setName := c.SetHint, ""
	if match != nil {
		setCode, setName = match.SetCode, match.SetName
	}
	switch CheckSymbol(setCode, setName, c.SymbolDescription) {
	case SymbolMatch:
		add("symbol_match", 10)
	case SymbolMismatch:
		add("symbol_mismatch", -30)
	}

	lower := strings.ToLower(name)
	penalty := 0.0
	for _, w := range suspiciousWords {
		if containsWord(lower, w) {
			penalty -= 15
		}
	}
	if penalty < -30 {
		penalty = -30
	}
	if penalty != 0 {
		add("suspicious_words", penalty)
	}
	for _, w := range leakedDescriptors {
		if containsWord(lower, w) {
			add("descriptor_in_name", -10)
			break
		}
	}

	score := 0.0
	for _, f := range factors {
		score += f.Delta
	}
	score = max(0, min(100, score))

	return Assessment{
		Score:          score,
		Level:          LevelFor(score),
		RequiresReview: score < ReviewThreshold,
		Factors:        factors,
	}
}

// containsWord matches w on word boundaries inside s.
func containsWord(s, w string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], w)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(w)
		before := start == 0 || !isWordByte(s[start-1])
		after := end == len(s) || !isWordByte(s[end])
		if before && after {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b == '\'' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}
