package vision

import "strings"

// BackendID names one recognition provider.
type BackendID string

const (
	BackendOpenAI BackendID = "openai"
	BackendClaude BackendID = "claude"
	BackendGoogle BackendID = "google"
)

// KnownBackends lists every backend the service can build.
var KnownBackends = []BackendID{BackendOpenAI, BackendClaude, BackendGoogle}

// Known reports whether id names a buildable backend.
func (id BackendID) Known() bool {
	for _, k := range KnownBackends {
		if k == id {
			return true
		}
	}
	return false
}

// Confidence is the provider's self-reported certainty for one candidate.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ParseConfidence maps free text onto a Confidence, defaulting to low.
func ParseConfidence(s string) Confidence {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "very high", "certain":
		return ConfidenceHigh
	case "medium", "moderate":
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Candidate is one card identification hypothesis.
type Candidate struct {
	Name              string     `json:"name"`
	SetHint           string     `json:"set_hint,omitempty"`
	CollectorNumber   string     `json:"collector_number,omitempty"`
	SpecialFeatures   []string   `json:"special_features,omitempty"`
	SymbolDescription string     `json:"symbol_description,omitempty"`
	Confidence        Confidence `json:"confidence"`
	Notes             string     `json:"notes,omitempty"`
}

// Image is the payload handed to a backend.
type Image struct {
	Data        []byte
	ContentType string
}

// Recognition is what a backend returns for one image.
type Recognition struct {
	Candidates []Candidate
	// Raw is the provider's answer text, kept for diagnostics only.
	Raw string
}
