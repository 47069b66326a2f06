package scans

import (
	"time"

	"github.com/bryanwahyu/cardscan/internal/domain/cards"
	"github.com/bryanwahyu/cardscan/internal/domain/vision"
)

// ID types
type SessionID string
type ImageID string
type ResultID string

// Status enum for a scan session
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusProcessing     Status = "PROCESSING"
	StatusReadyForReview Status = "READY_FOR_REVIEW"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
	StatusFailed         Status = "FAILED"
)

// Decision enum for a scan result
type Decision string

const (
	DecisionPending  Decision = "PENDING"
	DecisionAccepted Decision = "ACCEPTED"
	DecisionRejected Decision = "REJECTED"
)

// Aggregate Root: Session
type Session struct {
	ID              SessionID `json:"id"`
	TenantID        string    `json:"tenant_id"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	TotalImages     int       `json:"total_images"`
	ProcessedImages int       `json:"processed_images"`
	TotalCardsFound int       `json:"total_cards_found"`
	Notes           string    `json:"notes,omitempty"`
}

// Image is one uploaded photograph owned by a Session.
type Image struct {
	ID               ImageID    `json:"id"`
	SessionID        SessionID  `json:"scan_session_id"`
	TenantID         string     `json:"tenant_id"`
	StorageKey       string     `json:"storage_key"`
	OriginalFilename string     `json:"original_filename"`
	ContentType      string     `json:"content_type"`
	SizeBytes        int64      `json:"size_bytes"`
	CreatedAt        time.Time  `json:"created_at"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
	CardsFound       int        `json:"cards_found"`
	ProcessingError  *string    `json:"processing_error,omitempty"`
	BackendID        *string    `json:"backend_id,omitempty"`
	Quality          Quality    `json:"quality"`
}

// Quality is the advisory photo assessment taken at upload time.
type Quality struct {
	Score  float64  `json:"score"`
	Issues []string `json:"issues,omitempty"`
}

// Result is one recognition candidate for one Image.
type Result struct {
	ID                    ResultID        `json:"id"`
	SessionID             SessionID       `json:"scan_session_id"`
	ImageID               ImageID         `json:"scan_image_id"`
	TenantID              string          `json:"tenant_id"`
	Position              int             `json:"position"`
	CandidateName         string          `json:"candidate_name"`
	Candidate             CandidateRecord `json:"candidate"`
	Lookup                *LookupRecord   `json:"lookup,omitempty"`
	LookupSetCode         *string         `json:"lookup_set_code,omitempty"`
	LookupSetName         *string         `json:"lookup_set_name,omitempty"`
	LookupCollectorNumber *string         `json:"lookup_collector_number,omitempty"`
	ConfidenceScore       float64         `json:"confidence_score"`
	ConfidenceLevel       string          `json:"confidence_level"`
	RequiresReview        bool            `json:"requires_review"`
	DecisionStatus        Decision        `json:"decision_status"`
	RawBackendResponse    string          `json:"raw_backend_response,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	DecidedAt             *time.Time      `json:"decided_at,omitempty"`
	ConsumedAt            *time.Time      `json:"consumed_at,omitempty"`
}

// RecordVersion is bumped whenever CandidateRecord or LookupRecord change shape.
const RecordVersion = 1

// CandidateRecord is the persisted form of a vision candidate.
type CandidateRecord struct {
	Version   int              `json:"v"`
	Backend   string           `json:"backend"`
	Candidate vision.Candidate `json:"candidate"`
}

// LookupRecord is the persisted form of the canonical card a candidate matched.
type LookupRecord struct {
	Version int        `json:"v"`
	Card    cards.Card `json:"card"`
}

// Decided reports whether a human has accepted or rejected the result.
func (r *Result) Decided() bool { return r.DecisionStatus != DecisionPending }

// Accepted reports whether the result was accepted.
func (r *Result) Accepted() bool {
	return r.DecisionStatus == DecisionAccepted
}

// ApplyLookup copies the canonical set fields into the nullable lookup columns.
func (r *Result) ApplyLookup(c *cards.Card) {
	if c == nil {
		r.Lookup = nil
		r.LookupSetCode, r.LookupSetName, r.LookupCollectorNumber = nil, nil, nil
		return
	}
	r.Lookup = &LookupRecord{Version: RecordVersion, Card: *c}
	r.LookupSetCode = strPtr(c.SetCode)
	r.LookupSetName = strPtr(c.SetName)
	r.LookupCollectorNumber = strPtr(c.CollectorNumber)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
