package scanerrors

import "time"

// Phase tells where in the scan pipeline the error happened.
type Phase string

const (
	PhaseRecognize Phase = "recognize"
	PhaseLookup    Phase = "lookup"
	PhaseStore     Phase = "store"
	PhaseCommit    Phase = "commit"
	PhaseCleanup   Phase = "cleanup"
)

// ScanError represents a persisted scan error entry
type ScanError struct {
	ID          int64     `json:"id"`
	TenantID    string    `json:"tenant_id"`
	SessionID   string    `json:"scan_session_id"`
	ImageID     string    `json:"scan_image_id,omitempty"`
	Backend     string    `json:"backend,omitempty"`
	Phase       Phase     `json:"phase"`
	Message     string    `json:"message"`
	DetailsJSON string    `json:"details_json,omitempty"` // raw JSON string
	CreatedAt   time.Time `json:"created_at"`
}
