package inventory

import (
	"context"
	"time"
)

// ListFilter narrows an inventory listing.
type ListFilter struct {
	Query     string
	SetCode   string
	Condition Condition
	Page      int
	PageSize  int
}

// PaginatedResult represents a paginated list of entries
type PaginatedResult struct {
	Data       []*Entry `json:"data"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
	Total      int64    `json:"total"`
	TotalPages int      `json:"total_pages"`
}

// Repository port. All reads skip soft-deleted entries.
type Repository interface {
	// Insert stores e, joining the live stack that shares its duplicate group key
	// (StackID and StackCount are filled in) or starting a new one.
	Insert(ctx context.Context, e *Entry) error
	// InsertFromScan does Insert and marks the originating scan result consumed,
	// atomically. It returns ErrAlreadyCommitted when the result was committed before.
	InsertFromScan(ctx context.Context, e *Entry, at time.Time) error
	Get(ctx context.Context, tenant string, id EntryID) (*Entry, error)
	List(ctx context.Context, tenant string, f ListFilter) (PaginatedResult, error)
	// All returns every live entry ordered by name then first seen, for stacked views.
	All(ctx context.Context, tenant string, f ListFilter) ([]*Entry, error)
	Update(ctx context.Context, e *Entry) error
	// Increment adds one copy to the entry and stamps LastSeen.
	Increment(ctx context.Context, tenant string, id EntryID, at time.Time) (*Entry, error)
	SoftDelete(ctx context.Context, tenant string, id EntryID, at time.Time) error
	Stats(ctx context.Context, tenant string) (Stats, error)
}
