package scans

// PaginatedResult represents a paginated list of sessions
type PaginatedResult struct {
	Data       []*Session `json:"data"`
	Page       int        `json:"page"`
	PageSize   int        `json:"page_size"`
	Total      int64      `json:"total"`
	TotalPages int        `json:"total_pages"`
}

// ListFilter narrows a session listing.
type ListFilter struct {
	Status   Status
	Page     int
	PageSize int
}
