package inventory

import "errors"

var (
	ErrNotFound   = errors.New("inventory entry not found")
	ErrValidation = errors.New("validation failed")
	// ErrAlreadyCommitted marks a scan result that already produced an entry.
	ErrAlreadyCommitted = errors.New("scan result already committed")
)
