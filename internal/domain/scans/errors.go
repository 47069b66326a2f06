package scans

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("scan not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrIntegrity         = errors.New("integrity violation")
	ErrValidation        = errors.New("validation failed")
)

// TransitionError reports an operation invoked outside its valid state.
// To is empty for operations that do not change the status.
type TransitionError struct {
	Op   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("%s: not allowed while session is %s", e.Op, e.From)
	}
	return fmt.Sprintf("%s: session is %s, cannot move to %s", e.Op, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
