package vision

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrQuotaExceeded        = errors.New("vision quota exceeded")
	ErrAllBackendsExhausted = errors.New("all vision backends failed")
)

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindQuota       ErrorKind = "quota"
	KindTimeout     ErrorKind = "timeout"
	KindUnavailable ErrorKind = "unavailable"
	KindMalformed   ErrorKind = "malformed"
	KindRequest     ErrorKind = "request"
)

// BackendError is returned by a Backend when the provider call fails.
type BackendError struct {
	Backend BackendID
	Kind    ErrorKind
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend: %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Is(target error) bool {
	return target == ErrQuotaExceeded && e.Kind == KindQuota
}

// Fail builds a *BackendError.
func Fail(id BackendID, kind ErrorKind, err error) error {
	return &BackendError{Backend: id, Kind: kind, Err: err}
}

// Failure is one attempt inside an exhausted chain.
type Failure struct {
	Backend BackendID `json:"backend"`
	Reason  string    `json:"reason"`
}

// ExhaustedError names every backend tried and why it failed.
type ExhaustedError struct {
	Failures []Failure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Backend, f.Reason))
	}
	return fmt.Sprintf("%v (%s)", ErrAllBackendsExhausted, strings.Join(parts, "; "))
}

func (e *ExhaustedError) Unwrap() error { return ErrAllBackendsExhausted }
