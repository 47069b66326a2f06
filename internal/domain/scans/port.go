package scans

import (
	"context"
	"io"
	"time"
)

// Repository port (interface untuk persistence)
type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, tenant string, id SessionID) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	ListSessions(ctx context.Context, tenant string, f ListFilter) (PaginatedResult, error)

	AddImage(ctx context.Context, img *Image) error
	ListImages(ctx context.Context, tenant string, id SessionID) ([]*Image, error)
	UpdateImage(ctx context.Context, img *Image) error
	DeleteImages(ctx context.Context, tenant string, id SessionID) error

	// AddResults stores results in slice order.
	AddResults(ctx context.Context, results []*Result) error
	// ListResults returns results ordered by createdAt, then image, then position.
	ListResults(ctx context.Context, tenant string, id SessionID) ([]*Result, error)
	// DecideResults sets the decision on results still PENDING and leaves the rest untouched.
	DecideResults(ctx context.Context, tenant string, ids []ResultID, decision Decision, at time.Time) (int, error)
}

// ImageStore port (interface untuk penyimpanan foto)
type ImageStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
