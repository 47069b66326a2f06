package vision

import "context"

// Backend is one external recognition provider.
// Implementations must not retry; failover belongs to the caller.
type Backend interface {
	ID() BackendID
	Recognize(ctx context.Context, img Image) (Recognition, error)
}
