package usage

import "context"

// Repository stores usage records. Implementations must be safe for
// concurrent use from multiple sessions.
type Repository interface {
	Create(ctx context.Context, r *Record) error
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*Record, int, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Record, int, error)
}
