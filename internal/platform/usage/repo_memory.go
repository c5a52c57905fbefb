package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// repoMemory is an in-memory Repository for development deployments without
// a DATABASE_URL, and for tests.
type repoMemory struct {
	mu    sync.RWMutex
	items []*Record
}

// NewRepoMemory returns an in-memory Repository.
func NewRepoMemory() Repository {
	return &repoMemory{}
}

func (r *repoMemory) Create(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.ID = uuid.New()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	r.items = append(r.items, &cp)
	return nil
}

func (r *repoMemory) ListBySession(_ context.Context, sessionID string, limit, offset int) ([]*Record, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filter(func(rec *Record) bool { return rec.SessionID == sessionID }, limit, offset)
}

func (r *repoMemory) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]*Record, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filter(func(rec *Record) bool { return rec.OwnerID == ownerID }, limit, offset)
}

// filter walks the store newest-first so both Repository implementations
// agree on ordering.
func (r *repoMemory) filter(keep func(*Record) bool, limit, offset int) ([]*Record, int, error) {
	var matched []*Record
	for i := len(r.items) - 1; i >= 0; i-- {
		if keep(r.items[i]) {
			matched = append(matched, r.items[i])
		}
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, total, nil
}
