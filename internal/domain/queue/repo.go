package queue

import (
	"context"

	"github.com/google/uuid"
)

// QueueState is what the repository holds for one key. A key that was never
// written loads as a zero state.
type QueueState struct {
	NextSeq int64
	Entries []Entry
}

type Repository interface {
	// LoadQueue returns the persisted entries of key ordered by seq.
	LoadQueue(ctx context.Context, key Key) (*QueueState, error)
	// SaveQueue writes the queue row and the changed entries atomically.
	SaveQueue(ctx context.Context, key Key, nextSeq int64, changed []Entry) error
	// LocateEntry returns the key an entry belongs to, or ErrNotFound.
	LocateEntry(ctx context.Context, id uuid.UUID) (Key, error)
}
