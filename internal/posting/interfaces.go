// Package posting defines the job posting record, its status lifecycle, the
// completeness gate, and the contracts shared by the pipeline components.
package posting

import (
	"context"
	"io"
	"time"
)

// Store persists postings.
type Store interface {
	Create(ctx context.Context, p Posting) error
	Get(ctx context.Context, id string) (Posting, error)
	List(ctx context.Context, f Filter) ([]Posting, error)
	// Save overwrites every mutable field and bumps UpdatedAt.
	Save(ctx context.Context, p Posting) (Posting, error)
	// Transition atomically moves the posting to `to` if its current status is in `from`.
	Transition(ctx context.Context, id string, from []Status, to Status, errMsg *string) (Posting, error)
	ListStale(ctx context.Context, status Status, olderThan time.Time) ([]Posting, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// Queue delivers tasks to workers at least once.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
	Dequeue(ctx context.Context) (Task, error)
	// Ack confirms a task is finished (persisted or re-enqueued).
	Ack(ctx context.Context, t Task) error
	Close()
}

// Publisher emits outbound events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore archives raw captures.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher produces content hashes for archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator issues posting and task ids.
type IDGenerator interface {
	NewID() (string, error)
}
