package storage

import (
	"context"
	"errors"
	"time"

	"bidwatch/internal/tender"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default when empty): SQLite database file
//   - "none": storage disabled (Open returns nil, nil)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// UpsertResult reports whether the natural key was new.
type UpsertResult struct {
	Inserted bool
}

// Filter selects tenders for paginated reads.
type Filter struct {
	Source string
	Limit  int
	Offset int
}

// Store is the persistence API used by the collector and the serving layer.
//
// UpsertTender is the idempotent write path: the caller may re-run a full
// collection at any time and the store must neither duplicate rows nor let a
// partial re-scrape erase previously captured fields.
type Store interface {
	UpsertTender(ctx context.Context, rec *tender.Record) (UpsertResult, error)
	ListTenders(ctx context.Context, f Filter) ([]tender.Record, int, error)
	CountTenders(ctx context.Context, source string, since time.Time) (int, error)
	Close() error
}
