package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads objects to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// ArchiveResult summarizes one archival run.
type ArchiveResult struct {
	SessionsArchived int
	TradesArchived   int
	TradesPruned     int64
	Objects          []string
}

// Archiver moves settled sessions and trades older than a cutoff into cold
// storage and prunes the archived trades from the hot store.
type Archiver interface {
	ArchiveSettled(ctx context.Context, before time.Time) (ArchiveResult, error)
}
