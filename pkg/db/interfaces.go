package db

import (
	"context"
	"time"

	"github.com/canopy-network/bondingx/pkg/models"
)

// DeltaWriter persists delta records. Implementations must tolerate duplicate records.
type DeltaWriter interface {
	WriteDeltas(ctx context.Context, records []models.DeltaRecord) error
}

// DeltaQuerier executes backend-specific query strings and returns tabular text rows.
// Every row produced by its own dialect has three columns: RFC 3339 timestamp, reserve change, supply change.
type DeltaQuerier interface {
	Query(ctx context.Context, query string) ([][]string, error)
	// RangeQuery selects the records of address with insert time in [start, stop), oldest first.
	RangeQuery(address string, start, stop time.Time) string
	// LatestQuery selects the newest record of address inserted at or after since.
	LatestQuery(address string, since time.Time) string
}

// DeltaStore is the persistence backend shared by the writer and the history service.
type DeltaStore interface {
	DeltaWriter
	DeltaQuerier
	Ping(ctx context.Context) error
	Close() error
}
