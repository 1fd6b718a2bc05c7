// Package warehouse durably persists (identifier, fingerprint) rows to an
// external append-only columnar store and supports bulk bootstrap reads.
// The interface is deliberately narrow: the core index never depends on
// the concrete backing store, only on this contract.
package warehouse

import (
	"context"
	"time"
)

// Row is one (identifier, fingerprint, write time) record as stored in the
// warehouse.
type Row struct {
	ID         string
	CodeString string
	Timestamp  time.Time
}

// Warehouse is the durability and bootstrap contract the orchestrator
// depends on. Implementations are expected to apply their own bounded
// retry policy internally: callers see a single call that either
// succeeds or returns a final error.
type Warehouse interface {
	// FetchAll returns every row, paginated internally, ordered by write
	// time descending (newest first).
	FetchAll(ctx context.Context) ([]Row, error)

	// Append durably writes a single row with the current time as its
	// timestamp. At-least-once: callers must tolerate duplicate rows.
	Append(ctx context.Context, id, codeString string) error

	// AppendMany writes rows in batches of at most a backend-defined size,
	// retrying a failed batch as a unit.
	AppendMany(ctx context.Context, rows []Row) error

	// Healthy runs a lightweight reachability probe.
	Healthy(ctx context.Context) bool
}
