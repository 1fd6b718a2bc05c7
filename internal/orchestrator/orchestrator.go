// Package orchestrator hosts the lookup-or-insert and delete state machines
// that sit between the HTTP layer, the in-memory index, and the warehouse.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dolr-ai/videohash-indexer/internal/codec"
	"github.com/dolr-ai/videohash-indexer/internal/store"
	"github.com/dolr-ai/videohash-indexer/internal/warehouse"
)

// ErrNotFound names the absent-identifier outcome of a delete. Delete itself
// reports an absent identifier as a false result with a nil error.
var ErrNotFound = errors.New("orchestrator: identifier not found")

// Match carries the identifier of a store.Match, with its distance converted
// into a similarity percentage.
type Match struct {
	VideoID              string
	SimilarityPercentage float64
}

// SearchResult is the outcome of a lookup-or-insert call.
type SearchResult struct {
	MatchFound bool
	Match      Match
	HashAdded  bool
	BackedUp   bool
}

// ComponentHealth is one subsystem's reported status.
type ComponentHealth struct {
	Status string
	Count  int
}

// HealthReport summarizes index and warehouse health.
type HealthReport struct {
	Index     ComponentHealth
	Warehouse ComponentHealth
	Timestamp time.Time
}

// Orchestrator wires the index store to the warehouse.
type Orchestrator struct {
	store         *store.Store
	warehouse     warehouse.Warehouse
	searchRadius  int
	warehouseWait time.Duration
	log           *zap.Logger
}

// New builds an orchestrator over an existing store and warehouse.
func New(s *store.Store, w warehouse.Warehouse, searchRadius int, warehouseTimeout time.Duration, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:         s,
		warehouse:     w,
		searchRadius:  searchRadius,
		warehouseWait: warehouseTimeout,
		log:           log,
	}
}

// Search runs the lookup-or-insert state machine: the warehouse append
// happens before the index mutation so a crash between the two steps never
// loses data that was already accepted, only costs a recomputation on the
// next bootstrap.
func (o *Orchestrator) Search(ctx context.Context, id, codeString string) (SearchResult, error) {
	code, err := codec.Parse(codeString)
	if err != nil {
		return SearchResult{}, fmt.Errorf("orchestrator: %w", err)
	}

	backedUp := o.backup(ctx, id, codeString)

	neighbors, err := o.store.FindWithin(code, o.searchRadius)
	if err != nil {
		return SearchResult{}, fmt.Errorf("orchestrator: search failed: %w", err)
	}

	if len(neighbors) > 0 {
		best := neighbors[0]
		return SearchResult{
			MatchFound: true,
			Match: Match{
				VideoID:              best.ID,
				SimilarityPercentage: codec.SimilarityPercent(best.Distance),
			},
			HashAdded: false,
			BackedUp:  backedUp,
		}, nil
	}

	o.store.Add(id, code)
	return SearchResult{
		MatchFound: false,
		HashAdded:  true,
		BackedUp:   backedUp,
	}, nil
}

func (o *Orchestrator) backup(ctx context.Context, id, codeString string) bool {
	wctx, cancel := context.WithTimeout(ctx, o.warehouseWait)
	defer cancel()

	if err := o.warehouse.Append(wctx, id, codeString); err != nil {
		o.log.Error("warehouse append failed, serving query without durability",
			zap.String("video_id", id), zap.Error(err))
		return false
	}
	return true
}

// Delete tombstones id at the index layer only; the warehouse is an
// append-only audit log and is never mutated on delete.
func (o *Orchestrator) Delete(ctx context.Context, id string) (bool, error) {
	return o.store.Remove(id), nil
}

// Bootstrap loads every row from the warehouse into the store if the store
// is currently empty and the warehouse is reachable. Failures are logged,
// not returned: the service still serves queries against whatever ends up
// in the store, possibly empty.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	if !o.store.IsEmpty() {
		o.log.Info("skipping bootstrap, store already populated", zap.Int("count", o.store.Len()))
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, o.warehouseWait)
	defer cancel()

	if !o.warehouse.Healthy(wctx) {
		o.log.Warn("warehouse unreachable at startup, starting with an empty store")
		return nil
	}

	rows, err := o.warehouse.FetchAll(wctx)
	if err != nil {
		o.log.Error("bootstrap fetch failed, starting with an empty store", zap.Error(err))
		return nil
	}

	if err := o.store.Bootstrap(rows); err != nil {
		o.log.Error("bootstrap build failed, starting with an empty store", zap.Error(err))
		return nil
	}

	o.log.Info("bootstrap complete", zap.Int("rows", len(rows)), zap.Int("count", o.store.Len()))
	return nil
}

// Health reports store size and warehouse reachability. It never returns an
// error: an unreachable warehouse is itself a health fact, not a failure of
// this call.
func (o *Orchestrator) Health(ctx context.Context) HealthReport {
	wctx, cancel := context.WithTimeout(ctx, o.warehouseWait)
	defer cancel()

	warehouseStatus := "unhealthy"
	if o.warehouse.Healthy(wctx) {
		warehouseStatus = "healthy"
	}

	return HealthReport{
		Index:     ComponentHealth{Status: "healthy", Count: o.store.Len()},
		Warehouse: ComponentHealth{Status: warehouseStatus},
		Timestamp: time.Now().UTC(),
	}
}
