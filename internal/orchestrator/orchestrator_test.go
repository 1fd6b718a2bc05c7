package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dolr-ai/videohash-indexer/internal/store"
	"github.com/dolr-ai/videohash-indexer/internal/warehouse"
)

type fakeWarehouse struct {
	rows        []warehouse.Row
	appendErr   error
	healthy     bool
	fetchErr    error
	appendCalls int
}

func (f *fakeWarehouse) FetchAll(ctx context.Context) ([]warehouse.Row, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.rows, nil
}

func (f *fakeWarehouse) Append(ctx context.Context, id, codeString string) error {
	f.appendCalls++
	if f.appendErr != nil {
		return f.appendErr
	}
	f.rows = append(f.rows, warehouse.Row{ID: id, CodeString: codeString, Timestamp: time.Now()})
	return nil
}

func (f *fakeWarehouse) AppendMany(ctx context.Context, rows []warehouse.Row) error {
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakeWarehouse) Healthy(ctx context.Context) bool { return f.healthy }

func newOrchestrator(w warehouse.Warehouse) *Orchestrator {
	return New(store.New(8, zap.NewNop()), w, 10, 5*time.Second, zap.NewNop())
}

func TestSearchInsertThenDuplicate(t *testing.T) {
	w := &fakeWarehouse{healthy: true}
	o := newOrchestrator(w)
	ctx := context.Background()

	first, err := o.Search(ctx, "v1", strings.Repeat("0", 64))
	if err != nil {
		t.Fatal(err)
	}
	if first.MatchFound || !first.HashAdded || !first.BackedUp {
		t.Errorf("first search = %+v, want match_found=false hash_added=true backed_up=true", first)
	}

	second, err := o.Search(ctx, "v2", strings.Repeat("0", 60)+strings.Repeat("1", 4))
	if err != nil {
		t.Fatal(err)
	}
	if !second.MatchFound || second.HashAdded {
		t.Fatalf("second search = %+v, want match_found=true hash_added=false", second)
	}
	if second.Match.VideoID != "v1" || second.Match.SimilarityPercentage != 93.75 {
		t.Errorf("second search match = %+v, want v1 @ 93.75", second.Match)
	}
}

func TestSearchThenDeleteThenReinsert(t *testing.T) {
	w := &fakeWarehouse{healthy: true}
	o := newOrchestrator(w)
	ctx := context.Background()

	if _, err := o.Search(ctx, "v1", strings.Repeat("0", 64)); err != nil {
		t.Fatal(err)
	}

	deleted, err := o.Delete(ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Fatal("Delete(v1) = false, want true")
	}

	again, err := o.Search(ctx, "v2", strings.Repeat("0", 60)+strings.Repeat("1", 4))
	if err != nil {
		t.Fatal(err)
	}
	if !again.HashAdded || again.MatchFound {
		t.Errorf("post-delete search = %+v, want hash_added=true match_found=false", again)
	}
}

func TestSearchRejectsBadHash(t *testing.T) {
	o := newOrchestrator(&fakeWarehouse{healthy: true})
	_, err := o.Search(context.Background(), "x", "2"+strings.Repeat("0", 63))
	if err == nil {
		t.Fatal("Search with bad symbol returned nil error")
	}
}

func TestSearchNoMatchOutsideRadius(t *testing.T) {
	w := &fakeWarehouse{healthy: true}
	o := newOrchestrator(w)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		bits := make([]byte, 64)
		for j := range bits {
			bits[j] = '0'
		}
		for j := 0; j < i; j++ {
			bits[j] = '1'
		}
		if _, err := o.Search(ctx, string(rune('a'+i)), string(bits)); err != nil {
			t.Fatal(err)
		}
	}

	far := make([]byte, 64)
	for i := range far {
		far[i] = '0'
	}
	for i := 0; i < 11; i++ {
		far[63-i] = '1'
	}
	result, err := o.Search(ctx, "query", string(far))
	if err != nil {
		t.Fatal(err)
	}
	if result.MatchFound {
		t.Errorf("Search 11 bits away = %+v, want match_found=false", result)
	}
}

func TestSearchExactMatchZeroRadiusIsHandledByStore(t *testing.T) {
	w := &fakeWarehouse{healthy: true}
	o := New(store.New(8, zap.NewNop()), w, 0, 5*time.Second, zap.NewNop())
	ctx := context.Background()

	code := strings.Repeat("1", 64)
	if _, err := o.Search(ctx, "v1", code); err != nil {
		t.Fatal(err)
	}
	result, err := o.Search(ctx, "v2", code)
	if err != nil {
		t.Fatal(err)
	}
	if !result.MatchFound || result.Match.SimilarityPercentage != 100.0 {
		t.Errorf("zero-radius exact match = %+v, want match_found=true similarity=100.0", result)
	}
}

func TestSearchDegradesGracefullyOnWarehouseFailure(t *testing.T) {
	w := &fakeWarehouse{healthy: true, appendErr: errors.New("unreachable")}
	o := newOrchestrator(w)

	result, err := o.Search(context.Background(), "v1", strings.Repeat("0", 64))
	if err != nil {
		t.Fatal(err)
	}
	if result.BackedUp {
		t.Error("BackedUp = true, want false when warehouse append fails")
	}
	if !result.HashAdded {
		t.Error("a warehouse failure must not block the primary duplicate-detection function")
	}
}

func TestDeleteAbsentReturnsFalse(t *testing.T) {
	o := newOrchestrator(&fakeWarehouse{healthy: true})
	found, err := o.Delete(context.Background(), "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("Delete(ghost) = true, want false")
	}
}

func TestBootstrapLastWriteWins(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := &fakeWarehouse{
		healthy: true,
		rows: []warehouse.Row{
			{ID: "a", CodeString: strings.Repeat("0", 64), Timestamp: base},
			{ID: "b", CodeString: strings.Repeat("1", 64), Timestamp: base.Add(time.Second)},
			{ID: "a", CodeString: strings.Repeat("0", 63) + "1", Timestamp: base.Add(2 * time.Second)},
		},
	}
	o := newOrchestrator(w)

	if err := o.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	result, err := o.Search(context.Background(), "query", strings.Repeat("0", 64))
	if err != nil {
		t.Fatal(err)
	}
	if !result.MatchFound || result.Match.VideoID != "a" {
		t.Errorf("post-bootstrap search = %+v, want match on a", result)
	}
}

func TestBootstrapSkippedWhenWarehouseUnreachable(t *testing.T) {
	w := &fakeWarehouse{healthy: false}
	o := newOrchestrator(w)

	if err := o.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if o.store.Len() != 0 {
		t.Errorf("store has %d entries after failed bootstrap, want 0", o.store.Len())
	}
}

func TestBootstrapSkippedWhenStoreAlreadyPopulated(t *testing.T) {
	w := &fakeWarehouse{healthy: true, rows: []warehouse.Row{
		{ID: "a", CodeString: strings.Repeat("0", 64), Timestamp: time.Now()},
	}}
	o := newOrchestrator(w)
	if _, err := o.Search(context.Background(), "seed", strings.Repeat("1", 64)); err != nil {
		t.Fatal(err)
	}

	if err := o.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if o.store.Len() != 1 {
		t.Errorf("store has %d entries, want 1 (bootstrap should have been skipped)", o.store.Len())
	}
}

func TestHealthReportsComponents(t *testing.T) {
	w := &fakeWarehouse{healthy: true}
	o := newOrchestrator(w)
	if _, err := o.Search(context.Background(), "v1", strings.Repeat("0", 64)); err != nil {
		t.Fatal(err)
	}

	report := o.Health(context.Background())
	if report.Index.Status != "healthy" || report.Index.Count != 1 {
		t.Errorf("index health = %+v, want status=healthy count=1", report.Index)
	}
	if report.Warehouse.Status != "healthy" {
		t.Errorf("warehouse health = %+v, want healthy", report.Warehouse)
	}

	w.healthy = false
	report = o.Health(context.Background())
	if report.Warehouse.Status != "unhealthy" {
		t.Errorf("warehouse health = %+v, want unhealthy", report.Warehouse)
	}
}
