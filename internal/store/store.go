// Package store holds the identifier↔fingerprint mapping and a lazily
// rebuilt multi-index-hashing engine over it.
//
// Two independent locks guard two independent cells, mirroring the
// original Rust prototype's two RwLocks (one over the id→code map, one
// over the cached (Index, Vec<Uuid>) pair): M (the map) is always
// acquired before (E, V) on the write path, and (E, V) is always
// acquired before M on lookups, so the store never holds both write
// locks at once. The invariant this protects: the engine's positions are
// only meaningful relative to the identifier vector captured at the
// engine's own build time, and any mutation of the map drops that pair.
package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dolr-ai/videohash-indexer/internal/codec"
	"github.com/dolr-ai/videohash-indexer/internal/mih"
	"github.com/dolr-ai/videohash-indexer/internal/warehouse"
)

// ErrBuildFailed wraps a failure from the underlying mih engine build.
var ErrBuildFailed = errors.New("store: engine build failed")

// ErrStaleIndex is returned when a lookup observes a position that fell out
// of range of the identifier vector between lock acquisitions; callers
// should retry once.
var ErrStaleIndex = errors.New("store: index became stale mid-read, retry")

// Match is a single (identifier, distance) lookup result.
type Match struct {
	ID       string
	Distance int
}

// Entry is one resident (identifier, fingerprint) pair.
type Entry struct {
	ID   string
	Code codec.Code
}

type builtIndex struct {
	engine *mih.Engine
	ids    []string // V: position i refers to ids[i]
}

// Store holds the id→code mapping and the cached lazily-built engine.
type Store struct {
	blocks int
	log    *zap.Logger

	mapMu sync.RWMutex
	codes map[string]codec.Code

	idxMu sync.RWMutex
	idx   *builtIndex // nil means absent
}

// New creates an empty store whose engine partitions codes into blocks
// sub-codes on each rebuild. log receives one line per (E, V) rebuild,
// tagged with a fresh snapshot id so concurrent rebuild attempts (only one
// of which actually runs, the rest observing s.idx already populated) can be
// told apart in correlated logs.
func New(blocks int, log *zap.Logger) *Store {
	return &Store{
		blocks: blocks,
		log:    log,
		codes:  make(map[string]codec.Code),
	}
}

// Add inserts or overwrites id's code and invalidates the cached engine.
func (s *Store) Add(id string, code codec.Code) {
	s.mapMu.Lock()
	s.codes[id] = code
	s.mapMu.Unlock()

	s.invalidate()
}

// Remove deletes id from the store if present, reporting whether it was
// present. A successful removal invalidates the cached engine.
func (s *Store) Remove(id string) bool {
	s.mapMu.Lock()
	_, existed := s.codes[id]
	if existed {
		delete(s.codes, id)
	}
	s.mapMu.Unlock()

	if existed {
		s.invalidate()
	}
	return existed
}

// HasExact reports whether id is present and mapped to exactly code.
func (s *Store) HasExact(id string, code codec.Code) bool {
	s.mapMu.RLock()
	defer s.mapMu.RUnlock()
	c, ok := s.codes[id]
	return ok && c == code
}

// Len returns the number of identifiers currently stored.
func (s *Store) Len() int {
	s.mapMu.RLock()
	defer s.mapMu.RUnlock()
	return len(s.codes)
}

// IsEmpty reports whether the store holds no identifiers.
func (s *Store) IsEmpty() bool {
	return s.Len() == 0
}

// Entries returns every resident (identifier, fingerprint) pair, sorted by
// identifier ascending.
func (s *Store) Entries() []Entry {
	s.mapMu.RLock()
	defer s.mapMu.RUnlock()

	entries := make([]Entry, 0, len(s.codes))
	for id, code := range s.codes {
		entries = append(entries, Entry{ID: id, Code: code})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

func (s *Store) invalidate() {
	s.idxMu.Lock()
	s.idx = nil
	s.idxMu.Unlock()
}

// ensureBuilt materializes the cached engine if absent. It snapshots the map
// under a read guard, sorts identifiers for deterministic positions, and
// builds the engine while holding the (E, V) write lock so no partial state
// is ever observable.
func (s *Store) ensureBuilt() error {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	if s.idx != nil {
		return nil
	}

	s.mapMu.RLock()
	if len(s.codes) == 0 {
		s.mapMu.RUnlock()
		return nil
	}
	ids := make([]string, 0, len(s.codes))
	for id := range s.codes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	codes := make([]uint64, len(ids))
	for i, id := range ids {
		codes[i] = uint64(s.codes[id])
	}
	s.mapMu.RUnlock()

	engine, err := mih.Build(codes, s.blocks)
	if err != nil {
		return errors.Join(ErrBuildFailed, err)
	}

	snapshotID := uuid.NewString()
	s.log.Info("rebuilt index snapshot",
		zap.String("snapshot_id", snapshotID),
		zap.Int("count", len(ids)),
		zap.Int("blocks", s.blocks),
	)

	s.idx = &builtIndex{engine: engine, ids: ids}
	return nil
}

// resolve translates an engine position into an identifier and recomputes
// the true distance from the live map, never trusting any distance the
// engine itself might report. It returns ErrStaleIndex if the position or
// identifier no longer correspond to live state.
func (s *Store) resolve(idx *builtIndex, position int, q codec.Code) (Match, error) {
	if position < 0 || position >= len(idx.ids) {
		return Match{}, ErrStaleIndex
	}
	id := idx.ids[position]

	s.mapMu.RLock()
	code, ok := s.codes[id]
	s.mapMu.RUnlock()
	if !ok {
		return Match{}, ErrStaleIndex
	}

	return Match{ID: id, Distance: code.HammingDistance(q)}, nil
}

// FindNearest returns the single closest match to q, or ok=false if the
// store is empty. A lookup that observes ErrStaleIndex — a concurrent
// Add/Remove invalidated the engine's identifier vector between the (E, V)
// read and the map read inside resolve — is retried exactly once against a
// freshly rebuilt engine before the error is surfaced to the caller.
func (s *Store) FindNearest(q codec.Code) (Match, bool, error) {
	m, ok, err := s.findNearestOnce(q)
	if errors.Is(err, ErrStaleIndex) {
		s.invalidate()
		m, ok, err = s.findNearestOnce(q)
	}
	return m, ok, err
}

func (s *Store) findNearestOnce(q codec.Code) (Match, bool, error) {
	if err := s.ensureBuilt(); err != nil {
		return Match{}, false, err
	}

	s.idxMu.RLock()
	idx := s.idx
	s.idxMu.RUnlock()
	if idx == nil {
		return Match{}, false, nil
	}

	positions := idx.engine.TopK(uint64(q), 1)
	if len(positions) == 0 {
		return Match{}, false, nil
	}

	m, err := s.resolve(idx, positions[0], q)
	if err != nil {
		return Match{}, false, err
	}
	return m, true, nil
}

// FindWithin returns every match within Hamming distance r of q, sorted by
// ascending distance and, as a deterministic tie-breaker, ascending
// identifier. As in FindNearest, a single ErrStaleIndex is retried once
// against a freshly rebuilt engine.
func (s *Store) FindWithin(q codec.Code, r int) ([]Match, error) {
	matches, err := s.findWithinOnce(q, r)
	if errors.Is(err, ErrStaleIndex) {
		s.invalidate()
		matches, err = s.findWithinOnce(q, r)
	}
	return matches, err
}

func (s *Store) findWithinOnce(q codec.Code, r int) ([]Match, error) {
	if err := s.ensureBuilt(); err != nil {
		return nil, err
	}

	s.idxMu.RLock()
	idx := s.idx
	s.idxMu.RUnlock()
	if idx == nil {
		return nil, nil
	}

	positions := idx.engine.Range(uint64(q), r)
	matches := make([]Match, 0, len(positions))
	for _, pos := range positions {
		m, err := s.resolve(idx, pos, q)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})
	return matches, nil
}

// Bootstrap replaces the entire map with rows, applying last-write-wins on
// duplicate identifiers. Rows are sorted by timestamp ascending before
// insertion so that the most recently written row for an identifier is the
// one that survives, matching warehouse.FetchAll's newest-first ordering.
// Parsing is fanned out across rows since it is pure CPU work independent
// per row; the map is then built back up in timestamp order on a single
// goroutine so last-write-wins stays deterministic.
func (s *Store) Bootstrap(rows []warehouse.Row) error {
	sorted := make([]warehouse.Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	parsed := make([]codec.Code, len(sorted))
	ok := make([]bool, len(sorted))

	var g errgroup.Group
	for i, row := range sorted {
		i, row := i, row
		g.Go(func() error {
			code, err := codec.Parse(row.CodeString)
			if err != nil {
				return nil // malformed rows are already filtered by the warehouse adapter; defensive only
			}
			parsed[i] = code
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait() // parse funcs never return a non-nil error

	fresh := make(map[string]codec.Code, len(sorted))
	for i, row := range sorted {
		if ok[i] {
			fresh[row.ID] = parsed[i]
		}
	}

	s.mapMu.Lock()
	s.codes = fresh
	s.mapMu.Unlock()

	s.invalidate()
	return nil
}
