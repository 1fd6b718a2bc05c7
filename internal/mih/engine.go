// Package mih implements sub-linear Hamming-distance search over 64-bit
// codes using multi-index hashing (pigeonhole-split lookup): the code is
// partitioned into B contiguous sub-codes, one hash table per sub-code
// position, and a radius-r query enumerates every sub-code within
// floor(r/B) bits of the query's sub-code in each table before verifying
// full-code distance on the union of candidates.
//
// Positions returned by TopK/Range are indices into the slice of codes
// passed to Build; they carry no meaning outside that slice.
package mih

import (
	"errors"
	"math/bits"
	"sort"
)

// ErrBadPartition is returned by Build when blocks does not evenly divide 64.
var ErrBadPartition = errors.New("mih: block count must evenly divide 64")

type bucket map[uint64][]int32

// Engine answers nearest-neighbor and radius queries over a fixed set of
// 64-bit codes via multi-index hashing.
type Engine struct {
	codes  []uint64
	blocks int
	width  uint // bits per sub-code, 64/blocks
	tables []bucket
}

// Build partitions codes into blocks contiguous sub-codes and constructs one
// hash table per sub-code position. blocks must evenly divide 64.
func Build(codes []uint64, blocks int) (*Engine, error) {
	if blocks <= 0 || 64%blocks != 0 {
		return nil, ErrBadPartition
	}

	e := &Engine{
		codes:  codes,
		blocks: blocks,
		width:  uint(64 / blocks),
		tables: make([]bucket, blocks),
	}
	for b := range e.tables {
		e.tables[b] = make(bucket, len(codes))
	}

	for pos, code := range codes {
		for b := 0; b < blocks; b++ {
			sub := e.subCode(code, b)
			e.tables[b][sub] = append(e.tables[b][sub], int32(pos))
		}
	}

	return e, nil
}

func (e *Engine) subCode(code uint64, block int) uint64 {
	shift := uint(block) * e.width
	mask := uint64(1)<<e.width - 1
	return (code >> shift) & mask
}

func (e *Engine) distance(q uint64, pos int32) int {
	return bits.OnesCount64(q ^ e.codes[pos])
}

// Range returns every position whose code is within Hamming distance r of q,
// in unspecified order. r is clamped to [0, 64].
func (e *Engine) Range(q uint64, r int) []int {
	if len(e.codes) == 0 {
		return nil
	}
	if r < 0 {
		r = 0
	}
	if r > 64 {
		r = 64
	}

	subRadius := r / e.blocks

	seen := make(map[int32]struct{})
	var out []int
	for b := 0; b < e.blocks; b++ {
		querySub := e.subCode(q, b)
		for _, variant := range withinHammingDistance(querySub, e.width, subRadius) {
			for _, pos := range e.tables[b][variant] {
				if _, ok := seen[pos]; ok {
					continue
				}
				seen[pos] = struct{}{}
				if e.distance(q, pos) <= r {
					out = append(out, int(pos))
				}
			}
		}
	}
	return out
}

// TopK returns up to k positions whose codes have smallest Hamming distance
// to q, ties broken by ascending position. It widens the search radius
// geometrically until k candidates are found or the full code space (r=64)
// has been searched.
func (e *Engine) TopK(q uint64, k int) []int {
	if len(e.codes) == 0 || k <= 0 {
		return nil
	}

	var candidates []int
	for r := 1; ; r *= 2 {
		candidates = e.Range(q, r)
		if len(candidates) >= k || r >= 64 {
			break
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		di := e.distance(q, int32(candidates[i]))
		dj := e.distance(q, int32(candidates[j]))
		if di != dj {
			return di < dj
		}
		return candidates[i] < candidates[j]
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// withinHammingDistance enumerates every w-bit value within Hamming distance
// radius of center, inclusive, by flipping every combination of up to
// radius bit positions.
func withinHammingDistance(center uint64, w uint, radius int) []uint64 {
	if radius < 0 {
		return nil
	}
	if radius > int(w) {
		radius = int(w)
	}

	out := []uint64{center}
	var combine func(start int, flips []uint)
	combine = func(start int, flips []uint) {
		if len(flips) > 0 {
			v := center
			for _, bit := range flips {
				v ^= uint64(1) << bit
			}
			out = append(out, v)
		}
		if len(flips) == radius {
			return
		}
		for i := start; i < int(w); i++ {
			combine(i+1, append(flips, uint(i)))
		}
	}
	if radius > 0 {
		combine(0, nil)
	}
	return out
}
