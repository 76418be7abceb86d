// Package group implements the phase-ordered execution core: the
// GroupHashTable, the PhaseScheduler that drives sorted/hashed/mixed
// strategies, the per-tuple TransitionDriver hot path, and the
// FinalizeDriver that emits one output row per completed group.
package group

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/aggcore/aggexec/aggexec"
	"github.com/aggcore/aggexec/batch"
	"github.com/aggcore/aggexec/config"
	"github.com/aggcore/aggexec/hashmap"
	"github.com/aggcore/aggexec/mpool"
	"github.com/aggcore/aggexec/spill"
	"github.com/aggcore/aggexec/vector"
)

// Strategy is the execution strategy the plan node selects.
type Strategy int

const (
	Plain Strategy = iota
	Sorted
	Hashed
	Mixed
)

// GroupingSet is one subset of the grouping columns: an ordered prefix of
// column indices plus the membership bitmap recording which original
// grouping columns it covers (columns outside the set are nulled at
// finalize time).
type GroupingSet struct {
	Cols      []int32
	Bitmap    *roaring.Bitmap
	SortCols  []int32 // the columns this set needs input sorted by, for a sorted phase
}

// KeyPrefixLen is how many leading columns of Cols are this set's grouping
// key (equal to len(Cols) for every set produced by this package; kept as
// a method for readability at call sites that reason about "prefix").
func (g GroupingSet) KeyPrefixLen() int { return len(g.Cols) }

// PerPhase describes one pass over the input.
type PerPhase struct {
	Strategy Strategy
	Sets     []GroupingSet
	// ReSortCols, for phase k>1, names the column order the previous
	// phase's output would need to be re-sorted into before this phase
	// could consume it. engine.Validate currently rejects any plan with
	// more than one sorted phase, so this field is recorded for a future
	// re-sort implementation but not read yet.
	ReSortCols []int32
}

// PerHash is one hashed grouping set's working state: its hash table, the
// PerGroup array per matched group, and the representative tuple batch
// mirroring each group's first-seen row. Extended by a hybrid mode: once
// the resident group count outgrows cfg.NEntries, Insert partitions the
// whole table into a spill.Manager and starts over with a fresh
// table, rather than letting PerTran grow without bound.
type PerHash struct {
	Set     GroupingSet
	HT      hashmap.HashMap
	PerTran [][]aggexec.PerGroup // indexed by 1-based group id - 1
	Reps    *batch.Batch         // representative tuple, one row per group
	Arena   *mpool.Pool

	cfg   config.AggConfig
	spill *spill.Manager // lazily opened on first overflow; nil until then
}

func NewPerHash(set GroupingSet, ht hashmap.HashMap, arena *mpool.Pool, cfg config.AggConfig) *PerHash {
	return &PerHash{
		Set:   set,
		HT:    ht,
		Reps:  &batch.Batch{},
		Arena: arena,
		cfg:   cfg,
	}
}

// Insert materializes a hash slot for tuple row `row` of `src`, probing
// the hash table and, on miss, allocating a fresh PerGroup array plus
// recording the representative tuple. Returns the 1-based group id and
// whether this was a newly-created group. A new group that pushes the
// resident count past the work-mem budget triggers an immediate flush of
// every resident group to the spill store and a reset of the in-memory
// table, so PerTran never grows past what cfg.WorkMemBytes allows. That
// flush includes the group just opened for this row, so the row is then
// inserted again into the emptied table and the returned id is the new
// one.
func (h *PerHash) Insert(src *batch.Batch, row int, keyVecs []*vector.Vector, kit *aggexec.StateKit, mp *mpool.Pool) (uint64, bool, error) {
	ids, newKeys, err := h.HT.NewIterator().Insert(row, 1, keyVecs)
	if err != nil {
		return 0, false, err
	}
	id := ids[0]
	isNew := newKeys > 0 && int(id) == len(h.PerTran)+1
	if isNew {
		h.PerTran = append(h.PerTran, kit.NewPerGroup())
		if h.Reps.VectorCount() == 0 {
			h.Reps = batch.NewWithSize(src.VectorCount())
			for i := range h.Reps.Vecs {
				h.Reps.Vecs[i] = vector.New(*src.GetVector(int32(i)).GetType())
			}
		}
		for i, v := range h.Reps.Vecs {
			if err := v.UnionOne(src.GetVector(int32(i)), row, mp); err != nil {
				return 0, false, err
			}
		}
		h.Reps.Zs = append(h.Reps.Zs, 1)
	} else {
		h.Reps.Zs[id-1]++
	}
	if isNew {
		if err := h.maybeSpill(kit); err != nil {
			return 0, false, err
		}
		if len(h.PerTran) == 0 {
			// The flush wrote out this row's new group too and reset the
			// table; reinsert the row so it gets a live group id.
			return h.Insert(src, row, keyVecs, kit, mp)
		}
	}
	return id, isNew, nil
}

// GroupCount returns the number of distinct groups currently resident.
func (h *PerHash) GroupCount() int { return len(h.PerTran) }
