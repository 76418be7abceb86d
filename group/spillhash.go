package group

import (
	"github.com/aggcore/aggexec/aggexec"
	"github.com/aggcore/aggexec/batch"
	"github.com/aggcore/aggexec/redistribute"
	"github.com/aggcore/aggexec/spill"
	"github.com/aggcore/aggexec/types"
)

// entrySizeEstimate is a rough per-resident-group memory footprint used to
// turn cfg.WorkMemBytes into a group-count budget: PerGroup.Value plus the
// bookkeeping fields, per PerTrans, plus a fixed per-group overhead for
// the hash table slot and representative tuple.
func entrySizeEstimate(numTrans int) int64 {
	return 48 + int64(numTrans)*32
}

// maybeSpill flushes every resident group to the spill store and resets the
// in-memory table once the resident count outgrows the work-mem budget.
func (h *PerHash) maybeSpill(kit *aggexec.StateKit) error {
	budget := h.cfg.NEntries(entrySizeEstimate(len(kit.Trans)))
	if budget <= 0 || int64(len(h.PerTran)) <= budget {
		return nil
	}
	if h.spill == nil {
		mgr, err := spill.NewManager(h.cfg, 0, h.cfg.NBatches)
		if err != nil {
			return err
		}
		h.spill = mgr
	}
	return h.flushResident(kit)
}

// flushResident serializes every currently-resident group to the spill
// manager, then resets the hash table and working arrays so new rows keep
// building fresh groups in the freed space. hashmap.HashMap has no
// per-key eviction, so the reset here is coarse (the whole table, not
// individual overflowing groups) -- closer to a grace-hash-join flush
// than a fine-grained LRU eviction.
func (h *PerHash) flushResident(kit *aggexec.StateKit) error {
	records := make([]spill.Record, 0, len(h.PerTran))
	for gi, pg := range h.PerTran {
		rep := h.repRow(gi)
		hashKey, err := h.hashKeyOf(rep)
		if err != nil {
			return err
		}
		rec, err := spill.BuildRecord(kit, hashKey, rep, pg)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	if err := h.spill.Write(records); err != nil {
		return err
	}
	h.PerTran = nil
	h.Reps = &batch.Batch{}
	h.HT.Free()
	return h.HT.PreAlloc(0)
}

// repRow reads back group gi's representative tuple as a plain value
// slice, the same shape BuildRecord/ReadAndMerge carry across a spill.
func (h *PerHash) repRow(gi int) []any {
	if gi >= h.Reps.Length() {
		return nil
	}
	rep := make([]any, h.Reps.VectorCount())
	for ci, v := range h.Reps.Vecs {
		val, isNull := v.GetAny(gi)
		if !isNull {
			rep[ci] = val
		}
	}
	return rep
}

// hashKeyOf derives the hashkey a spilled group is partitioned and keyed
// by: the grouping set's own key columns (h.Set.Cols indexes into rep),
// hashed with the same per-type table the row redistributor uses, so the
// same logical group always lands in the same spill partition whether it
// is flushed now or flushed on a later overflow.
func (h *PerHash) hashKeyOf(rep []any) (uint32, error) {
	key := make([]any, len(h.Set.Cols))
	colTypes := make([]types.T, len(h.Set.Cols))
	for i, c := range h.Set.Cols {
		if int(c) < len(rep) {
			key[i] = rep[c]
		}
		colTypes[i] = h.Reps.Vecs[c].GetType().Oid
	}
	full, err := redistribute.HashKey(key, colTypes)
	if err != nil {
		return 0, err
	}
	return uint32(full), nil
}

// spillRecordKey mirrors spill package's internal partition/merge key
// encoding for a hashkey, so a coordinator reading records back out can
// group them the same way ReadAndMerge does internally.
func spillRecordKey(hashKey uint32) []byte {
	return []byte{byte(hashKey), byte(hashKey >> 8), byte(hashKey >> 16), byte(hashKey >> 24)}
}

// hashAdapter implements spill.HashTable over a fresh in-memory group set,
// built from scratch for the final merge-and-emit pass over one PerHash's
// spilled partitions plus whatever groups were still resident at Close.
type hashAdapter struct {
	kit   *aggexec.StateKit
	byKey map[string][]aggexec.PerGroup
	order []string
}

func newHashAdapter(kit *aggexec.StateKit) *hashAdapter {
	return &hashAdapter{kit: kit, byKey: make(map[string][]aggexec.PerGroup)}
}

func (a *hashAdapter) ProbeOrInsert(key []byte) ([]aggexec.PerGroup, bool) {
	k := string(key)
	if pg, ok := a.byKey[k]; ok {
		return pg, false
	}
	pg := a.kit.NewPerGroup()
	a.byKey[k] = pg
	a.order = append(a.order, k)
	return pg, true
}
