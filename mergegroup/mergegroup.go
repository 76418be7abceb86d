// Package mergegroup implements the partial-aggregation combine step: it
// re-groups a set of already-partially-aggregated batches by their
// original grouping key and merges each group's transition states with
// combine_transition, so that finalize(combine(partial(B1),...,
// partial(Bn))) equals aggregate(B1 ∪ ... ∪ Bn).
package mergegroup

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/aggcore/aggexec/aggexec"
	"github.com/aggcore/aggexec/group"
	"github.com/aggcore/aggexec/mpool"
)

// PartialRow is one row of a partially-aggregated input batch: the
// original grouping key plus one already-partial transition value per
// PerTrans (produced upstream by a SkipFinal-mode aggregation).
type PartialRow struct {
	Key    []any
	States []aggexec.TransValue
	Nulls  []bool
}

type groupSlot struct {
	key []any
	pg  []aggexec.PerGroup
}

// Merger accumulates PartialRows into one merged group per distinct key.
type Merger struct {
	kit   *aggexec.StateKit
	arena *mpool.Pool

	index map[string]int
	order []groupSlot
}

// NewMerger starts a fresh merge pass. root is the parent arena the
// merger's own working context hangs off; kit must be the same StateKit
// that produced the partial states being merged.
func NewMerger(kit *aggexec.StateKit, root *mpool.Pool) *Merger {
	return &Merger{
		kit:   kit,
		arena: root.NewChild("mergegroupcontext"),
		index: make(map[string]int),
	}
}

func (m *Merger) arenaID() aggexec.ArenaID {
	return aggexec.ArenaID(uintptr(unsafe.Pointer(m.arena)))
}

// Add merges one partial row into its group, creating the group on first
// sight of its key.
func (m *Merger) Add(row PartialRow) error {
	k := encodeKey(row.Key)
	idx, ok := m.index[k]
	if !ok {
		idx = len(m.order)
		m.order = append(m.order, groupSlot{key: row.Key, pg: m.kit.NewPerGroup()})
		m.index[k] = idx
	}
	slot := &m.order[idx]
	for i, t := range m.kit.Trans {
		if i >= len(row.States) || row.Nulls[i] {
			continue
		}
		if err := aggexec.CombineTransition(t, &slot.pg[i], row.States[i], false, m.arenaID()); err != nil {
			return err
		}
	}
	return nil
}

// AddBatch merges every row of one partial-aggregation batch.
func (m *Merger) AddBatch(rows []PartialRow) error {
	for _, r := range rows {
		if err := m.Add(r); err != nil {
			return err
		}
	}
	return nil
}

// Finalize runs the plan's finalize step over every merged group,
// applying HAVING and the grouping-set null mask the same way the
// primary aggregation path does.
func (m *Merger) Finalize(fd *group.FinalizeDriver, maskBitmap func(key []any) []any) ([]group.Output, error) {
	var out []group.Output
	for _, slot := range m.order {
		res, err := fd.Finalize(slot.pg, nil)
		if err != nil {
			return nil, err
		}
		direct := slot.key
		if maskBitmap != nil {
			direct = maskBitmap(slot.key)
		}
		o := group.Output{Direct: direct, AggVals: res.AggVals, AggNulls: res.AggNulls}
		pass, err := fd.HavingPass(o.Direct)
		if err != nil {
			return nil, err
		}
		if pass {
			out = append(out, o)
		}
	}
	return out, nil
}

// GroupCount reports how many distinct keys have been merged so far.
func (m *Merger) GroupCount() int { return len(m.order) }

func encodeKey(key []any) string {
	parts := make([]string, len(key))
	for i, v := range key {
		if v == nil {
			parts[i] = "\x00"
			continue
		}
		parts[i] = fmt.Sprintf("%T:%v", v, v)
	}
	return strings.Join(parts, "\x1f")
}
