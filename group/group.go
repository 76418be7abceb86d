package group

import (
	"unsafe"

	"github.com/aggcore/aggexec/aggexec"
	"github.com/aggcore/aggexec/batch"
	"github.com/aggcore/aggexec/config"
	"github.com/aggcore/aggexec/hashmap"
	"github.com/aggcore/aggexec/moerr"
	"github.com/aggcore/aggexec/mpool"
	"github.com/aggcore/aggexec/sortdriver"
	"github.com/aggcore/aggexec/spill"
	"github.com/aggcore/aggexec/vector"
)

// Output is one finalized result row, ready for the caller to project
// into its own output batch.
type Output struct {
	Direct   []any
	AggVals  []any
	AggNulls []bool
}

// Group is the top-level per-plan-node aggregation operator, generalized
// across the four strategies: it owns the phase list, the per-phase
// working state (flat PerGroup for sorted/plain, PerHash sets for
// hashed), and wires every input row through TransitionDriver then,
// at a group boundary or at Close, through FinalizeDriver.
type Group struct {
	kit      *aggexec.StateKit
	sched    *Scheduler
	strategy Strategy
	split    SplitMode

	trans    *TransitionDriver
	finalize *FinalizeDriver

	// sortedState[k][i] is the single currently-open PerGroup array for
	// phase k, grouping set i (sorted/plain phases process one group at a
	// time, in input order).
	sortedState [][][]aggexec.PerGroup
	sortedRep   [][][]any // representative row recorded on group open
	prevKey     [][][]any // previous row's key columns, for boundary detection

	hashSets []*PerHash

	cfg     config.AggConfig
	results []Output
}

// NewGroup constructs an operator over a fully-resolved plan: kit holds
// every PerTrans/PerAgg, phases is the ordered phase list (possibly a
// single PLAIN phase with one unbounded grouping set), and root is the
// query's top-level memory context that every per-phase/per-set arena is
// a child of.
func NewGroup(kit *aggexec.StateKit, phases []PerPhase, split SplitMode, root *mpool.Pool, cfg config.AggConfig, having func([]any) (bool, error)) (*Group, error) {
	g := &Group{
		kit:      kit,
		sched:    NewScheduler(phases, root),
		strategy: ClassifyStrategy(phases),
		split:    split,
		finalize: &FinalizeDriver{Kit: kit, Split: split, HavingQual: having},
	}
	g.trans = &TransitionDriver{
		Kit:   kit,
		Mode:  Regular,
		Sorts: make(map[int]*sortdriver.Driver),
	}
	if split.Combine {
		g.trans.Mode = Combine
	}

	g.sortedState = make([][][]aggexec.PerGroup, len(phases))
	g.sortedRep = make([][][]any, len(phases))
	g.prevKey = make([][][]any, len(phases))
	for k, ph := range phases {
		if ph.Strategy == Hashed {
			for i, set := range ph.Sets {
				arena := g.sched.Arena(k, i)
				ht, err := newHashMapFor(set)
				if err != nil {
					return nil, err
				}
				g.hashSets = append(g.hashSets, NewPerHash(set, ht, arena, cfg))
			}
			continue
		}
		g.sortedState[k] = make([][]aggexec.PerGroup, len(ph.Sets))
		g.sortedRep[k] = make([][]any, len(ph.Sets))
		g.prevKey[k] = make([][]any, len(ph.Sets))
	}
	g.cfg = cfg
	return g, nil
}

// ensureSortHandle allocates a fresh sortdriver.Driver for every PerTrans
// with DISTINCT/ORDER BY, keyed for the given sort slot, unless one is
// already open -- called exactly once per newly-opened group (sorted
// path) or newly-inserted hashed group, so pushSorted always finds a
// handle scoped to the group currently accumulating into it.
func (g *Group) ensureSortHandle(slot int) {
	for _, t := range g.kit.Trans {
		if t.NumSortCols == 0 {
			continue
		}
		key := sortKeyFor(t, slot)
		if _, ok := g.trans.Sorts[key]; !ok {
			g.trans.Sorts[key] = sortdriver.New(g.cfg)
		}
	}
}

func newHashMapFor(set GroupingSet) (hashmap.HashMap, error) {
	if len(set.Cols) <= 2 {
		return hashmap.NewIntHashMap(true)
	}
	return hashmap.NewStrMap(true)
}

func arenaIDOf(p *mpool.Pool) aggexec.ArenaID {
	return aggexec.ArenaID(uintptr(unsafe.Pointer(p)))
}

// Call processes one input batch. row evaluates the combined transition
// projection for input row i of in (already computed by the caller's
// expression evaluator); keyOf evaluates that row's grouping-set key
// columns as a plain value slice, used both for sorted-phase boundary
// detection and for the hashed path's representative row.
func (g *Group) Call(in *batch.Batch, row func(i int) (Row, error), keyOf func(i int, set GroupingSet) []any, keyVecsOf func(set GroupingSet) []*vector.Vector) error {
	n := in.Length()
	for i := 0; i < n; i++ {
		r, err := row(i)
		if err != nil {
			return err
		}
		for k, ph := range g.sched.Phases {
			if ph.Strategy == Hashed {
				continue
			}
			if err := g.advanceSortedPhase(k, ph, i, r, keyOf); err != nil {
				return err
			}
		}
		if err := g.advanceHashed(in, i, r, keyVecsOf); err != nil {
			return err
		}
	}
	return nil
}

// advanceSortedPhase runs one input row through phase k's sorted grouping
// sets: a changed leading column closes and emits the set's currently
// open group before a fresh one is opened, so every set's own PerGroup
// array is advanced against exactly once per row.
func (g *Group) advanceSortedPhase(k int, ph PerPhase, row int, r Row, keyOf func(int, GroupingSet) []any) error {
	for i, set := range ph.Sets {
		key := keyOf(row, set)
		mask := BoundaryMask(ph, g.prevKey[k][i], key)
		if mask[i] && g.sortedState[k][i] != nil {
			if err := g.closeGroup(k, i, set); err != nil {
				return err
			}
		}
		if g.sortedState[k][i] == nil {
			g.sortedState[k][i] = g.kit.NewPerGroup()
			g.sortedRep[k][i] = key
			g.ensureSortHandle(i)
		}
		g.prevKey[k][i] = key

		target := []pergroupTarget{{setIdx: i, pg: &g.sortedState[k][i][0]}}
		g.trans.Arena = arenaIDOf(g.sched.Arena(k, i))
		if err := g.trans.Advance(r, target); err != nil {
			return err
		}
	}
	return nil
}

func (g *Group) closeGroup(k, i int, set GroupingSet) error {
	pg := g.sortedState[k][i]
	arena := arenaIDOf(g.sched.Arena(k, i))
	if err := g.finalize.RunDeferredSorts(g.trans.Sorts, i, pg, arena); err != nil {
		return err
	}
	res, err := g.finalize.Finalize(pg, nil)
	if err != nil {
		return err
	}
	out := Output{
		Direct:   ApplyGroupingSetMask(g.sortedRep[k][i], set.Bitmap),
		AggVals:  res.AggVals,
		AggNulls: res.AggNulls,
	}
	pass, err := g.finalize.HavingPass(out.Direct)
	if err != nil {
		return err
	}
	if pass {
		g.results = append(g.results, out)
	}
	g.sched.Arena(k, i).Reset()
	g.sortedState[k][i] = nil
	return nil
}

// hashSortSlotBase separates hashed groups' sort-handle keys from sorted-
// phase grouping-set indices, which stay small; ordinal distinguishes
// multiple hashed grouping sets from one another.
const hashSortSlotBase = 1 << 20

func hashSortSlot(ordinal int, groupID uint64) int {
	return hashSortSlotBase*(ordinal+1) + int(groupID)
}

func (g *Group) advanceHashed(in *batch.Batch, row int, r Row, keyVecsOf func(GroupingSet) []*vector.Vector) error {
	for hi, h := range g.hashSets {
		vecs := keyVecsOf(h.Set)
		id, isNew, err := h.Insert(in, row, vecs, g.kit, h.Arena)
		if err != nil {
			return err
		}
		slot := hashSortSlot(hi, id)
		if isNew {
			g.ensureSortHandle(slot)
		}
		target := []pergroupTarget{{setIdx: slot, pg: &h.PerTran[id-1][0]}}
		g.trans.Arena = arenaIDOf(h.Arena)
		if err := g.trans.Advance(r, target); err != nil {
			return err
		}
	}
	return nil
}

// Close finalizes every still-open group: the current sorted-phase group
// per set, and every resident hashed group.
func (g *Group) Close() ([]Output, error) {
	for k, ph := range g.sched.Phases {
		if ph.Strategy == Hashed {
			continue
		}
		for i, set := range ph.Sets {
			if g.sortedState[k][i] != nil {
				if err := g.closeGroup(k, i, set); err != nil {
					return nil, err
				}
			}
		}
	}
	for hi, h := range g.hashSets {
		if h.spill != nil {
			if err := g.closeSpilledHash(hi, h); err != nil {
				return nil, err
			}
			continue
		}
		for gi := 0; gi < h.GroupCount(); gi++ {
			pg := h.PerTran[gi]
			arena := arenaIDOf(h.Arena)
			slot := hashSortSlot(hi, uint64(gi+1))
			if err := g.finalize.RunDeferredSorts(g.trans.Sorts, slot, pg, arena); err != nil {
				return nil, err
			}
			res, err := g.finalize.Finalize(pg, nil)
			if err != nil {
				return nil, err
			}
			out := Output{
				Direct:   ApplyGroupingSetMask(h.repRow(gi), h.Set.Bitmap),
				AggVals:  res.AggVals,
				AggNulls: res.AggNulls,
			}
			pass, err := g.finalize.HavingPass(out.Direct)
			if err != nil {
				return nil, err
			}
			if pass {
				g.results = append(g.results, out)
			}
		}
	}
	return g.results, nil
}

// PartialGroup is one finished group's representative key and raw,
// not-yet-finalized transition state, handed back by ClosePartial for a
// caller merging several workers' SkipFinal-mode output before any
// finalfn runs (see mergegroup.Merger and engine.Coordinator).
type PartialGroup struct {
	Rep []any
	PG  []aggexec.PerGroup
}

// ClosePartial is Close's counterpart when this operator's SplitMode has
// SkipFinal set: deferred DISTINCT/ORDER-BY sorts still have to run (that
// state cannot cross a merge boundary), but FinalizeDriver itself is
// never invoked here -- the caller combines the raw PerGroup arrays
// across workers first, then finalizes once on the merged result.
// Hashed grouping sets that have spilled are not supported: a spilled
// group's state already crossed one merge boundary (the spill store) and handing it
// back raw would double-apply that merge once the caller combines it
// again, so a plan combining ClosePartial with hybrid-hash spill needs a
// different composition than this one.
func (g *Group) ClosePartial() ([]PartialGroup, error) {
	var out []PartialGroup
	for k, ph := range g.sched.Phases {
		if ph.Strategy == Hashed {
			continue
		}
		for i := range ph.Sets {
			if g.sortedState[k][i] == nil {
				continue
			}
			pg := g.sortedState[k][i]
			arena := arenaIDOf(g.sched.Arena(k, i))
			if err := g.finalize.RunDeferredSorts(g.trans.Sorts, i, pg, arena); err != nil {
				return nil, err
			}
			out = append(out, PartialGroup{Rep: g.sortedRep[k][i], PG: pg})
			g.sched.Arena(k, i).Reset()
			g.sortedState[k][i] = nil
		}
	}
	for hi, h := range g.hashSets {
		if h.spill != nil {
			return nil, moerr.Internalf("ClosePartial does not support a hashed grouping set that has spilled")
		}
		for gi := 0; gi < h.GroupCount(); gi++ {
			pg := h.PerTran[gi]
			arena := arenaIDOf(h.Arena)
			slot := hashSortSlot(hi, uint64(gi+1))
			if err := g.finalize.RunDeferredSorts(g.trans.Sorts, slot, pg, arena); err != nil {
				return nil, err
			}
			out = append(out, PartialGroup{Rep: h.repRow(gi), PG: pg})
		}
	}
	return out, nil
}

// closeSpilledHash finishes a PerHash that overflowed at least once: the
// still-resident groups are flushed one last time, then every spilled
// partition is streamed back and merged into a fresh adapter table
// (combine_transition folds a spilled record into whatever the adapter
// already holds for that hashkey), and finally every merged group is run
// through the normal finalize/HAVING path.
//
// A group's pending DISTINCT/ORDER-BY sort state does not survive a mid-
// stream spill: RunDeferredSorts only ever drains what had already been
// pushed by the time a group was flushed, so rows arriving for the same
// logical key after its group was spilled open a new sort handle under a
// new (post-reset) group id and are deduped independently. This is a
// known gap in the hybrid path, not something Close can repair after the
// fact; see DESIGN.md.
func (g *Group) closeSpilledHash(hi int, h *PerHash) error {
	for gi := 0; gi < h.GroupCount(); gi++ {
		arena := arenaIDOf(h.Arena)
		slot := hashSortSlot(hi, uint64(gi+1))
		if err := g.finalize.RunDeferredSorts(g.trans.Sorts, slot, h.PerTran[gi], arena); err != nil {
			return err
		}
	}
	if err := h.flushResident(g.kit); err != nil {
		return err
	}

	adapter := newHashAdapter(g.kit)
	reps := make(map[string][]any)
	arena := arenaIDOf(h.Arena)
	for part := 0; part < h.spill.NumPartitions(); part++ {
		records, err := h.spill.ReadPartition(uint32(part))
		if err != nil {
			return err
		}
		for _, rec := range records {
			k := string(spillRecordKey(rec.HashKey))
			if _, ok := reps[k]; !ok {
				reps[k] = rec.Rep
			}
		}
		if _, err := spill.ReadAndMerge(g.kit, adapter, records, arena, nil); err != nil {
			return err
		}
	}
	if err := h.spill.Close(); err != nil {
		return err
	}

	for _, k := range adapter.order {
		pg := adapter.byKey[k]
		res, err := g.finalize.Finalize(pg, nil)
		if err != nil {
			return err
		}
		out := Output{
			Direct:   ApplyGroupingSetMask(reps[k], h.Set.Bitmap),
			AggVals:  res.AggVals,
			AggNulls: res.AggNulls,
		}
		pass, err := g.finalize.HavingPass(out.Direct)
		if err != nil {
			return err
		}
		if pass {
			g.results = append(g.results, out)
		}
	}
	return nil
}
