package group

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/aggcore/aggexec/aggexec"
	"github.com/aggcore/aggexec/sortdriver"
)

// SplitMode mirrors the plan node's two independent bits (§6): whether
// this aggregation only emits a partial (pre-final) result, and whether it
// is itself combining already-partial input.
type SplitMode struct {
	SkipFinal bool
	Combine   bool
}

// FinalizeDriver turns one completed group's PerGroup array into an
// output row: it runs any deferred DISTINCT/ORDER-BY sorts, invokes each
// PerAgg's finalfn (or serializefn under skip-final), and applies the
// grouping-set's null-out-unused-columns projection plus a HAVING filter.
type FinalizeDriver struct {
	Kit   *aggexec.StateKit
	Split SplitMode
	// HavingQual evaluates a finished output row and reports whether it
	// passes the HAVING clause; nil means "always pass" (no HAVING qual).
	HavingQual func(out []any) (bool, error)
}

// Result is one finalized output row, before the caller nulls out columns
// the current grouping set doesn't cover.
type Result struct {
	Direct   []any // representative/grouping-key columns, indexed by the caller's output layout
	AggVals  []any // one per PerAgg, in StateKit.Aggs order
	AggNulls []bool
}

// RunDeferredSorts executes §4.5 for every PerTrans that has DISTINCT/
// ORDER-BY, pushing each accepted row's arguments through advance_transition
// (regular mode only -- combine-mode plans never carry DISTINCT/ORDER-BY,
// per the plan-node invariant the engine enforces at construction).
func (f *FinalizeDriver) RunDeferredSorts(sorts map[int]*sortdriver.Driver, setIdx int, pg []aggexec.PerGroup, arena aggexec.ArenaID) error {
	for ti, t := range f.Kit.Trans {
		if t.NumSortCols == 0 {
			continue
		}
		key := sortKeyFor(t, setIdx)
		s := sorts[key]
		if s == nil {
			continue
		}
		if err := s.PerformSort(); err != nil {
			return err
		}
		dedup := t.NumDistinctCols > 0
		push := func(e sortdriver.Entry) error {
			args := e.Payload.([]any)
			nulls := make([]bool, len(args))
			if e.IsNull && len(nulls) > 0 {
				nulls[0] = true
			}
			return aggexec.AdvanceTransition(t, &pg[ti], args, nulls, arena)
		}
		var err error
		if t.NumTransInputs <= 1 {
			err = sortdriver.DedupSingle(s, dedup, push)
		} else {
			err = sortdriver.DedupMulti(s, dedup, push)
		}
		if err != nil {
			return err
		}
		if err := s.Close(); err != nil {
			return err
		}
		delete(sorts, key)
	}
	return nil
}

// Finalize computes each PerAgg's output value from a completed group's
// PerGroup array.
func (f *FinalizeDriver) Finalize(pg []aggexec.PerGroup, directArgsByAgg [][]any) (Result, error) {
	res := Result{
		AggVals:  make([]any, len(f.Kit.Aggs)),
		AggNulls: make([]bool, len(f.Kit.Aggs)),
	}
	for ai, agg := range f.Kit.Aggs {
		t := f.Kit.Trans[agg.TransNo]
		state := pg[agg.TransNo]

		if f.Split.SkipFinal {
			if t.SerializeFn == nil {
				res.AggVals[ai], res.AggNulls[ai] = refAny(state), state.IsNull
				continue
			}
			if t.IsStrict && state.IsNull {
				res.AggNulls[ai] = true
				continue
			}
			blob, err := t.SerializeFn(state.Value)
			if err != nil {
				return Result{}, err
			}
			res.AggVals[ai] = blob
			continue
		}

		var directArgs []any
		if ai < len(directArgsByAgg) {
			directArgs = directArgsByAgg[ai]
		}
		for len(directArgs) < agg.NumFinalArgs {
			directArgs = append(directArgs, nil) // pad finalfn_extra_args to the catalog-declared count
		}
		if agg.FinalFn == nil {
			res.AggVals[ai], res.AggNulls[ai] = refAny(state), state.IsNull
			continue
		}
		if agg.FinalStrict && anyNullArg(directArgs) {
			res.AggNulls[ai] = true
			continue
		}
		val, isNull, err := agg.FinalFn(state.Value, state.IsNull, directArgs)
		if err != nil {
			return Result{}, err
		}
		res.AggVals[ai], res.AggNulls[ai] = val, isNull
	}
	return res, nil
}

func anyNullArg(args []any) bool {
	for _, a := range args {
		if a == nil {
			return true
		}
	}
	return false
}

func refAny(pg aggexec.PerGroup) any {
	if pg.Value.Kind == aggexec.ByVal {
		return pg.Value.Bits
	}
	return pg.Value.Ref
}

// ApplyGroupingSetMask nulls out every Direct column not covered by the
// grouping set's membership bitmap, per the rollup semantics of a
// GROUPING SETS query (scenario B: e.g. `(a,b,null)` when the set is `(a,b)`).
func ApplyGroupingSetMask(direct []any, bitmap *roaring.Bitmap) []any {
	out := make([]any, len(direct))
	copy(out, direct)
	for i := range out {
		if !bitmap.Contains(uint32(i)) {
			out[i] = nil
		}
	}
	return out
}

// HavingPass evaluates the HAVING qual, defaulting to pass when none is set.
func (f *FinalizeDriver) HavingPass(out []any) (bool, error) {
	if f.HavingQual == nil {
		return true, nil
	}
	return f.HavingQual(out)
}
